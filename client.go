// Copyright 2019-2024 Xu Ruibo (hustxurb@163.com) and Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package bitalosenv

import (
	"os"
	"sync"

	"github.com/zuoyebang/bitalosenv/internal/base"
)

// Server is the handle a client environment forwards to.
type Server interface {
	Env
}

// ClientEnv is the environment returned by Create(Client, ...). Its
// operations run on the server handle, which must be set before Open.
type ClientEnv interface {
	Env
	SetServer(srv Server) error
}

// SetServer binds env to srv. Only client environments have a server.
func SetServer(env Env, srv Server) error {
	c, ok := env.(ClientEnv)
	if !ok {
		return base.MarkNotSupported("bitalosenv: SetServer on a non-client environment")
	}
	return c.SetServer(srv)
}

type clientEnv struct {
	mu     sync.RWMutex
	srv    Server
	opened bool
}

var _ ClientEnv = (*clientEnv)(nil)

func (c *clientEnv) SetServer(srv Server) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if srv == nil {
		return base.MarkInvalid("bitalosenv: nil server")
	}
	if c.opened {
		return base.MarkInvalid("bitalosenv: SetServer after open")
	}
	c.srv = srv
	return nil
}

func (c *clientEnv) server(name string) (Server, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.srv == nil {
		return nil, base.MarkInvalid("bitalosenv: %s needs a server", name)
	}
	return c.srv, nil
}

func sharedOnly(name string) error {
	return base.MarkInvalid("bitalosenv: %s is meaningless in a client environment", name)
}

func (c *clientEnv) Open(home string, flags OpenFlags, mode os.FileMode) error {
	srv, err := c.server("Open")
	if err != nil {
		return err
	}
	if err = srv.Open(home, flags, mode); err != nil {
		return err
	}
	c.mu.Lock()
	c.opened = true
	c.mu.Unlock()
	return nil
}

func (c *clientEnv) Close() error {
	srv, err := c.server("Close")
	if err != nil {
		return nil
	}
	return srv.Close()
}

func (c *clientEnv) Remove(home string, flags RemoveFlags) error {
	srv, err := c.server("Remove")
	if err != nil {
		return err
	}
	return srv.Remove(home, flags)
}

func (c *clientEnv) SetShmKey(int64) error               { return sharedOnly("SetShmKey") }
func (c *clientEnv) SetRegionSize(RegionType, int) error { return sharedOnly("SetRegionSize") }
func (c *clientEnv) SetMutexLocking(bool) error          { return sharedOnly("SetMutexLocking") }

func (c *clientEnv) SetErrPrefix(prefix string) error {
	srv, err := c.server("SetErrPrefix")
	if err != nil {
		return err
	}
	return srv.SetErrPrefix(prefix)
}

func (c *clientEnv) SetErrCall(fn func(prefix, msg string)) error {
	srv, err := c.server("SetErrCall")
	if err != nil {
		return err
	}
	return srv.SetErrCall(fn)
}

func (c *clientEnv) SetFeedback(fn func(FeedbackInfo)) error {
	srv, err := c.server("SetFeedback")
	if err != nil {
		return err
	}
	return srv.SetFeedback(fn)
}

func (c *clientEnv) SetNoticeCall(fn func(NoticeInfo)) error {
	srv, err := c.server("SetNoticeCall")
	if err != nil {
		return err
	}
	return srv.SetNoticeCall(fn)
}

func (c *clientEnv) SetPanicCall(fn func(PanicInfo)) error {
	srv, err := c.server("SetPanicCall")
	if err != nil {
		return err
	}
	return srv.SetPanicCall(fn)
}

func (c *clientEnv) Home() string {
	if srv, err := c.server("Home"); err == nil {
		return srv.Home()
	}
	return ""
}

func (c *clientEnv) OpenFlags() OpenFlags {
	if srv, err := c.server("OpenFlags"); err == nil {
		return srv.OpenFlags()
	}
	return 0
}

func (c *clientEnv) Panicked() bool {
	if srv, err := c.server("Panicked"); err == nil {
		return srv.Panicked()
	}
	return false
}

func (c *clientEnv) Panic(reason string) error {
	srv, err := c.server("Panic")
	if err != nil {
		return err
	}
	return srv.Panic(reason)
}

func (c *clientEnv) LogPut(data []byte, flush bool) (LSN, error) {
	srv, err := c.server("LogPut")
	if err != nil {
		return LSN{}, err
	}
	return srv.LogPut(data, flush)
}

func (c *clientEnv) LogFlush() error {
	srv, err := c.server("LogFlush")
	if err != nil {
		return err
	}
	return srv.LogFlush()
}

func (c *clientEnv) LogStat() (LogStat, error) {
	srv, err := c.server("LogStat")
	if err != nil {
		return LogStat{}, err
	}
	return srv.LogStat()
}

func (c *clientEnv) Register(fileID FileID, metaPgno uint32, ftype FileType, name string) (int32, error) {
	srv, err := c.server("Register")
	if err != nil {
		return 0, err
	}
	return srv.Register(fileID, metaPgno, ftype, name)
}

func (c *clientEnv) Unregister(id int32) error {
	srv, err := c.server("Unregister")
	if err != nil {
		return err
	}
	return srv.Unregister(id)
}

func (c *clientEnv) FileLock(id int32) error {
	srv, err := c.server("FileLock")
	if err != nil {
		return err
	}
	return srv.FileLock(id)
}

func (c *clientEnv) LookupFile(id int32) (FileInfo, error) {
	srv, err := c.server("LookupFile")
	if err != nil {
		return FileInfo{}, err
	}
	return srv.LookupFile(id)
}

func (c *clientEnv) ListFiles() ([]FileInfo, error) {
	srv, err := c.server("ListFiles")
	if err != nil {
		return nil, err
	}
	return srv.ListFiles()
}

func (c *clientEnv) LockID() (uint32, error) {
	srv, err := c.server("LockID")
	if err != nil {
		return 0, err
	}
	return srv.LockID()
}

func (c *clientEnv) LockIDFree(id uint32) error {
	srv, err := c.server("LockIDFree")
	if err != nil {
		return err
	}
	return srv.LockIDFree(id)
}

func (c *clientEnv) LockStat() (LockStat, error) {
	srv, err := c.server("LockStat")
	if err != nil {
		return LockStat{}, err
	}
	return srv.LockStat()
}

func (c *clientEnv) TxnBegin() (*Txn, error) {
	srv, err := c.server("TxnBegin")
	if err != nil {
		return nil, err
	}
	return srv.TxnBegin()
}

func (c *clientEnv) TxnStat() (TxnStat, error) {
	srv, err := c.server("TxnStat")
	if err != nil {
		return TxnStat{}, err
	}
	return srv.TxnStat()
}

func (c *clientEnv) MpoolStat() (MpoolStat, error) {
	srv, err := c.server("MpoolStat")
	if err != nil {
		return MpoolStat{}, err
	}
	return srv.MpoolStat()
}

func (c *clientEnv) RegionStats() ([]RegionStat, error) {
	srv, err := c.server("RegionStats")
	if err != nil {
		return nil, err
	}
	return srv.RegionStats()
}
