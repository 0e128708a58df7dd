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
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/zuoyebang/bitalosenv/internal/base"
	"github.com/zuoyebang/bitalosenv/internal/region"
)

// Env is a handle on a shared environment: a home directory whose regions
// are mapped by every process that opens it.
type Env interface {
	Open(home string, flags OpenFlags, mode os.FileMode) error
	Close() error
	// Remove destroys the environment in home. The handle must not be open
	// and cannot be used afterwards.
	Remove(home string, flags RemoveFlags) error

	SetShmKey(key int64) error
	SetErrPrefix(prefix string) error
	SetErrCall(fn func(prefix, msg string)) error
	SetFeedback(fn func(FeedbackInfo)) error
	SetNoticeCall(fn func(NoticeInfo)) error
	SetPanicCall(fn func(PanicInfo)) error
	SetRegionSize(typ RegionType, size int) error
	SetMutexLocking(on bool) error

	Home() string
	OpenFlags() OpenFlags
	Panicked() bool
	// Panic marks the environment dead for every attached handle.
	Panic(reason string) error

	LogPut(data []byte, flush bool) (LSN, error)
	LogFlush() error
	LogStat() (LogStat, error)

	Register(fileID FileID, metaPgno uint32, ftype FileType, name string) (int32, error)
	Unregister(id int32) error
	FileLock(id int32) error
	LookupFile(id int32) (FileInfo, error)
	ListFiles() ([]FileInfo, error)

	LockID() (uint32, error)
	LockIDFree(id uint32) error
	LockStat() (LockStat, error)

	TxnBegin() (*Txn, error)
	TxnStat() (TxnStat, error)

	MpoolStat() (MpoolStat, error)

	RegionStats() ([]RegionStat, error)
}

// Create returns an unopened environment handle. flags is zero or Client.
func Create(flags CreateFlags, opts *Options) (Env, error) {
	switch flags {
	case 0:
		return newLocalEnv(opts), nil
	case Client:
		return &clientEnv{}, nil
	default:
		return nil, base.MarkInvalid("bitalosenv: unknown create flags %#x", uint32(flags))
	}
}

type localEnv struct {
	mu   sync.RWMutex
	opts *Options

	home      string
	flags     OpenFlags
	opened    bool
	closed    bool
	panicked  atomic.Bool
	notified  atomic.Bool
	noLocking bool

	rgn      *region.Env
	attached []attachment

	log   *logMgr
	lock  *lockMgr
	txn   *txnMgr
	mpool *mpoolMgr
}

func newLocalEnv(opts *Options) *localEnv {
	opts = opts.Clone().EnsureDefaults()
	return &localEnv{
		opts:      opts,
		noLocking: opts.NoMutexLocking,
	}
}

// enter is the guard every operation passes: panic first, then open state,
// then the subsystem the operation needs. The read lock it takes on success
// is released by leave.
func (e *localEnv) enter(flag OpenFlags, name string) error {
	e.mu.RLock()
	if err := e.checkPanic(); err != nil {
		e.mu.RUnlock()
		return e.report(err)
	}
	if !e.opened || e.closed {
		e.mu.RUnlock()
		return e.report(base.MarkInvalid("bitalosenv: %s called on an environment that is not open", errors.Safe(name)))
	}
	if flag != 0 && e.flags&flag == 0 {
		e.mu.RUnlock()
		return e.report(base.NotConfigured(subsystemName(flag)))
	}
	return nil
}

func (e *localEnv) leave() {
	e.mu.RUnlock()
}

func (e *localEnv) checkPanic() error {
	if !e.panicked.Load() && (e.rgn == nil || !e.rgn.Panicked()) {
		return nil
	}
	e.panicked.Store(true)
	return base.MarkRunRecovery("bitalosenv: environment %s has panicked", e.home)
}

// preOpen guards the configuration setters.
func (e *localEnv) preOpen(name string) error {
	if e.opened || e.closed {
		return e.report(base.MarkInvalid("bitalosenv: %s must be called before open", errors.Safe(name)))
	}
	return nil
}

// report hands a failed operation's message to the error callback and
// returns err unchanged.
func (e *localEnv) report(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if e.opts.ErrPrefix != "" {
		msg = e.opts.ErrPrefix + ": " + msg
	}
	e.opts.EventListener.Error(e.opts.ErrPrefix, msg)
	return err
}

// panicEnv marks the environment dead in shared memory and in this process.
func (e *localEnv) panicEnv(cause error) error {
	if e.rgn != nil {
		e.rgn.SetPanic()
	}
	e.panicked.Store(true)
	base.SetPanic()
	if e.notified.CompareAndSwap(false, true) {
		e.opts.EventListener.Panic(PanicInfo{Home: e.home, Err: cause})
		e.opts.EventListener.Notice(NoticeInfo{Event: "panic", Home: e.home})
	}
	return base.Mark(errors.Wrapf(cause, "bitalosenv: environment %s panicked", e.home), base.ErrRunRecovery)
}

func (e *localEnv) SetShmKey(key int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.preOpen("SetShmKey"); err != nil {
		return err
	}
	if key <= 0 {
		return e.report(base.MarkInvalid("bitalosenv: shm key %d must be positive", key))
	}
	e.opts.ShmKey = key
	return nil
}

func (e *localEnv) SetErrPrefix(prefix string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.preOpen("SetErrPrefix"); err != nil {
		return err
	}
	e.opts.ErrPrefix = prefix
	return nil
}

func (e *localEnv) SetErrCall(fn func(prefix, msg string)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.preOpen("SetErrCall"); err != nil {
		return err
	}
	if fn == nil {
		fn = func(string, string) {}
	}
	e.opts.EventListener.Error = fn
	return nil
}

func (e *localEnv) SetFeedback(fn func(FeedbackInfo)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.preOpen("SetFeedback"); err != nil {
		return err
	}
	if fn == nil {
		fn = func(FeedbackInfo) {}
	}
	e.opts.EventListener.Feedback = fn
	return nil
}

func (e *localEnv) SetNoticeCall(fn func(NoticeInfo)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.preOpen("SetNoticeCall"); err != nil {
		return err
	}
	if fn == nil {
		fn = func(NoticeInfo) {}
	}
	e.opts.EventListener.Notice = fn
	return nil
}

func (e *localEnv) SetPanicCall(fn func(PanicInfo)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.preOpen("SetPanicCall"); err != nil {
		return err
	}
	if fn == nil {
		fn = func(PanicInfo) {}
	}
	e.opts.EventListener.Panic = fn
	return nil
}

func (e *localEnv) SetRegionSize(typ RegionType, size int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.preOpen("SetRegionSize"); err != nil {
		return err
	}
	if size <= 0 || !e.opts.setRegionSize(typ, size) {
		return e.report(base.MarkInvalid("bitalosenv: bad size %d for %s region", size, typ))
	}
	return nil
}

func (e *localEnv) SetMutexLocking(on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.preOpen("SetMutexLocking"); err != nil {
		return err
	}
	e.noLocking = !on
	return nil
}

func (e *localEnv) Home() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.home
}

func (e *localEnv) OpenFlags() OpenFlags {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.flags
}

func (e *localEnv) Panicked() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.checkPanic() != nil
}

func (e *localEnv) Panic(reason string) error {
	if err := e.enter(0, "Panic"); err != nil {
		return err
	}
	defer e.leave()
	_ = e.panicEnv(errors.Newf("%s", reason))
	return nil
}
