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

package errorfs

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/zuoyebang/bitalosenv/internal/vfs"
)

var ErrInjected = errors.New("injected error")

type Op int

const (
	OpCreate Op = iota
	OpOpen
	OpRemove
	OpMkdirAll
	OpLock
	OpList
	OpStat
	OpFileRead
	OpFileReadAt
	OpFileWrite
	OpFileWriteAt
	OpFileStat
	OpFileSync
	OpFileTruncate
)

var opNames = [...]string{
	OpCreate:       "create",
	OpOpen:         "open",
	OpRemove:       "remove",
	OpMkdirAll:     "mkdirall",
	OpLock:         "lock",
	OpList:         "list",
	OpStat:         "stat",
	OpFileRead:     "read",
	OpFileReadAt:   "readat",
	OpFileWrite:    "write",
	OpFileWriteAt:  "writeat",
	OpFileStat:     "fstat",
	OpFileSync:     "sync",
	OpFileTruncate: "truncate",
}

func (o Op) String() string {
	if o >= 0 && int(o) < len(opNames) {
		return opNames[o]
	}
	return "unknown"
}

// Injector decides whether op on path fails. A non-nil error is returned to
// the caller in place of the real call.
type Injector interface {
	MaybeError(op Op, path string) error
}

type InjectorFunc func(Op, string) error

func (f InjectorFunc) MaybeError(op Op, path string) error { return f(op, path) }

// OnIndex fails the index'th operation, counting from zero.
func OnIndex(index int32) *InjectIndex {
	return &InjectIndex{index: index}
}

type InjectIndex struct {
	index int32
}

func (ii *InjectIndex) SetIndex(v int32) { atomic.StoreInt32(&ii.index, v) }

func (ii *InjectIndex) MaybeError(op Op, path string) error {
	if atomic.AddInt32(&ii.index, -1) == -1 {
		return injected(op, path)
	}
	return nil
}

// OnOp fails every op on paths accepted by match. A nil match accepts all.
func OnOp(op Op, match func(path string) bool) Injector {
	return InjectorFunc(func(curr Op, path string) error {
		if curr == op && (match == nil || match(path)) {
			return injected(op, path)
		}
		return nil
	})
}

func injected(op Op, path string) error {
	return errors.Wrapf(ErrInjected, "%s %s", op, path)
}

// FS wraps a vfs.FS, consulting the injector before every call that touches
// the filesystem.
type FS struct {
	fs  vfs.FS
	inj Injector
}

func Wrap(fs vfs.FS, inj Injector) *FS {
	return &FS{fs: fs, inj: inj}
}

func (fs *FS) file(name string, f vfs.File, err error) (vfs.File, error) {
	if err != nil {
		return nil, err
	}
	return &errorFile{path: name, file: f, inj: fs.inj}, nil
}

func (fs *FS) CreateExclusive(name string, perm os.FileMode) (vfs.File, error) {
	if err := fs.inj.MaybeError(OpCreate, name); err != nil {
		return nil, err
	}
	f, err := fs.fs.CreateExclusive(name, perm)
	return fs.file(name, f, err)
}

func (fs *FS) OpenReadWrite(name string, create bool, perm os.FileMode) (vfs.File, error) {
	op := OpOpen
	if create {
		op = OpCreate
	}
	if err := fs.inj.MaybeError(op, name); err != nil {
		return nil, err
	}
	f, err := fs.fs.OpenReadWrite(name, create, perm)
	return fs.file(name, f, err)
}

func (fs *FS) Open(name string) (vfs.File, error) {
	if err := fs.inj.MaybeError(OpOpen, name); err != nil {
		return nil, err
	}
	f, err := fs.fs.Open(name)
	return fs.file(name, f, err)
}

func (fs *FS) PathJoin(elem ...string) string {
	return fs.fs.PathJoin(elem...)
}

// Remove of a missing file is passed through so cleanup paths see the real
// not-exist error.
func (fs *FS) Remove(name string) error {
	if _, err := fs.fs.Stat(name); !oserror.IsNotExist(err) {
		if err = fs.inj.MaybeError(OpRemove, name); err != nil {
			return err
		}
	}
	return fs.fs.Remove(name)
}

func (fs *FS) MkdirAll(dir string, perm os.FileMode) error {
	if err := fs.inj.MaybeError(OpMkdirAll, dir); err != nil {
		return err
	}
	return fs.fs.MkdirAll(dir, perm)
}

func (fs *FS) Lock(name string) (io.Closer, error) {
	if err := fs.inj.MaybeError(OpLock, name); err != nil {
		return nil, err
	}
	return fs.fs.Lock(name)
}

func (fs *FS) List(dir string) ([]string, error) {
	if err := fs.inj.MaybeError(OpList, dir); err != nil {
		return nil, err
	}
	return fs.fs.List(dir)
}

func (fs *FS) Stat(name string) (os.FileInfo, error) {
	if err := fs.inj.MaybeError(OpStat, name); err != nil {
		return nil, err
	}
	return fs.fs.Stat(name)
}

type errorFile struct {
	path string
	file vfs.File
	inj  Injector
}

func (f *errorFile) Close() error { return f.file.Close() }
func (f *errorFile) Fd() uintptr  { return f.file.Fd() }
func (f *errorFile) Name() string { return f.file.Name() }

func (f *errorFile) Read(p []byte) (int, error) {
	if err := f.inj.MaybeError(OpFileRead, f.path); err != nil {
		return 0, err
	}
	return f.file.Read(p)
}

func (f *errorFile) ReadAt(p []byte, off int64) (int, error) {
	if err := f.inj.MaybeError(OpFileReadAt, f.path); err != nil {
		return 0, err
	}
	return f.file.ReadAt(p, off)
}

func (f *errorFile) Write(p []byte) (int, error) {
	if err := f.inj.MaybeError(OpFileWrite, f.path); err != nil {
		return 0, err
	}
	return f.file.Write(p)
}

func (f *errorFile) WriteAt(p []byte, off int64) (int, error) {
	if err := f.inj.MaybeError(OpFileWriteAt, f.path); err != nil {
		return 0, err
	}
	return f.file.WriteAt(p, off)
}

func (f *errorFile) Stat() (os.FileInfo, error) {
	if err := f.inj.MaybeError(OpFileStat, f.path); err != nil {
		return nil, err
	}
	return f.file.Stat()
}

func (f *errorFile) Sync() error {
	if err := f.inj.MaybeError(OpFileSync, f.path); err != nil {
		return err
	}
	return f.file.Sync()
}

func (f *errorFile) Truncate(size int64) error {
	if err := f.inj.MaybeError(OpFileTruncate, f.path); err != nil {
		return err
	}
	return f.file.Truncate(size)
}
