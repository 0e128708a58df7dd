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

package vfs

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"github.com/cockroachdb/errors"
)

// File is the subset of *os.File the environment relies on. Region memory is
// mapped straight from the descriptor, so every File must expose Fd.
type File interface {
	io.Closer
	io.Reader
	io.ReaderAt
	io.Writer
	io.WriterAt
	Stat() (os.FileInfo, error)
	Sync() error
	Truncate(size int64) error
	Fd() uintptr
	Name() string
}

// FS is the filesystem seam used by region bootstrap, region files and the
// log subsystem.
type FS interface {
	// CreateExclusive creates name and fails with an oserror.IsExist error if
	// it is already present.
	CreateExclusive(name string, perm os.FileMode) (File, error)

	// OpenReadWrite opens name read-write, optionally creating it.
	OpenReadWrite(name string, create bool, perm os.FileMode) (File, error)

	Open(name string) (File, error)
	Remove(name string) error
	Stat(name string) (os.FileInfo, error)
	MkdirAll(dir string, perm os.FileMode) error
	List(dir string) ([]string, error)
	PathJoin(elem ...string) string

	// Lock takes an exclusive advisory lock on name, creating it if needed.
	// The lock is released by Close.
	Lock(name string) (io.Closer, error)
}

var Default FS = defaultFS{}

type defaultFS struct{}

func (defaultFS) CreateExclusive(name string, perm os.FileMode) (File, error) {
	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_EXCL|syscall.O_CLOEXEC, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (defaultFS) OpenReadWrite(name string, create bool, perm os.FileMode) (File, error) {
	flag := os.O_RDWR | syscall.O_CLOEXEC
	if create {
		flag |= os.O_CREATE
	}
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (defaultFS) Open(name string) (File, error) {
	f, err := os.OpenFile(name, os.O_RDONLY|syscall.O_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (defaultFS) Remove(name string) error {
	return os.Remove(name)
}

func (defaultFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(name)
}

func (defaultFS) MkdirAll(dir string, perm os.FileMode) error {
	return os.MkdirAll(dir, perm)
}

func (defaultFS) List(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	dirnames, err := f.Readdirnames(-1)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	sort.Strings(dirnames)
	return dirnames, nil
}

func (defaultFS) PathJoin(elem ...string) string {
	return filepath.Join(elem...)
}
