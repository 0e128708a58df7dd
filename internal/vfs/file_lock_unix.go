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

//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package vfs

import (
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
)

const flockRetryTimeout = 5 * time.Millisecond

var lockedFiles struct {
	mu struct {
		sync.Mutex
		files map[string]bool
	}
}

// lockCloser hides all of an os.File's methods, except for Close.
type lockCloser struct {
	name string
	f    *os.File
}

func (l lockCloser) Close() error {
	lockedFiles.mu.Lock()
	defer lockedFiles.mu.Unlock()
	if !lockedFiles.mu.files[l.name] {
		return errors.Errorf("vfs: lock file %q is not locked", l.name)
	}
	delete(lockedFiles.mu.files, l.name)

	_ = syscall.Flock(int(l.f.Fd()), syscall.LOCK_UN)
	return l.f.Close()
}

func (defaultFS) Lock(name string) (io.Closer, error) {
	lockedFiles.mu.Lock()
	defer lockedFiles.mu.Unlock()
	if lockedFiles.mu.files == nil {
		lockedFiles.mu.files = map[string]bool{}
	}
	if lockedFiles.mu.files[name] {
		return nil, errors.New("vfs: lock held by current process")
	}

	f, err := os.OpenFile(name, os.O_RDWR|os.O_CREATE|syscall.O_CLOEXEC, 0600)
	if err != nil {
		return nil, err
	}
	if err = Flock(f, true, -1); err != nil {
		f.Close()
		return nil, err
	}
	lockedFiles.mu.files[name] = true
	return lockCloser{name, f}, nil
}

// Flock takes a BSD lock on the open file description behind f. Unlike fcntl
// locks it is not dropped when another descriptor of the same file is closed,
// which matters because several handles in one process map the same region
// files. A zero timeout blocks until the lock is granted; a negative timeout
// tries exactly once.
func Flock(f File, exclusive bool, timeout time.Duration) error {
	var t time.Time
	if timeout > 0 {
		t = time.Now()
	}
	flag := syscall.LOCK_NB
	if exclusive {
		flag |= syscall.LOCK_EX
	} else {
		flag |= syscall.LOCK_SH
	}
	for {
		err := syscall.Flock(int(f.Fd()), flag)
		if err == nil {
			return nil
		} else if !IsWouldBlock(err) {
			return errors.Wrapf(err, "vfs: flock %s", f.Name())
		}

		if timeout < 0 || (timeout > 0 && time.Since(t) > timeout-flockRetryTimeout) {
			return ErrLockTimeout
		}

		time.Sleep(flockRetryTimeout)
	}
}

func Funlock(f File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}

// LockHeld reports whether some open file description holds an exclusive
// lock on f. It tries a non-blocking shared lock and releases it.
func LockHeld(f File) (bool, error) {
	err := Flock(f, false, -1)
	if err == nil {
		return false, Funlock(f)
	}
	if errors.Is(err, ErrLockTimeout) {
		return true, nil
	}
	return false, err
}
