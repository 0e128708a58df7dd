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
	"syscall"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// Map maps the first size bytes of f read-write and shared, so every process
// that maps the same file observes the same memory.
func Map(f File, size int) ([]byte, error) {
	if size <= 0 {
		return nil, errors.Errorf("vfs: invalid map size %d", size)
	}
	b, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, errors.Wrapf(err, "vfs: mmap %s", f.Name())
	}

	err = unix.Madvise(b, syscall.MADV_RANDOM)
	if err != nil && err != syscall.ENOSYS {
		_ = unix.Munmap(b)
		return nil, errors.Wrapf(err, "vfs: madvise %s", f.Name())
	}
	return b, nil
}

func Unmap(b []byte) error {
	if b == nil {
		return nil
	}
	if err := unix.Munmap(b); err != nil {
		return errors.Wrapf(err, "vfs: munmap")
	}
	return nil
}

func Msync(b []byte) error {
	if b == nil {
		return nil
	}
	if err := unix.Msync(b, unix.MS_SYNC); err != nil {
		return errors.Wrapf(err, "vfs: msync")
	}
	return nil
}
