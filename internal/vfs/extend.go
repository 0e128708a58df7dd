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
	"syscall"

	"github.com/cockroachdb/errors"
)

// Extend sizes f to size bytes and reserves its blocks, so a full disk is
// reported here instead of as a fault on first touch of the mapping.
func Extend(f File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return errors.Wrapf(err, "vfs: truncate %s", f.Name())
	}
	err := preallocExtend(f.Fd(), 0, size)
	if err != nil && err != syscall.EOPNOTSUPP && err != syscall.ENOSYS {
		return errors.Wrapf(err, "vfs: fallocate %s", f.Name())
	}
	return nil
}
