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

package shm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors/oserror"
	"github.com/stretchr/testify/require"
	"github.com/zuoyebang/bitalosenv/internal/vfs"
)

func TestHeapSegment(t *testing.T) {
	s, err := Create(vfs.Default, KindHeap, "", -1, 4096)
	require.NoError(t, err)
	require.Equal(t, 4096, s.Size())
	require.NoError(t, s.Sync())

	_, err = Attach(vfs.Default, KindHeap, "", -1, 4096)
	require.ErrorIs(t, err, ErrNotShared)
	require.NoError(t, s.Destroy())
	require.Nil(t, s.Bytes())
}

func TestFileSegment(t *testing.T) {
	name := filepath.Join(t.TempDir(), "__db.002")

	s, err := Create(vfs.Default, KindFile, name, -1, 16<<10)
	require.NoError(t, err)
	s.Bytes()[100] = 7

	j, err := Attach(vfs.Default, KindFile, name, -1, 0)
	require.NoError(t, err)
	require.Equal(t, 16<<10, j.Size())
	require.Equal(t, byte(7), j.Bytes()[100])
	j.Bytes()[200] = 9
	require.Equal(t, byte(9), s.Bytes()[200])

	_, err = Attach(vfs.Default, KindFile, name, -1, 32<<10)
	require.Error(t, err)

	require.NoError(t, j.Detach())
	require.NoError(t, j.Detach())
	_, err = os.Stat(name)
	require.NoError(t, err)

	require.NoError(t, s.Destroy())
	_, err = os.Stat(name)
	require.True(t, oserror.IsNotExist(err))

	require.NoError(t, Unlink(vfs.Default, KindFile, name, -1))
}

func TestStaleFileIsZeroed(t *testing.T) {
	name := filepath.Join(t.TempDir(), "__db.003")
	require.NoError(t, os.WriteFile(name, []byte("garbage from a crashed environment"), 0600))

	s, err := Create(vfs.Default, KindFile, name, -1, 8192)
	require.NoError(t, err)
	defer s.Destroy()
	for _, b := range s.Bytes() {
		require.Equal(t, byte(0), b)
	}
}

func TestSystemSegment(t *testing.T) {
	segid := int64(os.Getpid())<<20 | 0x5a5a
	s, err := Create(vfs.Default, KindSystem, "", segid, 8192)
	require.NoError(t, err)
	require.Equal(t, ShmDir(), filepath.Dir(s.Path()))
	s.Bytes()[0] = 1

	j, err := Attach(vfs.Default, KindSystem, "", segid, 8192)
	require.NoError(t, err)
	require.Equal(t, byte(1), j.Bytes()[0])
	require.NoError(t, j.Detach())

	require.NoError(t, s.Destroy())
	_, err = Attach(vfs.Default, KindSystem, "", segid, 8192)
	require.True(t, oserror.IsNotExist(err))
}
