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

package vfs_test

import (
	"bytes"
	"flag"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zuoyebang/bitalosenv/internal/vfs"
)

var lockFilename = flag.String("lockfile", "", "File to lock. A non-empty value implies a child process.")

func spawn(prog, filename string) ([]byte, error) {
	return exec.Command(prog, "-lockfile", filename, "-test.v",
		"-test.run=TestLock$").CombinedOutput()
}

// TestLock locks a file, spawns a second process that attempts to grab the
// lock to verify it fails. Then it closes the lock, and spawns a third copy
// to verify it can be relocked.
func TestLock(t *testing.T) {
	child := *lockFilename != ""
	var filename string
	if child {
		filename = *lockFilename
	} else {
		f, err := os.CreateTemp("", "bitalosenv-testlock-")
		require.NoError(t, err)
		filename = f.Name()
		require.NoError(t, f.Close())
		defer os.Remove(filename)
	}

	t.Logf("Locking: %s", filename)
	lock, err := vfs.Default.Lock(filename)
	if err != nil {
		t.Fatalf("Could not lock %s: %v", filename, err)
	}

	if !child {
		t.Logf("Spawning child, should fail to grab lock.")
		out, err := spawn(os.Args[0], filename)
		if err == nil {
			t.Fatalf("Attempt to grab open lock should have failed.\n%s", out)
		}
		if !bytes.Contains(out, []byte("Could not lock")) {
			t.Fatalf("Child failed with unexpected output: %s", out)
		}
	}

	if err := lock.Close(); err != nil {
		t.Fatalf("Could not unlock %s: %v", filename, err)
	}

	if !child {
		if out, err := spawn(os.Args[0], filename); err != nil {
			t.Fatalf("Attempt to re-open lock should have succeeded: %v\n%s", err, out)
		}
	}
}

func TestLockSameProcess(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "lock")

	lock1, err := vfs.Default.Lock(filename)
	require.NoError(t, err)

	_, err = vfs.Default.Lock(filename)
	require.Error(t, err)

	require.NoError(t, lock1.Close())
	require.Error(t, lock1.Close())
}

func TestLockHeld(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "__db.001")
	f, err := vfs.Default.CreateExclusive(filename, 0600)
	require.NoError(t, err)
	defer f.Close()

	g, err := vfs.Default.OpenReadWrite(filename, false, 0)
	require.NoError(t, err)
	defer g.Close()

	held, err := vfs.LockHeld(g)
	require.NoError(t, err)
	require.False(t, held)

	require.NoError(t, vfs.Flock(f, true, 0))
	held, err = vfs.LockHeld(g)
	require.NoError(t, err)
	require.True(t, held)

	require.ErrorIs(t, vfs.Flock(g, true, -1), vfs.ErrLockTimeout)

	require.NoError(t, vfs.Funlock(f))
	held, err = vfs.LockHeld(g)
	require.NoError(t, err)
	require.False(t, held)
}
