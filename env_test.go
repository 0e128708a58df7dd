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
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/zuoyebang/bitalosenv/internal/base"
	"github.com/zuoyebang/bitalosenv/internal/errorfs"
	"github.com/zuoyebang/bitalosenv/internal/region"
	"github.com/zuoyebang/bitalosenv/internal/vfs"
	"golang.org/x/sync/errgroup"
)

var childHome = flag.String("envhome", "", "Environment to join. A non-empty value implies a child process.")

const testFlags = FlagCreate | FlagInitLog | FlagInitMpool | FlagInitTxn

func openTestEnv(t *testing.T, home string, flags OpenFlags, opts *Options) Env {
	env, err := Create(0, opts)
	require.NoError(t, err)
	require.NoError(t, env.Open(home, flags, 0700))
	return env
}

func regionFiles(t *testing.T, home string) []string {
	names, err := vfs.Default.List(home)
	require.NoError(t, err)
	var out []string
	for _, name := range names {
		if ft, _, ok := base.ParseFilename(name); ok && ft == base.FileTypeRegion {
			out = append(out, name)
		}
	}
	return out
}

func envRefcnt(t *testing.T, env Env) uint32 {
	stats, err := env.RegionStats()
	require.NoError(t, err)
	for _, st := range stats {
		if st.Type == RegionEnv {
			return st.Refcnt
		}
	}
	t.Fatal("no environment region")
	return 0
}

func TestBootstrap(t *testing.T) {
	home := t.TempDir()
	env := openTestEnv(t, home, testFlags, nil)

	fi, err := os.Stat(filepath.Join(home, "__db.001"))
	require.NoError(t, err)
	require.GreaterOrEqual(t, fi.Size(), int64(region.EnvHeaderSize))
	require.Equal(t, []string{"__db.001", "__db.002", "__db.003", "__db.004"}, regionFiles(t, home))

	stats, err := env.RegionStats()
	require.NoError(t, err)
	require.Len(t, stats, 4)
	for _, st := range stats {
		require.NotZero(t, st.Primary, "%s", st)
	}
	require.Equal(t, testFlags, env.OpenFlags())

	require.NoError(t, env.Close())
	require.Empty(t, regionFiles(t, home))
	require.True(t, errors.Is(env.Close(), ErrInvalidArgument))
}

func TestJoinRefcount(t *testing.T) {
	home := t.TempDir()
	env1 := openTestEnv(t, home, FlagCreate|FlagInitLog, nil)
	env2 := openTestEnv(t, home, FlagCreate|FlagInitLog, nil)
	require.Equal(t, uint32(2), envRefcnt(t, env1))

	_, err := env2.LogPut([]byte("from env2"), true)
	require.NoError(t, err)
	st, err := env1.LogStat()
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.Records)

	require.NoError(t, env2.Close())
	require.Equal(t, uint32(1), envRefcnt(t, env1))
	require.NotEmpty(t, regionFiles(t, home))
	require.NoError(t, env1.Close())
	require.Empty(t, regionFiles(t, home))
}

func spawnJoiner(prog, home string) ([]byte, error) {
	return exec.Command(prog, "-envhome", home, "-test.v",
		"-test.run=TestJoinProcess$").CombinedOutput()
}

// TestJoinProcess opens an environment, spawns a second process that joins
// it, writes a record and checks the reference count, then closes both.
func TestJoinProcess(t *testing.T) {
	if *childHome != "" {
		env, err := Create(0, nil)
		require.NoError(t, err)
		require.NoError(t, env.Open(*childHome, FlagCreate|FlagInitLog, 0700))
		require.Equal(t, uint32(2), envRefcnt(t, env))
		_, err = env.LogPut([]byte("child"), true)
		require.NoError(t, err)
		require.NoError(t, env.Close())
		fmt.Println("child joined")
		return
	}

	home := t.TempDir()
	env := openTestEnv(t, home, FlagCreate|FlagInitLog, nil)
	out, err := spawnJoiner(os.Args[0], home)
	require.NoError(t, err, "%s", out)
	require.Contains(t, string(out), "child joined")

	require.Equal(t, uint32(1), envRefcnt(t, env))
	st, err := env.LogStat()
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.Records)
	require.NoError(t, env.Close())
	require.Empty(t, regionFiles(t, home))
}

func TestConcurrentOpen(t *testing.T) {
	home := t.TempDir()
	const n = 6
	envs := make([]Env, n)
	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			env, err := Create(0, nil)
			if err != nil {
				return err
			}
			envs[i] = env
			return env.Open(home, testFlags, 0700)
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, uint32(n), envRefcnt(t, envs[0]))
	require.Len(t, regionFiles(t, home), 4)

	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			return envs[i].Close()
		})
	}
	require.NoError(t, g.Wait())
	require.Empty(t, regionFiles(t, home))
}

func TestPanicPropagation(t *testing.T) {
	home := t.TempDir()
	var panics atomic.Int32
	opts := &Options{}
	opts.EventListener.Panic = func(PanicInfo) { panics.Add(1) }
	env1 := openTestEnv(t, home, FlagCreate|FlagInitLog|FlagInitLock, opts)
	env2 := openTestEnv(t, home, FlagCreate|FlagInitLog|FlagInitLock, nil)

	require.NoError(t, env1.Panic("injected"))
	require.Equal(t, int32(1), panics.Load())
	require.True(t, base.Panicked())

	for _, env := range []Env{env1, env2} {
		require.True(t, env.Panicked())
		_, err := env.LogPut([]byte("x"), false)
		require.True(t, errors.Is(err, ErrRunRecovery), "%v", err)
		_, err = env.LockID()
		require.True(t, errors.Is(err, ErrRunRecovery))
		_, err = env.RegionStats()
		require.True(t, errors.Is(err, ErrRunRecovery))
	}
	require.NoError(t, env1.Close())
	require.NoError(t, env2.Close())

	env3 := openTestEnv(t, home, FlagCreate|FlagInitLog, nil)
	require.False(t, env3.Panicked())
	require.NoError(t, env3.Close())
}

func TestNotConfigured(t *testing.T) {
	env := openTestEnv(t, t.TempDir(), FlagCreate|FlagInitLog, nil)
	defer env.Close()

	_, err := env.LockID()
	require.True(t, errors.Is(err, ErrNotConfigured))
	require.Contains(t, err.Error(), "lock")
	_, err = env.TxnBegin()
	require.Contains(t, err.Error(), "txn")
	_, err = env.MpoolStat()
	require.Contains(t, err.Error(), "mpool")
	_, err = env.LogStat()
	require.NoError(t, err)
}

func TestHandleState(t *testing.T) {
	env, err := Create(0, nil)
	require.NoError(t, err)
	_, err = env.LogPut(nil, false)
	require.True(t, errors.Is(err, ErrInvalidArgument))

	_, err = Create(CreateFlags(4), nil)
	require.True(t, errors.Is(err, ErrInvalidArgument))

	home := t.TempDir()
	require.True(t, errors.Is(env.Open(home, FlagRecover|FlagInitLog, 0), ErrInvalidArgument))
	require.True(t, errors.Is(env.Open(home, FlagCreate|FlagPrivate|FlagSystemMem, 0), ErrInvalidArgument))
	require.True(t, errors.Is(env.Open(home, OpenFlags(1<<30), 0), ErrInvalidArgument))
	require.True(t, errors.Is(env.Open(home, FlagInitLog, 0), ErrNotFound))
	require.ErrorIs(t, env.Open(home, 0, 0), ErrNotFound)

	require.NoError(t, env.Open(home, FlagCreate, 0))
	require.True(t, errors.Is(env.SetShmKey(7), ErrInvalidArgument))
	require.True(t, errors.Is(env.SetRegionSize(RegionLog, 1<<20), ErrInvalidArgument))
	require.True(t, errors.Is(env.Open(home, FlagCreate, 0), ErrInvalidArgument))
	require.True(t, errors.Is(env.Remove(home, 0), ErrInvalidArgument))
	require.NoError(t, env.Close())
}

func TestErrorCallback(t *testing.T) {
	env, err := Create(0, nil)
	require.NoError(t, err)
	var msgs []string
	require.NoError(t, env.SetErrPrefix("myapp"))
	require.NoError(t, env.SetErrCall(func(prefix, msg string) {
		require.Equal(t, "myapp", prefix)
		msgs = append(msgs, msg)
	}))
	require.NoError(t, env.Open(t.TempDir(), FlagCreate|FlagInitLog, 0))
	defer env.Close()

	_, err = env.LockID()
	require.Error(t, err)
	require.Len(t, msgs, 1)
	require.True(t, strings.HasPrefix(msgs[0], "myapp: "), msgs[0])
	require.Contains(t, msgs[0], "lock subsystem not configured")
}

func TestEvents(t *testing.T) {
	home := t.TempDir()
	var created, joined, removed []RegionInfo
	opts := &Options{
		EventListener: EventListener{
			RegionCreated: func(i RegionInfo) { created = append(created, i) },
			RegionJoined:  func(i RegionInfo) { joined = append(joined, i) },
			RegionRemoved: func(i RegionInfo) { removed = append(removed, i) },
		},
	}
	env1 := openTestEnv(t, home, testFlags, opts)
	require.Len(t, created, 4)
	require.Equal(t, RegionEnv, created[0].Type)
	require.Contains(t, created[1].String(), "log region 2")

	env2 := openTestEnv(t, home, testFlags, opts)
	require.Len(t, joined, 4)
	require.NoError(t, env2.Close())
	require.Empty(t, removed)
	require.NoError(t, env1.Close())
	require.Len(t, removed, 4)
}

func TestJoinEnvInheritsFlags(t *testing.T) {
	home := t.TempDir()
	env1 := openTestEnv(t, home, FlagCreate|FlagInitLog|FlagInitLock, nil)
	defer env1.Close()

	env2 := openTestEnv(t, home, FlagJoinEnv, nil)
	defer env2.Close()
	require.Equal(t, FlagJoinEnv|FlagInitLog|FlagInitLock, env2.OpenFlags())
	id, err := env2.LockID()
	require.NoError(t, err)
	require.NoError(t, env1.LockIDFree(id))
}

func TestUseEnviron(t *testing.T) {
	home := t.TempDir()
	t.Setenv("DB_HOME", home)
	env := openTestEnv(t, "", FlagCreate|FlagUseEnviron|FlagInitLock, nil)
	require.Equal(t, home, env.Home())
	require.Equal(t, []string{"__db.001", "__db.002"}, regionFiles(t, home))
	require.NoError(t, env.Close())
}

func TestPrivate(t *testing.T) {
	home := t.TempDir()
	env := openTestEnv(t, home, testFlags|FlagPrivate|FlagInitLock, nil)
	require.Empty(t, regionFiles(t, home))

	id, err := env.LockID()
	require.NoError(t, err)
	require.NoError(t, env.LockIDFree(id))
	txn, err := env.TxnBegin()
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	require.NoError(t, env.Close())
	require.Empty(t, regionFiles(t, home))
}

func TestSystemMemory(t *testing.T) {
	home := t.TempDir()
	env := openTestEnv(t, home, FlagCreate|FlagSystemMem|FlagInitLog, nil)

	fi, err := os.Stat(filepath.Join(home, "__db.001"))
	require.NoError(t, err)
	require.Equal(t, int64(region.RefSize), fi.Size())
	require.Equal(t, []string{"__db.001"}, regionFiles(t, home))

	stats, err := env.RegionStats()
	require.NoError(t, err)
	require.Len(t, stats, 2)
	require.Equal(t, stats[0].SegID+1, stats[1].SegID)

	env2 := openTestEnv(t, home, FlagSystemMem|FlagInitLog, nil)
	require.Equal(t, uint32(2), envRefcnt(t, env2))
	_, err = env2.Register(FileID{1}, 0, FileTypeBtree, "shared")
	require.NoError(t, err)
	files, err := env.ListFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.NoError(t, env2.Close())
	require.NoError(t, env.Close())
	require.Empty(t, regionFiles(t, home))
}

func TestRemove(t *testing.T) {
	home := t.TempDir()
	env := openTestEnv(t, home, testFlags, nil)

	other, err := Create(0, nil)
	require.NoError(t, err)
	require.True(t, errors.Is(other.Remove(home, 0), ErrBusy))

	other, err = Create(0, nil)
	require.NoError(t, err)
	require.NoError(t, other.Remove(home, Force))
	require.Empty(t, regionFiles(t, home))
	require.ErrorIs(t, other.Remove(home, 0), ErrInvalidArgument)
	require.ErrorIs(t, other.Remove(home, Force), ErrInvalidArgument)
	_ = env.Close()

	again, err := Create(0, nil)
	require.NoError(t, err)
	require.NoError(t, again.Remove(home, 0))
	require.ErrorIs(t, again.Remove(home, 0), ErrInvalidArgument)

	closed, err := Create(0, nil)
	require.NoError(t, err)
	require.NoError(t, closed.Close())
	require.ErrorIs(t, closed.Remove(home, Force), ErrInvalidArgument)
}

func TestRegionSize(t *testing.T) {
	env, err := Create(0, nil)
	require.NoError(t, err)
	require.True(t, errors.Is(env.SetRegionSize(RegionType(99), 1<<20), ErrInvalidArgument))
	require.NoError(t, env.SetRegionSize(RegionLock, 1<<20))
	require.NoError(t, env.Open(t.TempDir(), FlagCreate|FlagInitLock, 0))
	defer env.Close()

	stats, err := env.RegionStats()
	require.NoError(t, err)
	require.Equal(t, RegionLock, stats[1].Type)
	require.Equal(t, uint64(1<<20), stats[1].Size)
}

func TestIOError(t *testing.T) {
	home := t.TempDir()
	var failWrites atomic.Bool
	fs := errorfs.Wrap(vfs.Default, errorfs.InjectorFunc(func(op errorfs.Op, path string) error {
		if op == errorfs.OpFileWriteAt && failWrites.Load() && strings.Contains(path, "log.") {
			return errorfs.ErrInjected
		}
		return nil
	}))
	env := openTestEnv(t, home, FlagCreate|FlagInitLog, &Options{FS: fs})
	defer env.Close()

	_, err := env.LogPut([]byte("ok"), false)
	require.NoError(t, err)

	failWrites.Store(true)
	_, err = env.LogPut([]byte("lost"), false)
	require.True(t, errors.Is(err, ErrIO), "%v", err)
	_, err = env.Register(FileID{9}, 0, FileTypeHash, "h")
	require.True(t, errors.Is(err, ErrIO))
	st, err := env.LogStat()
	require.NoError(t, err)
	require.Equal(t, uint64(1), st.Records)
	require.Zero(t, st.OpenFiles)

	failWrites.Store(false)
	lsn, err := env.LogPut([]byte("again"), false)
	require.NoError(t, err)
	require.Equal(t, st.Next, lsn)
}

func TestCreateIOError(t *testing.T) {
	home := t.TempDir()
	fs := errorfs.Wrap(vfs.Default, errorfs.OnOp(errorfs.OpCreate, func(path string) bool {
		return strings.HasSuffix(path, "__db.001")
	}))
	env, err := Create(0, &Options{FS: fs})
	require.NoError(t, err)
	err = env.Open(home, FlagCreate|FlagInitLog, 0)
	require.True(t, errors.Is(err, ErrIO), "%v", err)
	require.NoError(t, env.Close())
}
