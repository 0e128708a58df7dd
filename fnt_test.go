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
	"math/rand"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

// rawFname finds a record by id, dead or alive.
func rawFname(t *testing.T, env Env, id int32) *fname {
	m := env.(*localEnv).log
	m.ri.Lock()
	defer m.ri.Unlock()
	for off := m.lp.fqHead; off != 0; {
		fn := m.fname(off)
		if fn.id == id {
			return fn
		}
		off = fn.link
	}
	t.Fatalf("no record with id %d", id)
	return nil
}

func TestRegisterUnregister(t *testing.T) {
	env := openTestEnv(t, t.TempDir(), FlagCreate|FlagInitLog, nil)
	defer env.Close()

	f := FileID{0xf}
	a, err := env.Register(f, 0, FileTypeBtree, "t1")
	require.NoError(t, err)
	b, err := env.Register(f, 0, FileTypeBtree, "t1")
	require.NoError(t, err)
	require.Equal(t, a, b)

	info, err := env.LookupFile(a)
	require.NoError(t, err)
	require.Equal(t, int32(2), info.Refcnt)
	require.Equal(t, "t1", info.Name)
	require.Equal(t, FileTypeBtree, info.Type)

	require.NoError(t, env.Unregister(a))
	fn := rawFname(t, env, a)
	require.Equal(t, int32(1), fn.refcnt)
	require.NotZero(t, fn.nameOff)

	require.NoError(t, env.Unregister(a))
	fn = rawFname(t, env, a)
	require.Zero(t, fn.refcnt)
	require.Zero(t, fn.nameOff)

	_, err = env.LookupFile(a)
	require.True(t, errors.Is(err, ErrNotFound))
	require.True(t, errors.Is(env.Unregister(a), ErrNotFound))

	st, err := env.LogStat()
	require.NoError(t, err)
	require.Equal(t, uint64(2), st.Records)
	require.Zero(t, st.OpenFiles)
}

func TestRegisterReusesRecord(t *testing.T) {
	env := openTestEnv(t, t.TempDir(), FlagCreate|FlagInitLog, nil)
	defer env.Close()

	a, err := env.Register(FileID{1}, 0, FileTypeHash, "one")
	require.NoError(t, err)
	require.NoError(t, env.Unregister(a))

	b, err := env.Register(FileID{2}, 0, FileTypeHash, "two")
	require.NoError(t, err)
	require.Equal(t, a+1, b)
	files, err := env.ListFiles()
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.Equal(t, "two", files[0].Name)

	m := env.(*localEnv).log
	n := 0
	for off := m.lp.fqHead; off != 0; off = m.fname(off).link {
		n++
	}
	require.Equal(t, 1, n)
}

func TestRegisterTypeMismatch(t *testing.T) {
	env := openTestEnv(t, t.TempDir(), FlagCreate|FlagInitLog, nil)
	defer env.Close()

	_, err := env.Register(FileID{1}, 3, FileTypeBtree, "x")
	require.NoError(t, err)
	_, err = env.Register(FileID{1}, 3, FileTypeQueue, "x")
	require.True(t, errors.Is(err, ErrInvalidArgument))

	c, err := env.Register(FileID{1}, 4, FileTypeQueue, "x")
	require.NoError(t, err)
	require.Equal(t, int32(2), c)
}

func TestFileLock(t *testing.T) {
	home := t.TempDir()
	env1 := openTestEnv(t, home, FlagCreate|FlagInitLog, nil)
	defer env1.Close()
	env2 := openTestEnv(t, home, FlagCreate|FlagInitLog, nil)
	defer env2.Close()

	id, err := env1.Register(FileID{7}, 0, FileTypeRecno, "r")
	require.NoError(t, err)
	id2, err := env2.Register(FileID{7}, 0, FileTypeRecno, "r")
	require.NoError(t, err)
	require.Equal(t, id, id2)
	require.True(t, errors.Is(env1.FileLock(id), ErrFileOpen))

	require.NoError(t, env2.Unregister(id))
	require.NoError(t, env1.FileLock(id))
	info, err := env2.LookupFile(id)
	require.NoError(t, err)
	require.True(t, info.Locked)
	require.True(t, errors.Is(env1.FileLock(id), ErrFileOpen))
	require.True(t, errors.Is(env1.FileLock(99), ErrNotFound))
}

func TestFileNameTableInvariants(t *testing.T) {
	env := openTestEnv(t, t.TempDir(), FlagCreate|FlagInitLog, nil)
	defer env.Close()

	rng := rand.New(rand.NewSource(42))
	type key struct {
		fid  FileID
		pgno uint32
	}
	outstanding := map[key]int{}
	ids := map[key]int32{}
	for i := 0; i < 500; i++ {
		k := key{fid: FileID{byte(rng.Intn(6))}, pgno: uint32(rng.Intn(2))}
		if outstanding[k] > 0 && rng.Intn(2) == 0 {
			require.NoError(t, env.Unregister(ids[k]))
			outstanding[k]--
			continue
		}
		id, err := env.Register(k.fid, k.pgno, FileTypeBtree, "f")
		require.NoError(t, err)
		if outstanding[k] > 0 {
			require.Equal(t, ids[k], id)
		}
		ids[k] = id
		outstanding[k]++
	}

	files, err := env.ListFiles()
	require.NoError(t, err)
	seen := map[key]bool{}
	total := 0
	for _, f := range files {
		k := key{fid: f.FileID, pgno: f.MetaPgno}
		require.False(t, seen[k], "duplicate live record for %v", k)
		seen[k] = true
		require.Equal(t, outstanding[k], int(f.Refcnt))
		total += int(f.Refcnt)
	}
	want := 0
	for _, n := range outstanding {
		want += n
	}
	require.Equal(t, want, total)
	require.NoError(t, env.(*localEnv).log.ri.Arena().Verify())
}

func TestLockIDs(t *testing.T) {
	env := openTestEnv(t, t.TempDir(), FlagCreate|FlagInitLock, nil)
	defer env.Close()

	var ids []uint32
	for i := 0; i < 3; i++ {
		id, err := env.LockID()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	require.Equal(t, []uint32{1, 2, 3}, ids)
	require.NoError(t, env.LockIDFree(2))
	require.True(t, errors.Is(env.LockIDFree(2), ErrInvalidArgument))

	st, err := env.LockStat()
	require.NoError(t, err)
	require.Equal(t, LockStat{LastID: 3, Lockers: 2, MaxLockers: 3, Allocated: 3, Freed: 1}, st)
}

func TestTxn(t *testing.T) {
	env := openTestEnv(t, t.TempDir(), FlagCreate|FlagInitLog|FlagInitTxn, nil)
	defer env.Close()

	t1, err := env.TxnBegin()
	require.NoError(t, err)
	require.Equal(t, txnMinimum, t1.ID())
	t2, err := env.TxnBegin()
	require.NoError(t, err)
	require.Equal(t, txnMinimum+1, t2.ID())

	st, err := env.TxnStat()
	require.NoError(t, err)
	require.Equal(t, uint32(2), st.Active)

	require.NoError(t, t1.Commit())
	require.True(t, errors.Is(t1.Commit(), ErrInvalidArgument))
	require.NoError(t, t2.Abort())

	st, err = env.TxnStat()
	require.NoError(t, err)
	require.Equal(t, TxnStat{LastID: txnMinimum + 1, MaxActive: 2, Begins: 2, Commits: 1, Aborts: 1}, st)

	lst, err := env.LogStat()
	require.NoError(t, err)
	require.Equal(t, uint64(2), lst.Records)
	require.True(t, lst.Synced.Less(lst.Next))
	require.Equal(t, uint64(1), lst.Syncs)
}

func TestTxnConcurrentEnd(t *testing.T) {
	env := openTestEnv(t, t.TempDir(), FlagCreate|FlagInitLog|FlagInitTxn, nil)
	defer env.Close()

	for round := 0; round < 20; round++ {
		before, err := env.LogStat()
		require.NoError(t, err)
		txn, err := env.TxnBegin()
		require.NoError(t, err)

		const callers = 8
		errs := make([]error, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if i%2 == 0 {
					errs[i] = txn.Commit()
				} else {
					errs[i] = txn.Abort()
				}
			}(i)
		}
		wg.Wait()

		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			require.True(t, errors.Is(err, ErrInvalidArgument), "%v", err)
		}
		require.Equal(t, 1, ok)

		after, err := env.LogStat()
		require.NoError(t, err)
		require.Equal(t, before.Records+1, after.Records)
	}

	st, err := env.TxnStat()
	require.NoError(t, err)
	require.Equal(t, uint32(0), st.Active)
	require.Equal(t, uint64(20), st.Commits+st.Aborts)
}

func TestMpoolStat(t *testing.T) {
	env := openTestEnv(t, t.TempDir(), FlagCreate|FlagInitMpool, nil)
	defer env.Close()

	st, err := env.MpoolStat()
	require.NoError(t, err)
	require.Equal(t, uint32(4096), st.PageSize)
	require.Equal(t, uint32(1031), st.Buckets)
	require.NotZero(t, st.Used)
}
