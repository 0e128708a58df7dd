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
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/zuoyebang/bitalosenv/internal/base"
	"github.com/zuoyebang/bitalosenv/internal/compress"
	"github.com/zuoyebang/bitalosenv/internal/logfile"
	"github.com/zuoyebang/bitalosenv/internal/vfs"
	"golang.org/x/sync/errgroup"
)

func readLog(t *testing.T, home string) []LSN {
	nums, err := logfile.List(vfs.Default, home)
	require.NoError(t, err)
	var lsns []LSN
	for _, num := range nums {
		r, err := logfile.OpenReader(vfs.Default, home, num)
		require.NoError(t, err)
		for {
			lsn, _, err := r.Next()
			if err == io.EOF {
				break
			}
			require.NoError(t, err)
			lsns = append(lsns, lsn)
		}
		require.NoError(t, r.Close())
	}
	return lsns
}

func TestConcurrentLogPut(t *testing.T) {
	home := t.TempDir()
	envs := []Env{
		openTestEnv(t, home, FlagCreate|FlagInitLog, nil),
		openTestEnv(t, home, FlagCreate|FlagInitLog, nil),
	}

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		env := envs[i%2]
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				if _, err := env.LogPut([]byte("concurrent record"), j%10 == 0); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	st, err := envs[0].LogStat()
	require.NoError(t, err)
	require.Equal(t, uint64(400), st.Records)
	require.NoError(t, envs[1].LogFlush())

	lsns := readLog(t, home)
	require.Len(t, lsns, 400)
	for i := 1; i < len(lsns); i++ {
		require.True(t, lsns[i-1].Less(lsns[i]))
	}
	for _, env := range envs {
		require.NoError(t, env.Close())
	}
}

func TestLogRollover(t *testing.T) {
	home := t.TempDir()
	env := openTestEnv(t, home, FlagCreate|FlagInitLog, nil)
	defer env.Close()

	big := make([]byte, 1<<20)
	var first, last LSN
	for i := 0; i < 12; i++ {
		lsn, err := env.LogPut(big, false)
		require.NoError(t, err)
		if i == 0 {
			first = lsn
		}
		last = lsn
	}
	require.Equal(t, first.File+1, last.File)
	nums, err := logfile.List(vfs.Default, home)
	require.NoError(t, err)
	require.Len(t, nums, 2)
}

func TestLogCompression(t *testing.T) {
	home := t.TempDir()
	env := openTestEnv(t, home, FlagCreate|FlagInitLog, &Options{LogCompression: SnappyCompression})
	payload := make([]byte, 4096)
	_, err := env.LogPut(payload, true)
	require.NoError(t, err)
	st, err := env.LogStat()
	require.NoError(t, err)
	require.Equal(t, SnappyCompression, st.Compression)
	require.Less(t, st.Bytes, uint64(1024))

	joiner := openTestEnv(t, home, FlagCreate|FlagInitLog, nil)
	st, err = joiner.LogStat()
	require.NoError(t, err)
	require.Equal(t, SnappyCompression, st.Compression)
	require.NoError(t, joiner.Close())
	require.NoError(t, env.Close())
}

func TestRecover(t *testing.T) {
	home := t.TempDir()
	env := openTestEnv(t, home, FlagCreate|FlagInitLog|FlagInitTxn, nil)
	a, err := env.Register(FileID{1}, 0, FileTypeBtree, "a")
	require.NoError(t, err)
	b, err := env.Register(FileID{2}, 0, FileTypeBtree, "b")
	require.NoError(t, err)
	require.NoError(t, env.Unregister(b))
	txn, err := env.TxnBegin()
	require.NoError(t, err)
	require.NoError(t, txn.Commit())
	require.NoError(t, env.Close())
	require.Empty(t, regionFiles(t, home))

	var percents []int
	var notices []string
	opts := &Options{
		EventListener: EventListener{
			Feedback: func(i FeedbackInfo) { percents = append(percents, i.Percent) },
			Notice:   func(i NoticeInfo) { notices = append(notices, i.Event) },
		},
	}
	env = openTestEnv(t, home, FlagCreate|FlagRecover|FlagInitLog|FlagInitTxn, opts)
	defer env.Close()
	require.Equal(t, []int{100}, percents)
	require.Equal(t, []string{"recovered"}, notices)

	files, err := env.ListFiles()
	require.NoError(t, err)
	require.Empty(t, files)
	st, err := env.LogStat()
	require.NoError(t, err)
	require.Equal(t, b, st.MaxFileID)
	require.Equal(t, uint32(2), st.Next.File)

	c, err := env.Register(FileID{3}, 0, FileTypeBtree, "c")
	require.NoError(t, err)
	require.Greater(t, c, b)
	require.NotEqual(t, a, c)

	txn, err = env.TxnBegin()
	require.NoError(t, err)
	require.Equal(t, txnMinimum+1, txn.ID())
	require.NoError(t, txn.Abort())
}

func TestRecoverClosesOpenFiles(t *testing.T) {
	home := t.TempDir()
	env := openTestEnv(t, home, FlagCreate|FlagInitLog, nil)
	_, err := env.Register(FileID{1}, 0, FileTypeHash, "left-open")
	require.NoError(t, err)
	require.NoError(t, env.Close())

	for i := 0; i < 2; i++ {
		env = openTestEnv(t, home, FlagCreate|FlagRecover|FlagInitLog, nil)
		files, err := env.ListFiles()
		require.NoError(t, err)
		require.Empty(t, files)
		require.NoError(t, env.Close())
	}
	// The first recovery logged the close, so the second saw a balanced log.
	require.Len(t, readLog(t, home), 2)
}

func TestRecoverTornTail(t *testing.T) {
	home := t.TempDir()
	env := openTestEnv(t, home, FlagCreate|FlagInitLog, nil)
	id, err := env.Register(FileID{1}, 0, FileTypeBtree, "a")
	require.NoError(t, err)
	require.NoError(t, env.Close())

	path := base.MakeLogFilepath(home, 1)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x20, 0, 0, 0, 1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	env = openTestEnv(t, home, FlagCreate|FlagRecover|FlagInitLog, nil)
	defer env.Close()
	st, err := env.LogStat()
	require.NoError(t, err)
	require.Equal(t, id, st.MaxFileID)
}

func TestRecoverCorrupt(t *testing.T) {
	home := t.TempDir()
	w, err := logfile.OpenWriter(vfs.Default, home, 1, compress.NoCompressor)
	require.NoError(t, err)
	_, err = w.Append(LSN{File: 1}, []byte{0xff, 1, 2})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var panicked bool
	opts := &Options{}
	opts.EventListener.Panic = func(PanicInfo) { panicked = true }
	env, err := Create(0, opts)
	require.NoError(t, err)
	err = env.Open(home, FlagCreate|FlagRecover|FlagInitLog, 0)
	require.True(t, errors.Is(err, ErrRunRecovery), "%v", err)
	require.True(t, panicked)
	require.NoError(t, env.Close())
	require.Empty(t, regionFiles(t, home))
}

func TestRecoverWithoutLog(t *testing.T) {
	home := t.TempDir()
	env := openTestEnv(t, home, FlagCreate|FlagInitLock, nil)
	// A stale environment left behind by a crashed process.
	require.NoError(t, os.WriteFile(filepath.Join(home, "__db.009"), []byte("stale"), 0600))

	recovered := openTestEnv(t, home, FlagCreate|FlagRecover|FlagInitLock, nil)
	_, err := os.Stat(filepath.Join(home, "__db.009"))
	require.True(t, os.IsNotExist(err))
	id, err := recovered.LockID()
	require.NoError(t, err)
	require.Equal(t, uint32(1), id)
	require.NoError(t, recovered.Close())
	_ = env.Close()
}
