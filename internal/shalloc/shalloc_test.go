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

package shalloc

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestArena(t *testing.T, size int, off uint32) *Arena {
	buf := make([]byte, size)
	a, err := Init(buf, off)
	require.NoError(t, err)
	return a
}

func TestAllocAlignment(t *testing.T) {
	a := newTestArena(t, 64<<10, 64)

	for _, align := range []uint32{0, 1, 8, 16, 64, 256, 4096} {
		u, err := a.Alloc(13, align)
		require.NoError(t, err)
		want := align
		if want < minAlign {
			want = minAlign
		}
		require.Equal(t, uint32(0), u%want, "align %d", align)
		require.NotEqual(t, uint32(0), u)
		require.GreaterOrEqual(t, a.Len(u), uint32(13))
	}
	require.NoError(t, a.Verify())

	_, err := a.Alloc(8, 12)
	require.ErrorIs(t, err, ErrInvalidAlign)
}

func TestAllocFull(t *testing.T) {
	a := newTestArena(t, 4096, 0)

	var offs []uint32
	for {
		u, err := a.Alloc(100, 0)
		if err != nil {
			require.ErrorIs(t, err, ErrArenaFull)
			break
		}
		offs = append(offs, u)
	}
	require.NotEmpty(t, offs)
	require.NoError(t, a.Verify())

	_, err := a.Alloc(1<<20, 0)
	require.ErrorIs(t, err, ErrArenaFull)

	for _, u := range offs {
		require.NoError(t, a.Free(u))
	}
	require.NoError(t, a.Verify())
	st := a.Stats()
	require.Equal(t, uint32(0), st.Used)
	require.Equal(t, 1, st.FreeChunks)
	require.Equal(t, st.Size, st.LargestFree)
}

func TestFreeCoalesce(t *testing.T) {
	a := newTestArena(t, 8192, 0)

	x, err := a.Alloc(64, 0)
	require.NoError(t, err)
	y, err := a.Alloc(64, 0)
	require.NoError(t, err)
	z, err := a.Alloc(64, 0)
	require.NoError(t, err)

	require.NoError(t, a.Free(x))
	require.NoError(t, a.Free(z))
	require.NoError(t, a.Verify())
	require.Equal(t, 2, a.Stats().FreeChunks)

	require.NoError(t, a.Free(y))
	require.NoError(t, a.Verify())
	require.Equal(t, 1, a.Stats().FreeChunks)

	require.ErrorIs(t, a.Free(y), ErrCorrupt)
	require.ErrorIs(t, a.Free(3), ErrCorrupt)
}

func TestOffsetsStable(t *testing.T) {
	a := newTestArena(t, 32<<10, 0)

	u, err := a.Alloc(16, 0)
	require.NoError(t, err)
	copy(a.Bytes(u, 16), "bitalosenv-stabl")

	for i := 0; i < 50; i++ {
		v, err := a.Alloc(uint32(8+i*3), 0)
		require.NoError(t, err)
		if i%2 == 0 {
			require.NoError(t, a.Free(v))
		}
	}
	require.Equal(t, "bitalosenv-stabl", string(a.Bytes(u, 16)))
}

func TestOpen(t *testing.T) {
	buf := make([]byte, 8192)
	_, err := Open(buf, 64)
	require.ErrorIs(t, err, ErrCorrupt)

	a, err := Init(buf, 64)
	require.NoError(t, err)
	u, err := a.Alloc(40, 0)
	require.NoError(t, err)

	b, err := Open(buf, 64)
	require.NoError(t, err)
	require.Equal(t, a.Stats(), b.Stats())
	require.NoError(t, b.Free(u))
	require.Equal(t, uint32(0), a.Stats().Used)
}

func TestRandomized(t *testing.T) {
	a := newTestArena(t, 256<<10, 0)
	rng := rand.New(rand.NewSource(1))

	live := map[uint32]byte{}
	for i := 0; i < 5000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			for u, tag := range live {
				n := a.Len(u)
				for _, b := range a.Bytes(u, n) {
					require.Equal(t, tag, b)
				}
				require.NoError(t, a.Free(u))
				delete(live, u)
				break
			}
			continue
		}
		size := uint32(1 + rng.Intn(700))
		align := uint32(1) << uint(rng.Intn(8))
		u, err := a.Alloc(size, align)
		if err != nil {
			require.ErrorIs(t, err, ErrArenaFull)
			continue
		}
		require.Equal(t, uint32(0), u%align)
		tag := byte(i)
		b := a.Bytes(u, a.Len(u))
		for j := range b {
			b[j] = tag
		}
		live[u] = tag
	}
	require.NoError(t, a.Verify())
}
