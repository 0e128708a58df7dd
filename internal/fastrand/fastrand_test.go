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

package fastrand

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUint32n(t *testing.T) {
	for _, n := range []uint32{1, 2, 7, 1000} {
		for i := 0; i < 1000; i++ {
			require.Less(t, Uint32n(n), n)
		}
	}
}

func TestUint32Spread(t *testing.T) {
	seen := make(map[uint32]struct{})
	for i := 0; i < 64; i++ {
		seen[Uint32()] = struct{}{}
	}
	require.Greater(t, len(seen), 32)
}

func BenchmarkUint32(b *testing.B) {
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			Uint32()
		}
	})
}
