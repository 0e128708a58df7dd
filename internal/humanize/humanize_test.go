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

package humanize

import (
	"testing"

	"github.com/cockroachdb/redact"
	"github.com/stretchr/testify/require"
)

func TestBytes(t *testing.T) {
	for _, c := range []struct {
		n    uint64
		want string
	}{
		{0, "0 B"},
		{9, "9 B"},
		{512, "512 B"},
		{256 << 10, "256 K"},
		{1<<20 + 512<<10, "1.5 M"},
		{10 << 30, "10 G"},
	} {
		require.Equal(t, c.want, Bytes(c.n).String())
	}
}

func TestCount(t *testing.T) {
	require.Equal(t, "7", Count(7).String())
	require.Equal(t, "1.2 K", Count(1234).String())
	require.Equal(t, "-3.0 M", SI.Int64(-3_000_000).String())
}

func TestSafe(t *testing.T) {
	s := redact.Sprintf("size %s", Bytes(4096))
	require.Equal(t, "size 4.0 K", s.Redact().StripMarkers())
}
