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

package base

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
)

func TestErrorKinds(t *testing.T) {
	err := NotConfigured("txn")
	require.ErrorIs(t, err, ErrNotConfigured)
	require.Contains(t, err.Error(), "txn")

	err = errors.Wrap(MarkRunRecovery("magic %x", 0), "open")
	require.ErrorIs(t, err, ErrRunRecovery)
	require.False(t, errors.Is(err, ErrIO))

	require.NoError(t, MarkIO(nil, "noop"))
	err = MarkIO(errors.New("disk"), "write %s", "__db.002")
	require.ErrorIs(t, err, ErrIO)
	require.Contains(t, err.Error(), "__db.002")
}

func TestErrorKindsStdlib(t *testing.T) {
	for _, c := range []struct {
		err  error
		kind error
	}{
		{MarkInvalid("bad flag %d", 3), ErrInvalidArgument},
		{MarkNotFound("no region %d", 2), ErrNotFound},
		{MarkRunRecovery("magic %x", 0), ErrRunRecovery},
		{MarkIO(errors.New("disk"), "write"), ErrIO},
		{NotConfigured("lock"), ErrNotConfigured},
		{MarkNotSupported("set server"), ErrNotSupported},
		{Mark(errors.New("full"), ErrOutOfMemory), ErrOutOfMemory},
	} {
		wrapped := fmt.Errorf("open: %w", c.err)
		require.True(t, stderrors.Is(wrapped, c.kind), "%v", c.err)
		require.True(t, errors.Is(errors.Wrap(c.err, "open"), c.kind), "%v", c.err)
		require.False(t, stderrors.Is(wrapped, ErrExists))
	}

	cause := errors.New("enospc")
	err := MarkIO(cause, "extend %s", "__db.003")
	require.True(t, stderrors.Is(err, cause))
	require.Equal(t, "extend __db.003: enospc", err.Error())
	require.NoError(t, Mark(nil, ErrIO))
}
