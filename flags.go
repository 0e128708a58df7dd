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
	"strings"
)

// CreateFlags are accepted by Create.
type CreateFlags uint32

// Client yields an environment that forwards every call to a server handle.
const Client CreateFlags = 1

// OpenFlags are accepted by Env.Open.
type OpenFlags uint32

const (
	FlagCreate OpenFlags = 1 << iota
	FlagRecover
	FlagInitLock
	FlagInitLog
	FlagInitMpool
	FlagInitTxn
	FlagPrivate
	FlagSystemMem
	FlagThread
	FlagJoinEnv
	FlagUseEnviron

	flagInitAll = FlagInitLock | FlagInitLog | FlagInitMpool | FlagInitTxn
	flagOpenAll = FlagCreate | FlagRecover | flagInitAll | FlagPrivate | FlagSystemMem |
		FlagThread | FlagJoinEnv | FlagUseEnviron
)

var openFlagNames = []struct {
	flag OpenFlags
	name string
}{
	{FlagCreate, "CREATE"},
	{FlagRecover, "RECOVER"},
	{FlagInitLock, "INIT_LOCK"},
	{FlagInitLog, "INIT_LOG"},
	{FlagInitMpool, "INIT_MPOOL"},
	{FlagInitTxn, "INIT_TXN"},
	{FlagPrivate, "PRIVATE"},
	{FlagSystemMem, "SYSTEM_MEM"},
	{FlagThread, "THREAD"},
	{FlagJoinEnv, "JOINENV"},
	{FlagUseEnviron, "USE_ENVIRON"},
}

func (f OpenFlags) String() string {
	var names []string
	for _, n := range openFlagNames {
		if f&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "0"
	}
	return strings.Join(names, "|")
}

// RemoveFlags are accepted by Env.Remove.
type RemoveFlags uint32

// Force removes the environment even while handles are attached.
const Force RemoveFlags = 1
