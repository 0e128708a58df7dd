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

package consts

import "time"

const (
	EnvMagic    uint32 = 0x120897
	RegionMagic uint32 = EnvMagic
	RefMagic    uint32 = 0x5245464d

	VersionMajor uint32 = 3
	VersionMinor uint32 = 2
	VersionPatch uint32 = 1
)

const (
	EnvRegionSize    int = 256 << 10
	LockRegionSize   int = 256 << 10
	LogRegionSize    int = 512 << 10
	MpoolRegionSize  int = 1 << 20
	TxnRegionSize    int = 128 << 10
	MinRegionSize    int = 16 << 10
	MaxRegionSize    int = 1<<32 - 1
	MpoolPageSize    int = 4 << 10
	MpoolHashBuckets int = 1031
)

const (
	JoinSpinCount    = 40
	JoinSpinMinDelay = 1 * time.Millisecond
	JoinSpinMaxDelay = 100 * time.Millisecond
	OpenRetryCount   = 8
)

const (
	MutexSpinCount    = 64
	MutexSleepMaxTime = 10 * time.Millisecond
)

const (
	FileMode      = 0600
	EnvHomeEnvVar = "DB_HOME"
)

const (
	LogFileNumFirst = 1
	LogMaxRecord    = 16 << 20
)

const LogFileMaxSize = 10 << 20
