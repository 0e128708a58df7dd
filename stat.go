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
	"fmt"

	"github.com/zuoyebang/bitalosenv/internal/humanize"
	"github.com/zuoyebang/bitalosenv/internal/logfile"
)

type LSN = logfile.LSN

type RegionStat struct {
	Type        RegionType
	ID          uint32
	Size        uint64
	Primary     uint32
	SegID       int64
	Refcnt      uint32
	Used        uint32
	Free        uint32
	LargestFree uint32
}

func (s RegionStat) String() string {
	return fmt.Sprintf("%s region %d: size=%s refcnt=%d used=%s free=%s",
		s.Type, s.ID, humanize.Bytes(s.Size), s.Refcnt, humanize.Bytes(uint64(s.Used)), humanize.Bytes(uint64(s.Free)))
}

type LogStat struct {
	Next        LSN
	Synced      LSN
	Records     uint64
	Bytes       uint64
	Syncs       uint64
	OpenFiles   uint32
	MaxFileID   int32
	Compression CompressionType
}

type LockStat struct {
	LastID     uint32
	Lockers    uint32
	MaxLockers uint32
	Allocated  uint64
	Freed      uint64
}

type TxnStat struct {
	LastID    uint32
	Active    uint32
	MaxActive uint32
	Begins    uint64
	Commits   uint64
	Aborts    uint64
}

type MpoolStat struct {
	PageSize uint32
	Buckets  uint32
	Hits     uint64
	Misses   uint64
	Pages    uint64
	Used     uint32
	Free     uint32
}

// FileID is the unique id stored in a database file's metadata page.
type FileID [16]byte

type FileType uint32

const (
	FileTypeUnknown FileType = iota
	FileTypeBtree
	FileTypeHash
	FileTypeRecno
	FileTypeQueue
)

func (t FileType) String() string {
	switch t {
	case FileTypeBtree:
		return "btree"
	case FileTypeHash:
		return "hash"
	case FileTypeRecno:
		return "recno"
	case FileTypeQueue:
		return "queue"
	default:
		return "unknown"
	}
}

// FileInfo is one live entry of the file name table.
type FileInfo struct {
	ID       int32
	FileID   FileID
	MetaPgno uint32
	Type     FileType
	Name     string
	Refcnt   int32
	Locked   bool
}
