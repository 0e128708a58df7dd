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

package region

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"

	"github.com/zuoyebang/bitalosenv/internal/consts"
	"github.com/zuoyebang/bitalosenv/internal/mutex"
)

type Type uint32

const (
	TypeInvalid Type = iota
	TypeEnv
	TypeLock
	TypeLog
	TypeMpool
	TypeMutex
	TypeTxn
)

func (t Type) String() string {
	switch t {
	case TypeEnv:
		return "env"
	case TypeLock:
		return "lock"
	case TypeLog:
		return "log"
	case TypeMpool:
		return "mpool"
	case TypeMutex:
		return "mutex"
	case TypeTxn:
		return "txn"
	default:
		return "invalid"
	}
}

const (
	InvalidID    uint32 = 0
	EnvID        uint32 = 1
	InvalidSegID int64  = -1
)

// envHeader is REGENV, the object at offset 0 of the environment region.
// The mutex comes first and magic sits at the same offset as in
// regionDesc, so a zero filled page reads as uninitialised through either
// view.
type envHeader struct {
	mutex      mutex.Mutex
	magic      uint32
	panic      uint32
	major      uint32
	minor      uint32
	patch      uint32
	initFlags  uint32
	regionHead uint32
	refcnt     uint32
	shmKey     int64
	_          [8]byte
}

// regionDesc is REGION, one per region including the environment's own.
// It is allocated from the environment region's arena and linked by offset.
type regionDesc struct {
	mutex   mutex.Mutex
	magic   uint32
	link    uint32
	typ     Type
	id      uint32
	size    uint64
	primary uint32
	refcnt  uint32
	segid   int64
	_       [8]byte
}

const (
	EnvHeaderSize = int(unsafe.Sizeof(envHeader{}))
	descSize      = uint32(unsafe.Sizeof(regionDesc{}))

	// RefSize is the REGENV_REF payload: size u32, magic u32, segid i64.
	RefSize = 16
)

func init() {
	if unsafe.Offsetof(envHeader{}.magic) != unsafe.Offsetof(regionDesc{}.magic) {
		panic("region: REGENV and REGION disagree on magic offset")
	}
}

func (h *envHeader) loadMagic() uint32 {
	return atomic.LoadUint32(&h.magic)
}

func (h *envHeader) storeMagic(v uint32) {
	atomic.StoreUint32(&h.magic, v)
}

func (d *regionDesc) loadMagic() uint32 {
	return atomic.LoadUint32(&d.magic)
}

func (d *regionDesc) valid() bool {
	return d.loadMagic() == consts.RegionMagic
}

func encodeRef(size uint32, segid int64) []byte {
	b := make([]byte, RefSize)
	binary.LittleEndian.PutUint32(b[0:4], size)
	binary.LittleEndian.PutUint32(b[4:8], consts.RefMagic)
	binary.LittleEndian.PutUint64(b[8:16], uint64(segid))
	return b
}

func decodeRef(b []byte) (size uint32, segid int64, ok bool) {
	if len(b) < RefSize || binary.LittleEndian.Uint32(b[4:8]) != consts.RefMagic {
		return 0, InvalidSegID, false
	}
	return binary.LittleEndian.Uint32(b[0:4]), int64(binary.LittleEndian.Uint64(b[8:16])), true
}

// isRefSize reports whether a __db.001 of n bytes holds a REGENV_REF rather
// than a REGENV.
func isRefSize(n int64) bool {
	return n >= RefSize && n < int64(EnvHeaderSize)
}
