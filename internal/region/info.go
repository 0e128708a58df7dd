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
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/zuoyebang/bitalosenv/internal/base"
	"github.com/zuoyebang/bitalosenv/internal/mutex"
	"github.com/zuoyebang/bitalosenv/internal/shalloc"
	"github.com/zuoyebang/bitalosenv/internal/shm"
)

// Flags state the caller's intent when attaching a region.
type Flags uint32

const (
	// Create fails with ErrExists if the region is already present.
	Create Flags = 1 << iota
	// CreateOK creates the region if it is absent.
	CreateOK
	// JoinOK joins the region if it is present.
	JoinOK
)

// Info is REGINFO: this process's view of one attached region. It references
// the shared descriptor but owns only its mapping.
type Info struct {
	env     *Env
	typ     Type
	id      uint32
	created bool
	rp      *regionDesc
	rpOff   uint32
	mu      *mutex.Mutex
	seg     *shm.Segment
	arena   *shalloc.Arena
	base    unsafe.Pointer
	size    uint32
}

func (ri *Info) Type() Type            { return ri.typ }
func (ri *Info) ID() uint32            { return ri.id }
func (ri *Info) Created() bool         { return ri.created }
func (ri *Info) Size() uint32          { return ri.size }
func (ri *Info) SegID() int64          { return ri.rp.segid }
func (ri *Info) Name() string          { return ri.seg.Path() }
func (ri *Info) Bytes() []byte         { return ri.seg.Bytes() }
func (ri *Info) Arena() *shalloc.Arena { return ri.arena }

// Addr translates a region offset into this process's address.
func (ri *Info) Addr(off uint32) unsafe.Pointer {
	if off >= ri.size {
		panic(errors.AssertionFailedf("region %d: offset %d out of range", ri.id, off))
	}
	return unsafe.Add(ri.base, off)
}

// Off is the inverse of Addr.
func (ri *Info) Off(p unsafe.Pointer) uint32 {
	lo := uintptr(ri.base)
	d := uintptr(p) - lo
	if uintptr(p) < lo || d >= uintptr(ri.size) {
		panic(errors.AssertionFailedf("region %d: pointer outside region", ri.id))
	}
	return uint32(d)
}

func (ri *Info) PrimaryOff() uint32 {
	return atomic.LoadUint32(&ri.rp.primary)
}

func (ri *Info) Primary() unsafe.Pointer {
	off := ri.PrimaryOff()
	if off == 0 {
		return nil
	}
	return ri.Addr(off)
}

// SetPrimary publishes the subsystem's top level structure. It is called by
// the creator while it still holds the region lock taken by Attach.
func (ri *Info) SetPrimary(off uint32) {
	if off == 0 || off >= ri.size {
		panic(errors.AssertionFailedf("region %d: invalid primary offset %d", ri.id, off))
	}
	atomic.StoreUint32(&ri.rp.primary, off)
}

func (ri *Info) Lock() {
	if ri.env.locking {
		ri.mu.Lock()
	}
}

func (ri *Info) Unlock() {
	if ri.env.locking {
		ri.mu.Unlock()
	}
}

// Alloc carves size bytes from the region. The caller holds the region lock.
func (ri *Info) Alloc(size, align uint32) (uint32, error) {
	off, err := ri.arena.Alloc(size, align)
	if err != nil {
		if errors.Is(err, shalloc.ErrArenaFull) {
			return 0, base.Mark(errors.Wrapf(err, "unable to allocate shared memory in %s region %d", ri.typ, ri.id), base.ErrOutOfMemory)
		}
		return 0, base.Mark(err, base.ErrInvalidArgument)
	}
	return off, nil
}

func (ri *Info) Free(off uint32) error {
	if err := ri.arena.Free(off); err != nil {
		return base.Mark(errors.Wrapf(err, "%s region %d", ri.typ, ri.id), base.ErrRunRecovery)
	}
	return nil
}

func (ri *Info) Refcnt() uint32 {
	return atomic.LoadUint32(&ri.rp.refcnt)
}

func (ri *Info) stat() Stat {
	return makeStat(ri.rp, ri.arena)
}
