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
	"math"
	"unsafe"

	"github.com/RoaringBitmap/roaring"
	"github.com/cockroachdb/errors"
)

// An Arena suballocates a region's bytes into chunks addressed by offsets
// from the region base. All bookkeeping lives in the region itself, so any
// process that maps the region can allocate from it. An Arena does no
// locking; callers hold the owning region's mutex.
//
// Layout of a chunk at offset c:
//
//	c+0: size | inuse   total chunk bytes, multiple of 8
//	c+4: next           next free chunk, free chunks only
//	u-4: c              back pointer, allocated chunks only
//	u  : user bytes     u aligned as requested
type Arena struct {
	buf []byte
	off uint32
}

const (
	arenaMagic  uint32 = 0x5348414c
	HeaderSize         = 32
	chunkHeader        = 8
	minAlign           = 8
	minChunk           = 32
	inuseBit    uint32 = 1
)

const (
	hdrMagic = iota * 4
	hdrEnd
	hdrStart
	hdrFree
	hdrUsed
	hdrAllocs
	hdrFrees
)

var (
	ErrArenaFull    = errors.New("shalloc: arena is full")
	ErrInvalidAlign = errors.New("shalloc: alignment must be a power of two")
	ErrCorrupt      = errors.New("shalloc: arena corrupt")
)

type Stats struct {
	Size        uint32
	Used        uint32
	Free        uint32
	Allocs      uint32
	Frees       uint32
	FreeChunks  int
	LargestFree uint32
}

func alignUp(n, align uint32) uint32 {
	return (n + align - 1) &^ (align - 1)
}

// Init formats buf[off:] as an empty arena and returns it.
func Init(buf []byte, off uint32) (*Arena, error) {
	if uint64(len(buf)) > math.MaxUint32 {
		return nil, errors.Errorf("shalloc: region too large %d", len(buf))
	}
	if off%4 != 0 {
		return nil, errors.Errorf("shalloc: misaligned header offset %d", off)
	}
	a := &Arena{buf: buf, off: off}
	start := alignUp(off+HeaderSize, minAlign)
	end := uint32(len(buf)) &^ (minAlign - 1)
	if end < start+minChunk {
		return nil, errors.Wrapf(ErrArenaFull, "region of %d bytes", len(buf))
	}

	a.put(off+hdrEnd, end)
	a.put(off+hdrStart, start)
	a.put(off+hdrFree, start)
	a.put(off+hdrUsed, 0)
	a.put(off+hdrAllocs, 0)
	a.put(off+hdrFrees, 0)
	a.put(start, end-start)
	a.put(start+4, 0)
	a.put(off+hdrMagic, arenaMagic)
	return a, nil
}

// Open returns the arena previously formatted by Init at buf[off:].
func Open(buf []byte, off uint32) (*Arena, error) {
	if uint64(off)+HeaderSize > uint64(len(buf)) {
		return nil, errors.Wrapf(ErrCorrupt, "header offset %d", off)
	}
	a := &Arena{buf: buf, off: off}
	if a.get(off+hdrMagic) != arenaMagic {
		return nil, errors.Wrapf(ErrCorrupt, "bad magic at %d", off)
	}
	if a.get(off+hdrEnd) > uint32(len(buf)) {
		return nil, errors.Wrapf(ErrCorrupt, "end %d beyond region", a.get(off+hdrEnd))
	}
	return a, nil
}

func (a *Arena) get(o uint32) uint32 {
	return *(*uint32)(unsafe.Pointer(&a.buf[o]))
}

func (a *Arena) put(o, v uint32) {
	*(*uint32)(unsafe.Pointer(&a.buf[o])) = v
}

// Alloc returns the offset of size bytes aligned to align. An align of zero
// means the natural alignment of 8.
func (a *Arena) Alloc(size, align uint32) (uint32, error) {
	if align == 0 {
		align = minAlign
	}
	if align&(align-1) != 0 {
		return 0, errors.Wrapf(ErrInvalidAlign, "align %d", align)
	}
	if align < minAlign {
		align = minAlign
	}
	if size == 0 {
		size = 1
	}
	hdr := a.off
	if uint64(size)+uint64(align)+chunkHeader > uint64(a.get(hdr+hdrEnd)) {
		return 0, errors.Wrapf(ErrArenaFull, "request of %d bytes", size)
	}

	prev := uint32(0)
	for c := a.get(hdr + hdrFree); c != 0; c = a.get(c + 4) {
		csize := a.get(c)
		u := alignUp(c+chunkHeader, align)
		need64 := (uint64(u)+uint64(size)+minAlign-1)&^(minAlign-1) - uint64(c)
		if need64 > uint64(csize) {
			prev = c
			continue
		}
		need := uint32(need64)

		next := a.get(c + 4)
		if csize-need >= minChunk {
			rest := c + need
			a.put(rest, csize-need)
			a.put(rest+4, next)
			next = rest
		} else {
			need = csize
		}
		if prev == 0 {
			a.put(hdr+hdrFree, next)
		} else {
			a.put(prev+4, next)
		}

		a.put(c, need|inuseBit)
		a.put(u-4, c)
		a.put(hdr+hdrUsed, a.get(hdr+hdrUsed)+need)
		a.put(hdr+hdrAllocs, a.get(hdr+hdrAllocs)+1)
		return u, nil
	}

	return 0, errors.Wrapf(ErrArenaFull, "request of %d bytes", size)
}

// Free returns the chunk holding u to the free list, merging it with free
// neighbours. Offsets of other allocations are unaffected.
func (a *Arena) Free(u uint32) error {
	hdr := a.off
	start, end := a.get(hdr+hdrStart), a.get(hdr+hdrEnd)
	if u < start+chunkHeader || u >= end {
		return errors.Wrapf(ErrCorrupt, "free of foreign offset %d", u)
	}
	c := a.get(u - 4)
	if c < start || c >= u || (c-start)%minAlign != 0 {
		return errors.Wrapf(ErrCorrupt, "free of %d: bad back pointer %d", u, c)
	}
	sw := a.get(c)
	if sw&inuseBit == 0 {
		return errors.Wrapf(ErrCorrupt, "double free of %d", u)
	}
	csize := sw &^ inuseBit
	if c+csize > end || c+csize <= u {
		return errors.Wrapf(ErrCorrupt, "free of %d: bad chunk size %d", u, csize)
	}

	a.put(hdr+hdrUsed, a.get(hdr+hdrUsed)-csize)
	a.put(hdr+hdrFrees, a.get(hdr+hdrFrees)+1)

	prev := uint32(0)
	next := a.get(hdr + hdrFree)
	for next != 0 && next < c {
		prev = next
		next = a.get(next + 4)
	}

	a.put(c, csize)
	a.put(c+4, next)
	if next != 0 && c+csize == next {
		a.put(c, csize+a.get(next))
		a.put(c+4, a.get(next+4))
	}

	if prev == 0 {
		a.put(hdr+hdrFree, c)
	} else if prev+a.get(prev) == c {
		a.put(prev, a.get(prev)+a.get(c))
		a.put(prev+4, a.get(c+4))
	} else {
		a.put(prev+4, c)
	}
	return nil
}

// Len is the usable size of the allocation at u.
func (a *Arena) Len(u uint32) uint32 {
	c := a.get(u - 4)
	return c + (a.get(c) &^ inuseBit) - u
}

func (a *Arena) Bytes(u, n uint32) []byte {
	return a.buf[u : u+n : u+n]
}

func (a *Arena) Pointer(u uint32) unsafe.Pointer {
	if u == 0 {
		return nil
	}
	return unsafe.Pointer(&a.buf[u])
}

func (a *Arena) Stats() Stats {
	hdr := a.off
	s := Stats{
		Size:   a.get(hdr+hdrEnd) - a.get(hdr+hdrStart),
		Used:   a.get(hdr + hdrUsed),
		Allocs: a.get(hdr + hdrAllocs),
		Frees:  a.get(hdr + hdrFrees),
	}
	s.Free = s.Size - s.Used
	for c := a.get(hdr + hdrFree); c != 0; c = a.get(c + 4) {
		s.FreeChunks++
		if sz := a.get(c); sz > s.LargestFree {
			s.LargestFree = sz
		}
	}
	return s
}

// Verify walks every chunk from start to end and checks it against the free
// list: chunks tile the arena exactly, the free list is sorted, holds only
// free chunks and holds every one of them, and no two free chunks touch.
func (a *Arena) Verify() error {
	hdr := a.off
	start, end := a.get(hdr+hdrStart), a.get(hdr+hdrEnd)

	walked := roaring.New()
	var used uint32
	prevFree := false
	for c := start; c < end; {
		sw := a.get(c)
		csize := sw &^ inuseBit
		if csize < chunkHeader || csize%minAlign != 0 || c+csize > end {
			return errors.Wrapf(ErrCorrupt, "chunk %d size %d", c, csize)
		}
		if sw&inuseBit == 0 {
			if prevFree {
				return errors.Wrapf(ErrCorrupt, "chunk %d not coalesced", c)
			}
			walked.Add(c)
			prevFree = true
		} else {
			used += csize
			prevFree = false
		}
		c += csize
	}
	if used != a.get(hdr+hdrUsed) {
		return errors.Wrapf(ErrCorrupt, "used %d, header says %d", used, a.get(hdr+hdrUsed))
	}

	listed := roaring.New()
	last := uint32(0)
	for c := a.get(hdr + hdrFree); c != 0; c = a.get(c + 4) {
		if c <= last {
			return errors.Wrapf(ErrCorrupt, "free list unsorted at %d", c)
		}
		if !walked.Contains(c) {
			return errors.Wrapf(ErrCorrupt, "free list entry %d is not a free chunk", c)
		}
		listed.Add(c)
		last = c
	}
	if !listed.Equals(walked) {
		lost := roaring.AndNot(walked, listed)
		return errors.Wrapf(ErrCorrupt, "%d free chunks missing from free list", lost.GetCardinality())
	}
	return nil
}
