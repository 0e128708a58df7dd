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
	"fmt"
	"unsafe"

	"github.com/RoaringBitmap/roaring"
	"github.com/zuoyebang/bitalosenv/internal/base"
	"github.com/zuoyebang/bitalosenv/internal/humanize"
	"github.com/zuoyebang/bitalosenv/internal/shalloc"
)

type EventKind int

const (
	EventCreated EventKind = iota
	EventJoined
	EventRemoved
)

type Event struct {
	Kind EventKind
	Stat Stat
	Path string
}

// Stat describes one REGION. Arena is filled only for regions the reporting
// handle has attached.
type Stat struct {
	Type    Type
	ID      uint32
	Size    uint64
	Primary uint32
	SegID   int64
	Refcnt  uint32
	Arena   shalloc.Stats
}

func (s Stat) String() string {
	return fmt.Sprintf("%s region %d: size=%s primary=%d segid=%d refcnt=%d used=%s",
		s.Type, s.ID, humanize.Bytes(s.Size), s.Primary, s.SegID, s.Refcnt, humanize.Bytes(uint64(s.Arena.Used)))
}

func makeStat(d *regionDesc, arena *shalloc.Arena) Stat {
	st := Stat{
		Type:    d.typ,
		ID:      d.id,
		Size:    d.size,
		Primary: d.primary,
		SegID:   d.segid,
		Refcnt:  d.refcnt,
	}
	if arena != nil {
		st.Arena = arena.Stats()
	}
	return st
}

// walk visits the region list in order. It checks the list shape as it goes:
// every entry in bounds, no cycles, live magic, unique nonzero ids, and id 1
// reserved for the environment region.
func (e *Env) walk(fn func(d *regionDesc, off uint32) bool) (*roaring.Bitmap, error) {
	buf := e.seg.Bytes()
	visited := roaring.New()
	ids := roaring.New()
	for off := e.hdr.regionHead; off != 0; {
		if uint64(off)+uint64(descSize) > uint64(len(buf)) || off%8 != 0 {
			return ids, base.MarkRunRecovery("bitalosenv: region list entry at bad offset %d", off)
		}
		if visited.Contains(off) {
			return ids, base.MarkRunRecovery("bitalosenv: region list cycle at offset %d", off)
		}
		visited.Add(off)

		d := (*regionDesc)(unsafe.Pointer(&buf[off]))
		if !d.valid() {
			return ids, base.MarkRunRecovery("bitalosenv: region at offset %d has bad magic", off)
		}
		if d.id == InvalidID || (d.id == EnvID) != (d.typ == TypeEnv) {
			return ids, base.MarkRunRecovery("bitalosenv: %s region has id %d", d.typ, d.id)
		}
		if ids.Contains(d.id) {
			return ids, base.MarkRunRecovery("bitalosenv: duplicate region id %d", d.id)
		}
		ids.Add(d.id)

		if !fn(d, off) {
			break
		}
		off = d.link
	}
	return ids, nil
}

func (e *Env) find(typ Type, id uint32) (*regionDesc, uint32, *roaring.Bitmap, error) {
	var found *regionDesc
	var foundOff uint32
	ids, err := e.walk(func(d *regionDesc, off uint32) bool {
		if found == nil && ((id != InvalidID && d.id == id) || (id == InvalidID && d.typ == typ)) {
			found, foundOff = d, off
		}
		return true
	})
	if err != nil {
		return nil, 0, nil, err
	}
	if found != nil && found.typ != typ {
		return nil, 0, nil, base.MarkInvalid("bitalosenv: region %d is %s, not %s", id, found.typ, typ)
	}
	return found, foundOff, ids, nil
}

// nextID is the smallest id not yet in use. Ids 0 and 1 are reserved.
func nextID(ids *roaring.Bitmap) uint32 {
	id := EnvID + 1
	for ids.Contains(id) {
		id++
	}
	return id
}

func (e *Env) walkLocked(verify bool) ([]Stat, error) {
	var stats []Stat
	var bad error
	_, err := e.walk(func(d *regionDesc, off uint32) bool {
		var arena *shalloc.Arena
		if d.typ == TypeEnv {
			arena = e.info.arena
		} else if ri, ok := e.regions.Get(d.id); ok {
			arena = ri.arena
		}
		st := makeStat(d, arena)
		if verify && st.Primary == 0 && !d.mutex.Locked() {
			bad = base.MarkRunRecovery("bitalosenv: %s region %d has no primary", d.typ, d.id)
			return false
		}
		stats = append(stats, st)
		return true
	})
	if err == nil {
		err = bad
	}
	return stats, err
}

// Stats lists every region in the environment.
func (e *Env) Stats() ([]Stat, error) {
	if e.closed {
		return nil, base.MarkInvalid("bitalosenv: stat on closed environment")
	}
	e.lockEnv()
	defer e.unlockEnv()
	return e.walkLocked(false)
}

// Verify checks the region list and the allocators of every region this
// handle has attached.
func (e *Env) Verify() error {
	if e.closed {
		return base.MarkInvalid("bitalosenv: verify on closed environment")
	}
	e.lockEnv()
	_, err := e.walkLocked(true)
	if err == nil {
		err = e.info.arena.Verify()
	}
	e.unlockEnv()
	if err != nil {
		return err
	}

	e.regions.ForEach(func(_ uint32, ri *Info) bool {
		ri.Lock()
		err = ri.arena.Verify()
		ri.Unlock()
		return err == nil
	})
	return err
}
