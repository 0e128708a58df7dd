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
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/zuoyebang/bitalosenv/internal/base"
	"github.com/zuoyebang/bitalosenv/internal/region"
)

const lockMaxID = 0x7fffffff

type lockPrimary struct {
	lastID     uint32
	nlockers   uint32
	maxLockers uint32
	head       uint32
	nalloc     uint64
	nfree      uint64
}

// locker is a live locker id, linked from lockPrimary.head.
type locker struct {
	id   uint32
	link uint32
}

var lockSubsystem = subsystem{
	name:        "lock",
	flag:        FlagInitLock,
	typ:         RegionLock,
	primarySize: uint32(unsafe.Sizeof(lockPrimary{})),
	init: func(*localEnv, *region.Info, unsafe.Pointer) error {
		return nil
	},
	open: func(e *localEnv, ri *region.Info) error {
		e.lock = &lockMgr{ri: ri, lp: (*lockPrimary)(ri.Primary())}
		return nil
	},
}

type lockMgr struct {
	ri *region.Info
	lp *lockPrimary
}

func (m *lockMgr) locker(off uint32) *locker {
	return (*locker)(m.ri.Addr(off))
}

func (m *lockMgr) live(id uint32) bool {
	for off := m.lp.head; off != 0; {
		l := m.locker(off)
		if l.id == id {
			return true
		}
		off = l.link
	}
	return false
}

func (m *lockMgr) allocID() (uint32, error) {
	m.ri.Lock()
	defer m.ri.Unlock()

	lp := m.lp
	id := lp.lastID
	for i := 0; ; i++ {
		if i > int(lp.nlockers) {
			return 0, base.Mark(errors.New("bitalosenv: locker ids exhausted"), base.ErrOutOfMemory)
		}
		if id++; id > lockMaxID {
			id = 1
		}
		if !m.live(id) {
			break
		}
	}

	off, err := m.ri.Alloc(uint32(unsafe.Sizeof(locker{})), 4)
	if err != nil {
		return 0, err
	}
	*m.locker(off) = locker{id: id, link: lp.head}
	lp.head = off
	lp.lastID = id
	lp.nlockers++
	if lp.nlockers > lp.maxLockers {
		lp.maxLockers = lp.nlockers
	}
	lp.nalloc++
	return id, nil
}

func (m *lockMgr) freeID(id uint32) error {
	m.ri.Lock()
	defer m.ri.Unlock()

	lp := m.lp
	prev := uint32(0)
	for off := lp.head; off != 0; {
		l := m.locker(off)
		if l.id != id {
			prev, off = off, l.link
			continue
		}
		if prev == 0 {
			lp.head = l.link
		} else {
			m.locker(prev).link = l.link
		}
		lp.nlockers--
		lp.nfree++
		return m.ri.Free(off)
	}
	return base.MarkInvalid("bitalosenv: unknown locker id %d", id)
}

func (e *localEnv) LockID() (uint32, error) {
	if err := e.enter(FlagInitLock, "LockID"); err != nil {
		return 0, err
	}
	defer e.leave()

	id, err := e.lock.allocID()
	return id, e.report(err)
}

func (e *localEnv) LockIDFree(id uint32) error {
	if err := e.enter(FlagInitLock, "LockIDFree"); err != nil {
		return err
	}
	defer e.leave()
	return e.report(e.lock.freeID(id))
}

func (e *localEnv) LockStat() (LockStat, error) {
	if err := e.enter(FlagInitLock, "LockStat"); err != nil {
		return LockStat{}, err
	}
	defer e.leave()

	m := e.lock
	m.ri.Lock()
	defer m.ri.Unlock()
	return LockStat{
		LastID:     m.lp.lastID,
		Lockers:    m.lp.nlockers,
		MaxLockers: m.lp.maxLockers,
		Allocated:  m.lp.nalloc,
		Freed:      m.lp.nfree,
	}, nil
}
