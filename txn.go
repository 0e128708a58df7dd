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
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/zuoyebang/bitalosenv/internal/base"
	"github.com/zuoyebang/bitalosenv/internal/region"
)

const (
	txnMinimum uint32 = 0x80000000
	txnMaximum uint32 = 0xffffffff
)

type txnPrimary struct {
	lastID    uint32
	nactive   uint32
	maxActive uint32
	head      uint32
	nbegins   uint64
	ncommits  uint64
	naborts   uint64
}

// txnDetail is one active transaction, linked from txnPrimary.head.
type txnDetail struct {
	id        uint32
	link      uint32
	beginFile uint32
	beginOff  uint32
}

var txnSubsystem = subsystem{
	name:        "txn",
	flag:        FlagInitTxn,
	typ:         RegionTxn,
	primarySize: uint32(unsafe.Sizeof(txnPrimary{})),
	init: func(_ *localEnv, _ *region.Info, p unsafe.Pointer) error {
		(*txnPrimary)(p).lastID = txnMinimum - 1
		return nil
	},
	open: func(e *localEnv, ri *region.Info) error {
		e.txn = &txnMgr{env: e, ri: ri, tp: (*txnPrimary)(ri.Primary())}
		return nil
	},
}

type txnMgr struct {
	env *localEnv
	ri  *region.Info
	tp  *txnPrimary
}

// Txn is an active transaction. Exactly one of Commit or Abort ends it.
type Txn struct {
	mgr   *txnMgr
	id    uint32
	begin LSN
	done  atomic.Bool
}

func (t *Txn) ID() uint32 { return t.id }

// BeginLSN is the log position when the transaction began, zero without
// a log.
func (t *Txn) BeginLSN() LSN { return t.begin }

// Commit logs and syncs a commit record when the environment has a log.
func (t *Txn) Commit() error {
	return t.end(recTxnCommit)
}

func (t *Txn) Abort() error {
	return t.end(recTxnAbort)
}

func (t *Txn) end(typ byte) error {
	e := t.mgr.env
	if err := e.enter(FlagInitTxn, "Txn.End"); err != nil {
		return err
	}
	defer e.leave()
	if e.txn != t.mgr {
		return e.report(base.MarkInvalid("bitalosenv: txn %#x belongs to a closed environment", t.id))
	}
	if !t.done.CompareAndSwap(false, true) {
		return e.report(base.MarkInvalid("bitalosenv: txn %#x already ended", t.id))
	}
	if !t.mgr.active(t.id) {
		return e.report(base.MarkInvalid("bitalosenv: txn %#x is not active", t.id))
	}
	if e.log != nil {
		if _, err := e.log.put(encodeTxnRecord(typ, t.id), typ == recTxnCommit); err != nil {
			t.done.Store(false)
			return e.report(err)
		}
	}
	return e.report(t.mgr.remove(t.id, typ == recTxnCommit))
}

func (m *txnMgr) detail(off uint32) *txnDetail {
	return (*txnDetail)(m.ri.Addr(off))
}

func (m *txnMgr) active(id uint32) bool {
	m.ri.Lock()
	defer m.ri.Unlock()
	return m.liveLocked(id)
}

func (m *txnMgr) begin(lsn LSN) (uint32, error) {
	m.ri.Lock()
	defer m.ri.Unlock()

	tp := m.tp
	id := tp.lastID
	for i := uint32(0); ; i++ {
		if i > tp.nactive {
			return 0, base.Mark(errors.New("bitalosenv: transaction ids exhausted"), base.ErrOutOfMemory)
		}
		if id == txnMaximum {
			id = txnMinimum
		} else {
			id++
		}
		if !m.liveLocked(id) {
			break
		}
	}

	off, err := m.ri.Alloc(uint32(unsafe.Sizeof(txnDetail{})), 4)
	if err != nil {
		return 0, err
	}
	*m.detail(off) = txnDetail{id: id, link: tp.head, beginFile: lsn.File, beginOff: lsn.Offset}
	tp.head = off
	tp.lastID = id
	tp.nactive++
	if tp.nactive > tp.maxActive {
		tp.maxActive = tp.nactive
	}
	tp.nbegins++
	return id, nil
}

func (m *txnMgr) liveLocked(id uint32) bool {
	for off := m.tp.head; off != 0; {
		td := m.detail(off)
		if td.id == id {
			return true
		}
		off = td.link
	}
	return false
}

func (m *txnMgr) remove(id uint32, commit bool) error {
	m.ri.Lock()
	defer m.ri.Unlock()

	tp := m.tp
	prev := uint32(0)
	for off := tp.head; off != 0; {
		td := m.detail(off)
		if td.id != id {
			prev, off = off, td.link
			continue
		}
		if prev == 0 {
			tp.head = td.link
		} else {
			m.detail(prev).link = td.link
		}
		tp.nactive--
		if commit {
			tp.ncommits++
		} else {
			tp.naborts++
		}
		return m.ri.Free(off)
	}
	return base.MarkInvalid("bitalosenv: txn %#x is not active", id)
}

// observe raises the id high-water mark past an id found in the log.
func (m *txnMgr) observe(id uint32) {
	m.ri.Lock()
	defer m.ri.Unlock()
	if id >= txnMinimum && id > m.tp.lastID {
		m.tp.lastID = id
	}
}

func (e *localEnv) TxnBegin() (*Txn, error) {
	if err := e.enter(FlagInitTxn, "TxnBegin"); err != nil {
		return nil, err
	}
	defer e.leave()

	var lsn LSN
	if e.log != nil {
		e.log.ri.Lock()
		lsn = e.log.next()
		e.log.ri.Unlock()
	}
	id, err := e.txn.begin(lsn)
	if err != nil {
		return nil, e.report(err)
	}
	return &Txn{mgr: e.txn, id: id, begin: lsn}, nil
}

func (e *localEnv) TxnStat() (TxnStat, error) {
	if err := e.enter(FlagInitTxn, "TxnStat"); err != nil {
		return TxnStat{}, err
	}
	defer e.leave()

	m := e.txn
	m.ri.Lock()
	defer m.ri.Unlock()
	return TxnStat{
		LastID:    m.tp.lastID,
		Active:    m.tp.nactive,
		MaxActive: m.tp.maxActive,
		Begins:    m.tp.nbegins,
		Commits:   m.tp.ncommits,
		Aborts:    m.tp.naborts,
	}, nil
}
