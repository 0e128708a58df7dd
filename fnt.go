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
	"encoding/binary"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/zuoyebang/bitalosenv/internal/base"
	"golang.org/x/exp/slices"
)

// fname is one file name table record, allocated from the log region and
// linked from logPrimary.fqHead. A record whose refcnt drops to zero gives
// its name back and waits on the list for reuse.
type fname struct {
	link     uint32
	id       int32
	refcnt   int32
	locked   uint32
	ftype    uint32
	metaPgno uint32
	// nameOff is zero once the name storage has been freed.
	nameOff uint32
	_       uint32
	fileID  FileID
}

const fnameSize = uint32(unsafe.Sizeof(fname{}))

func (m *logMgr) fname(off uint32) *fname {
	return (*fname)(m.ri.Addr(off))
}

func (m *logMgr) name(fn *fname) string {
	if fn.nameOff == 0 {
		return ""
	}
	n := binary.LittleEndian.Uint32(unsafe.Slice((*byte)(m.ri.Addr(fn.nameOff)), 4))
	return string(unsafe.Slice((*byte)(m.ri.Addr(fn.nameOff+4)), n))
}

func (m *logMgr) storeName(name string) (uint32, error) {
	off, err := m.ri.Alloc(uint32(4+len(name)), 4)
	if err != nil {
		return 0, err
	}
	b := unsafe.Slice((*byte)(m.ri.Addr(off)), 4+len(name))
	binary.LittleEndian.PutUint32(b, uint32(len(name)))
	copy(b[4:], name)
	return off, nil
}

// lookup returns the live record with the given id.
func (m *logMgr) lookup(id int32) *fname {
	for off := m.lp.fqHead; off != 0; {
		fn := m.fname(off)
		if fn.nameOff != 0 && fn.id == id {
			return fn
		}
		off = fn.link
	}
	return nil
}

// register adds a reference to the file, creating its record on first use.
// While recovering the id comes from the log record being replayed.
func (m *logMgr) register(fid FileID, metaPgno uint32, ftype FileType, name string, recID int32) (int32, error) {
	m.ri.Lock()
	defer m.ri.Unlock()

	lp := m.lp
	var spare *fname
	for off := lp.fqHead; off != 0; {
		fn := m.fname(off)
		off = fn.link
		if fn.nameOff == 0 {
			if spare == nil {
				spare = fn
			}
			continue
		}
		if fn.fileID == fid && fn.metaPgno == metaPgno {
			if FileType(fn.ftype) != ftype {
				return 0, base.MarkInvalid("bitalosenv: file %q registered as %s, not %s",
					m.name(fn), FileType(fn.ftype), ftype)
			}
			fn.refcnt++
			return fn.id, nil
		}
		if m.recovering && fn.id == recID {
			m.env.opts.Logger.Warnf("log reuses file id %d for %q, retiring %q", recID, name, m.name(fn))
			if err := m.retireLocked(fn, false); err != nil {
				return 0, err
			}
			if spare == nil {
				spare = fn
			}
		}
	}

	nameOff, err := m.storeName(name)
	if err != nil {
		return 0, err
	}
	fn, fnOff := spare, uint32(0)
	if fn == nil {
		if fnOff, err = m.ri.Alloc(fnameSize, 8); err != nil {
			_ = m.ri.Free(nameOff)
			return 0, err
		}
		fn = m.fname(fnOff)
		*fn = fname{}
	}

	id := recID
	if !m.recovering {
		id = lp.fidMax + 1
	}
	link := fn.link
	*fn = fname{
		link:     link,
		id:       id,
		refcnt:   1,
		ftype:    uint32(ftype),
		metaPgno: metaPgno,
		nameOff:  nameOff,
		fileID:   fid,
	}

	if !m.recovering {
		rec := fileRecord{typ: recFileOpen, id: id, ftype: ftype, metaPgno: metaPgno, fileID: fid, name: name}
		if _, err = m.putLocked(rec.encode(), false); err != nil {
			fn.nameOff, fn.refcnt = 0, 0
			_ = m.ri.Free(nameOff)
			if fnOff != 0 {
				_ = m.ri.Free(fnOff)
			}
			return 0, err
		}
	}

	if fnOff != 0 {
		fn.link = lp.fqHead
		lp.fqHead = fnOff
	}
	if id > lp.fidMax {
		lp.fidMax = id
	}
	lp.nfiles++
	return id, nil
}

// unregister drops a reference. The last one logs the close and frees the
// name storage.
func (m *logMgr) unregister(id int32) error {
	m.ri.Lock()
	defer m.ri.Unlock()

	fn := m.lookup(id)
	if fn == nil {
		return base.MarkNotFound("bitalosenv: no file with id %d", id)
	}
	if fn.refcnt > 1 {
		fn.refcnt--
		return nil
	}

	return m.retireLocked(fn, !m.recovering)
}

// retireLocked frees a record's name, optionally logging its close first.
func (m *logMgr) retireLocked(fn *fname, emit bool) error {
	if emit {
		rec := fileRecord{typ: recFileClose, id: fn.id, ftype: FileType(fn.ftype), metaPgno: fn.metaPgno, fileID: fn.fileID}
		if _, err := m.putLocked(rec.encode(), false); err != nil {
			return err
		}
	}
	nameOff := fn.nameOff
	fn.refcnt = 0
	fn.locked = 0
	fn.nameOff = 0
	m.lp.nfiles--
	return m.ri.Free(nameOff)
}

// retireAll closes every registration left open, logging each close.
func (m *logMgr) retireAll() (int, error) {
	m.ri.Lock()
	defer m.ri.Unlock()

	n := 0
	for off := m.lp.fqHead; off != 0; {
		fn := m.fname(off)
		off = fn.link
		if fn.nameOff == 0 {
			continue
		}
		if err := m.retireLocked(fn, true); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (m *logMgr) fileInfo(fn *fname) FileInfo {
	return FileInfo{
		ID:       fn.id,
		FileID:   fn.fileID,
		MetaPgno: fn.metaPgno,
		Type:     FileType(fn.ftype),
		Name:     m.name(fn),
		Refcnt:   fn.refcnt,
		Locked:   fn.locked != 0,
	}
}

func (e *localEnv) Register(fileID FileID, metaPgno uint32, ftype FileType, name string) (int32, error) {
	if err := e.enter(FlagInitLog, "Register"); err != nil {
		return 0, err
	}
	defer e.leave()

	id, err := e.log.register(fileID, metaPgno, ftype, name, 0)
	return id, e.report(err)
}

func (e *localEnv) Unregister(id int32) error {
	if err := e.enter(FlagInitLog, "Unregister"); err != nil {
		return err
	}
	defer e.leave()
	return e.report(e.log.unregister(id))
}

// FileLock marks the file as held exclusively. It fails with ErrFileOpen
// if any other handle has the file registered.
func (e *localEnv) FileLock(id int32) error {
	if err := e.enter(FlagInitLog, "FileLock"); err != nil {
		return err
	}
	defer e.leave()

	m := e.log
	m.ri.Lock()
	defer m.ri.Unlock()
	fn := m.lookup(id)
	if fn == nil {
		return e.report(base.MarkNotFound("bitalosenv: no file with id %d", id))
	}
	if fn.refcnt != 1 || fn.locked != 0 {
		return e.report(base.Mark(errors.Newf("bitalosenv: file %q is open (refcnt %d)", m.name(fn), fn.refcnt), base.ErrFileOpen))
	}
	fn.locked = 1
	return nil
}

func (e *localEnv) LookupFile(id int32) (FileInfo, error) {
	if err := e.enter(FlagInitLog, "LookupFile"); err != nil {
		return FileInfo{}, err
	}
	defer e.leave()

	m := e.log
	m.ri.Lock()
	defer m.ri.Unlock()
	fn := m.lookup(id)
	if fn == nil {
		return FileInfo{}, e.report(base.MarkNotFound("bitalosenv: no file with id %d", id))
	}
	return m.fileInfo(fn), nil
}

func (e *localEnv) ListFiles() ([]FileInfo, error) {
	if err := e.enter(FlagInitLog, "ListFiles"); err != nil {
		return nil, err
	}
	defer e.leave()

	m := e.log
	m.ri.Lock()
	var files []FileInfo
	for off := m.lp.fqHead; off != 0; {
		fn := m.fname(off)
		if fn.nameOff != 0 {
			files = append(files, m.fileInfo(fn))
		}
		off = fn.link
	}
	m.ri.Unlock()

	slices.SortFunc(files, func(a, b FileInfo) int {
		return int(a.ID) - int(b.ID)
	})
	return files, nil
}
