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
	"github.com/zuoyebang/bitalosenv/internal/compress"
	"github.com/zuoyebang/bitalosenv/internal/consts"
	"github.com/zuoyebang/bitalosenv/internal/logfile"
	"github.com/zuoyebang/bitalosenv/internal/region"
)

// logPrimary lives in the log region. Every field is guarded by the region
// mutex.
type logPrimary struct {
	nextFile   uint32
	nextOff    uint32
	syncedFile uint32
	syncedOff  uint32
	// fqHead is the file name table list.
	fqHead   uint32
	fidMax   int32
	nfiles   uint32
	codec    uint32
	nrecords uint64
	nbytes   uint64
	nsyncs   uint64
}

var logSubsystem = subsystem{
	name:        "log",
	flag:        FlagInitLog,
	typ:         RegionLog,
	primarySize: uint32(unsafe.Sizeof(logPrimary{})),
	init:        initLog,
	open:        openLog,
	close:       closeLog,
}

// initLog starts a new environment's log in a file after any left by
// earlier environments in the same home.
func initLog(e *localEnv, _ *region.Info, p unsafe.Pointer) error {
	if _, err := compress.ForType(e.opts.LogCompression); err != nil {
		return base.Mark(err, base.ErrInvalidArgument)
	}
	nums, err := logfile.List(e.opts.FS, e.home)
	if err != nil {
		return base.MarkIO(err, "bitalosenv: list logs in %s", e.home)
	}
	lp := (*logPrimary)(p)
	lp.nextFile = consts.LogFileNumFirst
	if len(nums) > 0 {
		lp.nextFile = uint32(nums[len(nums)-1]) + 1
	}
	lp.syncedFile = lp.nextFile
	lp.codec = uint32(e.opts.LogCompression)
	return nil
}

type logMgr struct {
	env *localEnv
	ri  *region.Info
	lp  *logPrimary
	c   compress.Compressor
	// w is this handle's descriptor on the current log file. Guarded by
	// the region mutex.
	w *logfile.Writer
	// recovering suppresses record emission while the log is replayed.
	recovering bool
}

func openLog(e *localEnv, ri *region.Info) error {
	lp := (*logPrimary)(ri.Primary())
	c, err := compress.ForType(compress.Type(lp.codec))
	if err != nil {
		return base.Mark(err, base.ErrRunRecovery)
	}
	e.log = &logMgr{env: e, ri: ri, lp: lp, c: c}
	return nil
}

func closeLog(e *localEnv) error {
	m := e.log
	if m == nil {
		return nil
	}
	m.ri.Lock()
	defer m.ri.Unlock()
	if m.w == nil {
		return nil
	}
	err := m.w.Close()
	m.w = nil
	return base.MarkIO(err, "bitalosenv: close log")
}

func (m *logMgr) writer(num uint32) (*logfile.Writer, error) {
	if m.w != nil && uint32(m.w.FileNum()) == num {
		return m.w, nil
	}
	if m.w != nil {
		err := m.w.Close()
		m.w = nil
		if err != nil {
			return nil, err
		}
	}
	w, err := logfile.OpenWriter(m.env.opts.FS, m.env.home, base.FileNum(num), m.c)
	if err != nil {
		return nil, err
	}
	m.w = w
	return w, nil
}

func (m *logMgr) next() LSN {
	return LSN{File: m.lp.nextFile, Offset: m.lp.nextOff}
}

// putLocked appends rec at the next LSN. Nothing in the primary moves
// unless the write succeeds.
func (m *logMgr) putLocked(rec []byte, flush bool) (LSN, error) {
	lp := m.lp
	lsn := m.next()
	w, err := m.writer(lsn.File)
	if err != nil {
		return LSN{}, base.MarkIO(err, "bitalosenv: open log file %d", lsn.File)
	}
	if lsn.Offset > 0 && int64(lsn.Offset)+int64(w.EncodedLen(rec)) > consts.LogFileMaxSize {
		if err = w.Sync(); err != nil {
			return LSN{}, base.MarkIO(err, "bitalosenv: sync log file %d", lsn.File)
		}
		lsn = LSN{File: lsn.File + 1}
		if w, err = m.writer(lsn.File); err != nil {
			return LSN{}, base.MarkIO(err, "bitalosenv: open log file %d", lsn.File)
		}
	}

	n, err := w.Append(lsn, rec)
	if err != nil {
		return LSN{}, base.MarkIO(err, "bitalosenv: log write")
	}
	lp.nextFile, lp.nextOff = lsn.File, lsn.Offset+uint32(n)
	lp.nrecords++
	lp.nbytes += uint64(n)
	if flush {
		if err = m.syncLocked(); err != nil {
			return LSN{}, err
		}
	}
	return lsn, nil
}

func (m *logMgr) syncLocked() error {
	lp := m.lp
	w, err := m.writer(lp.nextFile)
	if err == nil {
		err = w.Sync()
	}
	if err != nil {
		return base.MarkIO(err, "bitalosenv: sync log file %d", lp.nextFile)
	}
	lp.syncedFile, lp.syncedOff = lp.nextFile, lp.nextOff
	lp.nsyncs++
	return nil
}

func (m *logMgr) put(rec []byte, flush bool) (LSN, error) {
	m.ri.Lock()
	defer m.ri.Unlock()
	return m.putLocked(rec, flush)
}

func (e *localEnv) LogPut(data []byte, flush bool) (LSN, error) {
	if err := e.enter(FlagInitLog, "LogPut"); err != nil {
		return LSN{}, err
	}
	defer e.leave()

	rec := make([]byte, 1+len(data))
	rec[0] = recUser
	copy(rec[1:], data)
	lsn, err := e.log.put(rec, flush)
	return lsn, e.report(err)
}

func (e *localEnv) LogFlush() error {
	if err := e.enter(FlagInitLog, "LogFlush"); err != nil {
		return err
	}
	defer e.leave()

	m := e.log
	m.ri.Lock()
	defer m.ri.Unlock()
	return e.report(m.syncLocked())
}

func (e *localEnv) LogStat() (LogStat, error) {
	if err := e.enter(FlagInitLog, "LogStat"); err != nil {
		return LogStat{}, err
	}
	defer e.leave()

	m := e.log
	m.ri.Lock()
	defer m.ri.Unlock()
	lp := m.lp
	return LogStat{
		Next:        m.next(),
		Synced:      LSN{File: lp.syncedFile, Offset: lp.syncedOff},
		Records:     lp.nrecords,
		Bytes:       lp.nbytes,
		Syncs:       lp.nsyncs,
		OpenFiles:   lp.nfiles,
		MaxFileID:   lp.fidMax,
		Compression: CompressionType(lp.codec),
	}, nil
}

// Log record types, the first byte of every payload.
const (
	recUser byte = iota + 1
	recFileOpen
	recFileClose
	recTxnCommit
	recTxnAbort
)

const fileRecordSize = 29

type fileRecord struct {
	typ      byte
	id       int32
	ftype    FileType
	metaPgno uint32
	fileID   FileID
	name     string
}

func (r fileRecord) encode() []byte {
	b := make([]byte, fileRecordSize+len(r.name))
	b[0] = r.typ
	binary.LittleEndian.PutUint32(b[1:5], uint32(r.id))
	binary.LittleEndian.PutUint32(b[5:9], uint32(r.ftype))
	binary.LittleEndian.PutUint32(b[9:13], r.metaPgno)
	copy(b[13:29], r.fileID[:])
	copy(b[29:], r.name)
	return b
}

func decodeFileRecord(b []byte) (fileRecord, error) {
	if len(b) < fileRecordSize {
		return fileRecord{}, errors.Newf("file record of %d bytes", len(b))
	}
	r := fileRecord{
		typ:      b[0],
		id:       int32(binary.LittleEndian.Uint32(b[1:5])),
		ftype:    FileType(binary.LittleEndian.Uint32(b[5:9])),
		metaPgno: binary.LittleEndian.Uint32(b[9:13]),
		name:     string(b[29:]),
	}
	copy(r.fileID[:], b[13:29])
	if r.id <= 0 {
		return fileRecord{}, errors.Newf("file record with id %d", r.id)
	}
	return r, nil
}

func encodeTxnRecord(typ byte, id uint32) []byte {
	b := make([]byte, 5)
	b[0] = typ
	binary.LittleEndian.PutUint32(b[1:], id)
	return b
}

func decodeTxnRecord(b []byte) (uint32, error) {
	if len(b) != 5 {
		return 0, errors.Newf("txn record of %d bytes", len(b))
	}
	return binary.LittleEndian.Uint32(b[1:]), nil
}

