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

package logfile

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/zuoyebang/bitalosenv/internal/base"
	"github.com/zuoyebang/bitalosenv/internal/compress"
	"github.com/zuoyebang/bitalosenv/internal/consts"
	"github.com/zuoyebang/bitalosenv/internal/vfs"
)

// Record layout, little endian:
//
//	+--------+--------+--------+-------+---------------+
//	| len u32| crc u32| lsn u64| codec | payload (len) |
//	+--------+--------+--------+-------+---------------+
//
// crc is CRC-32C over lsn, codec and payload. lsn repeats the record's own
// position so a record copied to the wrong place is detected.
const HeaderSize = 17

var (
	// ErrTornTail marks an incomplete or unchecksummed record at the end of
	// a file: the writer died mid-append.
	ErrTornTail = errors.New("logfile: torn record")
	// ErrCorrupt marks a record whose checksum passed but whose contents
	// cannot be right.
	ErrCorrupt = errors.New("logfile: corrupt record")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// LSN is a log sequence number: a file number and the byte offset of a
// record within it.
type LSN struct {
	File   uint32
	Offset uint32
}

func (l LSN) String() string {
	return fmt.Sprintf("[%d][%d]", l.File, l.Offset)
}

func (l LSN) IsZero() bool {
	return l.File == 0
}

func (l LSN) Less(o LSN) bool {
	if l.File != o.File {
		return l.File < o.File
	}
	return l.Offset < o.Offset
}

func (l LSN) pack() uint64 {
	return uint64(l.File)<<32 | uint64(l.Offset)
}

func unpackLSN(v uint64) LSN {
	return LSN{File: uint32(v >> 32), Offset: uint32(v)}
}

// Writer writes records into one log file at positions chosen by the
// caller. Callers serialize appends and track the next offset themselves,
// so a record torn by a crash is overwritten by the next append.
type Writer struct {
	f       vfs.File
	num     base.FileNum
	c       compress.Compressor
	buf     []byte
	scratch []byte
}

func OpenWriter(fs vfs.FS, dir string, num base.FileNum, c compress.Compressor) (*Writer, error) {
	if c == nil {
		c = compress.NoCompressor
	}
	f, err := fs.OpenReadWrite(base.MakeLogFilepath(dir, num), true, consts.FileMode)
	if err != nil {
		return nil, err
	}
	if err = vfs.SyncDir(dir); err != nil {
		f.Close()
		return nil, err
	}
	return &Writer{f: f, num: num, c: c}, nil
}

func (w *Writer) FileNum() base.FileNum { return w.num }

// EncodedLen is an upper bound on the bytes Append writes for payload.
func (w *Writer) EncodedLen(payload []byte) int {
	if w.c.Type() == compress.TypeSnappy {
		return HeaderSize + 32 + len(payload) + len(payload)/6
	}
	return HeaderSize + len(payload)
}

// Append writes payload as the record at lsn and returns its encoded size.
func (w *Writer) Append(lsn LSN, payload []byte) (int, error) {
	if lsn.File != uint32(w.num) {
		return 0, errors.Errorf("logfile: lsn %s not in file %s", lsn, w.num)
	}
	if len(payload) > consts.LogMaxRecord {
		return 0, errors.Errorf("logfile: record of %d bytes exceeds %d", len(payload), consts.LogMaxRecord)
	}

	enc := w.c.Encode(w.scratch[:cap(w.scratch)], payload)
	w.scratch = enc
	n := HeaderSize + len(enc)
	if cap(w.buf) < n {
		w.buf = make([]byte, n, n*2)
	}
	rec := w.buf[:n]
	copy(rec[HeaderSize:], enc)
	binary.LittleEndian.PutUint32(rec[0:4], uint32(len(enc)))
	binary.LittleEndian.PutUint64(rec[8:16], lsn.pack())
	rec[16] = byte(w.c.Type())
	binary.LittleEndian.PutUint32(rec[4:8], crc32.Checksum(rec[8:], crcTable))

	if _, err := w.f.WriteAt(rec, int64(lsn.Offset)); err != nil {
		return 0, errors.Wrapf(err, "logfile: write %s", lsn)
	}
	return n, nil
}

func (w *Writer) Sync() error {
	return w.f.Sync()
}

func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// Reader iterates the records of one log file in order.
type Reader struct {
	f   vfs.File
	num base.FileNum
	off int64
	hdr [HeaderSize]byte
	buf []byte
	out []byte
}

func OpenReader(fs vfs.FS, dir string, num base.FileNum) (*Reader, error) {
	f, err := fs.Open(base.MakeLogFilepath(dir, num))
	if err != nil {
		return nil, err
	}
	return &Reader{f: f, num: num}, nil
}

// Offset is where the next record would start.
func (r *Reader) Offset() int64 { return r.off }

// Next returns the next record. It returns io.EOF at a clean end of file,
// ErrTornTail if the file ends in a partial record, and ErrCorrupt for a
// record that is complete but invalid. The payload is valid until the next
// call.
func (r *Reader) Next() (LSN, []byte, error) {
	n, err := r.f.ReadAt(r.hdr[:], r.off)
	if n < HeaderSize {
		if n == 0 && err == io.EOF {
			return LSN{}, nil, io.EOF
		}
		if err != nil && err != io.EOF {
			return LSN{}, nil, errors.Wrapf(err, "logfile: read %s", r.num)
		}
		return LSN{}, nil, errors.Wrapf(ErrTornTail, "header at %s:%d", r.num, r.off)
	}

	length := binary.LittleEndian.Uint32(r.hdr[0:4])
	if length > consts.LogMaxRecord*2 {
		return LSN{}, nil, errors.Wrapf(ErrTornTail, "length %d at %s:%d", length, r.num, r.off)
	}
	if cap(r.buf) < int(length) {
		r.buf = make([]byte, length)
	}
	payload := r.buf[:length]
	if n, err = r.f.ReadAt(payload, r.off+HeaderSize); n < len(payload) {
		if err != nil && err != io.EOF {
			return LSN{}, nil, errors.Wrapf(err, "logfile: read %s", r.num)
		}
		return LSN{}, nil, errors.Wrapf(ErrTornTail, "payload at %s:%d", r.num, r.off)
	}

	crc := crc32.Update(crc32.Checksum(r.hdr[8:], crcTable), crcTable, payload)
	if crc != binary.LittleEndian.Uint32(r.hdr[4:8]) {
		return LSN{}, nil, errors.Wrapf(ErrTornTail, "checksum at %s:%d", r.num, r.off)
	}

	lsn := unpackLSN(binary.LittleEndian.Uint64(r.hdr[8:16]))
	if lsn.File != uint32(r.num) || int64(lsn.Offset) != r.off {
		return LSN{}, nil, errors.Wrapf(ErrCorrupt, "record at %s:%d claims %s", r.num, r.off, lsn)
	}
	c, err := compress.ForType(compress.Type(r.hdr[16]))
	if err != nil {
		return LSN{}, nil, base.Mark(err, ErrCorrupt)
	}
	if r.out, err = c.Decode(r.out[:0], payload); err != nil {
		return LSN{}, nil, base.Mark(errors.Wrapf(err, "record %s", lsn), ErrCorrupt)
	}
	if r.out == nil {
		// An empty record reads back empty, never nil.
		r.out = []byte{}
	}

	r.off += HeaderSize + int64(length)
	return lsn, r.out, nil
}

func (r *Reader) Close() error {
	return r.f.Close()
}

// List returns the numbers of the log files in dir, ascending.
func List(fs vfs.FS, dir string) ([]base.FileNum, error) {
	names, err := fs.List(dir)
	if err != nil {
		if oserror.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var nums []base.FileNum
	for _, name := range names {
		if ft, num, ok := base.ParseFilename(name); ok && ft == base.FileTypeLog {
			nums = append(nums, num)
		}
	}
	return nums, nil
}

// Remove deletes every log file in dir.
func Remove(fs vfs.FS, dir string) error {
	nums, err := List(fs, dir)
	if err != nil {
		return err
	}
	for _, num := range nums {
		if err = fs.Remove(base.MakeLogFilepath(dir, num)); err != nil && !oserror.IsNotExist(err) {
			return err
		}
	}
	return nil
}
