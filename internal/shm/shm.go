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

package shm

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/zuoyebang/bitalosenv/internal/base"
	"github.com/zuoyebang/bitalosenv/internal/consts"
	"github.com/zuoyebang/bitalosenv/internal/manual"
	"github.com/zuoyebang/bitalosenv/internal/vfs"
)

type Kind uint8

const (
	// KindHeap is process-private memory; it cannot be attached twice.
	KindHeap Kind = iota
	// KindFile maps a region file in the environment home.
	KindFile
	// KindSystem maps a named segment under ShmDir, identified by segid.
	KindSystem
)

func (k Kind) String() string {
	switch k {
	case KindHeap:
		return "heap"
	case KindFile:
		return "file"
	case KindSystem:
		return "system"
	default:
		return "unknown"
	}
}

var ErrNotShared = errors.New("shm: heap memory cannot be attached")

// Segment is one chunk of region memory attached to this process.
type Segment struct {
	kind  Kind
	name  string
	segid int64
	fs    vfs.FS
	f     vfs.File
	buf   []byte
}

var shmDirOnce struct {
	sync.Once
	dir string
}

// ShmDir is where named system segments live: /dev/shm when it is a
// writable directory, the temp directory otherwise.
func ShmDir() string {
	shmDirOnce.Do(func() {
		shmDirOnce.dir = os.TempDir()
		fi, err := os.Stat("/dev/shm")
		if err == nil && fi.IsDir() {
			tmp, err := os.CreateTemp("/dev/shm", "bitalosenv-check-")
			if err == nil {
				tmp.Close()
				os.Remove(tmp.Name())
				shmDirOnce.dir = "/dev/shm"
			}
		}
	})
	return shmDirOnce.dir
}

// Path returns the backing file of a file or system segment.
func Path(kind Kind, name string, segid int64) string {
	if kind == KindSystem {
		return base.MakeSegmentFilepath(ShmDir(), segid)
	}
	return name
}

// Create allocates a zeroed segment of size bytes. A stale backing file left
// by a crashed environment is truncated and reused.
func Create(fs vfs.FS, kind Kind, name string, segid int64, size int) (*Segment, error) {
	if size <= 0 {
		return nil, errors.Errorf("shm: invalid segment size %d", size)
	}
	s := &Segment{kind: kind, name: name, segid: segid, fs: fs}
	if kind == KindHeap {
		s.buf = manual.New(size)
		return s, nil
	}

	path := Path(kind, name, segid)
	f, err := fs.OpenReadWrite(path, true, consts.FileMode)
	if err != nil {
		return nil, errors.Wrapf(err, "shm: create %s", path)
	}
	if err = f.Truncate(0); err == nil {
		err = vfs.Extend(f, int64(size))
	}
	if err != nil {
		f.Close()
		_ = fs.Remove(path)
		return nil, err
	}
	return s.mapFile(f, size)
}

// Attach maps an existing segment. A size of zero maps the whole file.
func Attach(fs vfs.FS, kind Kind, name string, segid int64, size int) (*Segment, error) {
	if kind == KindHeap {
		return nil, ErrNotShared
	}
	path := Path(kind, name, segid)
	f, err := fs.OpenReadWrite(path, false, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "shm: attach %s", path)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "shm: stat %s", path)
	}
	if size == 0 {
		size = int(fi.Size())
	}
	if fi.Size() < int64(size) {
		f.Close()
		return nil, errors.Errorf("shm: %s is %d bytes, want %d", path, fi.Size(), size)
	}
	s := &Segment{kind: kind, name: name, segid: segid, fs: fs}
	return s.mapFile(f, size)
}

// FromFile maps an already open backing file and takes ownership of f.
func FromFile(fs vfs.FS, kind Kind, f vfs.File, segid int64, size int) (*Segment, error) {
	s := &Segment{kind: kind, name: f.Name(), segid: segid, fs: fs}
	return s.mapFile(f, size)
}

func (s *Segment) mapFile(f vfs.File, size int) (*Segment, error) {
	buf, err := vfs.Map(f, size)
	if err != nil {
		f.Close()
		return nil, err
	}
	s.f = f
	s.buf = buf
	return s, nil
}

func (s *Segment) Kind() Kind    { return s.kind }
func (s *Segment) SegID() int64  { return s.segid }
func (s *Segment) Bytes() []byte { return s.buf }
func (s *Segment) Size() int     { return len(s.buf) }
func (s *Segment) Path() string  { return Path(s.kind, s.name, s.segid) }

func (s *Segment) File() vfs.File { return s.f }

func (s *Segment) Sync() error {
	if s.kind == KindHeap {
		return nil
	}
	return vfs.Msync(s.buf)
}

// Detach unmaps the segment from this process. Other attachers are
// unaffected.
func (s *Segment) Detach() error {
	if s.buf == nil {
		return nil
	}
	var err error
	if s.kind == KindHeap {
		manual.Free(s.buf)
	} else {
		err = vfs.Unmap(s.buf)
		if cerr := s.f.Close(); err == nil {
			err = cerr
		}
		s.f = nil
	}
	s.buf = nil
	return err
}

// Destroy detaches and removes the backing store.
func (s *Segment) Destroy() error {
	err := s.Detach()
	if s.kind == KindHeap {
		return err
	}
	if rerr := Unlink(s.fs, s.kind, s.name, s.segid); err == nil {
		err = rerr
	}
	return err
}

// Unlink removes a segment's backing file without attaching it. A missing
// file is not an error.
func Unlink(fs vfs.FS, kind Kind, name string, segid int64) error {
	if kind == KindHeap {
		return nil
	}
	path := Path(kind, name, segid)
	if err := fs.Remove(path); err != nil && !oserror.IsNotExist(err) {
		return errors.Wrapf(err, "shm: remove %s", filepath.Base(path))
	}
	return nil
}
