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
	"os"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/alphadose/haxmap"
	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/zuoyebang/bitalosenv/internal/base"
	"github.com/zuoyebang/bitalosenv/internal/consts"
	"github.com/zuoyebang/bitalosenv/internal/shalloc"
	"github.com/zuoyebang/bitalosenv/internal/shm"
	"github.com/zuoyebang/bitalosenv/internal/utils"
	"github.com/zuoyebang/bitalosenv/internal/vfs"
)

var errRetry = errors.New("region: environment went away during join")

type Config struct {
	FS   vfs.FS
	Home string
	// Kind selects the backing store of a new environment. A joiner
	// follows whatever the creator chose.
	Kind      shm.Kind
	ShmKey    int64
	EnvSize   int
	Mode      os.FileMode
	Create    bool
	InitFlags uint32
	NoLocking bool
	Logger    base.Logger
	OnEvent   func(Event)
}

func (c *Config) ensureDefaults() {
	if c.FS == nil {
		c.FS = vfs.Default
	}
	if c.EnvSize <= 0 {
		c.EnvSize = consts.EnvRegionSize
	}
	if c.Mode == 0 {
		c.Mode = consts.FileMode
	}
	if c.Logger == nil {
		c.Logger = base.DefaultLogger
	}
	if c.Kind != shm.KindSystem {
		c.ShmKey = InvalidSegID
	}
}

// Env is one handle's attachment to an environment: the mapped REGENV and
// every region this handle has attached since.
type Env struct {
	cfg     Config
	kind    shm.Kind
	locking bool
	created bool
	closed  bool

	// rendezvous is the open __db.001, kept for the teardown lock.
	rendezvous vfs.File
	seg        *shm.Segment
	hdr        *envHeader
	info       *Info
	regions    *haxmap.Map[uint32, *Info]

	// heap holds the segments of a private environment until destroy.
	heap []*shm.Segment
}

// Open creates or joins the environment in cfg.Home. Exactly one of any set
// of racing creators wins the exclusive create of __db.001; the rest join
// once the winner publishes the header magic.
func Open(cfg Config) (*Env, error) {
	cfg.ensureDefaults()

	if cfg.Kind == shm.KindHeap {
		if !cfg.Create {
			return nil, base.MarkInvalid("bitalosenv: private environment must be created")
		}
		seg, err := shm.Create(cfg.FS, shm.KindHeap, "", InvalidSegID, cfg.EnvSize)
		if err != nil {
			return nil, base.Mark(err, base.ErrOutOfMemory)
		}
		e := newEnv(cfg, seg, nil)
		if err = e.initHeader(); err != nil {
			_ = seg.Detach()
			return nil, err
		}
		e.emit(EventCreated, e.info.stat(), "")
		return e, nil
	}

	path := base.MakeRegionFilepath(cfg.Home, EnvID)
	var err error
	for i := 0; i < consts.OpenRetryCount; i++ {
		if cfg.Create {
			f, cerr := cfg.FS.CreateExclusive(path, cfg.Mode)
			if cerr == nil {
				return create(cfg, path, f)
			}
			if !oserror.IsExist(cerr) {
				return nil, base.MarkIO(cerr, "bitalosenv: create %s", path)
			}
		}

		var e *Env
		if e, err = join(cfg, path); err == nil {
			return e, nil
		}
		if !errors.Is(err, errRetry) {
			return nil, err
		}
		cfg.Logger.Warnf("retrying open of %s: %v", path, err)
	}
	return nil, base.Mark(err, base.ErrRunRecovery)
}

func newEnv(cfg Config, seg *shm.Segment, rendezvous vfs.File) *Env {
	return &Env{
		cfg:        cfg,
		kind:       seg.Kind(),
		locking:    !cfg.NoLocking,
		rendezvous: rendezvous,
		seg:        seg,
		hdr:        (*envHeader)(unsafe.Pointer(&seg.Bytes()[0])),
		regions:    haxmap.New[uint32, *Info](),
	}
}

func create(cfg Config, path string, f vfs.File) (_ *Env, err error) {
	var seg *shm.Segment
	defer func() {
		if err == nil {
			return
		}
		if seg != nil {
			_ = seg.Destroy()
		}
		f.Close()
		_ = cfg.FS.Remove(path)
	}()

	if err = vfs.Flock(f, true, 0); err != nil {
		return nil, base.MarkIO(err, "bitalosenv: lock %s", path)
	}

	if cfg.Kind == shm.KindSystem {
		seg, err = shm.Create(cfg.FS, shm.KindSystem, "", cfg.ShmKey, cfg.EnvSize)
		if err != nil {
			return nil, markCreate(err, "bitalosenv: create segment %d", cfg.ShmKey)
		}
	} else {
		if err = vfs.Extend(f, int64(cfg.EnvSize)); err != nil {
			return nil, markCreate(err, "bitalosenv: size %s", path)
		}
		g, oerr := cfg.FS.OpenReadWrite(path, false, 0)
		if oerr != nil {
			return nil, base.MarkIO(oerr, "bitalosenv: open %s", path)
		}
		seg, err = shm.FromFile(cfg.FS, shm.KindFile, g, InvalidSegID, cfg.EnvSize)
		if err != nil {
			return nil, base.MarkIO(err, "bitalosenv: map %s", path)
		}
	}

	e := newEnv(cfg, seg, f)
	if err = e.initHeader(); err != nil {
		return nil, err
	}

	if seg.Kind() == shm.KindSystem {
		if _, err = f.WriteAt(encodeRef(uint32(cfg.EnvSize), cfg.ShmKey), 0); err == nil {
			err = f.Sync()
		}
		if err != nil {
			return nil, base.MarkIO(err, "bitalosenv: write reference %s", path)
		}
	}
	if err = vfs.Funlock(f); err != nil {
		return nil, base.MarkIO(err, "bitalosenv: unlock %s", path)
	}

	e.emit(EventCreated, e.info.stat(), seg.Path())
	return e, nil
}

// initHeader formats a zeroed REGENV and the environment's own REGION.
// Magic is stored last: a reader that sees it sees everything before it.
func (e *Env) initHeader() error {
	h := e.hdr
	h.mutex.Init()
	h.panic = 0
	h.major = consts.VersionMajor
	h.minor = consts.VersionMinor
	h.patch = consts.VersionPatch
	h.initFlags = e.cfg.InitFlags
	h.refcnt = 1
	h.shmKey = e.cfg.ShmKey

	buf := e.seg.Bytes()
	arena, err := shalloc.Init(buf, uint32(EnvHeaderSize))
	if err != nil {
		return base.Mark(err, base.ErrOutOfMemory)
	}
	off, err := arena.Alloc(descSize, 8)
	if err != nil {
		return base.Mark(err, base.ErrOutOfMemory)
	}
	d := (*regionDesc)(unsafe.Pointer(&buf[off]))
	d.mutex.Init()
	d.typ = TypeEnv
	d.id = EnvID
	d.size = uint64(len(buf))
	d.primary = uint32(EnvHeaderSize)
	d.refcnt = 1
	d.segid = e.cfg.ShmKey
	d.link = 0
	atomic.StoreUint32(&d.magic, consts.RegionMagic)
	h.regionHead = off

	e.created = true
	e.info = e.envInfo(d, off, arena)
	h.storeMagic(consts.EnvMagic)
	return nil
}

func (e *Env) envInfo(d *regionDesc, off uint32, arena *shalloc.Arena) *Info {
	buf := e.seg.Bytes()
	return &Info{
		env:     e,
		typ:     TypeEnv,
		id:      EnvID,
		created: e.created,
		rp:      d,
		rpOff:   off,
		mu:      &e.hdr.mutex,
		seg:     e.seg,
		arena:   arena,
		base:    unsafe.Pointer(&buf[0]),
		size:    uint32(len(buf)),
	}
}

func join(cfg Config, path string) (*Env, error) {
	f, err := cfg.FS.OpenReadWrite(path, false, 0)
	if err != nil {
		if oserror.IsNotExist(err) {
			if cfg.Create {
				return nil, errRetry
			}
			return nil, base.Mark(errors.Newf("bitalosenv: no environment in %s", cfg.Home), base.ErrNotFound)
		}
		return nil, base.MarkIO(err, "bitalosenv: open %s", path)
	}

	seg, err := waitForCreator(cfg, path, f)
	if err != nil {
		if seg != nil {
			_ = seg.Detach()
		}
		f.Close()
		return nil, err
	}

	e := newEnv(cfg, seg, f)
	if err = e.attachHeader(); err != nil {
		_ = seg.Detach()
		f.Close()
		return nil, err
	}
	e.emit(EventJoined, e.info.stat(), seg.Path())
	return e, nil
}

// waitForCreator polls until the creator has published the header. The
// creator holds an exclusive flock on __db.001 until then, so a zero magic
// with the lock free means the creator died or the environment is being
// removed.
func waitForCreator(cfg Config, path string, f vfs.File) (*shm.Segment, error) {
	var seg *shm.Segment
	var err error
	delay := consts.JoinSpinMinDelay
	for i := 0; i < consts.JoinSpinCount; i++ {
		if seg == nil {
			if seg, err = mapRendezvous(cfg, f); err != nil {
				return nil, err
			}
		}
		if seg != nil && (*envHeader)(unsafe.Pointer(&seg.Bytes()[0])).loadMagic() != 0 {
			return seg, nil
		}

		if i >= 2 {
			held, lerr := vfs.LockHeld(f)
			if lerr != nil {
				return seg, base.MarkIO(lerr, "bitalosenv: check lock on %s", path)
			}
			if !held {
				if seg == nil {
					if seg, err = mapRendezvous(cfg, f); err != nil {
						return nil, err
					}
				}
				if seg != nil && (*envHeader)(unsafe.Pointer(&seg.Bytes()[0])).loadMagic() != 0 {
					return seg, nil
				}
				if !sameFile(cfg.FS, path, f) {
					return seg, errRetry
				}
				return seg, base.MarkRunRecovery("bitalosenv: %s was never initialised", path)
			}
		}

		time.Sleep(delay)
		if delay *= 2; delay > consts.JoinSpinMaxDelay {
			delay = consts.JoinSpinMaxDelay
		}
	}
	return seg, base.MarkRunRecovery("bitalosenv: timed out waiting for %s to be initialised", path)
}

// mapRendezvous maps the environment named by an open __db.001. It returns a
// nil segment while the creator has not sized the file yet.
func mapRendezvous(cfg Config, f vfs.File) (*shm.Segment, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, base.MarkIO(err, "bitalosenv: stat %s", f.Name())
	}
	n := fi.Size()
	switch {
	case n < RefSize:
		return nil, nil
	case isRefSize(n):
		b := make([]byte, RefSize)
		if _, err = f.ReadAt(b, 0); err != nil {
			return nil, base.MarkIO(err, "bitalosenv: read %s", f.Name())
		}
		size, segid, ok := decodeRef(b)
		if !ok {
			return nil, base.MarkRunRecovery("bitalosenv: %s holds a corrupt reference", f.Name())
		}
		seg, err := shm.Attach(cfg.FS, shm.KindSystem, "", segid, int(size))
		if err != nil {
			if oserror.IsNotExist(err) {
				return nil, errRetry
			}
			return nil, base.MarkIO(err, "bitalosenv: attach segment %d", segid)
		}
		return seg, nil
	default:
		g, err := cfg.FS.OpenReadWrite(f.Name(), false, 0)
		if err != nil {
			if oserror.IsNotExist(err) {
				return nil, errRetry
			}
			return nil, base.MarkIO(err, "bitalosenv: open %s", f.Name())
		}
		seg, err := shm.FromFile(cfg.FS, shm.KindFile, g, InvalidSegID, int(n))
		if err != nil {
			return nil, base.MarkIO(err, "bitalosenv: map %s", f.Name())
		}
		return seg, nil
	}
}

func sameFile(fs vfs.FS, path string, f vfs.File) bool {
	a, err := fs.Stat(path)
	if err != nil {
		return false
	}
	b, err := f.Stat()
	if err != nil {
		return false
	}
	return os.SameFile(a, b)
}

// attachHeader validates a published REGENV and takes a reference on it.
func (e *Env) attachHeader() error {
	h := e.hdr
	if m := h.loadMagic(); m != consts.EnvMagic {
		return base.MarkRunRecovery("bitalosenv: bad environment magic %#x", m)
	}
	if h.major != consts.VersionMajor || h.minor != consts.VersionMinor {
		return base.MarkRunRecovery("bitalosenv: environment version %d.%d.%d, library version %d.%d.%d",
			h.major, h.minor, h.patch, consts.VersionMajor, consts.VersionMinor, consts.VersionPatch)
	}
	arena, err := shalloc.Open(e.seg.Bytes(), uint32(EnvHeaderSize))
	if err != nil {
		return base.Mark(err, base.ErrRunRecovery)
	}

	e.lockEnv()
	defer e.unlockEnv()
	if h.loadMagic() == 0 {
		return errRetry
	}
	if atomic.LoadUint32(&h.panic) != 0 {
		return base.MarkRunRecovery("bitalosenv: environment has panicked")
	}
	off := h.regionHead
	if off == 0 || off+descSize > uint32(len(e.seg.Bytes())) {
		return base.MarkRunRecovery("bitalosenv: corrupt region list head %d", off)
	}
	d := (*regionDesc)(unsafe.Pointer(&e.seg.Bytes()[off]))
	if !d.valid() || d.typ != TypeEnv || d.id != EnvID {
		return base.MarkRunRecovery("bitalosenv: first region is not the environment region")
	}
	h.refcnt++
	d.refcnt++
	e.info = e.envInfo(d, off, arena)
	return nil
}

func (e *Env) lockEnv() {
	if e.locking {
		e.hdr.mutex.Lock()
	}
}

func (e *Env) unlockEnv() {
	if e.locking {
		e.hdr.mutex.Unlock()
	}
}

func (e *Env) emit(kind EventKind, st Stat, path string) {
	if e.cfg.OnEvent != nil {
		e.cfg.OnEvent(Event{Kind: kind, Stat: st, Path: path})
	}
}

func (e *Env) Created() bool     { return e.created }
func (e *Env) Kind() shm.Kind    { return e.kind }
func (e *Env) Home() string      { return e.cfg.Home }
func (e *Env) EnvInfo() *Info    { return e.info }
func (e *Env) InitFlags() uint32 { return atomic.LoadUint32(&e.hdr.initFlags) }
func (e *Env) ShmKey() int64     { return e.hdr.shmKey }

func (e *Env) Refcnt() uint32 {
	return atomic.LoadUint32(&e.hdr.refcnt)
}

// SetPanic marks the environment dead for every attached process. It takes
// no lock: the word only ever goes from zero to one.
func (e *Env) SetPanic() {
	atomic.StoreUint32(&e.hdr.panic, 1)
}

func (e *Env) Panicked() bool {
	return atomic.LoadUint32(&e.hdr.panic) != 0
}

// Attach finds the region of the given type, or id when id is not
// InvalidID, and maps it. If it is absent and flags allow, a region of size
// bytes is created; the creator gets it back locked and must publish the
// primary with SetPrimary before calling Unlock.
func (e *Env) Attach(typ Type, id uint32, flags Flags, size int) (*Info, error) {
	if e.closed {
		return nil, base.MarkInvalid("bitalosenv: attach on closed environment")
	}
	if typ == TypeInvalid || typ == TypeEnv || id == EnvID {
		return nil, base.MarkInvalid("bitalosenv: cannot attach %s region %d", typ, id)
	}

	e.lockEnv()
	d, off, ids, err := e.find(typ, id)
	if err != nil {
		e.unlockEnv()
		return nil, err
	}
	if d != nil {
		e.unlockEnv()
		if flags&Create != 0 {
			return nil, base.Mark(errors.Newf("bitalosenv: %s region %d exists", typ, d.id), base.ErrExists)
		}
		return e.join(d, off)
	}
	if flags&(Create|CreateOK) == 0 {
		e.unlockEnv()
		return nil, base.Mark(errors.Newf("bitalosenv: %s region not found", typ), base.ErrNotFound)
	}
	if id == InvalidID {
		id = nextID(ids)
	}
	ri, err := e.create(typ, id, size)
	e.unlockEnv()
	if err != nil {
		return nil, err
	}

	arena, err := shalloc.Init(ri.seg.Bytes(), 0)
	if err != nil {
		ri.Unlock()
		_ = e.Detach(ri)
		return nil, base.Mark(err, base.ErrOutOfMemory)
	}
	ri.arena = arena
	e.regions.Set(id, ri)
	e.emit(EventCreated, ri.stat(), ri.seg.Path())
	return ri, nil
}

// create installs a new REGION. The env lock is held; the new region's own
// lock is taken before it becomes visible in the list.
func (e *Env) create(typ Type, id uint32, size int) (*Info, error) {
	if size < consts.MinRegionSize {
		size = consts.MinRegionSize
	}
	if size > consts.MaxRegionSize {
		return nil, base.MarkInvalid("bitalosenv: region size %d too large", size)
	}

	off, err := e.info.Alloc(descSize, 8)
	if err != nil {
		return nil, err
	}
	segid := InvalidSegID
	if e.kind == shm.KindSystem {
		segid = e.hdr.shmKey + int64(id) - 1
	}
	seg, err := shm.Create(e.cfg.FS, e.kind, base.MakeRegionFilepath(e.cfg.Home, id), segid, size)
	if err != nil {
		_ = e.info.Free(off)
		return nil, markCreate(err, "bitalosenv: create %s region %d", typ, id)
	}

	if e.kind == shm.KindHeap {
		e.heap = append(e.heap, seg)
	}

	buf := e.seg.Bytes()
	d := (*regionDesc)(unsafe.Pointer(&buf[off]))
	*d = regionDesc{}
	d.mutex.Init()
	d.typ = typ
	d.id = id
	d.size = uint64(size)
	d.refcnt = 1
	d.segid = segid
	atomic.StoreUint32(&d.magic, consts.RegionMagic)

	ri := e.newInfo(d, off, seg)
	ri.created = true
	ri.Lock()
	e.link(off)
	return ri, nil
}

// markCreate classifies a failure to size new backing store. A full disk is
// reported as out of memory, like an exhausted arena.
func markCreate(err error, format string, args ...interface{}) error {
	if vfs.IsNoSpaceError(err) {
		return base.Mark(errors.Wrapf(err, format, args...), base.ErrOutOfMemory)
	}
	return base.MarkIO(err, format, args...)
}

func (e *Env) link(off uint32) {
	buf := e.seg.Bytes()
	tail := e.hdr.regionHead
	for {
		t := (*regionDesc)(unsafe.Pointer(&buf[tail]))
		if t.link == 0 {
			t.link = off
			return
		}
		tail = t.link
	}
}

func (e *Env) newInfo(d *regionDesc, off uint32, seg *shm.Segment) *Info {
	buf := seg.Bytes()
	return &Info{
		env:   e,
		typ:   d.typ,
		id:    d.id,
		rp:    d,
		rpOff: off,
		mu:    &d.mutex,
		seg:   seg,
		base:  unsafe.Pointer(&buf[0]),
		size:  uint32(len(buf)),
	}
}

func (e *Env) join(d *regionDesc, off uint32) (*Info, error) {
	var seg *shm.Segment
	var err error
	if e.kind == shm.KindHeap {
		ri, ok := e.regions.Get(d.id)
		if !ok {
			return nil, base.MarkRunRecovery("bitalosenv: private %s region %d not attached", d.typ, d.id)
		}
		seg = ri.seg
	} else {
		kind := shm.KindFile
		if d.segid != InvalidSegID {
			kind = shm.KindSystem
		}
		seg, err = shm.Attach(e.cfg.FS, kind, base.MakeRegionFilepath(e.cfg.Home, d.id), d.segid, int(d.size))
		if err != nil {
			return nil, base.MarkIO(err, "bitalosenv: attach %s region %d", d.typ, d.id)
		}
	}

	ri := e.newInfo(d, off, seg)
	ri.Lock()
	d.refcnt++
	primary := d.primary
	ri.Unlock()

	if primary == 0 {
		_ = e.Detach(ri)
		return nil, base.MarkRunRecovery("bitalosenv: %s region %d was never initialised", d.typ, d.id)
	}
	if ri.arena, err = shalloc.Open(seg.Bytes(), 0); err != nil {
		_ = e.Detach(ri)
		return nil, base.Mark(err, base.ErrRunRecovery)
	}
	if e.kind != shm.KindHeap {
		e.regions.Set(d.id, ri)
	}
	e.emit(EventJoined, ri.stat(), seg.Path())
	return ri, nil
}

// Detach drops this handle's reference and mapping. The REGION stays in the
// list until the environment is torn down.
func (e *Env) Detach(ri *Info) error {
	if ri.typ == TypeEnv {
		return base.MarkInvalid("bitalosenv: the environment region is detached by Close")
	}
	ri.Lock()
	if ri.rp.refcnt > 0 {
		ri.rp.refcnt--
	}
	ri.Unlock()

	if cur, ok := e.regions.Get(ri.id); ok && cur == ri {
		e.regions.Del(ri.id)
	}
	if e.kind == shm.KindHeap {
		return nil
	}
	return base.MarkIO(ri.seg.Detach(), "bitalosenv: detach %s region %d", ri.typ, ri.id)
}

// Close detaches every region and drops the handle's reference on the
// environment. The last handle out removes all backing store.
func (e *Env) Close() error {
	if e.closed {
		return base.MarkInvalid("bitalosenv: environment already closed")
	}
	e.closed = true

	var err error
	var attached []*Info
	e.regions.ForEach(func(_ uint32, ri *Info) bool {
		attached = append(attached, ri)
		return true
	})
	for _, ri := range attached {
		err = utils.FirstError(err, e.Detach(ri))
	}

	e.lockEnv()
	e.hdr.refcnt--
	e.info.rp.refcnt--
	last := e.hdr.refcnt == 0
	var doomed []Stat
	if last {
		if e.rendezvous != nil {
			if lerr := vfs.Flock(e.rendezvous, true, 0); lerr != nil {
				e.cfg.Logger.Errorf("lock %s for teardown: %v", e.rendezvous.Name(), lerr)
			}
		}
		doomed, _ = e.walkLocked(false)
		e.hdr.storeMagic(0)
	}
	e.unlockEnv()

	if !last {
		err = utils.FirstError(err, base.MarkIO(e.seg.Detach(), "bitalosenv: detach environment"))
		if e.rendezvous != nil {
			err = utils.FirstError(err, e.rendezvous.Close())
		}
		return err
	}

	err = utils.FirstError(err, e.destroy(doomed))
	return err
}

func (e *Env) destroy(doomed []Stat) error {
	var regions []Stat
	for _, st := range doomed {
		if st.Type != TypeEnv {
			regions = append(regions, st)
		}
	}

	var err error
	if e.kind != shm.KindHeap {
		err = unlinkRegions(e.cfg.FS, e.cfg.Home, regions)
	}
	for _, st := range regions {
		e.emit(EventRemoved, st, shm.Path(kindOf(st.SegID), base.MakeRegionFilepath(e.cfg.Home, st.ID), st.SegID))
	}

	envStat := e.info.stat()
	path := e.seg.Path()
	switch e.kind {
	case shm.KindHeap:
		for _, seg := range e.heap {
			err = utils.FirstError(err, seg.Detach())
		}
		e.heap = nil
		err = utils.FirstError(err, e.seg.Detach())
	case shm.KindSystem:
		err = utils.FirstError(err, base.MarkIO(e.seg.Destroy(), "bitalosenv: destroy environment segment"))
		err = utils.FirstError(err, base.MarkIO(e.cfg.FS.Remove(e.rendezvous.Name()), "bitalosenv: remove rendezvous"))
		err = utils.FirstError(err, e.rendezvous.Close())
	case shm.KindFile:
		err = utils.FirstError(err, base.MarkIO(e.seg.Destroy(), "bitalosenv: remove environment region"))
		err = utils.FirstError(err, e.rendezvous.Close())
	}
	e.emit(EventRemoved, envStat, path)
	return err
}

func kindOf(segid int64) shm.Kind {
	if segid == InvalidSegID {
		return shm.KindFile
	}
	return shm.KindSystem
}
