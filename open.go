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
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/zuoyebang/bitalosenv/internal/base"
	"github.com/zuoyebang/bitalosenv/internal/consts"
	"github.com/zuoyebang/bitalosenv/internal/region"
	"github.com/zuoyebang/bitalosenv/internal/shm"
	"github.com/zuoyebang/bitalosenv/internal/utils"
)

func (e *localEnv) Open(home string, flags OpenFlags, mode os.FileMode) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.opened || e.closed {
		return e.report(base.MarkInvalid("bitalosenv: environment handle already used"))
	}
	if err := checkOpenFlags(flags); err != nil {
		return e.report(err)
	}

	home = resolveHome(home, flags)
	if err := readConfig(e.opts, home); err != nil {
		return e.report(err)
	}
	cfg, err := e.regionConfig(home, flags, mode)
	if err != nil {
		return e.report(err)
	}

	if flags&FlagRecover != 0 {
		if err = region.Remove(cfg, true); err != nil {
			return e.report(err)
		}
	}

	rgn, err := region.Open(cfg)
	if err != nil {
		return e.report(err)
	}
	e.rgn = rgn
	e.home = home
	if !rgn.Created() && flags&FlagJoinEnv != 0 {
		flags |= OpenFlags(rgn.InitFlags()) & flagInitAll
	}
	e.flags = flags

	if err = e.openSubsystems(); err == nil && flags&FlagRecover != 0 {
		err = e.recover()
	}
	if err != nil {
		if terr := e.teardown(); terr != nil {
			e.opts.Logger.Errorf("close %s after failed open: %v", home, terr)
		}
		e.flags = 0
		return e.report(err)
	}

	e.opened = true
	return nil
}

func checkOpenFlags(flags OpenFlags) error {
	switch {
	case flags&^flagOpenAll != 0:
		return base.MarkInvalid("bitalosenv: unknown open flags %#x", uint32(flags&^flagOpenAll))
	case flags&FlagRecover != 0 && flags&FlagCreate == 0:
		return base.MarkInvalid("bitalosenv: RECOVER requires CREATE")
	case flags&FlagPrivate != 0 && flags&FlagSystemMem != 0:
		return base.MarkInvalid("bitalosenv: PRIVATE and SYSTEM_MEM are exclusive")
	case flags&FlagPrivate != 0 && flags&FlagCreate == 0:
		return base.MarkInvalid("bitalosenv: PRIVATE requires CREATE")
	}
	return nil
}

func resolveHome(home string, flags OpenFlags) string {
	if home == "" && flags&FlagUseEnviron != 0 {
		home = os.Getenv(consts.EnvHomeEnvVar)
	}
	if home == "" {
		home = "."
	}
	return home
}

func (e *localEnv) regionConfig(home string, flags OpenFlags, mode os.FileMode) (region.Config, error) {
	cfg := region.Config{
		FS:        e.opts.FS,
		Home:      home,
		Kind:      shm.KindFile,
		EnvSize:   e.opts.EnvRegionSize,
		Mode:      fileMode(mode),
		Create:    flags&FlagCreate != 0,
		InitFlags: uint32(flags & flagInitAll),
		NoLocking: e.noLocking,
		Logger:    e.opts.Logger,
		OnEvent:   e.onRegionEvent,
	}
	switch {
	case flags&FlagPrivate != 0:
		cfg.Kind = shm.KindHeap
	case flags&FlagSystemMem != 0:
		cfg.Kind = shm.KindSystem
		cfg.ShmKey = e.opts.ShmKey
		if cfg.ShmKey == 0 {
			key, err := defaultShmKey(home)
			if err != nil {
				return cfg, err
			}
			cfg.ShmKey = key
		}
	}
	return cfg, nil
}

// defaultShmKey derives a positive segment key from the absolute home, with
// room below it for the region ids added to it.
func defaultShmKey(home string) (int64, error) {
	abs, err := filepath.Abs(home)
	if err != nil {
		return 0, base.MarkIO(err, "bitalosenv: resolve %s", home)
	}
	return int64(xxhash.Sum64String(abs)>>33)<<8 + 1, nil
}

func (e *localEnv) onRegionEvent(ev region.Event) {
	info := RegionInfo{
		Type:   ev.Stat.Type,
		ID:     ev.Stat.ID,
		Size:   ev.Stat.Size,
		SegID:  ev.Stat.SegID,
		Path:   ev.Path,
		Refcnt: ev.Stat.Refcnt,
	}
	switch ev.Kind {
	case region.EventCreated:
		e.opts.EventListener.RegionCreated(info)
	case region.EventJoined:
		e.opts.EventListener.RegionJoined(info)
	case region.EventRemoved:
		e.opts.EventListener.RegionRemoved(info)
	}
}

// Close releases the handle. It is allowed on a panicked environment, and
// the last handle out removes the environment's backing store.
func (e *localEnv) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return e.report(base.MarkInvalid("bitalosenv: environment already closed"))
	}
	e.closed = true
	if !e.opened {
		return nil
	}
	return e.report(e.teardown())
}

func (e *localEnv) teardown() error {
	var err error
	for i := len(e.attached) - 1; i >= 0; i-- {
		a := e.attached[i]
		if a.sub.close != nil {
			err = utils.FirstError(err, a.sub.close(e))
		}
		err = utils.FirstError(err, e.rgn.Detach(a.ri))
	}
	e.attached = nil
	e.log, e.lock, e.txn, e.mpool = nil, nil, nil, nil

	if e.rgn.Panicked() {
		e.panicked.Store(true)
	}
	err = utils.FirstError(err, e.rgn.Close())
	e.rgn = nil
	return err
}

func (e *localEnv) Remove(home string, flags RemoveFlags) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return e.report(base.MarkInvalid("bitalosenv: Remove called on a consumed environment handle"))
	}
	if e.opened {
		return e.report(base.MarkInvalid("bitalosenv: Remove called on an open environment handle"))
	}
	e.closed = true
	if flags&^Force != 0 {
		return e.report(base.MarkInvalid("bitalosenv: unknown remove flags %#x", uint32(flags)))
	}

	home = resolveHome(home, 0)
	if err := readConfig(e.opts, home); err != nil {
		return e.report(err)
	}
	cfg, err := e.regionConfig(home, 0, 0)
	if err != nil {
		return e.report(err)
	}
	if err = region.Remove(cfg, flags&Force != 0); err != nil {
		return e.report(err)
	}
	e.opts.EventListener.Notice(NoticeInfo{Event: "removed", Home: home})
	return nil
}

func (e *localEnv) RegionStats() ([]RegionStat, error) {
	if err := e.enter(0, "RegionStats"); err != nil {
		return nil, err
	}
	defer e.leave()

	stats, err := e.rgn.Stats()
	if err != nil {
		return nil, e.report(err)
	}
	out := make([]RegionStat, 0, len(stats))
	for _, st := range stats {
		out = append(out, RegionStat{
			Type:        st.Type,
			ID:          st.ID,
			Size:        st.Size,
			Primary:     st.Primary,
			SegID:       st.SegID,
			Refcnt:      st.Refcnt,
			Used:        st.Arena.Used,
			Free:        st.Arena.Free,
			LargestFree: st.Arena.LargestFree,
		})
	}
	return out, nil
}
