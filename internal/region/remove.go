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
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/errors/oserror"
	"github.com/zuoyebang/bitalosenv/internal/base"
	"github.com/zuoyebang/bitalosenv/internal/consts"
	"github.com/zuoyebang/bitalosenv/internal/shm"
	"github.com/zuoyebang/bitalosenv/internal/utils"
	"github.com/zuoyebang/bitalosenv/internal/vfs"
	"golang.org/x/exp/slices"
	"golang.org/x/sync/errgroup"
)

// Remove dismantles the environment in cfg.Home without joining it. Unless
// force is set it fails with ErrBusy while any handle is attached, and it
// waits for the environment lock. With force the lock is skipped, since its
// holder may be dead.
func Remove(cfg Config, force bool) error {
	cfg.ensureDefaults()
	if cfg.Kind == shm.KindHeap {
		return nil
	}

	path := base.MakeRegionFilepath(cfg.Home, EnvID)
	f, err := cfg.FS.OpenReadWrite(path, false, 0)
	if err != nil {
		if oserror.IsNotExist(err) {
			return removeStale(cfg)
		}
		return base.MarkIO(err, "bitalosenv: open %s", path)
	}
	defer f.Close()

	seg, err := mapRendezvous(cfg, f)
	if err != nil && !errors.Is(err, errRetry) && !errors.Is(err, base.ErrRunRecovery) {
		return err
	}
	if seg == nil || (*envHeader)(unsafe.Pointer(&seg.Bytes()[0])).loadMagic() != consts.EnvMagic {
		if !force {
			if held, _ := vfs.LockHeld(f); held {
				if seg != nil {
					_ = seg.Detach()
				}
				return base.Mark(errors.Newf("bitalosenv: environment in %s is being created", cfg.Home), base.ErrBusy)
			}
		}
		if seg != nil {
			err = utils.FirstError(nil, seg.Destroy())
		}
		return utils.FirstError(removeStale(cfg), base.MarkIO(err, "bitalosenv: remove environment"))
	}

	e := newEnv(cfg, seg, f)
	e.locking = e.locking && !force
	h := e.hdr

	e.lockEnv()
	if !force && h.refcnt > 0 {
		n := h.refcnt
		e.unlockEnv()
		_ = seg.Detach()
		return base.Mark(errors.Newf("bitalosenv: environment in %s has %d attached handles", cfg.Home, n), base.ErrBusy)
	}
	if force {
		_ = vfs.Flock(f, true, -1)
	} else if err = vfs.Flock(f, true, 0); err != nil {
		e.unlockEnv()
		_ = seg.Detach()
		return base.MarkIO(err, "bitalosenv: lock %s", path)
	}

	var regions []Stat
	_, werr := e.walk(func(d *regionDesc, _ uint32) bool {
		if d.typ != TypeEnv {
			regions = append(regions, makeStat(d, nil))
		}
		return true
	})
	h.storeMagic(0)
	e.unlockEnv()
	if werr != nil {
		cfg.Logger.Warnf("remove %s: %v; removing region files by name", cfg.Home, werr)
	}

	err = unlinkRegions(cfg.FS, cfg.Home, regions)
	err = utils.FirstError(err, base.MarkIO(seg.Destroy(), "bitalosenv: remove environment region"))
	err = utils.FirstError(err, removeStale(cfg))
	return err
}

func unlinkRegions(fs vfs.FS, home string, regions []Stat) error {
	var g errgroup.Group
	for i := range regions {
		st := regions[i]
		g.Go(func() error {
			err := shm.Unlink(fs, kindOf(st.SegID), base.MakeRegionFilepath(home, st.ID), st.SegID)
			return base.MarkIO(err, "bitalosenv: remove %s region %d", st.Type, st.ID)
		})
	}
	return g.Wait()
}

// removeStale deletes every region file in the home directory, __db.001
// last. Named segments are only reachable through a readable header, so
// they are not found here.
func removeStale(cfg Config) error {
	names, err := cfg.FS.List(cfg.Home)
	if err != nil {
		if oserror.IsNotExist(err) {
			return nil
		}
		return base.MarkIO(err, "bitalosenv: list %s", cfg.Home)
	}
	names = slices.DeleteFunc(names, func(name string) bool {
		ft, num, ok := base.ParseFilename(name)
		return !ok || ft != base.FileTypeRegion || uint32(num) == EnvID
	})

	var g errgroup.Group
	for _, name := range names {
		path := cfg.FS.PathJoin(cfg.Home, name)
		g.Go(func() error {
			if err := cfg.FS.Remove(path); err != nil && !oserror.IsNotExist(err) {
				return base.MarkIO(err, "bitalosenv: remove %s", path)
			}
			return nil
		})
	}
	err = g.Wait()

	path := base.MakeRegionFilepath(cfg.Home, EnvID)
	if rerr := cfg.FS.Remove(path); rerr != nil && !oserror.IsNotExist(rerr) {
		err = utils.FirstError(err, base.MarkIO(rerr, "bitalosenv: remove %s", path))
	}
	return err
}
