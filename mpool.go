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

	"github.com/zuoyebang/bitalosenv/internal/base"
	"github.com/zuoyebang/bitalosenv/internal/consts"
	"github.com/zuoyebang/bitalosenv/internal/region"
	"github.com/zuoyebang/bitalosenv/internal/utils"
)

type mpoolPrimary struct {
	pageSize uint32
	nbuckets uint32
	// htab is the offset of nbuckets bucket heads.
	htab   uint32
	_      uint32
	hits   uint64
	misses uint64
	pages  uint64
}

var mpoolSubsystem = subsystem{
	name:        "mpool",
	flag:        FlagInitMpool,
	typ:         RegionMpool,
	primarySize: uint32(unsafe.Sizeof(mpoolPrimary{})),
	init:        initMpool,
	open: func(e *localEnv, ri *region.Info) error {
		e.mpool = &mpoolMgr{ri: ri, mp: (*mpoolPrimary)(ri.Primary())}
		return nil
	},
}

func initMpool(e *localEnv, ri *region.Info, p unsafe.Pointer) error {
	if utils.NextPow2(e.opts.MpoolPageSize) != e.opts.MpoolPageSize {
		return base.MarkInvalid("bitalosenv: page size %d is not a power of two", e.opts.MpoolPageSize)
	}
	mp := (*mpoolPrimary)(p)
	mp.pageSize = uint32(e.opts.MpoolPageSize)
	mp.nbuckets = uint32(consts.MpoolHashBuckets)
	off, err := ri.Alloc(mp.nbuckets*4, 8)
	if err != nil {
		return err
	}
	htab := unsafe.Slice((*uint32)(ri.Addr(off)), mp.nbuckets)
	for i := range htab {
		htab[i] = 0
	}
	mp.htab = off
	return nil
}

type mpoolMgr struct {
	ri *region.Info
	mp *mpoolPrimary
}

func (e *localEnv) MpoolStat() (MpoolStat, error) {
	if err := e.enter(FlagInitMpool, "MpoolStat"); err != nil {
		return MpoolStat{}, err
	}
	defer e.leave()

	m := e.mpool
	m.ri.Lock()
	st := MpoolStat{
		PageSize: m.mp.pageSize,
		Buckets:  m.mp.nbuckets,
		Hits:     m.mp.hits,
		Misses:   m.mp.misses,
		Pages:    m.mp.pages,
	}
	as := m.ri.Arena().Stats()
	m.ri.Unlock()

	st.Used, st.Free = as.Used, as.Free
	return st, nil
}
