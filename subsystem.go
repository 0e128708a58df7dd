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

	"github.com/zuoyebang/bitalosenv/internal/region"
)

// subsystem describes one optional component of the environment. Each owns
// a region whose primary object is allocated by whichever handle creates
// the region.
type subsystem struct {
	name        string
	flag        OpenFlags
	typ         RegionType
	primarySize uint32
	// init fills a freshly allocated, zeroed primary. The region is locked
	// and not yet visible to joiners.
	init func(e *localEnv, ri *region.Info, primary unsafe.Pointer) error
	// open binds the handle to an attached region, created or joined.
	open  func(e *localEnv, ri *region.Info) error
	close func(e *localEnv) error
}

type attachment struct {
	sub *subsystem
	ri  *region.Info
}

// subsystems lists the components in attach order. Close runs in reverse.
var subsystems = []*subsystem{
	&logSubsystem,
	&mpoolSubsystem,
	&lockSubsystem,
	&txnSubsystem,
}

func subsystemName(flag OpenFlags) string {
	for _, s := range subsystems {
		if s.flag == flag {
			return s.name
		}
	}
	return "unknown"
}

func (e *localEnv) openSubsystems() error {
	for _, s := range subsystems {
		if e.flags&s.flag == 0 {
			continue
		}
		if err := e.attachSubsystem(s); err != nil {
			return err
		}
	}
	return nil
}

func (e *localEnv) attachSubsystem(s *subsystem) error {
	ri, err := e.rgn.Attach(s.typ, region.InvalidID, region.CreateOK|region.JoinOK, e.opts.regionSize(s.typ))
	if err != nil {
		return err
	}
	if ri.Created() {
		off, aerr := ri.Alloc(s.primarySize, 8)
		if aerr == nil {
			p := ri.Addr(off)
			b := unsafe.Slice((*byte)(p), s.primarySize)
			for i := range b {
				b[i] = 0
			}
			aerr = s.init(e, ri, p)
		}
		if aerr != nil {
			ri.Unlock()
			_ = e.rgn.Detach(ri)
			return aerr
		}
		ri.SetPrimary(off)
		ri.Unlock()
	}
	if err = s.open(e, ri); err != nil {
		_ = e.rgn.Detach(ri)
		return err
	}
	e.attached = append(e.attached, attachment{sub: s, ri: ri})
	return nil
}
