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

	"github.com/zuoyebang/bitalosenv/internal/base"
	"github.com/zuoyebang/bitalosenv/internal/compress"
	"github.com/zuoyebang/bitalosenv/internal/consts"
	"github.com/zuoyebang/bitalosenv/internal/region"
	"github.com/zuoyebang/bitalosenv/internal/vfs"
)

type RegionType = region.Type

const (
	RegionEnv   = region.TypeEnv
	RegionLock  = region.TypeLock
	RegionLog   = region.TypeLog
	RegionMpool = region.TypeMpool
	RegionTxn   = region.TypeTxn
)

type CompressionType = compress.Type

const (
	NoCompression     = compress.TypeNo
	SnappyCompression = compress.TypeSnappy
)

type Options struct {
	FS            vfs.FS
	Logger        Logger
	LogTag        string
	Verbose       bool
	EventListener EventListener

	// ErrPrefix is prepended to every message handed to EventListener.Error.
	ErrPrefix string

	// ShmKey is the base key of the system memory segments. Zero derives a
	// key from the absolute home path.
	ShmKey int64

	EnvRegionSize   int
	LockRegionSize  int
	LogRegionSize   int
	MpoolRegionSize int
	TxnRegionSize   int

	MpoolPageSize  int
	LogCompression CompressionType

	// NoMutexLocking disables the region mutexes. Only safe for a single
	// handle.
	NoMutexLocking bool

	private struct {
		logInit bool
	}
}

func (o *Options) EnsureDefaults() *Options {
	if o == nil {
		o = &Options{}
	}
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.EnvRegionSize <= 0 {
		o.EnvRegionSize = consts.EnvRegionSize
	}
	if o.LockRegionSize <= 0 {
		o.LockRegionSize = consts.LockRegionSize
	}
	if o.LogRegionSize <= 0 {
		o.LogRegionSize = consts.LogRegionSize
	}
	if o.MpoolRegionSize <= 0 {
		o.MpoolRegionSize = consts.MpoolRegionSize
	}
	if o.TxnRegionSize <= 0 {
		o.TxnRegionSize = consts.TxnRegionSize
	}
	if o.MpoolPageSize <= 0 {
		o.MpoolPageSize = consts.MpoolPageSize
	}
	if !o.private.logInit {
		o.Logger = base.NewLogger(o.Logger, o.LogTag)
		if o.Verbose {
			o.EventListener = TeeEventListener(MakeLoggingEventListener(o.Logger), o.EventListener)
		} else {
			o.EventListener.EnsureDefaults(o.Logger)
		}
		o.private.logInit = true
	}
	return o
}

func (o *Options) Clone() *Options {
	n := &Options{}
	if o != nil {
		*n = *o
	}
	return n
}

func (o *Options) regionSize(typ RegionType) int {
	switch typ {
	case RegionEnv:
		return o.EnvRegionSize
	case RegionLock:
		return o.LockRegionSize
	case RegionLog:
		return o.LogRegionSize
	case RegionMpool:
		return o.MpoolRegionSize
	case RegionTxn:
		return o.TxnRegionSize
	}
	return 0
}

func (o *Options) setRegionSize(typ RegionType, size int) bool {
	switch typ {
	case RegionEnv:
		o.EnvRegionSize = size
	case RegionLock:
		o.LockRegionSize = size
	case RegionLog:
		o.LogRegionSize = size
	case RegionMpool:
		o.MpoolRegionSize = size
	case RegionTxn:
		o.TxnRegionSize = size
	default:
		return false
	}
	return true
}

func fileMode(mode os.FileMode) os.FileMode {
	if mode == 0 {
		return consts.FileMode
	}
	return mode
}
