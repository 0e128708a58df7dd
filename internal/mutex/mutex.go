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

package mutex

import (
	"os"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/zuoyebang/bitalosenv/internal/consts"
	"github.com/zuoyebang/bitalosenv/internal/fastrand"
)

const Size = int(unsafe.Sizeof(Mutex{}))

const (
	unlocked uint32 = 0
	locked   uint32 = 1
)

var pid = uint32(os.Getpid())

// Mutex is a test-and-set lock laid out in shared memory. Every process that
// maps the memory sees the same word, so it serializes across processes as
// well as goroutines. It must not be copied after Init.
type Mutex struct {
	state uint32
	owner uint32
	nwait uint32
	nlock uint32
}

type Stats struct {
	Owner uint32
	Wait  uint32
	Lock  uint32
}

// At interprets the 16 bytes at p as a Mutex. p must be 4-byte aligned.
func At(p unsafe.Pointer) *Mutex {
	return (*Mutex)(p)
}

func (m *Mutex) Init() {
	atomic.StoreUint32(&m.owner, 0)
	atomic.StoreUint32(&m.nwait, 0)
	atomic.StoreUint32(&m.nlock, 0)
	atomic.StoreUint32(&m.state, unlocked)
}

func (m *Mutex) TryLock() bool {
	if atomic.CompareAndSwapUint32(&m.state, unlocked, locked) {
		atomic.StoreUint32(&m.owner, pid)
		atomic.AddUint32(&m.nlock, 1)
		return true
	}
	return false
}

// Lock waits without bound. A holder that died keeps the lock; recovery is
// the only way out of that state.
func (m *Mutex) Lock() {
	if m.TryLock() {
		return
	}

	for i := 0; i < consts.MutexSpinCount; i++ {
		runtime.Gosched()
		if atomic.LoadUint32(&m.state) == unlocked && m.TryLock() {
			return
		}
	}

	atomic.AddUint32(&m.nwait, 1)
	sleep := time.Microsecond
	for {
		time.Sleep(sleep + time.Duration(fastrand.Uint32n(uint32(sleep/2)+1)))
		if atomic.LoadUint32(&m.state) == unlocked && m.TryLock() {
			return
		}
		if sleep *= 2; sleep > consts.MutexSleepMaxTime {
			sleep = consts.MutexSleepMaxTime
		}
	}
}

func (m *Mutex) Unlock() {
	atomic.StoreUint32(&m.owner, 0)
	if !atomic.CompareAndSwapUint32(&m.state, locked, unlocked) {
		panic("mutex: unlock of unlocked mutex")
	}
}

func (m *Mutex) Locked() bool {
	return atomic.LoadUint32(&m.state) == locked
}

func (m *Mutex) Stats() Stats {
	return Stats{
		Owner: atomic.LoadUint32(&m.owner),
		Wait:  atomic.LoadUint32(&m.nwait),
		Lock:  atomic.LoadUint32(&m.nlock),
	}
}
