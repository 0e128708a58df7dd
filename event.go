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
	"github.com/cockroachdb/redact"
	"github.com/zuoyebang/bitalosenv/internal/humanize"
)

type RegionInfo struct {
	Type   RegionType
	ID     uint32
	Size   uint64
	SegID  int64
	Path   string
	Refcnt uint32
}

func (i RegionInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

func (i RegionInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	if i.SegID >= 0 {
		w.Printf("%s region %d size(%s) segid(%d) refcnt(%d) %s",
			redact.Safe(i.Type), redact.Safe(i.ID), humanize.Bytes(i.Size),
			redact.Safe(i.SegID), redact.Safe(i.Refcnt), i.Path)
		return
	}
	w.Printf("%s region %d size(%s) refcnt(%d) %s",
		redact.Safe(i.Type), redact.Safe(i.ID), humanize.Bytes(i.Size), redact.Safe(i.Refcnt), i.Path)
}

type FeedbackInfo struct {
	Op      string
	Percent int
}

func (i FeedbackInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

func (i FeedbackInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("%s %d%% complete", redact.Safe(i.Op), redact.Safe(i.Percent))
}

type NoticeInfo struct {
	Event string
	Home  string
}

func (i NoticeInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

func (i NoticeInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("environment %s: %s", i.Home, redact.Safe(i.Event))
}

type PanicInfo struct {
	Home string
	Err  error
}

func (i PanicInfo) String() string {
	return redact.StringWithoutMarkers(i)
}

func (i PanicInfo) SafeFormat(w redact.SafePrinter, _ rune) {
	w.Printf("environment %s panicked: %s", i.Home, i.Err)
}

// EventListener contains a set of functions that will be invoked when
// various environment events occur. Any of them may be nil.
type EventListener struct {
	// Error is invoked with the configured prefix and the already formatted
	// "<prefix>: <text>" message whenever an operation fails.
	Error func(prefix, msg string)

	Feedback func(FeedbackInfo)

	Notice func(NoticeInfo)

	// Panic is invoked once per handle when the environment is marked dead.
	Panic func(PanicInfo)

	RegionCreated func(RegionInfo)
	RegionJoined  func(RegionInfo)
	RegionRemoved func(RegionInfo)
}

func (l *EventListener) EnsureDefaults(logger Logger) {
	if l.Error == nil {
		if logger != nil {
			l.Error = func(_, msg string) {
				logger.Errorf("%s", msg)
			}
		} else {
			l.Error = func(string, string) {}
		}
	}
	if l.Feedback == nil {
		l.Feedback = func(info FeedbackInfo) {}
	}
	if l.Notice == nil {
		l.Notice = func(info NoticeInfo) {}
	}
	if l.Panic == nil {
		if logger != nil {
			l.Panic = func(info PanicInfo) {
				logger.Errorf("%s", info)
			}
		} else {
			l.Panic = func(info PanicInfo) {}
		}
	}
	if l.RegionCreated == nil {
		l.RegionCreated = func(info RegionInfo) {}
	}
	if l.RegionJoined == nil {
		l.RegionJoined = func(info RegionInfo) {}
	}
	if l.RegionRemoved == nil {
		l.RegionRemoved = func(info RegionInfo) {}
	}
}

func MakeLoggingEventListener(logger Logger) EventListener {
	if logger == nil {
		logger = DefaultLogger
	}

	return EventListener{
		Error: func(_, msg string) {
			logger.Errorf("%s", msg)
		},
		Feedback: func(info FeedbackInfo) {
			logger.Infof("%s", info)
		},
		Notice: func(info NoticeInfo) {
			logger.Infof("%s", info)
		},
		Panic: func(info PanicInfo) {
			logger.Errorf("%s", info)
		},
		RegionCreated: func(info RegionInfo) {
			logger.Infof("created %s", info)
		},
		RegionJoined: func(info RegionInfo) {
			logger.Infof("joined %s", info)
		},
		RegionRemoved: func(info RegionInfo) {
			logger.Infof("removed %s", info)
		},
	}
}

func TeeEventListener(a, b EventListener) EventListener {
	a.EnsureDefaults(nil)
	b.EnsureDefaults(nil)
	return EventListener{
		Error: func(prefix, msg string) {
			a.Error(prefix, msg)
			b.Error(prefix, msg)
		},
		Feedback: func(info FeedbackInfo) {
			a.Feedback(info)
			b.Feedback(info)
		},
		Notice: func(info NoticeInfo) {
			a.Notice(info)
			b.Notice(info)
		},
		Panic: func(info PanicInfo) {
			a.Panic(info)
			b.Panic(info)
		},
		RegionCreated: func(info RegionInfo) {
			a.RegionCreated(info)
			b.RegionCreated(info)
		},
		RegionJoined: func(info RegionInfo) {
			a.RegionJoined(info)
			b.RegionJoined(info)
		},
		RegionRemoved: func(info RegionInfo) {
			a.RegionRemoved(info)
			b.RegionRemoved(info)
		},
	}
}
