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
	"io"

	"github.com/cockroachdb/errors"
	"github.com/zuoyebang/bitalosenv/internal/base"
	"github.com/zuoyebang/bitalosenv/internal/logfile"
)

// recover rebuilds the file name table of a freshly created environment
// from the log. Replay is in LSN order; registrations still open at the end
// are closed, and those closes are logged so the next replay agrees.
func (e *localEnv) recover() error {
	m := e.log
	if m == nil {
		e.opts.EventListener.Notice(NoticeInfo{Event: "recovered", Home: e.home})
		return nil
	}

	nums, err := logfile.List(e.opts.FS, e.home)
	if err != nil {
		return base.MarkIO(err, "bitalosenv: list logs in %s", e.home)
	}

	defer e.opts.Logger.Cost("recover", e.home)()
	m.recovering = true
	var records int
	for i, num := range nums {
		n, rerr := e.replayFile(num)
		records += n
		if rerr != nil {
			m.recovering = false
			return rerr
		}
		e.opts.EventListener.Feedback(FeedbackInfo{Op: "recovery", Percent: (i + 1) * 100 / len(nums)})
	}
	m.recovering = false

	closed, err := m.retireAll()
	if err != nil {
		return err
	}
	e.opts.Logger.Infof("recovered %s: %d log files, %d records, %d files left open", e.home, len(nums), records, closed)
	e.opts.EventListener.Notice(NoticeInfo{Event: "recovered", Home: e.home})
	return nil
}

// replayFile applies one log file. A torn tail ends the file: later files
// were started by later environments.
func (e *localEnv) replayFile(num base.FileNum) (int, error) {
	r, err := logfile.OpenReader(e.opts.FS, e.home, num)
	if err != nil {
		return 0, base.MarkIO(err, "bitalosenv: open log %s", num)
	}
	defer r.Close()

	n := 0
	for {
		lsn, payload, err := r.Next()
		switch {
		case err == io.EOF:
			return n, nil
		case errors.Is(err, logfile.ErrTornTail):
			e.opts.Logger.Warnf("log %s: ignoring torn tail at %d: %v", num, r.Offset(), err)
			return n, nil
		case errors.Is(err, logfile.ErrCorrupt):
			return n, e.panicEnv(err)
		case err != nil:
			return n, base.MarkIO(err, "bitalosenv: read log %s", num)
		}
		if err = e.replay(lsn, payload); err != nil {
			return n, err
		}
		n++
	}
}

func (e *localEnv) replay(lsn LSN, payload []byte) error {
	if len(payload) == 0 {
		return e.panicEnv(errors.Newf("empty log record at %s", lsn))
	}

	switch payload[0] {
	case recUser:
	case recFileOpen:
		r, err := decodeFileRecord(payload)
		if err != nil {
			return e.panicEnv(errors.Wrapf(err, "log record %s", lsn))
		}
		if _, err = e.log.register(r.fileID, r.metaPgno, r.ftype, r.name, r.id); err != nil {
			return errors.Wrapf(err, "replay %s", lsn)
		}
	case recFileClose:
		r, err := decodeFileRecord(payload)
		if err != nil {
			return e.panicEnv(errors.Wrapf(err, "log record %s", lsn))
		}
		if err = e.log.unregister(r.id); err != nil {
			if !errors.Is(err, base.ErrNotFound) {
				return errors.Wrapf(err, "replay %s", lsn)
			}
			e.opts.Logger.Warnf("log record %s closes unknown file id %d", lsn, r.id)
		}
	case recTxnCommit, recTxnAbort:
		id, err := decodeTxnRecord(payload)
		if err != nil {
			return e.panicEnv(errors.Wrapf(err, "log record %s", lsn))
		}
		if e.txn != nil {
			e.txn.observe(id)
		}
	default:
		return e.panicEnv(errors.Newf("log record %s has unknown type %d", lsn, payload[0]))
	}
	return nil
}
