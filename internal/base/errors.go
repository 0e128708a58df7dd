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

package base

import "github.com/cockroachdb/errors"

// Error kinds. Callers test with errors.Is, from either the standard library
// or cockroachdb/errors; producers attach a kind to a descriptive error with
// Mark so the message stays specific.
var (
	ErrInvalidArgument = errors.New("bitalosenv: invalid argument")
	ErrNotConfigured   = errors.New("bitalosenv: subsystem not configured")
	ErrNotFound        = errors.New("bitalosenv: not found")
	ErrExists          = errors.New("bitalosenv: already exists")
	ErrIO              = errors.New("bitalosenv: i/o error")
	ErrOutOfMemory     = errors.New("bitalosenv: unable to allocate shared memory")
	ErrRunRecovery     = errors.New("bitalosenv: fatal error, run database recovery")
	ErrNotSupported    = errors.New("bitalosenv: operation not supported")
	ErrBusy            = errors.New("bitalosenv: environment in use")
	ErrFileOpen        = errors.New("bitalosenv: file is open")
)

func MarkInvalid(format string, args ...interface{}) error {
	return Mark(errors.Newf(format, args...), ErrInvalidArgument)
}

func MarkNotFound(format string, args ...interface{}) error {
	return Mark(errors.Newf(format, args...), ErrNotFound)
}

func MarkRunRecovery(format string, args ...interface{}) error {
	return Mark(errors.Newf(format, args...), ErrRunRecovery)
}

// MarkIO classifies a backing store failure. A nil err stays nil.
func MarkIO(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return Mark(errors.Wrapf(err, format, args...), ErrIO)
}

// NotConfigured names the subsystem that was not requested at open.
func NotConfigured(subsystem string) error {
	return Mark(errors.Newf("bitalosenv: %s subsystem not configured", errors.Safe(subsystem)), ErrNotConfigured)
}

func MarkNotSupported(format string, args ...interface{}) error {
	return Mark(errors.Newf(format, args...), ErrNotSupported)
}

// Mark attaches kind to err. The result prints as err, unwraps to err and
// matches kind under errors.Is. A nil err stays nil.
func Mark(err error, kind error) error {
	if err == nil {
		return nil
	}
	return &kindError{cause: err, kind: kind}
}

type kindError struct {
	cause error
	kind  error
}

func (e *kindError) Error() string        { return e.cause.Error() }
func (e *kindError) Unwrap() error        { return e.cause }
func (e *kindError) Is(target error) bool { return target == e.kind }
