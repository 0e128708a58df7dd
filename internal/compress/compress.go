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

package compress

import (
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
)

type Type uint8

const (
	TypeNo Type = iota
	TypeSnappy
)

func (t Type) String() string {
	switch t {
	case TypeNo:
		return "none"
	case TypeSnappy:
		return "snappy"
	default:
		return "unknown"
	}
}

// Compressor codes log record payloads. The Type is persisted with every
// record so a reader decodes whatever the writer chose.
type Compressor interface {
	Encode(dst, src []byte) []byte
	Decode(dst, src []byte) ([]byte, error)
	Type() Type
}

var (
	NoCompressor     noCompressor
	SnappyCompressor snappyCompressor
)

func ForType(t Type) (Compressor, error) {
	switch t {
	case TypeNo:
		return NoCompressor, nil
	case TypeSnappy:
		return SnappyCompressor, nil
	default:
		return nil, errors.Errorf("compress: unknown type %d", t)
	}
}

type noCompressor struct{}

func (c noCompressor) Encode(dst, src []byte) []byte {
	return append(dst[:0], src...)
}

func (c noCompressor) Decode(dst, src []byte) ([]byte, error) {
	return append(dst[:0], src...), nil
}

func (c noCompressor) Type() Type {
	return TypeNo
}

type snappyCompressor struct{}

func (sc snappyCompressor) Encode(dst, src []byte) []byte {
	return snappy.Encode(dst, src)
}

func (sc snappyCompressor) Decode(dst, src []byte) ([]byte, error) {
	return snappy.Decode(dst, src)
}

func (sc snappyCompressor) Type() Type {
	return TypeSnappy
}
