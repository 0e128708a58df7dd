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

package bitcrypt

import (
	"io"
	"sync"

	"github.com/cockroachdb/errors"
)

// Writer encrypts everything written past headerSize bytes of the
// underlying file. Each call seeks the keystream, so writes may come in any
// order.
type Writer struct {
	mu  sync.Mutex
	w   io.WriterAt
	enc *Encryptor
	buf []byte
}

func NewWriter(w io.WriterAt, password []byte, headerSize uint64) (*Writer, error) {
	enc, err := NewEncryptor(password, headerSize)
	if err != nil {
		return nil, err
	}
	return &Writer{w: w, enc: enc}, nil
}

func (w *Writer) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Newf("bitcrypt: negative offset %d", off)
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	hs := w.enc.HeaderSize()
	n := 0
	if uint64(off) < hs {
		plain := p
		if rest := hs - uint64(off); uint64(len(plain)) > rest {
			plain = plain[:rest]
		}
		m, err := w.w.WriteAt(plain, off)
		n += m
		if err != nil {
			return n, err
		}
		p = p[len(plain):]
		off += int64(len(plain))
	}
	if len(p) == 0 {
		return n, nil
	}

	if err := w.enc.SetStreamOffset(uint64(off) - hs); err != nil {
		return n, err
	}
	if cap(w.buf) < len(p) {
		w.buf = make([]byte, len(p))
	}
	buf := w.buf[:len(p)]
	if err := w.enc.Encrypt(buf, p); err != nil {
		return n, err
	}
	m, err := w.w.WriteAt(buf, off)
	return n + m, err
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.enc.Close()
	return nil
}

// Reader is the decrypting counterpart of Writer.
type Reader struct {
	mu  sync.Mutex
	r   io.ReaderAt
	dec *Decryptor
}

func NewReader(r io.ReaderAt, password []byte, headerSize uint64) (*Reader, error) {
	dec, err := NewDecryptor(password, headerSize)
	if err != nil {
		return nil, err
	}
	return &Reader{r: r, dec: dec}, nil
}

func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.Newf("bitcrypt: negative offset %d", off)
	}
	n, rerr := r.r.ReadAt(p, off)

	r.mu.Lock()
	defer r.mu.Unlock()
	hs := r.dec.HeaderSize()
	start := 0
	if uint64(off) < hs {
		if rest := hs - uint64(off); uint64(n) > rest {
			start = int(rest)
		} else {
			start = n
		}
	}
	if start < n {
		cipherOff := uint64(off) + uint64(start) - hs
		if err := r.dec.SetStreamOffset(cipherOff); err != nil {
			return 0, err
		}
		if err := r.dec.Decrypt(p[start:n], p[start:n]); err != nil {
			return 0, err
		}
	}
	return n, rerr
}

func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dec.Close()
	return nil
}
