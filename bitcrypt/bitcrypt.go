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

// Package bitcrypt is a seekable AES-256-CTR stream cipher for log-like
// files whose first headerSize bytes stay in plaintext.
package bitcrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha512"
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
	"github.com/zuoyebang/bitalosenv/internal/base"
)

const (
	KeySize   = 32
	IVSize    = aes.BlockSize
	BlockSize = aes.BlockSize
)

var (
	ErrCipherInit   = errors.New("bitcrypt: cipher init failed")
	ErrSeekOverflow = errors.New("bitcrypt: stream offset overflows the counter")
)

// DeriveKey turns a password into a data key and IV seed: one round of
// SHA-512 over the password with no salt, split into key and IV. Any
// password, including an empty one, derives a key.
func DeriveKey(password []byte) (key [KeySize]byte, iv [IVSize]byte) {
	h := sha512.Sum512(password)
	copy(key[:], h[:KeySize])
	copy(iv[:], h[KeySize:KeySize+IVSize])
	for i := range h {
		h[i] = 0
	}
	return key, iv
}

// engine is the state shared by Encryptor and Decryptor. Not safe for
// concurrent use.
type engine struct {
	key        [KeySize]byte
	iv         [IVSize]byte
	headerSize uint64
	block      cipher.Block
	stream     cipher.Stream
	scratch    [BlockSize]byte
}

func (c *engine) open(password []byte, headerSize uint64) error {
	key, iv := DeriveKey(password)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return base.Mark(errors.Wrap(err, "bitcrypt: new cipher"), ErrCipherInit)
	}
	c.key, c.iv = key, iv
	c.headerSize = headerSize
	c.block = block
	c.initCipher(0)
	return nil
}

// initCipher positions the keystream at the start of the block holding
// offset, with the block counter in IV bytes 8..15, big endian.
func (c *engine) initCipher(offset uint64) {
	iv := c.iv
	binary.BigEndian.PutUint64(iv[8:], offset/BlockSize)
	c.stream = cipher.NewCTR(c.block, iv[:])
}

// SetStreamOffset moves the keystream to byte offset off of the cipher
// stream. An offset the counter cannot reach leaves the state unchanged.
func (c *engine) SetStreamOffset(off uint64) error {
	if c.block == nil {
		return errors.Wrap(ErrCipherInit, "not open")
	}
	if off > math.MaxUint64-c.headerSize {
		return errors.Wrapf(ErrSeekOverflow, "offset %d with header %d", off, c.headerSize)
	}
	c.initCipher(off)
	if rem := off % BlockSize; rem > 0 {
		c.stream.XORKeyStream(c.scratch[:rem], c.scratch[:rem])
	}
	return nil
}

func (c *engine) HeaderSize() uint64 { return c.headerSize }

// Close zeroes the key material. The engine cannot be used afterwards.
func (c *engine) Close() {
	for i := range c.key {
		c.key[i] = 0
	}
	for i := range c.iv {
		c.iv[i] = 0
	}
	c.block, c.stream = nil, nil
}

func (c *engine) transform(dst, src []byte) error {
	if c.stream == nil {
		return errors.Wrap(ErrCipherInit, "not open")
	}
	if len(dst) < len(src) {
		return errors.Newf("bitcrypt: dst of %d bytes for %d bytes of input", len(dst), len(src))
	}
	c.stream.XORKeyStream(dst[:len(src)], src)
	return nil
}

// Encryptor encrypts a stream. dst and src may be the same slice.
type Encryptor struct {
	engine
}

func NewEncryptor(password []byte, headerSize uint64) (*Encryptor, error) {
	c := &Encryptor{}
	if err := c.open(password, headerSize); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Encryptor) Encrypt(dst, src []byte) error {
	return c.transform(dst, src)
}

type Decryptor struct {
	engine
}

func NewDecryptor(password []byte, headerSize uint64) (*Decryptor, error) {
	c := &Decryptor{}
	if err := c.open(password, headerSize); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Decryptor) Decrypt(dst, src []byte) error {
	return c.transform(dst, src)
}
