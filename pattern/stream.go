// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package pattern

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/grailbio/base/must"
	"golang.org/x/crypto/chacha20"
)

// stream is a deterministic source of uniform integers: the ChaCha20
// keystream under the SHA-256 of a seed.
type stream struct {
	c   *chacha20.Cipher
	buf [8]byte
}

func newStream(seed []byte) *stream {
	key := sha256.Sum256(seed)
	var nonce [chacha20.NonceSize]byte
	c, err := chacha20.NewUnauthenticatedCipher(key[:], nonce[:])
	must.Nil(err, "pattern: chacha20")
	return &stream{c: c}
}

func (s *stream) uint64() uint64 {
	s.buf = [8]byte{}
	s.c.XORKeyStream(s.buf[:], s.buf[:])
	return binary.LittleEndian.Uint64(s.buf[:])
}

// intn returns a uniform integer in [0, n). It rejects draws from the
// incomplete final block of the uint64 range so that results are
// unbiased.
func (s *stream) intn(n int) int {
	must.True(n > 0, "pattern: intn of non-positive bound")
	bound := uint64(n)
	threshold := -bound % bound
	for {
		if v := s.uint64(); v >= threshold {
			return int(v % bound)
		}
	}
}
