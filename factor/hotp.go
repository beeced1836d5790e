// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package factor

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math/big"

	"github.com/grailbio/mfdpg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const (
	// TypeHOTP is the type of HOTP (RFC 4226) factors.
	TypeHOTP = "hotp"
	// DefaultDigits is the default number of digits in an HOTP code.
	DefaultDigits = 6

	// minSecretSize is the smallest accepted shared secret. RFC 4226
	// (R6) recommends at least 16 bytes; shorter secrets are accepted
	// for compatibility with existing tokens.
	minSecretSize = 1
	padInfo       = "mfdpg hotp pad"
)

// hotpParams is the public state of an HOTP factor. The factor
// contributes a fixed random target to the key; the policy stores the
// offset from the next expected code to that target, and the HOTP
// secret sealed under the derived key so that the offset can be
// recomputed for the following counter once the key is known.
type hotpParams struct {
	Digits  int    `json:"digits"`
	Counter uint64 `json:"counter"`
	Offset  uint32 `json:"offset"`
	Pad     []byte `json:"pad"`
}

// HOTPCode returns the RFC 4226 code for secret at counter, truncated
// to digits decimal digits.
func HOTPCode(secret []byte, counter uint64, digits int) uint32 {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], counter)
	mac := hmac.New(sha1.New, secret)
	mac.Write(buf[:])
	sum := mac.Sum(nil)
	off := sum[len(sum)-1] & 0x0f
	trunc := binary.BigEndian.Uint32(sum[off:off+4]) & 0x7fffffff
	return trunc % modulus(digits)
}

func modulus(digits int) uint32 {
	m := uint32(1)
	for i := 0; i < digits; i++ {
		m *= 10
	}
	return m
}

func checkDigits(digits int) error {
	if digits < 6 || digits > 8 {
		return errors.E(errors.Invalid, fmt.Sprintf("hotp: %d digits, want 6 to 8", digits))
	}
	return nil
}

type hotpSetup struct {
	secret []byte
	digits int
	target uint32
}

// HOTP returns an HOTP factor with ID "hotp" for the given shared
// secret. The first derivation expects the code for counter 1; each
// derivation advances the counter by one.
//
// The secret must not be empty. RFC 4226 requires a secret of at
// least 128 bits and recommends 160; HOTP does not enforce this, so
// that tokens provisioned with shorter secrets can be enrolled, but
// such secrets are correspondingly easier to brute force.
func HOTP(secret []byte, digits int) Setup {
	return &hotpSetup{secret: secret, digits: digits}
}

func (*hotpSetup) ID() string   { return TypeHOTP }
func (*hotpSetup) Type() string { return TypeHOTP }

func (h *hotpSetup) Material() ([]byte, error) {
	if len(h.secret) < minSecretSize {
		return nil, errors.E(errors.Invalid, "hotp: empty secret")
	}
	if err := checkDigits(h.digits); err != nil {
		return nil, err
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(modulus(h.digits))))
	if err != nil {
		return nil, errors.E("hotp: choosing target", err)
	}
	h.target = uint32(n.Int64())
	return hotpMaterial(h.target, h.digits), nil
}

func (h *hotpSetup) Params(key []byte) (json.RawMessage, error) {
	pad, err := seal(key, h.secret)
	if err != nil {
		return nil, err
	}
	p := hotpParams{Digits: h.digits, Counter: 1, Pad: pad}
	p.Offset = offset(h.target, HOTPCode(h.secret, p.Counter, h.digits), h.digits)
	return json.Marshal(p)
}

type hotpDerive struct {
	code   uint32
	target uint32
}

// DeriveHOTP returns the HOTP factor used to derive a key, given the
// code the authenticator shows for the policy's current counter.
func DeriveHOTP(code uint32) Derive {
	return &hotpDerive{code: code}
}

func (*hotpDerive) Type() string { return TypeHOTP }

func (h *hotpDerive) Material(params json.RawMessage) ([]byte, error) {
	p, err := parseHOTP(params)
	if err != nil {
		return nil, err
	}
	mod := modulus(p.Digits)
	if h.code >= mod {
		return nil, errors.E(errors.Invalid, fmt.Sprintf("hotp: code has more than %d digits", p.Digits))
	}
	h.target = (h.code + p.Offset) % mod
	return hotpMaterial(h.target, p.Digits), nil
}

func (h *hotpDerive) Params(key []byte, params json.RawMessage) (json.RawMessage, error) {
	p, err := parseHOTP(params)
	if err != nil {
		return nil, err
	}
	secret, err := open(key, p.Pad)
	if err != nil {
		return nil, err
	}
	p.Counter++
	p.Offset = offset(h.target, HOTPCode(secret, p.Counter, p.Digits), p.Digits)
	return json.Marshal(p)
}

func parseHOTP(params json.RawMessage) (hotpParams, error) {
	var p hotpParams
	if err := json.Unmarshal(params, &p); err != nil {
		return p, errors.E(errors.Integrity, "hotp: parsing params", err)
	}
	if err := checkDigits(p.Digits); err != nil {
		return p, errors.E(errors.Integrity, err)
	}
	if p.Offset >= modulus(p.Digits) {
		return p, errors.E(errors.Integrity, "hotp: offset out of range")
	}
	return p, nil
}

func hotpMaterial(target uint32, digits int) []byte {
	return []byte(fmt.Sprintf("%0*d", digits, target))
}

func offset(target, code uint32, digits int) uint32 {
	mod := modulus(digits)
	return (target + mod - code) % mod
}

func padKey(key []byte) ([]byte, error) {
	k := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(padInfo)), k); err != nil {
		return nil, errors.E("hotp: deriving pad key", err)
	}
	return k, nil
}

func seal(key, secret []byte) ([]byte, error) {
	k, err := padKey(key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(k)
	if err != nil {
		return nil, errors.E("hotp: sealing secret", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(secret)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.E("hotp: generating nonce", err)
	}
	return aead.Seal(nonce, nonce, secret, nil), nil
}

func open(key, pad []byte) ([]byte, error) {
	k, err := padKey(key)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(k)
	if err != nil {
		return nil, errors.E("hotp: opening secret", err)
	}
	if len(pad) < aead.NonceSize()+aead.Overhead() {
		return nil, errors.E(errors.Integrity, "hotp: truncated pad")
	}
	nonce, ct := pad[:aead.NonceSize()], pad[aead.NonceSize():]
	secret, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, errors.E(errors.Integrity, "hotp: opening secret", err)
	}
	return secret, nil
}
