// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package slowhash provides the memory-hard hash that ties a
// (domain, attempt) slot to the session secret. The default is
// argon2id; tests and callers with their own primitive supply a
// Hasher.
package slowhash

import (
	"context"

	"github.com/grailbio/mfdpg/errors"
	"golang.org/x/crypto/argon2"
)

// A Hasher computes a deterministic digest of message under salt.
// Implementations are expected to be expensive; they must be safe
// for concurrent use.
type Hasher interface {
	Hash(ctx context.Context, message, salt []byte) ([]byte, error)
}

// Func adapts an ordinary function to a Hasher.
type Func func(ctx context.Context, message, salt []byte) ([]byte, error)

// Hash implements Hasher.
func (f Func) Hash(ctx context.Context, message, salt []byte) ([]byte, error) {
	return f(ctx, message, salt)
}

// Params are argon2id parameters.
type Params struct {
	// Parallelism is the number of lanes.
	Parallelism uint8 `yaml:"parallelism"`
	// Iterations is the number of passes over memory.
	Iterations uint32 `yaml:"iterations"`
	// Memory is the memory cost in KiB.
	Memory uint32 `yaml:"memory"`
	// Length is the digest length in bytes.
	Length uint32 `yaml:"length"`
}

// DefaultParams are the parameters used to derive slot digests:
// one lane, two passes over 24 MiB, 32-byte digests.
var DefaultParams = Params{
	Parallelism: 1,
	Iterations:  2,
	Memory:      24576,
	Length:      32,
}

// Validate checks that p can be used with argon2id.
func (p Params) Validate() error {
	switch {
	case p.Parallelism == 0:
		return errors.E(errors.Invalid, "slowhash: parallelism must be positive")
	case p.Iterations == 0:
		return errors.E(errors.Invalid, "slowhash: iterations must be positive")
	case p.Memory < 8*uint32(p.Parallelism):
		return errors.E(errors.Invalid, "slowhash: memory must be at least 8 KiB per lane")
	case p.Length < 16:
		return errors.E(errors.Invalid, "slowhash: digests must be at least 16 bytes")
	}
	return nil
}

// Argon2 is a Hasher computing argon2id with the given parameters.
type Argon2 struct {
	Params
}

// Hash implements Hasher. The computation itself is not interruptible;
// Hash returns early only if ctx is already done.
func (a Argon2) Hash(ctx context.Context, message, salt []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.E(err)
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	return argon2.IDKey(message, salt, a.Iterations, a.Memory, a.Parallelism, a.Length), nil
}
