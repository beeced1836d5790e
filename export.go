// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mfdpg

import (
	"context"
	"crypto/subtle"
	"encoding/json"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/writehash"
	"github.com/grailbio/mfdpg/cuckoo"
	"github.com/grailbio/mfdpg/errors"
	"github.com/grailbio/mfdpg/factor"
	"github.com/grailbio/mfdpg/revocation"
	"github.com/zeebo/blake3"
)

const tagContext = "mfdpg 2023-06-01 export tag"

// Exported is the persistent state of a session. It holds no secret:
// the policy describes how to derive the secret from factors, and the
// filter holds only digests. Tag authenticates the filter under the
// secret, so that a filter cannot be imported into a session it does
// not belong to.
type Exported struct {
	Policy *factor.Policy  `json:"policy"`
	Filter cuckoo.Snapshot `json:"filter"`
	Tag    []byte          `json:"tag"`
}

// Export returns the session's persistent state.
func (s *Session) Export() (*Exported, error) {
	if err := s.rlock(context.Background()); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	snap := s.tracker.Snapshot()
	tag, err := exportTag(s.secret, s.policy, snap)
	if err != nil {
		return nil, err
	}
	return &Exported{Policy: s.policy, Filter: snap, Tag: tag}, nil
}

// Import derives the secret of an exported session from factors and
// restores the session. Factors that do not derive the secret fail
// with an errors.KeyDerivation error; state whose filter does not
// belong to the secret fails with an errors.Integrity error.
//
// Some factors change the policy on each derivation; the restored
// session's Policy, and any state it exports, reflects the change.
func Import(ctx context.Context, exp *Exported, factors map[string]factor.Derive, opts ...Option) (*Session, error) {
	o, err := makeOptions(opts)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, errors.E(errors.Invalid, "mfdpg: nil exported state")
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.E(err)
	}
	key, policy, err := factor.DeriveKey(exp.Policy, factors)
	if err != nil {
		return nil, errors.E("mfdpg: deriving key", err)
	}
	return restore(key, exp, policy, o)
}

// Restore restores an exported session under an existing secret. It
// is the counterpart of New.
func Restore(secret []byte, exp *Exported, opts ...Option) (*Session, error) {
	o, err := makeOptions(opts)
	if err != nil {
		return nil, err
	}
	if exp == nil {
		return nil, errors.E(errors.Invalid, "mfdpg: nil exported state")
	}
	if len(secret) == 0 {
		return nil, errors.E(errors.Invalid, "mfdpg: empty secret")
	}
	return restore(append([]byte(nil), secret...), exp, exp.Policy, o)
}

func restore(secret []byte, exp *Exported, policy *factor.Policy, o Options) (*Session, error) {
	if len(exp.Tag) == 0 {
		return nil, errors.E(errors.Integrity, "mfdpg: exported state is not tagged")
	}
	tag, err := exportTag(secret, exp.Policy, exp.Filter)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(tag, exp.Tag) != 1 {
		return nil, errors.E(errors.Integrity, "mfdpg: revocation filter does not belong to this secret")
	}
	tracker, err := revocation.FromSnapshot(exp.Filter, revocation.Decoys(secret))
	if err != nil {
		return nil, errors.E("mfdpg: restoring revocation tracker", err)
	}
	o.Capacity = tracker.Capacity()
	o.FalsePositiveRate = exp.Filter.ErrorRate
	log.Debug.Printf("mfdpg: restored session with capacity %d", o.Capacity)
	return open(secret, policy, tracker, o), nil
}

// exportTag computes a BLAKE3 MAC, keyed by the secret, over the
// policy salt and the filter's JSON encoding. snap is passed by value
// and may be normalized in place.
func exportTag(secret []byte, policy *factor.Policy, snap cuckoo.Snapshot) ([]byte, error) {
	var key [32]byte
	blake3.DeriveKey(tagContext, secret, key[:])
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		return nil, errors.E("mfdpg: export tag", err)
	}
	var salt []byte
	if policy != nil {
		salt = policy.Salt
	}
	// Empty buckets encode as [] however the snapshot was decoded.
	buckets := make([][]uint32, len(snap.Buckets))
	for i, b := range snap.Buckets {
		buckets[i] = append([]uint32{}, b...)
	}
	snap.Buckets = buckets
	p, err := json.Marshal(snap)
	if err != nil {
		return nil, errors.E("mfdpg: encoding filter", err)
	}
	writehash.Uint64(h, uint64(len(salt)))
	h.Write(salt)
	h.Write(p)
	return h.Sum(nil), nil
}
