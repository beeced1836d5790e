// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package factor derives a session key from a set of authentication
// factors (passwords, UUIDs, HOTP codes).
//
// SetupKey enrolls a set of factors and returns a fresh key together
// with a Policy: the public parameters needed to derive the same key
// again. DeriveKey takes a policy and the corresponding factors and
// reconstructs the key. Every factor is required. Each derivation
// returns an updated policy, since some factors (HOTP) advance their
// state on use.
//
// The key is HKDF-SHA256 over the factors' materials, salted with a
// random per-policy salt. The policy records a check value derived
// from the key so that a wrong factor is reported as an error rather
// than silently producing a different key.
package factor

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"encoding/json"
	"io"

	"github.com/grailbio/mfdpg/errors"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the size of derived keys in bytes.
	KeySize = 16
	// PolicyVersion is the version of policies written by SetupKey.
	PolicyVersion = 1

	saltSize     = 32
	keyInfo      = "mfdpg key"
	checkContext = "mfdpg 2023-06-01 policy check"
)

// A Setup is a factor being enrolled into a new key.
type Setup interface {
	// ID names the factor within a policy. IDs must be unique.
	ID() string
	// Type is the kind of factor, e.g., "password".
	Type() string
	// Material returns the factor's contribution to the key.
	Material() ([]byte, error)
	// Params returns the public parameters stored in the policy. It is
	// called once the key has been derived.
	Params(key []byte) (json.RawMessage, error)
}

// A Derive is a factor presented to reconstruct a key.
type Derive interface {
	// Type is the kind of factor; it must match the policy.
	Type() string
	// Material returns the factor's contribution to the key, given
	// the parameters recorded in the policy.
	Material(params json.RawMessage) ([]byte, error)
	// Params returns the factor's parameters for the next derivation.
	// It is called once the key has been reconstructed and checked.
	Params(key []byte, params json.RawMessage) (json.RawMessage, error)
}

// Policy describes how to reconstruct a key from its factors. It
// holds no secret material and is safe to store alongside exported
// session state.
type Policy struct {
	Version int            `json:"version"`
	Size    int            `json:"size"`
	Salt    []byte         `json:"salt"`
	Factors []FactorPolicy `json:"factors"`
	Check   []byte         `json:"check"`
}

// FactorPolicy is the public state of one factor.
type FactorPolicy struct {
	ID     string          `json:"id"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params,omitempty"`
}

// SetupKey derives a new key from the given factors and returns it
// with the policy needed to derive it again.
func SetupKey(factors []Setup) ([]byte, *Policy, error) {
	if len(factors) == 0 {
		return nil, nil, errors.E(errors.Invalid, "factor: no factors")
	}
	seen := make(map[string]bool)
	for _, f := range factors {
		if f.ID() == "" || seen[f.ID()] {
			return nil, nil, errors.E(errors.Invalid, "factor: missing or duplicate factor id", f.ID())
		}
		seen[f.ID()] = true
	}
	policy := &Policy{
		Version: PolicyVersion,
		Size:    KeySize,
		Salt:    make([]byte, saltSize),
	}
	if _, err := io.ReadFull(rand.Reader, policy.Salt); err != nil {
		return nil, nil, errors.E("factor: generating salt", err)
	}
	materials := make([][]byte, len(factors))
	for i, f := range factors {
		var err error
		if materials[i], err = f.Material(); err != nil {
			return nil, nil, errors.E("factor: setting up", f.ID(), err)
		}
	}
	key, err := combine(policy, materials)
	if err != nil {
		return nil, nil, err
	}
	for _, f := range factors {
		params, err := f.Params(key)
		if err != nil {
			return nil, nil, errors.E("factor: setting up", f.ID(), err)
		}
		policy.Factors = append(policy.Factors, FactorPolicy{ID: f.ID(), Type: f.Type(), Params: params})
	}
	policy.Check = check(key)
	return key, policy, nil
}

// DeriveKey reconstructs the key described by policy from factors,
// keyed by factor ID. Factors that fail to reconstruct the key yield
// an error of kind errors.KeyDerivation. DeriveKey returns the policy
// to use for the next derivation; the passed-in policy is not
// modified.
func DeriveKey(policy *Policy, factors map[string]Derive) ([]byte, *Policy, error) {
	if policy == nil {
		return nil, nil, errors.E(errors.Invalid, "factor: nil policy")
	}
	if policy.Version != PolicyVersion {
		return nil, nil, errors.E(errors.Invalid, "factor: unsupported policy version")
	}
	if policy.Size <= 0 || len(policy.Salt) == 0 || len(policy.Factors) == 0 {
		return nil, nil, errors.E(errors.Integrity, "factor: incomplete policy")
	}
	known := make(map[string]bool)
	for _, fp := range policy.Factors {
		known[fp.ID] = true
	}
	for id := range factors {
		if !known[id] {
			return nil, nil, errors.E(errors.Invalid, "factor: factor", id, "is not part of the policy")
		}
	}
	materials := make([][]byte, len(policy.Factors))
	for i, fp := range policy.Factors {
		f, ok := factors[fp.ID]
		if !ok {
			return nil, nil, errors.E(errors.KeyDerivation, "factor: missing factor", fp.ID)
		}
		if f.Type() != fp.Type {
			return nil, nil, errors.E(errors.Invalid, "factor:", fp.ID, "is a", fp.Type, "factor, not", f.Type())
		}
		var err error
		if materials[i], err = f.Material(fp.Params); err != nil {
			return nil, nil, errors.E(errors.KeyDerivation, "factor: deriving", fp.ID, err)
		}
	}
	key, err := combine(policy, materials)
	if err != nil {
		return nil, nil, err
	}
	if subtle.ConstantTimeCompare(check(key), policy.Check) != 1 {
		return nil, nil, errors.E(errors.KeyDerivation, "factor: factors do not reconstruct the key")
	}
	next := *policy
	next.Factors = make([]FactorPolicy, len(policy.Factors))
	for i, fp := range policy.Factors {
		params, err := factors[fp.ID].Params(key, fp.Params)
		if err != nil {
			return nil, nil, errors.E("factor: updating", fp.ID, err)
		}
		next.Factors[i] = FactorPolicy{ID: fp.ID, Type: fp.Type, Params: params}
	}
	return key, &next, nil
}

func combine(policy *Policy, materials [][]byte) ([]byte, error) {
	var ikm []byte
	for _, m := range materials {
		ikm = binary.AppendUvarint(ikm, uint64(len(m)))
		ikm = append(ikm, m...)
	}
	key := make([]byte, policy.Size)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, policy.Salt, []byte(keyInfo)), key); err != nil {
		return nil, errors.E(errors.Invalid, "factor: key size", err)
	}
	return key, nil
}

func check(key []byte) []byte {
	out := make([]byte, 32)
	blake3.DeriveKey(checkContext, key, out)
	return out
}

// WithID returns a setup factor identical to f but named id, so that
// several factors of the same type can be enrolled.
func WithID(f Setup, id string) Setup {
	return renamed{f, id}
}

type renamed struct {
	Setup
	id string
}

func (r renamed) ID() string { return r.id }
