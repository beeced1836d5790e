// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package factor

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/grailbio/mfdpg/errors"
)

// TypeUUID is the type of UUID factors: a random identifier, typically
// kept as a recovery code.
const TypeUUID = "uuid"

type uuidSetup struct {
	id  uuid.UUID
	err error
}

// UUID returns a UUID factor with ID "uuid". If s is empty, a random
// (version 4) UUID is generated; retrieve it with UUIDOf.
func UUID(s string) Setup {
	if s == "" {
		return uuidSetup{id: uuid.New()}
	}
	id, err := uuid.Parse(s)
	if err != nil {
		err = errors.E(errors.Invalid, "parsing uuid", err)
	}
	return uuidSetup{id: id, err: err}
}

// UUIDOf returns the UUID held by a setup factor returned by UUID,
// possibly wrapped by WithID.
func UUIDOf(f Setup) (string, bool) {
	if r, ok := f.(renamed); ok {
		f = r.Setup
	}
	u, ok := f.(uuidSetup)
	if !ok || u.err != nil {
		return "", false
	}
	return u.id.String(), true
}

func (uuidSetup) ID() string   { return TypeUUID }
func (uuidSetup) Type() string { return TypeUUID }

func (u uuidSetup) Material() ([]byte, error) {
	if u.err != nil {
		return nil, u.err
	}
	return u.id[:], nil
}

func (uuidSetup) Params([]byte) (json.RawMessage, error) { return nil, nil }

type uuidDerive struct{ s string }

// DeriveUUID returns the UUID factor used to derive a key.
func DeriveUUID(s string) Derive { return uuidDerive{s} }

func (uuidDerive) Type() string { return TypeUUID }

func (u uuidDerive) Material(json.RawMessage) ([]byte, error) {
	id, err := uuid.Parse(u.s)
	if err != nil {
		return nil, errors.E(errors.Invalid, "parsing uuid", err)
	}
	return id[:], nil
}

func (uuidDerive) Params(_ []byte, params json.RawMessage) (json.RawMessage, error) {
	return params, nil
}
