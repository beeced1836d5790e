// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package factor

import (
	"encoding/json"

	"github.com/grailbio/mfdpg/errors"
)

// TypePassword is the type of password factors.
const TypePassword = "password"

type passwordSetup struct{ pw string }

// Password returns a password factor with ID "password". Use WithID to
// enroll more than one.
func Password(pw string) Setup { return passwordSetup{pw} }

func (passwordSetup) ID() string   { return TypePassword }
func (passwordSetup) Type() string { return TypePassword }

func (p passwordSetup) Material() ([]byte, error) { return passwordMaterial(p.pw) }

func (passwordSetup) Params([]byte) (json.RawMessage, error) { return nil, nil }

type passwordDerive struct{ pw string }

// DerivePassword returns the password factor used to derive a key.
func DerivePassword(pw string) Derive { return passwordDerive{pw} }

func (passwordDerive) Type() string { return TypePassword }

func (p passwordDerive) Material(json.RawMessage) ([]byte, error) { return passwordMaterial(p.pw) }

func (passwordDerive) Params(_ []byte, params json.RawMessage) (json.RawMessage, error) {
	return params, nil
}

func passwordMaterial(pw string) ([]byte, error) {
	if pw == "" {
		return nil, errors.E(errors.Invalid, "empty password")
	}
	return []byte(pw), nil
}
