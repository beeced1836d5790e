// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package mfdpg implements a multi-factor deterministic password
// generator.
//
// A Session holds a secret derived from a set of authentication
// factors (see package factor) and a revocation tracker (see package
// revocation). Passwords are never stored: the password for a domain
// is generated from the first of the domain's slots (domain, counter),
// counter = 1, 2, ..., whose slow-hash digest is not in the tracker.
// Revoking a domain adds the digest of its current slot to the
// tracker, so that the next generation moves on to the following slot
// and yields a different password.
//
// The tracker always holds exactly Capacity entries: it is created
// full of decoys derived from the secret, and each revocation swaps a
// decoy out for the revoked digest. The exported state, which holds
// the factor policy and the tracker's filter, therefore has a fixed
// size and reveals neither the secret nor how many domains have been
// revoked.
//
//	s, err := mfdpg.Create(ctx, []factor.Setup{factor.Password("password")})
//	pw, err := s.Generate(ctx, "example.com", "[a-zA-Z]{6,10}")
//	err = s.Revoke(ctx, "example.com")
//	exp, err := s.Export()
//	...
//	s, err = mfdpg.Import(ctx, exp, map[string]factor.Derive{
//		"password": factor.DerivePassword("password"),
//	})
package mfdpg
