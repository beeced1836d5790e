// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mfdpg

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"strconv"

	"github.com/grailbio/mfdpg/errors"
)

// A Slot is a (domain, counter) pair. The password of a domain is
// derived from its active slot: the lowest-numbered slot whose key is
// not in the revocation tracker.
type Slot struct {
	Domain  string
	Counter int
	// Key is the slot's entry in the revocation tracker: its
	// hex-encoded digest. Key may be passed to Check and RevokeKey.
	Key string

	digest []byte
}

// slotMessage encodes a slot as uvarint(len(domain)) || domain ||
// uvarint(counter), so that no two slots share a message. This
// intentionally differs from the plain domain || decimal(counter)
// concatenation, under which ("a1", 1) and ("a", 11) collide, so
// passwords are not interchangeable with that encoding.
func slotMessage(domain string, counter int) []byte {
	b := make([]byte, 0, 2*binary.MaxVarintLen64+len(domain))
	b = binary.AppendUvarint(b, uint64(len(domain)))
	b = append(b, domain...)
	return binary.AppendUvarint(b, uint64(counter))
}

type digestFunc func(ctx context.Context, domain string, counter int) ([]byte, error)

// findActiveSlot returns the active slot of domain. The search skips slots
// that are revoked, and slots that merely test positive through a
// filter false positive. A domain cannot have more than limit
// consumed slots unless the tracker is corrupt, so findActiveSlot
// gives up with an errors.Exhausted error after limit lookups.
func findActiveSlot(ctx context.Context, domain string, limit int, digest digestFunc, has func(key []byte) bool) (Slot, error) {
	for counter := 1; counter <= limit; counter++ {
		if err := ctx.Err(); err != nil {
			return Slot{}, errors.E(err)
		}
		d, err := digest(ctx, domain, counter)
		if err != nil {
			return Slot{}, err
		}
		key := hex.EncodeToString(d)
		if !has([]byte(key)) {
			return Slot{Domain: domain, Counter: counter, Key: key, digest: d}, nil
		}
	}
	return Slot{}, errors.E(errors.Exhausted, errors.Fatal,
		"mfdpg: no active slot within", strconv.Itoa(limit), "lookups")
}
