// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package revocation implements a fixed-capacity revocation set.
//
// A Tracker is a cuckoo filter that always holds exactly Capacity
// entries. At creation it is filled with decoys: digests derived from
// the session secret that correspond to no real password. Revoking a
// key swaps the lowest-numbered decoy still present for the key, so
// the filter's size, and thus the size of any exported snapshot, says
// nothing about how many keys have been revoked. Once every decoy has
// been consumed the tracker refuses further revocations.
package revocation

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/grailbio/base/log"
	"github.com/grailbio/mfdpg/cuckoo"
	"github.com/grailbio/mfdpg/errors"
)

const (
	// MaxRevocations is the default capacity: the number of decoys
	// and hence the lifetime revocation budget of a session.
	MaxRevocations = 4096
	// TargetFalsePositiveRate is the default false positive rate of
	// the tracker's filter.
	TargetFalsePositiveRate = 0.0001
)

// DecoyFunc returns the i'th decoy, 1 <= i <= capacity. It must be
// deterministic.
type DecoyFunc func(i int) []byte

// Decoys returns the decoy sequence for a secret: decoy i is
// sha256(hex(secret) || decimal(i)). The secret is not copied.
func Decoys(secret []byte) DecoyFunc {
	return func(i int) []byte {
		sum := sha256.Sum256([]byte(hex.EncodeToString(secret) + strconv.Itoa(i)))
		return sum[:]
	}
}

// Tracker is a fixed-capacity revocation set. Trackers are not safe
// for concurrent use; Has may run concurrently with other calls to
// Has, but Revoke must be serialized with every other call.
type Tracker struct {
	filter   *cuckoo.Filter
	capacity int
	decoy    DecoyFunc
	// next is the lowest decoy index that may still be present.
	// Decoys below it were consumed or found absent; a consumed
	// decoy can still test positive through a fingerprint collision
	// and must never be removed a second time, as that would remove
	// the colliding entry instead.
	next int
}

// New returns a tracker for the given capacity and false positive
// rate, filled with capacity decoys.
func New(capacity int, fpRate float64, decoy DecoyFunc) (*Tracker, error) {
	filter, err := cuckoo.New(capacity, fpRate)
	if err != nil {
		return nil, err
	}
	t := newTracker(filter, decoy)
	for i := 1; i <= capacity; i++ {
		if err := filter.Add(decoy(i)); err != nil {
			return nil, errors.E(errors.Fatal, "revocation: adding decoy", strconv.Itoa(i), err)
		}
	}
	log.Debug.Printf("revocation: filled tracker with %d decoys", capacity)
	return t, nil
}

// FromSnapshot restores a tracker from a filter snapshot. The snapshot
// must hold exactly as many entries as its capacity.
func FromSnapshot(snap cuckoo.Snapshot, decoy DecoyFunc) (*Tracker, error) {
	filter, err := cuckoo.FromSnapshot(snap)
	if err != nil {
		return nil, err
	}
	if filter.Len() != filter.Capacity() {
		return nil, errors.E(errors.Integrity,
			"revocation: snapshot holds", strconv.Itoa(filter.Len()),
			"entries, capacity is", strconv.Itoa(filter.Capacity()))
	}
	return newTracker(filter, decoy), nil
}

func newTracker(filter *cuckoo.Filter, decoy DecoyFunc) *Tracker {
	return &Tracker{
		filter:   filter,
		capacity: filter.Capacity(),
		decoy:    decoy,
		next:     1,
	}
}

// Capacity returns the tracker's capacity.
func (t *Tracker) Capacity() int { return t.capacity }

// Len returns the number of entries in the tracker. It is equal to
// Capacity at every point between calls.
func (t *Tracker) Len() int { return t.filter.Len() }

// Has tells whether key may have been revoked. A false result is
// definite; a true result is wrong with a probability of about the
// tracker's false positive rate, so callers must treat it as
// "possibly revoked".
func (t *Tracker) Has(key []byte) bool {
	return t.filter.Has(key)
}

// Revoke adds key to the tracker and removes the lowest-numbered
// decoy that is still present, leaving Len unchanged. If no decoy
// remains, Revoke returns an error of kind errors.Exhausted and the
// tracker is unchanged.
func (t *Tracker) Revoke(key []byte) error {
	i, decoy := t.firstDecoy()
	if i == 0 {
		return errors.E(errors.Exhausted, errors.Fatal,
			"revocation: all", strconv.Itoa(t.capacity), "decoys consumed")
	}
	if err := t.filter.Add(key); err != nil {
		return errors.E(errors.Fatal, "revocation: adding key", err)
	}
	if err := t.filter.Remove(decoy); err != nil {
		// The decoy tested positive above, so its fingerprint is
		// present unless the filter is corrupt.
		return errors.E(errors.Fatal, "revocation: removing decoy", strconv.Itoa(i), err)
	}
	t.next = i + 1
	log.Debug.Printf("revocation: replaced decoy %d", i)
	return nil
}

// Remaining returns the number of decoys still present in the
// tracker: the number of revocations that can still be made. False
// positives on consumed decoys may inflate the count.
func (t *Tracker) Remaining() int {
	var n int
	for i := t.next; i <= t.capacity; i++ {
		if t.filter.Has(t.decoy(i)) {
			n++
		}
	}
	return n
}

// Snapshot returns the tracker's filter snapshot.
func (t *Tracker) Snapshot() cuckoo.Snapshot {
	return t.filter.Snapshot()
}

// firstDecoy returns the lowest-numbered decoy still present, or 0
// if every decoy has been consumed.
func (t *Tracker) firstDecoy() (int, []byte) {
	for i := t.next; i <= t.capacity; i++ {
		if d := t.decoy(i); t.filter.Has(d) {
			t.next = i
			return i, d
		}
	}
	t.next = t.capacity + 1
	return 0, nil
}
