// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package cuckoo

import (
	"encoding/json"
	"fmt"
	"math/rand"

	"github.com/grailbio/mfdpg/errors"
)

// Snapshot is the exported form of a Filter. It is JSON (and CBOR)
// serializable and restores the filter exactly: membership answers
// after FromSnapshot are identical to those of the exported filter.
type Snapshot struct {
	// Capacity is the number of items the filter was sized for.
	Capacity int `json:"capacity"`
	// ErrorRate is the target false positive rate.
	ErrorRate float64 `json:"errorRate"`
	// Size is the number of buckets; always a power of two.
	Size int `json:"size"`
	// BucketSize is the number of fingerprints per bucket.
	BucketSize int `json:"bucketSize"`
	// FingerprintLength is the fingerprint length in bits.
	FingerprintLength int `json:"fingerprintLength"`
	// Length is the number of stored fingerprints.
	Length int `json:"length"`
	// MaxKicks is the eviction budget of Add.
	MaxKicks int `json:"maxKicks"`
	// Buckets lists the occupied fingerprints of each bucket.
	Buckets [][]uint32 `json:"buckets"`
}

// Snapshot returns a snapshot of the filter's current state.
func (f *Filter) Snapshot() Snapshot {
	s := Snapshot{
		Capacity:          f.capacity,
		ErrorRate:         f.errorRate,
		Size:              int(f.numBuckets),
		BucketSize:        f.bucketSize,
		FingerprintLength: int(f.fpBits),
		Length:            f.count,
		MaxKicks:          f.maxKicks,
		Buckets:           make([][]uint32, f.numBuckets),
	}
	for i := range s.Buckets {
		b := []uint32{}
		for _, fp := range f.bucket(uint32(i)) {
			if fp != 0 {
				b = append(b, fp)
			}
		}
		s.Buckets[i] = b
	}
	return s
}

// Bounds on snapshot geometry, so that the table size
// Size*BucketSize and the eviction path cannot overflow or exhaust
// memory.
const (
	maxSnapshotBuckets = 1 << 28
	maxBucketSize      = 8
	maxSnapshotKicks   = 1 << 16
)

// FromSnapshot reconstructs a filter from a snapshot. Structurally
// invalid snapshots are rejected with an error of kind
// errors.Integrity.
func FromSnapshot(s Snapshot) (*Filter, error) {
	bad := func(format string, args ...interface{}) error {
		return errors.E(errors.Integrity, "cuckoo: malformed snapshot:", fmt.Sprintf(format, args...))
	}
	switch {
	case s.Capacity <= 0:
		return nil, bad("capacity %d", s.Capacity)
	case !(s.ErrorRate > 0 && s.ErrorRate < 1):
		return nil, bad("error rate %v", s.ErrorRate)
	case s.Size <= 0 || s.Size&(s.Size-1) != 0:
		return nil, bad("bucket count %d is not a power of two", s.Size)
	case s.Size > maxSnapshotBuckets:
		return nil, bad("bucket count %d exceeds %d", s.Size, maxSnapshotBuckets)
	case s.BucketSize <= 0 || s.BucketSize > maxBucketSize:
		return nil, bad("bucket size %d", s.BucketSize)
	case s.FingerprintLength <= 0 || s.FingerprintLength > 32:
		return nil, bad("fingerprint length %d", s.FingerprintLength)
	case s.MaxKicks < 0 || s.MaxKicks > maxSnapshotKicks:
		return nil, bad("max kicks %d", s.MaxKicks)
	case len(s.Buckets) != s.Size:
		return nil, bad("%d buckets, want %d", len(s.Buckets), s.Size)
	}
	f := &Filter{
		capacity:   s.Capacity,
		errorRate:  s.ErrorRate,
		numBuckets: uint32(s.Size),
		bucketSize: s.BucketSize,
		fpBits:     uint(s.FingerprintLength),
		maxKicks:   s.MaxKicks,
		table:      make([]uint32, s.Size*s.BucketSize),
		rand:       rand.New(rand.NewSource(kickSeed)),
	}
	max := uint64(1)<<uint(s.FingerprintLength) - 1
	for i, b := range s.Buckets {
		if len(b) > s.BucketSize {
			return nil, bad("bucket %d holds %d fingerprints", i, len(b))
		}
		for j, fp := range b {
			if fp == 0 || uint64(fp) > max {
				return nil, bad("bucket %d: invalid fingerprint %d", i, fp)
			}
			f.table[i*s.BucketSize+j] = fp
		}
		f.count += len(b)
	}
	if f.count != s.Length {
		return nil, bad("length %d, found %d fingerprints", s.Length, f.count)
	}
	return f, nil
}

// MarshalJSON implements json.Marshaler by encoding the filter's
// snapshot.
func (f *Filter) MarshalJSON() ([]byte, error) {
	return json.Marshal(f.Snapshot())
}

// UnmarshalJSON implements json.Unmarshaler.
func (f *Filter) UnmarshalJSON(p []byte) error {
	var s Snapshot
	if err := json.Unmarshal(p, &s); err != nil {
		return errors.E(errors.Integrity, "cuckoo: decoding snapshot", err)
	}
	g, err := FromSnapshot(s)
	if err != nil {
		return err
	}
	*f = *g
	return nil
}
