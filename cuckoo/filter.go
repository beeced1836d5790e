// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package cuckoo implements a cuckoo filter: an approximate-membership
// set over byte strings that supports deletion. Membership queries
// never return false negatives for items that were added and not
// removed; they return false positives with a probability bounded by
// the error rate the filter was sized for.
//
// Items are stored as fingerprints in one of two candidate buckets
// (partial-key cuckoo hashing). A filter can be exported as a
// Snapshot, which reproduces the filter exactly.
package cuckoo

import (
	"encoding/binary"
	"math"
	"math/bits"
	"math/rand"

	"github.com/cespare/xxhash/v2"
	"github.com/grailbio/base/must"
	"github.com/grailbio/mfdpg/errors"
)

const (
	// BucketSize is the number of fingerprints per bucket.
	BucketSize = 4
	// MaxKicks is the number of evictions attempted by Add before
	// the filter is considered full.
	MaxKicks = 500
	// loadFactor is the target occupancy used to size the table.
	loadFactor = 0.955

	kickSeed = 0x6d666470
)

// Filter is a cuckoo filter. Filters are not safe for concurrent
// mutation; callers serialize Add and Remove.
type Filter struct {
	capacity   int
	errorRate  float64
	numBuckets uint32
	bucketSize int
	fpBits     uint
	maxKicks   int
	// table holds numBuckets*bucketSize fingerprints; 0 marks an
	// empty slot.
	table []uint32
	count int
	rand  *rand.Rand
}

// New returns an empty filter sized to hold capacity items with a
// false positive probability of approximately fpRate.
func New(capacity int, fpRate float64) (*Filter, error) {
	if capacity <= 0 {
		return nil, errors.E(errors.Invalid, "cuckoo: capacity must be positive")
	}
	if !(fpRate > 0 && fpRate < 1) {
		return nil, errors.E(errors.Invalid, "cuckoo: false positive rate must be in (0, 1)")
	}
	fpBits := FingerprintBits(BucketSize, fpRate)
	if fpBits > 32 {
		return nil, errors.E(errors.Invalid, "cuckoo: false positive rate too small")
	}
	n := int(math.Ceil(float64(capacity) / BucketSize / loadFactor))
	f := &Filter{
		capacity:   capacity,
		errorRate:  fpRate,
		numBuckets: nextPow2(uint32(n)),
		bucketSize: BucketSize,
		fpBits:     fpBits,
		maxKicks:   MaxKicks,
	}
	f.table = make([]uint32, int(f.numBuckets)*f.bucketSize)
	f.rand = rand.New(rand.NewSource(kickSeed))
	return f, nil
}

// FingerprintBits returns the fingerprint length, in bits, needed to
// keep the false positive rate of a filter with the given bucket size
// at or below fpRate: ceil(log2(2*bucketSize/fpRate)).
func FingerprintBits(bucketSize int, fpRate float64) uint {
	return uint(math.Ceil(math.Log2(2 * float64(bucketSize) / fpRate)))
}

// Capacity returns the number of items the filter was sized for.
func (f *Filter) Capacity() int { return f.capacity }

// ErrorRate returns the false positive rate the filter was sized for.
func (f *Filter) ErrorRate() float64 { return f.errorRate }

// Len returns the number of fingerprints stored in the filter.
func (f *Filter) Len() int { return f.count }

// Add inserts item into the filter. Duplicates are stored
// separately, so an item added twice must be removed twice. If no
// slot can be found within the eviction budget, Add leaves the
// filter unchanged and returns an error of kind errors.Exhausted.
func (f *Filter) Add(item []byte) error {
	i1, fp := f.locate(item)
	i2 := f.altIndex(i1, fp)
	if f.insert(i1, fp) || f.insert(i2, fp) {
		f.count++
		return nil
	}
	i := i1
	if f.rand.Intn(2) == 1 {
		i = i2
	}
	path := make([]int, 0, f.maxKicks)
	for n := 0; n < f.maxKicks; n++ {
		slot := int(i)*f.bucketSize + f.rand.Intn(f.bucketSize)
		fp, f.table[slot] = f.table[slot], fp
		path = append(path, slot)
		i = f.altIndex(i, fp)
		if f.insert(i, fp) {
			f.count++
			return nil
		}
	}
	// Walk the eviction chain backwards so that every displaced
	// fingerprint returns to its original slot.
	for k := len(path) - 1; k >= 0; k-- {
		fp, f.table[path[k]] = f.table[path[k]], fp
	}
	i1again, fpAgain := f.locate(item)
	must.True(fp == fpAgain && i1again == i1, "cuckoo: eviction rollback lost a fingerprint")
	return errors.E(errors.Exhausted, "cuckoo: filter is full")
}

// Has tells whether item may be in the filter.
func (f *Filter) Has(item []byte) bool {
	i1, fp := f.locate(item)
	return f.contains(i1, fp) || f.contains(f.altIndex(i1, fp), fp)
}

// Remove deletes one copy of item from the filter. Remove must only
// be called for items that were added: removing a non-member that
// shares a fingerprint with a member deletes the member instead. If
// no matching fingerprint exists, Remove returns an error of kind
// errors.Integrity.
func (f *Filter) Remove(item []byte) error {
	i1, fp := f.locate(item)
	if f.delete(i1, fp) || f.delete(f.altIndex(i1, fp), fp) {
		f.count--
		return nil
	}
	return errors.E(errors.Integrity, "cuckoo: remove of an item not in the filter")
}

func (f *Filter) locate(item []byte) (uint32, uint32) {
	h := xxhash.Sum64(item)
	fp := uint32(h>>32) & (1<<f.fpBits - 1)
	if fp == 0 {
		fp = 1
	}
	return uint32(h) & (f.numBuckets - 1), fp
}

func (f *Filter) altIndex(i, fp uint32) uint32 {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], fp)
	return (i ^ uint32(xxhash.Sum64(b[:]))) & (f.numBuckets - 1)
}

func (f *Filter) bucket(i uint32) []uint32 {
	off := int(i) * f.bucketSize
	return f.table[off : off+f.bucketSize]
}

func (f *Filter) insert(i, fp uint32) bool {
	b := f.bucket(i)
	for j := range b {
		if b[j] == 0 {
			b[j] = fp
			return true
		}
	}
	return false
}

func (f *Filter) contains(i, fp uint32) bool {
	for _, x := range f.bucket(i) {
		if x == fp {
			return true
		}
	}
	return false
}

func (f *Filter) delete(i, fp uint32) bool {
	b := f.bucket(i)
	for j := range b {
		if b[j] == fp {
			b[j] = 0
			return true
		}
	}
	return false
}

func nextPow2(n uint32) uint32 {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len32(n-1)
}
