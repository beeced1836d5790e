// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package revocation_test

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/go-test/deep"
	"github.com/grailbio/mfdpg/cuckoo"
	"github.com/grailbio/mfdpg/errors"
	"github.com/grailbio/mfdpg/revocation"
	"github.com/stretchr/testify/require"
)

var secret = []byte("0123456789abcdef")

func key(i int) []byte {
	sum := sha256.Sum256([]byte(fmt.Sprintf("revoked-%d", i)))
	return sum[:]
}

func TestDecoys(t *testing.T) {
	d := revocation.Decoys(secret)
	want := sha256.Sum256([]byte(hex.EncodeToString(secret) + "7"))
	if got := d(7); string(got) != string(want[:]) {
		t.Errorf("got %x, want %x", got, want)
	}
	if string(d(1)) == string(revocation.Decoys([]byte("fedcba9876543210"))(1)) {
		t.Error("decoys of different secrets collide")
	}
}

func TestNewFilled(t *testing.T) {
	const C = 256
	tr, err := revocation.New(C, revocation.TargetFalsePositiveRate, revocation.Decoys(secret))
	require.NoError(t, err)
	if got, want := tr.Len(), C; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := tr.Remaining(), C; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	d := revocation.Decoys(secret)
	for i := 1; i <= C; i++ {
		require.True(t, tr.Has(d(i)), "decoy %d", i)
	}
	require.False(t, tr.Has(key(0)))
}

func TestRevokeKeepsCapacity(t *testing.T) {
	const C = 128
	d := revocation.Decoys(secret)
	tr, err := revocation.New(C, revocation.TargetFalsePositiveRate, d)
	require.NoError(t, err)
	for i := 0; i < C; i++ {
		require.False(t, tr.Has(key(i)), "key %d before revoke", i)
		require.NoError(t, tr.Revoke(key(i)))
		require.True(t, tr.Has(key(i)), "key %d after revoke", i)
		if got, want := tr.Len(), C; got != want {
			t.Fatalf("revocation %d: got %v, want %v", i, got, want)
		}
		if got, want := tr.Remaining(), C-i-1; got != want {
			t.Fatalf("revocation %d: got %v remaining, want %v", i, got, want)
		}
	}
	for i := 0; i < C; i++ {
		require.True(t, tr.Has(key(i)), "key %d", i)
	}
	err = tr.Revoke(key(C))
	require.True(t, errors.Is(errors.Exhausted, err), "got %v", err)
	require.True(t, errors.IsFatal(err))
	require.False(t, tr.Has(key(C)))
	if got, want := tr.Len(), C; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestRevokeSameKeyTwice(t *testing.T) {
	tr, err := revocation.New(16, revocation.TargetFalsePositiveRate, revocation.Decoys(secret))
	require.NoError(t, err)
	require.NoError(t, tr.Revoke([]byte("hello")))
	require.NoError(t, tr.Revoke([]byte("hello")))
	require.True(t, tr.Has([]byte("hello")))
	if got, want := tr.Len(), 16; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := tr.Remaining(), 14; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	const C = 64
	d := revocation.Decoys(secret)
	tr, err := revocation.New(C, revocation.TargetFalsePositiveRate, d)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		require.NoError(t, tr.Revoke(key(i)))
	}
	p, err := json.Marshal(tr.Snapshot())
	require.NoError(t, err)
	var snap cuckoo.Snapshot
	require.NoError(t, json.Unmarshal(p, &snap))
	tr2, err := revocation.FromSnapshot(snap, d)
	require.NoError(t, err)
	if diff := deep.Equal(tr.Snapshot(), tr2.Snapshot()); diff != nil {
		t.Fatal(diff)
	}
	for i := 0; i < 20; i++ {
		if got, want := tr2.Has(key(i)), tr.Has(key(i)); got != want {
			t.Errorf("key %d: got %v, want %v", i, got, want)
		}
	}
	if got, want := tr2.Remaining(), C-10; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	// The restored tracker resumes consuming decoys where the
	// original left off.
	require.NoError(t, tr2.Revoke(key(10)))
	require.False(t, tr2.Has(d(11)))
	require.True(t, tr2.Has(d(12)))
}

func TestSnapshotWrongLength(t *testing.T) {
	tr, err := revocation.New(32, revocation.TargetFalsePositiveRate, revocation.Decoys(secret))
	require.NoError(t, err)
	snap := tr.Snapshot()
	for i, b := range snap.Buckets {
		if len(b) > 0 {
			snap.Buckets[i] = b[1:]
			break
		}
	}
	snap.Length--
	_, err = revocation.FromSnapshot(snap, revocation.Decoys(secret))
	require.True(t, errors.Is(errors.Integrity, err), "got %v", err)
}
