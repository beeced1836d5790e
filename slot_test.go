// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mfdpg

import (
	"bytes"
	"context"
	"encoding/hex"
	"testing"

	"github.com/grailbio/mfdpg/errors"
	"github.com/stretchr/testify/require"
)

func TestSlotMessage(t *testing.T) {
	// Concatenating domain and counter would make these collide.
	if bytes.Equal(slotMessage("example.com1", 1), slotMessage("example.com", 11)) {
		t.Error("slot messages collide")
	}
	if got, want := slotMessage("ab", 300), []byte{2, 'a', 'b', 0xac, 0x02}; !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
}

func fakeDigest(ctx context.Context, domain string, counter int) ([]byte, error) {
	return slotMessage(domain, counter), nil
}

func TestFindActiveSlotSkipsPositives(t *testing.T) {
	// Slot 1 is revoked, slot 2 is a false positive.
	positive := map[string]bool{
		hex.EncodeToString(slotMessage("example.com", 1)): true,
		hex.EncodeToString(slotMessage("example.com", 2)): true,
	}
	has := func(key []byte) bool { return positive[string(key)] }
	slot, err := findActiveSlot(context.Background(), "example.com", 10, fakeDigest, has)
	require.NoError(t, err)
	if got, want := slot.Counter, 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := slot.Key, hex.EncodeToString(slotMessage("example.com", 3)); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFindActiveSlotBounded(t *testing.T) {
	var lookups int
	digest := func(ctx context.Context, domain string, counter int) ([]byte, error) {
		lookups++
		return fakeDigest(ctx, domain, counter)
	}
	_, err := findActiveSlot(context.Background(), "example.com", 5, digest, func([]byte) bool { return true })
	require.True(t, errors.Is(errors.Exhausted, err), "got %v", err)
	if got, want := lookups, 5; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestFindActiveSlotHashError(t *testing.T) {
	digest := func(ctx context.Context, domain string, counter int) ([]byte, error) {
		return nil, errors.E(errors.Invalid, "bad hash")
	}
	_, err := findActiveSlot(context.Background(), "example.com", 5, digest, func([]byte) bool { return false })
	require.True(t, errors.Is(errors.Invalid, err), "got %v", err)
}
