// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package store_test

import (
	"context"
	"crypto/sha256"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/grailbio/mfdpg"
	"github.com/grailbio/mfdpg/errors"
	"github.com/grailbio/mfdpg/factor"
	"github.com/grailbio/mfdpg/slowhash"
	"github.com/grailbio/mfdpg/store"
	"github.com/grailbio/testutil"
	"github.com/stretchr/testify/require"
)

var fastHash = slowhash.Func(func(ctx context.Context, message, salt []byte) ([]byte, error) {
	sum := sha256.Sum256(append(append([]byte{}, salt...), message...))
	return sum[:], nil
})

func mustOpen(t *testing.T, prefix string) *store.File {
	t.Helper()
	f, err := store.Open(prefix)
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func newSession(t *testing.T) *mfdpg.Session {
	t.Helper()
	opts := mfdpg.DefaultOptions
	opts.Capacity = 256
	s, err := mfdpg.Create(context.Background(),
		[]factor.Setup{factor.Password("password")},
		mfdpg.WithOptions(opts), mfdpg.WithHasher(fastHash))
	require.NoError(t, err)
	return s
}

func TestSaveLoad(t *testing.T) {
	ctx := context.Background()
	dir, cleanup := testutil.TempDir(t, "", "store")
	defer cleanup()
	prefix := filepath.Join(dir, "sessions", "default")
	f1 := mustOpen(t, prefix)
	defer f1.Close()
	f2 := mustOpen(t, prefix)
	defer f2.Close()

	_, err := f1.Load()
	require.True(t, errors.Is(errors.NotExist, err), "got %v", err)

	s := newSession(t)
	before, err := s.Generate(ctx, "example.com", "[a-z]{12}")
	require.NoError(t, err)
	exp1, err := s.Export()
	require.NoError(t, err)
	require.NoError(t, f1.Save(exp1))
	require.NoError(t, s.Revoke(ctx, "example.com"))
	exp2, err := s.Export()
	require.NoError(t, err)
	require.NoError(t, f1.Save(exp2))

	got, err := f2.Load()
	require.NoError(t, err)
	if diff := deep.Equal(got.Filter.Buckets, exp2.Filter.Buckets); diff != nil {
		t.Fatal(diff)
	}
	bak, err := f2.LoadBackup()
	require.NoError(t, err)
	require.Equal(t, exp1.Tag, bak.Tag)

	derive := map[string]factor.Derive{"password": factor.DerivePassword("password")}
	s2, err := mfdpg.Import(ctx, got, derive, mfdpg.WithHasher(fastHash))
	require.NoError(t, err)
	after, err := s2.Generate(ctx, "example.com", "[a-z]{12}")
	require.NoError(t, err)
	require.NotEqual(t, before, after)
	want, err := s.Generate(ctx, "example.com", "[a-z]{12}")
	require.NoError(t, err)
	if after != want {
		t.Errorf("got %v, want %v", after, want)
	}

	// The backup restores the state from before the revocation.
	s3, err := mfdpg.Import(ctx, bak, derive, mfdpg.WithHasher(fastHash))
	require.NoError(t, err)
	old, err := s3.Generate(ctx, "example.com", "[a-z]{12}")
	require.NoError(t, err)
	if got, want := old, before; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestCorrupt(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "store")
	defer cleanup()
	prefix := filepath.Join(dir, "state")
	require.NoError(t, os.WriteFile(prefix+".state", []byte("not zstd"), 0600))
	_, err := store.Load(prefix)
	require.True(t, errors.Is(errors.Integrity, err), "got %v", err)
	require.True(t, errors.Is(errors.Invalid, store.Save(context.Background(), prefix, nil)))
}

func TestSaveLoadPrefix(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "store")
	defer cleanup()
	prefix := filepath.Join(dir, "state")
	exp, err := newSession(t).Export()
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), prefix, exp))
	got, err := store.Load(prefix)
	require.NoError(t, err)
	require.Equal(t, exp.Tag, got.Tag)
	require.Equal(t, exp.Policy.Salt, got.Policy.Salt)
	require.Equal(t, exp.Filter.Length, got.Filter.Length)
}

func TestLock(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "store")
	defer cleanup()
	prefix := filepath.Join(dir, "state")
	f1 := mustOpen(t, prefix)
	defer f1.Close()
	f2 := mustOpen(t, prefix)
	defer f2.Close()

	require.NoError(t, f1.Lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := f2.Lock(ctx)
	require.Error(t, err)
	require.False(t, errors.IsFatal(err))

	ch := make(chan error)
	go func() {
		err := f2.Lock(context.Background())
		if err == nil {
			err = f2.Unlock()
		}
		ch <- err
	}()
	time.Sleep(200 * time.Millisecond)
	select {
	case <-ch:
		t.Fatal("f2 should not have acquired the lock")
	default:
	}
	require.NoError(t, f1.Unlock())
	require.NoError(t, <-ch)
}
