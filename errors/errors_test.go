// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package errors_test

import (
	"context"
	goerrors "errors"
	"os"
	"testing"

	"github.com/grailbio/mfdpg/errors"
	"github.com/stretchr/testify/require"
)

func TestError(t *testing.T) {
	_, err := os.Open("/dev/notexist")
	e1 := errors.E(errors.NotExist, "opening store", err)
	if got, want := e1.Error(), "opening store: resource does not exist: open /dev/notexist: no such file or directory"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	e2 := errors.E(err)
	if got, want := e2.Error(), "resource does not exist: open /dev/notexist: no such file or directory"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	for _, e := range []error{e1, e2} {
		if !errors.Is(errors.NotExist, e) {
			t.Errorf("error %v should be NotExist", e)
		}
	}
}

func TestErrorChaining(t *testing.T) {
	err := errors.E(errors.Exhausted, "no decoys left")
	err = errors.E(errors.Fatal, "revoke example.com", err)
	if got, want := err.Error(), "revoke example.com: revocation capacity exhausted (fatal):\n\tno decoys left"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
	if !errors.Is(errors.Exhausted, err) {
		t.Errorf("error %v should be Exhausted", err)
	}
	if !errors.IsFatal(err) {
		t.Errorf("error %v should be fatal", err)
	}
}

func TestKinds(t *testing.T) {
	for _, c := range []struct {
		err  error
		kind errors.Kind
	}{
		{errors.E(context.Canceled), errors.Canceled},
		{errors.E(context.DeadlineExceeded), errors.Timeout},
		{errors.E("wrapped", errors.E(errors.Integrity, "bad snapshot")), errors.Integrity},
		{errors.E(errors.KeyDerivation, "wrong password"), errors.KeyDerivation},
		{errors.E(errors.Unsatisfiable, "[^\\x00-\\x{10FFFF}]"), errors.Unsatisfiable},
		{goerrors.New("plain"), errors.Other},
	} {
		if got, want := errors.Recover(c.err).Kind, c.kind; got != want {
			t.Errorf("error %v: got %v, want %v", c.err, got, want)
		}
	}
}

func TestBadArgument(t *testing.T) {
	err := errors.E(42)
	require.True(t, errors.Is(errors.Invalid, err))
}

func TestMatch(t *testing.T) {
	err := errors.E(errors.Integrity, errors.Fatal, "filter", errors.E("bucket 3 overfull"))
	require.True(t, errors.Match(errors.E(errors.Integrity), err))
	require.True(t, errors.Match(errors.E(errors.Integrity, errors.Fatal, "filter"), err))
	require.False(t, errors.Match(errors.E(errors.Exhausted), err))
	require.False(t, errors.Match(errors.E(errors.Integrity, "other message"), err))
}

func TestStdInterop(t *testing.T) {
	err := errors.E("waiting for lock", context.Canceled)
	require.True(t, goerrors.Is(err, context.Canceled))
	require.True(t, errors.Is(errors.Canceled, err))
	var e *errors.Error
	require.True(t, goerrors.As(errors.E("outer", err), &e))
}

func TestCleanUp(t *testing.T) {
	closeErr := errors.New("close failed")
	run := func(ret error) (err error) {
		err = ret
		defer errors.CleanUp(func() error { return closeErr }, &err)
		return
	}
	require.Equal(t, closeErr, run(nil))
	err := run(errors.E(errors.Integrity, "write"))
	require.True(t, errors.Is(errors.Integrity, err))
	require.Contains(t, err.Error(), "second error in clean-up: close failed")
}
