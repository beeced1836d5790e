// Copyright 2022 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package ctxsync provides locks whose acquisition can be abandoned
// when a context is done. Sessions hold their revocation state behind
// an RWMutex; stores serialize writers with a Mutex.
package ctxsync

import "context"

// Mutex is a context-aware mutual exclusion lock. Unlike sync.Mutex,
// it may be unlocked by a goroutine other than the one that locked
// it. The zero value is unlocked. It must not be copied.
type Mutex struct {
	rw RWMutex
}

// Lock locks m, waiting until it is free. If ctx is done first, Lock
// returns an error of kind errors.Canceled or errors.Timeout and does
// not hold the lock.
func (m *Mutex) Lock(ctx context.Context) error {
	return m.rw.Lock(ctx)
}

// Unlock unlocks m. It panics if m is not locked.
func (m *Mutex) Unlock() {
	m.rw.Unlock()
}
