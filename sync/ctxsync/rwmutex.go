// Copyright 2022 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package ctxsync

import (
	"context"
	"sync"

	"github.com/grailbio/mfdpg/errors"
)

// RWMutex is a context-aware reader/writer mutex. Any number of
// readers or a single writer may hold it. A waiting writer blocks new
// readers, so a steady stream of readers cannot starve it. The zero
// value is ready to use. It must not be copied.
type RWMutex struct {
	mu      sync.Mutex
	readers int
	writer  bool
	// pending is the number of writers waiting for the lock.
	pending int
	// changed is closed (and cleared) whenever the lock state changes.
	changed chan struct{}
}

// Lock locks m for writing, waiting until all readers and any writer
// have released it. If ctx is done first, Lock returns an error and
// does not hold the lock.
func (m *RWMutex) Lock(ctx context.Context) error {
	m.mu.Lock()
	m.pending++
	for m.writer || m.readers > 0 {
		ch := m.waitLocked()
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			m.mu.Lock()
			m.pending--
			m.broadcastLocked()
			m.mu.Unlock()
			return errors.E(ctx.Err(), errors.Temporary, "waiting for write lock")
		}
		m.mu.Lock()
	}
	m.pending--
	m.writer = true
	m.mu.Unlock()
	return nil
}

// Unlock releases a write lock. It panics if m is not write locked.
func (m *RWMutex) Unlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.writer {
		panic("Unlock called on RWMutex that is not write locked")
	}
	m.writer = false
	m.broadcastLocked()
}

// RLock locks m for reading. If ctx is done before the lock can be
// taken, RLock returns an error and does not hold the lock.
func (m *RWMutex) RLock(ctx context.Context) error {
	m.mu.Lock()
	for m.writer || m.pending > 0 {
		ch := m.waitLocked()
		m.mu.Unlock()
		select {
		case <-ch:
		case <-ctx.Done():
			return errors.E(ctx.Err(), errors.Temporary, "waiting for read lock")
		}
		m.mu.Lock()
	}
	m.readers++
	m.mu.Unlock()
	return nil
}

// RUnlock releases one read lock. It panics if m is not read locked.
func (m *RWMutex) RUnlock() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readers == 0 {
		panic("RUnlock called on RWMutex that is not read locked")
	}
	m.readers--
	if m.readers == 0 {
		m.broadcastLocked()
	}
}

func (m *RWMutex) waitLocked() <-chan struct{} {
	if m.changed == nil {
		m.changed = make(chan struct{})
	}
	return m.changed
}

func (m *RWMutex) broadcastLocked() {
	if m.changed != nil {
		close(m.changed)
		m.changed = nil
	}
}
