// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mfdpg

import (
	"context"
	"sync"

	"github.com/grailbio/mfdpg/errors"
	"golang.org/x/sync/singleflight"
)

// digestCache memoizes slot digests. Concurrent requests for the same
// slot share one computation, which runs to completion even if the
// caller that started it gives up. Failed computations are not cached.
type digestCache struct {
	group singleflight.Group

	mu      sync.Mutex
	digests map[string][]byte
}

func newDigestCache() *digestCache {
	return &digestCache{digests: make(map[string][]byte)}
}

func (c *digestCache) get(ctx context.Context, message []byte, compute func(context.Context) ([]byte, error)) ([]byte, error) {
	k := string(message)
	c.mu.Lock()
	d, ok := c.digests[k]
	c.mu.Unlock()
	if ok {
		return d, nil
	}
	// The shared computation is detached from any one caller's
	// context; each caller waits on its own.
	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(k, func() (interface{}, error) {
		d, err := compute(detached)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.digests != nil {
			c.digests[k] = d
		}
		c.mu.Unlock()
		return d, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.([]byte), nil
	case <-ctx.Done():
		return nil, errors.E(ctx.Err(), "mfdpg: waiting for digest")
	}
}

func (c *digestCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.digests)
}

// clear zeroes and drops every cached digest. The cache stays empty
// afterwards.
func (c *digestCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.digests {
		for i := range d {
			d[i] = 0
		}
	}
	c.digests = nil
}
