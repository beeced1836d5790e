// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mfdpg

import (
	"context"
	"strconv"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/mfdpg/errors"
	"github.com/grailbio/mfdpg/factor"
	"github.com/grailbio/mfdpg/pattern"
	"github.com/grailbio/mfdpg/revocation"
	"github.com/grailbio/mfdpg/slowhash"
	"github.com/grailbio/mfdpg/sync/ctxsync"
)

// Session generates and revokes passwords under one secret. Sessions
// are safe for concurrent use: generation and checks proceed
// concurrently, while revocations are serialized with every other
// operation.
type Session struct {
	mu ctxsync.RWMutex

	opts    Options
	hasher  slowhash.Hasher
	secret  []byte
	policy  *factor.Policy
	tracker *revocation.Tracker
	cache   *digestCache
	closed  bool
}

// Create sets up a new secret from factors and returns a session with
// a fresh revocation tracker.
func Create(ctx context.Context, factors []factor.Setup, opts ...Option) (*Session, error) {
	o, err := makeOptions(opts)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.E(err)
	}
	key, policy, err := factor.SetupKey(factors)
	if err != nil {
		return nil, errors.E("mfdpg: setting up key", err)
	}
	return newSession(key, policy, o)
}

// New returns a session with a fresh revocation tracker for an
// existing secret. The policy is recorded in exported state as is and
// may be nil if the state will never be imported through DeriveKey.
func New(secret []byte, policy *factor.Policy, opts ...Option) (*Session, error) {
	o, err := makeOptions(opts)
	if err != nil {
		return nil, err
	}
	if len(secret) == 0 {
		return nil, errors.E(errors.Invalid, "mfdpg: empty secret")
	}
	return newSession(append([]byte(nil), secret...), policy, o)
}

func newSession(secret []byte, policy *factor.Policy, o Options) (*Session, error) {
	tracker, err := revocation.New(o.Capacity, o.FalsePositiveRate, revocation.Decoys(secret))
	if err != nil {
		return nil, errors.E("mfdpg: creating revocation tracker", err)
	}
	return open(secret, policy, tracker, o), nil
}

func open(secret []byte, policy *factor.Policy, tracker *revocation.Tracker, o Options) *Session {
	s := &Session{
		opts:    o,
		hasher:  o.slowHasher(),
		secret:  secret,
		policy:  policy,
		tracker: tracker,
	}
	if o.CacheDigests {
		s.cache = newDigestCache()
	}
	return s
}

// Policy returns the factor policy that derives the session's secret.
func (s *Session) Policy() *factor.Policy {
	return s.policy
}

// Generate returns the password for domain, a string matching the
// regular expression expr. Generate returns the same password until
// the domain is revoked.
func (s *Session) Generate(ctx context.Context, domain, expr string) (string, error) {
	g, err := pattern.Compile(expr, s.opts.MaxRepeat)
	if err != nil {
		return "", err
	}
	if err := s.rlock(ctx); err != nil {
		return "", err
	}
	defer s.mu.RUnlock()
	slot, err := s.activeSlot(ctx, domain)
	if err != nil {
		return "", errors.E("mfdpg: generate", domain, err)
	}
	pw, err := g.Generate(slot.digest)
	if err != nil {
		return "", errors.E("mfdpg: generate", domain, err)
	}
	return pw, nil
}

// Request is a single password request of a batch.
type Request struct {
	Domain  string `yaml:"domain"`
	Pattern string `yaml:"pattern"`
}

// GenerateAll generates the password of every request, looking up
// different requests in parallel. The returned passwords are in
// request order.
func (s *Session) GenerateAll(ctx context.Context, reqs []Request) ([]string, error) {
	gens := make([]*pattern.Generator, len(reqs))
	for i, r := range reqs {
		var err error
		if gens[i], err = pattern.Compile(r.Pattern, s.opts.MaxRepeat); err != nil {
			return nil, errors.E("mfdpg: request", strconv.Itoa(i), err)
		}
	}
	if err := s.rlock(ctx); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock()
	t := traverse.Parallel
	if s.opts.Parallelism > 0 {
		t = traverse.Limit(s.opts.Parallelism)
	}
	passwords := make([]string, len(reqs))
	err := t.Each(len(reqs), func(i int) error {
		slot, err := s.activeSlot(ctx, reqs[i].Domain)
		if err != nil {
			return errors.E("mfdpg: generate", reqs[i].Domain, err)
		}
		passwords[i], err = gens[i].Generate(slot.digest)
		if err != nil {
			return errors.E("mfdpg: generate", reqs[i].Domain, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return passwords, nil
}

// ActiveSlot returns the slot from which the password of domain is
// currently generated.
func (s *Session) ActiveSlot(ctx context.Context, domain string) (Slot, error) {
	if err := s.rlock(ctx); err != nil {
		return Slot{}, err
	}
	defer s.mu.RUnlock()
	return s.activeSlot(ctx, domain)
}

// Revoke revokes the current password of domain. The next call to
// Generate for the domain returns a different password. Revoke fails
// with an errors.Exhausted error once the session's revocation
// capacity has been used up.
func (s *Session) Revoke(ctx context.Context, domain string) error {
	if err := s.lock(ctx); err != nil {
		return err
	}
	defer s.mu.Unlock()
	slot, err := s.activeSlot(ctx, domain)
	if err != nil {
		return errors.E("mfdpg: revoke", domain, err)
	}
	if err := s.tracker.Revoke([]byte(slot.Key)); err != nil {
		return errors.E("mfdpg: revoke", domain, err)
	}
	log.Debug.Printf("mfdpg: revoked slot %d", slot.Counter)
	return nil
}

// Check tells whether key may have been revoked. Keys of slots are
// given by ActiveSlot; Check also accepts arbitrary labels revoked
// through RevokeKey.
func (s *Session) Check(key string) bool {
	must.Nil(s.mu.RLock(context.Background()))
	defer s.mu.RUnlock()
	return s.tracker.Has([]byte(key))
}

// RevokeKey revokes an arbitrary key, consuming one unit of the
// session's revocation capacity.
func (s *Session) RevokeKey(key string) error {
	must.Nil(s.mu.Lock(context.Background()))
	defer s.mu.Unlock()
	if s.closed {
		return errClosed
	}
	if err := s.tracker.Revoke([]byte(key)); err != nil {
		return errors.E("mfdpg: revoke key", err)
	}
	return nil
}

// Remaining returns the number of revocations the session can still
// make.
func (s *Session) Remaining(ctx context.Context) (int, error) {
	if err := s.rlock(ctx); err != nil {
		return 0, err
	}
	defer s.mu.RUnlock()
	return s.tracker.Remaining(), nil
}

// Close zeroes the session's secret and cached digests. Every
// subsequent operation other than Check fails.
func (s *Session) Close() error {
	must.Nil(s.mu.Lock(context.Background()))
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	for i := range s.secret {
		s.secret[i] = 0
	}
	if s.cache != nil {
		s.cache.clear()
	}
	s.closed = true
	return nil
}

var errClosed = errors.E(errors.Invalid, "mfdpg: session is closed")

func (s *Session) rlock(ctx context.Context) error {
	if err := s.mu.RLock(ctx); err != nil {
		return err
	}
	if s.closed {
		s.mu.RUnlock()
		return errClosed
	}
	return nil
}

func (s *Session) lock(ctx context.Context) error {
	if err := s.mu.Lock(ctx); err != nil {
		return err
	}
	if s.closed {
		s.mu.Unlock()
		return errClosed
	}
	return nil
}

// activeSlot must be called with s.mu held.
func (s *Session) activeSlot(ctx context.Context, domain string) (Slot, error) {
	if domain == "" {
		return Slot{}, errors.E(errors.Invalid, "mfdpg: empty domain")
	}
	return findActiveSlot(ctx, domain, s.tracker.Capacity()+1, s.digest, s.tracker.Has)
}

func (s *Session) digest(ctx context.Context, domain string, counter int) ([]byte, error) {
	msg := slotMessage(domain, counter)
	compute := func(ctx context.Context) ([]byte, error) {
		d, err := s.hasher.Hash(ctx, msg, s.secret)
		if err != nil {
			return nil, errors.E("mfdpg: hashing slot", strconv.Itoa(counter), err)
		}
		return d, nil
	}
	if s.cache == nil {
		return compute(ctx)
	}
	return s.cache.get(ctx, msg, compute)
}
