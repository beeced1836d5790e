// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package mfdpg

import (
	"os"

	"github.com/grailbio/mfdpg/errors"
	"github.com/grailbio/mfdpg/pattern"
	"github.com/grailbio/mfdpg/revocation"
	"github.com/grailbio/mfdpg/slowhash"
	"gopkg.in/yaml.v3"
)

// Options configures a session. A session imported from exported
// state takes its capacity and false positive rate from the state;
// the remaining options must match those the state was created with,
// or every generated password changes.
type Options struct {
	// Capacity is the number of decoys, and so the lifetime number of
	// revocations, of a new session.
	Capacity int `yaml:"capacity"`
	// FalsePositiveRate is the target false positive rate of the
	// revocation filter of a new session.
	FalsePositiveRate float64 `yaml:"false_positive_rate"`
	// Argon2 parameterizes the slot hash.
	Argon2 slowhash.Params `yaml:"argon2"`
	// MaxRepeat caps the number of repetitions beyond the minimum
	// that an unbounded pattern repeat may produce.
	MaxRepeat int `yaml:"max_repeat"`
	// CacheDigests memoizes slot digests for the session's lifetime.
	CacheDigests bool `yaml:"cache_digests"`
	// Parallelism bounds the number of domains GenerateAll looks up
	// concurrently. Zero means traverse.Parallel's default.
	Parallelism int `yaml:"parallelism"`

	hasher slowhash.Hasher
}

// DefaultOptions are the options used when none are given.
var DefaultOptions = Options{
	Capacity:          revocation.MaxRevocations,
	FalsePositiveRate: revocation.TargetFalsePositiveRate,
	Argon2:            slowhash.DefaultParams,
	MaxRepeat:         pattern.DefaultMaxRepeat,
	CacheDigests:      true,
}

// An Option modifies session options.
type Option func(*Options)

// WithOptions replaces the session's options with opts. A hasher set
// by WithHasher is kept.
func WithOptions(opts Options) Option {
	return func(o *Options) {
		h := o.hasher
		*o = opts
		if o.hasher == nil {
			o.hasher = h
		}
	}
}

// WithHasher makes the session derive slot digests with h instead of
// argon2id.
func WithHasher(h slowhash.Hasher) Option {
	return func(o *Options) { o.hasher = h }
}

// LoadOptions reads YAML-encoded options from path. Fields absent from
// the file keep their default values.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions
	p, err := os.ReadFile(path)
	if err != nil {
		return opts, errors.E("mfdpg: reading options", path, err)
	}
	if err := yaml.Unmarshal(p, &opts); err != nil {
		return opts, errors.E(errors.Invalid, "mfdpg: parsing options", path, err)
	}
	if err := opts.validate(); err != nil {
		return opts, errors.E("mfdpg: options", path, err)
	}
	return opts, nil
}

func makeOptions(opts []Option) (Options, error) {
	o := DefaultOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o, o.validate()
}

func (o Options) validate() error {
	if o.Capacity <= 0 {
		return errors.E(errors.Invalid, "mfdpg: capacity must be positive")
	}
	if o.FalsePositiveRate <= 0 || o.FalsePositiveRate >= 1 {
		return errors.E(errors.Invalid, "mfdpg: false positive rate must be in (0, 1)")
	}
	if o.Parallelism < 0 {
		return errors.E(errors.Invalid, "mfdpg: negative parallelism")
	}
	if o.hasher == nil {
		return o.Argon2.Validate()
	}
	return nil
}

func (o Options) slowHasher() slowhash.Hasher {
	if o.hasher != nil {
		return o.hasher
	}
	return slowhash.Argon2{Params: o.Argon2}
}
