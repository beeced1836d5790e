// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package store persists exported session state in a file, with
// atomic replacement and advisory locking.
package store

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/mfdpg"
	"github.com/grailbio/mfdpg/errors"
	"github.com/grailbio/mfdpg/sync/ctxsync"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"
)

// lockPolicy paces attempts to take the file lock held by another
// process.
var lockPolicy = retry.Backoff(10*time.Millisecond, time.Second, 1.5)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode

	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	if encMode, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		panic("store: cbor encoder: " + err.Error())
	}
	if decMode, err = (cbor.DecOptions{}).DecMode(); err != nil {
		panic("store: cbor decoder: " + err.Error())
	}
	if encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		panic("store: zstd encoder: " + err.Error())
	}
	if decoder, err = zstd.NewReader(nil); err != nil {
		panic("store: zstd decoder: " + err.Error())
	}
}

// File stores the exported state of one session. The following files
// are kept:
//
//	{prefix}.state: the current state, zstd-compressed CBOR
//	{prefix}.lock: the flock(2) lock file
//	{prefix}.bak: the previous state
//
// A File is safe for concurrent use; Lock serializes read-modify-write
// cycles both within the process and across processes.
type File struct {
	mu     ctxsync.Mutex
	prefix string
	lockfd int
}

// Open opens the store at prefix, creating its directory if needed.
func Open(prefix string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(prefix), 0700); err != nil {
		return nil, errors.E("store: creating directory", err)
	}
	fd, err := unix.Open(prefix+".lock", unix.O_CREAT|unix.O_RDWR|unix.O_CLOEXEC, 0600)
	if err != nil {
		return nil, errors.E("store: opening lock", prefix, err)
	}
	return &File{prefix: prefix, lockfd: fd}, nil
}

// Lock locks the store for the caller, both inside the process and
// outside of it. Lock relies on flock(2), which may not be available
// on all filesystems, notably NFS and SMB. If ctx is done before the
// lock is taken, Lock returns an error.
func (f *File) Lock(ctx context.Context) error {
	if err := f.mu.Lock(ctx); err != nil {
		return err
	}
	for try := 0; ; try++ {
		err := unix.Flock(f.lockfd, unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			f.mu.Unlock()
			return errors.E("store: flock", f.prefix, err)
		}
		if err := retry.Wait(ctx, lockPolicy, try); err != nil {
			f.mu.Unlock()
			return errors.E(errors.Temporary, "store: waiting for", f.prefix+".lock", err)
		}
	}
}

// Unlock unlocks the store.
func (f *File) Unlock() error {
	defer f.mu.Unlock()
	if err := unix.Flock(f.lockfd, unix.LOCK_UN); err != nil {
		return errors.E("store: unlock", f.prefix, err)
	}
	return nil
}

// Save atomically replaces the stored state with exp. The previous
// state is kept as the backup. The stored state is unchanged unless
// Save returns nil.
func (f *File) Save(exp *mfdpg.Exported) (err error) {
	if exp == nil {
		return errors.E(errors.Invalid, "store: nil state")
	}
	p, err := encMode.Marshal(exp)
	if err != nil {
		return errors.E("store: encoding state", err)
	}
	w, err := os.CreateTemp(filepath.Dir(f.prefix), filepath.Base(f.prefix)+".write")
	if err != nil {
		return errors.E("store: creating", f.prefix, err)
	}
	defer func() {
		if err != nil {
			os.Remove(w.Name())
		}
	}()
	if _, err = w.Write(encoder.EncodeAll(p, nil)); err != nil {
		w.Close()
		return errors.E("store: writing", w.Name(), err)
	}
	if err = w.Sync(); err != nil {
		w.Close()
		return errors.E("store: syncing", w.Name(), err)
	}
	if err = w.Close(); err != nil {
		return errors.E("store: closing", w.Name(), err)
	}
	_ = os.Remove(f.prefix + ".bak")
	_ = os.Link(f.prefix+".state", f.prefix+".bak")
	if err = os.Rename(w.Name(), f.prefix+".state"); err != nil {
		return errors.E("store: replacing", f.prefix, err)
	}
	return nil
}

// Load returns the stored state. If none has been saved, Load returns
// an error of kind errors.NotExist.
func (f *File) Load() (*mfdpg.Exported, error) {
	return load(f.prefix + ".state")
}

// LoadBackup returns the state stored before the most recent Save.
func (f *File) LoadBackup() (*mfdpg.Exported, error) {
	return load(f.prefix + ".bak")
}

func load(path string) (*mfdpg.Exported, error) {
	z, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.E("store: reading", path, err)
	}
	p, err := decoder.DecodeAll(z, nil)
	if err != nil {
		return nil, errors.E(errors.Integrity, "store: decompressing", path, err)
	}
	exp := new(mfdpg.Exported)
	if err := decMode.Unmarshal(p, exp); err != nil {
		return nil, errors.E(errors.Integrity, "store: decoding", path, err)
	}
	return exp, nil
}

// Close releases the store's lock file.
func (f *File) Close() error {
	if err := unix.Close(f.lockfd); err != nil {
		return errors.E("store: close", f.prefix, err)
	}
	return nil
}

// Save opens the store at prefix, saves exp under its lock and closes
// it.
func Save(ctx context.Context, prefix string, exp *mfdpg.Exported) (err error) {
	f, err := Open(prefix)
	if err != nil {
		return err
	}
	defer errors.CleanUp(f.Close, &err)
	if err := f.Lock(ctx); err != nil {
		return err
	}
	defer errors.CleanUp(f.Unlock, &err)
	return f.Save(exp)
}

// Load opens the store at prefix, loads its state and closes it.
func Load(prefix string) (exp *mfdpg.Exported, err error) {
	f, err := Open(prefix)
	if err != nil {
		return nil, err
	}
	defer errors.CleanUp(f.Close, &err)
	return f.Load()
}
