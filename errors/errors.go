// Copyright 2023 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package errors implements the error type used throughout mfdpg.
// Errors carry a Kind, which tells the caller what went wrong in
// terms of the password generator (a factor set that does not
// reconstruct the key, an exhausted revocation budget, a corrupted
// filter snapshot, and so on), and a Severity. Errors may be chained
// to attribute one error to another.
package errors

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"runtime"
	"strings"

	"github.com/grailbio/base/log"
)

// Separator is inserted between chained errors in error messages.
var Separator = ":\n\t"

// Kind classifies an error. Callers may act on an error's kind.
type Kind int

const (
	// Other is the kind of unclassified errors.
	Other Kind = iota
	// Canceled indicates a context cancellation.
	Canceled
	// Timeout indicates a context deadline expiry.
	Timeout
	// NotExist indicates a nonexistent resource, e.g., a store
	// with no saved session.
	NotExist
	// Invalid indicates that the caller supplied invalid parameters.
	Invalid
	// Integrity indicates that persisted or in-memory revocation
	// state is inconsistent: a malformed snapshot, a snapshot that
	// does not belong to the session's key, or a removal of an entry
	// that was never added.
	Integrity
	// KeyDerivation indicates that the supplied factors could not
	// reconstruct the session key.
	KeyDerivation
	// Exhausted indicates that the revocation capacity of a session
	// has been consumed.
	Exhausted
	// Unsatisfiable indicates that a password pattern admits no
	// string.
	Unsatisfiable
)

var kindText = [...]string{
	Other:         "unknown error",
	Canceled:      "operation was canceled",
	Timeout:       "operation timed out",
	NotExist:      "resource does not exist",
	Invalid:       "invalid argument",
	Integrity:     "integrity error",
	KeyDerivation: "key derivation failed",
	Exhausted:     "revocation capacity exhausted",
	Unsatisfiable: "pattern is unsatisfiable",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindText) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindText[k]
}

// Severity tells whether an error condition may clear up by itself.
type Severity int

const (
	// Temporary errors may succeed on retry, e.g., a lock that could
	// not be taken before a deadline.
	Temporary Severity = -1
	// Unknown is the default severity.
	Unknown Severity = 0
	// Fatal errors leave the session unable to complete the
	// operation; retrying does not help.
	Fatal Severity = 1
)

func (s Severity) String() string {
	switch s {
	case Temporary:
		return "temporary"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is the error type of this module. Errors are constructed
// with E.
type Error struct {
	Kind     Kind
	Severity Severity
	// Message describes the failed operation.
	Message string
	// Err is the cause of the error, if any.
	Err error
}

// E builds an error from its arguments, interpreted by type:
//
//	- Kind: the error's kind
//	- Severity: the error's severity
//	- string: appended to the message, separated by a space
//	- error: the cause
//
// An argument of any other type yields an error of kind Invalid
// describing the bad call.
//
// A kind or severity not given is taken from the cause: from an
// *Error directly (the cause then stops reporting it, so that each
// is printed once), and otherwise by recognizing fs.ErrNotExist,
// context.Canceled and context.DeadlineExceeded.
func E(args ...interface{}) error {
	if len(args) == 0 {
		panic("errors.E: no arguments")
	}
	var (
		e     Error
		parts []string
	)
	for _, arg := range args {
		switch arg := arg.(type) {
		case Kind:
			e.Kind = arg
		case Severity:
			e.Severity = arg
		case string:
			parts = append(parts, arg)
		case error:
			e.Err = arg
		default:
			_, file, line, _ := runtime.Caller(1)
			log.Error.Printf("errors.E: bad argument %v (%T) from %s:%d", arg, arg, file, line)
			return &Error{Kind: Invalid, Message: fmt.Sprintf("errors.E: bad argument of type %T", arg)}
		}
	}
	e.Message = strings.Join(parts, " ")
	if cause, ok := e.Err.(*Error); ok {
		// Copy so the caller's error is unchanged.
		inner := *cause
		if len(args) == 1 {
			return &inner
		}
		if e.Kind == Other || e.Kind == inner.Kind {
			e.Kind, inner.Kind = inner.Kind, Other
		}
		if e.Severity == Unknown || e.Severity == inner.Severity {
			e.Severity, inner.Severity = inner.Severity, Unknown
		}
		e.Err = &inner
	} else if e.Err != nil && e.Kind == Other {
		e.Kind = kindOf(e.Err)
	}
	return &e
}

func kindOf(err error) Kind {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return NotExist
	case errors.Is(err, context.Canceled):
		return Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return Timeout
	}
	return Other
}

// Recover returns err as an *Error, wrapping it if it is not one.
func Recover(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return E(err).(*Error)
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	sep := func(s string) {
		if b.Len() > 0 {
			b.WriteString(s)
		}
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	}
	if e.Kind != Other {
		sep(": ")
		b.WriteString(e.Kind.String())
	}
	if e.Severity != Unknown {
		sep(" ")
		fmt.Fprintf(&b, "(%s)", e.Severity)
	}
	if e.Err != nil {
		if _, ok := e.Err.(*Error); ok {
			sep(Separator)
		} else {
			sep(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the error's cause, for the standard library's
// errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.Err }

// Is tells whether err has the given kind. The kind of an error is
// that of the first error in its chain of *Errors whose kind is not
// Other.
func Is(kind Kind, err error) bool {
	for e := Recover(err); e != nil; {
		if e.Kind != Other {
			return e.Kind == kind
		}
		next, ok := e.Err.(*Error)
		if !ok {
			break
		}
		e = next
	}
	return false
}

// IsFatal tells whether err has severity Fatal.
func IsFatal(err error) bool {
	return err != nil && Recover(err).Severity == Fatal
}

// Match tells whether every field set in want (kind, severity,
// message and cause) equals the corresponding field of err,
// recursively along want's chain. It is meant for tests.
func Match(want, err error) bool {
	w, e := Recover(want), Recover(err)
	switch {
	case w.Kind != Other && w.Kind != e.Kind,
		w.Severity != Unknown && w.Severity != e.Severity,
		w.Message != "" && w.Message != e.Message:
		return false
	case w.Err == nil:
		return true
	case e.Err == nil:
		return false
	}
	if _, ok := w.Err.(*Error); ok {
		return Match(w.Err, e.Err)
	}
	return w.Err.Error() == e.Err.Error()
}

// New returns an error with the given text, as the standard library's
// errors.New.
func New(msg string) error {
	return errors.New(msg)
}
