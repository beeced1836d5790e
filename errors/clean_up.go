// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package errors

import "fmt"

// CleanUp is defer-able syntactic sugar that calls f and reports an error, if any,
// to *err. Pass the caller's named return error. Example usage:
//
//	func (f *File) Save(e *mfdpg.Exported) (err error) {
//		w, err := os.CreateTemp(dir, name)
//		if err != nil { ... }
//		defer errors.CleanUp(w.Close, &err)
//		...
//	}
//
// If the caller returns with its own error, the clean-up error is
// appended to its message rather than chained as its cause.
func CleanUp(cleanUp func() error, dst *error) {
	err := cleanUp()
	if err == nil {
		return
	}
	if *dst == nil {
		*dst = err
		return
	}
	*dst = E(*dst, fmt.Sprintf("second error in clean-up: %v", err))
}
