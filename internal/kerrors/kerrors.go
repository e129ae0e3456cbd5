// Copyright 2011 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package kerrors adapts the teacher's trivial errors package into a
// bridge between defs.Err_t (the kernel's internal error currency)
// and the Go error values that cobra/viper/log expect at the daemon
// boundary.
package kerrors

import (
	"fmt"

	"pios/internal/defs"
)

// New returns an error that formats as the given text.
func New(text string) error {
	return &errorString{text}
}

// errorString is a trivial implementation of the error interface.
type errorString struct {
	s string
}

func (e *errorString) Error() string {
	return e.s
}

// names gives Err_t values a human string without pulling syscall
// errno tables into a hosted simulation that has no real syscalls.
var names = map[defs.Err_t]string{
	defs.EFAULT:  "address fault",
	defs.ENOMEM:  "out of memory",
	defs.ECHILD:  "no such child",
	defs.EAGAIN:  "resource temporarily unavailable",
	defs.EINVAL:  "invalid argument",
	defs.ENOHEAP: "kernel heap exhausted",
	defs.EEXIST:  "already exists",
	defs.ENOENT:  "no such inode",
	defs.E2BIG:   "result too large",
}

// FromErrt converts a non-zero defs.Err_t into a Go error, or nil if e is 0.
func FromErrt(e defs.Err_t) error {
	if e == 0 {
		return nil
	}
	if name, ok := names[e]; ok {
		return New(name)
	}
	return fmt.Errorf("kernel error %d", int(e))
}

// Wrap attaches context to a non-nil Err_t, for daemon-level log lines.
func Wrap(op string, e defs.Err_t) error {
	if e == 0 {
		return nil
	}
	return fmt.Errorf("%s: %w", op, FromErrt(e))
}
