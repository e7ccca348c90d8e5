// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pipeline

import (
	"os"

	"github.com/openpatch/upatch-diff/bundle"
	"github.com/openpatch/upatch-diff/compare"
	"github.com/openpatch/upatch-diff/correlate"
	upelf "github.com/openpatch/upatch-diff/elf"
	"github.com/openpatch/upatch-diff/include"
	"github.com/openpatch/upatch-diff/relocnorm"
	"github.com/openpatch/upatch-diff/resolve"
	"github.com/openpatch/upatch-diff/runningelf"
	"github.com/openpatch/upatch-diff/synth"
	"github.com/openpatch/upatch-diff/ulog"
)

// Config names the four paths the engine operates on and the optional
// line-macro whitelist override (spec.md §4.J "Orchestrator"; the four
// paths mirror create-diff-object's -s/-p/-r/-o flags).
type Config struct {
	OrigPath    string
	PatchedPath string
	RunningPath string
	OutputPath  string

	Whitelist compare.Whitelist // nil selects compare.DefaultWhitelist
	Log       *ulog.Context
}

// Run drives the ten-stage pipeline end to end, in the order spec.md §3
// names them, and writes the resulting patch object to cfg.OutputPath. It
// reports (false, nil) if the two objects have no functional differences,
// matching the "no functional changes" short-circuit the engine offers as
// a testable property (spec.md §8 invariant 1 and §3's stage ordering).
func Run(cfg Config) (wrote bool, err error) {
	log := cfg.Log
	if log == nil {
		log = ulog.New(false)
	}
	log.SetPaths(cfg.OrigPath, cfg.PatchedPath, cfg.RunningPath)

	origFile, err := os.Open(cfg.OrigPath)
	if err != nil {
		return false, wrap(IO, "open source object", err)
	}
	defer origFile.Close()
	patchedFile, err := os.Open(cfg.PatchedPath)
	if err != nil {
		return false, wrap(IO, "open patched object", err)
	}
	defer patchedFile.Close()
	runningFile, err := os.Open(cfg.RunningPath)
	if err != nil {
		return false, wrap(IO, "open running binary", err)
	}
	defer runningFile.Close()

	orig, err := upelf.Load(origFile)
	if err != nil {
		return false, wrap(Format, "load source object", err)
	}
	patched, err := upelf.Load(patchedFile)
	if err != nil {
		return false, wrap(Format, "load patched object", err)
	}
	if err := upelf.CompareHeaders(orig, patched); err != nil {
		return false, wrap(Format, "compare headers", err)
	}
	running, err := runningelf.Load(runningFile)
	if err != nil {
		return false, wrap(Format, "load running binary", err)
	}
	log.Debugf("loaded %d/%d sections, %d/%d symbols (source/patched)",
		len(orig.Sections)-1, len(patched.Sections)-1, len(orig.Syms)-1, len(patched.Syms)-1)

	for _, m := range [2]*upelf.Model{orig, patched} {
		if err := bundle.Run(m); err != nil {
			return false, wrap(Correlation, "symbol bundler", err)
		}
		if err := relocnorm.Run(m); err != nil {
			return false, wrap(Correlation, "relocation normaliser", err)
		}
	}

	correlate.Sections(orig, patched)
	correlate.Symbols(orig, patched)
	if err := correlate.StaticLocals(orig, patched); err != nil {
		return false, wrap(Correlation, "correlator", err)
	}
	for _, sym := range correlate.Warnings(patched) {
		log.Warnf("uncorrelated static local %q may be miscompared", sym.Name)
	}

	wl := cfg.Whitelist
	if wl == nil {
		wl = compare.DefaultWhitelist
	}
	a := patched.Arch
	nameEqual := correlate.MangledEqual
	if err := compare.Sections(patched, a, wl, cfg.RunningPath, nameEqual); err != nil {
		return false, wrap(Comparison, "comparator", err)
	}
	if err := compare.Symbols(patched); err != nil {
		return false, wrap(Comparison, "comparator", err)
	}

	// orig has done its job: every decision it can inform (correlation,
	// comparison) is now baked into patched's Status/Twin fields.
	orig = nil

	if !anyChanges(patched) {
		log.Normalf("no functional changes")
		return false, nil
	}

	if _, err := include.Run(patched); err != nil {
		return false, wrap(Patchability, "inclusion engine", err)
	}

	if err := resolve.Run(patched, running); err != nil {
		return false, wrap(Resolution, "running-binary resolver", err)
	}

	out, err := os.Create(cfg.OutputPath)
	if err != nil {
		return false, wrap(IO, "create output object", err)
	}
	defer out.Close()

	tgt := synth.Target{Class: patched.RawClass(), Data: patched.RawData(), Machine: a.Machine, Type: patched.RawType()}
	if err := synth.Run(patched, running, tgt, out); err != nil {
		return false, wrap(IO, "output synthesizer", err)
	}

	return true, nil
}

// anyChanges reports whether patched contains any CHANGED symbol or any
// NEW symbol with a defining section; if it has neither there is nothing
// to patch (spec.md §8 invariant 1; grounded in
// include_changed_functions/include_new_globals's return values). Unlike
// those, it counts symbols of every type and binding, not only CHANGED
// functions and NEW globals.
func anyChanges(patched *upelf.Model) bool {
	for _, sym := range patched.Syms {
		if sym == nil {
			continue
		}
		if sym.Status == upelf.StatusChanged {
			return true
		}
		if sym.Status == upelf.StatusNew && sym.Sec != nil {
			return true
		}
	}
	return false
}
