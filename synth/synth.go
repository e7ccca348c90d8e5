// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package synth builds the output patch object from the included closure of
// a patched Model and writes it out as a fresh relocatable ELF file (spec.md
// §4.I "Output Synthesizer"; grounded in
// original_source/upatch-diff/elf-create.c and elf-resolve.c).
package synth

import (
	"debug/elf"
	"io"

	upelf "github.com/openpatch/upatch-diff/elf"
	"github.com/openpatch/upatch-diff/runningelf"
)

// Target describes the raw ELF file-header fields the output must carry,
// taken from the orig/patched object's own header (spec.md §4.I "the output
// object is built for the same machine, class and data encoding as its
// inputs").
type Target struct {
	Class   elf.Class
	Data    elf.Data
	Machine elf.Machine
	Type    elf.Type // normally elf.ET_REL
}

// Run migrates the included closure of patched into a fresh output Model,
// synthesizes the .upatch.* metadata sections, reorders and strips symbols,
// reindexes everything, and writes the result to w (spec.md §4.I, in the
// order its subsections are numbered).
func Run(patched *upelf.Model, running *runningelf.Table, tgt Target, w io.Writer) error {
	out := Migrate(patched)

	strSec, strSym := createStringsSection(out)
	absType := absoluteRelocType(tgt.Machine)

	if err := BuildFuncs(out, running, strSym, absType); err != nil {
		return err
	}

	entries := MarkDynrela(out, running)
	if err := BuildDynrelaSections(out, entries, strSym, absType); err != nil {
		return err
	}

	if err := PartialResolve(out, running); err != nil {
		return err
	}

	buildStringsData(out, strSec)

	ReorderSymbols(out)
	Reindex(out)

	return WriteTo(w, out, tgt)
}

func buildStringsData(out *upelf.Model, sec *upelf.Section) {
	var buf []byte
	for _, s := range out.Strings {
		buf = append(buf, s...)
		buf = append(buf, 0)
	}
	sec.Data = buf
	sec.Header.Size = uint64(len(buf))
}
