// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elf

// A Relocation describes one entry in a relocation section.
type Relocation struct {
	Model *Model

	// Offset is the byte offset within Base (the relocated section) that
	// this relocation applies to.
	Offset uint64
	Type   uint32
	Addend int64

	// Target is the symbol this relocation refers to. After the
	// relocation normaliser (package relocnorm) has run, this is always
	// an object/function symbol -- never a raw section symbol, except
	// where normalisation deliberately leaves a string-literal section
	// target in place.
	Target *Symbol

	// TargetSection is set instead of Target when normalisation could not
	// replace a section-symbol relocation with an object-symbol one
	// because the target data is a string-literal/rodata blob that has no
	// individual symbol (spec.md §4.D).
	TargetSection *Section

	// String, when non-empty (or StringOK is true for the empty string),
	// is the literal this relocation points to, materialized at load time
	// so the comparator can do content-based rather than address-based
	// comparison (spec.md §3 Relocation "cached copy of the literal").
	String   string
	StringOK bool

	// NeedDynrela marks a relocation that must be resolved by the patch
	// loader at apply time rather than by this engine at link time
	// (glossary: dynamic relocation). Set by the output synthesizer.
	NeedDynrela bool
}

// SameTarget reports whether r and o target the same symbol, treating two
// relocations into equal string literals as equal even if they point at
// different (but content-identical) literal sections.
func (r *Relocation) SameTarget(o *Relocation, nameEqual func(a, b string) bool) bool {
	if r.StringOK && o.StringOK {
		return r.String == o.String
	}
	if r.Target != nil && o.Target != nil {
		return nameEqual(r.Target.Name, o.Target.Name)
	}
	return false
}
