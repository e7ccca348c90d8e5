// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package correlate pairs each orig section/symbol with its twin in
// patched, including renaming-aware static-local correlation (spec.md §4.E
// "Correlator").
package correlate

import (
	"debug/elf"
	"strings"
	"unicode"

	upelf "github.com/openpatch/upatch-diff/elf"
)

// MangledEqual reports whether a and b are equal up to compiler-appended
// numeric suffixes of the form ".[0-9]+" (spec.md glossary "Mangled
// equality"; grounded in original_source/upatch-diff/elf-common.c's
// mangled_strcmp). Inside the literal substring ".str1." -- present in
// string-literal section names like ".rodata.str1.1" -- the names are
// compared verbatim, since those aren't mangled at all even though they
// look like it.
func MangledEqual(a, b string) bool {
	if strings.Contains(a, ".str1.") || strings.Contains(b, ".str1.") {
		return a == b
	}
	i, j := 0, 0
	for i < len(a) && j < len(b) && a[i] == b[j] {
		if a[i] == '.' && i+1 < len(a) && isDigit(a[i+1]) {
			if !(j+1 < len(b) && isDigit(b[j+1])) {
				return false
			}
			i++
			for i < len(a) && isDigit(a[i]) {
				i++
			}
			j++
			for j < len(b) && isDigit(b[j]) {
				j++
			}
			continue
		}
		i++
		j++
	}
	if i == len(a) && hasDigitTail(b[j:]) {
		return true
	}
	if j == len(b) && hasDigitTail(a[i:]) {
		return true
	}
	return i == len(a) && j == len(b)
}

func isDigit(b byte) bool { return unicode.IsDigit(rune(b)) }

// hasDigitTail reports whether s consists of nothing but one or more
// ".<digits>" suffixes -- the shape mangled_strcmp forgives when one name
// ran out before the other (e.g. comparing "foo" against "foo.31452").
func hasDigitTail(s string) bool {
	for len(s) > 0 {
		if s[0] != '.' {
			return false
		}
		s = s[1:]
		n := 0
		for n < len(s) && isDigit(s[n]) {
			n++
		}
		if n == 0 {
			return false
		}
		s = s[n:]
	}
	return true
}

// IsNormalStaticLocal reports whether sym is an ordinary (non-special)
// file-scope static local variable whose name may have been renamed by the
// compiler with a numeric suffix (spec.md §4.E "Static-local refinement";
// grounded in elf-common.c's is_normal_static_local).
func IsNormalStaticLocal(sym *upelf.Symbol) bool {
	if sym.Type() != elf.STT_OBJECT || sym.Bind() != elf.STB_LOCAL {
		return false
	}
	if strings.HasPrefix(sym.Name, ".L") {
		return false
	}
	if !strings.Contains(sym.Name, ".") {
		return false
	}
	return true
}

func bindSymbol(o, p *upelf.Symbol) {
	o.Twin, p.Twin = p, o
	o.Status, p.Status = upelf.StatusSame, upelf.StatusSame
	if o.Name != p.Name {
		p.Name = o.Name
		p.NameSource = upelf.NameRef
	}
	if o.RelfSym != nil && p.RelfSym == nil {
		p.RelfSym = o.RelfSym
	}
}

func bindSectionPair(o, p *upelf.Section) {
	bindSectionOnly(o, p)

	if o.IsRelocationSection() {
		bindSectionOnly(o.Base, p.Base)
		o, p = o.Base, p.Base
	} else if o.Rela != nil && p.Rela != nil {
		bindSectionOnly(o.Rela, p.Rela)
	}

	if o.SecSym != nil && p.SecSym != nil {
		bindSymbol(o.SecSym, p.SecSym)
	}
	if o.Sym != nil && p.Sym != nil {
		bindSymbol(o.Sym, p.Sym)
	}
}

func bindSectionOnly(o, p *upelf.Section) {
	o.Twin, p.Twin = p, o
	o.Status, p.Status = upelf.StatusSame, upelf.StatusSame
	if o.Name != p.Name {
		p.Name = o.Name
		p.NameSource = upelf.NameRef
	}
}

func unbindSymbol(sym *upelf.Symbol) {
	sym.Twin.Twin = nil
	sym.Twin = nil
}

func unbindSection(sec *upelf.Section) {
	sec.Twin.Twin = nil
	sec.Twin = nil
}

// Sections correlates every uncorrelated orig section with its unique
// uncorrelated patched twin by mangled-name equality, recursively binding
// rela/base pairs and section symbols (spec.md §4.E "Section pass";
// grounded in elf-correlate.c's upatch_correlate_sections).
func Sections(orig, patched *upelf.Model) {
	for _, so := range orig.Sections {
		if so == nil || so.Twin != nil {
			continue
		}
		for _, sp := range patched.Sections {
			if sp == nil || sp.Twin != nil || !MangledEqual(so.Name, sp.Name) {
				continue
			}
			if so.Header.Type == elf.SHT_GROUP {
				if len(so.Data) != len(sp.Data) || string(so.Data) != string(sp.Data) {
					continue
				}
			}
			bindSectionPair(so, sp)
			break
		}
	}
}

// Symbols correlates every uncorrelated orig symbol with its unique
// uncorrelated patched twin of the same type and mangled-equal name,
// skipping compiler-generated literal pointers, mapping symbols, and
// group-section symbols whose sections aren't twinned (spec.md §4.E "Symbol
// pass"; grounded in elf-correlate.c's upatch_correlate_symbols).
func Symbols(orig, patched *upelf.Model) {
	for _, so := range orig.Syms {
		if so == nil || so.Twin != nil {
			continue
		}
		for _, sp := range patched.Syms {
			if sp == nil || sp.Twin != nil || so.Type() != sp.Type() || !MangledEqual(so.Name, sp.Name) {
				continue
			}
			if so.Type() == elf.STT_NOTYPE &&
				(strings.HasPrefix(so.Name, ".LC") || strings.HasPrefix(so.Name, ".Ltmp")) {
				continue
			}
			if so.IsMappingSymbol() {
				continue
			}
			if so.Sec != nil && so.Sec.Header.Type == elf.SHT_GROUP && so.Sec.Twin != sp.Sec {
				continue
			}
			bindSymbol(so, sp)
			break
		}
	}
}

// findUncorrelatedRela scans relasec's relocations for an uncorrelated
// symbol of sym's type (and, for OBJECT symbols, size) whose name is
// mangled-equal to sym's (grounded in elf-correlate.c's
// find_uncorrelated_rela).
func findUncorrelatedRela(relasec *upelf.Section, sym *upelf.Symbol) *upelf.Symbol {
	for _, rela := range relasec.Relas {
		cand := rela.Target
		if cand == nil || cand.Twin != nil {
			continue
		}
		if cand.Type() != sym.Type() {
			continue
		}
		if sym.Type() == elf.STT_OBJECT && cand.Size != sym.Size {
			continue
		}
		if !MangledEqual(cand.Name, sym.Name) {
			continue
		}
		return cand
	}
	return nil
}

func findStaticTwinRef(relasec *upelf.Section, sym *upelf.Symbol) *upelf.Relocation {
	for _, rela := range relasec.Relas {
		if rela.Target == sym.Twin {
			return rela
		}
	}
	return nil
}

// StaticLocals re-correlates compiler-renamed static locals by matching
// relocation usage rather than (unstable) name equality (spec.md §4.E
// "Static-local refinement"; grounded in elf-correlate.c's
// upatch_correlate_static_local_variables).
func StaticLocals(orig, patched *upelf.Model) error {
	// Undo whatever the generic passes correlated by coincidence of
	// numeric suffix.
	for _, sym := range orig.Syms {
		if sym == nil || !IsNormalStaticLocal(sym) {
			continue
		}
		if sym.Twin != nil {
			unbindSymbol(sym)
		}
		bundled := sym.Sec != nil && sym.Sec.Sym == sym
		if bundled && sym.Sec.Twin != nil {
			unbindSection(sym.Sec)
			if sym.Sec.SecSym != nil && sym.Sec.SecSym.Twin != nil {
				unbindSymbol(sym.Sec.SecSym)
			}
			if sym.Sec.Rela != nil && sym.Sec.Rela.Twin != nil {
				unbindSection(sym.Sec.Rela)
			}
		}
	}

	for _, relasec := range orig.Sections {
		if relasec == nil || !relasec.IsRelocationSection() || relasec.Base.IsDebug() || relasec.IsNote() {
			continue
		}
		for _, rela := range relasec.Relas {
			sym := rela.Target
			if sym == nil || !IsNormalStaticLocal(sym) || sym.Twin != nil {
				continue
			}

			bundled := sym.Sec != nil && sym.Sec.Sym == sym
			if bundled && sym.Sec == relasec.Base {
				// A static local referencing itself; no reliable
				// way to correlate it here.
				continue
			}

			if relasec.Twin == nil {
				return &upelf.Err{Entity: sym.Name, Msg: "reference to static local variable was removed"}
			}
			patchedSym := findUncorrelatedRela(relasec.Twin, sym)
			if patchedSym == nil {
				return &upelf.Err{Entity: sym.Name, Msg: "reference to static local variable was removed"}
			}

			patchedBundled := patchedSym.Sec != nil && patchedSym.Sec.Sym == patchedSym
			if bundled != patchedBundled {
				return &upelf.Err{Entity: sym.Name, Msg: "bundle mismatch for static local"}
			}
			if !bundled && sym.Sec != nil && sym.Sec.Twin != patchedSym.Sec {
				return &upelf.Err{Entity: sym.Name, Msg: "sections aren't correlated for static local"}
			}

			bindSymbol(sym, patchedSym)
			if bundled {
				bindSectionPair(sym.Sec, patchedSym.Sec)
			}
		}
	}

	return checkStaticVariableCorrelate(orig, patched)
}

// checkStaticVariableCorrelate verifies every orig-side static-local
// reference ended up correlated with a matching patched-side reference
// (grounded in elf-correlate.c's check_static_variable_correlate). It does
// not inspect patched-side statics; Warnings lists those.
func checkStaticVariableCorrelate(orig, patched *upelf.Model) error {
	for _, relasec := range orig.Sections {
		if relasec == nil || !relasec.IsRelocationSection() || relasec.Base.IsDebug() || relasec.IsNote() {
			continue
		}
		for _, rela := range relasec.Relas {
			sym := rela.Target
			if sym == nil || !IsNormalStaticLocal(sym) {
				continue
			}
			if sym.Twin == nil || relasec.Twin == nil {
				return &upelf.Err{Entity: sym.Name, Msg: "reference to static local variable was removed"}
			}
			if findStaticTwinRef(relasec.Twin, sym) == nil {
				return &upelf.Err{Entity: sym.Name, Msg: "patched side is missing a reference to correlated static local"}
			}
		}
	}
	// Uncorrelated patched-side statics are warnings, not errors (spec.md
	// §4.E); the orchestrator's logging context is the right place to
	// surface them, so Warnings just reports the list for it to log.
	return nil
}

// Warnings collects patched-side static locals left uncorrelated after
// StaticLocals has run -- these are assumed NEW and only warrant a warning
// (spec.md §4.E, §7 "Warnings (non-fatal): uncorrelated new static local").
func Warnings(patched *upelf.Model) []*upelf.Symbol {
	var out []*upelf.Symbol
	for _, relasec := range patched.Sections {
		if relasec == nil || !relasec.IsRelocationSection() || relasec.Base.IsDebug() || relasec.IsNote() {
			continue
		}
		for _, rela := range relasec.Relas {
			sym := rela.Target
			if sym == nil || !IsNormalStaticLocal(sym) || sym.Twin != nil {
				continue
			}
			out = append(out, sym)
		}
	}
	return out
}
