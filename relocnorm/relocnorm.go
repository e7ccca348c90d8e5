// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package relocnorm rewrites section-symbol relocations into object-symbol
// relocations so that two otherwise-identical objects compare equal even
// when one was compiled with -ffunction-sections and the other wasn't
// (spec.md §4.D "Relocation Normaliser").
package relocnorm

import (
	"debug/elf"
	"strings"

	"github.com/openpatch/upatch-diff/arch"
	"github.com/openpatch/upatch-diff/asm"
	upelf "github.com/openpatch/upatch-diff/elf"
)

// Run normalises every relocation in every non-debug, non-note relocation
// section of m (spec.md §4.D). It is grounded in
// original_source/upatch-diff/create-diff-object.c's replace_section_syms
// and elf-insn.c's rela_target_offset.
func Run(m *upelf.Model) error {
	for _, relasec := range m.Sections {
		if relasec == nil || !relasec.IsRelocationSection() || relasec.Base == nil {
			continue
		}
		if relasec.Base.IsDebug() || relasec.IsNote() {
			continue
		}
		for _, rela := range relasec.Relas {
			if err := normalizeOne(m, relasec, rela); err != nil {
				return err
			}
		}
	}
	return nil
}

func normalizeOne(m *upelf.Model, relasec *upelf.Section, rela *upelf.Relocation) error {
	sym := rela.Target
	if sym == nil || sym.Sec == nil || sym.Type() != elf.STT_SECTION {
		return nil
	}

	// The common, cheap case: the target section was itself bundled
	// (-ffunction-sections/-fdata-sections), so its one symbol is
	// already the right rewrite target and lives at offset 0.
	if bundled := sym.Sec.Sym; bundled != nil {
		if bundled.Value != 0 {
			return &upelf.Err{Entity: bundled.Name, Msg: "bundled target symbol has nonzero offset"}
		}
		rela.Target = bundled
		return nil
	}

	targetOff := targetOffset(m.Arch, relasec, rela)
	for _, cand := range m.Syms {
		if cand == nil || cand.Type() == elf.STT_SECTION || cand.Sec != sym.Sec {
			continue
		}
		start := int64(cand.Value)
		end := int64(cand.Value + cand.Size)

		switch {
		case relasec.Base.IsText() && !cand.Sec.IsText() &&
			isDataEndRef(rela.Type, m.Arch) && rela.Addend == int64(cand.Sec.Header.Size) && end == int64(cand.Sec.Header.Size):
			return &upelf.Err{Entity: relasec.Base.Name, Msg: "relocation refers to the end of a data section"}
		case targetOff == start && targetOff == end:
			if cand.IsMappingSymbol() {
				continue
			}
		case targetOff < start || targetOff >= end:
			continue
		}

		rela.Target = cand
		rela.Addend -= start
		return nil
	}

	// No replacement found: only rodata/string-literal/data references are
	// allowed to fall through untouched (spec.md §4.D "If no replacement
	// is found and the target is not a recognised .rodata*/.data*/
	// string-literal section, fail").
	if sym.Sec.IsStringLiteral() ||
		strings.HasPrefix(sym.Name, ".rodata") ||
		strings.HasPrefix(sym.Name, ".data") {
		return nil
	}
	return &upelf.Err{Entity: relasec.Base.Name, Msg: "cannot find replacement symbol for " + sym.Name + " reference"}
}

// isDataEndRef reports whether typ is a relocation kind whose addend can
// legitimately equal a data section's exact size when pointing one-past-end
// (a forbidden edge case rather than a valid empty-symbol reference).
func isDataEndRef(typ uint32, a *arch.Arch) bool {
	switch a {
	case arch.X86_64:
		return elf.R_X86_64(typ) == elf.R_X86_64_32S || elf.R_X86_64(typ) == elf.R_X86_64_32
	case arch.AARCH64:
		return elf.R_AARCH64(typ) == elf.R_AARCH64_ABS64
	}
	return false
}

// targetOffset computes the byte offset within the relocated section that
// rela's addend actually refers to (spec.md §4.D "on x86-64, PC32/PLT32
// relocations include the size of the trailing instruction bytes"; grounded
// in elf-insn.c's rela_target_offset).
func targetOffset(a *arch.Arch, relasec *upelf.Section, rela *upelf.Relocation) int64 {
	if a != arch.X86_64 {
		return rela.Addend
	}
	sec := relasec.Base
	if !sec.IsText() {
		return rela.Addend
	}
	switch elf.R_X86_64(rela.Type) {
	case elf.R_X86_64_64, elf.R_X86_64_32, elf.R_X86_64_32S:
		return rela.Addend
	case elf.R_X86_64_PC32, elf.R_X86_64_PLT32:
		return rela.Addend + int64(trailingBytes(sec, rela.Offset))
	}
	return rela.Addend
}

// trailingBytes returns the number of instruction bytes following a PC32/
// PLT32 relocation's patched-in offset, i.e. the distance from the start of
// the relocation field to the next instruction boundary (spec.md §4.D "PC32/
// PLT32 relocations include the size of the trailing instruction bytes";
// grounded in elf-insn.c's rela_insn + rela_target_offset). Falls back to 4
// -- the width of the relocation field itself -- if the containing
// instruction can't be decoded.
func trailingBytes(sec *upelf.Section, offset uint64) int {
	insts, err := asm.Decode(arch.X86_64, sec.Data, 0)
	if err != nil {
		return 4
	}
	for _, in := range insts {
		start := uint64(in.PC)
		end := start + uint64(in.Len)
		if offset >= start && offset < end {
			return int(end - offset)
		}
	}
	return 4
}
