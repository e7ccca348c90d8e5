// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package synth

import (
	"debug/elf"
	"encoding/binary"

	upelf "github.com/openpatch/upatch-diff/elf"
	"github.com/openpatch/upatch-diff/runningelf"
)

// PartialResolve fills in the value/size of every symbol reresolveLocals
// tagged with the "other" bit, by looking its name up in the running
// binary and leaving its section reference undefined so the patch loader
// re-binds it at load time (spec.md §4.I "Partial resolve"; grounded in
// original_source/upatch-diff/elf-resolve.c's upatch_partly_resolve).
func PartialResolve(out *upelf.Model, running *runningelf.Table) error {
	for _, sym := range out.Syms {
		if sym == nil || sym.Other_ != upelf.OtherReresolve {
			continue
		}
		rs, err := running.Lookup(sym.Name, sym.Bind())
		if err != nil {
			return &upelf.Err{Entity: sym.Name, Msg: err.Error()}
		}
		if rs == nil {
			return &upelf.Err{Entity: sym.Name, Msg: "re-resolved symbol not found in running binary"}
		}
		sym.Value = rs.Addr
		sym.Size = rs.Size
	}
	return nil
}

// ReorderSymbols lays out Syms in the five-way order ELF convention (and
// the loader) expects: the NULL symbol, STT_FILE symbols, LOCAL FUNC
// symbols, every other LOCAL symbol, then everything else, dropping any
// symbol marked StripStrip along the way (spec.md invariant 7; grounded in
// elf-create.c's migrate_symbols/upatch_reorder_symbols and
// upatch_strip_unneeded_syms).
func ReorderSymbols(out *upelf.Model) {
	var null, files, localFuncs, otherLocal, rest []*upelf.Symbol
	for _, sym := range out.Syms {
		if sym == nil {
			continue
		}
		switch {
		case sym.Index == 0:
			null = append(null, sym)
		case sym.Type() == elf.STT_FILE:
			files = append(files, sym)
		case sym.Bind() == elf.STB_LOCAL && sym.Type() == elf.STT_FUNC:
			localFuncs = append(localFuncs, sym)
		case sym.Bind() == elf.STB_LOCAL:
			otherLocal = append(otherLocal, sym)
		default:
			rest = append(rest, sym)
		}
	}

	ordered := make([]*upelf.Symbol, 0, len(out.Syms))
	ordered = append(ordered, null...)
	ordered = append(ordered, files...)
	ordered = append(ordered, localFuncs...)
	ordered = append(ordered, otherLocal...)
	ordered = append(ordered, rest...)

	kept := ordered[:0]
	for _, sym := range ordered {
		if sym.Index != 0 && sym.Strip == upelf.StripStrip {
			continue
		}
		kept = append(kept, sym)
	}
	out.Syms = kept
}

// Reindex assigns every symbol a dense SymIdx matching its new position
// (section indices never move: migration preserves insertion order and
// nothing is ever removed from Sections) and rewrites each symbol's
// st_shndx from its (possibly now-undefined) Sec pointer (spec.md §4.I
// "Reindex"; grounded in elf-create.c's upatch_reindex_elements).
func Reindex(out *upelf.Model) {
	for i, sym := range out.Syms {
		sym.Index = upelf.SymIdx(i)
		switch {
		case sym.Sec != nil:
			sym.Info.Shndx = uint16(sym.Sec.Index)
		case sym.Info.Shndx == uint16(elf.SHN_ABS):
			// Absolute symbols keep their shndx; nothing to do.
		default:
			sym.Info.Shndx = uint16(elf.SHN_UNDEF)
		}
	}
}

// buildShstrtab fills the migrated .shstrtab section's data from the
// output's final section list and returns each section's name offset
// (spec.md §4.I "Rebuild string tables"; grounded in elf-create.c's
// upatch_create_shstrtab).
func buildShstrtab(out *upelf.Model) map[upelf.SecIdx]uint32 {
	sec := out.SectionByName(".shstrtab")
	buf := []byte{0}
	offs := make(map[upelf.SecIdx]uint32, len(out.Sections))
	for _, s := range out.Sections {
		if s == nil {
			continue
		}
		offs[s.Index] = uint32(len(buf))
		buf = append(buf, s.Name...)
		buf = append(buf, 0)
	}
	if sec != nil {
		sec.Data = buf
		sec.Header.Size = uint64(len(buf))
	}
	return offs
}

// buildStrtab fills the migrated .strtab section's data and returns each
// symbol's name offset; STT_SECTION symbols get offset 0, matching the ELF
// convention that a section symbol's own name is redundant with its
// section's shstrtab entry (grounded in elf-create.c's
// upatch_create_strtab).
func buildStrtab(out *upelf.Model) map[upelf.SymIdx]uint32 {
	sec := out.SectionByName(".strtab")
	buf := []byte{0}
	offs := make(map[upelf.SymIdx]uint32, len(out.Syms))
	for _, sym := range out.Syms {
		if sym == nil {
			continue
		}
		if sym.Type() == elf.STT_SECTION {
			offs[sym.Index] = 0
			continue
		}
		offs[sym.Index] = uint32(len(buf))
		buf = append(buf, sym.Name...)
		buf = append(buf, 0)
	}
	if sec != nil {
		sec.Data = buf
		sec.Header.Size = uint64(len(buf))
	}
	return offs
}

// buildSymtab fills the migrated .symtab section's on-disk Elf64_Sym array
// and reports the count of STB_LOCAL entries, which the caller needs for
// the section header's sh_info (grounded in elf-create.c's
// upatch_create_symtab).
func buildSymtab(out *upelf.Model, order binary.ByteOrder, nameOff map[upelf.SymIdx]uint32) int {
	sec := out.SectionByName(".symtab")
	const entsize = 24
	buf := make([]byte, 0, len(out.Syms)*entsize)
	nlocal := 0
	for _, sym := range out.Syms {
		if sym == nil {
			continue
		}
		if sym.Local() {
			nlocal++
		}
		var rec [entsize]byte
		order.PutUint32(rec[0:4], nameOff[sym.Index])
		rec[4] = sym.Info.Info
		rec[5] = sym.Other
		order.PutUint16(rec[6:8], sym.Info.Shndx)
		order.PutUint64(rec[8:16], sym.Value)
		order.PutUint64(rec[16:24], sym.Size)
		buf = append(buf, rec[:]...)
	}
	if sec != nil {
		sec.Data = buf
		sec.Header.Size = uint64(len(buf))
		sec.Header.Entsize = entsize
	}
	return nlocal
}

// finalizeRelocations serializes every relocation section's Data from its
// Relas slice now that symbol indices are frozen (grounded in
// elf-create.c's rebuild_rela_section_data).
func finalizeRelocations(out *upelf.Model, order binary.ByteOrder) {
	for _, sec := range out.Sections {
		if sec == nil || !sec.IsRelocationSection() {
			continue
		}
		buf := make([]byte, 0, len(sec.Relas)*24)
		for _, r := range sec.Relas {
			var rec [24]byte
			order.PutUint64(rec[0:8], r.Offset)
			var symIdx uint32
			if r.Target != nil {
				symIdx = uint32(r.Target.Index)
			}
			order.PutUint64(rec[8:16], uint64(symIdx)<<32|uint64(r.Type))
			order.PutUint64(rec[16:24], uint64(r.Addend))
			buf = append(buf, rec[:]...)
		}
		sec.Data = buf
		sec.Header.Size = uint64(len(buf))
		sec.Header.Entsize = 24
	}
}
