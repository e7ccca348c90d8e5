// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package synth

import (
	"debug/elf"
	"encoding/binary"

	upelf "github.com/openpatch/upatch-diff/elf"
)

// funcRecordSize is sizeof(struct upatch_patch_func): six 8-byte fields,
// new_addr at offset 0 and name (a string-table offset once synthesized, a
// pointer in the runtime struct) at offset 40 (grounded in
// original_source/upatch-diff/upatch-patch.h).
const funcRecordSize = 48

// FuncRecord is one entry of .upatch.funcs. NewAddr and the high bytes of
// Name are always zero on disk: both fields are filled in by the
// relocations BuildFuncs emits alongside the record (new_addr by an
// absolute relocation against the replaced function's symbol, name by one
// against the .upatch.strings section symbol).
type FuncRecord struct {
	NewAddr, NewSize, OldAddr, OldSize, Sympos uint64
}

func (r FuncRecord) encode(order binary.ByteOrder) []byte {
	b := make([]byte, funcRecordSize)
	order.PutUint64(b[0:8], r.NewAddr)
	order.PutUint64(b[8:16], r.NewSize)
	order.PutUint64(b[16:24], r.OldAddr)
	order.PutUint64(b[24:32], r.OldSize)
	order.PutUint64(b[32:40], r.Sympos)
	return b
}

// symbolRecordSize is sizeof(struct upatch_symbol): src, sympos (two 8-byte
// fields), bind/type (one byte each), six bytes of padding to realign the
// trailing pointer, then name -- 32 bytes total (grounded in
// original_source/upatch-diff/upatch-dynrela.h).
const symbolRecordSize = 32

// symbolRecordNameOffset is the byte offset of the name field within a
// symbolRecord, where BuildDynrelaSections's string relocation lands.
const symbolRecordNameOffset = 24

// SymbolRecord is one entry of .upatch.symbols. Src is left zero: the patch
// loader fills it in at apply time once it has resolved the symbol.
type SymbolRecord struct {
	Src    uint64
	Sympos uint64
	Bind   uint8
	Type   uint8
}

func (r SymbolRecord) encode(order binary.ByteOrder) []byte {
	b := make([]byte, symbolRecordSize)
	order.PutUint64(b[0:8], r.Src)
	order.PutUint64(b[8:16], r.Sympos)
	b[16] = r.Bind
	b[17] = r.Type
	return b
}

// relocationRecordSize is sizeof(struct upatch_relocation): dst, type,
// addend (three 8-byte fields) then sym -- 32 bytes total (grounded in
// original_source/upatch-diff/upatch-dynrela.h).
const relocationRecordSize = 32

// relocationRecordSymOffset is the byte offset of the sym field within a
// relocationRecord, where BuildDynrelaSections's symbol-table relocation
// lands.
const relocationRecordSymOffset = 24

// RelocationRecord is one entry of .upatch.relocations. Dst is left zero:
// it is filled in by a relocation against the owning function's symbol
// with an addend of the relocation's offset within that function's body.
type RelocationRecord struct {
	Type   uint64
	Addend int64
}

func (r RelocationRecord) encode(order binary.ByteOrder) []byte {
	b := make([]byte, relocationRecordSize)
	order.PutUint64(b[8:16], r.Type)
	order.PutUint64(b[16:24], uint64(r.Addend))
	return b
}

// absoluteRelocType returns the architecture's absolute 64-bit relocation
// type, used for every synthesized metadata pointer field (spec.md §4.I;
// grounded in elf-create.c's absolute_rela_type, which switches on the
// same three machines this engine supports).
func absoluteRelocType(machine elf.Machine) uint32 {
	switch machine {
	case elf.EM_X86_64:
		return uint32(elf.R_X86_64_64)
	case elf.EM_AARCH64:
		return uint32(elf.R_AARCH64_ABS64)
	case elf.EM_RISCV:
		return 2 // R_RISCV_64
	}
	return 0
}

// createStringsSection allocates .upatch.strings and its local
// STT_SECTION symbol (spec.md §4.I; grounded in elf-create.c's
// upatch_create_strings_elements). Its Data is filled in later, once every
// caller has finished allocating string offsets via Model.OffsetOfString.
func createStringsSection(out *upelf.Model) (*upelf.Section, *upelf.Symbol) {
	sec := &upelf.Section{
		Name:       ".upatch.strings",
		NameSource: upelf.NameAlloc,
		Header: upelf.Header{
			Type:      elf.SHT_PROGBITS,
			Flags:     elf.SHF_ALLOC,
			Entsize:   1,
			Addralign: 1,
		},
		Include: true,
	}
	out.AddSection(sec)

	sym := &upelf.Symbol{Name: sec.Name, NameSource: upelf.NameAlloc, Sec: sec, Include: true}
	sym.SetInfo(elf.STB_LOCAL, elf.STT_SECTION)
	out.AddSym(sym)
	sec.SecSym = sym

	return sec, sym
}

// createSectionPair allocates a PROGBITS metadata section and its paired
// .rela counterpart (spec.md §4.I; grounded in elf-create.c's
// create_section_pair).
func createSectionPair(out *upelf.Model, name string, entsize uint64) (*upelf.Section, *upelf.Section) {
	sec := &upelf.Section{
		Name:       name,
		NameSource: upelf.NameAlloc,
		Header: upelf.Header{
			Type:      elf.SHT_PROGBITS,
			Flags:     elf.SHF_ALLOC,
			Entsize:   entsize,
			Addralign: 8,
		},
		Include: true,
	}
	out.AddSection(sec)

	rela := &upelf.Section{
		Name:       ".rela" + name,
		NameSource: upelf.NameAlloc,
		Header: upelf.Header{
			Type:      elf.SHT_RELA,
			Entsize:   24,
			Addralign: 8,
		},
		Base:    sec,
		Include: true,
	}
	out.AddSection(rela)
	sec.Rela = rela

	return sec, rela
}

// createSectionSymbol allocates a local STT_SECTION symbol for sec, the way
// .upatch.symbols needs one so dynrela records can reference entries within
// it by symbol+addend (spec.md §4.I; grounded in elf-create.c's
// upatch_create_intermediate_sections).
func createSectionSymbol(out *upelf.Model, sec *upelf.Section) *upelf.Symbol {
	sym := &upelf.Symbol{Name: sec.Name, NameSource: upelf.NameAlloc, Sec: sec, Include: true}
	sym.SetInfo(elf.STB_LOCAL, elf.STT_SECTION)
	out.AddSym(sym)
	sec.SecSym = sym
	return sym
}
