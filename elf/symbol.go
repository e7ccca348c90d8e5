// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elf

import "debug/elf"

// OtherBit marks a CHANGED local symbol that is referenced from the
// inclusion closure but is not itself part of it: its section is replaced
// with an empty placeholder and the runtime loader is expected to re-resolve
// it against the running binary (spec.md §4.G "other" bit).
type OtherBit uint8

const (
	OtherNone OtherBit = iota
	OtherReresolve
)

// A Symbol is one ELF symbol-table entry within a Model.
type Symbol struct {
	Model *Model
	Index SymIdx

	Name       string
	NameSource NameSource

	// Raw ELF fields, as read from (or to be written to) the symbol
	// table entry.
	Value uint64
	Size  uint64
	Info  elf.Sym32 // Bind()/Type() computed from Info.Info via helpers below.
	Other uint8

	Sec *Section // Owning section, or nil if undefined/absolute.

	// Parent/Children implement the .cold/.part subfunction relation
	// (spec.md §4.C "Child detection").
	Parent   *Symbol
	Children []*Symbol

	Status  Status
	Include bool
	Strip   Strip
	Other_  OtherBit

	Twin *Symbol

	// RelfSym is set by the running-binary resolver (package resolve)
	// once this symbol has been matched against the running process's
	// symbol table (spec.md §3 "relf_sym").
	RelfSym *RelfSym
}

// RelfSym is a lightweight handle a Symbol carries once it's been bound to
// an entry in the running binary's symbol view (package runningelf). It is
// declared here, rather than in runningelf, so that elf.Symbol doesn't need
// to import runningelf (which itself imports elf to describe the sections
// symbols live in).
type RelfSym struct {
	Name    string
	Addr    uint64
	Size    uint64
	Local   bool
	FileIdx int // Index of the owning STT_FILE block, or -1 for globals.
}

func bind(info uint8) elf.SymBind { return elf.SymBind(info >> 4) }
func styp(info uint8) elf.SymType { return elf.SymType(info & 0xf) }

// Bind returns this symbol's ELF binding (LOCAL/GLOBAL/WEAK).
func (s *Symbol) Bind() elf.SymBind { return bind(s.Info.Info) }

// Type returns this symbol's ELF type (FUNC/OBJECT/SECTION/...).
func (s *Symbol) Type() elf.SymType { return styp(s.Info.Info) }

// SetInfo packs bind and typ into s.Info.Info.
func (s *Symbol) SetInfo(b elf.SymBind, t elf.SymType) {
	s.Info.Info = uint8(b)<<4 | uint8(t)&0xf
}

// Local reports whether this is a local (file-scope) symbol.
func (s *Symbol) Local() bool { return s.Bind() == elf.STB_LOCAL }

// Undefined reports whether this symbol has no defining section and is not
// absolute (i.e. it must be resolved by linking against something else).
func (s *Symbol) Undefined() bool {
	return s.Sec == nil && s.Info.Shndx != uint16(elf.SHN_ABS)
}

// Absolute reports whether this is an SHN_ABS symbol.
func (s *Symbol) Absolute() bool { return s.Info.Shndx == uint16(elf.SHN_ABS) }

// IsMappingSymbol reports whether s is an AArch64 mapping symbol ($x, $d,
// and their $x.<n>/$d.<n> variants). Mapping symbols describe instruction
// vs. data regions to the assembler/linker; they are never meaningful
// relocation or correlation targets (spec.md §4.D edge case 2,
// original_source/upatch-diff/elf-resolve.c).
func (s *Symbol) IsMappingSymbol() bool {
	if len(s.Name) < 2 || s.Name[0] != '$' {
		return false
	}
	switch s.Name[1] {
	case 'x', 'd':
		return len(s.Name) == 2 || s.Name[2] == '.'
	}
	return false
}

func (s *Symbol) String() string {
	if s == nil {
		return "<nil symbol>"
	}
	return s.Name
}
