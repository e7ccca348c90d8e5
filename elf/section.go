// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elf

import (
	"debug/elf"
	"strings"
)

// NameSource indicates where a Section or Symbol's Name came from: REF means
// the string is borrowed from the source ELF mapping; ALLOC means it is
// owned (heap-allocated) by this Model, typically because correlation
// renamed it or synthesis invented it outright (spec.md Design Notes,
// "Name source" flags).
type NameSource uint8

const (
	NameRef NameSource = iota
	NameAlloc
)

// Header carries the subset of an ELF section header that survives
// correlation and comparison (spec.md §3 Section "header").
type Header struct {
	Type      elf.SectionType
	Flags     elf.SectionFlag
	Entsize   uint64
	Addralign uint64
	Size      uint64
}

// A Section is one ELF section within a Model.
type Section struct {
	Model *Model
	Index SecIdx

	Name       string
	NameSource NameSource
	Header     Header

	// Data holds this section's on-disk bytes. For SHT_NOBITS sections
	// this is conceptually all zero and Data is typically empty or unused.
	Data []byte

	Status  Status
	Include bool
	Ignore  bool
	Grouped bool

	// Base is set on relocation sections: the section these relocations
	// apply to.
	Base *Section
	// Relas holds this section's relocations in file order, when this
	// section is itself a relocation section.
	Relas []*Relocation

	// Rela is set on relocatable (non-relocation) sections: their own
	// relocation section, if any.
	Rela *Section

	// SecSym is the section-type (STT_SECTION) symbol for this section,
	// if one exists.
	SecSym *Symbol
	// Sym is the single bundled function/object symbol this section was
	// emitted to hold (-ffunction-sections/-fdata-sections), if any.
	Sym *Symbol

	// Twin is the correlated section in the other Model (spec.md
	// invariant 3: Twin.Twin == this).
	Twin *Section
}

// IsRelocationSection reports whether s holds relocation entries (SHT_REL or
// SHT_RELA) rather than section content.
func (s *Section) IsRelocationSection() bool {
	return s.Header.Type == elf.SHT_REL || s.Header.Type == elf.SHT_RELA
}

// Alloc reports whether this section occupies memory when loaded.
func (s *Section) Alloc() bool { return s.Header.Flags&elf.SHF_ALLOC != 0 }

// Writable reports whether this section's data is writable once loaded.
func (s *Section) Writable() bool { return s.Header.Flags&elf.SHF_WRITE != 0 }

// Executable reports whether this section holds executable instructions.
func (s *Section) Executable() bool { return s.Header.Flags&elf.SHF_EXECINSTR != 0 }

// NoBits reports whether this is a SHT_NOBITS (.bss-like) section: it has a
// size but no on-disk bytes.
func (s *Section) NoBits() bool { return s.Header.Type == elf.SHT_NOBITS }

// InGroup reports whether s belongs to a COMDAT/SHT_GROUP section (spec.md
// §4.G patchability audit).
func (s *Section) InGroup() bool { return s.Grouped }

// IsText reports whether s holds executable instructions (grounded in
// original_source/upatch-diff's is_text_section, used throughout
// relocation normalisation and comparison).
func (s *Section) IsText() bool { return s.Executable() }

// IsDebug reports whether s is a DWARF debug section (grounded in
// is_debug_section).
func (s *Section) IsDebug() bool { return strings.HasPrefix(s.Name, ".debug_") }

// IsNote reports whether s is an ELF note section (grounded in
// is_note_section).
func (s *Section) IsNote() bool { return s.Header.Type == elf.SHT_NOTE }

// IsStringLiteral reports whether s holds a pool of mergeable NUL-terminated
// strings -- the SHF_MERGE|SHF_STRINGS sections the compiler emits for
// string-literal constants (e.g. ".rodata.str1.1"), which relocation
// normalisation and comparison treat by content rather than by symbol
// (grounded in is_string_literal_section).
func (s *Section) IsStringLiteral() bool {
	const mergeStrings = elf.SHF_MERGE | elf.SHF_STRINGS
	return s.Header.Flags&mergeStrings == mergeStrings
}

// IsEhFrame reports whether s is the unwind-table section rewritten by the
// output synthesizer's FDE compaction (grounded in is_eh_frame).
func (s *Section) IsEhFrame() bool { return s.Name == ".eh_frame" }

// IsExceptSection reports whether s holds a function's LSDA (landing pad
// table), bundled onto its owning function even though the .text.*/.data.*
// prefix rule doesn't apply (spec.md §4.C; grounded in
// original_source/upatch-diff/elf-common.c's is_except_section).
func (s *Section) IsExceptSection() bool {
	return strings.HasPrefix(s.Name, ".gcc_except_table")
}

func (s *Section) String() string {
	if s == nil {
		return "<nil section>"
	}
	return s.Name
}
