// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package elf models a single relocatable ELF object as an in-memory graph
// of sections, symbols and relocations (spec.md §3 "ELF Model", §4.A).
//
// A Model owns three insertion-ordered lists -- sections, symbols and
// string-pool strings -- and the architecture tag of the object. Symbol 0 is
// always the reserved NULL symbol, matching the ELF ABI rather than
// emulating it with an Option type (spec.md's Design Notes call this out
// explicitly).
//
// Unlike github.com/aclements/go-obj, which this package is modeled on, elf
// supports both reading and writing relocatable objects: the differencing
// engine's Output Synthesizer (package synth) builds a fresh Model and
// writes it back out as a new .o file.
package elf

import (
	"debug/elf"
	"fmt"

	"github.com/openpatch/upatch-diff/arch"
)

// SecIdx is a dense, 1-based index into a Model's Sections slice. Index 0 is
// reserved (there is no section 0; ELF's SHN_UNDEF occupies that slot).
type SecIdx int

// NoSec is the sentinel "no section" index.
const NoSec SecIdx = 0

// SymIdx is a dense, 0-based index into a Model's Syms slice. Index 0 is
// always the NULL symbol.
type SymIdx int

// NoSym is the sentinel "no symbol" index. It is distinct from the NULL
// symbol at index 0: NoSym means "this cross-reference is absent", while
// symbol 0 is a real (if vacuous) symbol every symtab must contain.
const NoSym SymIdx = -1

// Strip indicates what should happen to a symbol when the output object is
// finalized (spec.md §3 "strip ∈ {DEFAULT, USED, STRIP}").
type Strip uint8

const (
	StripDefault Strip = iota
	StripUsed
	StripStrip
)

// Status classifies a section or symbol relative to its twin in the other
// object (spec.md §3 "status ∈ {SAME,CHANGED,NEW}").
type Status uint8

const (
	StatusUnknown Status = iota
	StatusSame
	StatusChanged
	StatusNew
)

func (s Status) String() string {
	switch s {
	case StatusSame:
		return "SAME"
	case StatusChanged:
		return "CHANGED"
	case StatusNew:
		return "NEW"
	default:
		return "UNKNOWN"
	}
}

// A Model is one relocatable ELF object: the orig object, the patched
// object, or the freshly synthesized output object.
type Model struct {
	Arch *arch.Arch

	// Sections is indexed by SecIdx; Sections[0] is always nil (there is no
	// section 0).
	Sections []*Section
	// Syms is indexed by SymIdx; Syms[0] is always the NULL symbol.
	Syms []*Symbol

	// Strings is the set of distinct strings the output synthesizer has
	// allocated into .upatch.strings so far, in insertion order. See
	// glossary "offset_of_string".
	Strings   []string
	stringOff map[string]int

	byName map[string]SecIdx

	// raw is the debug/elf.File this Model was loaded from, kept only for
	// the orchestrator's cross-model header comparison. Synthesized
	// output models never set this.
	raw *elf.File
}

// NewModel creates an empty Model for the given architecture.
func NewModel(a *arch.Arch) *Model {
	m := &Model{
		Arch:      a,
		Sections:  []*Section{nil},
		Syms:      []*Symbol{{Name: "", Index: 0}},
		byName:    make(map[string]SecIdx),
		stringOff: make(map[string]int),
	}
	return m
}

// Section returns the i'th section, or nil if i is NoSec.
func (m *Model) Section(i SecIdx) *Section {
	if i == NoSec {
		return nil
	}
	return m.Sections[i]
}

// SectionByName returns the section named name, or nil.
func (m *Model) SectionByName(name string) *Section {
	if i, ok := m.byName[name]; ok {
		return m.Sections[i]
	}
	return nil
}

// Sym returns the i'th symbol, or nil if i is NoSym.
func (m *Model) Sym(i SymIdx) *Symbol {
	if i == NoSym {
		return nil
	}
	return m.Syms[i]
}

// SymbolByName returns the first symbol named name, or nil. Lookup is O(n);
// callers that need repeated lookups (e.g. the correlator) should build
// their own index instead of calling this in a loop (spec.md §4.A "Lookup:
// provide by-name and by-index access in O(n); O(log n) is not required").
func (m *Model) SymbolByName(name string) *Symbol {
	for _, s := range m.Syms {
		if s != nil && s.Name == name {
			return s
		}
	}
	return nil
}

// AddSection appends a new section to m and assigns it a dense index.
func (m *Model) AddSection(s *Section) SecIdx {
	idx := SecIdx(len(m.Sections))
	s.Index = idx
	s.Model = m
	m.Sections = append(m.Sections, s)
	if s.Name != "" {
		m.byName[s.Name] = idx
	}
	return idx
}

// AddSym appends a new symbol to m and assigns it a dense index.
func (m *Model) AddSym(s *Symbol) SymIdx {
	idx := SymIdx(len(m.Syms))
	s.Index = idx
	s.Model = m
	m.Syms = append(m.Syms, s)
	return idx
}

// OffsetOfString returns the byte offset s will occupy in the concatenated,
// NUL-separated .upatch.strings buffer, allocating a new offset for s if it
// hasn't been seen before (glossary: offset_of_string).
func (m *Model) OffsetOfString(s string) int {
	if off, ok := m.stringOff[s]; ok {
		return off
	}
	off := 0
	for _, have := range m.Strings {
		off += len(have) + 1
	}
	m.stringOff[s] = off
	m.Strings = append(m.Strings, s)
	return off
}

// Err is a FORMAT-category error naming the offending entity. The
// "ERROR: <file>: <fn>: <line>: <message>" diagnostic shape the engine
// ultimately prints (spec.md §6) is assembled by pipeline.Error.Error,
// which wraps whatever this package returns; errors from this package
// only need to name the entity and the problem.
type Err struct {
	Entity string
	Msg    string
}

func (e *Err) Error() string {
	if e.Entity == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Entity, e.Msg)
}

func errf(entity, format string, args ...interface{}) error {
	return &Err{entity, fmt.Sprintf(format, args...)}
}

// machineArch is a convenience re-export so callers that only have a
// debug/elf.Machine (e.g. from a raw header peek) can resolve it without
// importing both packages.
func machineArch(m elf.Machine) *arch.Arch { return arch.ByMachine(m) }
