// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package runningelf implements a read-only, indexed view of an installed
// executable's symbol table (spec.md §3 "Running-ELF Symbol View", §4.B).
//
// It is deliberately narrow: unlike package elf, a Table never needs to be
// written back out, holds no relocations, and never mutates a Symbol after
// Load returns. Its only two jobs are locality-aware name lookup (mirroring
// the teacher's symtab.Table, grounded in
// github.com/aclements/go-obj/symtab) and STT_FILE block partitioning for
// the running-binary resolver (package resolve, spec.md §4.H).
package runningelf

import (
	"debug/elf"
	"fmt"
	"io"
)

// A Symbol is one entry in the running binary's symbol table, addressed by
// its position in file order -- that order is load-bearing, since STT_FILE
// block membership and sympos (spec.md glossary) are both defined in terms
// of it.
type Symbol struct {
	Index int
	Name  string
	Type  elf.SymType
	Bind  elf.SymBind
	Shndx elf.SectionIndex
	Addr  uint64
	Size  uint64

	// SecName is the name of the section Shndx refers to, or "" for
	// SHN_UNDEF/SHN_ABS/out-of-range indices. It exists solely so
	// Discarded can recognise ".gnu.warning.*" sections without holding
	// on to the whole section table (spec.md §4.H "except that
	// running-side symbols living in .gnu.warning.* ... are ignored").
	SecName string
}

// Table is the indexed symbol sequence of one running (installed) ELF
// executable or shared library (spec.md §3 "Running-ELF Symbol View").
type Table struct {
	// Syms holds every symtab entry in file order. Unlike package elf's
	// Model, there is no reserved index 0 convention here: Syms[0] is
	// whatever the real symbol table's first entry is (normally the
	// null symbol, but callers should not rely on that).
	Syms []Symbol

	// IsExec reports whether the running binary is ET_EXEC or ET_DYN
	// (spec.md §4.H "in an executable image"); it gates the
	// .gnu.warning.* discard rule.
	IsExec bool

	byName map[string][]int
}

// Load reads the symbol table of the installed binary at r (spec.md §4.A
// "Running binary: ET_EXEC or ET_DYN with a symbol table").
//
// Load prefers .symtab and falls back to .dynsym only if no static symbol
// table is present, matching the teacher's preference for the richest
// available table (github.com/aclements/go-obj's elf loader does the same).
func Load(r io.ReaderAt) (*Table, error) {
	ff, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("runningelf: %w", err)
	}
	if ff.Type != elf.ET_EXEC && ff.Type != elf.ET_DYN {
		return nil, fmt.Errorf("runningelf: expected ET_EXEC or ET_DYN, got %s", ff.Type)
	}

	syms, err := ff.Symbols()
	if err == elf.ErrNoSymbols {
		syms, err = ff.DynamicSymbols()
	}
	if err != nil {
		return nil, fmt.Errorf("runningelf: reading symbols: %w", err)
	}

	secName := func(idx elf.SectionIndex) string {
		i := int(idx)
		if i <= 0 || i >= len(ff.Sections) {
			return ""
		}
		return ff.Sections[i].Name
	}

	t := &Table{
		Syms:   make([]Symbol, len(syms)),
		IsExec: ff.Type == elf.ET_EXEC || ff.Type == elf.ET_DYN,
		byName: make(map[string][]int, len(syms)),
	}
	for i, s := range syms {
		t.Syms[i] = Symbol{
			Index:   i,
			Name:    s.Name,
			Type:    elf.ST_TYPE(s.Info),
			Bind:    elf.ST_BIND(s.Info),
			Shndx:   s.Section,
			Addr:    s.Value,
			Size:    s.Size,
			SecName: secName(s.Section),
		}
		t.byName[s.Name] = append(t.byName[s.Name], i)
	}
	return t, nil
}

// Discarded reports whether sym lives in a ".gnu.warning.*" section of an
// executable image, in which case the linker has already thrown it away
// and the resolver must treat it as absent (spec.md §4.H; grounded in
// original_source/upatch-diff/create-diff-object.c's discarded_sym).
func (t *Table) Discarded(sym *Symbol) bool {
	if !t.IsExec || sym.SecName == "" {
		return false
	}
	const prefix = ".gnu.warning."
	return len(sym.SecName) >= len(prefix) && sym.SecName[:len(prefix)] == prefix
}

// Lookup finds the unique symbol named name with binding bind, scanning the
// whole table (spec.md §4.I "Partial resolve"; grounded in
// original_source/upatch-diff/running-elf.c's lookup_relf). It returns
// (nil, nil) if no such symbol exists, and an error if more than one does:
// the teacher's lookup_relf treats within-binary duplicates of the same
// bind as fatal rather than silently picking one.
func (t *Table) Lookup(name string, bind elf.SymBind) (*Symbol, error) {
	var found *Symbol
	for _, i := range t.byName[name] {
		s := &t.Syms[i]
		if s.Bind != bind {
			continue
		}
		if found != nil {
			return nil, fmt.Errorf("runningelf: duplicate symbol %q", name)
		}
		found = s
	}
	return found, nil
}

// FileBlock is the span of a Table's Syms covering one STT_FILE symbol and
// every symbol that follows it up to (but not including) the next STT_FILE
// symbol or the end of the table (spec.md §3 "STT_FILE symbols partition
// the sequence into per-translation-unit blocks").
type FileBlock struct {
	// FileIdx is the index of the STT_FILE symbol itself within Table.Syms.
	FileIdx int
	// Name is that symbol's name (the source file name).
	Name string
	// Start and End bound the block's member symbols: [Start, End) is
	// the half-open range of indices into Table.Syms that belong to
	// this file, excluding the STT_FILE symbol at FileIdx.
	Start, End int
}

// FileBlocks partitions the symbol table on STT_FILE boundaries (spec.md
// §4.H). Symbols preceding the first STT_FILE symbol belong to no block and
// are omitted.
func (t *Table) FileBlocks() []FileBlock {
	var blocks []FileBlock
	for i := range t.Syms {
		if t.Syms[i].Type != elf.STT_FILE {
			continue
		}
		if n := len(blocks); n > 0 {
			blocks[n-1].End = i
		}
		blocks = append(blocks, FileBlock{FileIdx: i, Name: t.Syms[i].Name, Start: i + 1, End: len(t.Syms)})
	}
	return blocks
}

// Members returns the LOCAL FUNC/OBJECT symbols belonging to block b, in
// file order -- the population that §4.H's locals_match tandem walk
// compares between the running binary and the orig object's FILE block.
func (t *Table) Members(b FileBlock) []*Symbol {
	var out []*Symbol
	for i := b.Start; i < b.End; i++ {
		s := &t.Syms[i]
		if s.Bind != elf.STB_LOCAL {
			continue
		}
		if s.Type != elf.STT_FUNC && s.Type != elf.STT_OBJECT {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Sympos returns the 1-based count of LOCAL symbols named name seen in
// [b.FileIdx, targetIdx] -- the positional index the running-binary
// resolver records as a patch-function record's sympos field (spec.md §4.H,
// glossary "sympos"; grounded in
// original_source/upatch/upatch-diff/running-elf.c's lookup_relf, which
// increments a running count on every LOCAL symbol of the lookup name and
// freezes it at the entry found inside the bound FILE block).
func (t *Table) Sympos(b FileBlock, targetIdx int) int {
	pos := 0
	name := t.Syms[targetIdx].Name
	for i := b.FileIdx; i <= targetIdx; i++ {
		s := &t.Syms[i]
		if s.Bind == elf.STB_LOCAL && s.Name == name {
			pos++
		}
	}
	return pos
}
