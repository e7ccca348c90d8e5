// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elf

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/openpatch/upatch-diff/arch"
)

// Load reads a relocatable ELF object from r into a new Model (spec.md §4.A
// "Load"). It rejects anything whose header claims a type other than REL, a
// nonzero program-header count, or an unsupported machine (spec.md §6 input
// format).
func Load(r io.ReaderAt) (*Model, error) {
	ff, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("elf: %w", err)
	}
	if ff.Type != elf.ET_REL {
		return nil, &Err{"", fmt.Sprintf("expected a relocatable object (ET_REL), got %s", ff.Type)}
	}
	if len(ff.Progs) != 0 {
		return nil, &Err{"", fmt.Sprintf("relocatable object has %d program headers, want 0", len(ff.Progs))}
	}
	a := arch.ByMachine(ff.Machine)
	if a == nil {
		return nil, &Err{"", fmt.Sprintf("unsupported machine %s", ff.Machine)}
	}

	m := NewModel(a)
	m.raw = ff

	// First pass: create a Section for every non-NULL ELF section, indexed
	// in file order exactly like debug/elf's own section table (index 0 is
	// SHN_UNDEF and has no representation of its own; we mirror that by
	// leaving Sections[0] nil and giving real sections dense indices
	// starting at 1, so a Model's SecIdx lines up 1:1 with the ELF shnum
	// except for the reserved slot).
	rawToSec := make(map[int]*Section, len(ff.Sections))
	for i, es := range ff.Sections {
		if es.Type == elf.SHT_NULL {
			continue
		}
		s := &Section{
			Name: es.Name,
			Header: Header{
				Type:      es.Type,
				Flags:     es.Flags,
				Entsize:   es.Entsize,
				Addralign: es.Addralign,
				Size:      es.Size,
			},
		}
		if es.Type != elf.SHT_NOBITS && es.Type != elf.SHT_NULL {
			if data, err := es.Data(); err == nil {
				s.Data = data
			} else if es.Flags&elf.SHF_ALLOC != 0 || es.Type == elf.SHT_PROGBITS {
				return nil, fmt.Errorf("elf: reading section %s: %w", es.Name, err)
			}
		}
		m.AddSection(s)
		rawToSec[i] = s
	}

	markGroupedSections(ff, rawToSec)

	// Second pass: symbols. A relocatable object has at most one SHT_SYMTAB
	// (spec.md §3 "ELF Model"; TIS ELF 1.2 Book III p.1-2).
	syms, err := ff.Symbols()
	if err != nil && err != elf.ErrNoSymbols {
		return nil, fmt.Errorf("elf: reading symbols: %w", err)
	}
	secSyms := make(map[*Section]*Symbol)
	for _, es := range syms {
		sym := &Symbol{
			Name:  es.Name,
			Value: es.Value,
			Size:  es.Size,
			Other: es.Other,
		}
		sym.SetInfo(elf.ST_BIND(es.Info), elf.ST_TYPE(es.Info))
		sym.Info.Shndx = uint16(es.Section)
		if sec, ok := rawToSec[int(es.Section)]; ok {
			sym.Sec = sec
		}
		m.AddSym(sym)
		if sym.Type() == elf.STT_SECTION && sym.Sec != nil {
			sym.Sec.SecSym = sym
			if sym.Name == "" {
				sym.Name = sym.Sec.Name
			}
			secSyms[sym.Sec] = sym
		}
	}

	// Third pass: relocation sections. We support RELA (the documented
	// case) and REL (still emitted by some riscv64 toolchains for a
	// handful of relocation kinds); REL addends are read from the target
	// section bytes exactly like the teacher's populateAddends.
	for i, es := range ff.Sections {
		sec := rawToSec[i]
		if sec == nil || (es.Type != elf.SHT_RELA && es.Type != elf.SHT_REL) {
			continue
		}
		target, ok := rawToSec[int(es.Info)]
		if !ok {
			return nil, &Err{sec.Name, fmt.Sprintf("relocation section targets missing section %d", es.Info)}
		}
		sec.Base = target
		target.Rela = sec
		raw, err := es.Data()
		if err != nil {
			return nil, fmt.Errorf("elf: reading relocations %s: %w", es.Name, err)
		}
		relas, err := decodeRelocs(ff, raw, es.Type, syms, m, target, ff.Machine)
		if err != nil {
			return nil, fmt.Errorf("elf: %s: %w", es.Name, err)
		}
		sec.Relas = relas
	}

	return m, nil
}

// raw keeps the parsed debug/elf.File around for the orchestrator's
// cross-model header comparison (spec.md §4.A "Compare headers").
//
// It is unexported and only consulted by CompareHeaders; nothing in the
// rest of the pipeline should depend on debug/elf internals once Load has
// finished building the Model.
func (m *Model) rawFile() *elf.File { return m.raw }

// RawClass, RawData and RawType expose the ELF identification fields of
// the file this Model was loaded from, for the output synthesizer to carry
// over into a freshly written object (spec.md §4.I "the output object is
// built for the same machine, class and data encoding as its inputs").
// They panic if called on a synthesized Model that was never loaded.
func (m *Model) RawClass() elf.Class { return m.raw.Class }
func (m *Model) RawData() elf.Data   { return m.raw.Data }
func (m *Model) RawType() elf.Type   { return m.raw.Type }

func decodeRelocs(ff *elf.File, raw []byte, typ elf.SectionType, syms []elf.Symbol, m *Model, target *Section, machine elf.Machine) ([]*Relocation, error) {
	order := ff.ByteOrder
	is64 := ff.Class == elf.ELFCLASS64
	var out []*Relocation

	readSym := func(idx uint32) *Symbol {
		if idx == 0 || int(idx) > len(syms) {
			return nil
		}
		// m.Syms[0] is NULL; real ELF symbol i maps to m.Syms[i] because we
		// added them in file order starting right after NULL.
		if int(idx) < len(m.Syms) {
			return m.Syms[idx]
		}
		return nil
	}

	switch {
	case typ == elf.SHT_RELA && is64:
		const sz = 24
		for off := 0; off+sz <= len(raw); off += sz {
			r := raw[off:]
			roffset := order.Uint64(r[0:8])
			info := order.Uint64(r[8:16])
			addend := int64(order.Uint64(r[16:24]))
			symIdx := uint32(info >> 32)
			rtype := uint32(info)
			rel := &Relocation{Model: m, Offset: roffset, Type: rtype, Addend: addend, Target: readSym(symIdx)}
			materializeLiteral(rel)
			out = append(out, rel)
		}
	case typ == elf.SHT_RELA && !is64:
		const sz = 12
		for off := 0; off+sz <= len(raw); off += sz {
			r := raw[off:]
			roffset := uint64(order.Uint32(r[0:4]))
			info := order.Uint32(r[4:8])
			addend := int64(int32(order.Uint32(r[8:12])))
			symIdx := info >> 8
			rtype := info & 0xff
			rel := &Relocation{Model: m, Offset: roffset, Type: rtype, Addend: addend, Target: readSym(symIdx)}
			materializeLiteral(rel)
			out = append(out, rel)
		}
	case typ == elf.SHT_REL && is64:
		const sz = 16
		for off := 0; off+sz <= len(raw); off += sz {
			r := raw[off:]
			roffset := order.Uint64(r[0:8])
			info := order.Uint64(r[8:16])
			symIdx := uint32(info >> 32)
			rtype := uint32(info)
			rel := &Relocation{Model: m, Offset: roffset, Type: rtype, Target: readSym(symIdx)}
			if err := populateRelAddend(target, rel, binary.ByteOrder(order), machine); err != nil {
				return nil, err
			}
			materializeLiteral(rel)
			out = append(out, rel)
		}
	case typ == elf.SHT_REL && !is64:
		const sz = 8
		for off := 0; off+sz <= len(raw); off += sz {
			r := raw[off:]
			roffset := uint64(order.Uint32(r[0:4]))
			info := order.Uint32(r[4:8])
			symIdx := info >> 8
			rtype := info & 0xff
			rel := &Relocation{Model: m, Offset: roffset, Type: rtype, Target: readSym(symIdx)}
			if err := populateRelAddend(target, rel, binary.ByteOrder(order), machine); err != nil {
				return nil, err
			}
			materializeLiteral(rel)
			out = append(out, rel)
		}
	}
	return out, nil
}

// materializeLiteral fills in rel.String/rel.StringOK when rel targets a
// string-literal section, caching the NUL-terminated literal at rel.Addend
// so the comparator can do content-based comparison on merged string
// sections instead of falling back to address/name comparison (spec.md
// §3 Relocation "a cached copy of the literal used for content-based
// comparison"; §4.A "When the target symbol points into a string-literal
// section, materialise the pointed-to literal into rela.string").
func materializeLiteral(rel *Relocation) {
	sym := rel.Target
	if sym == nil || sym.Sec == nil || !sym.Sec.IsStringLiteral() {
		return
	}
	off := uint64(int64(sym.Value) + rel.Addend)
	data := sym.Sec.Data
	if off > uint64(len(data)) {
		return
	}
	rest := data[off:]
	if i := bytes.IndexByte(rest, 0); i >= 0 {
		rel.String = string(rest[:i])
	} else {
		rel.String = string(rest)
	}
	rel.StringOK = true
}

// markGroupedSections parses every SHT_GROUP section's member list and
// flags the referenced sections as belonging to a COMDAT group, so the
// inclusion engine's patchability audit can refuse a section that was
// newly group-bound across revisions (spec.md §3 Section "grouped",
// §4.G patchability audit; grounded in
// original_source/upatch-diff/elf-correlate.c's group handling). A GROUP
// section's data is { flags uint32; member_shndx[] uint32 }, always
// 4-byte words regardless of ELF class (TIS ELF 1.2 Book II §4.7.4).
func markGroupedSections(ff *elf.File, rawToSec map[int]*Section) {
	for i, es := range ff.Sections {
		if es.Type != elf.SHT_GROUP {
			continue
		}
		sec := rawToSec[i]
		if sec == nil || len(sec.Data) < 4 {
			continue
		}
		words := sec.Data[4:]
		for off := 0; off+4 <= len(words); off += 4 {
			member := ff.ByteOrder.Uint32(words[off : off+4])
			if ms, ok := rawToSec[int(member)]; ok {
				ms.Grouped = true
			}
		}
	}
}

// populateRelAddend fills in rel.Addend for SHT_REL relocations, which store
// their addend implicitly at the relocation's target offset within the
// relocated section's own bytes (spec.md §4.A; teacher's populateAddends).
func populateRelAddend(target *Section, rel *Relocation, order binary.ByteOrder, machine elf.Machine) error {
	size := relocSize(machine, rel.Type)
	if size < 0 {
		return &Err{target.Name, fmt.Sprintf("can't read addend for unknown relocation type %d", rel.Type)}
	}
	if size == 0 {
		return nil
	}
	if rel.Offset+uint64(size) > uint64(len(target.Data)) {
		return &Err{target.Name, fmt.Sprintf("relocation at %#x out of section bounds", rel.Offset)}
	}
	b := target.Data[rel.Offset:]
	switch size {
	case 1:
		rel.Addend = int64(int8(b[0]))
	case 2:
		rel.Addend = int64(int16(order.Uint16(b)))
	case 4:
		rel.Addend = int64(int32(order.Uint32(b)))
	case 8:
		rel.Addend = int64(order.Uint64(b))
	}
	return nil
}
