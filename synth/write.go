// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package synth

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"

	upelf "github.com/openpatch/upatch-diff/elf"
)

const (
	ehdrSize = 64
	shdrSize = 64
)

// WriteTo lays out out's sections and symbol table into a fresh ELF64
// relocatable object and writes it to w (spec.md §4.I "Write output";
// grounded in elf-create.c's upatch_write_output_elf, reimplemented here as
// a direct byte-level encoder since debug/elf is read-only).
func WriteTo(w io.Writer, out *upelf.Model, tgt Target) error {
	order := byteOrder(tgt.Data)

	secNameOff := buildShstrtab(out)
	symNameOff := buildStrtab(out)
	nlocal := buildSymtab(out, order, symNameOff)
	finalizeRelocations(out, order)

	symtabSec := out.SectionByName(".symtab")
	strtabSec := out.SectionByName(".strtab")
	shstrtabSec := out.SectionByName(".shstrtab")
	if symtabSec == nil || strtabSec == nil || shstrtabSec == nil {
		return &upelf.Err{Msg: "output object is missing a required .symtab/.strtab/.shstrtab section"}
	}

	type placed struct {
		sec *upelf.Section
		off uint64
	}
	offset := uint64(ehdrSize)
	var layout []placed
	for _, sec := range out.Sections {
		if sec == nil {
			continue
		}
		align := sec.Header.Addralign
		if align == 0 {
			align = 1
		}
		if rem := offset % align; rem != 0 {
			offset += align - rem
		}
		layout = append(layout, placed{sec, offset})
		if !sec.NoBits() {
			offset += uint64(len(sec.Data))
		}
	}
	if rem := offset % 8; rem != 0 {
		offset += 8 - rem
	}
	shoff := offset

	var buf bytes.Buffer
	var ehdr [ehdrSize]byte
	copy(ehdr[0:4], []byte{0x7f, 'E', 'L', 'F'})
	ehdr[4] = byte(tgt.Class)
	ehdr[5] = byte(tgt.Data)
	ehdr[6] = 1 // EV_CURRENT
	order.PutUint16(ehdr[16:18], uint16(tgt.Type))
	order.PutUint16(ehdr[18:20], uint16(tgt.Machine))
	order.PutUint32(ehdr[20:24], 1) // e_version
	order.PutUint64(ehdr[40:48], shoff)
	order.PutUint16(ehdr[52:54], ehdrSize)
	order.PutUint16(ehdr[58:60], shdrSize)
	order.PutUint16(ehdr[60:62], uint16(len(layout)+1)) // e_shnum, including the reserved entry 0
	order.PutUint16(ehdr[62:64], uint16(shstrtabSec.Index))
	buf.Write(ehdr[:])

	for _, p := range layout {
		if pad := int(p.off) - buf.Len(); pad > 0 {
			buf.Write(make([]byte, pad))
		}
		if !p.sec.NoBits() {
			buf.Write(p.sec.Data)
		}
	}
	if pad := int(shoff) - buf.Len(); pad > 0 {
		buf.Write(make([]byte, pad))
	}

	buf.Write(make([]byte, shdrSize)) // section header 0, SHN_UNDEF
	for _, p := range layout {
		sec := p.sec
		var sh [shdrSize]byte
		order.PutUint32(sh[0:4], secNameOff[sec.Index])
		order.PutUint32(sh[4:8], uint32(sec.Header.Type))
		order.PutUint64(sh[8:16], uint64(sec.Header.Flags))
		order.PutUint64(sh[24:32], p.off)
		order.PutUint64(sh[32:40], sec.Header.Size)
		link, info := linkInfo(sec, symtabSec, strtabSec, nlocal)
		order.PutUint32(sh[40:44], link)
		order.PutUint32(sh[44:48], info)
		order.PutUint64(sh[48:56], sec.Header.Addralign)
		order.PutUint64(sh[56:64], sec.Header.Entsize)
		buf.Write(sh[:])
	}

	_, err := w.Write(buf.Bytes())
	return err
}

func linkInfo(sec, symtab, strtab *upelf.Section, nlocal int) (link, info uint32) {
	switch {
	case sec.IsRelocationSection() && sec.Base != nil:
		return uint32(symtab.Index), uint32(sec.Base.Index)
	case sec == symtab:
		return uint32(strtab.Index), uint32(nlocal)
	default:
		return 0, 0
	}
}

func byteOrder(d elf.Data) binary.ByteOrder {
	if d == elf.ELFDATA2MSB {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
