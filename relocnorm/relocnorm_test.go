// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package relocnorm

import (
	"debug/elf"
	"testing"

	"github.com/openpatch/upatch-diff/arch"
	upelf "github.com/openpatch/upatch-diff/elf"
)

func newSecSym(m *upelf.Model, sec *upelf.Section) *upelf.Symbol {
	sym := &upelf.Symbol{Name: sec.Name, Sec: sec}
	sym.SetInfo(elf.STB_LOCAL, elf.STT_SECTION)
	m.AddSym(sym)
	sec.SecSym = sym
	return sym
}

func TestNormalizeBundledSection(t *testing.T) {
	m := upelf.NewModel(arch.X86_64)
	dataSec := &upelf.Section{Name: ".data.foo"}
	m.AddSection(dataSec)
	fooSym := &upelf.Symbol{Name: "foo", Sec: dataSec}
	fooSym.SetInfo(elf.STB_GLOBAL, elf.STT_OBJECT)
	m.AddSym(fooSym)
	dataSec.Sym = fooSym

	secSym := newSecSym(m, dataSec)

	textSec := &upelf.Section{Name: ".text.user", Header: upelf.Header{Flags: elf.SHF_EXECINSTR}}
	m.AddSection(textSec)
	relaSec := &upelf.Section{Name: ".rela.text.user", Header: upelf.Header{Type: elf.SHT_RELA}, Base: textSec}
	m.AddSection(relaSec)
	textSec.Rela = relaSec
	rela := &upelf.Relocation{Target: secSym, Addend: 0}
	relaSec.Relas = []*upelf.Relocation{rela}

	if err := Run(m); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rela.Target != fooSym {
		t.Errorf("rela.Target = %v, want %v", rela.Target, fooSym)
	}
}

func TestNormalizeByOffsetScan(t *testing.T) {
	m := upelf.NewModel(arch.X86_64)
	dataSec := &upelf.Section{Name: ".data", Header: upelf.Header{Size: 32}}
	m.AddSection(dataSec)
	secSym := newSecSym(m, dataSec)

	first := &upelf.Symbol{Name: "a", Sec: dataSec, Value: 0, Size: 8}
	first.SetInfo(elf.STB_LOCAL, elf.STT_OBJECT)
	m.AddSym(first)
	second := &upelf.Symbol{Name: "b", Sec: dataSec, Value: 8, Size: 8}
	second.SetInfo(elf.STB_LOCAL, elf.STT_OBJECT)
	m.AddSym(second)

	textSec := &upelf.Section{Name: ".text.user", Header: upelf.Header{Flags: elf.SHF_EXECINSTR}}
	m.AddSection(textSec)
	relaSec := &upelf.Section{Name: ".rela.text.user", Header: upelf.Header{Type: elf.SHT_RELA}, Base: textSec}
	m.AddSection(relaSec)
	rela := &upelf.Relocation{Target: secSym, Addend: 10, Type: uint32(elf.R_X86_64_64)}
	relaSec.Relas = []*upelf.Relocation{rela}

	if err := Run(m); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rela.Target != second || rela.Addend != 2 {
		t.Errorf("rela = {Target: %v, Addend: %d}, want {b, 2}", rela.Target, rela.Addend)
	}
}

func TestNormalizeRodataFallsThrough(t *testing.T) {
	m := upelf.NewModel(arch.X86_64)
	roSec := &upelf.Section{Name: ".rodata.str1.1", Header: upelf.Header{Flags: elf.SHF_MERGE | elf.SHF_STRINGS}}
	m.AddSection(roSec)
	secSym := newSecSym(m, roSec)

	textSec := &upelf.Section{Name: ".text.user", Header: upelf.Header{Flags: elf.SHF_EXECINSTR}}
	m.AddSection(textSec)
	relaSec := &upelf.Section{Name: ".rela.text.user", Header: upelf.Header{Type: elf.SHT_RELA}, Base: textSec}
	m.AddSection(relaSec)
	rela := &upelf.Relocation{Target: secSym, Addend: 6}
	relaSec.Relas = []*upelf.Relocation{rela}

	if err := Run(m); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rela.Target != secSym {
		t.Errorf("rela.Target = %v, want unchanged section symbol %v", rela.Target, secSym)
	}
}
