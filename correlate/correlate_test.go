// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package correlate

import (
	"debug/elf"
	"testing"

	"github.com/openpatch/upatch-diff/arch"
	upelf "github.com/openpatch/upatch-diff/elf"
)

func TestMangledEqual(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"foo", "foo", true},
		{"foo.31452", "foo.8847", true},
		{"foo", "foo.31452", true},
		{"foo.31452", "foo", true},
		{"foo", "bar", false},
		{"foo.bar", "foo.baz", false},
		{"foo.1.bar", "foo.2.bar", true},
		{".rodata.str1.1", ".rodata.str1.1", true},
		{".rodata.str1.8", ".rodata.str1.1", false},
	}
	for _, c := range cases {
		if got := MangledEqual(c.a, c.b); got != c.want {
			t.Errorf("MangledEqual(%q, %q) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}

func TestHasDigitTail(t *testing.T) {
	cases := []struct {
		s    string
		want bool
	}{
		{"", true},
		{".123", true},
		{".1.2.3", true},
		{".abc", false},
		{"x", false},
		{".", false},
	}
	for _, c := range cases {
		if got := hasDigitTail(c.s); got != c.want {
			t.Errorf("hasDigitTail(%q) = %v, want %v", c.s, got, c.want)
		}
	}
}

func newStaticLocal(m *upelf.Model, name string) *upelf.Symbol {
	sym := &upelf.Symbol{Name: name}
	sym.SetInfo(elf.STB_LOCAL, elf.STT_OBJECT)
	m.AddSym(sym)
	return sym
}

func TestIsNormalStaticLocal(t *testing.T) {
	m := upelf.NewModel(arch.X86_64)
	ok := newStaticLocal(m, "counter.0")
	if !IsNormalStaticLocal(ok) {
		t.Errorf("IsNormalStaticLocal(%q) = false, want true", ok.Name)
	}

	internal := newStaticLocal(m, ".LC0")
	if IsNormalStaticLocal(internal) {
		t.Errorf("IsNormalStaticLocal(%q) = true, want false", internal.Name)
	}

	noSuffix := newStaticLocal(m, "counter")
	if IsNormalStaticLocal(noSuffix) {
		t.Errorf("IsNormalStaticLocal(%q) = true, want false", noSuffix.Name)
	}
}

func newFunc(m *upelf.Model, name string) *upelf.Symbol {
	sym := &upelf.Symbol{Name: name}
	sym.SetInfo(elf.STB_GLOBAL, elf.STT_FUNC)
	m.AddSym(sym)
	return sym
}

func TestSymbolsCorrelatesByMangledName(t *testing.T) {
	orig := upelf.NewModel(arch.X86_64)
	patched := upelf.NewModel(arch.X86_64)

	so := newFunc(orig, "do_work")
	sp := newFunc(patched, "do_work")

	Symbols(orig, patched)

	if so.Twin != sp || sp.Twin != so {
		t.Fatalf("do_work not correlated: so.Twin=%v sp.Twin=%v", so.Twin, sp.Twin)
	}
	if so.Status != upelf.StatusSame || sp.Status != upelf.StatusSame {
		t.Errorf("Status = %v/%v, want Same/Same", so.Status, sp.Status)
	}
}

func TestSymbolsSkipsLocalConstantPointers(t *testing.T) {
	orig := upelf.NewModel(arch.X86_64)
	patched := upelf.NewModel(arch.X86_64)

	so := &upelf.Symbol{Name: ".LC0"}
	so.SetInfo(elf.STB_LOCAL, elf.STT_NOTYPE)
	orig.AddSym(so)
	sp := &upelf.Symbol{Name: ".LC0"}
	sp.SetInfo(elf.STB_LOCAL, elf.STT_NOTYPE)
	patched.AddSym(sp)

	Symbols(orig, patched)

	if so.Twin != nil || sp.Twin != nil {
		t.Errorf(".LC0 should not be correlated by name alone")
	}
}

func TestSectionsBindsTwinsAndRenames(t *testing.T) {
	orig := upelf.NewModel(arch.X86_64)
	patched := upelf.NewModel(arch.X86_64)

	so := &upelf.Section{Name: "foo.bar.31452"}
	orig.AddSection(so)
	sp := &upelf.Section{Name: "foo.bar.8847"}
	patched.AddSection(sp)

	Sections(orig, patched)

	if so.Twin != sp || sp.Twin != so {
		t.Fatalf("sections not correlated: so.Twin=%v sp.Twin=%v", so.Twin, sp.Twin)
	}
	if sp.Name != so.Name {
		t.Errorf("sp.Name = %q, want %q", sp.Name, so.Name)
	}
	if sp.NameSource != upelf.NameRef {
		t.Errorf("sp.NameSource = %v, want NameRef", sp.NameSource)
	}
}

func TestSectionsGroupRequiresByteEquality(t *testing.T) {
	orig := upelf.NewModel(arch.X86_64)
	patched := upelf.NewModel(arch.X86_64)

	so := &upelf.Section{Name: ".group", Header: upelf.Header{Type: elf.SHT_GROUP}, Data: []byte{1, 2, 3}}
	orig.AddSection(so)
	sp := &upelf.Section{Name: ".group", Header: upelf.Header{Type: elf.SHT_GROUP}, Data: []byte{1, 2, 4}}
	patched.AddSection(sp)

	Sections(orig, patched)

	if so.Twin != nil {
		t.Errorf("mismatched SHT_GROUP contents should not correlate")
	}
}

func TestStaticLocalsRecorrelatesByReference(t *testing.T) {
	orig := upelf.NewModel(arch.X86_64)
	patched := upelf.NewModel(arch.X86_64)

	origText := &upelf.Section{Name: ".text.user"}
	orig.AddSection(origText)
	patchedText := &upelf.Section{Name: ".text.user"}
	patched.AddSection(patchedText)
	origText.Twin, patchedText.Twin = patchedText, origText

	origRela := &upelf.Section{Name: ".rela.text.user", Header: upelf.Header{Type: elf.SHT_RELA}, Base: origText}
	orig.AddSection(origRela)
	patchedRela := &upelf.Section{Name: ".rela.text.user", Header: upelf.Header{Type: elf.SHT_RELA}, Base: patchedText}
	patched.AddSection(patchedRela)
	origRela.Twin, patchedRela.Twin = patchedRela, origRela

	origData := &upelf.Section{Name: ".bss"}
	orig.AddSection(origData)
	patchedData := &upelf.Section{Name: ".bss"}
	patched.AddSection(patchedData)
	origData.Twin, patchedData.Twin = patchedData, origData

	so := newStaticLocal(orig, "counter.31452")
	so.Sec = origData
	so.Size = 4
	sp := newStaticLocal(patched, "counter.8847")
	sp.Sec = patchedData
	sp.Size = 4

	origRela.Relas = []*upelf.Relocation{{Target: so}}
	patchedRela.Relas = []*upelf.Relocation{{Target: sp}}

	// Simulate the generic symbol pass having wrongly correlated these by
	// numeric-suffix coincidence before the refinement pass runs.
	so.Twin, sp.Twin = sp, so
	so.Status, sp.Status = upelf.StatusSame, upelf.StatusSame

	if err := StaticLocals(orig, patched); err != nil {
		t.Fatalf("StaticLocals: %v", err)
	}
	if so.Twin != sp || sp.Twin != so {
		t.Errorf("counter not correlated after refinement: so.Twin=%v sp.Twin=%v", so.Twin, sp.Twin)
	}
}
