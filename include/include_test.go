// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package include

import (
	"debug/elf"
	"testing"

	"github.com/openpatch/upatch-diff/arch"
	upelf "github.com/openpatch/upatch-diff/elf"
)

func newSection(m *upelf.Model, name string, typ elf.SectionType, status upelf.Status) *upelf.Section {
	sec := &upelf.Section{Name: name, Header: upelf.Header{Type: typ}, Status: status}
	m.AddSection(sec)
	return sec
}

func newFuncSym(m *upelf.Model, name string, bind elf.SymBind, sec *upelf.Section, status upelf.Status) *upelf.Symbol {
	sym := &upelf.Symbol{Name: name, Sec: sec, Status: status}
	sym.SetInfo(bind, elf.STT_FUNC)
	m.AddSym(sym)
	return sym
}

// TestRunIncludesChangedFunctionClosure checks that a CHANGED FUNC symbol
// pulls in its owning section and, transitively, every symbol its section's
// relocations target -- even when the referenced symbol's own section is
// SAME and so stays excluded itself (spec.md §4.G "Including a symbol").
func TestRunIncludesChangedFunctionClosure(t *testing.T) {
	m := upelf.NewModel(arch.X86_64)

	barSec := newSection(m, ".text.bar", elf.SHT_PROGBITS, upelf.StatusSame)
	bar := newFuncSym(m, "bar", elf.STB_GLOBAL, barSec, upelf.StatusSame)

	fooSec := newSection(m, ".text.foo", elf.SHT_PROGBITS, upelf.StatusChanged)
	foo := newFuncSym(m, "foo", elf.STB_GLOBAL, fooSec, upelf.StatusChanged)

	relaSec := newSection(m, ".rela.text.foo", elf.SHT_RELA, upelf.StatusUnknown)
	fooSec.Rela = relaSec
	relaSec.Relas = []*upelf.Relocation{{Target: bar}}

	if _, err := Run(m); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !foo.Include {
		t.Errorf("foo.Include = false, want true (CHANGED FUNC)")
	}
	if !fooSec.Include {
		t.Errorf("fooSec.Include = false, want true")
	}
	if !relaSec.Include {
		t.Errorf("relaSec.Include = false, want true")
	}
	if !bar.Include {
		t.Errorf("bar.Include = false, want true (relocation target of an included section)")
	}
	if barSec.Include {
		t.Errorf("barSec.Include = true, want false (bar's section is SAME and not otherwise referenced)")
	}
}

// TestRunIncludesNewGlobalSymbols checks the third inclusion pass: a brand
// new GLOBAL symbol defined in its own section is pulled in even without a
// CHANGED status on a FUNC/except section (spec.md §4.G).
func TestRunIncludesNewGlobalSymbols(t *testing.T) {
	m := upelf.NewModel(arch.X86_64)
	sec := newSection(m, ".text.newfunc", elf.SHT_PROGBITS, upelf.StatusNew)
	sym := newFuncSym(m, "newfunc", elf.STB_GLOBAL, sec, upelf.StatusNew)

	if _, err := Run(m); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !sym.Include || !sec.Include {
		t.Errorf("new global symbol/section not included: sym=%v sec=%v", sym.Include, sec.Include)
	}
}

// TestAuditRejectsChangedSectionNotIncluded exercises the first audit rule:
// a CHANGED section that never made it into the closure is always fatal.
func TestAuditRejectsChangedSectionNotIncluded(t *testing.T) {
	m := upelf.NewModel(arch.X86_64)
	newSection(m, ".data.changed", elf.SHT_PROGBITS, upelf.StatusChanged)

	if err := audit(m); err == nil {
		t.Fatalf("audit: want error for CHANGED-but-not-included section, got nil")
	}
}

// TestAuditRejectsComdatSection exercises the COMDAT/SHT_GROUP patchability
// rule: a grouped section can never be included, whether or not it's new
// (spec.md §4.G patchability audit; grounded in check_new_group_section).
func TestAuditRejectsComdatSection(t *testing.T) {
	m := upelf.NewModel(arch.X86_64)
	sec := newSection(m, ".gnu.linkonce.t.foo", elf.SHT_PROGBITS, upelf.StatusNew)
	sec.Grouped = true
	sec.Include = true

	if err := audit(m); err == nil {
		t.Fatalf("audit: want error for included COMDAT section, got nil")
	}
}

// TestAuditRejectsWritableDataNotNew checks that an included, non-NEW
// writable data/bss section fails the audit, while .data.unlikely/.once are
// exempted (spec.md §4.G "writable data section must be NEW").
func TestAuditRejectsWritableDataNotNew(t *testing.T) {
	m := upelf.NewModel(arch.X86_64)
	bad := newSection(m, ".data.foo", elf.SHT_PROGBITS, upelf.StatusChanged)
	bad.Include = true

	if err := audit(m); err == nil {
		t.Fatalf("audit: want error for included, non-NEW .data section, got nil")
	}

	m2 := upelf.NewModel(arch.X86_64)
	exempt := newSection(m2, ".data.unlikely.foo", elf.SHT_PROGBITS, upelf.StatusChanged)
	exempt.Include = true
	if err := audit(m2); err != nil {
		t.Errorf("audit: .data.unlikely section rejected, want exempt: %v", err)
	}
}

// TestReresolveLocalsTagsOther checks that a CHANGED local symbol reachable
// only through an included section's relocations gets wrapped in an empty
// placeholder section and tagged OtherReresolve, rather than pulling its
// real (not-otherwise-included) section into the closure (spec.md §4.G
// "For CHANGED local symbols referenced by included functions but not
// themselves part of the closure").
func TestReresolveLocalsTagsOther(t *testing.T) {
	m := upelf.NewModel(arch.X86_64)

	localSec := newSection(m, ".data.helper", elf.SHT_PROGBITS, upelf.StatusSame)
	local := &upelf.Symbol{Name: "helper_data", Sec: localSec, Status: upelf.StatusChanged}
	local.SetInfo(elf.STB_LOCAL, elf.STT_OBJECT)
	m.AddSym(local)

	fooSec := newSection(m, ".text.foo", elf.SHT_PROGBITS, upelf.StatusChanged)
	foo := newFuncSym(m, "foo", elf.STB_GLOBAL, fooSec, upelf.StatusChanged)
	_ = foo

	relaSec := newSection(m, ".rela.text.foo", elf.SHT_RELA, upelf.StatusUnknown)
	fooSec.Rela = relaSec
	relaSec.Relas = []*upelf.Relocation{{Target: local}}

	others, err := Run(m)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(others) != 1 || others[0] != local {
		t.Fatalf("Run others = %v, want [helper_data]", others)
	}
	if !local.Include {
		t.Errorf("local.Include = false, want true")
	}
	if local.Other_ != upelf.OtherReresolve {
		t.Errorf("local.Other_ = %v, want OtherReresolve", local.Other_)
	}
	if local.Sec == localSec {
		t.Errorf("local.Sec unchanged, want placeholder section replacing %v", localSec)
	}
	if local.Sec.Name != localSec.Name {
		t.Errorf("placeholder section name = %q, want %q", local.Sec.Name, localSec.Name)
	}
}
