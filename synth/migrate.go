// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package synth

import (
	upelf "github.com/openpatch/upatch-diff/elf"
)

// Migrate copies every included section and symbol of patched into a fresh
// Model, taking ownership of them the way elf-create.c's migrate_section and
// migrate_symbols transfer entries from the patched object to the output
// object. Cross-references into entities that were not included are left
// nil, which is what marks a migrated symbol undefined (spec.md §4.I
// "Migration").
func Migrate(patched *upelf.Model) *upelf.Model {
	out := upelf.NewModel(patched.Arch)

	secMap := make(map[*upelf.Section]*upelf.Section, len(patched.Sections))
	for _, sec := range patched.Sections {
		if sec == nil || !sec.Include {
			continue
		}
		ns := &upelf.Section{
			Name:       sec.Name,
			NameSource: sec.NameSource,
			Header:     sec.Header,
			Data:       sec.Data,
			Status:     sec.Status,
			Include:    true,
		}
		out.AddSection(ns)
		secMap[sec] = ns
	}
	for sec, ns := range secMap {
		if sec.Base != nil {
			ns.Base = secMap[sec.Base]
		}
		if sec.Rela != nil {
			ns.Rela = secMap[sec.Rela]
		}
	}

	symMap := make(map[*upelf.Symbol]*upelf.Symbol, len(patched.Syms))
	symMap[patched.Syms[0]] = out.Syms[0]
	for _, sym := range patched.Syms[1:] {
		if sym == nil || !sym.Include {
			continue
		}
		ns := &upelf.Symbol{
			Name:       sym.Name,
			NameSource: sym.NameSource,
			Value:      sym.Value,
			Size:       sym.Size,
			Info:       sym.Info,
			Other:      sym.Other,
			Status:     sym.Status,
			Include:    true,
			Strip:      sym.Strip,
			Other_:     sym.Other_,
		}
		ns.Sec = secMap[sym.Sec]
		out.AddSym(ns)
		symMap[sym] = ns
	}

	for sec, ns := range secMap {
		ns.SecSym = symMap[sec.SecSym]
		ns.Sym = symMap[sec.Sym]
		for _, r := range sec.Relas {
			nr := &upelf.Relocation{
				Model:         out,
				Offset:        r.Offset,
				Type:          r.Type,
				Addend:        r.Addend,
				Target:        symMap[r.Target],
				TargetSection: secMap[r.TargetSection],
				String:        r.String,
				StringOK:      r.StringOK,
				NeedDynrela:   r.NeedDynrela,
			}
			ns.Relas = append(ns.Relas, nr)
		}
	}

	for sym, ns := range symMap {
		if sym == nil || sym.Parent == nil {
			continue
		}
		ns.Parent = symMap[sym.Parent]
	}
	for sym, ns := range symMap {
		if sym == nil {
			continue
		}
		for _, c := range sym.Children {
			if nc, ok := symMap[c]; ok {
				ns.Children = append(ns.Children, nc)
			}
		}
	}

	return out
}
