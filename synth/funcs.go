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

// BuildFuncs synthesizes .upatch.funcs and .rela.upatch.funcs: one
// FuncRecord per CHANGED, non-child FUNC symbol that survived migration,
// each carrying its old address/size (looked up in the running binary) and
// new size, with a name relocation into strSec and an absolute relocation
// that the patch loader resolves to the function's load address at apply
// time (spec.md §4.I "Function records"; grounded in
// original_source/upatch-diff/elf-create.c's
// upatch_create_patches_sections).
func BuildFuncs(out *upelf.Model, running *runningelf.Table, strSym *upelf.Symbol, absType uint32) error {
	var targets []*upelf.Symbol
	for _, sym := range out.Syms {
		if sym == nil {
			continue
		}
		if sym.Type() == elf.STT_FUNC && sym.Status == upelf.StatusChanged && sym.Parent == nil {
			targets = append(targets, sym)
		}
	}

	sec, rela := createSectionPair(out, ".upatch.funcs", funcRecordSize)
	order := binary.LittleEndian

	buf := make([]byte, 0, len(targets)*funcRecordSize)
	for i, sym := range targets {
		addr, size, sympos, err := resolve.Lookup(running, sym)
		if err != nil {
			return err
		}
		if sym.Bind() == elf.STB_LOCAL && sympos == 0 {
			return &upelf.Err{Entity: sym.Name, Msg: "changed local function has no position among its running-binary namesakes"}
		}

		rec := FuncRecord{NewSize: sym.Size, OldAddr: addr, OldSize: size, Sympos: uint64(sympos)}
		off := uint64(i) * funcRecordSize
		buf = append(buf, rec.encode(order)...)

		rela.Relas = append(rela.Relas,
			&upelf.Relocation{Model: out, Offset: off, Type: absType, Target: sym},
			&upelf.Relocation{Model: out, Offset: off + 40, Type: absType, Target: strSym, Addend: int64(out.OffsetOfString(sym.Name))},
		)
	}

	sec.Data = buf
	sec.Header.Size = uint64(len(buf))
	return nil
}
