// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package dbg handles the unwind-table bookkeeping the inclusion engine
// needs when trimming .eh_frame down to the entries that survive into the
// patch object (spec.md §4.G "Debug sections"; grounded in
// original_source/upatch-diff/elf-debug.c, generalized from its print-only
// debug dumps to the FDE-compaction spec.md requires).
package dbg

import (
	"encoding/binary"

	upelf "github.com/openpatch/upatch-diff/elf"
	"github.com/openpatch/upatch-diff/internal/imap"
)

type record struct {
	start, end uint64
	isCIE      bool
	cieStart   uint64
}

// parseRecords walks a raw .eh_frame byte stream into its constituent CIE
// and FDE records (DWARF CFI, §6.4.1 of the DWARF spec). It does not
// interpret CIE augmentation data or FDE pointer encodings beyond what's
// needed to find each FDE's associated CIE: this engine only ever needs to
// decide which FDEs survive inclusion, never to evaluate call-frame
// information.
func parseRecords(data []byte) ([]record, error) {
	var recs []record
	off := uint64(0)
	for off+4 <= uint64(len(data)) {
		length := binary.LittleEndian.Uint32(data[off:])
		if length == 0 {
			break
		}
		if length == 0xffffffff {
			return nil, &upelf.Err{Msg: "64-bit DWARF .eh_frame extension not supported"}
		}
		start := off
		end := off + 4 + uint64(length)
		if end > uint64(len(data)) || end < off+8 {
			return nil, &upelf.Err{Msg: "malformed .eh_frame record"}
		}
		id := binary.LittleEndian.Uint32(data[off+4:])
		if id == 0 {
			recs = append(recs, record{start: start, end: end, isCIE: true})
		} else {
			recs = append(recs, record{start: start, end: end, cieStart: (off + 4) - uint64(id)})
		}
		off = end
	}
	return recs, nil
}

// CompactEhFrame rewrites sec's data to drop every FDE none of whose
// remaining relocations survived inclusion, keeping every CIE, and
// rewrites each surviving FDE's CIE back-pointer plus the offsets of the
// relocations that still target it (spec.md §4.G "rebuild .eh_frame by
// retaining only its CIEs and the FDEs corresponding to surviving
// relocations"; invariant 6). sec.Rela, if present, must already have had
// its not-included-target relocations dropped by the caller.
func CompactEhFrame(sec *upelf.Section) error {
	if sec == nil || !sec.IsEhFrame() {
		return nil
	}
	recs, err := parseRecords(sec.Data)
	if err != nil {
		return &upelf.Err{Entity: sec.Name, Msg: err.Error()}
	}

	var relas []*upelf.Relocation
	if sec.Rela != nil {
		relas = sec.Rela.Relas
	}

	// An FDE survives if a surviving relocation targets its body (the
	// "PC begin" field, immediately after the 4-byte length and 4-byte
	// CIE pointer).
	survives := make(map[uint64]bool, len(recs))
	for _, r := range recs {
		if r.isCIE {
			continue
		}
		for _, rela := range relas {
			if rela.Offset >= r.start+8 && rela.Offset < r.end {
				survives[r.start] = true
				break
			}
		}
	}

	var out []byte
	remap := &imap.Map[uint64]{}
	cieNewStart := make(map[uint64]uint64, len(recs))

	for _, r := range recs {
		if r.isCIE {
			newStart := uint64(len(out))
			out = append(out, sec.Data[r.start:r.end]...)
			remap.Insert(imap.Interval{Low: r.start, High: r.end}, newStart)
			cieNewStart[r.start] = newStart
			continue
		}
		if !survives[r.start] {
			continue
		}
		newCieStart, ok := cieNewStart[r.cieStart]
		if !ok {
			return &upelf.Err{Entity: sec.Name, Msg: "FDE references a CIE that was dropped or never seen"}
		}
		body := append([]byte(nil), sec.Data[r.start:r.end]...)
		newStart := uint64(len(out))
		newID := (newStart + 4) - newCieStart
		binary.LittleEndian.PutUint32(body[4:8], uint32(newID))
		out = append(out, body...)
		remap.Insert(imap.Interval{Low: r.start, High: r.end}, newStart)
	}
	out = append(out, 0, 0, 0, 0) // terminator

	if sec.Rela != nil {
		kept := sec.Rela.Relas[:0]
		for _, rela := range relas {
			recStart, ok := recordContaining(recs, rela.Offset)
			if !ok {
				continue
			}
			_, v, ok := remap.Find(recStart)
			if !ok {
				continue // this record (a dropped FDE) didn't survive
			}
			rela.Offset = v + (rela.Offset - recStart)
			kept = append(kept, rela)
		}
		sec.Rela.Relas = kept
		sec.Rela.Header.Size = uint64(len(kept)) * sec.Rela.Header.Entsize
	}

	sec.Data = out
	sec.Header.Size = uint64(len(out))
	return nil
}

func recordContaining(recs []record, offset uint64) (uint64, bool) {
	for _, r := range recs {
		if offset >= r.start && offset < r.end {
			return r.start, true
		}
	}
	return 0, false
}
