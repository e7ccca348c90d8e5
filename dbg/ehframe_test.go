// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package dbg

import (
	"encoding/binary"
	"testing"

	upelf "github.com/openpatch/upatch-diff/elf"
)

// record32 builds one raw .eh_frame record: a 4-byte length prefix (the
// byte count that follows the length field itself), a 4-byte CIE-id field
// (0 for a CIE, or the CIE back-reference for an FDE), and nbody more bytes
// of arbitrary record body.
func record32(id uint32, nbody int) []byte {
	rec := make([]byte, 8+nbody)
	binary.LittleEndian.PutUint32(rec[0:4], uint32(4+nbody))
	binary.LittleEndian.PutUint32(rec[4:8], id)
	return rec
}

// TestCompactEhFrameDropsDeadFDEAndRemapsSurvivor builds a CIE, an FDE with
// no surviving relocation (dropped), and a surviving FDE referencing the
// same CIE, then checks the dropped FDE disappears, the CIE and surviving
// FDE are kept, and the surviving FDE's relocation offset is rewritten to
// its new (shifted) position (spec.md §4.G, invariant 6).
func TestCompactEhFrameDropsDeadFDEAndRemapsSurvivor(t *testing.T) {
	cie := record32(0, 0) // start 0, end 8
	dropped := record32(12, 8) // FDE referencing CIE at 0: id = (8+4)-0 = 12; start 8, end 24
	survivor := record32(28, 8) // FDE referencing CIE at 0: id = (24+4)-0 = 28; start 24, end 40

	data := append(append(append([]byte{}, cie...), dropped...), survivor...)

	sec := &upelf.Section{Name: ".eh_frame", Data: data}
	relaSec := &upelf.Section{
		Name:   ".rela.eh_frame",
		Header: upelf.Header{Entsize: 24},
	}
	// The surviving FDE's PC-begin field is at offset start+8 = 32.
	rela := &upelf.Relocation{Offset: 32}
	relaSec.Relas = []*upelf.Relocation{rela}
	sec.Rela = relaSec

	if err := CompactEhFrame(sec); err != nil {
		t.Fatalf("CompactEhFrame: %v", err)
	}

	// CIE (8 bytes) + compacted FDE (16 bytes) + 4-byte terminator.
	if got, want := len(sec.Data), 8+16+4; got != want {
		t.Fatalf("len(sec.Data) = %d, want %d", got, want)
	}
	if sec.Header.Size != uint64(len(sec.Data)) {
		t.Errorf("sec.Header.Size = %d, want %d", sec.Header.Size, len(sec.Data))
	}

	newID := binary.LittleEndian.Uint32(sec.Data[12:16])
	if want := uint32(12); newID != want {
		t.Errorf("compacted FDE's CIE back-reference = %d, want %d", newID, want)
	}

	if len(relaSec.Relas) != 1 {
		t.Fatalf("len(relaSec.Relas) = %d, want 1 (dropped FDE carried no relocation to begin with)", len(relaSec.Relas))
	}
	if rela.Offset != 16 {
		t.Errorf("rela.Offset = %d, want 16 (8 bytes for the kept CIE + 8 bytes into the compacted FDE)", rela.Offset)
	}
	if relaSec.Header.Size != uint64(len(relaSec.Relas))*relaSec.Header.Entsize {
		t.Errorf("relaSec.Header.Size = %d, want %d", relaSec.Header.Size, uint64(len(relaSec.Relas))*relaSec.Header.Entsize)
	}
}

// TestCompactEhFrameNoOpOnNonEhFrameSection checks CompactEhFrame leaves any
// section whose name isn't ".eh_frame" untouched.
func TestCompactEhFrameNoOpOnNonEhFrameSection(t *testing.T) {
	sec := &upelf.Section{Name: ".text", Data: []byte{1, 2, 3, 4}}
	if err := CompactEhFrame(sec); err != nil {
		t.Fatalf("CompactEhFrame: %v", err)
	}
	if len(sec.Data) != 4 {
		t.Errorf("sec.Data mutated for a non-.eh_frame section")
	}
}

// TestParseRecordsRejects64BitExtension checks the explicit refusal of the
// 0xffffffff 64-bit DWARF length escape, which this engine doesn't support.
func TestParseRecordsRejects64BitExtension(t *testing.T) {
	data := make([]byte, 12)
	binary.LittleEndian.PutUint32(data[0:4], 0xffffffff)
	if _, err := parseRecords(data); err == nil {
		t.Fatalf("parseRecords: want error for 64-bit DWARF length extension, got nil")
	}
}

// TestParseRecordsRejectsTruncatedRecord checks a record whose declared
// length runs past the end of the buffer is reported rather than panicking.
func TestParseRecordsRejectsTruncatedRecord(t *testing.T) {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint32(data[0:4], 100) // claims 100 more bytes; buffer has 4
	if _, err := parseRecords(data); err == nil {
		t.Fatalf("parseRecords: want error for truncated record, got nil")
	}
}
