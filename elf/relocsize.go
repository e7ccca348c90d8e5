// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elf

import "debug/elf"

// relocSizes maps relocation type values to the byte width of the value they
// store, generalizing the teacher's per-machine elfRelocsX86_64/elfRelocs386
// tables (obj/elfReloc.go) to the three architectures this engine targets.
// Only the handful of relocation kinds the engine actually needs to reason
// about (normalisation target lookup, REL addend recovery) are populated in
// full; relocSize reports -1 for every type not listed here.
var relocSizesX86_64 = map[elf.R_X86_64]int{
	elf.R_X86_64_NONE:     0,
	elf.R_X86_64_64:       8,
	elf.R_X86_64_PC32:     4,
	elf.R_X86_64_GOT32:    4,
	elf.R_X86_64_PLT32:    4,
	elf.R_X86_64_COPY:     0,
	elf.R_X86_64_GLOB_DAT: 8,
	elf.R_X86_64_JMP_SLOT: 8,
	elf.R_X86_64_RELATIVE: 8,
	elf.R_X86_64_GOTPCREL: 4,
	elf.R_X86_64_32:       4,
	elf.R_X86_64_32S:      4,
	elf.R_X86_64_16:       2,
	elf.R_X86_64_PC16:     2,
	elf.R_X86_64_8:        1,
	elf.R_X86_64_PC8:      1,
	elf.R_X86_64_PC64:     8,
	elf.R_X86_64_SIZE32:   4,
	elf.R_X86_64_SIZE64:   8,
	elf.R_X86_64_GOTPCRELX:     4,
	elf.R_X86_64_REX_GOTPCRELX: 4,
}

var relocSizesAARCH64 = map[elf.R_AARCH64]int{
	elf.R_AARCH64_NONE:                0,
	elf.R_AARCH64_ABS64:               8,
	elf.R_AARCH64_ABS32:               4,
	elf.R_AARCH64_ABS16:               2,
	elf.R_AARCH64_PREL64:              8,
	elf.R_AARCH64_PREL32:              4,
	elf.R_AARCH64_PREL16:              2,
	elf.R_AARCH64_CALL26:              4,
	elf.R_AARCH64_JUMP26:              4,
	elf.R_AARCH64_ADR_PREL_PG_HI21:    4,
	elf.R_AARCH64_ADD_ABS_LO12_NC:     4,
	elf.R_AARCH64_LDST64_ABS_LO12_NC:  4,
	elf.R_AARCH64_LDST32_ABS_LO12_NC:  4,
	elf.R_AARCH64_LDST16_ABS_LO12_NC:  4,
	elf.R_AARCH64_LDST8_ABS_LO12_NC:   4,
	elf.R_AARCH64_GLOB_DAT:            8,
	elf.R_AARCH64_JUMP_SLOT:           8,
	elf.R_AARCH64_RELATIVE:            8,
}

var relocSizesRISCV64 = map[elf.R_RISCV]int{
	elf.R_RISCV_NONE:        0,
	elf.R_RISCV_64:          8,
	elf.R_RISCV_32:          4,
	elf.R_RISCV_CALL:        8,
	elf.R_RISCV_CALL_PLT:    8,
	elf.R_RISCV_BRANCH:      4,
	elf.R_RISCV_JAL:         4,
	elf.R_RISCV_PCREL_HI20:  4,
	elf.R_RISCV_PCREL_LO12_I: 4,
	elf.R_RISCV_PCREL_LO12_S: 4,
	elf.R_RISCV_HI20:        4,
	elf.R_RISCV_LO12_I:      4,
	elf.R_RISCV_LO12_S:      4,
	elf.R_RISCV_RELAX:       0,
	elf.R_RISCV_ADD64:       8,
	elf.R_RISCV_SUB64:       8,
	elf.R_RISCV_ADD32:       4,
	elf.R_RISCV_SUB32:       4,
}

// relocSize returns the byte width of the value relocation type typ stores,
// for the given ELF machine, or -1 if unknown (spec.md §4.D: "a relocation
// that is undiagnosable").
func relocSize(machine elf.Machine, typ uint32) int {
	switch machine {
	case elf.EM_X86_64:
		if n, ok := relocSizesX86_64[elf.R_X86_64(typ)]; ok {
			return n
		}
	case elf.EM_AARCH64:
		if n, ok := relocSizesAARCH64[elf.R_AARCH64(typ)]; ok {
			return n
		}
	case elf.EM_RISCV:
		if n, ok := relocSizesRISCV64[elf.R_RISCV(typ)]; ok {
			return n
		}
	}
	return -1
}
