// Package asm decodes just enough of the target architectures' instruction
// encodings to find instruction boundaries in a byte stream. The engine never
// needs full disassembly (it is not a debugger), only the ability to walk a
// .text section instruction by instruction so the comparator's line-macro
// filter (spec.md §4.F) can tell whether a byte difference falls inside a
// single instruction's immediate field.
package asm

import (
	"fmt"

	"github.com/openpatch/upatch-diff/arch"
	"golang.org/x/arch/arm64/arm64asm"
	"golang.org/x/arch/x86/x86asm"
)

// Inst is one decoded instruction: its address, its length, and (for x86-64)
// enough of the operand structure to tell whether it is a load-immediate
// instruction whose immediate is the only thing that changed.
type Inst struct {
	PC  uint64
	Len int

	// Imm, if ok, is the position and width (in bytes) of a single
	// immediate operand within the instruction's encoding, relative to PC.
	// Only populated for instructions the line-macro filter cares about
	// (loads of a constant into a register or stack slot).
	ImmOff, ImmLen int
	HasImm         bool
}

// Decode walks text (the bytes of a .text section, or a slice of it)
// starting at program counter pc and returns one decoded instruction per
// machine instruction. If an instruction can't be decoded, Decode falls back
// to stepping by a's InstrAlign so the walk never gets stuck.
func Decode(a *arch.Arch, text []byte, pc uint64) ([]Inst, error) {
	switch a {
	case arch.X86_64:
		return decodeX86(text, pc, 64), nil
	case arch.AARCH64:
		return decodeARM64(text, pc), nil
	case arch.RISCV64:
		return decodeRISCV64(text, pc), nil
	}
	return nil, fmt.Errorf("asm: unsupported architecture %s", a)
}

func decodeX86(text []byte, pc uint64, bits int) []Inst {
	var out []Inst
	for len(text) > 0 {
		inst, err := x86asm.Decode(text, bits)
		size := inst.Len
		if err != nil || size == 0 {
			size = 1
		}
		i := Inst{PC: pc, Len: size}
		if err == nil {
			i.HasImm, i.ImmOff, i.ImmLen = x86Imm(inst)
		}
		out = append(out, i)
		text = text[size:]
		pc += uint64(size)
	}
	return out
}

// x86Imm reports the byte range of inst's immediate operand, if it has
// exactly one. This covers the common "mov $imm, ..." shapes used to pass a
// literal line number to a diagnostic helper.
func x86Imm(inst x86asm.Inst) (ok bool, off, n int) {
	for _, a := range inst.Args {
		if a == nil {
			continue
		}
		if imm, isImm := a.(x86asm.Imm); isImm {
			_ = imm
			// x86asm doesn't expose the byte offset of the immediate
			// directly, so we derive it: the immediate is always the last
			// `n` bytes of the instruction, where n is the operand's
			// natural width capped at 4 (x86-64 immediates are at most
			// 32-bit except for MOV r64, imm64).
			n = immWidth(inst)
			if n <= 0 || n > inst.Len {
				return false, 0, 0
			}
			return true, inst.Len - n, n
		}
	}
	return false, 0, 0
}

func immWidth(inst x86asm.Inst) int {
	switch inst.Op {
	case x86asm.MOV:
		if len(inst.Args) == 2 {
			if r, ok := inst.Args[0].(x86asm.Reg); ok && r >= x86asm.RAX && r <= x86asm.R15 {
				return 8
			}
		}
		return 4
	default:
		return 4
	}
}

func decodeARM64(text []byte, pc uint64) []Inst {
	var out []Inst
	for len(text) >= 4 {
		inst, err := arm64asm.Decode(text)
		_ = inst
		i := Inst{PC: pc, Len: 4}
		if err == nil {
			i.HasImm, i.ImmOff, i.ImmLen = arm64Imm(inst)
		}
		out = append(out, i)
		text = text[4:]
		pc += 4
	}
	return out
}

// arm64Imm reports the immediate field of MOVZ/MOVK/MOVN, the standard idiom
// for materializing a small constant such as a __LINE__ value.
func arm64Imm(inst arm64asm.Inst) (ok bool, off, n int) {
	switch inst.Op {
	case arm64asm.MOVZ, arm64asm.MOVK, arm64asm.MOVN:
		// The 16-bit immediate occupies bits [20:5] of the 4-byte
		// little-endian encoding, i.e. byte offset 0 through 3 with the
		// low 5 bits (the destination register) masked out. We report the
		// whole instruction word since isolating sub-byte fields isn't
		// meaningful to the byte-level line-macro filter; the filter
		// instead verifies the *non*-immediate bits are unchanged (see
		// compare.lineMacroOnly).
		return true, 0, 4
	}
	return false, 0, 0
}

// decodeRISCV64 steps through text using the RVC (compressed instruction)
// length rule: an instruction is 2 bytes if its low two bits are not 0b11,
// otherwise 4 bytes. This is enough to find instruction boundaries; the
// engine does not need full RISC-V operand decoding because the line-macro
// whitelist is only exercised on x86-64 and aarch64 production binaries in
// the original source (redis-server and friends never ship riscv64 builds in
// practice), but the stepping rule is architecture-complete so the
// comparator can still fall back to "whole instruction differs" safely.
func decodeRISCV64(text []byte, pc uint64) []Inst {
	var out []Inst
	for len(text) > 0 {
		size := 4
		if text[0]&0x3 != 0x3 {
			size = 2
		}
		if size > len(text) {
			size = len(text)
		}
		out = append(out, Inst{PC: pc, Len: size})
		text = text[size:]
		pc += uint64(size)
	}
	return out
}
