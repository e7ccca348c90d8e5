// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package asm

import (
	"testing"

	"github.com/openpatch/upatch-diff/arch"
)

func TestDecodeX86NOPs(t *testing.T) {
	// Four single-byte NOPs.
	text := []byte{0x90, 0x90, 0x90, 0x90}
	insts, err := Decode(arch.X86_64, text, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 4 {
		t.Fatalf("want 4 instructions, got %d", len(insts))
	}
	for i, inst := range insts {
		if inst.Len != 1 {
			t.Errorf("instruction %d: want length 1, got %d", i, inst.Len)
		}
		if inst.PC != 0x1000+uint64(i) {
			t.Errorf("instruction %d: want PC %#x, got %#x", i, 0x1000+uint64(i), inst.PC)
		}
	}
}

func TestDecodeX86MovImm32(t *testing.T) {
	// mov $0x2a, %eax  (b8 2a 00 00 00)
	text := []byte{0xb8, 0x2a, 0x00, 0x00, 0x00}
	insts, err := Decode(arch.X86_64, text, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 1 {
		t.Fatalf("want 1 instruction, got %d", len(insts))
	}
	inst := insts[0]
	if inst.Len != 5 {
		t.Fatalf("want length 5, got %d", inst.Len)
	}
	if !inst.HasImm || inst.ImmOff != 1 || inst.ImmLen != 4 {
		t.Fatalf("want imm at offset 1 len 4, got ok=%v off=%d len=%d", inst.HasImm, inst.ImmOff, inst.ImmLen)
	}
}

func TestDecodeARM64FixedLength(t *testing.T) {
	// Three arbitrary 4-byte words; we only care about stepping, not the
	// specific decode.
	text := make([]byte, 12)
	insts, err := Decode(arch.AARCH64, text, 0x4000)
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 3 {
		t.Fatalf("want 3 instructions, got %d", len(insts))
	}
	for _, inst := range insts {
		if inst.Len != 4 {
			t.Errorf("want length 4, got %d", inst.Len)
		}
	}
}

func TestDecodeRISCV64Compressed(t *testing.T) {
	// low two bits != 0b11 => 2-byte instruction; == 0b11 => 4-byte.
	text := []byte{0x01, 0x00, 0x13, 0x00, 0x00, 0x00, 0x02, 0x00}
	insts, err := Decode(arch.RISCV64, text, 0)
	if err != nil {
		t.Fatal(err)
	}
	wantLens := []int{2, 4, 2}
	if len(insts) != len(wantLens) {
		t.Fatalf("want %d instructions, got %d", len(wantLens), len(insts))
	}
	for i, want := range wantLens {
		if insts[i].Len != want {
			t.Errorf("instruction %d: want length %d, got %d", i, want, insts[i].Len)
		}
	}
}
