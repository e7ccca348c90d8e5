// Copyright 2018 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package arch provides basic descriptions of the CPU architectures this
// engine supports as patch targets.
package arch

import "debug/elf"

// An Arch describes a CPU architecture.
type Arch struct {
	// Layout is the byte order and word size of this architecture.
	Layout Layout

	// GoArch is the GOARCH value for this architecture.
	GoArch string

	// Machine is the ELF e_machine value objects of this architecture
	// are built for.
	Machine elf.Machine

	// InstrAlign is the smallest instruction length this architecture can
	// ever emit (1 for x86-64, 4 for aarch64, 2 for riscv64's compressed
	// extension).
	InstrAlign int
}

var (
	X86_64  = &Arch{Layout{0, 8}, "amd64", elf.EM_X86_64, 1}
	AARCH64 = &Arch{Layout{0, 8}, "arm64", elf.EM_AARCH64, 4}
	RISCV64 = &Arch{Layout{0, 8}, "riscv64", elf.EM_RISCV, 2}
)

// ByMachine returns the Arch for the given ELF machine type, or nil if the
// machine is not one of the three supported targets (§6: "machine ∈
// {X86_64, AARCH64, RISCV64}").
func ByMachine(m elf.Machine) *Arch {
	switch m {
	case elf.EM_X86_64:
		return X86_64
	case elf.EM_AARCH64:
		return AARCH64
	case elf.EM_RISCV:
		return RISCV64
	}
	return nil
}

// String returns the GOARCH value of a.
func (a *Arch) String() string {
	if a == nil {
		return "<nil>"
	}
	return a.GoArch
}
