// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package elf

import "fmt"

// CompareHeaders requires orig and patched to share everything in an ELF
// file header that isn't allowed to differ between two builds of the same
// object: identification bytes, type, machine and version (spec.md §4.A
// "Compare headers"; grounded in
// original_source/upatch-diff/create-diff-object.c's compare_elf_headers).
func CompareHeaders(orig, patched *Model) error {
	a, b := orig.rawFile(), patched.rawFile()
	if a == nil || b == nil {
		return nil
	}
	switch {
	case a.Class != b.Class || a.Data != b.Data || a.OSABI != b.OSABI || a.ABIVersion != b.ABIVersion:
		return &Err{Msg: "source and patched objects have different ELF identification bytes"}
	case a.Type != b.Type:
		return &Err{Msg: fmt.Sprintf("source and patched objects have different ELF types (%s vs %s)", a.Type, b.Type)}
	case a.Machine != b.Machine:
		return &Err{Msg: fmt.Sprintf("source and patched objects target different machines (%s vs %s)", a.Machine, b.Machine)}
	case a.Version != b.Version:
		return &Err{Msg: "source and patched objects have different ELF versions"}
	}
	return nil
}
