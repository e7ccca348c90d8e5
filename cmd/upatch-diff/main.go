// Copyright 2021 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command upatch-diff computes a live-patch object from a pair of
// relocatable ELF builds and the running binary they apply to (spec.md §1
// "Purpose"; grounded in
// original_source/upatch-diff/create-diff-object.c's argp usage, adapted
// to the standard library's flag package the way
// aclements-objbrowse/cmd/objbrowse does).
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/openpatch/upatch-diff/pipeline"
	"github.com/openpatch/upatch-diff/ulog"
)

func main() {
	flagSource := flag.String("s", "", "original (unpatched) relocatable object")
	flagPatched := flag.String("p", "", "patched relocatable object")
	flagRunning := flag.String("r", "", "running binary or shared library the patch targets")
	flagOutput := flag.String("o", "", "path to write the patch object to")
	flagDebug := flag.Bool("d", false, "enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -s source_obj -p patched_obj -r elf_file -o output_obj\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if *flagSource == "" || *flagPatched == "" || *flagRunning == "" || *flagOutput == "" {
		flag.Usage()
		os.Exit(2)
	}

	log := ulog.New(*flagDebug)
	cfg := pipeline.Config{
		OrigPath:    *flagSource,
		PatchedPath: *flagPatched,
		RunningPath: *flagRunning,
		OutputPath:  *flagOutput,
		Log:         log,
	}

	wrote, err := pipeline.Run(cfg)
	if err != nil {
		log.Errorf("%s", err)
		os.Exit(1)
	}
	if !wrote {
		os.Exit(0)
	}
}
