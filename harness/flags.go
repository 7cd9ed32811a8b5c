// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package harness

import (
	"flag"
	"fmt"
	"io"
)

// Flags are the command-line arguments the regression runner passes to a
// test program.
type Flags struct {
	HW     bool   // run against the hardware
	Sim    string // simulator: vsim, vcs or isim
	Conn   string // connections file
	Map    string // interface map file
	Seed   int64  // seed of the packet payload generator, 0 to pick one
	Dump   bool   // dump simulation signals
	GUI    bool   // run the simulator GUI
	CI     string // CI system to report to
	CITest string // test name reported to the CI system
}

// ParseFlags parses the test program arguments.
func ParseFlags(name string, args []string) (Flags, error) {
	var (
		fs = flag.NewFlagSet(name, flag.ContinueOnError)
		f  Flags
	)
	fs.SetOutput(io.Discard)
	fs.BoolVar(&f.HW, "hw", false, "run test against the hardware")
	fs.StringVar(&f.Sim, "sim", "", "run test in simulation (vsim|vcs|isim)")
	fs.StringVar(&f.Conn, "conn", "", "path to connections file")
	fs.StringVar(&f.Map, "map", "", "path to interface map file")
	fs.Int64Var(&f.Seed, "seed", 0, "seed of the random payload generator")
	fs.BoolVar(&f.Dump, "dump", false, "dump simulation signals")
	fs.BoolVar(&f.GUI, "gui", false, "run simulation with GUI")
	fs.StringVar(&f.CI, "ci", "", "CI system to report to (teamcity)")
	fs.StringVar(&f.CITest, "citest", "", "test name reported to the CI system")

	err := fs.Parse(args)
	if err != nil {
		return f, fmt.Errorf("harness: could not parse flags: %w", err)
	}

	switch f.Sim {
	case "", "vsim", "vcs", "isim":
	default:
		return f, fmt.Errorf("harness: invalid simulator %q", f.Sim)
	}
	if f.HW && f.Sim != "" {
		return f, fmt.Errorf("harness: -hw and -sim are mutually exclusive")
	}
	return f, nil
}
