// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"flag"
	"fmt"
	"io"
	"strings"
	"time"
)

type options struct {
	kind string // hw or sim

	quiet    bool
	major    string
	minor    string
	conn     string
	mapf     string
	ci       string
	citest   string
	failfast bool
	seed     string

	commonSetup    string
	commonTeardown string

	workTestDir string
	srcTestDir  string

	makeFile    string
	makeOpt     string
	simOpt      string
	dump        bool
	vcs         bool
	isim        bool
	gui         bool
	noCompile   bool
	compileOnly bool

	pmon   bool
	freq   time.Duration
	db     string
	mailTo string
	smtp   string
}

func (o options) simulator() string {
	switch {
	case o.isim:
		return "isim"
	case o.vcs:
		return "vcs"
	default:
		return "vsim"
	}
}

const usage = `Usage: nf-test [hw|sim] [options]

ex:
 $> nf-test hw -conn ./conn -major loopback
 $> nf-test sim -vcs -dump

options:
`

func parseOptions(args []string) (options, error) {
	var o options
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return o, fmt.Errorf("missing test type (hw or sim)\n%s", usage)
	}
	o.kind = args[0]
	switch o.kind {
	case "hw", "sim":
	default:
		return o, fmt.Errorf("invalid test type %q (hw or sim)", o.kind)
	}

	fs := flag.NewFlagSet("nf-test", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.BoolVar(&o.quiet, "quiet", false, "hardware only: only report errors")
	fs.StringVar(&o.major, "major", "", "string to match on the first part of the test directory name")
	fs.StringVar(&o.minor, "minor", "", "string to match on the last part of the test directory name")
	fs.StringVar(&o.conn, "conn", "", "connections file (one nf2cX:ethY pair per line)")
	fs.StringVar(&o.mapf, "map", "", "interface map file (one logical:physical pair per line)")
	fs.StringVar(&o.ci, "ci", "", "continuous integration tool (teamcity)")
	fs.StringVar(&o.citest, "citest", "", "name of the top-level test reported to the CI tool")
	fs.BoolVar(&o.failfast, "failfast", false, "stop at the first failing test, without teardown")
	fs.StringVar(&o.seed, "seed", "", "seed of the random packet generator, to replay a run")
	fs.StringVar(&o.commonSetup, "common-setup", "", "hardware only: custom setup script run for each test")
	fs.StringVar(&o.commonTeardown, "common-teardown", "", "hardware only: custom teardown script run for each test")
	fs.StringVar(&o.workTestDir, "work-test-dir", "", "directory holding the per-test work directories")
	fs.StringVar(&o.srcTestDir, "src-test-dir", "", "directory holding the test directories")
	fs.StringVar(&o.makeFile, "make-file", "", "simulation only: makefile building the simulation binary")
	fs.StringVar(&o.makeOpt, "make-opt", "", "simulation only: options passed to make")
	fs.StringVar(&o.simOpt, "sim-opt", "", "simulation only: options passed to the HDL simulator")
	fs.BoolVar(&o.dump, "dump", false, "simulation only: compile dump.v to produce a VCD file")
	fs.BoolVar(&o.vcs, "vcs", false, "simulation only: run vcs")
	fs.BoolVar(&o.isim, "isim", false, "simulation only: run ISIM")
	fs.BoolVar(&o.gui, "gui", false, "simulation only: run the simulator in interactive mode")
	fs.BoolVar(&o.noCompile, "no-compile", false, "simulation only: do not compile the simulation binary")
	fs.BoolVar(&o.compileOnly, "compile-only", false, "simulation only: only compile the simulation binary")
	fs.BoolVar(&o.pmon, "pmon", false, "hardware only: monitor the test processes with pmon")
	fs.DurationVar(&o.freq, "freq", 1*time.Second, "pmon sampling frequency")
	fs.StringVar(&o.db, "db", "", "MySQL DSN of the results database")
	fs.StringVar(&o.mailTo, "mail-to", "", "comma separated addresses mailed a report on failure")
	fs.StringVar(&o.smtp, "smtp", "localhost:25", "SMTP server (host:port)")

	err := fs.Parse(args[1:])
	if err != nil {
		return o, fmt.Errorf("could not parse flags: %w\n%s", err, usage)
	}
	if fs.NArg() > 0 {
		return o, fmt.Errorf("unexpected arguments %q", fs.Args())
	}

	return o, o.validate()
}

func (o options) validate() error {
	switch o.kind {
	case "sim":
		if o.quiet || o.commonSetup != "" || o.commonTeardown != "" || o.pmon {
			return fmt.Errorf("-quiet, -common-setup, -common-teardown and -pmon are only compatible with hardware tests")
		}
	case "hw":
		if o.makeFile != "" || o.makeOpt != "" || o.simOpt != "" || o.dump ||
			o.vcs || o.isim || o.gui || o.noCompile || o.compileOnly {
			return fmt.Errorf("-make-file, -make-opt, -sim-opt, -dump, -vcs, -isim, -gui, -no-compile and -compile-only are only compatible with simulation tests")
		}
	}
	if o.vcs && o.isim {
		return fmt.Errorf("-vcs and -isim are mutually exclusive")
	}
	switch o.ci {
	case "", "teamcity":
	default:
		return fmt.Errorf("unknown continuous integration %q (supported: teamcity)", o.ci)
	}
	return nil
}
