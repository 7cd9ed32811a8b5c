// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// guiStatus is the exit status of a simulation run in interactive mode.
const guiStatus = 99

func (r *runner) runSim() (int, error) {
	r.printEnv()

	err := r.prepareWorkDir()
	if err != nil {
		return 1, err
	}

	if !r.opts.noCompile {
		err = r.buildSim()
		if err != nil {
			return 1, err
		}
	}
	if r.opts.compileOnly {
		return 0, nil
	}

	tests, err := r.tests()
	if err != nil {
		return 1, err
	}
	if len(tests) == 0 {
		return 0, nil
	}

	for _, test := range tests {
		r.printf("=== Setting up test in %s\n", filepath.Join(r.projTestDir, test))
	}
	err = r.prepareTestDirs(tests, true)
	if err != nil {
		return 1, err
	}

	var passed, failed, gui []string
	for _, test := range tests {
		res, isGUI := r.simulate(test)
		switch {
		case isGUI:
			r.printf("Test %s ran in GUI mode.  Unable to identify pass/failure\n", test)
			gui = append(gui, test)
			continue
		case !res.pass:
			r.printf("Error: test %s failed!\n", test)
			failed = append(failed, test)
		default:
			r.printf("Test %s passed!\n", test)
			passed = append(passed, test)
		}
		r.record(res)
	}

	sum := summary(len(tests), passed, failed, gui)
	r.printf("%s\n", sum)

	if len(failed) > 0 {
		r.tc.Failed(r.opts.citest, "One or more simulations failed", sum)

		err = writeFailed(filepath.Join(r.env.Design, "FAILED_TESTS"), failed)
		if err != nil {
			return len(failed), err
		}
	}

	r.report()
	return len(failed), nil
}

func (r *runner) buildSim() error {
	_, err := os.Stat(r.makeFile)
	if err != nil {
		return fmt.Errorf("unable to find make file %q: %w", r.makeFile, err)
	}

	err = copyFile(filepath.Join(r.projTestDir, "Makefile"), r.makeFile, 0644)
	if err != nil {
		return fmt.Errorf("could not install make file: %w", err)
	}
	r.printf("=== Work directory is %s\n", r.projTestDir)

	err = os.RemoveAll(filepath.Join(r.projTestDir, "my_sim"))
	if err != nil {
		return fmt.Errorf("could not remove previous simulation binary: %w", err)
	}

	args := makeArgs(r.opts)
	r.printf("=== Calling make to build simulation binary with\nmake %s\n\n", strings.Join(args, " "))

	cmd := r.command("make", args...)
	cmd.Dir = r.projTestDir
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stdout
	err = cmd.Run()
	if err != nil {
		return fmt.Errorf("could not build simulation binary: %w", err)
	}

	r.printf("=== Simulation compiled.\n")
	return nil
}

func makeArgs(opts options) []string {
	dump := ""
	if opts.dump {
		dump = "dump.v"
	}
	args := []string{
		"-f", "Makefile",
		"DUMP_CTRL=" + dump,
		"SIM_OPT=" + opts.simOpt,
	}
	args = append(args, strings.Fields(opts.makeOpt)...)
	return append(args, opts.simulator()+"_top")
}

func pyrunArgs(opts options) []string {
	args := []string{"--sim", opts.simulator()}
	if opts.dump {
		args = append(args, "--dump")
	}
	if opts.gui {
		args = append(args, "--gui")
	}
	if opts.ci != "" {
		args = append(args, "--ci", opts.ci, "--citest", opts.citest)
	}
	return args
}

// simulate runs the simulation of a test and reports whether it ran in
// interactive mode.
func (r *runner) simulate(test string) (result, bool) {
	var (
		dir  = filepath.Join(r.projTestDir, test)
		args = pyrunArgs(r.opts)
		res  = result{name: test, start: time.Now()}
	)

	r.printf("=== Running test %s ... using cmd %s %s\n", dir, r.pyrun, strings.Join(args, " "))

	cmd := r.command(r.pyrun, args...)
	cmd.Dir = dir
	cmd.Stdout = r.stdout
	cmd.Stderr = r.stdout
	err := cmd.Run()
	res.dur = time.Since(res.start)

	var eerr *exec.ExitError
	switch {
	case err == nil:
		res.pass = true
	case errors.As(err, &eerr):
		if eerr.ExitCode() == guiStatus {
			return res, true
		}
	default:
		res.output = err.Error()
		r.printf("could not run test %s: %v\n", test, err)
	}
	return res, false
}

func summary(total int, passed, failed, gui []string) string {
	o := new(strings.Builder)
	o.WriteString("------------SUMMARY---------------\n")
	o.WriteString("PASSING TESTS: \n")
	for _, test := range passed {
		o.WriteString(test + "\n")
	}
	o.WriteString("FAILING TESTS: \n")
	for _, test := range failed {
		o.WriteString(test + "\n")
	}
	fmt.Fprintf(o, "TOTAL: %d PASS: %d FAIL: %d GUI: %d\n",
		total, len(passed), len(failed), len(gui),
	)
	return o.String()
}

func writeFailed(fname string, failed []string) error {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("could not create failed tests file: %w", err)
	}
	defer f.Close()

	for _, test := range failed {
		_, err = fmt.Fprintf(f, "%s\n", test)
		if err != nil {
			return fmt.Errorf("could not write failed tests file: %w", err)
		}
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("could not close failed tests file: %w", err)
	}
	return nil
}
