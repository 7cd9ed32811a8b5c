// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sbinet/pmon"
)

const (
	globalSetup    = "global setup"
	globalTeardown = "global teardown"
)

// script describes one invocation of a test script.
type script struct {
	subdir   string
	name     string
	args     []string
	required bool
}

func (r *runner) runHW() (int, error) {
	r.printf("Root directory is %s\n", r.env.Root)
	r.printEnv()

	if r.opts.mapf != "" {
		f, err := os.Open(r.opts.mapf)
		if err != nil {
			return 1, fmt.Errorf("could not open mapfile %q: %w", r.opts.mapf, err)
		}
		_ = f.Close()
	}

	err := r.prepareWorkDir()
	if err != nil {
		return 1, err
	}

	tests, err := r.tests()
	if err != nil {
		return 1, err
	}
	if len(tests) == 0 {
		return 0, nil
	}

	var (
		passed     = true
		commonPass = true
		gsTest     = r.ciName("global.setup")
	)

	if !r.opts.quiet {
		r.printf("   Running global setup... ")
	}
	r.tc.Started(gsTest)
	gs := r.run(globalSetup, script{subdir: globalDir, name: setupScript})
	if !gs.pass {
		passed = false
		r.record(gs)
	}
	r.printResult(gs)
	if !gs.pass {
		r.tc.Failed(gsTest, "Test failed", gs.output)
	}
	r.tc.Finished(gsTest)

	if gs.pass {
		for _, test := range tests {
			ciTest := r.ciName(test)
			r.tc.Started(ciTest)
			err := r.prepareTestDirs([]string{test}, false)
			if err != nil {
				return 1, err
			}
			if !r.opts.quiet {
				r.printf("   Running test %s... ", filepath.Base(test))
			}

			res, commonOK := r.runTest(test)
			passed = passed && res.pass
			commonPass = commonPass && commonOK

			r.record(res)
			r.printResult(res)
			if !res.pass {
				r.tc.Failed(ciTest, "Test failed", res.output)
			}
			r.tc.Finished(ciTest)

			if !commonPass {
				break
			}
			if r.opts.failfast && !res.pass {
				break
			}
		}
	}

	if gs.pass && (!r.opts.failfast || passed) {
		gtTest := r.ciName("global.teardown")
		if !r.opts.quiet {
			r.printf("   Running global teardown... ")
		}
		r.tc.Started(gtTest)
		gt := r.run(globalTeardown, script{subdir: globalDir, name: teardownScript})
		if !gt.pass {
			passed = false
			r.record(gt)
		}
		r.printResult(gt)
		if !gt.pass {
			r.tc.Failed(gtTest, "Test failed", gt.output)
		}
		r.tc.Finished(gtTest)
	}
	if !r.opts.quiet {
		r.printf("\n\n")
	}

	if r.opts.quiet && !passed {
		r.printf("Regression test suite failed\n\n")
		r.printf("Project failing tests: %s\n", r.env.Project())
		r.printf("Tests failing within each project\n")
		for _, res := range r.results {
			if !res.pass {
				r.printf("Test: %s\n%s\n%s\n", res.name, strings.Repeat("-", len(res.name)), res.output)
			}
			r.printf("\n")
		}
	}

	r.report()

	if !passed {
		return 1, nil
	}
	return 0, nil
}

// runTest runs the setup, test and teardown scripts of a test.
// runTest reports whether the common setup and teardown scripts succeeded.
func (r *runner) runTest(test string) (result, bool) {
	var (
		common   = r.opts.commonSetup
		teardown = r.opts.commonTeardown
	)
	if common == "" {
		common = setupScript
	}
	if teardown == "" {
		teardown = teardownScript
	}

	var (
		beg  = time.Now()
		outs []string
		res  = result{name: test, start: beg, pass: true}
	)

	cs := r.run(test, script{subdir: commonDir, name: common})
	if !cs.pass {
		outs = append(outs, cs.output)
		res.pass = false
		res.output = strings.Join(outs, "")
		res.dur = time.Since(beg)
		return res, false
	}

	ls := r.run(test, script{subdir: test, name: setupScript})
	if ls.pass {
		args := []string{"--hw"}
		if r.opts.seed != "" {
			args = append(args, "--seed", r.opts.seed)
		}
		if r.opts.conn != "" {
			args = append(args, "--conn", r.opts.conn)
		}
		run := r.run(test, script{
			subdir:   test,
			name:     r.runScript(test),
			args:     args,
			required: true,
		})
		lt := r.run(test, script{subdir: test, name: teardownScript})
		for _, v := range []result{run, lt} {
			if !v.pass {
				res.pass = false
			}
		}
		switch {
		case res.pass:
			outs = append(outs, run.output)
		default:
			if !run.pass {
				outs = append(outs, run.output)
			}
			if !lt.pass {
				outs = append(outs, lt.output)
			}
		}
	} else {
		res.pass = false
		outs = append(outs, ls.output)
	}

	ct := r.run(test, script{subdir: commonDir, name: teardown})
	if !ct.pass {
		res.pass = false
		outs = append(outs, ct.output)
	}

	res.output = strings.Join(outs, "")
	res.dur = time.Since(beg)
	return res, ct.pass
}

// runScript returns the name of the script running the test.
func (r *runner) runScript(test string) string {
	for _, name := range runScripts {
		_, err := os.Stat(filepath.Join(r.srcTestDir, test, name))
		if err == nil {
			return name
		}
	}
	return runScripts[0]
}

// run copies the script directory into the work area and executes the script
// from there, collecting its combined output.
func (r *runner) run(name string, s script) result {
	res := result{name: name, start: time.Now()}
	defer func() {
		res.dur = time.Since(res.start)
	}()

	var (
		src = filepath.Join(r.srcTestDir, s.subdir)
		dir = filepath.Join(r.projTestDir, s.subdir)
	)
	if _, err := os.Stat(src); err == nil {
		err = copyDir(dir, src)
		if err != nil {
			log.Printf("could not copy %q: %+v", src, err)
		}
	}

	args := append([]string(nil), s.args...)
	if r.opts.mapf != "" {
		args = append(args, "--map", r.opts.mapf)
	}
	exe := filepath.Join(dir, s.name)

	if _, err := os.Stat(exe); errors.Is(err, fs.ErrNotExist) && !s.required {
		res.pass = true
		return res
	}

	var out bytes.Buffer
	cmd := r.command(exe, args...)
	cmd.Dir = dir
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := r.exec(s.name, cmd)
	res.output = out.String()

	switch err := err.(type) {
	case nil:
		res.pass = true
	case *exec.ExitError:
		r.printf("%s exited with value %d\n", strings.Join(cmd.Args, " "), err.ExitCode())
	default:
		if s.required {
			r.printf("Unable to run test %s for project %s\n%v\n", s.name, r.env.Project(), err)
		}
		res.output += err.Error()
	}
	return res
}

// exec runs the command, monitored by pmon when requested.
func (r *runner) exec(name string, cmd *exec.Cmd) error {
	if !r.opts.pmon {
		return cmd.Run()
	}

	err := cmd.Start()
	if err != nil {
		return err
	}

	p, err := pmon.Monitor(cmd.Process.Pid)
	if err != nil {
		log.Printf("could not start monitoring %q (pid=%d): %+v", name, cmd.Process.Pid, err)
		return cmd.Wait()
	}

	f, err := os.Create(filepath.Join(cmd.Dir, name+"-pmon.log"))
	if err != nil {
		log.Printf("could not create pmon log file for %q: %+v", name, err)
		return cmd.Wait()
	}
	defer f.Close()
	p.W = f
	p.Freq = r.opts.freq

	go func() {
		err := p.Run()
		if err != nil {
			log.Printf("could not monitor %q: %+v", name, err)
		}
	}()

	defer func() {
		err := p.Kill()
		if err != nil {
			log.Printf("could not stop monitoring %q: %+v", name, err)
		}
	}()

	return cmd.Wait()
}

func (r *runner) printResult(res result) {
	if r.opts.quiet {
		return
	}
	if res.pass {
		r.printf("PASS\n")
		return
	}
	r.printf("FAIL\nOutput was:\n%s\n", res.output)
}
