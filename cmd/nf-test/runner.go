// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/NetFPGA/netfpga"
	"github.com/NetFPGA/netfpga/internal/teamcity"
	"github.com/NetFPGA/netfpga/resultdb"
	"github.com/NetFPGA/netfpga/topology"
	"golang.org/x/sync/errgroup"
)

const (
	setupScript    = "setup"
	teardownScript = "teardown"
	commonDir      = "common"
	globalDir      = "global"
	connDir        = "connections"
)

// runScripts are the names tried, in order, for the script running a test.
var runScripts = []string{"run", "run.py"}

type recorder interface {
	Record(ctx context.Context, r resultdb.Result) error
	Close() error
}

type runner struct {
	opts   options
	env    topology.Env
	stdout io.Writer
	tc     *teamcity.Writer

	workTestDir string
	projTestDir string
	srcTestDir  string
	makeFile    string
	pyrun       string

	id      string // identifier of the regression run
	db      recorder
	command func(name string, args ...string) *exec.Cmd
	results []result
}

type result struct {
	name   string
	pass   bool
	output string
	start  time.Time
	dur    time.Duration
}

func newRunner(opts options, env topology.Env, stdout io.Writer) (*runner, error) {
	r := &runner{
		opts:    opts,
		env:     env,
		stdout:  stdout,
		tc:      teamcity.New(stdout),
		id:      time.Now().UTC().Format("20060102-150405"),
		command: exec.Command,
	}
	r.tc.Enable(opts.ci == "teamcity")
	if opts.ci != "" && opts.citest == "" {
		r.printf("The name of the test was not specified in 'citest'\n")
	}

	r.workTestDir = opts.workTestDir
	if r.workTestDir == "" {
		r.workTestDir = filepath.Join(env.WorkDir, "test")
	}
	r.projTestDir = filepath.Join(r.workTestDir, env.Project())

	r.srcTestDir = opts.srcTestDir
	if r.srcTestDir == "" {
		r.srcTestDir = filepath.Join(env.Design, "test")
	}

	r.makeFile = opts.makeFile
	if r.makeFile == "" {
		r.makeFile = filepath.Join(env.Root, "lib", "Makefiles", "sim_makefile")
	}
	r.pyrun = filepath.Join(env.Root, "lib", "scripts", "verif_run", "pyrun.pl")

	if opts.db != "" {
		db, err := resultdb.Open(opts.db)
		if err != nil {
			return nil, err
		}
		r.db = db
	}

	return r, nil
}

func (r *runner) close() {
	if r.db == nil {
		return
	}
	err := r.db.Close()
	if err != nil {
		log.Printf("could not close results db: %+v", err)
	}
}

func (r *runner) printf(format string, args ...interface{}) {
	fmt.Fprintf(r.stdout, format, args...)
}

func (r *runner) printEnv() {
	r.printf("NetFPGA environment:\n")
	r.printf("   Root dir:       %s\n", r.env.Root)
	r.printf("   Project name:   %s\n", r.env.Project())
	r.printf("   Project dir:    %s\n", r.projTestDir)
	r.printf("   Work dir:       %s\n", r.env.WorkDir)
	if v, _ := netfpga.Version(); v != "" {
		r.printf("   Harness:        %s\n", v)
	}
}

func (r *runner) ciName(test string) string {
	return r.opts.citest + teamcity.Separator + test
}

// identifyTests returns the test directories matching the test type and
// the -major and -minor options.
func identifyTests(dir, kind, major, minor string) ([]string, string, error) {
	var (
		name = kind + "_"
		both = "both_"
	)
	if major != "" {
		name += major + "_" + minor
		both += major + "_" + minor
	}

	ents, err := os.ReadDir(dir)
	if err != nil {
		return nil, name, fmt.Errorf("could not read test directory: %w", err)
	}

	var tests []string
	for _, ent := range ents {
		if !ent.IsDir() {
			continue
		}
		v := ent.Name()
		if strings.HasPrefix(v, name) || strings.HasPrefix(v, both) {
			tests = append(tests, v)
		}
	}
	sort.Strings(tests)
	return tests, name, nil
}

func (r *runner) tests() ([]string, error) {
	tests, name, err := identifyTests(r.srcTestDir, r.opts.kind, r.opts.major, r.opts.minor)
	if err != nil {
		return nil, err
	}
	if len(tests) == 0 {
		r.printf("=== Error: No tests match %s - exiting\n", name)
	}
	return tests, nil
}

func (r *runner) prepareWorkDir() error {
	err := os.MkdirAll(r.projTestDir, 0755)
	if err != nil {
		return fmt.Errorf("unable to create project directory %q: %w", r.projTestDir, err)
	}

	conn := filepath.Join(r.srcTestDir, connDir)
	if _, err := os.Stat(conn); err != nil {
		return nil
	}
	err = copyDir(filepath.Join(r.projTestDir, connDir), conn)
	if err != nil {
		return fmt.Errorf("could not copy connections directory: %w", err)
	}
	return nil
}

// prepareTestDirs creates the work directory of each test, populated with
// the content of the test source directory when populate is true.
func (r *runner) prepareTestDirs(tests []string, populate bool) error {
	var grp errgroup.Group
	for _, test := range tests {
		test := test
		grp.Go(func() error {
			dst := filepath.Join(r.projTestDir, test)
			err := os.MkdirAll(dst, 0755)
			if err != nil {
				return fmt.Errorf("unable to create test directory %q: %w", dst, err)
			}
			if !populate {
				return nil
			}
			err = copyDir(dst, filepath.Join(r.srcTestDir, test))
			if err != nil {
				return fmt.Errorf("could not populate test directory %q: %w", dst, err)
			}
			return nil
		})
	}
	return grp.Wait()
}

func (r *runner) record(res result) {
	r.results = append(r.results, res)
	if r.db == nil {
		return
	}
	err := r.db.Record(context.Background(), resultdb.Result{
		Run:      r.id,
		Project:  r.env.Project(),
		Test:     res.name,
		Kind:     r.opts.kind,
		Passed:   res.pass,
		Duration: res.dur,
		Started:  res.start,
	})
	if err != nil {
		log.Printf("could not record result of %q: %+v", res.name, err)
	}
}

// copyDir copies the tree rooted at src into dst, keeping file modes.
func copyDir(dst, src string) error {
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		out := filepath.Join(dst, rel)

		fi, err := d.Info()
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(out, fi.Mode().Perm()|0700)
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		return copyFile(out, path, fi.Mode().Perm())
	})
}

func copyFile(dst, src string, mode fs.FileMode) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	o, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer o.Close()

	_, err = io.Copy(o, f)
	if err != nil {
		return fmt.Errorf("could not copy %q: %w", src, err)
	}

	return o.Close()
}
