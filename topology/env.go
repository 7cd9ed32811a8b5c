// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package topology

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
)

// Env holds the NetFPGA environment of a test run.
type Env struct {
	Root    string // NF_ROOT: NetFPGA source tree
	WorkDir string // NF_WORK_DIR: scratch area, /tmp/<login> by default
	Design  string // NF_DESIGN_DIR: design under test
	User    string // USER
}

// Project returns the name of the design under test.
func (env Env) Project() string {
	return filepath.Base(env.Design)
}

// LoadEnv resolves the NetFPGA environment from the process environment.
func LoadEnv() (Env, error) {
	return loadEnv(os.LookupEnv)
}

func loadEnv(lookup func(string) (string, bool)) (Env, error) {
	var env Env

	root, ok := lookup("NF_ROOT")
	if !ok || root == "" {
		return env, fmt.Errorf("topology: please set the environment variable NF_ROOT to point to the local NetFPGA source")
	}
	root, err := filepath.Abs(root)
	if err != nil {
		return env, fmt.Errorf("topology: could not resolve NF_ROOT: %w", err)
	}
	env.Root = root

	design, ok := lookup("NF_DESIGN_DIR")
	if !ok || design == "" {
		return env, fmt.Errorf("topology: please set the environment variable NF_DESIGN_DIR to point to the design under test")
	}
	design, err = filepath.Abs(design)
	if err != nil {
		return env, fmt.Errorf("topology: could not resolve NF_DESIGN_DIR: %w", err)
	}
	env.Design = design

	env.User, _ = lookup("USER")
	if env.User == "" {
		if u, err := user.Current(); err == nil {
			env.User = u.Username
		}
	}

	work, ok := lookup("NF_WORK_DIR")
	switch {
	case ok && work != "":
		work, err = filepath.Abs(work)
		if err != nil {
			return env, fmt.Errorf("topology: could not resolve NF_WORK_DIR: %w", err)
		}
	default:
		if env.User == "" {
			return env, fmt.Errorf("topology: could not determine login name for default NF_WORK_DIR")
		}
		work = filepath.Join(os.TempDir(), env.User)
	}
	env.WorkDir = work

	return env, nil
}
