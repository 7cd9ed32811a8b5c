// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command nf-test runs the regression tests of a NetFPGA design, against
// the hardware or in an HDL simulation.
//
// Usage:
//
//	$> nf-test hw [options]
//	$> nf-test sim [options]
//
// Tests are the directories of $NF_DESIGN_DIR/test named hw_<major>_<minor>,
// sim_<major>_<minor> or both_<major>_<minor>.
package main // import "github.com/NetFPGA/netfpga/cmd/nf-test"

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/NetFPGA/netfpga/topology"
)

func main() {
	log.SetPrefix("nf-test: ")
	log.SetFlags(0)

	rc, err := xmain(os.Args[1:], os.Stdout)
	if err != nil {
		log.Fatalf("%+v", err)
	}
	os.Exit(rc)
}

func xmain(args []string, stdout io.Writer) (int, error) {
	opts, err := parseOptions(args)
	if err != nil {
		return 1, err
	}

	env, err := topology.LoadEnv()
	if err != nil {
		return 1, err
	}

	r, err := newRunner(opts, env, stdout)
	if err != nil {
		return 1, err
	}
	defer r.close()

	switch opts.kind {
	case "hw":
		return r.runHW()
	case "sim":
		return r.runSim()
	default:
		return 1, fmt.Errorf("invalid test type %q", opts.kind)
	}
}
