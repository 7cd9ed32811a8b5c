// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hwpkt

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/NetFPGA/netfpga/pkt"
	"github.com/hashicorp/go-multierror"
)

// Report summarizes the traffic of all interfaces at Finish.
type Report struct {
	Ifaces   []IfaceReport
	Timeouts int // barriers that timed out
	Errors   int // missing and unexpected frames, plus timeouts
}

// IfaceReport holds the final traffic of one interface.
type IfaceReport struct {
	Name       string
	Matched    [][]byte
	Unexpected [][]byte
	Missing    [][]byte
	Ignored    [][]byte

	Queued int64 // frames handed to the sender
	Sent   int64 // frames transmitted
}

// Iface returns the report of the named interface.
func (rep *Report) Iface(name string) (IfaceReport, bool) {
	for _, r := range rep.Ifaces {
		if r.Name == name {
			return r, true
		}
	}
	return IfaceReport{}, false
}

// filter returns a function removing ignored frames from a list and
// appending them to a sink. Callers hold eng.mu.
func (eng *Engine) filter() func(ps [][]byte, sink *[][]byte) [][]byte {
	var (
		lts   = append(eng.ignored.layers[:0:0], eng.ignored.layers...)
		funcs = append(eng.ignored.funcs[:0:0], eng.ignored.funcs...)
	)
	drop := func(p []byte) bool {
		for _, lt := range lts {
			if pkt.HasLayer(p, lt) {
				return true
			}
		}
		for _, f := range funcs {
			if f(p) {
				return true
			}
		}
		return false
	}

	return func(ps [][]byte, sink *[][]byte) [][]byte {
		if len(lts) == 0 && len(funcs) == 0 {
			return ps
		}
		o := ps[:0:0]
		for _, p := range ps {
			if drop(p) {
				*sink = append(*sink, p)
				continue
			}
			o = append(o, p)
		}
		return o
	}
}

// compare logs how each missing frame differs from each unexpected frame
// and returns the number of errors they account for.
func (eng *Engine) compare(name string, exp, unexp [][]byte) int {
	switch {
	case len(exp) == 0 && len(unexp) == 0:
		return 0
	case len(exp) == 0:
		eng.msg.Printf("error: %s: %d unexpected packets seen", name, len(unexp))
		return len(unexp)
	case len(unexp) == 0:
		eng.msg.Printf("error: %s: %d expected packets not seen", name, len(exp))
		return len(exp)
	}

	eng.msg.Printf("%s: %d expected packets not seen", name, len(exp))
	eng.msg.Printf("%s: %d unexpected packets", name, len(unexp))
	for i, e := range exp {
		eng.msg.Printf("expected packet %d", i)
		for j, u := range unexp {
			if len(e) != len(u) {
				eng.msg.Printf(
					"   unexpected packet %d: packet lengths do not match, expecting %d but saw %d",
					j, len(e), len(u),
				)
				continue
			}
			k := firstDiff(e, u)
			if k < 0 {
				continue
			}
			eng.msg.Printf(
				"   unexpected packet %d: byte %d (starting from 0) not equivalent (EXP: %02X, ACTUAL: %02X)",
				j, k, e[k], u[k],
			)
		}
	}
	return len(exp) + len(unexp)
}

func firstDiff(a, b []byte) int {
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return -1
}

// writePcaps writes the non-empty traffic sets of r under dir.
func (r IfaceReport) writePcaps(dir string) error {
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return fmt.Errorf("hwpkt: could not create pcap dir %q: %w", dir, err)
	}

	var errs *multierror.Error
	for _, set := range []struct {
		suffix string
		pkts   [][]byte
	}{
		{"matched", r.Matched},
		{"expected", r.Missing},
		{"extra", r.Unexpected},
		{"ignored", r.Ignored},
	} {
		if len(set.pkts) == 0 {
			continue
		}
		fname := filepath.Join(dir, r.Name+"_"+set.suffix+".pcap")
		err := pkt.WritePcapFile(fname, set.pkts)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}
