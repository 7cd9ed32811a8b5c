// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hwpkt sends, captures and reconciles packets on the network
// interfaces of a NetFPGA host.
//
// Each interface runs three goroutines: a sender draining a blocking queue,
// a capture loop reading frames with a bounded wait, and a comparator pairing
// captured frames with registered expectations. Engine.Barrier blocks until
// every interface has satisfied its expectations.
package hwpkt // import "github.com/NetFPGA/netfpga/hwpkt"

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

type iface struct {
	tx *Sender
	rx *Expecter
}

// Engine drives the packet workers of a set of interfaces.
type Engine struct {
	msg    *log.Logger
	cfg    config
	names  []string
	ifaces map[string]*iface

	timeouts atomic.Int64

	mu      sync.Mutex
	ignored struct {
		layers []gopacket.LayerType
		funcs  []func([]byte) bool
	}

	once sync.Once
	rep  *Report
	err  error
}

// New returns an engine for the named interfaces.
// Interfaces are opened by Start.
func New(names []string, opts ...Option) *Engine {
	cfg := newConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	uniq := make([]string, 0, len(names))
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		uniq = append(uniq, name)
	}

	return &Engine{
		msg:    cfg.msg,
		cfg:    cfg,
		names:  uniq,
		ifaces: make(map[string]*iface, len(uniq)),
	}
}

// Interfaces returns the names of the interfaces driven by the engine.
func (eng *Engine) Interfaces() []string {
	return append([]string(nil), eng.names...)
}

// Start opens the capture and transmit ports of every interface and starts
// their workers.
func (eng *Engine) Start() (err error) {
	defer func() {
		if err != nil {
			eng.abort()
		}
	}()

	for _, name := range eng.names {
		rx, err := eng.cfg.open(name, Capture)
		if err != nil {
			return fmt.Errorf("hwpkt: could not open capture port on %q: %w", name, err)
		}
		tx, err := eng.cfg.open(name, Transmit)
		if err != nil {
			_ = rx.Close()
			return fmt.Errorf("hwpkt: could not open transmit port on %q: %w", name, err)
		}

		w := &iface{
			tx: newSender(name, tx, eng.cfg.depth, eng.msg),
			rx: newExpecter(name, rx, eng.cfg.poll, eng.msg),
		}
		w.rx.start()
		eng.ifaces[name] = w
	}
	return nil
}

func (eng *Engine) abort() {
	for name, w := range eng.ifaces {
		_ = w.tx.Close()
		_, _ = w.rx.Finish()
		delete(eng.ifaces, name)
	}
}

func (eng *Engine) iface(name string) (*iface, error) {
	w, ok := eng.ifaces[name]
	if !ok {
		return nil, fmt.Errorf("hwpkt: invalid interface name %q", name)
	}
	return w, nil
}

// Send queues p for transmission on the named interface.
// When expect is true, p is also expected back on that interface, as the
// capture port sees outgoing frames.
func (eng *Engine) Send(name string, p []byte, expect bool) error {
	w, err := eng.iface(name)
	if err != nil {
		return err
	}
	err = w.tx.Send(p)
	if err != nil {
		return err
	}
	if expect {
		w.rx.Expect(p, nil)
	}
	return nil
}

// Expect registers p, under the optional mask, as expected on the named
// interface.
func (eng *Engine) Expect(name string, p, mask []byte) error {
	w, err := eng.iface(name)
	if err != nil {
		return err
	}
	w.rx.Expect(p, mask)
	return nil
}

// Barrier blocks until every interface has satisfied all of its
// expectations, or until timeout elapses.
// Barrier reports whether all interfaces became ready in time.
// A non-positive timeout selects DefaultBarrierTimeout.
func (eng *Engine) Barrier(timeout time.Duration) bool {
	if timeout <= 0 {
		timeout = DefaultBarrierTimeout
	}
	deadline := time.Now().Add(timeout)

	rxs := make([]*Expecter, 0, len(eng.names))
	for _, name := range eng.names {
		if w, ok := eng.ifaces[name]; ok {
			rxs = append(rxs, w.rx)
		}
	}

	ok := false
	for !ok {
		ok = true
		for _, rx := range rxs {
			rx.kick()
		}
		for _, rx := range rxs {
			ready := rx.ready.Wait(time.Until(deadline))
			ok = ok && ready
		}
		if !time.Now().Before(deadline) {
			break
		}
	}

	if ok {
		return true
	}

	eng.msg.Printf("error: barrier timed out after %v", timeout)
	for _, rx := range rxs {
		unexp, missing := rx.Counts()
		if unexp > 0 {
			eng.msg.Printf("error: device %s saw %d unexpected packets", rx.name, unexp)
		}
		if missing > 0 {
			eng.msg.Printf("error: device %s missed %d expected packets", rx.name, missing)
		}
	}
	eng.timeouts.Add(1)
	return false
}

// Timeouts returns the number of barriers that timed out.
func (eng *Engine) Timeouts() int {
	return int(eng.timeouts.Load())
}

// Counts returns the number of unexpected frames and missing expectations
// currently held for the named interface.
func (eng *Engine) Counts(name string) (unexpected, missing int, err error) {
	w, err := eng.iface(name)
	if err != nil {
		return 0, 0, err
	}
	unexpected, missing = w.rx.Counts()
	return unexpected, missing, nil
}

// Ignore drops, at Finish, every frame carrying a layer of type lt.
func (eng *Engine) Ignore(lt gopacket.LayerType) {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	eng.ignored.layers = append(eng.ignored.layers, lt)
}

// IgnoreFunc drops, at Finish, every frame for which f returns true.
func (eng *Engine) IgnoreFunc(f func(p []byte) bool) {
	eng.mu.Lock()
	defer eng.mu.Unlock()
	eng.ignored.funcs = append(eng.ignored.funcs, f)
}

// Reset drops all received frames, expectations and matches.
func (eng *Engine) Reset() {
	for _, name := range eng.names {
		if w, ok := eng.ifaces[name]; ok {
			w.rx.Reset()
		}
	}
}

// Finish drains the send queues, stops the capture and comparator loops,
// filters ignored traffic, reports the differences between missing and
// unexpected frames and writes the per-interface pcap files.
//
// Finish is idempotent: later calls return the first report.
func (eng *Engine) Finish() (*Report, error) {
	eng.once.Do(func() {
		eng.rep, eng.err = eng.finish()
	})
	return eng.rep, eng.err
}

func (eng *Engine) finish() (*Report, error) {
	var (
		grp  errgroup.Group
		mu   sync.Mutex
		errs *multierror.Error
		res  = make([]IfaceReport, len(eng.names))
	)

	for i, name := range eng.names {
		i, name := i, name
		w, ok := eng.ifaces[name]
		if !ok {
			res[i].Name = name
			continue
		}
		grp.Go(func() error {
			var merr *multierror.Error
			if err := w.tx.Close(); err != nil {
				merr = multierror.Append(merr, fmt.Errorf("hwpkt: could not close sender on %q: %w", name, err))
			}
			r, err := w.rx.Finish()
			if err != nil {
				merr = multierror.Append(merr, fmt.Errorf("hwpkt: could not close capture on %q: %w", name, err))
			}
			res[i] = IfaceReport{
				Name:       name,
				Matched:    r.Matched,
				Unexpected: r.Unexpected,
				Missing:    r.Missing,
				Queued:     w.tx.Queued(),
				Sent:       w.tx.Sent(),
			}
			if merr != nil {
				mu.Lock()
				errs = multierror.Append(errs, merr.Errors...)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = grp.Wait()

	rep := &Report{
		Ifaces:   res,
		Timeouts: eng.Timeouts(),
	}

	eng.mu.Lock()
	filter := eng.filter()
	eng.mu.Unlock()

	for i := range rep.Ifaces {
		r := &rep.Ifaces[i]
		r.Matched = filter(r.Matched, &r.Ignored)
		r.Unexpected = filter(r.Unexpected, &r.Ignored)
		r.Missing = filter(r.Missing, &r.Ignored)

		rep.Errors += eng.compare(r.Name, r.Missing, r.Unexpected)

		if eng.cfg.pcaps == "" {
			continue
		}
		if err := r.writePcaps(eng.cfg.pcaps); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	rep.Errors += rep.Timeouts

	return rep, errs.ErrorOrNil()
}
