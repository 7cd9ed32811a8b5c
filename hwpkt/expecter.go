// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hwpkt

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/NetFPGA/netfpga/pkt"
)

type expectation struct {
	pkt  []byte
	mask []byte
}

// Result holds the final state of one interface.
// The three sets are disjoint.
type Result struct {
	Matched    [][]byte // received frames paired with an expectation
	Unexpected [][]byte // received frames nothing expected
	Missing    [][]byte // expectations no received frame satisfied
}

// Expecter captures the frames seen on one interface and reconciles them
// with the registered expectations.
//
// Reconciliation is stable FIFO first-fit: received frames are visited in
// arrival order and each is paired with the earliest registered expectation
// it satisfies.
type Expecter struct {
	name string
	port Port
	msg  *log.Logger
	poll time.Duration

	mu      sync.Mutex
	recv    [][]byte
	exp     []expectation
	matched [][]byte

	ready *event        // set while no expectation is pending
	wake  chan struct{} // comparator trigger
	done  chan struct{} // closed to stop the capture and comparator loops
	wg    sync.WaitGroup

	once sync.Once
	res  Result
	err  error
}

func newExpecter(name string, port Port, poll time.Duration, msg *log.Logger) *Expecter {
	return &Expecter{
		name:  name,
		port:  port,
		msg:   msg,
		poll:  poll,
		ready: newEvent(true),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
}

func (e *Expecter) start() {
	e.wg.Add(2)
	go e.capture()
	go e.compare()
}

func (e *Expecter) capture() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		default:
		}

		p, err := e.port.ReadPacket(e.poll)
		switch {
		case err == nil:
			e.add(p)
		case errors.Is(err, ErrTimeout):
			// poll again.
		default:
			e.msg.Printf("could not capture on %q: %+v", e.name, err)
			e.pause()
		}
	}
}

// pause waits for one poll interval, or less if the expecter is stopped.
func (e *Expecter) pause() {
	tick := time.NewTimer(e.poll)
	defer tick.Stop()
	select {
	case <-e.done:
	case <-tick.C:
	}
}

func (e *Expecter) compare() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case <-e.wake:
			e.resolve()
		}
	}
}

// kick wakes the comparator.
func (e *Expecter) kick() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// add records a captured frame.
func (e *Expecter) add(p []byte) {
	e.mu.Lock()
	e.recv = append(e.recv, p)
	e.ready.Clear()
	e.mu.Unlock()
	e.kick()
}

// Expect registers an expectation for p under the optional mask.
func (e *Expecter) Expect(p, mask []byte) {
	e.mu.Lock()
	e.exp = append(e.exp, expectation{pkt: pkt.Clone(p), mask: pkt.Clone(mask)})
	e.ready.Clear()
	e.mu.Unlock()
	e.kick()
}

// resolve runs one reconciliation pass and reports whether every
// expectation has been satisfied.
func (e *Expecter) resolve() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i := 0; i < len(e.recv) && len(e.exp) > 0; {
		j := e.find(e.recv[i])
		if j < 0 {
			i++
			continue
		}
		e.matched = append(e.matched, e.recv[i])
		e.recv = append(e.recv[:i], e.recv[i+1:]...)
		e.exp = append(e.exp[:j], e.exp[j+1:]...)
	}

	if len(e.exp) != 0 {
		return false
	}
	e.ready.Set()
	return true
}

func (e *Expecter) find(recv []byte) int {
	for j, x := range e.exp {
		if pkt.Match(x.pkt, x.mask, recv) {
			return j
		}
	}
	return -1
}

// Counts returns the number of unexpected frames and of missing
// expectations currently held.
func (e *Expecter) Counts() (unexpected, missing int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.recv), len(e.exp)
}

// Reset drops every received frame, expectation and match.
func (e *Expecter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recv = nil
	e.exp = nil
	e.matched = nil
	e.ready.Set()
}

// Finish stops capturing, waits for the capture and comparator loops to
// exit, runs a last reconciliation pass and returns the final state.
// The port is closed. Subsequent calls return the same result.
func (e *Expecter) Finish() (Result, error) {
	e.once.Do(func() {
		e.msg.Printf("%s finishing up", e.name)
		close(e.done)
		e.wg.Wait()
		e.resolve()

		e.mu.Lock()
		e.res = Result{
			Matched:    e.matched,
			Unexpected: e.recv,
			Missing:    make([][]byte, len(e.exp)),
		}
		for i, x := range e.exp {
			e.res.Missing[i] = x.pkt
		}
		e.matched = nil
		e.recv = nil
		e.exp = nil
		e.mu.Unlock()

		e.err = e.port.Close()
	})
	return e.res, e.err
}
