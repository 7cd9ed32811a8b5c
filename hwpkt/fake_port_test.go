// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hwpkt

import (
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// fakeNet connects, per interface, the transmit and capture ports to a
// single in-memory wire: a capture port sees the frames sent on its own
// interface, like an AF_PACKET socket sees outgoing traffic.
type fakeNet struct {
	mu    sync.Mutex
	wires map[string]chan []byte
	bad   map[string]bool
	open  atomic.Int64
}

func newFakeNet(bad ...string) *fakeNet {
	n := &fakeNet{
		wires: make(map[string]chan []byte),
		bad:   make(map[string]bool),
	}
	for _, name := range bad {
		n.bad[name] = true
	}
	return n
}

func (n *fakeNet) wire(name string) chan []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	w, ok := n.wires[name]
	if !ok {
		w = make(chan []byte, 1024)
		n.wires[name] = w
	}
	return w
}

// inject makes p appear on the wire of the named interface.
func (n *fakeNet) inject(name string, p []byte) {
	n.wire(name) <- append([]byte(nil), p...)
}

func (n *fakeNet) opener(name string, mode Mode) (Port, error) {
	if n.bad[name] {
		return nil, fmt.Errorf("no such device %q", name)
	}
	n.open.Add(1)
	return &fakePort{net: n, wire: n.wire(name), mode: mode}, nil
}

type fakePort struct {
	net    *fakeNet
	wire   chan []byte
	mode   Mode
	closed atomic.Bool
}

func (p *fakePort) ReadPacket(timeout time.Duration) ([]byte, error) {
	if p.closed.Load() {
		return nil, errClosed
	}
	tick := time.NewTimer(timeout)
	defer tick.Stop()
	select {
	case v := <-p.wire:
		return v, nil
	case <-tick.C:
		return nil, ErrTimeout
	}
}

func (p *fakePort) WritePacket(v []byte) error {
	if p.closed.Load() {
		return errClosed
	}
	p.wire <- append([]byte(nil), v...)
	return nil
}

func (p *fakePort) Close() error {
	if p.closed.Swap(true) {
		return nil
	}
	p.net.open.Add(-1)
	return nil
}

func discard() *log.Logger {
	return log.New(io.Discard, "", 0)
}
