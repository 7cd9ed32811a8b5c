// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hwpkt

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/NetFPGA/netfpga/pkt"
	"github.com/google/gopacket/layers"
)

const poll = 10 * time.Millisecond

func newTestEngine(t *testing.T, net *fakeNet, names ...string) *Engine {
	t.Helper()
	eng := New(
		names,
		WithLogger(discard()),
		WithPortOpener(net.opener),
		WithPollTimeout(poll),
		WithPcapDir(""),
	)
	err := eng.Start()
	if err != nil {
		t.Fatalf("could not start engine: %+v", err)
	}
	return eng
}

func mkpkt(i byte) []byte {
	p := make([]byte, 64)
	for j := range p {
		p[j] = i
	}
	p[12], p[13] = 0x08, 0x00
	return p
}

func TestBarrierConvergence(t *testing.T) {
	for _, tc := range []struct {
		name       string
		expectLast bool
	}{
		{name: "expect-then-send"},
		{name: "send-then-expect", expectLast: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			net := newFakeNet()
			eng := newTestEngine(t, net, "nf2c0")
			defer eng.Finish()

			p := mkpkt(1)
			if !tc.expectLast {
				_ = eng.Expect("nf2c0", p, nil)
			}
			net.inject("nf2c0", p)
			if tc.expectLast {
				time.Sleep(2 * poll)
				_ = eng.Expect("nf2c0", p, nil)
			}

			if !eng.Barrier(2 * time.Second) {
				t.Fatalf("barrier timed out")
			}
			unexp, missing, err := eng.Counts("nf2c0")
			if err != nil {
				t.Fatalf("could not get counts: %+v", err)
			}
			if unexp != 0 || missing != 0 {
				t.Fatalf("invalid counts: unexpected=%d, missing=%d", unexp, missing)
			}
		})
	}
}

func TestBarrierTimeout(t *testing.T) {
	net := newFakeNet()
	eng := newTestEngine(t, net, "nf2c0", "nf2c1")
	defer eng.Finish()

	_ = eng.Expect("nf2c1", mkpkt(2), nil)

	start := time.Now()
	if eng.Barrier(200 * time.Millisecond) {
		t.Fatalf("barrier should have timed out")
	}
	if d := time.Since(start); d < 200*time.Millisecond {
		t.Fatalf("barrier returned too early: %v", d)
	}

	_, missing, _ := eng.Counts("nf2c1")
	if got, want := missing, 1; got != want {
		t.Fatalf("invalid missing count: got=%d, want=%d", got, want)
	}
	_, missing, _ = eng.Counts("nf2c0")
	if got, want := missing, 0; got != want {
		t.Fatalf("invalid missing count on idle interface: got=%d, want=%d", got, want)
	}
	if got, want := eng.Timeouts(), 1; got != want {
		t.Fatalf("invalid timeouts: got=%d, want=%d", got, want)
	}

	// re-entrant: once the frame shows up the next barrier passes.
	net.inject("nf2c1", mkpkt(2))
	if !eng.Barrier(2 * time.Second) {
		t.Fatalf("second barrier timed out")
	}
	if got, want := eng.Timeouts(), 1; got != want {
		t.Fatalf("invalid timeouts: got=%d, want=%d", got, want)
	}
}

func TestMatchOrderIndependent(t *testing.T) {
	net := newFakeNet()
	eng := newTestEngine(t, net, "if0")

	pkts := [][]byte{mkpkt(1), mkpkt(2), mkpkt(3)}
	for _, p := range pkts {
		err := eng.Send("if0", p, false)
		if err != nil {
			t.Fatalf("could not send: %+v", err)
		}
	}
	for _, i := range []int{2, 0, 1} {
		_ = eng.Expect("if0", pkts[i], nil)
	}

	if !eng.Barrier(5 * time.Second) {
		t.Fatalf("barrier timed out")
	}

	rep, err := eng.Finish()
	if err != nil {
		t.Fatalf("could not finish: %+v", err)
	}
	r, ok := rep.Iface("if0")
	if !ok {
		t.Fatalf("missing report for if0")
	}
	if got, want := len(r.Matched), 3; got != want {
		t.Fatalf("invalid matched: got=%d, want=%d", got, want)
	}
	if len(r.Unexpected) != 0 || len(r.Missing) != 0 {
		t.Fatalf("invalid leftovers: unexpected=%d, missing=%d", len(r.Unexpected), len(r.Missing))
	}
	if got, want := r.Sent, int64(3); got != want {
		t.Fatalf("invalid sent count: got=%d, want=%d", got, want)
	}
	if got, want := rep.Errors, 0; got != want {
		t.Fatalf("invalid errors: got=%d, want=%d", got, want)
	}
}

func TestSendExpectsOwnFrame(t *testing.T) {
	net := newFakeNet()
	eng := newTestEngine(t, net, "nf2c0")
	defer eng.Finish()

	err := eng.Send("nf2c0", mkpkt(7), true)
	if err != nil {
		t.Fatalf("could not send: %+v", err)
	}
	if !eng.Barrier(2 * time.Second) {
		t.Fatalf("barrier timed out")
	}
}

func TestPaddedFrame(t *testing.T) {
	net := newFakeNet()
	eng := newTestEngine(t, net, "nf2c0")
	defer eng.Finish()

	for _, exp := range [][]byte{
		pkt.MakeICMPTTLExceedPkt(pkt.Hdr{}),
		pkt.MakeICMPReplyPkt(pkt.Hdr{}, []byte{1, 2, 3, 4}),
	} {
		if len(exp) >= pkt.MinLen {
			t.Fatalf("expectation is already padded: len=%d", len(exp))
		}
		wire := make([]byte, pkt.MinLen)
		copy(wire, exp)

		_ = eng.Expect("nf2c0", exp, nil)
		net.inject("nf2c0", wire)

		if !eng.Barrier(2 * time.Second) {
			t.Fatalf("padded frame did not match its %d-byte expectation", len(exp))
		}
	}
}

func TestMaskedExpectation(t *testing.T) {
	net := newFakeNet()
	eng := newTestEngine(t, net, "nf2c0")
	defer eng.Finish()

	exp := mkpkt(1)
	mask := make([]byte, len(exp))
	mask[20] = 0xff
	mask[21] = 0xf0

	got := mkpkt(1)
	got[20] = 0xaa
	got[21] = 0x51

	_ = eng.Expect("nf2c0", exp, mask)
	net.inject("nf2c0", got)

	if !eng.Barrier(2 * time.Second) {
		t.Fatalf("masked frame did not match")
	}
}

func TestFinishIdempotent(t *testing.T) {
	dir, err := os.MkdirTemp("", "netfpga-hwpkt-")
	if err != nil {
		t.Fatalf("could not create tmpdir: %+v", err)
	}
	defer os.RemoveAll(dir)

	net := newFakeNet()
	eng := New(
		[]string{"nf2c0"},
		WithLogger(discard()),
		WithPortOpener(net.opener),
		WithPollTimeout(poll),
		WithPcapDir(dir),
	)
	err = eng.Start()
	if err != nil {
		t.Fatalf("could not start: %+v", err)
	}

	_ = eng.Send("nf2c0", mkpkt(1), true)
	_ = eng.Expect("nf2c0", mkpkt(2), nil)
	net.inject("nf2c0", mkpkt(3))
	_ = eng.Barrier(100 * time.Millisecond)

	rep1, err := eng.Finish()
	if err != nil {
		t.Fatalf("could not finish: %+v", err)
	}
	rep2, err := eng.Finish()
	if err != nil {
		t.Fatalf("could not finish twice: %+v", err)
	}
	if rep1 != rep2 {
		t.Fatalf("second finish returned a different report")
	}

	r, _ := rep1.Iface("nf2c0")
	if got, want := len(r.Matched), 1; got != want {
		t.Fatalf("invalid matched: got=%d, want=%d", got, want)
	}
	if got, want := len(r.Missing), 1; got != want {
		t.Fatalf("invalid missing: got=%d, want=%d", got, want)
	}
	if got, want := len(r.Unexpected), 1; got != want {
		t.Fatalf("invalid unexpected: got=%d, want=%d", got, want)
	}
	if got, want := rep1.Errors, 3; got != want {
		t.Fatalf("invalid errors: got=%d, want=%d", got, want)
	}
	if got, want := net.open.Load(), int64(0); got != want {
		t.Fatalf("ports left open: %d", got)
	}

	for _, name := range []string{"nf2c0_matched.pcap", "nf2c0_expected.pcap", "nf2c0_extra.pcap"} {
		ps, err := pkt.ReadPcapFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatalf("could not read %q: %+v", name, err)
		}
		if got, want := len(ps), 1; got != want {
			t.Fatalf("invalid number of packets in %q: got=%d, want=%d", name, got, want)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "nf2c0_ignored.pcap")); err == nil {
		t.Fatalf("unexpected ignored pcap file")
	}

	err = eng.Send("nf2c0", mkpkt(1), false)
	if err == nil {
		t.Fatalf("expected an error sending after finish")
	}
}

func TestIgnore(t *testing.T) {
	net := newFakeNet()
	eng := newTestEngine(t, net, "nf2c0")

	eng.Ignore(layers.LayerTypeARP)
	eng.IgnoreFunc(func(p []byte) bool { return len(p) > 0 && p[0] == 0x42 })

	net.inject("nf2c0", pkt.MakeARPRequestPkt(pkt.Hdr{}))
	net.inject("nf2c0", mkpkt(0x42))
	net.inject("nf2c0", mkpkt(0x43))
	time.Sleep(10 * poll)

	rep, err := eng.Finish()
	if err != nil {
		t.Fatalf("could not finish: %+v", err)
	}
	r, _ := rep.Iface("nf2c0")
	if got, want := len(r.Ignored), 2; got != want {
		t.Fatalf("invalid ignored: got=%d, want=%d", got, want)
	}
	if got, want := len(r.Unexpected), 1; got != want {
		t.Fatalf("invalid unexpected: got=%d, want=%d", got, want)
	}
	if !bytes.Equal(r.Unexpected[0], mkpkt(0x43)) {
		t.Fatalf("invalid unexpected frame: %x", r.Unexpected[0])
	}
	if got, want := rep.Errors, 1; got != want {
		t.Fatalf("invalid errors: got=%d, want=%d", got, want)
	}
}

func TestReset(t *testing.T) {
	net := newFakeNet()
	eng := newTestEngine(t, net, "nf2c0")
	defer eng.Finish()

	_ = eng.Expect("nf2c0", mkpkt(9), nil)
	eng.Reset()
	if !eng.Barrier(time.Second) {
		t.Fatalf("barrier timed out after reset")
	}
}

func TestStartFailure(t *testing.T) {
	net := newFakeNet("nf2c3")
	eng := New(
		[]string{"nf2c0", "nf2c1", "nf2c3"},
		WithLogger(discard()),
		WithPortOpener(net.opener),
		WithPollTimeout(poll),
	)
	err := eng.Start()
	if err == nil {
		t.Fatalf("expected an error")
	}
	if got, want := net.open.Load(), int64(0); got != want {
		t.Fatalf("ports left open after failed start: %d", got)
	}
}

func TestUnknownInterface(t *testing.T) {
	net := newFakeNet()
	eng := newTestEngine(t, net, "nf2c0")
	defer eng.Finish()

	if err := eng.Send("eth9", mkpkt(1), true); err == nil {
		t.Fatalf("expected an error on send")
	}
	if err := eng.Expect("eth9", mkpkt(1), nil); err == nil {
		t.Fatalf("expected an error on expect")
	}
}

func TestInterfacesDedup(t *testing.T) {
	eng := New([]string{"nf2c0", "eth1", "", "nf2c0"})
	got := eng.Interfaces()
	if len(got) != 2 || got[0] != "nf2c0" || got[1] != "eth1" {
		t.Fatalf("invalid interfaces: %q", got)
	}
}
