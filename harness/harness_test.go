// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package harness

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/NetFPGA/netfpga/hwpkt"
	"github.com/NetFPGA/netfpga/pkt"
	"github.com/NetFPGA/netfpga/topology"
	"github.com/google/gopacket/layers"
)

func tmpDir(t *testing.T) string {
	t.Helper()
	tmp, err := os.MkdirTemp("", "netfpga-harness-")
	if err != nil {
		t.Fatalf("could not create tmp dir: %+v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmp) })
	return tmp
}

type exitRecorder struct {
	mu    sync.Mutex
	codes []int
}

func (e *exitRecorder) exit(code int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.codes = append(e.codes, code)
}

func (e *exitRecorder) get() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]int(nil), e.codes...)
}

func TestLoopbackGuard(t *testing.T) {
	tmp := tmpDir(t)
	var (
		out  = new(bytes.Buffer)
		exit exitRecorder
	)
	h, err := Init(
		Config{SimLoop: []string{"nf2c1"}},
		WithDir(tmp),
		WithExit(exit.exit),
		WithLogger(log.New(out, "", 0)),
	)
	if err != nil {
		t.Fatalf("could not init test: %+v", err)
	}

	p := pkt.MakeIPPkt(60, pkt.Hdr{})
	for _, tc := range []struct {
		name string
		f    func() error
		msg  string
	}{
		{"send", func() error { return h.SendPHY("nf2c1", p) }, "cannot send on phy"},
		{"expect", func() error { return h.ExpectPHY("nf2c1", p, nil) }, "cannot expect on phy"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			out.Reset()
			n := len(exit.get())
			err := tc.f()
			if !errors.Is(err, ErrLoopback) {
				t.Fatalf("invalid error: got=%v, want=%v", err, ErrLoopback)
			}
			codes := exit.get()
			if len(codes) != n+1 || codes[n] != 1 {
				t.Fatalf("invalid exit codes: %v", codes)
			}
			if !strings.Contains(out.String(), tc.msg) {
				t.Fatalf("missing error message: %q", out.String())
			}
		})
	}

	// DMA path of a port in loopback is fine.
	if err := h.SendDMA("nf2c1", p); err != nil {
		t.Fatalf("could not send on DMA: %+v", err)
	}
	if got, want := len(h.sent["nf2c1"].phy), 0; got != want {
		t.Fatalf("rejected packets recorded: got=%d, want=%d", got, want)
	}

	raw, err := os.ReadFile(filepath.Join(tmp, "portconfig.sim"))
	if err != nil {
		t.Fatalf("could not read port config: %+v", err)
	}
	if got, want := string(raw), "LOOPBACK=0010"; got != want {
		t.Fatalf("invalid port config: got=%q, want=%q", got, want)
	}
}

func TestLoopbackGuardHW(t *testing.T) {
	tmp := tmpDir(t)
	looped := writeConn(t, tmp, "looped", "nf2c0:nf2c0\nnf2c1:eth2\n")

	var (
		out  = new(bytes.Buffer)
		exit exitRecorder
		tr   = new(fakeTransport)
	)
	h, err := Init(
		Config{
			Flags:    Flags{HW: true},
			HWConfig: []topology.HWConfig{{Conn: looped}},
		},
		WithDir(tmp),
		WithExit(exit.exit),
		WithLogger(log.New(out, "", 0)),
		WithTransport(tr),
	)
	if err != nil {
		t.Fatalf("could not init test: %+v", err)
	}

	p := pkt.MakeIPPkt(60, pkt.Hdr{})
	err = h.ExpectPHY("nf2c0", p, nil)
	if !errors.Is(err, ErrLoopback) {
		t.Fatalf("invalid error: got=%v, want=%v", err, ErrLoopback)
	}
	if got := exit.get(); len(got) != 1 || got[0] != 1 {
		t.Fatalf("invalid exit codes: %v", got)
	}
	if !strings.Contains(out.String(), "cannot expect on phy") {
		t.Fatalf("missing error message: %q", out.String())
	}
	if tr.expects != 0 || tr.sends != 0 {
		t.Fatalf("looped port reached the transport: sends=%d, expects=%d", tr.sends, tr.expects)
	}
	if _, ok := h.expected["nf2c0"]; ok {
		t.Fatalf("rejected expectation recorded")
	}

	if err := h.ExpectPHY("nf2c1", p, nil); err != nil {
		t.Fatalf("could not expect on wired port: %+v", err)
	}
	if got, want := tr.expects, 1; got != want {
		t.Fatalf("invalid number of expectations: got=%d, want=%d", got, want)
	}
}

type fakeTransport struct {
	Transport // nil: only the methods below are used
	errors    int
	finishes  int
	barriers  int
	sends     int
	expects   int
}

func (tr *fakeTransport) Barrier() bool {
	tr.barriers++
	return true
}

func (tr *fakeTransport) Finish() (int, error) {
	tr.finishes++
	return tr.errors, nil
}

func (tr *fakeTransport) SendPHY(iface string, p []byte) error {
	tr.sends++
	return nil
}

func (tr *fakeTransport) ExpectPHY(iface string, p, mask []byte) error {
	tr.expects++
	return nil
}

func writeConn(t *testing.T, dir, name, content string) string {
	t.Helper()
	fname := filepath.Join(dir, name)
	err := os.WriteFile(fname, []byte(content), 0644)
	if err != nil {
		t.Fatalf("could not write %q: %+v", fname, err)
	}
	return fname
}

func TestFinishIdempotent(t *testing.T) {
	tmp := tmpDir(t)
	conn := writeConn(t, tmp, "conn", "nf2c0:eth1\n")

	for _, tc := range []struct {
		name   string
		errs   int
		total  int
		status int
		msg    string
	}{
		{"success", 0, 0, 0, "SUCCESS!"},
		{"transport-errors", 2, 0, 1, "FAIL: 2 errors"},
		{"caller-errors", 0, 3, 1, "FAIL: 3 errors"},
		{"all-errors", 1, 1, 1, "FAIL: 2 errors"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var (
				out  = new(bytes.Buffer)
				exit exitRecorder
				tr   = &fakeTransport{errors: tc.errs}
			)
			h, err := Init(
				Config{
					Flags:    Flags{HW: true},
					HWConfig: []topology.HWConfig{{Conn: conn}},
				},
				WithDir(tmp),
				WithExit(exit.exit),
				WithLogger(log.New(out, "", 0)),
				WithTransport(tr),
			)
			if err != nil {
				t.Fatalf("could not init test: %+v", err)
			}

			for i := 0; i < 3; i++ {
				if got, want := h.Finish(tc.total), tc.status; got != want {
					t.Fatalf("invalid status (call #%d): got=%d, want=%d", i, got, want)
				}
			}
			if got, want := tr.finishes, 1; got != want {
				t.Fatalf("invalid number of finishes: got=%d, want=%d", got, want)
			}
			if got, want := exit.get(), []int{tc.status}; len(got) != 1 || got[0] != want[0] {
				t.Fatalf("invalid exit codes: got=%v, want=%v", got, want)
			}
			if !strings.Contains(out.String(), tc.msg) {
				t.Fatalf("missing message %q in %q", tc.msg, out.String())
			}
		})
	}
}

func TestReportCI(t *testing.T) {
	tmp := tmpDir(t)
	conn := writeConn(t, tmp, "conn", "nf2c0:eth1\n")

	for _, tc := range []struct {
		name  string
		flags Flags
		errs  int
		want  string
	}{
		{
			name:  "hw-fail",
			flags: Flags{HW: true, CI: "teamcity", CITest: "regress - hw_simple"},
			errs:  2,
			want:  "##teamcity[testFailed name='regress - hw_simple' message='Test failed' details='FAIL: 2 errors']",
		},
		{
			name:  "hw-success",
			flags: Flags{HW: true, CI: "teamcity", CITest: "regress - hw_simple"},
		},
		{
			name:  "no-ci",
			flags: Flags{HW: true},
			errs:  1,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var (
				out  = new(bytes.Buffer)
				exit exitRecorder
			)
			h, err := Init(
				Config{Flags: tc.flags, HWConfig: []topology.HWConfig{{Conn: conn}}},
				WithDir(tmp),
				WithExit(exit.exit),
				WithLogger(log.New(out, "", 0)),
				WithTransport(&fakeTransport{errors: tc.errs}),
			)
			if err != nil {
				t.Fatalf("could not init test: %+v", err)
			}
			h.Finish(0)

			got := out.String()
			switch tc.want {
			case "":
				if strings.Contains(got, "##teamcity") {
					t.Fatalf("unexpected service message in %q", got)
				}
			default:
				if !strings.Contains(got, tc.want) {
					t.Fatalf("missing service message %q in %q", tc.want, got)
				}
			}
		})
	}
}

func TestInitHWErrors(t *testing.T) {
	tmp := tmpDir(t)
	conn := writeConn(t, tmp, "conn", "nf2c0:eth1\n")
	other := writeConn(t, tmp, "other", "nf2c0:eth2\n")

	for _, tc := range []struct {
		name string
		cfg  Config
	}{
		{"no-config", Config{Flags: Flags{HW: true}}},
		{"incompatible", Config{
			Flags:    Flags{HW: true, Conn: other},
			HWConfig: []topology.HWConfig{{Conn: conn}},
		}},
		{"no-mdio-defines", Config{
			Flags:    Flags{HW: true},
			HWConfig: []topology.HWConfig{{Conn: conn, Loopback: []string{"nf2c1"}}},
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Init(tc.cfg, WithDir(tmp), WithRegIO(newRegFile()))
			if err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestSim(t *testing.T) {
	tmp := tmpDir(t)
	var exit exitRecorder
	h, err := Init(
		Config{Flags: Flags{Sim: "vsim", Seed: 42}},
		WithDir(tmp),
		WithExit(exit.exit),
		WithLogger(log.New(new(bytes.Buffer), "", 0)),
	)
	if err != nil {
		t.Fatalf("could not init test: %+v", err)
	}
	if h.IsHW() {
		t.Fatalf("simulation test reported as hardware test")
	}
	if got, want := pkt.Seed(), int64(42); got != want {
		t.Fatalf("invalid seed: got=%d, want=%d", got, want)
	}
	seed, err := os.ReadFile(filepath.Join(tmp, "seed"))
	if err != nil {
		t.Fatalf("could not read seed file: %+v", err)
	}
	if got, want := string(seed), "42"; got != want {
		t.Fatalf("invalid seed file: got=%q, want=%q", got, want)
	}

	err = h.Start()
	if err != nil {
		t.Fatalf("could not start test: %+v", err)
	}

	p := pkt.MakeIPPkt(100, pkt.Hdr{})
	for _, f := range []func() error{
		func() error { return h.SendPHY("nf2c0", p) },
		func() error { return h.ExpectDMA("nf2c0", p, nil) },
		func() error { return h.SendDMA("nf2c2", p) },
		func() error { return h.ExpectPHY("nf2c2", p, nil) },
		func() error { _, err := h.RegReadExpect(0x40, 0); return err },
		func() error { return h.FPGAReset() },
	} {
		if err := f(); err != nil {
			t.Fatalf("could not run test step: %+v", err)
		}
	}
	if err := h.SendPHY("eth1", p); err == nil {
		t.Fatalf("expected an error sending on eth1 in simulation")
	}
	if _, ok := h.sent["eth1"]; ok {
		t.Fatalf("rejected packet recorded")
	}

	if got, want := h.Finish(0), 0; got != want {
		t.Fatalf("invalid status: got=%d, want=%d", got, want)
	}
	if got := exit.get(); len(got) != 0 {
		t.Fatalf("simulation test exited: %v", got)
	}

	for _, tc := range []struct {
		name string
		want string
	}{
		{"packet_data/ingress_port_1", "00000001 // SEND"},
		{"packet_data/expected_dma_1", "<DMA_PACKET Length=\"100\" Port=\"1\""},
		{"packet_data/expected_port_3", "<PACKET Length=\"100\" Port=\"3\""},
		{"packet_data/pci_sim_data", "00000100 // Data (0x100)"},
		{"packet_data/pci_sim_data", "000003e8 // Delay (LSB) 1000 ns"},
	} {
		raw, err := os.ReadFile(filepath.Join(tmp, tc.name))
		if err != nil {
			t.Fatalf("could not read %q: %+v", tc.name, err)
		}
		if !strings.Contains(string(raw), tc.want) {
			t.Fatalf("%s: missing %q", tc.name, tc.want)
		}
	}

	for _, name := range []string{
		"nf2c0_sent_phy.pcap",
		"nf2c0_expected_dma.pcap",
		"nf2c2_sent_dma.pcap",
		"nf2c2_expected_phy.pcap",
	} {
		pkts, err := pkt.ReadPcapFile(filepath.Join(tmp, "source_pcaps", name))
		if err != nil {
			t.Fatalf("could not read %q: %+v", name, err)
		}
		if len(pkts) != 1 || !bytes.Equal(pkts[0], p) {
			t.Fatalf("%s: invalid packets", name)
		}
	}
	if _, err := os.Stat(filepath.Join(tmp, "source_pcaps", "nf2c1_sent_phy.pcap")); err == nil {
		t.Fatalf("pcap written for an unused interface")
	}
}

// card emulates a NetFPGA reference NIC wired to host interfaces: frames
// sent on a host interface show up on that interface, and come out of the
// DMA path of the NetFPGA port it is wired to.
type card struct {
	mu    sync.Mutex
	wires map[string]chan []byte
	fwd   map[string]string
}

func newCard(fwd map[string]string) *card {
	return &card{
		wires: make(map[string]chan []byte),
		fwd:   fwd,
	}
}

func (c *card) wire(name string) chan []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.wires[name]
	if !ok {
		w = make(chan []byte, 128)
		c.wires[name] = w
	}
	return w
}

func (c *card) open(name string, mode hwpkt.Mode) (hwpkt.Port, error) {
	return &cardPort{card: c, name: name}, nil
}

type cardPort struct {
	card *card
	name string
}

func (p *cardPort) ReadPacket(timeout time.Duration) ([]byte, error) {
	tick := time.NewTimer(timeout)
	defer tick.Stop()
	select {
	case v := <-p.card.wire(p.name):
		return v, nil
	case <-tick.C:
		return nil, hwpkt.ErrTimeout
	}
}

func (p *cardPort) WritePacket(data []byte) error {
	p.card.wire(p.name) <- append([]byte(nil), data...)
	if dst, ok := p.card.fwd[p.name]; ok {
		p.card.wire(dst) <- append([]byte(nil), data...)
	}
	return nil
}

func (p *cardPort) Close() error { return nil }

type regFile struct {
	mu     sync.Mutex
	regs   map[uint32]uint32
	writes []regWrite
}

type regWrite struct {
	iface string
	reg   uint32
	val   uint32
}

func newRegFile() *regFile {
	return &regFile{regs: make(map[uint32]uint32)}
}

func (rf *regFile) ReadReg(iface string, reg uint32) (uint32, error) {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	if !strings.HasPrefix(iface, "nf2c") {
		return 0, fmt.Errorf("invalid interface %q", iface)
	}
	return rf.regs[reg], nil
}

func (rf *regFile) WriteReg(iface string, reg, val uint32) error {
	rf.mu.Lock()
	defer rf.mu.Unlock()
	rf.regs[reg] = val
	rf.writes = append(rf.writes, regWrite{iface, reg, val})
	return nil
}

func TestInitHWMap(t *testing.T) {
	tmp := tmpDir(t)
	conn := writeConn(t, tmp, "conn", "nf2c0:eth1\n")
	mapf := writeConn(t, tmp, "map", "nf2c0:nf2c4\nnf2c1:nf2c5\n")
	defs := writeConn(t, tmp, "reg_defines.h", `
#define MDIO_PHY_0_CONTROL_REG 0x0000100
#define MDIO_PHY_1_CONTROL_REG 0x0000104
#define MDIO_PHY_2_CONTROL_REG 0x0000108
#define MDIO_PHY_3_CONTROL_REG 0x000010c
`)

	var (
		out  = new(bytes.Buffer)
		exit exitRecorder
		rf   = newRegFile()
		nic  = newCard(nil)
	)
	h, err := Init(
		Config{
			Flags:      Flags{HW: true, Map: mapf},
			HWConfig:   []topology.HWConfig{{Conn: conn, Loopback: []string{"nf2c1"}}},
			RegDefines: []string{defs},
		},
		WithDir(tmp),
		WithExit(exit.exit),
		WithLogger(log.New(out, "", 0)),
		WithPortOpener(nic.open),
		WithRegIO(rf),
	)
	if err != nil {
		t.Fatalf("could not init test: %+v", err)
	}

	rf.mu.Lock()
	writes := append([]regWrite(nil), rf.writes...)
	rf.mu.Unlock()
	want := []regWrite{{"nf2c5", 0x104, 0x5140}}
	if !reflect.DeepEqual(writes, want) {
		t.Fatalf("invalid PHY writes:\ngot= %#v\nwant=%#v", writes, want)
	}

	if got, want := h.Finish(0), 0; got != want {
		t.Fatalf("invalid status: got=%d, want=%d\n%s", got, want, out.String())
	}
}

func TestHardware(t *testing.T) {
	tmp := tmpDir(t)
	conn := writeConn(t, tmp, "conn", "nf2c0:eth1\nnf2c1:eth2\n")

	for _, tc := range []struct {
		name   string
		expect []byte
		bad    bool
		status int
	}{
		{"success", nil, false, 0},
		{"missing", pkt.MakeIPPkt(80, pkt.Hdr{TTL: 3}), false, 1},
		{"bad-read", nil, true, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var (
				out  = new(bytes.Buffer)
				exit exitRecorder
				rf   = newRegFile()
				nic  = newCard(map[string]string{"eth1": "nf2c0", "eth2": "nf2c1"})
			)
			rf.regs[0x40] = 0x1234

			h, err := Init(
				Config{
					Flags:    Flags{HW: true},
					HWConfig: []topology.HWConfig{{Conn: conn}},
				},
				WithDir(tmp),
				WithExit(exit.exit),
				WithLogger(log.New(out, "", 0)),
				WithPortOpener(nic.open),
				WithRegIO(rf),
				WithBarrierTimeout(2*time.Second),
			)
			if err != nil {
				t.Fatalf("could not init test: %+v", err)
			}
			if !h.IsHW() {
				t.Fatalf("hardware test reported as simulation test")
			}
			if !strings.Contains(out.String(), "eth1:nf2c0") && !strings.Contains(out.String(), "nf2c0:eth1") {
				t.Fatalf("missing wiring description: %q", out.String())
			}

			err = h.Start()
			if err != nil {
				t.Fatalf("could not start test: %+v", err)
			}
			if got, want := rf.regs[0x8], uint32(0x100); got != want {
				t.Fatalf("FPGA not reset: got=0x%x, want=0x%x", got, want)
			}

			p := pkt.MakeIPPkt(100, pkt.Hdr{})
			if err := h.SendPHY("nf2c0", p); err != nil {
				t.Fatalf("could not send: %+v", err)
			}
			if err := h.ExpectDMA("nf2c0", p, nil); err != nil {
				t.Fatalf("could not expect: %+v", err)
			}
			if tc.expect != nil {
				if err := h.ExpectDMA("nf2c1", tc.expect, nil); err != nil {
					t.Fatalf("could not expect: %+v", err)
				}
			}

			exp := uint32(0x1234)
			if tc.bad {
				exp = 0x4321
			}
			v, err := h.RegReadExpect(0x40, exp)
			if err != nil {
				t.Fatalf("could not read register: %+v", err)
			}
			if v != 0x1234 {
				t.Fatalf("invalid register value: 0x%x", v)
			}

			h.Ignore(layers.LayerTypeARP)
			if got, want := h.Finish(0), tc.status; got != want {
				t.Fatalf("invalid status: got=%d, want=%d\n%s", got, want, out.String())
			}
			if got := exit.get(); len(got) != 1 || got[0] != tc.status {
				t.Fatalf("invalid exit codes: %v", got)
			}

			_, err = os.Stat(filepath.Join(tmp, "hw_pcaps", "nf2c0_matched.pcap"))
			if err != nil {
				t.Fatalf("missing matched pcap: %+v", err)
			}
		})
	}
}
