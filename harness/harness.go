// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package harness is the interface NetFPGA regression tests are written
// against. The same test runs against the hardware or writes the files of
// an HDL simulation, depending on the transport selected by Init.
package harness // import "github.com/NetFPGA/netfpga/harness"

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/NetFPGA/netfpga/hwpkt"
	"github.com/NetFPGA/netfpga/hwreg"
	"github.com/NetFPGA/netfpga/internal/teamcity"
	"github.com/NetFPGA/netfpga/pkt"
	"github.com/NetFPGA/netfpga/sim"
	"github.com/NetFPGA/netfpga/topology"
	"github.com/google/gopacket"
	"github.com/hashicorp/go-multierror"
)

// ErrLoopback is returned when a test uses the PHY of a port in loopback.
var ErrLoopback = errors.New("harness: port in loopback")

// Config describes a test.
type Config struct {
	Flags

	SimLoop    []string            // ports in loopback in simulation
	HWConfig   []topology.HWConfig // wirings supported on hardware
	RegDefines []string            // C headers naming the registers
}

type config struct {
	msg     *log.Logger
	exit    func(int)
	tr      Transport
	open    hwpkt.PortOpener
	regio   hwreg.RegIO
	simDir  string
	portCfg string
	srcDir  string
	hwDir   string
	seed    string
	timeout time.Duration
}

// Option configures a Harness.
type Option func(*config)

// WithLogger sets the logger of the harness.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithExit sets the function terminating the test. os.Exit by default.
func WithExit(exit func(int)) Option {
	return func(cfg *config) {
		cfg.exit = exit
	}
}

// WithTransport bypasses the transport selection of Init.
func WithTransport(tr Transport) Option {
	return func(cfg *config) {
		cfg.tr = tr
	}
}

// WithPortOpener sets how the hardware transport opens packet ports.
func WithPortOpener(open hwpkt.PortOpener) Option {
	return func(cfg *config) {
		cfg.open = open
	}
}

// WithRegIO sets how the hardware transport accesses registers.
func WithRegIO(rio hwreg.RegIO) Option {
	return func(cfg *config) {
		cfg.regio = rio
	}
}

// WithDir roots the files written by the harness under dir.
func WithDir(dir string) Option {
	return func(cfg *config) {
		cfg.simDir = filepath.Join(dir, sim.Dir)
		cfg.portCfg = filepath.Join(dir, "portconfig.sim")
		cfg.srcDir = filepath.Join(dir, "source_pcaps")
		cfg.hwDir = filepath.Join(dir, "hw_pcaps")
		cfg.seed = filepath.Join(dir, "seed")
	}
}

// WithBarrierTimeout sets the time a hardware barrier waits for packets.
func WithBarrierTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.timeout = d
	}
}

type record struct {
	phy [][]byte
	dma [][]byte
}

// Harness runs one test.
type Harness struct {
	msg  *log.Logger
	exit func(int)
	cfg  Config

	topo   *topology.Topology
	tr     Transport
	srcDir string

	mu       sync.Mutex
	sent     map[string]*record
	expected map[string]*record

	once   sync.Once
	status int
}

// Init selects the topology and the transport of a test.
func Init(cfg Config, opts ...Option) (*Harness, error) {
	c := config{
		msg:     log.New(os.Stdout, "", 0),
		exit:    os.Exit,
		simDir:  sim.Dir,
		portCfg: "portconfig.sim",
		srcDir:  "source_pcaps",
		hwDir:   "hw_pcaps",
		seed:    "seed",
		timeout: hwpkt.DefaultBarrierTimeout,
	}
	for _, opt := range opts {
		opt(&c)
	}

	if cfg.Seed != 0 {
		pkt.SetSeed(cfg.Seed)
	}
	err := pkt.WriteSeed(c.seed)
	if err != nil {
		return nil, fmt.Errorf("harness: could not save seed: %w", err)
	}

	h := &Harness{
		msg:      c.msg,
		exit:     c.exit,
		cfg:      cfg,
		srcDir:   c.srcDir,
		sent:     make(map[string]*record),
		expected: make(map[string]*record),
	}

	switch {
	case cfg.HW:
		h.topo, h.tr, err = initHW(cfg, c)
	default:
		h.topo, h.tr, err = initSim(cfg, c)
	}
	if err != nil {
		return nil, err
	}
	return h, nil
}

func initSim(cfg Config, c config) (*topology.Topology, Transport, error) {
	topo, err := topology.Sim(cfg.SimLoop)
	if err != nil {
		return nil, nil, err
	}
	if c.tr != nil {
		return topo, c.tr, nil
	}

	err = sim.WritePortConfig(c.portCfg, cfg.SimLoop)
	if err != nil {
		return nil, nil, err
	}
	w, err := sim.Create(c.simDir)
	if err != nil {
		return nil, nil, err
	}
	return topo, NewSimTransport(w), nil
}

func initHW(cfg Config, c config) (topo *topology.Topology, tr Transport, err error) {
	if len(cfg.HWConfig) == 0 {
		return nil, nil, fmt.Errorf("harness: hardware test without hardware configurations")
	}
	topo, err = topology.Select(cfg.HWConfig, cfg.Conn, cfg.Map)
	if err != nil {
		return nil, nil, err
	}
	if c.tr != nil {
		return topo, c.tr, nil
	}

	var (
		rio = c.regio
		dev io.Closer
	)
	if rio == nil {
		d := hwreg.NewDevice()
		rio, dev = d, d
		defer func() {
			if err != nil {
				_ = d.Close()
			}
		}()
	}

	defs, err := hwreg.ParseRegisterDefines(cfg.RegDefines...)
	if err != nil {
		return nil, nil, err
	}
	regs := hwreg.New(rio, hwreg.WithLogger(c.msg), hwreg.WithDefines(defs))

	for _, iface := range topo.Isolated {
		port, perr := topology.PortIndex(iface)
		if perr != nil {
			continue
		}
		err = regs.PHYIsolate(topo.Phys(iface), port)
		if err != nil {
			return nil, nil, fmt.Errorf("harness: could not isolate %q: %w", iface, err)
		}
	}
	for _, iface := range topo.Loopback {
		var port int
		port, err = topology.PortIndex(iface)
		if err != nil {
			return nil, nil, fmt.Errorf("harness: could not loop back %q: %w", iface, err)
		}
		err = regs.PHYLoopback(topo.Phys(iface), port)
		if err != nil {
			return nil, nil, fmt.Errorf("harness: could not loop back %q: %w", iface, err)
		}
	}

	eopts := []hwpkt.Option{
		hwpkt.WithPcapDir(c.hwDir),
	}
	if c.open != nil {
		eopts = append(eopts, hwpkt.WithPortOpener(c.open))
	}
	eng := hwpkt.New(topo.Ifaces, eopts...)

	topo.Describe(c.msg.Writer())

	htr := NewHardwareTransport(topo, eng, regs, dev)
	htr.timeout = c.timeout
	return topo, htr, nil
}

// Topology returns the wiring of the test.
func (h *Harness) Topology() *topology.Topology { return h.topo }

// IsHW reports whether the test runs against the hardware.
func (h *Harness) IsHW() bool { return h.cfg.HW }

// Start prepares the device and waits for it to settle.
func (h *Harness) Start() error {
	err := h.tr.Start()
	if err != nil {
		return fmt.Errorf("harness: could not start test: %w", err)
	}
	h.Barrier()
	return nil
}

func (h *Harness) loopback(iface, op string) error {
	if !h.topo.IsLoopback(iface) {
		return nil
	}
	h.msg.Printf("Error: cannot %s on phy of a port in loopback", op)
	h.exit(1)
	return fmt.Errorf("%w: %s on %q", ErrLoopback, op, iface)
}

func (h *Harness) keep(db map[string]*record, iface string, p []byte, phy bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := db[iface]
	if !ok {
		r = new(record)
		db[iface] = r
	}
	switch {
	case phy:
		r.phy = append(r.phy, pkt.Clone(p))
	default:
		r.dma = append(r.dma, pkt.Clone(p))
	}
}

// SendPHY sends p into the PHY of the NetFPGA port iface, from the
// interface wired to it.
func (h *Harness) SendPHY(iface string, p []byte) error {
	if err := h.loopback(iface, "send"); err != nil {
		return err
	}
	err := h.tr.SendPHY(iface, p)
	if err != nil {
		return err
	}
	h.keep(h.sent, iface, p, true)
	return nil
}

// SendDMA sends p through the DMA path of iface.
func (h *Harness) SendDMA(iface string, p []byte) error {
	err := h.tr.SendDMA(iface, p)
	if err != nil {
		return err
	}
	h.keep(h.sent, iface, p, false)
	return nil
}

// ExpectPHY expects p, with optional mask, out of the PHY of iface.
func (h *Harness) ExpectPHY(iface string, p, mask []byte) error {
	if err := h.loopback(iface, "expect"); err != nil {
		return err
	}
	err := h.tr.ExpectPHY(iface, p, mask)
	if err != nil {
		return err
	}
	h.keep(h.expected, iface, p, true)
	return nil
}

// ExpectDMA expects p, with optional mask, out of the DMA path of iface.
func (h *Harness) ExpectDMA(iface string, p, mask []byte) error {
	err := h.tr.ExpectDMA(iface, p, mask)
	if err != nil {
		return err
	}
	h.keep(h.expected, iface, p, false)
	return nil
}

// Barrier waits until all expected packets have been seen.
func (h *Harness) Barrier() bool {
	return h.tr.Barrier()
}

// RegRead reads register reg.
func (h *Harness) RegRead(reg uint32) (uint32, error) {
	return h.tr.RegRead(reg)
}

// RegReadExpect reads register reg and checks it against exp.
// A mismatch counts as a test error.
func (h *Harness) RegReadExpect(reg, exp uint32) (uint32, error) {
	return h.tr.RegReadExpect(reg, exp, 0xffffffff)
}

// RegReadExpectMask is RegReadExpect, only comparing the bits set in mask.
func (h *Harness) RegReadExpectMask(reg, exp, mask uint32) (uint32, error) {
	return h.tr.RegReadExpect(reg, exp, mask)
}

// RegWrite writes val to register reg.
func (h *Harness) RegWrite(reg, val uint32) error {
	return h.tr.RegWrite(reg, val)
}

// FPGAReset resets the FPGA.
func (h *Harness) FPGAReset() error {
	return h.tr.FPGAReset()
}

// ResetPHYs resets the PHYs of the ports in use.
func (h *Harness) ResetPHYs() error {
	return h.tr.ResetPHYs()
}

// Ignore drops captured packets carrying the lt layer from the results.
func (h *Harness) Ignore(lt gopacket.LayerType) {
	h.tr.Ignore(lt)
}

// IgnoreFunc drops captured packets for which f returns true.
func (h *Harness) IgnoreFunc(f func(p []byte) bool) {
	h.tr.IgnoreFunc(f)
}

// Finish ends the test. It waits for the expected packets, writes the
// sent and expected packets as pcap files and tears the transport down.
// On hardware, it reports the outcome, counting errors in totalErrors,
// and exits with a non-zero status on failure.
//
// Finish returns the status of the test. Later calls return the same
// status.
func (h *Harness) Finish(totalErrors int) int {
	h.once.Do(func() {
		h.status = h.finish(totalErrors)
	})
	return h.status
}

func (h *Harness) finish(total int) int {
	h.Barrier()

	var errs *multierror.Error
	if err := h.writeSources(); err != nil {
		errs = multierror.Append(errs, err)
	}

	n, err := h.tr.Finish()
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	if err := errs.ErrorOrNil(); err != nil {
		h.msg.Printf("could not finish test: %+v", err)
		total++
	}

	if !h.cfg.HW {
		if total > 0 {
			h.reportCI(fmt.Sprintf("%d errors", total))
			return 1
		}
		return 0
	}

	total += n
	if total == 0 {
		h.msg.Printf("SUCCESS!")
		h.exit(0)
		return 0
	}
	h.msg.Printf("FAIL: %d errors", total)
	h.reportCI(fmt.Sprintf("FAIL: %d errors", total))
	h.exit(1)
	return 1
}

// reportCI reports a failed test to the CI system selected by the flags.
func (h *Harness) reportCI(details string) {
	if h.cfg.CI != "teamcity" || h.cfg.CITest == "" {
		return
	}
	teamcity.New(h.msg.Writer()).Failed(h.cfg.CITest, "Test failed", details)
}

func (h *Harness) writeSources() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	err := os.MkdirAll(h.srcDir, 0755)
	if err != nil {
		return fmt.Errorf("harness: could not create source pcaps dir: %w", err)
	}

	var errs *multierror.Error
	write := func(db map[string]*record, kind string) {
		names := make([]string, 0, len(db))
		for k := range db {
			names = append(names, k)
		}
		sort.Strings(names)
		for _, iface := range names {
			r := db[iface]
			for _, v := range []struct {
				sfx  string
				pkts [][]byte
			}{
				{"phy", r.phy},
				{"dma", r.dma},
			} {
				if len(v.pkts) == 0 {
					continue
				}
				fname := filepath.Join(h.srcDir, fmt.Sprintf("%s_%s_%s.pcap", iface, kind, v.sfx))
				err := pkt.WritePcapFile(fname, v.pkts)
				if err != nil {
					errs = multierror.Append(errs, err)
				}
			}
		}
	}
	write(h.sent, "sent")
	write(h.expected, "expected")

	return errs.ErrorOrNil()
}
