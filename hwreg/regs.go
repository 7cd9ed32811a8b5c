// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hwreg

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/NetFPGA/netfpga/topology"
)

// CPCI registers and values.
const (
	CPCIRegCtrl       = 0x008
	CPCIRegCtrlReset  = 0x100
	CPCIInterruptMask = 0x040
)

// MDIO PHY control values.
const (
	PHYLoopbackCtrl = 0x5140
	PHYIsolateCtrl  = 0x1540
	PHYResetCtrl    = 0x8000
)

const (
	resetDelay    = 2 * time.Second
	phyResetDelay = 6 * time.Second
)

// BadRead records a register read that did not return the expected value.
type BadRead struct {
	Reg      uint32
	Expected uint32
	Value    uint32
	Name     string
}

// Registers gives checked access to the registers of the NetFPGA ports.
// Reads that do not return the expected value are logged and recorded per
// interface, for the final error count of a test.
type Registers struct {
	io    RegIO
	msg   *log.Logger
	names map[uint32]string
	phy   []uint32 // MDIO control register of each port
	sleep func(time.Duration)

	mu  sync.Mutex
	bad map[string][]BadRead
}

// Option configures Registers.
type Option func(*Registers)

// WithLogger sets the logger reporting bad reads.
func WithLogger(msg *log.Logger) Option {
	return func(r *Registers) {
		r.msg = msg
	}
}

// WithDefines names registers from a set of register defines, and picks
// the MDIO_PHY_<n>_CONTROL_REG addresses out of it.
func WithDefines(defs map[string]uint32) Option {
	return func(r *Registers) {
		keys := make([]string, 0, len(defs))
		for k := range defs {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if _, dup := r.names[defs[k]]; !dup {
				r.names[defs[k]] = k
			}
		}

		phy := make([]uint32, topology.NumPorts)
		for i := range phy {
			v, ok := defs[fmt.Sprintf("MDIO_PHY_%d_CONTROL_REG", i)]
			if !ok {
				return
			}
			phy[i] = v
		}
		r.phy = phy
	}
}

// WithPHYControlRegs sets the MDIO control register address of each port.
func WithPHYControlRegs(regs ...uint32) Option {
	return func(r *Registers) {
		r.phy = append([]uint32(nil), regs...)
	}
}

// New returns checked register access on top of io.
func New(io RegIO, opts ...Option) *Registers {
	r := &Registers{
		io:    io,
		msg:   log.New(os.Stdout, "", 0),
		names: make(map[uint32]string),
		sleep: time.Sleep,
		bad:   make(map[string][]BadRead),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func isCard(iface string) bool {
	return strings.HasPrefix(iface, topology.PortPrefix)
}

// Name returns the name of register reg, or "unknown".
func (r *Registers) Name(reg uint32) string {
	if v, ok := r.names[reg]; ok {
		return v
	}
	return "unknown"
}

// Read reads register reg through the NetFPGA port iface.
func (r *Registers) Read(iface string, reg uint32) (uint32, error) {
	if !isCard(iface) {
		return 0, fmt.Errorf("hwreg: could not read register on %q: not a NetFPGA interface", iface)
	}
	return r.io.ReadReg(iface, reg)
}

// Write writes val to register reg through the NetFPGA port iface.
func (r *Registers) Write(iface string, reg, val uint32) error {
	if !isCard(iface) {
		return fmt.Errorf("hwreg: could not write register on %q: not a NetFPGA interface", iface)
	}
	return r.io.WriteReg(iface, reg, val)
}

// ReadExpect reads register reg and compares the bits selected by mask
// with exp. A mismatch is logged and recorded; it is not an error.
func (r *Registers) ReadExpect(iface string, reg, exp, mask uint32) (uint32, error) {
	val, err := r.Read(iface, reg)
	if err != nil {
		return 0, err
	}
	if val&mask == exp&mask {
		return val, nil
	}

	name := r.Name(reg)
	r.msg.Printf(
		"ERROR: Register read expected 0x%08x but found 0x%08x at address 0x%08x (%s)",
		exp, val, reg, name,
	)

	r.mu.Lock()
	r.bad[iface] = append(r.bad[iface], BadRead{
		Reg:      reg,
		Expected: exp,
		Value:    val,
		Name:     name,
	})
	r.mu.Unlock()
	return val, nil
}

// BadReads returns the recorded bad reads, per interface.
func (r *Registers) BadReads() map[string][]BadRead {
	r.mu.Lock()
	defer r.mu.Unlock()
	o := make(map[string][]BadRead, len(r.bad))
	for k, v := range r.bad {
		o[k] = append([]BadRead(nil), v...)
	}
	return o
}

// NumBadReads returns the number of recorded bad reads.
func (r *Registers) NumBadReads() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, v := range r.bad {
		n += len(v)
	}
	return n
}

// FPGAReset resets the FPGA behind iface and waits for it to come back.
func (r *Registers) FPGAReset(iface string) error {
	v, err := r.io.ReadReg(iface, CPCIRegCtrl)
	if err != nil {
		return fmt.Errorf("hwreg: could not reset FPGA: %w", err)
	}
	err = r.io.WriteReg(iface, CPCIRegCtrl, v|CPCIRegCtrlReset)
	if err != nil {
		return fmt.Errorf("hwreg: could not reset FPGA: %w", err)
	}
	r.sleep(resetDelay)
	return nil
}

func (r *Registers) phyCtrl(iface string, port int, val uint32) error {
	if port < 0 || port >= len(r.phy) {
		return fmt.Errorf("hwreg: no MDIO control register defined for port %d", port)
	}
	return r.io.WriteReg(iface, r.phy[port], val)
}

// PHYLoopback puts the PHY of NetFPGA port in loopback.
// The control register is written through iface, which may belong to
// another card than the nf2cX name of port.
func (r *Registers) PHYLoopback(iface string, port int) error {
	return r.phyCtrl(iface, port, PHYLoopbackCtrl)
}

// PHYIsolate isolates the PHY of NetFPGA port, through iface.
func (r *Registers) PHYIsolate(iface string, port int) error {
	return r.phyCtrl(iface, port, PHYIsolateCtrl)
}

// PHYReset resets the PHY of NetFPGA port, through iface.
func (r *Registers) PHYReset(iface string, port int) error {
	return r.phyCtrl(iface, port, PHYResetCtrl)
}

// ResetPHYs resets the PHY of every NetFPGA port named in ports and waits
// for the links to settle.
// phys maps a port name to the interface its registers are written
// through. A nil phys writes through the port itself.
func (r *Registers) ResetPHYs(ports []string, phys func(string) string) error {
	for _, name := range ports {
		port, err := topology.PortIndex(name)
		if err != nil {
			continue
		}
		iface := name
		if phys != nil {
			iface = phys(name)
		}
		err = r.PHYReset(iface, port)
		if err != nil {
			return err
		}
	}
	r.sleep(phyResetDelay)
	return nil
}
