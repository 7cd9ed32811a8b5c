// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package harness

import (
	"fmt"
	"io"
	"time"

	"github.com/NetFPGA/netfpga/hwpkt"
	"github.com/NetFPGA/netfpga/hwreg"
	"github.com/NetFPGA/netfpga/sim"
	"github.com/NetFPGA/netfpga/topology"
	"github.com/google/gopacket"
	"github.com/hashicorp/go-multierror"
)

// CPCI registers cleared when a simulation starts.
const (
	cpciControlReg   = 0x08
	cpciInterruptReg = 0x40

	simStartDelay = 1000 // ns
)

// Transport carries the operations of a test to a device.
// Interfaces are named as the test names them; the transport resolves
// them against its topology.
type Transport interface {
	Start() error
	SendPHY(iface string, p []byte) error
	SendDMA(iface string, p []byte) error
	ExpectPHY(iface string, p, mask []byte) error
	ExpectDMA(iface string, p, mask []byte) error
	Barrier() bool

	RegRead(reg uint32) (uint32, error)
	RegReadExpect(reg, exp, mask uint32) (uint32, error)
	RegWrite(reg, val uint32) error
	FPGAReset() error
	ResetPHYs() error

	Ignore(lt gopacket.LayerType)
	IgnoreFunc(f func(p []byte) bool)

	// Finish tears the transport down and returns the number of errors
	// it detected.
	Finish() (int, error)
}

// HardwareTransport runs a test against a NetFPGA card.
type HardwareTransport struct {
	topo    *topology.Topology
	eng     *hwpkt.Engine
	regs    *hwreg.Registers
	dev     io.Closer
	timeout time.Duration
}

// NewHardwareTransport returns a transport sending and capturing packets
// with eng and accessing registers with regs. dev, when not nil, is closed
// by Finish.
func NewHardwareTransport(topo *topology.Topology, eng *hwpkt.Engine, regs *hwreg.Registers, dev io.Closer) *HardwareTransport {
	return &HardwareTransport{
		topo:    topo,
		eng:     eng,
		regs:    regs,
		dev:     dev,
		timeout: hwpkt.DefaultBarrierTimeout,
	}
}

// regIface is the interface carrying register accesses.
func (tr *HardwareTransport) regIface() string {
	return tr.topo.Phys(topology.PortPrefix + "0")
}

func (tr *HardwareTransport) Start() error {
	err := tr.eng.Start()
	if err != nil {
		return err
	}
	return tr.regs.FPGAReset(tr.regIface())
}

func (tr *HardwareTransport) SendPHY(iface string, p []byte) error {
	return tr.eng.Send(tr.topo.Peer(iface), p, true)
}

func (tr *HardwareTransport) SendDMA(iface string, p []byte) error {
	return tr.eng.Send(tr.topo.Phys(iface), p, true)
}

func (tr *HardwareTransport) ExpectPHY(iface string, p, mask []byte) error {
	return tr.eng.Expect(tr.topo.Peer(iface), p, mask)
}

func (tr *HardwareTransport) ExpectDMA(iface string, p, mask []byte) error {
	return tr.eng.Expect(tr.topo.Phys(iface), p, mask)
}

func (tr *HardwareTransport) Barrier() bool {
	return tr.eng.Barrier(tr.timeout)
}

func (tr *HardwareTransport) RegRead(reg uint32) (uint32, error) {
	return tr.regs.Read(tr.regIface(), reg)
}

func (tr *HardwareTransport) RegReadExpect(reg, exp, mask uint32) (uint32, error) {
	return tr.regs.ReadExpect(tr.regIface(), reg, exp, mask)
}

func (tr *HardwareTransport) RegWrite(reg, val uint32) error {
	return tr.regs.Write(tr.regIface(), reg, val)
}

func (tr *HardwareTransport) FPGAReset() error {
	return tr.regs.FPGAReset(tr.regIface())
}

func (tr *HardwareTransport) ResetPHYs() error {
	return tr.regs.ResetPHYs(tr.topo.Ports, tr.topo.Phys)
}

func (tr *HardwareTransport) Ignore(lt gopacket.LayerType) { tr.eng.Ignore(lt) }
func (tr *HardwareTransport) IgnoreFunc(f func(p []byte) bool) { tr.eng.IgnoreFunc(f) }

func (tr *HardwareTransport) Finish() (int, error) {
	var errs *multierror.Error
	rep, err := tr.eng.Finish()
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	if tr.dev != nil {
		if err := tr.dev.Close(); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("harness: could not close register device: %w", err))
		}
	}

	n := tr.regs.NumBadReads()
	if rep != nil {
		n += rep.Errors
	}
	return n, errs.ErrorOrNil()
}

// SimTransport writes a test as simulation files.
type SimTransport struct {
	w *sim.Writer
}

// NewSimTransport returns a transport writing to w.
func NewSimTransport(w *sim.Writer) *SimTransport {
	return &SimTransport{w: w}
}

func (tr *SimTransport) Start() error {
	for _, reg := range []uint32{cpciControlReg, cpciInterruptReg} {
		if err := tr.w.RegWrite(reg, 0); err != nil {
			return err
		}
	}
	return tr.w.RegDelay(simStartDelay)
}

func (tr *SimTransport) SendPHY(iface string, p []byte) error {
	port, err := sim.Port(iface)
	if err != nil {
		return err
	}
	return tr.w.SendPHY(port, p)
}

func (tr *SimTransport) SendDMA(iface string, p []byte) error {
	port, err := sim.Port(iface)
	if err != nil {
		return err
	}
	return tr.w.SendDMA(port, p)
}

func (tr *SimTransport) ExpectPHY(iface string, p, mask []byte) error {
	port, err := sim.Port(iface)
	if err != nil {
		return err
	}
	return tr.w.ExpectPHY(port, p, mask)
}

func (tr *SimTransport) ExpectDMA(iface string, p, mask []byte) error {
	port, err := sim.Port(iface)
	if err != nil {
		return err
	}
	return tr.w.ExpectDMA(port, p, mask)
}

func (tr *SimTransport) Barrier() bool {
	return tr.w.Barrier() == nil
}

// RegRead issues a read the simulation does not check.
func (tr *SimTransport) RegRead(reg uint32) (uint32, error) {
	return 0, tr.w.RegRead(reg, 0, 0)
}

// RegReadExpect has the simulation check the read value.
// The returned value is always zero.
func (tr *SimTransport) RegReadExpect(reg, exp, mask uint32) (uint32, error) {
	return 0, tr.w.RegRead(reg, exp, mask)
}

func (tr *SimTransport) RegWrite(reg, val uint32) error {
	return tr.w.RegWrite(reg, val)
}

func (tr *SimTransport) FPGAReset() error {
	return tr.w.RegWrite(hwreg.CPCIRegCtrl, hwreg.CPCIRegCtrlReset)
}

func (tr *SimTransport) ResetPHYs() error { return nil }
func (tr *SimTransport) Ignore(gopacket.LayerType) {}
func (tr *SimTransport) IgnoreFunc(func([]byte) bool) {}

func (tr *SimTransport) Finish() (int, error) {
	return 0, tr.w.Close()
}

var (
	_ Transport = (*HardwareTransport)(nil)
	_ Transport = (*SimTransport)(nil)
)
