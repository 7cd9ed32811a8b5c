// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package sim writes the stimulus, expectation and PCI command files read
// by the HDL simulation of a NetFPGA design.
//
// Ports are numbered from 1 to NumPorts, as in the simulation testbench:
// interface nf2cN is port N+1.
package sim // import "github.com/NetFPGA/netfpga/sim"

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/NetFPGA/netfpga/topology"
	"github.com/hashicorp/go-multierror"
)

const (
	NumPorts  = topology.NumPorts
	MaxPorts  = 4
	DMAQueues = 4

	// Dir is the default directory holding the simulation files.
	Dir = "packet_data"
)

const (
	pciFile       = "pci_sim_data"
	dmaFile       = "ingress_dma"
	ingressPrefix = "ingress_port_"
	expPHYPrefix  = "expected_port_"
	expDMAPrefix  = "expected_dma_"

	headerTime = "Mon Jan 02 15:04:05 2006"
)

// ingress port commands.
const (
	cmdSend    = 1
	cmdBarrier = 2
	cmdDelay   = 3
)

// PCI commands.
const (
	cmdRead       = 1
	cmdWrite      = 2
	cmdDMA        = 3
	cmdPCIBarrier = 4
	cmdPCIDelay   = 5
)

type file struct {
	f      *os.File
	w      *bufio.Writer
	footer string
}

func createFile(fname string) (*file, error) {
	f, err := os.Create(fname)
	if err != nil {
		return nil, fmt.Errorf("sim: could not create %q: %w", fname, err)
	}
	return &file{f: f, w: bufio.NewWriter(f)}, nil
}

func (f *file) close() error {
	var errs *multierror.Error
	if f.footer != "" {
		_, err := f.w.WriteString(f.footer)
		errs = multierror.Append(errs, err)
	}
	errs = multierror.Append(errs, f.w.Flush())
	errs = multierror.Append(errs, f.f.Close())
	err := errs.ErrorOrNil()
	if err != nil {
		return fmt.Errorf("sim: could not close %q: %w", f.f.Name(), err)
	}
	return nil
}

// Writer writes the simulation files of a test.
type Writer struct {
	dir string
	now func() time.Time
	err error

	pci     *file
	dma     *file
	ingress [NumPorts]*file
	expPHY  [NumPorts]*file
	expDMA  [NumPorts]*file

	sentPHY [NumPorts]int
	sentDMA [NumPorts]int
	seenPHY [NumPorts]int
	seenDMA [NumPorts]int

	// expectations registered since the last barrier.
	barPHY [NumPorts]int
	barDMA [NumPorts]int

	closed bool
}

// Option configures a Writer.
type Option func(*Writer)

// WithClock sets the clock used to stamp file headers.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		w.now = now
	}
}

// Create creates the simulation files under dir.
func Create(dir string, opts ...Option) (w *Writer, err error) {
	w = &Writer{
		dir: dir,
		now: time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}

	err = os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, fmt.Errorf("sim: could not create directory %q: %w", dir, err)
	}

	defer func() {
		if err != nil {
			_ = w.closeAll()
		}
	}()

	w.pci, err = w.dataFile(pciFile)
	if err != nil {
		return nil, err
	}
	w.dma, err = w.dataFile(dmaFile)
	if err != nil {
		return nil, err
	}
	for i := range w.ingress {
		w.ingress[i], err = w.dataFile(fmt.Sprintf("%s%d", ingressPrefix, i+1))
		if err != nil {
			return nil, err
		}
	}
	for i := range w.expPHY {
		w.expPHY[i], err = w.xmlFile(fmt.Sprintf("%s%d", expPHYPrefix, i+1))
		if err != nil {
			return nil, err
		}
		w.expPHY[i].footer = "</PACKET_STREAM>"
	}
	for i := range w.expDMA {
		w.expDMA[i], err = w.xmlFile(fmt.Sprintf("%s%d", expDMAPrefix, i+1))
		if err != nil {
			return nil, err
		}
		w.expDMA[i].footer = "</DMA_PACKET_STREAM>"
	}

	if w.err != nil {
		return nil, w.err
	}
	return w, nil
}

func (w *Writer) stamp() string {
	return w.now().UTC().Format(headerTime)
}

func (w *Writer) dataFile(name string) (*file, error) {
	fname := filepath.Join(w.dir, name)
	f, err := createFile(fname)
	if err != nil {
		return nil, err
	}
	w.printf(f, "//File %s created %s\n", fname, w.stamp())
	w.printf(f, "//\n//This is a data file intended to be read in by a Verilog simulation.\n//\n")
	return f, nil
}

func (w *Writer) xmlFile(name string) (*file, error) {
	fname := filepath.Join(w.dir, name)
	f, err := createFile(fname)
	if err != nil {
		return nil, err
	}
	w.printf(f, "<?xml version=\"1.0\" standalone=\"yes\" ?>\n")
	w.printf(f, "<!-- File %s created %s -->\n", fname, w.stamp())
	switch {
	case strings.HasPrefix(name, expPHYPrefix):
		w.printf(f, "<!-- PHYS_PORTS = %d MAX_PORTS = %d -->\n", NumPorts, MaxPorts)
		w.printf(f, "<PACKET_STREAM>\n")
	case strings.HasPrefix(name, expDMAPrefix):
		w.printf(f, "<!-- DMA_QUEUES = %d -->", DMAQueues)
		w.printf(f, "<DMA_PACKET_STREAM>\n")
	}
	w.printf(f, "\n")
	return f, nil
}

func (w *Writer) printf(f *file, format string, args ...interface{}) {
	if w.err != nil {
		return
	}
	_, w.err = fmt.Fprintf(f.w, format, args...)
	if w.err != nil {
		w.err = fmt.Errorf("sim: could not write to %q: %w", f.f.Name(), w.err)
	}
}

func (w *Writer) check(port int) error {
	if w.closed {
		return fmt.Errorf("sim: writer closed")
	}
	if port < 1 || port > NumPorts {
		return fmt.Errorf("sim: invalid port %d", port)
	}
	return w.err
}

// Port returns the simulation port of a nf2cN interface.
func Port(iface string) (int, error) {
	i, err := topology.PortIndex(iface)
	if err != nil {
		return 0, fmt.Errorf("sim: %w", err)
	}
	return i + 1, nil
}

// SendPHY injects p on the PHY of port.
func (w *Writer) SendPHY(port int, p []byte) error {
	if err := w.check(port); err != nil {
		return err
	}
	f := w.ingress[port-1]
	w.sentPHY[port-1]++
	n := w.sentPHY[port-1]

	w.printf(f, "// Packet %d\n", n)
	w.printf(f, "// %s...\n", summary(hexBytes(p, nil, 0)))
	w.printf(f, "%08d // SEND\n", cmdSend)
	w.printf(f, "%08x // Length without CRC\n", len(p))
	w.printf(f, "%08d // Port %d\n", port, port)
	w.printf(f, "%s", words(p))
	w.printf(f, "\neeeeffff // End of pkt marker for pkt %d (this is not sent).\n", n)
	return w.err
}

// SendDMA injects p through the DMA queue of port.
func (w *Writer) SendDMA(port int, p []byte) error {
	if err := w.check(port); err != nil {
		return err
	}
	f := w.dma
	w.sentDMA[port-1]++
	n := w.sentDMA[port-1]

	w.printf(f, "// Packet %d at port %d\n", n, port)
	w.printf(f, "%08x // Length without CRC\n", len(p))
	w.printf(f, "%s", words(p))
	w.printf(f, "\neeeeffff // End of pkt marker for pkt %d (this is not sent).\n", n)

	return w.RegDMA(port, len(p))
}

// ExpectPHY expects p, with optional mask, out of the PHY of port.
func (w *Writer) ExpectPHY(port int, p, mask []byte) error {
	if err := w.check(port); err != nil {
		return err
	}
	w.barPHY[port-1]++
	w.seenPHY[port-1]++
	w.expect(w.expPHY[port-1], "PACKET", port, w.seenPHY[port-1], p, mask)
	return w.err
}

// ExpectDMA expects p, with optional mask, out of the DMA queue of port.
func (w *Writer) ExpectDMA(port int, p, mask []byte) error {
	if err := w.check(port); err != nil {
		return err
	}
	w.barDMA[port-1]++
	w.seenDMA[port-1]++
	w.expect(w.expDMA[port-1], "DMA_PACKET", port, w.seenDMA[port-1], p, mask)
	return w.err
}

func (w *Writer) expect(f *file, tag string, port, n int, p, mask []byte) {
	data := hexBytes(p, mask, 16)
	w.printf(f, "\n<!-- Packet %d-->", n)
	w.printf(f, "\n<!-- %s...-->\n", summary(data))
	w.printf(f, "<%s Length=\"%d\" Port=\"%d\" Delay=\"0\">\n", tag, len(p), port)
	w.printf(f, "%s", strings.TrimRight(data, " \n"))
	w.printf(f, "\n</%s><!--pkt%d-->\n", tag, n)
}

// Barrier makes every port, and the PCI command stream, wait for the
// packets expected since the previous barrier.
func (w *Writer) Barrier() error {
	if w.closed {
		return fmt.Errorf("sim: writer closed")
	}
	for i, f := range w.ingress {
		w.printf(f, "%08d // BARRIER\n", cmdBarrier)
		w.printf(f, "%08x // Number of Packets\n", w.barPHY[i])
	}
	w.printf(w.pci, "%08d // BARRIER\n", cmdPCIBarrier)
	for i, n := range w.barDMA {
		w.printf(w.pci, "%08x // Number of expected pkts received via DMA port %d\n", n, i+1)
	}
	w.barPHY = [NumPorts]int{}
	w.barDMA = [NumPorts]int{}
	return w.err
}

// Delay pauses every port and the PCI command stream for ns nanoseconds.
func (w *Writer) Delay(ns uint64) error {
	if w.closed {
		return fmt.Errorf("sim: writer closed")
	}
	msb, lsb := ns>>32, ns&0xffffffff
	for _, f := range w.ingress {
		w.printf(f, "%08d // DELAY\n", cmdDelay)
		w.printf(f, "%08x // Delay (MSB) %d ns\n", msb, ns)
		w.printf(f, "%08x // Delay (LSB) %d ns\n", lsb, ns)
	}
	w.printf(w.pci, "%08d // DELAY\n", cmdPCIDelay)
	w.printf(w.pci, "%08x // Delay (MSB) %d ns\n", msb, ns)
	w.printf(w.pci, "%08x // Delay (LSB) %d ns\n", lsb, ns)
	return w.err
}

// RegDelay pauses the PCI command stream for ns nanoseconds.
func (w *Writer) RegDelay(ns uint64) error {
	if w.closed {
		return fmt.Errorf("sim: writer closed")
	}
	w.printf(w.pci, "%08d // DELAY \n", cmdPCIDelay)
	w.printf(w.pci, "%08x // Delay (MSB) %d ns\n", ns>>32, ns)
	w.printf(w.pci, "%08x // Delay (LSB) %d ns\n", ns&0xffffffff, ns)
	return w.err
}

// RegRead reads register reg and checks the bits selected by mask
// against val.
func (w *Writer) RegRead(reg, val, mask uint32) error {
	if w.closed {
		return fmt.Errorf("sim: writer closed")
	}
	f := w.pci
	w.printf(f, "// READ:  Address: %#x Expected Data: %#x\n", reg, val)
	w.printf(f, "%08d // READ\n", cmdRead)
	w.printf(f, "%08x // Address (%#x)\n", reg, reg)
	w.printf(f, "%08x // Data (%#x)\n", val, val)
	w.printf(f, "%08X // Mask (0x%08X)\n", mask, mask)
	return w.err
}

// RegWrite writes val to register reg.
func (w *Writer) RegWrite(reg, val uint32) error {
	if w.closed {
		return fmt.Errorf("sim: writer closed")
	}
	f := w.pci
	w.printf(f, "// WRITE:  Address: %#x Data: %#x\n", reg, val)
	w.printf(f, "%08d // WRITE\n", cmdWrite)
	w.printf(f, "%08x // Address \n", reg)
	w.printf(f, "%08x // Data (%#x)\n", val, val)
	w.printf(f, "00000000 // Mask (0x0)\n")
	return w.err
}

// RegDMA requests the transfer of a length bytes packet on a DMA queue.
func (w *Writer) RegDMA(queue, length int) error {
	if w.closed {
		return fmt.Errorf("sim: writer closed")
	}
	f := w.pci
	w.printf(f, "// DMA: QUEUE: %#x LENGTH: %#x\n", queue, length)
	w.printf(f, "%08d // DMA\n", cmdDMA)
	w.printf(f, "%08x // Queue (%#x)\n", queue, queue)
	w.printf(f, "%08x // Length (%#x)\n", length, length)
	w.printf(f, "00000000 // Mask (0x0)\n")
	return w.err
}

// Close terminates and closes all simulation files.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	err := w.closeAll()
	if w.err != nil {
		return w.err
	}
	return err
}

func (w *Writer) closeAll() error {
	var errs *multierror.Error
	for _, f := range w.files() {
		if f == nil {
			continue
		}
		errs = multierror.Append(errs, f.close())
	}
	return errs.ErrorOrNil()
}

func (w *Writer) files() []*file {
	fs := []*file{w.dma, w.pci}
	fs = append(fs, w.ingress[:]...)
	fs = append(fs, w.expPHY[:]...)
	fs = append(fs, w.expDMA[:]...)
	return fs
}

// words formats p as 32-bit big-endian words, one per line, the last
// word zero padded.
func words(p []byte) string {
	var o strings.Builder
	for i, b := range p {
		if i > 0 && i%4 == 0 {
			o.WriteString("\n")
		}
		fmt.Fprintf(&o, "%02x", b)
	}
	if r := len(p) % 4; r != 0 {
		o.WriteString(strings.Repeat("00", 4-r))
	}
	return o.String()
}

// hexBytes formats p as space separated bytes, perLine bytes per line
// when perLine is positive. Nibbles selected by mask are written as X.
func hexBytes(p, mask []byte, perLine int) string {
	var o strings.Builder
	for i, b := range p {
		octet := []byte(fmt.Sprintf("%02x ", b))
		if i < len(mask) {
			if mask[i]&0xf0 != 0 {
				octet[0] = 'X'
			}
			if mask[i]&0x0f != 0 {
				octet[1] = 'X'
			}
		}
		o.Write(octet)
		if perLine > 0 && (i+1)%perLine == 0 {
			o.WriteString("\n")
		}
	}
	return o.String()
}

// summary describes the Ethernet header of a packet formatted by hexBytes.
func summary(s string) string {
	da := strings.ReplaceAll(clip(s, 0, 17), " ", ":")
	sa := strings.ReplaceAll(clip(s, 18, 35), " ", ":")
	typ := strings.ReplaceAll(clip(s, 36, 41), " ", "")
	sample := strings.ReplaceAll(clip(s, 42, 60), "\n", "")
	return fmt.Sprintf("DA: %s SA: %s [%s] %s", da, sa, typ, sample)
}

func clip(s string, beg, end int) string {
	if beg > len(s) {
		return ""
	}
	if end > len(s) {
		end = len(s)
	}
	return s[beg:end]
}

// WritePortConfig writes the PHY loopback configuration of the simulated
// ports, one bit per port from the last port down to the first.
func WritePortConfig(fname string, loop []string) error {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("sim: could not create port config: %w", err)
	}
	defer f.Close()

	err = writePortConfig(f, loop)
	if err != nil {
		return err
	}

	err = f.Close()
	if err != nil {
		return fmt.Errorf("sim: could not close port config: %w", err)
	}
	return nil
}

func writePortConfig(w io.Writer, loop []string) error {
	var looped [NumPorts]bool
	for _, iface := range loop {
		i, err := topology.PortIndex(iface)
		if err != nil {
			return fmt.Errorf("sim: only nf2cX interfaces can be put in loopback: %w", err)
		}
		looped[i] = true
	}
	bits := make([]byte, 0, NumPorts)
	for i := NumPorts - 1; i >= 0; i-- {
		if looped[i] {
			bits = append(bits, '1')
		} else {
			bits = append(bits, '0')
		}
	}
	_, err := fmt.Fprintf(w, "LOOPBACK=%s", bits)
	if err != nil {
		return fmt.Errorf("sim: could not write port config: %w", err)
	}
	return nil
}
