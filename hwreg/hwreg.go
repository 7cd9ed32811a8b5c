// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package hwreg reads and writes the registers of a NetFPGA card through
// the driver ioctl interface.
package hwreg // import "github.com/NetFPGA/netfpga/hwreg"

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Driver ioctl requests.
const (
	SIOCREGREAD  = 0x89F0
	SIOCREGWRITE = 0x89F1
)

// regData is the payload exchanged with the driver.
type regData struct {
	reg uint32
	val uint32
}

var (
	openSocket  = openSocketImpl
	closeSocket = closeSocketImpl
	ioctl       = ioctlImpl
)

// RegIO gives access to 32-bit device registers through a named interface.
type RegIO interface {
	ReadReg(iface string, reg uint32) (uint32, error)
	WriteReg(iface string, reg, val uint32) error
}

// Device accesses the registers of NetFPGA cards through the driver ioctl.
// One socket bound to the interface is opened, and kept, per interface.
type Device struct {
	mu    sync.Mutex
	socks map[string]int
}

// NewDevice returns a register accessor using the driver ioctl.
func NewDevice() *Device {
	return &Device{socks: make(map[string]int)}
}

func (dev *Device) sock(iface string) (int, error) {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	if fd, ok := dev.socks[iface]; ok {
		return fd, nil
	}
	fd, err := openSocket(iface)
	if err != nil {
		return -1, err
	}
	dev.socks[iface] = fd
	return fd, nil
}

// ReadReg reads register reg through iface.
func (dev *Device) ReadReg(iface string, reg uint32) (uint32, error) {
	fd, err := dev.sock(iface)
	if err != nil {
		return 0, err
	}
	rd := regData{reg: reg}
	err = ioctl(fd, SIOCREGREAD, iface, &rd)
	if err != nil {
		return 0, fmt.Errorf("hwreg: could not read register 0x%08x on %q: %w", reg, iface, err)
	}
	return rd.val, nil
}

// WriteReg writes val to register reg through iface.
func (dev *Device) WriteReg(iface string, reg, val uint32) error {
	fd, err := dev.sock(iface)
	if err != nil {
		return err
	}
	rd := regData{reg: reg, val: val}
	err = ioctl(fd, SIOCREGWRITE, iface, &rd)
	if err != nil {
		return fmt.Errorf("hwreg: could not write register 0x%08x on %q: %w", reg, iface, err)
	}
	return nil
}

// Close releases all sockets.
func (dev *Device) Close() error {
	dev.mu.Lock()
	defer dev.mu.Unlock()

	var errs *multierror.Error
	for iface, fd := range dev.socks {
		if err := closeSocket(fd); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("hwreg: could not close socket of %q: %w", iface, err))
		}
		delete(dev.socks, iface)
	}
	return errs.ErrorOrNil()
}
