// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hwpkt

import (
	"errors"
	"time"
)

var (
	// ErrTimeout is returned by Port.ReadPacket when no frame arrived
	// within the requested time.
	ErrTimeout = errors.New("hwpkt: read timeout")

	errClosed = errors.New("hwpkt: closed")
)

// Port is a raw Ethernet endpoint bound to one network interface.
type Port interface {
	// ReadPacket blocks for at most timeout waiting for a frame.
	ReadPacket(timeout time.Duration) ([]byte, error)
	// WritePacket transmits one frame.
	WritePacket(p []byte) error
	Close() error
}

// Mode selects how a port is opened.
type Mode int

const (
	Capture  Mode = iota // receive every frame seen on the interface, outgoing included
	Transmit             // transmit only
)

func (m Mode) String() string {
	switch m {
	case Capture:
		return "capture"
	case Transmit:
		return "transmit"
	}
	return "unknown"
}

// PortOpener opens a port on the named interface.
type PortOpener func(iface string, mode Mode) (Port, error)
