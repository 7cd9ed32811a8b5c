// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package hwpkt

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	maxFrame = 1 << 16
	rcvBuf   = 1 << 30
)

type rawPort struct {
	name string
	fd   int

	mu   sync.Mutex // guards buf and the receive timeout
	buf  []byte
	tout time.Duration

	once sync.Once
}

func htons(v uint16) uint16 { return v<<8 | v>>8 }

// protocols returns the protocol a raw socket is created with and the one it
// is bound with. A socket created with a zero protocol receives nothing, so
// capture sockets only start queueing frames once bound to their interface.
// Transmit sockets stay at zero and never queue received frames.
func protocols(mode Mode) (sock, bind uint16) {
	if mode == Transmit {
		return 0, 0
	}
	return 0, htons(unix.ETH_P_ALL)
}

// openRawPort opens an AF_PACKET socket bound to iface.
func openRawPort(iface string, mode Mode) (Port, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("hwpkt: could not find interface %q: %w", iface, err)
	}

	sock, proto := protocols(mode)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(sock))
	if err != nil {
		return nil, fmt.Errorf("hwpkt: could not open raw socket on %q: %w", iface, err)
	}
	defer func() {
		if err != nil {
			_ = unix.Close(fd)
		}
	}()

	err = unix.Bind(fd, &unix.SockaddrLinklayer{
		Protocol: proto,
		Ifindex:  ifi.Index,
	})
	if err != nil {
		return nil, fmt.Errorf("hwpkt: could not bind raw socket to %q: %w", iface, err)
	}

	if mode == Capture {
		err = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, rcvBuf)
		if err != nil {
			return nil, fmt.Errorf("hwpkt: could not set receive buffer on %q: %w", iface, err)
		}
	}

	return &rawPort{
		name: iface,
		fd:   fd,
		buf:  make([]byte, maxFrame),
	}, nil
}

func (p *rawPort) ReadPacket(timeout time.Duration) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if timeout != p.tout {
		tv := unix.NsecToTimeval(timeout.Nanoseconds())
		err := unix.SetsockoptTimeval(p.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv)
		if err != nil {
			return nil, fmt.Errorf("hwpkt: could not set receive timeout on %q: %w", p.name, err)
		}
		p.tout = timeout
	}

	n, _, err := unix.Recvfrom(p.fd, p.buf, 0)
	switch {
	case err == nil:
		o := make([]byte, n)
		copy(o, p.buf[:n])
		return o, nil
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return nil, ErrTimeout
	default:
		return nil, fmt.Errorf("hwpkt: could not read from %q: %w", p.name, err)
	}
}

func (p *rawPort) WritePacket(data []byte) error {
	_, err := unix.Write(p.fd, data)
	if err != nil {
		return fmt.Errorf("hwpkt: could not write to %q: %w", p.name, err)
	}
	return nil
}

func (p *rawPort) Close() error {
	var err error
	p.once.Do(func() {
		err = unix.Close(p.fd)
	})
	if err != nil {
		return fmt.Errorf("hwpkt: could not close %q: %w", p.name, err)
	}
	return nil
}
