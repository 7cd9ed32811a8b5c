// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package hwpkt

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestProtocols(t *testing.T) {
	for _, tc := range []struct {
		name string
		mode Mode
		sock uint16
		bind uint16
	}{
		{"capture", Capture, 0, htons(unix.ETH_P_ALL)},
		{"transmit", Transmit, 0, 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			sock, bind := protocols(tc.mode)
			if sock != tc.sock {
				t.Fatalf("invalid socket protocol: got=0x%04x, want=0x%04x", sock, tc.sock)
			}
			if bind != tc.bind {
				t.Fatalf("invalid bind protocol: got=0x%04x, want=0x%04x", bind, tc.bind)
			}
		})
	}

	if got, want := htons(unix.ETH_P_ALL), uint16(0x0300); got != want {
		t.Fatalf("invalid ETH_P_ALL in network order: got=0x%04x, want=0x%04x", got, want)
	}
}
