// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package pkt holds the packet model of the harness: masked comparison,
// Ethernet padding detection, packet builders and pcap files.
package pkt // import "github.com/NetFPGA/netfpga/pkt"

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// MinLen is the minimum length of an Ethernet frame, without CRC.
const MinLen = 60

// Len returns the on-wire length of p, accounting for frames
// shorter than MinLen being padded by the link.
func Len(p []byte) int {
	if len(p) < MinLen {
		return MinLen
	}
	return len(p)
}

// Equal reports whether a and b are equal under the optional mask.
//
// The mask is nibble granular: a nonzero high nibble in mask[i] ignores the
// high nibble of byte i, a nonzero low nibble ignores the low nibble.
// Bytes past the end of mask are compared exactly.
func Equal(a, b, mask []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if i < len(mask) {
			m := nibbles(mask[i])
			x &^= m
			y &^= m
		}
		if x != y {
			return false
		}
	}
	return true
}

func nibbles(m byte) byte {
	var o byte
	if m&0xf0 != 0 {
		o |= 0xf0
	}
	if m&0x0f != 0 {
		o |= 0x0f
	}
	return o
}

// Padding returns the trailing bytes of the Ethernet frame raw that are not
// claimed by any decoded protocol layer.
// Padding returns nil when the frame could not be fully decoded.
func Padding(raw []byte) []byte {
	p := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.NoCopy)
	if p.ErrorLayer() != nil {
		return nil
	}
	n := 0
	for _, l := range p.Layers() {
		n += len(l.LayerContents())
	}
	if n <= 0 || n >= len(raw) {
		return nil
	}
	return raw[n:]
}

// Match reports whether the received frame recv satisfies the expectation
// exp under mask.
// Expectations shorter than MinLen also match a received frame that carries
// trailing padding, when exp followed by that padding equals recv.
func Match(exp, mask, recv []byte) bool {
	if Equal(exp, recv, mask) {
		return true
	}
	if len(exp) >= MinLen || len(recv) <= len(exp) {
		return false
	}
	pad := Padding(recv)
	if len(pad) == 0 {
		return false
	}
	full := make([]byte, 0, len(exp)+len(pad))
	full = append(full, exp...)
	full = append(full, pad...)
	return Equal(full, recv, mask)
}

// HasLayer reports whether the Ethernet frame raw decodes a layer of type lt.
func HasLayer(raw []byte, lt gopacket.LayerType) bool {
	p := gopacket.NewPacket(raw, layers.LayerTypeEthernet, gopacket.NoCopy)
	return p.Layer(lt) != nil
}

// Clone returns a copy of p.
func Clone(p []byte) []byte {
	if p == nil {
		return nil
	}
	o := make([]byte, len(p))
	copy(o, p)
	return o
}
