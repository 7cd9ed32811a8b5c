// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pkt

import (
	"fmt"
	"math/rand"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Hdr describes the header fields of a generated packet.
// Zero fields take the default value of the corresponding header.
type Hdr struct {
	SrcMAC    net.HardwareAddr
	DstMAC    net.HardwareAddr
	EtherType layers.EthernetType

	SrcIP net.IP
	DstIP net.IP
	TTL   uint8
}

var (
	defaultMAC = net.HardwareAddr{0, 0, 0, 0, 0, 0}
	bcastMAC   = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}
	defaultIP  = net.IPv4(127, 0, 0, 1)
)

const rawProto layers.IPProtocol = 0

const (
	defaultTTL = 64
	ethLen     = 14
	hdrLen     = ethLen + 20 // Ethernet + IPv4
	icmpData   = 56
	arpTrailer = 18
)

func (h Hdr) mac(typ layers.EthernetType) *layers.Ethernet {
	eth := &layers.Ethernet{
		SrcMAC:       defaultMAC,
		DstMAC:       bcastMAC,
		EthernetType: typ,
	}
	if h.SrcMAC != nil {
		eth.SrcMAC = h.SrcMAC
	}
	if h.DstMAC != nil {
		eth.DstMAC = h.DstMAC
	}
	if h.EtherType != 0 {
		eth.EthernetType = h.EtherType
	}
	return eth
}

func (h Hdr) ip(proto layers.IPProtocol) *layers.IPv4 {
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		Id:       1,
		TTL:      defaultTTL,
		Protocol: proto,
		SrcIP:    defaultIP,
		DstIP:    defaultIP,
	}
	if h.SrcIP != nil {
		ip.SrcIP = h.SrcIP
	}
	if h.DstIP != nil {
		ip.DstIP = h.DstIP
	}
	if h.TTL != 0 {
		ip.TTL = h.TTL
	}
	return ip
}

func (h Hdr) arp(op uint16) *layers.ARP {
	src := h.SrcMAC
	if src == nil {
		src = defaultMAC
	}
	dst := h.DstMAC
	if dst == nil || op == layers.ARPRequest {
		dst = defaultMAC
	}
	sip := h.SrcIP
	if sip == nil {
		sip = defaultIP
	}
	dip := h.DstIP
	if dip == nil {
		dip = defaultIP
	}
	return &layers.ARP{
		AddrType:          layers.LinkTypeEthernet,
		Protocol:          layers.EthernetTypeIPv4,
		HwAddressSize:     6,
		ProtAddressSize:   4,
		Operation:         op,
		SourceHwAddress:   []byte(src),
		SourceProtAddress: []byte(sip.To4()),
		DstHwAddress:      []byte(dst),
		DstProtAddress:    []byte(dip.To4()),
	}
}

func serialize(ls ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}, ls...)
	if err != nil {
		panic(fmt.Errorf("pkt: could not serialize packet: %w", err))
	}
	return Clone(buf.Bytes())
}

// MakeIPPkt returns an Ethernet/IPv4 packet of n bytes carrying a random load.
// Lengths below MinLen are raised to MinLen.
func MakeIPPkt(n int, h Hdr) []byte {
	if n < MinLen {
		n = MinLen
	}
	return serialize(
		h.mac(layers.EthernetTypeIPv4),
		h.ip(rawProto),
		gopacket.Payload(Load(n-hdrLen)),
	)
}

// makeICMP returns an ICMP message, without the link padding added by the
// Ethernet serializer.
func makeICMP(h Hdr, typ, code uint8, data []byte) []byte {
	ip := h.ip(layers.IPProtocolICMPv4)
	ls := []gopacket.SerializableLayer{
		h.mac(layers.EthernetTypeIPv4),
		ip,
		&layers.ICMPv4{TypeCode: layers.CreateICMPv4TypeCode(typ, code)},
	}
	if data != nil {
		ls = append(ls, gopacket.Payload(data))
	}
	p := serialize(ls...)
	if n := ethLen + int(ip.Length); n < len(p) {
		p = p[:n]
	}
	return p
}

// MakeICMPReplyPkt returns an ICMP echo reply.
// A nil data is replaced by 56 zero bytes.
func MakeICMPReplyPkt(h Hdr, data []byte) []byte {
	if data == nil {
		data = make([]byte, icmpData)
	}
	return makeICMP(h, layers.ICMPv4TypeEchoReply, 0, data)
}

// MakeICMPRequestPkt returns an ICMP echo request with 56 zero bytes of data.
func MakeICMPRequestPkt(h Hdr) []byte {
	return makeICMP(h, layers.ICMPv4TypeEchoRequest, 0, make([]byte, icmpData))
}

// MakeICMPTTLExceedPkt returns an ICMP time-exceeded message.
func MakeICMPTTLExceedPkt(h Hdr) []byte {
	return makeICMP(h, layers.ICMPv4TypeTimeExceeded, 0, nil)
}

// MakeICMPHostUnreachPkt returns an ICMP destination-unreachable message.
func MakeICMPHostUnreachPkt(h Hdr) []byte {
	return makeICMP(h, layers.ICMPv4TypeDestinationUnreachable, 0, nil)
}

// MakeARPRequestPkt returns an ARP who-has request.
func MakeARPRequestPkt(h Hdr) []byte {
	return serialize(
		h.mac(layers.EthernetTypeARP),
		h.arp(layers.ARPRequest),
		gopacket.Payload(make([]byte, arpTrailer)),
	)
}

// MakeARPReplyPkt returns an ARP is-at reply.
func MakeARPReplyPkt(h Hdr) []byte {
	return serialize(
		h.mac(layers.EthernetTypeARP),
		h.arp(layers.ARPReply),
		gopacket.Payload(make([]byte, arpTrailer)),
	)
}

var rng = struct {
	sync.Mutex
	seed int64
	src  *rand.Rand
}{}

func init() {
	SetSeed(time.Now().UnixNano())
}

// SetSeed reseeds the generator used for random loads.
func SetSeed(seed int64) {
	rng.Lock()
	defer rng.Unlock()
	rng.seed = seed
	rng.src = rand.New(rand.NewSource(seed))
}

// Seed returns the seed of the generator used for random loads.
func Seed() int64 {
	rng.Lock()
	defer rng.Unlock()
	return rng.seed
}

// WriteSeed stores the current seed in fname, so a run can be replayed.
func WriteSeed(fname string) error {
	err := os.WriteFile(fname, []byte(strconv.FormatInt(Seed(), 10)), 0644)
	if err != nil {
		return fmt.Errorf("pkt: could not write seed file %q: %w", fname, err)
	}
	return nil
}

// Load returns n random bytes.
func Load(n int) []byte {
	if n <= 0 {
		return nil
	}
	rng.Lock()
	defer rng.Unlock()
	o := make([]byte, n)
	_, _ = rng.src.Read(o)
	return o
}
