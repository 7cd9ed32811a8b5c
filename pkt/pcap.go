// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package pkt

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const snaplen = 65536

// WritePcap writes the Ethernet frames pkts to w in pcap format.
func WritePcap(w io.Writer, pkts [][]byte) error {
	pw := pcapgo.NewWriter(w)
	err := pw.WriteFileHeader(snaplen, layers.LinkTypeEthernet)
	if err != nil {
		return fmt.Errorf("pkt: could not write pcap header: %w", err)
	}

	now := time.Now()
	for i, p := range pkts {
		err = pw.WritePacket(gopacket.CaptureInfo{
			Timestamp:     now,
			CaptureLength: len(p),
			Length:        len(p),
		}, p)
		if err != nil {
			return fmt.Errorf("pkt: could not write packet %d: %w", i, err)
		}
	}
	return nil
}

// WritePcapFile creates fname and writes pkts to it in pcap format.
func WritePcapFile(fname string, pkts [][]byte) (err error) {
	f, err := os.Create(fname)
	if err != nil {
		return fmt.Errorf("pkt: could not create pcap file %q: %w", fname, err)
	}
	defer func() {
		e := f.Close()
		if e != nil && err == nil {
			err = fmt.Errorf("pkt: could not close pcap file %q: %w", fname, e)
		}
	}()

	return WritePcap(f, pkts)
}

// ReadPcap reads all frames from the pcap stream r.
func ReadPcap(r io.Reader) ([][]byte, error) {
	pr, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("pkt: could not open pcap reader: %w", err)
	}

	var pkts [][]byte
	for {
		data, _, err := pr.ReadPacketData()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return pkts, nil
			}
			return pkts, fmt.Errorf("pkt: could not read packet %d: %w", len(pkts), err)
		}
		pkts = append(pkts, Clone(data))
	}
}

// ReadPcapFile reads all frames from the pcap file fname.
func ReadPcapFile(fname string) ([][]byte, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, fmt.Errorf("pkt: could not open pcap file %q: %w", fname, err)
	}
	defer f.Close()

	return ReadPcap(f)
}
