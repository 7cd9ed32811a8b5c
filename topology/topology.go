// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package topology describes how the ports of a NetFPGA card are wired to
// the host interfaces for a test run.
package topology // import "github.com/NetFPGA/netfpga/topology"

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// NumPorts is the number of NetFPGA ports.
const NumPorts = 4

// PortPrefix prefixes the names of the NetFPGA port interfaces.
const PortPrefix = "nf2c"

// PortIndex returns the 0-based index of the NetFPGA port interface iface
// (nf2c0 to nf2c3).
func PortIndex(iface string) (int, error) {
	if !strings.HasPrefix(iface, PortPrefix) || len(iface) <= len(PortPrefix) {
		return 0, fmt.Errorf("topology: interface %q is not an %sX interface", iface, PortPrefix)
	}
	i, err := strconv.Atoi(iface[len(PortPrefix) : len(PortPrefix)+1])
	if err != nil || i >= NumPorts {
		return 0, fmt.Errorf("topology: interface %q is not an %sX interface", iface, PortPrefix)
	}
	return i, nil
}

// IsPort reports whether iface names a NetFPGA port.
func IsPort(iface string) bool {
	_, err := PortIndex(iface)
	return err == nil
}

// Connections maps an interface to the interface it is wired to.
// An interface mapped to itself is in loopback; one mapped to the empty
// string is not connected.
type Connections map[string]string

// HWConfig is one wiring a hardware test supports.
type HWConfig struct {
	Conn     string   // connections file
	Loopback []string // ports placed in PHY loopback
}

// Topology is the wiring selected for a test run.
type Topology struct {
	Config      int // index of the selected HWConfig
	Connections Connections
	Loopback    []string
	Isolated    []string          // connected to nothing
	Map         map[string]string // logical to physical interface names
	Ports       []string          // logical interfaces in use
	Ifaces      []string          // physical interfaces in use
}

// IsLoopback reports whether iface has no external physical path.
func (t *Topology) IsLoopback(iface string) bool {
	if t.Connections[iface] == iface {
		return true
	}
	for _, v := range t.Loopback {
		if v == iface {
			return true
		}
	}
	return false
}

// Phys returns the physical name of the logical interface iface.
func (t *Topology) Phys(iface string) string {
	if v, ok := t.Map[iface]; ok {
		return v
	}
	return iface
}

// Peer returns the physical name of the interface wired to iface.
func (t *Topology) Peer(iface string) string {
	return t.Phys(t.Connections[iface])
}

// Describe writes the physical wiring in a human readable form.
func (t *Topology) Describe(w io.Writer) {
	fmt.Fprintf(w, "Running test using the following physical connections:\n")
	keys := make([]string, 0, len(t.Connections))
	for k := range t.Connections {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := t.Connections[k]
		if v == "" {
			fmt.Fprintf(w, "%s initialized but not connected\n", t.Phys(k))
			continue
		}
		fmt.Fprintf(w, "%s:%s\n", t.Phys(k), t.Phys(v))
	}
	if len(t.Loopback) > 0 {
		fmt.Fprintf(w, "Ports in loopback:\n")
		for _, v := range t.Loopback {
			fmt.Fprintf(w, "%s\n", t.Phys(v))
		}
	}
	fmt.Fprintf(w, "%s\n", strings.Repeat("-", 54))
}

// Select picks the hardware configuration matching the connections file
// conn, or the first configuration when conn is empty, and applies the
// interface map file mapf when not empty.
func Select(cfgs []HWConfig, conn, mapf string) (*Topology, error) {
	if len(cfgs) == 0 {
		return nil, fmt.Errorf("topology: no hardware configuration")
	}

	var (
		t   = &Topology{Config: -1}
		err error
	)

	switch conn {
	case "":
		t.Config = 0
		t.Connections, err = ReadConnections(cfgs[0].Conn)
		if err != nil {
			return nil, err
		}
	default:
		want, err := ReadConnections(conn)
		if err != nil {
			return nil, err
		}
		for i, cfg := range cfgs {
			got, err := ReadConnections(cfg.Conn)
			if err != nil {
				return nil, err
			}
			if reflect.DeepEqual(got, want) {
				t.Config = i
				t.Connections = want
				break
			}
		}
		if t.Config < 0 {
			return nil, fmt.Errorf("topology: connections file %q incompatible with this test", conn)
		}
	}

	for _, v := range cfgs[t.Config].Loopback {
		if !IsPort(v) {
			return nil, fmt.Errorf("topology: only %sX interfaces can be put in loopback (got %q)", PortPrefix, v)
		}
		t.Loopback = append(t.Loopback, v)
	}

	seen := make(map[string]bool)
	add := func(v string) {
		if v == "" || seen[v] {
			return
		}
		seen[v] = true
		t.Ifaces = append(t.Ifaces, v)
	}
	keys := make([]string, 0, len(t.Connections))
	for k := range t.Connections {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		add(k)
		add(t.Connections[k])
		if t.Connections[k] == "" {
			t.Isolated = append(t.Isolated, k)
		}
	}
	for _, v := range t.Loopback {
		add(v)
	}

	t.Map = make(map[string]string, len(t.Ifaces))
	for _, v := range t.Ifaces {
		t.Map[v] = v
	}
	if mapf != "" {
		m, err := ReadMap(mapf)
		if err != nil {
			return nil, err
		}
		for k, v := range m {
			t.Map[k] = v
		}
	}
	t.Ports = append([]string(nil), t.Ifaces...)
	for i, v := range t.Ifaces {
		t.Ifaces[i] = t.Map[v]
	}

	return t, nil
}

// Sim returns the topology of a simulation run: the four NetFPGA ports,
// with the given ports in loopback.
func Sim(loop []string) (*Topology, error) {
	t := &Topology{
		Connections: make(Connections, NumPorts),
		Map:         make(map[string]string, NumPorts),
	}
	for i := 0; i < NumPorts; i++ {
		name := PortPrefix + strconv.Itoa(i)
		t.Connections[name] = "phy_dummy"
		t.Map[name] = name
		t.Ports = append(t.Ports, name)
		t.Ifaces = append(t.Ifaces, name)
	}
	for _, v := range loop {
		if !IsPort(v) {
			return nil, fmt.Errorf("topology: only %sX interfaces can be put in loopback (got %q)", PortPrefix, v)
		}
		t.Loopback = append(t.Loopback, v)
	}
	return t, nil
}

// ReadConnections reads a connections file: one "a:b" pair per line.
func ReadConnections(fname string) (Connections, error) {
	pairs, err := readPairs(fname)
	if err != nil {
		return nil, fmt.Errorf("topology: could not read connections file: %w", err)
	}
	return Connections(pairs), nil
}

// ReadMap reads an interface map file: one "logical:physical" pair per line.
func ReadMap(fname string) (map[string]string, error) {
	pairs, err := readPairs(fname)
	if err != nil {
		return nil, fmt.Errorf("topology: could not read map file: %w", err)
	}
	return pairs, nil
}

func readPairs(fname string) (map[string]string, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parsePairs(f, fname)
}

func parsePairs(r io.Reader, fname string) (map[string]string, error) {
	var (
		o  = make(map[string]string)
		sc = bufio.NewScanner(r)
		n  = 0
	)
	for sc.Scan() {
		n++
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok || k == "" {
			return nil, fmt.Errorf("%s:%d: invalid line %q", fname, n, line)
		}
		o[k] = v
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("could not scan %q: %w", fname, err)
	}
	return o, nil
}
