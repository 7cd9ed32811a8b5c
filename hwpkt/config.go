// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hwpkt

import (
	"log"
	"os"
	"time"
)

const (
	// DefaultBarrierTimeout is the barrier timeout used when none is given.
	DefaultBarrierTimeout = 10 * time.Second

	defaultPoll    = 1 * time.Second
	defaultDepth   = 1024
	defaultPcapDir = "hw_pcaps"
)

type config struct {
	msg   *log.Logger
	open  PortOpener
	poll  time.Duration
	depth int
	pcaps string
}

func newConfig() config {
	return config{
		msg:   log.New(os.Stdout, "hwpkt: ", 0),
		open:  openRawPort,
		poll:  defaultPoll,
		depth: defaultDepth,
		pcaps: defaultPcapDir,
	}
}

// Option configures an Engine.
type Option func(*config)

// WithLogger sets the logger used for diagnostics.
func WithLogger(msg *log.Logger) Option {
	return func(cfg *config) {
		cfg.msg = msg
	}
}

// WithPortOpener replaces the raw-socket port opener.
func WithPortOpener(open PortOpener) Option {
	return func(cfg *config) {
		cfg.open = open
	}
}

// WithPollTimeout bounds how long a capture loop blocks before it checks
// for a stop request.
func WithPollTimeout(d time.Duration) Option {
	return func(cfg *config) {
		cfg.poll = d
	}
}

// WithQueueDepth sets the capacity of each send queue.
func WithQueueDepth(n int) Option {
	return func(cfg *config) {
		cfg.depth = n
	}
}

// WithPcapDir sets the directory receiving the per-interface pcap files
// written by Finish. An empty dir disables the export.
func WithPcapDir(dir string) Option {
	return func(cfg *config) {
		cfg.pcaps = dir
	}
}
