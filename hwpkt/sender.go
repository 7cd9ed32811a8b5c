// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hwpkt

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/NetFPGA/netfpga/pkt"
)

// Sender transmits frames on one interface, in enqueue order.
type Sender struct {
	name string
	port Port
	msg  *log.Logger

	mu     sync.RWMutex // guards closed against Close
	closed bool
	queue  chan []byte
	done   chan struct{} // closed once the queue is drained

	queued atomic.Int64
	sent   atomic.Int64
	failed atomic.Int64

	once sync.Once
	err  error
}

func newSender(name string, port Port, depth int, msg *log.Logger) *Sender {
	s := &Sender{
		name:  name,
		port:  port,
		msg:   msg,
		queue: make(chan []byte, depth),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *Sender) run() {
	defer close(s.done)
	for p := range s.queue {
		err := s.port.WritePacket(p)
		if err != nil {
			s.failed.Add(1)
			s.msg.Printf("could not send packet on %q: %+v", s.name, err)
			continue
		}
		s.sent.Add(1)
	}
}

// Send enqueues a copy of p for transmission.
// Send blocks while the queue is full.
func (s *Sender) Send(p []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("hwpkt: could not send on %q: %w", s.name, errClosed)
	}
	s.queued.Add(1)
	s.queue <- pkt.Clone(p)
	return nil
}

// Queued returns the number of frames handed to Send.
func (s *Sender) Queued() int64 { return s.queued.Load() }

// Sent returns the number of frames actually transmitted.
func (s *Sender) Sent() int64 { return s.sent.Load() }

// Failed returns the number of frames the port refused.
func (s *Sender) Failed() int64 { return s.failed.Load() }

// Close waits for the queue to drain and then releases the port.
func (s *Sender) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.queue)
		s.mu.Unlock()

		<-s.done
		s.err = s.port.Close()
	})
	return s.err
}
