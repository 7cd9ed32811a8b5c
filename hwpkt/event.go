// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hwpkt

import (
	"sync"
	"time"
)

// event is a level-triggered flag.
// Waiters are released as long as the flag is set.
type event struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{} // closed while set
}

func newEvent(set bool) *event {
	ev := &event{ch: make(chan struct{})}
	if set {
		ev.Set()
	}
	return ev
}

func (ev *event) Set() {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if ev.set {
		return
	}
	ev.set = true
	close(ev.ch)
}

func (ev *event) Clear() {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	if !ev.set {
		return
	}
	ev.set = false
	ev.ch = make(chan struct{})
}

func (ev *event) IsSet() bool {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.set
}

// Wait blocks until the flag is set or timeout elapses.
// Wait reports whether the flag was set.
func (ev *event) Wait(timeout time.Duration) bool {
	ev.mu.Lock()
	if ev.set {
		ev.mu.Unlock()
		return true
	}
	ch := ev.ch
	ev.mu.Unlock()

	if timeout <= 0 {
		return false
	}

	tick := time.NewTimer(timeout)
	defer tick.Stop()

	select {
	case <-ch:
		return true
	case <-tick.C:
		return ev.IsSet()
	}
}
