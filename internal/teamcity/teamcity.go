// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package teamcity writes TeamCity service messages.
package teamcity // import "github.com/NetFPGA/netfpga/internal/teamcity"

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Separator joins the parts of a test name.
const Separator = " - "

var escaper = strings.NewReplacer(
	"|", "||",
	"'", "|'",
	"\n", "|n",
	"\r", "|r",
	"[", "|[",
	"]", "|]",
)

// Escape escapes s for use as a service message value.
func Escape(s string) string {
	return escaper.Replace(s)
}

// Writer writes service messages when enabled.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
	on bool
}

// New returns an enabled service message writer.
func New(w io.Writer) *Writer {
	return &Writer{w: w, on: true}
}

// Enable turns message output on or off.
func (tc *Writer) Enable(on bool) {
	tc.mu.Lock()
	tc.on = on
	tc.mu.Unlock()
}

// Enabled reports whether messages are written.
func (tc *Writer) Enabled() bool {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	return tc.on
}

func (tc *Writer) printf(format string, args ...interface{}) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if !tc.on {
		return
	}
	fmt.Fprintf(tc.w, format, args...)
}

// Started reports the start of test.
func (tc *Writer) Started(test string) {
	tc.printf("##teamcity[testStarted name='%s']\n", Escape(test))
}

// Failed reports the failure of test. An empty details repeats msg.
func (tc *Writer) Failed(test, msg, details string) {
	if details == "" {
		details = msg
	}
	tc.printf(
		"##teamcity[testFailed name='%s' message='%s' details='%s']\n",
		Escape(test), Escape(msg), Escape(details),
	)
}

// Finished reports the end of test.
func (tc *Writer) Finished(test string) {
	tc.printf("##teamcity[testFinished name='%s']\n", Escape(test))
}
