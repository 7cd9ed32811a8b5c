// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"log"
	"net"
	"os"
	"strconv"
	"strings"

	mail "gopkg.in/gomail.v2"
)

var sendMail = sendMailImpl

func sendMailImpl(srv string, msg *mail.Message) error {
	host, p, err := net.SplitHostPort(srv)
	if err != nil {
		return fmt.Errorf("invalid SMTP server %q: %w", srv, err)
	}
	port, err := strconv.Atoi(p)
	if err != nil {
		return fmt.Errorf("invalid SMTP port %q: %w", p, err)
	}

	dial := mail.NewDialer(host, port, os.Getenv("MAIL_USERNAME"), os.Getenv("MAIL_PASSWORD"))
	return dial.DialAndSend(msg)
}

// report mails the list of failing tests to the -mail-to recipients.
func (r *runner) report() {
	if r.opts.mailTo == "" {
		return
	}

	var failed []result
	for _, res := range r.results {
		if !res.pass {
			failed = append(failed, res)
		}
	}
	if len(failed) == 0 {
		return
	}

	from := os.Getenv("MAIL_USERNAME")
	if from == "" {
		from = r.env.User + "@localhost"
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", from)
	msg.SetHeader("Bcc", strings.Split(r.opts.mailTo, ",")...)
	msg.SetHeader("Subject", fmt.Sprintf(
		"[nf-test] %s: %d %s test(s) failed", r.env.Project(), len(failed), r.opts.kind,
	))
	msg.SetBody("text/plain", r.mailBody(failed))

	err := sendMail(r.opts.smtp, msg)
	if err != nil {
		log.Printf("could not send mail report: %+v", err)
	}
}

func (r *runner) mailBody(failed []result) string {
	o := new(strings.Builder)
	fmt.Fprintf(o, "project: %s\nrun:     %s\ntype:    %s\n\n", r.env.Project(), r.id, r.opts.kind)
	for _, res := range failed {
		fmt.Fprintf(o, "Test: %s (%v)\n%s\n", res.name, res.dur, strings.Repeat("-", len(res.name)+6))
		if res.output != "" {
			fmt.Fprintf(o, "%s\n", res.output)
		}
		o.WriteString("\n")
	}
	return o.String()
}
