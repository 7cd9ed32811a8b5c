// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command nf-regs reads and writes the registers of a NetFPGA card.
//
// Usage:
//
//	$> nf-regs [options] [command [args...]]
//
// Without a command, nf-regs starts an interactive shell:
//
//	$> nf-regs -defines reg_defines.h
//	nf-regs> read CPCI_REG_CTRL
//	CPCI_REG_CTRL (0x00000008) = 0x00000000
//	nf-regs> write 0x40 0xffffffff
//	nf-regs> quit
package main // import "github.com/NetFPGA/netfpga/cmd/nf-regs"

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/NetFPGA/netfpga/hwreg"
	"github.com/NetFPGA/netfpga/topology"
	"github.com/peterh/liner"
)

func main() {
	log.SetPrefix("nf-regs: ")
	log.SetFlags(0)

	var (
		iface   = flag.String("i", "nf2c0", "NetFPGA interface")
		defines = flag.String("defines", "", "comma separated list of register #define files")
		hist    = flag.String("hist", historyFile(), "path to the shell history file")
	)

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `Usage: nf-regs [options] [command [args...]]

commands:
%s
options:
`, helpText)
		flag.PrintDefaults()
	}

	flag.Parse()

	err := xmain(*iface, *defines, *hist, flag.Args())
	if err != nil {
		log.Fatalf("%+v", err)
	}
}

func xmain(iface, defines, hist string, args []string) error {
	var defs map[string]uint32
	if defines != "" {
		var err error
		defs, err = hwreg.ParseRegisterDefines(strings.Split(defines, ",")...)
		if err != nil {
			return fmt.Errorf("could not parse register defines: %w", err)
		}
	}

	dev := hwreg.NewDevice()
	defer dev.Close()

	sh := newShell(dev, iface, defs, os.Stdout)
	if len(args) > 0 {
		err := sh.exec(args)
		if errors.Is(err, errQuit) {
			return nil
		}
		return err
	}

	return sh.interact(hist)
}

func historyFile() string {
	dir, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, ".nf-regs.history")
}

const helpText = ` read   <reg>               read a register
 write  <reg> <val>         write a register
 expect <reg> <val> [mask]  read a register and compare it to val
 reset                      reset the FPGA
 phy    <iface> <mode>      set the PHY of iface to loopback, isolate or reset
 regs   [prefix]            list the known register names
 help                       print this help
 quit                       leave the shell
`

var errQuit = errors.New("quit")

type shell struct {
	regs  *hwreg.Registers
	iface string
	defs  map[string]uint32
	out   io.Writer
}

func newShell(dev hwreg.RegIO, iface string, defs map[string]uint32, out io.Writer) *shell {
	return &shell{
		regs: hwreg.New(
			dev,
			hwreg.WithDefines(defs),
			hwreg.WithLogger(log.New(out, "", 0)),
		),
		iface: iface,
		defs:  defs,
		out:   out,
	}
}

func (sh *shell) interact(hist string) error {
	term := liner.NewLiner()
	defer term.Close()

	term.SetCtrlCAborts(true)
	term.SetCompleter(sh.complete)

	if hist != "" {
		if f, err := os.Open(hist); err == nil {
			_, _ = term.ReadHistory(f)
			f.Close()
		}
		defer func() {
			f, err := os.Create(hist)
			if err != nil {
				log.Printf("could not save history: %+v", err)
				return
			}
			defer f.Close()
			_, _ = term.WriteHistory(f)
		}()
	}

	for {
		line, err := term.Prompt("nf-regs> ")
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, liner.ErrPromptAborted):
			fmt.Fprintln(sh.out)
			return nil
		default:
			return fmt.Errorf("could not read command: %w", err)
		}

		args := strings.Fields(line)
		if len(args) == 0 {
			continue
		}
		term.AppendHistory(line)

		err = sh.exec(args)
		switch {
		case err == nil:
		case errors.Is(err, errQuit):
			return nil
		default:
			fmt.Fprintf(sh.out, "error: %v\n", err)
		}
	}
}

func (sh *shell) complete(line string) []string {
	var out []string
	for _, cmd := range []string{"read", "write", "expect", "reset", "phy", "regs", "help", "quit"} {
		if strings.HasPrefix(cmd, line) {
			out = append(out, cmd)
		}
	}

	i := strings.LastIndex(line, " ")
	if i < 0 {
		return out
	}
	head, tail := line[:i+1], strings.ToUpper(line[i+1:])
	for _, name := range sh.names(tail) {
		out = append(out, head+name)
	}
	return out
}

func (sh *shell) names(prefix string) []string {
	var names []string
	for name := range sh.defs {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

func (sh *shell) exec(args []string) error {
	cmd, args := args[0], args[1:]
	switch cmd {
	case "read", "r":
		if len(args) != 1 {
			return fmt.Errorf("read: expected 1 argument, got %d", len(args))
		}
		reg, err := sh.reg(args[0])
		if err != nil {
			return err
		}
		val, err := sh.regs.Read(sh.iface, reg)
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "%s (0x%08x) = 0x%08x\n", sh.regs.Name(reg), reg, val)

	case "write", "w":
		if len(args) != 2 {
			return fmt.Errorf("write: expected 2 arguments, got %d", len(args))
		}
		reg, err := sh.reg(args[0])
		if err != nil {
			return err
		}
		val, err := parseUint32(args[1])
		if err != nil {
			return err
		}
		return sh.regs.Write(sh.iface, reg, val)

	case "expect":
		if len(args) != 2 && len(args) != 3 {
			return fmt.Errorf("expect: expected 2 or 3 arguments, got %d", len(args))
		}
		reg, err := sh.reg(args[0])
		if err != nil {
			return err
		}
		exp, err := parseUint32(args[1])
		if err != nil {
			return err
		}
		mask := uint32(0xffffffff)
		if len(args) == 3 {
			mask, err = parseUint32(args[2])
			if err != nil {
				return err
			}
		}
		n := sh.regs.NumBadReads()
		_, err = sh.regs.ReadExpect(sh.iface, reg, exp, mask)
		if err != nil {
			return err
		}
		if sh.regs.NumBadReads() == n {
			fmt.Fprintf(sh.out, "OK\n")
		}

	case "reset":
		return sh.regs.FPGAReset(sh.iface)

	case "phy":
		if len(args) != 2 {
			return fmt.Errorf("phy: expected 2 arguments, got %d", len(args))
		}
		port, err := topology.PortIndex(args[0])
		if err != nil {
			return fmt.Errorf("phy: %w", err)
		}
		switch args[1] {
		case "loopback":
			return sh.regs.PHYLoopback(args[0], port)
		case "isolate":
			return sh.regs.PHYIsolate(args[0], port)
		case "reset":
			return sh.regs.PHYReset(args[0], port)
		default:
			return fmt.Errorf("phy: unknown mode %q", args[1])
		}

	case "regs":
		prefix := ""
		if len(args) > 0 {
			prefix = strings.ToUpper(args[0])
		}
		for _, name := range sh.names(prefix) {
			fmt.Fprintf(sh.out, "0x%08x %s\n", sh.defs[name], name)
		}

	case "help", "h", "?":
		fmt.Fprint(sh.out, helpText)

	case "quit", "q", "exit":
		return errQuit

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}

// reg resolves a register from its name or its address.
func (sh *shell) reg(v string) (uint32, error) {
	if reg, ok := sh.defs[strings.ToUpper(v)]; ok {
		return reg, nil
	}
	reg, err := parseUint32(v)
	if err != nil {
		return 0, fmt.Errorf("unknown register %q", v)
	}
	return reg, nil
}

func parseUint32(v string) (uint32, error) {
	o, err := strconv.ParseUint(v, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("could not parse %q: %w", v, err)
	}
	return uint32(o), nil
}
