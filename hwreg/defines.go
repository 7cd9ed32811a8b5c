// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package hwreg

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"regexp"
	"strconv"
	"strings"
)

var defineRE = regexp.MustCompile(`^#define\s+(\S+)\s+(\S+)$`)

// ParseRegisterDefines collects the hexadecimal #define values of the
// given C header files. Defines whose value is not a number are skipped.
func ParseRegisterDefines(fnames ...string) (map[string]uint32, error) {
	defs := make(map[string]uint32)
	for _, fname := range fnames {
		err := parseDefinesFile(defs, fname)
		if err != nil {
			return nil, err
		}
	}
	return defs, nil
}

func parseDefinesFile(defs map[string]uint32, fname string) error {
	f, err := os.Open(fname)
	if err != nil {
		return fmt.Errorf("hwreg: could not open defines file: %w", err)
	}
	defer f.Close()

	err = parseDefines(defs, f)
	if err != nil {
		return fmt.Errorf("hwreg: could not parse defines file %q: %w", fname, err)
	}
	return nil
}

func parseDefines(defs map[string]uint32, r io.Reader) error {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		m := defineRE.FindStringSubmatch(strings.TrimRight(sc.Text(), " \t\r"))
		if m == nil {
			continue
		}
		v := strings.TrimPrefix(strings.ToLower(m[2]), "0x")
		n, err := strconv.ParseUint(v, 16, 32)
		if err != nil {
			continue
		}
		defs[m[1]] = uint32(n)
	}
	return sc.Err()
}
