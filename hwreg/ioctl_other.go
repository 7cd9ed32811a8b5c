// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package hwreg

import (
	"fmt"
	"runtime"
)

func openSocketImpl(iface string) (int, error) {
	return -1, fmt.Errorf("hwreg: register access on %q not supported on %s", iface, runtime.GOOS)
}

func closeSocketImpl(fd int) error { return nil }

func ioctlImpl(fd int, op uint, iface string, rd *regData) error {
	return fmt.Errorf("hwreg: register access not supported on %s", runtime.GOOS)
}
