// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build !linux

package hwpkt

import (
	"fmt"
	"runtime"
)

func openRawPort(iface string, mode Mode) (Port, error) {
	return nil, fmt.Errorf("hwpkt: raw %s port on %q not supported on %s", mode, iface, runtime.GOOS)
}
