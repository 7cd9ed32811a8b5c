// Copyright 2020 The NetFPGA Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

//go:build linux

package hwreg

import (
	"fmt"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ifreq mirrors struct ifreq with ifr_data pointing at a regData.
type ifreq struct {
	name [unix.IFNAMSIZ]byte
	data uintptr
	_    [24 - unsafe.Sizeof(uintptr(0))]byte
}

func openSocketImpl(iface string) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, unix.IPPROTO_UDP)
	if err != nil {
		return -1, fmt.Errorf("hwreg: could not open socket: %w", err)
	}
	err = unix.BindToDevice(fd, iface)
	if err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("hwreg: could not bind socket to %q: %w", iface, err)
	}
	return fd, nil
}

func closeSocketImpl(fd int) error {
	return unix.Close(fd)
}

func ioctlImpl(fd int, op uint, iface string, rd *regData) error {
	var ifr ifreq
	copy(ifr.name[:unix.IFNAMSIZ-1], iface)
	ifr.data = uintptr(unsafe.Pointer(rd))

	_, _, errno := unix.Syscall(
		unix.SYS_IOCTL,
		uintptr(fd), uintptr(op), uintptr(unsafe.Pointer(&ifr)),
	)
	runtime.KeepAlive(rd)
	if errno != 0 {
		return errno
	}
	return nil
}
