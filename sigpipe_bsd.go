// Copyright (c) 2023 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd || netbsd || openbsd
// +build darwin dragonfly freebsd netbsd openbsd

package netloop

import (
	"golang.org/x/sys/unix"
)

// The BSDs suppress SIGPIPE at the socket with SO_NOSIGPIPE, set once at
// creation, so plain writes are safe.

func setNoSigpipe(fd int) error {
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_NOSIGPIPE, 1)
}

func sendSome(fd int, p []byte) (int, error) {
	return unix.Write(fd, p)
}
