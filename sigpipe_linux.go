// Copyright (c) 2023 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build linux
// +build linux

package netloop

import (
	"golang.org/x/sys/unix"
)

// Linux suppresses SIGPIPE per send with MSG_NOSIGNAL, so a failed write
// to a closed peer surfaces as EPIPE instead of terminating the process.

func setNoSigpipe(fd int) error {
	return nil
}

func sendSome(fd int, p []byte) (int, error) {
	return unix.SendmsgN(fd, p, nil, nil, unix.MSG_NOSIGNAL)
}
