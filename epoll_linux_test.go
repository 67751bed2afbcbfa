// Copyright (c) 2023 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build linux
// +build linux

package netloop

func init() {
	testBackends = append(testBackends, testBackend{
		name: "epoll",
		open: func() (Poller, error) { return NewEPoll() },
	})
}
