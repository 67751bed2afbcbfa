// Copyright (c) 2023 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd
// +build linux darwin dragonfly freebsd netbsd openbsd

package netloop

import (
	"golang.org/x/sys/unix"
)

// Select is the select(2) backend. The fd bitmaps are rebuilt from the
// interest table on every step, so one step costs O(max fd). Descriptors
// at or above FD_SETSIZE cannot be represented and are a fatal
// precondition violation.
type Select struct {
	pollerBase
	readSet  unix.FdSet
	writeSet unix.FdSet
}

// NewSelect creates a select(2) poller.
func NewSelect() (*Select, error) {
	p := &Select{}
	p.init()
	return p, nil
}

// Step performs one poller iteration.
func (p *Select) Step() error {
	b := &p.pollerBase
	b.refreshNow()
	p.readSet.Zero()
	p.writeSet.Zero()
	maxfd := -1
	for fd, s := range b.slots {
		if fd >= unix.FD_SETSIZE {
			panic("netloop: fd exceeds FD_SETSIZE")
		}
		if s.read != nil {
			p.readSet.Set(fd)
		}
		if s.write != nil {
			p.writeSet.Set(fd)
		}
		if fd > maxfd {
			maxfd = fd
		}
	}
	var tv *unix.Timeval
	if d := b.pollTimeout(); d >= 0 {
		v := unix.NsecToTimeval(int64(d))
		tv = &v
	}
	n, err := unix.Select(maxfd+1, &p.readSet, &p.writeSet, nil, tv)
	if err != nil && err != unix.EINTR {
		return err
	}
	if err == nil && n > 0 {
		for fd := 0; fd <= maxfd; fd++ {
			if p.readSet.IsSet(fd) {
				b.pushReady(fd, READ)
			}
			if p.writeSet.IsSet(fd) {
				b.pushReady(fd, WRITE)
			}
		}
	}
	b.refreshNow()
	b.dispatch()
	return nil
}

// Close implements the Poller interface. Select holds no kernel state.
func (p *Select) Close() error {
	return nil
}
