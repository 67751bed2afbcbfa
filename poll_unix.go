// Copyright (c) 2023 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd
// +build linux darwin dragonfly freebsd netbsd openbsd

package netloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// Poll is the poll(2) backend. The pollfd array is rebuilt from the
// interest table on every step. Error and hangup conditions fan out to
// both direction slots so the waiting operation can observe the failure
// from its own syscall.
type Poll struct {
	pollerBase
	fds []unix.PollFd
}

// NewPoll creates a poll(2) poller.
func NewPoll() (*Poll, error) {
	p := &Poll{fds: make([]unix.PollFd, 0, 64)}
	p.init()
	return p, nil
}

// Step performs one poller iteration.
func (p *Poll) Step() error {
	b := &p.pollerBase
	b.refreshNow()
	p.fds = p.fds[:0]
	for fd, s := range b.slots {
		var events int16
		if s.read != nil {
			events |= unix.POLLIN
		}
		if s.write != nil {
			events |= unix.POLLOUT
		}
		p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: events})
	}
	msec := -1
	if d := b.pollTimeout(); d >= 0 {
		// round up so a pending deadline never busy-spins
		msec = int((d + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.Poll(p.fds, msec)
	if err != nil && err != unix.EINTR {
		return err
	}
	if err == nil && n > 0 {
		for i := range p.fds {
			revents := p.fds[i].Revents
			if revents == 0 {
				continue
			}
			fd := int(p.fds[i].Fd)
			if revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				b.pushReady(fd, READ)
			}
			if revents&(unix.POLLOUT|unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				b.pushReady(fd, WRITE)
			}
		}
	}
	b.refreshNow()
	b.dispatch()
	return nil
}

// Close implements the Poller interface. Poll holds no kernel state.
func (p *Poll) Close() error {
	return nil
}
