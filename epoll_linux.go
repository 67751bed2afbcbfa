// Copyright (c) 2023 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build linux
// +build linux

package netloop

import (
	"time"

	"golang.org/x/sys/unix"
)

// EPoll is the Linux epoll backend. The kernel-side interest set is kept
// in sync with the interest table by diffing against the last-submitted
// event mask per fd, choosing between EPOLL_CTL_ADD and EPOLL_CTL_MOD.
// Level-triggered mode is used so a partially consumed buffer does not
// get stuck.
type EPoll struct {
	pollerBase
	pfd    int
	events []unix.EpollEvent
	masks  map[int]uint32
}

// NewEPoll creates an epoll poller.
func NewEPoll() (*EPoll, error) {
	pfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	p := &EPoll{
		pfd:    pfd,
		events: make([]unix.EpollEvent, 1024),
		masks:  make(map[int]uint32),
	}
	p.init()
	p.detach = p.forget
	return p, nil
}

// forget drops the kernel registration and mask for fd. The delete may
// fail when the fd is already closed; the kernel has removed it then.
func (p *EPoll) forget(fd int) {
	if _, ok := p.masks[fd]; !ok {
		return
	}
	delete(p.masks, fd)
	unix.EpollCtl(p.pfd, unix.EPOLL_CTL_DEL, fd, nil)
}

// sync reconciles the kernel interest set with the interest table.
func (p *EPoll) sync() error {
	for fd := range p.masks {
		if _, ok := p.slots[fd]; !ok {
			p.forget(fd)
		}
	}
	for fd, s := range p.slots {
		var mask uint32
		if s.read != nil {
			mask |= unix.EPOLLIN | unix.EPOLLRDHUP
		}
		if s.write != nil {
			mask |= unix.EPOLLOUT
		}
		old, ok := p.masks[fd]
		if ok && old == mask {
			continue
		}
		op := unix.EPOLL_CTL_ADD
		if ok {
			op = unix.EPOLL_CTL_MOD
		}
		event := unix.EpollEvent{Fd: int32(fd), Events: mask}
		if err := unix.EpollCtl(p.pfd, op, fd, &event); err != nil {
			return err
		}
		p.masks[fd] = mask
	}
	return nil
}

// Step performs one poller iteration.
func (p *EPoll) Step() error {
	b := &p.pollerBase
	b.refreshNow()
	if err := p.sync(); err != nil {
		return err
	}
	msec := -1
	if d := b.pollTimeout(); d >= 0 {
		msec = int((d + time.Millisecond - 1) / time.Millisecond)
	}
	n, err := unix.EpollWait(p.pfd, p.events, msec)
	if err != nil && err != unix.EINTR {
		return err
	}
	if err == nil {
		for i := 0; i < n; i++ {
			event := &p.events[i]
			fd := int(event.Fd)
			if event.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				b.pushReady(fd, READ)
			}
			if event.Events&(unix.EPOLLOUT|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
				b.pushReady(fd, WRITE)
			}
		}
	}
	b.refreshNow()
	b.dispatch()
	return nil
}

// Close closes the epoll fd.
func (p *EPoll) Close() error {
	return unix.Close(p.pfd)
}
