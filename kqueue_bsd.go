// Copyright (c) 2023 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build darwin || dragonfly || freebsd || netbsd || openbsd
// +build darwin dragonfly freebsd netbsd openbsd

package netloop

import (
	"golang.org/x/sys/unix"
)

// Kqueue is the BSD backend, the epoll twin for platforms without epoll.
// Read and write interests map to EVFILT_READ/EVFILT_WRITE filter pairs
// diffed against the last-submitted state per fd.
type Kqueue struct {
	pollerBase
	kfd     int
	events  []unix.Kevent_t
	changes []unix.Kevent_t
	filters map[int]Mode
}

// NewKqueue creates a kqueue poller.
func NewKqueue() (*Kqueue, error) {
	kfd, err := unix.Kqueue()
	if err != nil {
		return nil, err
	}
	p := &Kqueue{
		kfd:     kfd,
		events:  make([]unix.Kevent_t, 1024),
		filters: make(map[int]Mode),
	}
	p.init()
	p.detach = p.forget
	return p, nil
}

func (p *Kqueue) forget(fd int) {
	mode, ok := p.filters[fd]
	if !ok {
		return
	}
	delete(p.filters, fd)
	var changes [2]unix.Kevent_t
	n := 0
	if mode&READ != 0 {
		unix.SetKevent(&changes[n], fd, unix.EVFILT_READ, unix.EV_DELETE)
		n++
	}
	if mode&WRITE != 0 {
		unix.SetKevent(&changes[n], fd, unix.EVFILT_WRITE, unix.EV_DELETE)
		n++
	}
	// fails when the fd is already closed; the kernel has removed it then
	unix.Kevent(p.kfd, changes[:n], nil, nil)
}

// sync reconciles the kernel filter set with the interest table.
func (p *Kqueue) sync() error {
	p.changes = p.changes[:0]
	for fd, mode := range p.filters {
		s, ok := p.slots[fd]
		var want Mode
		if ok {
			if s.read != nil {
				want |= READ
			}
			if s.write != nil {
				want |= WRITE
			}
		}
		if mode&READ != 0 && want&READ == 0 {
			var kev unix.Kevent_t
			unix.SetKevent(&kev, fd, unix.EVFILT_READ, unix.EV_DELETE)
			p.changes = append(p.changes, kev)
		}
		if mode&WRITE != 0 && want&WRITE == 0 {
			var kev unix.Kevent_t
			unix.SetKevent(&kev, fd, unix.EVFILT_WRITE, unix.EV_DELETE)
			p.changes = append(p.changes, kev)
		}
		if want == 0 {
			delete(p.filters, fd)
		} else {
			p.filters[fd] = want
		}
	}
	for fd, s := range p.slots {
		mode := p.filters[fd]
		if s.read != nil && mode&READ == 0 {
			var kev unix.Kevent_t
			unix.SetKevent(&kev, fd, unix.EVFILT_READ, unix.EV_ADD)
			p.changes = append(p.changes, kev)
			mode |= READ
		}
		if s.write != nil && mode&WRITE == 0 {
			var kev unix.Kevent_t
			unix.SetKevent(&kev, fd, unix.EVFILT_WRITE, unix.EV_ADD)
			p.changes = append(p.changes, kev)
			mode |= WRITE
		}
		if mode != 0 {
			p.filters[fd] = mode
		}
	}
	if len(p.changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.kfd, p.changes, nil, nil)
	return err
}

// Step performs one poller iteration.
func (p *Kqueue) Step() error {
	b := &p.pollerBase
	b.refreshNow()
	if err := p.sync(); err != nil {
		return err
	}
	var ts *unix.Timespec
	if d := b.pollTimeout(); d >= 0 {
		v := unix.NsecToTimespec(int64(d))
		ts = &v
	}
	n, err := unix.Kevent(p.kfd, nil, p.events, ts)
	if err != nil && err != unix.EINTR {
		return err
	}
	if err == nil {
		for i := 0; i < n; i++ {
			event := &p.events[i]
			fd := int(event.Ident)
			switch event.Filter {
			case unix.EVFILT_READ:
				b.pushReady(fd, READ)
			case unix.EVFILT_WRITE:
				b.pushReady(fd, WRITE)
			}
		}
	}
	b.refreshNow()
	b.dispatch()
	return nil
}

// Close closes the kqueue fd.
func (p *Kqueue) Close() error {
	return unix.Close(p.kfd)
}
