// Copyright (c) 2023 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd
// +build linux darwin dragonfly freebsd netbsd openbsd

package netloop

import (
	"time"

	"golang.org/x/sys/unix"
)

const defaultBacklog = 128

// Socket is the owning handle for one non-blocking IPv4 TCP file
// descriptor. Accept, Connect, ReadSome and WriteSome suspend the calling
// task and resume it when the descriptor is ready or the deadline fires;
// Bind and Listen are synchronous. After Close the socket holds fd -1 and
// rejects every operation with ErrClosedSocket.
type Socket struct {
	fd     int
	addr   Addr
	poller Poller
}

// NewSocket creates a non-blocking socket bound to the poller. For a
// server socket addr is the address to bind; for a client socket it is
// the address to connect to; for an accepted socket it is the peer.
func NewSocket(addr Addr, p Poller) (*Socket, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, sysError("socket", err)
	}
	if err := prepareFd(fd); err != nil {
		unix.Close(fd)
		return nil, sysError("socket", err)
	}
	return &Socket{fd: fd, addr: addr, poller: p}, nil
}

func prepareFd(fd int) error {
	if err := unix.SetNonblock(fd, true); err != nil {
		return err
	}
	unix.CloseOnExec(fd)
	return setNoSigpipe(fd)
}

// Addr returns the address the socket was constructed with: the bind or
// connect target, or the peer for an accepted socket.
func (s *Socket) Addr() Addr {
	return s.addr
}

// Bind binds to the held address.
func (s *Socket) Bind() error {
	if s.fd < 0 {
		return ErrClosedSocket
	}
	unix.SetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	if err := unix.Bind(s.fd, s.addr.Sockaddr()); err != nil {
		return sysError("bind", err)
	}
	return nil
}

// Listen marks the socket as accepting connections.
func (s *Socket) Listen() error {
	return s.listen(defaultBacklog)
}

func (s *Socket) listen(backlog int) error {
	if s.fd < 0 {
		return ErrClosedSocket
	}
	if err := unix.Listen(s.fd, backlog); err != nil {
		return sysError("listen", err)
	}
	return nil
}

// Accept suspends until a connection arrives and returns a fresh Socket
// owning the new descriptor, its Addr set to the peer address.
func (s *Socket) Accept() (*Socket, error) {
	return s.accept(time.Time{})
}

// AcceptDeadline is Accept bounded by an absolute deadline; it returns
// ErrTimeout when the deadline fires first.
func (s *Socket) AcceptDeadline(deadline time.Time) (*Socket, error) {
	return s.accept(deadline)
}

func (s *Socket) accept(deadline time.Time) (*Socket, error) {
	if s.fd < 0 {
		return nil, ErrClosedSocket
	}
	b := s.poller.base()
	for {
		if err := b.waitIO(s.fd, READ, deadline); err != nil {
			return nil, err
		}
		nfd, sa, err := unix.Accept(s.fd)
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return nil, sysError("accept", err)
		}
		if err := prepareFd(nfd); err != nil {
			unix.Close(nfd)
			return nil, sysError("accept", err)
		}
		var peer Addr
		if sa4, ok := sa.(*unix.SockaddrInet4); ok {
			peer = sockaddrToAddr(sa4)
		}
		return &Socket{fd: nfd, addr: peer, poller: s.poller}, nil
	}
}

// Connect initiates a non-blocking connect to the held address and
// suspends until the descriptor is writable, then inspects SO_ERROR.
func (s *Socket) Connect() error {
	return s.connect(time.Time{})
}

// ConnectDeadline is Connect bounded by an absolute deadline. On timeout
// the connect state of the socket is indeterminate; callers typically
// close it.
func (s *Socket) ConnectDeadline(deadline time.Time) error {
	return s.connect(deadline)
}

func (s *Socket) connect(deadline time.Time) error {
	if s.fd < 0 {
		return ErrClosedSocket
	}
	b := s.poller.base()
	err := unix.Connect(s.fd, s.addr.Sockaddr())
	if err == nil {
		return nil
	}
	if err != unix.EINPROGRESS && err != unix.EINTR {
		return sysError("connect", err)
	}
	if err := b.waitIO(s.fd, WRITE, deadline); err != nil {
		return err
	}
	soerr, err := unix.GetsockoptInt(s.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return sysError("connect", err)
	}
	if soerr != 0 {
		return &SystemError{Op: "connect", Errno: unix.Errno(soerr)}
	}
	return nil
}

// ReadSome suspends until the descriptor is readable, then performs one
// recv. A return of 0 with a nil error means the peer closed in an
// orderly fashion.
func (s *Socket) ReadSome(buf []byte) (int, error) {
	return s.readSome(buf, time.Time{})
}

// ReadSomeDeadline is ReadSome bounded by an absolute deadline.
func (s *Socket) ReadSomeDeadline(buf []byte, deadline time.Time) (int, error) {
	return s.readSome(buf, deadline)
}

func (s *Socket) readSome(buf []byte, deadline time.Time) (int, error) {
	if s.fd < 0 {
		return 0, ErrClosedSocket
	}
	b := s.poller.base()
	for {
		if err := b.waitIO(s.fd, READ, deadline); err != nil {
			return 0, err
		}
		n, err := unix.Read(s.fd, buf)
		for err == unix.EINTR {
			n, err = unix.Read(s.fd, buf)
		}
		if err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return 0, sysError("read", err)
		}
		return n, nil
	}
}

// WriteSome suspends until the descriptor is writable, then performs one
// send. Partial writes are the caller's responsibility to loop over.
func (s *Socket) WriteSome(buf []byte) (int, error) {
	return s.writeSome(buf, time.Time{})
}

// WriteSomeDeadline is WriteSome bounded by an absolute deadline.
func (s *Socket) WriteSomeDeadline(buf []byte, deadline time.Time) (int, error) {
	return s.writeSome(buf, deadline)
}

func (s *Socket) writeSome(buf []byte, deadline time.Time) (int, error) {
	if s.fd < 0 {
		return 0, ErrClosedSocket
	}
	b := s.poller.base()
	for {
		if err := b.waitIO(s.fd, WRITE, deadline); err != nil {
			return 0, err
		}
		n, err := sendSome(s.fd, buf)
		for err == unix.EINTR {
			n, err = sendSome(s.fd, buf)
		}
		if err == unix.EAGAIN {
			continue
		}
		if err != nil {
			return 0, sysError("write", err)
		}
		return n, nil
	}
}

// Close unregisters the descriptor from the poller before closing it, so
// a reused fd number cannot receive stale events. Tasks still parked on
// the socket are woken with ErrClosedSocket. Close is idempotent.
func (s *Socket) Close() error {
	if s.fd < 0 {
		return nil
	}
	fd := s.fd
	s.fd = -1
	s.poller.base().removeFd(fd)
	if err := unix.Close(fd); err != nil {
		return sysError("close", err)
	}
	return nil
}
