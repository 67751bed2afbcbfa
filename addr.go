// Copyright (c) 2023 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd
// +build linux darwin dragonfly freebsd netbsd openbsd

package netloop

import (
	"errors"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

// ErrInvalidAddress is the error when the host is not a dotted-quad IPv4
// address or the port is out of range.
var ErrInvalidAddress = errors.New("invalid IPv4 address")

// Addr is an IPv4 socket address, immutable after construction.
type Addr struct {
	host string
	port int
	ip   [4]byte
}

// NewAddr parses host as a dotted-quad IPv4 address. An empty host means
// 0.0.0.0.
func NewAddr(host string, port int) (Addr, error) {
	if port < 0 || port > 0xFFFF {
		return Addr{}, ErrInvalidAddress
	}
	if host == "" {
		host = "0.0.0.0"
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return Addr{}, ErrInvalidAddress
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return Addr{}, ErrInvalidAddress
	}
	a := Addr{host: host, port: port}
	copy(a.ip[:], ip4)
	return a, nil
}

// Host returns the dotted-quad host.
func (a Addr) Host() string {
	return a.host
}

// Port returns the port.
func (a Addr) Port() int {
	return a.port
}

func (a Addr) String() string {
	return net.JoinHostPort(a.host, strconv.Itoa(a.port))
}

// Sockaddr lowers the address to the kernel sockaddr form used for
// binding and connecting.
func (a Addr) Sockaddr() *unix.SockaddrInet4 {
	sa := &unix.SockaddrInet4{Port: a.port}
	sa.Addr = a.ip
	return sa
}

// sockaddrToAddr is the reverse accessor, used to populate the peer
// address after accept.
func sockaddrToAddr(sa *unix.SockaddrInet4) Addr {
	return Addr{
		host: net.IP(sa.Addr[:]).String(),
		port: sa.Port,
		ip:   sa.Addr,
	}
}
