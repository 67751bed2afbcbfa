// Copyright (c) 2023 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

//go:build linux || darwin || dragonfly || freebsd || netbsd || openbsd
// +build linux darwin dragonfly freebsd netbsd openbsd

package netloop

import (
	"bytes"
	"errors"
	"syscall"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func TestListen(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend.name, func(t *testing.T) {
			p, err := backend.open()
			if err != nil {
				t.Fatal(err)
			}
			defer p.Close()
			socket, err := NewSocket(mustAddr(t, "127.0.0.1", nextPort()), p)
			if err != nil {
				t.Fatal(err)
			}
			defer socket.Close()
			if err := socket.Bind(); err != nil {
				t.Fatal(err)
			}
			if err := socket.Listen(); err != nil {
				t.Fatal(err)
			}
		})
	}
}

func TestBindInUse(t *testing.T) {
	p, err := NewDefaultPoller()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	addr := mustAddr(t, "127.0.0.1", nextPort())
	first, err := NewSocket(addr, p)
	if err != nil {
		t.Fatal(err)
	}
	defer first.Close()
	if err := first.Bind(); err != nil {
		t.Fatal(err)
	}
	if err := first.Listen(); err != nil {
		t.Fatal(err)
	}
	second, err := NewSocket(addr, p)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	err = second.Bind()
	if err == nil {
		err = second.Listen()
	}
	var se *SystemError
	if !errors.As(err, &se) || se.Errno != unix.EADDRINUSE {
		t.Error("expected EADDRINUSE:", err)
	}
}

func TestAccept(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend.name, func(t *testing.T) {
			p, err := backend.open()
			if err != nil {
				t.Fatal(err)
			}
			defer p.Close()
			addr := mustAddr(t, "127.0.0.1", nextPort())
			server, err := NewSocket(addr, p)
			if err != nil {
				t.Fatal(err)
			}
			defer server.Close()
			if err := server.Bind(); err != nil {
				t.Fatal(err)
			}
			if err := server.Listen(); err != nil {
				t.Fatal(err)
			}

			var accepted *Socket
			h2 := p.Spawn(func() {
				client, err := server.Accept()
				if err != nil {
					t.Error(err)
					return
				}
				accepted = client
			})
			h1 := p.Spawn(func() {
				client, err := NewSocket(addr, p)
				if err != nil {
					t.Error(err)
					return
				}
				defer client.Close()
				if err := client.Connect(); err != nil {
					t.Error(err)
				}
			})
			drive(t, p, h1, h2)

			if accepted == nil {
				t.Fatal("no connection accepted")
			}
			defer accepted.Close()
			if accepted.Addr().Sockaddr().Addr != server.Addr().Sockaddr().Addr {
				t.Error("peer address mismatch:", accepted.Addr(), server.Addr())
			}
		})
	}
}

// writeFull loops WriteSome over partial writes.
func writeFull(s *Socket, buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := s.WriteSome(buf[off:])
		if err != nil {
			return err
		}
		off += n
	}
	return nil
}

// readFull loops ReadSome until want bytes arrived or the peer closed.
func readFull(s *Socket, buf []byte, want int) (int, error) {
	total := 0
	for total < want {
		n, err := s.ReadSome(buf[total:])
		if err != nil || n == 0 {
			return total, err
		}
		total += n
	}
	return total, nil
}

func TestWriteAfterConnect(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend.name, func(t *testing.T) {
			p, err := backend.open()
			if err != nil {
				t.Fatal(err)
			}
			defer p.Close()
			addr := mustAddr(t, "127.0.0.1", nextPort())
			server, err := NewSocket(addr, p)
			if err != nil {
				t.Fatal(err)
			}
			defer server.Close()
			if err := server.Bind(); err != nil {
				t.Fatal(err)
			}
			if err := server.Listen(); err != nil {
				t.Fatal(err)
			}

			sendBuf := make([]byte, 128)
			copy(sendBuf, "Hello")
			rcvBuf := make([]byte, 128)

			h1 := p.Spawn(func() {
				client, err := NewSocket(addr, p)
				if err != nil {
					t.Error(err)
					return
				}
				defer client.Close()
				if err := client.Connect(); err != nil {
					t.Error(err)
					return
				}
				if err := writeFull(client, sendBuf); err != nil {
					t.Error(err)
				}
			})
			h2 := p.Spawn(func() {
				client, err := server.Accept()
				if err != nil {
					t.Error(err)
					return
				}
				defer client.Close()
				if _, err := readFull(client, rcvBuf, len(sendBuf)); err != nil {
					t.Error(err)
				}
			})
			drive(t, p, h1, h2)

			if !bytes.Equal(sendBuf, rcvBuf) {
				t.Error("payload mismatch")
			}
		})
	}
}

func TestWriteAfterAccept(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend.name, func(t *testing.T) {
			p, err := backend.open()
			if err != nil {
				t.Fatal(err)
			}
			defer p.Close()
			addr := mustAddr(t, "127.0.0.1", nextPort())
			server, err := NewSocket(addr, p)
			if err != nil {
				t.Fatal(err)
			}
			defer server.Close()
			if err := server.Bind(); err != nil {
				t.Fatal(err)
			}
			if err := server.Listen(); err != nil {
				t.Fatal(err)
			}

			sendBuf := make([]byte, 128)
			copy(sendBuf, "Hello")
			rcvBuf := make([]byte, 128)

			h1 := p.Spawn(func() {
				client, err := NewSocket(addr, p)
				if err != nil {
					t.Error(err)
					return
				}
				defer client.Close()
				if err := client.Connect(); err != nil {
					t.Error(err)
					return
				}
				if _, err := readFull(client, rcvBuf, len(sendBuf)); err != nil {
					t.Error(err)
				}
			})
			h2 := p.Spawn(func() {
				client, err := server.Accept()
				if err != nil {
					t.Error(err)
					return
				}
				defer client.Close()
				if err := writeFull(client, sendBuf); err != nil {
					t.Error(err)
				}
			})
			drive(t, p, h1, h2)

			if !bytes.Equal(sendBuf, rcvBuf) {
				t.Error("payload mismatch")
			}
		})
	}
}

func TestConnectionTimeout(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend.name, func(t *testing.T) {
			p, err := backend.open()
			if err != nil {
				t.Fatal(err)
			}
			defer p.Close()
			addr := mustAddr(t, "127.0.0.1", nextPort())
			server, err := NewSocket(addr, p)
			if err != nil {
				t.Fatal(err)
			}
			defer server.Close()
			if err := server.Bind(); err != nil {
				t.Fatal(err)
			}
			// a zero backlog that is never accepted from saturates after
			// the first connection, so later handshakes cannot complete
			if err := server.listen(0); err != nil {
				t.Fatal(err)
			}

			timeouts := 0
			var tasks []*Task
			for i := 0; i < 4; i++ {
				tasks = append(tasks, p.Spawn(func() {
					client, err := NewSocket(addr, p)
					if err != nil {
						t.Error(err)
						return
					}
					defer client.Close()
					start := time.Now()
					err = client.ConnectDeadline(start.Add(150 * time.Millisecond))
					if err == ErrTimeout {
						if time.Since(start) < 150*time.Millisecond {
							t.Error("timeout fired early")
						}
						timeouts++
					}
				}))
			}
			drive(t, p, tasks...)

			if timeouts == 0 {
				t.Error("expected at least one connect timeout")
			}
		})
	}
}

func TestConnectionRefusedOnWrite(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend.name, func(t *testing.T) {
			p, err := backend.open()
			if err != nil {
				t.Fatal(err)
			}
			defer p.Close()
			addr := mustAddr(t, "127.0.0.1", nextPort())

			var errno syscall.Errno
			h := p.Spawn(func() {
				client, err := NewSocket(addr, p)
				if err != nil {
					t.Error(err)
					return
				}
				defer client.Close()
				opErr := client.Connect()
				if opErr == nil {
					_, opErr = client.WriteSome([]byte("test"))
				}
				var se *SystemError
				if errors.As(opErr, &se) {
					errno = se.Errno
				}
			})
			drive(t, p, h)

			// EPIPE where the platform masks the refusal until write
			if errno != unix.ECONNREFUSED && errno != unix.EPIPE {
				t.Error("unexpected errno:", errno)
			}
		})
	}
}

func TestConnectionRefusedOnRead(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend.name, func(t *testing.T) {
			p, err := backend.open()
			if err != nil {
				t.Fatal(err)
			}
			defer p.Close()
			addr := mustAddr(t, "127.0.0.1", nextPort())

			var errno syscall.Errno
			h := p.Spawn(func() {
				client, err := NewSocket(addr, p)
				if err != nil {
					t.Error(err)
					return
				}
				defer client.Close()
				opErr := client.Connect()
				if opErr == nil {
					buf := make([]byte, 4)
					_, opErr = client.ReadSome(buf)
				}
				var se *SystemError
				if errors.As(opErr, &se) {
					errno = se.Errno
				}
			})
			drive(t, p, h)

			if errno != unix.ECONNREFUSED {
				t.Error("unexpected errno:", errno)
			}
		})
	}
}

// A deadline-bounded read that completes via readiness must cancel its
// twin timer: a stale timer firing later would cut the following sleep
// short, which is what this test watches for.
func TestNoDoubleResume(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend.name, func(t *testing.T) {
			p, err := backend.open()
			if err != nil {
				t.Fatal(err)
			}
			defer p.Close()
			addr := mustAddr(t, "127.0.0.1", nextPort())
			server, err := NewSocket(addr, p)
			if err != nil {
				t.Fatal(err)
			}
			defer server.Close()
			if err := server.Bind(); err != nil {
				t.Fatal(err)
			}
			if err := server.Listen(); err != nil {
				t.Fatal(err)
			}

			h2 := p.Spawn(func() {
				client, err := server.Accept()
				if err != nil {
					t.Error(err)
					return
				}
				defer client.Close()
				if err := writeFull(client, []byte("x")); err != nil {
					t.Error(err)
				}
			})
			h1 := p.Spawn(func() {
				client, err := NewSocket(addr, p)
				if err != nil {
					t.Error(err)
					return
				}
				defer client.Close()
				if err := client.Connect(); err != nil {
					t.Error(err)
					return
				}
				buf := make([]byte, 1)
				n, err := client.ReadSomeDeadline(buf, time.Now().Add(200*time.Millisecond))
				if err != nil || n != 1 {
					t.Error(n, err)
					return
				}
				start := time.Now()
				if err := p.Sleep(300 * time.Millisecond); err != nil {
					t.Error(err)
				}
				if time.Since(start) < 300*time.Millisecond {
					t.Error("sleep cut short by a stale deadline")
				}
			})
			drive(t, p, h1, h2)
		})
	}
}

func TestReadDeadline(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend.name, func(t *testing.T) {
			p, err := backend.open()
			if err != nil {
				t.Fatal(err)
			}
			defer p.Close()
			addr := mustAddr(t, "127.0.0.1", nextPort())
			server, err := NewSocket(addr, p)
			if err != nil {
				t.Fatal(err)
			}
			defer server.Close()
			if err := server.Bind(); err != nil {
				t.Fatal(err)
			}
			if err := server.Listen(); err != nil {
				t.Fatal(err)
			}

			var accepted *Socket
			h2 := p.Spawn(func() {
				accepted, err = server.Accept()
				if err != nil {
					t.Error(err)
				}
			})
			h1 := p.Spawn(func() {
				client, err := NewSocket(addr, p)
				if err != nil {
					t.Error(err)
					return
				}
				defer client.Close()
				if err := client.Connect(); err != nil {
					t.Error(err)
					return
				}
				// the peer never writes, so only the deadline can fire
				buf := make([]byte, 1)
				start := time.Now()
				_, err = client.ReadSomeDeadline(buf, start.Add(100*time.Millisecond))
				if err != ErrTimeout {
					t.Error("expected ErrTimeout:", err)
				}
				if time.Since(start) < 100*time.Millisecond {
					t.Error("deadline fired early")
				}
			})
			drive(t, p, h1, h2)
			if accepted != nil {
				accepted.Close()
			}
		})
	}
}

func TestClosedSocket(t *testing.T) {
	p, err := NewDefaultPoller()
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()
	socket, err := NewSocket(mustAddr(t, "127.0.0.1", nextPort()), p)
	if err != nil {
		t.Fatal(err)
	}
	if err := socket.Close(); err != nil {
		t.Fatal(err)
	}
	if err := socket.Close(); err != nil {
		t.Error("Close should be idempotent:", err)
	}
	if err := socket.Bind(); err != ErrClosedSocket {
		t.Error(err)
	}
	if err := socket.Listen(); err != ErrClosedSocket {
		t.Error(err)
	}
	if err := socket.Connect(); err != ErrClosedSocket {
		t.Error(err)
	}
	if _, err := socket.Accept(); err != ErrClosedSocket {
		t.Error(err)
	}
	if _, err := socket.ReadSome(make([]byte, 1)); err != ErrClosedSocket {
		t.Error(err)
	}
	if _, err := socket.WriteSome(make([]byte, 1)); err != ErrClosedSocket {
		t.Error(err)
	}
}

func TestCloseWakesWaiter(t *testing.T) {
	for _, backend := range testBackends {
		t.Run(backend.name, func(t *testing.T) {
			p, err := backend.open()
			if err != nil {
				t.Fatal(err)
			}
			defer p.Close()
			addr := mustAddr(t, "127.0.0.1", nextPort())
			server, err := NewSocket(addr, p)
			if err != nil {
				t.Fatal(err)
			}
			if err := server.Bind(); err != nil {
				t.Fatal(err)
			}
			if err := server.Listen(); err != nil {
				t.Fatal(err)
			}

			var acceptErr error
			task := p.Spawn(func() {
				_, acceptErr = server.Accept()
			})
			if task.Done() {
				t.Fatal("accept should be suspended")
			}
			if err := server.Close(); err != nil {
				t.Fatal(err)
			}
			if !task.Done() {
				t.Fatal("closing the socket should wake the waiter")
			}
			if acceptErr != ErrClosedSocket {
				t.Error(acceptErr)
			}
		})
	}
}
