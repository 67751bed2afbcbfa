// Copyright (c) 2023 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

package netloop

import (
	"time"

	"github.com/eapache/queue"
)

// Poller batches kernel readiness notifications and timer expirations into
// task resumptions. The backends (Select, Poll, EPoll, Kqueue) expose
// identical semantics; only the kernel interface differs.
type Poller interface {
	// Spawn launches a detached task and runs it to its first suspension.
	Spawn(fn func()) *Task
	// Sleep suspends the current task for at least d.
	Sleep(d time.Duration) error
	// Now is the monotonic timestamp cached for the current step.
	Now() time.Time
	// Step blocks in the kernel at most until the nearest deadline, then
	// resumes every task whose condition fired, each exactly once.
	Step() error
	// Close releases the backend's kernel resources.
	Close() error

	base() *pollerBase
}

// slot holds the waiters registered for one file descriptor, at most one
// per direction.
type slot struct {
	read  *Task
	write *Task
}

// pollerBase is the backend-independent poller state: the interest table,
// the timer queue, the per-step ready queue and the cached clock.
type pollerBase struct {
	slots     map[int]*slot
	timers    timerQueue
	timerByID map[uint64]*timer
	timerSeq  uint64
	ready     *queue.Queue
	now       time.Time
	current   *Task

	// detach is set by backends that keep kernel-side state per fd; it is
	// invoked when an fd leaves the interest table so a reused fd number
	// cannot inherit stale registrations.
	detach func(fd int)
}

func (b *pollerBase) init() {
	b.slots = make(map[int]*slot)
	b.timerByID = make(map[uint64]*timer)
	b.ready = queue.New()
}

func (b *pollerBase) base() *pollerBase { return b }

// Now returns the timestamp cached at the current step.
func (b *pollerBase) Now() time.Time {
	if b.now.IsZero() {
		return time.Now()
	}
	return b.now
}

func (b *pollerBase) refreshNow() {
	b.now = time.Now()
}

// addRead registers t for readability of fd. The slot must be empty.
func (b *pollerBase) addRead(fd int, t *Task) {
	s := b.slots[fd]
	if s == nil {
		s = &slot{}
		b.slots[fd] = s
	}
	if s.read != nil {
		panic("netloop: read interest already registered for this fd")
	}
	s.read = t
}

// addWrite registers t for writability of fd. The slot must be empty.
func (b *pollerBase) addWrite(fd int, t *Task) {
	s := b.slots[fd]
	if s == nil {
		s = &slot{}
		b.slots[fd] = s
	}
	if s.write != nil {
		panic("netloop: write interest already registered for this fd")
	}
	s.write = t
}

// clearWaiter drops t's interest registration, removing the fd entry when
// both directions are empty.
func (b *pollerBase) clearWaiter(t *Task) {
	s := b.slots[t.fd]
	if s == nil {
		return
	}
	if t.mode == WRITE {
		if s.write == t {
			s.write = nil
		}
	} else {
		if s.read == t {
			s.read = nil
		}
	}
	if s.read == nil && s.write == nil {
		delete(b.slots, t.fd)
	}
}

// removeFd drops both direction slots for fd. Waiters still parked on the
// fd are woken with ErrClosedSocket, their twin timers canceled, so a
// socket torn down mid-operation cannot strand a task.
func (b *pollerBase) removeFd(fd int) {
	s := b.slots[fd]
	delete(b.slots, fd)
	if b.detach != nil {
		b.detach(fd)
	}
	if s == nil {
		return
	}
	for _, t := range [2]*Task{s.read, s.write} {
		if t == nil {
			continue
		}
		t.waiting = false
		if t.hasTimer {
			b.cancelTimer(t.timerID)
			t.hasTimer = false
		}
		b.schedule(t, ErrClosedSocket)
	}
}

// waitIO registers the current task for (fd, mode), arms the twin deadline
// timer when one is supplied, and parks. It returns nil when the fd became
// ready, ErrTimeout when the deadline won, and ErrClosedSocket when
// removeFd dropped the fd; in every case both registrations are gone
// before user code continues.
func (b *pollerBase) waitIO(fd int, mode Mode, deadline time.Time) error {
	t := b.current
	if t == nil {
		panic("netloop: blocking operation outside of a task")
	}
	if mode == WRITE {
		b.addWrite(fd, t)
	} else {
		b.addRead(fd, t)
	}
	t.fd, t.mode, t.waiting = fd, mode, true
	if !deadline.IsZero() {
		t.timerID = b.addTimer(deadline, t)
		t.hasTimer = true
	}
	return t.park()
}

// Sleep suspends the current task for at least d. The deadline is taken
// from the real clock, not the step cache, so a sleep can never end early
// relative to the caller's own reading of time.
func (b *pollerBase) Sleep(d time.Duration) error {
	t := b.current
	if t == nil {
		panic("netloop: Sleep outside of a task")
	}
	t.timerID = b.addTimer(time.Now().Add(d), t)
	t.hasTimer = true
	return t.park()
}

// pollTimeout computes how long the backend may block in the kernel:
// the time to the nearest deadline, -1 (indefinitely) with live interests
// but no timers, or 0 when the poller is idle.
func (b *pollerBase) pollTimeout() time.Duration {
	if next, ok := b.nextDeadline(); ok {
		d := next.Sub(b.now)
		if d < 0 {
			return 0
		}
		return d
	}
	if len(b.slots) > 0 {
		return -1
	}
	return 0
}

func (b *pollerBase) pushReady(fd int, mode Mode) {
	b.ready.Add(PollEvent{Fd: fd, Mode: mode})
}

// dispatch resumes every waiter whose condition fired in this step:
// expired timers first, then ready fds. Each resumption cancels the twin
// registration before user code runs, and a waiter already woken by its
// deadline no longer occupies its slot, so it cannot be resumed again by
// a readiness event from the same step.
func (b *pollerBase) dispatch() {
	for _, tm := range b.expiredTimers(b.now) {
		if tm.canceled {
			continue
		}
		delete(b.timerByID, tm.id)
		t := tm.task
		t.hasTimer = false
		var err error
		if t.waiting {
			b.clearWaiter(t)
			t.waiting = false
			err = ErrTimeout
		}
		b.schedule(t, err)
	}
	for b.ready.Length() > 0 {
		ev := b.ready.Remove().(PollEvent)
		s := b.slots[ev.Fd]
		if s == nil {
			continue
		}
		var t *Task
		if ev.Mode == WRITE {
			t = s.write
		} else {
			t = s.read
		}
		if t == nil {
			continue
		}
		b.clearWaiter(t)
		t.waiting = false
		if t.hasTimer {
			b.cancelTimer(t.timerID)
			t.hasTimer = false
		}
		b.schedule(t, nil)
	}
}
