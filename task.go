// Copyright (c) 2023 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

package netloop

import (
	"github.com/google/uuid"
)

// Task is a detached suspendable computation. The body runs on its own
// goroutine, but control is handed off strictly between the loop and one
// task at a time, so task bodies never run concurrently with each other or
// with the loop.
type Task struct {
	id     uuid.UUID
	resume chan error
	yield  chan struct{}
	done   bool

	// registration mirror while suspended
	fd       int
	mode     Mode
	waiting  bool
	timerID  uint64
	hasTimer bool
}

// ID returns the identity assigned to the task at spawn.
func (t *Task) ID() uuid.UUID {
	return t.id
}

// Done reports whether the task body has returned.
func (t *Task) Done() bool {
	return t.done
}

// park hands control back to the scheduler and blocks until the condition
// the task registered for fires. The returned error is nil for readiness,
// ErrTimeout when the twin deadline won, and ErrClosedSocket when the fd
// was removed from the poller.
func (t *Task) park() error {
	t.yield <- struct{}{}
	return <-t.resume
}

// Spawn launches fn as a detached task and runs it up to its first
// suspension before returning. A panic escaping fn marks the task done and
// is discarded.
func (b *pollerBase) Spawn(fn func()) *Task {
	t := &Task{
		id:     uuid.New(),
		resume: make(chan error),
		yield:  make(chan struct{}),
		fd:     -1,
	}
	go func() {
		<-t.resume
		defer func() {
			if e := recover(); e != nil {
			}
			t.done = true
			t.yield <- struct{}{}
		}()
		fn()
	}()
	b.schedule(t, nil)
	return t
}

// schedule resumes t with err and blocks until t suspends again or
// returns. Nested scheduling (a task spawning or waking another task)
// saves and restores the current task.
func (b *pollerBase) schedule(t *Task, err error) {
	prev := b.current
	b.current = t
	t.resume <- err
	<-t.yield
	b.current = prev
}
