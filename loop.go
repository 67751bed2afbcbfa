// Copyright (c) 2023 Meng Huang (mhboy@outlook.com)
// This package is licensed under a MIT license that can be found in the LICENSE file.

package netloop

// Loop drives a poller one step at a time. Step is the unit used by
// tests; Run steps until the poller fails.
type Loop struct {
	poller Poller
}

// NewLoop creates a loop around the given poller.
func NewLoop(p Poller) *Loop {
	return &Loop{poller: p}
}

// NewDefaultLoop creates a loop around the platform's preferred poller.
func NewDefaultLoop() (*Loop, error) {
	p, err := NewDefaultPoller()
	if err != nil {
		return nil, err
	}
	return &Loop{poller: p}, nil
}

// Poller returns the poller the loop drives.
func (l *Loop) Poller() Poller {
	return l.poller
}

// Spawn launches a detached task on the loop's poller.
func (l *Loop) Spawn(fn func()) *Task {
	return l.poller.Spawn(fn)
}

// Step performs one iteration: block in the kernel at most until the
// nearest deadline, then resume every task whose condition fired.
func (l *Loop) Step() error {
	return l.poller.Step()
}

// Run steps until the poller returns an error.
func (l *Loop) Run() error {
	for {
		if err := l.poller.Step(); err != nil {
			return err
		}
	}
}

// Close releases the poller.
func (l *Loop) Close() error {
	return l.poller.Close()
}
