// Package clock provides an injectable time source so timer-driven behavior
// (debounce windows, staleness sweeps) can be tested deterministically.
package clock

import (
	"sync"
	"time"
)

// Timer is a cancellable scheduled callback.
type Timer interface {
	// Stop prevents the timer from firing. Returns false if it already fired.
	Stop() bool
}

// Clock abstracts wall-clock reads and timer scheduling.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	// AfterFunc schedules f to run after d on its own goroutine.
	AfterFunc(d time.Duration, f func()) Timer
}

// Real is a Clock backed by the standard library.
type Real struct{}

// New returns the real wall clock.
func New() *Real { return &Real{} }

func (Real) Now() time.Time                  { return time.Now() }
func (Real) Since(t time.Time) time.Duration { return time.Since(t) }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return realTimer{timer: time.AfterFunc(d, f)}
}

type realTimer struct {
	timer *time.Timer
}

func (t realTimer) Stop() bool { return t.timer.Stop() }

// Fake is a manually advanced Clock for tests. Timers fire synchronously
// from Advance, in deadline order.
type Fake struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *Fake
	deadline time.Time
	fn       func()
	stopped  bool
	fired    bool
}

// NewFake returns a fake clock starting at the given instant.
func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (c *Fake) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Fake) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *Fake) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), fn: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves the clock forward and fires every timer whose deadline passed,
// in deadline order. Callbacks run on the caller's goroutine.
func (c *Fake) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()

	for {
		t := c.nextDue()
		if t == nil {
			return
		}
		t.fn()
	}
}

// nextDue pops the earliest unfired timer at or before now, or nil.
func (c *Fake) nextDue() *fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next *fakeTimer
	for _, t := range c.timers {
		if t.stopped || t.fired || t.deadline.After(c.now) {
			continue
		}
		if next == nil || t.deadline.Before(next.deadline) {
			next = t
		}
	}
	if next != nil {
		next.fired = true
	}
	return next
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.fired {
		return false
	}
	t.stopped = true
	return true
}
