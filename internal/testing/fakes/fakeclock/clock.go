// Package fakeclock provides a controllable Clock implementation for testing.
package fakeclock

import (
	"sync"
	"time"

	"github.com/acolita/tuibridge/internal/ports"
)

// Clock is a fake clock that only moves when Advance is called.
type Clock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*waiter
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
	fn       func()
	stopped  bool
}

// New creates a new fake clock initialized to the given time.
func New(initial time.Time) *Clock {
	return &Clock{current: initial}
}

// Now returns the current fake time.
func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that fires once Advance moves the clock past d.
func (c *Clock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	c.schedule(&waiter{deadline: c.Now().Add(d), ch: ch})
	return ch
}

// AfterFunc runs f in a new goroutine once Advance moves the clock past d.
func (c *Clock) AfterFunc(d time.Duration, f func()) ports.Timer {
	w := &waiter{deadline: c.Now().Add(d), fn: f}
	c.schedule(w)
	return &timer{clock: c, w: w}
}

func (c *Clock) schedule(w *waiter) {
	c.mu.Lock()
	if !c.current.Before(w.deadline) {
		now := c.current
		c.mu.Unlock()
		fire(w, now)
		return
	}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
}

// Advance moves the clock forward by d, firing every waiter whose deadline passed.
func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	now := c.current

	var due, remaining []*waiter
	for _, w := range c.waiters {
		if w.stopped {
			continue
		}
		if !now.Before(w.deadline) {
			due = append(due, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.mu.Unlock()

	for _, w := range due {
		fire(w, now)
	}
}

// Pending returns the number of timers and After channels that have not fired.
func (c *Clock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.stopped {
			n++
		}
	}
	return n
}

func fire(w *waiter, now time.Time) {
	if w.fn != nil {
		go w.fn()
		return
	}
	select {
	case w.ch <- now:
	default:
	}
}

type timer struct {
	clock *Clock
	w     *waiter
}

// Stop cancels the timer. It reports whether the call stopped a pending timer.
func (t *timer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.w.stopped {
		return false
	}
	for _, w := range t.clock.waiters {
		if w == t.w {
			t.w.stopped = true
			return true
		}
	}
	return false
}

// Ensure Clock implements ports.Clock.
var _ ports.Clock = (*Clock)(nil)
