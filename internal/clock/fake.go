package clock

import (
	"sync"
	"time"
)

// FakeClock is a deterministic Clock. Time only moves on Advance, and
// callbacks run synchronously on the goroutine calling Advance.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	seq     uint64
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	seq      uint64
	callback func()
	stopped  bool
	fired    bool
}

// Fake returns a FakeClock starting at initial.
func Fake(initial time.Time) *FakeClock {
	return &FakeClock{current: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	waiter := &fakeWaiter{callback: f}
	c.scheduleLocked(waiter, d)
	c.mu.Unlock()

	return &Timer{
		stopFunc: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if waiter.stopped || waiter.fired {
				return false
			}
			waiter.stopped = true
			c.removeLocked(waiter)
			return true
		},
		resetFunc: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := !waiter.stopped && !waiter.fired
			if wasActive {
				c.removeLocked(waiter)
			}
			waiter.stopped = false
			waiter.fired = false
			c.scheduleLocked(waiter, d)
			return wasActive
		},
	}
}

func (c *FakeClock) scheduleLocked(waiter *fakeWaiter, d time.Duration) {
	if d < 0 {
		d = 0
	}
	c.seq++
	waiter.seq = c.seq
	waiter.deadline = c.current.Add(d)
	c.waiters = append(c.waiters, waiter)
}

func (c *FakeClock) removeLocked(waiter *fakeWaiter) {
	for i, w := range c.waiters {
		if w == waiter {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Advance moves time forward by d, firing due callbacks in deadline order.
// Now() reports each callback's own deadline while it runs, so timers
// scheduled from inside a callback fire within the same Advance when due.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.current.Add(d)
	c.mu.Unlock()

	for {
		waiter := c.nextDue(target)
		if waiter == nil {
			break
		}
		waiter.callback()
	}

	c.mu.Lock()
	if target.After(c.current) {
		c.current = target
	}
	c.mu.Unlock()
}

// Set jumps to t, firing everything due on the way.
func (c *FakeClock) Set(t time.Time) {
	c.Advance(t.Sub(c.Now()))
}

func (c *FakeClock) nextDue(target time.Time) *fakeWaiter {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next *fakeWaiter
	for _, w := range c.waiters {
		if w.deadline.After(target) {
			continue
		}
		if next == nil || w.deadline.Before(next.deadline) ||
			(w.deadline.Equal(next.deadline) && w.seq < next.seq) {
			next = w
		}
	}
	if next == nil {
		return nil
	}
	c.removeLocked(next)
	next.fired = true
	if next.deadline.After(c.current) {
		c.current = next.deadline
	}
	return next
}

// PendingCount returns the number of scheduled callbacks that have not
// fired or been stopped.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}
