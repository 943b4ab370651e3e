package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. AfterFunc callbacks run
// synchronously inside Advance in deadline order; they may schedule new
// timers but must not call Advance themselves.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	seq     int
	waiters []*fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	seq      int
	ch       chan time.Time
	fn       func()
	stopped  bool
	fired    bool
}

func Fake(initial time.Time) *FakeClock {
	return &FakeClock{now: initial}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.now
		return ch
	}
	c.add(&fakeWaiter{deadline: c.now.Add(d), ch: ch})
	return ch
}

func (c *FakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	w := &fakeWaiter{deadline: c.now.Add(d), fn: f}
	c.add(w)
	c.mu.Unlock()
	return &fakeTimer{clock: c, w: w}
}

func (c *FakeClock) add(w *fakeWaiter) {
	c.seq++
	w.seq = c.seq
	c.waiters = append(c.waiters, w)
}

// Advance moves time forward by d and fires everything due, including
// timers scheduled by callbacks that fall inside the window.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		w := c.nextDue(target)
		if w == nil {
			c.now = target
			c.prune()
			c.mu.Unlock()
			return
		}
		w.fired = true
		if w.deadline.After(c.now) {
			c.now = w.deadline
		}
		now := c.now
		c.mu.Unlock()

		if w.fn != nil {
			w.fn()
		} else {
			select {
			case w.ch <- now:
			default:
			}
		}
	}
}

func (c *FakeClock) nextDue(target time.Time) *fakeWaiter {
	sort.SliceStable(c.waiters, func(i, j int) bool {
		if c.waiters[i].deadline.Equal(c.waiters[j].deadline) {
			return c.waiters[i].seq < c.waiters[j].seq
		}
		return c.waiters[i].deadline.Before(c.waiters[j].deadline)
	})
	for _, w := range c.waiters {
		if w.stopped || w.fired {
			continue
		}
		if !w.deadline.After(target) {
			return w
		}
		return nil
	}
	return nil
}

func (c *FakeClock) prune() {
	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			kept = append(kept, w)
		}
	}
	c.waiters = kept
}

// Pending counts timers that have neither fired nor been stopped.
func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, w := range c.waiters {
		if !w.stopped && !w.fired {
			n++
		}
	}
	return n
}

type fakeTimer struct {
	clock *FakeClock
	w     *fakeWaiter
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.w.stopped || t.w.fired {
		return false
	}
	t.w.stopped = true
	return true
}
