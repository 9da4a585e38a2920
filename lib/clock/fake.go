// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"sort"
	"sync"
	"time"
)

// Fake returns a FakeClock frozen at the given instant. Time moves
// only through Advance. All timer, ticker, and sleep operations
// register pending entries that fire when Advance crosses their
// deadline.
//
// FakeClock is safe for concurrent use.
func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.registered = sync.NewCond(&c.mu)
	return c
}

// FakeClock is the deterministic Clock used in tests. AfterFunc
// callbacks run synchronously inside Advance in deadline order, so
// callbacks must not call Sleep or Advance themselves.
type FakeClock struct {
	mu         sync.Mutex
	current    time.Time
	pending    []*pendingTimer
	registered *sync.Cond
}

// pendingTimer is one registered After/AfterFunc/Ticker/Sleep entry.
type pendingTimer struct {
	deadline time.Time

	// ch receives the fire time for After, Sleep, and Ticker entries;
	// nil for AfterFunc entries.
	ch chan time.Time

	// fn runs synchronously during Advance for AfterFunc entries; nil
	// otherwise.
	fn func()

	// every is non-zero for tickers: after firing, the entry is
	// rescheduled at deadline + every.
	every time.Duration

	// stopped entries are skipped during Advance and dropped.
	stopped bool

	// fired marks a one-shot entry that already fired, so overlapping
	// Advance calls cannot double-fire it.
	fired bool
}

// Now returns the current fake time.
func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// After returns a channel that receives once the clock advances past
// the deadline. If d <= 0 the channel receives immediately and no
// entry is registered.
func (c *FakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return ch
	}

	c.pending = append(c.pending, &pendingTimer{
		deadline: c.current.Add(d),
		ch:       ch,
	})
	c.registered.Broadcast()
	return ch
}

// AfterFunc schedules f after d. If d <= 0, f runs synchronously
// before AfterFunc returns.
func (c *FakeClock) AfterFunc(d time.Duration, f func()) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	if d <= 0 {
		c.mu.Unlock()
		f()
		c.mu.Lock()
		return &Timer{
			stop:  func() bool { return false },
			reset: func(time.Duration) bool { return false },
		}
	}

	entry := &pendingTimer{
		deadline: c.current.Add(d),
		fn:       f,
	}
	c.pending = append(c.pending, entry)
	c.registered.Broadcast()

	return &Timer{
		stop: func() bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			if entry.stopped || entry.fired {
				return false
			}
			entry.stopped = true
			return true
		},
		reset: func(d time.Duration) bool {
			c.mu.Lock()
			defer c.mu.Unlock()
			wasActive := !entry.stopped && !entry.fired
			entry.stopped = false
			entry.fired = false
			entry.deadline = c.current.Add(d)
			// A fired entry was removed from the pending list; re-add.
			if !wasActive {
				c.pending = append(c.pending, entry)
				c.registered.Broadcast()
			}
			return wasActive
		},
	}
}

// NewTicker returns a Ticker firing every d. Panics if d <= 0.
func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	entry := &pendingTimer{
		deadline: c.current.Add(d),
		ch:       ch,
		every:    d,
	}
	c.pending = append(c.pending, entry)
	c.registered.Broadcast()

	return &Ticker{
		C: ch,
		stop: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.stopped = true
		},
		reset: func(d time.Duration) {
			c.mu.Lock()
			defer c.mu.Unlock()
			entry.every = d
			entry.deadline = c.current.Add(d)
			entry.stopped = false
		},
	}
}

// Sleep blocks the calling goroutine until the clock advances past
// the deadline. Returns immediately for d <= 0.
func (c *FakeClock) Sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	<-c.After(d)
}

// Advance moves the clock forward by d and fires every entry whose
// deadline falls within the new time, in deadline order. Channel
// sends are non-blocking (a full ticker channel drops the tick,
// matching time.Ticker); AfterFunc callbacks run in the calling
// goroutine. A tick-per-interval is delivered when the advance spans
// multiple ticker intervals, subject to the capacity-1 drop rule.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.current = c.current.Add(d)
	target := c.current
	c.mu.Unlock()

	for {
		due := c.takeDue(target)
		if len(due) == 0 {
			return
		}

		sort.Slice(due, func(i, j int) bool {
			return due[i].deadline.Before(due[j].deadline)
		})

		for _, entry := range due {
			if entry.fn != nil {
				entry.fn()
			} else if entry.ch != nil {
				select {
				case entry.ch <- target:
				default:
				}
			}
		}
	}
}

// takeDue removes due entries from the pending list, reschedules
// tickers, and returns what should fire. Acquires c.mu internally.
func (c *FakeClock) takeDue(target time.Time) []*pendingTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var due []*pendingTimer
	var keep []*pendingTimer

	for _, entry := range c.pending {
		if entry.stopped {
			continue
		}
		if !entry.deadline.After(target) {
			due = append(due, entry)
		} else {
			keep = append(keep, entry)
		}
	}

	for _, entry := range due {
		if entry.every > 0 {
			entry.deadline = entry.deadline.Add(entry.every)
			keep = append(keep, entry)
		} else {
			entry.fired = true
		}
	}

	c.pending = keep
	return due
}

// WaitForTimers blocks until at least n entries are pending. Tests
// use this after spawning goroutines that register timers, so that a
// following Advance deterministically fires them.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.activeLocked() < n {
		c.registered.Wait()
	}
}

// PendingCount returns the number of active pending entries.
func (c *FakeClock) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

func (c *FakeClock) activeLocked() int {
	n := 0
	for _, entry := range c.pending {
		if !entry.stopped {
			n++
		}
	}
	return n
}
