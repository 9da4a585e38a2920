// Copyright 2026 The Gleaner Authors
// SPDX-License-Identifier: Apache-2.0

package quotasync

import (
	"fmt"
	"sync"
	"time"

	"github.com/gleaner-foundation/gleaner/lib/clock"
	"github.com/gleaner-foundation/gleaner/lib/cron"
)

// Trigger delivers the scheduler's cycle ticks. The scheduler never
// knows whether ticks come from a fixed interval or a cron schedule.
type Trigger interface {
	// C is the tick channel. A tick arriving while the receiver is
	// busy is dropped, matching time.Ticker.
	C() <-chan time.Time

	// Stop releases the trigger. C is not closed.
	Stop()
}

// NewTrigger builds the trigger the sync configuration asks for: a
// cron schedule when one is set, the fixed interval otherwise.
func NewTrigger(clk clock.Clock, interval time.Duration, schedule string) (Trigger, error) {
	if schedule != "" {
		return NewCronTrigger(clk, schedule)
	}
	return NewIntervalTrigger(clk, interval)
}

type intervalTrigger struct {
	ticker *clock.Ticker
}

// NewIntervalTrigger returns a trigger that ticks every interval.
func NewIntervalTrigger(clk clock.Clock, interval time.Duration) (Trigger, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("quotasync: sync interval must be positive, got %v", interval)
	}
	return &intervalTrigger{ticker: clk.NewTicker(interval)}, nil
}

func (t *intervalTrigger) C() <-chan time.Time { return t.ticker.C }

func (t *intervalTrigger) Stop() { t.ticker.Stop() }

type cronTrigger struct {
	clk      clock.Clock
	schedule cron.Schedule
	ch       chan time.Time
	stop     chan struct{}
	stopOnce sync.Once
}

// NewCronTrigger returns a trigger driven by a five-field cron
// expression, evaluated in UTC.
func NewCronTrigger(clk clock.Clock, expression string) (Trigger, error) {
	schedule, err := cron.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("quotasync: sync schedule: %w", err)
	}
	t := &cronTrigger{
		clk:      clk,
		schedule: schedule,
		ch:       make(chan time.Time, 1),
		stop:     make(chan struct{}),
	}
	go t.run()
	return t, nil
}

func (t *cronTrigger) C() <-chan time.Time { return t.ch }

func (t *cronTrigger) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

func (t *cronTrigger) run() {
	for {
		now := t.clk.Now()
		next, err := t.schedule.Next(now)
		if err != nil {
			// The schedule never matches again.
			return
		}
		select {
		case tick := <-t.clk.After(next.Sub(now)):
			select {
			case t.ch <- tick:
			default:
			}
		case <-t.stop:
			return
		}
	}
}
