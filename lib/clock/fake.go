// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package clock

import (
	"slices"
	"sync"
	"time"
)

// FakeClock is a Clock whose time moves only when Advance is called.
// Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	pending []*pendingTimer
	changed *sync.Cond
}

// pendingTimer is one registered After or ticker.
type pendingTimer struct {
	due      time.Time
	channel  chan time.Time
	period   time.Duration // zero for one-shot timers
	canceled bool
}

// Fake returns a FakeClock reading initial.
func Fake(initial time.Time) *FakeClock {
	fake := &FakeClock{now: initial}
	fake.changed = sync.NewCond(&fake.mu)
	return fake
}

// Now returns the fake time.
func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After registers a one-shot timer.
func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()

	channel := make(chan time.Time, 1)
	if d <= 0 {
		channel <- f.now
		return channel
	}
	f.addLocked(&pendingTimer{due: f.now.Add(d), channel: channel})
	return channel
}

// NewTicker registers a periodic timer.
func (f *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: NewTicker requires a positive interval")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	timer := &pendingTimer{due: f.now.Add(d), channel: make(chan time.Time, 1), period: d}
	f.addLocked(timer)
	return &Ticker{
		C: timer.channel,
		stop: func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			timer.canceled = true
			f.pending = slices.DeleteFunc(f.pending, func(p *pendingTimer) bool { return p == timer })
		},
	}
}

func (f *FakeClock) addLocked(timer *pendingTimer) {
	f.pending = append(f.pending, timer)
	f.changed.Broadcast()
}

// Advance moves time forward by d, firing every timer that comes due
// in deadline order. A ticker spanning several periods fires once per
// period; ticks that find C full are dropped.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	target := f.now.Add(d)
	for {
		next := f.earliestLocked()
		if next == nil || next.due.After(target) {
			break
		}
		f.now = next.due
		select {
		case next.channel <- next.due:
		default:
		}
		if next.period > 0 {
			next.due = next.due.Add(next.period)
		} else {
			f.pending = slices.DeleteFunc(f.pending, func(p *pendingTimer) bool { return p == next })
		}
	}
	f.now = target
}

func (f *FakeClock) earliestLocked() *pendingTimer {
	var earliest *pendingTimer
	for _, timer := range f.pending {
		if earliest == nil || timer.due.Before(earliest.due) {
			earliest = timer
		}
	}
	return earliest
}

// WaitForTimers blocks until at least n timers are registered. Use it
// before Advance so the goroutine under test has reached its wait.
func (f *FakeClock) WaitForTimers(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for len(f.pending) < n {
		f.changed.Wait()
	}
}

// PendingCount returns the number of registered timers.
func (f *FakeClock) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}
