// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package memgov delays local process admission under memory pressure.
//
// A [Governor] holds the last memory reading and a spawn threshold:
// the share of total memory left free at the configured wait load,
// capped at MaxRequired. [Governor.PrepareProcess] returns immediately
// while the last reading is at or above the threshold and otherwise
// parks the caller at the back of a FIFO. [Governor.Run] re-reads
// memory every poll interval and releases waiters from the front, one
// per threshold of available memory, charging the threshold against
// the reading for each release until the next poll. The governor
// never refuses admission; stopping Run releases every waiter.
package memgov

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/bureau-foundation/offload/lib/clock"
	"github.com/bureau-foundation/offload/lib/hwinfo"
)

// Config configures a Governor.
type Config struct {
	Clock  clock.Clock
	Logger *slog.Logger

	// ReadMemory defaults to hwinfo.ReadMemory.
	ReadMemory func() (hwinfo.Memory, bool)

	// WaitLoadPercent is the memory load at which admission starts
	// waiting. Zero disables waiting entirely.
	WaitLoadPercent int

	// MaxRequired caps the spawn threshold in bytes.
	MaxRequired uint64

	PollInterval   time.Duration
	ReportInterval time.Duration
}

// Governor is safe for concurrent use.
type Governor struct {
	clock          clock.Clock
	logger         *slog.Logger
	readMemory     func() (hwinfo.Memory, bool)
	waitLoad       int
	maxRequired    uint64
	pollInterval   time.Duration
	reportInterval time.Duration

	mu       sync.Mutex
	memory   hwinfo.Memory
	required uint64
	waiters  []chan struct{}
	stopped  bool
}

// New takes an initial reading so PrepareProcess is meaningful before
// Run's first poll.
func New(config Config) *Governor {
	governor := &Governor{
		clock:          config.Clock,
		logger:         config.Logger,
		readMemory:     config.ReadMemory,
		waitLoad:       config.WaitLoadPercent,
		maxRequired:    config.MaxRequired,
		pollInterval:   config.PollInterval,
		reportInterval: config.ReportInterval,
	}
	if governor.clock == nil {
		governor.clock = clock.Real()
	}
	if governor.logger == nil {
		governor.logger = slog.New(slog.DiscardHandler)
	}
	if governor.readMemory == nil {
		governor.readMemory = hwinfo.ReadMemory
	}
	if governor.pollInterval <= 0 {
		governor.pollInterval = time.Second
	}
	if governor.reportInterval <= 0 {
		governor.reportInterval = 5 * time.Second
	}
	governor.mu.Lock()
	governor.sampleLocked()
	governor.mu.Unlock()
	return governor
}

// sampleLocked refreshes the reading and threshold. A failed reading
// zeroes the threshold so nothing waits on stale data.
func (g *Governor) sampleLocked() {
	memory, ok := g.readMemory()
	if !ok || g.waitLoad <= 0 {
		g.memory = memory
		g.required = 0
		return
	}
	g.memory = memory
	required := uint64(float64(memory.Total) * float64(100-g.waitLoad) / 100)
	if g.maxRequired > 0 && required > g.maxRequired {
		required = g.maxRequired
	}
	g.required = required
}

// PrepareProcess blocks while memory is below the spawn threshold.
// It returns nil once admitted or once the governor stops, and
// ctx.Err() if ctx ends first.
func (g *Governor) PrepareProcess(ctx context.Context) error {
	g.mu.Lock()
	if g.stopped || g.memory.Total == 0 || g.memory.Available >= g.required {
		g.mu.Unlock()
		return nil
	}
	signal := make(chan struct{})
	g.waiters = append(g.waiters, signal)
	available, total := g.memory.Available, g.memory.Total
	g.mu.Unlock()

	started := g.clock.Now()
	select {
	case <-signal:
		g.logger.Info("waited for memory pressure to go down",
			"waited", g.clock.Now().Sub(started),
			"available_bytes", available,
			"total_bytes", total,
		)
		return nil
	case <-ctx.Done():
		g.mu.Lock()
		for i, waiter := range g.waiters {
			if waiter == signal {
				g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
				break
			}
		}
		g.mu.Unlock()
		return ctx.Err()
	}
}

// Waiting returns the number of parked callers.
func (g *Governor) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

// Threshold returns the current spawn threshold and last reading.
func (g *Governor) Threshold() (required uint64, memory hwinfo.Memory) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.required, g.memory
}

// Run polls until ctx is done, then releases every waiter. Callers
// arriving after Run returns are admitted immediately.
func (g *Governor) Run(ctx context.Context) {
	poll := g.clock.NewTicker(g.pollInterval)
	defer poll.Stop()
	report := g.clock.NewTicker(g.reportInterval)
	defer report.Stop()

	defer func() {
		g.mu.Lock()
		g.stopped = true
		for _, waiter := range g.waiters {
			close(waiter)
		}
		g.waiters = nil
		g.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-poll.C:
			g.poll()
		case <-report.C:
			g.report()
		}
	}
}

func (g *Governor) poll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sampleLocked()

	available := g.memory.Available
	for len(g.waiters) > 0 && available >= g.required {
		close(g.waiters[0])
		g.waiters = g.waiters[1:]
		// A zero threshold admits everyone.
		if g.required == 0 {
			continue
		}
		available -= g.required
	}
}

func (g *Governor) report() {
	g.mu.Lock()
	delayed := len(g.waiters)
	memory := g.memory
	g.mu.Unlock()
	if delayed == 0 {
		return
	}
	g.logger.Info("delaying processes from spawning due to memory pressure",
		"delayed", delayed,
		"available_bytes", memory.Available,
		"total_bytes", memory.Total,
	)
}
