// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"time"

	"github.com/bureau-foundation/offload/lib/hwinfo"
	"github.com/bureau-foundation/offload/lib/trace"
)

// RunSessionUpdates records a session-updated event every interval for
// each connected session, plus one for the coordinator host itself
// under session id 0. It returns when ctx is done.
func (c *Coordinator) RunSessionUpdates(ctx context.Context, interval time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	previousCPU, haveCPU := hwinfo.ReadCPU()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		local := trace.Event{Kind: trace.SessionUpdated, Name: "local"}
		if sample, ok := hwinfo.ReadCPU(); ok {
			if haveCPU {
				local.CPULoad = hwinfo.CPULoad(previousCPU, sample)
			}
			previousCPU, haveCPU = sample, true
		}
		if memory, ok := hwinfo.ReadMemory(); ok {
			local.MemoryAvailable = memory.Available
			local.MemoryTotal = memory.Total
		}
		c.record(local)

		for _, event := range c.sessionUpdates() {
			c.record(event)
		}
	}
}

func (c *Coordinator) sessionUpdates() []trace.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var events []trace.Event
	for _, s := range c.sessions {
		if !s.connected {
			continue
		}
		events = append(events, trace.Event{
			Kind:            trace.SessionUpdated,
			SessionID:       s.id,
			ConnectionID:    s.connectionID,
			Name:            s.name,
			WallTime:        s.lastPing,
			MemoryAvailable: s.memoryAvailable,
			MemoryTotal:     s.memoryTotal,
			CPULoad:         s.cpuLoad,
		})
	}
	return events
}
