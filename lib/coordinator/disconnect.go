// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"slices"

	"github.com/bureau-foundation/offload/lib/trace"
)

// Disconnect reconciles a lost worker connection. Every process active
// on it releases its slot and goes back to the front of the queue,
// lowest id first, and the session's slots leave the available count.
// When the last worker leaves, everything still queued is handed to the
// process-returned callback as well.
func (c *Coordinator) Disconnect(connectionID uint32) {
	c.mu.Lock()
	reclaimed := c.queue.activeOn(connectionID)
	for _, p := range slices.Backward(reclaimed) {
		if !c.queue.deactivate(p) {
			panic("coordinator: reclaimed process left the active set early")
		}
		if owner := c.sessionLocked(p.sessionID); owner != nil && owner.used > 0 {
			owner.used--
			if owner.enabled {
				c.availableSlots++
			}
		}
		p.state = StateQueued
		p.connectionID, p.sessionID, p.host = 0, 0, ""
		c.queue.pushFront(p)
	}
	c.returned += uint64(len(reclaimed))

	s := c.connectedSessionLocked(connectionID)
	if s != nil {
		if s.used != 0 {
			c.logger.Error("session slot usage does not match its active processes",
				"session_id", s.id,
				"connection_id", connectionID,
				"used", s.used,
				"reclaimed", len(reclaimed),
			)
		}
		if s.enabled {
			c.availableSlots -= s.free()
		}
		s.used = 0
		s.enabled = false
		s.connected = false
		c.connections--
		c.record(trace.Event{
			Kind:         trace.SessionDisconnected,
			SessionID:    s.id,
			ConnectionID: connectionID,
			Name:         s.name,
		})
	}

	returned := slices.Clone(reclaimed)
	var orphaned []*Process
	if c.connections == 0 && len(c.queue.queued) > 0 {
		orphaned = slices.Clone(c.queue.queued)
		for _, p := range orphaned {
			if !slices.Contains(returned, p) {
				returned = append(returned, p)
			}
		}
	}
	c.mu.Unlock()

	if s == nil {
		c.logger.Debug("connection closed without a session", "connection_id", connectionID)
		return
	}
	c.logger.Info("worker session disconnected",
		"session_id", s.id,
		"connection_id", connectionID,
		"name", s.name,
		"reclaimed", len(reclaimed),
		"orphaned", len(orphaned),
	)
	for _, p := range reclaimed {
		c.record(trace.Event{Kind: trace.ProcessReturned, SessionID: s.id, ProcessID: p.id, Reason: "disconnected"})
	}
	c.processReturned(returned...)
}
