// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"sync"
	"time"

	"github.com/bureau-foundation/offload/lib/cas"
)

// session is the coordinator's record of one connected worker. Ids are
// 1-based positions in the session table and are never reused, so a
// disconnected session keeps its slot in the table.
type session struct {
	id           uint32
	connectionID uint32
	name         string
	info         string
	dedicated    bool

	// Guarded by Coordinator.mu.
	slots     uint32
	used      uint32
	enabled   bool
	connected bool
	abort     bool
	sentKeys  map[cas.Key]struct{}

	pingTime        time.Time
	lastPing        time.Duration
	memoryAvailable uint64
	memoryTotal     uint64
	cpuLoad         float32

	// directoryMu serializes directory table reads for this session.
	directoryMu  sync.Mutex
	directoryPos uint64
}

// free is the session's contribution to the available slot count.
func (s *session) free() int {
	return int(s.slots) - int(s.used)
}

// SessionStatus is a snapshot of one session.
type SessionStatus struct {
	ID              uint32        `cbor:"id"`
	ConnectionID    uint32        `cbor:"connection_id"`
	Name            string        `cbor:"name"`
	Slots           uint32        `cbor:"slots"`
	Used            uint32        `cbor:"used"`
	Enabled         bool          `cbor:"enabled"`
	Connected       bool          `cbor:"connected"`
	Dedicated       bool          `cbor:"dedicated,omitempty"`
	Abort           bool          `cbor:"abort,omitempty"`
	LastPing        time.Duration `cbor:"last_ping,omitempty"`
	PingAge         time.Duration `cbor:"ping_age,omitempty"`
	MemoryAvailable uint64        `cbor:"memory_available,omitempty"`
	MemoryTotal     uint64        `cbor:"memory_total,omitempty"`
	CPULoad         float32       `cbor:"cpu_load,omitempty"`
}

// Status is a snapshot of the scheduling state.
type Status struct {
	Sessions       []SessionStatus `cbor:"sessions"`
	Connections    int             `cbor:"connections"`
	AvailableSlots int             `cbor:"available_slots"`
	Queued         int             `cbor:"queued"`
	Active         int             `cbor:"active"`
	Finished       uint64          `cbor:"finished"`
	Returned       uint64          `cbor:"returned"`
	RemoteEnabled  bool            `cbor:"remote_enabled"`
}
