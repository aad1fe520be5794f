// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package trace is the coordinator's one-way event sink.
//
// The coordinator reports session and process lifecycle changes as
// [Event] values to a [Tracer]. Tracers must not block for long and
// must not call back into the coordinator: some events are recorded
// while the coordinator holds its session lock, so that the trace
// order matches the session table order.
package trace

import (
	"slices"
	"sync"
	"time"
)

// Kind names an event.
type Kind string

const (
	SessionAdded            Kind = "session_added"
	SessionDisconnected     Kind = "session_disconnected"
	SessionUpdated          Kind = "session_updated"
	ProcessAdded            Kind = "process_added"
	ProcessReturned         Kind = "process_returned"
	ProcessExited           Kind = "process_exited"
	RemoteExecutionDisabled Kind = "remote_execution_disabled"
	Notification            Kind = "notification"
	EnvironmentUpdated      Kind = "environment_updated"
	Summary                 Kind = "summary"
)

// Event is one trace record. Fields not relevant to Kind are zero.
type Event struct {
	Kind Kind `cbor:"kind"`
	// Time is unix nanoseconds.
	Time int64 `cbor:"time"`

	SessionID    uint32 `cbor:"session_id,omitempty"`
	ConnectionID uint32 `cbor:"connection_id,omitempty"`
	ProcessID    uint32 `cbor:"process_id,omitempty"`

	Name   string `cbor:"name,omitempty"`
	Text   string `cbor:"text,omitempty"`
	Reason string `cbor:"reason,omitempty"`

	ExitCode uint32        `cbor:"exit_code,omitempty"`
	CPUTime  time.Duration `cbor:"cpu_time,omitempty"`
	WallTime time.Duration `cbor:"wall_time,omitempty"`

	MemoryAvailable uint64  `cbor:"memory_available,omitempty"`
	MemoryTotal     uint64  `cbor:"memory_total,omitempty"`
	CPULoad         float32 `cbor:"cpu_load,omitempty"`

	Data []byte `cbor:"data,omitempty"`
}

// At returns Time as a time.Time.
func (e Event) At() time.Time { return time.Unix(0, e.Time) }

// Tracer receives events.
type Tracer interface {
	Record(event Event)
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(Event) {}

// Multi fans events out to every tracer, in order.
func Multi(tracers ...Tracer) Tracer {
	return multiTracer(slices.Clone(tracers))
}

type multiTracer []Tracer

func (m multiTracer) Record(event Event) {
	for _, tracer := range m {
		tracer.Record(event)
	}
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Record(event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.events)
}

// OfKind returns the recorded events of one kind.
func (r *Recorder) OfKind(kind Kind) []Event {
	var matching []Event
	for _, event := range r.Events() {
		if event.Kind == kind {
			matching = append(matching, event)
		}
	}
	return matching
}
