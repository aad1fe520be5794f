// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/bureau-foundation/offload/lib/cas"
)

// CancelExitCode is the exit code of a cancelled process.
const CancelExitCode uint32 = 0xfffffffe

// OversizeExitCode is the exit code of a process whose start
// parameters cannot fit in a single worker message.
const OversizeExitCode uint32 = 0xfffffffd

// State is where a process is in its lifecycle.
type State uint8

const (
	StateQueued State = iota
	StateActive
	StateDone
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateActive:
		return "active"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateDone || s == StateCancelled }

// Result is what a process produced.
type Result struct {
	ExitCode uint32
	CPUTime  time.Duration
	WallTime time.Duration
	LogLines []LogLine
	// Host is the name of the worker that ran the process, empty for
	// a cancelled process that never ran.
	Host string
}

// Process is the future for one unit of remote work. It stays in the
// coordinator's process table until it reaches a terminal state.
type Process struct {
	coordinator *Coordinator
	id          uint32
	start       StartInfo
	knownInputs []cas.Key

	// Guarded by coordinator.mu.
	state        State
	connectionID uint32
	sessionID    uint32
	host         string

	mu             sync.Mutex
	trackedInputs  []byte
	trackedOutputs []string
	result         Result
	onExit         func(*Process)

	done chan struct{}
}

func (p *Process) ID() uint32 { return p.id }

// StartInfo returns a copy of the start parameters.
func (p *Process) StartInfo() StartInfo {
	start := p.start
	start.Arguments = slices.Clone(p.start.Arguments)
	start.Environment = slices.Clone(p.start.Environment)
	return start
}

// KnownInputs returns the content keys resolved for the process's
// declared inputs.
func (p *Process) KnownInputs() []cas.Key { return slices.Clone(p.knownInputs) }

// State returns the current lifecycle state.
func (p *Process) State() State {
	p.coordinator.mu.Lock()
	defer p.coordinator.mu.Unlock()
	return p.state
}

// Host returns the worker currently running the process, if any.
func (p *Process) Host() string {
	p.coordinator.mu.Lock()
	defer p.coordinator.mu.Unlock()
	return p.host
}

// Done is closed when the process reaches a terminal state.
func (p *Process) Done() <-chan struct{} { return p.done }

// Result returns the result once Done is closed.
func (p *Process) Result() (Result, bool) {
	select {
	case <-p.done:
	default:
		return Result{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.result, true
}

// Wait blocks until the process is terminal or ctx ends.
func (p *Process) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		result, _ := p.Result()
		return result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel removes the process from the queue or the active set and
// completes it with CancelExitCode. Cancelling a terminal process does
// nothing.
func (p *Process) Cancel() { p.coordinator.cancel(p) }

// TrackedInputs returns the NUL-separated input paths the worker
// reported for the process.
func (p *Process) TrackedInputs() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return bytes.Clone(p.trackedInputs)
}

// TrackedOutputs returns the destinations the worker wrote for the
// process, in upload order.
func (p *Process) TrackedOutputs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.trackedOutputs)
}

func (p *Process) appendInputs(data []byte) {
	p.mu.Lock()
	p.trackedInputs = append(p.trackedInputs, data...)
	p.mu.Unlock()
}

func (p *Process) appendOutput(path string) {
	if !p.start.TrackInputs {
		return
	}
	p.mu.Lock()
	p.trackedOutputs = append(p.trackedOutputs, path)
	p.mu.Unlock()
}

// complete publishes result and runs the exit callback. The caller
// must have moved the process to a terminal state under
// coordinator.mu, which happens exactly once.
func (p *Process) complete(result Result) {
	p.mu.Lock()
	p.result = result
	onExit := p.onExit
	p.onExit = nil
	p.mu.Unlock()

	close(p.done)
	if onExit != nil {
		onExit(p)
	}
}
