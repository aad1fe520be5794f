// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"cmp"
	"fmt"
	"slices"
)

// processQueue holds non-terminal processes: queued ones in dispatch
// order, active ones by id. A process is in at most one of the two.
// Not safe for concurrent use; the coordinator's lock guards it.
type processQueue struct {
	queued []*Process
	active map[uint32]*Process
}

func newProcessQueue() *processQueue {
	return &processQueue{active: make(map[uint32]*Process)}
}

func (q *processQueue) pushBack(p *Process) {
	q.checkAbsent(p)
	q.queued = append(q.queued, p)
}

// pushFront gives p priority over everything already queued.
func (q *processQueue) pushFront(p *Process) {
	q.checkAbsent(p)
	q.queued = slices.Insert(q.queued, 0, p)
}

func (q *processQueue) popFront() *Process {
	if len(q.queued) == 0 {
		return nil
	}
	p := q.queued[0]
	q.queued[0] = nil
	q.queued = q.queued[1:]
	return p
}

// removeQueued reports whether p was queued.
func (q *processQueue) removeQueued(p *Process) bool {
	index := slices.Index(q.queued, p)
	if index < 0 {
		return false
	}
	q.queued = slices.Delete(q.queued, index, index+1)
	return true
}

func (q *processQueue) activate(p *Process) {
	q.checkAbsent(p)
	q.active[p.id] = p
}

// deactivate reports whether p was active.
func (q *processQueue) deactivate(p *Process) bool {
	if q.active[p.id] != p {
		return false
	}
	delete(q.active, p.id)
	return true
}

func (q *processQueue) isActive(p *Process) bool { return q.active[p.id] == p }

func (q *processQueue) empty() bool { return len(q.queued) == 0 && len(q.active) == 0 }

// activeOn returns the active processes assigned to a connection in id
// order.
func (q *processQueue) activeOn(connectionID uint32) []*Process {
	var matching []*Process
	for _, p := range q.active {
		if p.connectionID == connectionID {
			matching = append(matching, p)
		}
	}
	slices.SortFunc(matching, func(a, b *Process) int { return cmp.Compare(a.id, b.id) })
	return matching
}

func (q *processQueue) checkAbsent(p *Process) {
	if q.active[p.id] != nil {
		panic(fmt.Sprintf("coordinator: process %d is already active", p.id))
	}
	if slices.Contains(q.queued, p) {
		panic(fmt.Sprintf("coordinator: process %d is already queued", p.id))
	}
}
