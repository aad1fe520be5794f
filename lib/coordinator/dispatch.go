// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"fmt"
	"strings"

	"github.com/bureau-foundation/offload/lib/cas"
	"github.com/bureau-foundation/offload/lib/codec"
	"github.com/bureau-foundation/offload/lib/trace"
	"github.com/bureau-foundation/offload/lib/version"
	"github.com/bureau-foundation/offload/lib/wire"
)

const (
	// encodedKeySize is a content key as a CBOR byte string.
	encodedKeySize = 2 + len(cas.Key{})
	// responseOverhead covers the fixed fields and envelope of a
	// process-available response.
	responseOverhead = 128
)

func (c *Coordinator) handleConnect(ctx context.Context, request *wire.Request) (any, error) {
	var message ConnectRequest
	if err := request.Decode(&message); err != nil {
		return nil, err
	}
	c.logger.Debug("worker connecting",
		"name", message.Name,
		"connection_id", request.ConnectionID,
	)

	agentKey, detoursKey, err := c.binaryKeys(!message.AgentKey.IsZero())
	if err != nil {
		return nil, err
	}
	worker := version.Identity{Protocol: message.Protocol, AgentKey: message.AgentKey, DetoursKey: message.DetoursKey}
	expected := version.Identity{Protocol: version.ProtocolVersion, AgentKey: agentKey, DetoursKey: detoursKey}
	if err := version.CheckWorker(worker, expected); err != nil {
		c.logger.Warn("rejecting worker",
			"name", message.Name,
			"connection_id", request.ConnectionID,
			"reason", err.Error(),
		)
		request.CloseAfterReply()
		return ConnectResponse{
			Reason:     err.Error() + ", disconnecting",
			AgentKey:   agentKey,
			DetoursKey: detoursKey,
		}, nil
	}

	c.initializeNameToHash()
	environment := c.remoteEnvironment()

	c.mu.Lock()
	if existing := c.connectedSessionLocked(request.ConnectionID); existing != nil {
		c.mu.Unlock()
		reason := fmt.Sprintf("connection already owns session %d", existing.id)
		c.logger.Warn("rejecting worker",
			"name", message.Name,
			"connection_id", request.ConnectionID,
			"reason", reason,
		)
		request.CloseAfterReply()
		return ConnectResponse{
			Reason:     reason + ", disconnecting",
			AgentKey:   agentKey,
			DetoursKey: detoursKey,
		}, nil
	}
	s := &session{
		id:           uint32(len(c.sessions) + 1),
		connectionID: request.ConnectionID,
		name:         message.Name,
		info:         message.Info,
		dedicated:    message.Dedicated,
		slots:        message.Slots,
		enabled:      true,
		connected:    true,
		sentKeys:     make(map[cas.Key]struct{}),
	}
	c.sessions = append(c.sessions, s)
	c.availableSlots += int(s.slots)
	c.connections++
	c.record(trace.Event{
		Kind:         trace.SessionAdded,
		SessionID:    s.id,
		ConnectionID: s.connectionID,
		Name:         s.name,
		Text:         s.info,
	})
	c.mu.Unlock()

	c.logger.Info("worker session added",
		"session_id", s.id,
		"connection_id", s.connectionID,
		"name", s.name,
		"slots", s.slots,
		"dedicated", s.dedicated,
	)
	return ConnectResponse{
		Accepted:      true,
		AgentKey:      agentKey,
		DetoursKey:    detoursKey,
		SessionID:     s.id,
		ResetCas:      c.config.ResetCas,
		RemoteLogging: c.config.RemoteLogging,
		RemoteTrace:   c.config.RemoteTrace,
		Environment:   environment,
	}, nil
}

// binaryKeys resolves the detours binary key, and the agent binary key
// when withAgent is set, once each.
func (c *Coordinator) binaryKeys(withAgent bool) (agent, detours cas.Key, err error) {
	c.binaryMu.Lock()
	defer c.binaryMu.Unlock()
	if c.detoursKey.IsZero() && c.config.DetoursBinary != "" {
		c.detoursKey, err = c.binaryKey(c.config.DetoursBinary)
		if err != nil {
			return cas.ZeroKey, cas.ZeroKey, err
		}
	}
	if withAgent && c.agentKey.IsZero() && c.config.AgentBinary != "" {
		c.agentKey, err = c.binaryKey(c.config.AgentBinary)
		if err != nil {
			return cas.ZeroKey, cas.ZeroKey, err
		}
	}
	return c.agentKey, c.detoursKey, nil
}

func (c *Coordinator) binaryKey(path string) (cas.Key, error) {
	key, err := c.store.StoreFile(path, cas.ZeroKey, true)
	if err != nil {
		return cas.ZeroKey, fmt.Errorf("hashing %s: %w", path, err)
	}
	if key.IsZero() || key == cas.DirectoryKey {
		return cas.ZeroKey, fmt.Errorf("binary %s not found", path)
	}
	return key, nil
}

func (c *Coordinator) handleProcessAvailable(ctx context.Context, request *wire.Request) (any, error) {
	var message ProcessAvailableRequest
	if err := request.Decode(&message); err != nil {
		return nil, err
	}
	s, err := c.session(message.SessionID, request.ConnectionID)
	if err != nil {
		c.logger.Error("process-available from bad session", "connection_id", request.ConnectionID, "error", err)
		return nil, err
	}

	var response ProcessAvailableResponse
	var knownInputs []cas.Key
	written := responseOverhead

	c.fillMu.Lock()
	weightLeft := message.Weight
	for weightLeft > 0 {
		p, size := c.dequeue(s, c.config.MaxMessageSize-written)
		if p == nil {
			break
		}
		c.record(trace.Event{Kind: trace.ProcessAdded, SessionID: s.id, ProcessID: p.id, Name: p.description()})

		response.Processes = append(response.Processes, DispatchedProcess{ID: p.id, Start: p.start})
		knownInputs = append(knownInputs, p.knownInputs...)
		written += size
		if c.config.MaxMessageSize-written < c.config.SafetyMargin {
			break
		}
		weightLeft -= p.start.Weight
	}
	c.fillMu.Unlock()

	keyCapacity := max(0, (c.config.MaxMessageSize-written)/encodedKeySize)

	c.mu.Lock()
	for _, key := range knownInputs {
		if len(response.KnownInputs) >= keyCapacity {
			break
		}
		if _, sent := s.sentKeys[key]; sent {
			continue
		}
		s.sentKeys[key] = struct{}{}
		response.KnownInputs = append(response.KnownInputs, key)
	}

	remoteEnabled := c.remoteEnabled || len(c.queue.queued) > 0
	if !remoteEnabled && s.enabled {
		c.availableSlots -= s.free()
		s.enabled = false
		c.logger.Debug("disabling remote execution on session, remote execution is off and the queue is empty",
			"session_id", s.id,
			"name", s.name,
			"running", s.used,
		)
	}
	maxRemote := c.maxRemote.Load()
	if remoteEnabled && len(response.Processes) == 0 && maxRemote != NoRemoteLimit &&
		s.enabled && !s.dedicated && s.used == 0 &&
		int(maxRemote) < c.availableSlots-int(s.slots) {
		c.availableSlots -= s.free()
		s.enabled = false
		remoteEnabled = false
		c.logger.Info("disabling remote execution on session, enough remote slots remain without it",
			"session_id", s.id,
			"name", s.name,
			"max_remote", maxRemote,
			"available_slots", c.availableSlots,
		)
	}
	c.mu.Unlock()

	response.RemoteExecutionDisabled = !remoteEnabled
	response.DirectoryTableSize = c.directories.Size()
	response.NameToHashSize = c.names.size()
	return response, nil
}

// dequeue moves the head of the queue to the active set on s and
// returns it with its encoded size. A head that does not fit in budget
// stays queued. A head that could never fit in a reply is failed and
// skipped. When the queue is empty it asks the orchestrator for work
// once and retries.
func (c *Coordinator) dequeue(s *session, budget int) (*Process, int) {
	c.callbackMu.RLock()
	slotAvailable := c.onSlotAvailable
	c.callbackMu.RUnlock()
	calledBack := slotAvailable == nil

	for {
		c.mu.Lock()
		if !s.connected || s.used >= s.slots {
			c.mu.Unlock()
			return nil, 0
		}
		if p := c.queue.popFront(); p != nil {
			size := dispatchSize(p)
			if size > c.config.MaxMessageSize-responseOverhead {
				p.state = StateDone
				delete(c.processes, p.id)
				c.mu.Unlock()
				c.failOversize(p, size)
				continue
			}
			if size > budget {
				c.queue.pushFront(p)
				c.mu.Unlock()
				return nil, 0
			}
			if s.enabled {
				c.availableSlots--
			}
			s.used++
			p.state = StateActive
			p.connectionID = s.connectionID
			p.sessionID = s.id
			p.host = s.name
			c.queue.activate(p)
			c.mu.Unlock()
			return p, size
		}
		c.mu.Unlock()

		if calledBack {
			return nil, 0
		}
		slotAvailable()
		calledBack = true
	}
}

func dispatchSize(p *Process) int {
	size, err := codec.Size(DispatchedProcess{ID: p.id, Start: p.start})
	if err != nil {
		panic(fmt.Sprintf("coordinator: encoding start info of process %d: %v", p.id, err))
	}
	return size
}

// failOversize completes a process that was taken off the queue
// because no worker message can carry it.
func (c *Coordinator) failOversize(p *Process, size int) {
	text := fmt.Sprintf("start parameters take %d bytes, more than a %d byte worker message can carry",
		size, c.config.MaxMessageSize-responseOverhead)
	c.logger.Error("failing process that cannot be dispatched",
		"process_id", p.id,
		"description", p.description(),
		"size", size,
		"max_message_size", c.config.MaxMessageSize,
	)
	c.record(trace.Event{Kind: trace.ProcessExited, ProcessID: p.id, Name: p.description(), ExitCode: OversizeExitCode, Text: text})
	p.complete(Result{ExitCode: OversizeExitCode, LogLines: []LogLine{{Text: text, Type: LogError}}})
}

// connectedSessionLocked returns the connected session owned by
// connectionID, if any.
func (c *Coordinator) connectedSessionLocked(connectionID uint32) *session {
	for _, s := range c.sessions {
		if s.connectionID == connectionID && s.connected {
			return s
		}
	}
	return nil
}

// releaseLocked undoes a dispatch's slot accounting for an active
// process that is leaving the active set.
func (c *Coordinator) releaseLocked(p *Process) *session {
	s := c.sessionLocked(p.sessionID)
	if s == nil {
		panic(fmt.Sprintf("coordinator: active process %d has invalid session %d", p.id, p.sessionID))
	}
	if !c.queue.deactivate(p) {
		panic(fmt.Sprintf("coordinator: process %d is not active", p.id))
	}
	s.used--
	if s.enabled {
		c.availableSlots++
	}
	return s
}

// activeForLocked returns the process if it is active on
// connectionID. A miss means a disconnect or cancel got there first.
func (c *Coordinator) activeForLocked(id, connectionID uint32) (*Process, string) {
	p, ok := c.processes[id]
	if !ok {
		return nil, "process is not known"
	}
	if !c.queue.isActive(p) || p.connectionID != connectionID {
		return nil, "process is not active on this connection, a disconnect probably reclaimed it first"
	}
	return p, ""
}

func (c *Coordinator) handleProcessFinished(ctx context.Context, request *wire.Request) (any, error) {
	var message ProcessFinishedRequest
	if err := request.Decode(&message); err != nil {
		return nil, err
	}

	c.mu.Lock()
	p, reason := c.activeForLocked(message.ProcessID, request.ConnectionID)
	if p == nil {
		c.mu.Unlock()
		c.logger.Warn("ignoring process-finished",
			"process_id", message.ProcessID,
			"connection_id", request.ConnectionID,
			"reason", reason,
		)
		return nil, nil
	}
	s := c.releaseLocked(p)
	c.finished++
	host := p.host
	p.state = StateDone
	p.connectionID, p.sessionID, p.host = 0, 0, ""
	delete(c.processes, p.id)
	c.mu.Unlock()

	event := trace.Event{
		Kind:      trace.ProcessExited,
		SessionID: s.id,
		ProcessID: p.id,
		Name:      p.description(),
		ExitCode:  message.ExitCode,
		CPUTime:   message.CPUTime,
		WallTime:  message.WallTime,
		Data:      message.Stats,
	}
	if message.ExitCode != 0 || c.config.DetailedTrace {
		event.Text = joinLogLines(message.LogLines)
	}
	c.record(event)

	p.complete(Result{
		ExitCode: message.ExitCode,
		CPUTime:  message.CPUTime,
		WallTime: message.WallTime,
		LogLines: message.LogLines,
		Host:     host,
	})
	return nil, nil
}

func (c *Coordinator) handleProcessReturned(ctx context.Context, request *wire.Request) (any, error) {
	var message ProcessReturnedRequest
	if err := request.Decode(&message); err != nil {
		return nil, err
	}

	c.mu.Lock()
	p, reason := c.activeForLocked(message.ProcessID, request.ConnectionID)
	if p == nil {
		c.mu.Unlock()
		c.logger.Warn("ignoring process-returned",
			"process_id", message.ProcessID,
			"connection_id", request.ConnectionID,
			"reason", reason,
		)
		return nil, nil
	}
	s := c.releaseLocked(p)
	c.returned++
	p.state = StateQueued
	p.connectionID, p.sessionID, p.host = 0, 0, ""
	c.queue.pushFront(p)
	c.mu.Unlock()

	c.logger.Debug("worker returned process to queue",
		"session_id", s.id,
		"name", s.name,
		"process_id", p.id,
		"reason", message.Reason,
	)
	c.record(trace.Event{Kind: trace.ProcessReturned, SessionID: s.id, ProcessID: p.id, Reason: message.Reason})
	c.processReturned(p)
	return nil, nil
}

func (c *Coordinator) handleProcessInputs(ctx context.Context, request *wire.Request) (any, error) {
	var message ProcessInputsRequest
	if err := request.Decode(&message); err != nil {
		return nil, err
	}
	p, err := c.lookupProcess(message.ProcessID)
	if err != nil {
		c.logger.Error("process-inputs for unknown process", "process_id", message.ProcessID)
		return nil, err
	}
	p.appendInputs(message.Data)
	return nil, nil
}

func (c *Coordinator) handlePing(ctx context.Context, request *wire.Request) (any, error) {
	var message PingRequest
	if err := request.Decode(&message); err != nil {
		return nil, err
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.ownedSessionLocked(message.SessionID, request.ConnectionID)
	if err != nil {
		c.logger.Error("ping from bad session", "session_id", message.SessionID, "connection_id", request.ConnectionID, "error", err)
		return nil, err
	}
	s.pingTime = now
	s.lastPing = message.LastPing
	s.memoryAvailable = message.MemoryAvailable
	s.memoryTotal = message.MemoryTotal
	s.cpuLoad = message.CPULoad
	return PingResponse{Abort: s.abort}, nil
}

func (c *Coordinator) handleNotification(ctx context.Context, request *wire.Request) (any, error) {
	var message NotificationRequest
	if err := request.Decode(&message); err != nil {
		return nil, err
	}
	c.record(trace.Event{Kind: trace.Notification, SessionID: message.SessionID, Text: message.Text})
	return nil, nil
}

func (c *Coordinator) handleUpdateEnvironment(ctx context.Context, request *wire.Request) (any, error) {
	var message UpdateEnvironmentRequest
	if err := request.Decode(&message); err != nil {
		return nil, err
	}
	c.record(trace.Event{
		Kind:      trace.EnvironmentUpdated,
		ProcessID: message.ProcessID,
		Reason:    message.Reason,
		Data:      message.Data,
	})
	return nil, nil
}

func (c *Coordinator) handleSummary(ctx context.Context, request *wire.Request) (any, error) {
	var message SummaryRequest
	if err := request.Decode(&message); err != nil {
		return nil, err
	}
	c.record(trace.Event{Kind: trace.Summary, SessionID: message.SessionID, Data: message.Data})
	return nil, nil
}

func joinLogLines(lines []LogLine) string {
	var builder strings.Builder
	for i, line := range lines {
		if i > 0 {
			builder.WriteByte('\n')
		}
		builder.WriteString(line.Text)
	}
	return builder.String()
}
