// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/bureau-foundation/offload/lib/clock"
	"github.com/bureau-foundation/offload/lib/coordinator"
	"github.com/bureau-foundation/offload/lib/memgov"
	"github.com/bureau-foundation/offload/lib/submit"
	"github.com/bureau-foundation/offload/lib/wire"
)

// job is one submitted process. It completes either from the remote
// result or from a local run after the remote process was handed back.
type job struct {
	id    uint32
	start coordinator.StartInfo

	// Guarded by orchestrator.mu.
	local  bool
	done   bool
	result submit.ResultResponse
}

type orchestrator struct {
	ctx         context.Context
	coordinator *coordinator.Coordinator
	governor    *memgov.Governor
	clock       clock.Clock
	logger      *slog.Logger
	localSlots  chan struct{}

	// execute runs a process on this machine.
	execute func(ctx context.Context, start coordinator.StartInfo) submit.ResultResponse

	mu        sync.Mutex
	nextJobID uint32
	jobs      map[uint32]*job
	byProcess map[uint32]*job
	// early holds ids of processes handed back before submission
	// finished registering them.
	early map[uint32]*coordinator.Process

	running sync.WaitGroup
}

func newOrchestrator(ctx context.Context, c *coordinator.Coordinator, governor *memgov.Governor, clk clock.Clock, localSlots int, logger *slog.Logger) *orchestrator {
	if localSlots <= 0 {
		localSlots = 1
	}
	o := &orchestrator{
		ctx:         ctx,
		coordinator: c,
		governor:    governor,
		clock:       clk,
		logger:      logger,
		localSlots:  make(chan struct{}, localSlots),
		jobs:        make(map[uint32]*job),
		byProcess:   make(map[uint32]*job),
		early:       make(map[uint32]*coordinator.Process),
	}
	o.execute = func(ctx context.Context, start coordinator.StartInfo) submit.ResultResponse {
		return executeLocal(ctx, start, o.clock)
	}
	c.SetProcessReturnedFunc(o.processReturned)
	return o
}

func (o *orchestrator) register(server *wire.Server) {
	server.Handle(submit.ActionRun, o.handleRun)
	server.Handle(submit.ActionResult, o.handleResult)
}

// submit queues a process and returns its job id.
func (o *orchestrator) submit(request submit.RunRequest) uint32 {
	o.mu.Lock()
	o.nextJobID++
	j := &job{id: o.nextJobID, start: request.Start}
	o.jobs[j.id] = j
	o.mu.Unlock()

	p := o.coordinator.RunProcessRemote(request.Start, request.Weight, request.KnownInputs, func(p *coordinator.Process) {
		o.remoteExited(j, p)
	})

	o.mu.Lock()
	o.byProcess[p.ID()] = j
	early, handedBack := o.early[p.ID()]
	delete(o.early, p.ID())
	o.mu.Unlock()

	o.logger.Debug("process submitted", "job_id", j.id, "process_id", p.ID(), "application", request.Start.Application)
	if handedBack {
		o.processReturned(early)
	}
	return j.id
}

func (o *orchestrator) remoteExited(j *job, p *coordinator.Process) {
	result, _ := p.Result()
	o.mu.Lock()
	defer o.mu.Unlock()
	if j.local {
		return
	}
	j.done = true
	j.result = submit.ResultResponse{
		Done:     true,
		Host:     result.Host,
		ExitCode: result.ExitCode,
		CPUTime:  result.CPUTime,
		WallTime: result.WallTime,
		LogLines: result.LogLines,
	}
}

// processReturned moves a handed-back process to the local runner.
func (o *orchestrator) processReturned(p *coordinator.Process) {
	o.mu.Lock()
	j, ok := o.byProcess[p.ID()]
	if !ok {
		o.early[p.ID()] = p
		o.mu.Unlock()
		return
	}
	if j.local || j.done {
		o.mu.Unlock()
		return
	}
	j.local = true
	delete(o.byProcess, p.ID())
	o.mu.Unlock()

	p.Cancel()
	o.logger.Info("running returned process locally", "job_id", j.id, "process_id", p.ID())

	o.running.Add(1)
	go func() {
		defer o.running.Done()
		result := o.runLocal(j.start)
		o.mu.Lock()
		j.done = true
		j.result = result
		o.mu.Unlock()
	}()
}

func (o *orchestrator) runLocal(start coordinator.StartInfo) submit.ResultResponse {
	failed := func(err error) submit.ResultResponse {
		return submit.ResultResponse{
			Done:     true,
			Local:    true,
			ExitCode: coordinator.CancelExitCode,
			LogLines: []coordinator.LogLine{{Text: err.Error(), Type: coordinator.LogError}},
		}
	}
	if err := o.governor.PrepareProcess(o.ctx); err != nil {
		return failed(fmt.Errorf("waiting for memory: %w", err))
	}
	select {
	case o.localSlots <- struct{}{}:
	case <-o.ctx.Done():
		return failed(fmt.Errorf("waiting for a local slot: %w", o.ctx.Err()))
	}
	defer func() { <-o.localSlots }()
	return o.execute(o.ctx, start)
}

// wait blocks until local runs have finished.
func (o *orchestrator) wait() { o.running.Wait() }

func (o *orchestrator) handleRun(ctx context.Context, request *wire.Request) (any, error) {
	var message submit.RunRequest
	if err := request.Decode(&message); err != nil {
		return nil, err
	}
	if message.Start.Application == "" {
		return nil, fmt.Errorf("run: application is required")
	}
	if message.Weight <= 0 {
		message.Weight = 1
	}
	return submit.RunResponse{JobID: o.submit(message)}, nil
}

func (o *orchestrator) handleResult(ctx context.Context, request *wire.Request) (any, error) {
	var message submit.ResultRequest
	if err := request.Decode(&message); err != nil {
		return nil, err
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[message.JobID]
	if !ok {
		return nil, fmt.Errorf("unknown job %d", message.JobID)
	}
	if !j.done {
		return submit.ResultResponse{}, nil
	}
	delete(o.jobs, j.id)
	return j.result, nil
}
