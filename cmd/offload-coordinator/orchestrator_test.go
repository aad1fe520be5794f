// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/offload/lib/cas"
	"github.com/bureau-foundation/offload/lib/clock"
	"github.com/bureau-foundation/offload/lib/codec"
	"github.com/bureau-foundation/offload/lib/coordinator"
	"github.com/bureau-foundation/offload/lib/dirtable"
	"github.com/bureau-foundation/offload/lib/hwinfo"
	"github.com/bureau-foundation/offload/lib/memgov"
	"github.com/bureau-foundation/offload/lib/submit"
	"github.com/bureau-foundation/offload/lib/testutil"
	"github.com/bureau-foundation/offload/lib/version"
	"github.com/bureau-foundation/offload/lib/wire"
)

func newTestOrchestrator(t *testing.T) (*orchestrator, *coordinator.Coordinator) {
	t.Helper()
	store, err := cas.Open(cas.Config{Root: t.TempDir(), Logger: testutil.Logger()})
	if err != nil {
		t.Fatalf("cas.Open: %v", err)
	}
	coord, err := coordinator.New(coordinator.Config{
		Store:       store,
		Directories: dirtable.New(),
		Logger:      testutil.Logger(),
	})
	if err != nil {
		t.Fatalf("coordinator.New: %v", err)
	}
	governor := memgov.New(memgov.Config{
		Logger:          testutil.Logger(),
		WaitLoadPercent: 80,
		ReadMemory: func() (hwinfo.Memory, bool) {
			return hwinfo.Memory{Available: 64 << 30, Total: 64 << 30}, true
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	o := newOrchestrator(ctx, coord, governor, clock.Real(), 2, testutil.Logger())
	t.Cleanup(o.wait)
	return o, coord
}

func (o *orchestrator) waitResult(t *testing.T, jobID uint32) submit.ResultResponse {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		body, err := codec.Marshal(submit.ResultRequest{JobID: jobID})
		if err != nil {
			t.Fatalf("encoding: %v", err)
		}
		result, err := o.handleResult(context.Background(), &wire.Request{Body: body})
		if err != nil {
			t.Fatalf("result: %v", err)
		}
		if response := result.(submit.ResultResponse); response.Done {
			return response
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %d did not finish", jobID)
	return submit.ResultResponse{}
}

func TestProcessWithoutWorkersRunsLocally(t *testing.T) {
	o, coord := newTestOrchestrator(t)
	jobID := o.submit(submit.RunRequest{
		Start: coordinator.StartInfo{
			Application: "/bin/sh",
			Arguments:   []string{"-c", "echo built; exit 3"},
			WorkingDir:  t.TempDir(),
		},
		Weight: 1,
	})

	result := o.waitResult(t, jobID)
	if !result.Local || result.ExitCode != 3 {
		t.Fatalf("result = %+v, want a local run exiting 3", result)
	}
	if len(result.LogLines) != 1 || result.LogLines[0].Text != "built" {
		t.Errorf("log lines = %+v, want [built]", result.LogLines)
	}
	if status := coord.Status(); status.Queued != 0 || status.Active != 0 {
		t.Errorf("remote copy still scheduled: %+v", status)
	}
}

func TestRemoteResultCompletesJob(t *testing.T) {
	o, coord := newTestOrchestrator(t)
	socketDir := testutil.SocketDir(t)
	server := wire.NewServer(wire.ServerConfig{
		Network: "unix",
		Address: filepath.Join(socketDir, "coordinator.sock"),
		Logger:  testutil.Logger(),
	})
	coord.Register(server)
	o.register(server)
	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- server.Serve(ctx) }()
	t.Cleanup(func() {
		cancel()
		testutil.RequireReceive(t, served, 5*time.Second, "server shutdown")
	})
	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "server ready")

	client, err := wire.Dial(context.Background(), "unix", server.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	var connected coordinator.ConnectResponse
	if err := client.Call(context.Background(), coordinator.ActionConnect, coordinator.ConnectRequest{
		Name:     "worker-a",
		Protocol: version.ProtocolVersion,
		Slots:    1,
	}, &connected); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var submitted submit.RunResponse
	if err := client.Call(context.Background(), submit.ActionRun, submit.RunRequest{
		Start: coordinator.StartInfo{Application: "/usr/bin/cc", Arguments: []string{"-c", "unit.c"}},
	}, &submitted); err != nil {
		t.Fatalf("run: %v", err)
	}

	var available coordinator.ProcessAvailableResponse
	if err := client.Call(context.Background(), coordinator.ActionProcessAvailable, coordinator.ProcessAvailableRequest{
		SessionID: connected.SessionID,
		Weight:    1,
	}, &available); err != nil {
		t.Fatalf("process-available: %v", err)
	}
	if len(available.Processes) != 1 {
		t.Fatalf("dispatched %d processes, want 1", len(available.Processes))
	}
	if err := client.Call(context.Background(), coordinator.ActionProcessFinished, coordinator.ProcessFinishedRequest{
		ProcessID: available.Processes[0].ID,
		ExitCode:  0,
		CPUTime:   time.Second,
	}, nil); err != nil {
		t.Fatalf("process-finished: %v", err)
	}

	result := o.waitResult(t, submitted.JobID)
	if result.Local || result.Host != "worker-a" || result.ExitCode != 0 || result.CPUTime != time.Second {
		t.Errorf("result = %+v, want a remote success on worker-a", result)
	}
}
