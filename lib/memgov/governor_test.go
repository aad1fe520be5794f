// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package memgov

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/offload/lib/clock"
	"github.com/bureau-foundation/offload/lib/hwinfo"
	"github.com/bureau-foundation/offload/lib/testutil"
)

const gib = uint64(1) << 30

// fakeMemory is a settable memory source.
type fakeMemory struct {
	mu     sync.Mutex
	memory hwinfo.Memory
}

func (f *fakeMemory) set(available uint64) {
	f.mu.Lock()
	f.memory.Available = available
	f.mu.Unlock()
}

func (f *fakeMemory) read() (hwinfo.Memory, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memory, true
}

// newGovernor builds a governor over 100 GiB with an 80% wait load, so
// the threshold is 20 GiB.
func newGovernor(t *testing.T, available uint64) (*Governor, *fakeMemory, *clock.FakeClock) {
	t.Helper()
	source := &fakeMemory{memory: hwinfo.Memory{Available: available, Total: 100 * gib}}
	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	governor := New(Config{
		Clock:           fake,
		Logger:          testutil.Logger(),
		ReadMemory:      source.read,
		WaitLoadPercent: 80,
		MaxRequired:     35 * gib,
		PollInterval:    time.Second,
		ReportInterval:  5 * time.Second,
	})
	return governor, source, fake
}

// runGovernor starts Run and waits for its two tickers.
func runGovernor(t *testing.T, governor *Governor, fake *clock.FakeClock) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		governor.Run(ctx)
		close(done)
	}()
	fake.WaitForTimers(2)
	t.Cleanup(func() {
		cancel()
		testutil.RequireClosed(t, done, 5*time.Second, "governor stopped")
	})
	return cancel
}

// park starts n PrepareProcess calls in order and waits until all are
// queued. Each call reports its index on admitted.
func park(t *testing.T, governor *Governor, n int, admitted chan<- int) {
	t.Helper()
	for i := 0; i < n; i++ {
		go func() {
			if err := governor.PrepareProcess(context.Background()); err != nil {
				t.Errorf("PrepareProcess: %v", err)
			}
			admitted <- i
		}()
		for governor.Waiting() != i+1 {
			time.Sleep(time.Millisecond)
		}
	}
}

func TestThresholdCapped(t *testing.T) {
	source := &fakeMemory{memory: hwinfo.Memory{Available: 10 * gib, Total: 400 * gib}}
	governor := New(Config{ReadMemory: source.read, WaitLoadPercent: 80, MaxRequired: 35 * gib})
	required, _ := governor.Threshold()
	if required != 35*gib {
		t.Errorf("threshold = %d GiB, want capped at 35", required/gib)
	}
}

func TestAdmitsImmediatelyAboveThreshold(t *testing.T) {
	governor, _, _ := newGovernor(t, 50*gib)
	if err := governor.PrepareProcess(context.Background()); err != nil {
		t.Fatalf("PrepareProcess: %v", err)
	}
	if governor.Waiting() != 0 {
		t.Error("caller parked despite free memory")
	}
}

func TestReleasesOnePerThresholdInFIFOOrder(t *testing.T) {
	governor, source, fake := newGovernor(t, 5*gib)
	runGovernor(t, governor, fake)

	admitted := make(chan int, 3)
	park(t, governor, 3, admitted)

	// 45 GiB covers two 20 GiB thresholds.
	source.set(45 * gib)
	fake.Advance(time.Second)

	first := testutil.RequireReceive(t, admitted, 5*time.Second, "first admission")
	second := testutil.RequireReceive(t, admitted, 5*time.Second, "second admission")
	if !(first == 0 && second == 1) && !(first == 1 && second == 0) {
		t.Fatalf("admitted %d and %d, want the two oldest waiters", first, second)
	}
	if governor.Waiting() != 1 {
		t.Fatalf("Waiting = %d, want 1", governor.Waiting())
	}

	fake.Advance(time.Second)
	if last := testutil.RequireReceive(t, admitted, 5*time.Second, "third admission"); last != 2 {
		t.Errorf("third admission = %d, want 2", last)
	}
}

func TestStopReleasesAllWaiters(t *testing.T) {
	governor, _, fake := newGovernor(t, gib)
	cancel := runGovernor(t, governor, fake)

	admitted := make(chan int, 2)
	park(t, governor, 2, admitted)
	cancel()

	testutil.RequireReceive(t, admitted, 5*time.Second, "first released")
	testutil.RequireReceive(t, admitted, 5*time.Second, "second released")
}

func TestContextCancelRemovesWaiter(t *testing.T) {
	governor, _, _ := newGovernor(t, gib)

	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() { result <- governor.PrepareProcess(ctx) }()
	for governor.Waiting() != 1 {
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := testutil.RequireReceive(t, result, 5*time.Second, "cancelled wait"); !errors.Is(err, context.Canceled) {
		t.Fatalf("PrepareProcess = %v, want context.Canceled", err)
	}
	if governor.Waiting() != 0 {
		t.Errorf("Waiting = %d after cancel, want 0", governor.Waiting())
	}
}

func TestDisabledWhenWaitLoadZero(t *testing.T) {
	source := &fakeMemory{memory: hwinfo.Memory{Available: 0, Total: 100 * gib}}
	governor := New(Config{ReadMemory: source.read})
	if err := governor.PrepareProcess(context.Background()); err != nil {
		t.Fatalf("PrepareProcess: %v", err)
	}
}
