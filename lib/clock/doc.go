// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock abstracts wall time for the coordinator's periodic
// loops: the memory governor's poll and report ticks, the session
// update trace tick, and the timestamps returned to workers.
//
// Production code holds a Clock and calls Real() at construction.
// Tests hold a *FakeClock, wait for the loop under test to register
// its ticker with WaitForTimers, and drive time forward with Advance:
//
//	fake := clock.Fake(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
//	governor := memgov.New(memgov.Config{Clock: fake, ...})
//	fake.WaitForTimers(2)
//	fake.Advance(time.Second)
package clock
