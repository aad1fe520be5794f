// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package coordinator hands queued processes to connected remote
// workers and reconciles what comes back.
//
// A [Coordinator] owns three pieces of scheduling state under one
// lock: the FIFO of queued processes, the set of active (dispatched)
// processes, and the table of worker sessions with the coordinator-wide
// count of free remote slots. Every worker message that touches one of
// them touches all three, so they move together.
//
// Work enters through [Coordinator.RunProcessRemote], which returns a
// [Process] future immediately. Workers pull work with the
// process-available action, report results with process-finished, and
// hand work back with process-returned. Returned and disconnect-reclaimed
// processes re-enter at the front of the queue. The embedding
// orchestrator learns about returns through the callback installed by
// [Coordinator.SetProcessReturnedFunc] and decides whether to wait for
// another worker or run the process itself.
//
// The coordinator also serves content to workers: file and application
// content keys resolved through the content store, incremental streams
// of the directory table and of the name-to-hash table, and uploads of
// produced files. Handlers are registered on a [wire.Server] with
// [Coordinator.Register].
//
// Lock order: c.mu is never held while calling a callback, the content
// store, or the tracer, with one exception: session-added and
// session-disconnected events are recorded under c.mu so that the trace
// order matches the session table order. The smaller locks (custom cas
// keys, name-to-hash, application cache, received files, per-session
// directory cursor) never nest inside c.mu.
package coordinator
