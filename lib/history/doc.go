// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package history keeps a durable ledger of session and process
// lifecycle events in SQLite.
//
// A [Ledger] is a [trace.Tracer]: the coordinator records into it
// like any other sink. Record never touches the database; events are
// queued to a single writer goroutine so that a slow disk cannot stall
// a caller holding the coordinator's session lock. When the queue is
// full, events are dropped and counted.
//
// Only the kinds an operator asks about are persisted: process exits
// and returns, session connects and disconnects. [Ledger.Recent] reads
// them back newest first for the history command.
package history
