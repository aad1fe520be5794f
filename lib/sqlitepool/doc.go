// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the coordinator's SQLite databases.
//
// It wraps zombiezen's sqlitex.Pool with WAL journaling, NORMAL
// synchronous mode, and a busy timeout, and applies an idempotent
// schema script to every connection on first use. Callers either
// Take/Put connections themselves or use [Pool.With]:
//
//	err := pool.With(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "SELECT ...", &sqlitex.ExecOptions{...})
//	})
//
// Queries are written as plain SQL with sqlitex.Execute; there is no
// query builder.
package sqlitepool
