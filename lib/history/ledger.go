// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/offload/lib/sqlitepool"
	"github.com/bureau-foundation/offload/lib/trace"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	time          INTEGER NOT NULL,
	kind          TEXT    NOT NULL,
	session_id    INTEGER NOT NULL DEFAULT 0,
	connection_id INTEGER NOT NULL DEFAULT 0,
	process_id    INTEGER NOT NULL DEFAULT 0,
	name          TEXT    NOT NULL DEFAULT '',
	reason        TEXT    NOT NULL DEFAULT '',
	exit_code     INTEGER NOT NULL DEFAULT 0,
	cpu_ns        INTEGER NOT NULL DEFAULT 0,
	wall_ns       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS events_process ON events(process_id);
`

const insertEvent = `INSERT INTO events
	(time, kind, session_id, connection_id, process_id, name, reason, exit_code, cpu_ns, wall_ns)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const selectRecent = `SELECT time, kind, session_id, connection_id, process_id, name, reason, exit_code, cpu_ns, wall_ns
	FROM events ORDER BY id DESC LIMIT ?`

// queueDepth bounds events waiting for the writer.
const queueDepth = 1024

// Entry is one persisted event.
type Entry struct {
	Time         time.Time     `cbor:"time"`
	Kind         trace.Kind    `cbor:"kind"`
	SessionID    uint32        `cbor:"session_id,omitempty"`
	ConnectionID uint32        `cbor:"connection_id,omitempty"`
	ProcessID    uint32        `cbor:"process_id,omitempty"`
	Name         string        `cbor:"name,omitempty"`
	Reason       string        `cbor:"reason,omitempty"`
	ExitCode     uint32        `cbor:"exit_code,omitempty"`
	CPUTime      time.Duration `cbor:"cpu_time,omitempty"`
	WallTime     time.Duration `cbor:"wall_time,omitempty"`
}

// Config configures a Ledger.
type Config struct {
	// Path is the database file.
	Path   string
	Logger *slog.Logger
}

// Ledger is safe for concurrent use.
type Ledger struct {
	pool    *sqlitepool.Pool
	logger  *slog.Logger
	queue   chan request
	done    chan struct{}
	dropped atomic.Uint64

	closeOnce sync.Once
	closeErr  error
}

// request is either an event to persist or a flush barrier.
type request struct {
	event   trace.Event
	flushed chan struct{}
}

// Open opens or creates the ledger at config.Path and starts its
// writer.
func Open(config Config) (*Ledger, error) {
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:     config.Path,
		PoolSize: 2,
		Schema:   schema,
		Logger:   logger,
	})
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	ledger := &Ledger{
		pool:   pool,
		logger: logger,
		queue:  make(chan request, queueDepth),
		done:   make(chan struct{}),
	}
	go ledger.write()
	return ledger, nil
}

// Record implements trace.Tracer.
func (l *Ledger) Record(event trace.Event) {
	switch event.Kind {
	case trace.ProcessExited, trace.ProcessReturned, trace.SessionAdded, trace.SessionDisconnected:
	default:
		return
	}
	select {
	case l.queue <- request{event: event}:
	default:
		if l.dropped.Add(1) == 1 {
			l.logger.Warn("history queue full, dropping events")
		}
	}
}

// Dropped returns how many events were discarded on a full queue.
func (l *Ledger) Dropped() uint64 { return l.dropped.Load() }

// Flush waits until every event recorded before the call is written.
func (l *Ledger) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	select {
	case l.queue <- request{flushed: flushed}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Ledger) write() {
	defer close(l.done)
	ctx := context.Background()
	for req := range l.queue {
		if req.flushed != nil {
			close(req.flushed)
			continue
		}
		if err := l.insert(ctx, req.event); err != nil {
			l.logger.Error("writing history event failed",
				"kind", req.event.Kind,
				"process_id", req.event.ProcessID,
				"error", err,
			)
		}
	}
}

func (l *Ledger) insert(ctx context.Context, event trace.Event) error {
	return l.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, insertEvent, &sqlitex.ExecOptions{
			Args: []any{
				event.Time,
				string(event.Kind),
				int64(event.SessionID),
				int64(event.ConnectionID),
				int64(event.ProcessID),
				event.Name,
				event.Reason,
				int64(event.ExitCode),
				int64(event.CPUTime),
				int64(event.WallTime),
			},
		})
	})
}

// Recent returns up to limit entries, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	var entries []Entry
	err := l.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, selectRecent, &sqlitex.ExecOptions{
			Args: []any{limit},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				entries = append(entries, Entry{
					Time:         time.Unix(0, stmt.ColumnInt64(0)),
					Kind:         trace.Kind(stmt.ColumnText(1)),
					SessionID:    uint32(stmt.ColumnInt64(2)),
					ConnectionID: uint32(stmt.ColumnInt64(3)),
					ProcessID:    uint32(stmt.ColumnInt64(4)),
					Name:         stmt.ColumnText(5),
					Reason:       stmt.ColumnText(6),
					ExitCode:     uint32(stmt.ColumnInt64(7)),
					CPUTime:      time.Duration(stmt.ColumnInt64(8)),
					WallTime:     time.Duration(stmt.ColumnInt64(9)),
				})
				return nil
			},
		})
	})
	if err != nil {
		return nil, fmt.Errorf("history: reading recent events: %w", err)
	}
	return entries, nil
}

// Close drains queued events and closes the database. Record must not
// be called after Close.
func (l *Ledger) Close() error {
	l.closeOnce.Do(func() {
		close(l.queue)
		<-l.done
		l.closeErr = l.pool.Close()
		if dropped := l.dropped.Load(); dropped > 0 {
			l.closeErr = errors.Join(l.closeErr, fmt.Errorf("history: %d events dropped", dropped))
		}
	})
	return l.closeErr
}
