// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/bureau-foundation/offload/lib/wire"
)

const defaultHistoryLimit = 20

// RunCommand executes an operator command and returns its output.
// Commands: status, abort, disableremote, history [count].
func (c *Coordinator) RunCommand(ctx context.Context, command string) []LogLine {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return []LogLine{{Text: "empty command", Type: LogError}}
	}
	switch fields[0] {
	case "status":
		return c.statusLines()
	case "abort":
		return c.abortSessions()
	case "disableremote":
		c.DisableRemoteExecution()
		return []LogLine{{Text: "remote execution disabled", Type: LogInfo}}
	case "history":
		return c.historyLines(ctx, fields[1:])
	default:
		return []LogLine{{Text: fmt.Sprintf("unknown command %q", fields[0]), Type: LogError}}
	}
}

func (c *Coordinator) handleCommand(ctx context.Context, request *wire.Request) (any, error) {
	var message CommandRequest
	if err := request.Decode(&message); err != nil {
		return nil, err
	}
	return CommandResponse{Lines: c.RunCommand(ctx, message.Command)}, nil
}

func (c *Coordinator) statusLines() []LogLine {
	status := c.Status()
	lines := []LogLine{{
		Text: fmt.Sprintf("remote enabled: %t, connections: %d, available slots: %d",
			status.RemoteEnabled, status.Connections, status.AvailableSlots),
		Type: LogInfo,
	}, {
		Text: fmt.Sprintf("queued: %d, active: %d, finished: %d, returned: %d",
			status.Queued, status.Active, status.Finished, status.Returned),
		Type: LogInfo,
	}}
	for _, s := range status.Sessions {
		if !s.Connected {
			continue
		}
		text := fmt.Sprintf("session %d %s: %d/%d slots used", s.ID, s.Name, s.Used, s.Slots)
		if !s.Enabled {
			text += ", disabled"
		}
		if s.PingAge > 0 {
			text += fmt.Sprintf(", last ping %s ago (%s)", s.PingAge.Round(time.Millisecond), s.LastPing)
		}
		if s.MemoryTotal > 0 {
			text += fmt.Sprintf(", memory %d/%d MiB free", s.MemoryAvailable>>20, s.MemoryTotal>>20)
		}
		lines = append(lines, LogLine{Text: text, Type: LogInfo})
	}
	return lines
}

// abortSessions asks every connected worker to abort on its next ping.
func (c *Coordinator) abortSessions() []LogLine {
	c.mu.Lock()
	count := 0
	for _, s := range c.sessions {
		if s.connected {
			s.abort = true
			count++
		}
	}
	c.mu.Unlock()
	c.logger.Info("abort requested for connected sessions", "sessions", count)
	return []LogLine{{Text: fmt.Sprintf("abort sent to %d sessions", count), Type: LogInfo}}
}

func (c *Coordinator) historyLines(ctx context.Context, args []string) []LogLine {
	if c.config.History == nil {
		return []LogLine{{Text: "no history ledger configured", Type: LogError}}
	}
	limit := defaultHistoryLimit
	if len(args) > 0 {
		parsed, err := strconv.Atoi(args[0])
		if err != nil || parsed <= 0 {
			return []LogLine{{Text: fmt.Sprintf("invalid history count %q", args[0]), Type: LogError}}
		}
		limit = parsed
	}
	entries, err := c.config.History.Recent(ctx, limit)
	if err != nil {
		return []LogLine{{Text: "reading history: " + err.Error(), Type: LogError}}
	}
	lines := make([]LogLine, 0, len(entries))
	for _, entry := range entries {
		text := entry.Time.UTC().Format(time.RFC3339) + " " + string(entry.Kind)
		if entry.SessionID != 0 {
			text += fmt.Sprintf(" session=%d", entry.SessionID)
		}
		if entry.ProcessID != 0 {
			text += fmt.Sprintf(" process=%d", entry.ProcessID)
		}
		if entry.Name != "" {
			text += " " + entry.Name
		}
		lineType := LogInfo
		if entry.ExitCode != 0 {
			text += fmt.Sprintf(" exit=%d", entry.ExitCode)
			lineType = LogWarning
		}
		if entry.Reason != "" {
			text += " (" + entry.Reason + ")"
		}
		lines = append(lines, LogLine{Text: text, Type: lineType})
	}
	return lines
}
