// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/bureau-foundation/offload/lib/cli"
	"github.com/bureau-foundation/offload/lib/coordinator"
)

type printer struct {
	w     io.Writer
	color bool
}

func newPrinter() *printer {
	return &printer{w: os.Stdout, color: cli.IsTerminal(os.Stdout)}
}

var (
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	detailStyle  = lipgloss.NewStyle().Faint(true)
)

func (p *printer) style(style lipgloss.Style, text string) string {
	if !p.color {
		return text
	}
	return style.Render(text)
}

func (p *printer) lines(lines []coordinator.LogLine) {
	for _, line := range lines {
		text := line.Text
		switch line.Type {
		case coordinator.LogError:
			text = p.style(errorStyle, text)
		case coordinator.LogWarning:
			text = p.style(warningStyle, text)
		case coordinator.LogDetail, coordinator.LogDebug:
			text = p.style(detailStyle, text)
		}
		fmt.Fprintln(p.w, text)
	}
}

func (p *printer) status(status coordinator.Status) {
	remote := "enabled"
	if !status.RemoteEnabled {
		remote = p.style(warningStyle, "disabled")
	}
	fmt.Fprintf(p.w, "remote execution %s, %d connections, %d slots available\n",
		remote, status.Connections, status.AvailableSlots)
	fmt.Fprintf(p.w, "%d queued, %d active, %d finished, %d returned\n",
		status.Queued, status.Active, status.Finished, status.Returned)
	if len(status.Sessions) == 0 {
		return
	}

	fmt.Fprintln(p.w)
	tw := tabwriter.NewWriter(p.w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSLOTS\tSTATE\tPING\tMEMORY FREE")
	for _, s := range status.Sessions {
		state := "active"
		switch {
		case !s.Connected:
			state = "disconnected"
		case s.Abort:
			state = "aborting"
		case !s.Enabled:
			state = "idle"
		}
		if s.Dedicated {
			state += " (dedicated)"
		}
		ping := "-"
		if s.PingAge > 0 {
			ping = s.LastPing.Round(time.Microsecond).String()
		}
		memory := "-"
		if s.MemoryTotal > 0 {
			memory = fmt.Sprintf("%d/%d MiB", s.MemoryAvailable>>20, s.MemoryTotal>>20)
		}
		fmt.Fprintf(tw, "%d\t%s\t%d/%d\t%s\t%s\t%s\n", s.ID, s.Name, s.Used, s.Slots, state, ping, memory)
	}
	tw.Flush()
}
