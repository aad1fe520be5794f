// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"

	"github.com/bureau-foundation/offload/lib/clock"
	"github.com/bureau-foundation/offload/lib/coordinator"
	"github.com/bureau-foundation/offload/lib/submit"
)

// launchFailureExitCode reports a process that could not be started.
const launchFailureExitCode = 0xffffffff

// executeLocal runs start on this machine and captures its combined
// output as log lines.
func executeLocal(ctx context.Context, start coordinator.StartInfo, clk clock.Clock) submit.ResultResponse {
	command := exec.CommandContext(ctx, start.Application, start.Arguments...)
	command.Dir = start.WorkingDir
	command.Env = append(os.Environ(), start.Environment...)
	var output bytes.Buffer
	command.Stdout = &output
	command.Stderr = &output

	started := clk.Now()
	err := command.Run()
	result := submit.ResultResponse{
		Done:     true,
		Local:    true,
		WallTime: clk.Now().Sub(started),
	}
	if state := command.ProcessState; state != nil {
		result.CPUTime = state.UserTime() + state.SystemTime()
	}

	scanner := bufio.NewScanner(&output)
	for scanner.Scan() {
		result.LogLines = append(result.LogLines, coordinator.LogLine{Text: scanner.Text(), Type: coordinator.LogInfo})
	}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case errors.As(err, &exitErr):
		result.ExitCode = uint32(exitErr.ExitCode())
	default:
		result.ExitCode = launchFailureExitCode
		result.LogLines = append(result.LogLines, coordinator.LogLine{Text: err.Error(), Type: coordinator.LogError})
	}
	return result
}
