// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/bureau-foundation/offload/lib/cli"
	"github.com/bureau-foundation/offload/lib/process"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCommand().Execute(ctx, os.Args[1:])
	stop()
	if err != nil {
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		process.Fatal(err)
	}
}

func rootCommand() *cli.Command {
	var connection connectionFlags
	return &cli.Command{
		Name:        "offload",
		Summary:     "Operate a remote execution coordinator",
		Description: "Inspect and steer a running offload-coordinator, or submit a process to it.",
		Subcommands: []*cli.Command{
			statusCommand(&connection),
			abortCommand(&connection),
			disableRemoteCommand(&connection),
			historyCommand(&connection),
			runCommand(&connection),
			versionCommand(),
		},
	}
}
