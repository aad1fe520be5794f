// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/offload/lib/cli"
	"github.com/bureau-foundation/offload/lib/clock"
	"github.com/bureau-foundation/offload/lib/coordinator"
	"github.com/bureau-foundation/offload/lib/submit"
	"github.com/bureau-foundation/offload/lib/version"
	"github.com/bureau-foundation/offload/lib/wire"
)

const resultPollInterval = 200 * time.Millisecond

func statusCommand(connection *connectionFlags) *cli.Command {
	return &cli.Command{
		Name:    "status",
		Summary: "Show sessions, queue and counters",
		Flags:   connection.addFlags,
		Run: func(ctx context.Context, args []string) error {
			client, err := connection.dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()
			var status coordinator.Status
			if err := client.Call(ctx, coordinator.ActionStatus, nil, &status); err != nil {
				return err
			}
			newPrinter().status(status)
			return nil
		},
	}
}

// operatorCommand sends a coordinator command and prints its output.
func operatorCommand(name, summary, command string, connection *connectionFlags) *cli.Command {
	return &cli.Command{
		Name:    name,
		Summary: summary,
		Flags:   connection.addFlags,
		Run: func(ctx context.Context, args []string) error {
			return runOperatorCommand(ctx, connection, command)
		},
	}
}

func runOperatorCommand(ctx context.Context, connection *connectionFlags, command string) error {
	client, err := connection.dial(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	var response coordinator.CommandResponse
	if err := client.Call(ctx, coordinator.ActionCommand, coordinator.CommandRequest{Command: command}, &response); err != nil {
		return err
	}
	newPrinter().lines(response.Lines)
	for _, line := range response.Lines {
		if line.Type == coordinator.LogError {
			return &cli.ExitError{Code: 1}
		}
	}
	return nil
}

func abortCommand(connection *connectionFlags) *cli.Command {
	return operatorCommand("abort", "Tell every connected worker to abort", "abort", connection)
}

func disableRemoteCommand(connection *connectionFlags) *cli.Command {
	return operatorCommand("disable-remote", "Stop handing new work to workers", "disableremote", connection)
}

func historyCommand(connection *connectionFlags) *cli.Command {
	var limit int
	return &cli.Command{
		Name:    "history",
		Summary: "Show recent process and session events",
		Flags: func(flags *pflag.FlagSet) {
			connection.addFlags(flags)
			flags.IntVarP(&limit, "limit", "n", 20, "number of events to show")
		},
		Run: func(ctx context.Context, args []string) error {
			return runOperatorCommand(ctx, connection, "history "+strconv.Itoa(limit))
		},
	}
}

func runCommand(connection *connectionFlags) *cli.Command {
	var (
		weight      float32
		inputs      []string
		description string
		trackInputs bool
	)
	return &cli.Command{
		Name:    "run",
		Summary: "Run a process through the coordinator",
		Usage:   "offload run [flags] -- APPLICATION [ARGS...]",
		Description: "Submit a process and wait for it. It runs on a worker when one takes it " +
			"and on the coordinator's machine otherwise. Exits with the process's exit code.",
		Flags: func(flags *pflag.FlagSet) {
			connection.addFlags(flags)
			flags.Float32Var(&weight, "weight", 1, "capacity the process consumes on a worker")
			flags.StringArrayVar(&inputs, "input", nil, "input file to offer the worker up front (repeatable)")
			flags.StringVar(&description, "description", "", "name shown in traces and history")
			flags.BoolVar(&trackInputs, "track-inputs", false, "record the files the process reads and writes")
		},
		Run: func(ctx context.Context, args []string) error {
			if len(args) == 0 {
				return fmt.Errorf("an application to run is required")
			}
			workingDir, err := os.Getwd()
			if err != nil {
				return err
			}
			client, err := connection.dial(ctx)
			if err != nil {
				return err
			}
			defer client.Close()

			var submitted submit.RunResponse
			if err := client.Call(ctx, submit.ActionRun, submit.RunRequest{
				Start: coordinator.StartInfo{
					Application: args[0],
					Arguments:   args[1:],
					WorkingDir:  workingDir,
					Description: description,
					TrackInputs: trackInputs,
				},
				Weight:      weight,
				KnownInputs: inputs,
			}, &submitted); err != nil {
				return err
			}

			result, err := waitForResult(ctx, client, clock.Real(), submitted.JobID)
			if err != nil {
				return err
			}
			newPrinter().lines(result.LogLines)
			where := "locally"
			if !result.Local {
				where = "on " + result.Host
			}
			fmt.Fprintf(os.Stderr, "job %d ran %s in %s (cpu %s), exit code %d\n",
				submitted.JobID, where, result.WallTime.Round(time.Millisecond),
				result.CPUTime.Round(time.Millisecond), result.ExitCode)
			if result.ExitCode != 0 {
				return &cli.ExitError{Code: int(result.ExitCode & 0xff)}
			}
			return nil
		},
	}
}

func waitForResult(ctx context.Context, client *wire.Client, clk clock.Clock, jobID uint32) (submit.ResultResponse, error) {
	for {
		var result submit.ResultResponse
		if err := client.Call(ctx, submit.ActionResult, submit.ResultRequest{JobID: jobID}, &result); err != nil {
			return submit.ResultResponse{}, err
		}
		if result.Done {
			return result, nil
		}
		select {
		case <-clk.After(resultPollInterval):
		case <-ctx.Done():
			return submit.ResultResponse{}, ctx.Err()
		}
	}
}

func versionCommand() *cli.Command {
	return &cli.Command{
		Name:    "version",
		Summary: "Print version information",
		Run: func(ctx context.Context, args []string) error {
			fmt.Println(version.Full())
			return nil
		},
	}
}
