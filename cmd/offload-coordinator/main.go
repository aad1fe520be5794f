// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/offload/lib/cas"
	"github.com/bureau-foundation/offload/lib/cli"
	"github.com/bureau-foundation/offload/lib/clock"
	"github.com/bureau-foundation/offload/lib/config"
	"github.com/bureau-foundation/offload/lib/coordinator"
	"github.com/bureau-foundation/offload/lib/dirtable"
	"github.com/bureau-foundation/offload/lib/history"
	"github.com/bureau-foundation/offload/lib/memgov"
	"github.com/bureau-foundation/offload/lib/process"
	"github.com/bureau-foundation/offload/lib/trace"
	"github.com/bureau-foundation/offload/lib/version"
	"github.com/bureau-foundation/offload/lib/wire"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		configPath  string
		logLevel    string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("offload-coordinator", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to the coordinator config file (default: $OFFLOAD_CONFIG)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, or error")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Printf("offload-coordinator %s\n", version.Info())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.EnsurePaths(); err != nil {
		return err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: cli.ParseLevel(logLevel),
	}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	compression, err := cas.ParseCompression(cfg.Store.Compression)
	if err != nil {
		return err
	}
	store, err := cas.Open(cas.Config{
		Root:        cfg.Paths.Store,
		Compression: compression,
		Logger:      logger.With("component", "cas"),
	})
	if err != nil {
		return fmt.Errorf("opening content store: %w", err)
	}
	if cfg.Session.ResetCas {
		if err := store.Reset(); err != nil {
			return fmt.Errorf("resetting content store: %w", err)
		}
	}

	var tracers []trace.Tracer
	if cfg.Paths.Trace != "" {
		traceFile, err := trace.CreateFile(cfg.Paths.Trace, logger.With("component", "trace"))
		if err != nil {
			return err
		}
		defer func() {
			if err := traceFile.Close(); err != nil {
				logger.Error("closing trace file", "error", err)
			}
		}()
		tracers = append(tracers, traceFile)
	}
	var ledger *history.Ledger
	if cfg.Paths.History != "" {
		ledger, err = history.Open(history.Config{
			Path:   cfg.Paths.History,
			Logger: logger.With("component", "history"),
		})
		if err != nil {
			return err
		}
		defer func() {
			if err := ledger.Close(); err != nil {
				logger.Error("closing history ledger", "error", err)
			}
		}()
		tracers = append(tracers, ledger)
	}

	maxRequired, err := config.ParseSize(cfg.Memory.MaxRequired)
	if err != nil {
		return err
	}
	governor := memgov.New(memgov.Config{
		Clock:           clk,
		Logger:          logger.With("component", "memgov"),
		WaitLoadPercent: cfg.Memory.WaitLoadPercent,
		MaxRequired:     maxRequired,
		PollInterval:    config.Duration(cfg.Memory.PollInterval),
		ReportInterval:  config.Duration(cfg.Memory.ReportInterval),
	})

	coordinatorConfig := coordinator.Config{
		Store:                   store,
		Directories:             dirtable.New(),
		Tracer:                  trace.Multi(tracers...),
		Clock:                   clk,
		Logger:                  logger.With("component", "coordinator"),
		AgentBinary:             cfg.Session.AgentBinary,
		DetoursBinary:           cfg.Session.DetoursBinary,
		ResetCas:                cfg.Session.ResetCas,
		RemoteLogging:           cfg.Session.RemoteLogging,
		RemoteTrace:             cfg.Session.RemoteTrace,
		WriteToDisk:             cfg.Session.WriteToDisk,
		RemoteExecutionDisabled: !cfg.Session.RemoteExecution,
		MaxMessageSize:          cfg.Dispatch.MaxMessageSize,
		SafetyMargin:            cfg.Dispatch.SafetyMargin,
		LogDir:                  cfg.Paths.Logs,
		TempDir:                 cfg.Paths.Temp,
	}
	if ledger != nil {
		coordinatorConfig.History = ledger
	}
	coord, err := coordinator.New(coordinatorConfig)
	if err != nil {
		return err
	}
	if cfg.Session.MaxRemoteProcesses > 0 {
		coord.SetMaxRemoteProcessCount(uint32(cfg.Session.MaxRemoteProcesses))
	}

	server := wire.NewServer(wire.ServerConfig{
		Network:        cfg.Listen.Network,
		Address:        cfg.Listen.Address,
		Handlers:       cfg.Dispatch.Handlers,
		MaxMessageSize: cfg.Dispatch.MaxMessageSize,
		Logger:         logger.With("component", "wire"),
	})
	coord.Register(server)
	orchestrator := newOrchestrator(ctx, coord, governor, clk, cfg.Local.Slots, logger.With("component", "orchestrator"))
	orchestrator.register(server)

	go governor.Run(ctx)
	go coord.RunSessionUpdates(ctx, config.Duration(cfg.Session.UpdateInterval))

	logger.Info("coordinator starting",
		"version", version.Info(),
		"network", cfg.Listen.Network,
		"address", cfg.Listen.Address,
		"store", cfg.Paths.Store,
		"remote_execution", cfg.Session.RemoteExecution,
		"local_slots", cfg.Local.Slots,
	)
	serveErr := server.Serve(ctx)

	coord.LogSummary()
	coord.Close()
	orchestrator.wait()
	if ledger != nil && ledger.Dropped() > 0 {
		logger.Warn("history ledger dropped events", "dropped", ledger.Dropped())
	}
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return serveErr
	}
	return nil
}
