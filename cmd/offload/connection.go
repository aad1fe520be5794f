// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"

	"github.com/bureau-foundation/offload/lib/config"
	"github.com/bureau-foundation/offload/lib/wire"
)

type connectionFlags struct {
	network string
	address string
}

func (f *connectionFlags) addFlags(flags *pflag.FlagSet) {
	flags.StringVar(&f.network, "network", "", "coordinator network, unix or tcp (default: from config)")
	flags.StringVar(&f.address, "address", "", "coordinator socket path or host:port (default: from config)")
}

// resolve fills in whatever the flags left empty.
func (f *connectionFlags) resolve() (network, address string, err error) {
	network, address = f.network, f.address
	if address != "" {
		if network == "" {
			network = "unix"
		}
		return network, address, nil
	}
	if os.Getenv("OFFLOAD_CONFIG") != "" {
		cfg, err := config.Load()
		if err != nil {
			return "", "", err
		}
		return cfg.Listen.Network, cfg.Listen.Address, nil
	}
	return "unix", filepath.Join(config.Default().Paths.Root, "coordinator.sock"), nil
}

func (f *connectionFlags) dial(ctx context.Context) (*wire.Client, error) {
	network, address, err := f.resolve()
	if err != nil {
		return nil, err
	}
	client, err := wire.Dial(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("connecting to coordinator at %s: %w", address, err)
	}
	return client, nil
}
