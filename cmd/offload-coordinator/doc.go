// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Offload-coordinator serves the remote execution protocol to workers
// and accepts process submissions from the offload CLI.
//
// Submitted processes are queued for remote execution. A process that
// every worker hands back, or that no worker is connected to take, is
// cancelled remotely and run on this machine instead, at most
// local.slots at a time and only when the memory governor admits it.
//
// Configuration is a YAML (or JSONC) file named by --config or
// OFFLOAD_CONFIG. Logs are JSON on stderr.
package main
