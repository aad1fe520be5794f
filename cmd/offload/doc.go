// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Offload is the operator CLI for a running offload-coordinator.
//
//	offload status
//	offload abort
//	offload disable-remote
//	offload history [--limit N]
//	offload run [--weight W] [--input PATH]... -- APPLICATION [ARGS...]
//
// The coordinator address comes from --address, else from the config
// file named by OFFLOAD_CONFIG, else the default socket under
// ~/.cache/offload.
package main
