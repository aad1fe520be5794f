// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cli is the small command-tree framework shared by the
// offload binaries.
//
// A [Command] is either a group (Subcommands) or a leaf (Run). Execute
// walks the tree by positional name, parses the leaf's pflag set and
// hands it the remaining arguments. Unknown commands and flags get an
// edit-distance suggestion. Help is printed for -h, --help and help.
//
// [NewLogger] picks a text handler for an interactive terminal and a
// JSON handler otherwise, so that piped output stays machine readable.
package cli
