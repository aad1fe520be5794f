// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package version carries build information and the worker protocol
// version.
//
// [GitCommit], [GitDirty], [BuildTime], and [Version] are injected
// with -ldflags -X and default to "unknown" / "0.1.0-dev" in
// development builds. [Info] formats them for --version output.
//
// [ProtocolVersion] is compared during the worker handshake. A worker
// that instead presents binary identity keys is checked against the
// coordinator's own worker binaries; see [CheckWorker].
package version
