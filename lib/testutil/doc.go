// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by the offload test suites.
//
// [RequireReceive], [RequireSend], and [RequireClosed] are the only
// places tests wait on wall-clock time; everything else uses a
// clock.FakeClock. The timeouts exist to turn a hang into a failure.
//
// [SocketDir] returns a short directory under /tmp for Unix sockets,
// whose paths are limited to 108 bytes. [WriteFile] creates a file
// with parent directories. [Logger] returns an slog.Logger that only
// surfaces errors, keeping test output readable.
package testutil
