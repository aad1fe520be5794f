// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package submit

import (
	"time"

	"github.com/bureau-foundation/offload/lib/coordinator"
)

const (
	ActionRun    = "run"
	ActionResult = "result"
)

type RunRequest struct {
	Start  coordinator.StartInfo `cbor:"start"`
	Weight float32               `cbor:"weight"`
	// KnownInputs are paths offered to the worker up front.
	KnownInputs []string `cbor:"known_inputs,omitempty"`
}

type RunResponse struct {
	JobID uint32 `cbor:"job_id"`
}

type ResultRequest struct {
	JobID uint32 `cbor:"job_id"`
}

type ResultResponse struct {
	Done     bool                  `cbor:"done"`
	Local    bool                  `cbor:"local,omitempty"`
	Host     string                `cbor:"host,omitempty"`
	ExitCode uint32                `cbor:"exit_code"`
	CPUTime  time.Duration         `cbor:"cpu_time,omitempty"`
	WallTime time.Duration         `cbor:"wall_time,omitempty"`
	LogLines []coordinator.LogLine `cbor:"log_lines,omitempty"`
}
