// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package submit defines the messages the operator CLI uses to hand
// processes to a running coordinator and collect their results.
//
// Submission never blocks a handler: [ActionRun] returns a job id at
// once and [ActionResult] reports whether the job has finished, so a
// client polls until Done. A job runs remotely when a worker takes it
// and locally when every worker hands it back.
package submit
