// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import "fmt"

// Identity is what a worker presents at handshake: its protocol
// version and, optionally, the content keys of its agent and detour
// binaries. A worker whose AgentKey is zero is checked by version
// alone.
type Identity struct {
	Protocol   uint32
	AgentKey   [32]byte
	DetoursKey [32]byte
}

// CheckWorker compares a worker's identity against the coordinator's
// expectation. When the worker presents binary keys they must both
// match; otherwise the protocol versions must. The returned error
// text is sent to the worker verbatim as the rejection reason.
func CheckWorker(worker, expected Identity) error {
	if worker.AgentKey != ([32]byte{}) {
		if worker.AgentKey != expected.AgentKey || worker.DetoursKey != expected.DetoursKey {
			return fmt.Errorf("worker binaries do not match coordinator binaries (agent %x, detours %x)",
				worker.AgentKey[:8], worker.DetoursKey[:8])
		}
		return nil
	}
	if worker.Protocol != expected.Protocol {
		return fmt.Errorf("worker protocol version %d does not match coordinator version %d",
			worker.Protocol, expected.Protocol)
	}
	return nil
}
