// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"

	"github.com/bureau-foundation/offload/lib/wire"
)

// Register installs the coordinator's handlers on server and hooks
// connection loss to Disconnect.
func (c *Coordinator) Register(server *wire.Server) {
	server.Handle(ActionConnect, c.handleConnect)
	server.Handle(ActionProcessAvailable, c.handleProcessAvailable)
	server.Handle(ActionProcessFinished, c.handleProcessFinished)
	server.Handle(ActionProcessReturned, c.handleProcessReturned)
	server.Handle(ActionProcessInputs, c.handleProcessInputs)
	server.Handle(ActionGetFile, c.handleGetFile)
	server.Handle(ActionEnsureBinary, c.handleEnsureBinary)
	server.Handle(ActionGetApplication, c.handleGetApplication)
	server.Handle(ActionSendFile, c.handleSendFile)
	server.Handle(ActionStoreContent, c.handleStoreContent)
	server.Handle(ActionFetchContent, c.handleFetchContent)
	server.Handle(ActionListDirectory, c.handleListDirectory)
	server.Handle(ActionGetDirectories, c.handleGetDirectories)
	server.Handle(ActionGetNameToHash, c.handleGetNameToHash)
	server.Handle(ActionPing, c.handlePing)
	server.Handle(ActionCommand, c.handleCommand)
	server.Handle(ActionNotification, c.handleNotification)
	server.Handle(ActionUpdateEnvironment, c.handleUpdateEnvironment)
	server.Handle(ActionSummary, c.handleSummary)
	server.Handle(ActionStatus, func(ctx context.Context, request *wire.Request) (any, error) {
		return c.Status(), nil
	})
	server.OnDisconnect(c.Disconnect)
}
