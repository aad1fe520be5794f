// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire is the request/response transport between the
// coordinator, its workers, and operator tools.
//
// Unlike a one-shot service socket, worker connections are long lived:
// a worker connects once, handshakes, and then polls for work, reports
// results, and streams files over the same connection until it
// disconnects. The coordinator keys session state by the connection
// id the [Server] assigns (1-based, never reused), and reconciles that
// state when [Server.OnDisconnect] fires.
//
// Every message is a frame: a 4-byte little-endian length followed by
// one CBOR value. Requests are envelopes carrying an action name, a
// sequence number, and the action-specific body:
//
//	{action: "process-available", seq: 12, body: {...}}
//
// Responses echo the sequence number so one connection can carry
// several outstanding calls:
//
//	{seq: 12, ok: true, data: {...}}
//	{seq: 13, ok: false, error: "unknown session 4"}
//
// Handlers run concurrently on a bounded pool shared by all
// connections. A handler error becomes an ok=false response for that
// request only; the connection stays open unless the handler asked
// for it to be closed with [Request.CloseAfterReply].
//
// [Client] is the multiplexing caller used by workers, the operator
// CLI, and tests. A failed call returns *[RemoteError].
package wire
