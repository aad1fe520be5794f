// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides the standard CBOR configuration shared by
// every offload package.
//
// CBOR is the only serialization format on the coordinator's hot
// paths: worker↔coordinator session messages, operator commands,
// trace records, and the append-only directory table all use it. The
// encoder uses Core Deterministic Encoding (RFC 8949 §4.2) so the same
// logical value always produces identical bytes. That property matters
// for the directory table, whose byte offsets are handed to workers as
// read cursors, and for reply-size accounting during dispatch.
//
// For buffer-oriented operations (table records, reply budgeting):
//
//	data, err := codec.Marshal(value)
//	err = codec.Unmarshal(data, &value)
//
// For stream-oriented operations (connections, trace files):
//
//	encoder := codec.NewEncoder(conn)
//	decoder := codec.NewDecoder(conn)
//
// # Struct Tag Rules
//
// Wire and on-disk types use `cbor` tags with snake_case keys. Fixed
// size byte arrays (content keys, name keys) encode as CBOR byte
// strings. Types that also appear in CLI --json output use `json` tags
// instead; fxamacker/cbor falls back to them. Never put both tags on
// one field.
package codec
