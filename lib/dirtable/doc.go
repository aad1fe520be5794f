// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package dirtable is the append-only directory table streamed to
// workers.
//
// Every directory the coordinator lists is appended once as a CBOR
// [Record]: its cleaned path and its entries. Workers hold a byte
// cursor into the table and pull [Table.ReadRange] from it, so
// records are never rewritten and offsets never move. [Decode] turns
// a range of table bytes back into records.
package dirtable
