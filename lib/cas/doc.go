// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package cas is the coordinator's content-addressed store.
//
// Content is identified by a [Key]: a 32-byte BLAKE3 keyed hash in the
// file domain. Paths are identified by a [NameKey], a truncated BLAKE3
// hash in a separate name domain, used by the name→hash table and the
// custom key table. [DeriveKey] combines a set of content keys into a
// key for content whose identity is defined by its inputs.
//
// [Store] keeps one blob per key under its root directory:
//
//	<root>/blobs/<first two hex chars>/<remaining hex>
//
// Each blob is a 1-byte [Compression] tag, the 8-byte little-endian
// uncompressed size, and the payload. LZ4 is the default; data that
// does not shrink is stored raw.
//
// [Store.StoreFile] can defer creation: the key is computed and the
// source path remembered, and the blob is written the first time a
// reader needs it. This keeps hashing of known inputs cheap when most
// of them are never requested by a worker.
//
// The zero key means "no such file". [DirectoryKey] is the reserved
// answer for paths that name a directory.
package cas
