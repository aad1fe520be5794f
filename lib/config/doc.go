// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the coordinator's configuration.
//
// Configuration comes from exactly one file, named by the
// OFFLOAD_CONFIG environment variable ([Load]) or a --config flag
// ([LoadFile]). There is no discovery and no per-field environment
// override. Files ending in .json or .jsonc are accepted: comments and
// trailing commas are stripped with tidwall/jsonc and the result is
// parsed by the same YAML decoder.
//
// A production section overrides base values when Environment is
// production. Path fields support ${VAR} and ${VAR:-default}
// expansion, with ${OFFLOAD_ROOT} bound to Paths.Root.
//
// Key exports:
//
//   - [Config] with Paths, Listen, Session, Dispatch, Memory, Store,
//     and Local sections
//   - [Default] for development defaults
//   - [Load] and [LoadFile]
//   - [Config.Validate]
package config
