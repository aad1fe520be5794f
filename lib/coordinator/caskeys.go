// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"bytes"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/bureau-foundation/offload/lib/cas"
)

// customKey is a content key that depends on a declared input set
// rather than on the file's bytes. It starts pending and is resolved
// on first use.
type customKey struct {
	resolved      bool
	key           cas.Key
	workingDir    string
	trackedInputs []byte
}

type customKeyTable struct {
	mu   sync.Mutex
	keys map[cas.NameKey]*customKey
}

// SetCustomCasKeyFromTrackedInputs makes the content key of fileName
// derive from the content keys of its tracked inputs: NUL-separated
// paths, relative to workingDir or absolute. The key is computed the
// first time a worker asks for the file. Inputs under the temp or
// system directories, and fileName itself, do not contribute.
func (c *Coordinator) SetCustomCasKeyFromTrackedInputs(fileName, workingDir string, trackedInputs []byte) {
	fileName = absolutePath(fileName, workingDir)
	c.customKeys.mu.Lock()
	c.customKeys.keys[cas.KeyForName(fileName)] = &customKey{
		workingDir:    workingDir,
		trackedInputs: bytes.Clone(trackedInputs),
	}
	c.customKeys.mu.Unlock()
}

// customKeyFor returns the resolved custom key for a file, ZeroKey if
// the file has none. Tracked inputs are hashed outside the table lock;
// when two callers resolve the same entry the first to publish wins.
func (c *Coordinator) customKeyFor(name cas.NameKey, fileName string) (cas.Key, error) {
	c.customKeys.mu.Lock()
	custom, ok := c.customKeys.keys[name]
	if !ok {
		c.customKeys.mu.Unlock()
		return cas.ZeroKey, nil
	}
	if custom.resolved {
		key := custom.key
		c.customKeys.mu.Unlock()
		return key, nil
	}
	workingDir, trackedInputs := custom.workingDir, custom.trackedInputs
	c.customKeys.mu.Unlock()

	key, err := c.keyFromTrackedInputs(fileName, workingDir, trackedInputs)
	if err != nil {
		return cas.ZeroKey, err
	}

	c.customKeys.mu.Lock()
	defer c.customKeys.mu.Unlock()
	if c.customKeys.keys[name] != custom {
		// Replaced while hashing; the new entry resolves on its own.
		return key, nil
	}
	if !custom.resolved {
		custom.key = key
		custom.resolved = true
	}
	return custom.key, nil
}

func (c *Coordinator) keyFromTrackedInputs(fileName, workingDir string, trackedInputs []byte) (cas.Key, error) {
	var keys []cas.Key
	for _, input := range SplitTrackedInputs(trackedInputs) {
		path := absolutePath(input, workingDir)
		if path == fileName || underAny(path, []string{c.config.TempDir}) || underAny(path, c.config.SystemDirs) {
			continue
		}
		key, err := c.store.StoreFile(path, cas.ZeroKey, true)
		if err != nil {
			return cas.ZeroKey, fmt.Errorf("hashing tracked input %s of %s: %w", path, fileName, err)
		}
		if key.IsZero() {
			return cas.ZeroKey, fmt.Errorf("tracked input %s of %s does not exist", path, fileName)
		}
		keys = append(keys, key)
	}
	return cas.DeriveKey(keys), nil
}

// SplitTrackedInputs splits a NUL-separated tracked input blob.
func SplitTrackedInputs(data []byte) []string {
	var paths []string
	for _, field := range bytes.Split(data, []byte{0}) {
		if len(field) > 0 {
			paths = append(paths, string(field))
		}
	}
	return paths
}

// JoinTrackedInputs is the inverse of SplitTrackedInputs.
func JoinTrackedInputs(paths []string) []byte {
	var buffer bytes.Buffer
	for _, path := range paths {
		buffer.WriteString(filepath.Clean(path))
		buffer.WriteByte(0)
	}
	return buffer.Bytes()
}

// storeCasFile resolves a file's content key: the custom key if one is
// registered, otherwise the hash of its content. Creation is deferred.
// A missing file is ZeroKey unless an upload was recorded for it
// without writing it to disk.
func (c *Coordinator) storeCasFile(name cas.NameKey, path string) (cas.Key, error) {
	override, err := c.customKeyFor(name, path)
	if err != nil {
		return cas.ZeroKey, err
	}
	key, err := c.store.StoreFile(path, override, true)
	if err != nil {
		return cas.ZeroKey, err
	}
	if !key.IsZero() || c.config.WriteToDisk {
		return key, nil
	}
	c.receivedMu.RLock()
	defer c.receivedMu.RUnlock()
	if received, ok := c.received[name]; ok {
		return received, nil
	}
	return cas.ZeroKey, nil
}
