// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/bureau-foundation/offload/lib/cas"
	"github.com/bureau-foundation/offload/lib/dirtable"
)

// NameToHashRecordSize is the size of one name-to-hash table record: a
// 16-byte name key followed by a 32-byte content key.
const NameToHashRecordSize = 16 + 32

// nameToHash maps file-name keys to content keys and keeps an
// append-only log of every change, which workers stream
// incrementally. A name whose key changes gets a new record; the last
// record for a name wins.
type nameToHash struct {
	mu          sync.RWMutex
	initialized bool
	lookup      map[cas.NameKey]cas.Key
	table       []byte
}

// set records key for name and reports whether anything changed.
func (n *nameToHash) set(name cas.NameKey, key cas.Key) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if current, ok := n.lookup[name]; ok && current == key {
		return false
	}
	n.lookup[name] = key
	n.table = append(n.table, name[:]...)
	n.table = append(n.table, key[:]...)
	return true
}

func (n *nameToHash) get(name cas.NameKey) (cas.Key, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	key, ok := n.lookup[name]
	return key, ok
}

func (n *nameToHash) size() uint64 {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return uint64(len(n.table))
}

// markInitialized reports whether this call did the marking.
func (n *nameToHash) markInitialized() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.initialized {
		return false
	}
	n.initialized = true
	return true
}

func (n *nameToHash) isInitialized() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.initialized
}

// resolveSize maps CurrentSize to the table size and checks that the
// requested range is one the table has.
func (n *nameToHash) resolveSize(requested, remote uint64) (uint64, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	size := uint64(len(n.table))
	if requested == CurrentSize {
		requested = size
	}
	if requested > size {
		return 0, fmt.Errorf("requested name-to-hash size %d exceeds table size %d", requested, size)
	}
	if remote > requested {
		return 0, fmt.Errorf("worker name-to-hash size %d exceeds requested size %d", remote, requested)
	}
	return requested, nil
}

// readRange copies table bytes [from, to).
func (n *nameToHash) readRange(from, to uint64) []byte {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return append([]byte(nil), n.table[from:to]...)
}

// DecodeNameToHash parses name-to-hash table bytes into records in
// table order. The length must be a whole number of records.
func DecodeNameToHash(data []byte) ([]NameToHashEntry, error) {
	if len(data)%NameToHashRecordSize != 0 {
		return nil, fmt.Errorf("name-to-hash data length %d is not a multiple of %d", len(data), NameToHashRecordSize)
	}
	entries := make([]NameToHashEntry, 0, len(data)/NameToHashRecordSize)
	for offset := 0; offset < len(data); offset += NameToHashRecordSize {
		var entry NameToHashEntry
		copy(entry.Name[:], data[offset:])
		copy(entry.Key[:], data[offset+len(entry.Name):])
		entries = append(entries, entry)
	}
	return entries, nil
}

// NameToHashEntry is one name-to-hash table record.
type NameToHashEntry struct {
	Name cas.NameKey
	Key  cas.Key
}

// initializeNameToHash seeds the table from every file already in the
// directory table whose content key the store has cached. Only the
// first caller does the work.
func (c *Coordinator) initializeNameToHash() {
	if !c.names.markInitialized() {
		return
	}
	added := 0
	for path, entry := range c.directories.Files() {
		if c.fileEntryAdded(path, entry) {
			added++
		}
	}
	c.logger.Debug("prepopulated name-to-hash table", "entries", added)
}

// fileEntryAdded records a directory-table file in the name-to-hash
// table if its content key is already known for the listed size and
// modification time.
func (c *Coordinator) fileEntryAdded(path string, entry dirtable.Entry) bool {
	if !c.names.isInitialized() {
		return false
	}
	key, ok := c.store.Cached(path, entry.Size, time.Unix(0, entry.ModTime))
	if !ok {
		return false
	}
	return c.names.set(cas.KeyForName(path), key)
}

// directoryListed feeds a newly appended directory record to the
// name-to-hash table.
func (c *Coordinator) directoryListed(record dirtable.Record) {
	for _, entry := range record.Entries {
		if entry.IsDir() {
			continue
		}
		c.fileEntryAdded(filepath.Join(record.Path, entry.Name), entry)
	}
}
