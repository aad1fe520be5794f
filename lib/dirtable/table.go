// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package dirtable

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bureau-foundation/offload/lib/codec"
)

// Entry is one name inside a listed directory.
type Entry struct {
	Name    string `cbor:"name"`
	Size    int64  `cbor:"size"`
	Mode    uint32 `cbor:"mode"`
	ModTime int64  `cbor:"mod_time"` // unix nanoseconds
}

// IsDir reports whether the entry is a directory.
func (e Entry) IsDir() bool { return fs.FileMode(e.Mode).IsDir() }

// Record is one appended directory listing.
type Record struct {
	Path    string  `cbor:"path"`
	Entries []Entry `cbor:"entries"`
}

// Listing is the result of ListDirectory.
type Listing struct {
	// Offset is where the directory's record starts in the table.
	Offset uint64
	// Record is the directory's listing.
	Record Record
	// Appended is true when this call added the record.
	Appended bool
}

// Table is safe for concurrent use.
type Table struct {
	mu      sync.RWMutex
	data    []byte
	listed  map[string]int // path → index into records and offsets
	records []Record
	offsets []uint64
	readDir func(string) ([]fs.DirEntry, error)
}

// New returns an empty table backed by the local filesystem.
func New() *Table {
	return &Table{listed: make(map[string]int), readDir: os.ReadDir}
}

// Size returns the table length in bytes.
func (t *Table) Size() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return uint64(len(t.data))
}

// ReadRange copies up to length bytes starting at offset. Reading at
// or past the end returns an empty slice.
func (t *Table) ReadRange(offset, length uint64) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	size := uint64(len(t.data))
	if offset > size {
		return nil, fmt.Errorf("offset %d beyond table size %d", offset, size)
	}
	end := min(offset+length, size)
	return bytes.Clone(t.data[offset:end]), nil
}

// ListDirectory returns the record for path, listing and appending it
// on first use. A missing path returns an error wrapping
// fs.ErrNotExist.
func (t *Table) ListDirectory(path string) (Listing, error) {
	path = filepath.Clean(path)

	if listing, ok := t.lookup(path); ok {
		return listing, nil
	}

	directoryEntries, err := t.readDir(path)
	if err != nil {
		return Listing{}, fmt.Errorf("listing %s: %w", path, err)
	}
	record := Record{Path: path, Entries: make([]Entry, 0, len(directoryEntries))}
	for _, directoryEntry := range directoryEntries {
		info, err := directoryEntry.Info()
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return Listing{}, fmt.Errorf("stat %s: %w", filepath.Join(path, directoryEntry.Name()), err)
		}
		record.Entries = append(record.Entries, Entry{
			Name:    directoryEntry.Name(),
			Size:    info.Size(),
			Mode:    uint32(info.Mode()),
			ModTime: info.ModTime().UnixNano(),
		})
	}

	offset, appended, err := t.append(record)
	if err != nil {
		return Listing{}, err
	}
	if !appended {
		listing, _ := t.lookup(path)
		return listing, nil
	}
	return Listing{Offset: offset, Record: record, Appended: true}, nil
}

// Add appends a record for a directory the caller built itself. A
// path already in the table keeps its first record.
func (t *Table) Add(record Record) (uint64, error) {
	record.Path = filepath.Clean(record.Path)
	sort.Slice(record.Entries, func(i, j int) bool { return record.Entries[i].Name < record.Entries[j].Name })
	offset, _, err := t.append(record)
	return offset, err
}

func (t *Table) append(record Record) (uint64, bool, error) {
	encoded, err := codec.Marshal(record)
	if err != nil {
		return 0, false, fmt.Errorf("encoding directory record %s: %w", record.Path, err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Another caller may have listed the same directory meanwhile.
	if index, ok := t.listed[record.Path]; ok {
		return t.offsets[index], false, nil
	}
	offset := uint64(len(t.data))
	t.data = append(t.data, encoded...)
	t.listed[record.Path] = len(t.records)
	t.records = append(t.records, record)
	t.offsets = append(t.offsets, offset)
	return offset, true, nil
}

func (t *Table) lookup(path string) (Listing, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	index, ok := t.listed[path]
	if !ok {
		return Listing{}, false
	}
	return Listing{Offset: t.offsets[index], Record: t.records[index]}, true
}

// Files yields the full path and entry of every non-directory entry
// in the table, in append order.
func (t *Table) Files() iter.Seq2[string, Entry] {
	return func(yield func(string, Entry) bool) {
		t.mu.RLock()
		records := t.records
		t.mu.RUnlock()
		for _, record := range records {
			for _, entry := range record.Entries {
				if entry.IsDir() {
					continue
				}
				if !yield(filepath.Join(record.Path, entry.Name), entry) {
					return
				}
			}
		}
	}
}

// Decode parses a range of table bytes that starts on a record
// boundary. A trailing partial record is an error.
func Decode(data []byte) ([]Record, error) {
	decoder := codec.NewDecoder(bytes.NewReader(data))
	var records []Record
	for {
		var record Record
		err := decoder.Decode(&record)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, fmt.Errorf("decoding directory record %d: %w", len(records), err)
		}
		records = append(records, record)
	}
}
