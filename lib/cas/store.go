// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// ErrNotFound is returned when a key has no blob and no deferred
// source.
var ErrNotFound = errors.New("content not found")

const (
	blobDirectory = "blobs"
	headerSize    = 9
)

// Config configures a Store.
type Config struct {
	Root        string
	Compression Compression
	Logger      *slog.Logger
}

// Store is a content-addressed blob store. Safe for concurrent use.
type Store struct {
	root        string
	compression Compression
	logger      *slog.Logger

	mu sync.Mutex
	// files caches path → key by (size, mtime) so unchanged files
	// are not rehashed.
	files map[string]fileEntry
	// deferred maps keys whose blob has not been written yet to the
	// file holding their content.
	deferred map[Key]string
}

type fileEntry struct {
	size    int64
	modTime time.Time
	key     Key
}

// Open creates the store directories and returns a Store.
func Open(config Config) (*Store, error) {
	if config.Root == "" {
		return nil, errors.New("cas: root directory is required")
	}
	for _, directory := range []string{
		config.Root,
		filepath.Join(config.Root, blobDirectory),
	} {
		if err := os.MkdirAll(directory, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", directory, err)
		}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		root:        config.Root,
		compression: config.Compression,
		logger:      logger,
		files:       make(map[string]fileEntry),
		deferred:    make(map[Key]string),
	}, nil
}

// StoreFile resolves path to a content key, storing its content.
//
// A missing path returns ZeroKey and no error; a directory returns
// DirectoryKey. A non-zero override replaces the content-derived key
// and is not remembered for later lookups of path. With deferCreation the blob is written on first read instead of now.
func (s *Store) StoreFile(path string, override Key, deferCreation bool) (Key, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return ZeroKey, nil
	}
	if err != nil {
		return ZeroKey, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		return DirectoryKey, nil
	}

	s.mu.Lock()
	cached, ok := s.files[path]
	s.mu.Unlock()
	if ok && cached.size == info.Size() && cached.modTime.Equal(info.ModTime()) && override.IsZero() {
		if deferCreation || s.Exists(cached.key) {
			return cached.key, nil
		}
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ZeroKey, nil
		}
		return ZeroKey, fmt.Errorf("reading %s: %w", path, err)
	}
	key := override
	if key.IsZero() {
		key = HashContent(content)
	}

	if override.IsZero() {
		s.mu.Lock()
		s.files[path] = fileEntry{size: info.Size(), modTime: info.ModTime(), key: key}
		s.mu.Unlock()
	}

	if deferCreation {
		if !s.blobExists(key) {
			s.mu.Lock()
			s.deferred[key] = path
			s.mu.Unlock()
		}
		return key, nil
	}
	if err := s.writeBlob(key, content); err != nil {
		return ZeroKey, err
	}
	return key, nil
}

// Cached returns the key last computed for path if the file still
// has the given size and modification time. It never reads the file.
func (s *Store) Cached(path string, size int64, modTime time.Time) (Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.files[path]
	if !ok || entry.size != size || !entry.modTime.Equal(modTime) {
		return ZeroKey, false
	}
	return entry.key, true
}

// Put stores everything read from r and returns its key.
func (s *Store) Put(r io.Reader) (Key, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return ZeroKey, fmt.Errorf("reading content: %w", err)
	}
	return s.PutBytes(content)
}

// PutBytes stores content and returns its key.
func (s *Store) PutBytes(content []byte) (Key, error) {
	key := HashContent(content)
	if s.blobExists(key) {
		return key, nil
	}
	if err := s.writeBlob(key, content); err != nil {
		return ZeroKey, err
	}
	return key, nil
}

// ReadContent returns the content of key, materializing a deferred
// blob first.
func (s *Store) ReadContent(key Key) ([]byte, error) {
	if err := s.materialize(key); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.blobPath(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", key.Short(), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading blob %s: %w", key.Short(), err)
	}
	if len(raw) < headerSize {
		return nil, fmt.Errorf("blob %s is truncated (%d bytes)", key.Short(), len(raw))
	}
	tag := Compression(raw[0])
	size := binary.LittleEndian.Uint64(raw[1:headerSize])
	content, err := decompress(raw[headerSize:], tag, int(size))
	if err != nil {
		return nil, fmt.Errorf("blob %s: %w", key.Short(), err)
	}
	return content, nil
}

// Open returns a reader over the content of key.
func (s *Store) Open(key Key) (io.ReadCloser, error) {
	content, err := s.ReadContent(key)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(content)), nil
}

// Retrieve writes the content of key to destination with the given
// mode, creating parent directories. The file appears atomically.
func (s *Store) Retrieve(key Key, destination string, mode os.FileMode) error {
	content, err := s.ReadContent(key)
	if err != nil {
		return err
	}
	if mode == 0 {
		mode = 0o644
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0o755); err != nil {
		return fmt.Errorf("creating parent of %s: %w", destination, err)
	}
	return writeAtomic(destination, content, mode)
}

// FakeCopy verifies key is present without writing destination.
// Callers record the destination themselves.
func (s *Store) FakeCopy(key Key, destination string) error {
	if !s.Exists(key) {
		return fmt.Errorf("fake copy to %s: %s: %w", destination, key.Short(), ErrNotFound)
	}
	return nil
}

// Exists reports whether key has a blob or a deferred source.
func (s *Store) Exists(key Key) bool {
	s.mu.Lock()
	_, deferred := s.deferred[key]
	s.mu.Unlock()
	return deferred || s.blobExists(key)
}

// Drop forgets key: its blob, its deferred source, and any cached
// path resolving to it.
func (s *Store) Drop(key Key) {
	s.mu.Lock()
	delete(s.deferred, key)
	for path, entry := range s.files {
		if entry.key == key {
			delete(s.files, path)
		}
	}
	s.mu.Unlock()

	if err := os.Remove(s.blobPath(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn("dropping blob failed", "key", key.Short(), "error", err)
	}
}

// Reset removes every blob and clears the caches.
func (s *Store) Reset() error {
	s.mu.Lock()
	s.files = make(map[string]fileEntry)
	s.deferred = make(map[Key]string)
	s.mu.Unlock()

	blobs := filepath.Join(s.root, blobDirectory)
	if err := os.RemoveAll(blobs); err != nil {
		return fmt.Errorf("removing blobs: %w", err)
	}
	return os.MkdirAll(blobs, 0o755)
}

func (s *Store) materialize(key Key) error {
	s.mu.Lock()
	source, ok := s.deferred[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	content, err := os.ReadFile(source)
	if err != nil {
		return fmt.Errorf("materializing %s from %s: %w", key.Short(), source, err)
	}
	if err := s.writeBlob(key, content); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.deferred, key)
	s.mu.Unlock()
	return nil
}

func (s *Store) writeBlob(key Key, content []byte) error {
	payload, tag, err := compress(content, s.compression)
	if err != nil {
		return fmt.Errorf("compressing %s: %w", key.Short(), err)
	}
	blob := make([]byte, headerSize+len(payload))
	blob[0] = byte(tag)
	binary.LittleEndian.PutUint64(blob[1:headerSize], uint64(len(content)))
	copy(blob[headerSize:], payload)

	path := s.blobPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating blob directory: %w", err)
	}
	if err := writeAtomic(path, blob, 0o644); err != nil {
		return err
	}
	s.logger.Debug("stored blob", "key", key.Short(), "size", len(content), "compression", tag.String())
	return nil
}

func (s *Store) blobExists(key Key) bool {
	_, err := os.Stat(s.blobPath(key))
	return err == nil
}

func (s *Store) blobPath(key Key) string {
	text := key.String()
	return filepath.Join(s.root, blobDirectory, text[:2], text[2:])
}

// writeAtomic writes through a temp file in the destination's
// directory and renames it into place.
func writeAtomic(destination string, content []byte, mode os.FileMode) error {
	file, err := os.CreateTemp(filepath.Dir(destination), ".partial-*")
	if err != nil {
		return fmt.Errorf("creating temp file for %s: %w", destination, err)
	}
	temporary := file.Name()
	if _, err := file.Write(content); err != nil {
		file.Close()
		os.Remove(temporary)
		return fmt.Errorf("writing %s: %w", destination, err)
	}
	if err := file.Chmod(mode); err != nil {
		file.Close()
		os.Remove(temporary)
		return fmt.Errorf("setting mode on %s: %w", destination, err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporary)
		return fmt.Errorf("closing %s: %w", destination, err)
	}
	if err := os.Rename(temporary, destination); err != nil {
		os.Remove(temporary)
		return fmt.Errorf("renaming into %s: %w", destination, err)
	}
	return nil
}
