// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package trace

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/bureau-foundation/offload/lib/codec"
)

// FileWriter appends events to a zstd-compressed CBOR sequence.
type FileWriter struct {
	mu         sync.Mutex
	file       *os.File
	compressor *zstd.Encoder
	encoder    *codec.Encoder
	logger     *slog.Logger
	failed     bool
}

// CreateFile truncates or creates path.
func CreateFile(path string, logger *slog.Logger) (*FileWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("creating trace file: %w", err)
	}
	compressor, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("creating trace compressor: %w", err)
	}
	return &FileWriter{
		file:       file,
		compressor: compressor,
		encoder:    codec.NewEncoder(compressor),
		logger:     logger,
	}, nil
}

// Record encodes event. After the first write failure the writer logs
// once and drops further events.
func (w *FileWriter) Record(event Event) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed || w.encoder == nil {
		return
	}
	if err := w.encoder.Encode(event); err != nil {
		w.failed = true
		w.logger.Error("trace write failed, dropping further events", "error", err)
	}
}

// Close flushes and closes the file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.encoder == nil {
		return nil
	}
	w.encoder = nil
	return errors.Join(w.compressor.Close(), w.file.Close())
}

// ReadFile decodes every event in a trace file.
func ReadFile(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	decompressor, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("opening trace stream: %w", err)
	}
	defer decompressor.Close()

	decoder := codec.NewDecoder(decompressor)
	var events []Event
	for {
		var event Event
		err := decoder.Decode(&event)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return events, fmt.Errorf("decoding trace event %d: %w", len(events), err)
		}
		events = append(events, event)
	}
}
