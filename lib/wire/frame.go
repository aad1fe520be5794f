// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/bureau-foundation/offload/lib/codec"
)

// DefaultMaxMessageSize bounds a single frame when the caller does
// not configure one.
const DefaultMaxMessageSize = 4 * 1024 * 1024

// requestEnvelope is the frame a client sends.
type requestEnvelope struct {
	Action string           `cbor:"action"`
	Seq    uint64           `cbor:"seq"`
	Body   codec.RawMessage `cbor:"body,omitempty"`
}

// Response is the frame the server sends back.
type Response struct {
	Seq   uint64           `cbor:"seq"`
	OK    bool             `cbor:"ok"`
	Error string           `cbor:"error,omitempty"`
	Data  codec.RawMessage `cbor:"data,omitempty"`
}

// writeFrame encodes value and writes it with its length prefix.
func writeFrame(w io.Writer, value any, limit int) error {
	payload, err := codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding frame: %w", err)
	}
	if len(payload) > limit {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", len(payload), limit)
	}
	frame := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(frame[:4], uint32(len(payload)))
	copy(frame[4:], payload)
	_, err = w.Write(frame)
	return err
}

// readFrame reads one frame and decodes it into value.
func readFrame(r io.Reader, value any, limit int) error {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return err
	}
	length := binary.LittleEndian.Uint32(header[:])
	if int(length) > limit {
		return fmt.Errorf("frame of %d bytes exceeds limit %d", length, limit)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return fmt.Errorf("reading frame body: %w", err)
	}
	if err := codec.Unmarshal(payload, value); err != nil {
		return fmt.Errorf("decoding frame: %w", err)
	}
	return nil
}
