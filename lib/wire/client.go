// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/bureau-foundation/offload/lib/codec"
)

// ErrClosed is returned by calls on a closed client.
var ErrClosed = errors.New("wire: connection closed")

// RemoteError is returned by Call when the server answers ok=false.
type RemoteError struct {
	Action  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error on %q: %s", e.Action, e.Message)
}

const dialTimeout = 5 * time.Second

// Client is one persistent connection. Calls may be issued
// concurrently; responses are matched by sequence number.
type Client struct {
	conn  net.Conn
	limit int

	writeMu sync.Mutex

	mu      sync.Mutex
	nextSeq uint64
	pending map[uint64]chan Response
	err     error
	done    chan struct{}
}

// Dial connects to a wire server.
func Dial(ctx context.Context, network, address string) (*Client, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s %s: %w", network, address, err)
	}
	return NewClient(conn, DefaultMaxMessageSize), nil
}

// NewClient wraps an established connection.
func NewClient(conn net.Conn, maxMessageSize int) *Client {
	client := &Client{
		conn:    conn,
		limit:   maxMessageSize,
		pending: make(map[uint64]chan Response),
		done:    make(chan struct{}),
	}
	go client.readLoop()
	return client
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close closes the connection. Outstanding calls fail with ErrClosed.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Call sends action with body and decodes the response data into
// result when both are non-nil.
func (c *Client) Call(ctx context.Context, action string, body any, result any) error {
	envelope := requestEnvelope{Action: action}
	if body != nil {
		encoded, err := codec.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s request: %w", action, err)
		}
		envelope.Body = encoded
	}

	reply := make(chan Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.nextSeq++
	envelope.Seq = c.nextSeq
	c.pending[envelope.Seq] = reply
	c.mu.Unlock()

	c.writeMu.Lock()
	err := writeFrame(c.conn, envelope, c.limit)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(envelope.Seq)
		return fmt.Errorf("sending %s: %w", action, err)
	}

	select {
	case response, ok := <-reply:
		if !ok {
			return c.closedError()
		}
		if !response.OK {
			return &RemoteError{Action: action, Message: response.Error}
		}
		if result != nil && len(response.Data) > 0 {
			if err := codec.Unmarshal(response.Data, result); err != nil {
				return fmt.Errorf("decoding %s response: %w", action, err)
			}
		}
		return nil
	case <-ctx.Done():
		c.forget(envelope.Seq)
		return ctx.Err()
	}
}

func (c *Client) forget(seq uint64) {
	c.mu.Lock()
	delete(c.pending, seq)
	c.mu.Unlock()
}

func (c *Client) closedError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop() {
	reader := bufio.NewReader(c.conn)
	var readErr error
	for {
		var response Response
		if readErr = readFrame(reader, &response, c.limit); readErr != nil {
			break
		}
		c.mu.Lock()
		reply, ok := c.pending[response.Seq]
		delete(c.pending, response.Seq)
		c.mu.Unlock()
		if ok {
			reply <- response
		}
	}

	c.conn.Close()
	c.mu.Lock()
	c.err = fmt.Errorf("%w: %v", ErrClosed, readErr)
	for seq, reply := range c.pending {
		close(reply)
		delete(c.pending, seq)
	}
	c.mu.Unlock()
	close(c.done)
}
