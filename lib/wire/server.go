// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/offload/lib/codec"
)

// HandlerFunc processes one request. The returned value is encoded
// into the response's data field; nil yields {ok: true}. An error
// yields {ok: false, error: err.Error()}.
type HandlerFunc func(ctx context.Context, request *Request) (any, error)

// Request is one decoded request envelope.
type Request struct {
	ConnectionID uint32
	Action       string
	Body         []byte

	closeAfter bool
}

// Decode unmarshals the request body into v. An absent body leaves v
// unchanged.
func (r *Request) Decode(v any) error {
	if len(r.Body) == 0 {
		return nil
	}
	if err := codec.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decoding %s request: %w", r.Action, err)
	}
	return nil
}

// CloseAfterReply asks the server to close the connection once the
// response has been written.
func (r *Request) CloseAfterReply() { r.closeAfter = true }

// ServerConfig configures a Server.
type ServerConfig struct {
	// Network is "unix" or "tcp".
	Network string
	// Address is a socket path or host:port. Port 0 picks one.
	Address string
	// Handlers bounds concurrently running handlers across all
	// connections. Defaults to 16.
	Handlers int
	// MaxMessageSize bounds every frame in both directions.
	MaxMessageSize int
	Logger         *slog.Logger
}

// Server serves framed CBOR requests on persistent connections.
// Register handlers before Serve.
type Server struct {
	config   ServerConfig
	handlers map[string]HandlerFunc
	logger   *slog.Logger

	onDisconnect func(connectionID uint32)

	nextConnectionID atomic.Uint32
	pool             chan struct{}

	mu          sync.Mutex
	connections map[uint32]*serverConnection
	listener    net.Listener
	ready       chan struct{}
}

type serverConnection struct {
	id       uint32
	conn     net.Conn
	writeMu  sync.Mutex
	inflight sync.WaitGroup
}

// NewServer returns a server that will listen per config.
func NewServer(config ServerConfig) *Server {
	if config.Handlers <= 0 {
		config.Handlers = 16
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultMaxMessageSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		config:      config,
		handlers:    make(map[string]HandlerFunc),
		logger:      logger,
		pool:        make(chan struct{}, config.Handlers),
		connections: make(map[uint32]*serverConnection),
		ready:       make(chan struct{}),
	}
}

// Handle registers handler for action. Panics on a duplicate.
func (s *Server) Handle(action string, handler HandlerFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("wire: duplicate handler for action %q", action))
	}
	s.handlers[action] = handler
}

// OnDisconnect registers fn to run once per closed connection, after
// every handler for that connection has returned.
func (s *Server) OnDisconnect(fn func(connectionID uint32)) {
	s.onDisconnect = fn
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the listening address. Valid after Ready is closed.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener.Addr()
}

// MaxMessageSize returns the configured frame limit.
func (s *Server) MaxMessageSize() int { return s.config.MaxMessageSize }

// Serve listens and serves until ctx is cancelled, then closes every
// connection and waits for their handlers and disconnect callbacks.
// A stale unix socket file is removed first, and the socket file is
// removed on return.
func (s *Server) Serve(ctx context.Context) error {
	if s.config.Network == "unix" {
		if err := os.Remove(s.config.Address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing stale socket %s: %w", s.config.Address, err)
		}
	}
	listener, err := net.Listen(s.config.Network, s.config.Address)
	if err != nil {
		return fmt.Errorf("listening on %s %s: %w", s.config.Network, s.config.Address, err)
	}
	defer func() {
		listener.Close()
		if s.config.Network == "unix" {
			os.Remove(s.config.Address)
		}
	}()

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.ready)

	go func() {
		<-ctx.Done()
		listener.Close()
		s.mu.Lock()
		for _, connection := range s.connections {
			connection.conn.Close()
		}
		s.mu.Unlock()
	}()

	s.logger.Info("listening", "network", s.config.Network, "address", listener.Addr().String())

	var connections sync.WaitGroup
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}

		connection := &serverConnection{id: s.nextConnectionID.Add(1), conn: conn}
		s.mu.Lock()
		s.connections[connection.id] = connection
		s.mu.Unlock()

		connections.Add(1)
		go func() {
			defer connections.Done()
			s.serveConnection(ctx, connection)
		}()
	}

	connections.Wait()
	return nil
}

// Disconnect closes a connection from the server side.
func (s *Server) Disconnect(connectionID uint32) bool {
	s.mu.Lock()
	connection, ok := s.connections[connectionID]
	s.mu.Unlock()
	if ok {
		connection.conn.Close()
	}
	return ok
}

func (s *Server) serveConnection(ctx context.Context, connection *serverConnection) {
	logger := s.logger.With("connection_id", connection.id)
	logger.Debug("connection opened", "remote", connection.conn.RemoteAddr().String())

	reader := bufio.NewReader(connection.conn)
	for {
		var envelope requestEnvelope
		err := readFrame(reader, &envelope, s.config.MaxMessageSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && ctx.Err() == nil {
				logger.Debug("connection read ended", "error", err)
			}
			break
		}

		select {
		case s.pool <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}

		connection.inflight.Add(1)
		go func() {
			defer func() {
				<-s.pool
				connection.inflight.Done()
			}()
			s.dispatch(ctx, connection, envelope, logger)
		}()
	}

	connection.conn.Close()
	connection.inflight.Wait()

	s.mu.Lock()
	delete(s.connections, connection.id)
	s.mu.Unlock()

	logger.Debug("connection closed")
	if s.onDisconnect != nil {
		s.onDisconnect(connection.id)
	}
}

func (s *Server) dispatch(ctx context.Context, connection *serverConnection, envelope requestEnvelope, logger *slog.Logger) {
	response := Response{Seq: envelope.Seq}
	request := &Request{
		ConnectionID: connection.id,
		Action:       envelope.Action,
		Body:         envelope.Body,
	}

	handler, exists := s.handlers[envelope.Action]
	switch {
	case envelope.Action == "":
		response.Error = "missing required field: action"
	case !exists:
		response.Error = fmt.Sprintf("unknown action %q", envelope.Action)
	default:
		result, err := handler(ctx, request)
		if err != nil {
			logger.Debug("action failed", "action", envelope.Action, "error", err)
			response.Error = err.Error()
			break
		}
		response.OK = true
		if result != nil {
			data, err := codec.Marshal(result)
			if err != nil {
				response.OK = false
				response.Error = fmt.Sprintf("internal: encoding response: %v", err)
				break
			}
			response.Data = data
		}
	}

	if size, err := codec.Size(response); err == nil && size > s.config.MaxMessageSize {
		logger.Error("response exceeds message size limit", "action", envelope.Action, "size", size)
		response = Response{Seq: envelope.Seq, Error: fmt.Sprintf("response of %d bytes exceeds limit %d", size, s.config.MaxMessageSize)}
	}

	connection.writeMu.Lock()
	connection.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := writeFrame(connection.conn, response, s.config.MaxMessageSize)
	connection.writeMu.Unlock()
	if err != nil {
		logger.Debug("writing response failed", "action", envelope.Action, "error", err)
	}

	if request.closeAfter {
		connection.conn.Close()
	}
}

// writeTimeout bounds a single response write to a stalled peer.
const writeTimeout = 30 * time.Second
