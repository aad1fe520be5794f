// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bureau-foundation/offload/lib/cas"
	"github.com/bureau-foundation/offload/lib/wire"
)

const (
	logDestinationPrefix   = "<log>"
	traceDestinationPrefix = "<uba>"
)

func (c *Coordinator) handleGetFile(ctx context.Context, request *wire.Request) (any, error) {
	var message GetFileRequest
	if err := request.Decode(&message); err != nil {
		return nil, err
	}
	path := c.processPath(message.ProcessID, message.Path)
	name := cas.KeyForName(path)
	key, err := c.storeCasFile(name, path)
	if err != nil {
		c.logger.Error("resolving file for worker failed",
			"process_id", message.ProcessID,
			"path", path,
			"error", err,
		)
		return nil, err
	}
	if !key.IsZero() && key != cas.DirectoryKey {
		c.names.set(name, key)
	}
	return GetFileResponse{Key: key, ServerTime: c.clock.Now().UnixNano()}, nil
}

// processPath resolves path against the working directory of the
// process asking for it, when the process is still known.
func (c *Coordinator) processPath(processID uint32, path string) string {
	workingDir := ""
	if p, err := c.lookupProcess(processID); err == nil {
		workingDir = p.start.WorkingDir
	}
	return absolutePath(path, workingDir)
}

func (c *Coordinator) handleEnsureBinary(ctx context.Context, request *wire.Request) (any, error) {
	var message EnsureBinaryRequest
	if err := request.Decode(&message); err != nil {
		return nil, err
	}
	path, ok := c.searchBinary(message.Name, message.ApplicationDir, message.LoaderPaths)
	if !ok {
		c.logger.Debug("binary not found for worker", "process_id", message.ProcessID, "name", message.Name)
		return EnsureBinaryResponse{}, nil
	}
	if underAny(path, c.config.SystemDirs) {
		return EnsureBinaryResponse{Path: path}, nil
	}
	key, err := c.storeCasFile(cas.KeyForName(path), path)
	if err != nil {
		c.logger.Error("hashing binary for worker failed", "process_id", message.ProcessID, "path", path, "error", err)
		return nil, err
	}
	return EnsureBinaryResponse{Key: key, Path: path}, nil
}

func (c *Coordinator) handleGetApplication(ctx context.Context, request *wire.Request) (any, error) {
	var message GetApplicationRequest
	if err := request.Decode(&message); err != nil {
		return nil, err
	}
	application := c.processPath(message.ProcessID, message.Application)
	modules, err := c.applicationModules(application)
	if err != nil {
		c.logger.Error("resolving application for worker failed",
			"process_id", message.ProcessID,
			"application", application,
			"error", err,
		)
		return nil, err
	}
	return GetApplicationResponse{Modules: modules}, nil
}

func (c *Coordinator) handleSendFile(ctx context.Context, request *wire.Request) (any, error) {
	var message SendFileRequest
	if err := request.Decode(&message); err != nil {
		return nil, err
	}
	if err := c.receiveFile(request.ConnectionID, message); err != nil {
		c.logger.Error("receiving file from worker failed",
			"process_id", message.ProcessID,
			"connection_id", request.ConnectionID,
			"destination", message.Destination,
			"key", message.Key.Short(),
			"error", err,
		)
		return SendFileResponse{}, nil
	}
	return SendFileResponse{OK: true}, nil
}

func (c *Coordinator) receiveFile(connectionID uint32, message SendFileRequest) error {
	switch {
	case strings.HasPrefix(message.Destination, logDestinationPrefix):
		if c.config.LogDir == "" {
			return errors.New("no log directory configured")
		}
		name := strings.TrimLeft(strings.TrimPrefix(message.Destination, logDestinationPrefix), "/")
		if !filepath.IsLocal(name) {
			return fmt.Errorf("log destination %q escapes the log directory", message.Destination)
		}
		return c.store.Retrieve(message.Key, filepath.Join(c.config.LogDir, name), 0)
	case strings.HasPrefix(message.Destination, traceDestinationPrefix):
		if c.config.LogDir == "" {
			return errors.New("no log directory configured")
		}
		destination := filepath.Join(c.config.LogDir, strconv.FormatUint(uint64(connectionID), 10)+".uba")
		return c.store.Retrieve(message.Key, destination, 0)
	}

	destination := c.processPath(message.ProcessID, message.Destination)
	name := cas.KeyForName(destination)
	if c.config.WriteToDisk {
		if err := c.store.Retrieve(message.Key, destination, fs.FileMode(message.Mode).Perm()); err != nil {
			return err
		}
		// The uploaded blob is now a file on disk; register it as a
		// deferred source so later requests resolve to the same key.
		c.store.Drop(message.Key)
		key, err := c.store.StoreFile(destination, cas.ZeroKey, true)
		if err != nil {
			return err
		}
		if key != message.Key {
			return fmt.Errorf("%s content key %s does not match uploaded key %s", destination, key.Short(), message.Key.Short())
		}
	} else {
		if err := c.store.FakeCopy(message.Key, destination); err != nil {
			return err
		}
		c.receivedMu.Lock()
		c.received[name] = message.Key
		c.receivedMu.Unlock()
	}
	c.names.set(name, message.Key)

	if p, err := c.lookupProcess(message.ProcessID); err == nil {
		p.appendOutput(destination)
	}
	return nil
}

// ReceivedKey returns the content key of a file a worker uploaded
// while WriteToDisk is off.
func (c *Coordinator) ReceivedKey(path string) (cas.Key, bool) {
	c.receivedMu.RLock()
	defer c.receivedMu.RUnlock()
	key, ok := c.received[cas.KeyForName(filepath.Clean(path))]
	return key, ok
}

func (c *Coordinator) handleStoreContent(ctx context.Context, request *wire.Request) (any, error) {
	var message StoreContentRequest
	if err := request.Decode(&message); err != nil {
		return nil, err
	}
	key, err := c.store.PutBytes(message.Data)
	if err != nil {
		return nil, err
	}
	return StoreContentResponse{Key: key}, nil
}

func (c *Coordinator) handleFetchContent(ctx context.Context, request *wire.Request) (any, error) {
	var message FetchContentRequest
	if err := request.Decode(&message); err != nil {
		return nil, err
	}
	data, err := c.store.ReadContent(message.Key)
	if err != nil {
		return nil, err
	}
	return FetchContentResponse{Data: data}, nil
}

func (c *Coordinator) handleListDirectory(ctx context.Context, request *wire.Request) (any, error) {
	var message ListDirectoryRequest
	if err := request.Decode(&message); err != nil {
		return nil, err
	}
	s, err := c.session(message.SessionID, request.ConnectionID)
	if err != nil {
		c.logger.Error("directory request from bad session", "connection_id", request.ConnectionID, "error", err)
		return nil, err
	}

	var response ListDirectoryResponse
	listing, err := c.directories.ListDirectory(message.Path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		c.logger.Warn("listing directory for worker failed", "path", message.Path, "error", err)
	default:
		response.Exists = true
		response.Offset = listing.Offset
		if listing.Appended {
			c.directoryListed(listing.Record)
		}
	}

	response.Table, err = c.directoryChunk(s)
	if err != nil {
		return nil, err
	}
	return response, nil
}

func (c *Coordinator) handleGetDirectories(ctx context.Context, request *wire.Request) (any, error) {
	var message GetDirectoriesRequest
	if err := request.Decode(&message); err != nil {
		return nil, err
	}
	s, err := c.session(message.SessionID, request.ConnectionID)
	if err != nil {
		c.logger.Error("directory request from bad session", "connection_id", request.ConnectionID, "error", err)
		return nil, err
	}
	return c.directoryChunk(s)
}

// directoryChunk returns the part of the directory table the session
// has not been sent yet, up to what fits in one reply, and advances
// the session's cursor past it.
func (c *Coordinator) directoryChunk(s *session) (TableChunk, error) {
	s.directoryMu.Lock()
	defer s.directoryMu.Unlock()
	capacity := uint64(c.config.MaxMessageSize - responseOverhead)
	data, err := c.directories.ReadRange(s.directoryPos, capacity)
	if err != nil {
		return TableChunk{}, err
	}
	chunk := TableChunk{From: s.directoryPos, Data: data}
	s.directoryPos += uint64(len(data))
	return chunk, nil
}

func (c *Coordinator) handleGetNameToHash(ctx context.Context, request *wire.Request) (any, error) {
	var message GetNameToHashRequest
	if err := request.Decode(&message); err != nil {
		return nil, err
	}
	size, err := c.names.resolveSize(message.RequestedSize, message.RemoteSize)
	if err != nil {
		return nil, err
	}
	capacity := uint64(c.config.MaxMessageSize-responseOverhead) / NameToHashRecordSize * NameToHashRecordSize
	to := min(size, message.RemoteSize+capacity)
	return GetNameToHashResponse{
		Size:       size,
		ServerTime: c.clock.Now().UnixNano(),
		Data:       c.names.readRange(message.RemoteSize, to),
	}, nil
}

// fileMode returns the permission bits of path, 0 if it cannot be
// read.
func fileMode(path string) uint32 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return uint32(info.Mode().Perm())
}
