// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"time"

	"github.com/bureau-foundation/offload/lib/cas"
)

// Actions served by the coordinator.
const (
	ActionConnect           = "connect"
	ActionProcessAvailable  = "process-available"
	ActionProcessFinished   = "process-finished"
	ActionProcessReturned   = "process-returned"
	ActionProcessInputs     = "process-inputs"
	ActionGetFile           = "get-file"
	ActionEnsureBinary      = "ensure-binary"
	ActionGetApplication    = "get-application"
	ActionSendFile          = "send-file"
	ActionStoreContent      = "store-content"
	ActionFetchContent      = "fetch-content"
	ActionListDirectory     = "list-directory"
	ActionGetDirectories    = "get-directories"
	ActionGetNameToHash     = "get-name-to-hash"
	ActionPing              = "ping"
	ActionCommand           = "command"
	ActionNotification      = "notification"
	ActionUpdateEnvironment = "update-environment"
	ActionSummary           = "summary"
	ActionStatus            = "status"
)

// CurrentSize asks get-name-to-hash for the table as it is now.
const CurrentSize = ^uint64(0)

// StartInfo describes how to launch a process. It travels to the
// worker unchanged.
type StartInfo struct {
	Application string   `cbor:"application"`
	Arguments   []string `cbor:"arguments,omitempty"`
	WorkingDir  string   `cbor:"working_dir"`
	// Environment holds KEY=VALUE entries applied on top of the
	// worker's remote environment.
	Environment []string `cbor:"environment,omitempty"`
	Description string   `cbor:"description,omitempty"`
	// Weight is the capacity the process consumes against a worker's
	// reported budget. It has no unit beyond being additive.
	Weight      float32 `cbor:"weight"`
	TrackInputs bool    `cbor:"track_inputs,omitempty"`
}

// LogType is the severity of a captured log line.
type LogType uint8

const (
	LogError LogType = iota
	LogWarning
	LogInfo
	LogDetail
	LogDebug
)

// LogLine is one line of captured process or command output.
type LogLine struct {
	Text string  `cbor:"text"`
	Type LogType `cbor:"type"`
}

type ConnectRequest struct {
	Name     string `cbor:"name"`
	Protocol uint32 `cbor:"protocol"`
	// AgentKey and DetoursKey are zero unless the worker identifies
	// itself by binary content rather than protocol version.
	AgentKey   cas.Key `cbor:"agent_key"`
	DetoursKey cas.Key `cbor:"detours_key"`
	Slots      uint32  `cbor:"slots"`
	Dedicated  bool    `cbor:"dedicated,omitempty"`
	Info       string  `cbor:"info,omitempty"`
}

type ConnectResponse struct {
	Accepted bool `cbor:"accepted"`
	// Reason explains a rejection. The coordinator closes the
	// connection after sending it.
	Reason     string  `cbor:"reason,omitempty"`
	AgentKey   cas.Key `cbor:"agent_key"`
	DetoursKey cas.Key `cbor:"detours_key"`

	SessionID     uint32   `cbor:"session_id,omitempty"`
	ResetCas      bool     `cbor:"reset_cas,omitempty"`
	RemoteLogging bool     `cbor:"remote_logging,omitempty"`
	RemoteTrace   bool     `cbor:"remote_trace,omitempty"`
	Environment   []string `cbor:"environment,omitempty"`
}

type ProcessAvailableRequest struct {
	SessionID uint32  `cbor:"session_id"`
	Weight    float32 `cbor:"weight"`
}

// DispatchedProcess is one unit of work handed to a worker.
type DispatchedProcess struct {
	ID    uint32    `cbor:"id"`
	Start StartInfo `cbor:"start"`
}

type ProcessAvailableResponse struct {
	Processes               []DispatchedProcess `cbor:"processes,omitempty"`
	RemoteExecutionDisabled bool                `cbor:"remote_execution_disabled,omitempty"`
	DirectoryTableSize      uint64              `cbor:"directory_table_size"`
	NameToHashSize          uint64              `cbor:"name_to_hash_size"`
	// KnownInputs are content keys this worker has not been sent
	// before. The worker may start fetching them right away.
	KnownInputs []cas.Key `cbor:"known_inputs,omitempty"`
}

type ProcessFinishedRequest struct {
	ProcessID uint32        `cbor:"process_id"`
	ExitCode  uint32        `cbor:"exit_code"`
	LogLines  []LogLine     `cbor:"log_lines,omitempty"`
	CPUTime   time.Duration `cbor:"cpu_time,omitempty"`
	WallTime  time.Duration `cbor:"wall_time,omitempty"`
	// Stats is opaque worker statistics forwarded to the trace.
	Stats []byte `cbor:"stats,omitempty"`
}

type ProcessReturnedRequest struct {
	ProcessID uint32 `cbor:"process_id"`
	Reason    string `cbor:"reason"`
}

type ProcessInputsRequest struct {
	ProcessID uint32 `cbor:"process_id"`
	Data      []byte `cbor:"data"`
}

type GetFileRequest struct {
	ProcessID uint32 `cbor:"process_id"`
	Path      string `cbor:"path"`
}

type GetFileResponse struct {
	// Key is ZeroKey when the file does not exist and
	// cas.DirectoryKey for a directory.
	Key        cas.Key `cbor:"key"`
	ServerTime int64   `cbor:"server_time"`
}

type EnsureBinaryRequest struct {
	ProcessID      uint32   `cbor:"process_id"`
	Name           string   `cbor:"name"`
	ApplicationDir string   `cbor:"application_dir"`
	LoaderPaths    []string `cbor:"loader_paths,omitempty"`
}

type EnsureBinaryResponse struct {
	Key  cas.Key `cbor:"key"`
	Path string  `cbor:"path,omitempty"`
}

type GetApplicationRequest struct {
	ProcessID   uint32 `cbor:"process_id"`
	Application string `cbor:"application"`
}

// Module is one file an application needs to run.
type Module struct {
	Path   string  `cbor:"path"`
	Mode   uint32  `cbor:"mode"`
	System bool    `cbor:"system,omitempty"`
	Key    cas.Key `cbor:"key"`
}

type GetApplicationResponse struct {
	Modules []Module `cbor:"modules"`
}

type SendFileRequest struct {
	ProcessID   uint32  `cbor:"process_id"`
	Destination string  `cbor:"destination"`
	Mode        uint32  `cbor:"mode"`
	Key         cas.Key `cbor:"key"`
}

type SendFileResponse struct {
	OK bool `cbor:"ok"`
}

type StoreContentRequest struct {
	Data []byte `cbor:"data"`
}

type StoreContentResponse struct {
	Key cas.Key `cbor:"key"`
}

type FetchContentRequest struct {
	Key cas.Key `cbor:"key"`
}

type FetchContentResponse struct {
	Data []byte `cbor:"data"`
}

type ListDirectoryRequest struct {
	SessionID uint32 `cbor:"session_id"`
	Path      string `cbor:"path"`
}

type ListDirectoryResponse struct {
	Exists bool `cbor:"exists"`
	// Offset is where the directory's record starts in the table.
	Offset uint64     `cbor:"offset"`
	Table  TableChunk `cbor:"table"`
}

type GetDirectoriesRequest struct {
	SessionID uint32 `cbor:"session_id"`
}

// TableChunk is the next slice of the directory table for a session.
// From is the session's cursor before this chunk; an empty Data means
// the worker is up to date.
type TableChunk struct {
	From uint64 `cbor:"from"`
	Data []byte `cbor:"data,omitempty"`
}

type GetNameToHashRequest struct {
	// RequestedSize is the table size the worker wants to reach, or
	// CurrentSize.
	RequestedSize uint64 `cbor:"requested_size"`
	// RemoteSize is how much of the table the worker already has.
	RemoteSize uint64 `cbor:"remote_size"`
}

type GetNameToHashResponse struct {
	// Size is RequestedSize with CurrentSize resolved.
	Size       uint64 `cbor:"size"`
	ServerTime int64  `cbor:"server_time"`
	Data       []byte `cbor:"data,omitempty"`
}

type PingRequest struct {
	SessionID       uint32        `cbor:"session_id"`
	LastPing        time.Duration `cbor:"last_ping"`
	MemoryAvailable uint64        `cbor:"memory_available"`
	MemoryTotal     uint64        `cbor:"memory_total"`
	CPULoad         float32       `cbor:"cpu_load"`
}

type PingResponse struct {
	Abort bool `cbor:"abort"`
}

type CommandRequest struct {
	Command string `cbor:"command"`
}

type CommandResponse struct {
	Lines []LogLine `cbor:"lines"`
}

type NotificationRequest struct {
	SessionID uint32 `cbor:"session_id"`
	Text      string `cbor:"text"`
}

type UpdateEnvironmentRequest struct {
	ProcessID uint32 `cbor:"process_id"`
	Reason    string `cbor:"reason"`
	Data      []byte `cbor:"data,omitempty"`
}

type SummaryRequest struct {
	SessionID uint32 `cbor:"session_id"`
	Data      []byte `cbor:"data"`
}
