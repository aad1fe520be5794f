// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bureau-foundation/offload/lib/cas"
	"github.com/bureau-foundation/offload/lib/clock"
	"github.com/bureau-foundation/offload/lib/dirtable"
	"github.com/bureau-foundation/offload/lib/history"
	"github.com/bureau-foundation/offload/lib/trace"
	"github.com/bureau-foundation/offload/lib/wire"
)

// NoRemoteLimit disables the remote process cap.
const NoRemoteLimit = math.MaxUint32

const (
	defaultSafetyMargin = 5000
	defaultWaitTimeout  = 100 * time.Second
	waitPollInterval    = 200 * time.Millisecond
)

var defaultSystemDirs = []string{"/lib", "/lib64", "/usr/lib", "/usr/lib64"}

// ErrUnknownSession is returned for a message naming a session id the
// coordinator never issued.
var ErrUnknownSession = errors.New("unknown session")

// ErrForeignSession is returned for a message naming a session that
// another connection owns or that has already disconnected.
var ErrForeignSession = errors.New("session not owned by this connection")

// ErrUnknownProcess is returned for a message naming a process that is
// not in the process table.
var ErrUnknownProcess = errors.New("unknown process")

// HistoryReader serves the history command.
type HistoryReader interface {
	Recent(ctx context.Context, limit int) ([]history.Entry, error)
}

// Config configures a Coordinator. Store and Directories are required.
type Config struct {
	Store       *cas.Store
	Directories *dirtable.Table
	Tracer      trace.Tracer
	Clock       clock.Clock
	Logger      *slog.Logger

	// AgentBinary and DetoursBinary are the worker-side binaries whose
	// content keys identify a compatible worker.
	AgentBinary   string
	DetoursBinary string

	ResetCas      bool
	RemoteLogging bool
	RemoteTrace   bool

	// WriteToDisk writes uploaded files to their destination. When
	// false, uploads are only recorded and stay in the store.
	WriteToDisk bool

	// DetailedTrace keeps log lines of successful processes in
	// process-exited events.
	DetailedTrace bool

	// RemoteExecutionDisabled starts the coordinator with remote
	// execution off.
	RemoteExecutionDisabled bool

	// MaxMessageSize is the reply size the dispatcher fills up to.
	// Defaults to wire.DefaultMaxMessageSize.
	MaxMessageSize int

	// SafetyMargin is the reply space kept free of dispatched processes
	// for the trailing response fields. Defaults to 5000 bytes.
	SafetyMargin int

	// LogDir receives <log> and <uba> uploads.
	LogDir string

	// TempDir and SystemDirs are skipped when deriving content keys
	// from tracked inputs. SystemDirs also marks application modules
	// as system modules.
	TempDir    string
	SystemDirs []string

	// LocalEnvironment names extra variables kept out of the remote
	// environment.
	LocalEnvironment []string

	// Environ defaults to os.Environ.
	Environ func() []string

	// History serves the history command. Optional.
	History HistoryReader

	// WaitTimeout bounds each per-process wait in WaitOnAllTasks.
	WaitTimeout time.Duration
}

// Coordinator is safe for concurrent use.
type Coordinator struct {
	config      Config
	store       *cas.Store
	directories *dirtable.Table
	tracer      trace.Tracer
	clock       clock.Clock
	logger      *slog.Logger

	mu             sync.Mutex
	queue          *processQueue
	processes      map[uint32]*Process
	sessions       []*session
	nextProcessID  uint32
	availableSlots int
	connections    int
	remoteEnabled  bool
	closed         bool
	finished       uint64
	returned       uint64

	maxRemote atomic.Uint32

	callbackMu        sync.RWMutex
	onSlotAvailable   func()
	onProcessReturned func(*Process)

	// fillMu serializes dispatch so that a worker gets a contiguous
	// run of the queue.
	fillMu sync.Mutex

	binaryMu   sync.Mutex
	agentKey   cas.Key
	detoursKey cas.Key

	environmentOnce sync.Once
	environment     []string

	customKeys   customKeyTable
	names        nameToHash
	applications applicationCache

	receivedMu sync.RWMutex
	received   map[cas.NameKey]cas.Key
}

// New returns a coordinator with no sessions and an empty queue.
func New(config Config) (*Coordinator, error) {
	if config.Store == nil {
		return nil, errors.New("coordinator: Store is required")
	}
	if config.Directories == nil {
		return nil, errors.New("coordinator: Directories is required")
	}
	if config.Tracer == nil {
		config.Tracer = trace.Nop{}
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.DiscardHandler)
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = wire.DefaultMaxMessageSize
	}
	if config.SafetyMargin <= 0 {
		config.SafetyMargin = defaultSafetyMargin
	}
	if config.SafetyMargin >= config.MaxMessageSize {
		return nil, fmt.Errorf("coordinator: safety margin %d must be below max message size %d",
			config.SafetyMargin, config.MaxMessageSize)
	}
	if config.SystemDirs == nil {
		config.SystemDirs = defaultSystemDirs
	}
	if config.WaitTimeout <= 0 {
		config.WaitTimeout = defaultWaitTimeout
	}

	c := &Coordinator{
		config:        config,
		store:         config.Store,
		directories:   config.Directories,
		tracer:        config.Tracer,
		clock:         config.Clock,
		logger:        config.Logger,
		queue:         newProcessQueue(),
		processes:     make(map[uint32]*Process),
		remoteEnabled: !config.RemoteExecutionDisabled,
		customKeys:    customKeyTable{keys: make(map[cas.NameKey]*customKey)},
		names:         nameToHash{lookup: make(map[cas.NameKey]cas.Key)},
		applications:  applicationCache{entries: make(map[string]*applicationEntry)},
		received:      make(map[cas.NameKey]cas.Key),
	}
	c.maxRemote.Store(NoRemoteLimit)
	return c, nil
}

// SetSlotAvailableFunc installs fn, called once per dispatch round that
// finds the queue empty so the orchestrator can enqueue work just in
// time. fn runs without coordinator locks held.
func (c *Coordinator) SetSlotAvailableFunc(fn func()) {
	c.callbackMu.Lock()
	c.onSlotAvailable = fn
	c.callbackMu.Unlock()
}

// SetProcessReturnedFunc installs fn, called for every process handed
// back to the queue and for queued processes no worker can serve. The
// process is still queued when fn runs; fn may Cancel it to run it
// elsewhere. fn runs without coordinator locks held.
func (c *Coordinator) SetProcessReturnedFunc(fn func(*Process)) {
	c.callbackMu.Lock()
	c.onProcessReturned = fn
	c.callbackMu.Unlock()
}

func (c *Coordinator) processReturned(processes ...*Process) {
	if len(processes) == 0 {
		return
	}
	c.callbackMu.RLock()
	fn := c.onProcessReturned
	c.callbackMu.RUnlock()
	if fn == nil {
		return
	}
	for _, p := range processes {
		fn(p)
	}
}

// RunProcessRemote queues a process for remote execution and returns
// its future. knownInputs are paths, relative to start.WorkingDir or
// absolute, whose content the worker will be offered up front; inputs
// that cannot be resolved are left out. onExit, if non-nil, runs once
// when the process reaches a terminal state.
func (c *Coordinator) RunProcessRemote(start StartInfo, weight float32, knownInputs []string, onExit func(*Process)) *Process {
	start.Weight = weight
	p := &Process{
		coordinator: c,
		start:       start,
		knownInputs: c.resolveKnownInputs(start.WorkingDir, knownInputs),
		onExit:      onExit,
		done:        make(chan struct{}),
	}

	c.mu.Lock()
	c.nextProcessID++
	p.id = c.nextProcessID
	if c.closed {
		p.state = StateCancelled
		c.mu.Unlock()
		p.complete(Result{ExitCode: CancelExitCode})
		return p
	}
	c.processes[p.id] = p
	c.queue.pushBack(p)
	remoteEnabled, connections := c.remoteEnabled, c.connections
	c.mu.Unlock()

	switch {
	case !remoteEnabled:
		c.logger.Info("process queued for remote but remote execution is disabled, returning it",
			"process_id", p.id)
		c.processReturned(p)
	case connections == 0:
		c.logger.Info("process queued for remote but no workers are connected, returning it",
			"process_id", p.id)
		c.processReturned(p)
	}
	return p
}

func (c *Coordinator) resolveKnownInputs(workingDir string, paths []string) []cas.Key {
	if len(paths) == 0 {
		return nil
	}
	keys := make([]cas.Key, 0, len(paths))
	for _, path := range paths {
		path = absolutePath(path, workingDir)
		key, err := c.store.StoreFile(path, cas.ZeroKey, true)
		if err != nil {
			c.logger.Debug("known input not resolved", "path", path, "error", err)
			continue
		}
		if key.IsZero() || key == cas.DirectoryKey {
			continue
		}
		keys = append(keys, key)
		c.names.set(cas.KeyForName(path), key)
	}
	return keys
}

// cancel implements Process.Cancel.
func (c *Coordinator) cancel(p *Process) {
	c.mu.Lock()
	if p.state.Terminal() {
		c.mu.Unlock()
		return
	}
	wasActive := p.state == StateActive
	switch p.state {
	case StateQueued:
		if !c.queue.removeQueued(p) {
			panic(fmt.Sprintf("coordinator: queued process %d missing from queue", p.id))
		}
	case StateActive:
		c.releaseLocked(p)
	}
	host := p.host
	p.state = StateCancelled
	p.connectionID, p.sessionID, p.host = 0, 0, ""
	delete(c.processes, p.id)
	c.mu.Unlock()

	if wasActive {
		c.logger.Warn("cancelled a process running on a worker", "process_id", p.id, "host", host)
		c.record(trace.Event{Kind: trace.ProcessExited, ProcessID: p.id, ExitCode: CancelExitCode, Name: p.description()})
	}
	p.complete(Result{ExitCode: CancelExitCode})
}

// DisableRemoteExecution stops routing new work to workers. Sessions
// finish what they are running and are told to idle on their next
// poll once the queue drains.
func (c *Coordinator) DisableRemoteExecution() {
	c.mu.Lock()
	wasEnabled := c.remoteEnabled
	c.remoteEnabled = false
	c.mu.Unlock()
	if wasEnabled {
		c.logger.Info("remote execution disabled, remote sessions will finish current processes")
	}
	c.record(trace.Event{Kind: trace.RemoteExecutionDisabled})
}

// SetMaxRemoteProcessCount caps how many remote slots the orchestrator
// still wants. Idle non-dedicated workers beyond the cap are told to
// disconnect. NoRemoteLimit removes the cap.
func (c *Coordinator) SetMaxRemoteProcessCount(count uint32) {
	c.maxRemote.Store(count)
}

// WaitOnAllTasks blocks until the queue and the active set are empty,
// then until every remaining process is terminal. Each process gets
// at most the configured wait timeout per round.
func (c *Coordinator) WaitOnAllTasks(ctx context.Context) error {
	for {
		c.mu.Lock()
		empty := c.queue.empty()
		c.mu.Unlock()
		if empty {
			break
		}
		select {
		case <-c.clock.After(waitPollInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	for {
		c.mu.Lock()
		pending := make([]*Process, 0, len(c.processes))
		for _, p := range c.processes {
			pending = append(pending, p)
		}
		c.mu.Unlock()
		if len(pending) == 0 {
			return nil
		}
		for _, p := range pending {
			select {
			case <-p.Done():
			case <-c.clock.After(c.config.WaitTimeout):
				c.logger.Warn("process still running after wait timeout", "process_id", p.id)
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// Close cancels every queued and active process. Processes submitted
// afterwards are cancelled immediately.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	pending := make([]*Process, 0, len(c.processes))
	for _, p := range c.processes {
		pending = append(pending, p)
	}
	c.mu.Unlock()

	for _, p := range pending {
		p.Cancel()
	}
	c.LogSummary()
}

// LogSummary logs the remote process counters.
func (c *Coordinator) LogSummary() {
	c.mu.Lock()
	finished, returned := c.finished, c.returned
	c.mu.Unlock()
	c.logger.Info("remote process summary",
		"finished", finished,
		"returned", returned,
	)
}

// Status returns a snapshot of sessions, queue and counters.
func (c *Coordinator) Status() Status {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	status := Status{
		Sessions:       make([]SessionStatus, 0, len(c.sessions)),
		Connections:    c.connections,
		AvailableSlots: c.availableSlots,
		Queued:         len(c.queue.queued),
		Active:         len(c.queue.active),
		Finished:       c.finished,
		Returned:       c.returned,
		RemoteEnabled:  c.remoteEnabled,
	}
	for _, s := range c.sessions {
		sessionStatus := SessionStatus{
			ID:              s.id,
			ConnectionID:    s.connectionID,
			Name:            s.name,
			Slots:           s.slots,
			Used:            s.used,
			Enabled:         s.enabled,
			Connected:       s.connected,
			Dedicated:       s.dedicated,
			Abort:           s.abort,
			LastPing:        s.lastPing,
			MemoryAvailable: s.memoryAvailable,
			MemoryTotal:     s.memoryTotal,
			CPULoad:         s.cpuLoad,
		}
		if !s.pingTime.IsZero() {
			sessionStatus.PingAge = now.Sub(s.pingTime)
		}
		status.Sessions = append(status.Sessions, sessionStatus)
	}
	return status
}

// QueuedIDs returns the queued process ids in dispatch order.
func (c *Coordinator) QueuedIDs() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]uint32, 0, len(c.queue.queued))
	for _, p := range c.queue.queued {
		ids = append(ids, p.id)
	}
	return ids
}

// sessionLocked returns the session for a 1-based id, or nil.
func (c *Coordinator) sessionLocked(id uint32) *session {
	if id == 0 || int(id) > len(c.sessions) {
		return nil
	}
	return c.sessions[id-1]
}

// session returns session id if connectionID owns it and it is still
// connected.
func (c *Coordinator) session(id, connectionID uint32) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownedSessionLocked(id, connectionID)
}

func (c *Coordinator) ownedSessionLocked(id, connectionID uint32) (*session, error) {
	s := c.sessionLocked(id)
	if s == nil {
		return nil, fmt.Errorf("%w %d (have %d)", ErrUnknownSession, id, len(c.sessions))
	}
	if s.connectionID != connectionID {
		return nil, fmt.Errorf("%w: session %d belongs to connection %d, not %d", ErrForeignSession, id, s.connectionID, connectionID)
	}
	if !s.connected {
		return nil, fmt.Errorf("%w: session %d is disconnected", ErrForeignSession, id)
	}
	return s, nil
}

func (c *Coordinator) lookupProcess(id uint32) (*Process, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.processes[id]
	if !ok {
		return nil, fmt.Errorf("%w %d", ErrUnknownProcess, id)
	}
	return p, nil
}

func (c *Coordinator) record(event trace.Event) {
	event.Time = c.clock.Now().UnixNano()
	c.tracer.Record(event)
}

func (p *Process) description() string {
	if p.start.Description != "" {
		return p.start.Description
	}
	return filepath.Base(p.start.Application)
}

func absolutePath(path, workingDir string) string {
	if !filepath.IsAbs(path) && workingDir != "" {
		path = filepath.Join(workingDir, path)
	}
	return filepath.Clean(path)
}

func underAny(path string, dirs []string) bool {
	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		dir = filepath.Clean(dir)
		if path == dir || strings.HasPrefix(path, dir+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
