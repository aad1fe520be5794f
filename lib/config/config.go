// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// Environment is the deployment type.
type Environment string

const (
	Development Environment = "development"
	Production  Environment = "production"
)

// Config is the coordinator configuration.
type Config struct {
	Environment Environment `yaml:"environment"`

	Paths    PathsConfig    `yaml:"paths"`
	Listen   ListenConfig   `yaml:"listen"`
	Session  SessionConfig  `yaml:"session"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Memory   MemoryConfig   `yaml:"memory"`
	Store    StoreConfig    `yaml:"store"`
	Local    LocalConfig    `yaml:"local"`

	// Production is applied over the base values when Environment is
	// production.
	Production *Overrides `yaml:"production,omitempty"`
}

// Overrides holds the fields a production section may replace.
type Overrides struct {
	Paths   *PathsConfig   `yaml:"paths,omitempty"`
	Listen  *ListenConfig  `yaml:"listen,omitempty"`
	Session *SessionConfig `yaml:"session,omitempty"`
}

// PathsConfig locates the coordinator's on-disk state.
type PathsConfig struct {
	// Root is the base directory; the other paths default beneath it.
	Root string `yaml:"root"`

	// Store holds content-addressed blobs.
	Store string `yaml:"store"`

	// Logs receives per-session log uploads (<log> and <uba>
	// destinations).
	Logs string `yaml:"logs"`

	// Trace is the compressed trace stream file. Empty disables it.
	Trace string `yaml:"trace"`

	// History is the SQLite history database. Empty disables it.
	History string `yaml:"history"`

	// Temp is excluded when computing tracked-input cas keys.
	Temp string `yaml:"temp"`
}

// ListenConfig is where workers and operators connect.
type ListenConfig struct {
	// Network is "unix" or "tcp".
	Network string `yaml:"network"`

	// Address is a socket path for unix, host:port for tcp.
	Address string `yaml:"address"`
}

// SessionConfig controls the handshake and per-session behavior.
type SessionConfig struct {
	// AgentBinary and DetoursBinary are the worker binaries whose
	// content keys are compared at handshake and sent to workers.
	AgentBinary   string `yaml:"agent_binary"`
	DetoursBinary string `yaml:"detours_binary"`

	// ResetCas tells workers to discard their local content cache.
	ResetCas bool `yaml:"reset_cas"`

	// RemoteLogging asks workers to upload their logs.
	RemoteLogging bool `yaml:"remote_logging"`

	// RemoteTrace asks workers to upload their trace files.
	RemoteTrace bool `yaml:"remote_trace"`

	// WriteToDisk makes uploaded outputs land on disk. When false
	// they are recorded in the received-files table only.
	WriteToDisk bool `yaml:"write_to_disk"`

	// RemoteExecution enables dispatch to workers at all.
	RemoteExecution bool `yaml:"remote_execution"`

	// MaxRemoteProcesses caps the slots the coordinator keeps
	// enabled across non-dedicated workers. Zero means no cap.
	MaxRemoteProcesses int `yaml:"max_remote_processes"`

	// UpdateInterval is how often the coordinator traces its own
	// CPU and memory readings.
	UpdateInterval string `yaml:"update_interval"`
}

// DispatchConfig bounds replies and handler concurrency.
type DispatchConfig struct {
	// MaxMessageSize is the largest reply the transport will send.
	MaxMessageSize int `yaml:"max_message_size"`

	// SafetyMargin is reserved for trailing reply fields when
	// packing processes into a ProcessAvailable reply.
	SafetyMargin int `yaml:"safety_margin"`

	// Handlers is the number of concurrent message handlers.
	Handlers int `yaml:"handlers"`
}

// MemoryConfig configures the memory governor.
type MemoryConfig struct {
	// WaitLoadPercent is the memory load above which new local
	// processes wait. The spawn threshold is the remaining share of
	// total memory, capped at MaxRequired.
	WaitLoadPercent int `yaml:"wait_load_percent"`

	// MaxRequired caps the threshold, e.g. "35GiB".
	MaxRequired string `yaml:"max_required"`

	// PollInterval and ReportInterval are Go durations.
	PollInterval   string `yaml:"poll_interval"`
	ReportInterval string `yaml:"report_interval"`
}

// StoreConfig configures the content store.
type StoreConfig struct {
	// Compression is "lz4", "zstd", or "none".
	Compression string `yaml:"compression"`
}

// LocalConfig configures the coordinator's local fallback runner.
type LocalConfig struct {
	// Slots is the number of processes run locally at once.
	Slots int `yaml:"slots"`
}

// Default returns development defaults rooted at ~/.cache/offload.
func Default() *Config {
	homeDirectory, _ := os.UserHomeDir()
	root := filepath.Join(homeDirectory, ".cache", "offload")

	return &Config{
		Environment: Development,
		Paths: PathsConfig{
			Root:    root,
			Store:   "${OFFLOAD_ROOT}/store",
			Logs:    "${OFFLOAD_ROOT}/logs",
			Trace:   "${OFFLOAD_ROOT}/trace.cbor.zst",
			History: "${OFFLOAD_ROOT}/history.db",
			Temp:    os.TempDir(),
		},
		Listen: ListenConfig{
			Network: "unix",
			Address: "${OFFLOAD_ROOT}/coordinator.sock",
		},
		Session: SessionConfig{
			WriteToDisk:     true,
			RemoteExecution: true,
			UpdateInterval:  "1s",
		},
		Dispatch: DispatchConfig{
			MaxMessageSize: 256 * 1024,
			SafetyMargin:   5000,
			Handlers:       32,
		},
		Memory: MemoryConfig{
			WaitLoadPercent: 80,
			MaxRequired:     "35GiB",
			PollInterval:    "1s",
			ReportInterval:  "5s",
		},
		Store: StoreConfig{
			Compression: "lz4",
		},
		Local: LocalConfig{
			Slots: 4,
		},
	}
}

// Load loads the file named by OFFLOAD_CONFIG.
func Load() (*Config, error) {
	path := os.Getenv("OFFLOAD_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("OFFLOAD_CONFIG environment variable not set; " +
			"set it to the path of your coordinator config file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from path over Default().
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json", ".jsonc":
		data = jsonc.ToJSON(data)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	cfg.applyOverrides()
	cfg.expandVariables()
	return cfg, nil
}

func (c *Config) applyOverrides() {
	if c.Environment != Production || c.Production == nil {
		return
	}
	overrides := c.Production

	if overrides.Paths != nil {
		replaceString(&c.Paths.Root, overrides.Paths.Root)
		replaceString(&c.Paths.Store, overrides.Paths.Store)
		replaceString(&c.Paths.Logs, overrides.Paths.Logs)
		replaceString(&c.Paths.Trace, overrides.Paths.Trace)
		replaceString(&c.Paths.History, overrides.Paths.History)
		replaceString(&c.Paths.Temp, overrides.Paths.Temp)
	}
	if overrides.Listen != nil {
		replaceString(&c.Listen.Network, overrides.Listen.Network)
		replaceString(&c.Listen.Address, overrides.Listen.Address)
	}
	if overrides.Session != nil {
		replaceString(&c.Session.AgentBinary, overrides.Session.AgentBinary)
		replaceString(&c.Session.DetoursBinary, overrides.Session.DetoursBinary)
		replaceString(&c.Session.UpdateInterval, overrides.Session.UpdateInterval)
		// Booleans and counts always come from the override section.
		c.Session.ResetCas = overrides.Session.ResetCas
		c.Session.RemoteLogging = overrides.Session.RemoteLogging
		c.Session.RemoteTrace = overrides.Session.RemoteTrace
		c.Session.WriteToDisk = overrides.Session.WriteToDisk
		c.Session.RemoteExecution = overrides.Session.RemoteExecution
		c.Session.MaxRemoteProcesses = overrides.Session.MaxRemoteProcesses
	}
}

func replaceString(target *string, value string) {
	if value != "" {
		*target = value
	}
}

func (c *Config) expandVariables() {
	vars := map[string]string{"HOME": os.Getenv("HOME")}

	c.Paths.Root = expandVars(c.Paths.Root, vars)
	vars["OFFLOAD_ROOT"] = c.Paths.Root

	for _, field := range []*string{
		&c.Paths.Store,
		&c.Paths.Logs,
		&c.Paths.Trace,
		&c.Paths.History,
		&c.Paths.Temp,
		&c.Session.AgentBinary,
		&c.Session.DetoursBinary,
	} {
		*field = expandVars(*field, vars)
	}
	if c.Listen.Network == "unix" {
		c.Listen.Address = expandVars(c.Listen.Address, vars)
	}
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars replaces ${VAR} and ${VAR:-default}, consulting vars
// before the process environment.
func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		name, fallback := parts[1], parts[2]
		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return fallback
	})
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}
	if c.Paths.Root == "" {
		errs = append(errs, errors.New("paths.root is required"))
	}
	if c.Paths.Store == "" {
		errs = append(errs, errors.New("paths.store is required"))
	}
	if c.Listen.Network != "unix" && c.Listen.Network != "tcp" {
		errs = append(errs, fmt.Errorf("listen.network must be unix or tcp, got %q", c.Listen.Network))
	}
	if c.Listen.Address == "" {
		errs = append(errs, errors.New("listen.address is required"))
	}
	if c.Dispatch.MaxMessageSize <= c.Dispatch.SafetyMargin {
		errs = append(errs, fmt.Errorf("dispatch.max_message_size (%d) must exceed dispatch.safety_margin (%d)",
			c.Dispatch.MaxMessageSize, c.Dispatch.SafetyMargin))
	}
	if c.Dispatch.SafetyMargin < 0 {
		errs = append(errs, errors.New("dispatch.safety_margin must not be negative"))
	}
	if c.Dispatch.Handlers <= 0 {
		errs = append(errs, errors.New("dispatch.handlers must be positive"))
	}
	if c.Session.MaxRemoteProcesses < 0 {
		errs = append(errs, errors.New("session.max_remote_processes must not be negative"))
	}
	if c.Memory.WaitLoadPercent <= 0 || c.Memory.WaitLoadPercent > 100 {
		errs = append(errs, fmt.Errorf("memory.wait_load_percent must be in (0, 100], got %d", c.Memory.WaitLoadPercent))
	}
	if _, err := ParseSize(c.Memory.MaxRequired); err != nil {
		errs = append(errs, fmt.Errorf("memory.max_required: %w", err))
	}
	for name, value := range map[string]string{
		"memory.poll_interval":    c.Memory.PollInterval,
		"memory.report_interval":  c.Memory.ReportInterval,
		"session.update_interval": c.Session.UpdateInterval,
	} {
		if duration, err := time.ParseDuration(value); err != nil || duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive duration, got %q", name, value))
		}
	}
	switch c.Store.Compression {
	case "lz4", "zstd", "none":
	default:
		errs = append(errs, fmt.Errorf("store.compression must be lz4, zstd, or none, got %q", c.Store.Compression))
	}
	if c.Local.Slots < 0 {
		errs = append(errs, errors.New("local.slots must not be negative"))
	}

	return errors.Join(errs...)
}

// EnsurePaths creates the configured directories.
func (c *Config) EnsurePaths() error {
	directories := []string{c.Paths.Root, c.Paths.Store, c.Paths.Logs}
	for _, file := range []string{c.Paths.Trace, c.Paths.History} {
		if file != "" {
			directories = append(directories, filepath.Dir(file))
		}
	}
	if c.Listen.Network == "unix" {
		directories = append(directories, filepath.Dir(c.Listen.Address))
	}
	for _, directory := range directories {
		if directory == "" {
			continue
		}
		if err := os.MkdirAll(directory, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", directory, err)
		}
	}
	return nil
}

// Duration parses a validated duration field. Call only after
// Validate has succeeded.
func Duration(value string) time.Duration {
	duration, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Sprintf("config: duration %q not validated: %v", value, err))
	}
	return duration
}

var sizePattern = regexp.MustCompile(`^\s*(\d+)\s*([KMGT]i?B|B)?\s*$`)

// ParseSize parses "35GiB", "512MB", or a bare byte count. Decimal
// and binary suffixes are both binary multiples.
func ParseSize(value string) (uint64, error) {
	parts := sizePattern.FindStringSubmatch(value)
	if parts == nil {
		return 0, fmt.Errorf("invalid size %q", value)
	}
	var size uint64
	if _, err := fmt.Sscan(parts[1], &size); err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", value, err)
	}
	switch strings.TrimSuffix(strings.TrimSuffix(parts[2], "B"), "i") {
	case "K":
		size <<= 10
	case "M":
		size <<= 20
	case "G":
		size <<= 30
	case "T":
		size <<= 40
	}
	return size, nil
}
