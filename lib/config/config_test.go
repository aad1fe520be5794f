// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaultIsValidAfterExpansion(t *testing.T) {
	cfg := Default()
	cfg.expandVariables()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Dispatch.SafetyMargin != 5000 {
		t.Errorf("safety_margin = %d, want 5000", cfg.Dispatch.SafetyMargin)
	}
	if want := filepath.Join(cfg.Paths.Root, "store"); cfg.Paths.Store != want {
		t.Errorf("paths.store = %q, want %q", cfg.Paths.Store, want)
	}
}

func TestLoadRequiresEnvironment(t *testing.T) {
	t.Setenv("OFFLOAD_CONFIG", "")

	_, err := Load()
	if err == nil || !strings.HasPrefix(err.Error(), "OFFLOAD_CONFIG environment variable not set") {
		t.Fatalf("Load() error = %v, want OFFLOAD_CONFIG not set", err)
	}
}

func TestLoadFileYAML(t *testing.T) {
	path := writeConfig(t, "coordinator.yaml", `
paths:
  root: /srv/offload
listen:
  network: tcp
  address: 0.0.0.0:1345
session:
  max_remote_processes: 12
  remote_execution: false
dispatch:
  safety_margin: 1024
`)
	t.Setenv("OFFLOAD_CONFIG", path)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Paths.Store != "/srv/offload/store" {
		t.Errorf("paths.store = %q, want /srv/offload/store", cfg.Paths.Store)
	}
	if cfg.Listen.Address != "0.0.0.0:1345" {
		t.Errorf("listen.address = %q", cfg.Listen.Address)
	}
	if cfg.Session.MaxRemoteProcesses != 12 || cfg.Session.RemoteExecution {
		t.Errorf("session = %+v", cfg.Session)
	}
	if cfg.Dispatch.SafetyMargin != 1024 {
		t.Errorf("safety_margin = %d, want 1024", cfg.Dispatch.SafetyMargin)
	}
	// Untouched fields keep their defaults.
	if cfg.Memory.WaitLoadPercent != 80 {
		t.Errorf("wait_load_percent = %d, want default 80", cfg.Memory.WaitLoadPercent)
	}
}

func TestLoadFileJSONC(t *testing.T) {
	path := writeConfig(t, "coordinator.jsonc", `{
  // Trailing commas and comments are accepted.
  "paths": {"root": "/data/offload",},
  "store": {"compression": "zstd"},
}`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Store.Compression != "zstd" {
		t.Errorf("store.compression = %q, want zstd", cfg.Store.Compression)
	}
	if cfg.Listen.Address != "/data/offload/coordinator.sock" {
		t.Errorf("listen.address = %q", cfg.Listen.Address)
	}
}

func TestProductionOverrides(t *testing.T) {
	path := writeConfig(t, "coordinator.yaml", `
environment: production
paths:
  root: /dev-root
session:
  remote_execution: true
production:
  paths:
    root: /prod-root
  session:
    remote_execution: true
    write_to_disk: false
    max_remote_processes: 64
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.Root != "/prod-root" {
		t.Errorf("paths.root = %q, want /prod-root", cfg.Paths.Root)
	}
	if cfg.Paths.History != "/prod-root/history.db" {
		t.Errorf("paths.history = %q, want expansion against the override root", cfg.Paths.History)
	}
	if cfg.Session.WriteToDisk || cfg.Session.MaxRemoteProcesses != 64 {
		t.Errorf("session = %+v", cfg.Session)
	}
}

func TestDevelopmentIgnoresProductionSection(t *testing.T) {
	path := writeConfig(t, "coordinator.yaml", `
paths:
  root: /dev-root
production:
  paths:
    root: /prod-root
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Paths.Root != "/dev-root" {
		t.Errorf("paths.root = %q, want /dev-root", cfg.Paths.Root)
	}
}

func TestExpandVars(t *testing.T) {
	t.Setenv("OFFLOAD_TEST_VAR", "from-env")

	tests := []struct {
		input string
		want  string
	}{
		{"${OFFLOAD_ROOT}/store", "/root-dir/store"},
		{"${OFFLOAD_TEST_VAR}/x", "from-env/x"},
		{"${OFFLOAD_UNSET_VAR:-fallback}", "fallback"},
		{"plain", "plain"},
	}
	vars := map[string]string{"OFFLOAD_ROOT": "/root-dir"}
	for _, test := range tests {
		if got := expandVars(test.input, vars); got != test.want {
			t.Errorf("expandVars(%q) = %q, want %q", test.input, got, test.want)
		}
	}
}

func TestValidateCollectsErrors(t *testing.T) {
	cfg := Default()
	cfg.expandVariables()
	cfg.Listen.Network = "udp"
	cfg.Dispatch.SafetyMargin = cfg.Dispatch.MaxMessageSize
	cfg.Memory.PollInterval = "soon"
	cfg.Store.Compression = "brotli"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate should fail")
	}
	for _, fragment := range []string{"listen.network", "safety_margin", "memory.poll_interval", "store.compression"} {
		if !strings.Contains(err.Error(), fragment) {
			t.Errorf("error %q does not mention %s", err, fragment)
		}
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input   string
		want    uint64
		wantErr bool
	}{
		{"35GiB", 35 << 30, false},
		{"512MB", 512 << 20, false},
		{"4096", 4096, false},
		{"1TiB", 1 << 40, false},
		{"lots", 0, true},
	}
	for _, test := range tests {
		got, err := ParseSize(test.input)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseSize(%q) error = %v, wantErr %v", test.input, err, test.wantErr)
			continue
		}
		if got != test.want {
			t.Errorf("ParseSize(%q) = %d, want %d", test.input, got, test.want)
		}
	}
}

func TestDuration(t *testing.T) {
	if got := Duration("1500ms"); got != 1500*time.Millisecond {
		t.Errorf("Duration = %v, want 1.5s", got)
	}
}

func TestEnsurePaths(t *testing.T) {
	root := filepath.Join(t.TempDir(), "offload")
	cfg := Default()
	cfg.Paths.Root = root
	cfg.expandVariables()

	if err := cfg.EnsurePaths(); err != nil {
		t.Fatalf("EnsurePaths: %v", err)
	}
	for _, directory := range []string{cfg.Paths.Store, cfg.Paths.Logs} {
		if info, err := os.Stat(directory); err != nil || !info.IsDir() {
			t.Errorf("%s not created: %v", directory, err)
		}
	}
}
