// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"github.com/bureau-foundation/offload/lib/cas"
	"github.com/bureau-foundation/offload/lib/testutil"
	"golang.org/x/sys/unix"
)

func (h *harness) getFile(processID uint32, path string) cas.Key {
	h.t.Helper()
	result, err := h.coordinator.handleGetFile(context.Background(), h.request(1, GetFileRequest{
		ProcessID: processID,
		Path:      path,
	}))
	if err != nil {
		h.t.Fatalf("get-file %s: %v", path, err)
	}
	return result.(GetFileResponse).Key
}

func (h *harness) sendFile(processID uint32, destination string, key cas.Key) bool {
	h.t.Helper()
	result, err := h.coordinator.handleSendFile(context.Background(), h.request(7, SendFileRequest{
		ProcessID:   processID,
		Destination: destination,
		Mode:        0o644,
		Key:         key,
	}))
	if err != nil {
		h.t.Fatalf("send-file %s: %v", destination, err)
	}
	return result.(SendFileResponse).OK
}

func TestGetFileKeys(t *testing.T) {
	h := newHarness(t, nil)
	source := filepath.Join(h.dir, "src", "main.c")
	testutil.WriteFile(t, source, []byte("int main(void) { return 0; }\n"))

	if got, want := h.getFile(0, source), cas.HashContent([]byte("int main(void) { return 0; }\n")); got != want {
		t.Errorf("key = %s, want %s", got.Short(), want.Short())
	}
	if got := h.getFile(0, filepath.Join(h.dir, "src", "missing.c")); !got.IsZero() {
		t.Errorf("missing file key = %s, want zero", got.Short())
	}
	if got := h.getFile(0, filepath.Join(h.dir, "src")); got != cas.DirectoryKey {
		t.Errorf("directory key = %s, want the directory key", got.Short())
	}
}

func TestGetFileResolvesAgainstProcessWorkingDir(t *testing.T) {
	h := newHarness(t, nil)
	testutil.WriteFile(t, filepath.Join(h.dir, "unit.h"), []byte("#pragma once\n"))
	p := h.submit("unit.c")

	if got := h.getFile(p.ID(), "unit.h"); got.IsZero() {
		t.Fatalf("relative path was not resolved against the working directory")
	}
}

func TestNameToHashStreamsInChunks(t *testing.T) {
	h := newHarness(t, func(config *Config) {
		config.MaxMessageSize = responseOverhead + 100
		config.SafetyMargin = 50
	})
	var paths []string
	for _, name := range []string{"a.h", "b.h", "c.h"} {
		path := filepath.Join(h.dir, name)
		testutil.WriteFile(t, path, []byte(name))
		paths = append(paths, path)
		h.getFile(0, path)
	}

	fetch := func(requested, remote uint64) GetNameToHashResponse {
		result, err := h.coordinator.handleGetNameToHash(context.Background(), h.request(1, GetNameToHashRequest{
			RequestedSize: requested,
			RemoteSize:    remote,
		}))
		if err != nil {
			t.Fatalf("get-name-to-hash: %v", err)
		}
		return result.(GetNameToHashResponse)
	}

	first := fetch(CurrentSize, 0)
	if first.Size != 3*NameToHashRecordSize {
		t.Fatalf("size = %d, want %d", first.Size, 3*NameToHashRecordSize)
	}
	if len(first.Data) != 2*NameToHashRecordSize {
		t.Fatalf("first chunk is %d bytes, want two records", len(first.Data))
	}
	second := fetch(first.Size, uint64(len(first.Data)))
	if len(second.Data) != NameToHashRecordSize {
		t.Fatalf("second chunk is %d bytes, want one record", len(second.Data))
	}

	entries, err := DecodeNameToHash(append(first.Data, second.Data...))
	if err != nil {
		t.Fatalf("DecodeNameToHash: %v", err)
	}
	for i, entry := range entries {
		if entry.Name != cas.KeyForName(paths[i]) {
			t.Errorf("entry %d name does not match %s", i, paths[i])
		}
		if entry.Key != cas.HashContent([]byte(filepath.Base(paths[i]))) {
			t.Errorf("entry %d key does not match the content of %s", i, paths[i])
		}
	}

	if _, err := h.coordinator.handleGetNameToHash(context.Background(), h.request(1, GetNameToHashRequest{
		RequestedSize: first.Size + NameToHashRecordSize,
	})); err == nil {
		t.Errorf("requesting past the end of the table succeeded")
	}
}

func TestNameToHashRecordsOnlyChanges(t *testing.T) {
	h := newHarness(t, nil)
	path := filepath.Join(h.dir, "a.h")
	testutil.WriteFile(t, path, []byte("one"))
	h.getFile(0, path)
	h.getFile(0, path)
	if got := h.coordinator.names.size(); got != NameToHashRecordSize {
		t.Fatalf("table size = %d after repeated lookups, want one record", got)
	}
}

func TestSendFileToLogDirectory(t *testing.T) {
	logDir := t.TempDir()
	h := newHarness(t, func(config *Config) { config.LogDir = logDir })
	key, err := h.store.PutBytes([]byte("worker log\n"))
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}

	if !h.sendFile(0, "<log>worker-a.log", key) {
		t.Fatalf("log upload failed")
	}
	content, err := os.ReadFile(filepath.Join(logDir, "worker-a.log"))
	if err != nil || string(content) != "worker log\n" {
		t.Fatalf("log file = %q, %v", content, err)
	}

	if !h.sendFile(0, "<uba>", key) {
		t.Fatalf("trace upload failed")
	}
	if _, err := os.Stat(filepath.Join(logDir, "7.uba")); err != nil {
		t.Errorf("trace upload not written per connection: %v", err)
	}
}

func TestSendFileLogDestinationStaysInLogDirectory(t *testing.T) {
	parent := t.TempDir()
	logDir := filepath.Join(parent, "logs")
	h := newHarness(t, func(config *Config) { config.LogDir = logDir })
	key, err := h.store.PutBytes([]byte("escaped\n"))
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}

	for _, destination := range []string{"<log>../escaped.txt", "<log>nested/../../escaped.txt", "<log>"} {
		if h.sendFile(0, destination, key) {
			t.Errorf("upload to %q accepted", destination)
		}
	}
	if _, err := os.Stat(filepath.Join(parent, "escaped.txt")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("file written outside the log directory: %v", err)
	}

	if !h.sendFile(0, "<log>/sessions/worker-a.log", key) {
		t.Fatalf("upload to a nested log path failed")
	}
	if _, err := os.Stat(filepath.Join(logDir, "sessions", "worker-a.log")); err != nil {
		t.Errorf("nested log file missing: %v", err)
	}
}

func TestSendFileRecordsWithoutWriting(t *testing.T) {
	h := newHarness(t, nil)
	key, err := h.store.PutBytes([]byte("object code"))
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	p := h.coordinator.RunProcessRemote(StartInfo{
		Application: "/usr/bin/cc",
		WorkingDir:  h.dir,
		TrackInputs: true,
	}, 1, nil, nil)

	if !h.sendFile(p.ID(), "out/unit.o", key) {
		t.Fatalf("upload failed")
	}
	destination := filepath.Join(h.dir, "out", "unit.o")
	if _, err := os.Stat(destination); !os.IsNotExist(err) {
		t.Errorf("upload was written to disk: %v", err)
	}
	if got, ok := h.coordinator.ReceivedKey(destination); !ok || got != key {
		t.Errorf("received key = %s, %v", got.Short(), ok)
	}
	if got := h.getFile(0, destination); got != key {
		t.Errorf("get-file of uploaded output = %s, want %s", got.Short(), key.Short())
	}
	if got := p.TrackedOutputs(); !slices.Equal(got, []string{destination}) {
		t.Errorf("tracked outputs = %v", got)
	}
}

func TestSendFileWritesToDisk(t *testing.T) {
	h := newHarness(t, func(config *Config) { config.WriteToDisk = true })
	key, err := h.store.PutBytes([]byte("object code"))
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	destination := filepath.Join(h.dir, "out", "unit.o")
	if !h.sendFile(0, destination, key) {
		t.Fatalf("upload failed")
	}
	content, err := os.ReadFile(destination)
	if err != nil || !bytes.Equal(content, []byte("object code")) {
		t.Fatalf("destination = %q, %v", content, err)
	}
	if got := h.getFile(0, destination); got != key {
		t.Errorf("get-file of written output = %s, want %s", got.Short(), key.Short())
	}
}

func TestSendFileUnknownKeyFails(t *testing.T) {
	h := newHarness(t, nil)
	if h.sendFile(0, filepath.Join(h.dir, "out.o"), cas.HashContent([]byte("never stored"))) {
		t.Fatalf("upload of unknown content reported success")
	}
}

func TestCustomCasKeyFromTrackedInputs(t *testing.T) {
	h := newHarness(t, func(config *Config) { config.TempDir = filepath.Join(t.TempDir(), "tmp") })
	header := filepath.Join(h.dir, "shared.h")
	source := filepath.Join(h.dir, "pch.cpp")
	precompiled := filepath.Join(h.dir, "shared.pch")
	testutil.WriteFile(t, header, []byte("struct shared;\n"))
	testutil.WriteFile(t, source, []byte("#include \"shared.h\"\n"))
	testutil.WriteFile(t, precompiled, []byte("nondeterministic bytes"))

	h.coordinator.SetCustomCasKeyFromTrackedInputs("shared.pch", h.dir,
		JoinTrackedInputs([]string{"shared.h", source, precompiled, "/usr/lib/libc.so"}))

	want := cas.DeriveKey([]cas.Key{
		cas.HashContent([]byte("struct shared;\n")),
		cas.HashContent([]byte("#include \"shared.h\"\n")),
	})
	if got := h.getFile(0, precompiled); got != want {
		t.Fatalf("custom key = %s, want %s", got.Short(), want.Short())
	}

	// The key is fixed once resolved.
	testutil.WriteFile(t, header, []byte("struct changed;\n"))
	if got := h.getFile(0, precompiled); got != want {
		t.Errorf("custom key changed after resolution")
	}
}

func TestCustomCasKeyMissingInputFails(t *testing.T) {
	h := newHarness(t, nil)
	output := filepath.Join(h.dir, "out.pch")
	testutil.WriteFile(t, output, []byte("pch"))
	h.coordinator.SetCustomCasKeyFromTrackedInputs(output, h.dir, JoinTrackedInputs([]string{"gone.h"}))

	if _, err := h.coordinator.handleGetFile(context.Background(), h.request(1, GetFileRequest{Path: output})); err == nil {
		t.Fatalf("get-file succeeded with a missing tracked input")
	}
}

func TestCustomCasKeyResolvesWithoutBlockingOtherLookups(t *testing.T) {
	h := newHarness(t, nil)
	pipe := filepath.Join(h.dir, "slow.h")
	if err := unix.Mkfifo(pipe, 0o600); err != nil {
		t.Fatalf("Mkfifo: %v", err)
	}
	slow := filepath.Join(h.dir, "slow.pch")
	fast := filepath.Join(h.dir, "fast.pch")
	testutil.WriteFile(t, filepath.Join(h.dir, "fast.h"), []byte("fast"))
	h.coordinator.SetCustomCasKeyFromTrackedInputs(slow, h.dir, JoinTrackedInputs([]string{pipe}))
	h.coordinator.SetCustomCasKeyFromTrackedInputs(fast, h.dir, JoinTrackedInputs([]string{"fast.h"}))

	type resolution struct {
		key cas.Key
		err error
	}
	slowDone := make(chan resolution, 1)
	go func() {
		key, err := h.coordinator.customKeyFor(cas.KeyForName(slow), slow)
		slowDone <- resolution{key, err}
	}()

	fastDone := make(chan resolution, 1)
	go func() {
		key, err := h.coordinator.customKeyFor(cas.KeyForName(fast), fast)
		fastDone <- resolution{key, err}
	}()
	fastResult := testutil.RequireReceive(t, fastDone, 5*time.Second, "lookup blocked behind a tracked-input hash")
	if fastResult.err != nil || fastResult.key != cas.DeriveKey([]cas.Key{cas.HashContent([]byte("fast"))}) {
		t.Errorf("fast key = %s, %v", fastResult.key.Short(), fastResult.err)
	}

	writer, err := os.OpenFile(pipe, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("opening pipe for writing: %v", err)
	}
	if _, err := writer.Write([]byte("slow")); err != nil {
		t.Fatalf("writing pipe: %v", err)
	}
	writer.Close()

	slowResult := testutil.RequireReceive(t, slowDone, 5*time.Second, "tracked-input hash")
	if slowResult.err != nil || slowResult.key != cas.DeriveKey([]cas.Key{cas.HashContent([]byte("slow"))}) {
		t.Errorf("slow key = %s, %v", slowResult.key.Short(), slowResult.err)
	}
}

func TestTrackedInputsRoundTrip(t *testing.T) {
	paths := []string{"/src/a.h", "/src/b.h"}
	if got := SplitTrackedInputs(JoinTrackedInputs(paths)); !slices.Equal(got, paths) {
		t.Errorf("split(join) = %v, want %v", got, paths)
	}
}

func TestDirectoryTableStreamsPerSession(t *testing.T) {
	h := newHarness(t, nil)
	listed := filepath.Join(h.dir, "include")
	testutil.WriteFile(t, filepath.Join(listed, "a.h"), []byte("a"))
	testutil.WriteFile(t, filepath.Join(listed, "b.h"), []byte("b"))
	sessionA := h.connect(1, "worker-a", 1)
	sessionB := h.connect(2, "worker-b", 1)

	result, err := h.coordinator.handleListDirectory(context.Background(), h.request(1, ListDirectoryRequest{
		SessionID: sessionA,
		Path:      listed,
	}))
	if err != nil {
		t.Fatalf("list-directory: %v", err)
	}
	listing := result.(ListDirectoryResponse)
	if !listing.Exists || listing.Table.From != 0 || len(listing.Table.Data) == 0 {
		t.Fatalf("listing = %+v, want the new record streamed from 0", listing)
	}
	size := h.coordinator.directories.Size()
	if uint64(len(listing.Table.Data)) != size {
		t.Errorf("streamed %d bytes, table holds %d", len(listing.Table.Data), size)
	}

	getDirectories := func(connectionID, session uint32) TableChunk {
		result, err := h.coordinator.handleGetDirectories(context.Background(), h.request(connectionID, GetDirectoriesRequest{SessionID: session}))
		if err != nil {
			t.Fatalf("get-directories: %v", err)
		}
		return result.(TableChunk)
	}
	if chunk := getDirectories(1, sessionA); chunk.From != size || len(chunk.Data) != 0 {
		t.Errorf("session A chunk = from %d, %d bytes; want up to date", chunk.From, len(chunk.Data))
	}
	if chunk := getDirectories(2, sessionB); chunk.From != 0 || uint64(len(chunk.Data)) != size {
		t.Errorf("session B chunk = from %d, %d bytes; want the whole table", chunk.From, len(chunk.Data))
	}

	result, err = h.coordinator.handleListDirectory(context.Background(), h.request(1, ListDirectoryRequest{
		SessionID: sessionA,
		Path:      filepath.Join(h.dir, "absent"),
	}))
	if err != nil {
		t.Fatalf("list-directory of a missing path: %v", err)
	}
	if result.(ListDirectoryResponse).Exists {
		t.Errorf("missing directory reported as existing")
	}

	if _, err := h.coordinator.handleGetDirectories(context.Background(), h.request(1, GetDirectoriesRequest{SessionID: sessionB})); !errors.Is(err, ErrForeignSession) {
		t.Errorf("get-directories for another connection's session: err = %v, want ErrForeignSession", err)
	}
	if _, err := h.coordinator.handleListDirectory(context.Background(), h.request(2, ListDirectoryRequest{
		SessionID: sessionA,
		Path:      listed,
	})); !errors.Is(err, ErrForeignSession) {
		t.Errorf("list-directory for another connection's session: err = %v, want ErrForeignSession", err)
	}
}

func TestGetApplicationForScript(t *testing.T) {
	h := newHarness(t, nil)
	script := filepath.Join(h.dir, "tools", "generate.sh")
	testutil.WriteFile(t, script, []byte("#!/bin/sh\necho generated\n"))

	result, err := h.coordinator.handleGetApplication(context.Background(), h.request(1, GetApplicationRequest{
		Application: script,
	}))
	if err != nil {
		t.Fatalf("get-application: %v", err)
	}
	modules := result.(GetApplicationResponse).Modules
	if len(modules) != 1 || modules[0].Path != script || modules[0].Key.IsZero() {
		t.Fatalf("modules = %+v, want the script alone", modules)
	}
}

func TestEnsureBinarySearchesApplicationDir(t *testing.T) {
	h := newHarness(t, nil)
	tools := filepath.Join(h.dir, "tools")
	testutil.WriteFile(t, filepath.Join(tools, "helper"), []byte("helper binary"))

	result, err := h.coordinator.handleEnsureBinary(context.Background(), h.request(1, EnsureBinaryRequest{
		Name:           "helper",
		ApplicationDir: tools,
	}))
	if err != nil {
		t.Fatalf("ensure-binary: %v", err)
	}
	response := result.(EnsureBinaryResponse)
	if response.Path != filepath.Join(tools, "helper") || response.Key != cas.HashContent([]byte("helper binary")) {
		t.Errorf("response = %+v", response)
	}

	result, err = h.coordinator.handleEnsureBinary(context.Background(), h.request(1, EnsureBinaryRequest{Name: "no-such-helper"}))
	if err != nil {
		t.Fatalf("ensure-binary: %v", err)
	}
	if response := result.(EnsureBinaryResponse); !response.Key.IsZero() {
		t.Errorf("missing binary resolved to %+v", response)
	}
}

func TestStoreAndFetchContent(t *testing.T) {
	h := newHarness(t, nil)
	result, err := h.coordinator.handleStoreContent(context.Background(), h.request(1, StoreContentRequest{Data: []byte("blob")}))
	if err != nil {
		t.Fatalf("store-content: %v", err)
	}
	key := result.(StoreContentResponse).Key
	result, err = h.coordinator.handleFetchContent(context.Background(), h.request(1, FetchContentRequest{Key: key}))
	if err != nil {
		t.Fatalf("fetch-content: %v", err)
	}
	if got := result.(FetchContentResponse).Data; string(got) != "blob" {
		t.Errorf("fetched %q, want blob", got)
	}
}
