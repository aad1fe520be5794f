// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package cas

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bureau-foundation/offload/lib/testutil"
)

func newTestStore(t *testing.T, compression Compression) *Store {
	t.Helper()
	store, err := Open(Config{Root: t.TempDir(), Compression: compression, Logger: testutil.Logger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return store
}

func TestStoreFileRoundtrip(t *testing.T) {
	for _, compression := range []Compression{CompressionNone, CompressionLZ4, CompressionZstd} {
		t.Run(compression.String(), func(t *testing.T) {
			store := newTestStore(t, compression)
			path := filepath.Join(t.TempDir(), "main.o")
			content := bytes.Repeat([]byte("object code "), 512)
			testutil.WriteFile(t, path, content)

			key, err := store.StoreFile(path, ZeroKey, false)
			if err != nil {
				t.Fatalf("StoreFile: %v", err)
			}
			if key != HashContent(content) {
				t.Fatalf("key = %s, want content hash", key.Short())
			}

			got, err := store.ReadContent(key)
			if err != nil {
				t.Fatalf("ReadContent: %v", err)
			}
			if !bytes.Equal(got, content) {
				t.Fatal("content mismatch after roundtrip")
			}
		})
	}
}

func TestStoreFileMissingIsZeroKey(t *testing.T) {
	store := newTestStore(t, CompressionLZ4)
	key, err := store.StoreFile(filepath.Join(t.TempDir(), "absent.h"), ZeroKey, false)
	if err != nil {
		t.Fatalf("StoreFile: %v", err)
	}
	if !key.IsZero() {
		t.Errorf("key = %s, want zero key", key.Short())
	}
}

func TestStoreFileDirectory(t *testing.T) {
	store := newTestStore(t, CompressionLZ4)
	key, err := store.StoreFile(t.TempDir(), ZeroKey, false)
	if err != nil {
		t.Fatalf("StoreFile: %v", err)
	}
	if key != DirectoryKey {
		t.Errorf("key = %s, want DirectoryKey", key.Short())
	}
}

func TestStoreFileDeferred(t *testing.T) {
	store := newTestStore(t, CompressionLZ4)
	path := filepath.Join(t.TempDir(), "input.h")
	testutil.WriteFile(t, path, []byte("#pragma once\n"))

	key, err := store.StoreFile(path, ZeroKey, true)
	if err != nil {
		t.Fatalf("StoreFile: %v", err)
	}
	if store.blobExists(key) {
		t.Fatal("deferred StoreFile wrote a blob eagerly")
	}
	if !store.Exists(key) {
		t.Fatal("deferred key should report Exists")
	}

	content, err := store.ReadContent(key)
	if err != nil {
		t.Fatalf("ReadContent: %v", err)
	}
	if string(content) != "#pragma once\n" {
		t.Errorf("content = %q", content)
	}
	if !store.blobExists(key) {
		t.Error("ReadContent did not materialize the blob")
	}
}

func TestStoreFileOverride(t *testing.T) {
	store := newTestStore(t, CompressionLZ4)
	path := filepath.Join(t.TempDir(), "generated.cpp")
	testutil.WriteFile(t, path, []byte("int x;"))

	override := DeriveKey([]Key{HashContent([]byte("a")), HashContent([]byte("b"))})
	key, err := store.StoreFile(path, override, false)
	if err != nil {
		t.Fatalf("StoreFile: %v", err)
	}
	if key != override {
		t.Fatalf("key = %s, want override %s", key.Short(), override.Short())
	}
	content, err := store.ReadContent(override)
	if err != nil {
		t.Fatalf("ReadContent: %v", err)
	}
	if string(content) != "int x;" {
		t.Errorf("content = %q", content)
	}
}

func TestStoreFileOverrideNotRememberedForPath(t *testing.T) {
	store := newTestStore(t, CompressionLZ4)
	path := filepath.Join(t.TempDir(), "generated.cpp")
	testutil.WriteFile(t, path, []byte("int y;"))

	override := DeriveKey([]Key{HashContent([]byte("input"))})
	if _, err := store.StoreFile(path, override, true); err != nil {
		t.Fatalf("StoreFile with override: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if cached, ok := store.Cached(path, info.Size(), info.ModTime()); ok {
		t.Errorf("override %s cached as the content key of %s", cached.Short(), path)
	}

	key, err := store.StoreFile(path, ZeroKey, true)
	if err != nil {
		t.Fatalf("StoreFile: %v", err)
	}
	if want := HashContent([]byte("int y;")); key != want {
		t.Errorf("key = %s, want content key %s", key.Short(), want.Short())
	}
}

func TestStoreFileRehashesModifiedFile(t *testing.T) {
	store := newTestStore(t, CompressionLZ4)
	path := filepath.Join(t.TempDir(), "config.h")
	testutil.WriteFile(t, path, []byte("version 1"))

	first, err := store.StoreFile(path, ZeroKey, false)
	if err != nil {
		t.Fatalf("StoreFile: %v", err)
	}

	testutil.WriteFile(t, path, []byte("version 2!"))
	later := time.Now().Add(time.Hour)
	if err := os.Chtimes(path, later, later); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	second, err := store.StoreFile(path, ZeroKey, false)
	if err != nil {
		t.Fatalf("StoreFile: %v", err)
	}
	if first == second {
		t.Fatal("modified file resolved to the cached key")
	}
	if second != HashContent([]byte("version 2!")) {
		t.Error("second key is not the hash of the new content")
	}
}

func TestIncompressibleStoredRaw(t *testing.T) {
	store := newTestStore(t, CompressionZstd)
	random := make([]byte, 4096)
	if _, err := rand.Read(random); err != nil {
		t.Fatalf("rand: %v", err)
	}

	key, err := store.PutBytes(random)
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	raw, err := os.ReadFile(store.blobPath(key))
	if err != nil {
		t.Fatalf("reading blob: %v", err)
	}
	if Compression(raw[0]) != CompressionNone {
		t.Errorf("tag = %s, want none for random data", Compression(raw[0]))
	}
	content, err := store.ReadContent(key)
	if err != nil {
		t.Fatalf("ReadContent: %v", err)
	}
	if !bytes.Equal(content, random) {
		t.Error("content mismatch")
	}
}

func TestPutAndOpen(t *testing.T) {
	store := newTestStore(t, CompressionLZ4)
	key, err := store.Put(bytes.NewReader([]byte("uploaded output")))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	reader, err := store.Open(key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer reader.Close()
	content, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(content) != "uploaded output" {
		t.Errorf("content = %q", content)
	}
}

func TestRetrieve(t *testing.T) {
	store := newTestStore(t, CompressionLZ4)
	key, err := store.PutBytes([]byte("linked binary"))
	if err != nil {
		t.Fatalf("PutBytes: %v", err)
	}
	destination := filepath.Join(t.TempDir(), "out", "bin", "tool")
	if err := store.Retrieve(key, destination, 0o755); err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	info, err := os.Stat(destination)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o755 {
		t.Errorf("mode = %v, want 0755", info.Mode().Perm())
	}
	content, _ := os.ReadFile(destination)
	if string(content) != "linked binary" {
		t.Errorf("content = %q", content)
	}
}

func TestRetrieveUnknownKey(t *testing.T) {
	store := newTestStore(t, CompressionLZ4)
	err := store.Retrieve(HashContent([]byte("never stored")), filepath.Join(t.TempDir(), "x"), 0)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Retrieve error = %v, want ErrNotFound", err)
	}
}

func TestFakeCopy(t *testing.T) {
	store := newTestStore(t, CompressionLZ4)
	key, _ := store.PutBytes([]byte("x"))
	destination := filepath.Join(t.TempDir(), "fake")
	if err := store.FakeCopy(key, destination); err != nil {
		t.Fatalf("FakeCopy: %v", err)
	}
	if _, err := os.Stat(destination); !errors.Is(err, os.ErrNotExist) {
		t.Error("FakeCopy wrote the destination")
	}
	if err := store.FakeCopy(HashContent([]byte("y")), destination); !errors.Is(err, ErrNotFound) {
		t.Errorf("FakeCopy of unknown key error = %v, want ErrNotFound", err)
	}
}

func TestDropAndReset(t *testing.T) {
	store := newTestStore(t, CompressionLZ4)
	first, _ := store.PutBytes([]byte("first"))
	second, _ := store.PutBytes([]byte("second"))

	store.Drop(first)
	if store.Exists(first) {
		t.Error("dropped key still exists")
	}
	if !store.Exists(second) {
		t.Error("Drop removed an unrelated key")
	}

	if err := store.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if store.Exists(second) {
		t.Error("Reset left a blob behind")
	}
}

func TestKeyDomainsAreSeparate(t *testing.T) {
	data := []byte("/src/main.cpp")
	content := HashContent(data)
	name := KeyForName(string(data))
	if bytes.Equal(content[:16], name[:]) {
		t.Error("content and name domains produced the same prefix")
	}
	if DeriveKey([]Key{content}) == content {
		t.Error("DeriveKey of one key returned the key itself")
	}
}

func TestParseKey(t *testing.T) {
	key := HashContent([]byte("parse me"))
	parsed, err := ParseKey(key.String())
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if parsed != key {
		t.Error("ParseKey did not invert String")
	}
	if _, err := ParseKey("abcd"); err == nil {
		t.Error("ParseKey accepted a short key")
	}
}

func TestCached(t *testing.T) {
	store := newTestStore(t, CompressionLZ4)
	path := filepath.Join(t.TempDir(), "header.h")
	testutil.WriteFile(t, path, []byte("#pragma once\n"))
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}

	if _, ok := store.Cached(path, info.Size(), info.ModTime()); ok {
		t.Fatal("Cached hit before the file was ever stored")
	}
	key, err := store.StoreFile(path, ZeroKey, true)
	if err != nil {
		t.Fatalf("StoreFile: %v", err)
	}
	cached, ok := store.Cached(path, info.Size(), info.ModTime())
	if !ok || cached != key {
		t.Fatalf("Cached = %s, %v; want %s", cached.Short(), ok, key.Short())
	}
	if _, ok := store.Cached(path, info.Size()+1, info.ModTime()); ok {
		t.Error("Cached hit with a different size")
	}
	if _, ok := store.Cached(path, info.Size(), info.ModTime().Add(time.Second)); ok {
		t.Error("Cached hit with a different modification time")
	}
}
