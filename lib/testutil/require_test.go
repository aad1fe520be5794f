// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// recorder captures Fatalf instead of stopping the goroutine.
type recorder struct {
	failed  bool
	message string
}

func (r *recorder) Helper() {}

func (r *recorder) Fatalf(format string, args ...any) {
	r.failed = true
	r.message = fmt.Sprintf(format, args...)
}

func TestRequireReceiveValue(t *testing.T) {
	ch := make(chan int, 1)
	ch <- 42
	if got := RequireReceive(t, ch, time.Second, "value"); got != 42 {
		t.Errorf("RequireReceive = %d, want 42", got)
	}
}

func TestRequireSendAndClosed(t *testing.T) {
	ch := make(chan string, 1)
	RequireSend(t, ch, "hello", time.Second, "send")
	if got := <-ch; got != "hello" {
		t.Errorf("received %q, want hello", got)
	}

	done := make(chan struct{})
	close(done)
	RequireClosed(t, done, time.Second, "closed")
}

func TestRequireClosedTimeout(t *testing.T) {
	r := &recorder{}
	RequireClosed(r, make(chan struct{}), time.Millisecond, "waiting on %s", "nothing")
	if !r.failed {
		t.Fatal("RequireClosed should fail on an open channel")
	}
	if want := "waiting on nothing"; !contains(r.message, want) {
		t.Errorf("message %q does not mention %q", r.message, want)
	}
}

func TestWriteFileCreatesParents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a", "b", "c.txt")
	WriteFile(t, path, []byte("content"))
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(data) != "content" {
		t.Errorf("content = %q, want %q", data, "content")
	}
}

func TestSocketDirIsShort(t *testing.T) {
	directory := SocketDir(t)
	if len(directory) > 40 {
		t.Errorf("SocketDir %q is longer than expected", directory)
	}
}

func contains(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
