package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestEvery(t *testing.T) {
	t.Parallel()

	var last atomic.Int64
	if !Every(&last, time.Hour) {
		t.Fatal("first call should pass")
	}
	if Every(&last, time.Hour) {
		t.Error("second call inside period should be suppressed")
	}
	if !Every(nil, time.Hour) {
		t.Error("nil tracker should always pass")
	}
	if !Every(&last, 0) {
		t.Error("zero period should always pass")
	}
}

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")

	l, err := New(Options{Level: "debug", File: path})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Debug("hello from test")
	_ = l.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Errorf("log file missing message: %q", data)
	}
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	t.Parallel()

	if _, err := New(Options{Level: "chatty"}); err == nil {
		t.Error("expected error for unknown level")
	}
}

func TestOrNop(t *testing.T) {
	t.Parallel()

	if OrNop(nil) == nil {
		t.Fatal("OrNop(nil) returned nil")
	}
}
