package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"
)

func TestAcquireWritesHolder(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()

	if lock.Path() != filepath.Join(dir, LockFileName) {
		t.Errorf("Path = %q", lock.Path())
	}
	data, err := os.ReadFile(lock.Path())
	if err != nil {
		t.Fatal(err)
	}
	h := parseHolder(string(data))
	if h.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", h.PID, os.Getpid())
	}
	if time.Since(h.Started) > time.Minute {
		t.Errorf("started = %v", h.Started)
	}
}

func TestSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()
	first, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer first.Release()

	second, err := AcquireLock(dir)
	if err == nil {
		second.Release()
		t.Fatal("second AcquireLock succeeded")
	}
	var lockErr *LockError
	if !errors.As(err, &lockErr) {
		t.Fatalf("error type = %T", err)
	}
	if lockErr.Holder.PID != os.Getpid() || !lockErr.Holder.Running {
		t.Errorf("holder = %+v", lockErr.Holder)
	}
	if !strings.Contains(err.Error(), lockErr.LockPath) {
		t.Errorf("message %q does not name the lock file", err)
	}

	// the failed attempt must not clobber the holder record
	data, _ := os.ReadFile(first.Path())
	if parseHolder(string(data)).PID != os.Getpid() {
		t.Errorf("holder record lost: %q", data)
	}
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); !os.IsNotExist(err) {
		t.Errorf("lock file still present: %v", err)
	}

	again, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	again.Release()
}

func TestAcquireCreatesDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	lock, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("AcquireLock: %v", err)
	}
	defer lock.Release()
	if _, err := os.Stat(dir); err != nil {
		t.Errorf("state dir not created: %v", err)
	}
}

func TestParseHolder(t *testing.T) {
	tests := []struct {
		content string
		pid     int
		started bool
	}{
		{"pid=42 started=2026-01-02T03:04:05Z\n", 42, true},
		{"pid=42\n", 42, false},
		{"started=2026-01-02T03:04:05Z", 0, true},
		{"garbage", 0, false},
		{"pid=-1", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		h := parseHolder(tt.content)
		if h.PID != tt.pid || h.Started.IsZero() == tt.started {
			t.Errorf("parseHolder(%q) = %+v", tt.content, h)
		}
	}
}

func TestHolderString(t *testing.T) {
	if got := (Holder{}).String(); got != "unknown holder" {
		t.Errorf("zero holder = %q", got)
	}
	stale := Holder{PID: 99999999}
	if !strings.Contains(stale.String(), "stale") || !strings.Contains(stale.String(), strconv.Itoa(stale.PID)) {
		t.Errorf("stale holder = %q", stale.String())
	}
	if processAlive(os.Getpid()) != true {
		t.Error("current process reported dead")
	}
}
