package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/Iron-Ham/patchflow/internal/errors"
)

func TestAcquireLock(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".patchflow")

	lock, err := AcquireLock(dir, "s1", nil)
	if err != nil {
		t.Fatalf("AcquireLock() error = %v", err)
	}
	if lock.PID != os.Getpid() {
		t.Errorf("PID = %d, want %d", lock.PID, os.Getpid())
	}

	holder, locked := IsLocked(dir)
	if !locked || holder.SessionID != "s1" {
		t.Errorf("IsLocked() = %+v, %v", holder, locked)
	}

	if _, err := AcquireLock(dir, "s2", nil); !errors.Is(err, ErrLocked) {
		t.Errorf("second AcquireLock() error = %v, want ErrLocked", err)
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Errorf("second Release() error = %v", err)
	}
	if _, locked := IsLocked(dir); locked {
		t.Error("lock should be gone after Release")
	}

	again, err := AcquireLock(dir, "s3", nil)
	if err != nil {
		t.Fatalf("AcquireLock() after release error = %v", err)
	}
	_ = again.Release()
}

func TestAcquireLock_StaleLockCleaned(t *testing.T) {
	dir := t.TempDir()

	// A PID that cannot be alive.
	stale := Lock{SessionID: "old", PID: 0x7ffffff0, Hostname: "gone"}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(filepath.Join(dir, LockFileName), data, 0o644); err != nil {
		t.Fatal(err)
	}

	lock, err := AcquireLock(dir, "new", nil)
	if err != nil {
		t.Fatalf("AcquireLock() should clean stale lock, got %v", err)
	}
	defer lock.Release()

	current, err := ReadLock(filepath.Join(dir, LockFileName))
	if err != nil {
		t.Fatal(err)
	}
	if current.SessionID != "new" {
		t.Errorf("SessionID = %q, want new", current.SessionID)
	}
}

func TestRelease_DoesNotRemoveForeignLock(t *testing.T) {
	dir := t.TempDir()
	lock, err := AcquireLock(dir, "mine", nil)
	if err != nil {
		t.Fatal(err)
	}

	other := Lock{SessionID: "theirs", PID: os.Getpid()}
	data, _ := json.Marshal(other)
	if err := os.WriteFile(filepath.Join(dir, LockFileName), data, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := lock.Release(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, LockFileName)); err != nil {
		t.Error("foreign lock must not be removed")
	}
}
