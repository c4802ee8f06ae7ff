package bus

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestAcquireLockAndRelease(t *testing.T) {
	dir := t.TempDir()
	l, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "gateway.lock"))
	if err != nil {
		t.Fatalf("read lock: %v", err)
	}
	var p LockPayload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal lock: %v", err)
	}
	if p.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", p.PID, os.Getpid())
	}
	if p.Host == "" || p.StartedAt.IsZero() || p.Heartbeat.IsZero() {
		t.Errorf("incomplete payload: %+v", p)
	}

	if err := l.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "gateway.lock")); !os.IsNotExist(err) {
		t.Error("lock file should be removed on release")
	}
}

func TestAcquireLockContendedSameHost(t *testing.T) {
	dir := t.TempDir()
	l, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer l.Release()

	_, err = AcquireLock(dir)
	var contended *LockContendedError
	if !errors.As(err, &contended) {
		t.Fatalf("second acquire err = %v, want LockContendedError", err)
	}
	if contended.Holder.PID != os.Getpid() {
		t.Errorf("holder pid = %d", contended.Holder.PID)
	}
}

func TestAcquireLockReplacesDeadSameHostHolder(t *testing.T) {
	dir := t.TempDir()
	host, _ := os.Hostname()
	stale := LockPayload{
		Host:      host,
		PID:       999999999, // no such process
		StartedAt: time.Now().UTC(),
		Heartbeat: time.Now().UTC(),
	}
	data, _ := json.Marshal(stale)
	if err := os.WriteFile(filepath.Join(dir, "gateway.lock"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	l, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("acquire over dead holder: %v", err)
	}
	l.Release()
}

func TestAcquireLockForeignHostHeartbeat(t *testing.T) {
	dir := t.TempDir()
	fresh := LockPayload{
		Host:      "some-other-host",
		PID:       1234,
		StartedAt: time.Now().UTC().Add(-time.Hour),
		Heartbeat: time.Now().UTC(),
	}
	data, _ := json.Marshal(fresh)
	path := filepath.Join(dir, "gateway.lock")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := AcquireLock(dir); err == nil {
		t.Fatal("fresh foreign-host heartbeat should contend")
	}

	stale := fresh
	stale.Heartbeat = time.Now().UTC().Add(-time.Minute)
	stale.StartedAt = time.Now().UTC().Add(-time.Hour)
	data, _ = json.Marshal(stale)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	l, err := AcquireLock(dir)
	if err != nil {
		t.Fatalf("stale foreign-host lock should be replaced: %v", err)
	}
	l.Release()
}
