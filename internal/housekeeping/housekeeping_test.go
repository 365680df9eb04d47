package housekeeping

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	logx "sismobot/pkg/logx"
)

type copyStore struct {
	content  string
	restored string
}

func (c *copyStore) SnapshotTo(dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.WriteFile(dst, []byte(c.content), 0o600)
}

func (c *copyStore) RestoreFrom(src string) error {
	b, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	c.restored = string(b)
	return nil
}

func TestBackupNowAndRestore(t *testing.T) {
	dir := t.TempDir()
	store := &copyStore{content: `{"subscribers":{}}`}
	s := New(Config{BackupDir: dir}, store, logx.Nop())

	path, err := s.BackupNow()
	if err != nil {
		t.Fatalf("BackupNow: %v", err)
	}
	names, err := s.ListBackups()
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(names) != 1 || filepath.Join(dir, names[0]) != path {
		t.Fatalf("backups = %v, path = %s", names, path)
	}

	if err := s.Restore(names[0]); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if store.restored != store.content {
		t.Fatalf("restored %q, want %q", store.restored, store.content)
	}

	// Path traversal in backup names is rejected.
	if err := s.Restore("../evil.json"); err == nil {
		t.Fatal("expected error for traversal name")
	}
}

func TestPruneKeepsNewest(t *testing.T) {
	dir := t.TempDir()
	store := &copyStore{content: "{}"}
	s := New(Config{BackupDir: dir, KeepBackups: 2}, store, logx.Nop())

	// Seed older backups with distinct timestamps.
	for i := 0; i < 4; i++ {
		name := fmt.Sprintf("subscribers-2024010%d-000000.json", i+1)
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o600); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	if _, err := s.BackupNow(); err != nil {
		t.Fatalf("BackupNow: %v", err)
	}

	names, err := s.ListBackups()
	if err != nil {
		t.Fatalf("ListBackups: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("kept %d backups, want 2: %v", len(names), names)
	}
	// The newest (just-written) backup survives pruning.
	if names[0] < names[1] {
		t.Fatalf("names not newest-first: %v", names)
	}
}

func TestStartRejectsBadSpec(t *testing.T) {
	s := New(Config{BackupSpec: "not a spec", BackupDir: t.TempDir()}, &copyStore{}, logx.Nop())
	if err := s.Start(); err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	s := New(Config{BackupDir: t.TempDir()}, &copyStore{}, logx.Nop())
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	s.Stop()
	s.Stop()
}
