package runstate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"limbic/internal/proc"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	registry := New(t.TempDir(), proc.NullScanner{}, nil)
	if err := registry.EnsureDir(); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	return registry
}

func TestRecordLookupForget(t *testing.T) {
	registry := newTestRegistry(t)

	if _, ok := registry.Lookup(RoleBackend); ok {
		t.Fatal("expected no record before Record")
	}
	if err := registry.Record(RoleBackend, 4321); err != nil {
		t.Fatalf("record: %v", err)
	}
	pid, ok := registry.Lookup(RoleBackend)
	if !ok || pid != 4321 {
		t.Fatalf("lookup = %d,%v want 4321,true", pid, ok)
	}
	if err := registry.Forget(RoleBackend); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if _, ok := registry.Lookup(RoleBackend); ok {
		t.Fatal("expected record gone after Forget")
	}
	// Forget on a missing record is not an error.
	if err := registry.Forget(RoleBackend); err != nil {
		t.Fatalf("forget twice: %v", err)
	}
}

func TestRecordOverwrites(t *testing.T) {
	registry := newTestRegistry(t)
	if err := registry.Record(RoleFrontend, 100); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := registry.Record(RoleFrontend, 200); err != nil {
		t.Fatalf("record: %v", err)
	}
	pid, ok := registry.Lookup(RoleFrontend)
	if !ok || pid != 200 {
		t.Fatalf("lookup = %d,%v want 200,true", pid, ok)
	}
}

func TestLookupIgnoresGarbage(t *testing.T) {
	registry := newTestRegistry(t)
	path := filepath.Join(registry.Dir(), "backend.pid")
	if err := os.WriteFile(path, []byte("not-a-pid\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, ok := registry.Lookup(RoleBackend); ok {
		t.Fatal("expected garbage record ignored")
	}
}

func TestReconcileDropsDeadRecord(t *testing.T) {
	registry := newTestRegistry(t)
	// A pid that is certainly not running.
	if err := registry.Record(RoleBackend, 999999); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := registry.ReconcileStale(context.Background(), nil); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if _, ok := registry.Lookup(RoleBackend); ok {
		t.Fatal("expected dead record removed")
	}
}

type scriptedScanner struct {
	matches []proc.Match
	err     error
}

func (s scriptedScanner) Scan(string) ([]proc.Match, error) {
	return s.matches, s.err
}

func TestReconcileScanFailureDegrades(t *testing.T) {
	registry := New(t.TempDir(), scriptedScanner{err: os.ErrPermission}, nil)
	if err := registry.EnsureDir(); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	err := registry.ReconcileStale(context.Background(), map[Role]string{
		RoleBackend: "uvicorn backend.main",
	})
	if err != nil {
		t.Fatalf("scan failure must be non-fatal, got %v", err)
	}
}

func TestSetGrace(t *testing.T) {
	registry := newTestRegistry(t)
	registry.SetGrace(time.Second)
	registry.SetGrace(0) // ignored
	if registry.grace != time.Second {
		t.Fatalf("grace = %v want 1s", registry.grace)
	}
}

func TestLogPath(t *testing.T) {
	registry := newTestRegistry(t)
	want := filepath.Join(registry.Dir(), "frontend.log")
	if got := registry.LogPath(RoleFrontend); got != want {
		t.Fatalf("log path = %q want %q", got, want)
	}
}
