//go:build !windows

package launch

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"limbic/internal/proc"
	"limbic/internal/runstate"
)

func newLauncher(t *testing.T) *Launcher {
	t.Helper()
	registry := runstate.New(t.TempDir(), proc.NullScanner{}, nil)
	if err := registry.EnsureDir(); err != nil {
		t.Fatalf("ensure dir: %v", err)
	}
	return &Launcher{Registry: registry, Grace: time.Second}
}

func shSpec(role runstate.Role, script string, settle time.Duration) Spec {
	return Spec{
		Role:        role,
		Args:        []string{"sh", "-c", script},
		SettleDelay: settle,
	}
}

func TestLaunchSuccess(t *testing.T) {
	launcher := newLauncher(t)
	spec := shSpec(runstate.RoleBackend, "echo listening on {port}; sleep 10", 300*time.Millisecond)

	process, err := launcher.Launch(context.Background(), spec, 7100)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	defer func() {
		_ = process.Stop(context.Background(), time.Second)
	}()

	if !process.Alive() {
		t.Fatal("expected child alive")
	}
	if process.Port != 7100 {
		t.Fatalf("port = %d want 7100", process.Port)
	}
	pid, ok := launcher.Registry.Lookup(runstate.RoleBackend)
	if !ok || pid != process.PID {
		t.Fatalf("registry pid = %d,%v want %d,true", pid, ok, process.PID)
	}
	data, err := os.ReadFile(process.LogPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "listening on 7100") {
		t.Fatalf("expected substituted port in log, got %q", data)
	}
}

func TestLaunchBindConflict(t *testing.T) {
	launcher := newLauncher(t)
	spec := shSpec(runstate.RoleBackend, "echo 'ERROR: [Errno 98] address already in use' >&2; exit 1", 300*time.Millisecond)

	_, err := launcher.Launch(context.Background(), spec, 7100)
	if !errors.Is(err, ErrBindConflict) {
		t.Fatalf("expected ErrBindConflict, got %v", err)
	}
	if _, ok := launcher.Registry.Lookup(runstate.RoleBackend); ok {
		t.Fatal("expected record forgotten after conflict")
	}
}

func TestLaunchCrashSurfacesLogTail(t *testing.T) {
	launcher := newLauncher(t)
	spec := shSpec(runstate.RoleBackend, "echo 'ModuleNotFoundError: no module named limbic' >&2; exit 2", 300*time.Millisecond)

	_, err := launcher.Launch(context.Background(), spec, 7100)
	if !errors.Is(err, ErrCrashed) {
		t.Fatalf("expected ErrCrashed, got %v", err)
	}
	if !strings.Contains(err.Error(), "ModuleNotFoundError") {
		t.Fatalf("expected log tail in error, got %v", err)
	}
}

func TestLaunchLateBindConflict(t *testing.T) {
	launcher := newLauncher(t)
	spec := shSpec(runstate.RoleFrontend, "echo 'Port {port} is in use'; sleep 10", 300*time.Millisecond)

	_, err := launcher.Launch(context.Background(), spec, 7100)
	if !errors.Is(err, ErrBindConflict) {
		t.Fatalf("expected ErrBindConflict, got %v", err)
	}
	if _, ok := launcher.Registry.Lookup(runstate.RoleFrontend); ok {
		t.Fatal("expected record forgotten after late conflict")
	}
}

func TestLaunchWithRetryWalksWindow(t *testing.T) {
	launcher := newLauncher(t)
	// Ports 7100 and 7101 "conflict"; 7102 succeeds.
	script := `case {port} in 7100|7101) echo EADDRINUSE >&2; exit 1;; *) sleep 10;; esac`
	spec := shSpec(runstate.RoleFrontend, script, 300*time.Millisecond)

	process, err := launcher.LaunchWithRetry(context.Background(), spec, 7100, 5)
	if err != nil {
		t.Fatalf("launch with retry: %v", err)
	}
	defer func() {
		_ = process.Stop(context.Background(), time.Second)
	}()

	if process.Port != 7102 {
		t.Fatalf("port = %d want 7102", process.Port)
	}
}

func TestLaunchWithRetryExhausts(t *testing.T) {
	launcher := newLauncher(t)
	spec := shSpec(runstate.RoleFrontend, "echo EADDRINUSE >&2; exit 1", 200*time.Millisecond)

	_, err := launcher.LaunchWithRetry(context.Background(), spec, 7100, 3)
	if !errors.Is(err, ErrBindConflict) {
		t.Fatalf("expected ErrBindConflict, got %v", err)
	}
}

func TestStopConfirmsDead(t *testing.T) {
	launcher := newLauncher(t)
	spec := shSpec(runstate.RoleBackend, "sleep 10", 200*time.Millisecond)

	process, err := launcher.Launch(context.Background(), spec, 7100)
	if err != nil {
		t.Fatalf("launch: %v", err)
	}
	if err := process.Stop(context.Background(), time.Second); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if process.Alive() {
		t.Fatal("expected child dead after Stop")
	}
	// A second Stop is a no-op.
	if err := process.Stop(context.Background(), time.Second); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}
