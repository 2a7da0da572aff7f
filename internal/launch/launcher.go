// Package launch spawns a managed service bound to a specific port, captures
// its output to a per-role log file, and classifies early failures.
package launch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"limbic/internal/logging"
	"limbic/internal/proc"
	"limbic/internal/runstate"
)

var (
	// ErrBindConflict reports that the requested port was taken, either
	// detected as an early exit or as a late-binding conflict logged by a
	// process that appeared to start.
	ErrBindConflict = errors.New("port already in use")
	// ErrCrashed reports a child death unrelated to port binding.
	ErrCrashed = errors.New("process exited during startup")
)

const DefaultSettleDelay = 1500 * time.Millisecond

// conflictSignatures are matched against the child's log to detect a bind
// failure. Covers uvicorn ("address already in use"), node ("EADDRINUSE"),
// and vite ("Port NNNN is in use").
var conflictSignatures = []string{
	"address already in use",
	"EADDRINUSE",
	"is in use",
}

// Spec describes how to start one service. Args may contain the "{port}"
// placeholder, replaced with the resolved port at spawn time.
type Spec struct {
	Role runstate.Role
	Dir  string
	Args []string
	// Env entries are appended to the inherited environment.
	Env         []string
	SettleDelay time.Duration
}

// ManagedProcess is one successfully launched child.
type ManagedProcess struct {
	Role      runstate.Role
	PID       int
	PGID      int
	Port      int
	LogPath   string
	StartedAt time.Time

	done <-chan error
}

// Done delivers the child's Wait result when it exits.
func (p *ManagedProcess) Done() <-chan error {
	if p == nil {
		return nil
	}
	return p.done
}

func (p *ManagedProcess) Alive() bool {
	if p == nil {
		return false
	}
	return proc.Alive(p.PID)
}

// Stop runs the graceful-then-forced termination sequence on the child.
func (p *ManagedProcess) Stop(ctx context.Context, grace time.Duration) error {
	if p == nil {
		return nil
	}
	err := proc.Terminate(ctx, p.PID, p.PGID, grace)
	if errors.Is(err, proc.ErrNotFound) {
		return nil
	}
	return err
}

type Launcher struct {
	Registry *runstate.Registry
	Logger   *logging.Logger
	// Grace bounds termination of a child killed for a late bind conflict.
	Grace time.Duration
}

// Launch starts the service on port and decides within the settle delay
// whether the bind succeeded. The pid record is written synchronously with
// the spawn, before any classification.
func (l *Launcher) Launch(ctx context.Context, spec Spec, port int) (*ManagedProcess, error) {
	if len(spec.Args) == 0 {
		return nil, fmt.Errorf("empty command for role %s", spec.Role)
	}

	logPath := l.Registry.LogPath(spec.Role)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s log: %w", spec.Role, err)
	}

	args := substitutePort(spec.Args, port)
	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = spec.Dir
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.SysProcAttr = sysProcAttr()

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, fmt.Errorf("start %s: %w", spec.Role, err)
	}
	pid := cmd.Process.Pid
	pgid := proc.GroupID(pid)

	if err := l.Registry.Record(spec.Role, pid); err != nil {
		_ = proc.Terminate(ctx, pid, pgid, l.grace())
		_ = logFile.Close()
		return nil, fmt.Errorf("record %s pid: %w", spec.Role, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
		_ = logFile.Close()
	}()

	l.logInfo("process started", spec.Role, map[string]string{
		"pid":  strconv.Itoa(pid),
		"port": strconv.Itoa(port),
		"log":  logPath,
	})

	settle := spec.SettleDelay
	if settle <= 0 {
		settle = DefaultSettleDelay
	}

	select {
	case waitErr := <-done:
		// Dead inside the settle window: bind conflict or crash.
		_ = l.Registry.Forget(spec.Role)
		if logHasConflict(logPath) {
			return nil, fmt.Errorf("%w: %s on port %d", ErrBindConflict, spec.Role, port)
		}
		tail := logTail(logPath, 15)
		return nil, fmt.Errorf("%w: %s (%v)\n%s", ErrCrashed, spec.Role, waitErr, tail)
	case <-ctx.Done():
		_ = proc.Terminate(context.Background(), pid, pgid, l.grace())
		_ = l.Registry.Forget(spec.Role)
		return nil, ctx.Err()
	case <-time.After(settle):
	}

	// Late-binding race: the process can log the conflict after appearing
	// to start.
	if logHasConflict(logPath) {
		l.logInfo("late bind conflict; terminating", spec.Role, map[string]string{
			"pid":  strconv.Itoa(pid),
			"port": strconv.Itoa(port),
		})
		_ = proc.Terminate(ctx, pid, pgid, l.grace())
		_ = l.Registry.Forget(spec.Role)
		return nil, fmt.Errorf("%w: %s on port %d (late bind)", ErrBindConflict, spec.Role, port)
	}

	return &ManagedProcess{
		Role:      spec.Role,
		PID:       pid,
		PGID:      pgid,
		Port:      port,
		LogPath:   logPath,
		StartedAt: time.Now(),
		done:      done,
	}, nil
}

// LaunchWithRetry walks the port window [startPort, startPort+attempts) and
// retries bind conflicts on the next port. Any other failure stops the walk.
func (l *Launcher) LaunchWithRetry(ctx context.Context, spec Spec, startPort, attempts int) (*ManagedProcess, error) {
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for offset := 0; offset < attempts; offset++ {
		port := startPort + offset
		process, err := l.Launch(ctx, spec, port)
		if err == nil {
			return process, nil
		}
		if !errors.Is(err, ErrBindConflict) {
			return nil, err
		}
		lastErr = err
		l.logInfo("bind conflict; trying next port", spec.Role, map[string]string{
			"port": strconv.Itoa(port),
			"next": strconv.Itoa(port + 1),
		})
	}
	return nil, fmt.Errorf("%w after %d attempts from port %d: %w",
		ErrBindConflict, attempts, startPort, lastErr)
}

func (l *Launcher) grace() time.Duration {
	if l == nil || l.Grace <= 0 {
		return proc.DefaultGrace
	}
	return l.Grace
}

func (l *Launcher) logInfo(message string, role runstate.Role, fields map[string]string) {
	if l == nil || l.Logger == nil {
		return
	}
	if fields == nil {
		fields = map[string]string{}
	}
	fields["role"] = string(role)
	l.Logger.Info(message, fields)
}

func substitutePort(args []string, port int) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = strings.ReplaceAll(arg, "{port}", strconv.Itoa(port))
	}
	return out
}

func logHasConflict(logPath string) bool {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return false
	}
	content := string(data)
	for _, signature := range conflictSignatures {
		if strings.Contains(content, signature) {
			return true
		}
	}
	return false
}

func logTail(logPath string, n int) string {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return "(log unavailable)"
	}
	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
