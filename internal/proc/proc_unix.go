//go:build !windows

package proc

import (
	"context"
	"errors"
	"syscall"
	"time"

	"limbic/internal/retry"
)

// Alive reports whether pid is a running process. EPERM means the process
// exists but belongs to another user.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, syscall.EPERM)
}

// GroupID returns the process group of pid, or 0 when unavailable.
func GroupID(pid int) int {
	if pid <= 0 {
		return 0
	}
	pgid, err := syscall.Getpgid(pid)
	if err != nil {
		return 0
	}
	return pgid
}

// Terminate runs the graceful-then-forced sequence: SIGTERM, bounded liveness
// poll for grace, then a single SIGKILL confirmed by the pid disappearing.
// When pgid is set the whole group is signaled so a shell wrapper's children
// die with it.
func Terminate(ctx context.Context, pid, pgid int, grace time.Duration) error {
	if pid <= 0 {
		return nil
	}
	if !Alive(pid) {
		return ErrNotFound
	}
	if grace <= 0 {
		grace = DefaultGrace
	}

	termErr := signalGroup(pid, pgid, syscall.SIGTERM)
	if errors.Is(termErr, syscall.ESRCH) {
		termErr = nil
	}
	if waitDead(ctx, pid, grace) {
		return termErr
	}

	killErr := signalGroup(pid, pgid, syscall.SIGKILL)
	if errors.Is(killErr, syscall.ESRCH) {
		killErr = nil
	}
	if waitDead(ctx, pid, killConfirmWait) {
		return errors.Join(termErr, killErr)
	}
	return errors.Join(termErr, killErr, ErrStillAlive)
}

func signalGroup(pid, pgid int, sig syscall.Signal) error {
	target := pid
	if pgid > 0 {
		target = -pgid
	}
	return syscall.Kill(target, sig)
}

func waitDead(ctx context.Context, pid int, budget time.Duration) bool {
	attempts := int(budget/livenessPollInterval) + 1
	err := retry.Poll(ctx, livenessPollInterval, attempts, func() (bool, error) {
		return !Alive(pid), nil
	})
	return err == nil
}
