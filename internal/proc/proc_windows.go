//go:build windows

package proc

import (
	"context"
	"os"
	"time"

	"limbic/internal/retry"
)

func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil || process == nil {
		return false
	}
	return true
}

func GroupID(pid int) int {
	return 0
}

// Terminate has no graceful phase on windows; Kill is the only signal.
func Terminate(ctx context.Context, pid, pgid int, grace time.Duration) error {
	if pid <= 0 {
		return nil
	}
	_ = pgid
	process, err := os.FindProcess(pid)
	if err != nil {
		return ErrNotFound
	}
	_ = process.Kill()
	if grace <= 0 {
		grace = DefaultGrace
	}
	attempts := int(grace/livenessPollInterval) + 1
	return retry.Poll(ctx, livenessPollInterval, attempts, func() (bool, error) {
		return !Alive(pid), nil
	})
}
