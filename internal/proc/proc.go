// Package proc controls managed OS processes: liveness checks, the
// graceful-then-forced termination sequence, and a process-table scanner for
// finding strays whose on-disk records were lost.
package proc

import (
	"errors"
	"time"
)

// ErrNotFound reports that the pid no longer corresponds to a live process.
var ErrNotFound = errors.New("process not running")

// ErrStillAlive reports that a process survived SIGKILL within the
// confirmation window.
var ErrStillAlive = errors.New("process still alive after kill")

const (
	// DefaultGrace bounds the wait between the termination request and the
	// unconditional kill.
	DefaultGrace = 5 * time.Second

	livenessPollInterval = 50 * time.Millisecond
	killConfirmWait      = 2 * time.Second
)
