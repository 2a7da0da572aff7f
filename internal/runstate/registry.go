// Package runstate persists per-role pid records and log paths across
// orchestrator invocations, and reconciles processes a previous run left
// behind.
package runstate

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"limbic/internal/logging"
	"limbic/internal/proc"
)

// Role names one supervised service.
type Role string

const (
	RoleBackend  Role = "backend"
	RoleFrontend Role = "frontend"
)

// Roles lists every role in shutdown order: frontend first so no requests
// are orphaned against a dying backend.
var Roles = []Role{RoleFrontend, RoleBackend}

// Registry stores one pid record per role under the run directory. At most
// one record per role exists at any time; Record overwrites.
type Registry struct {
	dir     string
	scanner proc.Scanner
	logger  *logging.Logger
	grace   time.Duration
}

func New(dir string, scanner proc.Scanner, logger *logging.Logger) *Registry {
	if scanner == nil {
		scanner = proc.NullScanner{}
	}
	return &Registry{
		dir:     dir,
		scanner: scanner,
		logger:  logger,
		grace:   proc.DefaultGrace,
	}
}

// SetGrace overrides the termination grace used during reconciliation.
func (r *Registry) SetGrace(grace time.Duration) {
	if r == nil || grace <= 0 {
		return
	}
	r.grace = grace
}

func (r *Registry) Dir() string {
	if r == nil {
		return ""
	}
	return r.dir
}

// EnsureDir creates the run directory.
func (r *Registry) EnsureDir() error {
	if r == nil || r.dir == "" {
		return errors.New("run directory not configured")
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("create run dir %s: %w", r.dir, err)
	}
	return nil
}

// Record persists the role's pid. Called synchronously with the spawn so a
// crash between spawn and record cannot leave an untracked process.
func (r *Registry) Record(role Role, pid int) error {
	if r == nil || pid <= 0 {
		return fmt.Errorf("invalid pid %d for role %s", pid, role)
	}
	path := r.pidPath(role)
	data := []byte(strconv.Itoa(pid) + "\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write pid record %s: %w", path, err)
	}
	return nil
}

// Lookup returns the recorded pid for a role, if any.
func (r *Registry) Lookup(role Role) (int, bool) {
	if r == nil {
		return 0, false
	}
	data, err := os.ReadFile(r.pidPath(role))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// Forget removes the role's pid record. Missing records are not an error.
func (r *Registry) Forget(role Role) error {
	if r == nil {
		return nil
	}
	err := os.Remove(r.pidPath(role))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove pid record for %s: %w", role, err)
	}
	return nil
}

// LogPath returns the per-role log file path inside the run directory.
func (r *Registry) LogPath(role Role) string {
	if r == nil {
		return ""
	}
	return filepath.Join(r.dir, string(role)+".log")
}

func (r *Registry) pidPath(role Role) string {
	return filepath.Join(r.dir, string(role)+".pid")
}

// ReconcileStale terminates processes recorded by a previous invocation and
// clears their records. signatures maps each role to a command-line
// signature used for the best-effort process-table sweep that catches
// processes whose records were deleted out of band. Scan failures degrade to
// record-only reconciliation with a warning.
func (r *Registry) ReconcileStale(ctx context.Context, signatures map[Role]string) error {
	if r == nil {
		return nil
	}
	var reconcileErr error
	for _, role := range Roles {
		pid, ok := r.Lookup(role)
		if !ok {
			continue
		}
		if proc.Alive(pid) {
			r.logInfo("terminating stale process", role, pid)
			if err := r.terminate(ctx, pid); err != nil {
				reconcileErr = errors.Join(reconcileErr, fmt.Errorf("stale %s pid %d: %w", role, pid, err))
				continue
			}
		} else {
			r.logInfo("dropping dead pid record", role, pid)
		}
		if err := r.Forget(role); err != nil {
			reconcileErr = errors.Join(reconcileErr, err)
		}
	}

	for _, role := range Roles {
		signature := strings.TrimSpace(signatures[role])
		if signature == "" {
			continue
		}
		matches, err := r.scanner.Scan(signature)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("process scan unavailable; registry-only reconciliation", map[string]string{
					"role":  string(role),
					"error": err.Error(),
				})
			}
			continue
		}
		for _, match := range matches {
			r.logInfo("terminating stray process", role, match.PID)
			if err := r.terminate(ctx, match.PID); err != nil {
				reconcileErr = errors.Join(reconcileErr, fmt.Errorf("stray %s pid %d: %w", role, match.PID, err))
			}
		}
	}
	return reconcileErr
}

func (r *Registry) terminate(ctx context.Context, pid int) error {
	err := proc.Terminate(ctx, pid, proc.GroupID(pid), r.grace)
	if errors.Is(err, proc.ErrNotFound) {
		return nil
	}
	return err
}

func (r *Registry) logInfo(message string, role Role, pid int) {
	if r.logger == nil {
		return
	}
	r.logger.Info(message, map[string]string{
		"role": string(role),
		"pid":  strconv.Itoa(pid),
	})
}
