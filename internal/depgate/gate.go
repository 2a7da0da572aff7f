// Package depgate checks whether a service's runtime environment is ready
// and delegates to the external installer when it is not. The gate never
// installs anything itself.
package depgate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"limbic/internal/logging"
	"limbic/internal/runstate"
)

var (
	// ErrInstallerMissing reports that no installer exists to delegate to.
	ErrInstallerMissing = errors.New("installer not found")
	// ErrInstallerFailed reports that the installer ran and failed.
	ErrInstallerFailed = errors.New("installer failed")
	// ErrNotReady reports that the environment is still unusable after the
	// installer ran.
	ErrNotReady = errors.New("runtime environment not ready")
)

// Check describes what "ready" means for one role.
type Check struct {
	// Tool must resolve on PATH ("python3", "node").
	Tool string
	// Marker must exist under the service directory (".venv", "node_modules").
	Marker string
}

// Ready reports whether the check passes, and a reason when it does not.
func Ready(dir string, check Check) (bool, string) {
	if check.Tool != "" {
		if _, err := exec.LookPath(check.Tool); err != nil {
			return false, fmt.Sprintf("%s not on PATH", check.Tool)
		}
	}
	if check.Marker != "" {
		marker := filepath.Join(dir, check.Marker)
		if _, err := os.Stat(marker); err != nil {
			return false, fmt.Sprintf("missing %s", marker)
		}
	}
	return true, ""
}

// Gate delegates failed checks to the external installer script, then
// re-checks once.
type Gate struct {
	// Installer is the path to the install script, invoked with the role
	// name as its argument. Empty disables delegation.
	Installer string
	Logger    *logging.Logger
}

func (g *Gate) Ensure(ctx context.Context, role runstate.Role, dir string, check Check) error {
	ready, reason := Ready(dir, check)
	if ready {
		return nil
	}
	if g == nil || g.Installer == "" {
		return fmt.Errorf("%w for %s (%s): %w", ErrNotReady, role, reason, ErrInstallerMissing)
	}
	if _, err := os.Stat(g.Installer); err != nil {
		return fmt.Errorf("%w for %s (%s): %w at %s", ErrNotReady, role, reason, ErrInstallerMissing, g.Installer)
	}

	if g.Logger != nil {
		g.Logger.Info("delegating to installer", map[string]string{
			"role":   string(role),
			"reason": reason,
			"script": g.Installer,
		})
	}

	var output bytes.Buffer
	cmd := exec.CommandContext(ctx, g.Installer, string(role))
	cmd.Dir = filepath.Dir(g.Installer)
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		tail := strings.TrimSpace(output.String())
		return fmt.Errorf("%w for %s: %w: %s", ErrInstallerFailed, role, err, lastLines(tail, 10))
	}

	if ready, reason := Ready(dir, check); !ready {
		return fmt.Errorf("%w for %s after install: %s", ErrNotReady, role, reason)
	}
	return nil
}

func lastLines(text string, n int) string {
	lines := strings.Split(text, "\n")
	if len(lines) <= n {
		return text
	}
	return strings.Join(lines[len(lines)-n:], "\n")
}
