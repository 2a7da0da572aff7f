// Package envfile renders the frontend's runtime configuration file and
// invalidates stale build output when the values change.
package envfile

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"limbic/internal/logging"
)

// Pair is one KEY=VALUE line of the generated file.
type Pair struct {
	Key   string
	Value string
}

// Snapshot is the full rendered file content, in stable key order.
type Snapshot struct {
	pairs []Pair
}

// Render produces the variables the frontend dev server needs to reach the
// backend on its resolved port.
func Render(backendPort int) Snapshot {
	base := fmt.Sprintf("http://127.0.0.1:%d", backendPort)
	return NewSnapshot([]Pair{
		{Key: "VITE_API_BASE_URL", Value: base},
		{Key: "VITE_API_STREAM_URL", Value: base + "/chat/stream"},
	})
}

func NewSnapshot(pairs []Pair) Snapshot {
	cleaned := make([]Pair, 0, len(pairs))
	for _, pair := range pairs {
		cleaned = append(cleaned, Pair{
			Key:   sanitize(pair.Key),
			Value: sanitize(pair.Value),
		})
	}
	return Snapshot{pairs: cleaned}
}

// Bytes renders one pair per line. Values are stripped of newlines before
// rendering: a value containing a literal newline once swallowed every
// following key and corrupted the frontend's config loader.
func (s Snapshot) Bytes() []byte {
	var builder bytes.Buffer
	for _, pair := range s.pairs {
		builder.WriteString(pair.Key)
		builder.WriteString("=")
		builder.WriteString(pair.Value)
		builder.WriteString("\n")
	}
	return builder.Bytes()
}

func sanitize(value string) string {
	value = strings.ReplaceAll(value, "\r", "")
	value = strings.ReplaceAll(value, "\n", " ")
	return strings.TrimSpace(value)
}

// Materializer owns the generated env file and the build artifacts that may
// have embedded its previous contents.
type Materializer struct {
	// EnvPath is the generated KEY=VALUE file the frontend reads.
	EnvPath string
	// CacheDir is the frontend build cache to drop when values change.
	CacheDir string
	// InjectedArtifact is a runtime-injected env file a prior build may have
	// written into static output.
	InjectedArtifact string

	Logger *logging.Logger
}

// Apply writes the snapshot only when it differs byte-for-byte from the file
// on disk. On change it also deletes the injected artifact and the build
// cache so the next dev-server start recompiles against the new values.
// Returns whether a write happened.
func (m *Materializer) Apply(snapshot Snapshot) (bool, error) {
	if m == nil || m.EnvPath == "" {
		return false, errors.New("env file path not configured")
	}

	rendered := snapshot.Bytes()
	existing, err := os.ReadFile(m.EnvPath)
	if err == nil && bytes.Equal(existing, rendered) {
		if m.Logger != nil {
			m.Logger.Info("frontend env unchanged", map[string]string{
				"path": m.EnvPath,
			})
		}
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(m.EnvPath), 0o755); err != nil {
		return false, fmt.Errorf("create env dir: %w", err)
	}
	if err := os.WriteFile(m.EnvPath, rendered, 0o644); err != nil {
		return false, fmt.Errorf("write env file %s: %w", m.EnvPath, err)
	}

	if m.InjectedArtifact != "" {
		if err := os.Remove(m.InjectedArtifact); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logWarn("remove injected env artifact failed", m.InjectedArtifact, err)
		}
	}
	if m.CacheDir != "" {
		if err := os.RemoveAll(m.CacheDir); err != nil {
			m.logWarn("invalidate build cache failed", m.CacheDir, err)
		}
	}

	if m.Logger != nil {
		m.Logger.Info("frontend env written", map[string]string{
			"path": m.EnvPath,
		})
	}
	return true, nil
}

func (m *Materializer) logWarn(message, path string, err error) {
	if m.Logger == nil {
		return
	}
	m.Logger.Warn(message, map[string]string{
		"path":  path,
		"error": err.Error(),
	})
}
