package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "limbic.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 8000, cfg.BackendPort)
	assert.Equal(t, PolicyFail, cfg.OnConflict)
	assert.Equal(t, 5173, cfg.FrontendPort)
	assert.Equal(t, ".limbic/run", cfg.RunDir)
	assert.Contains(t, cfg.Backend.Command, "{port}")
	assert.Contains(t, cfg.Frontend.Command, "{port}")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
backend:
  port: 9000
  on_conflict: fallback
  fallback_window: 3
  command: ["python3", "-m", "uvicorn", "backend.main:app", "--port", "{port}"]
frontend:
  port: 3000
  scan_window: 5
run_dir: /tmp/limbic-run
settle_delay: 2s
health:
  attempts: 7
  interval: 250ms
log_level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.BackendPort)
	assert.Equal(t, PolicyFallback, cfg.OnConflict)
	assert.Equal(t, 3, cfg.FallbackWindow)
	assert.Equal(t, "python3", cfg.Backend.Command[0])
	assert.Equal(t, 3000, cfg.FrontendPort)
	assert.Equal(t, 5, cfg.FrontendWindow)
	assert.Equal(t, "/tmp/limbic-run", cfg.RunDir)
	assert.Equal(t, 2*time.Second, cfg.SettleDelay)
	assert.Equal(t, 7, cfg.HealthAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.HealthInterval)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched fields keep defaults.
	assert.Equal(t, 5*time.Second, cfg.Grace)
}

func TestLoadRejectsUnknownPolicy(t *testing.T) {
	path := writeConfig(t, "backend:\n  on_conflict: maybe\n")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "on_conflict")
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, "grace: soon\n")
	_, err := Load(path)
	require.Error(t, err)
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("LIMBIC_BACKEND_PORT", "8100")
	t.Setenv("LIMBIC_ON_CONFLICT", "kill")
	t.Setenv("LIMBIC_SKIP_HEALTH", "true")
	t.Setenv("LIMBIC_DETACH", "1")
	t.Setenv("LIMBIC_LOG_LEVEL", "warning")

	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, 8100, cfg.BackendPort)
	assert.Equal(t, PolicyKill, cfg.OnConflict)
	assert.True(t, cfg.SkipHealth)
	assert.True(t, cfg.Detach)
	assert.Equal(t, "warning", cfg.LogLevel)
}

func TestApplyEnvIgnoresGarbage(t *testing.T) {
	t.Setenv("LIMBIC_BACKEND_PORT", "not-a-port")
	t.Setenv("LIMBIC_ON_CONFLICT", "whatever")

	cfg := Default()
	cfg.ApplyEnv()
	assert.Equal(t, 8000, cfg.BackendPort)
	assert.Equal(t, PolicyFail, cfg.OnConflict)
}

func TestParsePolicy(t *testing.T) {
	cases := []struct {
		input string
		want  ConflictPolicy
		ok    bool
	}{
		{"fail", PolicyFail, true},
		{"strict", PolicyFail, true},
		{"fallback", PolicyFallback, true},
		{"scan", PolicyFallback, true},
		{"KILL", PolicyKill, true},
		{"", PolicyFail, false},
		{"nope", PolicyFail, false},
	}
	for _, tc := range cases {
		got, ok := ParsePolicy(tc.input)
		assert.Equal(t, tc.want, got, tc.input)
		assert.Equal(t, tc.ok, ok, tc.input)
	}
}
