package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"limbic/internal/config"
)

func TestApplyFlagsPrecedence(t *testing.T) {
	t.Setenv("LIMBIC_BACKEND_PORT", "9100")
	t.Setenv("LIMBIC_ON_CONFLICT", "fallback")

	cfg := config.Default()
	cfg.ApplyEnv()
	assert.Equal(t, 9100, cfg.BackendPort)
	assert.Equal(t, config.PolicyFallback, cfg.OnConflict)

	// Flags win over the environment.
	cmd := newRootCmd()
	require.NoError(t, cmd.Flags().Set("backend-port", "9200"))
	require.NoError(t, cmd.Flags().Set("on-conflict", "kill"))
	require.NoError(t, cmd.Flags().Set("detach", "true"))
	flags := &rootFlags{backendPort: 9200, onConflict: "kill", detach: true}
	applyFlags(&cfg, cmd, flags)

	assert.Equal(t, 9200, cfg.BackendPort)
	assert.Equal(t, config.PolicyKill, cfg.OnConflict)
	assert.True(t, cfg.Detach)
}

func TestApplyFlagsUnknownPolicyKeepsCurrent(t *testing.T) {
	cfg := config.Default()
	cmd := newRootCmd()
	require.NoError(t, cmd.Flags().Set("on-conflict", "panic"))
	applyFlags(&cfg, cmd, &rootFlags{onConflict: "panic"})
	assert.Equal(t, config.PolicyFail, cfg.OnConflict)
}

func TestRootCmdRejectsArgs(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"unexpected"})
	assert.Error(t, cmd.Execute())
}
