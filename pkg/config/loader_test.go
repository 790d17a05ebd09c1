package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "brain.yaml"), []byte(content), 0o644))
}

func TestInitializeMissingFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, DefaultSchedulerConfig(), cfg.Scheduler)
	assert.Equal(t, DefaultProcessorConfig(), cfg.Processor)
	assert.Equal(t, LLMBackendFake, cfg.LLM.Backend)
}

func TestInitializeMergesUserOverridesOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `
scheduler:
  scan_interval: 5s
processor:
  max_tool_chains: 3
llm:
  backend: grpc
  target: brain-llm:9443
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Scheduler.ScanInterval)
	// Unset scheduler fields keep the built-in default.
	assert.Equal(t, DefaultSchedulerConfig().GracePeriod, cfg.Scheduler.GracePeriod)
	assert.Equal(t, 3, cfg.Processor.MaxToolChains)
	assert.Equal(t, LLMBackendGRPC, cfg.LLM.Backend)
	assert.Equal(t, "brain-llm:9443", cfg.LLM.Target)
}

func TestInitializeExpandsEnvVars(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BRAIN_LLM_TARGET", "llm.internal:443")
	writeConfigFile(t, dir, `
llm:
  backend: grpc
  target: ${BRAIN_LLM_TARGET}
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, "llm.internal:443", cfg.LLM.Target)
}

func TestInitializeRejectsGRPCBackendWithoutTarget(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `
llm:
  backend: grpc
`)

	_, err := Initialize(context.Background(), dir)
	assert.Error(t, err)
}

func TestInitializeRejectsInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, "scheduler: [this is not a mapping")

	_, err := Initialize(context.Background(), dir)
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestInitializeSecurityPatternsReplaceWholesale(t *testing.T) {
	dir := t.TempDir()
	writeConfigFile(t, dir, `
security:
  enabled: true
  patterns:
    - pattern: "custom-pattern"
      description: "a user-supplied rule"
`)

	cfg, err := Initialize(context.Background(), dir)
	require.NoError(t, err)
	require.Len(t, cfg.Security.Patterns, 1)
	assert.Equal(t, "custom-pattern", cfg.Security.Patterns[0].Pattern)
}
