package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "localhost:15432", cfg.Address)
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 30*time.Second, cfg.StopTimeout)
	assert.True(t, cfg.BatchWrites)
	assert.Empty(t, cfg.TraceName)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(
		"address: remote:20000\ntrace_name: session-1\nstop_timeout: 5s\n",
	), 0o644))

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "remote:20000", cfg.Address)
	assert.Equal(t, "session-1", cfg.TraceName)
	assert.Equal(t, 5*time.Second, cfg.StopTimeout)
	// Unset keys keep their defaults.
	assert.Equal(t, 100*time.Millisecond, cfg.PollInterval)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("TRACEMIR_ADDRESS", "envhost:1")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "envhost:1", cfg.Address)
}
