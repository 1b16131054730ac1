package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowmesh/schedd/internal/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
}

func TestLoadAppliesFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("run_mode: dummy\nlisten: 0.0.0.0:8080\n"), 0644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, config.RunDummy, cfg.Mode)
	require.Equal(t, "0.0.0.0:8080", cfg.Listen)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadFromEnvOverridesFile(t *testing.T) {
	t.Setenv("SCHEDD_LISTEN", "127.0.0.1:9999")
	t.Setenv("SCHEDD_RUN_MODE", "simulation")

	cfg, err := config.Load("")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9999", cfg.Listen)
	require.Equal(t, config.RunSimulation, cfg.Mode)
}

func TestValidateRejectsBadRunMode(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = "nonsense"
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "run_mode")
}

func TestValidateRejectsUnsupportedBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Backend = "postgres"
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "backend")
}

func TestValidateRejectsReftestAndGenrefTogether(t *testing.T) {
	cfg := config.Default()
	cfg.Reftest = true
	cfg.Genref = true
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "mutually exclusive")
}

func TestValidateCollectsMultipleProblems(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = "nonsense"
	cfg.Backend = "postgres"
	cfg.SubmitConcurrency = 0
	err := cfg.Validate()
	require.Error(t, err)
	require.Contains(t, err.Error(), "run_mode")
	require.Contains(t, err.Error(), "backend")
	require.Contains(t, err.Error(), "submit_concurrency")
}
