package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 4, cfg.PoolSize)
	assert.Equal(t, 4, cfg.MaxConcurrent)
	assert.Equal(t, filepath.Join(".ccm", "ccm.db"), cfg.DBPath)
	assert.Equal(t, "claude", cfg.AgentBin)
	assert.Equal(t, ":8420", cfg.Addr)
	assert.Equal(t, "PROGRESS.md", cfg.ProgressPath)
	assert.Equal(t, 3, cfg.ExperienceLimit)
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
pool_size: 2
agent_bin: /usr/local/bin/claude
addr: ":9000"
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.PoolSize)
	assert.Equal(t, "/usr/local/bin/claude", cfg.AgentBin)
	assert.Equal(t, ":9000", cfg.Addr)
	// Unset keys keep their defaults.
	assert.Equal(t, 4, cfg.MaxConcurrent)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CCM_MAX_CONCURRENT", "8")
	t.Setenv("CCM_DB_PATH", "/tmp/other.db")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.MaxConcurrent)
	assert.Equal(t, "/tmp/other.db", cfg.DBPath)
}
