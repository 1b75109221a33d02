package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadBootstrapNoPathReturnsDefaults(t *testing.T) {
	cfg, err := LoadBootstrap("")
	require.NoError(t, err)
	assert.Equal(t, DefaultBootstrap(), cfg)
}

func TestLoadBootstrapOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ursadbd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
worker_count = 16
db_path = "/var/lib/ursadb"
`), 0o644))

	cfg, err := LoadBootstrap(path)
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.WorkerCount)
	assert.Equal(t, "/var/lib/ursadb", cfg.DBPath)
	assert.Equal(t, DefaultBootstrap().FrontendAddr, cfg.FrontendAddr)
}

func TestLoadBootstrapRejectsZeroWorkers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte(`worker_count = 0`), 0o644))

	_, err := LoadBootstrap(path)
	assert.Error(t, err)
}
