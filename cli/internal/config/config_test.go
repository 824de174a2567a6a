package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.yaml")

	empty, err := LoadFrom(path)
	require.NoError(t, err)
	assert.False(t, empty.Configured())

	cfg := &Config{Server: "http://localhost:8080", APIKey: "hk_abc"}
	require.NoError(t, SaveTo(path, cfg))
	_, err = uuid.Parse(cfg.ClientID)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := LoadFrom(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
	assert.True(t, loaded.Configured())
}

func TestPathOverride(t *testing.T) {
	t.Setenv("HAIKUGATE_CLI_CONFIG", "/tmp/custom.yaml")
	p, err := Path()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom.yaml", p)
}

func TestLoadRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cli.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server: [unterminated"), 0600))
	_, err := LoadFrom(path)
	assert.Error(t, err)
}
