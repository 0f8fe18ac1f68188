package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	Reset()
	defer Reset()

	require.NoError(t, LoadConfig(""))

	cfg, err := GetConfig()
	require.NoError(t, err)

	assert.Equal(t, ":8700", cfg.Server.ListenAddr)
	assert.Equal(t, 500*time.Millisecond, cfg.DebounceWindow())
	assert.Equal(t, int64(1<<20), cfg.Watcher.MaxContentBytes)
	assert.Contains(t, cfg.Watcher.TextExtensions, ".go")
}

func TestLoadConfigFile(t *testing.T) {
	Reset()
	defer Reset()

	dir := t.TempDir()
	path := filepath.Join(dir, "questsync.yaml")
	content := `
server:
  listen_addr: ":9900"
  database_path: /tmp/test-progress.db
watcher:
  debounce_ms: 250
  exclude_globs:
    - "*.tmp"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	require.NoError(t, LoadConfig(path))

	cfg, err := GetConfig()
	require.NoError(t, err)

	assert.Equal(t, ":9900", cfg.Server.ListenAddr)
	assert.Equal(t, "/tmp/test-progress.db", cfg.Server.DatabasePath)
	assert.Equal(t, 250*time.Millisecond, cfg.DebounceWindow())
	assert.Equal(t, []string{"*.tmp"}, cfg.Watcher.ExcludeGlobs)

	// Defaults still fill the gaps.
	assert.Equal(t, ":8701", cfg.Server.StatusAddr)
	assert.NotEmpty(t, cfg.Watcher.TextExtensions)
}

func TestLoadConfigRejectsExcessiveDebounce(t *testing.T) {
	Reset()
	defer Reset()

	dir := t.TempDir()
	path := filepath.Join(dir, "questsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("watcher:\n  debounce_ms: 120000\n"), 0o644))

	err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "debounce_ms")
}

func TestGetConfigBeforeLoad(t *testing.T) {
	Reset()
	defer Reset()

	_, err := GetConfig()
	require.Error(t, err)
}

func TestTokenSecret(t *testing.T) {
	Reset()
	defer Reset()

	require.NoError(t, LoadConfig(""))
	cfg, err := GetConfig()
	require.NoError(t, err)

	t.Setenv("QUESTSYNC_TOKEN_SECRET", "hunter2")
	secret, err := cfg.TokenSecret()
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), secret)

	t.Setenv("QUESTSYNC_TOKEN_SECRET", "")
	_, err = cfg.TokenSecret()
	require.Error(t, err)
}
