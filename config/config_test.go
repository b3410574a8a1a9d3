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
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Host)
	assert.Equal(t, 4455, cfg.Port)
	assert.Equal(t, "websocket", cfg.Transport)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, 30*time.Second, cfg.AutosaveInterval)
	assert.Equal(t, int64(1<<20), cfg.MaxFrameBytes)
	assert.Empty(t, cfg.JWTSecret)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("COLLAB_PORT", "5000")
	t.Setenv("COLLAB_TRANSPORT", "socketio")
	t.Setenv("COLLAB_ALLOWED_ORIGINS", "https://a.example,https://b.example")
	t.Setenv("STORAGE_TYPE", "sqlite")
	t.Setenv("DATA_SOURCE_NAME", "/tmp/x.db")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)

	assert.Equal(t, 5000, cfg.Port)
	assert.Equal(t, "socketio", cfg.Transport)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "/tmp/x.db", cfg.Storage.DataSourceName)
}

func TestLoadDotEnvFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("LOG_LEVEL=debug\nAUTOSAVE_INTERVAL=5s\n"), 0644))
	t.Cleanup(func() {
		os.Unsetenv("LOG_LEVEL")
		os.Unsetenv("AUTOSAVE_INTERVAL")
	})

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 5*time.Second, cfg.AutosaveInterval)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "missing.env")

	t.Run("storage type", func(t *testing.T) {
		t.Setenv("STORAGE_TYPE", "floppy")
		_, err := Load(missing)
		assert.Error(t, err)
	})
	t.Run("s3 without bucket", func(t *testing.T) {
		t.Setenv("STORAGE_TYPE", "s3")
		_, err := Load(missing)
		assert.Error(t, err)
	})
	t.Run("log level", func(t *testing.T) {
		t.Setenv("LOG_LEVEL", "loud")
		_, err := Load(missing)
		assert.Error(t, err)
	})
	t.Run("port", func(t *testing.T) {
		t.Setenv("COLLAB_PORT", "70000")
		_, err := Load(missing)
		assert.Error(t, err)
	})
}
