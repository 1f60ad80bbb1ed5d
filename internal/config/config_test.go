package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir, filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultCacheDir, cfg.CacheDir)
	assert.Equal(t, DefaultOnceTTL, cfg.Permissions.OnceTTL)
	assert.Equal(t, DefaultSessionTTL, cfg.Permissions.SessionTTL)
	assert.Equal(t, filepath.Join(dir, "studio.db"), cfg.DBPath)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
allowed_roots:
  - /srv/repos
cache_dir: .noctune_cache
worker:
  command: ["python", "-m", "noctune"]
permissions:
  once_ttl: 30s
  session_ttl: 1h
server:
  addr: 127.0.0.1:9999
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(dir, path)
	require.NoError(t, err)

	assert.Equal(t, []string{"/srv/repos"}, cfg.AllowedRoots)
	assert.Equal(t, ".noctune_cache", cfg.CacheDir)
	assert.Equal(t, []string{"python", "-m", "noctune"}, cfg.Worker.Command)
	assert.Equal(t, 30*time.Second, cfg.Permissions.OnceTTL)
	assert.Equal(t, time.Hour, cfg.Permissions.SessionTTL)
	assert.Equal(t, "127.0.0.1:9999", cfg.Server.Addr)
	assert.Equal(t, DefaultPollInterval, cfg.Queue.PollInterval)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty worker", func(c *Config) { c.Worker.Command = nil }},
		{"zero once ttl", func(c *Config) { c.Permissions.OnceTTL = 0 }},
		{"nested cache dir", func(c *Config) { c.CacheDir = "a/b" }},
		{"absolute cache dir", func(c *Config) { c.CacheDir = "/tmp" }},
		{"dotdot cache dir", func(c *Config) { c.CacheDir = ".." }},
		{"empty allowed root", func(c *Config) { c.AllowedRoots = []string{" "} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestComputedDefaultRoot(t *testing.T) {
	cfg := Default()
	cfg.DefaultRoot = "/srv/main"
	assert.Equal(t, "/srv/main", cfg.ComputedDefaultRoot())

	cfg.DefaultRoot = ""
	wd, err := os.Getwd()
	require.NoError(t, err)
	assert.Equal(t, wd, cfg.ComputedDefaultRoot())
}
