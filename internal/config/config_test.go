package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, CurrentVersion, cfg.Version)
	assert.Equal(t, RoleAuto, cfg.Coordination.Role)
	assert.Equal(t, 5*time.Second, cfg.Coordination.HeartbeatInterval)
	assert.Equal(t, 15*time.Second, cfg.Coordination.LeaseTimeout)
	assert.Equal(t, WatchAuto, cfg.Watch.Mode)
	assert.Equal(t, "ollama", cfg.Embeddings.Provider)
	assert.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, NewConfig().Coordination, cfg.Coordination)
}

func TestLoadParsesDurationsAndVaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 1
vaults:
  - name: work
    path: /tmp/work
  - path: /tmp/personal
database: /tmp/index.db
embeddings:
  dimensions: 256
  timeout: 90s
coordination:
  heartbeat_interval: 2s
  lease_timeout: 10s
watch:
  enabled: true
  mode: poll
  poll_interval: 750ms
search:
  request_timeout: 45s
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Coordination.HeartbeatInterval)
	assert.Equal(t, 10*time.Second, cfg.Coordination.LeaseTimeout)
	assert.Equal(t, 750*time.Millisecond, cfg.Watch.PollInterval)
	assert.Equal(t, 45*time.Second, cfg.Search.RequestTimeout)
	assert.Equal(t, 90*time.Second, cfg.Embeddings.Timeout)
	assert.Equal(t, 256, cfg.Embeddings.Dimensions)
	assert.Equal(t, WatchPoll, cfg.Watch.Mode)
	assert.True(t, cfg.Watch.Enabled)

	// Unset fields keep their defaults.
	assert.Equal(t, 3, cfg.Coordination.RenewalRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.Watch.DebounceWindow)
	assert.Equal(t, 8, cfg.Search.DefaultLimit)
	assert.Equal(t, "all-minilm", cfg.Embeddings.Model)
	assert.Equal(t, 3, cfg.Embeddings.MaxRetries)

	// The second vault's name comes from its path.
	require.Len(t, cfg.Vaults, 2)
	assert.Equal(t, "work", cfg.Vaults[0].Name)
	assert.Equal(t, "personal", cfg.Vaults[1].Name)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
coordination:
  heartbeat_interval: soon
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "heartbeat_interval")
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv(EnvPrefix+"DATABASE", "/tmp/env.db")
	t.Setenv(EnvPrefix+"MODEL", "nomic-embed-text")
	t.Setenv(EnvPrefix+"ROLE", "reader")
	t.Setenv(EnvPrefix+"HEARTBEAT_INTERVAL", "1s")
	t.Setenv(EnvPrefix+"LEASE_TIMEOUT", "4s")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/env.db", cfg.DatabasePath)
	assert.Equal(t, "nomic-embed-text", cfg.Embeddings.Model)
	assert.Equal(t, RoleReader, cfg.Coordination.Role)
	assert.Equal(t, time.Second, cfg.Coordination.HeartbeatInterval)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad role", func(c *Config) { c.Coordination.Role = "boss" }},
		{"bad watch mode", func(c *Config) { c.Watch.Mode = "inotify" }},
		{"lease timeout below heartbeat", func(c *Config) {
			c.Coordination.LeaseTimeout = c.Coordination.HeartbeatInterval
		}},
		{"negative renewal retries", func(c *Config) { c.Coordination.RenewalRetries = -1 }},
		{"zero batch size", func(c *Config) { c.Indexing.BatchSize = 0 }},
		{"negative embed retries", func(c *Config) { c.Indexing.EmbedRetries = -1 }},
		{"negative embedding dimensions", func(c *Config) { c.Embeddings.Dimensions = -1 }},
		{"negative embedding retries", func(c *Config) { c.Embeddings.MaxRetries = -1 }},
		{"max limit below default", func(c *Config) { c.Search.MaxLimit = 1 }},
		{"vault without path", func(c *Config) {
			c.Vaults = []VaultConfig{{Name: "empty"}}
		}},
		{"duplicate vault name", func(c *Config) {
			c.Vaults = []VaultConfig{
				{Name: "dup", Path: "/tmp/a"},
				{Name: "dup", Path: "/tmp/b"},
			}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sub", "config.yaml")

	cfg := NewConfig()
	cfg.Vaults = []VaultConfig{{Name: "notes", Path: "/tmp/notes"}}
	cfg.DatabasePath = "/tmp/index.db"
	cfg.Coordination.HeartbeatInterval = 3 * time.Second
	cfg.Coordination.LeaseTimeout = 9 * time.Second
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Vaults, loaded.Vaults)
	assert.Equal(t, cfg.DatabasePath, loaded.DatabasePath)
	assert.Equal(t, cfg.Coordination, loaded.Coordination)
	assert.Equal(t, cfg.Watch, loaded.Watch)
	assert.Equal(t, cfg.Embeddings, loaded.Embeddings)
}

func TestVaultPaths(t *testing.T) {
	cfg := NewConfig()
	cfg.Vaults = []VaultConfig{
		{Name: "a", Path: "/va"},
		{Name: "b", Path: "/vb"},
	}
	assert.Equal(t, map[string]string{"a": "/va", "b": "/vb"}, cfg.VaultPaths())
}
