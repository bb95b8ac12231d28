// Package config loads and validates vaultindex configuration from YAML
// files and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Role controls whether an instance may write to the index.
type Role string

const (
	// RoleAuto coordinates writer election via the database lease.
	RoleAuto Role = "auto"
	// RolePrimary always writes and renews unconditionally. Intended for
	// single-instance deployments; risks lease collisions if mixed with auto.
	RolePrimary Role = "primary"
	// RoleReader never attempts to claim or write.
	RoleReader Role = "reader"
)

// WatchMode selects the filesystem watching strategy.
type WatchMode string

const (
	// WatchAuto prefers fsnotify, falling back to polling when event-driven
	// watching cannot initialize (network mounts, some containers).
	WatchAuto WatchMode = "auto"
	// WatchFsnotify forces event-driven watching.
	WatchFsnotify WatchMode = "fsnotify"
	// WatchPoll forces periodic full-tree scans.
	WatchPoll WatchMode = "poll"
)

// Config is the complete vaultindex configuration.
type Config struct {
	Version      int                `yaml:"version"`
	Vaults       []VaultConfig      `yaml:"vaults"`
	DatabasePath string             `yaml:"database"`
	Embeddings   EmbeddingsConfig   `yaml:"embeddings"`
	Coordination CoordinationConfig `yaml:"coordination"`
	Watch        WatchConfig        `yaml:"watch"`
	Indexing     IndexingConfig     `yaml:"indexing"`
	Search       SearchConfig       `yaml:"search"`
	LogLevel     string             `yaml:"log_level"`
}

// VaultConfig identifies a single document root.
type VaultConfig struct {
	// Name is the vault identifier used in URIs (obsidian://<name>/<path>).
	// Defaults to the base name of Path.
	Name string `yaml:"name"`
	// Path is the absolute path to the vault root.
	Path string `yaml:"path"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	// Provider selects the embedder: "ollama" or "static".
	Provider string `yaml:"provider"`
	// Model is the embedding model name (see embed.SupportedModels).
	Model string `yaml:"model"`
	// Dimensions overrides the model's registered dimension when non-zero.
	Dimensions int `yaml:"dimensions"`
	// BatchSize is the number of texts per embedding call.
	BatchSize int `yaml:"batch_size"`
	// OllamaHost is the Ollama API endpoint.
	OllamaHost string `yaml:"ollama_host"`
	// CacheSize is the number of embeddings kept in the LRU cache.
	CacheSize int `yaml:"cache_size"`
	// Timeout bounds a single embedding API request.
	Timeout time.Duration `yaml:"timeout"`
	// MaxRetries bounds transport-level retries per embedding request.
	MaxRetries int `yaml:"max_retries"`
}

// CoordinationConfig configures the PRIMARY/READER lease protocol.
type CoordinationConfig struct {
	// Role is auto, primary, or reader.
	Role Role `yaml:"role"`
	// HeartbeatInterval is how often PRIMARY renews its lease.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	// LeaseTimeout is how stale a heartbeat may be before the lease is
	// considered expired and claimable.
	LeaseTimeout time.Duration `yaml:"lease_timeout"`
	// RenewalRetries is how many consecutive renewal failures PRIMARY
	// tolerates before demoting itself to READER. Keeping this small
	// narrows the split-brain window at the cost of needless demotions
	// under transient storage hiccups.
	RenewalRetries int `yaml:"renewal_retries"`
}

// WatchConfig configures filesystem watching.
type WatchConfig struct {
	// Enabled starts directory watchers in the worker.
	Enabled bool `yaml:"enabled"`
	// Mode is auto, fsnotify, or poll.
	Mode WatchMode `yaml:"mode"`
	// PollInterval is the scan period in poll mode.
	PollInterval time.Duration `yaml:"poll_interval"`
	// DebounceWindow is how long to coalesce rapid events per path.
	DebounceWindow time.Duration `yaml:"debounce_window"`
}

// IndexingConfig configures the batch indexer.
type IndexingConfig struct {
	// BatchSize is the maximum number of mutations per indexing batch.
	BatchSize int `yaml:"batch_size"`
	// BatchBytes is the maximum total document bytes per batch.
	BatchBytes int64 `yaml:"batch_bytes"`
	// MaxFileSize is the largest document that will be indexed.
	MaxFileSize int64 `yaml:"max_file_size"`
	// EmbedRetries bounds per-document embedding retries before the
	// document is logged and skipped.
	EmbedRetries int `yaml:"embed_retries"`
}

// SearchConfig configures query execution.
type SearchConfig struct {
	// DefaultLimit is the result count when the caller does not specify one.
	DefaultLimit int `yaml:"default_limit"`
	// MaxLimit caps the requested result count.
	MaxLimit int `yaml:"max_limit"`
	// RequestTimeout bounds a single search request through the worker facade.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// UnmarshalYAML accepts durations as strings ("5s", "200ms"). Absent
// fields keep their current values so defaults survive partial configs.
func (c *EmbeddingsConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		Provider   *string `yaml:"provider"`
		Model      *string `yaml:"model"`
		Dimensions *int    `yaml:"dimensions"`
		BatchSize  *int    `yaml:"batch_size"`
		OllamaHost *string `yaml:"ollama_host"`
		CacheSize  *int    `yaml:"cache_size"`
		Timeout    *string `yaml:"timeout"`
		MaxRetries *int    `yaml:"max_retries"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	if r.Provider != nil {
		c.Provider = *r.Provider
	}
	if r.Model != nil {
		c.Model = *r.Model
	}
	if r.Dimensions != nil {
		c.Dimensions = *r.Dimensions
	}
	if r.BatchSize != nil {
		c.BatchSize = *r.BatchSize
	}
	if r.OllamaHost != nil {
		c.OllamaHost = *r.OllamaHost
	}
	if r.CacheSize != nil {
		c.CacheSize = *r.CacheSize
	}
	if r.MaxRetries != nil {
		c.MaxRetries = *r.MaxRetries
	}
	return setDuration(&c.Timeout, r.Timeout, "timeout")
}

// MarshalYAML emits durations as strings.
func (c EmbeddingsConfig) MarshalYAML() (interface{}, error) {
	return map[string]interface{}{
		"provider":    c.Provider,
		"model":       c.Model,
		"dimensions":  c.Dimensions,
		"batch_size":  c.BatchSize,
		"ollama_host": c.OllamaHost,
		"cache_size":  c.CacheSize,
		"timeout":     c.Timeout.String(),
		"max_retries": c.MaxRetries,
	}, nil
}

func (c *CoordinationConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		Role              *Role   `yaml:"role"`
		HeartbeatInterval *string `yaml:"heartbeat_interval"`
		LeaseTimeout      *string `yaml:"lease_timeout"`
		RenewalRetries    *int    `yaml:"renewal_retries"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	if r.Role != nil {
		c.Role = *r.Role
	}
	if r.RenewalRetries != nil {
		c.RenewalRetries = *r.RenewalRetries
	}
	if err := setDuration(&c.HeartbeatInterval, r.HeartbeatInterval, "heartbeat_interval"); err != nil {
		return err
	}
	return setDuration(&c.LeaseTimeout, r.LeaseTimeout, "lease_timeout")
}

// MarshalYAML emits durations as strings.
func (c CoordinationConfig) MarshalYAML() (interface{}, error) {
	return map[string]interface{}{
		"role":               c.Role,
		"heartbeat_interval": c.HeartbeatInterval.String(),
		"lease_timeout":      c.LeaseTimeout.String(),
		"renewal_retries":    c.RenewalRetries,
	}, nil
}

func (c *WatchConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		Enabled        *bool      `yaml:"enabled"`
		Mode           *WatchMode `yaml:"mode"`
		PollInterval   *string    `yaml:"poll_interval"`
		DebounceWindow *string    `yaml:"debounce_window"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	if r.Enabled != nil {
		c.Enabled = *r.Enabled
	}
	if r.Mode != nil {
		c.Mode = *r.Mode
	}
	if err := setDuration(&c.PollInterval, r.PollInterval, "poll_interval"); err != nil {
		return err
	}
	return setDuration(&c.DebounceWindow, r.DebounceWindow, "debounce_window")
}

func (c WatchConfig) MarshalYAML() (interface{}, error) {
	return map[string]interface{}{
		"enabled":         c.Enabled,
		"mode":            c.Mode,
		"poll_interval":   c.PollInterval.String(),
		"debounce_window": c.DebounceWindow.String(),
	}, nil
}

func (c *SearchConfig) UnmarshalYAML(node *yaml.Node) error {
	type raw struct {
		DefaultLimit   *int    `yaml:"default_limit"`
		MaxLimit       *int    `yaml:"max_limit"`
		RequestTimeout *string `yaml:"request_timeout"`
	}
	var r raw
	if err := node.Decode(&r); err != nil {
		return err
	}
	if r.DefaultLimit != nil {
		c.DefaultLimit = *r.DefaultLimit
	}
	if r.MaxLimit != nil {
		c.MaxLimit = *r.MaxLimit
	}
	return setDuration(&c.RequestTimeout, r.RequestTimeout, "request_timeout")
}

func (c SearchConfig) MarshalYAML() (interface{}, error) {
	return map[string]interface{}{
		"default_limit":   c.DefaultLimit,
		"max_limit":       c.MaxLimit,
		"request_timeout": c.RequestTimeout.String(),
	}, nil
}

// setDuration parses an optional duration string into dst.
func setDuration(dst *time.Duration, src *string, field string) error {
	if src == nil || *src == "" {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", field, *src, err)
	}
	*dst = d
	return nil
}

// CurrentVersion is the current config schema version.
const CurrentVersion = 1

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "VAULTINDEX_"

// NewConfig returns a config populated with defaults.
func NewConfig() *Config {
	return &Config{
		Version: CurrentVersion,
		Embeddings: EmbeddingsConfig{
			Provider:   "ollama",
			Model:      "all-minilm",
			BatchSize:  16,
			OllamaHost: "http://localhost:11434",
			CacheSize:  4096,
			Timeout:    60 * time.Second,
			MaxRetries: 3,
		},
		Coordination: CoordinationConfig{
			Role:              RoleAuto,
			HeartbeatInterval: 5 * time.Second,
			LeaseTimeout:      15 * time.Second,
			RenewalRetries:    3,
		},
		Watch: WatchConfig{
			Enabled:        false,
			Mode:           WatchAuto,
			PollInterval:   5 * time.Second,
			DebounceWindow: 200 * time.Millisecond,
		},
		Indexing: IndexingConfig{
			BatchSize:    8,
			BatchBytes:   4 * 1024 * 1024,
			MaxFileSize:  10 * 1024 * 1024,
			EmbedRetries: 3,
		},
		Search: SearchConfig{
			DefaultLimit:   8,
			MaxLimit:       50,
			RequestTimeout: 30 * time.Second,
		},
		LogLevel: "info",
	}
}

// Load reads configuration from the given YAML file, falling back to
// defaults for absent fields, then applies environment overrides.
// A missing file is not an error; defaults are returned.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// Defaults only.
		case err != nil:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	cfg.applyEnv()
	cfg.applyVaultNames()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies VAULTINDEX_* environment variable overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv(EnvPrefix + "DATABASE"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv(EnvPrefix + "MODEL"); v != "" {
		c.Embeddings.Model = v
	}
	if v := os.Getenv(EnvPrefix + "OLLAMA_HOST"); v != "" {
		c.Embeddings.OllamaHost = v
	}
	if v := os.Getenv(EnvPrefix + "ROLE"); v != "" {
		c.Coordination.Role = Role(v)
	}
	if v := os.Getenv(EnvPrefix + "WATCH_MODE"); v != "" {
		c.Watch.Mode = WatchMode(v)
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvPrefix + "HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Coordination.HeartbeatInterval = d
		}
	}
	if v := os.Getenv(EnvPrefix + "LEASE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Coordination.LeaseTimeout = d
		}
	}
	if v := os.Getenv(EnvPrefix + "BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Indexing.BatchSize = n
		}
	}
}

// applyVaultNames fills in missing vault names from path base names.
func (c *Config) applyVaultNames() {
	for i := range c.Vaults {
		if c.Vaults[i].Name == "" {
			c.Vaults[i].Name = filepath.Base(c.Vaults[i].Path)
		}
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Coordination.Role {
	case RoleAuto, RolePrimary, RoleReader:
	default:
		return fmt.Errorf("invalid role %q (use auto, primary, or reader)", c.Coordination.Role)
	}

	switch c.Watch.Mode {
	case WatchAuto, WatchFsnotify, WatchPoll:
	default:
		return fmt.Errorf("invalid watch mode %q (use auto, fsnotify, or poll)", c.Watch.Mode)
	}

	if c.Coordination.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive")
	}
	if c.Coordination.LeaseTimeout <= c.Coordination.HeartbeatInterval {
		return fmt.Errorf("lease_timeout (%s) must exceed heartbeat_interval (%s)",
			c.Coordination.LeaseTimeout, c.Coordination.HeartbeatInterval)
	}
	if c.Coordination.RenewalRetries < 0 {
		return fmt.Errorf("renewal_retries must not be negative")
	}

	if c.Embeddings.Dimensions < 0 {
		return fmt.Errorf("embeddings dimensions must not be negative")
	}
	if c.Embeddings.MaxRetries < 0 {
		return fmt.Errorf("embeddings max_retries must not be negative")
	}

	if c.Indexing.BatchSize <= 0 {
		return fmt.Errorf("indexing batch_size must be positive")
	}
	if c.Indexing.EmbedRetries < 0 {
		return fmt.Errorf("indexing embed_retries must not be negative")
	}
	if c.Search.DefaultLimit <= 0 || c.Search.MaxLimit < c.Search.DefaultLimit {
		return fmt.Errorf("invalid search limits (default %d, max %d)",
			c.Search.DefaultLimit, c.Search.MaxLimit)
	}

	seen := make(map[string]struct{}, len(c.Vaults))
	for _, v := range c.Vaults {
		if v.Path == "" {
			return fmt.Errorf("vault %q has no path", v.Name)
		}
		if _, dup := seen[v.Name]; dup {
			return fmt.Errorf("duplicate vault name %q", v.Name)
		}
		seen[v.Name] = struct{}{}
	}

	return nil
}

// VaultPaths returns the configured vaults as a name -> path map.
func (c *Config) VaultPaths() map[string]string {
	m := make(map[string]string, len(c.Vaults))
	for _, v := range c.Vaults {
		m[v.Name] = v.Path
	}
	return m
}

// Save writes the configuration to the given path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
