// Package cmd provides the CLI commands for vaultindex.
package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vaultindex/vaultindex/internal/config"
	"github.com/vaultindex/vaultindex/internal/logging"
	"github.com/vaultindex/vaultindex/pkg/version"
)

var (
	configPath string
	debugMode  bool
	vaultFlags []string

	loggingCleanup func()
)

// NewRootCmd creates the root command for the vaultindex CLI.
func NewRootCmd() *cobra.Command {
	var reindex bool

	cmd := &cobra.Command{
		Use:   "vaultindex",
		Short: "Vector search MCP server for Obsidian vaults",
		Long: `vaultindex keeps a local vector index of one or more markdown vaults
and serves semantic search to AI clients over the Model Context Protocol.

Multiple processes may share one index database: instances elect a single
PRIMARY writer through a heartbeat lease while the rest serve reads.

Running 'vaultindex' with no arguments starts the MCP server over stdio.`,
		Version: version.Version,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return cmd.Help()
			}
			return runServe(cmd.Context(), cmd, serveOptions{reindex: reindex})
		},
	}

	cmd.SetVersionTemplate("vaultindex version {{.Version}}\n")

	cmd.Flags().BoolVar(&reindex, "reindex", false, "Force a full reconcile pass on startup")

	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.vaultindex/config.yaml)")
	cmd.PersistentFlags().BoolVar(&debugMode, "debug", false, "Enable debug logging to ~/.vaultindex/logs/")
	cmd.PersistentFlags().StringSliceVar(&vaultFlags, "vault", nil, "Vault to index as name=path or path (repeatable)")

	cmd.PersistentPreRunE = startLogging
	cmd.PersistentPostRunE = stopLogging

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIndexCmd())
	cmd.AddCommand(newSearchCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newVersionCmd())

	return cmd
}

// startLogging installs the process-wide logger. The MCP transport owns
// stdout, so logs go to the rotating file only.
func startLogging(_ *cobra.Command, _ []string) error {
	logCfg := logging.DefaultConfig()
	logCfg.WriteToStderr = false
	if debugMode {
		logCfg = logging.DebugConfig()
		logCfg.WriteToStderr = false
	}

	cleanup, err := logging.SetupDefault(logCfg)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	loggingCleanup = cleanup
	return nil
}

func stopLogging(_ *cobra.Command, _ []string) error {
	if loggingCleanup != nil {
		loggingCleanup()
		loggingCleanup = nil
	}
	return nil
}

// Execute runs the root command.
func Execute() error {
	return NewRootCmd().Execute()
}

// defaultConfigPath resolves the config file location, honoring the
// VAULTINDEX_CONFIG override.
func defaultConfigPath() string {
	if env := os.Getenv(config.EnvPrefix + "CONFIG"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".vaultindex", "config.yaml")
}

// defaultDatabasePath places the index database next to the config.
func defaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".vaultindex", "index.db")
	}
	return filepath.Join(home, ".vaultindex", "index.db")
}

// loadConfig loads the config file, merges --vault flags, and fills in the
// default database path.
func loadConfig() (*config.Config, error) {
	path := configPath
	if path == "" {
		path = defaultConfigPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	for _, spec := range vaultFlags {
		vault, parseErr := parseVaultFlag(spec)
		if parseErr != nil {
			return nil, parseErr
		}
		cfg.Vaults = append(cfg.Vaults, vault)
	}

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = defaultDatabasePath()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// parseVaultFlag accepts "name=path" or a bare path whose base name becomes
// the vault name.
func parseVaultFlag(spec string) (config.VaultConfig, error) {
	name, path := "", spec
	if idx := strings.Index(spec, "="); idx >= 0 {
		name, path = spec[:idx], spec[idx+1:]
	}
	if path == "" {
		return config.VaultConfig{}, fmt.Errorf("invalid --vault %q: empty path", spec)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return config.VaultConfig{}, fmt.Errorf("invalid --vault %q: %w", spec, err)
	}
	if name == "" {
		name = filepath.Base(abs)
	}
	return config.VaultConfig{Name: name, Path: abs}, nil
}

// vaultNames returns the configured vault names in order.
func vaultNames(cfg *config.Config) []string {
	names := make([]string, 0, len(cfg.Vaults))
	for _, v := range cfg.Vaults {
		names = append(names, v.Name)
	}
	return names
}

// fileExists checks if a file exists.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
