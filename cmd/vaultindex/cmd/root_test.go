package cmd

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultindex/vaultindex/pkg/version"
)

func TestRootCmd_HelpListsSubcommands(t *testing.T) {
	cmd := NewRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs([]string{"--help"})

	require.NoError(t, cmd.Execute())

	output := buf.String()
	for _, sub := range []string{"serve", "index", "search", "status", "version"} {
		assert.Contains(t, output, sub)
	}
}

func TestRootCmd_VersionFlag(t *testing.T) {
	cmd := NewRootCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "vaultindex version "+version.Version+"\n", buf.String())
}

func TestRootCmd_UnknownCommand(t *testing.T) {
	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"frobnicate"})

	assert.Error(t, cmd.Execute())
}

func TestParseVaultFlag(t *testing.T) {
	tests := []struct {
		name     string
		spec     string
		wantName string
		wantErr  bool
	}{
		{"bare path", "/tmp/notes", "notes", false},
		{"named", "work=/srv/vaults/work-notes", "work", false},
		{"relative path", "notes", "notes", false},
		{"empty path", "name=", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			vault, err := parseVaultFlag(tt.spec)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantName, vault.Name)
			assert.True(t, filepath.IsAbs(vault.Path))
		})
	}
}

func TestLoadConfigMergesVaultFlags(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	oldVaults, oldPath := vaultFlags, configPath
	t.Cleanup(func() { vaultFlags, configPath = oldVaults, oldPath })

	vaultDir := t.TempDir()
	vaultFlags = []string{"extra=" + vaultDir}
	configPath = filepath.Join(t.TempDir(), "missing.yaml")

	cfg, err := loadConfig()
	require.NoError(t, err)
	require.Len(t, cfg.Vaults, 1)
	assert.Equal(t, "extra", cfg.Vaults[0].Name)
	assert.Equal(t, vaultDir, cfg.Vaults[0].Path)
	assert.NotEmpty(t, cfg.DatabasePath)
}
