package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultindex/vaultindex/internal/searcher"
)

func TestSearchCmd_FindsIndexedNote(t *testing.T) {
	vaultRoot, _ := withIndexedVault(t)
	require.NoError(t, os.WriteFile(filepath.Join(vaultRoot, "risotto.md"),
		[]byte("# Risotto\n\nStir the rice slowly with warm stock."), 0o644))

	indexCmd := newIndexCmd()
	indexCmd.SetOut(&bytes.Buffer{})
	indexCmd.SetArgs([]string{})
	require.NoError(t, indexCmd.Execute())

	cmd := newSearchCmd()
	buf := &bytes.Buffer{}
	cmd.SetOut(buf)
	cmd.SetArgs([]string{"--format", "json", "rice", "stock"})

	require.NoError(t, cmd.Execute())

	var results []searcher.Result
	require.NoError(t, json.Unmarshal(buf.Bytes(), &results))
	require.NotEmpty(t, results)
	assert.Equal(t, "risotto.md", results[0].Path)
	assert.Equal(t, "notes", results[0].Vault)
}

func TestSearchCmd_NoIndex(t *testing.T) {
	_, _ = withIndexedVault(t)

	cmd := newSearchCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"anything"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no index found")
}

func TestSearchCmd_EmptyQueryRejected(t *testing.T) {
	vaultRoot, _ := withIndexedVault(t)
	require.NoError(t, os.WriteFile(filepath.Join(vaultRoot, "a.md"),
		[]byte("content"), 0o644))

	indexCmd := newIndexCmd()
	indexCmd.SetOut(&bytes.Buffer{})
	indexCmd.SetArgs([]string{})
	require.NoError(t, indexCmd.Execute())

	cmd := newSearchCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"   "})

	assert.Error(t, cmd.Execute())
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "first", firstLine("\n\n  first\nsecond"))
	assert.Equal(t, "", firstLine("  \n \n"))
}
