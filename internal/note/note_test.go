package note

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleNote = `---
title: Test Note
tags: [a, b]
---

# Heading One

Some body text here.

## Heading Two

More text.
`

func TestHashDeterministic(t *testing.T) {
	h1 := Hash([]byte("hello"))
	h2 := Hash([]byte("hello"))
	h3 := Hash([]byte("hello!"))

	assert.Equal(t, h1, h2)
	assert.NotEqual(t, h1, h3)
	assert.Len(t, h1, 64)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.md")
	require.NoError(t, os.WriteFile(path, []byte(sampleNote), 0o644))

	n, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, sampleNote, n.Content)
	assert.Equal(t, Hash([]byte(sampleNote)), n.ContentHash)
	assert.Equal(t, int64(len(sampleNote)), n.Size)
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.md"))
	assert.Error(t, err)
}

func TestFrontmatter(t *testing.T) {
	fm := Frontmatter(sampleNote)
	assert.Contains(t, fm, "title: Test Note")
	assert.NotContains(t, fm, "---")

	assert.Empty(t, Frontmatter("# No frontmatter\n\nbody"))
	assert.Empty(t, Frontmatter("---\nunclosed: true\n"))
}

func TestOutline(t *testing.T) {
	outline := Outline(sampleNote)
	assert.Equal(t, []string{"# Heading One", "## Heading Two"}, outline)

	assert.Empty(t, Outline("no headings here"))
}

func TestExcerptSkipsFrontmatter(t *testing.T) {
	excerpt := Excerpt(sampleNote, MaxExcerptLength)
	assert.True(t, strings.HasPrefix(excerpt, "# Heading One"))
	assert.NotContains(t, excerpt, "title: Test Note")
}

func TestExcerptShortContentUntouched(t *testing.T) {
	assert.Equal(t, "short body", Excerpt("short body", 500))
}

func TestExcerptTruncatesAtWordBoundary(t *testing.T) {
	content := strings.Repeat("word ", 200)
	excerpt := Excerpt(content, 100)

	assert.True(t, strings.HasSuffix(excerpt, "..."))
	assert.LessOrEqual(t, len(excerpt), 103)
	assert.False(t, strings.HasSuffix(strings.TrimSuffix(excerpt, "..."), "wor"),
		"should not cut inside a word")
}

func TestExcerptLongUnbrokenText(t *testing.T) {
	content := strings.Repeat("x", 600)
	excerpt := Excerpt(content, 500)
	assert.Equal(t, strings.Repeat("x", 500)+"...", excerpt)
}
