// Package note reads and dissects markdown notes: content hashing for the
// re-embedding gate, and frontmatter/outline/excerpt extraction for search
// result presentation.
package note

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// MaxExcerptLength bounds excerpt bodies in search results.
const MaxExcerptLength = 500

// Note is one markdown file loaded from a vault.
type Note struct {
	// Content is the full file text.
	Content string
	// ContentHash is the sha256 hex digest of the file bytes.
	ContentHash string
	// Size is the file size in bytes.
	Size int64
}

// Hash returns the sha256 hex digest of content.
func Hash(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// Load reads a note from disk and hashes it.
func Load(path string) (*Note, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read note: %w", err)
	}
	return &Note{
		Content:     string(data),
		ContentHash: Hash(data),
		Size:        int64(len(data)),
	}, nil
}

// Frontmatter returns the raw YAML frontmatter block, without the ---
// delimiters, or "" when the note has none.
func Frontmatter(content string) string {
	if !strings.HasPrefix(content, "---") {
		return ""
	}
	end := strings.Index(content[3:], "---")
	if end == -1 {
		return ""
	}
	return strings.TrimSpace(content[3 : 3+end])
}

// Outline returns the markdown headings in document order, with their #
// markers intact.
func Outline(content string) []string {
	var headings []string
	for _, line := range strings.Split(content, "\n") {
		stripped := strings.TrimSpace(line)
		if strings.HasPrefix(stripped, "#") {
			headings = append(headings, stripped)
		}
	}
	return headings
}

// Excerpt returns the note body truncated to maxLength characters at a word
// boundary, skipping frontmatter. A truncated excerpt ends with "...".
func Excerpt(content string, maxLength int) string {
	text := content

	if strings.HasPrefix(text, "---") {
		if end := strings.Index(text[3:], "---"); end != -1 {
			text = strings.TrimLeft(text[3+end+3:], " \t\r\n")
		}
	}

	if len(text) <= maxLength {
		return text
	}

	truncated := text[:maxLength]
	if lastSpace := strings.LastIndex(truncated, " "); lastSpace > maxLength/2 {
		truncated = truncated[:lastSpace]
	}
	return truncated + "..."
}
