package mcp

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// markdownMIMEType labels note resources.
const markdownMIMEType = "text/markdown"

// RefreshResources registers the most recently modified notes of every
// vault as MCP resources. Already-registered URIs are kept; registration
// is additive because clients may hold references to listed resources.
func (s *Server) RefreshResources(ctx context.Context) {
	for _, vault := range s.vaults {
		keys, err := s.notes.RecentNotes(ctx, vault, recentNotesPerVault)
		if err != nil {
			s.logger.Warn("recent notes listing failed",
				slog.String("vault", vault),
				slog.String("error", err.Error()))
			continue
		}

		for _, key := range keys {
			uri := "obsidian://" + key.Vault + "/" + key.Path

			s.mu.Lock()
			already := s.registered[uri]
			if !already {
				s.registered[uri] = true
			}
			s.mu.Unlock()
			if already {
				continue
			}

			s.mcp.AddResource(&mcp.Resource{
				Name:        path.Base(key.Path),
				URI:         uri,
				Description: "Note " + key.Path + " in vault " + key.Vault,
				MIMEType:    markdownMIMEType,
			}, s.makeNoteHandler(key.Vault, key.Path))
		}
	}
}

// refreshLoop re-lists resources periodically while the server runs.
func (s *Server) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(resourceRefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RefreshResources(ctx)
		}
	}
}

// makeNoteHandler returns a read handler for one note.
func (s *Server) makeNoteHandler(vault, relPath string) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		content, err := s.notes.ReadNote(vault, relPath)
		if err != nil {
			return nil, err
		}
		return &mcp.ReadResourceResult{
			Contents: []*mcp.ResourceContents{
				{
					URI:      "obsidian://" + vault + "/" + relPath,
					MIMEType: markdownMIMEType,
					Text:     content,
				},
			},
		}, nil
	}
}

// ParseNoteURI splits an obsidian://<vault>/<path> URI.
func ParseNoteURI(uri string) (vault, relPath string, ok bool) {
	const scheme = "obsidian://"
	if !strings.HasPrefix(uri, scheme) {
		return "", "", false
	}
	rest := strings.TrimPrefix(uri, scheme)
	idx := strings.Index(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return "", "", false
	}
	return rest[:idx], rest[idx+1:], true
}
