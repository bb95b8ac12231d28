// Package mcp exposes the vault index to AI clients over the Model Context
// Protocol: a search tool plus note resources, served over stdio. The
// server talks to the worker through its facade only, so search requests
// from any number of MCP clients funnel through the same correlated
// request path as CLI calls.
package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/vaultindex/vaultindex/internal/searcher"
	"github.com/vaultindex/vaultindex/internal/worker"
	"github.com/vaultindex/vaultindex/pkg/version"
)

// resourceRefreshInterval is how often the recent-note resources are
// re-listed from the index.
const resourceRefreshInterval = 30 * time.Second

// recentNotesPerVault bounds how many notes each vault exposes as
// resources.
const recentNotesPerVault = 10

// Server is the MCP-facing surface of vaultindex.
type Server struct {
	mcp    *mcp.Server
	facade *worker.Facade
	notes  *searcher.Searcher
	vaults []string
	logger *slog.Logger

	mu         sync.Mutex
	registered map[string]bool
}

// SearchInput is the search-notes tool input schema.
type SearchInput struct {
	Query string `json:"query" jsonschema:"the semantic search query"`
	Vault string `json:"vault,omitempty" jsonschema:"restrict the search to one vault"`
	Limit int    `json:"limit,omitempty" jsonschema:"maximum number of results"`
}

// SearchOutput is the search-notes tool output schema.
type SearchOutput struct {
	Results []NoteResult `json:"results" jsonschema:"matching notes, nearest first"`
}

// NoteResult is one search hit.
type NoteResult struct {
	URI         string   `json:"uri" jsonschema:"resource URI of the note"`
	Vault       string   `json:"vault" jsonschema:"vault the note belongs to"`
	Path        string   `json:"path" jsonschema:"note path relative to the vault root"`
	Score       float64  `json:"score" jsonschema:"cosine distance to the query, lower is closer"`
	Frontmatter string   `json:"frontmatter,omitempty" jsonschema:"raw YAML frontmatter"`
	Outline     []string `json:"outline,omitempty" jsonschema:"markdown headings in order"`
	Excerpt     string   `json:"excerpt,omitempty" jsonschema:"truncated note body"`
}

// StatusInput is the index-status tool input schema (no parameters).
type StatusInput struct{}

// StatusOutput mirrors the worker status snapshot.
type StatusOutput struct {
	InstanceID string `json:"instance_id" jsonschema:"this process's election identity"`
	Role       string `json:"role" jsonschema:"PRIMARY, READER, or UNCLAIMED"`
	Documents  int    `json:"documents" jsonschema:"number of indexed notes"`
	Vectors    int    `json:"vectors" jsonschema:"number of searchable vectors"`
	QueueDepth int    `json:"queue_depth" jsonschema:"pending index mutations"`
	Model      string `json:"model" jsonschema:"active embedding model"`
	Dimensions int    `json:"dimensions" jsonschema:"embedding dimension"`
}

// NewServer creates the MCP server and registers its tools.
func NewServer(facade *worker.Facade, notes *searcher.Searcher, vaults []string, logger *slog.Logger) (*Server, error) {
	if facade == nil {
		return nil, fmt.Errorf("worker facade is required")
	}
	if notes == nil {
		return nil, fmt.Errorf("searcher is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		facade:     facade,
		notes:      notes,
		vaults:     vaults,
		logger:     logger.With(slog.String("component", "mcp")),
		registered: make(map[string]bool),
	}

	s.mcp = mcp.NewServer(
		&mcp.Implementation{
			Name:    "vaultindex",
			Version: version.Version,
		},
		nil,
	)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search-notes",
		Description: "Semantic search over the indexed vault notes. Finds notes by meaning rather than exact keywords and returns their frontmatter, outline, and an excerpt.",
	}, s.handleSearch)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "index-status",
		Description: "Report the index state: role of this instance, note and vector counts, pending mutations, and the active embedding model.",
	}, s.handleStatus)

	return s, nil
}

// handleSearch serves the search-notes tool.
func (s *Server) handleSearch(ctx context.Context, _ *mcp.CallToolRequest, input SearchInput) (
	*mcp.CallToolResult,
	SearchOutput,
	error,
) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, SearchOutput{}, fmt.Errorf("query parameter is required")
	}

	results, err := s.facade.Search(ctx, input.Query, input.Vault, input.Limit)
	if err != nil {
		return nil, SearchOutput{}, err
	}

	output := SearchOutput{Results: make([]NoteResult, 0, len(results))}
	for _, r := range results {
		output.Results = append(output.Results, toNoteResult(r))
	}
	return nil, output, nil
}

// handleStatus serves the index-status tool.
func (s *Server) handleStatus(ctx context.Context, _ *mcp.CallToolRequest, _ StatusInput) (
	*mcp.CallToolResult,
	StatusOutput,
	error,
) {
	st, err := s.facade.Status(ctx)
	if err != nil {
		return nil, StatusOutput{}, err
	}
	return nil, StatusOutput{
		InstanceID: st.InstanceID,
		Role:       st.Role,
		Documents:  st.Documents,
		Vectors:    st.Vectors,
		QueueDepth: st.QueueDepth,
		Model:      st.Model,
		Dimensions: st.Dimensions,
	}, nil
}

// toNoteResult converts a searcher result to the wire shape.
func toNoteResult(r searcher.Result) NoteResult {
	return NoteResult{
		URI:         r.URI(),
		Vault:       r.Vault,
		Path:        r.Path,
		Score:       float64(r.Score),
		Frontmatter: r.Frontmatter,
		Outline:     r.Outline,
		Excerpt:     r.Excerpt,
	}
}

// Serve runs the server over stdio until ctx is cancelled. Resource
// registration refreshes in the background so newly indexed notes appear.
func (s *Server) Serve(ctx context.Context) error {
	s.RefreshResources(ctx)
	go s.refreshLoop(ctx)

	s.logger.Info("mcp server starting",
		slog.String("transport", "stdio"),
		slog.Int("vaults", len(s.vaults)))

	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && err != context.Canceled && ctx.Err() == nil {
		s.logger.Error("mcp server stopped", slog.String("error", err.Error()))
		return err
	}
	s.logger.Info("mcp server stopped")
	return nil
}

// MCPServer returns the underlying SDK server, used by tests.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}
