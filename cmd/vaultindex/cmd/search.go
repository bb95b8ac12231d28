package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/vaultindex/vaultindex/internal/config"
	"github.com/vaultindex/vaultindex/internal/searcher"
	"github.com/vaultindex/vaultindex/internal/worker"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	limit  int
	vault  string
	format string // "text", "json"
}

func newSearchCmd() *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed notes",
		Long: `Search the indexed notes by meaning.

The query is embedded with the same model as the notes and matched
against the vector index. Results carry the note's frontmatter, heading
outline, and an excerpt.

Examples:
  vaultindex search "mushroom risotto"
  vaultindex search "quarterly planning" --scope work --limit 5
  vaultindex search "travel checklist" --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return runSearch(cmd.Context(), cmd, query, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 0, "Maximum number of results (0 uses the configured default)")
	cmd.Flags().StringVarP(&opts.vault, "scope", "s", "", "Restrict the search to one vault")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func runSearch(ctx context.Context, cmd *cobra.Command, query string, opts searchOptions) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Vaults) == 0 {
		return fmt.Errorf("no vaults configured; add them to %s or pass --vault", defaultConfigPath())
	}
	if !fileExists(cfg.DatabasePath) {
		return fmt.Errorf("no index found at %s\nRun 'vaultindex index' to create one", cfg.DatabasePath)
	}

	// One-shot searches should not steal the write lease from a resident
	// server, so join the election as a reader only.
	cfg.Coordination.Role = config.RoleReader
	cfg.Watch.Enabled = false

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := worker.New(runCtx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer w.Close()

	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	results, err := w.Facade().Search(ctx, query, opts.vault, opts.limit)
	cancel()
	<-done
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	pretty := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	return renderResults(out, results, pretty)
}

// renderResults prints search hits, one block per note on a terminal and
// one tab-separated line per note when piped.
func renderResults(out io.Writer, results []searcher.Result, pretty bool) error {
	if len(results) == 0 {
		_, err := fmt.Fprintln(out, "No results")
		return err
	}

	for i, r := range results {
		if !pretty {
			if _, err := fmt.Fprintf(out, "%s\t%s\t%.4f\n", r.Vault, r.Path, r.Score); err != nil {
				return err
			}
			continue
		}

		if _, err := fmt.Fprintf(out, "%d. %s (score %.4f)\n", i+1, r.URI(), r.Score); err != nil {
			return err
		}
		for _, heading := range r.Outline {
			if _, err := fmt.Fprintf(out, "   %s\n", heading); err != nil {
				return err
			}
		}
		if r.Excerpt != "" {
			if _, err := fmt.Fprintf(out, "   %s\n", firstLine(r.Excerpt)); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintln(out); err != nil {
			return err
		}
	}
	return nil
}

// firstLine trims an excerpt to its first non-empty line for compact display.
func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
