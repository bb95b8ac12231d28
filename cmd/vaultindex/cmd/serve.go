package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	mcpserver "github.com/vaultindex/vaultindex/internal/mcp"
	"github.com/vaultindex/vaultindex/internal/worker"
)

// serveOptions holds CLI flags for serve.
type serveOptions struct {
	reindex  bool
	watch    bool
	watchSet bool
}

func newServeCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server over stdio",
		Long: `Start the index worker and serve search to MCP clients over stdio.

The worker joins the PRIMARY election. As PRIMARY it watches the vaults
and keeps the index current; as READER it serves searches from the shared
database while another process writes.

stdout carries the MCP protocol; diagnostics go to the log file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			opts.watchSet = cmd.Flags().Changed("watch")
			return runServe(cmd.Context(), cmd, opts)
		},
	}

	cmd.Flags().BoolVar(&opts.reindex, "reindex", false, "Force a full reconcile pass on startup")
	cmd.Flags().BoolVar(&opts.watch, "watch", true, "Watch vault directories for changes")

	return cmd
}

func runServe(ctx context.Context, _ *cobra.Command, opts serveOptions) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if len(cfg.Vaults) == 0 {
		return fmt.Errorf("no vaults configured; add them to %s or pass --vault", defaultConfigPath())
	}
	if opts.watchSet {
		cfg.Watch.Enabled = opts.watch
	} else {
		cfg.Watch.Enabled = true
	}

	w, err := worker.New(ctx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer w.Close()

	srv, err := mcpserver.NewServer(w.Facade(), w.Searcher(), vaultNames(cfg), slog.Default())
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(ctx) })
	g.Go(func() error { return srv.Serve(ctx) })

	if opts.reindex {
		g.Go(func() error {
			forceReindex(ctx, w)
			return nil
		})
	}

	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// forceReindex queues a reconcile of every vault. Readers refuse the
// request, so it retries until this instance holds PRIMARY or shuts down.
func forceReindex(ctx context.Context, w *worker.Worker) {
	for {
		if err := w.Facade().Reindex(ctx, ""); err == nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}
