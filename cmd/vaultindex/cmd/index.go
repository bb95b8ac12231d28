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

	"github.com/vaultindex/vaultindex/internal/config"
	"github.com/vaultindex/vaultindex/internal/coordinator"
	"github.com/vaultindex/vaultindex/internal/worker"
)

func newIndexCmd() *cobra.Command {
	var watch bool

	cmd := &cobra.Command{
		Use:   "index [path]",
		Short: "Index the configured vaults",
		Long: `Reconcile the index with the vaults on disk: new and changed notes
are embedded, vanished notes are removed. Notes whose content hash has not
changed are skipped without touching the embedder.

An optional path argument indexes that directory as an ad-hoc vault in
addition to the configured ones.

Use --watch to stay resident and keep indexing as files change.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) > 0 {
				path = args[0]
			}
			return runIndex(cmd.Context(), cmd, path, watch)
		},
	}

	cmd.Flags().BoolVar(&watch, "watch", false, "Stay resident and index on file changes")

	return cmd
}

func runIndex(ctx context.Context, cmd *cobra.Command, path string, watch bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if path != "" {
		vault, parseErr := parseVaultFlag(path)
		if parseErr != nil {
			return parseErr
		}
		cfg.Vaults = append(cfg.Vaults, vault)
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	if len(cfg.Vaults) == 0 {
		return fmt.Errorf("no vaults configured; add them to %s or pass a path", defaultConfigPath())
	}
	cfg.Watch.Enabled = watch

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := worker.New(runCtx, cfg, slog.Default())
	if err != nil {
		return err
	}
	defer w.Close()

	done := make(chan error, 1)
	go func() { done <- w.Run(runCtx) }()

	if err := waitForPrimary(ctx, w, cfg); err != nil {
		cancel()
		<-done
		return err
	}

	if err := drainReconcile(ctx, w); err != nil {
		cancel()
		<-done
		return err
	}

	st, err := w.Facade().Status(ctx)
	if err == nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d notes (%d vectors, model %s)\n",
			st.Documents, st.Vectors, st.Model)
	}

	if watch {
		fmt.Fprintln(cmd.OutOrStdout(), "Watching for changes, press Ctrl+C to stop")
		<-ctx.Done()
	}

	cancel()
	runErr := <-done
	if runErr != nil && ctx.Err() == nil {
		return runErr
	}
	return nil
}

// waitForPrimary blocks until this instance wins the writer election.
// Another live PRIMARY keeps renewing its lease, so give up after two
// lease timeouts rather than waiting forever.
func waitForPrimary(ctx context.Context, w *worker.Worker, cfg *config.Config) error {
	deadline := time.After(2 * cfg.Coordination.LeaseTimeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("another instance holds the write lease; stop it or wait for its lease to expire")
		case <-ticker.C:
			if w.Coordinator().State() == coordinator.StatePrimary {
				return nil
			}
		}
	}
}

// drainReconcile queues a full reconcile and waits for the mutation queue
// to empty. Promotion already queued one reconcile pass; queueing again is
// harmless because unchanged notes hash-gate to no work.
func drainReconcile(ctx context.Context, w *worker.Worker) error {
	if err := w.Facade().Reindex(ctx, ""); err != nil {
		return err
	}

	idle := 0
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			st, err := w.Facade().Status(ctx)
			if err != nil {
				return err
			}
			if st.QueueDepth == 0 {
				idle++
			} else {
				idle = 0
			}
			// Two consecutive idle polls: the reconcile mutations were
			// dequeued and their follow-up upserts are done too.
			if idle >= 2 {
				return nil
			}
		}
	}
}
