package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/vaultindex/vaultindex/internal/store"
)

// statusInfo is the status command's report shape.
type statusInfo struct {
	DatabasePath string `json:"database_path"`
	Documents    int    `json:"documents"`
	Model        string `json:"model"`
	Dimensions   int    `json:"dimensions"`
	Unembedded   int    `json:"unembedded"`
	LeaseHolder  string `json:"lease_holder,omitempty"`
	LeaseAgeMS   int64  `json:"lease_age_ms,omitempty"`
	LeaseExpired bool   `json:"lease_expired"`
}

func newStatusCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show index health and lease state",
		Long: `Display the index state without joining the writer election:
  - Number of indexed notes and the embedding model they were built with
  - Notes still waiting for embeddings
  - Who holds the write lease and how stale its heartbeat is`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd.Context(), cmd, jsonOutput)
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON")

	return cmd
}

func runStatus(ctx context.Context, cmd *cobra.Command, jsonOutput bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if !fileExists(cfg.DatabasePath) {
		return fmt.Errorf("no index found at %s\nRun 'vaultindex index' to create one", cfg.DatabasePath)
	}

	db, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return err
	}
	defer db.Close()

	info, err := collectStatus(ctx, db, cfg.Coordination.LeaseTimeout)
	if err != nil {
		return fmt.Errorf("collect status: %w", err)
	}
	info.DatabasePath = cfg.DatabasePath

	out := cmd.OutOrStdout()
	if jsonOutput {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}

	fmt.Fprintf(out, "Database:   %s\n", info.DatabasePath)
	fmt.Fprintf(out, "Notes:      %d indexed, %d pending embedding\n", info.Documents, info.Unembedded)
	fmt.Fprintf(out, "Model:      %s (%d dimensions)\n", info.Model, info.Dimensions)
	switch {
	case info.LeaseHolder == "":
		fmt.Fprintln(out, "Lease:      unclaimed")
	case info.LeaseExpired:
		fmt.Fprintf(out, "Lease:      %s (expired, heartbeat %s ago)\n",
			info.LeaseHolder, time.Duration(info.LeaseAgeMS)*time.Millisecond)
	default:
		fmt.Fprintf(out, "Lease:      %s (heartbeat %s ago)\n",
			info.LeaseHolder, time.Duration(info.LeaseAgeMS)*time.Millisecond)
	}
	return nil
}

func collectStatus(ctx context.Context, db *store.SQLiteStore, leaseTimeout time.Duration) (statusInfo, error) {
	var info statusInfo

	docs, err := db.CountDocuments(ctx)
	if err != nil {
		return info, err
	}
	info.Documents = docs

	model, dims, err := db.StoredModel(ctx)
	if err != nil {
		return info, err
	}
	info.Model = model
	info.Dimensions = dims

	pending, err := db.ListUnembedded(ctx)
	if err != nil {
		return info, err
	}
	info.Unembedded = len(pending)

	lease, err := db.GetLease(ctx)
	if err != nil {
		return info, err
	}
	if lease != nil {
		now := time.Now()
		info.LeaseHolder = lease.Holder
		info.LeaseAgeMS = lease.Age(now).Milliseconds()
		info.LeaseExpired = lease.Expired(now, leaseTimeout)
	}
	return info, nil
}
