package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/redeemer/internal/batch"
	"github.com/vietddude/redeemer/internal/control"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the most recent processes and their progress",
	Run:   runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusLimit, "limit", 20, "number of processes to show")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx := context.Background()
	stores, err := control.OpenStores(ctx, cfg.Database, false)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = stores.Close()
	}()

	procs, err := stores.Processes.ListRecent(ctx, statusLimit)
	if err != nil {
		slog.Error("Failed to query processes", "error", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "ID\tCODE\tSTATUS\tPRIORITY\tPROCESSED\tSUCCESS\tFAILED\tCREATED BY")

	for _, p := range procs {
		snap := batch.TakeSnapshot(p.ID, p.Progress)
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d/%d\t%d\t%d\t%s\n",
			p.ID, p.Details.Code, p.Status, p.Priority,
			snap.Processed, snap.Total, snap.Success, snap.Failed, p.CreatedBy)
	}
	_ = w.Flush()
}
