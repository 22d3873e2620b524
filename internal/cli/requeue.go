package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/redeemer/internal/control"
	"github.com/vietddude/redeemer/internal/core/domain"
	redisclient "github.com/vietddude/redeemer/internal/infra/redis"
)

var requeueCmd = &cobra.Command{
	Use:   "requeue [process_id]",
	Short: "Put a failed or stopped process back on the queue",
	Args:  cobra.ExactArgs(1),
	Run:   runRequeue,
}

func init() {
	rootCmd.AddCommand(requeueCmd)
}

func runRequeue(cmd *cobra.Command, args []string) {
	id := args[0]
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

	proc, err := stores.Processes.GetByID(ctx, id)
	if err != nil {
		slog.Error("Failed to load process", "process", id, "error", err)
		os.Exit(1)
	}
	if proc.Status == domain.ProcessStatusCompleted {
		fmt.Printf("Process %s already completed\n", id)
		os.Exit(1)
	}
	if proc.Status == domain.ProcessStatusFailed {
		if err := stores.Processes.UpdateStatus(ctx, id, domain.ProcessStatusPreempted); err != nil {
			slog.Error("Failed to reset process status", "process", id, "error", err)
			os.Exit(1)
		}
	}

	// Without Redis the running service only picks the process up on its
	// next start.
	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer func() {
			_ = client.Close()
		}()
		priority := proc.Priority
		if proc.IsValidationOnly() {
			priority = domain.PriorityValidation
		}
		if err := client.PushProcess(ctx, id, priority, proc.CreatedAt); err != nil {
			slog.Error("Failed to enqueue process", "process", id, "error", err)
			os.Exit(1)
		}
	}

	fmt.Printf("Successfully requeued process %s (%d items pending)\n", id, len(proc.Progress.Pending))
}
