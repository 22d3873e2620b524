package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/redeemer/internal/infra/storage"
)

// Pruner deletes finished processes based on retention policy.
type Pruner struct {
	retention time.Duration
	processes storage.ProcessRepository
	logger    *slog.Logger
	now       func() time.Time
}

// NewPruner creates a new Pruner worker. A zero retention disables it.
func NewPruner(retention time.Duration, processes storage.ProcessRepository) *Pruner {
	return &Pruner{
		retention: retention,
		processes: processes,
		logger:    slog.Default().With("component", "pruner"),
		now:       time.Now,
	}
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return
	}

	// 10% of the retention period, between a minute and an hour
	interval := min(p.retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune removes completed and failed processes older than the retention.
func (p *Pruner) Prune(ctx context.Context) int {
	cutoff := p.now().Add(-p.retention)
	n, err := p.processes.DeleteFinishedBefore(ctx, cutoff)
	if err != nil {
		p.logger.Error("Failed to prune processes", "error", err)
		return 0
	}
	if n > 0 {
		p.logger.Info("Pruned finished processes", "count", n, "cutoff", cutoff)
	}
	return n
}
