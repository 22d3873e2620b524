package batch

import (
	"context"
	"log/slog"

	"github.com/vietddude/redeemer/internal/core/domain"
	"github.com/vietddude/redeemer/internal/metrics"
)

// ProgressReporter receives snapshots after each checkpoint. Implementations
// must not block.
type ProgressReporter interface {
	Report(ctx context.Context, snap domain.Snapshot, final bool)
}

// Reporters fans a snapshot out to several sinks.
type Reporters []ProgressReporter

func (rs Reporters) Report(ctx context.Context, snap domain.Snapshot, final bool) {
	for _, r := range rs {
		r.Report(ctx, snap, final)
	}
}

// LogReporter logs a line every Every items and at the end.
type LogReporter struct {
	Every  int
	logger *slog.Logger
}

// NewLogReporter creates a log sink.
func NewLogReporter(every int) *LogReporter {
	if every <= 0 {
		every = 10
	}
	return &LogReporter{Every: every, logger: slog.Default().With("component", "progress")}
}

func (r *LogReporter) Report(ctx context.Context, snap domain.Snapshot, final bool) {
	attrs := []any{
		"process", snap.ProcessID,
		"processed", snap.Processed,
		"total", snap.Total,
		"success", snap.Success,
		"already_redeemed", snap.AlreadyRedeemed,
		"restricted", snap.Restricted,
		"failed", snap.Failed,
	}
	switch {
	case final:
		r.logger.Info("Batch finished", attrs...)
	case snap.Processed%r.Every == 0:
		r.logger.Info("Batch progress", attrs...)
	default:
		r.logger.Debug("Batch progress", attrs...)
	}
}

// MetricsReporter mirrors the snapshot into gauges.
type MetricsReporter struct{}

func (MetricsReporter) Report(ctx context.Context, snap domain.Snapshot, final bool) {
	g := metrics.ActiveProcessProgress
	if final {
		g.Reset()
		return
	}
	g.WithLabelValues("total").Set(float64(snap.Total))
	g.WithLabelValues("processed").Set(float64(snap.Processed))
	g.WithLabelValues("success").Set(float64(snap.Success))
	g.WithLabelValues("already_redeemed").Set(float64(snap.AlreadyRedeemed))
	g.WithLabelValues("restricted").Set(float64(snap.Restricted))
	g.WithLabelValues("failed").Set(float64(snap.Failed))
}
