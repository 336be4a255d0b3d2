package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/teemow/obsidian-mcp/internal/logging"
)

const (
	// DefaultRetention is how long a record survives without being accessed.
	DefaultRetention = 24 * time.Hour
	// DefaultSweepInterval is how often the Sweeper runs.
	DefaultSweepInterval = time.Hour
)

// SweepFunc is called after every sweep with the number of removed records
// and how long the sweep took.
type SweepFunc func(removed int, duration time.Duration, err error)

// Sweeper periodically evicts records past the retention window.
type Sweeper struct {
	store     *Store
	retention time.Duration
	interval  time.Duration
	logger    *slog.Logger
	onSweep   SweepFunc
}

// NewSweeper creates a sweeper. Non-positive durations fall back to the defaults.
func NewSweeper(s *Store, retention, interval time.Duration, logger *slog.Logger) *Sweeper {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		store:     s,
		retention: retention,
		interval:  interval,
		logger:    logging.WithOperation(logging.WithComponent(logger, "store"), "sweep"),
	}
}

// OnSweep registers a callback invoked after each sweep.
func (sw *Sweeper) OnSweep(fn SweepFunc) {
	sw.onSweep = fn
}

// Run sweeps every interval until ctx is cancelled. It always returns nil so
// that a failed sweep never tears down the process; failures are logged and
// retried on the next tick.
func (sw *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.logger.Info("Sweeper started",
		"retention", sw.retention.String(),
		"interval", sw.interval.String())

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("Sweeper stopped")
			return nil
		case <-ticker.C:
			sw.SweepOnce(ctx)
		}
	}
}

// SweepOnce runs one sweep and returns the number of removed records.
func (sw *Sweeper) SweepOnce(ctx context.Context) int {
	start := time.Now()
	removed, err := sw.store.Sweep(ctx, sw.retention)
	duration := time.Since(start)

	switch {
	case err != nil:
		sw.logger.Error("Sweep failed", "removed", removed, logging.Err(err))
	case removed > 0:
		sw.logger.Info("Swept expired records", "removed", removed, "duration", duration.String())
	default:
		sw.logger.Debug("Sweep found nothing to remove", "duration", duration.String())
	}

	if sw.onSweep != nil {
		sw.onSweep(removed, duration, err)
	}
	return removed
}
