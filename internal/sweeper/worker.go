package sweeper

import (
	"context"
	"log/slog"
	"time"
)

// Cleaner deletes expired prediction cache rows and reports how many went away.
type Cleaner interface {
	CleanExpiredCache(ctx context.Context) int
}

// Worker periodically purges expired predictions.
type Worker struct {
	cleaner  Cleaner
	interval time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker. If interval is <= 0, it defaults to one hour.
func NewWorker(cleaner Cleaner, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Worker{
		cleaner:  cleaner,
		interval: interval,
		logger:   slog.Default(),
	}
}

// Run sweeps once immediately and then every interval until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() != nil {
			return
		}
		w.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs a single sweep and returns the number of deleted rows.
func (w *Worker) RunOnce(ctx context.Context) int {
	n := w.cleaner.CleanExpiredCache(ctx)
	if n > 0 {
		w.logger.Info("expired predictions removed", "count", n)
	} else {
		w.logger.Debug("cache sweep found nothing to remove")
	}
	return n
}
