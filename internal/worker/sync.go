package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/koyon-nft/internal/config"
)

// Source is the durable side the caches are rebuilt from
type Source interface {
	AllBalances(ctx context.Context) (map[string]int64, error)
	BetCounts(ctx context.Context) (map[string]int64, error)
}

// Target is the cache being rebuilt
type Target interface {
	ReplacePoints(ctx context.Context, totals map[string]int64) error
	SetBetCounts(ctx context.Context, counts map[string]int64) error
}

// SyncWorker periodically rebuilds the Redis points board and bet counts
// from the durable store
type SyncWorker struct {
	source  Source
	target  Target
	config  *config.SyncConfig
	logger  *slog.Logger
	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewSyncWorker creates a new sync worker
func NewSyncWorker(
	source Source,
	target Target,
	cfg *config.SyncConfig,
	logger *slog.Logger,
) *SyncWorker {
	return &SyncWorker{
		source: source,
		target: target,
		config: cfg,
		logger: logger.With(slog.String("component", "sync_worker")),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start begins the background sync process
func (w *SyncWorker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.logger.Info("sync worker started", "interval", w.config.Interval)

	go w.run(ctx)
	return nil
}

// Stop stops the background sync process
func (w *SyncWorker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	w.mu.Lock()
	w.running = false
	w.mu.Unlock()

	w.logger.Info("sync worker stopped")
	return nil
}

// run is the main worker loop
func (w *SyncWorker) run(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.RunOnce(ctx); err != nil {
				w.logger.Error("sync cycle failed", "error", err)
			}
		}
	}
}

// RunOnce rebuilds both caches. It is also called at startup.
func (w *SyncWorker) RunOnce(ctx context.Context) error {
	startTime := time.Now()

	totals, err := w.source.AllBalances(ctx)
	if err != nil {
		return fmt.Errorf("loading balances: %w", err)
	}
	if err := w.target.ReplacePoints(ctx, totals); err != nil {
		return fmt.Errorf("rebuilding points board: %w", err)
	}

	counts, err := w.source.BetCounts(ctx)
	if err != nil {
		return fmt.Errorf("loading bet counts: %w", err)
	}
	if err := w.target.SetBetCounts(ctx, counts); err != nil {
		return fmt.Errorf("rebuilding bet counts: %w", err)
	}

	w.logger.Info("sync cycle completed",
		"duration", time.Since(startTime),
		"balances", len(totals),
	)
	return nil
}
