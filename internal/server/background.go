package server

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"researchline/internal/engine"
	"researchline/internal/logging"
	"researchline/internal/projection"
)

const defaultQuotaPurgeInterval = 10 * time.Minute

// StartBackground launches the optional advancer, the projection reconciler
// and the quota purge loop. The returned WaitGroup is done once ctx ends and
// every loop has returned.
func StartBackground(ctx context.Context, e engine.Engine) *sync.WaitGroup {
	var wg sync.WaitGroup
	if e.Config == nil {
		return &wg
	}
	log := logging.OrNop(e.Logger)
	cfg := e.Config

	if cfg.Orchestrator.TickInterval > 0 {
		ticker := engine.Ticker{
			Engine:      e,
			Concurrency: cfg.Orchestrator.TickConcurrency,
			Batch:       cfg.Orchestrator.TickBatch,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info("background advancer started", zap.Duration("interval", cfg.Orchestrator.TickInterval))
			ticker.Run(ctx, cfg.Orchestrator.TickInterval)
		}()
	}

	if cfg.Projection.ReconcileInterval > 0 {
		rec := projection.Reconciler{
			Repo:   e.Repo,
			Syncer: projection.Syncer{Repo: e.Repo, Logger: e.Logger},
			Batch:  cfg.Projection.ReconcileBatch,
			Logger: e.Logger,
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec.Run(ctx, cfg.Projection.ReconcileInterval)
		}()
	}

	if cfg.Quota.MaxTasksPerWindow > 0 {
		interval := cfg.Quota.Window
		if interval <= 0 || interval > defaultQuotaPurgeInterval {
			interval = defaultQuotaPurgeInterval
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			runQuotaPurge(ctx, e, interval, log)
		}()
	}
	return &wg
}

func runQuotaPurge(ctx context.Context, e engine.Engine, interval time.Duration, log *zap.Logger) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		n, err := e.PurgeExpiredQuota(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("quota purge failed", zap.Error(err))
			}
			continue
		}
		if n > 0 {
			log.Debug("quota windows purged", zap.Int64("count", n))
		}
	}
}
