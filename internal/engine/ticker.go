package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Ticker advances running tasks in the background. It goes through Advance,
// so it shares the version guard with polling clients.
type Ticker struct {
	Engine      Engine
	Concurrency int
	Batch       int
}

// RunOnce advances each running task by one stage and returns how many were
// attempted.
func (t Ticker) RunOnce(ctx context.Context) (int, error) {
	ids, err := t.Engine.Repo.ListRunningTaskIDs(ctx, t.Batch)
	if err != nil {
		return 0, err
	}
	limit := t.Concurrency
	if limit <= 0 {
		limit = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, id := range ids {
		g.Go(func() error {
			if _, err := t.Engine.Advance(gctx, id); err != nil {
				t.Engine.logger().Warn("background advance failed", zap.String("task_id", id), zap.Error(err))
			}
			return nil
		})
	}
	return len(ids), g.Wait()
}

// Run ticks until ctx ends. A non-positive interval disables it.
func (t Ticker) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := t.RunOnce(ctx); err != nil && ctx.Err() == nil {
			t.Engine.logger().Warn("background tick failed", zap.Error(err))
		}
	}
}
