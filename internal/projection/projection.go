// Package projection mirrors task status into the legacy request table.
//
// The mirror is a read model. Writes after each advance are best-effort and
// the Reconciler repairs whatever they miss, always from the task record.
package projection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"researchline/internal/domain"
	"researchline/internal/logging"
	"researchline/internal/metrics"
	"researchline/internal/repo"
)

const (
	StateProcessing = "processing"
	StateDone       = "done"
	StateError      = "error"
)

// State maps a task status onto the legacy state vocabulary.
func State(status string) string {
	switch status {
	case domain.StatusCompleted:
		return StateDone
	case domain.StatusFailed:
		return StateError
	default:
		return StateProcessing
	}
}

// FromTask builds the mirror row for a task version.
func FromTask(t domain.ResearchTask) domain.Projection {
	topic := t.Title
	if topic == "" {
		topic = t.ClarifiedScope
	}
	summary := t.ResultSummary
	if t.Status == domain.StatusFailed {
		summary = t.ErrorMessage
	}
	return domain.Projection{
		RequestID:     t.ID,
		UserID:        t.OwnerID,
		Topic:         topic,
		State:         State(t.Status),
		Summary:       summary,
		SyncedVersion: t.Version,
		UpdatedAt:     t.UpdatedAt,
	}
}

type Syncer struct {
	Repo   repo.Repo
	Logger *zap.Logger
}

// Sync writes the mirror row. Failures are logged and counted here; callers
// on the advance path ignore the returned error.
func (s Syncer) Sync(ctx context.Context, t domain.ResearchTask) error {
	changed, err := s.Repo.UpsertProjection(ctx, FromTask(t))
	if err != nil {
		metrics.ProjectionSyncFailures.Inc()
		logging.OrNop(s.Logger).Warn("projection sync failed",
			zap.String("task_id", t.ID),
			zap.Int64("version", t.Version),
			zap.Error(err))
		return fmt.Errorf("sync projection for %s: %w", t.ID, err)
	}
	if !changed {
		logging.OrNop(s.Logger).Debug("projection already newer", zap.String("task_id", t.ID), zap.Int64("version", t.Version))
	}
	return nil
}

type Reconciler struct {
	Repo   repo.Repo
	Syncer Syncer
	Batch  int
	Logger *zap.Logger
}

// RunOnce rewrites every drifted row from the authoritative task and
// returns how many were repaired.
func (r Reconciler) RunOnce(ctx context.Context) (int, error) {
	ids, err := r.Repo.ListProjectionDrift(ctx, r.Batch)
	if err != nil {
		return 0, fmt.Errorf("list projection drift: %w", err)
	}
	repaired := 0
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		t, err := r.Repo.GetTask(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("load task %s: %w", id, err))
			continue
		}
		if err := r.Syncer.Sync(ctx, t); err != nil {
			errs = append(errs, err)
			continue
		}
		repaired++
		metrics.ProjectionRepairs.Inc()
	}
	if repaired > 0 {
		logging.OrNop(r.Logger).Info("projection reconciled", zap.Int("repaired", repaired), zap.Int("drifted", len(ids)))
	}
	return repaired, errors.Join(errs...)
}

// Run reconciles on every tick until ctx ends.
func (r Reconciler) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			logging.OrNop(r.Logger).Warn("projection reconcile failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
