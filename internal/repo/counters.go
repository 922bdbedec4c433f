package repo

import (
	"context"
	"fmt"
	"time"
)

// IncrementCounter bumps the fixed-window counter for key and returns the
// count including this call. Rows carry an expiry so the table can be purged.
func (r Repo) IncrementCounter(ctx context.Context, key string, window time.Duration, now time.Time) (int, error) {
	if window <= 0 {
		return 0, fmt.Errorf("counter window must be positive")
	}
	start := now.UTC().Truncate(window)
	expires := start.Add(window)
	var count int
	err := r.DB.QueryRowContext(ctx, `INSERT INTO quota_counters(key,window_start,count,expires_at) VALUES (?,?,1,?)
ON CONFLICT(key,window_start) DO UPDATE SET count=count+1
RETURNING count`, key, start.Format(time.RFC3339), expires.Format(time.RFC3339)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment counter %s: %w", key, err)
	}
	return count, nil
}

// PurgeExpiredCounters deletes windows that ended before now.
func (r Repo) PurgeExpiredCounters(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM quota_counters WHERE expires_at <= ?`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
