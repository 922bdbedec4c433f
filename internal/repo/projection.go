package repo

import (
	"context"
	"database/sql"

	"researchline/internal/domain"
)

// UpsertProjection writes the legacy mirror row. A row already synced from a
// newer task version is left alone; the returned bool reports whether the
// row changed.
func (r Repo) UpsertProjection(ctx context.Context, p domain.Projection) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO legacy_research_requests(request_id,user_id,topic,state,summary,synced_version,updated_at)
VALUES (?,?,?,?,?,?,?)
ON CONFLICT(request_id) DO UPDATE SET
  user_id=excluded.user_id,
  topic=excluded.topic,
  state=excluded.state,
  summary=excluded.summary,
  synced_version=excluded.synced_version,
  updated_at=excluded.updated_at
WHERE legacy_research_requests.synced_version < excluded.synced_version`,
		p.RequestID, p.UserID, p.Topic, p.State, nullable(p.Summary), p.SyncedVersion, p.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) GetProjection(ctx context.Context, requestID string) (domain.Projection, error) {
	var p domain.Projection
	var summary sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT request_id,user_id,topic,state,summary,synced_version,updated_at FROM legacy_research_requests WHERE request_id=?`, requestID).
		Scan(&p.RequestID, &p.UserID, &p.Topic, &p.State, &summary, &p.SyncedVersion, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.Summary = summary.String
	return p, err
}

// ListProjectionDrift returns ids of tasks whose mirror row is missing or
// older than the task itself.
func (r Repo) ListProjectionDrift(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT t.id FROM research_tasks t
LEFT JOIN legacy_research_requests p ON p.request_id = t.id
WHERE p.request_id IS NULL OR p.synced_version < t.version
ORDER BY t.updated_at ASC, t.id ASC
LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
