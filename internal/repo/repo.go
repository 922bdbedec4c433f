package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"researchline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrConflict reports that a conditional write found the row changed since it
// was read.
var ErrConflict = errors.New("concurrent update conflict")

const taskColumns = `id,owner_id,title,description,clarified_scope,parameters_json,messages_json,status,plan_json,batch_analyses_json,final_report_json,result_summary,error_message,version,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.ResearchTask, error) {
	var t domain.ResearchTask
	var description, planJSON, reportJSON, summary, errMsg sql.NullString
	var paramsJSON, messagesJSON, batchJSON string
	err := row.Scan(&t.ID, &t.OwnerID, &t.Title, &description, &t.ClarifiedScope, &paramsJSON, &messagesJSON, &t.Status,
		&planJSON, &batchJSON, &reportJSON, &summary, &errMsg, &t.Version, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Description = description.String
	t.ResultSummary = summary.String
	t.ErrorMessage = errMsg.String
	if err := json.Unmarshal([]byte(paramsJSON), &t.Parameters); err != nil {
		return t, fmt.Errorf("decode parameters for task %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(messagesJSON), &t.Messages); err != nil {
		return t, fmt.Errorf("decode messages for task %s: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(batchJSON), &t.BatchAnalyses); err != nil {
		return t, fmt.Errorf("decode batch analyses for task %s: %w", t.ID, err)
	}
	if planJSON.Valid && planJSON.String != "" {
		var p domain.Plan
		if err := json.Unmarshal([]byte(planJSON.String), &p); err != nil {
			return t, fmt.Errorf("decode plan for task %s: %w", t.ID, err)
		}
		t.Plan = &p
	}
	if reportJSON.Valid && reportJSON.String != "" {
		var fr domain.FinalReport
		if err := json.Unmarshal([]byte(reportJSON.String), &fr); err != nil {
			return t, fmt.Errorf("decode final report for task %s: %w", t.ID, err)
		}
		t.FinalReport = &fr
	}
	if t.Parameters == nil {
		t.Parameters = map[string]any{}
	}
	if t.Messages == nil {
		t.Messages = []domain.ChatMessage{}
	}
	if t.BatchAnalyses == nil {
		t.BatchAnalyses = map[string]domain.Analysis{}
	}
	return t, nil
}

type encodedTask struct {
	params, messages, batch string
	plan, report            any
}

func encodeTask(t domain.ResearchTask) (encodedTask, error) {
	var enc encodedTask
	params := t.Parameters
	if params == nil {
		params = map[string]any{}
	}
	b, err := json.Marshal(params)
	if err != nil {
		return enc, fmt.Errorf("encode parameters: %w", err)
	}
	enc.params = string(b)
	msgs := t.Messages
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	if b, err = json.Marshal(msgs); err != nil {
		return enc, fmt.Errorf("encode messages: %w", err)
	}
	enc.messages = string(b)
	batch := t.BatchAnalyses
	if batch == nil {
		batch = map[string]domain.Analysis{}
	}
	if b, err = json.Marshal(batch); err != nil {
		return enc, fmt.Errorf("encode batch analyses: %w", err)
	}
	enc.batch = string(b)
	if t.Plan != nil {
		if b, err = json.Marshal(t.Plan); err != nil {
			return enc, fmt.Errorf("encode plan: %w", err)
		}
		enc.plan = string(b)
	}
	if t.FinalReport != nil {
		if b, err = json.Marshal(t.FinalReport); err != nil {
			return enc, fmt.Errorf("encode final report: %w", err)
		}
		enc.report = string(b)
	}
	return enc, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.ResearchTask) error {
	enc, err := encodeTask(t)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO research_tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.OwnerID, t.Title, nullable(t.Description), t.ClarifiedScope, enc.params, enc.messages, t.Status,
		enc.plan, enc.batch, enc.report, nullable(t.ResultSummary), nullable(t.ErrorMessage), t.Version, t.CreatedAt, t.UpdatedAt)
	return err
}

// UpdateTaskIfVersion writes the mutable columns of t only if the stored row
// is still running at expectedVersion. Inputs (owner, scope, parameters,
// messages) are never rewritten. On success t.Version is the new version.
func (r Repo) UpdateTaskIfVersion(ctx context.Context, tx *sql.Tx, t *domain.ResearchTask, expectedVersion int64) error {
	enc, err := encodeTask(*t)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE research_tasks
SET status=?, plan_json=?, batch_analyses_json=?, final_report_json=?, result_summary=?, error_message=?, version=version+1, updated_at=?
WHERE id=? AND version=? AND status='running'`,
		t.Status, enc.plan, enc.batch, enc.report, nullable(t.ResultSummary), nullable(t.ErrorMessage), t.UpdatedAt,
		t.ID, expectedVersion)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	t.Version = expectedVersion + 1
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.ResearchTask, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM research_tasks WHERE id=?`, id))
}

type TaskFilters struct {
	OwnerID         string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.ResearchTask, error) {
	var clauses []string
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM research_tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ResearchTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListRunningTaskIDs returns running tasks, least recently updated first.
func (r Repo) ListRunningTaskIDs(ctx context.Context, limit int) ([]string, error) {
	query := `SELECT id FROM research_tasks WHERE status='running' ORDER BY updated_at ASC, id ASC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
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

func (r Repo) CountTasksByStatus(ctx context.Context, ownerID string) (map[string]int, error) {
	query := `SELECT status, COUNT(*) FROM research_tasks`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id=?`
		args = append(args, ownerID)
	}
	query += ` GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
