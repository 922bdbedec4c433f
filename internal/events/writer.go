package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	TaskCreated        = "task.created"
	PlanCompleted      = "stage.plan.completed"
	AnalysisCompleted  = "stage.analyze.completed"
	AnalysisDegraded   = "stage.analyze.degraded"
	SynthesisCompleted = "stage.synthesize.completed"
	TaskCompleted      = "task.completed"
	TaskFailed         = "task.failed"
)

// SystemActor is recorded for writes made by the orchestrator itself.
const SystemActor = "orchestrator"

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append records an event inside the caller's transaction so the log never
// disagrees with the state it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = SystemActor
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
