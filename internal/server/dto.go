package server

import (
	"encoding/json"

	"researchline/internal/domain"
)

// Request payloads

type CreateResearchTaskRequest struct {
	Title          string               `json:"title,omitempty"`
	Description    string               `json:"description,omitempty"`
	ClarifiedScope string               `json:"clarified_scope" minLength:"1"`
	Parameters     map[string]any       `json:"parameters"`
	Messages       []domain.ChatMessage `json:"messages,omitempty"`
}

// Response payloads

type CreateResearchTaskResponse struct {
	TaskID string `json:"task_id"`
}

type TaskSummaryResponse struct {
	ID            string `json:"id"`
	Title         string `json:"title"`
	Status        string `json:"status" enum:"running,completed,failed"`
	Progress      int    `json:"progress"`
	StatusMessage string `json:"status_message"`
	ReportReady   bool   `json:"report_ready"`
	CreatedAt     string `json:"created_at" format:"date-time"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type HealthResponse struct {
	Status        string `json:"status"`
	SchemaVersion int    `json:"schema_version"`
}

type paginatedTasks struct {
	Items      []TaskSummaryResponse `json:"items"`
	NextCursor string                `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func taskSummaryResponse(s domain.TaskSnapshot) TaskSummaryResponse {
	return TaskSummaryResponse{
		ID:            s.ID,
		Title:         s.Title,
		Status:        s.Status,
		Progress:      s.Progress,
		StatusMessage: s.StatusMessage,
		ReportReady:   s.FinalReport != nil,
		CreatedAt:     s.CreatedAt,
		UpdatedAt:     s.UpdatedAt,
	}
}

func mapTaskSummaries(items []domain.TaskSnapshot) []TaskSummaryResponse {
	res := make([]TaskSummaryResponse, 0, len(items))
	for _, s := range items {
		res = append(res, taskSummaryResponse(s))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	out := map[string]any{}
	if raw == "" {
		return out
	}
	_ = json.Unmarshal([]byte(raw), &out)
	return out
}
