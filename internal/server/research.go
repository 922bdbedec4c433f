package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/danielgtaylor/huma/v2"

	"researchline/internal/domain"
	"researchline/internal/engine"
	"researchline/internal/repo"
)

// ownedTask loads a task for the caller. Another owner's task is reported as
// missing so ids do not leak.
func ownedTask(ctx context.Context, e engine.Engine, taskID string) (domain.ResearchTask, error) {
	ownerID, authErr := ownerIDFromContext(ctx)
	if authErr != nil {
		return domain.ResearchTask{}, authErr
	}
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.ResearchTask{}, err
	}
	if t.OwnerID != ownerID {
		return domain.ResearchTask{}, repo.ErrNotFound
	}
	return t, nil
}

func registerResearchTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-research-task",
		Method:        http.MethodPost,
		Path:          "/research-tasks",
		Summary:       "Submit a research brief",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusTooManyRequests,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateResearchTaskRequest `json:"body"`
	}) (*struct {
		Body CreateResearchTaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if raw, ok := rawBodyMap(ctx)["parameters"]; !ok || isNullRaw(raw) {
			return nil, handleError(&engine.ValidationError{Field: "parameters", Reason: "must be an object"})
		}
		t, err := e.CreateTask(ctx, engine.CreateTaskOptions{
			OwnerID:        ownerID,
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			ClarifiedScope: input.Body.ClarifiedScope,
			Parameters:     input.Body.Parameters,
			Messages:       input.Body.Messages,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateResearchTaskResponse `json:"body"`
		}{Body: CreateResearchTaskResponse{TaskID: t.ID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-research-tasks",
		Method:      http.MethodGet,
		Path:        "/research-tasks",
		Summary:     "List the caller's research tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"running,completed,failed,"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		ownerID, authErr := ownerIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListTasks(ctx, repo.TaskFilters{
			OwnerID:         ownerID,
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []TaskSummaryResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit-1].CreatedAt, items[limit-1].ID)
			items = items[:limit]
		}
		resp.Items = mapTaskSummaries(items)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-research-task-status",
		Method:      http.MethodGet,
		Path:        "/research-tasks/{task_id}/status",
		Summary:     "Poll status, advancing the task by at most one stage",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.TaskStatus `json:"body"`
	}, error) {
		if _, err := ownedTask(ctx, e, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		st, err := e.Status(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskStatus `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-research-task",
		Method:      http.MethodGet,
		Path:        "/research-tasks/{task_id}",
		Summary:     "Get the full task snapshot",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.TaskSnapshot `json:"body"`
	}, error) {
		t, err := ownedTask(ctx, e, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskSnapshot `json:"body"`
		}{Body: engine.Snapshot(t)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-research-task-events",
		Method:      http.MethodGet,
		Path:        "/research-tasks/{task_id}/events",
		Summary:     "List a task's events, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := ownedTask(ctx, e, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			Type:       input.Type,
			EntityKind: "task",
			EntityID:   input.TaskID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
