package researchlinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestCreateAndWait(t *testing.T) {
	var polls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/research-tasks", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var b Brief
		if err := json.NewDecoder(r.Body).Decode(&b); err != nil || b.Parameters == nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"task_id":"t1"}`))
	})
	mux.HandleFunc("GET /v1/research-tasks/t1/status", func(w http.ResponseWriter, r *http.Request) {
		n := polls.Add(1)
		st := Status{TaskID: "t1", Status: StatusRunning, Progress: int(n) * 10}
		if n == 3 {
			st.Status = StatusCompleted
			st.Progress = 100
			st.ReportReady = true
		}
		_ = json.NewEncoder(w).Encode(st)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	id, err := c.CreateTask(context.Background(), Brief{ClarifiedScope: "dentists"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if id != "t1" {
		t.Fatalf("unexpected id %q", id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := c.WaitForCompletion(ctx, id, time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if st.Status != StatusCompleted || !st.ReportReady || polls.Load() != 3 {
		t.Fatalf("unexpected final status %+v after %d polls", st, polls.Load())
	}
}

func TestAPIErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Owner-Id") != "alice" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":{"code":"not_found","message":"research task not found"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.OwnerID = "alice"
	_, err := c.Result(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	apiErr := err.(*APIError)
	if apiErr.Code != "not_found" || apiErr.Message != "research task not found" {
		t.Fatalf("unexpected envelope decode: %+v", apiErr)
	}
}
