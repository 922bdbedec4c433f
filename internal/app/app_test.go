package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"researchline/internal/config"
	"researchline/internal/domain"
	"researchline/internal/engine"
	"researchline/internal/llm"
)

func TestOpenWithoutProviders(t *testing.T) {
	ws := t.TempDir()
	cfg := config.Default()
	cfg.Log.Level = "error"
	rt, err := Open(context.Background(), ws, cfg, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()

	task, err := rt.Engine.CreateTask(context.Background(), engine.CreateTaskOptions{
		OwnerID:        "cli",
		ClarifiedScope: "founders selling to dentists",
		Parameters:     map[string]any{},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	st, err := rt.Engine.Status(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Status != domain.StatusFailed {
		t.Fatalf("expected unconfigured generation to fail the plan, got %+v", st)
	}
	if rt.Config.Generation.Provider != "none" {
		t.Fatalf("expected provider none, got %q", rt.Config.Generation.Provider)
	}
	if cfg.Generation.Provider != "anthropic" {
		t.Fatalf("caller config must not be mutated")
	}
}

func TestOpenRequiresProviderCredentials(t *testing.T) {
	cfg := config.Default()
	cfg.Generation.APIKey = ""
	if _, err := Open(context.Background(), t.TempDir(), cfg, true); err == nil {
		t.Fatalf("expected missing api key to fail")
	}
}

func TestNewEngineUsesDisabledGenerator(t *testing.T) {
	cfg := config.Default()
	cfg.Generation.Provider = "none"
	e, err := NewEngine(nil, cfg, nil)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	_, err = e.Stages.Generator.Complete(context.Background(), llm.Request{Schema: "x"})
	if !errors.Is(err, llm.ErrDisabled) {
		t.Fatalf("expected ErrDisabled, got %v", err)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yml")
	if err := os.WriteFile(path, []byte("quota:\n  max_tasks_per_window: 3\n  window: 10m\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadConfig(dir, path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Quota.MaxTasksPerWindow != 3 {
		t.Fatalf("expected quota 3, got %d", cfg.Quota.MaxTasksPerWindow)
	}
	def, err := LoadConfig(dir, "")
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if def.Quota.MaxTasksPerWindow != 0 {
		t.Fatalf("expected default quota, got %d", def.Quota.MaxTasksPerWindow)
	}
}
