package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"researchline/internal/config"
	"researchline/internal/db"
	"researchline/internal/domain"
	"researchline/internal/engine"
	"researchline/internal/events"
	"researchline/internal/llm"
	"researchline/internal/migrate"
	"researchline/internal/projection"
	"researchline/internal/repo"
	"researchline/internal/retrieval"
	"researchline/internal/stage"
)

type testEnv struct {
	Engine engine.Engine
	Gen    *llm.Scripted
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Logger = zaptest.NewLogger(t)
	gen := llm.NewScripted()
	eng.Stages = stage.Executors{
		Generator:   gen,
		Retriever:   retrieval.Static{{Text: "I launched on Reddit and got 3 signups", Source: "reddit"}},
		Timeouts:    stage.Timeouts{Generation: time.Second, Retrieval: time.Second},
		MaxSnippets: 25,
		Logger:      eng.Logger,
	}
	return testEnv{Engine: eng, Gen: gen, Ctx: context.Background()}
}

func planJSON(ids ...string) string {
	var parts []string
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf(`{"id":%q,"question":"What about %s?","rationale":"r","priority":"medium"}`, id, id))
	}
	return `{"plan_summary":"Map the indie hacker audience","sub_questions":[` + strings.Join(parts, ",") +
		`],"data_sources":["reddit"],"collection_strategy":"search","analysis_focus":"pain points"}`
}

const (
	analysisJSON = `{"insight_summary":"Distribution is the main pain","patterns":[{"pattern":"launch fatigue","evidence_snippets":["3 signups"],"implication":"teach distribution"}],` +
		`"resonant_elements":{"hooks":["ship faster"],"phrases":[],"formats":[],"emotional_tones":[]}}`
	reportJSON = `{"executive_summary":"Indie hackers struggle with distribution.","next_steps":["interview 5 founders"],` +
		`"audience_snapshot":{"who_they_are":"solo founders"},"resonance_findings":[],"channel_and_format_insights":{"by_platform":[]},` +
		`"messaging_recommendations":{"core_narratives":[]},"objections_and_responses":[]}`
)

func (env testEnv) create(t *testing.T) domain.ResearchTask {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{
		OwnerID:        "user-1",
		Title:          "Indie hackers",
		ClarifiedScope: "audience of indie hackers on Reddit",
		Parameters:     map[string]any{"platforms": []any{"reddit"}},
		Messages:       []domain.ChatMessage{{Role: "user", Content: "who are indie hackers?"}},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func (env testEnv) status(t *testing.T, id string) domain.TaskStatus {
	t.Helper()
	st, err := env.Engine.Status(env.Ctx, id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	return st
}

func TestIndieHackersScenario(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.Add(stage.SchemaPlan, llm.ScriptedResponse{Text: planJSON("a", "b", "c")})
	env.Gen.Add(stage.SchemaAnalysis, llm.ScriptedResponse{Text: analysisJSON})
	env.Gen.Add(stage.SchemaReport, llm.ScriptedResponse{Text: reportJSON})
	task := env.create(t)

	st := env.status(t, task.ID)
	if st.Status != domain.StatusRunning || st.Progress != 10 {
		t.Fatalf("after plan: %+v", st)
	}
	want := []int{33, 56, 80}
	for i, p := range want {
		st = env.status(t, task.ID)
		if st.Progress != p {
			t.Fatalf("analyze poll %d: progress %d want %d", i+1, st.Progress, p)
		}
	}
	if st.StatusMessage != "Synthesizing final report…" {
		t.Fatalf("unexpected message %q", st.StatusMessage)
	}
	st = env.status(t, task.ID)
	if st.Status != domain.StatusCompleted || st.Progress != 100 || !st.ReportReady {
		t.Fatalf("after synthesize: %+v", st)
	}
	if st.StatusMessage != "Research completed." {
		t.Fatalf("unexpected message %q", st.StatusMessage)
	}
	if got := env.Gen.Calls(""); got != 3+2 {
		t.Fatalf("expected N+2=5 stage calls, got %d", got)
	}

	res, err := env.Engine.Result(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.FinalReport == nil || len(res.FinalReport.Coverage.Analyzed) != 3 || len(res.FinalReport.Coverage.Degraded) != 0 {
		t.Fatalf("unexpected report: %+v", res.FinalReport)
	}
	if res.ResultSummary != "Indie hackers struggle with distribution." {
		t.Fatalf("result summary %q", res.ResultSummary)
	}
	if res.Version != 1+5 {
		t.Fatalf("expected version 6, got %d", res.Version)
	}
}

func TestTerminalTaskIsFrozen(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.Add(stage.SchemaPlan, llm.ScriptedResponse{Text: planJSON("a")})
	env.Gen.Add(stage.SchemaAnalysis, llm.ScriptedResponse{Text: analysisJSON})
	env.Gen.Add(stage.SchemaReport, llm.ScriptedResponse{Text: reportJSON})
	task := env.create(t)
	for i := 0; i < 3; i++ {
		env.status(t, task.ID)
	}

	var first []byte
	for i := 0; i < 3; i++ {
		snap, err := env.Engine.Advance(env.Ctx, task.ID)
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
		if snap.Status != domain.StatusCompleted {
			t.Fatalf("expected completed, got %s", snap.Status)
		}
		b, err := json.Marshal(snap)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if first == nil {
			first = b
			continue
		}
		if string(b) != string(first) {
			t.Fatalf("terminal snapshot changed:\n%s\n%s", first, b)
		}
	}
	if got := env.Gen.Calls(""); got != 3 {
		t.Fatalf("terminal advance called the generator: %d calls", got)
	}
}

func TestPlanNotJSONFailsTask(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.Add(stage.SchemaPlan, llm.ScriptedResponse{Text: "Sure! Here are some ideas about Reddit."})
	task := env.create(t)

	for i := 0; i < 3; i++ {
		st := env.status(t, task.ID)
		if st.Status != domain.StatusFailed || st.ErrorMessage == "" {
			t.Fatalf("poll %d: %+v", i, st)
		}
		if st.StatusMessage != "Research failed." || st.Progress != 0 || st.ReportReady {
			t.Fatalf("poll %d: %+v", i, st)
		}
	}
	res, _ := env.Engine.Result(env.Ctx, task.ID)
	if res.Plan != nil {
		t.Fatalf("failed plan must not be stored")
	}
	if got := env.Gen.Calls(stage.SchemaPlan); got != 1 {
		t.Fatalf("plan must not be retried, got %d calls", got)
	}
	n, err := env.Engine.Repo.CountEvents(env.Ctx, task.ID, events.TaskFailed)
	if err != nil || n != 1 {
		t.Fatalf("expected one task.failed event, got %d (%v)", n, err)
	}
}

func TestAnalyzeTimeoutDegrades(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Stages.Timeouts.Generation = 50 * time.Millisecond
	block := make(chan struct{})
	defer close(block)
	env.Gen.Add(stage.SchemaPlan, llm.ScriptedResponse{Text: planJSON("a", "b", "c")})
	env.Gen.Add(stage.SchemaAnalysis,
		llm.ScriptedResponse{Text: analysisJSON},
		llm.ScriptedResponse{Text: analysisJSON, Block: block},
		llm.ScriptedResponse{Text: analysisJSON},
	)
	env.Gen.Add(stage.SchemaReport, llm.ScriptedResponse{Text: reportJSON})
	task := env.create(t)

	var st domain.TaskStatus
	for i := 0; i < 5; i++ {
		st = env.status(t, task.ID)
	}
	if st.Status != domain.StatusCompleted {
		t.Fatalf("expected completed, got %+v", st)
	}
	res, _ := env.Engine.Result(env.Ctx, task.ID)
	if len(res.BatchAnalyses) != 3 {
		t.Fatalf("expected 3 analyses, got %d", len(res.BatchAnalyses))
	}
	b := res.BatchAnalyses["b"]
	if !b.Degraded || len(b.Patterns) != 0 || !strings.Contains(b.FailureReason, "timed out") {
		t.Fatalf("expected degraded b, got %+v", b)
	}
	cov := res.FinalReport.Coverage
	if strings.Join(cov.Analyzed, ",") != "a,c" {
		t.Fatalf("analyzed coverage %v", cov.Analyzed)
	}
	if len(cov.Degraded) != 1 || cov.Degraded[0].SubQuestionID != "b" || cov.Degraded[0].Note == "" {
		t.Fatalf("degraded coverage %+v", cov.Degraded)
	}
	n, _ := env.Engine.Repo.CountEvents(env.Ctx, task.ID, events.AnalysisDegraded)
	if n != 1 {
		t.Fatalf("expected one degraded event, got %d", n)
	}
}

func TestSynthesizeFailureKeepsPartialState(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.Add(stage.SchemaPlan, llm.ScriptedResponse{Text: planJSON("a", "b")})
	env.Gen.Add(stage.SchemaAnalysis, llm.ScriptedResponse{Text: analysisJSON})
	env.Gen.Add(stage.SchemaReport, llm.ScriptedResponse{Err: errors.New("upstream 529")})
	task := env.create(t)

	var st domain.TaskStatus
	for i := 0; i < 4; i++ {
		st = env.status(t, task.ID)
	}
	if st.Status != domain.StatusFailed || st.Progress != 80 || st.ReportReady {
		t.Fatalf("unexpected status %+v", st)
	}
	if !strings.Contains(st.ErrorMessage, "upstream 529") {
		t.Fatalf("error message %q", st.ErrorMessage)
	}
	res, _ := env.Engine.Result(env.Ctx, task.ID)
	if res.Plan == nil || len(res.BatchAnalyses) != 2 || res.FinalReport != nil {
		t.Fatalf("partial state not preserved: %+v", res)
	}
}

func TestConcurrentPlanRace(t *testing.T) {
	env := newTestEnv(t)
	release := make(chan struct{})
	env.Gen.Add(stage.SchemaPlan,
		llm.ScriptedResponse{Text: planJSON("a", "b", "c"), Block: release},
		llm.ScriptedResponse{Text: planJSON("x", "y", "z"), Block: release},
	)
	task := env.create(t)

	var wg sync.WaitGroup
	snaps := make([]domain.TaskSnapshot, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snaps[i], errs[i] = env.Engine.Advance(env.Ctx, task.ID)
		}(i)
	}
	deadline := time.Now().Add(5 * time.Second)
	for env.Gen.Calls(stage.SchemaPlan) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("both advances did not reach the generator")
		}
		time.Sleep(5 * time.Millisecond)
	}
	close(release)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("advance %d: %v", i, err)
		}
	}
	res, _ := env.Engine.Result(env.Ctx, task.ID)
	if res.Plan == nil {
		t.Fatalf("no plan persisted")
	}
	if res.Version != 2 {
		t.Fatalf("expected exactly one write, version %d", res.Version)
	}
	for i, s := range snaps {
		if s.Plan == nil || s.Plan.SubQuestions[0].ID != res.Plan.SubQuestions[0].ID {
			t.Fatalf("advance %d returned a plan that was not persisted", i)
		}
	}
	n, _ := env.Engine.Repo.CountEvents(env.Ctx, task.ID, events.PlanCompleted)
	if n != 1 {
		t.Fatalf("expected one plan event, got %d", n)
	}
}

func TestNextStep(t *testing.T) {
	plan := &domain.Plan{SubQuestions: []domain.SubQuestion{{ID: "a"}, {ID: "b"}}}
	cases := []struct {
		name string
		task domain.ResearchTask
		want string
	}{
		{"plan", domain.ResearchTask{Status: domain.StatusRunning}, "plan"},
		{"first missing in plan order", domain.ResearchTask{Status: domain.StatusRunning, Plan: plan,
			BatchAnalyses: map[string]domain.Analysis{"b": {}}}, "analyze:a"},
		{"synthesize", domain.ResearchTask{Status: domain.StatusRunning, Plan: plan,
			BatchAnalyses: map[string]domain.Analysis{"a": {}, "b": {}}}, "synthesize"},
		{"complete", domain.ResearchTask{Status: domain.StatusRunning, Plan: plan,
			BatchAnalyses: map[string]domain.Analysis{"a": {}, "b": {}}, FinalReport: &domain.FinalReport{}}, "complete"},
		{"terminal", domain.ResearchTask{Status: domain.StatusFailed}, "none"},
	}
	for _, tc := range cases {
		if got := engine.NextStep(tc.task).String(); got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name  string
		opts  engine.CreateTaskOptions
		field string
	}{
		{"empty scope", engine.CreateTaskOptions{OwnerID: "u", ClarifiedScope: "   ", Parameters: map[string]any{}}, "clarified_scope"},
		{"nil parameters", engine.CreateTaskOptions{OwnerID: "u", ClarifiedScope: "x"}, "parameters"},
		{"no owner", engine.CreateTaskOptions{ClarifiedScope: "x", Parameters: map[string]any{}}, "owner_id"},
		{"bad role", engine.CreateTaskOptions{OwnerID: "u", ClarifiedScope: "x", Parameters: map[string]any{},
			Messages: []domain.ChatMessage{{Role: "robot"}}}, "messages[0].role"},
	}
	for _, tc := range cases {
		_, err := env.Engine.CreateTask(env.Ctx, tc.opts)
		var ve *engine.ValidationError
		if !errors.As(err, &ve) || ve.Field != tc.field {
			t.Fatalf("%s: expected validation error on %s, got %v", tc.name, tc.field, err)
		}
	}
	tasks, err := env.Engine.ListTasks(env.Ctx, repo.TaskFilters{})
	if err != nil || len(tasks) != 0 {
		t.Fatalf("rejected tasks must not be stored: %d (%v)", len(tasks), err)
	}
}

func TestCreateTaskDefaults(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{
		OwnerID:        "u",
		ClarifiedScope: "  audience of   indie hackers  ",
		Parameters:     map[string]any{},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Title != "audience of indie hackers" || task.Version != 1 || task.Status != domain.StatusRunning {
		t.Fatalf("unexpected task %+v", task)
	}
	p, err := env.Engine.Repo.GetProjection(env.Ctx, task.ID)
	if err != nil || p.State != projection.StateProcessing {
		t.Fatalf("projection after create: %+v (%v)", p, err)
	}
}

func TestQuota(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Quota.MaxTasksPerWindow = 2
	env.Engine.Config.Quota.Window = time.Hour
	env.create(t)
	env.create(t)
	_, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{OwnerID: "user-1", ClarifiedScope: "x", Parameters: map[string]any{}})
	if !errors.Is(err, engine.ErrQuotaExceeded) {
		t.Fatalf("expected quota error, got %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.CreateTaskOptions{OwnerID: "user-2", ClarifiedScope: "x", Parameters: map[string]any{}}); err != nil {
		t.Fatalf("other owner must not share the quota: %v", err)
	}
	env.Engine.Now = func() time.Time { return time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC) }
	if n, err := env.Engine.PurgeExpiredQuota(env.Ctx); err != nil || n != 2 {
		t.Fatalf("purge: %d (%v)", n, err)
	}
}

type failingSyncer struct{ calls int }

func (f *failingSyncer) Sync(context.Context, domain.ResearchTask) error {
	f.calls++
	return errors.New("legacy store unavailable")
}

func TestProjectionFailureIsIgnoredAndReconciled(t *testing.T) {
	env := newTestEnv(t)
	fs := &failingSyncer{}
	env.Engine.Projection = fs
	env.Gen.Add(stage.SchemaPlan, llm.ScriptedResponse{Text: planJSON("a")})
	env.Gen.Add(stage.SchemaAnalysis, llm.ScriptedResponse{Text: analysisJSON})
	env.Gen.Add(stage.SchemaReport, llm.ScriptedResponse{Text: reportJSON})
	task := env.create(t)
	var st domain.TaskStatus
	for i := 0; i < 3; i++ {
		st = env.status(t, task.ID)
	}
	if st.Status != domain.StatusCompleted {
		t.Fatalf("projection failures must not affect the task: %+v", st)
	}
	if fs.calls != 4 {
		t.Fatalf("expected a sync attempt per write, got %d", fs.calls)
	}
	if _, err := env.Engine.Repo.GetProjection(env.Ctx, task.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no projection yet, got %v", err)
	}

	syncer := projection.Syncer{Repo: env.Engine.Repo}
	rec := projection.Reconciler{Repo: env.Engine.Repo, Syncer: syncer, Batch: 10}
	if n, err := rec.RunOnce(env.Ctx); err != nil || n != 1 {
		t.Fatalf("reconcile: %d (%v)", n, err)
	}
	p, err := env.Engine.Repo.GetProjection(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get projection: %v", err)
	}
	if p.State != projection.StateDone || p.SyncedVersion != 4 || p.Summary == "" {
		t.Fatalf("unexpected projection %+v", p)
	}
}

func TestAdvanceUnknownTask(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Advance(env.Ctx, "missing"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestTickerDrivesTasksToCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.Gen.Add(stage.SchemaPlan, llm.ScriptedResponse{Text: planJSON("a", "b")})
	env.Gen.Add(stage.SchemaAnalysis, llm.ScriptedResponse{Text: analysisJSON})
	env.Gen.Add(stage.SchemaReport, llm.ScriptedResponse{Text: reportJSON})
	t1 := env.create(t)
	t2 := env.create(t)

	tk := engine.Ticker{Engine: env.Engine, Concurrency: 2, Batch: 10}
	for i := 0; i < 4; i++ {
		n, err := tk.RunOnce(env.Ctx)
		if err != nil || n != 2 {
			t.Fatalf("tick %d: %d (%v)", i, n, err)
		}
	}
	if n, _ := tk.RunOnce(env.Ctx); n != 0 {
		t.Fatalf("expected no running tasks, got %d", n)
	}
	for _, id := range []string{t1.ID, t2.ID} {
		res, _ := env.Engine.Result(env.Ctx, id)
		if res.Status != domain.StatusCompleted {
			t.Fatalf("task %s: %s", id, res.Status)
		}
	}
	if got := env.Gen.Calls(""); got != 2*(2+2) {
		t.Fatalf("expected %d generator calls, got %d", 2*(2+2), got)
	}
}
