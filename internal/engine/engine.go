package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"researchline/internal/config"
	"researchline/internal/domain"
	"researchline/internal/events"
	"researchline/internal/logging"
	"researchline/internal/metrics"
	"researchline/internal/progress"
	"researchline/internal/projection"
	"researchline/internal/repo"
	"researchline/internal/stage"
)

// ErrQuotaExceeded rejects a task that would exceed the owner's window quota.
var ErrQuotaExceeded = errors.New("task quota exceeded")

// ValidationError rejects task creation input. The task is never created.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ProjectionSyncer mirrors a committed task version into the read model.
type ProjectionSyncer interface {
	Sync(ctx context.Context, t domain.ResearchTask) error
}

// QuotaStore is a shared counter store with expiring windows.
type QuotaStore interface {
	IncrementCounter(ctx context.Context, key string, window time.Duration, now time.Time) (int, error)
	PurgeExpiredCounters(ctx context.Context, now time.Time) (int64, error)
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Stages     stage.Executors
	Projection ProjectionSyncer
	Quota      QuotaStore
	Config     *config.Config
	Logger     *zap.Logger
	Now        func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:         db,
		Repo:       r,
		Events:     events.Writer{DB: db},
		Projection: projection.Syncer{Repo: r},
		Quota:      r,
		Config:     cfg,
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *zap.Logger { return logging.OrNop(e.Logger) }

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.now
	}
	return w
}

// CreateTaskOptions are the immutable inputs of a research task.
type CreateTaskOptions struct {
	ID             string
	OwnerID        string
	Title          string
	Description    string
	ClarifiedScope string
	Parameters     map[string]any
	Messages       []domain.ChatMessage
}

var messageRoles = map[string]bool{"user": true, "assistant": true, "system": true}

func validateCreate(opts CreateTaskOptions) error {
	if strings.TrimSpace(opts.OwnerID) == "" {
		return &ValidationError{Field: "owner_id", Reason: "is required"}
	}
	if strings.TrimSpace(opts.ClarifiedScope) == "" {
		return &ValidationError{Field: "clarified_scope", Reason: "must not be empty"}
	}
	if opts.Parameters == nil {
		return &ValidationError{Field: "parameters", Reason: "must be an object"}
	}
	for i, m := range opts.Messages {
		if !messageRoles[m.Role] {
			return &ValidationError{Field: fmt.Sprintf("messages[%d].role", i), Reason: "must be user, assistant or system"}
		}
	}
	return nil
}

const maxDerivedTitle = 80

func deriveTitle(scope string) string {
	scope = strings.Join(strings.Fields(scope), " ")
	if r := []rune(scope); len(r) > maxDerivedTitle {
		return string(r[:maxDerivedTitle]) + "…"
	}
	return scope
}

func (e Engine) checkQuota(ctx context.Context, ownerID string) error {
	if e.Config == nil || e.Quota == nil || e.Config.Quota.MaxTasksPerWindow <= 0 {
		return nil
	}
	n, err := e.Quota.IncrementCounter(ctx, "tasks:"+ownerID, e.Config.Quota.Window, e.now())
	if err != nil {
		return fmt.Errorf("quota: %w", err)
	}
	if n > e.Config.Quota.MaxTasksPerWindow {
		return ErrQuotaExceeded
	}
	return nil
}

// CreateTask stores a new running task with no plan.
func (e Engine) CreateTask(ctx context.Context, opts CreateTaskOptions) (domain.ResearchTask, error) {
	if err := validateCreate(opts); err != nil {
		return domain.ResearchTask{}, err
	}
	if err := e.checkQuota(ctx, opts.OwnerID); err != nil {
		return domain.ResearchTask{}, err
	}
	id := opts.ID
	if id == "" {
		id = uuid.NewString()
	}
	title := strings.TrimSpace(opts.Title)
	if title == "" {
		title = deriveTitle(opts.ClarifiedScope)
	}
	msgs := opts.Messages
	if msgs == nil {
		msgs = []domain.ChatMessage{}
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.ResearchTask{
		ID:             id,
		OwnerID:        opts.OwnerID,
		Title:          title,
		Description:    opts.Description,
		ClarifiedScope: strings.TrimSpace(opts.ClarifiedScope),
		Parameters:     opts.Parameters,
		Messages:       msgs,
		Status:         domain.StatusRunning,
		BatchAnalyses:  map[string]domain.Analysis{},
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ResearchTask{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.ResearchTask{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.TaskCreated, "task", t.ID, t.OwnerID, events.EventPayload{
		"title": t.Title,
	}); err != nil {
		return domain.ResearchTask{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ResearchTask{}, err
	}
	e.syncProjection(ctx, t)
	return t, nil
}

// Snapshot attaches derived progress to a task.
func Snapshot(t domain.ResearchTask) domain.TaskSnapshot {
	st := progress.Report(t)
	return domain.TaskSnapshot{ResearchTask: t, Progress: st.Progress, StatusMessage: st.Message}
}

// StatusOf is the poll view of a snapshot.
func StatusOf(s domain.TaskSnapshot) domain.TaskStatus {
	return domain.TaskStatus{
		TaskID:        s.ID,
		Status:        s.Status,
		Progress:      s.Progress,
		StatusMessage: s.StatusMessage,
		ReportReady:   s.FinalReport != nil,
		ErrorMessage:  s.ErrorMessage,
		UpdatedAt:     s.UpdatedAt,
	}
}

// Advance runs at most one stage for a running task and commits it behind the
// version guard. A result that loses the race is dropped and the current
// state returned; terminal tasks are returned untouched.
func (e Engine) Advance(ctx context.Context, id string) (domain.TaskSnapshot, error) {
	task, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.TaskSnapshot{}, err
	}
	if task.Terminal() {
		return Snapshot(task), nil
	}
	expected := task.Version
	step := NextStep(task)

	next, evts := e.execute(ctx, task, step)
	next.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	if err := e.commit(ctx, &next, expected, evts); err != nil {
		if !errors.Is(err, repo.ErrConflict) {
			return domain.TaskSnapshot{}, err
		}
		metrics.AdvanceConflicts.Inc()
		e.logger().Debug("stage result discarded",
			zap.String("task_id", id),
			zap.String("step", step.String()),
			zap.Int64("expected_version", expected))
		cur, err := e.Repo.GetTask(ctx, id)
		if err != nil {
			return domain.TaskSnapshot{}, err
		}
		return Snapshot(cur), nil
	}
	if next.Terminal() {
		metrics.TasksTerminal.WithLabelValues(next.Status).Inc()
	}
	e.syncProjection(ctx, next)
	return Snapshot(next), nil
}

type pendingEvent struct {
	typ     string
	payload events.EventPayload
}

// execute returns the task with this step's output applied, plus the events
// describing it. It never writes.
func (e Engine) execute(ctx context.Context, task domain.ResearchTask, step Step) (domain.ResearchTask, []pendingEvent) {
	log := e.logger().With(zap.String("task_id", task.ID), zap.String("step", step.String()))
	start := time.Now()
	switch step.Kind {
	case StepPlan:
		plan, err := e.Stages.Plan(ctx, task)
		observe(stage.NamePlan, start, err)
		if err != nil {
			log.Warn("plan failed", zap.Error(err))
			return fail(task, stage.NamePlan, err)
		}
		task.Plan = &plan
		return task, []pendingEvent{{events.PlanCompleted, events.EventPayload{"sub_questions": len(plan.SubQuestions)}}}

	case StepAnalyze:
		sq, _ := findSubQuestion(task.Plan, step.SubQuestionID)
		a := e.Stages.Analyze(ctx, task, sq)
		outcome := "ok"
		evt := events.AnalysisCompleted
		if a.Degraded {
			outcome, evt = "degraded", events.AnalysisDegraded
		}
		metrics.StageExecutions.WithLabelValues(stage.NameAnalyze, outcome).Inc()
		metrics.StageDuration.WithLabelValues(stage.NameAnalyze).Observe(time.Since(start).Seconds())
		batch := make(map[string]domain.Analysis, len(task.BatchAnalyses)+1)
		for k, v := range task.BatchAnalyses {
			batch[k] = v
		}
		batch[sq.ID] = a
		task.BatchAnalyses = batch
		payload := events.EventPayload{"sub_question_id": sq.ID, "evidence_count": a.EvidenceCount}
		if a.Degraded {
			payload["reason"] = a.FailureReason
		}
		return task, []pendingEvent{{evt, payload}}

	case StepSynthesize:
		report, err := e.Stages.Synthesize(ctx, task)
		observe(stage.NameSynthesize, start, err)
		if err != nil {
			log.Warn("synthesis failed", zap.Error(err))
			return fail(task, stage.NameSynthesize, err)
		}
		report.Coverage = stage.Coverage(*task.Plan, task.BatchAnalyses)
		task.FinalReport = &report
		task.Status = domain.StatusCompleted
		task.ResultSummary = report.ExecutiveSummary
		return task, []pendingEvent{
			{events.SynthesisCompleted, events.EventPayload{
				"analyzed": len(report.Coverage.Analyzed),
				"degraded": len(report.Coverage.Degraded),
			}},
			{events.TaskCompleted, nil},
		}

	default:
		task.Status = domain.StatusCompleted
		if task.FinalReport != nil && task.ResultSummary == "" {
			task.ResultSummary = task.FinalReport.ExecutiveSummary
		}
		return task, []pendingEvent{{events.TaskCompleted, nil}}
	}
}

func observe(name string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	metrics.StageExecutions.WithLabelValues(name, outcome).Inc()
	metrics.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
}

func fail(task domain.ResearchTask, stageName string, err error) (domain.ResearchTask, []pendingEvent) {
	task.Status = domain.StatusFailed
	task.ErrorMessage = err.Error()
	task.FinalReport = nil
	return task, []pendingEvent{{events.TaskFailed, events.EventPayload{"stage": stageName, "error": task.ErrorMessage}}}
}

func (e Engine) commit(ctx context.Context, t *domain.ResearchTask, expected int64, evts []pendingEvent) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTaskIfVersion(ctx, tx, t, expected); err != nil {
		return err
	}
	w := e.events()
	for _, ev := range evts {
		if err := w.Append(ctx, tx, ev.typ, "task", t.ID, events.SystemActor, ev.payload); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// syncProjection is best-effort. The reconciler repairs any row it misses.
func (e Engine) syncProjection(ctx context.Context, t domain.ResearchTask) {
	if e.Projection == nil {
		return
	}
	if err := e.Projection.Sync(ctx, t); err != nil {
		e.logger().Debug("projection sync skipped", zap.String("task_id", t.ID), zap.Error(err))
	}
}

// Status advances a running task by one stage and returns its poll view. A
// task that fails during this call is reported, not returned as an error.
func (e Engine) Status(ctx context.Context, id string) (domain.TaskStatus, error) {
	snap, err := e.Advance(ctx, id)
	if err != nil {
		return domain.TaskStatus{}, err
	}
	return StatusOf(snap), nil
}

// Result returns the full snapshot without advancing.
func (e Engine) Result(ctx context.Context, id string) (domain.TaskSnapshot, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return domain.TaskSnapshot{}, err
	}
	return Snapshot(t), nil
}

func (e Engine) ListTasks(ctx context.Context, f repo.TaskFilters) ([]domain.TaskSnapshot, error) {
	tasks, err := e.Repo.ListTasks(ctx, f)
	if err != nil {
		return nil, err
	}
	out := make([]domain.TaskSnapshot, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, Snapshot(t))
	}
	return out, nil
}

// PurgeExpiredQuota drops counter windows that have ended.
func (e Engine) PurgeExpiredQuota(ctx context.Context) (int64, error) {
	if e.Quota == nil {
		return 0, nil
	}
	return e.Quota.PurgeExpiredCounters(ctx, e.now())
}
