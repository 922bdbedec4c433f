// Package stage runs the Plan, Analyze and Synthesize units of work.
//
// Executors never touch storage. They turn task state plus external calls
// into the next increment of state and leave persistence to the engine.
package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"researchline/internal/domain"
	"researchline/internal/llm"
	"researchline/internal/logging"
	"researchline/internal/retrieval"
)

const (
	SchemaPlan     = "research_plan"
	SchemaAnalysis = "batch_analysis"
	SchemaReport   = "final_report"
)

const (
	NamePlan       = "plan"
	NameAnalyze    = "analyze"
	NameSynthesize = "synthesize"
)

// StageError is a Plan or Synthesize failure. It ends the task.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

type Timeouts struct {
	Generation time.Duration
	Retrieval  time.Duration
}

type Executors struct {
	Generator   llm.Generator
	Retriever   retrieval.Retriever
	Timeouts    Timeouts
	MaxSnippets int
	Logger      *zap.Logger
}

func (x Executors) logger() *zap.Logger { return logging.OrNop(x.Logger) }

func bounded(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Plan decomposes the brief into sub-questions. Any failure is a *StageError.
func (x Executors) Plan(ctx context.Context, task domain.ResearchTask) (domain.Plan, error) {
	payload, err := encodePayload(planPayload{
		Title:          task.Title,
		Description:    task.Description,
		ClarifiedScope: task.ClarifiedScope,
		Parameters:     task.Parameters,
		Messages:       task.Messages,
	})
	if err != nil {
		return domain.Plan{}, &StageError{Stage: NamePlan, Err: fmt.Errorf("encode payload: %w", err)}
	}
	callCtx, cancel := bounded(ctx, x.Timeouts.Generation)
	defer cancel()

	dropped := 0
	res := llm.Call[domain.Plan](callCtx, x.Generator, llm.Request{System: planSystemPrompt, Payload: payload, Schema: SchemaPlan},
		func(p *domain.Plan) []string {
			var diags []string
			dropped, diags = ValidatePlan(p)
			return diags
		})
	if !res.OK() {
		return domain.Plan{}, &StageError{Stage: NamePlan, Err: res.Err()}
	}
	if dropped > 0 {
		x.logger().Info("plan truncated",
			zap.String("task_id", task.ID),
			zap.Int("dropped", dropped),
			zap.Int("kept", MaxSubQuestions))
	}
	if n := len(res.Value.SubQuestions); n < MinSubQuestions {
		x.logger().Debug("plan below requested sub-question count", zap.String("task_id", task.ID), zap.Int("count", n))
	}
	return res.Value, nil
}

// Analyze answers one sub-question. It never fails: retrieval errors,
// generation errors and timeouts, and schema errors all produce a degraded
// analysis.
func (x Executors) Analyze(ctx context.Context, task domain.ResearchTask, sq domain.SubQuestion) domain.Analysis {
	log := x.logger().With(zap.String("task_id", task.ID), zap.String("sub_question_id", sq.ID))

	snippets, err := x.retrieve(ctx, task, sq)
	if err != nil {
		log.Warn("retrieval failed, degrading analysis", zap.Error(err))
		return DegradedAnalysis(sq.ID, fmt.Sprintf("evidence retrieval failed: %v", err))
	}
	if snippets == nil {
		snippets = []domain.Snippet{}
	}
	focus := ""
	if task.Plan != nil {
		focus = task.Plan.AnalysisFocus
	}
	payload, err := encodePayload(analyzePayload{
		ClarifiedScope: task.ClarifiedScope,
		AnalysisFocus:  focus,
		SubQuestion:    sq,
		Snippets:       snippets,
	})
	if err != nil {
		return DegradedAnalysis(sq.ID, fmt.Sprintf("encode payload: %v", err))
	}

	callCtx, cancel := bounded(ctx, x.Timeouts.Generation)
	defer cancel()
	res := llm.Call[domain.Analysis](callCtx, x.Generator, llm.Request{System: analyzeSystemPrompt, Payload: payload, Schema: SchemaAnalysis},
		func(a *domain.Analysis) []string { return ValidateAnalysis(a, sq.ID) })
	if !res.OK() {
		log.Warn("analysis failed, degrading", zap.Stringer("kind", res.Kind), zap.Error(res.Err()))
		d := DegradedAnalysis(sq.ID, res.Err().Error())
		d.EvidenceCount = len(snippets)
		return d
	}
	a := res.Value
	a.EvidenceCount = len(snippets)
	return a
}

func (x Executors) retrieve(ctx context.Context, task domain.ResearchTask, sq domain.SubQuestion) ([]domain.Snippet, error) {
	if x.Retriever == nil {
		return nil, nil
	}
	var sources []string
	if task.Plan != nil {
		sources = task.Plan.DataSources
	}
	rctx, cancel := bounded(ctx, x.Timeouts.Retrieval)
	defer cancel()
	snippets, err := x.Retriever.Retrieve(rctx, retrieval.Query{
		TaskID:        task.ID,
		SubQuestionID: sq.ID,
		SubQuestion:   sq.Question,
		Scope:         task.ClarifiedScope,
		Sources:       sources,
		Limit:         x.MaxSnippets,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(rctx.Err(), context.DeadlineExceeded) {
			return nil, &llm.ServiceError{Schema: "retrieval", Timeout: true, Err: err}
		}
		return nil, &llm.ServiceError{Schema: "retrieval", Err: err}
	}
	if x.MaxSnippets > 0 && len(snippets) > x.MaxSnippets {
		snippets = snippets[:x.MaxSnippets]
	}
	return snippets, nil
}

// DegradedAnalysis is the placeholder stored for a sub-question whose
// analysis could not be produced.
func DegradedAnalysis(subQuestionID, reason string) domain.Analysis {
	return domain.Analysis{
		SubQuestionID:      subQuestionID,
		InsightSummary:     "Analysis unavailable: " + reason,
		Patterns:           []domain.Pattern{},
		ResonantElements:   &domain.ResonantElements{Hooks: []string{}, Phrases: []string{}, Formats: []string{}, EmotionalTones: []string{}},
		ObjectionsAndFears: []string{},
		DesiresAndOutcomes: []string{},
		Degraded:           true,
		FailureReason:      reason,
	}
}

// Synthesize combines the plan and every analysis into the final report.
// Coverage is left for the caller to attach. Any failure is a *StageError.
func (x Executors) Synthesize(ctx context.Context, task domain.ResearchTask) (domain.FinalReport, error) {
	if task.Plan == nil {
		return domain.FinalReport{}, &StageError{Stage: NameSynthesize, Err: errors.New("task has no plan")}
	}
	analyses := make([]domain.Analysis, 0, len(task.Plan.SubQuestions))
	for _, sq := range task.Plan.SubQuestions {
		a, ok := task.BatchAnalyses[sq.ID]
		if !ok {
			return domain.FinalReport{}, &StageError{Stage: NameSynthesize, Err: fmt.Errorf("sub-question %s has no analysis", sq.ID)}
		}
		analyses = append(analyses, a)
	}
	payload, err := encodePayload(synthesizePayload{
		ClarifiedScope: task.ClarifiedScope,
		Parameters:     task.Parameters,
		Plan:           *task.Plan,
		Analyses:       analyses,
	})
	if err != nil {
		return domain.FinalReport{}, &StageError{Stage: NameSynthesize, Err: fmt.Errorf("encode payload: %w", err)}
	}
	callCtx, cancel := bounded(ctx, x.Timeouts.Generation)
	defer cancel()
	res := llm.Call[domain.FinalReport](callCtx, x.Generator, llm.Request{System: synthesizeSystemPrompt, Payload: payload, Schema: SchemaReport}, ValidateReport)
	if !res.OK() {
		return domain.FinalReport{}, &StageError{Stage: NameSynthesize, Err: res.Err()}
	}
	return res.Value, nil
}

// Coverage lists fully analyzed sub-questions and notes the degraded ones,
// in plan order.
func Coverage(plan domain.Plan, analyses map[string]domain.Analysis) domain.Coverage {
	cov := domain.Coverage{Analyzed: []string{}, Degraded: []domain.CoverageNote{}}
	for _, sq := range plan.SubQuestions {
		a, ok := analyses[sq.ID]
		if !ok {
			continue
		}
		if a.Degraded {
			cov.Degraded = append(cov.Degraded, domain.CoverageNote{
				SubQuestionID: sq.ID,
				Note:          fmt.Sprintf("%q was not analyzed: %s", sq.Question, a.FailureReason),
			})
			continue
		}
		cov.Analyzed = append(cov.Analyzed, sq.ID)
	}
	return cov
}
