// Package progress derives a task's completion percentage and status line
// from its stored data.
package progress

import "researchline/internal/domain"

const (
	MsgPlanning     = "Planning research…"
	MsgCollecting   = "Collecting signals…"
	MsgSynthesizing = "Synthesizing final report…"
	MsgCompleted    = "Research completed."
	MsgFailed       = "Research failed."
)

const (
	planWeight    = 10
	analyzeWeight = 70
)

type Status struct {
	Progress int
	Message  string
}

// Report is pure. Every input it reads only grows while a task runs, so the
// result never decreases.
func Report(t domain.ResearchTask) Status {
	p := dataProgress(t)
	switch t.Status {
	case domain.StatusCompleted:
		return Status{Progress: 100, Message: MsgCompleted}
	case domain.StatusFailed:
		return Status{Progress: p, Message: MsgFailed}
	}
	switch {
	case t.Plan == nil:
		return Status{Progress: p, Message: MsgPlanning}
	case analyzedCount(t) < len(t.Plan.SubQuestions):
		return Status{Progress: p, Message: MsgCollecting}
	default:
		return Status{Progress: p, Message: MsgSynthesizing}
	}
}

func dataProgress(t domain.ResearchTask) int {
	if t.Plan == nil {
		return 0
	}
	n := len(t.Plan.SubQuestions)
	if n == 0 {
		return planWeight + analyzeWeight
	}
	return planWeight + analyzeWeight*analyzedCount(t)/n
}

// analyzedCount counts analyses for sub-questions that are in the plan.
func analyzedCount(t domain.ResearchTask) int {
	if t.Plan == nil {
		return 0
	}
	n := 0
	for _, sq := range t.Plan.SubQuestions {
		if _, ok := t.BatchAnalyses[sq.ID]; ok {
			n++
		}
	}
	return n
}
