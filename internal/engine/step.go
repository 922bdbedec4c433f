package engine

import "researchline/internal/domain"

type StepKind int

const (
	StepNone StepKind = iota
	StepPlan
	StepAnalyze
	StepSynthesize
	StepComplete
)

// Step is the next unit of work for a task.
type Step struct {
	Kind          StepKind
	SubQuestionID string
}

func (s Step) String() string {
	switch s.Kind {
	case StepPlan:
		return "plan"
	case StepAnalyze:
		return "analyze:" + s.SubQuestionID
	case StepSynthesize:
		return "synthesize"
	case StepComplete:
		return "complete"
	default:
		return "none"
	}
}

// NextStep reads the next stage off the stored data alone. Sub-questions are
// analyzed in plan order.
func NextStep(t domain.ResearchTask) Step {
	if t.Terminal() {
		return Step{Kind: StepNone}
	}
	if t.Plan == nil {
		return Step{Kind: StepPlan}
	}
	for _, sq := range t.Plan.SubQuestions {
		if _, ok := t.BatchAnalyses[sq.ID]; !ok {
			return Step{Kind: StepAnalyze, SubQuestionID: sq.ID}
		}
	}
	if t.FinalReport == nil {
		return Step{Kind: StepSynthesize}
	}
	return Step{Kind: StepComplete}
}

func findSubQuestion(p *domain.Plan, id string) (domain.SubQuestion, bool) {
	if p == nil {
		return domain.SubQuestion{}, false
	}
	for _, sq := range p.SubQuestions {
		if sq.ID == id {
			return sq, true
		}
	}
	return domain.SubQuestion{}, false
}
