package stage

import (
	"fmt"
	"sort"
	"strings"

	"researchline/internal/domain"
)

const (
	// MaxSubQuestions caps the plan; extra sub-questions are dropped.
	MaxSubQuestions = 7
	// MinSubQuestions is what the plan schema asks for. Fewer are accepted.
	MinSubQuestions = 3
)

// ValidatePlan normalises p in place and returns diagnostics for anything
// that makes it unusable. It returns the number of sub-questions dropped by
// the cap.
func ValidatePlan(p *domain.Plan) (dropped int, diags []string) {
	if len(p.SubQuestions) == 0 {
		return 0, []string{"plan has no sub_questions"}
	}
	if len(p.SubQuestions) > MaxSubQuestions {
		dropped = len(p.SubQuestions) - MaxSubQuestions
		p.SubQuestions = p.SubQuestions[:MaxSubQuestions]
	}
	seen := make(map[string]bool, len(p.SubQuestions))
	for i := range p.SubQuestions {
		sq := &p.SubQuestions[i]
		sq.ID = strings.TrimSpace(sq.ID)
		if sq.ID == "" {
			diags = append(diags, fmt.Sprintf("sub_questions[%d].id is empty", i))
		} else if seen[sq.ID] {
			diags = append(diags, fmt.Sprintf("sub_questions[%d].id %q is duplicated", i, sq.ID))
		}
		seen[sq.ID] = true
		if strings.TrimSpace(sq.Question) == "" {
			diags = append(diags, fmt.Sprintf("sub_questions[%d].question is empty", i))
		}
		prio := strings.ToLower(strings.TrimSpace(sq.Priority))
		switch prio {
		case "":
			prio = domain.PriorityMedium
		case domain.PriorityHigh, domain.PriorityMedium, domain.PriorityLow:
		default:
			diags = append(diags, fmt.Sprintf("sub_questions[%d].priority %q must be high, medium or low", i, sq.Priority))
		}
		sq.Priority = prio
	}
	diags = append(diags, requireText(map[string]string{
		"plan_summary":        p.PlanSummary,
		"collection_strategy": p.CollectionStrategy,
		"analysis_focus":      p.AnalysisFocus,
	})...)
	if p.DataSources == nil {
		diags = append(diags, "data_sources is missing")
	}
	return dropped, diags
}

// ValidateAnalysis binds a decoded analysis to the requested sub-question.
func ValidateAnalysis(a *domain.Analysis, subQuestionID string) []string {
	var diags []string
	switch strings.TrimSpace(a.SubQuestionID) {
	case "", subQuestionID:
		a.SubQuestionID = subQuestionID
	default:
		diags = append(diags, fmt.Sprintf("sub_question_id %q does not match requested %q", a.SubQuestionID, subQuestionID))
	}
	if strings.TrimSpace(a.InsightSummary) == "" {
		diags = append(diags, "insight_summary is empty")
	}
	if a.ResonantElements == nil {
		diags = append(diags, "resonant_elements is missing")
	}
	if len(diags) > 0 {
		return diags
	}
	a.Degraded = false
	a.FailureReason = ""
	if a.Patterns == nil {
		a.Patterns = []domain.Pattern{}
	}
	re := a.ResonantElements
	for _, l := range []*[]string{&re.Hooks, &re.Phrases, &re.Formats, &re.EmotionalTones, &a.ObjectionsAndFears, &a.DesiresAndOutcomes} {
		if *l == nil {
			*l = []string{}
		}
	}
	return nil
}

// ValidateReport checks that every report section came back.
func ValidateReport(r *domain.FinalReport) []string {
	diags := requireText(map[string]string{
		"executive_summary":              r.ExecutiveSummary,
		"audience_snapshot.who_they_are": r.AudienceSnapshot.WhoTheyAre,
	})
	missing := map[string]bool{
		"resonance_findings":                        r.ResonanceFindings == nil,
		"channel_and_format_insights.by_platform":   r.ChannelAndFormatInsights.ByPlatform == nil,
		"messaging_recommendations.core_narratives": r.MessagingRecommendations.CoreNarratives == nil,
		"objections_and_responses":                  r.ObjectionsAndResponses == nil,
		"next_steps":                                r.NextSteps == nil,
	}
	for _, field := range sortedKeys(missing) {
		if missing[field] {
			diags = append(diags, field+" is missing")
		}
	}
	return diags
}

// requireText returns one diagnostic per blank field, in field order.
func requireText(fields map[string]string) []string {
	var diags []string
	for _, name := range sortedKeys(fields) {
		if strings.TrimSpace(fields[name]) == "" {
			diags = append(diags, name+" is empty")
		}
	}
	return diags
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
