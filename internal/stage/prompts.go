package stage

import (
	"encoding/json"

	"researchline/internal/domain"
)

const planSystemPrompt = `You are an audience research strategist. Break the research brief into 3 to 7 focused sub-questions.
Return JSON with: plan_summary, sub_questions[{id, question, rationale, priority (high|medium|low)}], data_sources[], collection_strategy, analysis_focus.
Sub-question ids must be unique short slugs.`

const analyzeSystemPrompt = `You are an audience analyst. Study the evidence snippets for one research sub-question.
Return JSON with: sub_question_id, insight_summary, patterns[{pattern, evidence_snippets[], implication}],
resonant_elements{hooks[], phrases[], formats[], emotional_tones[]}, objections_and_fears[], desires_and_outcomes[].
Only cite evidence that appears in the snippets.`

const synthesizeSystemPrompt = `You are a senior market researcher. Combine the per-question analyses into one report.
Return JSON with: executive_summary, audience_snapshot{who_they_are, key_motivations[], key_frustrations[]},
resonance_findings[{theme, description, supporting_evidence[], implications}],
channel_and_format_insights{by_platform[{platform, insights[], recommended_formats[]}], cross_platform_patterns[]},
messaging_recommendations{core_narratives[], recommended_hooks[], language_to_use[], language_to_avoid[]},
objections_and_responses[{objection, response}], next_steps[].
Analyses marked degraded had no usable evidence; do not invent findings for them.`

type planPayload struct {
	Title          string               `json:"title,omitempty"`
	Description    string               `json:"description,omitempty"`
	ClarifiedScope string               `json:"clarified_scope"`
	Parameters     map[string]any       `json:"parameters"`
	Messages       []domain.ChatMessage `json:"messages,omitempty"`
}

type analyzePayload struct {
	ClarifiedScope string             `json:"clarified_scope"`
	AnalysisFocus  string             `json:"analysis_focus,omitempty"`
	SubQuestion    domain.SubQuestion `json:"sub_question"`
	Snippets       []domain.Snippet   `json:"snippets"`
}

type synthesizePayload struct {
	ClarifiedScope string            `json:"clarified_scope"`
	Parameters     map[string]any    `json:"parameters"`
	Plan           domain.Plan       `json:"plan"`
	Analyses       []domain.Analysis `json:"analyses"`
}

func encodePayload(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
