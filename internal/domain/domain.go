package domain

const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

const (
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

// ResearchTask is one research request and everything accumulated for it.
type ResearchTask struct {
	ID             string              `json:"id"`
	OwnerID        string              `json:"owner_id"`
	Title          string              `json:"title"`
	Description    string              `json:"description,omitempty"`
	ClarifiedScope string              `json:"clarified_scope"`
	Parameters     map[string]any      `json:"parameters" jsonschema:"type=object,additionalProperties=true"`
	Messages       []ChatMessage       `json:"messages"`
	Status         string              `json:"status" enum:"running,completed,failed"`
	Plan           *Plan               `json:"plan,omitempty"`
	BatchAnalyses  map[string]Analysis `json:"batch_analyses"`
	FinalReport    *FinalReport        `json:"final_report,omitempty"`
	ResultSummary  string              `json:"result_summary,omitempty"`
	ErrorMessage   string              `json:"error_message,omitempty"`
	Version        int64               `json:"version"`
	CreatedAt      string              `json:"created_at" format:"date-time"`
	UpdatedAt      string              `json:"updated_at" format:"date-time"`
}

// Terminal reports whether the task can no longer change.
func (t ResearchTask) Terminal() bool {
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

type ChatMessage struct {
	Role    string `json:"role" enum:"user,assistant,system"`
	Content string `json:"content"`
}

type Plan struct {
	PlanSummary        string        `json:"plan_summary"`
	SubQuestions       []SubQuestion `json:"sub_questions"`
	DataSources        []string      `json:"data_sources"`
	CollectionStrategy string        `json:"collection_strategy"`
	AnalysisFocus      string        `json:"analysis_focus"`
}

type SubQuestion struct {
	ID        string `json:"id"`
	Question  string `json:"question"`
	Rationale string `json:"rationale"`
	Priority  string `json:"priority" enum:"high,medium,low"`
}

// Analysis is the result for one sub-question. Degraded analyses mark a
// sub-question whose retrieval or generation failed.
type Analysis struct {
	SubQuestionID      string            `json:"sub_question_id"`
	InsightSummary     string            `json:"insight_summary"`
	Patterns           []Pattern         `json:"patterns"`
	ResonantElements   *ResonantElements `json:"resonant_elements"`
	ObjectionsAndFears []string          `json:"objections_and_fears"`
	DesiresAndOutcomes []string          `json:"desires_and_outcomes"`
	Degraded           bool              `json:"degraded,omitempty"`
	FailureReason      string            `json:"failure_reason,omitempty"`
	EvidenceCount      int               `json:"evidence_count"`
}

type Pattern struct {
	Pattern          string   `json:"pattern"`
	EvidenceSnippets []string `json:"evidence_snippets"`
	Implication      string   `json:"implication"`
}

type ResonantElements struct {
	Hooks          []string `json:"hooks"`
	Phrases        []string `json:"phrases"`
	Formats        []string `json:"formats"`
	EmotionalTones []string `json:"emotional_tones"`
}

type FinalReport struct {
	ExecutiveSummary         string                   `json:"executive_summary"`
	AudienceSnapshot         AudienceSnapshot         `json:"audience_snapshot"`
	ResonanceFindings        []ResonanceFinding       `json:"resonance_findings"`
	ChannelAndFormatInsights ChannelAndFormatInsights `json:"channel_and_format_insights"`
	MessagingRecommendations MessagingRecommendations `json:"messaging_recommendations"`
	ObjectionsAndResponses   []ObjectionResponse      `json:"objections_and_responses"`
	NextSteps                []string                 `json:"next_steps"`
	Coverage                 Coverage                 `json:"coverage"`
}

type AudienceSnapshot struct {
	WhoTheyAre      string   `json:"who_they_are"`
	KeyMotivations  []string `json:"key_motivations"`
	KeyFrustrations []string `json:"key_frustrations"`
}

type ResonanceFinding struct {
	Theme              string   `json:"theme"`
	Description        string   `json:"description"`
	SupportingEvidence []string `json:"supporting_evidence"`
	Implications       string   `json:"implications"`
}

type ChannelAndFormatInsights struct {
	ByPlatform            []PlatformInsight `json:"by_platform"`
	CrossPlatformPatterns []string          `json:"cross_platform_patterns"`
}

type PlatformInsight struct {
	Platform           string   `json:"platform"`
	Insights           []string `json:"insights"`
	RecommendedFormats []string `json:"recommended_formats"`
}

type MessagingRecommendations struct {
	CoreNarratives   []string `json:"core_narratives"`
	RecommendedHooks []string `json:"recommended_hooks"`
	LanguageToUse    []string `json:"language_to_use"`
	LanguageToAvoid  []string `json:"language_to_avoid"`
}

type ObjectionResponse struct {
	Objection string `json:"objection"`
	Response  string `json:"response"`
}

// Coverage records which sub-questions fed the report fully and which only
// contributed a degraded placeholder.
type Coverage struct {
	Analyzed []string       `json:"analyzed"`
	Degraded []CoverageNote `json:"degraded"`
}

type CoverageNote struct {
	SubQuestionID string `json:"sub_question_id"`
	Note          string `json:"note"`
}

// Snippet is one unit of external evidence fed to the Analyze stage.
type Snippet struct {
	Text        string  `json:"text"`
	Source      string  `json:"source,omitempty"`
	URL         string  `json:"url,omitempty"`
	Author      string  `json:"author,omitempty"`
	PublishedAt string  `json:"published_at,omitempty"`
	Score       float64 `json:"score,omitempty"`
}

// TaskSnapshot is a task plus its derived progress.
type TaskSnapshot struct {
	ResearchTask
	Progress      int    `json:"progress" minimum:"0" maximum:"100"`
	StatusMessage string `json:"status_message"`
}

// TaskStatus is the poll view of a task.
type TaskStatus struct {
	TaskID        string `json:"task_id"`
	Status        string `json:"status" enum:"running,completed,failed"`
	Progress      int    `json:"progress" minimum:"0" maximum:"100"`
	StatusMessage string `json:"status_message"`
	ReportReady   bool   `json:"report_ready"`
	ErrorMessage  string `json:"error_message,omitempty"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// Projection is the legacy-shaped mirror of a task's status.
type Projection struct {
	RequestID     string `json:"request_id"`
	UserID        string `json:"user_id"`
	Topic         string `json:"topic"`
	State         string `json:"state" enum:"processing,done,error"`
	Summary       string `json:"summary,omitempty"`
	SyncedVersion int64  `json:"synced_version"`
	UpdatedAt     string `json:"updated_at" format:"date-time"`
}
