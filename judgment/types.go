// Package judgment fuses rule-based and LLM-based decisions into a single
// verdict, per spec.md §4.2: given a ruleset id and structured input, it
// returns a decision, a confidence, the source used, and an evidence
// bundle, behind one of six fusion policies.
package judgment

import "time"

// Class is a judgment decision class, ordered least to most severe.
type Class string

const (
	ClassNormal   Class = "normal"
	ClassWarning  Class = "warning"
	ClassCritical Class = "critical"
	ClassUnknown  Class = "unknown"
)

// severityRank orders classes for tie-breaking: "ties break toward the
// more severe class (critical > warning > normal)" per spec.md §4.2.
var severityRank = map[Class]int{
	ClassNormal:   0,
	ClassWarning:  1,
	ClassCritical: 2,
}

// Method identifies which source produced a JudgmentExecution's result.
type Method string

const (
	MethodRuleOnly Method = "rule_only"
	MethodLLMOnly  Method = "llm_only"
	MethodHybrid   Method = "hybrid"
	MethodCache    Method = "cache"
)

// Policy is the fusion strategy a caller selects for one execute call,
// per spec.md §4.2's six-row table.
type Policy string

const (
	PolicyRuleOnly      Policy = "rule_only"
	PolicyLLMOnly       Policy = "llm_only"
	PolicyEscalate      Policy = "escalate"
	PolicyRuleFallback  Policy = "rule_fallback"
	PolicyHybridGate    Policy = "hybrid_gate"
	PolicyHybridWeighted Policy = "hybrid_weighted"
)

// ConfidenceVector is a per-class confidence distribution, the `r`/`l`
// operands of the weighted-combination formula in spec.md §4.2.
type ConfidenceVector map[Class]float64

// RuleTrace records which rule(s) a RuleEngine matched.
type RuleTrace struct {
	RuleIDs    []string         `json:"rule_ids"`
	Result     Class            `json:"result"`
	Confidence ConfidenceVector `json:"confidence,omitempty"`
}

// LLMMetadata captures the call-site facts an evidence bundle must carry
// for any LLM involvement, per spec.md §4.2 "model, token counts, cost,
// latency".
type LLMMetadata struct {
	Model            string  `json:"model"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	CostUSD          float64 `json:"cost_usd"`
	LatencyMs        int64   `json:"latency_ms"`
}

// RecommendedAction is the generic shape spec.md §9 prescribes for the
// decided-but-unguessed "recommended_actions" open question.
type RecommendedAction struct {
	ActionType string                 `json:"action_type"`
	Priority   string                 `json:"priority,omitempty"`
	Target     string                 `json:"target,omitempty"`
	Message    string                 `json:"message,omitempty"`
	Parameters map[string]interface{} `json:"parameters,omitempty"`
}

// Evidence is the bundle every JudgmentExecution carries, merged from
// whichever sources actually ran — never fabricated, per spec.md §4.2.
type Evidence struct {
	MatchedRuleIDs []string      `json:"matched_rule_ids,omitempty"`
	LLM            *LLMMetadata  `json:"llm,omitempty"`
	DataReferences []string      `json:"data_references,omitempty"`
	ChartURLs      []string      `json:"chart_urls,omitempty"`
}

// JudgmentExecution is the immutable record spec.md §3 describes. Never
// updated after insert; a cache hit returns a reference to one of these
// rather than a mutated copy.
type JudgmentExecution struct {
	ID                 string              `json:"id"`
	Input              map[string]interface{} `json:"input"`
	Result             Class               `json:"result"`
	Confidence         float64             `json:"confidence"`
	Method             Method              `json:"method"`
	RuleTrace          *RuleTrace          `json:"rule_trace,omitempty"`
	LLMMetadata        *LLMMetadata        `json:"llm_metadata,omitempty"`
	Evidence           Evidence            `json:"evidence"`
	RecommendedActions []RecommendedAction `json:"recommended_actions,omitempty"`
	LatencyMs          int64               `json:"latency_ms"`
	Cached             bool                `json:"cached"`
	TraceID            string              `json:"trace_id"`
	CreatedAt          time.Time           `json:"created_at"`
}

// JudgmentCacheEntry is the spec.md §3 cache record: `{key, execution_id,
// ttl_seconds, expires_at, hit_count}`.
type JudgmentCacheEntry struct {
	Key         string    `json:"key"`
	ExecutionID string    `json:"execution_id"`
	TTLSeconds  int64     `json:"ttl_seconds"`
	ExpiresAt   time.Time `json:"expires_at"`
	HitCount    int64     `json:"hit_count"`
}

// Input is the request passed to Execute.
type Input struct {
	RulesetID       string
	RulesetVersion  int
	PromptVersion   string
	WorkflowContext string
	Data            map[string]interface{}
	Policy          Policy
	Alpha           float64 // hybrid_weighted mixing factor; 0 means use DefaultAlpha
	GateThreshold   float64 // escalate/hybrid_gate confidence threshold; 0 means use DefaultGateThreshold
	TraceID         string
}
