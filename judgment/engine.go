package judgment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/floorworks/forgefloor/core"
	"github.com/floorworks/forgefloor/telemetry"
)

// DefaultAlpha is the hybrid_weighted mixing factor used when Input.Alpha
// is zero, per spec.md §4.2 "α configurable (default 0.5)".
const DefaultAlpha = 0.5

// DefaultGateThreshold is the escalate/hybrid_gate confidence threshold
// used when Input.GateThreshold is zero.
const DefaultGateThreshold = 0.6

// DefaultTTLSeconds is the cache entry lifetime used when a caller doesn't
// specify one via WithTTL.
const DefaultTTLSeconds = 300

// Config configures an Engine via the teacher's functional-options
// convention.
type Config struct {
	RuleEngine RuleEngine
	AIClient   core.AIClient
	Cache      *Cache
	Logger     core.Logger
	Telemetry  core.Telemetry
	TTLSeconds int64
}

// Option configures an Engine.
type Option func(*Config)

func WithRuleEngine(e RuleEngine) Option  { return func(c *Config) { c.RuleEngine = e } }
func WithAIClient(a core.AIClient) Option { return func(c *Config) { c.AIClient = a } }
func WithCache(cache *Cache) Option       { return func(c *Config) { c.Cache = cache } }
func WithLogger(l core.Logger) Option     { return func(c *Config) { c.Logger = l } }
func WithTTL(seconds int64) Option        { return func(c *Config) { c.TTLSeconds = seconds } }

// WithTelemetry attaches t so dispatch is wrapped in a span per policy
// execution. Without this option, Execute uses core.NoOpTelemetry and pays
// nothing for spans it can't export anywhere.
func WithTelemetry(t core.Telemetry) Option { return func(c *Config) { c.Telemetry = t } }

// Engine implements spec.md §4.2's execute operation across all six
// fusion policies.
type Engine struct {
	cfg Config
}

// New creates an Engine.
func New(opts ...Option) *Engine {
	cfg := Config{TTLSeconds: DefaultTTLSeconds}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Cache == nil {
		cfg.Cache = NewCache()
	}
	if cfg.Logger == nil {
		cfg.Logger = &core.NoOpLogger{}
	} else if cal, ok := cfg.Logger.(core.ComponentAwareLogger); ok {
		cfg.Logger = cal.WithComponent("forgefloor/judgment")
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = &core.NoOpTelemetry{}
	}
	return &Engine{cfg: cfg}
}

// Execute implements spec.md §4.2 execute(ruleset_id, input, policy) →
// JudgmentExecution.
func (e *Engine) Execute(ctx context.Context, in Input) (JudgmentExecution, error) {
	start := time.Now()
	if in.Policy == "" {
		in.Policy = PolicyRuleOnly
	}
	if in.Alpha == 0 {
		in.Alpha = DefaultAlpha
	}
	if in.GateThreshold == 0 {
		in.GateThreshold = DefaultGateThreshold
	}

	key := Key(in)
	if execution, entry, ok := e.cfg.Cache.Get(ctx, key); ok {
		execution.Method = MethodCache
		execution.Cached = true
		e.cfg.Logger.Debug("judgment cache hit", map[string]interface{}{
			"operation":  "judgment_cache_hit",
			"key":        key,
			"hit_count":  entry.HitCount,
			"ruleset_id": in.RulesetID,
		})
		telemetry.RecordSuccess("judgment.execute", "method", string(MethodCache))
		return execution, nil
	}

	spanCtx, span := e.cfg.Telemetry.StartSpan(ctx, "judgment.execute")
	span.SetAttribute("ruleset_id", in.RulesetID)
	span.SetAttribute("policy", string(in.Policy))
	execution, err := e.dispatch(spanCtx, in)
	if err != nil {
		span.RecordError(err)
		span.End()
		telemetry.RecordError("judgment.execute", core.ErrorKind(err), "policy", string(in.Policy))
		return JudgmentExecution{}, err
	}
	span.End()
	telemetry.Duration("judgment.execute.duration_ms", start, "policy", string(in.Policy))
	telemetry.RecordSuccess("judgment.execute", "method", string(execution.Method))

	execution.ID = uuid.NewString()
	execution.Input = in.Data
	execution.TraceID = in.TraceID
	execution.LatencyMs = time.Since(start).Milliseconds()
	execution.CreatedAt = time.Now().UTC()

	if execution.Method == MethodRuleOnly || execution.Method == MethodHybrid {
		e.cfg.Cache.Put(ctx, key, execution, e.cfg.TTLSeconds, in.RulesetID, in.RulesetVersion)
	}

	return execution, nil
}

func (e *Engine) dispatch(ctx context.Context, in Input) (JudgmentExecution, error) {
	switch in.Policy {
	case PolicyRuleOnly:
		return e.ruleOnly(ctx, in)
	case PolicyLLMOnly:
		return e.llmOnly(ctx, in)
	case PolicyEscalate:
		return e.escalate(ctx, in)
	case PolicyRuleFallback:
		return e.ruleFallback(ctx, in)
	case PolicyHybridGate:
		return e.hybridGate(ctx, in)
	case PolicyHybridWeighted:
		return e.hybridWeighted(ctx, in)
	default:
		return JudgmentExecution{}, fmt.Errorf("unknown fusion policy %q: %w", in.Policy, core.ErrInvalidInput)
	}
}

func (e *Engine) runRules(ctx context.Context, in Input) (Verdict, error) {
	if e.cfg.RuleEngine == nil {
		return Verdict{}, fmt.Errorf("execute %s: %w: no rule engine configured", in.RulesetID, core.ErrRulesetMissing)
	}
	verdict, err := e.cfg.RuleEngine.Evaluate(ctx, in.RulesetID, in.RulesetVersion, in.Data)
	if err != nil {
		return Verdict{}, err
	}
	return verdict, nil
}

func (e *Engine) runLLM(ctx context.Context, in Input) (Verdict, LLMMetadata, error) {
	if e.cfg.AIClient == nil {
		return Verdict{}, LLMMetadata{}, fmt.Errorf("execute: %w: no AI client configured", core.ErrLLMUnavailable)
	}
	return llmVerdict(ctx, e.cfg.AIClient, in.PromptVersion, in.Data)
}

func (e *Engine) ruleOnly(ctx context.Context, in Input) (JudgmentExecution, error) {
	verdict, err := e.runRules(ctx, in)
	if err != nil {
		return JudgmentExecution{}, err
	}
	return JudgmentExecution{
		Result:     verdict.Result,
		Confidence: maxConfidence(verdict.Confidence, verdict.Result),
		Method:     MethodRuleOnly,
		RuleTrace:  &RuleTrace{RuleIDs: verdict.RuleIDs, Result: verdict.Result, Confidence: verdict.Confidence},
		Evidence:   Evidence{MatchedRuleIDs: verdict.RuleIDs},
	}, nil
}

func (e *Engine) llmOnly(ctx context.Context, in Input) (JudgmentExecution, error) {
	verdict, meta, err := e.runLLM(ctx, in)
	if err != nil {
		return JudgmentExecution{}, err
	}
	return JudgmentExecution{
		Result:      verdict.Result,
		Confidence:  maxConfidence(verdict.Confidence, verdict.Result),
		Method:      MethodLLMOnly,
		LLMMetadata: &meta,
		Evidence:    Evidence{LLM: &meta},
	}, nil
}

func (e *Engine) escalate(ctx context.Context, in Input) (JudgmentExecution, error) {
	ruleVerdict, err := e.runRules(ctx, in)
	if err != nil {
		return JudgmentExecution{}, err
	}
	ruleConfidence := maxConfidence(ruleVerdict.Confidence, ruleVerdict.Result)

	if ruleVerdict.Result != ClassUnknown && ruleConfidence >= in.GateThreshold {
		return JudgmentExecution{
			Result:     ruleVerdict.Result,
			Confidence: ruleConfidence,
			Method:     MethodRuleOnly,
			RuleTrace:  &RuleTrace{RuleIDs: ruleVerdict.RuleIDs, Result: ruleVerdict.Result, Confidence: ruleVerdict.Confidence},
			Evidence:   Evidence{MatchedRuleIDs: ruleVerdict.RuleIDs},
		}, nil
	}

	llmVerdict, meta, err := e.runLLM(ctx, in)
	if err != nil {
		return JudgmentExecution{}, err
	}
	return JudgmentExecution{
		Result:      llmVerdict.Result,
		Confidence:  maxConfidence(llmVerdict.Confidence, llmVerdict.Result),
		Method:      MethodHybrid,
		RuleTrace:   &RuleTrace{RuleIDs: ruleVerdict.RuleIDs, Result: ruleVerdict.Result, Confidence: ruleVerdict.Confidence},
		LLMMetadata: &meta,
		Evidence:    Evidence{MatchedRuleIDs: ruleVerdict.RuleIDs, LLM: &meta},
	}, nil
}

func (e *Engine) ruleFallback(ctx context.Context, in Input) (JudgmentExecution, error) {
	llmVerdict, meta, err := e.runLLM(ctx, in)
	if err == nil {
		return JudgmentExecution{
			Result:      llmVerdict.Result,
			Confidence:  maxConfidence(llmVerdict.Confidence, llmVerdict.Result),
			Method:      MethodLLMOnly,
			LLMMetadata: &meta,
			Evidence:    Evidence{LLM: &meta},
		}, nil
	}

	e.cfg.Logger.WarnWithContext(ctx, "llm unavailable, falling back to rules", map[string]interface{}{
		"operation": "judgment_rule_fallback",
		"error":     err.Error(),
	})

	ruleVerdict, rerr := e.runRules(ctx, in)
	if rerr != nil {
		return JudgmentExecution{}, rerr
	}
	return JudgmentExecution{
		Result:     ruleVerdict.Result,
		Confidence: maxConfidence(ruleVerdict.Confidence, ruleVerdict.Result),
		Method:     MethodRuleOnly,
		RuleTrace:  &RuleTrace{RuleIDs: ruleVerdict.RuleIDs, Result: ruleVerdict.Result, Confidence: ruleVerdict.Confidence},
		Evidence:   Evidence{MatchedRuleIDs: ruleVerdict.RuleIDs},
	}, nil
}

func (e *Engine) hybridGate(ctx context.Context, in Input) (JudgmentExecution, error) {
	ruleVerdict, err := e.runRules(ctx, in)
	if err != nil {
		return JudgmentExecution{}, err
	}
	ruleConfidence := maxConfidence(ruleVerdict.Confidence, ruleVerdict.Result)

	if ruleVerdict.Result == ClassUnknown || ruleConfidence < in.GateThreshold {
		return JudgmentExecution{
			Result:     ruleVerdict.Result,
			Confidence: ruleConfidence,
			Method:     MethodRuleOnly,
			RuleTrace:  &RuleTrace{RuleIDs: ruleVerdict.RuleIDs, Result: ruleVerdict.Result, Confidence: ruleVerdict.Confidence},
			Evidence:   Evidence{MatchedRuleIDs: ruleVerdict.RuleIDs},
		}, nil
	}

	llmVerdict, meta, err := e.runLLM(ctx, in)
	if err != nil {
		return JudgmentExecution{}, err
	}
	return JudgmentExecution{
		Result:      llmVerdict.Result,
		Confidence:  maxConfidence(llmVerdict.Confidence, llmVerdict.Result),
		Method:      MethodHybrid,
		RuleTrace:   &RuleTrace{RuleIDs: ruleVerdict.RuleIDs, Result: ruleVerdict.Result, Confidence: ruleVerdict.Confidence},
		LLMMetadata: &meta,
		Evidence:    Evidence{MatchedRuleIDs: ruleVerdict.RuleIDs, LLM: &meta},
	}, nil
}

func (e *Engine) hybridWeighted(ctx context.Context, in Input) (JudgmentExecution, error) {
	ruleVerdict, rerr := e.runRules(ctx, in)
	llmVerdict, meta, lerr := e.runLLM(ctx, in)
	if rerr != nil && lerr != nil {
		return JudgmentExecution{}, fmt.Errorf("hybrid_weighted: rules failed (%v) and llm failed (%w)", rerr, lerr)
	}

	r := normalizeVector(ruleVerdict.Confidence)
	l := normalizeVector(llmVerdict.Confidence)
	combined := Combine(r, l, in.Alpha)
	result, confidence := Decide(combined)

	var ruleTrace *RuleTrace
	var ruleIDs []string
	if rerr == nil {
		ruleTrace = &RuleTrace{RuleIDs: ruleVerdict.RuleIDs, Result: ruleVerdict.Result, Confidence: ruleVerdict.Confidence}
		ruleIDs = ruleVerdict.RuleIDs
	}
	var llmMeta *LLMMetadata
	if lerr == nil {
		llmMeta = &meta
	}

	return JudgmentExecution{
		Result:      result,
		Confidence:  confidence,
		Method:      MethodHybrid,
		RuleTrace:   ruleTrace,
		LLMMetadata: llmMeta,
		Evidence:    Evidence{MatchedRuleIDs: ruleIDs, LLM: llmMeta},
	}, nil
}

// Combine implements spec.md §4.2's weighted combination: combined =
// α·r + (1-α)·l over the three named classes.
func Combine(r, l ConfidenceVector, alpha float64) ConfidenceVector {
	out := make(ConfidenceVector, 3)
	for _, class := range []Class{ClassNormal, ClassWarning, ClassCritical} {
		out[class] = alpha*r[class] + (1-alpha)*l[class]
	}
	return out
}

// Decide picks the argmax class from a combined ConfidenceVector,
// breaking ties toward the more severe class per spec.md §4.2.
func Decide(combined ConfidenceVector) (Class, float64) {
	best := ClassNormal
	bestScore := combined[ClassNormal]
	for _, class := range []Class{ClassWarning, ClassCritical} {
		score := combined[class]
		if score > bestScore || (score == bestScore && severityRank[class] > severityRank[best]) {
			best = class
			bestScore = score
		}
	}
	return best, bestScore
}

// normalizeVector fills in zero confidence for any of the three named
// classes a verdict didn't report, and drops any ClassUnknown confidence
// (the weighted formula operates over {normal, warning, critical} only,
// per spec.md §4.2).
func normalizeVector(v ConfidenceVector) ConfidenceVector {
	out := ConfidenceVector{ClassNormal: 0, ClassWarning: 0, ClassCritical: 0}
	for class, score := range v {
		if class == ClassUnknown {
			continue
		}
		out[class] = score
	}
	return out
}

func maxConfidence(v ConfidenceVector, result Class) float64 {
	if score, ok := v[result]; ok {
		return score
	}
	return 0
}
