package judgment

import (
	"context"
	"fmt"

	"github.com/floorworks/forgefloor/core"
)

// InProcessRuleEngine is a trivial reference RuleEngine: a fixed set of
// threshold rules keyed by ruleset id, evaluated in order with the first
// match winning. It exists for tests only — a real deployment wires
// RuleEngine to the compiled output of the ruledeploy package, the same
// "smallest interface implementation" role core.NoOpLogger plays for
// Logger.
type InProcessRuleEngine struct {
	Rulesets map[string][]ThresholdRule
}

// ThresholdRule fires when Field's value compares against Threshold using
// Operator ("gt", "gte", "lt", "lte", "eq").
type ThresholdRule struct {
	ID         string
	Field      string
	Operator   string
	Threshold  float64
	Result     Class
	Confidence float64
}

func NewInProcessRuleEngine() *InProcessRuleEngine {
	return &InProcessRuleEngine{Rulesets: make(map[string][]ThresholdRule)}
}

// AddRule registers rule under rulesetID, appended to evaluation order.
func (e *InProcessRuleEngine) AddRule(rulesetID string, rule ThresholdRule) {
	e.Rulesets[rulesetID] = append(e.Rulesets[rulesetID], rule)
}

// Evaluate implements RuleEngine.
func (e *InProcessRuleEngine) Evaluate(ctx context.Context, rulesetID string, rulesetVersion int, input map[string]interface{}) (Verdict, error) {
	rules, ok := e.Rulesets[rulesetID]
	if !ok {
		return Verdict{}, fmt.Errorf("ruleset %s: %w", rulesetID, core.ErrRulesetMissing)
	}

	for _, rule := range rules {
		value, ok := numericField(input, rule.Field)
		if !ok {
			continue
		}
		if matchThreshold(rule.Operator, value, rule.Threshold) {
			return Verdict{
				Result:  rule.Result,
				RuleIDs: []string{rule.ID},
				Confidence: ConfidenceVector{
					rule.Result: rule.Confidence,
				},
			}, nil
		}
	}

	return Verdict{
		Result: ClassUnknown,
		Confidence: ConfidenceVector{
			ClassUnknown: 1.0,
		},
	}, nil
}

func numericField(input map[string]interface{}, field string) (float64, bool) {
	raw, ok := input[field]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}

func matchThreshold(operator string, value, threshold float64) bool {
	switch operator {
	case "gt":
		return value > threshold
	case "gte":
		return value >= threshold
	case "lt":
		return value < threshold
	case "lte":
		return value <= threshold
	case "eq":
		return value == threshold
	default:
		return false
	}
}
