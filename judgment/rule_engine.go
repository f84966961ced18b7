package judgment

import "context"

// Verdict is what a RuleEngine returns for one evaluation.
type Verdict struct {
	Result     Class
	Confidence ConfidenceVector
	RuleIDs    []string
}

// RuleEngine is the external collaborator spec.md §1 describes: the
// rule-script interpreter judgment depends on but does not itself
// implement. Production deployments wire this to the ruledeploy package's
// compiled RuleScript runner; judgment only needs this narrow interface.
type RuleEngine interface {
	Evaluate(ctx context.Context, rulesetID string, rulesetVersion int, input map[string]interface{}) (Verdict, error)
}
