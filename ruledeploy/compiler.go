package ruledeploy

import (
	"fmt"
	"strings"
)

// Compiler is the external collaborator a RuleScript's source is checked
// against before a version can leave draft. Production deployments wire
// this to whatever rule-script language the floor actually authors in;
// ruledeploy only needs pass/fail plus an error.
type Compiler interface {
	Compile(source string) error
}

// SyntaxCompiler is a minimal reference Compiler: it rejects empty source
// and source with unbalanced braces, the same "smallest useful
// implementation" role InProcessRuleEngine plays for judgment.RuleEngine.
type SyntaxCompiler struct{}

func NewSyntaxCompiler() *SyntaxCompiler { return &SyntaxCompiler{} }

func (c *SyntaxCompiler) Compile(source string) error {
	trimmed := strings.TrimSpace(source)
	if trimmed == "" {
		return fmt.Errorf("empty rule script source")
	}
	if strings.Count(trimmed, "{") != strings.Count(trimmed, "}") {
		return fmt.Errorf("unbalanced braces in rule script source")
	}
	return nil
}
