package policy

import (
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/wudi/schemahub/internal/config"
	"github.com/wudi/schemahub/internal/schema"
)

// Env is the expression environment for breaking-change policy rules.
type Env struct {
	Organization string `expr:"organization"`
	Project      string `expr:"project"`
	Target       string `expr:"target"`
	Initial      bool   `expr:"initial"`
}

// NewEnv builds the rule environment for a target selector.
func NewEnv(selector schema.TargetSelector, initial bool) Env {
	return Env{
		Organization: selector.Organization,
		Project:      selector.Project,
		Target:       selector.Target,
		Initial:      initial,
	}
}

// CompiledRule is a pre-compiled policy rule ready for evaluation.
type CompiledRule struct {
	ID         string
	Expression string
	program    *vm.Program
	targets    []string
	Enabled    bool
}

// CompileRule compiles a rule config against the policy environment.
func CompileRule(cfg config.PolicyRuleConfig) (*CompiledRule, error) {
	enabled := true
	if cfg.Enabled != nil {
		enabled = *cfg.Enabled
	}

	program, err := expr.Compile(cfg.Expression, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("rule %s: failed to compile expression: %w", cfg.ID, err)
	}

	return &CompiledRule{
		ID:         cfg.ID,
		Expression: cfg.Expression,
		program:    program,
		targets:    cfg.Targets,
		Enabled:    enabled,
	}, nil
}

// Evaluate runs the compiled program against the given environment.
func (cr *CompiledRule) Evaluate(env Env) (bool, error) {
	output, err := expr.Run(cr.program, env)
	if err != nil {
		return false, err
	}
	result, ok := output.(bool)
	if !ok {
		return false, fmt.Errorf("rule %s: expression did not return bool", cr.ID)
	}
	return result, nil
}

// AppliesTo reports whether the rule's target globs cover the selector.
// A rule with no targets applies to every target.
func (cr *CompiledRule) AppliesTo(selector schema.TargetSelector) bool {
	if len(cr.targets) == 0 {
		return true
	}
	path := selector.String()
	for _, pattern := range cr.targets {
		matched, _ := doublestar.Match(pattern, path)
		if matched {
			return true
		}
	}
	return false
}
