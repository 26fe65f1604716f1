package policy

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wudi/schemahub/internal/config"
	"github.com/wudi/schemahub/internal/logging"
	"github.com/wudi/schemahub/internal/schema"
)

// Decision is the outcome of consulting the breaking-change policy.
type Decision struct {
	Accept bool
	RuleID string
}

// Engine holds compiled breaking-change acceptance rules with metrics.
// Rules are evaluated in configuration order; the first rule whose
// target globs and expression both match decides.
type Engine struct {
	rules   []*CompiledRule
	metrics *Metrics
}

// NewEngine compiles all policy rules from config.
func NewEngine(cfgs []config.PolicyRuleConfig) (*Engine, error) {
	e := &Engine{
		metrics: NewMetrics(),
	}

	for _, cfg := range cfgs {
		cr, err := CompileRule(cfg)
		if err != nil {
			return nil, err
		}
		e.rules = append(e.rules, cr)
	}

	return e, nil
}

// AcceptBreaking evaluates the rules in order for the given target.
// Evaluation errors are logged and the offending rule is treated as
// non-matching.
func (e *Engine) AcceptBreaking(selector schema.TargetSelector, initial bool) Decision {
	env := NewEnv(selector, initial)

	for _, rule := range e.rules {
		if !rule.Enabled {
			continue
		}
		if !rule.AppliesTo(selector) {
			continue
		}

		e.metrics.Evaluated.Add(1)

		matched, err := rule.Evaluate(env)
		if err != nil {
			e.metrics.Errors.Add(1)
			logging.Error("rule evaluation error", zap.String("rule_id", rule.ID), zap.Error(err))
			continue
		}

		if !matched {
			continue
		}

		e.metrics.Matched.Add(1)
		return Decision{Accept: true, RuleID: rule.ID}
	}

	return Decision{}
}

// HasRules returns true if any policy rules are configured.
func (e *Engine) HasRules() bool {
	return len(e.rules) > 0
}

// GetMetrics returns the metrics snapshot.
func (e *Engine) GetMetrics() MetricsSnapshot {
	return e.metrics.Snapshot()
}

// Metrics tracks rule evaluation statistics with atomic counters.
type Metrics struct {
	Evaluated atomic.Int64
	Matched   atomic.Int64
	Errors    atomic.Int64
}

// NewMetrics creates an empty Metrics.
func NewMetrics() *Metrics {
	return &Metrics{}
}

// MetricsSnapshot is a point-in-time copy of Metrics for JSON serialization.
type MetricsSnapshot struct {
	Evaluated int64 `json:"evaluated"`
	Matched   int64 `json:"matched"`
	Errors    int64 `json:"errors"`
}

// Snapshot returns a point-in-time copy of the metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		Evaluated: m.Evaluated.Load(),
		Matched:   m.Matched.Load(),
		Errors:    m.Errors.Load(),
	}
}
