package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/pkggate/pkggate/internal/policy/facts"
	"github.com/pkggate/pkggate/internal/registry"
)

// Outcome values for a Decision.
const (
	OutcomeAllow = "allow"
	OutcomeDeny  = "deny"
)

// Decision is the engine's verdict for one coordinate. It is produced once
// per cache generation and immutable afterwards.
type Decision struct {
	Outcome          string         `json:"outcome"`
	ViolatedRules    []string       `json:"violated_rules"`
	EvaluatedMetrics map[string]any `json:"evaluated_metrics"`
	ComputedAt       time.Time      `json:"computed_at"`
}

// Deny reports whether the decision is a deny.
func (d Decision) Deny() bool { return d.Outcome == OutcomeDeny }

// FactResolver is the engine's view of the facts package: metric values are
// pulled on demand, never eagerly.
type FactResolver interface {
	Resolve(ctx context.Context, coord registry.Coordinate, names []string) map[string]any
	ResolveAll(ctx context.Context, coord registry.Coordinate) map[string]any
}

// Engine evaluates coordinates against one compiled rule set. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	rules    *CompiledRuleSet
	resolver FactResolver
	logger   *slog.Logger
}

// NewEngine wires the engine to its rule set and fact resolver.
func NewEngine(rules *CompiledRuleSet, resolver FactResolver, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rules:    rules,
		resolver: resolver,
		logger:   logger.With(slog.String("agent", "policy")),
	}
}

// Evaluate applies the rule set to one coordinate. Rule order is fixed:
// regex exclude, regex include, metric constraints (sorted by name), license,
// expressions. With failFast the first violation ends evaluation; otherwise
// every violated rule is collected. Unresolvable metrics are skipped rather
// than failed, unless the constraint marks them required.
func (e *Engine) Evaluate(ctx context.Context, coord registry.Coordinate) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	decision := Decision{
		Outcome:          OutcomeAllow,
		ViolatedRules:    []string{},
		EvaluatedMetrics: map[string]any{},
		ComputedAt:       time.Now().UTC(),
	}
	if e.rules == nil || !e.rules.Enabled {
		return decision, nil
	}

	eval := &evaluation{decision: &decision, failFast: e.rules.FailFast}

	e.evaluateRegex(coord, eval)
	if !eval.done() {
		e.evaluateMetrics(ctx, coord, eval)
	}
	if !eval.done() {
		e.evaluateLicense(ctx, coord, eval)
	}
	if !eval.done() {
		e.evaluateExpressions(ctx, coord, eval)
	}

	if len(decision.ViolatedRules) > 0 {
		decision.Outcome = OutcomeDeny
	}
	e.logger.Debug("policy evaluated",
		slog.String("package", coord.String()),
		slog.String("outcome", decision.Outcome),
		slog.Int("violations", len(decision.ViolatedRules)))
	return decision, nil
}

// evaluation tracks the violation list for one run and whether fail-fast has
// ended it early.
type evaluation struct {
	decision *Decision
	failFast bool
}

func (ev *evaluation) violate(rule string) {
	ev.decision.ViolatedRules = append(ev.decision.ViolatedRules, rule)
}

func (ev *evaluation) done() bool {
	return ev.failFast && len(ev.decision.ViolatedRules) > 0
}

func (e *Engine) evaluateRegex(coord registry.Coordinate, ev *evaluation) {
	// Exclusion wins over inclusion.
	for _, excl := range e.rules.exclude {
		if excl.pattern.MatchString(coord.Name) {
			ev.violate("excluded by pattern: " + excl.source)
			if ev.done() {
				return
			}
		}
	}
	if len(e.rules.include) == 0 {
		return
	}
	for _, incl := range e.rules.include {
		if incl.pattern.MatchString(coord.Name) {
			return
		}
	}
	ev.violate("not matched by any include pattern")
}

func (e *Engine) evaluateMetrics(ctx context.Context, coord registry.Coordinate, ev *evaluation) {
	if len(e.rules.metricNames) == 0 {
		return
	}
	resolved := e.resolve(ctx, coord, e.rules.metricNames)

	for _, name := range e.rules.metricNames {
		constraint := e.rules.Metrics[name]
		value, ok := resolved[name]
		ev.decision.EvaluatedMetrics[name] = value

		if !ok {
			// Missing is not failing unless the rule demands presence.
			if constraint.Required {
				ev.violate("missing metric: " + name)
				if ev.done() {
					return
				}
			}
			continue
		}
		for _, violation := range checkConstraint(name, constraint, value) {
			ev.violate(violation)
			if ev.done() {
				return
			}
		}
	}
}

func (e *Engine) evaluateLicense(ctx context.Context, coord registry.Coordinate, ev *evaluation) {
	if !e.rules.License.Enabled {
		return
	}
	resolved := e.resolve(ctx, coord, []string{facts.MetricLicenseID, facts.MetricLicenseAvailable})
	licenseID, ok := resolved[facts.MetricLicenseID].(string)
	ev.decision.EvaluatedMetrics[facts.MetricLicenseID] = resolved[facts.MetricLicenseID]
	ev.decision.EvaluatedMetrics[facts.MetricLicenseAvailable] = resolved[facts.MetricLicenseAvailable]

	if !ok || licenseID == "" {
		if !e.rules.License.AllowUnknown {
			ev.violate("license unknown and allow_unknown=false")
		}
		return
	}
	if _, disallowed := e.rules.disallowed[licenseID]; disallowed {
		ev.violate("license " + licenseID + " is disallowed")
	}
}

func (e *Engine) evaluateExpressions(ctx context.Context, coord registry.Coordinate, ev *evaluation) {
	if len(e.rules.programs) == 0 {
		return
	}
	var resolved map[string]any
	if e.resolver != nil {
		resolved = e.resolver.ResolveAll(ctx, coord)
	} else {
		resolved = map[string]any{}
	}
	for name, value := range resolved {
		ev.decision.EvaluatedMetrics[name] = value
	}
	activation := map[string]any{
		"facts": resolved,
		"pkg": map[string]any{
			"ecosystem": string(coord.Ecosystem),
			"name":      coord.Name,
			"version":   coord.Version,
		},
	}
	for _, program := range e.rules.programs {
		ok, err := program.Eval(activation)
		if err != nil {
			// Expressions over unresolved facts error at runtime; that
			// is an unresolved rule, not a violation.
			e.logger.Debug("expression unresolved",
				slog.String("expression", program.Source()), slog.Any("error", err))
			continue
		}
		if !ok {
			ev.violate("expression not satisfied: " + program.Source())
			if ev.done() {
				return
			}
		}
	}
}

func (e *Engine) resolve(ctx context.Context, coord registry.Coordinate, names []string) map[string]any {
	if e.resolver == nil {
		return map[string]any{}
	}
	return e.resolver.Resolve(ctx, coord, names)
}

// checkConstraint applies every configured comparator for one metric and
// returns the violations in comparator-declaration order.
func checkConstraint(name string, c MetricConstraint, value any) []string {
	var violations []string
	fail := func(comparator string, expected, actual any) {
		violations = append(violations,
			fmt.Sprintf("%s %s %v failed (actual: %v)", name, comparator, expected, actual))
	}

	if c.Min != nil {
		if actual, ok := toFloat(value); !ok || actual < *c.Min {
			fail("min", *c.Min, value)
		}
	}
	if c.Max != nil {
		if actual, ok := toFloat(value); !ok || actual > *c.Max {
			fail("max", *c.Max, value)
		}
	}
	if c.Eq != nil && !looseEqual(value, c.Eq) {
		fail("eq", c.Eq, value)
	}
	if c.Ne != nil && looseEqual(value, c.Ne) {
		fail("ne", c.Ne, value)
	}
	if len(c.In) > 0 && !containsLoose(c.In, value) {
		fail("in", c.In, value)
	}
	if len(c.NotIn) > 0 && containsLoose(c.NotIn, value) {
		fail("not_in", c.NotIn, value)
	}
	return violations
}

// toFloat widens any numeric representation to float64. Strings that parse
// as numbers count: collaborator payloads arrive as loosely typed JSON.
func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// looseEqual compares numerically when both sides are numeric, otherwise by
// string rendering. It keeps "1" == 1 and true == true intuitive across the
// YAML/JSON boundary.
func looseEqual(a, b any) bool {
	fa, aok := toFloat(a)
	fb, bok := toFloat(b)
	if aok && bok {
		return fa == fb
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func containsLoose(set []any, value any) bool {
	for _, candidate := range set {
		if looseEqual(candidate, value) {
			return true
		}
	}
	return false
}
