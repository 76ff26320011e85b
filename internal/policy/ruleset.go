// Package policy evaluates package coordinates against a declarative rule
// set and produces allow/deny decisions with an account of every violated
// rule and evaluated metric.
package policy

import (
	"fmt"
	"regexp"
	"sort"
)

// RuleSet is the declarative policy document. It is loaded once at startup
// and immutable during serving.
type RuleSet struct {
	Enabled  bool `koanf:"enabled"`
	FailFast bool `koanf:"failFast"`

	// Metrics maps a metric name onto its constraint block.
	Metrics map[string]MetricConstraint `koanf:"metrics"`
	Regex   RegexRules                  `koanf:"regex"`
	License LicenseRule                 `koanf:"license"`

	// Expressions holds CEL rules evaluated against the resolved facts.
	Expressions []string `koanf:"expressions"`
}

// MetricConstraint constrains one metric. Comparator semantics: min ⇒ >=,
// max ⇒ <=. A metric that cannot be resolved is skipped unless Required is
// set, in which case its absence is itself a violation.
type MetricConstraint struct {
	Min      *float64 `koanf:"min"`
	Max      *float64 `koanf:"max"`
	Eq       any      `koanf:"eq"`
	Ne       any      `koanf:"ne"`
	In       []any    `koanf:"in"`
	NotIn    []any    `koanf:"notIn"`
	Required bool     `koanf:"required"`
}

func (c MetricConstraint) empty() bool {
	return c.Min == nil && c.Max == nil && c.Eq == nil && c.Ne == nil &&
		len(c.In) == 0 && len(c.NotIn) == 0 && !c.Required
}

// RegexRules filter on the package name. Exclusion wins over inclusion and is
// always evaluated first.
type RegexRules struct {
	Include []string `koanf:"include"`
	Exclude []string `koanf:"exclude"`
}

// LicenseRule denies packages whose discovered license is disallowed.
// AllowUnknown controls whether an undiscoverable license passes or fails.
type LicenseRule struct {
	Enabled      bool     `koanf:"enabled"`
	Disallowed   []string `koanf:"disallowed"`
	AllowUnknown bool     `koanf:"allowUnknown"`
}

// compiledPattern keeps the original source next to the compiled expression
// so violation messages can cite the configured pattern verbatim.
type compiledPattern struct {
	source  string
	pattern *regexp.Regexp
}

// CompiledRuleSet is a RuleSet with its regular expressions and CEL programs
// compiled. Compilation failures are configuration errors: the proxy refuses
// to start rather than serve with an ambiguous policy.
type CompiledRuleSet struct {
	RuleSet

	include     []compiledPattern
	exclude     []compiledPattern
	programs    []ExprProgram
	metricNames []string
	disallowed  map[string]struct{}
}

// Compile validates and compiles a rule set. env may be nil when the rule set
// declares no expressions.
func Compile(rs RuleSet, env *ExprEnvironment) (*CompiledRuleSet, error) {
	compiled := &CompiledRuleSet{RuleSet: rs}

	for _, src := range rs.Regex.Include {
		pattern, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("policy: regex include %q: %w", src, err)
		}
		compiled.include = append(compiled.include, compiledPattern{source: src, pattern: pattern})
	}
	for _, src := range rs.Regex.Exclude {
		pattern, err := regexp.Compile(src)
		if err != nil {
			return nil, fmt.Errorf("policy: regex exclude %q: %w", src, err)
		}
		compiled.exclude = append(compiled.exclude, compiledPattern{source: src, pattern: pattern})
	}

	for name, constraint := range rs.Metrics {
		if constraint.empty() {
			return nil, fmt.Errorf("policy: metric %q has no comparator", name)
		}
		if constraint.Min != nil && constraint.Max != nil && *constraint.Min > *constraint.Max {
			return nil, fmt.Errorf("policy: metric %q: min %v exceeds max %v", name, *constraint.Min, *constraint.Max)
		}
		compiled.metricNames = append(compiled.metricNames, name)
	}
	// YAML mappings carry no ordering into Go maps, so metric rules run in
	// sorted-name order to keep fail-fast deterministic.
	sort.Strings(compiled.metricNames)

	if rs.License.Enabled {
		compiled.disallowed = make(map[string]struct{}, len(rs.License.Disallowed))
		for _, id := range rs.License.Disallowed {
			compiled.disallowed[id] = struct{}{}
		}
	}

	if len(rs.Expressions) > 0 {
		if env == nil {
			var err error
			env, err = NewExprEnvironment()
			if err != nil {
				return nil, err
			}
		}
		for _, src := range rs.Expressions {
			program, err := env.Compile(src)
			if err != nil {
				return nil, err
			}
			compiled.programs = append(compiled.programs, program)
		}
	}
	return compiled, nil
}
