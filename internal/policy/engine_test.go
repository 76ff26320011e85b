package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pkggate/pkggate/internal/policy/facts"
	"github.com/pkggate/pkggate/internal/registry"
)

// stubResolver serves canned facts and counts how often each source runs.
type stubResolver struct {
	values map[string]any
	calls  int
}

func (s *stubResolver) Resolve(_ context.Context, _ registry.Coordinate, names []string) map[string]any {
	s.calls++
	out := make(map[string]any, len(names))
	for _, name := range names {
		if value, ok := s.values[name]; ok {
			out[name] = value
		}
	}
	return out
}

func (s *stubResolver) ResolveAll(_ context.Context, _ registry.Coordinate) map[string]any {
	s.calls++
	out := make(map[string]any, len(s.values))
	for name, value := range s.values {
		out[name] = value
	}
	return out
}

func compileRules(t *testing.T, rs RuleSet) *CompiledRuleSet {
	t.Helper()
	compiled, err := Compile(rs, nil)
	require.NoError(t, err)
	return compiled
}

func floatPtr(v float64) *float64 { return &v }

func TestEvaluateDisabledRuleSetAllows(t *testing.T) {
	rules := compileRules(t, RuleSet{
		Enabled: false,
		Regex:   RegexRules{Exclude: []string{".*"}},
	})
	engine := NewEngine(rules, &stubResolver{}, nil)

	decision, err := engine.Evaluate(context.Background(), registry.Coordinate{Name: "anything"})
	require.NoError(t, err)
	require.Equal(t, OutcomeAllow, decision.Outcome)
	require.Empty(t, decision.ViolatedRules)
}

func TestEvaluateRegexRules(t *testing.T) {
	coord := func(name string) registry.Coordinate {
		return registry.Coordinate{Ecosystem: registry.EcosystemNPM, Name: name, Version: "1.0.0"}
	}

	tests := []struct {
		name      string
		rules     RuleSet
		pkg       string
		violated  []string
	}{
		{
			name: "exclude pattern denies",
			rules: RuleSet{
				Enabled: true,
				Regex:   RegexRules{Exclude: []string{"^test-"}},
			},
			pkg:      "test-package",
			violated: []string{"excluded by pattern: ^test-"},
		},
		{
			name: "exclude wins over include",
			rules: RuleSet{
				Enabled: true,
				Regex: RegexRules{
					Include: []string{"^test-"},
					Exclude: []string{"^test-"},
				},
			},
			pkg:      "test-package",
			violated: []string{"excluded by pattern: ^test-"},
		},
		{
			name: "include miss denies",
			rules: RuleSet{
				Enabled: true,
				Regex:   RegexRules{Include: []string{"^@corp/"}},
			},
			pkg:      "left-pad",
			violated: []string{"not matched by any include pattern"},
		},
		{
			name: "include match allows",
			rules: RuleSet{
				Enabled: true,
				Regex:   RegexRules{Include: []string{"^@corp/"}},
			},
			pkg:      "@corp/tooling",
			violated: []string{},
		},
		{
			name: "no regex rules allows",
			rules: RuleSet{
				Enabled: true,
			},
			pkg:      "left-pad",
			violated: []string{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			engine := NewEngine(compileRules(t, tc.rules), &stubResolver{}, nil)
			decision, err := engine.Evaluate(context.Background(), coord(tc.pkg))
			require.NoError(t, err)
			require.Equal(t, tc.violated, decision.ViolatedRules)
			if len(tc.violated) > 0 {
				require.Equal(t, OutcomeDeny, decision.Outcome)
			} else {
				require.Equal(t, OutcomeAllow, decision.Outcome)
			}
		})
	}
}

func TestEvaluateMetricConstraints(t *testing.T) {
	coord := registry.Coordinate{Ecosystem: registry.EcosystemNPM, Name: "left-pad", Version: "1.3.0"}

	tests := []struct {
		name     string
		metrics  map[string]MetricConstraint
		facts    map[string]any
		violated []string
	}{
		{
			name:     "min passes on boundary",
			metrics:  map[string]MetricConstraint{"repo.stars": {Min: floatPtr(100)}},
			facts:    map[string]any{"repo.stars": 100},
			violated: []string{},
		},
		{
			name:     "min fails below boundary",
			metrics:  map[string]MetricConstraint{"repo.stars": {Min: floatPtr(100)}},
			facts:    map[string]any{"repo.stars": 99},
			violated: []string{"repo.stars min 100 failed (actual: 99)"},
		},
		{
			name:     "max fails above boundary",
			metrics:  map[string]MetricConstraint{"heuristics.score": {Max: floatPtr(0.5)}},
			facts:    map[string]any{"heuristics.score": 0.7},
			violated: []string{"heuristics.score max 0.5 failed (actual: 0.7)"},
		},
		{
			name:     "eq tolerates numeric strings",
			metrics:  map[string]MetricConstraint{"version.count": {Eq: 3}},
			facts:    map[string]any{"version.count": "3"},
			violated: []string{},
		},
		{
			name:     "ne fails on equality",
			metrics:  map[string]MetricConstraint{"license.id": {Ne: "GPL-3.0"}},
			facts:    map[string]any{"license.id": "GPL-3.0"},
			violated: []string{"license.id ne GPL-3.0 failed (actual: GPL-3.0)"},
		},
		{
			name:     "in fails outside the set",
			metrics:  map[string]MetricConstraint{"ecosystem": {In: []any{"npm", "pypi"}}},
			facts:    map[string]any{"ecosystem": "maven"},
			violated: []string{"ecosystem in [npm pypi] failed (actual: maven)"},
		},
		{
			name:     "not_in fails inside the set",
			metrics:  map[string]MetricConstraint{"license.id": {NotIn: []any{"AGPL-3.0"}}},
			facts:    map[string]any{"license.id": "AGPL-3.0"},
			violated: []string{"license.id not_in [AGPL-3.0] failed (actual: AGPL-3.0)"},
		},
		{
			name:     "unresolved metric is skipped",
			metrics:  map[string]MetricConstraint{"repo.stars": {Min: floatPtr(100)}},
			facts:    map[string]any{},
			violated: []string{},
		},
		{
			name:     "unresolved required metric fails",
			metrics:  map[string]MetricConstraint{"repo.stars": {Min: floatPtr(100), Required: true}},
			facts:    map[string]any{},
			violated: []string{"missing metric: repo.stars"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rules := compileRules(t, RuleSet{Enabled: true, Metrics: tc.metrics})
			engine := NewEngine(rules, &stubResolver{values: tc.facts}, nil)
			decision, err := engine.Evaluate(context.Background(), coord)
			require.NoError(t, err)
			require.Equal(t, tc.violated, decision.ViolatedRules)
		})
	}
}

func TestEvaluateLicense(t *testing.T) {
	coord := registry.Coordinate{Ecosystem: registry.EcosystemPyPI, Name: "requests", Version: "2.31.0"}

	tests := []struct {
		name     string
		rule     LicenseRule
		facts    map[string]any
		violated []string
	}{
		{
			name:     "allowed license passes",
			rule:     LicenseRule{Enabled: true, Disallowed: []string{"AGPL-3.0"}},
			facts:    map[string]any{facts.MetricLicenseID: "MIT", facts.MetricLicenseAvailable: true},
			violated: []string{},
		},
		{
			name:     "disallowed license denies",
			rule:     LicenseRule{Enabled: true, Disallowed: []string{"AGPL-3.0"}},
			facts:    map[string]any{facts.MetricLicenseID: "AGPL-3.0", facts.MetricLicenseAvailable: true},
			violated: []string{"license AGPL-3.0 is disallowed"},
		},
		{
			name:     "unknown license denied by default",
			rule:     LicenseRule{Enabled: true, Disallowed: []string{"AGPL-3.0"}},
			facts:    map[string]any{},
			violated: []string{"license unknown and allow_unknown=false"},
		},
		{
			name:     "unknown license allowed when configured",
			rule:     LicenseRule{Enabled: true, Disallowed: []string{"AGPL-3.0"}, AllowUnknown: true},
			facts:    map[string]any{},
			violated: []string{},
		},
		{
			name:     "disabled license rule never fires",
			rule:     LicenseRule{Enabled: false, Disallowed: []string{"MIT"}},
			facts:    map[string]any{facts.MetricLicenseID: "MIT"},
			violated: []string{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rules := compileRules(t, RuleSet{Enabled: true, License: tc.rule})
			engine := NewEngine(rules, &stubResolver{values: tc.facts}, nil)
			decision, err := engine.Evaluate(context.Background(), coord)
			require.NoError(t, err)
			require.Equal(t, tc.violated, decision.ViolatedRules)
			if tc.rule.Enabled {
				require.Contains(t, decision.EvaluatedMetrics, facts.MetricLicenseID)
				require.Contains(t, decision.EvaluatedMetrics, facts.MetricLicenseAvailable)
				require.Equal(t, tc.facts[facts.MetricLicenseAvailable], decision.EvaluatedMetrics[facts.MetricLicenseAvailable])
			}
		})
	}
}

func TestEvaluateFailFast(t *testing.T) {
	coord := registry.Coordinate{Ecosystem: registry.EcosystemNPM, Name: "test-package", Version: "1.0.0"}
	rs := RuleSet{
		Enabled: true,
		Regex:   RegexRules{Exclude: []string{"^test-"}},
		Metrics: map[string]MetricConstraint{
			"repo.stars": {Min: floatPtr(100)},
		},
		License: LicenseRule{Enabled: true, Disallowed: []string{"AGPL-3.0"}},
	}
	resolver := &stubResolver{values: map[string]any{
		"repo.stars":            5,
		facts.MetricLicenseID:   "AGPL-3.0",
	}}

	t.Run("collects every violation by default", func(t *testing.T) {
		engine := NewEngine(compileRules(t, rs), resolver, nil)
		decision, err := engine.Evaluate(context.Background(), coord)
		require.NoError(t, err)
		require.Equal(t, []string{
			"excluded by pattern: ^test-",
			"repo.stars min 100 failed (actual: 5)",
			"license AGPL-3.0 is disallowed",
		}, decision.ViolatedRules)
	})

	t.Run("fail fast stops at the first violation", func(t *testing.T) {
		fast := rs
		fast.FailFast = true
		engine := NewEngine(compileRules(t, fast), resolver, nil)
		decision, err := engine.Evaluate(context.Background(), coord)
		require.NoError(t, err)
		require.Equal(t, []string{"excluded by pattern: ^test-"}, decision.ViolatedRules)
	})
}

func TestEvaluateExpressions(t *testing.T) {
	coord := registry.Coordinate{Ecosystem: registry.EcosystemNPM, Name: "left-pad", Version: "1.3.0"}

	tests := []struct {
		name     string
		exprs    []string
		facts    map[string]any
		violated []string
	}{
		{
			name:     "satisfied expression allows",
			exprs:    []string{`pkg.name != "left-pad" || pkg.version == "1.3.0"`},
			facts:    map[string]any{},
			violated: []string{},
		},
		{
			name:     "unsatisfied expression denies",
			exprs:    []string{`"repo.stars" in facts && double(facts["repo.stars"]) >= 100.0`},
			facts:    map[string]any{"repo.stars": 5.0},
			violated: []string{`expression not satisfied: "repo.stars" in facts && double(facts["repo.stars"]) >= 100.0`},
		},
		{
			name:     "expression over missing fact is skipped",
			exprs:    []string{`double(facts["repo.stars"]) >= 100.0`},
			facts:    map[string]any{},
			violated: []string{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rules := compileRules(t, RuleSet{Enabled: true, Expressions: tc.exprs})
			engine := NewEngine(rules, &stubResolver{values: tc.facts}, nil)
			decision, err := engine.Evaluate(context.Background(), coord)
			require.NoError(t, err)
			require.Equal(t, tc.violated, decision.ViolatedRules)
		})
	}
}

func TestEvaluateRecordsEvaluatedMetrics(t *testing.T) {
	rules := compileRules(t, RuleSet{
		Enabled: true,
		Metrics: map[string]MetricConstraint{"repo.stars": {Min: floatPtr(10)}},
	})
	engine := NewEngine(rules, &stubResolver{values: map[string]any{"repo.stars": 42}}, nil)

	decision, err := engine.Evaluate(context.Background(), registry.Coordinate{Name: "left-pad"})
	require.NoError(t, err)
	require.Equal(t, map[string]any{"repo.stars": 42}, decision.EvaluatedMetrics)
	require.False(t, decision.ComputedAt.IsZero())
}

func TestEvaluateCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	engine := NewEngine(compileRules(t, RuleSet{Enabled: true}), &stubResolver{}, nil)
	_, err := engine.Evaluate(ctx, registry.Coordinate{Name: "left-pad"})
	require.ErrorIs(t, err, context.Canceled)
}

func TestCompileRejectsBadConfiguration(t *testing.T) {
	tests := []struct {
		name string
		rs   RuleSet
	}{
		{
			name: "invalid regex",
			rs:   RuleSet{Regex: RegexRules{Exclude: []string{"("}}},
		},
		{
			name: "metric without comparator",
			rs:   RuleSet{Metrics: map[string]MetricConstraint{"repo.stars": {}}},
		},
		{
			name: "min above max",
			rs: RuleSet{Metrics: map[string]MetricConstraint{
				"repo.stars": {Min: floatPtr(10), Max: floatPtr(1)},
			}},
		},
		{
			name: "invalid expression",
			rs:   RuleSet{Expressions: []string{"not valid cel ((("}},
		},
		{
			name: "non-boolean expression",
			rs:   RuleSet{Expressions: []string{`pkg.name + "-suffix"`}},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Compile(tc.rs, nil)
			require.Error(t, err)
		})
	}
}
