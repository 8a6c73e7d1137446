package reason

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/savornet/backline/internal/config"
	"github.com/savornet/backline/internal/types"
)

func TestRuleComparator(t *testing.T) {
	tests := []struct {
		name  string
		op    Op
		value float64
		want  bool
	}{
		{"gt above", OpGT, 11, true},
		{"gt equal", OpGT, 10, false},
		{"gte equal", OpGTE, 10, true},
		{"lt below", OpLT, 9, true},
		{"lt equal", OpLT, 10, false},
		{"lte equal", OpLTE, 10, true},
		{"lte above", OpLTE, 11, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := Rule{ID: "cmp-test", Op: tt.op, Threshold: 10}
			if got := r.Matches(tt.value); got != tt.want {
				t.Errorf("Matches(%v) with %s 10 = %v, want %v", tt.value, tt.op, got, tt.want)
			}
		})
	}
}

func TestRuleThresholdOverride(t *testing.T) {
	config.Reset()
	t.Cleanup(config.Reset)

	r := Rule{ID: "waste-rate-high", Op: OpGTE, Threshold: 0.08}
	if !r.Matches(0.09) {
		t.Fatal("0.09 should match the default 0.08 threshold")
	}
	config.Set("reason.rule_thresholds.waste-rate-high", 0.20)
	if r.Matches(0.09) {
		t.Error("override to 0.20 should stop 0.09 from matching")
	}
	if !r.Matches(0.25) {
		t.Error("0.25 should match the overridden threshold")
	}
}

func TestFuseVotesEmpty(t *testing.T) {
	sev, conf := FuseVotes(nil)
	if sev != types.SeverityOK {
		t.Errorf("no votes should fuse to OK, got %s", sev)
	}
	if conf <= 0 || conf > 1 {
		t.Errorf("confidence %v out of range", conf)
	}
}

func TestFuseVotesWorstWins(t *testing.T) {
	sev, _ := FuseVotes([]Vote{
		{RuleID: "a", Severity: types.SeverityP3, Confidence: 0.6},
		{RuleID: "b", Severity: types.SeverityP1, Confidence: 0.85},
		{RuleID: "c", Severity: types.SeverityP2, Confidence: 0.7},
	})
	if sev != types.SeverityP1 {
		t.Errorf("fused severity = %s, want P1 (worst vote)", sev)
	}
}

func TestFuseVotesAgreementRaisesConfidence(t *testing.T) {
	_, alone := FuseVotes([]Vote{
		{RuleID: "a", Severity: types.SeverityP2, Confidence: 0.7},
	})
	_, agreed := FuseVotes([]Vote{
		{RuleID: "a", Severity: types.SeverityP2, Confidence: 0.7},
		{RuleID: "b", Severity: types.SeverityP2, Confidence: 0.6},
	})
	if agreed <= alone {
		t.Errorf("agreement should raise confidence: alone=%v agreed=%v", alone, agreed)
	}
}

func TestFuseVotesConflictLowersConfidence(t *testing.T) {
	_, clean := FuseVotes([]Vote{
		{RuleID: "a", Severity: types.SeverityP1, Confidence: 0.85},
	})
	_, conflicted := FuseVotes([]Vote{
		{RuleID: "a", Severity: types.SeverityP1, Confidence: 0.85},
		{RuleID: "b", Severity: types.SeverityP3, Confidence: 0.6},
	})
	if conflicted >= clean {
		t.Errorf("conflicting severities should lower confidence: clean=%v conflicted=%v", clean, conflicted)
	}
}

func TestFuseVotesBounds(t *testing.T) {
	_, conf := FuseVotes([]Vote{
		{RuleID: "a", Severity: types.SeverityP1, Confidence: 0.95},
		{RuleID: "b", Severity: types.SeverityP1, Confidence: 0.95},
		{RuleID: "c", Severity: types.SeverityP1, Confidence: 0.95},
	})
	if conf > 0.99 {
		t.Errorf("confidence %v exceeds cap", conf)
	}
	_, conf = FuseVotes([]Vote{
		{RuleID: "a", Severity: types.SeverityP1, Confidence: 0.35},
		{RuleID: "b", Severity: types.SeverityP3, Confidence: 0.6},
		{RuleID: "c", Severity: types.SeverityP3, Confidence: 0.6},
		{RuleID: "d", Severity: types.SeverityP2, Confidence: 0.6},
	})
	if conf < 0.30 {
		t.Errorf("confidence %v below floor", conf)
	}
}

func TestEvaluateRulesSkipsMissingMetrics(t *testing.T) {
	rules := []Rule{
		{ID: "present", Metric: "waste_rate", Op: OpGTE, Threshold: 0.05, Severity: types.SeverityP2, Confidence: 0.7},
		{ID: "absent", Metric: "refund_rate", Op: OpGTE, Threshold: 0.01, Severity: types.SeverityP1, Confidence: 0.9},
	}
	votes := EvaluateRules(rules, map[string]float64{"waste_rate": 0.1})
	if len(votes) != 1 || votes[0].RuleID != "present" {
		t.Errorf("votes = %+v, want only the rule whose metric is present", votes)
	}
}

func TestBuiltinRulesValid(t *testing.T) {
	for dim, rules := range builtinRules {
		if len(rules) == 0 {
			t.Errorf("dimension %s has no builtin rules", dim)
		}
		for _, r := range rules {
			if err := r.Validate(); err != nil {
				t.Errorf("builtin rule invalid: %v", err)
			}
			if r.Dimension != dim {
				t.Errorf("rule %s filed under %s but declares %s", r.ID, dim, r.Dimension)
			}
		}
	}
}

func TestLoadRulepack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	pack := `
rules:
  - id: custom-waste
    dimension: waste
    metric: waste_rate
    op: gte
    threshold: 0.30
    severity: P1
    confidence: 0.9
    description: "waste rate beyond local tolerance"
    recommendations:
      - "walk the line during close"
`
	if err := os.WriteFile(path, []byte(pack), 0o644); err != nil {
		t.Fatal(err)
	}

	rp, err := LoadRulepack(path)
	if err != nil {
		t.Fatalf("LoadRulepack failed: %v", err)
	}
	sets := rp.RuleSets()

	// waste replaced wholesale, others stay on builtins
	if len(sets[types.DimensionWaste]) != 1 || sets[types.DimensionWaste][0].ID != "custom-waste" {
		t.Errorf("waste rules = %+v, want the single pack rule", sets[types.DimensionWaste])
	}
	if len(sets[types.DimensionCost]) != len(builtinRules[types.DimensionCost]) {
		t.Error("cost rules should remain on builtins")
	}
}

func TestLoadRulepackRejectsBadRules(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad op", "rules:\n  - {id: x, dimension: waste, metric: m, op: between, threshold: 1, severity: P1, confidence: 0.5}"},
		{"ok severity", "rules:\n  - {id: x, dimension: waste, metric: m, op: gt, threshold: 1, severity: OK, confidence: 0.5}"},
		{"no metric", "rules:\n  - {id: x, dimension: waste, op: gt, threshold: 1, severity: P1, confidence: 0.5}"},
		{"duplicate id", "rules:\n  - {id: x, dimension: waste, metric: m, op: gt, threshold: 1, severity: P1, confidence: 0.5}\n  - {id: x, dimension: cost, metric: m, op: gt, threshold: 1, severity: P2, confidence: 0.5}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "rules.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadRulepack(path); err == nil {
				t.Error("expected a validation error")
			}
		})
	}
}
