// Package reason implements the diagnosis side of the platform: a five-step
// root-cause pipeline over operational data and a data-driven rule engine
// producing severity-scored reports per store and KPI dimension.
package reason

import (
	"fmt"
	"sort"

	"github.com/savornet/backline/internal/config"
	"github.com/savornet/backline/internal/types"
)

// Op is a threshold comparison operator.
type Op string

const (
	OpGT  Op = "gt"
	OpGTE Op = "gte"
	OpLT  Op = "lt"
	OpLTE Op = "lte"
)

// Rule is one immutable diagnostic rule. Rules carry no code: a single
// generic comparator evaluates every rule against the KPI context, which
// keeps the rule set data-driven and serializable for audit.
type Rule struct {
	ID              string          `yaml:"id"`
	Dimension       types.Dimension `yaml:"dimension"`
	Metric          string          `yaml:"metric"`
	Op              Op              `yaml:"op"`
	Threshold       float64         `yaml:"threshold"`
	Severity        types.Severity  `yaml:"severity"`
	Confidence      float64         `yaml:"confidence"`
	Description     string          `yaml:"description"`
	Recommendations []string        `yaml:"recommendations,omitempty"`
}

// Matches evaluates the rule against one KPI value.
func (r Rule) Matches(value float64) bool {
	// Threshold overrides come from configuration; the rule record itself
	// stays immutable.
	threshold := r.Threshold
	if t, ok := config.RuleThreshold(r.ID); ok {
		threshold = t
	}
	switch r.Op {
	case OpGT:
		return value > threshold
	case OpGTE:
		return value >= threshold
	case OpLT:
		return value < threshold
	case OpLTE:
		return value <= threshold
	}
	return false
}

// Validate checks a rule record, used when loading rulepacks.
func (r Rule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("rule requires an id")
	}
	if !r.Dimension.IsValid() {
		return fmt.Errorf("rule %s: invalid dimension %q", r.ID, r.Dimension)
	}
	if r.Metric == "" {
		return fmt.Errorf("rule %s: requires a metric", r.ID)
	}
	switch r.Op {
	case OpGT, OpGTE, OpLT, OpLTE:
	default:
		return fmt.Errorf("rule %s: invalid op %q", r.ID, r.Op)
	}
	if !r.Severity.IsValid() || r.Severity == types.SeverityOK {
		return fmt.Errorf("rule %s: invalid severity %q", r.ID, r.Severity)
	}
	if r.Confidence <= 0 || r.Confidence > 1 {
		return fmt.Errorf("rule %s: confidence %.3f out of range (0,1]", r.ID, r.Confidence)
	}
	return nil
}

// builtinRules is the chain-standard rule catalog, grouped by dimension.
// Thresholds reflect operating experience across the chain and are
// overridable per deployment.
var builtinRules = map[types.Dimension][]Rule{
	types.DimensionWaste: {
		{ID: "waste-rate-critical", Dimension: types.DimensionWaste, Metric: "waste_rate", Op: OpGTE, Threshold: 0.15, Severity: types.SeverityP1, Confidence: 0.90,
			Description:     "waste rate at or above 15% of throughput",
			Recommendations: []string{"freeze non-essential prep", "audit cold-chain handling for top wasted items"}},
		{ID: "waste-rate-high", Dimension: types.DimensionWaste, Metric: "waste_rate", Op: OpGTE, Threshold: 0.08, Severity: types.SeverityP2, Confidence: 0.80,
			Description:     "waste rate at or above 8% of throughput",
			Recommendations: []string{"review prep quantities against sales forecast"}},
		{ID: "waste-trend-up", Dimension: types.DimensionWaste, Metric: "waste_trend", Op: OpGTE, Threshold: 0.50, Severity: types.SeverityP3, Confidence: 0.60,
			Description:     "waste rate grew more than 50% versus the previous window",
			Recommendations: []string{"compare against the previous window's staffing and suppliers"}},
	},
	types.DimensionEfficiency: {
		{ID: "labor-efficiency-low", Dimension: types.DimensionEfficiency, Metric: "sales_per_labor_hour", Op: OpLT, Threshold: 150, Severity: types.SeverityP2, Confidence: 0.75,
			Description:     "sales per labor hour below target",
			Recommendations: []string{"rebalance shift schedule against hourly sales curve"}},
		{ID: "prep-time-high", Dimension: types.DimensionEfficiency, Metric: "avg_prep_minutes", Op: OpGT, Threshold: 25, Severity: types.SeverityP3, Confidence: 0.60,
			Description: "average prep time above 25 minutes"},
	},
	types.DimensionQuality: {
		{ID: "complaint-rate-critical", Dimension: types.DimensionQuality, Metric: "complaint_rate", Op: OpGTE, Threshold: 0.05, Severity: types.SeverityP1, Confidence: 0.85,
			Description:     "complaint rate at or above 5% of orders",
			Recommendations: []string{"pull recent complaint texts and check for a common dish"}},
		{ID: "complaint-rate-high", Dimension: types.DimensionQuality, Metric: "complaint_rate", Op: OpGTE, Threshold: 0.02, Severity: types.SeverityP2, Confidence: 0.70,
			Description: "complaint rate at or above 2% of orders"},
		{ID: "refund-rate-high", Dimension: types.DimensionQuality, Metric: "refund_rate", Op: OpGTE, Threshold: 0.03, Severity: types.SeverityP2, Confidence: 0.70,
			Description: "refund rate at or above 3% of orders"},
	},
	types.DimensionCost: {
		{ID: "food-cost-critical", Dimension: types.DimensionCost, Metric: "food_cost_ratio", Op: OpGTE, Threshold: 0.42, Severity: types.SeverityP1, Confidence: 0.85,
			Description:     "food cost ratio at or above 42% of revenue",
			Recommendations: []string{"check canonical cost changes on top-volume ingredients", "verify portioning against standard recipes"}},
		{ID: "food-cost-high", Dimension: types.DimensionCost, Metric: "food_cost_ratio", Op: OpGTE, Threshold: 0.36, Severity: types.SeverityP2, Confidence: 0.75,
			Description: "food cost ratio at or above 36% of revenue"},
		{ID: "cost-spike", Dimension: types.DimensionCost, Metric: "cost_vs_prev_window", Op: OpGTE, Threshold: 0.12, Severity: types.SeverityP3, Confidence: 0.60,
			Description: "cost grew more than 12% versus the previous window"},
	},
	types.DimensionInventory: {
		{ID: "inventory-variance-critical", Dimension: types.DimensionInventory, Metric: "variance_pct", Op: OpGTE, Threshold: 25, Severity: types.SeverityP1, Confidence: 0.85,
			Description:     "inventory variance at or above 25%",
			Recommendations: []string{"schedule a same-day physical count for flagged items"}},
		{ID: "inventory-variance-high", Dimension: types.DimensionInventory, Metric: "variance_pct", Op: OpGTE, Threshold: 10, Severity: types.SeverityP3, Confidence: 0.65,
			Description: "inventory variance at or above 10%"},
		{ID: "stockout-repeat", Dimension: types.DimensionInventory, Metric: "stockout_count", Op: OpGTE, Threshold: 3, Severity: types.SeverityP2, Confidence: 0.80,
			Description:     "three or more stockouts in the window",
			Recommendations: []string{"raise par levels for the affected items"}},
	},
	types.DimensionCrossStore: {
		{ID: "peer-bottom-decile", Dimension: types.DimensionCrossStore, Metric: "peer_percentile", Op: OpLTE, Threshold: 10, Severity: types.SeverityP2, Confidence: 0.70,
			Description:     "store performs in the bottom decile of its peer group",
			Recommendations: []string{"compare process metrics against the peer-group median"}},
		{ID: "peer-below-quartile", Dimension: types.DimensionCrossStore, Metric: "peer_percentile", Op: OpLTE, Threshold: 25, Severity: types.SeverityP3, Confidence: 0.60,
			Description: "store performs below the peer-group lower quartile"},
	},
}

// BuiltinRules returns a copy of the builtin rule set for one dimension.
func BuiltinRules(dim types.Dimension) []Rule {
	src := builtinRules[dim]
	out := make([]Rule, len(src))
	copy(out, src)
	return out
}

// Vote is one matched rule's contribution to the diagnosis.
type Vote struct {
	RuleID     string
	Severity   types.Severity
	Confidence float64
}

// FuseVotes aggregates independent rule votes into a final severity and
// confidence. Final severity is the worst vote. Confidence starts from the
// strongest vote at that severity, rises with each agreeing vote, and drops
// for every vote at a different severity. No votes means a clean bill:
// severity OK with high confidence.
func FuseVotes(votes []Vote) (types.Severity, float64) {
	if len(votes) == 0 {
		return types.SeverityOK, 0.9
	}

	worst := votes[0].Severity
	for _, v := range votes[1:] {
		worst = worst.Worse(v.Severity)
	}

	var base float64
	agree, dissent := 0, 0
	for _, v := range votes {
		if v.Severity == worst {
			agree++
			if v.Confidence > base {
				base = v.Confidence
			}
		} else {
			dissent++
		}
	}

	conf := base + 0.05*float64(agree-1) - 0.07*float64(dissent)
	if conf > 0.99 {
		conf = 0.99
	}
	if conf < 0.30 {
		conf = 0.30
	}
	return worst, conf
}

// EvaluateRules matches a rule set against the KPI context. Rules whose
// metric is absent from the context are skipped, not failed. Votes come
// back in rule order.
func EvaluateRules(rules []Rule, kpi map[string]float64) []Vote {
	var votes []Vote
	for _, r := range rules {
		value, ok := kpi[r.Metric]
		if !ok {
			continue
		}
		if r.Matches(value) {
			votes = append(votes, Vote{RuleID: r.ID, Severity: r.Severity, Confidence: r.Confidence})
		}
	}
	return votes
}

// sortRuleIDs returns the vote rule ids, sorted for stable report content.
func sortRuleIDs(votes []Vote) []string {
	ids := make([]string, len(votes))
	for i, v := range votes {
		ids[i] = v.RuleID
	}
	sort.Strings(ids)
	return ids
}
