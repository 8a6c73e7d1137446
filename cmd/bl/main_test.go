package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/savornet/backline/internal/types"
)

func TestParseKPIs(t *testing.T) {
	kpi, err := parseKPIs([]string{"waste_rate=0.18", "units_sold=1200"})
	require.NoError(t, err)
	assert.Equal(t, 0.18, kpi["waste_rate"])
	assert.Equal(t, 1200.0, kpi["units_sold"])

	_, err = parseKPIs([]string{"waste_rate"})
	assert.Error(t, err, "missing value should be rejected")

	_, err = parseKPIs([]string{"waste_rate=abc"})
	assert.Error(t, err, "non-numeric value should be rejected")

	kpi, err = parseKPIs(nil)
	require.NoError(t, err)
	assert.Empty(t, kpi)
}

func TestReportMarkdown(t *testing.T) {
	r := &types.ReasoningReport{
		ID:                 "rpt-1a2b3c",
		StoreID:            "store-021",
		Dimension:          types.DimensionWaste,
		Severity:           types.SeverityP1,
		RootCause:          "waste rate 18% over the last week",
		Confidence:         0.9,
		WindowStart:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:          time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
		TriggeredRules:     []string{"waste-rate-critical"},
		EvidenceChain:      []string{"rule waste-rate-critical triggered"},
		RecommendedActions: []string{"audit prep-station portioning"},
		KPISnapshot:        map[string]float64{"waste_rate": 0.18},
	}

	md := reportMarkdown(r)
	assert.Contains(t, md, "# P1 store-021/waste")
	assert.Contains(t, md, "rpt-1a2b3c")
	assert.Contains(t, md, "2026-03-01")
	assert.Contains(t, md, "## Evidence")
	assert.Contains(t, md, "## Recommended actions")
	assert.Contains(t, md, "waste_rate: 0.180")
}

func TestReportMarkdownMinimal(t *testing.T) {
	r := &types.ReasoningReport{
		ID:        "rpt-ok",
		StoreID:   "store-021",
		Dimension: types.DimensionWaste,
		Severity:  types.SeverityOK,
	}
	md := reportMarkdown(r)
	assert.NotContains(t, md, "## Evidence")
	assert.NotContains(t, md, "Root cause")
}

func TestIsKnownRuntimeKey(t *testing.T) {
	assert.True(t, isKnownRuntimeKey("fusion.fuzzy_high"))
	assert.True(t, isKnownRuntimeKey("graph.url"))
	assert.False(t, isKnownRuntimeKey("fusion.nope"))
}
