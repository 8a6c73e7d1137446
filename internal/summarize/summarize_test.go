package summarize

import (
	"context"
	"errors"
	"strings"
	"testing"
	"text/template"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/savornet/backline/internal/types"
)

func testClient(t *testing.T) *Client {
	t.Helper()
	tmpl, err := template.New("narrative").Parse(narrativePromptTemplate)
	if err != nil {
		t.Fatalf("parse template: %v", err)
	}
	return &Client{tmpl: tmpl}
}

func TestRenderPrompt(t *testing.T) {
	c := testClient(t)
	report := &types.ReasoningReport{
		StoreID:            "store-021",
		Dimension:          types.DimensionWaste,
		Severity:           types.SeverityP1,
		RootCause:          "waste rate 18% over the last week",
		Confidence:         0.9,
		WindowStart:        time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:          time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
		EvidenceChain:      []string{"rule waste-rate-critical: waste rate at or above 15% (waste_rate=0.180, gte 0.150)"},
		TriggeredRules:     []string{"waste-rate-critical"},
		RecommendedActions: []string{"audit prep-station portioning"},
	}

	prompt, err := c.renderPrompt(report)
	if err != nil {
		t.Fatalf("renderPrompt failed: %v", err)
	}
	for _, want := range []string{
		"store-021", "P1", "2026-03-01", "2026-03-08",
		"waste rate 18%", "waste-rate-critical", "audit prep-station portioning",
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestRenderPromptOmitsEmptySections(t *testing.T) {
	c := testClient(t)
	report := &types.ReasoningReport{
		StoreID:     "store-021",
		Dimension:   types.DimensionWaste,
		Severity:    types.SeverityOK,
		WindowStart: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		WindowEnd:   time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC),
	}

	prompt, err := c.renderPrompt(report)
	if err != nil {
		t.Fatalf("renderPrompt failed: %v", err)
	}
	if strings.Contains(prompt, "Triggered rules") || strings.Contains(prompt, "Recommended actions") {
		t.Errorf("empty sections should be omitted:\n%s", prompt)
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, false},
		{"rate limited", &anthropic.Error{StatusCode: 429}, true},
		{"server error", &anthropic.Error{StatusCode: 503}, true},
		{"bad request", &anthropic.Error{StatusCode: 400}, false},
		{"unauthorized", &anthropic.Error{StatusCode: 401}, false},
		{"plain error", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isRetryable(tt.err); got != tt.want {
				t.Errorf("isRetryable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestNewClientRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := NewClient(""); !errors.Is(err, ErrAPIKeyRequired) {
		t.Errorf("expected ErrAPIKeyRequired, got %v", err)
	}
}
