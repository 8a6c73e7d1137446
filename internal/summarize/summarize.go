// Package summarize turns a reasoning report into a short operator-facing
// narrative using the Anthropic API.
//
// Summarization is strictly best-effort: the report is already complete and
// actionable without it, so callers should degrade to the raw report when no
// API key is configured or the call fails.
package summarize

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"strings"
	"text/template"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/savornet/backline/internal/config"
	"github.com/savornet/backline/internal/types"
)

const (
	maxRetries     = 3
	initialBackoff = 1 * time.Second
)

// ErrAPIKeyRequired is returned when no Anthropic API key is available.
var ErrAPIKeyRequired = errors.New("API key required")

// Client wraps the Anthropic API for report narratives.
type Client struct {
	client         anthropic.Client
	model          anthropic.Model
	tmpl           *template.Template
	maxRetries     int
	initialBackoff time.Duration
}

// NewClient creates a narrative client. The ANTHROPIC_API_KEY environment
// variable takes precedence over the explicit apiKey argument.
func NewClient(apiKey string) (*Client, error) {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		apiKey = envKey
	}
	if apiKey == "" {
		return nil, fmt.Errorf("%w: set ANTHROPIC_API_KEY", ErrAPIKeyRequired)
	}

	tmpl, err := template.New("narrative").Parse(narrativePromptTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse narrative template: %w", err)
	}

	return &Client{
		client:         anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:          anthropic.Model(config.AIModel()),
		tmpl:           tmpl,
		maxRetries:     maxRetries,
		initialBackoff: initialBackoff,
	}, nil
}

// Narrate produces a short narrative for a reasoning report, suitable for a
// notification body or a shift-handover note.
func (c *Client) Narrate(ctx context.Context, report *types.ReasoningReport) (string, error) {
	prompt, err := c.renderPrompt(report)
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}
	return c.callWithRetry(ctx, prompt)
}

func (c *Client) callWithRetry(ctx context.Context, prompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 512,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.initialBackoff * time.Duration(math.Pow(2, float64(attempt-1)))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		message, err := c.client.Messages.New(ctx, params)
		if err == nil {
			if len(message.Content) == 0 {
				return "", fmt.Errorf("unexpected response format: no content blocks")
			}
			content := message.Content[0]
			if content.Type != "text" {
				return "", fmt.Errorf("unexpected response format: not a text block (type=%s)", content.Type)
			}
			return strings.TrimSpace(content.Text), nil
		}

		lastErr = err
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if !isRetryable(err) {
			return "", fmt.Errorf("non-retryable error: %w", err)
		}
	}
	return "", fmt.Errorf("failed after %d retries: %w", c.maxRetries+1, lastErr)
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
	}
	return false
}

type narrativeData struct {
	StoreID     string
	Dimension   string
	Severity    string
	RootCause   string
	Confidence  string
	WindowStart string
	WindowEnd   string
	Evidence    string
	Rules       string
	Actions     string
}

func (c *Client) renderPrompt(report *types.ReasoningReport) (string, error) {
	data := narrativeData{
		StoreID:     report.StoreID,
		Dimension:   string(report.Dimension),
		Severity:    string(report.Severity),
		RootCause:   report.RootCause,
		Confidence:  fmt.Sprintf("%.2f", report.Confidence),
		WindowStart: report.WindowStart.Format("2006-01-02"),
		WindowEnd:   report.WindowEnd.Format("2006-01-02"),
		Evidence:    strings.Join(report.EvidenceChain, "\n"),
		Rules:       strings.Join(report.TriggeredRules, ", "),
		Actions:     strings.Join(report.RecommendedActions, "\n"),
	}

	var b strings.Builder
	if err := c.tmpl.Execute(&b, data); err != nil {
		return "", err
	}
	return b.String(), nil
}

const narrativePromptTemplate = `You are writing a short operational briefing for a restaurant store manager based on an automated diagnostic report. The manager is busy; keep it under 120 words, plain language, no jargon.

**Store:** {{.StoreID}}
**Dimension:** {{.Dimension}}
**Severity:** {{.Severity}}
**Window:** {{.WindowStart}} to {{.WindowEnd}}
**Root cause:** {{.RootCause}}
**Confidence:** {{.Confidence}}

{{if .Rules}}**Triggered rules:** {{.Rules}}
{{end}}
{{if .Evidence}}**Evidence:**
{{.Evidence}}
{{end}}
{{if .Actions}}**Recommended actions:**
{{.Actions}}
{{end}}

Write 2-4 sentences: what happened, the most likely cause, and the single most important next step. Do not invent numbers that are not in the evidence. If severity is OK, say so in one sentence.`
