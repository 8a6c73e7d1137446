package causal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/savornet/backline/internal/debug"
	"github.com/savornet/backline/internal/types"
)

// HTTPGraph talks JSON over HTTP to the causal graph service.
//
// Read endpoints: GET {base}/evidence/{kind}?store_id=...&window_days=...
// returning a JSON array of strings. Write endpoints: PUT {base}/ingredients
// and POST {base}/links. Every call is bounded by the client timeout; there
// are no synchronous retries (the outbox replays failed writes).
type HTTPGraph struct {
	base   string
	client *http.Client
}

// NewHTTPGraph creates a graph adapter against the given base URL.
func NewHTTPGraph(baseURL string, timeout time.Duration) *HTTPGraph {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPGraph{
		base:   baseURL,
		client: &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGraph) RootCauseDistribution(ctx context.Context, storeID string, windowDays int) []string {
	return g.evidence(ctx, "root-cause-distribution", storeID, windowDays)
}

func (g *HTTPGraph) SupplyChainTrace(ctx context.Context, storeID string, windowDays int) []string {
	return g.evidence(ctx, "supply-chain-trace", storeID, windowDays)
}

func (g *HTTPGraph) OperationalCorrelations(ctx context.Context, storeID string, windowDays int) []string {
	return g.evidence(ctx, "operational-correlations", storeID, windowDays)
}

func (g *HTTPGraph) SimilarIncidents(ctx context.Context, storeID string, windowDays int) []string {
	return g.evidence(ctx, "similar-incidents", storeID, windowDays)
}

// evidence performs one read query. Any failure, from connection refused to
// malformed JSON, degrades to an empty list; the caller is never blocked on
// graph availability.
func (g *HTTPGraph) evidence(ctx context.Context, kind, storeID string, windowDays int) []string {
	u := fmt.Sprintf("%s/evidence/%s?store_id=%s&window_days=%s",
		g.base, kind, url.QueryEscape(storeID), strconv.Itoa(windowDays))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		debug.Logf("graph: build request %s: %v\n", kind, err)
		return nil
	}
	resp, err := g.client.Do(req)
	if err != nil {
		debug.Logf("graph: query %s: %v\n", kind, err)
		return nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		debug.Logf("graph: query %s: status %d\n", kind, resp.StatusCode)
		return nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		debug.Logf("graph: read %s: %v\n", kind, err)
		return nil
	}
	var out []string
	if err := json.Unmarshal(body, &out); err != nil {
		debug.Logf("graph: decode %s: %v\n", kind, err)
		return nil
	}
	if len(out) > MaxEvidencePerQuery {
		out = out[:MaxEvidencePerQuery]
	}
	return out
}

// ingredientPayload is the wire form of a graph ingredient upsert.
type ingredientPayload struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Aliases     []string          `json:"aliases,omitempty"`
	Category    string            `json:"category,omitempty"`
	Unit        string            `json:"unit,omitempty"`
	ExternalIDs map[string]string `json:"external_ids,omitempty"`
	Confidence  float64           `json:"confidence"`
}

// UpsertIngredient mirrors a canonical mapping into the graph. Idempotent
// on the graph side (PUT by canonical ID), so outbox replays are safe.
func (g *HTTPGraph) UpsertIngredient(ctx context.Context, m *types.CanonicalMapping) error {
	payload := ingredientPayload{
		ID:          m.ID,
		Name:        m.Name,
		Aliases:     m.Aliases,
		Category:    m.Category,
		Unit:        m.Unit,
		ExternalIDs: m.ExternalIDs,
		Confidence:  m.Confidence,
	}
	return g.write(ctx, http.MethodPut, g.base+"/ingredients", payload)
}

// LinkSameAs records a merge edge between two canonical IDs.
func (g *HTTPGraph) LinkSameAs(ctx context.Context, keepID, mergeID string) error {
	return g.write(ctx, http.MethodPost, g.base+"/links", map[string]string{
		"type": "same_as",
		"keep": keepID,
		"merge": mergeID,
	})
}

func (g *HTTPGraph) write(ctx context.Context, method, u string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("graph: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("graph: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("graph: %s %s: %w", method, u, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("graph: %s %s: status %d", method, u, resp.StatusCode)
	}
	return nil
}
