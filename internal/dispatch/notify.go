package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/savornet/backline/internal/debug"
	"github.com/savornet/backline/internal/types"
)

// Channel names, matched against the configured severity routes.
const (
	ChannelLog     = "log"
	ChannelWebhook = "webhook"
	ChannelTask    = "task"
)

// Action kinds a plan can fan out.
const (
	KindNotify   = "notify"
	KindTask     = "task"
	KindApproval = "approval"
)

// DeliveryResult is one channel's answer to one dispatch attempt.
type DeliveryResult struct {
	MessageID string
	TaskID    string
	Err       error
}

// Notifier is one delivery channel. Implementations are fire-and-forget:
// they report failure through the result, bounded by the caller's context,
// and are never retried synchronously.
type Notifier interface {
	Name() string
	Dispatch(ctx context.Context, sev types.Severity, kind, message string, targets []string) DeliveryResult
}

// LogNotifier writes notifications to the event log. It is the fallback
// channel and the whole of P3 routing by default.
type LogNotifier struct{}

func (LogNotifier) Name() string { return ChannelLog }

func (LogNotifier) Dispatch(_ context.Context, sev types.Severity, kind, message string, _ []string) DeliveryResult {
	debug.LogEvent("DISPATCH", string(sev), fmt.Sprintf("%s: %s", kind, message))
	debug.PrintNormal("[%s] %s: %s\n", sev, kind, message)
	return DeliveryResult{MessageID: fmt.Sprintf("log-%d", time.Now().UnixNano())}
}

// notifyPayload is the wire form shared by the webhook channels.
type notifyPayload struct {
	Severity types.Severity `json:"severity"`
	Kind     string         `json:"kind"`
	Message  string         `json:"message"`
	Targets  []string       `json:"targets,omitempty"`
	Urgent   bool           `json:"urgent"`
}

type notifyResponse struct {
	MessageID string `json:"message_id"`
	TaskID    string `json:"task_id"`
}

// WebhookNotifier POSTs notifications to a configured endpoint.
type WebhookNotifier struct {
	url    string
	client *http.Client
}

// NewWebhookNotifier creates the notification webhook channel.
func NewWebhookNotifier(url string, timeout time.Duration) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookNotifier{url: url, client: &http.Client{Timeout: timeout}}
}

func (*WebhookNotifier) Name() string { return ChannelWebhook }

func (n *WebhookNotifier) Dispatch(ctx context.Context, sev types.Severity, kind, message string, targets []string) DeliveryResult {
	resp, err := postNotify(ctx, n.client, n.url, notifyPayload{
		Severity: sev, Kind: kind, Message: message, Targets: targets,
		Urgent: sev == types.SeverityP1,
	})
	if err != nil {
		return DeliveryResult{Err: err}
	}
	return DeliveryResult{MessageID: resp.MessageID}
}

// TaskWebhookNotifier POSTs task and approval requests to the task system.
type TaskWebhookNotifier struct {
	url    string
	client *http.Client
}

// NewTaskWebhookNotifier creates the task webhook channel.
func NewTaskWebhookNotifier(url string, timeout time.Duration) *TaskWebhookNotifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &TaskWebhookNotifier{url: url, client: &http.Client{Timeout: timeout}}
}

func (*TaskWebhookNotifier) Name() string { return ChannelTask }

func (n *TaskWebhookNotifier) Dispatch(ctx context.Context, sev types.Severity, kind, message string, targets []string) DeliveryResult {
	resp, err := postNotify(ctx, n.client, n.url, notifyPayload{
		Severity: sev, Kind: kind, Message: message, Targets: targets,
		Urgent: sev == types.SeverityP1,
	})
	if err != nil {
		return DeliveryResult{Err: err}
	}
	return DeliveryResult{MessageID: resp.MessageID, TaskID: resp.TaskID}
}

func postNotify(ctx context.Context, client *http.Client, url string, payload notifyPayload) (*notifyResponse, error) {
	if url == "" {
		return nil, fmt.Errorf("notify: no endpoint configured")
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("notify: marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("notify: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("notify: POST %s: %w", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("notify: POST %s: status %d", url, resp.StatusCode)
	}

	var out notifyResponse
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("notify: read response: %w", err)
	}
	if len(body) > 0 {
		// A body that doesn't parse still counts as delivered
		if err := json.Unmarshal(body, &out); err != nil {
			debug.Logf("notify: decode response: %v\n", err)
		}
	}
	return &out, nil
}
