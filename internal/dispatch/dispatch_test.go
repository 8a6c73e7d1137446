package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/savornet/backline/internal/storage"
	"github.com/savornet/backline/internal/storage/sqlite"
	"github.com/savornet/backline/internal/types"
)

// stubNotifier counts deliveries and can be told to fail.
type stubNotifier struct {
	name  string
	fail  bool
	calls int
	kinds []string
}

func (s *stubNotifier) Name() string { return s.name }

func (s *stubNotifier) Dispatch(_ context.Context, _ types.Severity, kind, _ string, _ []string) DeliveryResult {
	s.calls++
	s.kinds = append(s.kinds, kind)
	if s.fail {
		return DeliveryResult{Err: errors.New("channel down")}
	}
	return DeliveryResult{MessageID: fmt.Sprintf("%s-msg-%d", s.name, s.calls), TaskID: fmt.Sprintf("%s-task-%d", s.name, s.calls)}
}

func testRoutes(sev types.Severity) []string {
	if sev == types.SeverityP3 {
		return []string{ChannelLog}
	}
	return []string{ChannelWebhook, ChannelTask}
}

func setupDispatcher(t *testing.T, channels ...Notifier) (*Dispatcher, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	d := NewDispatcher(store, channels, Options{Routes: testRoutes, Timeout: time.Second, Now: time.Now})
	return d, store
}

func seedReport(t *testing.T, store *sqlite.Store, sev types.Severity, dim types.Dimension) *types.ReasoningReport {
	t.Helper()
	r := &types.ReasoningReport{
		ID:        fmt.Sprintf("rpt-%s%s", sev, dim),
		StoreID:   "store-1",
		Dimension: dim,
		Severity:  sev,
		RootCause: "waste rate above tolerance",

		Confidence: 0.8,
		CreatedAt:  time.Now().UTC(),
	}
	if sev != types.SeverityOK {
		r.TriggeredRules = []string{"waste-rate-high"}
		r.RecommendedActions = []string{"review prep quantities"}
	}
	if err := store.CreateReport(context.Background(), r); err != nil {
		t.Fatalf("seed report: %v", err)
	}
	return r
}

func TestDispatchP1WasteFansOutWithApproval(t *testing.T) {
	webhook := &stubNotifier{name: ChannelWebhook}
	task := &stubNotifier{name: ChannelTask}
	d, store := setupDispatcher(t, webhook, task)
	report := seedReport(t, store, types.SeverityP1, types.DimensionWaste)

	plan, err := d.Dispatch(context.Background(), report.ID, []string{"manager@store-1"})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if plan.Status != types.PlanDispatched {
		t.Errorf("Status = %s, want dispatched", plan.Status)
	}
	if len(plan.Actions) != 3 {
		t.Fatalf("got %d actions, want notify+task+approval", len(plan.Actions))
	}
	if webhook.calls != 1 || task.calls != 2 {
		t.Errorf("webhook=%d task=%d calls, want 1 notify + 2 task-channel (task, approval)", webhook.calls, task.calls)
	}
	if task.kinds[0] != KindTask || task.kinds[1] != KindApproval {
		t.Errorf("task channel kinds = %v, want [task approval]", task.kinds)
	}
	for _, a := range plan.Actions {
		if !a.OK || a.MessageID == "" {
			t.Errorf("action %+v should carry a message id", a)
		}
	}
}

func TestDispatchP2NoApproval(t *testing.T) {
	webhook := &stubNotifier{name: ChannelWebhook}
	task := &stubNotifier{name: ChannelTask}
	d, store := setupDispatcher(t, webhook, task)
	report := seedReport(t, store, types.SeverityP2, types.DimensionWaste)

	plan, err := d.Dispatch(context.Background(), report.ID, nil)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(plan.Actions) != 2 {
		t.Errorf("got %d actions, want notify+task only", len(plan.Actions))
	}
}

func TestDispatchP3LogOnly(t *testing.T) {
	webhook := &stubNotifier{name: ChannelWebhook}
	d, store := setupDispatcher(t, webhook)
	report := seedReport(t, store, types.SeverityP3, types.DimensionQuality)

	plan, err := d.Dispatch(context.Background(), report.ID, nil)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if len(plan.Actions) != 1 || plan.Actions[0].Channel != ChannelLog {
		t.Errorf("actions = %+v, want one log notification", plan.Actions)
	}
	if webhook.calls != 0 {
		t.Error("P3 must not hit the webhook channel")
	}
	if plan.Status != types.PlanDispatched {
		t.Errorf("Status = %s, want dispatched", plan.Status)
	}
}

func TestDispatchOKIsSkipped(t *testing.T) {
	webhook := &stubNotifier{name: ChannelWebhook}
	d, store := setupDispatcher(t, webhook)
	report := seedReport(t, store, types.SeverityOK, types.DimensionWaste)

	plan, err := d.Dispatch(context.Background(), report.ID, nil)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if plan.Status != types.PlanSkipped {
		t.Errorf("Status = %s, want skipped", plan.Status)
	}
	if len(plan.Actions) != 0 || webhook.calls != 0 {
		t.Error("OK reports must not trigger any delivery")
	}
}

func TestDispatchIdempotent(t *testing.T) {
	webhook := &stubNotifier{name: ChannelWebhook}
	task := &stubNotifier{name: ChannelTask}
	d, store := setupDispatcher(t, webhook, task)
	report := seedReport(t, store, types.SeverityP1, types.DimensionWaste)

	first, err := d.Dispatch(context.Background(), report.ID, nil)
	if err != nil {
		t.Fatalf("first dispatch failed: %v", err)
	}
	callsAfterFirst := webhook.calls + task.calls

	second, err := d.Dispatch(context.Background(), report.ID, nil)
	if err != nil {
		t.Fatalf("second dispatch failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("repeat dispatch returned plan %s, want %s", second.ID, first.ID)
	}
	if webhook.calls+task.calls != callsAfterFirst {
		t.Error("repeat dispatch must not send duplicate notifications")
	}
}

func TestDispatchPartialAndFailed(t *testing.T) {
	t.Run("partial", func(t *testing.T) {
		webhook := &stubNotifier{name: ChannelWebhook}
		task := &stubNotifier{name: ChannelTask, fail: true}
		d, store := setupDispatcher(t, webhook, task)
		report := seedReport(t, store, types.SeverityP2, types.DimensionCost)

		plan, err := d.Dispatch(context.Background(), report.ID, nil)
		if err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		if plan.Status != types.PlanPartial {
			t.Errorf("Status = %s, want partial", plan.Status)
		}
	})

	t.Run("failed", func(t *testing.T) {
		webhook := &stubNotifier{name: ChannelWebhook, fail: true}
		task := &stubNotifier{name: ChannelTask, fail: true}
		d, store := setupDispatcher(t, webhook, task)
		report := seedReport(t, store, types.SeverityP2, types.DimensionCost)

		plan, err := d.Dispatch(context.Background(), report.ID, nil)
		if err != nil {
			t.Fatalf("Dispatch must not propagate channel failures: %v", err)
		}
		if plan.Status != types.PlanFailed {
			t.Errorf("Status = %s, want failed", plan.Status)
		}
		for _, a := range plan.Actions {
			if a.OK || a.Error == "" {
				t.Errorf("action %+v should record the channel error", a)
			}
		}
	})
}

func TestDispatchUnknownReport(t *testing.T) {
	d, _ := setupDispatcher(t)
	if _, err := d.Dispatch(context.Background(), "rpt-nope", nil); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown report should be NotFound, got %v", err)
	}
}

func TestRecordOutcome(t *testing.T) {
	webhook := &stubNotifier{name: ChannelWebhook}
	task := &stubNotifier{name: ChannelTask}
	d, store := setupDispatcher(t, webhook, task)
	ctx := context.Background()
	report := seedReport(t, store, types.SeverityP2, types.DimensionWaste)

	plan, err := d.Dispatch(ctx, report.ID, nil)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}

	delta := -2.5
	updated, err := d.RecordOutcome(ctx, plan.ID, types.OutcomeResolved, "area-manager", &delta, "")
	if err != nil {
		t.Fatalf("RecordOutcome failed: %v", err)
	}
	if updated.Outcome != types.OutcomeResolved || updated.ResolvedBy != "area-manager" {
		t.Errorf("plan = %+v, want resolved by area-manager", updated)
	}
	if updated.KPIDelta == nil || *updated.KPIDelta != -2.5 {
		t.Errorf("KPIDelta = %v, want -2.5", updated.KPIDelta)
	}

	// The originating report flips to actioned in the same transaction
	got, err := store.GetReport(ctx, report.ID)
	if err != nil {
		t.Fatalf("GetReport failed: %v", err)
	}
	if !got.IsActioned || got.ActionedBy != "area-manager" {
		t.Errorf("report actioned=%v by=%q, want true/area-manager", got.IsActioned, got.ActionedBy)
	}
}

func TestRecordOutcomeErrors(t *testing.T) {
	d, store := setupDispatcher(t, &stubNotifier{name: ChannelWebhook}, &stubNotifier{name: ChannelTask})
	ctx := context.Background()
	report := seedReport(t, store, types.SeverityP2, types.DimensionWaste)
	plan, _ := d.Dispatch(ctx, report.ID, nil)

	if _, err := d.RecordOutcome(ctx, plan.ID, "shrugged", "x", nil, ""); !errors.Is(err, ErrInvalidOutcome) {
		t.Errorf("out-of-enum outcome should be ErrInvalidOutcome, got %v", err)
	}
	if _, err := d.RecordOutcome(ctx, plan.ID, "shrugged", "x", nil, ""); !errors.Is(err, storage.ErrInvalidInput) {
		t.Error("ErrInvalidOutcome should wrap ErrInvalidInput")
	}
	if _, err := d.RecordOutcome(ctx, "act-nope", types.OutcomeResolved, "x", nil, ""); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("unknown plan should be NotFound, got %v", err)
	}
}

func TestWebhookNotifierWire(t *testing.T) {
	var gotPayload notifyPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			t.Errorf("decode payload: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"message_id":"msg-42"}`)
	}))
	defer srv.Close()

	n := NewWebhookNotifier(srv.URL, time.Second)
	res := n.Dispatch(context.Background(), types.SeverityP1, KindNotify, "store-1 on fire", []string{"ops"})
	if res.Err != nil {
		t.Fatalf("Dispatch failed: %v", res.Err)
	}
	if res.MessageID != "msg-42" {
		t.Errorf("MessageID = %q, want msg-42", res.MessageID)
	}
	if !gotPayload.Urgent || gotPayload.Severity != types.SeverityP1 || gotPayload.Message != "store-1 on fire" {
		t.Errorf("payload = %+v, want urgent P1 with message", gotPayload)
	}
}

func TestWebhookNotifierDown(t *testing.T) {
	n := NewWebhookNotifier("http://127.0.0.1:1", 200*time.Millisecond)
	res := n.Dispatch(context.Background(), types.SeverityP2, KindNotify, "msg", nil)
	if res.Err == nil {
		t.Error("unreachable webhook should report an error result")
	}
}
