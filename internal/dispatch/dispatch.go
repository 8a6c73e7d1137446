// Package dispatch turns reasoning reports into tracked action plans: one
// plan per report, fanned out over configured notification channels, with
// a single permitted later mutation when a human reports the outcome.
package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/savornet/backline/internal/config"
	"github.com/savornet/backline/internal/idgen"
	"github.com/savornet/backline/internal/storage"
	"github.com/savornet/backline/internal/telemetry"
	"github.com/savornet/backline/internal/types"
)

// ErrInvalidOutcome rejects outcomes outside the fixed enumeration.
var ErrInvalidOutcome = fmt.Errorf("%w: outcome outside the fixed enumeration", storage.ErrInvalidInput)

// Options tunes the dispatcher. Zero values are replaced by configuration
// defaults in NewDispatcher.
type Options struct {
	// Routes maps a severity to its channel names.
	Routes func(types.Severity) []string

	// Timeout bounds each channel delivery.
	Timeout time.Duration

	// Now is the clock; overridable in tests.
	Now func() time.Time
}

func (o *Options) fillDefaults() {
	if o.Routes == nil {
		o.Routes = config.Routes
	}
	if o.Timeout == 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Dispatcher owns the plan state machine:
//
//	none -> pending -> {dispatched | partial | failed | skipped}
//
// Request-scoped and stateless; safe for concurrent use.
type Dispatcher struct {
	store    storage.Storage
	channels map[string]Notifier
	opts     Options
}

// NewDispatcher creates a dispatcher over the given channels. A missing
// channel in the map degrades to the log channel.
func NewDispatcher(store storage.Storage, channels []Notifier, opts Options) *Dispatcher {
	opts.fillDefaults()
	byName := make(map[string]Notifier, len(channels)+1)
	byName[ChannelLog] = LogNotifier{}
	for _, c := range channels {
		byName[c.Name()] = c
	}
	return &Dispatcher{store: store, channels: byName, opts: opts}
}

// Dispatch creates and fires the action plan for one report. At most one
// plan ever exists per report: repeat calls return the existing plan
// unchanged, without duplicate notifications. The pending plan is committed
// before any channel is called, so a crash mid-delivery leaves a visible
// pending record rather than silent loss.
func (d *Dispatcher) Dispatch(ctx context.Context, reportID string, targets []string) (*types.ActionPlan, error) {
	if existing, err := d.store.GetPlanByReportID(ctx, reportID); err == nil {
		return existing, nil
	} else if !storage.IsNotFound(err) {
		return nil, err
	}

	report, err := d.store.GetReport(ctx, reportID)
	if err != nil {
		return nil, err
	}

	now := d.opts.Now().UTC()
	plan := &types.ActionPlan{
		ID:        idgen.New(idgen.PrefixPlan, now, 0, reportID),
		ReportID:  reportID,
		Status:    types.PlanPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if report.Severity == types.SeverityOK {
		plan.Status = types.PlanSkipped
	}

	err = d.store.RunInTransaction(ctx, func(tx storage.Tx) error {
		return tx.CreatePlan(ctx, plan)
	})
	if storage.IsConflict(err) {
		// A concurrent dispatch won the UNIQUE(report_id) race; its plan is
		// the plan.
		return d.store.GetPlanByReportID(ctx, reportID)
	}
	if err != nil {
		return nil, err
	}
	if plan.Status == types.PlanSkipped {
		return plan, nil
	}

	// Local state is durable; deliveries are fire-and-forget from here.
	plan.Actions = d.fanOut(ctx, report, targets)
	plan.Status = planStatus(plan.Actions)
	plan.UpdatedAt = d.opts.Now().UTC()

	err = d.store.RunInTransaction(ctx, func(tx storage.Tx) error {
		return tx.UpdatePlan(ctx, plan)
	})
	if err != nil {
		return nil, err
	}
	telemetry.RecordDispatch(ctx, string(plan.Status))
	return plan, nil
}

// actionKinds returns the kinds a severity triggers. P1 adds an approval
// request for the money dimensions.
func actionKinds(sev types.Severity, dim types.Dimension) []string {
	switch sev {
	case types.SeverityP1:
		kinds := []string{KindNotify, KindTask}
		if dim == types.DimensionWaste || dim == types.DimensionCost {
			kinds = append(kinds, KindApproval)
		}
		return kinds
	case types.SeverityP2:
		return []string{KindNotify, KindTask}
	case types.SeverityP3:
		return []string{KindNotify}
	}
	return nil
}

// channelFor picks the routed channel for one action kind, degrading to
// the log channel when the route has nothing suitable.
func (d *Dispatcher) channelFor(kind string, routes []string) Notifier {
	want := ChannelWebhook
	if kind == KindTask || kind == KindApproval {
		want = ChannelTask
	}
	for _, name := range routes {
		if name == want {
			if ch, ok := d.channels[name]; ok {
				return ch
			}
		}
	}
	return d.channels[ChannelLog]
}

func (d *Dispatcher) fanOut(ctx context.Context, report *types.ReasoningReport, targets []string) []types.DispatchedAction {
	routes := d.opts.Routes(report.Severity)
	message := formatMessage(report)

	var actions []types.DispatchedAction
	for _, kind := range actionKinds(report.Severity, report.Dimension) {
		ch := d.channelFor(kind, routes)

		callCtx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
		res := ch.Dispatch(callCtx, report.Severity, kind, message, targets)
		cancel()

		action := types.DispatchedAction{
			Channel:   ch.Name(),
			Kind:      kind,
			Targets:   targets,
			MessageID: res.MessageID,
			TaskID:    res.TaskID,
			OK:        res.Err == nil,
			SentAt:    d.opts.Now().UTC(),
		}
		if res.Err != nil {
			action.Error = res.Err.Error()
		}
		actions = append(actions, action)
	}
	return actions
}

// planStatus folds delivery results into the terminal dispatch state.
func planStatus(actions []types.DispatchedAction) types.PlanStatus {
	if len(actions) == 0 {
		return types.PlanSkipped
	}
	ok := 0
	for _, a := range actions {
		if a.OK {
			ok++
		}
	}
	switch {
	case ok == len(actions):
		return types.PlanDispatched
	case ok > 0:
		return types.PlanPartial
	default:
		return types.PlanFailed
	}
}

func formatMessage(r *types.ReasoningReport) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s/%s", r.Severity, r.StoreID, r.Dimension)
	if r.RootCause != "" {
		fmt.Fprintf(&b, ": %s", r.RootCause)
	}
	fmt.Fprintf(&b, " (confidence %.2f)", r.Confidence)
	if len(r.RecommendedActions) > 0 {
		fmt.Fprintf(&b, "; next: %s", r.RecommendedActions[0])
	}
	return b.String()
}

// RecordOutcome is the only later mutation a plan permits: a human reports
// what happened. The originating report flips to actioned in the same
// transaction.
func (d *Dispatcher) RecordOutcome(ctx context.Context, planID string, outcome types.Outcome, resolvedBy string, kpiDelta *float64, followupReportID string) (*types.ActionPlan, error) {
	if !outcome.IsValid() {
		return nil, fmt.Errorf("%q: %w", outcome, ErrInvalidOutcome)
	}

	var plan *types.ActionPlan
	err := d.store.RunInTransaction(ctx, func(tx storage.Tx) error {
		var err error
		plan, err = tx.GetPlan(ctx, planID)
		if err != nil {
			return err
		}
		plan.Outcome = outcome
		plan.ResolvedBy = resolvedBy
		plan.KPIDelta = kpiDelta
		plan.FollowupReportID = followupReportID
		plan.UpdatedAt = d.opts.Now().UTC()
		if err := tx.UpdatePlan(ctx, plan); err != nil {
			return err
		}
		return tx.SetReportActioned(ctx, plan.ReportID, resolvedBy)
	})
	if err != nil {
		return nil, err
	}
	return plan, nil
}
