package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const engineScopeName = "github.com/savornet/backline/engines"

// Engine counters, initialized lazily so disabled telemetry pays nothing.
var (
	engineOnce      sync.Once
	resolveCounter  metric.Int64Counter
	mergeCounter    metric.Int64Counter
	reportCounter   metric.Int64Counter
	dispatchCounter metric.Int64Counter
)

func engineInstruments() {
	m := Meter(engineScopeName)
	resolveCounter, _ = m.Int64Counter("bl.fusion.resolutions",
		metric.WithDescription("Identity resolutions by fusion method"),
	)
	mergeCounter, _ = m.Int64Counter("bl.fusion.merges",
		metric.WithDescription("Manual merges performed"),
	)
	reportCounter, _ = m.Int64Counter("bl.reason.reports",
		metric.WithDescription("Reasoning reports by severity"),
	)
	dispatchCounter, _ = m.Int64Counter("bl.dispatch.plans",
		metric.WithDescription("Action plans by terminal dispatch status"),
	)
}

// RecordResolution counts one identity resolution.
func RecordResolution(ctx context.Context, method string, created bool) {
	if !Enabled() {
		return
	}
	engineOnce.Do(engineInstruments)
	resolveCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("fusion.method", method),
		attribute.Bool("fusion.created", created),
	))
}

// RecordMerge counts one manual merge.
func RecordMerge(ctx context.Context) {
	if !Enabled() {
		return
	}
	engineOnce.Do(engineInstruments)
	mergeCounter.Add(ctx, 1)
}

// RecordReport counts one reasoning report.
func RecordReport(ctx context.Context, severity string) {
	if !Enabled() {
		return
	}
	engineOnce.Do(engineInstruments)
	reportCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("report.severity", severity)))
}

// RecordDispatch counts one dispatched plan.
func RecordDispatch(ctx context.Context, status string) {
	if !Enabled() {
		return
	}
	engineOnce.Do(engineInstruments)
	dispatchCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("plan.status", status)))
}
