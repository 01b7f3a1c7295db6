package analysis

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	TracerName = "varianceiq.analysis"
)

// telemetry holds the analyzer's spans and counters. It uses the global
// providers, which are no-ops until the infrastructure package installs real ones.
type telemetry struct {
	tracer      trace.Tracer
	runsTotal   metric.Int64Counter
	formsTotal  metric.Int64Counter
	runDuration metric.Float64Histogram
	activeRuns  metric.Int64UpDownCounter
}

func newTelemetry() (*telemetry, error) {
	meter := otel.Meter(TracerName)

	runsTotal, err := meter.Int64Counter("analysis_runs_total",
		metric.WithDescription("Total number of analysis runs"))
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis metrics: %w", err)
	}

	formsTotal, err := meter.Int64Counter("analysis_forms_total",
		metric.WithDescription("Total number of forms processed, by outcome"))
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis metrics: %w", err)
	}

	runDuration, err := meter.Float64Histogram("analysis_run_duration_seconds",
		metric.WithDescription("Analysis run duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis metrics: %w", err)
	}

	activeRuns, err := meter.Int64UpDownCounter("analysis_active_runs",
		metric.WithDescription("Number of analysis runs in progress"))
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis metrics: %w", err)
	}

	return &telemetry{
		tracer:      otel.Tracer(TracerName),
		runsTotal:   runsTotal,
		formsTotal:  formsTotal,
		runDuration: runDuration,
		activeRuns:  activeRuns,
	}, nil
}

func (t *telemetry) startRun(ctx context.Context, runID, baseDate string, forms int) (context.Context, trace.Span) {
	t.activeRuns.Add(ctx, 1)
	return t.tracer.Start(ctx, "analysis.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.base_date", baseDate),
			attribute.Int("run.forms", forms),
		))
}

func (t *telemetry) startForm(ctx context.Context, formCode string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "analysis.form",
		trace.WithAttributes(attribute.String("form.code", formCode)))
}

func (t *telemetry) formDone(ctx context.Context, outcome string) {
	t.formsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (t *telemetry) runDone(ctx context.Context, d time.Duration, success bool) {
	status := "success"
	if !success {
		status = "cancelled"
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	t.activeRuns.Add(ctx, -1)
	t.runsTotal.Add(ctx, 1, attrs)
	t.runDuration.Record(ctx, d.Seconds(), attrs)
}
