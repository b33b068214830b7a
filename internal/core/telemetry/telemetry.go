// Package telemetry instruments workflow runs and task executions with
// OpenTelemetry counters, histograms, and spans, carried over from
// station's WorkflowTelemetry with the metric names rescoped to this
// module and "step" generalized to "task".
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "workflowcore"
	meterName  = "workflowcore"
)

// Telemetry holds every otel instrument the engine emits.
type Telemetry struct {
	tracer trace.Tracer
	meter  metric.Meter

	runCounter     metric.Int64Counter
	runDuration    metric.Float64Histogram
	taskCounter    metric.Int64Counter
	taskDuration   metric.Float64Histogram
	activeRuns     metric.Int64UpDownCounter
	failureCounter metric.Int64Counter

	mu       sync.RWMutex
	runSpans  map[string]trace.Span
	taskSpans map[string]trace.Span
}

// New builds a Telemetry instance against the globally configured otel
// providers (set those up via an SDK MeterProvider/TracerProvider before
// calling this; a no-op provider is used if none was registered).
func New() (*Telemetry, error) {
	t := &Telemetry{
		tracer:    otel.Tracer(tracerName),
		meter:     otel.Meter(meterName),
		runSpans:  make(map[string]trace.Span),
		taskSpans: make(map[string]trace.Span),
	}

	var err error
	if t.runCounter, err = t.meter.Int64Counter("workflowcore_runs_total",
		metric.WithDescription("Total number of workflow runs started"), metric.WithUnit("{run}")); err != nil {
		return nil, fmt.Errorf("creating run counter: %w", err)
	}
	if t.runDuration, err = t.meter.Float64Histogram("workflowcore_run_duration_seconds",
		metric.WithDescription("Duration of workflow runs"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("creating run duration histogram: %w", err)
	}
	if t.taskCounter, err = t.meter.Int64Counter("workflowcore_tasks_total",
		metric.WithDescription("Total number of tasks executed"), metric.WithUnit("{task}")); err != nil {
		return nil, fmt.Errorf("creating task counter: %w", err)
	}
	if t.taskDuration, err = t.meter.Float64Histogram("workflowcore_task_duration_seconds",
		metric.WithDescription("Duration of task execution"), metric.WithUnit("s")); err != nil {
		return nil, fmt.Errorf("creating task duration histogram: %w", err)
	}
	if t.activeRuns, err = t.meter.Int64UpDownCounter("workflowcore_runs_active",
		metric.WithDescription("Number of currently active workflow runs"), metric.WithUnit("{run}")); err != nil {
		return nil, fmt.Errorf("creating active runs counter: %w", err)
	}
	if t.failureCounter, err = t.meter.Int64Counter("workflowcore_failures_total",
		metric.WithDescription("Total number of run/task failures"), metric.WithUnit("{failure}")); err != nil {
		return nil, fmt.Errorf("creating failure counter: %w", err)
	}

	return t, nil
}

// StartRun opens a run-level span and bumps the run/active-run counters.
func (t *Telemetry) StartRun(ctx context.Context, runID, workflowName string) context.Context {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("workflow.run.%s", workflowName),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("workflow.run_id", runID),
			attribute.String("workflow.name", workflowName),
		),
	)

	t.mu.Lock()
	t.runSpans[runID] = span
	t.mu.Unlock()

	t.runCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow.name", workflowName)))
	t.activeRuns.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow.name", workflowName)))
	return ctx
}

// EndRun closes the run-level span and records duration/failure metrics.
func (t *Telemetry) EndRun(ctx context.Context, runID, workflowName, status string, duration time.Duration, err error) {
	t.mu.Lock()
	span, exists := t.runSpans[runID]
	if exists {
		delete(t.runSpans, runID)
	}
	t.mu.Unlock()
	if !exists || span == nil {
		return
	}

	span.SetAttributes(
		attribute.String("workflow.status", status),
		attribute.Float64("workflow.duration_seconds", duration.Seconds()),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.failureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("workflow.name", workflowName),
			attribute.String("failure.type", "run"),
		))
	} else if status == "completed" {
		span.SetStatus(codes.Ok, "workflow completed")
	}
	span.End()

	t.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("workflow.name", workflowName),
		attribute.String("workflow.status", status),
	))
	t.activeRuns.Add(ctx, -1, metric.WithAttributes(attribute.String("workflow.name", workflowName)))
}

// StartTask opens a task-level span, keyed by runID+taskID so concurrent
// tasks within the same run don't collide.
func (t *Telemetry) StartTask(ctx context.Context, runID, taskID, kind string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, fmt.Sprintf("workflow.task.%s", taskID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("workflow.run_id", runID),
			attribute.String("task.id", taskID),
			attribute.String("task.kind", kind),
		),
	)
	t.mu.Lock()
	t.taskSpans[runID+"/"+taskID] = span
	t.mu.Unlock()
	return ctx, span
}

// EndTask closes a task-level span and records duration/failure metrics.
func (t *Telemetry) EndTask(ctx context.Context, runID, taskID, kind, status string, duration time.Duration, err error) {
	key := runID + "/" + taskID
	t.mu.Lock()
	span, exists := t.taskSpans[key]
	if exists {
		delete(t.taskSpans, key)
	}
	t.mu.Unlock()

	t.taskCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task.kind", kind),
		attribute.String("task.status", status),
	))
	t.taskDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attribute.String("task.kind", kind)))

	if !exists || span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		t.failureCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("task.kind", kind),
			attribute.String("failure.type", "task"),
		))
	} else {
		span.SetStatus(codes.Ok, "task completed")
	}
	span.End()
}
