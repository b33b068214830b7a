// Package agent defines the boundary between the workflow core and
// whatever actually runs an agent task — a coding-agent CLI, a hosted
// model API, a mocked stand-in for tests. The split mirrors
// AgentExecutorDeps/AgentExecutionResult in station's AgentRunExecutor,
// generalized from "resolve an agent by db id" to "resolve by the
// declared Agent definition".
package agent

import (
	"context"
	"time"

	"workflowcore/internal/core/workflow"
)

// RunRequest is everything a Provider needs to execute one agent turn.
type RunRequest struct {
	RunID      string
	TaskID     string
	Agent      workflow.Agent
	Task       string         // the rendered task/prompt text
	Variables  map[string]any // resolved task input, available as context
	ContextDoc string         // injected prior-task context, if any
}

// RunResult is what came back from an agent turn.
type RunResult struct {
	Response  string
	StepCount int64
	ToolsUsed int
	Duration  time.Duration
}

// Provider executes agent tasks. It is the seam a real integration
// (spawning a CLI subprocess, calling a hosted model) implements; the
// engine never imports a concrete agent SDK directly.
type Provider interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// Event is emitted during an agent run for tracking/telemetry, mirroring
// the shape of station's execution/tracking.Tracker log entries.
type Event struct {
	RunID     string
	TaskID    string
	Kind      string // "model_request", "model_response", "tool_call"
	Detail    string
	Timestamp time.Time
}

// EventSink receives Events as they happen; nil is a valid no-op sink.
type EventSink interface {
	Record(Event)
}

// NopEventSink discards every event.
type NopEventSink struct{}

func (NopEventSink) Record(Event) {}

// FuncProvider adapts a plain function to the Provider interface, useful
// for tests and for callers that don't wire a real coding-agent backend.
type FuncProvider func(ctx context.Context, req RunRequest) (RunResult, error)

func (f FuncProvider) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	return f(ctx, req)
}
