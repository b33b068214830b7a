package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"workflowcore/internal/core/corerr"
	"workflowcore/internal/core/executor"
	"workflowcore/internal/core/workflow"
)

// subflowExecutor runs a subflow task by looking up the named definition in
// the parent workflow's Subflows map and driving it to completion with a
// nested Engine, the same way station's WorkflowConsumer dispatches a
// referenced sub-workflow inline rather than as a separate queued run.
type subflowExecutor struct {
	engine *Engine
}

func (x *subflowExecutor) Execute(ctx context.Context, task *workflow.Task, input map[string]any) (executor.TaskResult, error) {
	spec := task.Exec.Subflow
	if spec == nil {
		return executor.TaskResult{}, fmt.Errorf("%w: task %q has no subflow spec", corerr.ErrExecution, task.ID)
	}
	sub, ok := x.engine.wf.Subflows[spec.Name]
	if !ok {
		return executor.TaskResult{}, fmt.Errorf("%w: subflow %q", corerr.ErrUnknownSubflow, spec.Name)
	}
	return x.engine.runNested(ctx, sub, input)
}

// usesWorkflowExecutor runs a uses_workflow task, whose ref has the form
// "namespace:workflow_name". The namespace must be declared in the parent
// workflow's Imports; this engine has no external workflow registry to
// resolve the import against, so it resolves the referenced name against
// the parent's own Subflows, which covers the common case of importing a
// locally-embedded sub-workflow under a namespace alias.
type usesWorkflowExecutor struct {
	engine *Engine
}

func (x *usesWorkflowExecutor) Execute(ctx context.Context, task *workflow.Task, input map[string]any) (executor.TaskResult, error) {
	spec := task.Exec.UsesWorkflow
	if spec == nil {
		return executor.TaskResult{}, fmt.Errorf("%w: task %q has no uses_workflow spec", corerr.ErrExecution, task.ID)
	}
	namespace, name, ok := strings.Cut(spec.Ref, ":")
	if !ok {
		return executor.TaskResult{}, fmt.Errorf("%w: uses_workflow ref %q must be \"namespace:workflow_name\"", corerr.ErrValidation, spec.Ref)
	}
	if _, declared := x.engine.wf.Imports[namespace]; !declared {
		return executor.TaskResult{}, fmt.Errorf("%w: namespace %q not declared in imports", corerr.ErrValidation, namespace)
	}
	sub, ok := x.engine.wf.Subflows[name]
	if !ok {
		return executor.TaskResult{}, fmt.Errorf("%w: imported workflow %q", corerr.ErrUnknownSubflow, name)
	}
	return x.engine.runNested(ctx, sub, input)
}

// embedExecutor runs a literal nested Task definition in place, wrapping it
// in a single-task workflow that inherits the parent's agents, limits, and
// context defaults so the embedded task resolves agents and DoD criteria
// exactly as it would at the top level.
type embedExecutor struct {
	engine *Engine
}

func (x *embedExecutor) Execute(ctx context.Context, task *workflow.Task, input map[string]any) (executor.TaskResult, error) {
	spec := task.Exec.Embed
	if spec == nil {
		return executor.TaskResult{}, fmt.Errorf("%w: task %q has no embed spec", corerr.ErrExecution, task.ID)
	}
	inner := spec.Task
	if err := inner.ResolveExec(); err != nil {
		return executor.TaskResult{}, fmt.Errorf("resolving embedded task %q: %w", inner.ID, err)
	}

	wrapper := &workflow.Workflow{
		Name:                 x.engine.wf.Name + ":embed:" + task.ID,
		SemanticVersion:      x.engine.wf.SemanticVersion,
		DSLGrammarVersion:    x.engine.wf.DSLGrammarVersion,
		WorkingDirectory:     x.engine.wf.WorkingDirectory,
		Limits:               x.engine.wf.Limits,
		Agents:               x.engine.wf.Agents,
		Tasks:                []workflow.Task{inner},
		NotificationDefaults: x.engine.wf.NotificationDefaults,
	}
	return x.engine.runNested(ctx, wrapper, input)
}

// unconfiguredUsesExecutor handles the "uses" form when no
// executor.PredefinedTaskLoader was supplied in Config. It fails clearly
// rather than silently no-op, naming the missing collaborator.
type unconfiguredUsesExecutor struct{}

func (x *unconfiguredUsesExecutor) Execute(ctx context.Context, task *workflow.Task, input map[string]any) (executor.TaskResult, error) {
	spec := task.Exec.Uses
	if spec == nil {
		return executor.TaskResult{}, fmt.Errorf("%w: task %q has no uses spec", corerr.ErrExecution, task.ID)
	}
	return executor.TaskResult{}, fmt.Errorf("%w: no predefined task library configured to resolve %q", corerr.ErrUnknownTask, spec.Ref)
}

// runNested drives a sub-workflow (subflow, uses_workflow import, or an
// embed wrapper) to completion with its own Engine, sharing this engine's
// collaborators but cloning the executor registry so registering the
// sub-engine's compound-form executors can't race the parent's in-flight
// wave dispatch on the same map.
func (e *Engine) runNested(ctx context.Context, wf *workflow.Workflow, input map[string]any) (executor.TaskResult, error) {
	nested, err := New(Config{
		Workflow:       wf,
		Executors:      e.executors.Clone(),
		StateStore:     e.store,
		StdioManager:   e.stdio,
		DoDEvaluator:   e.dodEval,
		HooksRunner:    e.hooksRun,
		Notifier:       e.notifier,
		Secrets:        e.secrets,
		Telemetry:      e.telem,
		MaxConcurrency: e.maxConc,
		TaskLoader:     e.taskLoader,
	})
	if err != nil {
		return executor.TaskResult{}, fmt.Errorf("building nested engine for %q: %w", wf.Name, err)
	}

	result, err := nested.Run(ctx, input, time.Now())
	if err != nil {
		return executor.TaskResult{}, err
	}
	return executor.TaskResult{Output: result.Outputs}, nil
}
