// Package engine drives a single workflow run from its ready roots to
// completion: resolving the dependency graph, dispatching ready tasks wave
// by wave under a bounded worker count, gating each on its
// definition_of_done, injecting context, checkpointing after every
// transition, and firing lifecycle hooks and notifications. The wave/ready
// dispatch loop is graph.Ready's documented purpose; the retry-then-fail
// shape under each task mirrors station's WorkflowConsumer.executeStep
// driving an individual ExecutorRegistry dispatch to completion.
package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"

	"workflowcore/internal/core/corerr"
	"workflowcore/internal/core/dod"
	"workflowcore/internal/core/eval"
	"workflowcore/internal/core/executor"
	"workflowcore/internal/core/graph"
	"workflowcore/internal/core/hooks"
	"workflowcore/internal/core/loop"
	"workflowcore/internal/core/notify"
	"workflowcore/internal/core/state"
	"workflowcore/internal/core/stdio"
	"workflowcore/internal/core/telemetry"
	"workflowcore/internal/core/workflow"
)

// defaultMaxConcurrency bounds how many tasks a wave dispatches at once when
// Config doesn't set one.
const defaultMaxConcurrency = 8

// Config wires the collaborators one Engine needs for a run. Only Workflow
// is required; everything else, Executors included (an empty
// executor.NewRegistry()), falls back to a default.
type Config struct {
	Workflow       *workflow.Workflow
	Executors      *executor.Registry
	StateStore     *state.Store
	StdioManager   *stdio.Manager
	DoDEvaluator   *dod.Evaluator
	HooksRunner    *hooks.Runner
	Notifier       notify.Notifier
	Secrets        map[string]string
	Telemetry      *telemetry.Telemetry
	MaxConcurrency int
	TaskLoader     executor.PredefinedTaskLoader
}

// Engine runs one workflow definition to completion, possibly many times
// concurrently (each Run call is independent; Engine itself holds no
// per-run mutable state).
type Engine struct {
	wf         *workflow.Workflow
	graph      *graph.Graph
	executors  *executor.Registry
	store      *state.Store
	stdio      *stdio.Manager
	dodEval    *dod.Evaluator
	hooksRun   *hooks.Runner
	notifier   notify.Notifier
	secrets    map[string]string
	telem      *telemetry.Telemetry
	expr       *eval.Evaluator
	loopRun    *loop.Runner
	maxConc    int
	taskLoader executor.PredefinedTaskLoader
}

// New validates the workflow, builds its dependency graph, and registers
// the subflow/uses/embed/uses_workflow executors (which need a back
// reference to the engine) alongside whatever the caller already put in
// Executors.
func New(cfg Config) (*Engine, error) {
	if cfg.Workflow == nil {
		return nil, fmt.Errorf("%w: no workflow supplied", corerr.ErrValidation)
	}
	if _, err := workflow.ValidateDefinition(cfg.Workflow); err != nil {
		return nil, err
	}
	g, err := graph.Build(cfg.Workflow)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		wf:         cfg.Workflow,
		graph:      g,
		executors:  cfg.Executors,
		store:      cfg.StateStore,
		stdio:      cfg.StdioManager,
		dodEval:    cfg.DoDEvaluator,
		hooksRun:   cfg.HooksRunner,
		notifier:   cfg.Notifier,
		secrets:    cfg.Secrets,
		telem:      cfg.Telemetry,
		expr:       eval.NewEvaluator(),
		loopRun:    loop.NewRunner(),
		maxConc:    cfg.MaxConcurrency,
		taskLoader: cfg.TaskLoader,
	}
	if e.executors == nil {
		e.executors = executor.NewRegistry()
	}
	if e.dodEval == nil {
		e.dodEval = dod.NewEvaluator()
	}
	if e.notifier == nil {
		e.notifier = notify.NewConsoleNotifier()
	}
	if e.maxConc <= 0 {
		e.maxConc = defaultMaxConcurrency
	}
	e.executors.Register("subflow", &subflowExecutor{engine: e})
	e.executors.Register("uses_workflow", &usesWorkflowExecutor{engine: e})
	e.executors.Register("embed", &embedExecutor{engine: e})
	if e.taskLoader != nil {
		e.executors.Register("uses", executor.NewUsesExecutor(e.taskLoader, e.executors.Execute))
	} else {
		e.executors.Register("uses", &unconfiguredUsesExecutor{})
	}
	return e, nil
}

// Result is the outcome of a completed, failed, or cancelled run.
type Result struct {
	RunID      string
	Status     state.RunStatus
	Outputs    map[string]any
	FailedTask string
	Err        error
}

// Run seeds a fresh WorkflowState from inputs and drives it to completion.
func (e *Engine) Run(ctx context.Context, inputs map[string]any, now time.Time) (*Result, error) {
	seeded, err := e.seedInputs(inputs)
	if err != nil {
		return nil, err
	}
	st := state.NewState(e.wf.Name, seeded, now)
	st.Status = state.RunRunning
	return e.drive(ctx, st)
}

// Resume loads a checkpointed run and continues dispatching from wherever
// it left off; tasks already recorded as completed/skipped/failed are not
// re-run.
func (e *Engine) Resume(ctx context.Context, runID string) (*Result, error) {
	if e.store == nil {
		return nil, fmt.Errorf("resume requires a configured state store")
	}
	st, err := e.store.Load(runID)
	if err != nil {
		return nil, err
	}
	st.Status = state.RunRunning
	return e.drive(ctx, st)
}

func (e *Engine) seedInputs(inputs map[string]any) (map[string]any, error) {
	seeded := make(map[string]any, len(inputs)+len(e.wf.Inputs))
	for k, v := range inputs {
		seeded[k] = v
	}
	for _, decl := range e.wf.Inputs {
		if _, ok := seeded[decl.Name]; ok {
			continue
		}
		if decl.Required {
			return nil, fmt.Errorf("%w: missing required input %q", corerr.ErrValidation, decl.Name)
		}
		if decl.Default != nil {
			seeded[decl.Name] = decl.Default
		}
	}
	return seeded, nil
}

// drive runs the wave-dispatch loop against an already-seeded or resumed
// WorkflowState until ready_tasks(state) is empty and no task is running
// (spec.md's main-loop termination condition). A task failure cascades
// only to that task's own descendants, which are marked skipped;
// independent branches of the DAG keep dispatching to their own terminal
// state regardless. The first failure observed decides the run's overall
// terminal status in finish.
func (e *Engine) drive(ctx context.Context, st *state.WorkflowState) (*Result, error) {
	if e.telem != nil {
		ctx = e.telem.StartRun(ctx, st.RunID, e.wf.Name)
	}
	start := time.Now()

	e.notify(ctx, st.RunID, "", "run_start", fmt.Sprintf("workflow %q started", e.wf.Name), e.wf.NotificationDefaults.OnStart)

	if e.hooksRun != nil {
		if _, err := e.hooksRun.RunStage(ctx, hooks.StagePreWorkflow, nil, toHooks(e.wf.Hooks.PreWorkflow, e.wf.WorkingDirectory)); err != nil {
			return e.finish(ctx, st, start, "", err)
		}
	}

	data := e.snapshot(st)
	failedTask := ""
	var runErr error

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	for {
		data["tasks"] = e.taskStatusView(st)
		ready := e.readyTasks(st)
		if len(ready) == 0 {
			break
		}

		sem := semaphore.NewWeighted(int64(e.maxConc))
		results := make(chan taskOutcome, len(ready))
		for _, id := range ready {
			id := id
			if err := sem.Acquire(runCtx, 1); err != nil {
				break
			}
			st.TaskStatus[id] = workflow.StatusRunning
			go func() {
				defer sem.Release(1)
				results <- e.runTask(runCtx, id, data, st)
			}()
		}

		for range ready {
			out := <-results
			e.applyOutcome(st, data, out)
			if out.err != nil && failedTask == "" {
				failedTask = out.taskID
				runErr = out.err
			}
		}
		if e.store != nil {
			_ = e.store.Save(st)
		}
	}

	return e.finish(ctx, st, start, failedTask, runErr)
}

type taskOutcome struct {
	taskID   string
	output   map[string]any
	err      error
	skipped  bool
	cascade  []string
}

// readyTasks returns the subset of graph.Ready not already running or
// terminal in st. Only Completed and Skipped satisfy a dependent's
// readiness (spec.md: "ready iff all depends_on tasks are completed or
// skipped") — a Failed dependency must never let its dependents dispatch;
// those dependents get cascade-skipped directly in applyOutcome as soon as
// the failure is recorded, the same way a false condition cascade-skips
// its descendants.
func (e *Engine) readyTasks(st *state.WorkflowState) []string {
	done := make(map[string]bool, len(st.TaskStatus))
	for id, status := range st.TaskStatus {
		switch status {
		case workflow.StatusCompleted, workflow.StatusSkipped:
			done[id] = true
		}
	}
	var ready []string
	for _, id := range e.graph.Ready(done) {
		switch st.TaskStatus[id] {
		case workflow.StatusRunning, workflow.StatusFailed:
			continue
		}
		ready = append(ready, id)
	}
	return ready
}

func (e *Engine) applyOutcome(st *state.WorkflowState, data map[string]any, out taskOutcome) {
	now := time.Now()
	switch {
	case out.skipped:
		st.TaskStatus[out.taskID] = workflow.StatusSkipped
		for _, id := range out.cascade {
			st.TaskStatus[id] = workflow.StatusSkipped
		}
	case out.err != nil:
		st.TaskStatus[out.taskID] = workflow.StatusFailed
		st.Error = out.err.Error()
		for _, id := range out.cascade {
			st.TaskStatus[id] = workflow.StatusSkipped
		}
	default:
		st.TaskStatus[out.taskID] = workflow.StatusCompleted
		task, _ := e.graph.Task(out.taskID)
		key := out.taskID
		if task != nil && task.Output != "" {
			key = task.Output
		}
		data[key] = out.output
		st.Variables[key] = out.output
		if task != nil {
			for _, target := range task.OnComplete.Notify {
				e.notify(context.Background(), st.RunID, out.taskID, "task_complete",
					fmt.Sprintf("task %q completed", out.taskID), []string{target})
			}
		}
		if e.stdio != nil {
			limits := e.wf.Limits
			if task != nil && task.Limits != nil {
				limits = *task.Limits
			}
			st.Outputs = e.stdio.Cleanup(st.Outputs, limits.CleanupStrategy)
		}
	}
	st.UpdatedAt = now
}

func (e *Engine) finish(ctx context.Context, st *state.WorkflowState, start time.Time, failedTask string, runErr error) (*Result, error) {
	now := time.Now()
	st.CompletedAt = &now
	if runErr != nil {
		st.Status = state.RunFailed
		st.Error = runErr.Error()
	} else {
		st.Status = state.RunCompleted
	}
	if e.store != nil {
		_ = e.store.Save(st)
	}

	stage := hooks.StagePostWorkflow
	if runErr != nil {
		stage = hooks.StageOnError
	}
	hookCmds := e.wf.Hooks.PostWorkflow
	if runErr != nil {
		hookCmds = e.wf.Hooks.OnError
	}
	if e.hooksRun != nil {
		_, _ = e.hooksRun.RunStage(ctx, stage, runErr, toHooks(hookCmds, e.wf.WorkingDirectory))
	}

	if runErr != nil {
		e.notify(ctx, st.RunID, failedTask, "run_failed", runErr.Error(), e.wf.NotificationDefaults.OnFailure)
	} else {
		e.notify(ctx, st.RunID, "", "run_complete", fmt.Sprintf("workflow %q completed", e.wf.Name), e.wf.NotificationDefaults.OnComplete)
	}

	if e.telem != nil {
		status := "completed"
		if runErr != nil {
			status = "failed"
		}
		e.telem.EndRun(ctx, st.RunID, e.wf.Name, status, time.Since(start), runErr)
	}

	outputs, outErr := e.bindOutputs(st)
	result := &Result{RunID: st.RunID, Status: st.Status, Outputs: outputs, FailedTask: failedTask, Err: runErr}
	if runErr != nil {
		return result, runErr
	}
	return result, outErr
}

func (e *Engine) notify(ctx context.Context, runID, taskID, kind, message string, targets []string) {
	for _, target := range targets {
		_ = e.notifier.Notify(ctx, target, notify.Event{
			Kind: kind, RunID: runID, TaskID: taskID, Message: message, Timestamp: time.Now(),
		})
	}
}

// snapshot builds the flat data map conditions/templates/loop bodies
// evaluate against: state variables at top level, run inputs under
// "inputs", task statuses under "tasks", secrets under "secret".
func (e *Engine) snapshot(st *state.WorkflowState) map[string]any {
	data := make(map[string]any, len(st.Variables)+3)
	for k, v := range st.Variables {
		data[k] = v
	}
	data["inputs"] = st.Inputs
	data["tasks"] = e.taskStatusView(st)
	if e.secrets != nil {
		secretMap := make(map[string]any, len(e.secrets))
		for k, v := range e.secrets {
			secretMap[k] = v
		}
		data["secret"] = secretMap
	}
	return data
}

// taskStatusView exposes every task's current status under "tasks.<id>.status"
// for the task_status condition leaf, refreshed on every wave since statuses
// change between dispatch rounds.
func (e *Engine) taskStatusView(st *state.WorkflowState) map[string]any {
	view := make(map[string]any, len(st.TaskStatus))
	for id, status := range st.TaskStatus {
		view[id] = map[string]any{"status": string(status)}
	}
	return view
}

func toHooks(cmds []workflow.HookCommand, cwd string) []hooks.Hook {
	out := make([]hooks.Hook, len(cmds))
	for i, c := range cmds {
		out[i] = hooks.Hook{Executable: c.Executable, Args: c.Args, WorkingDir: cwd}
	}
	return out
}
