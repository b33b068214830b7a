package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"workflowcore/internal/core/corerr"
	"workflowcore/internal/core/dod"
	"workflowcore/internal/core/iosafe"
	"workflowcore/internal/core/state"
	"workflowcore/internal/core/stdio"
	"workflowcore/internal/core/workflow"
)

// runTask resolves a task's condition, builds its input, and executes it
// (once, or once per loop iteration), gating completion on its
// definition_of_done and falling through to its on_error policy when the
// DoD retry budget is exhausted.
func (e *Engine) runTask(ctx context.Context, taskID string, data map[string]any, st *state.WorkflowState) taskOutcome {
	task, ok := e.graph.Task(taskID)
	if !ok {
		return taskOutcome{taskID: taskID, err: fmt.Errorf("%w: %q", corerr.ErrUnknownTask, taskID)}
	}

	ok, err := e.expr.EvalCondition(task.Condition, data)
	if err != nil {
		return taskOutcome{taskID: taskID, err: fmt.Errorf("evaluating condition for %q: %w", taskID, err), cascade: e.graph.Descendants(taskID)}
	}
	if !ok {
		return taskOutcome{taskID: taskID, skipped: true, cascade: e.graph.Descendants(taskID)}
	}

	if e.telem != nil {
		ctx, _ = e.telem.StartTask(ctx, st.RunID, taskID, task.Exec.Kind())
	}
	taskStart := time.Now()

	input := e.buildInput(task, data, st)

	var output map[string]any
	if task.Loop != nil {
		output, err = e.runTaskLoop(ctx, task, input, st)
	} else {
		output, err = e.executeWithPolicy(ctx, task, input, st)
	}

	if e.telem != nil {
		status := "completed"
		if err != nil {
			status = "failed"
		}
		e.telem.EndTask(ctx, st.RunID, taskID, task.Exec.Kind(), status, time.Since(taskStart), err)
	}

	out := taskOutcome{taskID: taskID, output: output, err: err}
	if err != nil {
		out.cascade = e.graph.Descendants(taskID)
	}
	return out
}

func (e *Engine) runTaskLoop(ctx context.Context, task *workflow.Task, input map[string]any, st *state.WorkflowState) (map[string]any, error) {
	body := func(ctx context.Context, iterData map[string]any, index int) (map[string]any, error) {
		return e.executeWithPolicy(ctx, task, iterData, st)
	}
	results, err := e.loopRun.Run(ctx, task.Loop, task.LoopControl, input, 0, body)
	if err != nil {
		return nil, err
	}

	out := map[string]any{"iterations": len(results)}
	if task.LoopControl != nil && task.LoopControl.CollectResults {
		collected := make([]any, len(results))
		for i, r := range results {
			collected[i] = r.Output
		}
		out[task.LoopControl.ResultKeyFor(task.ID)] = collected
	}
	if n := len(results); n > 0 {
		out["last"] = results[n-1].Output
	}
	return out, nil
}

// executeWithPolicy runs a task's execution form once, evaluates its
// definition_of_done, and retries per workflow.RetryPolicy via
// dod.NextAttempt (auto-elevating
// permissions) before falling through to task.OnError's
// retry/backoff/fallback-agent policy. The two retry loops are orthogonal:
// DoD retries re-prompt the same execution for a better result; on_error
// retries restart execution entirely, optionally under a fallback agent.
func (e *Engine) executeWithPolicy(ctx context.Context, task *workflow.Task, input map[string]any, st *state.WorkflowState) (map[string]any, error) {
	backoff := 1 * time.Second
	var lastErr error

	for {
		output, execErr := e.executeWithDoD(ctx, task, input, st)
		if execErr == nil {
			return output, nil
		}
		lastErr = execErr

		st.TaskAttempts[task.ID]++
		if st.TaskAttempts[task.ID] > task.OnError.Retry {
			return nil, lastErr
		}

		if task.OnError.RetryDelaySecs > 0 {
			backoff = time.Duration(task.OnError.RetryDelaySecs * float64(time.Second))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if task.OnError.ExponentialBackoff {
			backoff *= 2
		}

		if task.OnError.FallbackAgent != "" && task.Exec.Agent != nil {
			fallback := *task.Exec.Agent
			fallback.Name = task.OnError.FallbackAgent
			task = cloneTaskWithAgent(task, &fallback)
		}
	}
}

func cloneTaskWithAgent(task *workflow.Task, agent *workflow.AgentTaskSpec) *workflow.Task {
	clone := *task
	clone.Agent = agent
	clone.Exec.Agent = agent
	return &clone
}

// executeWithDoD runs the task's execution form, then evaluates its
// definition_of_done (if any), retrying the same execution with feedback
// injected into the next attempt's input until the DoD is met or its retry
// budget runs out.
func (e *Engine) executeWithDoD(ctx context.Context, task *workflow.Task, input map[string]any, st *state.WorkflowState) (map[string]any, error) {
	if task.DefinitionOfDone == nil {
		res, err := e.execOnce(ctx, task, input, st)
		return res, err
	}

	d := task.DefinitionOfDone
	permissions := workflow.Permissions{Mode: workflow.PermissionDefault}
	if task.Exec.Agent != nil {
		if def, ok := e.wf.AgentByName(task.Exec.Agent.Name); ok {
			permissions = def.Permissions
		}
	}

	attemptInput := input
	attempts := 0
	for {
		output, execErr := e.execOnce(ctx, task, attemptInput, st)
		if execErr != nil {
			return nil, execErr
		}

		observed := observedOutput(output)
		result, err := e.dodEval.Evaluate(d, observed, mergedView(attemptInput, output))
		if err != nil {
			return nil, fmt.Errorf("evaluating definition_of_done for %q: %w", task.ID, err)
		}
		if result.Met {
			return output, nil
		}

		attempts++
		shouldRetry, nextPermissions, retryErr := dod.NextAttempt(d.Retry, attempts, permissions)
		if !shouldRetry {
			if !d.FailOnUnmet {
				return output, nil
			}
			return output, retryErr
		}
		permissions = nextPermissions

		feedback := dod.Feedback(result, observed, d.Retry, permissions)
		attemptInput = withFeedback(input, feedback, permissions)
	}
}

func observedOutput(output map[string]any) string {
	if s, ok := output["response"].(string); ok {
		return s
	}
	if s, ok := output["stdout"].(string); ok {
		return s
	}
	return fmt.Sprintf("%v", output)
}

func mergedView(input, output map[string]any) map[string]any {
	merged := make(map[string]any, len(input)+len(output))
	for k, v := range input {
		merged[k] = v
	}
	for k, v := range output {
		merged[k] = v
	}
	return merged
}

func withFeedback(input map[string]any, feedback string, permissions workflow.Permissions) map[string]any {
	next := make(map[string]any, len(input)+2)
	for k, v := range input {
		next[k] = v
	}
	next["dod_feedback"] = feedback
	next["permission_mode"] = string(permissions.Mode)
	return next
}

func (e *Engine) execOnce(ctx context.Context, task *workflow.Task, input map[string]any, st *state.WorkflowState) (map[string]any, error) {
	result, err := e.executors.Execute(ctx, task, input)
	if err != nil {
		return nil, err
	}
	// Echo to the user-visible streams via the non-panicking write path;
	// a broken pipe on the operator's terminal must never fail the task.
	_ = iosafe.EchoStdout(result.Stdout)
	_ = iosafe.EchoStderr(result.Stderr)
	if e.stdio != nil {
		outs, serr := e.stdio.Process(task.ID, stdio.Capture{Stdout: result.Stdout, Stderr: result.Stderr}, time.Now())
		if serr != nil {
			return nil, fmt.Errorf("processing task output: %w", serr)
		}
		st.Outputs = append(st.Outputs, outs...)
	}
	return result.Output, nil
}

// buildInput renders task.Inputs against the current data snapshot and, if
// configured, folds in a context document assembled from prior task
// outputs, scored for relevance to this task (direct dependencies
// included).
func (e *Engine) buildInput(task *workflow.Task, data map[string]any, st *state.WorkflowState) map[string]any {
	input := make(map[string]any, len(task.Inputs)+1)
	for k, v := range task.Inputs {
		input[k] = e.renderValue(v, data)
	}

	if !task.InjectContext && task.Context == nil {
		return input
	}
	cfg := workflow.DefaultContextConfig()
	if task.Context != nil {
		cfg = *task.Context
	}
	limits := e.wf.Limits
	if task.Limits != nil {
		limits = *task.Limits
	}

	scored := e.scoreOutputsFor(task.ID, st.Outputs)
	selected := stdio.SelectContext(cfg, limits, scored)
	if len(selected) == 0 {
		return input
	}
	var b strings.Builder
	for _, o := range selected {
		fmt.Fprintf(&b, "--- %s (%s) ---\n%s\n", o.TaskID, o.OutputType, o.Content)
	}
	input["context"] = b.String()
	return input
}

func (e *Engine) renderValue(v any, data map[string]any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	rendered, err := e.expr.Render(s, data)
	if err != nil {
		return v
	}
	return rendered
}

// scoreOutputsFor returns a copy of outputs with RelevanceScore filled in
// for consumer, per the distance-based fallback: a direct dependency edge
// scores 1.0, an indirect depends_on chain scores 0.8/depth, sharing an
// agent with no dependency path scores 0.5, anything else scores 0.0.
func (e *Engine) scoreOutputsFor(consumer string, outputs []workflow.TaskOutput) []workflow.TaskOutput {
	consumerTask, _ := e.graph.Task(consumer)
	direct := make(map[string]bool, len(consumerTask.DependsOn))
	for _, dep := range consumerTask.DependsOn {
		direct[dep] = true
	}
	consumerAgent := agentNameFor(consumerTask)

	scored := make([]workflow.TaskOutput, len(outputs))
	for i, o := range outputs {
		producerTask, _ := e.graph.Task(o.TaskID)
		depth, reachable := e.graph.Depth(o.TaskID, consumer)
		in := stdio.RelevanceInput{
			DirectDependency: direct[o.TaskID],
			SameAgent:        consumerAgent != "" && consumerAgent == agentNameFor(producerTask),
		}
		if reachable {
			in.Depth = depth
		}
		o.RelevanceScore = stdio.ScoreRelevance(in)
		scored[i] = o
	}
	return scored
}

func agentNameFor(t *workflow.Task) string {
	if t == nil || t.Exec.Agent == nil {
		return ""
	}
	return t.Exec.Agent.Name
}
