// Package executor dispatches a single task to its execution form,
// generalizing station's ExecutorRegistry dispatch-by-type and
// WorkflowConsumer.executeStep lifecycle. Driving a run over the
// dependency DAG is internal/core/engine's job.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"time"

	"workflowcore/internal/core/agent"
	"workflowcore/internal/core/corerr"
	"workflowcore/internal/core/eval"
	"workflowcore/internal/core/workflow"
)

// TaskResult is what a TaskExecutor hands back: free-form output plus the
// raw stdout/stderr a stdio.Manager will truncate and persist.
type TaskResult struct {
	Output map[string]any
	Stdout []byte
	Stderr []byte
}

// TaskExecutor runs exactly one execution form.
type TaskExecutor interface {
	Execute(ctx context.Context, task *workflow.Task, input map[string]any) (TaskResult, error)
}

// Registry dispatches a task to the TaskExecutor registered for its
// populated TaskSpec variant, mirroring ExecutorRegistry's
// map[ExecutionStepType]StepExecutor but keyed by TaskSpec.Kind().
type Registry struct {
	executors map[string]TaskExecutor
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]TaskExecutor)}
}

// Register binds a TaskExecutor to an execution-form kind ("agent",
// "script", "command", "http", "mcp_tool", "subflow", "uses", "embed",
// "uses_workflow").
func (r *Registry) Register(kind string, ex TaskExecutor) {
	r.executors[kind] = ex
}

// Clone copies a Registry's bindings into a new, independent Registry, so a
// caller that needs to rebind a few kinds (e.g. a nested workflow run
// rebinding "subflow"/"uses_workflow" to itself) doesn't mutate the
// original while a concurrent wave is still dispatching through it.
func (r *Registry) Clone() *Registry {
	clone := NewRegistry()
	for kind, ex := range r.executors {
		clone.executors[kind] = ex
	}
	return clone
}

// Execute dispatches a task to its registered executor.
func (r *Registry) Execute(ctx context.Context, task *workflow.Task, input map[string]any) (TaskResult, error) {
	kind := task.Exec.Kind()
	ex, ok := r.executors[kind]
	if !ok {
		return TaskResult{}, fmt.Errorf("%w: no executor registered for %q", corerr.ErrExecution, kind)
	}
	return ex.Execute(ctx, task, input)
}

// AgentExecutor runs agent tasks through an agent.Provider.
type AgentExecutor struct {
	provider agent.Provider
	wf       *workflow.Workflow
	expr     *eval.Evaluator
	runID    string
}

// NewAgentExecutor builds an AgentExecutor bound to one run's workflow and
// provider.
func NewAgentExecutor(runID string, wf *workflow.Workflow, provider agent.Provider, expr *eval.Evaluator) *AgentExecutor {
	return &AgentExecutor{provider: provider, wf: wf, expr: expr, runID: runID}
}

func (e *AgentExecutor) Execute(ctx context.Context, task *workflow.Task, input map[string]any) (TaskResult, error) {
	spec := task.Exec.Agent
	if spec == nil {
		return TaskResult{}, fmt.Errorf("%w: task %q has no agent spec", corerr.ErrExecution, task.ID)
	}
	def, ok := e.wf.AgentByName(spec.Name)
	if !ok {
		return TaskResult{}, fmt.Errorf("%w: %q", corerr.ErrUnknownAgent, spec.Name)
	}

	taskText := spec.Description
	if t, ok := input["task"].(string); ok && t != "" {
		taskText = t
	}
	rendered, err := e.expr.Render(taskText, input)
	if err != nil {
		return TaskResult{}, fmt.Errorf("%w: rendering agent task text: %v", corerr.ErrResolution, err)
	}

	result, err := e.provider.Run(ctx, agent.RunRequest{
		RunID:     e.runID,
		TaskID:    task.ID,
		Agent:     *def,
		Task:      rendered,
		Variables: input,
	})
	if err != nil {
		return TaskResult{}, fmt.Errorf("%w: %v", corerr.ErrExecution, err)
	}

	return TaskResult{
		Output: map[string]any{
			"response":   result.Response,
			"step_count": result.StepCount,
			"tools_used": result.ToolsUsed,
		},
		Stdout: []byte(result.Response),
	}, nil
}

// ScriptExecutor runs script tasks by shelling out to the declared
// language's interpreter, the same subprocess pattern as CommandExecutor
// with the script body passed inline in argv (-c, or -e for node).
type ScriptExecutor struct {
	interpreters map[string]string // language -> interpreter executable
}

// NewScriptExecutor builds a ScriptExecutor with the default interpreter
// mapping (python3, bash, sh, node); callers can override via WithInterpreter.
func NewScriptExecutor() *ScriptExecutor {
	return &ScriptExecutor{interpreters: map[string]string{
		"python": "python3",
		"bash":   "bash",
		"sh":     "sh",
		"node":   "node",
	}}
}

func (e *ScriptExecutor) WithInterpreter(language, executable string) *ScriptExecutor {
	e.interpreters[language] = executable
	return e
}

func (e *ScriptExecutor) Execute(ctx context.Context, task *workflow.Task, input map[string]any) (TaskResult, error) {
	spec := task.Exec.Script
	if spec == nil {
		return TaskResult{}, fmt.Errorf("%w: task %q has no script spec", corerr.ErrExecution, task.ID)
	}
	interpreter, ok := e.interpreters[spec.Language]
	if !ok {
		return TaskResult{}, fmt.Errorf("%w: unsupported script language %q", corerr.ErrExecution, spec.Language)
	}

	timeout := 30 * time.Second
	if spec.TimeoutSecs != nil {
		timeout = time.Duration(*spec.TimeoutSecs) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// node's -c only syntax-checks; -e evaluates the inline script.
	flag := "-c"
	if spec.Language == "node" {
		flag = "-e"
	}
	cmd := exec.CommandContext(runCtx, interpreter, flag, spec.Content)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := TaskResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Output: map[string]any{}}
	if runCtx.Err() != nil {
		return result, fmt.Errorf("%w: script exceeded %s", corerr.ErrTimeout, timeout)
	}
	if err != nil {
		return result, fmt.Errorf("%w: script exited with error: %v", corerr.ErrExecution, err)
	}
	result.Output["stdout"] = stdout.String()
	return result, nil
}

// CommandExecutor runs command tasks as direct subprocesses.
type CommandExecutor struct{}

func NewCommandExecutor() *CommandExecutor { return &CommandExecutor{} }

func (e *CommandExecutor) Execute(ctx context.Context, task *workflow.Task, input map[string]any) (TaskResult, error) {
	spec := task.Exec.Command
	if spec == nil {
		return TaskResult{}, fmt.Errorf("%w: task %q has no command spec", corerr.ErrExecution, task.ID)
	}

	timeout := 30 * time.Second
	if spec.TimeoutSecs != nil {
		timeout = time.Duration(*spec.TimeoutSecs) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Executable, spec.Args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	result := TaskResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes(), Output: map[string]any{}}
	if runCtx.Err() != nil {
		return result, fmt.Errorf("%w: command exceeded %s", corerr.ErrTimeout, timeout)
	}
	if err != nil {
		return result, fmt.Errorf("%w: command exited with error: %v", corerr.ErrExecution, err)
	}
	result.Output["stdout"] = stdout.String()
	return result, nil
}

// HTTPExecutor runs http tasks.
type HTTPExecutor struct {
	client *http.Client
	expr   *eval.Evaluator
}

func NewHTTPExecutor(expr *eval.Evaluator) *HTTPExecutor {
	return &HTTPExecutor{client: &http.Client{Timeout: 30 * time.Second}, expr: expr}
}

func (e *HTTPExecutor) Execute(ctx context.Context, task *workflow.Task, input map[string]any) (TaskResult, error) {
	spec := task.Exec.HTTP
	if spec == nil {
		return TaskResult{}, fmt.Errorf("%w: task %q has no http spec", corerr.ErrExecution, task.ID)
	}

	url, err := e.expr.Render(spec.URL, input)
	if err != nil {
		return TaskResult{}, fmt.Errorf("%w: rendering url: %v", corerr.ErrResolution, err)
	}
	body, err := e.expr.Render(spec.Body, input)
	if err != nil {
		return TaskResult{}, fmt.Errorf("%w: rendering body: %v", corerr.ErrResolution, err)
	}

	req, err := http.NewRequestWithContext(ctx, spec.Method, url, bytes.NewReader([]byte(body)))
	if err != nil {
		return TaskResult{}, fmt.Errorf("building http request: %w", err)
	}
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return TaskResult{}, fmt.Errorf("%w: http request failed: %v", corerr.ErrExecution, err)
	}
	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	_, _ = buf.ReadFrom(resp.Body)

	result := TaskResult{
		Stdout: buf.Bytes(),
		Output: map[string]any{"status_code": resp.StatusCode, "body": buf.String()},
	}
	if resp.StatusCode >= 400 {
		return result, fmt.Errorf("%w: http status %d", corerr.ErrExecution, resp.StatusCode)
	}
	return result, nil
}

// PredefinedTaskLoader resolves a "uses" task's "name@version" reference to
// a concrete Task definition from an external task library. No such
// library ships with this engine; a caller that owns one (a registry
// backed by a bundled task-group directory, a remote group-sync service)
// implements this interface and passes it to NewUsesExecutor.
type PredefinedTaskLoader interface {
	LoadTask(ctx context.Context, ref string) (workflow.Task, error)
}

// UsesExecutor runs "uses" tasks by resolving the reference through a
// PredefinedTaskLoader and delegating to the caller-supplied Registry to
// dispatch whatever execution form the resolved Task turns out to use.
type UsesExecutor struct {
	loader   PredefinedTaskLoader
	dispatch func(ctx context.Context, task *workflow.Task, input map[string]any) (TaskResult, error)
}

// NewUsesExecutor binds a PredefinedTaskLoader and the Registry.Execute
// method (or an equivalent dispatcher) the resolved task should run through.
func NewUsesExecutor(loader PredefinedTaskLoader, dispatch func(ctx context.Context, task *workflow.Task, input map[string]any) (TaskResult, error)) *UsesExecutor {
	return &UsesExecutor{loader: loader, dispatch: dispatch}
}

func (e *UsesExecutor) Execute(ctx context.Context, task *workflow.Task, input map[string]any) (TaskResult, error) {
	spec := task.Exec.Uses
	if spec == nil {
		return TaskResult{}, fmt.Errorf("%w: task %q has no uses spec", corerr.ErrExecution, task.ID)
	}
	resolved, err := e.loader.LoadTask(ctx, spec.Ref)
	if err != nil {
		return TaskResult{}, fmt.Errorf("%w: loading predefined task %q: %v", corerr.ErrUnknownTask, spec.Ref, err)
	}
	if err := resolved.ResolveExec(); err != nil {
		return TaskResult{}, fmt.Errorf("resolving predefined task %q: %w", spec.Ref, err)
	}
	resolved.ID = task.ID
	return e.dispatch(ctx, &resolved, input)
}

// MCPClient is the narrow surface the engine needs from an MCP session;
// a real client (e.g. mark3labs/mcp-go) implements this without the
// engine importing the transport package directly.
type MCPClient interface {
	CallTool(ctx context.Context, server, tool string, args map[string]any) (map[string]any, error)
}

// MCPToolExecutor runs mcp_tool tasks through an MCPClient.
type MCPToolExecutor struct {
	client MCPClient
}

func NewMCPToolExecutor(client MCPClient) *MCPToolExecutor {
	return &MCPToolExecutor{client: client}
}

func (e *MCPToolExecutor) Execute(ctx context.Context, task *workflow.Task, input map[string]any) (TaskResult, error) {
	spec := task.Exec.MCPTool
	if spec == nil {
		return TaskResult{}, fmt.Errorf("%w: task %q has no mcp_tool spec", corerr.ErrExecution, task.ID)
	}
	out, err := e.client.CallTool(ctx, spec.Server, spec.Tool, spec.Args)
	if err != nil {
		return TaskResult{}, fmt.Errorf("%w: mcp tool call failed: %v", corerr.ErrExecution, err)
	}
	return TaskResult{Output: out}, nil
}
