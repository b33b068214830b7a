package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"workflowcore/internal/core/agent"
	"workflowcore/internal/core/corerr"
	"workflowcore/internal/core/eval"
	"workflowcore/internal/core/workflow"
)

type fakeProvider struct {
	resp string
	err  error
}

func (p *fakeProvider) Run(_ context.Context, req agent.RunRequest) (agent.RunResult, error) {
	if p.err != nil {
		return agent.RunResult{}, p.err
	}
	return agent.RunResult{Response: p.resp, StepCount: 1}, nil
}

func TestAgentExecutorRendersTaskTextAndReturnsResponse(t *testing.T) {
	wf := &workflow.Workflow{Agents: []workflow.Agent{{Name: "writer"}}}
	provider := &fakeProvider{resp: "done"}
	ex := NewAgentExecutor("run-1", wf, provider, eval.NewEvaluator())

	task := &workflow.Task{ID: "t1", Agent: &workflow.AgentTaskSpec{Name: "writer", Description: "static"}}
	if err := task.ResolveExec(); err != nil {
		t.Fatalf("resolving exec: %v", err)
	}

	result, err := ex.Execute(context.Background(), task, map[string]any{"task": "hello {{ name }}", "name": "world"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output["response"] != "done" {
		t.Fatalf("expected response 'done', got %+v", result.Output)
	}
}

func TestAgentExecutorRejectsUnknownAgent(t *testing.T) {
	wf := &workflow.Workflow{Agents: []workflow.Agent{{Name: "writer"}}}
	ex := NewAgentExecutor("run-1", wf, &fakeProvider{}, eval.NewEvaluator())

	task := &workflow.Task{ID: "t1", Agent: &workflow.AgentTaskSpec{Name: "ghost"}}
	_ = task.ResolveExec()

	_, err := ex.Execute(context.Background(), task, nil)
	if !errors.Is(err, corerr.ErrUnknownAgent) {
		t.Fatalf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestScriptExecutorRunsBashAndCapturesStdout(t *testing.T) {
	ex := NewScriptExecutor()
	task := &workflow.Task{ID: "t1", Script: &workflow.ScriptTaskSpec{Language: "bash", Content: "echo hello"}}
	_ = task.ResolveExec()

	result, err := ex.Execute(context.Background(), task, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output["stdout"] != "hello\n" {
		t.Fatalf("expected captured stdout 'hello\\n', got %q", result.Output["stdout"])
	}
}

func TestScriptExecutorRejectsUnsupportedLanguage(t *testing.T) {
	ex := NewScriptExecutor()
	task := &workflow.Task{ID: "t1", Script: &workflow.ScriptTaskSpec{Language: "cobol", Content: "WRITE"}}
	_ = task.ResolveExec()

	_, err := ex.Execute(context.Background(), task, nil)
	if err == nil {
		t.Fatalf("expected an error for an unsupported script language")
	}
}

func TestCommandExecutorRunsAndCapturesFailure(t *testing.T) {
	ex := NewCommandExecutor()
	task := &workflow.Task{ID: "t1", Command: &workflow.CommandTaskSpec{Executable: "false"}}
	_ = task.ResolveExec()

	_, err := ex.Execute(context.Background(), task, nil)
	if !errors.Is(err, corerr.ErrExecution) {
		t.Fatalf("expected ErrExecution for a nonzero exit, got %v", err)
	}
}

func TestRegistryDispatchesByExecutionForm(t *testing.T) {
	reg := NewRegistry()
	reg.Register("command", NewCommandExecutor())

	task := &workflow.Task{ID: "t1", Command: &workflow.CommandTaskSpec{Executable: "true"}}
	_ = task.ResolveExec()

	_, err := reg.Execute(context.Background(), task, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRegistryRejectsUnregisteredForm(t *testing.T) {
	reg := NewRegistry()
	task := &workflow.Task{ID: "t1", Command: &workflow.CommandTaskSpec{Executable: "true"}}
	_ = task.ResolveExec()

	_, err := reg.Execute(context.Background(), task, nil)
	if !errors.Is(err, corerr.ErrExecution) {
		t.Fatalf("expected ErrExecution for an unregistered form, got %v", err)
	}
}

func TestRegistryCloneIsIndependent(t *testing.T) {
	reg := NewRegistry()
	reg.Register("command", NewCommandExecutor())
	clone := reg.Clone()
	clone.Register("command", NewScriptExecutor().WithInterpreter("command", "true"))

	if _, ok := reg.executors["command"].(*CommandExecutor); !ok {
		t.Fatalf("expected original registry's 'command' binding to be untouched by the clone's rebind")
	}
}

type fakeTaskLoader struct {
	task workflow.Task
	err  error
}

func (l *fakeTaskLoader) LoadTask(_ context.Context, _ string) (workflow.Task, error) {
	return l.task, l.err
}

func TestUsesExecutorResolvesAndDispatchesThroughLoader(t *testing.T) {
	resolved := workflow.Task{ID: "placeholder", Command: &workflow.CommandTaskSpec{Executable: "true"}}
	loader := &fakeTaskLoader{task: resolved}

	reg := NewRegistry()
	reg.Register("command", NewCommandExecutor())
	reg.Register("uses", NewUsesExecutor(loader, reg.Execute))

	task := &workflow.Task{ID: "t1", Uses: &workflow.UsesTaskSpec{Ref: "shared/lint@1"}}
	_ = task.ResolveExec()

	_, err := reg.Execute(context.Background(), task, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUsesExecutorPropagatesLoaderError(t *testing.T) {
	loader := &fakeTaskLoader{err: errors.New("no such task")}
	ex := NewUsesExecutor(loader, func(context.Context, *workflow.Task, map[string]any) (TaskResult, error) {
		t := TaskResult{}
		return t, nil
	})

	task := &workflow.Task{ID: "t1", Uses: &workflow.UsesTaskSpec{Ref: "shared/lint@1"}}
	_ = task.ResolveExec()

	_, err := ex.Execute(context.Background(), task, nil)
	if !errors.Is(err, corerr.ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestHTTPExecutorRendersURLAndReturnsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("pong"))
	}))
	defer srv.Close()

	ex := NewHTTPExecutor(eval.NewEvaluator())
	task := &workflow.Task{ID: "t1", HTTP: &workflow.HTTPTaskSpec{Method: http.MethodGet, URL: srv.URL + "/{{ path }}"}}
	_ = task.ResolveExec()

	result, err := ex.Execute(context.Background(), task, map[string]any{"path": "ping"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output["status_code"] != 200 {
		t.Fatalf("expected status_code 200, got %+v", result.Output)
	}
	if result.Output["body"] != "pong" {
		t.Fatalf("expected body 'pong', got %+v", result.Output)
	}
}

func TestHTTPExecutorReturnsErrorOnServerFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	ex := NewHTTPExecutor(eval.NewEvaluator())
	task := &workflow.Task{ID: "t1", HTTP: &workflow.HTTPTaskSpec{Method: http.MethodGet, URL: srv.URL}}
	_ = task.ResolveExec()

	_, err := ex.Execute(context.Background(), task, nil)
	if !errors.Is(err, corerr.ErrExecution) {
		t.Fatalf("expected ErrExecution for a 5xx response, got %v", err)
	}
}

type fakeMCPClient struct {
	out map[string]any
	err error
}

func (c *fakeMCPClient) CallTool(_ context.Context, _, _ string, _ map[string]any) (map[string]any, error) {
	return c.out, c.err
}

func TestMCPToolExecutorReturnsClientOutput(t *testing.T) {
	client := &fakeMCPClient{out: map[string]any{"ok": true}}
	ex := NewMCPToolExecutor(client)

	task := &workflow.Task{ID: "t1", MCPTool: &workflow.MCPToolTaskSpec{Server: "fs", Tool: "read"}}
	_ = task.ResolveExec()

	result, err := ex.Execute(context.Background(), task, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Output["ok"] != true {
		t.Fatalf("expected client output to pass through, got %+v", result.Output)
	}
}
