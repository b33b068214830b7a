package graph

import (
	"errors"
	"testing"

	"workflowcore/internal/core/corerr"
	"workflowcore/internal/core/workflow"
)

func agentTask(id string, deps ...string) workflow.Task {
	return workflow.Task{ID: id, DependsOn: deps, Agent: &workflow.AgentTaskSpec{Name: "writer"}}
}

func TestBuildDetectsCycle(t *testing.T) {
	wf := &workflow.Workflow{Tasks: []workflow.Task{
		agentTask("a", "b"),
		agentTask("b", "a"),
	}}
	_, err := Build(wf)
	if !errors.Is(err, corerr.ErrCycle) {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
}

func TestBuildDetectsUnknownDependency(t *testing.T) {
	wf := &workflow.Workflow{Tasks: []workflow.Task{agentTask("a", "missing")}}
	_, err := Build(wf)
	if !errors.Is(err, corerr.ErrUnknownTask) {
		t.Fatalf("expected ErrUnknownTask, got %v", err)
	}
}

func TestTopoBatchesOrdersByDependency(t *testing.T) {
	wf := &workflow.Workflow{Tasks: []workflow.Task{
		agentTask("a"),
		agentTask("b", "a"),
		agentTask("c", "a"),
		agentTask("d", "b", "c"),
	}}
	g, err := Build(wf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	batches, err := g.TopoBatches()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d: %+v", len(batches), batches)
	}
	if len(batches[0]) != 1 || batches[0][0] != "a" {
		t.Fatalf("expected first batch to be [a], got %+v", batches[0])
	}
	if len(batches[2]) != 1 || batches[2][0] != "d" {
		t.Fatalf("expected last batch to be [d], got %+v", batches[2])
	}
}

func TestReadyRespectsDoneSet(t *testing.T) {
	wf := &workflow.Workflow{Tasks: []workflow.Task{
		agentTask("a"),
		agentTask("b", "a"),
	}}
	g, err := Build(wf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ready := g.Ready(map[string]bool{})
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("expected only 'a' ready initially, got %+v", ready)
	}
	ready = g.Ready(map[string]bool{"a": true})
	if len(ready) != 1 || ready[0] != "b" {
		t.Fatalf("expected 'b' ready after 'a' completes, got %+v", ready)
	}
}

func TestBuildFlattensSubtasks(t *testing.T) {
	parent := agentTask("parent")
	parent.Subtasks = []workflow.Task{
		agentTask("child-1"),
		agentTask("child-2"),
	}
	wf := &workflow.Workflow{Tasks: []workflow.Task{parent}}

	g, err := Build(wf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if g.Len() != 3 {
		t.Fatalf("expected 3 flattened tasks, got %d", g.Len())
	}
	if got := g.Parents("child-1"); len(got) != 1 || got[0] != "parent" {
		t.Fatalf("expected child-1 to depend on parent, got %+v", got)
	}
	if got := g.Parents("child-2"); len(got) != 1 || got[0] != "child-1" {
		t.Fatalf("expected child-2 to depend on child-1 (sequential siblings), got %+v", got)
	}
	ready := g.Ready(map[string]bool{})
	if len(ready) != 1 || ready[0] != "parent" {
		t.Fatalf("expected only 'parent' ready initially, got %+v", ready)
	}
}

func TestDescendantsWalksTransitively(t *testing.T) {
	wf := &workflow.Workflow{Tasks: []workflow.Task{
		agentTask("a"),
		agentTask("b", "a"),
		agentTask("c", "b"),
		agentTask("z"),
	}}
	g, err := Build(wf)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	desc := g.Descendants("a")
	if len(desc) != 2 || desc[0] != "b" || desc[1] != "c" {
		t.Fatalf("expected descendants [b c], got %+v", desc)
	}
}
