package eval

import (
	"testing"

	"workflowcore/internal/core/workflow"
)

func TestEvalBoolSimpleExpression(t *testing.T) {
	e := NewEvaluator()
	ok, err := e.EvalBool("x > 3", map[string]any{"x": 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected true")
	}
}

func TestRenderSubstitutesExpressions(t *testing.T) {
	e := NewEvaluator()
	out, err := e.Render("hello {{ name }}, total={{ a + b }}", map[string]any{"name": "world", "a": 1, "b": 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out != "hello world, total=3" {
		t.Fatalf("unexpected render output: %q", out)
	}
}

func TestGetSetNestedValue(t *testing.T) {
	data := map[string]any{}
	SetNestedValue(data, "a.b.c", 42)
	v, ok := GetNestedValue(data, "a.b.c")
	if !ok || v != 42 {
		t.Fatalf("expected 42, got %v (%v)", v, ok)
	}
}

func TestEvalConditionEqualsLeaf(t *testing.T) {
	e := NewEvaluator()
	cond := &workflow.Condition{Equals: &workflow.EqualsCondition{Path: "status", Value: "ok"}}
	ok, err := e.EvalCondition(cond, map[string]any{"status": "ok"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected condition to match")
	}
}

func TestEvalConditionAndCombinator(t *testing.T) {
	e := NewEvaluator()
	cond := &workflow.Condition{And: &[]workflow.Condition{
		{Exists: &workflow.ExistsCondition{Path: "a"}},
		{GreaterThan: &workflow.ComparisonCondition{Path: "a", Value: 1}},
	}}
	ok, err := e.EvalCondition(cond, map[string]any{"a": 2.0})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected AND condition to match")
	}
}

func TestEvalConditionNotCombinator(t *testing.T) {
	e := NewEvaluator()
	cond := &workflow.Condition{Not: &workflow.Condition{Exists: &workflow.ExistsCondition{Path: "missing"}}}
	ok, err := e.EvalCondition(cond, map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected NOT of a missing key to be true")
	}
}

func TestEvalConditionExprLeaf(t *testing.T) {
	e := NewEvaluator()
	cond := &workflow.Condition{Expr: &workflow.ExprCondition{Source: "count >= 3"}}
	ok, err := e.EvalCondition(cond, map[string]any{"count": 5})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected expr condition to match")
	}
}

func TestEvalConditionTaskStatusLeaf(t *testing.T) {
	e := NewEvaluator()
	data := map[string]any{"tasks": map[string]any{"A": map[string]any{"status": "failed"}}}

	match := &workflow.Condition{TaskStatus: &workflow.TaskStatusCondition{TaskID: "A", Status: workflow.StatusFailed}}
	ok, err := e.EvalCondition(match, data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatalf("expected task_status to match A=failed")
	}

	mismatch := &workflow.Condition{TaskStatus: &workflow.TaskStatusCondition{TaskID: "A", Status: workflow.StatusCompleted}}
	ok, err = e.EvalCondition(mismatch, data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected task_status not to match A=completed when actual status is failed")
	}

	unknown := &workflow.Condition{TaskStatus: &workflow.TaskStatusCondition{TaskID: "missing", Status: workflow.StatusCompleted}}
	ok, err = e.EvalCondition(unknown, data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected task_status for an unrecorded task to be false, not an error")
	}
}

func TestEvalConditionAlwaysNever(t *testing.T) {
	e := NewEvaluator()
	ok, err := e.EvalCondition(&workflow.Condition{Always: true}, map[string]any{})
	if err != nil || !ok {
		t.Fatalf("expected always to be true, got ok=%v err=%v", ok, err)
	}
	ok, err = e.EvalCondition(&workflow.Condition{Never: true}, map[string]any{})
	if err != nil || ok {
		t.Fatalf("expected never to be false, got ok=%v err=%v", ok, err)
	}
}
