package loop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"workflowcore/internal/core/corerr"
	"workflowcore/internal/core/workflow"
)

func TestRunForEachSequential(t *testing.T) {
	r := NewRunner()
	spec := &workflow.LoopSpec{
		Kind: workflow.LoopForEach,
		ForEach: &workflow.ForEachSpec{
			ItemsPath: "items",
			ItemVar:   "item",
		},
	}
	data := map[string]any{"items": []any{"a", "b", "c"}}

	var seen []string
	results, err := r.Run(context.Background(), spec, nil, data, 0, func(_ context.Context, iterData map[string]any, index int) (map[string]any, error) {
		seen = append(seen, iterData["item"].(string))
		return map[string]any{"index": index}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if seen[0] != "a" || seen[1] != "b" || seen[2] != "c" {
		t.Fatalf("expected sequential order a,b,c, got %+v", seen)
	}
}

func TestRunForEachConcurrentPreservesOrder(t *testing.T) {
	r := NewRunner()
	spec := &workflow.LoopSpec{
		Kind: workflow.LoopForEach,
		ForEach: &workflow.ForEachSpec{
			ItemsPath:      "items",
			ItemVar:        "item",
			Concurrent:     true,
			MaxConcurrency: 4,
		},
	}
	data := map[string]any{"items": []any{1.0, 2.0, 3.0, 4.0, 5.0}}

	results, err := r.Run(context.Background(), spec, nil, data, 0, func(_ context.Context, iterData map[string]any, index int) (map[string]any, error) {
		return map[string]any{"doubled": iterData["item"].(float64) * 2}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for i, r := range results {
		if r.Index != i {
			t.Fatalf("expected result %d to have index %d, got %d", i, i, r.Index)
		}
	}
}

func TestRunRepeatUntilStopsOnCondition(t *testing.T) {
	r := NewRunner()
	spec := &workflow.LoopSpec{
		Kind: workflow.LoopRepeatUntil,
		RepeatUntil: &workflow.RepeatUntilSpec{
			Condition:     workflow.Condition{GreaterThan: &workflow.ComparisonCondition{Path: "count", Value: 2}},
			MaxIterations: 10,
		},
	}
	data := map[string]any{"count": 0.0}

	var count int32
	results, err := r.Run(context.Background(), spec, nil, data, 0, func(_ context.Context, _ map[string]any, _ int) (map[string]any, error) {
		n := atomic.AddInt32(&count, 1)
		return map[string]any{"count": float64(n)}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected loop to stop after count exceeds 2 (3 iterations), got %d", len(results))
	}
}

func TestRunForEachSequentialHonorsBreakOn(t *testing.T) {
	r := NewRunner()
	spec := &workflow.LoopSpec{
		Kind: workflow.LoopForEach,
		ForEach: &workflow.ForEachSpec{
			ItemsPath: "items",
			ItemVar:   "item",
		},
	}
	control := &workflow.LoopControl{BreakOn: &workflow.Condition{Equals: &workflow.EqualsCondition{Path: "stop", Value: true}}}
	data := map[string]any{"items": []any{"a", "b", "c", "d", "e"}}

	results, err := r.Run(context.Background(), spec, control, data, 0, func(_ context.Context, iterData map[string]any, index int) (map[string]any, error) {
		return map[string]any{"stop": index == 2}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected break_condition to stop the loop after index 2 (3 results), got %d", len(results))
	}
}

func TestRunForEachConcurrentHonorsBreakOn(t *testing.T) {
	r := NewRunner()
	spec := &workflow.LoopSpec{
		Kind: workflow.LoopForEach,
		ForEach: &workflow.ForEachSpec{
			ItemsPath:      "items",
			ItemVar:        "item",
			Concurrent:     true,
			MaxConcurrency: 1,
		},
	}
	control := &workflow.LoopControl{BreakOn: &workflow.Condition{Equals: &workflow.EqualsCondition{Path: "stop", Value: true}}}
	data := map[string]any{"items": []any{"a", "b", "c", "d", "e"}}

	var executed int32
	_, err := r.Run(context.Background(), spec, control, data, 0, func(_ context.Context, iterData map[string]any, index int) (map[string]any, error) {
		n := atomic.AddInt32(&executed, 1)
		return map[string]any{"stop": n >= 3}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if executed >= int32(len(data["items"].([]any))) {
		t.Fatalf("expected break_condition to stop dispatch before exhausting all items, executed %d", executed)
	}
}

func TestRunRejectsExcessiveNestingDepth(t *testing.T) {
	r := NewRunner()
	spec := &workflow.LoopSpec{Kind: workflow.LoopRepeat, Repeat: &workflow.RepeatSpec{Count: 1}}
	_, err := r.Run(context.Background(), spec, nil, map[string]any{}, 5, func(context.Context, map[string]any, int) (map[string]any, error) {
		return nil, nil
	})
	if !errors.Is(err, corerr.ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
}

func TestRunRepeatHonorsBreakOn(t *testing.T) {
	r := NewRunner()
	spec := &workflow.LoopSpec{Kind: workflow.LoopRepeat, Repeat: &workflow.RepeatSpec{Count: 100}}
	control := &workflow.LoopControl{BreakOn: &workflow.Condition{Equals: &workflow.EqualsCondition{Path: "stop", Value: true}}}

	results, err := r.Run(context.Background(), spec, control, map[string]any{}, 0, func(_ context.Context, _ map[string]any, index int) (map[string]any, error) {
		return map[string]any{"stop": index == 2}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected break after index 2 (3 iterations), got %d", len(results))
	}
}
