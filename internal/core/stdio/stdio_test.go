package stdio

import (
	"testing"
	"time"

	"github.com/spf13/afero"

	"workflowcore/internal/core/workflow"
)

func TestProcessTruncatesOversizedStdout(t *testing.T) {
	fs := afero.NewMemMapFs()
	limits := workflow.DefaultLimits()
	limits.MaxStdoutBytes = 10
	limits.MaxStderrBytes = 100
	limits.MaxCombinedBytes = 100
	m := NewManagerWithFs(fs, limits)

	outs, err := m.Process("t1", Capture{Stdout: []byte("0123456789abcdefghij")}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var stdout workflow.TaskOutput
	for _, o := range outs {
		if o.OutputType == workflow.OutputStdout {
			stdout = o
		}
	}
	if !stdout.Truncated {
		t.Fatalf("expected stdout to be marked truncated")
	}
	if len(stdout.Content) != 10 {
		t.Fatalf("expected truncated content of length 10, got %d", len(stdout.Content))
	}
}

func TestProcessSpillsAboveExternalThreshold(t *testing.T) {
	fs := afero.NewMemMapFs()
	limits := workflow.DefaultLimits()
	limits.ExternalStorageThreshold = 5
	limits.MaxStdoutBytes = 1000
	limits.MaxStderrBytes = 1000
	limits.MaxCombinedBytes = 1000
	m := NewManagerWithFs(fs, limits)

	outs, err := m.Process("t1", Capture{Stdout: []byte("this is definitely over five bytes")}, time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	found := false
	for _, o := range outs {
		if o.OutputType == workflow.OutputFile && o.FilePath != "" {
			found = true
			if exists, _ := afero.Exists(fs, o.FilePath); !exists {
				t.Fatalf("expected spilled file to exist at %s", o.FilePath)
			}
		}
	}
	if !found {
		t.Fatalf("expected at least one output spilled to a file")
	}
}

func TestSelectContextHonorsExcludeAndRelevance(t *testing.T) {
	cfg := workflow.ContextConfig{Mode: workflow.ContextAutomatic, MinRelevance: 0.5, ExcludeTasks: []string{"noisy"}}
	limits := workflow.DefaultLimits()

	all := []workflow.TaskOutput{
		{TaskID: "noisy", Content: "irrelevant", RelevanceScore: 0.9, LastAccessed: time.Now()},
		{TaskID: "low", Content: "low relevance", RelevanceScore: 0.1, LastAccessed: time.Now()},
		{TaskID: "good", Content: "relevant output", RelevanceScore: 0.8, LastAccessed: time.Now()},
	}

	selected := SelectContext(cfg, limits, all)
	if len(selected) != 1 || selected[0].TaskID != "good" {
		t.Fatalf("expected only 'good' selected, got %+v", selected)
	}
}

func TestSelectContextManualModeUsesDeclarationOrder(t *testing.T) {
	cfg := workflow.ContextConfig{Mode: workflow.ContextManual, IncludeTasks: []string{"third", "first", "second"}}
	limits := workflow.DefaultLimits()

	all := []workflow.TaskOutput{
		{TaskID: "first", Content: "a", RelevanceScore: 0.1},
		{TaskID: "second", Content: "b", RelevanceScore: 0.9},
		{TaskID: "third", Content: "c", RelevanceScore: 0.5},
	}

	selected := SelectContext(cfg, limits, all)
	if len(selected) != 3 {
		t.Fatalf("expected all 3 included tasks selected, got %d", len(selected))
	}
	got := []string{selected[0].TaskID, selected[1].TaskID, selected[2].TaskID}
	want := []string{"third", "first", "second"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected manual mode to preserve include_tasks order %v, got %v", want, got)
		}
	}
}

func TestSelectContextAutomaticModeSortsByRelevance(t *testing.T) {
	cfg := workflow.ContextConfig{Mode: workflow.ContextAutomatic}
	limits := workflow.DefaultLimits()

	all := []workflow.TaskOutput{
		{TaskID: "low", Content: "a", RelevanceScore: 0.2},
		{TaskID: "high", Content: "b", RelevanceScore: 0.9},
		{TaskID: "mid", Content: "c", RelevanceScore: 0.5},
	}

	selected := SelectContext(cfg, limits, all)
	if len(selected) != 3 || selected[0].TaskID != "high" || selected[1].TaskID != "mid" || selected[2].TaskID != "low" {
		t.Fatalf("expected automatic mode sorted by descending relevance, got %+v", selected)
	}
}

func TestCleanupKeepsTopNAndDeletesSpilledFiles(t *testing.T) {
	fs := afero.NewMemMapFs()
	m := NewManagerWithFs(fs, workflow.DefaultLimits())

	keepPath := "/spill/keep.txt"
	dropPath := "/spill/drop.txt"
	if err := afero.WriteFile(fs, keepPath, []byte("keep"), 0o644); err != nil {
		t.Fatalf("seeding keep file: %v", err)
	}
	if err := afero.WriteFile(fs, dropPath, []byte("drop"), 0o644); err != nil {
		t.Fatalf("seeding drop file: %v", err)
	}

	all := []workflow.TaskOutput{
		{TaskID: "newer", FilePath: keepPath, LastAccessed: time.Now()},
		{TaskID: "older", FilePath: dropPath, LastAccessed: time.Now().Add(-time.Hour)},
	}
	strategy := workflow.CleanupStrategy{Kind: workflow.CleanupMostRecent, Keep: 1}

	kept := m.Cleanup(all, strategy)
	if len(kept) != 1 || kept[0].TaskID != "newer" {
		t.Fatalf("expected only the more recent output to survive cleanup, got %+v", kept)
	}
	if exists, _ := afero.Exists(fs, dropPath); exists {
		t.Fatalf("expected dropped output's spilled file to be deleted")
	}
	if exists, _ := afero.Exists(fs, keepPath); !exists {
		t.Fatalf("expected kept output's spilled file to remain")
	}
}

func TestSelectContextRespectsMaxTasks(t *testing.T) {
	cfg := workflow.ContextConfig{Mode: workflow.ContextAutomatic}
	limits := workflow.DefaultLimits()
	maxTasks := 1
	cfg.MaxTasks = &maxTasks

	all := []workflow.TaskOutput{
		{TaskID: "a", Content: "x", RelevanceScore: 1, LastAccessed: time.Now()},
		{TaskID: "b", Content: "y", RelevanceScore: 1, LastAccessed: time.Now().Add(time.Second)},
	}
	selected := SelectContext(cfg, limits, all)
	if len(selected) != 1 {
		t.Fatalf("expected exactly 1 selected output, got %d", len(selected))
	}
}
