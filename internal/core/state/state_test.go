package state

import (
	"testing"
	"time"

	"github.com/spf13/afero"
)

func TestSaveAndLoadRoundTrips(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStoreWithFs(fs, "/runs")

	st := NewState("demo", map[string]any{"x": 1}, time.Now())
	st.TaskStatus["a"] = "completed"

	if err := store.Save(st); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	loaded, err := store.Load(st.RunID)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.WorkflowName != "demo" {
		t.Fatalf("expected workflow name 'demo', got %q", loaded.WorkflowName)
	}
	if loaded.TaskStatus["a"] != "completed" {
		t.Fatalf("expected task 'a' completed, got %q", loaded.TaskStatus["a"])
	}
}

func TestLoadMigratesLegacyCheckpoint(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStoreWithFs(fs, "/runs")

	legacy := []byte(`{"run_id":"legacy-1","workflow_name":"demo","status":"running","task_status":{}}`)
	if err := afero.WriteFile(fs, "/runs/legacy-1.checkpoint.json", legacy, 0o644); err != nil {
		t.Fatalf("seed failed: %v", err)
	}

	loaded, err := store.Load("legacy-1")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if loaded.SchemaVersion != CurrentSchemaVersion {
		t.Fatalf("expected migration to schema version %d, got %d", CurrentSchemaVersion, loaded.SchemaVersion)
	}
	if loaded.TaskAttempts == nil {
		t.Fatalf("expected task_attempts to be defaulted by migration")
	}
}

func TestListReturnsRunIDs(t *testing.T) {
	fs := afero.NewMemMapFs()
	store := NewStoreWithFs(fs, "/runs")

	st1 := NewState("demo", nil, time.Now())
	st2 := NewState("demo", nil, time.Now())
	if err := store.Save(st1); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := store.Save(st2); err != nil {
		t.Fatalf("save failed: %v", err)
	}

	ids, err := store.List()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 run ids, got %d: %+v", len(ids), ids)
	}
}
