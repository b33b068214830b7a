// Package state implements the durable WorkflowState checkpoint store: an
// afero-backed filesystem with atomic write-then-rename persistence and a
// small schema_version migration ladder, in the same spirit as station's
// ConfigFileSystem wrapping afero.Fs for config storage.
package state

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"workflowcore/internal/core/corerr"
	"workflowcore/internal/core/workflow"
)

// CurrentSchemaVersion is bumped whenever WorkflowState's on-disk shape
// changes in a way migrate() needs to handle.
const CurrentSchemaVersion = 1

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// WorkflowState is the durable, checkpointable record of a single run.
type WorkflowState struct {
	SchemaVersion int                             `json:"schema_version"`
	RunID         string                           `json:"run_id"`
	WorkflowName  string                           `json:"workflow_name"`
	Status        RunStatus                        `json:"status"`
	Inputs        map[string]any                   `json:"inputs"`
	Variables     map[string]any                   `json:"variables"`
	TaskStatus    map[string]workflow.TaskStatus    `json:"task_status"`
	TaskAttempts  map[string]int                    `json:"task_attempts"`
	LoopCursors   map[string]int                    `json:"loop_cursors"`
	Outputs       []workflow.TaskOutput             `json:"outputs"`
	Error         string                            `json:"error,omitempty"`
	StartedAt     time.Time                         `json:"started_at"`
	UpdatedAt     time.Time                         `json:"updated_at"`
	CompletedAt   *time.Time                        `json:"completed_at,omitempty"`
}

// NewState creates a fresh WorkflowState with a generated run id.
func NewState(workflowName string, inputs map[string]any, now time.Time) *WorkflowState {
	return &WorkflowState{
		SchemaVersion: CurrentSchemaVersion,
		RunID:         uuid.NewString(),
		WorkflowName:  workflowName,
		Status:        RunPending,
		Inputs:        inputs,
		Variables:     make(map[string]any),
		TaskStatus:    make(map[string]workflow.TaskStatus),
		TaskAttempts:  make(map[string]int),
		LoopCursors:   make(map[string]int),
		StartedAt:     now,
		UpdatedAt:     now,
	}
}

// Store persists WorkflowState checkpoints to an afero.Fs, one JSON file
// per run, written atomically via a temp-file-then-rename so a crash
// mid-write never leaves a corrupt checkpoint on disk.
type Store struct {
	fs  afero.Fs
	dir string
	mu  sync.Mutex
}

// NewStore builds a Store against the real OS filesystem.
func NewStore(dir string) *Store {
	return &Store{fs: afero.NewOsFs(), dir: dir}
}

// NewStoreWithFs builds a Store against a caller-supplied afero.Fs, letting
// tests use afero.NewMemMapFs().
func NewStoreWithFs(fs afero.Fs, dir string) *Store {
	return &Store{fs: fs, dir: dir}
}

func (s *Store) path(runID string) string {
	return filepath.Join(s.dir, runID+".checkpoint.json")
}

// Save atomically writes a checkpoint: marshal to a temp file in the same
// directory, then rename over the final path, so readers never observe a
// partially written file.
func (s *Store) Save(st *WorkflowState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	st.SchemaVersion = CurrentSchemaVersion
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling state: %w", err)
	}

	final := s.path(st.RunID)
	tmp := final + ".tmp-" + uuid.NewString()
	if err := afero.WriteFile(s.fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing temp checkpoint: %w", err)
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		_ = s.fs.Remove(tmp)
		return fmt.Errorf("renaming checkpoint into place: %w", err)
	}
	return nil
}

// Load reads back a checkpoint by run id and migrates it to the current
// schema version if it was written by an older build.
func (s *Store) Load(runID string) (*WorkflowState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, s.path(runID))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", corerr.ErrUnknownTask, err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", corerr.ErrStateCorruption, err)
	}
	migrated, err := migrate(raw)
	if err != nil {
		return nil, err
	}

	var st WorkflowState
	if err := json.Unmarshal(migrated, &st); err != nil {
		return nil, fmt.Errorf("%w: %v", corerr.ErrStateCorruption, err)
	}
	return &st, nil
}

// Delete removes a run's checkpoint file, if present.
func (s *Store) Delete(runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fs.Remove(s.path(runID))
}

// List returns every run id with a checkpoint on disk.
func (s *Store) List() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := afero.ReadDir(s.fs, s.dir)
	if err != nil {
		if exists, _ := afero.DirExists(s.fs, s.dir); !exists {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	const suffix = ".checkpoint.json"
	for _, e := range entries {
		name := e.Name()
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			ids = append(ids, name[:len(name)-len(suffix)])
		}
	}
	return ids, nil
}

// migrate walks a raw checkpoint forward one schema version at a time.
// There is only one version today; this is the seam future versions hang
// their upgrade steps off of.
func migrate(raw map[string]any) ([]byte, error) {
	version := 0
	if v, ok := raw["schema_version"].(float64); ok {
		version = int(v)
	}

	switch version {
	case 0:
		// Pre-versioning checkpoints predate task_attempts/loop_cursors;
		// default them so Load doesn't hand back nil maps.
		if _, ok := raw["task_attempts"]; !ok {
			raw["task_attempts"] = map[string]any{}
		}
		if _, ok := raw["loop_cursors"]; !ok {
			raw["loop_cursors"] = map[string]any{}
		}
		raw["schema_version"] = CurrentSchemaVersion
		fallthrough
	case CurrentSchemaVersion:
		return json.Marshal(raw)
	default:
		return nil, fmt.Errorf("%w: unknown schema_version %d", corerr.ErrStateCorruption, version)
	}
}
