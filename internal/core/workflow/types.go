// Package workflow holds the typed, in-memory representation of a workflow
// description (the normalized data model the YAML/JSON front end parses
// into) and the validator that rejects a definition before anything runs.
package workflow

import (
	"time"

	"workflowcore/internal/core/corerr"
)

// ToolName is drawn from a closed universe; anything else is a validation error.
type ToolName string

const (
	ToolRead         ToolName = "Read"
	ToolWrite        ToolName = "Write"
	ToolEdit         ToolName = "Edit"
	ToolBash         ToolName = "Bash"
	ToolGrep         ToolName = "Grep"
	ToolGlob         ToolName = "Glob"
	ToolWebSearch    ToolName = "WebSearch"
	ToolWebFetch     ToolName = "WebFetch"
	ToolTask         ToolName = "Task"
	ToolTodoWrite    ToolName = "TodoWrite"
	ToolSkill        ToolName = "Skill"
	ToolSlashCommand ToolName = "SlashCommand"
)

// AllTools is the closed tool universe, used by the validator.
var AllTools = map[ToolName]bool{
	ToolRead: true, ToolWrite: true, ToolEdit: true, ToolBash: true,
	ToolGrep: true, ToolGlob: true, ToolWebSearch: true, ToolWebFetch: true,
	ToolTask: true, ToolTodoWrite: true, ToolSkill: true, ToolSlashCommand: true,
}

type PermissionMode string

const (
	PermissionDefault           PermissionMode = "default"
	PermissionAcceptEdits       PermissionMode = "acceptEdits"
	PermissionPlan              PermissionMode = "plan"
	PermissionBypassPermissions PermissionMode = "bypassPermissions"
)

// Permissions configures what an agent's tool use is allowed to touch.
type Permissions struct {
	Mode              PermissionMode `yaml:"mode"`
	AllowedDirectories []string      `yaml:"allowed_directories,omitempty"`
}

// Elevate returns the next permission mode in the DoD auto-elevation chain.
func (p Permissions) Elevate() PermissionMode {
	if p.Mode == PermissionAcceptEdits {
		return PermissionBypassPermissions
	}
	return PermissionAcceptEdits
}

// Agent is a named actor invoked through an AgentProvider.
type Agent struct {
	Name         string         `yaml:"name"`
	Description  string         `yaml:"description"`
	ModelID      string         `yaml:"model_id,omitempty"`
	SystemPrompt string         `yaml:"system_prompt,omitempty"`
	Tools        []ToolName     `yaml:"tools,omitempty"`
	Permissions  Permissions    `yaml:"permissions"`
	MaxTurns     *int           `yaml:"max_turns,omitempty"`
	Cwd          string         `yaml:"cwd,omitempty"`
}

// InputSchema declares one workflow input: its validation schema (held
// opaque, JSON-schema-shaped) and an optional default value.
type InputSchema struct {
	Name     string      `yaml:"name"`
	Schema   any         `yaml:"schema,omitempty"`
	Default  any         `yaml:"default,omitempty"`
	Required bool        `yaml:"required,omitempty"`
}

// OutputBinding describes where a workflow output's value comes from.
type OutputBinding struct {
	Name   string       `yaml:"name"`
	Source OutputSource `yaml:"source"`
}

type OutputSourceKind string

const (
	OutputSourceFile       OutputSourceKind = "file"
	OutputSourceState      OutputSourceKind = "state"
	OutputSourceTaskOutput OutputSourceKind = "task_output"
)

type OutputSource struct {
	Kind OutputSourceKind `yaml:"kind"`
	Path string           `yaml:"path,omitempty"`  // file
	Key  string           `yaml:"key,omitempty"`   // state
	Task string           `yaml:"task,omitempty"`  // task_output
}

// TruncationStrategy controls how oversized stdout/stderr is shortened.
type TruncationStrategy string

const (
	TruncateHead    TruncationStrategy = "head"
	TruncateTail    TruncationStrategy = "tail"
	TruncateBoth    TruncationStrategy = "both"
	TruncateSummary TruncationStrategy = "summary"
)

type CleanupKind string

const (
	CleanupMostRecent         CleanupKind = "most_recent"
	CleanupHighestRelevance   CleanupKind = "highest_relevance"
	CleanupLRU                CleanupKind = "lru"
	CleanupDirectDependencies CleanupKind = "direct_dependencies"
)

// CleanupStrategy is a tagged choice of cleanup policy; Keep is ignored by
// direct_dependencies.
type CleanupStrategy struct {
	Kind CleanupKind `yaml:"kind"`
	Keep int         `yaml:"keep,omitempty"`
}

// LimitsConfig bounds stdio capture, context injection, and external spill.
type LimitsConfig struct {
	MaxStdoutBytes           int64              `yaml:"max_stdout_bytes"`
	MaxStderrBytes           int64              `yaml:"max_stderr_bytes"`
	MaxCombinedBytes         int64              `yaml:"max_combined_bytes"`
	TruncationStrategy       TruncationStrategy `yaml:"truncation_strategy"`
	MaxContextBytes          int64              `yaml:"max_context_bytes"`
	MaxContextTasks          int                `yaml:"max_context_tasks"`
	ExternalStorageThreshold int64              `yaml:"external_storage_threshold"`
	ExternalStorageDir       string             `yaml:"external_storage_dir"`
	CompressExternal         bool               `yaml:"compress_external"`
	CleanupStrategy          CleanupStrategy    `yaml:"cleanup_strategy"`
}

// DefaultLimits matches spec.md's documented defaults.
func DefaultLimits() LimitsConfig {
	return LimitsConfig{
		MaxStdoutBytes:           1048576,
		MaxStderrBytes:           262144,
		MaxCombinedBytes:         1572864,
		TruncationStrategy:       TruncateTail,
		MaxContextBytes:          102400,
		MaxContextTasks:          10,
		ExternalStorageThreshold: 5242880,
		CompressExternal:         true,
		CleanupStrategy:          CleanupStrategy{Kind: CleanupMostRecent, Keep: 20},
	}
}

type ContextMode string

const (
	ContextAutomatic ContextMode = "automatic"
	ContextManual    ContextMode = "manual"
	ContextNone      ContextMode = "none"
)

// ContextConfig configures per-task context injection.
type ContextConfig struct {
	Mode          ContextMode `yaml:"mode"`
	IncludeTasks  []string    `yaml:"include_tasks,omitempty"`
	ExcludeTasks  []string    `yaml:"exclude_tasks,omitempty"`
	MinRelevance  float64     `yaml:"min_relevance"`
	MaxBytes      *int64      `yaml:"max_bytes,omitempty"`
	MaxTasks      *int        `yaml:"max_tasks,omitempty"`
}

// DefaultContextConfig is used when inject_context=true and no config given.
func DefaultContextConfig() ContextConfig {
	return ContextConfig{Mode: ContextAutomatic, MinRelevance: 0.5}
}

// Channel is a fixed-participant in-process broadcast queue.
type Channel struct {
	Name            string   `yaml:"name"`
	Participants    []string `yaml:"participants"`
	MessageFormat   string   `yaml:"message_format,omitempty"`
}

// NotificationDefaults controls workflow-level start/complete/failure notifications.
type NotificationDefaults struct {
	OnStart    []string `yaml:"on_start,omitempty"`
	OnComplete []string `yaml:"on_complete,omitempty"`
	OnFailure  []string `yaml:"on_failure,omitempty"`
}

// SecretRef declares a named secret a workflow may reference via {{secret.name}}.
type SecretRef struct {
	Name   string `yaml:"name"`
	Source string `yaml:"source"` // provider-specific reference, e.g. "env:FOO" or "backend:path"
}

// HookCommand is one shell command to run at a lifecycle boundary.
type HookCommand struct {
	Executable string   `yaml:"executable"`
	Args       []string `yaml:"args,omitempty"`
}

// HooksConfig declares the pre/post/on_error lifecycle hooks a workflow runs.
type HooksConfig struct {
	PreWorkflow  []HookCommand `yaml:"pre_workflow,omitempty"`
	PostWorkflow []HookCommand `yaml:"post_workflow,omitempty"`
	OnError      []HookCommand `yaml:"on_error,omitempty"`
}

// Workflow is the immutable root of the data model.
type Workflow struct {
	Name              string                   `yaml:"name"`
	SemanticVersion   string                   `yaml:"semantic_version"`
	DSLGrammarVersion string                   `yaml:"dsl_grammar_version"`
	WorkingDirectory  string                   `yaml:"working_directory,omitempty"`
	Inputs            []InputSchema            `yaml:"inputs,omitempty"`
	Outputs           []OutputBinding          `yaml:"outputs,omitempty"`
	Limits            LimitsConfig             `yaml:"limits"`
	Imports           map[string]string        `yaml:"imports,omitempty"` // namespace -> "group@version"
	Agents            []Agent                  `yaml:"agents,omitempty"`
	Tasks             []Task                   `yaml:"tasks"`
	Subflows          map[string]*Workflow      `yaml:"subflows,omitempty"`
	MCPServers        []string                 `yaml:"mcp_servers,omitempty"`
	Secrets           []SecretRef              `yaml:"secrets,omitempty"`
	Channels          []Channel                `yaml:"channels,omitempty"`
	NotificationDefaults NotificationDefaults  `yaml:"notification_defaults"`
	Hooks             HooksConfig              `yaml:"hooks"`
}

// AgentByName looks up a declared agent by name.
func (w *Workflow) AgentByName(name string) (*Agent, bool) {
	for i := range w.Agents {
		if w.Agents[i].Name == name {
			return &w.Agents[i], true
		}
	}
	return nil, false
}

// TaskStatus is a task's lifecycle state.
type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusReady     TaskStatus = "ready"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
	StatusSkipped   TaskStatus = "skipped"
)

// OnError configures a task's failure-recovery policy.
type OnError struct {
	Retry              int     `yaml:"retry,omitempty"`
	RetryDelaySecs      float64 `yaml:"retry_delay_secs,omitempty"`
	ExponentialBackoff  bool    `yaml:"exponential_backoff,omitempty"`
	FallbackAgent       string  `yaml:"fallback_agent,omitempty"`
}

// OnComplete lists notification channels to fire when a task completes.
type OnComplete struct {
	Notify []string `yaml:"notify,omitempty"`
}

// Task is a unit of work with exactly one execution form.
type Task struct {
	ID              string            `yaml:"id"`
	Description     string            `yaml:"description"`
	DependsOn       []string          `yaml:"depends_on,omitempty"`
	ParallelWith    []string          `yaml:"parallel_with,omitempty"`
	Priority        *int              `yaml:"priority,omitempty"`
	Condition       *Condition        `yaml:"condition,omitempty"`
	DefinitionOfDone *DefinitionOfDone `yaml:"definition_of_done,omitempty"`
	Loop            *LoopSpec         `yaml:"loop,omitempty"`
	LoopControl     *LoopControl      `yaml:"loop_control,omitempty"`
	OnComplete      OnComplete        `yaml:"on_complete"`
	OnError         OnError           `yaml:"on_error"`
	Output          string            `yaml:"output,omitempty"`
	Limits          *LimitsConfig     `yaml:"limits,omitempty"`
	Context         *ContextConfig    `yaml:"context,omitempty"`
	InjectContext   bool              `yaml:"inject_context,omitempty"`
	Inputs          map[string]any    `yaml:"inputs,omitempty"`
	Subtasks        []Task            `yaml:"subtasks,omitempty"`

	Exec TaskSpec `yaml:"-"`

	// Raw execution-form fields, unmarshaled directly then folded into Exec
	// by UnmarshalYAML; kept exported so hand-built Task literals (tests,
	// programmatic construction) can set them without a YAML round trip.
	Agent        *AgentTaskSpec        `yaml:"agent,omitempty"`
	Script       *ScriptTaskSpec       `yaml:"script,omitempty"`
	Command      *CommandTaskSpec      `yaml:"command,omitempty"`
	HTTP         *HTTPTaskSpec         `yaml:"http,omitempty"`
	MCPTool      *MCPToolTaskSpec      `yaml:"mcp_tool,omitempty"`
	Subflow      *SubflowTaskSpec      `yaml:"subflow,omitempty"`
	Uses         *UsesTaskSpec         `yaml:"uses,omitempty"`
	Embed        *EmbedTaskSpec        `yaml:"embed,omitempty"`
	UsesWorkflow *UsesWorkflowTaskSpec `yaml:"uses_workflow,omitempty"`
}

// ResolveExec folds the exported execution-form pointers into the single
// TaskSpec union and reports ErrAmbiguousForm/ErrNoExecutionForm.
func (t *Task) ResolveExec() error {
	forms := []bool{
		t.Agent != nil, t.Script != nil, t.Command != nil, t.HTTP != nil,
		t.MCPTool != nil, t.Subflow != nil, t.Uses != nil, t.Embed != nil,
		t.UsesWorkflow != nil,
	}
	count := 0
	for _, present := range forms {
		if present {
			count++
		}
	}
	switch {
	case count == 0:
		return corerr.ErrNoExecutionForm
	case count > 1:
		return corerr.ErrAmbiguousForm
	}
	t.Exec = TaskSpec{
		Agent: t.Agent, Script: t.Script, Command: t.Command, HTTP: t.HTTP,
		MCPTool: t.MCPTool, Subflow: t.Subflow, Uses: t.Uses, Embed: t.Embed,
		UsesWorkflow: t.UsesWorkflow,
	}
	return nil
}

// TaskSpec is the closed tagged union of execution forms. Exactly one
// field is non-nil once Task.ResolveExec has succeeded.
type TaskSpec struct {
	Agent        *AgentTaskSpec
	Script       *ScriptTaskSpec
	Command      *CommandTaskSpec
	HTTP         *HTTPTaskSpec
	MCPTool      *MCPToolTaskSpec
	Subflow      *SubflowTaskSpec
	Uses         *UsesTaskSpec
	Embed        *EmbedTaskSpec
	UsesWorkflow *UsesWorkflowTaskSpec
}

// Kind names the populated variant, for logging/telemetry.
func (s TaskSpec) Kind() string {
	switch {
	case s.Agent != nil:
		return "agent"
	case s.Script != nil:
		return "script"
	case s.Command != nil:
		return "command"
	case s.HTTP != nil:
		return "http"
	case s.MCPTool != nil:
		return "mcp_tool"
	case s.Subflow != nil:
		return "subflow"
	case s.Uses != nil:
		return "uses"
	case s.Embed != nil:
		return "embed"
	case s.UsesWorkflow != nil:
		return "uses_workflow"
	default:
		return "unknown"
	}
}

type AgentTaskSpec struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

type ScriptTaskSpec struct {
	Language   string `yaml:"language"`
	Content    string `yaml:"content"`
	TimeoutSecs *int  `yaml:"timeout_secs,omitempty"`
}

type CommandTaskSpec struct {
	Executable  string   `yaml:"executable"`
	Args        []string `yaml:"args,omitempty"`
	TimeoutSecs *int     `yaml:"timeout_secs,omitempty"`
}

type HTTPTaskSpec struct {
	Method  string            `yaml:"method"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers,omitempty"`
	Body    string            `yaml:"body,omitempty"`
}

type MCPToolTaskSpec struct {
	Server string         `yaml:"server"`
	Tool   string         `yaml:"tool"`
	Args   map[string]any `yaml:"args,omitempty"`
}

type SubflowTaskSpec struct {
	Name string `yaml:"name"`
}

type UsesTaskSpec struct {
	Ref string `yaml:"ref"` // "name@version"
}

type EmbedTaskSpec struct {
	Task Task `yaml:"task"`
}

type UsesWorkflowTaskSpec struct {
	Ref string `yaml:"ref"` // "namespace:workflow_name"
}

// TaskOutputType classifies a recorded TaskOutput.
type TaskOutputType string

const (
	OutputStdout   TaskOutputType = "stdout"
	OutputStderr   TaskOutputType = "stderr"
	OutputCombined TaskOutputType = "combined"
	OutputFile     TaskOutputType = "file"
	OutputSummary  TaskOutputType = "summary"
)

// TaskOutput is a single recorded output of a task.
type TaskOutput struct {
	TaskID          string             `json:"task_id"`
	OutputType      TaskOutputType     `json:"output_type"`
	Content         string             `json:"content"`
	OriginalSize    int64              `json:"original_size"`
	Truncated       bool               `json:"truncated"`
	Strategy        TruncationStrategy `json:"strategy,omitempty"`
	FilePath        string             `json:"file_path,omitempty"`
	RelevanceScore  float64            `json:"relevance_score"`
	LastAccessed    time.Time          `json:"last_accessed"`
	DependedBy      map[string]bool    `json:"depended_by,omitempty"`
}
