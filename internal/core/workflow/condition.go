package workflow

// Condition is a closed tagged union: exactly one of the leaf or combinator
// fields is set. Kept as a struct of pointers (station's StateSpec style,
// generalized) rather than an interface, so YAML unmarshaling stays simple
// and the validator can walk it without type switches on unexported types.
type Condition struct {
	// Leaves
	TaskStatus  *TaskStatusCondition  `yaml:"task_status,omitempty"`
	Equals      *EqualsCondition      `yaml:"equals,omitempty"`
	NotEquals   *EqualsCondition      `yaml:"not_equals,omitempty"`
	Contains    *ContainsCondition    `yaml:"contains,omitempty"`
	Matches     *MatchesCondition     `yaml:"matches,omitempty"`
	Exists      *ExistsCondition      `yaml:"exists,omitempty"`
	GreaterThan *ComparisonCondition  `yaml:"greater_than,omitempty"`
	LessThan    *ComparisonCondition  `yaml:"less_than,omitempty"`
	Expr        *ExprCondition        `yaml:"expr,omitempty"`
	Always      bool                  `yaml:"always,omitempty"`
	Never       bool                  `yaml:"never,omitempty"`

	// Combinators
	And *[]Condition `yaml:"and,omitempty"`
	Or  *[]Condition `yaml:"or,omitempty"`
	Not *Condition   `yaml:"not,omitempty"`
}

// TaskStatusCondition is spec.md's task_status leaf: true iff the named
// task currently holds the given status.
type TaskStatusCondition struct {
	TaskID string     `yaml:"task_id"`
	Status TaskStatus `yaml:"status"`
}

// Kind names the populated variant.
func (c Condition) Kind() string {
	switch {
	case c.TaskStatus != nil:
		return "task_status"
	case c.Always:
		return "always"
	case c.Never:
		return "never"
	case c.Equals != nil:
		return "equals"
	case c.NotEquals != nil:
		return "not_equals"
	case c.Contains != nil:
		return "contains"
	case c.Matches != nil:
		return "matches"
	case c.Exists != nil:
		return "exists"
	case c.GreaterThan != nil:
		return "greater_than"
	case c.LessThan != nil:
		return "less_than"
	case c.Expr != nil:
		return "expr"
	case c.And != nil:
		return "and"
	case c.Or != nil:
		return "or"
	case c.Not != nil:
		return "not"
	default:
		return "empty"
	}
}

// VariantCount returns how many of the mutually exclusive fields are set;
// the validator rejects anything other than exactly 1.
func (c Condition) VariantCount() int {
	n := 0
	for _, present := range []bool{
		c.TaskStatus != nil, c.Always, c.Never,
		c.Equals != nil, c.NotEquals != nil, c.Contains != nil, c.Matches != nil,
		c.Exists != nil, c.GreaterThan != nil, c.LessThan != nil, c.Expr != nil,
		c.And != nil, c.Or != nil, c.Not != nil,
	} {
		if present {
			n++
		}
	}
	return n
}

type EqualsCondition struct {
	Path  string `yaml:"path"`
	Value any    `yaml:"value"`
}

type ContainsCondition struct {
	Path  string `yaml:"path"`
	Value any    `yaml:"value"`
}

type MatchesCondition struct {
	Path    string `yaml:"path"`
	Pattern string `yaml:"pattern"` // glob, per schema_checker.go's matching style
}

type ExistsCondition struct {
	Path string `yaml:"path"`
}

type ComparisonCondition struct {
	Path  string  `yaml:"path"`
	Value float64 `yaml:"value"`
}

// ExprCondition is evaluated by the Starlark expression evaluator when the
// leaf/combinator vocabulary can't express the check.
type ExprCondition struct {
	Source string `yaml:"source"`
}

// LoopKind selects which of LoopSpec's variant fields is populated.
type LoopKind string

const (
	LoopForEach    LoopKind = "for_each"
	LoopWhile      LoopKind = "while"
	LoopRepeatUntil LoopKind = "repeat_until"
	LoopRepeat     LoopKind = "repeat"
)

// LoopSpec is a closed tagged union over the four loop forms a task can
// declare; exactly one of the *Spec fields matching Kind is populated.
type LoopSpec struct {
	Kind LoopKind `yaml:"kind"`

	ForEach     *ForEachSpec     `yaml:"for_each,omitempty"`
	While       *WhileSpec       `yaml:"while,omitempty"`
	RepeatUntil *RepeatUntilSpec `yaml:"repeat_until,omitempty"`
	Repeat      *RepeatSpec      `yaml:"repeat,omitempty"`
}

type ForEachSpec struct {
	ItemsPath     string `yaml:"items_path"`
	ItemVar       string `yaml:"item_var"`
	IndexVar      string `yaml:"index_var,omitempty"`
	Concurrent    bool   `yaml:"concurrent,omitempty"`
	MaxConcurrency int   `yaml:"max_concurrency,omitempty"`
}

type WhileSpec struct {
	Condition Condition `yaml:"condition"`
	MaxIterations int   `yaml:"max_iterations,omitempty"`
}

type RepeatUntilSpec struct {
	Condition     Condition `yaml:"condition"`
	MinIterations int       `yaml:"min_iterations,omitempty"`
	MaxIterations int       `yaml:"max_iterations,omitempty"`
}

type RepeatSpec struct {
	Count int `yaml:"count"`
}

// LoopControl lets a loop body task request a break via its output
// (BreakOn is evaluated against each iteration's output), skips an
// iteration's body when ContinueOn holds for that iteration's bound data,
// and configures result collection, a whole-loop timeout, and checkpoint
// cadence.
type LoopControl struct {
	BreakOn           *Condition `yaml:"break_on,omitempty"`
	ContinueOn        *Condition `yaml:"continue_on,omitempty"`
	CollectResults    bool       `yaml:"collect_results,omitempty"`
	ResultKey         string     `yaml:"result_key,omitempty"`
	TimeoutSecs       *int       `yaml:"timeout_secs,omitempty"`
	CheckpointInterval int       `yaml:"checkpoint_interval,omitempty"`
}

// ResultKeyFor returns the state key a loop's collected results are stored
// under: the declared ResultKey, or "<task_id>_results" by default.
func (c *LoopControl) ResultKeyFor(taskID string) string {
	if c != nil && c.ResultKey != "" {
		return c.ResultKey
	}
	return taskID + "_results"
}

// CriterionKind selects a DefinitionOfDone leaf variant.
type CriterionKind string

const (
	CriterionFileExists      CriterionKind = "file_exists"
	CriterionFileContains    CriterionKind = "file_contains"
	CriterionFileNotContains CriterionKind = "file_not_contains"
	CriterionDirectoryExists CriterionKind = "directory_exists"
	CriterionOutputMatches   CriterionKind = "output_matches"
	CriterionCommandSucceeds CriterionKind = "command_succeeds"
	CriterionTestsPassed     CriterionKind = "tests_passed"
	CriterionSchemaValid     CriterionKind = "schema_valid"
	CriterionCustomExpr      CriterionKind = "custom_expr"
	CriterionAll             CriterionKind = "all"
	CriterionAny             CriterionKind = "any"
)

// Criterion is a closed tagged union of DoD checks, combinable via All/Any.
type Criterion struct {
	Kind CriterionKind `yaml:"kind"`

	FileExists      *FileExistsCriterion      `yaml:"file_exists,omitempty"`
	FileContains    *FileContainsCriterion    `yaml:"file_contains,omitempty"`
	FileNotContains *FileContainsCriterion    `yaml:"file_not_contains,omitempty"`
	DirectoryExists *DirectoryExistsCriterion `yaml:"directory_exists,omitempty"`
	OutputMatches    *OutputMatchesCriterion    `yaml:"output_matches,omitempty"`
	CommandSucceeds *CommandSucceedsCriterion `yaml:"command_succeeds,omitempty"`
	TestsPassed     *CommandSucceedsCriterion `yaml:"tests_passed,omitempty"`
	SchemaValid      *SchemaValidCriterion      `yaml:"schema_valid,omitempty"`
	CustomExpr      *CustomExprCriterion      `yaml:"custom_expr,omitempty"`
	All              *[]Criterion               `yaml:"all,omitempty"`
	Any              *[]Criterion               `yaml:"any,omitempty"`
}

type FileExistsCriterion struct {
	Path string `yaml:"path"`
}

// FileContainsCriterion backs both file_contains and file_not_contains;
// Pattern supports glob semantics when it contains "*" or "**", otherwise
// it is matched as a plain substring.
type FileContainsCriterion struct {
	Path    string `yaml:"path"`
	Pattern string `yaml:"pattern"`
}

type DirectoryExistsCriterion struct {
	Path string `yaml:"path"`
}

type OutputMatchesCriterion struct {
	Source  OutputMatchesSource `yaml:"source"`
	Path    string              `yaml:"path,omitempty"` // when source=file
	Pattern string              `yaml:"pattern"`
}

// OutputMatchesSource selects what output_matches reads before matching
// Pattern against it.
type OutputMatchesSource string

const (
	OutputMatchesTaskOutput OutputMatchesSource = "task_output"
	OutputMatchesFile       OutputMatchesSource = "file"
)

type CommandSucceedsCriterion struct {
	Executable string   `yaml:"executable"`
	Args       []string `yaml:"args,omitempty"`
	Cwd        string   `yaml:"cwd,omitempty"`
}

type SchemaValidCriterion struct {
	Schema any `yaml:"schema"`
}

type CustomExprCriterion struct {
	Source string `yaml:"source"`
}

// RetryPolicy controls how many times an unmet DoD re-prompts the agent,
// and at what permission-mode elevation. MaxAttempts caps the total number
// of executions, the first one included, so it allows MaxAttempts-1
// re-prompts (see dod.NextAttempt).
type RetryPolicy struct {
	MaxAttempts int  `yaml:"max_attempts"`
	AutoElevate bool `yaml:"auto_elevate,omitempty"`
}

// DefinitionOfDone gates a task's completion on one or more Criterion
// checks, evaluated in declaration order.
type DefinitionOfDone struct {
	Criteria      []Criterion `yaml:"criteria"`
	Retry         RetryPolicy `yaml:"retry"`
	FailOnUnmet   bool        `yaml:"fail_on_unmet"`
}

// DefaultDefinitionOfDone fills in spec.md's documented defaults
// (max_retries=3, fail_on_unmet=true, auto_elevate_permissions=false) for
// a DoD block that only specified criteria. Three retries after the first
// attempt is MaxAttempts 4.
func DefaultDefinitionOfDone(criteria []Criterion) DefinitionOfDone {
	return DefinitionOfDone{
		Criteria:    criteria,
		Retry:       RetryPolicy{MaxAttempts: 4},
		FailOnUnmet: true,
	}
}
