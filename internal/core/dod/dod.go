// Package dod evaluates a task's DefinitionOfDone after it finishes,
// deciding whether the task is actually complete or needs another attempt.
// The retry-then-escalate shape mirrors station's HumanApprovalExecutor
// gate; schema_valid reuses the output/input compatibility check style
// from its SchemaChecker.
package dod

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"workflowcore/internal/core/corerr"
	"workflowcore/internal/core/eval"
	"workflowcore/internal/core/workflow"
)

// Result reports why a DefinitionOfDone did or didn't pass.
type Result struct {
	Met    bool
	Checks []CheckResult
}

// CheckResult is one Criterion's verdict.
type CheckResult struct {
	Kind   workflow.CriterionKind
	Passed bool
	Detail string
}

// Evaluator checks Criterion trees against the filesystem, run data, and
// ad hoc commands.
type Evaluator struct {
	fs       afero.Fs
	expr     *eval.Evaluator
	runCmd   func(name string, args ...string) error
}

// NewEvaluator builds an Evaluator against the OS filesystem and os/exec.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		fs:   afero.NewOsFs(),
		expr: eval.NewEvaluator(),
		runCmd: func(name string, args ...string) error {
			return exec.Command(name, args...).Run()
		},
	}
}

// NewEvaluatorWithFs builds an Evaluator against a caller-supplied afero.Fs
// and command runner, for hermetic tests.
func NewEvaluatorWithFs(fs afero.Fs, runCmd func(name string, args ...string) error) *Evaluator {
	return &Evaluator{fs: fs, expr: eval.NewEvaluator(), runCmd: runCmd}
}

// Evaluate checks every criterion in a DefinitionOfDone against the task's
// recorded output and run data, returning a Result that never short
// circuits: every criterion is checked so the caller can report all
// failures, not just the first.
func (e *Evaluator) Evaluate(d *workflow.DefinitionOfDone, output string, data map[string]any) (Result, error) {
	var result Result
	result.Met = true
	for _, c := range d.Criteria {
		cr, err := e.check(&c, output, data)
		if err != nil {
			return Result{}, err
		}
		result.Checks = append(result.Checks, cr)
		if !cr.Passed {
			result.Met = false
		}
	}
	return result, nil
}

func (e *Evaluator) check(c *workflow.Criterion, output string, data map[string]any) (CheckResult, error) {
	switch c.Kind {
	case workflow.CriterionFileExists:
		exists, err := afero.Exists(e.fs, c.FileExists.Path)
		if err != nil {
			return CheckResult{}, fmt.Errorf("checking file existence: %w", err)
		}
		detail := c.FileExists.Path
		if !exists {
			detail = fmt.Sprintf("%s: no such file", c.FileExists.Path)
		}
		return CheckResult{Kind: c.Kind, Passed: exists, Detail: detail}, nil

	case workflow.CriterionFileContains, workflow.CriterionFileNotContains:
		spec := c.FileContains
		want := true
		if c.Kind == workflow.CriterionFileNotContains {
			spec = c.FileNotContains
			want = false
		}
		content, err := afero.ReadFile(e.fs, spec.Path)
		if err != nil {
			if c.Kind == workflow.CriterionFileNotContains {
				return CheckResult{Kind: c.Kind, Passed: true, Detail: fmt.Sprintf("%s: no such file", spec.Path)}, nil
			}
			return CheckResult{Kind: c.Kind, Passed: false, Detail: fmt.Sprintf("%s: no such file", spec.Path)}, nil
		}
		found := matchGlobOrSubstring(spec.Pattern, string(content))
		return CheckResult{Kind: c.Kind, Passed: found == want,
			Detail: fmt.Sprintf("%s %q in %s", presence(found), spec.Pattern, spec.Path)}, nil

	case workflow.CriterionDirectoryExists:
		isDir, err := afero.IsDir(e.fs, c.DirectoryExists.Path)
		if err != nil {
			isDir = false
		}
		detail := c.DirectoryExists.Path
		if !isDir {
			detail = fmt.Sprintf("%s: no such directory", c.DirectoryExists.Path)
		}
		return CheckResult{Kind: c.Kind, Passed: isDir, Detail: detail}, nil

	case workflow.CriterionOutputMatches:
		observed := output
		if c.OutputMatches.Source == workflow.OutputMatchesFile {
			content, err := afero.ReadFile(e.fs, c.OutputMatches.Path)
			if err != nil {
				return CheckResult{Kind: c.Kind, Passed: false, Detail: fmt.Sprintf("%s: no such file", c.OutputMatches.Path)}, nil
			}
			observed = string(content)
		}
		matched := matchGlobOrSubstring(c.OutputMatches.Pattern, observed)
		return CheckResult{Kind: c.Kind, Passed: matched, Detail: c.OutputMatches.Pattern}, nil

	case workflow.CriterionCommandSucceeds:
		err := e.runCmd(c.CommandSucceeds.Executable, c.CommandSucceeds.Args...)
		return CheckResult{Kind: c.Kind, Passed: err == nil, Detail: errString(err)}, nil

	case workflow.CriterionTestsPassed:
		err := e.runCmd(c.TestsPassed.Executable, c.TestsPassed.Args...)
		return CheckResult{Kind: c.Kind, Passed: err == nil, Detail: errString(err)}, nil

	case workflow.CriterionSchemaValid:
		ok, detail := validateAgainstSchema(output, c.SchemaValid.Schema)
		return CheckResult{Kind: c.Kind, Passed: ok, Detail: detail}, nil

	case workflow.CriterionCustomExpr:
		ok, err := e.expr.EvalBool(c.CustomExpr.Source, data)
		if err != nil {
			return CheckResult{}, fmt.Errorf("evaluating custom_expr: %w", err)
		}
		return CheckResult{Kind: c.Kind, Passed: ok, Detail: c.CustomExpr.Source}, nil

	case workflow.CriterionAll:
		for i := range *c.All {
			cr, err := e.check(&(*c.All)[i], output, data)
			if err != nil {
				return CheckResult{}, err
			}
			if !cr.Passed {
				return CheckResult{Kind: c.Kind, Passed: false, Detail: cr.Detail}, nil
			}
		}
		return CheckResult{Kind: c.Kind, Passed: true}, nil

	case workflow.CriterionAny:
		var lastDetail string
		for i := range *c.Any {
			cr, err := e.check(&(*c.Any)[i], output, data)
			if err != nil {
				return CheckResult{}, err
			}
			if cr.Passed {
				return CheckResult{Kind: c.Kind, Passed: true}, nil
			}
			lastDetail = cr.Detail
		}
		return CheckResult{Kind: c.Kind, Passed: false, Detail: lastDetail}, nil

	default:
		return CheckResult{}, fmt.Errorf("%w: unknown criterion kind %q", corerr.ErrValidation, c.Kind)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// matchGlobOrSubstring matches pattern against content as a glob when the
// pattern contains "*" or "**" (spec's file-pattern glob semantics),
// otherwise as a plain substring.
func matchGlobOrSubstring(pattern, content string) bool {
	if strings.Contains(pattern, "*") {
		matched, err := filepath.Match(pattern, content)
		if err == nil && matched {
			return true
		}
		// filepath.Match compares the whole string; fall through to a
		// line-by-line match so "**/error*" style patterns can hit inside
		// multi-line output/file content too.
		for _, line := range strings.Split(content, "\n") {
			if ok, err := filepath.Match(pattern, line); err == nil && ok {
				return true
			}
		}
		return false
	}
	return strings.Contains(content, pattern)
}

func presence(found bool) string {
	if found {
		return "found"
	}
	return "missing"
}

// permissionKeywords are substring markers (case-insensitive) that flag a
// DoD failure as permission-related, per spec.md's detect_permission_issue.
var permissionKeywords = []string{
	"permission denied", "access denied", "forbidden", "unauthorized",
	"cannot write", "cannot create", "read-only",
}

// detectPermissionIssue reports whether any failed check's detail (or a
// missing-file reason on a file_exists criterion) looks like a permission
// problem rather than a logic bug.
func detectPermissionIssue(failed []CheckResult) bool {
	for _, cr := range failed {
		lower := strings.ToLower(cr.Detail)
		for _, kw := range permissionKeywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
		if cr.Kind == workflow.CriterionFileExists && strings.Contains(lower, "no such file") {
			return true
		}
	}
	return false
}

// quoteBoundary returns up to the first and last n bytes of s, joined by an
// ellipsis marker when s is longer than 2n, matching spec.md's "quotes up
// to the first and last 256 bytes of observed output".
func quoteBoundary(s string, n int) string {
	if len(s) <= 2*n {
		return s
	}
	return s[:n] + "\n...[elided]...\n" + s[len(s)-n:]
}

// Feedback synthesizes the retry-prompt text spec.md §4.6 point 3
// describes: every failed criterion with its reason, a bounded quote of
// the observed output, and — when the failure looks permission-related —
// a permission-hint paragraph naming the elevation the retry will use (or
// requesting the workflow author turn auto_elevate_permissions on).
func Feedback(result Result, output string, retry workflow.RetryPolicy, current workflow.Permissions) string {
	var failed []CheckResult
	for _, cr := range result.Checks {
		if !cr.Passed {
			failed = append(failed, cr)
		}
	}

	var b strings.Builder
	b.WriteString("Definition of done was not met. Failed criteria:\n")
	for _, cr := range failed {
		fmt.Fprintf(&b, "- %s: %s\n", cr.Kind, cr.Detail)
	}
	if quoted := quoteBoundary(output, 256); quoted != "" {
		fmt.Fprintf(&b, "\nObserved output:\n%s\n", quoted)
	}

	if detectPermissionIssue(failed) {
		b.WriteString("\nThis looks like a permission issue. ")
		if retry.AutoElevate {
			fmt.Fprintf(&b, "The retry will run with permission mode elevated to %q.\n", current.Elevate())
		} else {
			b.WriteString("Set definition_of_done.auto_elevate_permissions: true to retry with elevated permissions.\n")
		}
	}

	return b.String()
}

// validateAgainstSchema does a minimal required-properties check, the same
// depth station's SchemaChecker goes to before falling back to a warning
// rather than a hard JSON-schema library.
func validateAgainstSchema(output string, schema any) (bool, string) {
	schemaMap, ok := schema.(map[string]any)
	if !ok {
		return true, "schema is not an object; skipping structural check"
	}
	var parsed map[string]any
	if err := json.Unmarshal([]byte(output), &parsed); err != nil {
		return false, fmt.Sprintf("output is not valid JSON: %v", err)
	}
	required, _ := schemaMap["required"].([]any)
	for _, r := range required {
		name, ok := r.(string)
		if !ok {
			continue
		}
		if _, present := parsed[name]; !present {
			return false, fmt.Sprintf("missing required field %q", name)
		}
	}
	return true, ""
}

// NextAttempt decides whether a failed DoD should be retried, and at what
// permission elevation, mirroring the approval gate's retry-or-reject
// shape: retry while attempts remain, auto-elevating permissions first if
// configured, otherwise surface corerr.ErrDoDUnmet.
func NextAttempt(retry workflow.RetryPolicy, attemptsSoFar int, current workflow.Permissions) (shouldRetry bool, nextPermissions workflow.Permissions, err error) {
	if attemptsSoFar >= retry.MaxAttempts {
		return false, current, fmt.Errorf("%w after %d attempts", corerr.ErrDoDUnmet, attemptsSoFar)
	}
	next := current
	if retry.AutoElevate {
		next.Mode = current.Elevate()
	}
	return true, next, nil
}
