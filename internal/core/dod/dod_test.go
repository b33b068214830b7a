package dod

import (
	"errors"
	"testing"

	"github.com/spf13/afero"

	"workflowcore/internal/core/corerr"
	"workflowcore/internal/core/workflow"
)

func TestEvaluateFileExistsCriterion(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/out/report.txt", []byte("done"), 0o644)
	e := NewEvaluatorWithFs(fs, func(string, ...string) error { return nil })

	d := &workflow.DefinitionOfDone{
		Criteria: []workflow.Criterion{
			{Kind: workflow.CriterionFileExists, FileExists: &workflow.FileExistsCriterion{Path: "/out/report.txt"}},
		},
	}
	result, err := e.Evaluate(d, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Met {
		t.Fatalf("expected DoD to be met")
	}
}

func TestEvaluateAllRequiresEveryChild(t *testing.T) {
	fs := afero.NewMemMapFs()
	e := NewEvaluatorWithFs(fs, func(string, ...string) error { return nil })

	d := &workflow.DefinitionOfDone{
		Criteria: []workflow.Criterion{
			{
				Kind: workflow.CriterionAll,
				All: &[]workflow.Criterion{
					{Kind: workflow.CriterionFileExists, FileExists: &workflow.FileExistsCriterion{Path: "/missing"}},
					{Kind: workflow.CriterionCustomExpr, CustomExpr: &workflow.CustomExprCriterion{Source: "1 == 1"}},
				},
			},
		},
	}
	result, err := e.Evaluate(d, "", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Met {
		t.Fatalf("expected DoD to be unmet because one file is missing")
	}
}

func TestNextAttemptExhaustsRetries(t *testing.T) {
	retry := workflow.RetryPolicy{MaxAttempts: 2}
	_, _, err := NextAttempt(retry, 2, workflow.Permissions{Mode: workflow.PermissionDefault})
	if !errors.Is(err, corerr.ErrDoDUnmet) {
		t.Fatalf("expected ErrDoDUnmet, got %v", err)
	}
}

func TestNextAttemptAutoElevatesPermissions(t *testing.T) {
	retry := workflow.RetryPolicy{MaxAttempts: 3, AutoElevate: true}
	shouldRetry, next, err := NextAttempt(retry, 0, workflow.Permissions{Mode: workflow.PermissionDefault})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !shouldRetry {
		t.Fatalf("expected retry to be allowed")
	}
	if next.Mode != workflow.PermissionAcceptEdits {
		t.Fatalf("expected elevation to acceptEdits, got %v", next.Mode)
	}
}
