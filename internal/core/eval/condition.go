package eval

import (
	"fmt"
	"path/filepath"
	"strings"

	"workflowcore/internal/core/workflow"
)

// EvalCondition walks a Condition tree against a state snapshot. Leaves are
// plain Go comparisons; the expr leaf defers to Evaluator for anything the
// closed vocabulary can't express.
func (e *Evaluator) EvalCondition(c *workflow.Condition, data map[string]any) (bool, error) {
	if c == nil {
		return true, nil
	}

	switch {
	case c.TaskStatus != nil:
		status, ok := GetNestedValue(data, "tasks."+c.TaskStatus.TaskID+".status")
		if !ok {
			return false, nil
		}
		s, _ := status.(string)
		return s == string(c.TaskStatus.Status), nil

	case c.Always:
		return true, nil

	case c.Never:
		return false, nil

	case c.Equals != nil:
		v, ok := GetNestedValue(data, c.Equals.Path)
		return ok && equalValues(v, c.Equals.Value), nil

	case c.NotEquals != nil:
		v, ok := GetNestedValue(data, c.NotEquals.Path)
		return !ok || !equalValues(v, c.NotEquals.Value), nil

	case c.Contains != nil:
		v, ok := GetNestedValue(data, c.Contains.Path)
		if !ok {
			return false, nil
		}
		return containsValue(v, c.Contains.Value), nil

	case c.Matches != nil:
		v, ok := GetNestedValue(data, c.Matches.Path)
		if !ok {
			return false, nil
		}
		s, ok := v.(string)
		if !ok {
			return false, nil
		}
		matched, err := filepath.Match(c.Matches.Pattern, s)
		if err != nil {
			return false, fmt.Errorf("matching pattern %q: %w", c.Matches.Pattern, err)
		}
		return matched, nil

	case c.Exists != nil:
		_, ok := GetNestedValue(data, c.Exists.Path)
		return ok, nil

	case c.GreaterThan != nil:
		v, ok := GetNestedValue(data, c.GreaterThan.Path)
		if !ok {
			return false, nil
		}
		n, ok := asFloat(v)
		return ok && n > c.GreaterThan.Value, nil

	case c.LessThan != nil:
		v, ok := GetNestedValue(data, c.LessThan.Path)
		if !ok {
			return false, nil
		}
		n, ok := asFloat(v)
		return ok && n < c.LessThan.Value, nil

	case c.Expr != nil:
		return e.EvalBool(c.Expr.Source, data)

	case c.And != nil:
		for i := range *c.And {
			ok, err := e.EvalCondition(&(*c.And)[i], data)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case c.Or != nil:
		for i := range *c.Or {
			ok, err := e.EvalCondition(&(*c.Or)[i], data)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case c.Not != nil:
		ok, err := e.EvalCondition(c.Not, data)
		return !ok, err

	default:
		return false, fmt.Errorf("condition has no populated variant")
	}
}

func equalValues(a, b any) bool {
	af, aok := asFloat(a)
	bf, bok := asFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func containsValue(haystack, needle any) bool {
	switch h := haystack.(type) {
	case string:
		s, ok := needle.(string)
		return ok && containsSubstring(h, s)
	case []any:
		for _, item := range h {
			if equalValues(item, needle) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func containsSubstring(haystack, needle string) bool {
	return strings.Contains(haystack, needle)
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
