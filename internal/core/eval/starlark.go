// Package eval evaluates Condition trees against run state and renders
// {{ }} template expressions. The boolean-tree leaves are plain Go
// comparisons; Starlark is reserved for expr conditions and template
// interpolation, the same split station draws between its switch executor
// (plain `if`) and its StarlarkEvaluator (everything richer).
package eval

import (
	"fmt"
	"sort"
	"strings"

	"go.starlark.net/starlark"
	"go.starlark.net/syntax"
)

// AttrDict wraps a starlark.Dict so expressions can use dotted attribute
// access (state.task.output) instead of dict subscripting.
type AttrDict struct {
	dict *starlark.Dict
	eval *Evaluator
}

var (
	_ starlark.Value      = (*AttrDict)(nil)
	_ starlark.Mapping    = (*AttrDict)(nil)
	_ starlark.HasAttrs   = (*AttrDict)(nil)
	_ starlark.Iterable   = (*AttrDict)(nil)
	_ starlark.Comparable = (*AttrDict)(nil)
)

func newAttrDict(e *Evaluator, data map[string]any) *AttrDict {
	dict := starlark.NewDict(len(data))
	for k, v := range data {
		_ = dict.SetKey(starlark.String(k), e.goToStarlark(v))
	}
	return &AttrDict{dict: dict, eval: e}
}

func (d *AttrDict) String() string        { return d.dict.String() }
func (d *AttrDict) Type() string          { return "attrdict" }
func (d *AttrDict) Freeze()               { d.dict.Freeze() }
func (d *AttrDict) Truth() starlark.Bool  { return d.dict.Truth() }
func (d *AttrDict) Hash() (uint32, error) { return 0, fmt.Errorf("unhashable type: attrdict") }

func (d *AttrDict) Get(key starlark.Value) (starlark.Value, bool, error) { return d.dict.Get(key) }
func (d *AttrDict) Iterate() starlark.Iterator                           { return d.dict.Iterate() }
func (d *AttrDict) Len() int                                             { return d.dict.Len() }
func (d *AttrDict) Items() []starlark.Tuple                              { return d.dict.Items() }

func (d *AttrDict) CompareSameType(op syntax.Token, y starlark.Value, depth int) (bool, error) {
	other, ok := y.(*AttrDict)
	if !ok {
		return false, nil
	}
	return starlark.Compare(op, d.dict, other.dict)
}

func (d *AttrDict) Attr(name string) (starlark.Value, error) {
	val, found, err := d.dict.Get(starlark.String(name))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, starlark.NoSuchAttrError(fmt.Sprintf("attrdict has no .%s field", name))
	}
	return val, nil
}

func (d *AttrDict) AttrNames() []string {
	var names []string
	for _, item := range d.dict.Items() {
		if key, ok := item[0].(starlark.String); ok {
			names = append(names, string(key))
		}
	}
	sort.Strings(names)
	return names
}

// maxSteps caps a single expression's execution so a pathological `expr`
// can't hang a run.
const maxSteps = 10000

// Evaluator runs Starlark expr conditions and {{ }} template substitutions
// against a snapshot of workflow/task state.
type Evaluator struct{}

// NewEvaluator constructs an Evaluator. It is stateless; one instance is
// safe to share across a run.
func NewEvaluator() *Evaluator { return &Evaluator{} }

// EvalBool evaluates a Starlark boolean expression against data.
func (e *Evaluator) EvalBool(expression string, data map[string]any) (bool, error) {
	result, err := e.Eval(expression, data)
	if err != nil {
		return false, err
	}
	sv, ok := result.(starlarkTruther)
	if ok {
		return sv.Truth() == starlark.True, nil
	}
	return false, fmt.Errorf("expression %q did not produce a Starlark value", expression)
}

type starlarkTruther interface {
	Truth() starlark.Bool
}

// Eval evaluates an arbitrary Starlark expression, returning the raw
// starlark.Value (not yet converted back to Go) so EvalBool can Truth() it
// without a round trip.
func (e *Evaluator) Eval(expression string, data map[string]any) (starlark.Value, error) {
	thread := &starlark.Thread{Name: "expr"}
	thread.SetMaxExecutionSteps(maxSteps)

	globals := make(starlark.StringDict, len(data))
	for k, v := range data {
		globals[k] = e.goToStarlark(v)
	}

	fileOpts := syntax.FileOptions{}
	expr, err := fileOpts.ParseExpr("expr", expression, 0)
	if err != nil {
		return nil, fmt.Errorf("parsing expression: %w", err)
	}

	result, err := starlark.EvalExprOptions(&fileOpts, thread, expr, globals)
	if err != nil {
		return nil, fmt.Errorf("evaluating expression: %w", err)
	}
	return result, nil
}

// EvalValue evaluates an expression and converts the result back to a Go
// value, for use when an expr's output feeds into a task input.
func (e *Evaluator) EvalValue(expression string, data map[string]any) (any, error) {
	result, err := e.Eval(expression, data)
	if err != nil {
		return nil, err
	}
	return e.fromStarlark(result), nil
}

// Render substitutes every {{ expr }} occurrence in a template string with
// the stringified result of evaluating expr against data.
func (e *Evaluator) Render(tmpl string, data map[string]any) (string, error) {
	var b strings.Builder
	rest := tmpl
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			b.WriteString(rest)
			break
		}
		end := strings.Index(rest[start:], "}}")
		if end == -1 {
			b.WriteString(rest)
			break
		}
		end += start

		b.WriteString(rest[:start])
		expr := strings.TrimSpace(rest[start+2 : end])
		val, err := e.EvalValue(expr, data)
		if err != nil {
			return "", fmt.Errorf("rendering %q: %w", expr, err)
		}
		b.WriteString(stringify(val))
		rest = rest[end+2:]
	}
	return b.String(), nil
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", t)
	}
}

func (e *Evaluator) goToStarlark(v any) starlark.Value {
	switch val := v.(type) {
	case nil:
		return starlark.None
	case bool:
		return starlark.Bool(val)
	case int:
		return starlark.MakeInt(val)
	case int64:
		return starlark.MakeInt64(val)
	case float64:
		return starlark.Float(val)
	case string:
		return starlark.String(val)
	case []any:
		elems := make([]starlark.Value, len(val))
		for i, elem := range val {
			elems[i] = e.goToStarlark(elem)
		}
		return starlark.NewList(elems)
	case map[string]any:
		return newAttrDict(e, val)
	default:
		return starlark.String(fmt.Sprintf("%v", val))
	}
}

func (e *Evaluator) fromStarlark(v starlark.Value) any {
	switch val := v.(type) {
	case starlark.NoneType:
		return nil
	case starlark.Bool:
		return bool(val)
	case starlark.Int:
		i, _ := val.Int64()
		return i
	case starlark.Float:
		return float64(val)
	case starlark.String:
		return string(val)
	case *starlark.List:
		result := make([]any, val.Len())
		for i := 0; i < val.Len(); i++ {
			result[i] = e.fromStarlark(val.Index(i))
		}
		return result
	case *starlark.Dict:
		result := make(map[string]any)
		for _, item := range val.Items() {
			if key, ok := e.fromStarlark(item[0]).(string); ok {
				result[key] = e.fromStarlark(item[1])
			}
		}
		return result
	case *AttrDict:
		result := make(map[string]any)
		for _, item := range val.Items() {
			if key, ok := e.fromStarlark(item[0]).(string); ok {
				result[key] = e.fromStarlark(item[1])
			}
		}
		return result
	default:
		return val.String()
	}
}

// GetNestedValue walks a dot-separated path through nested maps.
func GetNestedValue(data map[string]any, path string) (any, bool) {
	if path == "" {
		return data, true
	}
	var current any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		val, ok := m[part]
		if !ok {
			return nil, false
		}
		current = val
	}
	return current, true
}

// SetNestedValue writes a value at a dot-separated path, creating
// intermediate maps as needed.
func SetNestedValue(data map[string]any, path string, value any) {
	if path == "" {
		return
	}
	parts := strings.Split(path, ".")
	current := data
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			next = make(map[string]any)
			current[part] = next
		}
		current = next
	}
	current[parts[len(parts)-1]] = value
}
