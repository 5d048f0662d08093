package expression

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"regexp"
	"strings"
	"sync"

	"github.com/deepnoodle-ai/forge/variables"
)

// ErrMissingField is wrapped by evaluation errors caused by a field that is
// absent from the context.
var ErrMissingField = errors.New("missing field")

// ErrTypeMismatch is wrapped by evaluation errors caused by operands of
// incompatible types.
var ErrTypeMismatch = errors.New("type mismatch")

// EvalError reports why an expression could not be evaluated.
type EvalError struct {
	Expr string
	Err  error
	Msg  string
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluating %s: %s", e.Expr, e.Msg)
}

func (e *EvalError) Unwrap() error {
	return e.Err
}

func missing(f Field) error {
	return &EvalError{Expr: f.String(), Err: ErrMissingField, Msg: "field not found"}
}

func mismatch(n Node, format string, args ...any) error {
	return &EvalError{Expr: n.String(), Err: ErrTypeMismatch, Msg: fmt.Sprintf(format, args...)}
}

// Eval evaluates node against ctx, a decoded JSON value.
func Eval(node Node, ctx any) (any, error) {
	switch n := node.(type) {
	case Literal:
		return n.Value, nil
	case List:
		out := make([]any, len(n.Items))
		for i, item := range n.Items {
			v, err := Eval(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case Field:
		v, ok := variables.Navigate(ctx, n.Path)
		if !ok {
			return nil, missing(n)
		}
		return variables.FromAny(v).Any(), nil
	case Not:
		v, err := Eval(n.X, ctx)
		if err != nil {
			return nil, err
		}
		return !Truthy(v), nil
	case Binary:
		return evalBinary(n, ctx)
	case Call:
		return evalCall(n, ctx)
	}
	return nil, fmt.Errorf("unknown node %T", node)
}

// EvalBool evaluates node and reduces the result to a boolean.
func EvalBool(node Node, ctx any) (bool, error) {
	v, err := Eval(node, ctx)
	if err != nil {
		return false, err
	}
	return Truthy(v), nil
}

// Truthy maps a value to a boolean: null and false are false, everything
// else is true.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	default:
		return true
	}
}

func evalBinary(n Binary, ctx any) (any, error) {
	switch n.Op {
	case OpAnd:
		left, err := EvalBool(n.Left, ctx)
		if err != nil || !left {
			return false, err
		}
		return EvalBool(n.Right, ctx)
	case OpOr:
		left, err := EvalBool(n.Left, ctx)
		if err != nil {
			return false, err
		}
		if left {
			return true, nil
		}
		return EvalBool(n.Right, ctx)
	}

	left, err := Eval(n.Left, ctx)
	if err != nil {
		return nil, err
	}
	right, err := Eval(n.Right, ctx)
	if err != nil {
		return nil, err
	}
	switch n.Op {
	case OpEq:
		return Equal(left, right), nil
	case OpNe:
		return !Equal(left, right), nil
	case OpIn:
		return evalIn(n, left, right)
	}
	cmp, ok := Compare(left, right)
	if !ok {
		return nil, mismatch(n, "cannot compare %s with %s", typeName(left), typeName(right))
	}
	switch n.Op {
	case OpLt:
		return cmp < 0, nil
	case OpLe:
		return cmp <= 0, nil
	case OpGt:
		return cmp > 0, nil
	case OpGe:
		return cmp >= 0, nil
	}
	return nil, fmt.Errorf("unknown operator %v", n.Op)
}

func evalIn(n Binary, left, right any) (any, error) {
	switch r := right.(type) {
	case []any:
		for _, item := range r {
			if Equal(left, item) {
				return true, nil
			}
		}
		return false, nil
	case string:
		l, ok := left.(string)
		if !ok {
			return nil, mismatch(n, "left side of 'in' must be a string when the right side is a string")
		}
		return strings.Contains(r, l), nil
	case map[string]any:
		l, ok := left.(string)
		if !ok {
			return nil, mismatch(n, "left side of 'in' must be a string when the right side is an object")
		}
		_, found := r[l]
		return found, nil
	}
	return nil, mismatch(n, "right side of 'in' must be an array, string or object, got %s", typeName(right))
}

// Equal compares two decoded JSON values structurally.
func Equal(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// typeRank orders JSON types for cross-type sorting.
func typeRank(v any) int {
	switch v.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	case []any:
		return 4
	default:
		return 5
	}
}

// Compare orders two values of the same scalar type. ok is false for
// mismatched or non-scalar types.
func Compare(a, b any) (int, bool) {
	switch x := a.(type) {
	case float64:
		y, ok := b.(float64)
		if !ok {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case x == y:
			return 0, true
		case !x:
			return -1, true
		}
		return 1, true
	}
	return 0, false
}

// compareForSort orders any two values, falling back to type rank.
func compareForSort(a, b any) int {
	if c, ok := Compare(a, b); ok {
		return c
	}
	ra, rb := typeRank(a), typeRank(b)
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	}
	return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case float64:
		return "number"
	case string:
		return "string"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	}
	return fmt.Sprintf("%T", v)
}

var regexCache sync.Map

func compileCached(pattern string) (*regexp.Regexp, error) {
	if re, ok := regexCache.Load(pattern); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	regexCache.Store(pattern, re)
	return re, nil
}

func evalCall(n Call, ctx any) (any, error) {
	if strings.HasPrefix(n.Name, "is_") {
		v, err := Eval(n.Args[0], ctx)
		if err != nil {
			if errors.Is(err, ErrMissingField) && n.Name == "is_null" {
				return true, nil
			}
			if errors.Is(err, ErrMissingField) {
				return false, nil
			}
			return nil, err
		}
		return typePredicate(n.Name, v), nil
	}

	args := make([]any, len(n.Args))
	for i, a := range n.Args {
		v, err := Eval(a, ctx)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}

	switch n.Name {
	case "contains":
		switch h := args[0].(type) {
		case string:
			needle, ok := args[1].(string)
			if !ok {
				return false, nil
			}
			return strings.Contains(h, needle), nil
		case []any:
			for _, item := range h {
				if Equal(item, args[1]) {
					return true, nil
				}
			}
			return false, nil
		}
		return false, nil
	case "starts_with", "ends_with":
		s, ok1 := args[0].(string)
		affix, ok2 := args[1].(string)
		if !ok1 || !ok2 {
			return false, nil
		}
		if n.Name == "starts_with" {
			return strings.HasPrefix(s, affix), nil
		}
		return strings.HasSuffix(s, affix), nil
	case "matches":
		s, ok1 := args[0].(string)
		pattern, ok2 := args[1].(string)
		if !ok1 || !ok2 {
			return false, nil
		}
		re, err := compileCached(pattern)
		if err != nil {
			return nil, &EvalError{Expr: n.String(), Err: err, Msg: "invalid regex"}
		}
		return re.MatchString(s), nil
	case "length":
		switch t := args[0].(type) {
		case string:
			return float64(len([]rune(t))), nil
		case []any:
			return float64(len(t)), nil
		case map[string]any:
			return float64(len(t)), nil
		case nil:
			return float64(0), nil
		}
		return nil, mismatch(n, "length of %s", typeName(args[0]))
	case "count":
		arr, ok := args[0].([]any)
		if !ok {
			if args[0] == nil {
				return float64(0), nil
			}
			return float64(1), nil
		}
		return float64(len(arr)), nil
	case "sum", "min", "max", "avg":
		return aggregate(n, args[0])
	}
	return nil, fmt.Errorf("unknown function %s", n.Name)
}

func typePredicate(name string, v any) bool {
	switch name {
	case "is_null":
		return v == nil
	case "is_number":
		_, ok := v.(float64)
		return ok
	case "is_string":
		_, ok := v.(string)
		return ok
	case "is_bool":
		_, ok := v.(bool)
		return ok
	case "is_array":
		_, ok := v.([]any)
		return ok
	case "is_object":
		_, ok := v.(map[string]any)
		return ok
	}
	return false
}

func aggregate(n Call, v any) (any, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, mismatch(n, "%s requires an array, got %s", n.Name, typeName(v))
	}
	nums := make([]float64, 0, len(arr))
	for _, item := range arr {
		f, ok := item.(float64)
		if !ok {
			return nil, mismatch(n, "%s requires numeric elements, got %s", n.Name, typeName(item))
		}
		nums = append(nums, f)
	}
	if len(nums) == 0 {
		if n.Name == "sum" {
			return float64(0), nil
		}
		return nil, nil
	}
	switch n.Name {
	case "sum", "avg":
		total := 0.0
		for _, f := range nums {
			total += f
		}
		if n.Name == "avg" {
			return total / float64(len(nums)), nil
		}
		return total, nil
	case "min":
		m := math.Inf(1)
		for _, f := range nums {
			m = math.Min(m, f)
		}
		return m, nil
	default:
		m := math.Inf(-1)
		for _, f := range nums {
			m = math.Max(m, f)
		}
		return m, nil
	}
}
