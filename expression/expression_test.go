package expression

import (
	"errors"
	"testing"

	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/variables"
	"github.com/stretchr/testify/require"
)

func testItem() map[string]any {
	return map[string]any{
		"id":       "item-1",
		"priority": 7,
		"severity": "high",
		"tags":     []any{"security", "backend"},
		"owner":    nil,
		"meta": map[string]any{
			"score":  0.75,
			"labels": map[string]any{"team": "core"},
		},
		"items": []any{
			map[string]any{"name": "first", "size": 2},
			map[string]any{"name": "second", "size": 5},
		},
	}
}

func TestTokenize(t *testing.T) {
	toks, err := Tokenize(`a.b[0] >= -1.5 && name == 'x' || !ok`)
	require.NoError(t, err)
	var kinds []TokenKind
	for _, tok := range toks {
		kinds = append(kinds, tok.Kind)
	}
	require.Equal(t, []TokenKind{
		TokIdent, TokDot, TokIdent, TokLBracket, TokNumber, TokRBracket,
		TokGe, TokNumber, TokAnd, TokIdent, TokEq, TokString, TokOr, TokNot, TokIdent, TokEOF,
	}, kinds)
	require.Equal(t, "-1.5", toks[7].Text)

	t.Run("minus after operand is not a negative literal", func(t *testing.T) {
		_, err := Tokenize("a -1")
		require.Error(t, err)
	})

	t.Run("numeric path segment", func(t *testing.T) {
		toks, err := Tokenize("items.0.name")
		require.NoError(t, err)
		require.Equal(t, "0", toks[2].Text)
		require.Equal(t, TokDot, toks[3].Kind)
	})

	t.Run("unterminated string", func(t *testing.T) {
		_, err := Tokenize(`name == "abc`)
		var syn *SyntaxError
		require.ErrorAs(t, err, &syn)
	})

	t.Run("word operators", func(t *testing.T) {
		toks, err := Tokenize("a and not b or c in d")
		require.NoError(t, err)
		require.Equal(t, TokAnd, toks[1].Kind)
		require.Equal(t, TokNot, toks[2].Kind)
		require.Equal(t, TokOr, toks[4].Kind)
		require.Equal(t, TokIn, toks[6].Kind)
	})
}

func TestParse(t *testing.T) {
	cases := []struct {
		src  string
		want string
	}{
		{"priority > 5", "(priority > 5)"},
		{"a && b || c", "((a && b) || c)"},
		{"a || b && c", "(a || (b && c))"},
		{"!(a == 1)", "!(a == 1)"},
		{"items[0].name == 'first'", `(items[0].name == "first")`},
		{"items.0.name", "items[0].name"},
		{"items[*].size", "items[*].size"},
		{`meta["labels"].team`, "meta.labels.team"},
		{"severity in ['high', 'critical']", `(severity in ["high", "critical"])`},
		{"length(tags) >= 2", "(length(tags) >= 2)"},
		{"$.id", "id"},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			node, err := Parse(tc.src)
			require.NoError(t, err)
			require.Equal(t, tc.want, node.String())
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, src := range []string{
		"",
		"a ==",
		"(a == 1",
		"unknown_fn(a)",
		"contains(a)",
		"a == 1 b",
		"[1, 2",
		"a.",
	} {
		t.Run(src, func(t *testing.T) {
			_, err := Parse(src)
			var syn *SyntaxError
			require.ErrorAs(t, err, &syn)
		})
	}
}

func TestEvaluate(t *testing.T) {
	item := testItem()
	cases := []struct {
		src  string
		want bool
	}{
		{"priority > 5", true},
		{"priority >= 7 && severity == 'high'", true},
		{"priority < 5 || severity == 'low'", false},
		{"!(priority < 5)", true},
		{"not severity == 'low'", true},
		{"severity in ['high', 'critical']", true},
		{"'backend' in tags", true},
		{"'team' in meta.labels", true},
		{"'ig' in severity", true},
		{"meta.score == 0.75", true},
		{"meta.labels.team == 'core'", true},
		{"items[1].name == 'second'", true},
		{"items[-1].size == 5", true},
		{"items.0.name == 'first'", true},
		{"sum(items[*].size) == 7", true},
		{"max(items[*].size) == 5", true},
		{"min(items[*].size) == 2", true},
		{"avg(items[*].size) == 3.5", true},
		{"count(tags) == 2", true},
		{"length(id) == 6", true},
		{"contains(tags, 'security')", true},
		{"contains(id, 'item')", true},
		{"starts_with(id, 'item-')", true},
		{"ends_with(id, '-1')", true},
		{"matches(id, '^item-[0-9]+$')", true},
		{"is_null(owner)", true},
		{"is_null(missing_field)", true},
		{"is_string(missing_field)", false},
		{"is_number(priority)", true},
		{"is_array(tags)", true},
		{"is_object(meta)", true},
		{"is_bool(severity)", false},
		{"owner == null", true},
		{"severity != 'low'", true},
		{"id", true},
		{"owner", false},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			expr, err := Compile(tc.src)
			require.NoError(t, err)
			got, err := expr.Evaluate(item)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)

			// The unoptimized tree agrees with the optimized one.
			node, err := Parse(tc.src)
			require.NoError(t, err)
			raw, err := EvalBool(node, normalize(item))
			require.NoError(t, err)
			require.Equal(t, tc.want, raw)
		})
	}
}

func TestEvaluateErrors(t *testing.T) {
	item := testItem()

	expr := MustCompile("nope > 1")
	_, err := expr.Evaluate(item)
	require.ErrorIs(t, err, ErrMissingField)
	require.False(t, expr.Matches(item))

	expr = MustCompile("severity > 1")
	_, err = expr.Evaluate(item)
	require.ErrorIs(t, err, ErrTypeMismatch)
	require.False(t, expr.Matches(item))

	expr = MustCompile("sum(tags) > 1")
	_, err = expr.Evaluate(item)
	require.ErrorIs(t, err, ErrTypeMismatch)

	expr = MustCompile("matches(id, '[')")
	_, err = expr.Evaluate(item)
	var evalErr *EvalError
	require.ErrorAs(t, err, &evalErr)
}

func TestShortCircuit(t *testing.T) {
	item := testItem()
	ok, err := MustCompile("priority > 100 && nope == 1").Evaluate(item)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = MustCompile("priority > 1 || nope == 1").Evaluate(item)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCompileErrorIsConfig(t *testing.T) {
	_, err := Compile("a ==")
	require.Error(t, err)
	require.True(t, errdefs.Is(err, errdefs.KindConfig))
	var syn *SyntaxError
	require.True(t, errors.As(err, &syn))
}

func TestAggregatesOfEmpty(t *testing.T) {
	ctx := map[string]any{"xs": []any{}}
	v, err := MustCompile("sum(xs)").Value(ctx)
	require.NoError(t, err)
	require.Equal(t, float64(0), v)
	v, err = MustCompile("max(xs)").Value(ctx)
	require.NoError(t, err)
	require.Nil(t, v)
	ok, err := MustCompile("is_null(avg(xs))").Evaluate(ctx)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestOptimize(t *testing.T) {
	cases := []struct {
		src  string
		want string
	}{
		{"1 < 2", "true"},
		{"!(a == 1)", "(a != 1)"},
		{"!(a < 1)", "(a >= 1)"},
		{"!!(a > 1)", "(a > 1)"},
		{"!true", "false"},
		{"a == 1 && true", "(a == 1)"},
		{"a == 1 && false", "((a == 1) && false)"},
		{"a == 1 || true", "((a == 1) || true)"},
		{"false && a > 1", "false"},
		{"a > 1 || true || b > 2", "((a > 1) || true)"},
		{"a == 1 || false", "(a == 1)"},
		{"a == 1 && a == 1", "(a == 1)"},
		{"matches(id, 'x') && a == 1", `(matches(id, "x") && (a == 1))`},
		{"length('abc') == 3", "true"},
		{"x in [1, 2]", "(x in [1,2])"},
		{"a && true", "!!a"},
	}
	for _, tc := range cases {
		t.Run(tc.src, func(t *testing.T) {
			node, err := Parse(tc.src)
			require.NoError(t, err)
			require.Equal(t, tc.want, Optimize(node).String())
		})
	}
}

func TestOptimizePreservesSemantics(t *testing.T) {
	ctxs := []map[string]any{
		{"a": 1, "b": "x", "c": true},
		{"a": 5, "b": "y", "c": false},
		{"a": nil, "b": "", "c": nil},
		{"a": "high", "b": 3, "c": "yes"},
		{"b": "x"},
	}
	for _, src := range []string{
		"a == 1 && b == 'x' || c",
		"!(a > 2) && !(b != 'y')",
		"(a == 1 || a == 5) && (a == 1 || a == 5)",
		"c && true",
		"!!c",
		"b in ['x', 'y'] || false",
		"is_number(a) && a > 5",
		"not (is_number(a) && a > 5)",
		"is_string(b) || b > 2",
		"a > 1 && false",
	} {
		node, err := Parse(src)
		require.NoError(t, err)
		opt := Optimize(node)
		for _, ctx := range ctxs {
			want, wantErr := EvalBool(node, normalize(ctx))
			got, gotErr := EvalBool(opt, normalize(ctx))
			if wantErr != nil {
				require.Error(t, gotErr, src)
				continue
			}
			require.NoError(t, gotErr, src)
			require.Equal(t, want, got, "%s with %v", src, ctx)
		}
	}
}

func TestGuardedComparisonOnMistypedField(t *testing.T) {
	guard := MustCompile("is_number(score) && score > 5")
	ok, err := guard.Evaluate(map[string]any{"score": "high"})
	require.NoError(t, err)
	require.False(t, ok)
	require.False(t, guard.Matches(map[string]any{"score": "high"}))
	require.True(t, guard.Matches(map[string]any{"score": 7}))

	negated := MustCompile("not (is_number(score) && score > 5)")
	require.True(t, negated.Matches(map[string]any{"score": "high"}))
	require.False(t, negated.Matches(map[string]any{"score": 7}))
}

func normalize(ctx any) any {
	return variables.FromAny(ctx).Any()
}

func TestSort(t *testing.T) {
	items := []any{
		map[string]any{"id": "a", "priority": 2, "name": "zeta"},
		map[string]any{"id": "b", "priority": nil, "name": "alpha"},
		map[string]any{"id": "c", "priority": 5, "name": "beta"},
		map[string]any{"id": "d", "name": "gamma"},
		map[string]any{"id": "e", "priority": 5, "name": "alpha"},
	}
	ids := func(items []any) []string {
		var out []string
		for _, it := range items {
			out = append(out, it.(map[string]any)["id"].(string))
		}
		return out
	}

	t.Run("desc nulls last", func(t *testing.T) {
		spec, err := ParseSort("priority DESC")
		require.NoError(t, err)
		sorted := append([]any(nil), items...)
		spec.Sort(sorted)
		require.Equal(t, []string{"c", "e", "a", "b", "d"}, ids(sorted))
	})

	t.Run("asc nulls first with tiebreak", func(t *testing.T) {
		spec, err := ParseSort("priority ASC NULLS FIRST, name")
		require.NoError(t, err)
		sorted := append([]any(nil), items...)
		spec.Sort(sorted)
		require.Equal(t, []string{"b", "d", "a", "e", "c"}, ids(sorted))
	})

	t.Run("nested key", func(t *testing.T) {
		spec, err := ParseSort("meta.rank desc")
		require.NoError(t, err)
		nested := []any{
			map[string]any{"id": "x", "meta": map[string]any{"rank": 1}},
			map[string]any{"id": "y", "meta": map[string]any{"rank": 3}},
		}
		spec.Sort(nested)
		require.Equal(t, []string{"y", "x"}, ids(nested))
	})

	t.Run("invalid", func(t *testing.T) {
		for _, src := range []string{"", "a SIDEWAYS", "a NULLS", "a NULLS MIDDLE", "a == 1"} {
			_, err := ParseSort(src)
			require.Error(t, err, src)
		}
	})
}
