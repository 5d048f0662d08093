package capture

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/variables"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestExtract(t *testing.T) {
	cases := []struct {
		name   string
		spec   Spec
		stdout string
		stderr string
		want   any
	}{
		{
			name:   "stdout trimmed",
			spec:   Spec{Name: "out"},
			stdout: "hello\n",
			want:   "hello",
		},
		{
			name:   "regex with group",
			spec:   Spec{Name: "cov", Pattern: `coverage: (\d+\.\d+)%`, Format: FormatNumber},
			stdout: "ok\ncoverage: 87.5% of statements\n",
			want:   87.5,
		},
		{
			name:   "regex without group",
			spec:   Spec{Name: "ver", Pattern: `v\d+\.\d+\.\d+`},
			stdout: "release v1.2.3 ready",
			want:   "v1.2.3",
		},
		{
			name:   "stderr source",
			spec:   Spec{Name: "err", Source: Stderr},
			stdout: "ignored",
			stderr: "warning: x\n",
			want:   "warning: x",
		},
		{
			name:   "combined source",
			spec:   Spec{Name: "all", Source: Combined, Multiline: Join},
			stdout: "a\n",
			stderr: "b\n",
			want:   "a b",
		},
		{
			name:   "first line",
			spec:   Spec{Name: "f", Multiline: FirstLine},
			stdout: "one\ntwo\nthree\n",
			want:   "one",
		},
		{
			name:   "last line",
			spec:   Spec{Name: "l", Multiline: LastLine},
			stdout: "one\ntwo\nthree\n",
			want:   "three",
		},
		{
			name:   "array lines",
			spec:   Spec{Name: "files", Multiline: Lines},
			stdout: "a.go\nb.go\n",
			want:   []any{"a.go", "b.go"},
		},
		{
			name:   "json selector",
			spec:   Spec{Name: "score", JSONPath: "$.result.score"},
			stdout: `{"result":{"score":92}}`,
			want:   float64(92),
		},
		{
			name:   "json selector wildcard",
			spec:   Spec{Name: "ids", JSONPath: "items[*].id"},
			stdout: `{"items":[{"id":"a"},{"id":"b"}]}`,
			want:   []any{"a", "b"},
		},
		{
			name:   "regex then json",
			spec:   Spec{Name: "payload", Pattern: `RESULT=(\{.*\})`, JSONPath: "ok"},
			stdout: `noise RESULT={"ok":true}`,
			want:   true,
		},
		{
			name:   "both as object",
			spec:   Spec{Name: "both", Source: Both},
			stdout: "out\n",
			stderr: "err\n",
			want:   map[string]any{"stdout": "out", "stderr": "err"},
		},
		{
			name:   "default on miss",
			spec:   Spec{Name: "m", Pattern: `nothing (\d+)`, Default: strPtr("0")},
			stdout: "unrelated",
			want:   "0",
		},
		{
			name:   "boolean format",
			spec:   Spec{Name: "b", Format: FormatBoolean},
			stdout: "true\n",
			want:   true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Extract(tc.spec, tc.stdout, tc.stderr)
			require.NoError(t, err)
			require.Equal(t, tc.want, got.Any())
		})
	}
}

func TestExtractErrors(t *testing.T) {
	_, err := Extract(Spec{Name: "m", Pattern: `missing (\d+)`}, "nope", "")
	require.ErrorIs(t, err, ErrNoMatch)

	_, err = Extract(Spec{Name: "j", JSONPath: "a"}, "not json", "")
	require.Error(t, err)

	_, err = Extract(Spec{Name: "n", Format: FormatNumber}, "abc", "")
	require.Error(t, err)
}

func TestTruncatePrefersLineBoundary(t *testing.T) {
	text := "line one\nline two\nline three\n"
	require.Equal(t, "line one\nline two\n", Truncate(text, 20))
	require.Equal(t, "abcde", Truncate("abcdefghij", 5))
	require.Equal(t, text, Truncate(text, 0))

	// Cuts without a line boundary back off to a whole rune.
	require.Equal(t, "h", Truncate("héllo", 2))
	require.Equal(t, "hé", Truncate("héllo", 3))
	require.Equal(t, "", Truncate("日本", 2))
	require.True(t, utf8.ValidString(Truncate("ab€€€", 6)))

	big := strings.Repeat("x", DefaultMaxSize+10)
	got, err := Extract(Spec{Name: "big"}, big, "")
	require.NoError(t, err)
	require.Len(t, got.Render(), DefaultMaxSize)
}

func TestValidate(t *testing.T) {
	require.NoError(t, Spec{Name: "ok", Pattern: `(\d+)`, JSONPath: "a.b"}.Validate())

	err := Spec{Name: "bad", Pattern: `(unclosed`}.Validate()
	require.True(t, errdefs.Is(err, errdefs.KindConfig))

	require.Error(t, Spec{}.Validate())
	require.Error(t, Spec{Name: "x", Source: "nowhere"}.Validate())
	require.Error(t, Spec{Name: "x", Multiline: "zigzag"}.Validate())
}

func TestApplyStoresValue(t *testing.T) {
	store := variables.NewStore()
	_, err := Apply(store, Spec{Name: "build", JSONPath: "status"}, `{"status":"green"}`, "")
	require.NoError(t, err)
	require.Equal(t, "green", variables.Interpolate("${build}", store))
}
