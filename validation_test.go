package forge

import (
	"testing"

	"github.com/deepnoodle-ai/forge/variables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseValidationOutput(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		completion float64
		status     string
		missing    []string
	}{
		{"json", `{"completion_percentage": 75, "missing": ["docs", "tests"]}`, 75, "incomplete", []string{"docs", "tests"}},
		{"json with prose", "Result:\n{\"completion\": \"100%\", \"status\": \"complete\"}\nthanks", 100, "complete", nil},
		{"key value line", "checked 12 files\ncompletion: 87.5", 87.5, "incomplete", nil},
		{"quoted key", `"completion_percentage"= 100`, 100, "complete", nil},
		{"bare number", "42\n", 42, "incomplete", nil},
		{"bare percent", "done\n100%", 100, "complete", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseValidationOutput(tt.output)
			require.NoError(t, err)
			assert.Equal(t, tt.completion, r.Completion)
			assert.Equal(t, tt.status, r.Status)
			assert.Equal(t, tt.missing, r.Missing)
		})
	}
}

func TestParseValidationOutputErrors(t *testing.T) {
	for _, output := range []string{"", "   \n", "all good", `{"status": "complete"}`} {
		_, err := ParseValidationOutput(output)
		assert.Error(t, err, "output %q", output)
	}
}

func TestValidationOutcome(t *testing.T) {
	r := ValidationResult{Completion: 80, Missing: []string{"edge cases"}}
	switch o := r.Outcome(90).(type) {
	case Incomplete:
		assert.Equal(t, 80.0, o.Score)
		assert.Equal(t, []string{"edge cases"}, o.Missing)
	default:
		t.Fatalf("expected Incomplete, got %T", o)
	}

	_, ok := r.Outcome(80).(Complete)
	assert.True(t, ok, "threshold is inclusive")

	r.Status = "COMPLETE"
	_, ok = r.Outcome(100).(Complete)
	assert.True(t, ok, "an explicit complete status wins")
}

func TestValidationResultPublish(t *testing.T) {
	store := variables.NewStore()
	ValidationResult{Completion: 60, Status: "incomplete", Missing: []string{"a"}}.Publish(store.SetCaptured)

	assert.Equal(t, "60", variables.Interpolate("${validation.completion}", store))
	assert.Equal(t, "incomplete", variables.Interpolate("${validation.status}", store))
	v, ok := store.Captured("validation.missing")
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, v.Strings())
}
