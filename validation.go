package forge

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/forge/internal/xjson"
	"github.com/deepnoodle-ai/forge/variables"
)

// ValidationResult is the parsed output of a validation command.
type ValidationResult struct {
	Completion float64        `json:"completion_percentage"`
	Status     string         `json:"status,omitempty"`
	Missing    []string       `json:"missing,omitempty"`
	Gaps       map[string]any `json:"gaps,omitempty"`
}

// ValidationOutcome is either Complete or Incomplete.
type ValidationOutcome interface {
	validationOutcome()
}

// Complete means the completion score reached the threshold.
type Complete struct {
	Result ValidationResult
}

// Incomplete means more work is needed.
type Incomplete struct {
	Score   float64
	Missing []string
	Gaps    map[string]any
}

func (Complete) validationOutcome()   {}
func (Incomplete) validationOutcome() {}

// Outcome classifies the result against threshold.
func (r ValidationResult) Outcome(threshold float64) ValidationOutcome {
	if r.Completion >= threshold || strings.EqualFold(r.Status, "complete") {
		return Complete{Result: r}
	}
	return Incomplete{Score: r.Completion, Missing: r.Missing, Gaps: r.Gaps}
}

// Publish exposes the result as validation.* variables.
func (r ValidationResult) Publish(set func(name string, v variables.Value)) {
	set("validation.completion", variables.Number(r.Completion))
	set("validation.status", variables.String(r.Status))
	missing := make([]any, len(r.Missing))
	for i, m := range r.Missing {
		missing[i] = m
	}
	set("validation.missing", variables.Array(missing...))
	set("validation.gaps", variables.Object(r.Gaps))
}

var completionLine = regexp.MustCompile(`(?i)completion(?:_percentage)?["']?\s*[:=]\s*([0-9]+(?:\.[0-9]+)?)`)

// ParseValidationOutput reads a validation result from command output. It
// accepts a JSON object with completion_percentage or completion, a
// "completion: N" line, or a bare number.
func ParseValidationOutput(output string) (ValidationResult, error) {
	text := strings.TrimSpace(output)
	if text == "" {
		return ValidationResult{}, fmt.Errorf("validation produced no output")
	}
	if start := strings.IndexByte(text, '{'); start >= 0 {
		if end := strings.LastIndexByte(text, '}'); end > start {
			if r, ok := parseValidationJSON(text[start : end+1]); ok {
				return r, nil
			}
		}
	}
	if m := completionLine.FindStringSubmatch(text); m != nil {
		f, _ := strconv.ParseFloat(m[1], 64)
		return ValidationResult{Completion: f, Status: statusFor(f)}, nil
	}
	lines := strings.Split(text, "\n")
	last := strings.TrimSuffix(strings.TrimSpace(lines[len(lines)-1]), "%")
	if f, err := strconv.ParseFloat(last, 64); err == nil {
		return ValidationResult{Completion: f, Status: statusFor(f)}, nil
	}
	return ValidationResult{}, fmt.Errorf("validation output has no completion score")
}

func parseValidationJSON(text string) (ValidationResult, bool) {
	var raw map[string]any
	if err := xjson.Unmarshal([]byte(text), &raw); err != nil {
		return ValidationResult{}, false
	}
	var r ValidationResult
	found := false
	for _, key := range []string{"completion_percentage", "completion"} {
		switch v := raw[key].(type) {
		case float64:
			r.Completion, found = v, true
		case string:
			if f, err := strconv.ParseFloat(strings.TrimSuffix(v, "%"), 64); err == nil {
				r.Completion, found = f, true
			}
		}
		if found {
			break
		}
	}
	if !found {
		return ValidationResult{}, false
	}
	r.Status, _ = raw["status"].(string)
	if r.Status == "" {
		r.Status = statusFor(r.Completion)
	}
	if items, ok := raw["missing"].([]any); ok {
		for _, it := range items {
			r.Missing = append(r.Missing, fmt.Sprint(it))
		}
	}
	r.Gaps, _ = raw["gaps"].(map[string]any)
	return r, true
}

func statusFor(completion float64) string {
	if completion >= 100 {
		return "complete"
	}
	return "incomplete"
}
