// Package capture extracts values from command output into workflow
// variables using a source selector, an optional regex, a multiline rule and
// an optional JSON selector.
package capture

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/internal/xjson"
	"github.com/deepnoodle-ai/forge/variables"
)

// DefaultMaxSize caps captured output at 1 MiB.
const DefaultMaxSize = 1 << 20

// Source selects which stream is captured.
type Source string

const (
	Stdout   Source = "stdout"
	Stderr   Source = "stderr"
	Both     Source = "both"
	Combined Source = "combined"
)

// Multiline decides how multi-line text is reduced.
type Multiline string

const (
	Preserve  Multiline = "preserve"
	Join      Multiline = "join"
	FirstLine Multiline = "first_line"
	LastLine  Multiline = "last_line"
	Lines     Multiline = "array"
)

// Format coerces the extracted text into a typed value.
type Format string

const (
	FormatString  Format = "string"
	FormatNumber  Format = "number"
	FormatJSON    Format = "json"
	FormatLines   Format = "lines"
	FormatBoolean Format = "boolean"
)

// ErrNoMatch is returned when the pattern or selector finds nothing and no
// default is configured.
var ErrNoMatch = errors.New("capture found no match")

// Spec configures extraction for one step.
type Spec struct {
	Name      string    `yaml:"name" json:"name"`
	Source    Source    `yaml:"source,omitempty" json:"source,omitempty"`
	Pattern   string    `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	JSONPath  string    `yaml:"json_path,omitempty" json:"json_path,omitempty"`
	MaxSize   int       `yaml:"max_size,omitempty" json:"max_size,omitempty"`
	Default   *string   `yaml:"default,omitempty" json:"default,omitempty"`
	Multiline Multiline `yaml:"multiline,omitempty" json:"multiline,omitempty"`
	Format    Format    `yaml:"format,omitempty" json:"format,omitempty"`
}

// Validate checks the spec for configuration errors.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return errdefs.Config("capture name is required")
	}
	switch s.Source {
	case "", Stdout, Stderr, Both, Combined:
	default:
		return errdefs.Config("unknown capture source %q", s.Source)
	}
	switch s.Multiline {
	case "", Preserve, Join, FirstLine, LastLine, Lines:
	default:
		return errdefs.Config("unknown multiline mode %q", s.Multiline)
	}
	switch s.Format {
	case "", FormatString, FormatNumber, FormatJSON, FormatLines, FormatBoolean:
	default:
		return errdefs.Config("unknown capture format %q", s.Format)
	}
	if s.Pattern != "" {
		if _, err := regexp.Compile(s.Pattern); err != nil {
			return errdefs.WrapConfig(err, "invalid capture pattern %q", s.Pattern)
		}
	}
	if s.JSONPath != "" {
		if _, err := variables.ParsePath(s.JSONPath); err != nil {
			return errdefs.WrapConfig(err, "invalid capture json_path")
		}
	}
	if s.MaxSize < 0 {
		return errdefs.Config("capture max_size must not be negative")
	}
	return nil
}

// Extract runs the capture pipeline: select the source, truncate, apply the
// pattern, apply the multiline rule, then navigate the JSON selector. Any
// failure falls back to the default when one is configured.
func Extract(spec Spec, stdout, stderr string) (variables.Value, error) {
	value, err := extract(spec, stdout, stderr)
	if err != nil {
		if spec.Default != nil {
			return variables.String(*spec.Default), nil
		}
		return variables.Value{}, fmt.Errorf("capture %q: %w", spec.Name, err)
	}
	return value, nil
}

func extract(spec Spec, stdout, stderr string) (variables.Value, error) {
	if spec.Source == Both && spec.Pattern == "" && spec.JSONPath == "" {
		return variables.Object(map[string]any{
			"stdout": strings.TrimRight(Truncate(stdout, maxSize(spec)), "\n"),
			"stderr": strings.TrimRight(Truncate(stderr, maxSize(spec)), "\n"),
		}), nil
	}

	text := Truncate(selectSource(spec.Source, stdout, stderr), maxSize(spec))

	if spec.Pattern != "" {
		re, err := regexp.Compile(spec.Pattern)
		if err != nil {
			return variables.Value{}, err
		}
		m := re.FindStringSubmatch(text)
		if m == nil {
			return variables.Value{}, ErrNoMatch
		}
		if len(m) > 1 {
			text = m[1]
		} else {
			text = m[0]
		}
	}

	if spec.Multiline == Lines {
		lines := SplitLines(text)
		items := make([]any, len(lines))
		for i, l := range lines {
			items[i] = l
		}
		if spec.JSONPath == "" {
			return variables.Array(items...), nil
		}
	}
	text = ApplyMultiline(spec.Multiline, text)

	if spec.JSONPath != "" {
		var doc any
		if err := xjson.Unmarshal([]byte(strings.TrimSpace(text)), &doc); err != nil {
			return variables.Value{}, fmt.Errorf("output is not valid JSON: %w", err)
		}
		got, ok := variables.Lookup(doc, spec.JSONPath)
		if !ok {
			return variables.Value{}, ErrNoMatch
		}
		return variables.FromAny(got), nil
	}
	return Coerce(spec.Format, text)
}

func maxSize(spec Spec) int {
	if spec.MaxSize > 0 {
		return spec.MaxSize
	}
	return DefaultMaxSize
}

func selectSource(source Source, stdout, stderr string) string {
	switch source {
	case Stderr:
		return stderr
	case Both, Combined:
		switch {
		case stderr == "":
			return stdout
		case stdout == "":
			return stderr
		case strings.HasSuffix(stdout, "\n"):
			return stdout + stderr
		default:
			return stdout + "\n" + stderr
		}
	default:
		return stdout
	}
}

// Truncate cuts text to at most max bytes, preferring the last line boundary
// inside the limit.
func Truncate(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	cut := text[:max]
	if i := strings.LastIndexByte(cut, '\n'); i > 0 {
		return cut[:i+1]
	}
	for max > 0 && !utf8.RuneStart(text[max]) {
		max--
	}
	return text[:max]
}

// SplitLines splits text into lines, dropping the trailing newline.
func SplitLines(text string) []string {
	text = strings.TrimRight(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	if text == "" {
		return nil
	}
	return strings.Split(text, "\n")
}

// ApplyMultiline reduces text according to mode. Preserve (the default)
// only trims the trailing newline.
func ApplyMultiline(mode Multiline, text string) string {
	switch mode {
	case Join:
		lines := SplitLines(text)
		for i := range lines {
			lines[i] = strings.TrimSpace(lines[i])
		}
		return strings.Join(lines, " ")
	case FirstLine:
		if lines := SplitLines(text); len(lines) > 0 {
			return lines[0]
		}
		return ""
	case LastLine:
		if lines := SplitLines(text); len(lines) > 0 {
			return lines[len(lines)-1]
		}
		return ""
	default:
		return strings.TrimRight(text, "\r\n")
	}
}

// Coerce converts text to a value of the requested format.
func Coerce(format Format, text string) (variables.Value, error) {
	trimmed := strings.TrimSpace(text)
	switch format {
	case FormatNumber:
		f, err := strconv.ParseFloat(trimmed, 64)
		if err != nil {
			return variables.Value{}, fmt.Errorf("output %q is not a number", trimmed)
		}
		return variables.Number(f), nil
	case FormatBoolean:
		switch strings.ToLower(trimmed) {
		case "true", "yes", "1":
			return variables.Bool(true), nil
		case "false", "no", "0", "":
			return variables.Bool(false), nil
		}
		return variables.Value{}, fmt.Errorf("output %q is not a boolean", trimmed)
	case FormatJSON:
		if !xjson.Valid([]byte(trimmed)) {
			return variables.Value{}, errors.New("output is not valid JSON")
		}
		return variables.JSON([]byte(trimmed)), nil
	case FormatLines:
		lines := SplitLines(text)
		items := make([]any, len(lines))
		for i, l := range lines {
			items[i] = l
		}
		return variables.Array(items...), nil
	default:
		return variables.String(text), nil
	}
}

// Apply extracts according to spec and stores the result under the capture
// name.
func Apply(store *variables.Store, spec Spec, stdout, stderr string) (variables.Value, error) {
	value, err := Extract(spec, stdout, stderr)
	if err != nil {
		return variables.Value{}, err
	}
	store.SetCaptured(spec.Name, value)
	return value, nil
}
