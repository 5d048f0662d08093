package forge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepnoodle-ai/forge/capture"
	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/retry"
	"github.com/stretchr/testify/require"
)

func TestLoadBareStepList(t *testing.T) {
	wf, err := LoadString(`
- shell: "echo hello"
- claude: "/fix the tests"
- "make build"
`)
	require.NoError(t, err)
	require.Len(t, wf.Commands, 3)
	require.Equal(t, ShellCommand{Command: "echo hello"}, wf.Commands[0].Command)
	require.Equal(t, AssistantCommand{Prompt: "/fix the tests"}, wf.Commands[1].Command)
	require.Equal(t, ShellCommand{Command: "make build"}, wf.Commands[2].Command)
	require.False(t, wf.IsMapReduce())
	require.Equal(t, 1, wf.Iterations())
}

func TestLoadWorkflowDocument(t *testing.T) {
	wf, err := LoadString(`
name: release
env:
  TARGET: prod
max_iterations: 2
commands:
  - name: build
    shell: "make ${TARGET}"
    timeout: 30
    capture:
      name: version
      pattern: 'version (\S+)'
    retry:
      attempts: 3
      backoff: exponential
      initial_delay: 1s
  - name: notes
    claude: "/notes"
    capture: notes
    capture_format: lines
    on_failure:
      shell: "echo recover"
      max_attempts: 2
      fail_workflow: false
`)
	require.NoError(t, err)
	require.Equal(t, "release", wf.Name)
	require.Equal(t, map[string]string{"TARGET": "prod"}, wf.Env)
	require.Equal(t, 2, wf.Iterations())

	build := wf.Commands[0]
	require.Equal(t, "build", build.DisplayName())
	require.Equal(t, 30*time.Second, build.Timeout.Std())
	require.Equal(t, "version", build.Capture.Name)
	require.Equal(t, `version (\S+)`, build.Capture.Pattern)
	require.NotNil(t, build.Retry)
	require.Equal(t, 3, build.Retry.MaxAttempts)
	require.Equal(t, retry.Duration(time.Second), build.Retry.InitialDelay)

	notes := wf.Commands[1]
	require.Equal(t, capture.Spec{Name: "notes", Format: capture.FormatLines}, *notes.Capture)
	require.NotNil(t, notes.OnFailure)
	require.Equal(t, ShellCommand{Command: "echo recover"}, notes.OnFailure.Handler.Command)
	require.Equal(t, 2, notes.OnFailure.MaxAttempts)
	require.False(t, notes.OnFailure.FailWorkflow)
}

func TestLoadStepVariants(t *testing.T) {
	wf, err := LoadString(`
commands:
  - test:
      command: "go test ./..."
      expected_exit_code: 0
      on_failure: "echo fix"
  - goal_seek:
      goal: "coverage"
      shell: "make cover"
      validate: "make score"
      threshold: 90
  - foreach:
      input: ["a", "b"]
      parallel: 2
      do:
        - shell: "echo ${item}"
  - write_file:
      path: out/report.json
      content: '{"ok": true}'
      format: json
      mode: "0600"
      create_dirs: true
  - handler:
      name: log
      attributes:
        message: "done"
`)
	require.NoError(t, err)
	kinds := make([]string, len(wf.Commands))
	for i, s := range wf.Commands {
		kinds[i] = s.Command.Kind()
	}
	require.Equal(t, []string{"test", "goal_seek", "foreach", "write_file", "handler"}, kinds)

	test := wf.Commands[0].Command.(TestCommand)
	require.NotNil(t, test.OnFailure)
	require.True(t, test.OnFailure.FailWorkflow)
	require.Equal(t, 1, test.OnFailure.MaxAttempts)

	foreach := wf.Commands[2].Command.(ForeachCommand)
	require.Equal(t, []any{"a", "b"}, foreach.Input.Items)
	require.Len(t, foreach.Do, 1)
}

func TestLoadValidateAndExitCodeHandlers(t *testing.T) {
	wf, err := LoadString(`
- shell: "make"
  on_exit_code:
    2: "echo two"
  validate:
    shell: "check-completion"
    threshold: 80
    on_incomplete:
      claude: "/finish it"
      max_attempts: 3
`)
	require.NoError(t, err)
	step := wf.Commands[0]
	require.Contains(t, step.OnExitCode, 2)
	require.Equal(t, ShellCommand{Command: "echo two"}, step.OnExitCode[2].Command)
	require.Equal(t, 80.0, step.Validate.Threshold)
	require.Equal(t, ShellCommand{Command: "check-completion"}, step.Validate.Check.Command)
	require.Equal(t, 3, step.Validate.OnIncomplete.MaxAttempts)
	require.True(t, step.Validate.OnIncomplete.FailWorkflow)
	require.Equal(t, AssistantCommand{Prompt: "/finish it"}, step.Validate.OnIncomplete.Handler.Command)
}

func TestLoadRejectsInvalidWorkflows(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		msg  string
	}{
		{"two commands", `- {shell: "a", claude: "b"}`, "more than one command"},
		{"no command", `- {name: "empty"}`, "must set one of"},
		{"unknown key", `- {shell: "a", shel: "b"}`, "schema"},
		{"bad when", `- {shell: "a", when: "x =="}`, "when"},
		{"bad glob", `- {shell: "echo ${files:*[}"}`, "glob"},
		{"goal seek without validator", `- goal_seek: {goal: g, shell: s}`, "schema"},
		{"bad mode", `- write_file: {path: p, content: c, mode: "999"}`, "schema"},
		{"commands and mapreduce", `
commands: ["a"]
mapreduce:
  map:
    input: items.json
    agent_template: ["b"]
`, "both"},
		{"empty", ``, "empty"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadString(tt.yaml)
			require.Error(t, err)
			require.True(t, errdefs.Is(err, errdefs.KindConfig), "got %v", err)
			require.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestSchemaViolationsCarryFieldErrors(t *testing.T) {
	_, err := LoadString(`
name: x
commands:
  - shell: "a"
    retry:
      attempts: "three"
`)
	require.Error(t, err)
	problems := errdefs.Problems(err)
	require.NotEmpty(t, problems)
}

func TestWorkflowHashIgnoresFormatting(t *testing.T) {
	a, err := LoadString("name: w\ncommands:\n  - shell: \"echo hi\"\n    name: one\n")
	require.NoError(t, err)
	b, err := LoadString("commands: [{name: one, shell: 'echo hi'}]\nname: w\n")
	require.NoError(t, err)
	c, err := LoadString("name: w\ncommands:\n  - shell: \"echo bye\"\n    name: one\n")
	require.NoError(t, err)

	require.Len(t, a.Hash(), 64)
	require.Equal(t, a.Hash(), b.Hash())
	require.NotEqual(t, a.Hash(), c.Hash())
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deploy.yml")
	require.NoError(t, os.WriteFile(path, []byte("- shell: \"echo ok\"\n"), 0644))

	wf, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, path, wf.Path())
	require.Equal(t, "deploy", wf.Name)

	_, err = LoadFile(filepath.Join(dir, "missing.yml"))
	require.Error(t, err)
}

func TestLoadMapReduce(t *testing.T) {
	wf, err := LoadString(`
name: fix-lints
mapreduce:
  setup:
    - shell: "lint --json > items.json"
  map:
    input: items.json
    json_path: "$.items[*]"
    max_parallel: 4
    retry_on_failure: 1
    filter: "severity == 'high'"
    sort_by: "priority DESC"
    agent_template:
      - claude: "/fix ${item.file}"
  reduce:
    - shell: "echo ${map.successful}/${map.total}"
  cleanup: on_success
`)
	require.NoError(t, err)
	require.True(t, wf.IsMapReduce())
	mr := wf.MapReduce
	require.Len(t, mr.Setup, 1)
	require.Equal(t, "items.json", mr.Map.Input)
	require.Equal(t, 4, mr.Map.MaxParallel)
	require.Len(t, mr.Map.AgentTemplate, 1)
	require.Len(t, mr.Reduce, 1)
	require.NotEmpty(t, mr.AgentTemplateJSON())
	require.NotEmpty(t, mr.ReduceJSON())
}

func TestWorkflowUsesAssistant(t *testing.T) {
	tests := map[string]struct {
		source string
		want   bool
	}{
		"shell only": {source: `
- shell: "make"
- test:
    command: "make test"
    on_failure: "echo failed"
`},
		"top level": {source: `
- claude: "/fix"
`, want: true},
		"foreach body": {source: `
- foreach:
    input: ["a"]
    do:
      - claude: "/fix ${item}"
`, want: true},
		"on_incomplete handler": {source: `
- shell: "make"
  validate:
    shell: "check"
    on_incomplete:
      claude: "/finish it"
`, want: true},
		"exit code handler": {source: `
- shell: "make"
  on_exit_code:
    2: { claude: "/repair" }
`, want: true},
		"mapreduce agent template": {source: `
mapreduce:
  map:
    input: items.json
    agent_template:
      - claude: "/fix ${item.file}"
`, want: true},
		"mapreduce shell only": {source: `
mapreduce:
  setup:
    - shell: "lint"
  map:
    input: items.json
    agent_template:
      - shell: "fix ${item.file}"
`},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			wf, err := LoadString(tt.source)
			require.NoError(t, err)
			require.Equal(t, tt.want, wf.UsesAssistant())
		})
	}
}

func TestSchemaIsEmbedded(t *testing.T) {
	require.Contains(t, string(Schema()), `"definitions"`)
}
