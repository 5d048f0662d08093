package forge

import (
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/forge/capture"
	"github.com/deepnoodle-ai/forge/retry"
	"github.com/deepnoodle-ai/forge/tracking"
	"gopkg.in/yaml.v3"
)

// Command is the primary action of a step. Exactly one variant is set per
// step: ShellCommand, AssistantCommand, TestCommand, GoalSeekCommand,
// ForeachCommand, WriteFileCommand or HandlerCommand.
type Command interface {
	// Kind returns the YAML key that selects the variant
	Kind() string

	isCommand()
}

// ShellCommand runs a shell command line.
type ShellCommand struct {
	Command string `json:"shell"`
}

// AssistantCommand runs the AI coding assistant with a prompt.
type AssistantCommand struct {
	Prompt string `json:"claude"`
}

// TestCommand runs a shell command and compares its exit code.
type TestCommand struct {
	Command          string     `yaml:"command" json:"command"`
	ExpectedExitCode int        `yaml:"expected_exit_code" json:"expected_exit_code"`
	OnFailure        *OnFailure `yaml:"on_failure" json:"on_failure,omitempty"`
}

// GoalSeekCommand repeats a command until a validator scores it at or above
// the threshold.
type GoalSeekCommand struct {
	Goal        string         `yaml:"goal" json:"goal"`
	Shell       string         `yaml:"shell" json:"shell,omitempty"`
	Claude      string         `yaml:"claude" json:"claude,omitempty"`
	Validate    string         `yaml:"validate" json:"validate"`
	Threshold   int            `yaml:"threshold" json:"threshold"`
	MaxAttempts int            `yaml:"max_attempts" json:"max_attempts"`
	Timeout     retry.Duration `yaml:"timeout" json:"timeout,omitempty"`
}

// ForeachCommand runs a nested step list once per input item.
type ForeachCommand struct {
	Input           ForeachInput `yaml:"input" json:"input"`
	Parallel        int          `yaml:"parallel" json:"parallel,omitempty"`
	Do              StepList     `yaml:"do" json:"do"`
	ContinueOnError bool         `yaml:"continue_on_error" json:"continue_on_error,omitempty"`
	MaxItems        int          `yaml:"max_items" json:"max_items,omitempty"`
}

// ForeachInput is either an inline list or an expression: a ${var} that
// resolves to a list, or a command whose output lines are the items.
type ForeachInput struct {
	Items []any
	Expr  string
}

func (in *ForeachInput) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		return node.Decode(&in.Items)
	case yaml.ScalarNode:
		in.Expr = node.Value
		return nil
	}
	return fmt.Errorf("line %d: foreach input must be a list or a string", node.Line)
}

// WriteFileCommand renders content into a file.
type WriteFileCommand struct {
	Path       string `yaml:"path" json:"path"`
	Content    string `yaml:"content" json:"content"`
	Format     string `yaml:"format" json:"format,omitempty"`
	Mode       string `yaml:"mode" json:"mode,omitempty"`
	CreateDirs bool   `yaml:"create_dirs" json:"create_dirs,omitempty"`
}

// HandlerCommand invokes a registered handler by name.
type HandlerCommand struct {
	Name       string         `yaml:"name" json:"name"`
	Attributes map[string]any `yaml:"attributes" json:"attributes,omitempty"`
}

func (ShellCommand) Kind() string     { return "shell" }
func (AssistantCommand) Kind() string { return "claude" }
func (TestCommand) Kind() string      { return "test" }
func (GoalSeekCommand) Kind() string  { return "goal_seek" }
func (ForeachCommand) Kind() string   { return "foreach" }
func (WriteFileCommand) Kind() string { return "write_file" }
func (HandlerCommand) Kind() string   { return "handler" }

func (ShellCommand) isCommand()     {}
func (AssistantCommand) isCommand() {}
func (TestCommand) isCommand()      {}
func (GoalSeekCommand) isCommand()  {}
func (ForeachCommand) isCommand()   {}
func (WriteFileCommand) isCommand() {}
func (HandlerCommand) isCommand()   {}

// OnFailure configures what happens when a step fails. Handler may be nil,
// in which case only the policy fields apply.
type OnFailure struct {
	Handler      *Step
	FailWorkflow bool
	MaxAttempts  int
	IgnoreErrors bool
}

func (f *OnFailure) UnmarshalYAML(node *yaml.Node) error {
	var policy struct {
		FailWorkflow *bool `yaml:"fail_workflow"`
		MaxAttempts  int   `yaml:"max_attempts"`
		IgnoreErrors bool  `yaml:"ignore_errors"`
	}
	if node.Kind == yaml.ScalarNode {
		// A bare string is shorthand for a shell handler.
		f.Handler = &Step{Command: ShellCommand{Command: node.Value}}
		f.FailWorkflow = true
		f.MaxAttempts = 1
		return nil
	}
	if err := node.Decode(&policy); err != nil {
		return err
	}
	f.FailWorkflow = policy.FailWorkflow == nil || *policy.FailWorkflow
	f.MaxAttempts = max(policy.MaxAttempts, 1)
	f.IgnoreErrors = policy.IgnoreErrors
	if hasCommand(node) {
		var handler Step
		if err := node.Decode(&handler); err != nil {
			return err
		}
		f.Handler = &handler
	}
	return nil
}

// Validation checks a step's result and loops an on_incomplete handler until
// the completion score reaches the threshold.
type Validation struct {
	Check        *Step
	Threshold    float64
	Timeout      retry.Duration
	ResultFile   string
	OnIncomplete *OnIncomplete
}

func (v *Validation) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*v = Validation{Check: &Step{Command: ShellCommand{Command: node.Value}}, Threshold: 100}
		return nil
	}
	var fields struct {
		Threshold    *float64       `yaml:"threshold"`
		Timeout      retry.Duration `yaml:"timeout"`
		ResultFile   string         `yaml:"result_file"`
		OnIncomplete *OnIncomplete  `yaml:"on_incomplete"`
	}
	if err := node.Decode(&fields); err != nil {
		return err
	}
	v.Threshold = 100
	if fields.Threshold != nil {
		v.Threshold = *fields.Threshold
	}
	v.Timeout = fields.Timeout
	v.ResultFile = fields.ResultFile
	v.OnIncomplete = fields.OnIncomplete
	if hasCommand(node) {
		var check Step
		if err := node.Decode(&check); err != nil {
			return err
		}
		v.Check = &check
	}
	return nil
}

// OnIncomplete runs between validation rounds.
type OnIncomplete struct {
	Handler        *Step
	MaxAttempts    int
	FailWorkflow   bool
	CommitRequired bool
}

func (o *OnIncomplete) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		*o = OnIncomplete{Handler: &Step{Command: ShellCommand{Command: node.Value}}, MaxAttempts: 2, FailWorkflow: true}
		return nil
	}
	var fields struct {
		MaxAttempts    int   `yaml:"max_attempts"`
		FailWorkflow   *bool `yaml:"fail_workflow"`
		CommitRequired bool  `yaml:"commit_required"`
	}
	if err := node.Decode(&fields); err != nil {
		return err
	}
	o.MaxAttempts = fields.MaxAttempts
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 2
	}
	o.FailWorkflow = fields.FailWorkflow == nil || *fields.FailWorkflow
	o.CommitRequired = fields.CommitRequired
	if hasCommand(node) {
		var handler Step
		if err := node.Decode(&handler); err != nil {
			return err
		}
		o.Handler = &handler
	}
	return nil
}

// Step is one unit of work: a primary Command plus the fields every variant
// shares.
type Step struct {
	Name           string
	Command        Command
	When           string
	Timeout        retry.Duration
	Capture        *capture.Spec
	OnSuccess      *Step
	OnFailure      *OnFailure
	OnExitCode     map[int]*Step
	Retry          *retry.Policy
	Validate       *Validation
	CommitRequired bool
	AutoCommit     bool
	CommitConfig   *tracking.CommitConfig
	WorkingDir     string
	Env            map[string]string
}

// stepFields mirrors the YAML shape of a step.
type stepFields struct {
	Name           string                 `yaml:"name"`
	Shell          *string                `yaml:"shell"`
	Claude         *string                `yaml:"claude"`
	Test           *TestCommand           `yaml:"test"`
	GoalSeek       *GoalSeekCommand       `yaml:"goal_seek"`
	Foreach        *ForeachCommand        `yaml:"foreach"`
	WriteFile      *WriteFileCommand      `yaml:"write_file"`
	Handler        *HandlerCommand        `yaml:"handler"`
	When           string                 `yaml:"when"`
	Timeout        retry.Duration         `yaml:"timeout"`
	Capture        yaml.Node              `yaml:"capture"`
	CaptureFormat  capture.Format         `yaml:"capture_format"`
	CaptureSource  capture.Source         `yaml:"capture_streams"`
	OnSuccess      *Step                  `yaml:"on_success"`
	OnFailure      *OnFailure             `yaml:"on_failure"`
	OnExitCode     map[int]*Step          `yaml:"on_exit_code"`
	Retry          *retry.Policy          `yaml:"retry"`
	Validate       *Validation            `yaml:"validate"`
	CommitRequired bool                   `yaml:"commit_required"`
	AutoCommit     bool                   `yaml:"auto_commit"`
	CommitConfig   *tracking.CommitConfig `yaml:"commit_config"`
	WorkingDir     string                 `yaml:"working_dir"`
	Env            map[string]string      `yaml:"env"`
}

var commandKeys = []string{"shell", "claude", "test", "goal_seek", "foreach", "write_file", "handler"}

func hasCommand(node *yaml.Node) bool {
	if node.Kind != yaml.MappingNode {
		return false
	}
	for i := 0; i < len(node.Content); i += 2 {
		for _, k := range commandKeys {
			if node.Content[i].Value == k {
				return true
			}
		}
	}
	return false
}

func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		// A bare string is shorthand for a shell step.
		*s = Step{Command: ShellCommand{Command: node.Value}}
		return nil
	}
	var f stepFields
	if err := node.Decode(&f); err != nil {
		return err
	}
	var commands []Command
	if f.Shell != nil {
		commands = append(commands, ShellCommand{Command: *f.Shell})
	}
	if f.Claude != nil {
		commands = append(commands, AssistantCommand{Prompt: *f.Claude})
	}
	if f.Test != nil {
		commands = append(commands, *f.Test)
	}
	if f.GoalSeek != nil {
		commands = append(commands, *f.GoalSeek)
	}
	if f.Foreach != nil {
		commands = append(commands, *f.Foreach)
	}
	if f.WriteFile != nil {
		commands = append(commands, *f.WriteFile)
	}
	if f.Handler != nil {
		commands = append(commands, *f.Handler)
	}
	switch len(commands) {
	case 0:
		return fmt.Errorf("line %d: step must set one of %s", node.Line, strings.Join(commandKeys, ", "))
	case 1:
	default:
		kinds := make([]string, len(commands))
		for i, c := range commands {
			kinds[i] = c.Kind()
		}
		return fmt.Errorf("line %d: step sets more than one command: %s", node.Line, strings.Join(kinds, ", "))
	}

	*s = Step{
		Name:           f.Name,
		Command:        commands[0],
		When:           f.When,
		Timeout:        f.Timeout,
		OnSuccess:      f.OnSuccess,
		OnFailure:      f.OnFailure,
		OnExitCode:     f.OnExitCode,
		Retry:          f.Retry,
		Validate:       f.Validate,
		CommitRequired: f.CommitRequired,
		AutoCommit:     f.AutoCommit,
		CommitConfig:   f.CommitConfig,
		WorkingDir:     f.WorkingDir,
		Env:            f.Env,
	}
	switch f.Capture.Kind {
	case 0:
	case yaml.ScalarNode:
		s.Capture = &capture.Spec{Name: f.Capture.Value}
	case yaml.MappingNode:
		var spec capture.Spec
		if err := f.Capture.Decode(&spec); err != nil {
			return err
		}
		s.Capture = &spec
	default:
		return fmt.Errorf("line %d: capture must be a name or a mapping", f.Capture.Line)
	}
	if s.Capture != nil {
		if s.Capture.Format == "" {
			s.Capture.Format = f.CaptureFormat
		}
		if s.Capture.Source == "" {
			s.Capture.Source = f.CaptureSource
		}
	}
	return nil
}

// DisplayName returns the step name or a description derived from its
// command.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	switch c := s.Command.(type) {
	case ShellCommand:
		return "shell: " + truncate(c.Command, 60)
	case AssistantCommand:
		return "claude: " + truncate(c.Prompt, 60)
	case TestCommand:
		return "test: " + truncate(c.Command, 60)
	case GoalSeekCommand:
		return "goal_seek: " + truncate(c.Goal, 60)
	case ForeachCommand:
		return "foreach"
	case WriteFileCommand:
		return "write_file: " + c.Path
	case HandlerCommand:
		return "handler: " + c.Name
	}
	return "step"
}

// Template returns the raw, uninterpolated command text.
func (s *Step) Template() string {
	switch c := s.Command.(type) {
	case ShellCommand:
		return c.Command
	case AssistantCommand:
		return c.Prompt
	case TestCommand:
		return c.Command
	case GoalSeekCommand:
		if c.Claude != "" {
			return c.Claude
		}
		return c.Shell
	case ForeachCommand:
		if c.Input.Expr != "" {
			return c.Input.Expr
		}
		return fmt.Sprintf("%d items", len(c.Input.Items))
	case WriteFileCommand:
		return c.Path
	case HandlerCommand:
		return c.Name
	}
	return ""
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// StepList is a list of steps. It accepts either a YAML sequence or a
// mapping with a commands key.
type StepList []*Step

func (l *StepList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.MappingNode {
		var wrapped struct {
			Commands []*Step `yaml:"commands"`
		}
		if err := node.Decode(&wrapped); err != nil {
			return err
		}
		*l = wrapped.Commands
		return nil
	}
	var steps []*Step
	if err := node.Decode(&steps); err != nil {
		return err
	}
	*l = steps
	return nil
}
