// Package forge executes workflows that drive shell commands and an AI
// coding assistant against a git repository. A workflow is either an
// ordered list of steps run by the Executor, or a setup, map and reduce
// pipeline run by the mapreduce package. Every step boundary is
// checkpointed so interrupted runs resume where they stopped.
package forge

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"

	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/expression"
	"github.com/deepnoodle-ai/forge/git"
	"github.com/deepnoodle-ai/forge/internal/xjson"
	"github.com/deepnoodle-ai/forge/state"
	"github.com/deepnoodle-ai/forge/variables"
	"gopkg.in/yaml.v3"
)

// Workflow is a loaded, validated workflow definition. It is immutable
// once loaded.
type Workflow struct {
	Name          string
	Commands      StepList
	Env           map[string]string
	MaxIterations int
	MapReduce     *MapReduceConfig

	path string
	hash string
}

// MapReduceConfig is the setup, map and reduce pipeline of a MapReduce
// workflow.
type MapReduceConfig struct {
	Setup  StepList `yaml:"setup"`
	Map    MapPhase `yaml:"map"`
	Reduce StepList `yaml:"reduce"`
	// Cleanup decides when agent worktrees are removed.
	Cleanup git.CleanupPolicy `yaml:"cleanup"`
	// AgentStartRate limits agent starts per second; zero is unlimited.
	AgentStartRate float64 `yaml:"agent_start_rate"`

	templateJSON xjson.RawMessage
	reduceJSON   xjson.RawMessage
}

// AgentTemplateJSON returns the canonical JSON of the agent template.
func (m *MapReduceConfig) AgentTemplateJSON() xjson.RawMessage {
	return m.templateJSON
}

// ReduceJSON returns the canonical JSON of the reduce commands.
func (m *MapReduceConfig) ReduceJSON() xjson.RawMessage {
	return m.reduceJSON
}

// MapPhase configures work-item loading and the per-item agent template.
type MapPhase struct {
	state.MapConfig `yaml:",inline"`
	AgentTemplate   StepList `yaml:"agent_template"`
}

type workflowFile struct {
	Name          string            `yaml:"name"`
	Commands      StepList          `yaml:"commands"`
	Env           map[string]string `yaml:"env"`
	MaxIterations int               `yaml:"max_iterations"`
	MapReduce     *MapReduceConfig  `yaml:"mapreduce"`
}

// Path returns the file the workflow was loaded from, if any.
func (w *Workflow) Path() string {
	return w.path
}

// Hash returns the SHA-256 of the workflow's canonical JSON form. Resume
// compares it to detect an edited workflow file.
func (w *Workflow) Hash() string {
	return w.hash
}

// IsMapReduce reports whether the workflow is a MapReduce pipeline.
func (w *Workflow) IsMapReduce() bool {
	return w.MapReduce != nil
}

// UsesAssistant reports whether any step, handler or nested step invokes
// the assistant.
func (w *Workflow) UsesAssistant() bool {
	if w.MapReduce == nil {
		return stepsUseAssistant(w.Commands)
	}
	mr := w.MapReduce
	return stepsUseAssistant(mr.Setup) || stepsUseAssistant(mr.Map.AgentTemplate) || stepsUseAssistant(mr.Reduce)
}

func stepsUseAssistant(steps StepList) bool {
	for _, s := range steps {
		if stepUsesAssistant(s) {
			return true
		}
	}
	return false
}

func stepUsesAssistant(s *Step) bool {
	if s == nil {
		return false
	}
	switch c := s.Command.(type) {
	case AssistantCommand:
		return true
	case GoalSeekCommand:
		if c.Claude != "" {
			return true
		}
	case ForeachCommand:
		if stepsUseAssistant(c.Do) {
			return true
		}
	case TestCommand:
		if c.OnFailure != nil && stepUsesAssistant(c.OnFailure.Handler) {
			return true
		}
	}
	nested := []*Step{s.OnSuccess}
	if s.OnFailure != nil {
		nested = append(nested, s.OnFailure.Handler)
	}
	if s.Validate != nil {
		nested = append(nested, s.Validate.Check)
		if s.Validate.OnIncomplete != nil {
			nested = append(nested, s.Validate.OnIncomplete.Handler)
		}
	}
	for _, h := range s.OnExitCode {
		nested = append(nested, h)
	}
	return stepsUseAssistant(nested)
}

// Iterations returns how often the command list runs.
func (w *Workflow) Iterations() int {
	return max(w.MaxIterations, 1)
}

// LoadFile loads and validates a workflow from a YAML or JSON file.
func LoadFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errdefs.WrapConfig(err, "failed to read workflow file")
	}
	w, err := Load(data)
	if err != nil {
		return nil, err
	}
	if abs, err := filepath.Abs(path); err == nil {
		w.path = abs
	} else {
		w.path = path
	}
	if w.Name == "" {
		base := filepath.Base(path)
		w.Name = base[:len(base)-len(filepath.Ext(base))]
	}
	return w, nil
}

// LoadString loads a workflow from a YAML or JSON string.
func LoadString(data string) (*Workflow, error) {
	return Load([]byte(data))
}

// Load validates data against the workflow schema, then decodes it. A
// document that is a bare list of steps is treated as its commands.
func Load(data []byte) (*Workflow, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, errdefs.WrapConfig(err, "failed to parse workflow file")
	}
	if doc == nil {
		return nil, errdefs.Config("workflow file is empty")
	}
	doc = normalizeKeys(doc)
	canonical, err := xjson.Marshal(doc)
	if err != nil {
		return nil, errdefs.WrapConfig(err, "workflow file is not representable as JSON")
	}
	if err := validateSchema(canonical); err != nil {
		return nil, err
	}

	var file workflowFile
	if _, isList := doc.([]any); isList {
		if err := yaml.Unmarshal(data, &file.Commands); err != nil {
			return nil, errdefs.WrapConfig(err, "failed to decode workflow steps")
		}
	} else if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errdefs.WrapConfig(err, "failed to decode workflow")
	}

	sum := sha256.Sum256(canonical)
	w := &Workflow{
		Name:          file.Name,
		Commands:      file.Commands,
		Env:           file.Env,
		MaxIterations: file.MaxIterations,
		MapReduce:     file.MapReduce,
		hash:          hex.EncodeToString(sum[:]),
	}
	if w.MapReduce != nil {
		if err := w.MapReduce.captureJSON(doc); err != nil {
			return nil, err
		}
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}
	return w, nil
}

// normalizeKeys converts mappings with non-string keys, such as on_exit_code
// codes, into string-keyed maps so the document has a JSON form.
func normalizeKeys(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, item := range x {
			x[k] = normalizeKeys(item)
		}
		return x
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[fmt.Sprint(k)] = normalizeKeys(item)
		}
		return out
	case []any:
		for i, item := range x {
			x[i] = normalizeKeys(item)
		}
		return x
	}
	return v
}

func (m *MapReduceConfig) captureJSON(doc any) error {
	root, _ := doc.(map[string]any)
	mr, _ := root["mapreduce"].(map[string]any)
	mapPhase, _ := mr["map"].(map[string]any)
	var err error
	if m.templateJSON, err = xjson.Marshal(mapPhase["agent_template"]); err != nil {
		return errdefs.WrapConfig(err, "failed to encode agent template")
	}
	if reduce, ok := mr["reduce"]; ok {
		if m.reduceJSON, err = xjson.Marshal(reduce); err != nil {
			return errdefs.WrapConfig(err, "failed to encode reduce commands")
		}
	}
	return nil
}

// Validate checks semantic constraints the schema cannot express.
func (w *Workflow) Validate() error {
	if w.MapReduce == nil && len(w.Commands) == 0 {
		return errdefs.Config("workflow must define commands or mapreduce")
	}
	if w.MapReduce != nil && len(w.Commands) > 0 {
		return errdefs.Config("workflow cannot define both commands and mapreduce")
	}
	if w.MaxIterations < 0 {
		return errdefs.Config("max_iterations must not be negative")
	}
	if err := validateSteps("commands", w.Commands); err != nil {
		return err
	}
	if mr := w.MapReduce; mr != nil {
		if mr.Map.Input == "" {
			return errdefs.Config("mapreduce.map.input is required")
		}
		if len(mr.Map.AgentTemplate) == 0 {
			return errdefs.Config("mapreduce.map.agent_template must not be empty")
		}
		if mr.Map.MaxParallel < 0 || mr.Map.RetryOnFailure < 0 || mr.Map.MaxItems < 0 || mr.Map.Offset < 0 {
			return errdefs.Config("mapreduce.map limits must not be negative")
		}
		if mr.Map.Filter != "" {
			if _, err := expression.Compile(mr.Map.Filter); err != nil {
				return errdefs.WrapConfig(err, "invalid mapreduce.map.filter")
			}
		}
		if mr.Map.SortBy != "" {
			if _, err := expression.ParseSort(mr.Map.SortBy); err != nil {
				return errdefs.WrapConfig(err, "invalid mapreduce.map.sort_by")
			}
		}
		switch mr.Cleanup {
		case "", git.CleanupAlways, git.CleanupOnSuccess, git.CleanupOnFailure, git.CleanupNever:
		default:
			return errdefs.Config("unknown mapreduce.cleanup policy %q", mr.Cleanup)
		}
		for _, group := range []struct {
			name  string
			steps StepList
		}{{"mapreduce.setup", mr.Setup}, {"mapreduce.map.agent_template", mr.Map.AgentTemplate}, {"mapreduce.reduce", mr.Reduce}} {
			if err := validateSteps(group.name, group.steps); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateSteps(prefix string, steps StepList) error {
	for i, s := range steps {
		if err := validateStep(fmt.Sprintf("%s[%d]", prefix, i), s); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(field string, s *Step) error {
	if s == nil || s.Command == nil {
		return errdefs.Config("%s: step has no command", field)
	}
	if s.When != "" {
		src, err := whenSource(s.When)
		if err != nil {
			return errdefs.WrapConfig(err, "%s: invalid when expression", field)
		}
		if _, err := expression.Compile(src); err != nil {
			return errdefs.WrapConfig(err, "%s: invalid when expression", field)
		}
	}
	if s.Capture != nil {
		if err := s.Capture.Validate(); err != nil {
			return errdefs.WrapConfig(err, "%s: invalid capture", field)
		}
	}
	if s.Retry != nil {
		if err := s.Retry.Validate(); err != nil {
			return errdefs.WrapConfig(err, "%s: invalid retry policy", field)
		}
	}
	if err := s.CommitConfig.Validate(); err != nil {
		return errdefs.WrapConfig(err, "%s: invalid commit_config", field)
	}
	for _, p := range variables.Placeholders(s.Template()) {
		if p.Modifier != "" && variables.IsGlob(p.Modifier) {
			if err := variables.ValidateGlob(p.Modifier); err != nil {
				return errdefs.WrapConfig(err, "%s: invalid glob modifier", field)
			}
		}
	}
	switch c := s.Command.(type) {
	case GoalSeekCommand:
		if (c.Shell == "") == (c.Claude == "") {
			return errdefs.Config("%s: goal_seek must set exactly one of shell or claude", field)
		}
		if c.Validate == "" {
			return errdefs.Config("%s: goal_seek requires validate", field)
		}
		if c.Threshold < 0 || c.Threshold > 100 {
			return errdefs.Config("%s: goal_seek threshold must be between 0 and 100", field)
		}
	case ForeachCommand:
		if len(c.Do) == 0 {
			return errdefs.Config("%s: foreach requires do steps", field)
		}
		if err := validateSteps(field+".foreach.do", c.Do); err != nil {
			return err
		}
	case WriteFileCommand:
		switch c.Format {
		case "", "text", "json", "yaml":
		default:
			return errdefs.Config("%s: unknown write_file format %q", field, c.Format)
		}
		if _, err := parseMode(c.Mode); err != nil {
			return errdefs.WrapConfig(err, "%s: invalid write_file mode", field)
		}
	case TestCommand:
		if c.OnFailure != nil && c.OnFailure.Handler != nil {
			if err := validateStep(field+".test.on_failure", c.OnFailure.Handler); err != nil {
				return err
			}
		}
	}
	nested := map[string]*Step{"on_success": s.OnSuccess}
	if s.OnFailure != nil {
		nested["on_failure"] = s.OnFailure.Handler
	}
	if s.Validate != nil {
		nested["validate"] = s.Validate.Check
		if s.Validate.OnIncomplete != nil {
			nested["validate.on_incomplete"] = s.Validate.OnIncomplete.Handler
		}
	}
	for code, h := range s.OnExitCode {
		nested[fmt.Sprintf("on_exit_code[%d]", code)] = h
	}
	for name, h := range nested {
		if h == nil {
			continue
		}
		if err := validateStep(field+"."+name, h); err != nil {
			return err
		}
	}
	return nil
}
