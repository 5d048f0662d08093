package cli

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/deepnoodle-ai/forge/checkpoint"
	"github.com/deepnoodle-ai/forge/errdefs"
	"gopkg.in/yaml.v3"
)

// ConfigFile is the project configuration path relative to the project root.
var ConfigFile = filepath.Join(checkpoint.ToolDir, "config.yaml")

// Config is the CLI configuration. Built-in defaults are overlaid with
// .forge/config.yaml and then with command-line flags.
type Config struct {
	LogLevel    string            `yaml:"log_level"`
	Checkpoints CheckpointConfig  `yaml:"checkpoints"`
	Sessions    SessionConfig     `yaml:"sessions"`
	Events      EventConfig       `yaml:"events"`
	Assistant   AssistantConfig   `yaml:"assistant"`
	MapReduce   MapReduceDefaults `yaml:"mapreduce"`
}

// CheckpointConfig selects the checkpoint backend.
type CheckpointConfig struct {
	// Backend is file, postgres, redis or badger.
	Backend string `yaml:"backend"`
	// Strategy is local or global; it applies to the file backend.
	Strategy string `yaml:"strategy"`
	Retain   int    `yaml:"retain"`
	Postgres string `yaml:"postgres_dsn"`
	Redis    string `yaml:"redis_url"`
	Badger   string `yaml:"badger_dir"`
}

// SessionConfig selects the session store.
type SessionConfig struct {
	// Backend is file or sqlite.
	Backend string `yaml:"backend"`
	Dir     string `yaml:"dir"`
	SQLite  string `yaml:"sqlite_path"`
}

// EventConfig lists the event sinks to publish to.
type EventConfig struct {
	// Sinks holds any of jsonl, nats and redis.
	Sinks []string `yaml:"sinks"`
	Dir   string   `yaml:"dir"`
	NATS  string   `yaml:"nats_url"`
	Redis string   `yaml:"redis_url"`
}

// AssistantConfig configures the assistant subprocess.
type AssistantConfig struct {
	Binary string   `yaml:"binary"`
	Args   []string `yaml:"args"`
	Shell  string   `yaml:"shell"`
	LogDir string   `yaml:"log_dir"`
}

// MapReduceDefaults configures MapReduce jobs.
type MapReduceDefaults struct {
	WorktreeDir string `yaml:"worktree_dir"`
	DLQDir      string `yaml:"dlq_dir"`
}

// DefaultConfig returns the built-in configuration for a project directory.
func DefaultConfig(projectDir string) Config {
	toolDir := filepath.Join(projectDir, checkpoint.ToolDir)
	return Config{
		LogLevel: "info",
		Checkpoints: CheckpointConfig{
			Backend:  "file",
			Strategy: string(checkpoint.StrategyLocal),
			Retain:   checkpoint.DefaultRetain,
			Badger:   filepath.Join(toolDir, "badger"),
		},
		Sessions: SessionConfig{
			Backend: "file",
			SQLite:  filepath.Join(toolDir, "sessions.db"),
		},
		Events: EventConfig{
			Dir: filepath.Join(toolDir, "events"),
		},
		Assistant: AssistantConfig{
			Binary: "claude",
			Shell:  "sh",
		},
		MapReduce: MapReduceDefaults{
			WorktreeDir: filepath.Join(toolDir, "worktrees"),
			DLQDir:      toolDir,
		},
	}
}

// LoadConfig returns the defaults for projectDir overlaid with the project's
// config file, when it exists.
func LoadConfig(projectDir string) (Config, error) {
	cfg := DefaultConfig(projectDir)
	data, err := os.ReadFile(filepath.Join(projectDir, ConfigFile))
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, errdefs.WrapConfig(err, "failed to read %s", ConfigFile)
	}
	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, errdefs.WrapConfig(err, "failed to parse %s", ConfigFile)
	}
	if err := mergo.Merge(&cfg, file, mergo.WithOverride); err != nil {
		return cfg, errdefs.WrapConfig(err, "failed to apply %s", ConfigFile)
	}
	return cfg, cfg.Validate()
}

// Validate checks the enumerated settings.
func (c Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.Checkpoints.Backend {
	case "file", "postgres", "redis", "badger":
	default:
		return errdefs.Config("unknown checkpoint backend %q", c.Checkpoints.Backend)
	}
	switch checkpoint.StrategyKind(c.Checkpoints.Strategy) {
	case checkpoint.StrategyLocal, checkpoint.StrategyGlobal:
	default:
		return errdefs.Config("unknown checkpoint strategy %q", c.Checkpoints.Strategy)
	}
	switch c.Sessions.Backend {
	case "file", "sqlite":
	default:
		return errdefs.Config("unknown session backend %q", c.Sessions.Backend)
	}
	for _, s := range c.Events.Sinks {
		switch s {
		case "jsonl", "nats", "redis":
		default:
			return errdefs.Config("unknown event sink %q", s)
		}
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return level, errdefs.Config("invalid log level %q", c.LogLevel)
	}
	return level, nil
}
