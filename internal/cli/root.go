// Package cli implements the forge command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"slices"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/internal/xjson"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ProjectDir string
	LogLevel   string
	Backend    string
	Sinks      []string
	Format     string // "json" | "text"
	Verbose    bool

	cfg    Config
	logger *slog.Logger
	out    io.Writer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the forge CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "forge",
		Short:         "Run checkpointed shell and assistant workflows",
		Long:          "forge runs YAML workflows of shell and assistant steps, sequentially or as MapReduce jobs over git worktrees, with checkpoints for resume.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ProjectDir, "dir", "C", ".", "project directory")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")
	cmd.PersistentFlags().StringVar(&opts.Backend, "checkpoint-backend", "", "checkpoint backend (file|postgres|redis|badger)")
	cmd.PersistentFlags().StringSliceVar(&opts.Sinks, "events", nil, "event sinks (jsonl,nats,redis)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "stream command output")

	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewResumeCommand(opts))
	cmd.AddCommand(NewCheckpointsCommand(opts))
	cmd.AddCommand(NewSessionsCommand(opts))
	cmd.AddCommand(NewDLQCommand(opts))

	return cmd
}

// load reads the project configuration and applies flag overrides.
func (o *RootOptions) load(cmd *cobra.Command) error {
	if !slices.Contains(ValidFormats, o.Format) {
		return fmt.Errorf("invalid format %q: must be one of %v", o.Format, ValidFormats)
	}
	dir, err := filepath.Abs(o.ProjectDir)
	if err != nil {
		return err
	}
	o.ProjectDir = dir
	cfg, err := LoadConfig(dir)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel = o.LogLevel
	}
	if flags.Changed("checkpoint-backend") {
		cfg.Checkpoints.Backend = o.Backend
	}
	if flags.Changed("events") {
		cfg.Events.Sinks = o.Sinks
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	level, _ := cfg.Level()
	o.cfg = cfg
	o.logger = forge.NewLogger(level)
	o.out = cmd.OutOrStdout()
	return nil
}

func (o *RootOptions) env(ctx context.Context) (*env, error) {
	return openEnv(ctx, o.cfg, o.ProjectDir, o.logger)
}

// notice prints a status line in text mode.
func (o *RootOptions) notice(format string, args ...any) {
	if o.Format == "text" {
		color.New(color.FgCyan).Fprintf(o.out, format, args...)
	}
}

// printJSON writes v as indented JSON when the json format is selected.
func (o *RootOptions) printJSON(v any) (bool, error) {
	if o.Format != "json" {
		return false, nil
	}
	raw, err := xjson.MarshalIndent(v, "", "  ")
	if err != nil {
		return true, err
	}
	_, err = fmt.Fprintln(o.out, string(raw))
	return true, err
}
