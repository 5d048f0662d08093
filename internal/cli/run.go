package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/git"
	"github.com/deepnoodle-ai/forge/mapreduce"
	"github.com/deepnoodle-ai/forge/state"
	"github.com/deepnoodle-ai/forge/subprocess"
	"github.com/deepnoodle-ai/forge/tracking"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Vars   []string
	ID     string
	DryRun bool
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <workflow.yaml>",
		Short: "Run a workflow",
		Long: `Run a sequential or MapReduce workflow.

Progress is checkpointed after every step and agent. An interrupted run
can be continued with "forge resume <id>".

Example:
  forge run fix-lints.yaml
  forge run deploy.yaml --var TARGET=staging --dry-run`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := forge.LoadFile(args[0])
			if err != nil {
				return err
			}
			vars, err := parseVars(opts.Vars)
			if err != nil {
				return err
			}
			return runWorkflow(cmd.Context(), opts.RootOptions, wf, vars, opts.ID, opts.DryRun)
		},
	}

	cmd.Flags().StringArrayVar(&opts.Vars, "var", nil, "variable in format key=value (repeatable)")
	cmd.Flags().StringVar(&opts.ID, "id", "", "workflow or job ID to checkpoint under (generated when empty)")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "print rendered commands without running them")

	return cmd
}

// ResumeOptions holds flags for the resume command.
type ResumeOptions struct {
	*RootOptions
	Workflow       string
	Vars           []string
	Force          bool
	FromStep       int
	ResetFailures  bool
	SkipValidation bool
}

// NewResumeCommand creates the resume command.
func NewResumeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResumeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "resume <id>",
		Short: "Resume a workflow or MapReduce job from its latest checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return resumeWorkflow(cmd.Context(), opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.Workflow, "workflow", "w", "", "workflow file (defaults to the path recorded in the checkpoint)")
	cmd.Flags().StringArrayVar(&opts.Vars, "var", nil, "variable in format key=value (repeatable)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "resume even if the workflow changed since the checkpoint")
	cmd.Flags().IntVar(&opts.FromStep, "from-step", -1, "restart at a step index")
	cmd.Flags().BoolVar(&opts.ResetFailures, "reset-failures", false, "clear failure counters and re-queue failed items")
	cmd.Flags().BoolVar(&opts.SkipValidation, "skip-validation", false, "ignore validate blocks")

	return cmd
}

func parseVars(pairs []string) (map[string]string, error) {
	vars := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, errdefs.Config("invalid variable %q: use key=value", p)
		}
		vars[k] = v
	}
	return vars, nil
}

// interruptible cancels ctx on SIGINT or SIGTERM.
func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}

// repo returns a git client for the project, or nil outside a repository.
func (o *RootOptions) repo(ctx context.Context) *git.Client {
	c := git.New(o.ProjectDir, git.Options{Logger: o.logger})
	if !c.IsRepo(ctx) {
		return nil
	}
	return c
}

func (o *RootOptions) onLine() func(stream, line string) {
	if !o.Verbose {
		return nil
	}
	dim := color.New(color.Faint)
	return func(stream, line string) {
		dim.Fprintf(o.out, "  %s | %s\n", stream, line)
	}
}

func runWorkflow(ctx context.Context, o *RootOptions, wf *forge.Workflow, vars map[string]string, id string, dryRun bool) error {
	ctx, stop := interruptible(ctx)
	defer stop()
	e, err := o.env(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	o.notice("Workflow: %s\n", wf.Name)
	if !dryRun {
		if err := o.requireAssistant(ctx, e.runner(), e.cfg.Assistant.Binary, wf); err != nil {
			return err
		}
	}
	if wf.IsMapReduce() {
		if dryRun {
			return errdefs.Config("dry run is not supported for mapreduce workflows")
		}
		c, err := o.coordinator(ctx, e, wf, vars, id, nil)
		if err != nil {
			return err
		}
		res, err := c.Run(ctx)
		return o.reportJob(res, err)
	}

	var dr *forge.DryRun
	if dryRun {
		dr = forge.NewDryRun()
	}
	x, err := o.executor(ctx, e, wf, vars, id, dr)
	if err != nil {
		return err
	}
	res, err := x.Run(ctx)
	if dr != nil && err == nil {
		return dr.Render(o.out)
	}
	return o.reportRun(res, err)
}

// requireAssistant fails fast when the workflow has assistant steps but the
// assistant binary cannot be run.
func (o *RootOptions) requireAssistant(ctx context.Context, r subprocess.Runner, binary string, wf *forge.Workflow) error {
	if !wf.UsesAssistant() {
		return nil
	}
	p, err := r.ProbeAssistant(ctx)
	if err != nil {
		return errdefs.Execution("check assistant", nil, fmt.Errorf("assistant %q did not report a version: %w", binary, err))
	}
	if p.Path == "" {
		return errdefs.Config("assistant %q not found: install it or set assistant.binary in %s", binary, ConfigFile)
	}
	if !p.Available {
		return errdefs.Config("assistant %s failed to report its version", p.Path)
	}
	o.logger.Debug("assistant available", "path", p.Path, "version", p.Version)
	return nil
}

func (o *RootOptions) executor(ctx context.Context, e *env, wf *forge.Workflow, vars map[string]string, id string, dr *forge.DryRun) (*forge.Executor, error) {
	var repo tracking.Repo
	if c := o.repo(ctx); c != nil {
		repo = c
	}
	return forge.NewExecutor(forge.ExecutorOptions{
		Workflow:   wf,
		Runner:     e.runner(),
		Store:      e.checkpoints,
		Sessions:   e.sessions,
		Events:     e.events,
		Repo:       repo,
		Dir:        o.ProjectDir,
		Variables:  vars,
		WorkflowID: id,
		DryRun:     dr,
		Logger:     o.logger,
		OnLine:     o.onLine(),
	})
}

func (o *RootOptions) coordinator(ctx context.Context, e *env, wf *forge.Workflow, vars map[string]string, id string, items []state.WorkItem) (*mapreduce.Coordinator, error) {
	if id == "" {
		id = mapreduce.NewJobID()
	}
	opts := mapreduce.DefaultOptions()
	opts.Workflow = wf
	opts.Runner = e.runner()
	opts.Store = e.checkpoints
	opts.Sessions = e.sessions
	opts.Events = e.events
	opts.Repo = o.repo(ctx)
	opts.Dir = o.ProjectDir
	opts.WorktreeDir = e.cfg.MapReduce.WorktreeDir
	if opts.WorktreeDir != "" {
		opts.WorktreeDir = filepath.Join(opts.WorktreeDir, id)
	}
	opts.DLQDir = e.cfg.MapReduce.DLQDir
	opts.JobID = id
	opts.Variables = vars
	opts.Items = items
	opts.Logger = o.logger
	opts.OnLine = o.onLine()
	return mapreduce.New(opts)
}

func resumeWorkflow(ctx context.Context, opts *ResumeOptions, id string) error {
	o := opts.RootOptions
	ctx, stop := interruptible(ctx)
	defer stop()
	e, err := o.env(ctx)
	if err != nil {
		return err
	}
	defer e.Close()

	cp, err := e.checkpoints.Load(ctx, id)
	if err != nil {
		return fmt.Errorf("failed to load checkpoint: %w", err)
	}
	path := opts.Workflow
	if path == "" {
		path = cp.WorkflowPath
	}
	if path == "" {
		return errdefs.Config("checkpoint %s does not record its workflow file; pass --workflow", id)
	}
	wf, err := forge.LoadFile(path)
	if err != nil {
		return err
	}
	vars, err := parseVars(opts.Vars)
	if err != nil {
		return err
	}

	if err := o.requireAssistant(ctx, e.runner(), e.cfg.Assistant.Binary, wf); err != nil {
		return err
	}
	o.notice("Resuming %s from checkpoint v%d\n", id, cp.Version)
	if wf.IsMapReduce() {
		c, err := o.coordinator(ctx, e, wf, vars, id, nil)
		if err != nil {
			return err
		}
		res, err := c.Resume(ctx, mapreduce.ResumeOptions{Force: opts.Force, ResetFailures: opts.ResetFailures})
		return o.reportJob(res, err)
	}
	x, err := o.executor(ctx, e, wf, vars, id, nil)
	if err != nil {
		return err
	}
	res, err := x.Resume(ctx, forge.ResumeOptions{
		Force:          opts.Force,
		FromStep:       opts.FromStep,
		ResetFailures:  opts.ResetFailures,
		SkipValidation: opts.SkipValidation,
	})
	return o.reportRun(res, err)
}

type runReport struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id,omitempty"`
	Status     state.Status  `json:"status"`
	Duration   time.Duration `json:"duration"`
	Steps      int           `json:"steps,omitempty"`
	Successful int           `json:"successful,omitempty"`
	Failed     int           `json:"failed,omitempty"`
	Total      int           `json:"total,omitempty"`
	Error      string        `json:"error,omitempty"`
}

func (o *RootOptions) reportRun(res *forge.Result, runErr error) error {
	if res == nil {
		return runErr
	}
	rep := runReport{ID: res.WorkflowID, SessionID: res.SessionID, Status: res.Status, Duration: res.Duration, Steps: len(res.Steps)}
	return o.report(rep, runErr)
}

func (o *RootOptions) reportJob(res *mapreduce.Result, runErr error) error {
	if res == nil {
		return runErr
	}
	agg := res.Aggregated
	rep := runReport{
		ID:         res.JobID,
		SessionID:  res.SessionID,
		Status:     res.Status,
		Duration:   res.Duration,
		Steps:      len(res.Setup) + len(res.Reduce),
		Successful: agg.SuccessCount,
		Failed:     agg.FailureCount,
		Total:      agg.Total,
	}
	return o.report(rep, runErr)
}

func (o *RootOptions) report(rep runReport, runErr error) error {
	if runErr != nil {
		rep.Error = runErr.Error()
	}
	if ok, err := o.printJSON(rep); ok {
		if err != nil {
			return err
		}
		return runErr
	}
	fmt.Fprintf(o.out, "ID: %s\n", rep.ID)
	fmt.Fprintf(o.out, "Completed in %s\n", rep.Duration.Round(time.Millisecond))
	statusColor(rep.Status).Fprintf(o.out, "Status: %s\n", rep.Status)
	if rep.Total > 0 {
		fmt.Fprintf(o.out, "Items: %d successful, %d failed, %d total\n", rep.Successful, rep.Failed, rep.Total)
	}
	if rep.Status == state.StatusPaused {
		color.New(color.FgYellow).Fprintf(o.out, "Resume with: forge resume %s\n", rep.ID)
	}
	return runErr
}

func statusColor(s state.Status) *color.Color {
	switch s {
	case state.StatusCompleted:
		return color.New(color.FgGreen)
	case state.StatusFailed, state.StatusCancelled:
		return color.New(color.FgRed)
	case state.StatusPaused:
		return color.New(color.FgYellow)
	}
	return color.New(color.FgWhite)
}
