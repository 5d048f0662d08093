package mapreduce

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/capture"
	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/events"
	"github.com/deepnoodle-ai/forge/git"
	"github.com/deepnoodle-ai/forge/state"
	"github.com/deepnoodle-ai/forge/tracking"
	"github.com/deepnoodle-ai/forge/variables"
	"github.com/google/uuid"
)

// agentRun is the outcome of one agent attempt plus the failure details the
// dead letter queue records.
type agentRun struct {
	result    state.AgentResult
	kind      FailureKind
	step      string
	exitCode  *int
	cancelled bool
}

// BranchName returns the branch an agent attempt commits to.
func BranchName(jobID, itemID string, attempt int) string {
	return "forge-" + worktreeName(jobID, itemID, attempt)
}

func worktreeName(jobID, itemID string, attempt int) string {
	return git.SanitizeRef(fmt.Sprintf("%s-%s-%d", jobID, itemID, attempt))
}

// runAgent processes one item: it allocates a worktree, binds the item into
// a cloned variable scope and runs the agent template under the per-agent
// timeout. Agents never write to the parent scope.
func (c *Coordinator) runAgent(ctx context.Context, base *forge.StepRunner, parent *variables.Store, item state.WorkItem, attempt int) agentRun {
	started := c.opts.Now()
	agentID := uuid.NewString()
	run := agentRun{result: state.AgentResult{
		ItemID:        item.ID,
		AgentID:       agentID,
		Commits:       []string{},
		FilesModified: []string{},
	}}
	res := &run.result
	logger := c.logger.With("agent_id", agentID, "item_id", item.ID)
	ctx = forge.WithAgent(ctx, agentID)
	c.emit(ctx, events.AgentStarted, func(ev *events.Event) {
		ev.AgentID = agentID
		ev.ItemID = item.ID
		ev.Data = map[string]any{"attempt": attempt}
	})
	logger.Info("agent started", "attempt", attempt)

	dir := c.opts.Dir
	var repo tracking.Repo
	var wt git.Worktree
	if c.worktrees != nil {
		var err error
		name := worktreeName(c.opts.JobID, item.ID, attempt)
		wt, err = c.worktrees.Create(ctx, name, BranchName(c.opts.JobID, item.ID, attempt), "")
		if err != nil {
			if ctx.Err() != nil {
				run.cancelled = true
				return run
			}
			run.kind = FailureWorktree
			res.Status = state.FailedWith("worktree")
			res.Error = errdefs.Git("worktree add", err).Error()
			res.Duration = c.opts.Now().Sub(started)
			return run
		}
		dir = wt.Path
		repo = c.worktrees.Client(wt)
		res.WorktreePath = wt.Path
		res.Branch = wt.Branch
		res.SessionID = wt.Name
	}

	success := c.runTemplate(ctx, base, parent, item, agentID, attempt, dir, repo, &run)
	res.Duration = c.opts.Now().Sub(started)

	if c.worktrees != nil {
		res.CleanupStatus = "retained"
		if c.cfg.Cleanup.ShouldRemove(success) {
			// Branches are kept so the agent's commits stay reachable.
			if err := c.worktrees.Remove(context.WithoutCancel(ctx), wt, false); err != nil {
				logger.Warn("failed to remove agent worktree", "path", wt.Path, "error", err)
				res.CleanupStatus = "failed"
			} else {
				res.CleanupStatus = "removed"
			}
		}
	}
	return run
}

func (c *Coordinator) runTemplate(
	ctx context.Context,
	base *forge.StepRunner,
	parent *variables.Store,
	item state.WorkItem,
	agentID string,
	attempt int,
	dir string,
	repo tracking.Repo,
	run *agentRun,
) bool {
	res := &run.result
	runner, err := base.ForWorktree(ctx, dir, repo, agentID)
	if err != nil {
		run.kind = FailureWorktree
		res.Status = state.FailedWith("worktree")
		res.Error = err.Error()
		return false
	}

	store := parent.Clone()
	store.SetCaptured("item", variables.FromAny(item.Data))
	store.SetCaptured("item_id", variables.String(item.ID))
	store.SetCaptured("agent.id", variables.String(agentID))
	store.SetCaptured("agent.attempt", variables.Number(float64(attempt)))

	actx := ctx
	timeout := c.cfg.Map.TimeoutPerAgent.Std()
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var outputs []string
	prefix := fmt.Sprintf("agent/%s/%d", item.ID, attempt)
steps:
	for i, step := range c.cfg.Map.AgentTemplate {
		sr, err := runner.Run(actx, step, forge.Scope{Index: i, Store: store, Prefix: prefix})
		res.Commits = append(res.Commits, sr.Commits...)
		if out := strings.TrimRight(sr.Output, "\n"); out != "" {
			outputs = append(outputs, out)
		}
		if err == nil {
			continue
		}
		run.step = sr.Name
		run.exitCode = sr.ExitCode
		switch {
		case ctx.Err() != nil:
			run.cancelled = true
			run.kind = FailureCancelled
			res.Status = state.FailedWith("cancelled")
			res.Error = "cancelled"
		case actx.Err() != nil:
			run.kind = FailureTimeout
			res.Status = state.TimedOut()
			res.Error = fmt.Sprintf("agent timed out after %s", timeout)
		default:
			run.kind = classifyFailure(err)
			res.Status = state.FailedWith(string(run.kind))
			res.Error = err.Error()
		}
		break steps
	}
	if changed := runner.Changes().Changed(); changed != nil {
		res.FilesModified = changed
	}
	res.Output = capture.Truncate(strings.Join(outputs, "\n"), 64*1024)
	if res.Status.Kind == "" {
		res.Status = state.Succeeded()
		return true
	}
	return false
}

// classifyFailure maps a step error to the failure kind recorded in the dead
// letter queue.
func classifyFailure(err error) FailureKind {
	for e := err; e != nil; e = errors.Unwrap(e) {
		de, ok := e.(*errdefs.Error)
		if !ok {
			continue
		}
		switch de.Op {
		case "commit_required", "commit validation":
			return FailureCommitValidation
		case "validate":
			return FailureValidation
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}
	return FailureCommand
}
