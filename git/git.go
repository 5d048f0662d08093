// Package git is the narrow gateway the engine uses to talk to git: status,
// rev-parse, log, diff, commit, and worktree lifecycle. Output parsing lives
// in pure functions so it can be tested without a repository.
package git

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/deepnoodle-ai/forge/errdefs"
)

// Executor runs a git command in dir and returns its stdout.
type Executor interface {
	Exec(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, dir string, args ...string) (string, error)

func (f ExecutorFunc) Exec(ctx context.Context, dir string, args ...string) (string, error) {
	return f(ctx, dir, args...)
}

// BinaryExecutor shells out to the git binary.
type BinaryExecutor struct {
	Binary string
}

func (b BinaryExecutor) Exec(ctx context.Context, dir string, args ...string) (string, error) {
	binary := b.Binary
	if binary == "" {
		binary = "git"
	}
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return stdout.String(), err
		}
		return stdout.String(), fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.String(), nil
}

// Client executes git operations against one working directory.
type Client struct {
	dir    string
	exec   Executor
	logger *slog.Logger
}

// Options configures a Client.
type Options struct {
	Executor Executor
	Logger   *slog.Logger
}

// New returns a client rooted at dir.
func New(dir string, opts Options) *Client {
	if opts.Executor == nil {
		opts.Executor = BinaryExecutor{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{dir: dir, exec: opts.Executor, logger: opts.Logger}
}

// Dir returns the working directory the client operates on.
func (c *Client) Dir() string {
	return c.dir
}

// WithDir returns a client sharing this client's executor but rooted at dir.
func (c *Client) WithDir(dir string) *Client {
	return &Client{dir: dir, exec: c.exec, logger: c.logger}
}

func (c *Client) run(ctx context.Context, op string, args ...string) (string, error) {
	out, err := c.exec.Exec(ctx, c.dir, args...)
	if err != nil {
		c.logger.Debug("git command failed", "op", op, "dir", c.dir, "error", err)
		return out, errdefs.Git(op, err)
	}
	return out, nil
}

// IsRepo reports whether the directory is inside a git work tree.
func (c *Client) IsRepo(ctx context.Context) bool {
	out, err := c.exec.Exec(ctx, c.dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(out) == "true"
}

// Head returns the commit hash HEAD points at.
func (c *Client) Head(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "rev-parse", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// CurrentBranch returns the short name of the checked out branch.
func (c *Client) CurrentBranch(ctx context.Context) (string, error) {
	out, err := c.run(ctx, "rev-parse", "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// Status returns the parsed porcelain status of the working tree.
func (c *Client) Status(ctx context.Context) (Status, error) {
	out, err := c.run(ctx, "status", "status", "--porcelain=v1", "--untracked-files=all")
	if err != nil {
		return Status{}, err
	}
	return ParseStatus(out), nil
}

// HasChanges reports whether the working tree has uncommitted changes.
func (c *Client) HasChanges(ctx context.Context) (bool, error) {
	status, err := c.Status(ctx)
	if err != nil {
		return false, err
	}
	return !status.IsClean(), nil
}

// Log returns the commits reachable from to but not from, oldest first.
// An empty from lists every commit reachable from to.
func (c *Client) Log(ctx context.Context, from, to string) ([]Commit, error) {
	if to == "" {
		to = "HEAD"
	}
	rangeSpec := to
	if from != "" {
		if from == to {
			return nil, nil
		}
		rangeSpec = from + ".." + to
	}
	out, err := c.run(ctx, "log", "log", "--format="+logFormat, "--numstat", rangeSpec)
	if err != nil {
		return nil, err
	}
	return ParseLog(out), nil
}

// DiffNameStatus lists paths changed between two revisions.
func (c *Client) DiffNameStatus(ctx context.Context, from, to string) ([]FileChange, error) {
	out, err := c.run(ctx, "diff", "diff", "--name-status", from, to)
	if err != nil {
		return nil, err
	}
	return ParseNameStatus(out), nil
}

// Add stages the given paths, or everything when none are given.
func (c *Client) Add(ctx context.Context, paths ...string) error {
	args := []string{"add"}
	if len(paths) == 0 {
		args = append(args, "-A")
	} else {
		args = append(args, "--")
		args = append(args, paths...)
	}
	_, err := c.run(ctx, "add", args...)
	return err
}

// CommitOptions control commit creation.
type CommitOptions struct {
	Message string
	// Author in "Name <email>" form.
	Author string
	Sign   bool
}

// Commit records the staged changes and returns the new HEAD.
func (c *Client) Commit(ctx context.Context, opts CommitOptions) (string, error) {
	if strings.TrimSpace(opts.Message) == "" {
		return "", errdefs.Git("commit", errors.New("commit message cannot be empty"))
	}
	args := []string{"commit", "-m", opts.Message}
	if opts.Author != "" {
		args = append(args, "--author", opts.Author)
	}
	if opts.Sign {
		args = append(args, "-S")
	}
	if _, err := c.run(ctx, "commit", args...); err != nil {
		return "", err
	}
	return c.Head(ctx)
}

// DeleteBranch force-deletes a local branch.
func (c *Client) DeleteBranch(ctx context.Context, branch string) error {
	_, err := c.run(ctx, "branch -D", "branch", "-D", branch)
	return err
}

// Merge merges branch into the current branch without fast-forwarding.
func (c *Client) Merge(ctx context.Context, branch, message string) error {
	args := []string{"merge", "--no-ff", branch}
	if message != "" {
		args = append(args, "-m", message)
	}
	_, err := c.run(ctx, "merge", args...)
	return err
}
