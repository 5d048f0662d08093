// Package tracking attributes git side effects to workflow steps: the
// commits each step produced and the files it touched.
package tracking

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/git"
	"github.com/deepnoodle-ai/forge/variables"
)

// Repo is the git surface the trackers need. *git.Client satisfies it.
type Repo interface {
	Head(ctx context.Context) (string, error)
	Status(ctx context.Context) (git.Status, error)
	Log(ctx context.Context, from, to string) ([]git.Commit, error)
	DiffNameStatus(ctx context.Context, from, to string) ([]git.FileChange, error)
	Add(ctx context.Context, paths ...string) error
	Commit(ctx context.Context, opts git.CommitOptions) (string, error)
}

// CommitConfig controls auto-commit message generation and commit
// validation for a step.
type CommitConfig struct {
	MessageTemplate string   `yaml:"message_template" json:"message_template,omitempty"`
	MessagePattern  string   `yaml:"message_pattern" json:"message_pattern,omitempty"`
	Sign            bool     `yaml:"sign" json:"sign,omitempty"`
	Author          string   `yaml:"author" json:"author,omitempty"`
	IncludeFiles    []string `yaml:"include_files" json:"include_files,omitempty"`
	ExcludeFiles    []string `yaml:"exclude_files" json:"exclude_files,omitempty"`
}

// Validate compiles the message pattern and checks file globs.
func (c *CommitConfig) Validate() error {
	if c == nil {
		return nil
	}
	if c.MessagePattern != "" {
		if _, err := regexp.Compile(c.MessagePattern); err != nil {
			return errdefs.WrapConfig(err, "invalid commit message_pattern %q", c.MessagePattern)
		}
	}
	for _, g := range append(append([]string(nil), c.IncludeFiles...), c.ExcludeFiles...) {
		if err := variables.ValidateGlob(g); err != nil {
			return errdefs.WrapConfig(err, "invalid commit file glob %q", g)
		}
	}
	return nil
}

// CommitTracker records HEAD at workflow start and attributes commits to
// steps by walking the log between step boundaries.
type CommitTracker struct {
	repo        Repo
	initialHead string
	logger      *slog.Logger
}

// NewCommitTracker snapshots the current HEAD.
func NewCommitTracker(ctx context.Context, repo Repo, logger *slog.Logger) (*CommitTracker, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	head, err := repo.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to record initial HEAD: %w", err)
	}
	return &CommitTracker{repo: repo, initialHead: head, logger: logger}, nil
}

// InitialHead is HEAD at workflow start.
func (t *CommitTracker) InitialHead() string {
	return t.initialHead
}

// Snapshot returns the current HEAD, taken before a step runs.
func (t *CommitTracker) Snapshot(ctx context.Context) (string, error) {
	return t.repo.Head(ctx)
}

// CommitsSince lists commits made after before, oldest first.
func (t *CommitTracker) CommitsSince(ctx context.Context, before string) ([]git.Commit, error) {
	head, err := t.repo.Head(ctx)
	if err != nil {
		return nil, err
	}
	return t.repo.Log(ctx, before, head)
}

// StepCommitRequest describes the commit policy of one finished step.
type StepCommitRequest struct {
	StepName       string
	BeforeHead     string
	AutoCommit     bool
	CommitRequired bool
	Config         *CommitConfig
	// Render interpolates the message template; nil leaves it unchanged.
	Render func(string) string
}

// StepCommitResult is what a step committed.
type StepCommitResult struct {
	Commits       []git.Commit
	AutoCommitted bool
	Head          string
}

// Hashes returns the commit hashes, oldest first.
func (r StepCommitResult) Hashes() []string {
	out := make([]string, len(r.Commits))
	for i, c := range r.Commits {
		out[i] = c.Hash
	}
	return out
}

// Finalize attributes commits to a step, auto-commits when requested and the
// step left changes uncommitted, and enforces commit_required and the
// message pattern.
func (t *CommitTracker) Finalize(ctx context.Context, req StepCommitRequest) (StepCommitResult, error) {
	var result StepCommitResult
	commits, err := t.CommitsSince(ctx, req.BeforeHead)
	if err != nil {
		return result, err
	}
	if len(commits) == 0 && req.AutoCommit {
		committed, err := t.autoCommit(ctx, req)
		if err != nil {
			return result, err
		}
		if committed {
			result.AutoCommitted = true
			if commits, err = t.CommitsSince(ctx, req.BeforeHead); err != nil {
				return result, err
			}
		}
	}
	result.Commits = commits
	if len(commits) > 0 {
		result.Head = commits[len(commits)-1].Hash
	} else {
		result.Head = req.BeforeHead
	}

	if req.CommitRequired && len(commits) == 0 {
		return result, errdefs.Workflow("commit_required", nil, "step %q is marked commit_required but created no commits", req.StepName)
	}
	if req.Config != nil && req.Config.MessagePattern != "" {
		if err := ValidateMessages(commits, req.Config.MessagePattern); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (t *CommitTracker) autoCommit(ctx context.Context, req StepCommitRequest) (bool, error) {
	status, err := t.repo.Status(ctx)
	if err != nil {
		return false, err
	}
	if status.IsClean() {
		return false, nil
	}
	cfg := req.Config
	if cfg == nil {
		cfg = &CommitConfig{}
	}
	paths := selectPaths(status, cfg.IncludeFiles, cfg.ExcludeFiles)
	if (len(cfg.IncludeFiles) > 0 || len(cfg.ExcludeFiles) > 0) && len(paths) == 0 {
		return false, nil
	}
	if err := t.repo.Add(ctx, paths...); err != nil {
		return false, err
	}
	message := AutoCommitMessage(req.StepName, cfg.MessageTemplate, req.Render)
	hash, err := t.repo.Commit(ctx, git.CommitOptions{Message: message, Author: cfg.Author, Sign: cfg.Sign})
	if err != nil {
		return false, err
	}
	t.logger.Info("auto-committed step changes", "step", req.StepName, "commit", hash)
	return true, nil
}

// AutoCommitMessage renders template with ${step.name} bound, or falls back
// to "Auto-commit: <step>".
func AutoCommitMessage(stepName, template string, render func(string) string) string {
	if strings.TrimSpace(template) == "" {
		return "Auto-commit: " + stepName
	}
	msg := strings.ReplaceAll(template, "${step.name}", stepName)
	if render != nil {
		msg = render(msg)
	}
	return msg
}

// ValidateMessages checks every commit subject against pattern.
func ValidateMessages(commits []git.Commit, pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return errdefs.WrapConfig(err, "invalid commit message_pattern %q", pattern)
	}
	for _, c := range commits {
		if !re.MatchString(c.Subject) {
			return errdefs.Workflow("commit validation", nil,
				"commit %s message %q does not match pattern %q", shortHash(c.Hash), c.Subject, pattern)
		}
	}
	return nil
}

// selectPaths returns nil (stage everything) unless include or exclude
// globs narrow the candidate set.
func selectPaths(status git.Status, include, exclude []string) []string {
	if len(include) == 0 && len(exclude) == 0 {
		return nil
	}
	var all []string
	for _, c := range status.Changes {
		all = append(all, c.Path)
	}
	selected := all
	if len(include) > 0 {
		seen := map[string]bool{}
		selected = nil
		for _, g := range include {
			for _, p := range variables.FilterGlob(all, g) {
				if !seen[p] {
					seen[p] = true
					selected = append(selected, p)
				}
			}
		}
	}
	for _, g := range exclude {
		drop := map[string]bool{}
		for _, p := range variables.FilterGlob(selected, g) {
			drop[p] = true
		}
		kept := selected[:0:0]
		for _, p := range selected {
			if !drop[p] {
				kept = append(kept, p)
			}
		}
		selected = kept
	}
	return selected
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
