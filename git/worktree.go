package git

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// Worktree is a linked working copy on its own branch.
type Worktree struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Branch string `json:"branch"`
}

// CleanupPolicy decides when a worktree is removed after use.
type CleanupPolicy string

const (
	CleanupAlways    CleanupPolicy = "always"
	CleanupOnSuccess CleanupPolicy = "on_success"
	CleanupOnFailure CleanupPolicy = "on_failure"
	CleanupNever     CleanupPolicy = "never"
)

// ShouldRemove reports whether the policy removes a worktree whose work
// finished with the given outcome.
func (p CleanupPolicy) ShouldRemove(success bool) bool {
	switch p {
	case CleanupNever:
		return false
	case CleanupOnSuccess:
		return success
	case CleanupOnFailure:
		return !success
	default:
		return true
	}
}

// AddWorktree creates a worktree at path on a new branch starting at base.
func (c *Client) AddWorktree(ctx context.Context, path, branch, base string) error {
	args := []string{"worktree", "add", "-b", branch, path}
	if base != "" {
		args = append(args, base)
	}
	_, err := c.run(ctx, "worktree add", args...)
	return err
}

// RemoveWorktree removes the worktree at path.
func (c *Client) RemoveWorktree(ctx context.Context, path string, force bool) error {
	args := []string{"worktree", "remove", path}
	if force {
		args = append(args, "--force")
	}
	_, err := c.run(ctx, "worktree remove", args...)
	return err
}

// ListWorktrees returns every worktree linked to the repository.
func (c *Client) ListWorktrees(ctx context.Context) ([]WorktreeInfo, error) {
	out, err := c.run(ctx, "worktree list", "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}
	return ParseWorktreeList(out), nil
}

// WorktreeManager allocates and releases worktrees under a base directory.
// Creation and removal are serialized so concurrent agents never race on the
// repository's worktree metadata.
type WorktreeManager struct {
	mu      sync.Mutex
	repo    *Client
	baseDir string
}

// NewWorktreeManager returns a manager creating worktrees in baseDir.
func NewWorktreeManager(repo *Client, baseDir string) *WorktreeManager {
	return &WorktreeManager{repo: repo, baseDir: baseDir}
}

var unsafeRef = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SanitizeRef turns arbitrary text into a string usable in branch and
// directory names.
func SanitizeRef(s string) string {
	s = unsafeRef.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-.")
	if len(s) > 64 {
		s = s[:64]
	}
	if s == "" {
		s = "item"
	}
	return s
}

// Create allocates a worktree named name on branch, starting from base.
func (m *WorktreeManager) Create(ctx context.Context, name, branch, base string) (Worktree, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := os.MkdirAll(m.baseDir, 0o755); err != nil {
		return Worktree{}, fmt.Errorf("failed to create worktree directory: %w", err)
	}
	path := filepath.Join(m.baseDir, name)
	if err := m.repo.AddWorktree(ctx, path, branch, base); err != nil {
		return Worktree{}, err
	}
	return Worktree{Name: name, Path: path, Branch: branch}, nil
}

// Remove deletes the worktree and, if requested, its branch.
func (m *WorktreeManager) Remove(ctx context.Context, wt Worktree, deleteBranch bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.repo.RemoveWorktree(ctx, wt.Path, true); err != nil {
		return err
	}
	if deleteBranch && wt.Branch != "" {
		return m.repo.DeleteBranch(ctx, wt.Branch)
	}
	return nil
}

// Client returns a git client rooted in the worktree.
func (m *WorktreeManager) Client(wt Worktree) *Client {
	return m.repo.WithDir(wt.Path)
}
