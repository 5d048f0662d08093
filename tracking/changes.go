package tracking

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/deepnoodle-ai/forge/git"
	"github.com/deepnoodle-ai/forge/variables"
)

// StepChanges is the set of files and commits attributed to a step, or the
// cumulative set for the workflow. Path lists are sorted and deduplicated.
type StepChanges struct {
	Added      []string `json:"files_added"`
	Modified   []string `json:"files_modified"`
	Deleted    []string `json:"files_deleted"`
	Commits    []string `json:"commits"`
	Insertions int      `json:"insertions"`
	Deletions  int      `json:"deletions"`
}

// Changed returns every touched path.
func (c StepChanges) Changed() []string {
	return normalizePaths(append(append(slices.Clone(c.Added), c.Modified...), c.Deleted...))
}

// IsEmpty reports whether nothing changed.
func (c StepChanges) IsEmpty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0 && len(c.Commits) == 0
}

// Merge folds other into c.
func (c *StepChanges) Merge(other StepChanges) {
	c.Added = normalizePaths(append(c.Added, other.Added...))
	c.Modified = normalizePaths(append(c.Modified, other.Modified...))
	c.Deleted = normalizePaths(append(c.Deleted, other.Deleted...))
	for _, h := range other.Commits {
		if !slices.Contains(c.Commits, h) {
			c.Commits = append(c.Commits, h)
		}
	}
	c.Insertions += other.Insertions
	c.Deletions += other.Deletions
}

func normalizePaths(paths []string) []string {
	if len(paths) == 0 {
		return []string{}
	}
	out := slices.Clone(paths)
	sort.Strings(out)
	return slices.Compact(out)
}

// ChangeTracker accumulates per-step and workflow-wide file changes.
type ChangeTracker struct {
	mu         sync.Mutex
	repo       Repo
	lastCommit string
	workflow   StepChanges
	last       StepChanges
}

// NewChangeTracker starts tracking from the current HEAD.
func NewChangeTracker(ctx context.Context, repo Repo) (*ChangeTracker, error) {
	head, err := repo.Head(ctx)
	if err != nil {
		return nil, err
	}
	return &ChangeTracker{repo: repo, lastCommit: head, workflow: emptyChanges()}, nil
}

func emptyChanges() StepChanges {
	return StepChanges{Added: []string{}, Modified: []string{}, Deleted: []string{}, Commits: []string{}}
}

// BeginStep marks the start of a step at the current HEAD.
func (t *ChangeTracker) BeginStep(ctx context.Context) error {
	head, err := t.repo.Head(ctx)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.lastCommit = head
	t.mu.Unlock()
	return nil
}

// CompleteStep computes the changes since BeginStep: committed changes from
// the log and diff, plus uncommitted ones from the working tree status.
func (t *ChangeTracker) CompleteStep(ctx context.Context) (StepChanges, error) {
	t.mu.Lock()
	base := t.lastCommit
	t.mu.Unlock()

	changes := emptyChanges()
	head, err := t.repo.Head(ctx)
	if err != nil {
		return changes, err
	}
	if head != base {
		commits, err := t.repo.Log(ctx, base, head)
		if err != nil {
			return changes, err
		}
		for _, c := range commits {
			changes.Commits = append(changes.Commits, c.Hash)
			changes.Insertions += c.Insertions
			changes.Deletions += c.Deletions
		}
		diff, err := t.repo.DiffNameStatus(ctx, base, head)
		if err != nil {
			return changes, err
		}
		classify(&changes, diff)
	}
	status, err := t.repo.Status(ctx)
	if err != nil {
		return changes, err
	}
	classify(&changes, status.Changes)
	changes.Added = normalizePaths(changes.Added)
	changes.Modified = normalizePaths(changes.Modified)
	changes.Deleted = normalizePaths(changes.Deleted)

	t.mu.Lock()
	t.lastCommit = head
	t.last = changes
	t.workflow.Merge(changes)
	t.mu.Unlock()
	return changes, nil
}

func classify(changes *StepChanges, files []git.FileChange) {
	for _, f := range files {
		switch f.Kind {
		case git.Added, git.Untracked:
			changes.Added = append(changes.Added, f.Path)
		case git.Deleted:
			changes.Deleted = append(changes.Deleted, f.Path)
		default:
			changes.Modified = append(changes.Modified, f.Path)
		}
	}
}

// Workflow returns the cumulative changes.
func (t *ChangeTracker) Workflow() StepChanges {
	t.mu.Lock()
	defer t.mu.Unlock()
	w := t.workflow
	w.Commits = slices.Clone(w.Commits)
	return w
}

// Last returns the changes of the most recently completed step.
func (t *ChangeTracker) Last() StepChanges {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.last
}

// Publish exposes step and workflow changes to interpolation as step.* and
// workflow.* variables. The bare commit_count, insertions, deletions and
// commits names refer to the step.
func Publish(store *variables.Store, step, workflow StepChanges) {
	publish(store, "step.", step)
	publish(store, "workflow.", workflow)
	publish(store, "", StepChanges{Commits: step.Commits, Insertions: step.Insertions, Deletions: step.Deletions})
}

func publish(store *variables.Store, prefix string, c StepChanges) {
	if prefix != "" {
		store.SetCaptured(prefix+"files_added", stringsValue(c.Added))
		store.SetCaptured(prefix+"files_modified", stringsValue(c.Modified))
		store.SetCaptured(prefix+"files_deleted", stringsValue(c.Deleted))
		store.SetCaptured(prefix+"files_changed", stringsValue(c.Changed()))
	}
	store.SetCaptured(prefix+"commits", stringsValue(c.Commits))
	store.SetCaptured(prefix+"commit_count", variables.Number(float64(len(c.Commits))))
	store.SetCaptured(prefix+"insertions", variables.Number(float64(c.Insertions)))
	store.SetCaptured(prefix+"deletions", variables.Number(float64(c.Deletions)))
}

func stringsValue(items []string) variables.Value {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return variables.Array(out...)
}
