package tracking

import (
	"context"
	"testing"

	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/git"
	"github.com/deepnoodle-ai/forge/git/gittest"
	"github.com/deepnoodle-ai/forge/variables"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockRepo struct {
	mock.Mock
}

func (m *mockRepo) Head(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *mockRepo) Status(ctx context.Context) (git.Status, error) {
	args := m.Called(ctx)
	return args.Get(0).(git.Status), args.Error(1)
}

func (m *mockRepo) Log(ctx context.Context, from, to string) ([]git.Commit, error) {
	args := m.Called(ctx, from, to)
	commits, _ := args.Get(0).([]git.Commit)
	return commits, args.Error(1)
}

func (m *mockRepo) DiffNameStatus(ctx context.Context, from, to string) ([]git.FileChange, error) {
	args := m.Called(ctx, from, to)
	changes, _ := args.Get(0).([]git.FileChange)
	return changes, args.Error(1)
}

func (m *mockRepo) Add(ctx context.Context, paths ...string) error {
	args := m.Called(ctx, paths)
	return args.Error(0)
}

func (m *mockRepo) Commit(ctx context.Context, opts git.CommitOptions) (string, error) {
	args := m.Called(ctx, opts)
	return args.String(0), args.Error(1)
}

func TestFinalizeAttributesCommits(t *testing.T) {
	ctx := context.Background()
	repo := &mockRepo{}
	repo.On("Head", ctx).Return("bbb", nil)
	repo.On("Log", ctx, "aaa", "bbb").Return([]git.Commit{
		{Hash: "c1", Subject: "feat: one"},
		{Hash: "bbb", Subject: "fix: two"},
	}, nil)

	tracker, err := NewCommitTracker(ctx, repo, nil)
	require.NoError(t, err)
	res, err := tracker.Finalize(ctx, StepCommitRequest{
		StepName:   "implement",
		BeforeHead: "aaa",
		Config:     &CommitConfig{MessagePattern: `^(feat|fix): `},
	})
	require.NoError(t, err)
	require.Equal(t, []string{"c1", "bbb"}, res.Hashes())
	require.Equal(t, "bbb", res.Head)
	require.False(t, res.AutoCommitted)
	repo.AssertNotCalled(t, "Commit", mock.Anything, mock.Anything)
}

func TestFinalizeRejectsMessagePattern(t *testing.T) {
	ctx := context.Background()
	repo := &mockRepo{}
	repo.On("Head", ctx).Return("bbb", nil)
	repo.On("Log", ctx, "aaa", "bbb").Return([]git.Commit{{Hash: "bbb", Subject: "wip"}}, nil)

	tracker, err := NewCommitTracker(ctx, repo, nil)
	require.NoError(t, err)
	_, err = tracker.Finalize(ctx, StepCommitRequest{
		StepName:   "implement",
		BeforeHead: "aaa",
		Config:     &CommitConfig{MessagePattern: `^feat: `},
	})
	require.Error(t, err)
	require.True(t, errdefs.Is(err, errdefs.KindWorkflow))
	require.Contains(t, err.Error(), "does not match")
}

func TestFinalizeCommitRequired(t *testing.T) {
	ctx := context.Background()
	repo := &mockRepo{}
	repo.On("Head", ctx).Return("aaa", nil)
	repo.On("Log", ctx, "aaa", "aaa").Return(nil, nil)

	tracker, err := NewCommitTracker(ctx, repo, nil)
	require.NoError(t, err)
	_, err = tracker.Finalize(ctx, StepCommitRequest{StepName: "fix", BeforeHead: "aaa", CommitRequired: true})
	require.Error(t, err)
	require.True(t, errdefs.Is(err, errdefs.KindWorkflow))
	require.Contains(t, err.Error(), "commit_required")
}

func TestFinalizeAutoCommitWithFilters(t *testing.T) {
	ctx := context.Background()
	repo := &mockRepo{}
	repo.On("Head", ctx).Return("aaa", nil).Once()
	repo.On("Head", ctx).Return("aaa", nil).Once()
	repo.On("Log", ctx, "aaa", "aaa").Return(nil, nil).Once()
	repo.On("Status", ctx).Return(git.Status{Changes: []git.FileChange{
		{Path: "src/a.go", Kind: git.Modified},
		{Path: "src/a_test.go", Kind: git.Untracked},
		{Path: "notes.txt", Kind: git.Untracked},
	}}, nil)
	repo.On("Add", ctx, []string{"src/a.go"}).Return(nil)
	repo.On("Commit", ctx, git.CommitOptions{Message: "chore(build): update for v2", Author: "Bot <bot@example.com>"}).Return("ccc", nil)
	repo.On("Head", ctx).Return("ccc", nil)
	repo.On("Log", ctx, "aaa", "ccc").Return([]git.Commit{{Hash: "ccc", Subject: "chore(build): update for v2"}}, nil)

	tracker, err := NewCommitTracker(ctx, repo, nil)
	require.NoError(t, err)
	res, err := tracker.Finalize(ctx, StepCommitRequest{
		StepName:   "build",
		BeforeHead: "aaa",
		AutoCommit: true,
		Config: &CommitConfig{
			MessageTemplate: "chore(${step.name}): update for ${version}",
			Author:          "Bot <bot@example.com>",
			IncludeFiles:    []string{"*.go"},
			ExcludeFiles:    []string{"*_test.go"},
		},
		Render: func(s string) string {
			return variables.Interpolate(s, variables.MapResolver{"version": "v2"})
		},
	})
	require.NoError(t, err)
	require.True(t, res.AutoCommitted)
	require.Equal(t, []string{"ccc"}, res.Hashes())
	repo.AssertExpectations(t)
}

func TestAutoCommitMessage(t *testing.T) {
	require.Equal(t, "Auto-commit: lint", AutoCommitMessage("lint", "", nil))
	require.Equal(t, "fix lint", AutoCommitMessage("lint", "fix ${step.name}", nil))
}

func TestCommitConfigValidate(t *testing.T) {
	require.NoError(t, (*CommitConfig)(nil).Validate())
	require.Error(t, (&CommitConfig{MessagePattern: "("}).Validate())
	require.Error(t, (&CommitConfig{IncludeFiles: []string{"["}}).Validate())
}

func TestStepChangesMerge(t *testing.T) {
	a := StepChanges{Added: []string{"b.go", "a.go"}, Commits: []string{"c1"}, Insertions: 3}
	a.Merge(StepChanges{Added: []string{"a.go"}, Deleted: []string{"old.go"}, Commits: []string{"c1", "c2"}, Insertions: 2, Deletions: 1})
	require.Equal(t, []string{"a.go", "b.go"}, a.Added)
	require.Equal(t, []string{"old.go"}, a.Deleted)
	require.Equal(t, []string{"c1", "c2"}, a.Commits)
	require.Equal(t, 5, a.Insertions)
	require.Equal(t, []string{"a.go", "b.go", "old.go"}, a.Changed())
}

func TestChangeTrackerAgainstRepository(t *testing.T) {
	dir := gittest.InitRepo(t)
	ctx := context.Background()
	client := git.New(dir, git.Options{})

	tracker, err := NewChangeTracker(ctx, client)
	require.NoError(t, err)

	require.NoError(t, tracker.BeginStep(ctx))
	gittest.WriteFile(t, dir, "src/main.go", "package main\n\nfunc main() {}\n")
	gittest.WriteFile(t, dir, "README.md", "hello\nworld\n")
	commit := gittest.Commit(t, dir, "feat: add main")
	gittest.WriteFile(t, dir, "scratch.txt", "todo\n")

	step, err := tracker.CompleteStep(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"scratch.txt", "src/main.go"}, step.Added)
	require.Equal(t, []string{"README.md"}, step.Modified)
	require.Empty(t, step.Deleted)
	require.Equal(t, []string{commit}, step.Commits)
	require.Equal(t, 4, step.Insertions)

	require.NoError(t, tracker.BeginStep(ctx))
	gittest.Run(t, dir, "rm", "-q", "README.md")
	second, err := tracker.CompleteStep(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"README.md"}, second.Deleted)
	require.Empty(t, second.Commits)

	workflow := tracker.Workflow()
	require.Equal(t, []string{commit}, workflow.Commits)
	require.Contains(t, workflow.Deleted, "README.md")

	store := variables.NewStore()
	Publish(store, second, workflow)
	require.Equal(t, "README.md", variables.Interpolate("${step.files_deleted}", store))
	require.Equal(t, "1", variables.Interpolate("${workflow.commit_count}", store))
	require.Equal(t, "0", variables.Interpolate("${commit_count}", store))
	require.Equal(t, "src/main.go", variables.Interpolate("${workflow.files_changed:*.go}", store))
}
