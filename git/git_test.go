package git

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/git/gittest"
	"github.com/stretchr/testify/require"
)

func TestParseStatus(t *testing.T) {
	out := " M main.go\nA  new.go\n D gone.go\n?? scratch.txt\nR  old.go -> renamed.go\n\"\"\n"
	status := ParseStatus(out)

	require.False(t, status.IsClean())
	require.Equal(t, []string{"main.go"}, status.Paths(Modified))
	require.Equal(t, []string{"new.go"}, status.Paths(Added))
	require.Equal(t, []string{"gone.go"}, status.Paths(Deleted))
	require.Equal(t, []string{"scratch.txt"}, status.Paths(Untracked))
	require.Equal(t, []string{"renamed.go"}, status.Paths(Renamed))
	require.Equal(t, "old.go", status.Changes[4].OrigPath)
	require.True(t, ParseStatus("").IsClean())
}

func TestParseLog(t *testing.T) {
	out := "\x1ebbb\x1fsecond commit\x1fAda <ada@example.com>\x1f2024-05-02T10:00:00Z\n\n3\t1\tsrc/a.go\n-\t-\tlogo.png\n" +
		"\x1eaaa\x1ffirst commit\x1fAda <ada@example.com>\x1f2024-05-01T10:00:00Z\n\n10\t0\tREADME.md\n"
	commits := ParseLog(out)

	require.Len(t, commits, 2)
	require.Equal(t, "aaa", commits[0].Hash)
	require.Equal(t, "first commit", commits[0].Subject)
	require.Equal(t, 10, commits[0].Insertions)
	require.Equal(t, "bbb", commits[1].Hash)
	require.Equal(t, []string{"src/a.go", "logo.png"}, commits[1].Files)
	require.Equal(t, 3, commits[1].Insertions)
	require.Equal(t, 1, commits[1].Deletions)
	require.Equal(t, 2024, commits[1].Timestamp.Year())
}

func TestNumstatPath(t *testing.T) {
	require.Equal(t, "dir/b.go", numstatPath("dir/{a.go => b.go}"))
	require.Equal(t, "new.go", numstatPath("old.go => new.go"))
	require.Equal(t, "plain.go", numstatPath("plain.go"))
}

func TestParseNameStatus(t *testing.T) {
	changes := ParseNameStatus("A\tx.go\nM\ty.go\nD\tz.go\nR100\told.go\tnew.go\n")
	require.Len(t, changes, 4)
	require.Equal(t, Added, changes[0].Kind)
	require.Equal(t, Renamed, changes[3].Kind)
	require.Equal(t, "new.go", changes[3].Path)
	require.Equal(t, "old.go", changes[3].OrigPath)
}

func TestParseWorktreeList(t *testing.T) {
	out := "worktree /repo\nHEAD abc\nbranch refs/heads/main\n\nworktree /wt/agent-1\nHEAD def\nbranch refs/heads/forge-job-1\n\nworktree /wt/detached\nHEAD 123\ndetached\n"
	list := ParseWorktreeList(out)
	require.Len(t, list, 3)
	require.Equal(t, "main", list[0].Branch)
	require.Equal(t, "/wt/agent-1", list[1].Path)
	require.True(t, list[2].Detached)
}

func TestCleanupPolicy(t *testing.T) {
	require.True(t, CleanupAlways.ShouldRemove(false))
	require.True(t, CleanupOnSuccess.ShouldRemove(true))
	require.False(t, CleanupOnSuccess.ShouldRemove(false))
	require.True(t, CleanupOnFailure.ShouldRemove(false))
	require.False(t, CleanupNever.ShouldRemove(true))
}

func TestSanitizeRef(t *testing.T) {
	require.Equal(t, "item-42-fix-bug", SanitizeRef("item 42/fix bug"))
	require.Equal(t, "item", SanitizeRef("///"))
}

func TestGitErrorsAreTagged(t *testing.T) {
	client := New(t.TempDir(), Options{Executor: ExecutorFunc(func(ctx context.Context, dir string, args ...string) (string, error) {
		return "", os.ErrPermission
	})})
	_, err := client.Head(context.Background())
	require.Error(t, err)
	require.True(t, errdefs.Is(err, errdefs.KindGit))
	require.ErrorIs(t, err, os.ErrPermission)
}

func TestClientAgainstRepository(t *testing.T) {
	dir := gittest.InitRepo(t)
	ctx := context.Background()
	client := New(dir, Options{})

	require.True(t, client.IsRepo(ctx))
	start, err := client.Head(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "feature.go"), []byte("package main\n"), 0o644))
	dirty, err := client.HasChanges(ctx)
	require.NoError(t, err)
	require.True(t, dirty)

	require.NoError(t, client.Add(ctx))
	head, err := client.Commit(ctx, CommitOptions{Message: "feat: add feature"})
	require.NoError(t, err)
	require.NotEqual(t, start, head)

	commits, err := client.Log(ctx, start, head)
	require.NoError(t, err)
	require.Len(t, commits, 1)
	require.Equal(t, "feat: add feature", commits[0].Subject)
	require.Equal(t, []string{"feature.go"}, commits[0].Files)
	require.Equal(t, 1, commits[0].Insertions)

	none, err := client.Log(ctx, head, head)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestWorktreeManager(t *testing.T) {
	dir := gittest.InitRepo(t)
	ctx := context.Background()
	repo := New(dir, Options{})
	manager := NewWorktreeManager(repo, filepath.Join(t.TempDir(), "worktrees"))

	wt, err := manager.Create(ctx, "agent-1", "forge-agent-1", "HEAD")
	require.NoError(t, err)
	require.DirExists(t, wt.Path)

	list, err := repo.ListWorktrees(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)

	branch, err := manager.Client(wt).CurrentBranch(ctx)
	require.NoError(t, err)
	require.Equal(t, "forge-agent-1", branch)

	require.NoError(t, manager.Remove(ctx, wt, true))
	require.NoDirExists(t, wt.Path)
}
