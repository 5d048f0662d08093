package session

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestTransitionTable(t *testing.T) {
	all := []Status{StatusInitializing, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled}
	allowed := map[[2]Status]bool{
		{StatusInitializing, StatusRunning}:   true,
		{StatusInitializing, StatusCancelled}: true,
		{StatusRunning, StatusPaused}:         true,
		{StatusRunning, StatusCompleted}:      true,
		{StatusRunning, StatusFailed}:         true,
		{StatusRunning, StatusCancelled}:      true,
		{StatusPaused, StatusRunning}:         true,
		{StatusPaused, StatusCancelled}:       true,
	}
	for _, from := range all {
		for _, to := range all {
			assert.Equal(t, allowed[[2]Status{from, to}], CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestApplyIsPureOnError(t *testing.T) {
	s := New("s1", "wf", t0)
	done, err := Apply(s, t0.Add(time.Second), StatusChange{To: StatusRunning}, StatusChange{To: StatusCompleted})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, StatusInitializing, s.Status)

	again, err := Apply(done, t0.Add(2*time.Second), ProgressIncrement{Steps: 1}, StatusChange{To: StatusRunning})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.True(t, errdefs.Is(err, errdefs.KindSession))
	assert.Equal(t, done, again)
	assert.Equal(t, 0, again.Progress.StepsCompleted)
}

func TestApplyUpdatedAtMonotonic(t *testing.T) {
	s := New("s1", "wf", t0)
	later, err := Apply(s, t0.Add(time.Minute), StatusChange{To: StatusRunning})
	require.NoError(t, err)
	earlier, err := Apply(later, t0, ProgressIncrement{Steps: 1})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Minute), earlier.UpdatedAt)
	assert.False(t, earlier.UpdatedAt.Before(earlier.StartedAt))
}

func TestApplyUpdates(t *testing.T) {
	s := New("s1", "wf", t0)
	s, err := Apply(s, t0,
		StatusChange{To: StatusRunning},
		StepCompleted{Index: 0},
		StepCompleted{Index: 1},
		ProgressIncrement{Steps: 2, Files: 3},
		TimingRecord{Step: "build", Duration: time.Second},
		TimingRecord{Step: "build", Duration: time.Second},
		VariableEdit{Set: map[string]string{"a": "1", "b": "2"}},
		VariableEdit{Delete: []string{"b"}},
		MetadataEdit{Set: map[string]string{"owner": "ci"}},
		CheckpointPointer{WorkflowID: "wf", Version: 2},
		WorktreeAssigned{Name: "wt-1"},
	)
	require.NoError(t, err)
	assert.Equal(t, 2, s.Workflow.CurrentStep)
	assert.Equal(t, []int{0, 1}, s.Workflow.CompletedSteps)
	assert.Equal(t, 3, s.Workflow.FilesChanged)
	assert.Equal(t, 2, s.Progress.StepsCompleted)
	assert.Equal(t, 2*time.Second, s.Timings["build"])
	assert.Equal(t, map[string]string{"a": "1"}, s.Variables)
	assert.Equal(t, "ci", s.Metadata["owner"])
	assert.Equal(t, 2, s.Checkpoint.Version)
	assert.Equal(t, "wt-1", s.Workflow.WorktreeName)

	_, err = Apply(s, t0, CheckpointPointer{WorkflowID: "wf", Version: 1})
	require.Error(t, err)
	_, err = Apply(s, t0, ProgressIncrement{Steps: -1})
	require.Error(t, err)

	s, err = Apply(s, t0, IterationCompleted{})
	require.NoError(t, err)
	assert.Equal(t, 1, s.Workflow.IterationsCompleted)
	assert.Equal(t, 0, s.Workflow.CurrentStep)
	assert.Empty(t, s.Workflow.CompletedSteps)
}

func TestCloneIsDeep(t *testing.T) {
	s := New("s1", "wf", t0)
	s, _ = Apply(s, t0, StepCompleted{Index: 0}, VariableEdit{Set: map[string]string{"a": "1"}})
	c := s.Clone()
	c.Variables["a"] = "2"
	c.Workflow.CompletedSteps[0] = 9
	assert.Equal(t, "1", s.Variables["a"])
	assert.Equal(t, 0, s.Workflow.CompletedSteps[0])
}

func TestNewID(t *testing.T) {
	id := NewID()
	assert.True(t, strings.HasPrefix(id, "session_"))
	assert.NotEqual(t, id, NewID())
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	_, err := store.Load(ctx, "missing")
	require.True(t, errors.Is(err, ErrNotFound))

	a := New("a", "wf", t0)
	b := New("b", "wf", t0.Add(time.Minute))
	require.NoError(t, store.Save(ctx, a))
	require.NoError(t, store.Save(ctx, b))
	a, err = Apply(a, t0.Add(time.Hour), StatusChange{To: StatusRunning}, TimingRecord{Step: "x", Duration: time.Second})
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, a))

	loaded, err := store.Load(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, loaded.Status)
	assert.Equal(t, time.Second, loaded.Timings["x"])
	assert.True(t, loaded.UpdatedAt.Equal(t0.Add(time.Hour)))

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)

	require.NoError(t, store.Delete(ctx, "b"))
	_, err = store.Load(ctx, "b")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestFileStore(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	exerciseStore(t, store)
}

func TestSQLiteStore(t *testing.T) {
	store, err := OpenSQLite(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	exerciseStore(t, store)

	ctx := context.Background()
	running, err := store.ListByStatus(ctx, StatusRunning)
	require.NoError(t, err)
	require.Len(t, running, 1)

	done, err := Apply(running[0], t0.Add(2*time.Hour), StatusChange{To: StatusCompleted})
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, done))
	n, err := store.Cleanup(ctx, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestManagerLifecycle(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	now := t0
	m := NewManager(store, ManagerOptions{Now: func() time.Time { now = now.Add(time.Second); return now }})
	ctx := context.Background()

	sess, err := m.Create(ctx, "wf", map[string]string{"source": "test"})
	require.NoError(t, err)
	assert.Equal(t, StatusInitializing, sess.Status)

	_, err = m.Pause(ctx, sess.ID)
	require.Error(t, err)

	_, err = m.Start(ctx, sess.ID)
	require.NoError(t, err)
	_, err = m.Pause(ctx, sess.ID)
	require.NoError(t, err)
	_, err = m.Start(ctx, sess.ID)
	require.NoError(t, err)
	failed, err := m.Fail(ctx, sess.ID, "build", errors.New("boom"))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "boom", failed.Error.Message)

	_, err = m.Start(ctx, sess.ID)
	require.Error(t, err)

	fresh := NewManager(store, ManagerOptions{})
	persisted, err := fresh.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, persisted.Status)
	assert.Equal(t, "test", persisted.Metadata["source"])
}
