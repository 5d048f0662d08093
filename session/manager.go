package session

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// Manager owns session state and persists every applied update. Updates
// to one session are serialized.
type Manager struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu       sync.Mutex
	sessions map[string]Session
}

func NewManager(store Store, opts ManagerOptions) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{store: store, logger: opts.Logger, now: opts.Now, sessions: map[string]Session{}}
}

// Create starts a new session in the Initializing state.
func (m *Manager) Create(ctx context.Context, workflowID string, metadata map[string]string) (Session, error) {
	sess := New(NewID(), workflowID, m.now())
	for k, v := range metadata {
		sess.Metadata[k] = v
	}
	sess.JobID = metadata["job_id"]
	if err := m.store.Save(ctx, sess); err != nil {
		return Session{}, err
	}
	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()
	m.logger.Debug("session created", "session_id", sess.ID, "workflow_id", workflowID)
	return sess.Clone(), nil
}

// Get returns a session from memory or the store.
func (m *Manager) Get(ctx context.Context, id string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, err := m.lookup(ctx, id)
	if err != nil {
		return Session{}, err
	}
	return sess.Clone(), nil
}

func (m *Manager) lookup(ctx context.Context, id string) (Session, error) {
	if sess, ok := m.sessions[id]; ok {
		return sess, nil
	}
	sess, err := m.store.Load(ctx, id)
	if err != nil {
		return Session{}, err
	}
	m.sessions[id] = sess
	return sess, nil
}

// Update applies updates atomically and persists the result. When any
// update is invalid nothing is applied or written.
func (m *Manager) Update(ctx context.Context, id string, updates ...Update) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, err := m.lookup(ctx, id)
	if err != nil {
		return Session{}, err
	}
	next, err := Apply(current, m.now(), updates...)
	if err != nil {
		return current.Clone(), err
	}
	if err := m.store.Save(ctx, next); err != nil {
		return current.Clone(), err
	}
	m.sessions[id] = next
	if next.Status != current.Status {
		m.logger.Info("session status changed", "session_id", id, "from", current.Status, "to", next.Status)
	}
	return next.Clone(), nil
}

func (m *Manager) Start(ctx context.Context, id string) (Session, error) {
	return m.Update(ctx, id, StatusChange{To: StatusRunning})
}

func (m *Manager) Pause(ctx context.Context, id string) (Session, error) {
	return m.Update(ctx, id, StatusChange{To: StatusPaused})
}

func (m *Manager) Complete(ctx context.Context, id string) (Session, error) {
	return m.Update(ctx, id, StatusChange{To: StatusCompleted})
}

func (m *Manager) Cancel(ctx context.Context, id string) (Session, error) {
	return m.Update(ctx, id, StatusChange{To: StatusCancelled})
}

// Fail records cause and moves the session to Failed.
func (m *Manager) Fail(ctx context.Context, id string, step string, cause error) (Session, error) {
	rec := ErrorRecord{Step: step}
	if cause != nil {
		rec.Message = cause.Error()
	}
	return m.Update(ctx, id, rec, StatusChange{To: StatusFailed})
}

// List returns every stored session, newest first.
func (m *Manager) List(ctx context.Context) ([]Session, error) {
	return m.store.List(ctx)
}

// Delete forgets a session.
func (m *Manager) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	return m.store.Delete(ctx, id)
}
