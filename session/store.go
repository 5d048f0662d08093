package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/deepnoodle-ai/forge/checkpoint"
	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/internal/xjson"
	_ "github.com/mattn/go-sqlite3"
)

// Store persists sessions.
type Store interface {
	Save(ctx context.Context, s Session) error
	Load(ctx context.Context, id string) (Session, error)
	List(ctx context.Context) ([]Session, error)
	Delete(ctx context.Context, id string) error
}

func notFound(id string) error {
	return errdefs.Storage("load session", fmt.Errorf("%w: %s", ErrNotFound, id))
}

// sortSessions orders newest first.
func sortSessions(list []Session) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].StartedAt.Equal(list[j].StartedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].StartedAt.After(list[j].StartedAt)
	})
}

// FileStore writes <dir>/<id>/session.json atomically.
type FileStore struct {
	dir string
}

// DefaultSessionDir is ~/.forge/sessions.
func DefaultSessionDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, checkpoint.ToolDir, "sessions"), nil
}

func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		var err error
		if dir, err = DefaultSessionDir(); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errdefs.Storage("create session directory", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id, "session.json")
}

func (s *FileStore) Save(ctx context.Context, sess Session) error {
	data, err := xjson.MarshalIndent(sess, "", "  ")
	if err != nil {
		return errdefs.Storage("save session", err)
	}
	if err := checkpoint.WriteAtomic(s.path(sess.ID), data); err != nil {
		return errdefs.Storage("save session", err)
	}
	return nil
}

func (s *FileStore) Load(ctx context.Context, id string) (Session, error) {
	data, err := os.ReadFile(s.path(id))
	if errors.Is(err, fs.ErrNotExist) {
		return Session{}, notFound(id)
	}
	if err != nil {
		return Session{}, errdefs.Storage("load session", err)
	}
	var sess Session
	if err := xjson.Unmarshal(data, &sess); err != nil {
		return Session{}, errdefs.Storage("load session", fmt.Errorf("failed to parse session %s: %w", id, err))
	}
	return sess, nil
}

func (s *FileStore) List(ctx context.Context) ([]Session, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, errdefs.Storage("list sessions", err)
	}
	out := []Session{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		sess, err := s.Load(ctx, e.Name())
		if err != nil {
			continue
		}
		out = append(out, sess)
	}
	sortSessions(out)
	return out, nil
}

func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := os.RemoveAll(filepath.Join(s.dir, id)); err != nil {
		return errdefs.Storage("delete session", err)
	}
	return nil
}

// SQLiteStore keeps sessions in a sessions table. The full session is
// stored as JSON next to the indexed columns.
type SQLiteStore struct {
	db *sql.DB
}

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL,
	data TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_status ON sessions(status);
`

// OpenSQLite opens or creates a database at path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errdefs.Storage("open session database", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errdefs.Storage("open session database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errdefs.Storage("open session database", fmt.Errorf("failed to execute %q: %w", pragma, err))
		}
	}
	if _, err := db.Exec(sessionSchema); err != nil {
		db.Close()
		return nil, errdefs.Storage("open session database", fmt.Errorf("failed to apply schema: %w", err))
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Save(ctx context.Context, sess Session) error {
	data, err := xjson.Marshal(sess)
	if err != nil {
		return errdefs.Storage("save session", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, workflow_id, status, started_at, updated_at, data)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			workflow_id = excluded.workflow_id,
			status = excluded.status,
			updated_at = excluded.updated_at,
			data = excluded.data`,
		sess.ID, sess.WorkflowID, string(sess.Status), sess.StartedAt.UnixNano(), sess.UpdatedAt.UnixNano(), string(data))
	if err != nil {
		return errdefs.Storage("save session", err)
	}
	return nil
}

func (s *SQLiteStore) Load(ctx context.Context, id string) (Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sessions WHERE id = ?`, id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, notFound(id)
	}
	if err != nil {
		return Session{}, errdefs.Storage("load session", err)
	}
	var sess Session
	if err := xjson.Unmarshal([]byte(data), &sess); err != nil {
		return Session{}, errdefs.Storage("load session", err)
	}
	return sess, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM sessions ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, errdefs.Storage("list sessions", err)
	}
	defer rows.Close()
	out := []Session{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errdefs.Storage("list sessions", err)
		}
		var sess Session
		if err := xjson.Unmarshal([]byte(data), &sess); err != nil {
			continue
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.Storage("list sessions", err)
	}
	return out, nil
}

// ListByStatus returns sessions in the given status, newest first.
func (s *SQLiteStore) ListByStatus(ctx context.Context, status Status) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM sessions WHERE status = ? ORDER BY started_at DESC, id`, string(status))
	if err != nil {
		return nil, errdefs.Storage("list sessions", err)
	}
	defer rows.Close()
	out := []Session{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, errdefs.Storage("list sessions", err)
		}
		var sess Session
		if err := xjson.Unmarshal([]byte(data), &sess); err == nil {
			out = append(out, sess)
		}
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return errdefs.Storage("delete session", err)
	}
	return nil
}

// Cleanup deletes terminal sessions last updated before cutoff.
func (s *SQLiteStore) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM sessions WHERE status IN (?, ?, ?) AND updated_at < ?`,
		string(StatusCompleted), string(StatusFailed), string(StatusCancelled), cutoff.UnixNano())
	if err != nil {
		return 0, errdefs.Storage("cleanup sessions", err)
	}
	return res.RowsAffected()
}
