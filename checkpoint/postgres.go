package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"time"

	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/state"
	_ "github.com/lib/pq"
)

// PostgresOptions configures a PostgresStore.
type PostgresOptions struct {
	// Table defaults to "checkpoints".
	Table  string
	Retain int
	Logger *slog.Logger
}

// PostgresStore keeps checkpoint versions as JSONB rows keyed by
// (workflow_id, version).
type PostgresStore struct {
	db     *sql.DB
	table  string
	retain int
	logger *slog.Logger
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// OpenPostgres connects with the lib/pq driver and creates the table.
func OpenPostgres(ctx context.Context, dsn string, opts PostgresOptions) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errdefs.Storage("open postgres", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, errdefs.Storage("open postgres", err)
	}
	store, err := NewPostgresStore(db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB, opts PostgresOptions) (*PostgresStore, error) {
	if opts.Table == "" {
		opts.Table = "checkpoints"
	}
	if !tableName.MatchString(opts.Table) {
		return nil, errdefs.Config("invalid checkpoint table name %q", opts.Table)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &PostgresStore{db: db, table: opts.Table, retain: retainOrDefault(opts.Retain), logger: opts.Logger}, nil
}

// Migrate creates the checkpoint table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			workflow_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			data JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (workflow_id, version)
		)`, s.table))
	if err != nil {
		return errdefs.Storage("migrate checkpoints", err)
	}
	return nil
}

// Save inserts the next version under a transaction-scoped advisory lock
// and deletes versions beyond the retention limit.
func (s *PostgresStore) Save(ctx context.Context, cp *state.Checkpoint) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.Storage("save checkpoint", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, cp.WorkflowID); err != nil {
		return errdefs.Storage("lock checkpoint", err)
	}
	var latest int
	row := tx.QueryRowContext(ctx, fmt.Sprintf(`SELECT COALESCE(MAX(version), 0) FROM %s WHERE workflow_id = $1`, s.table), cp.WorkflowID)
	if err := row.Scan(&latest); err != nil {
		return errdefs.Storage("save checkpoint", err)
	}

	prev := cp.Version
	cp.Version = nextVersion(latest, cp.Version)
	if cp.FormatVersion == 0 {
		cp.FormatVersion = state.FormatVersion
	}
	data, err := state.Encode(cp)
	if err != nil {
		cp.Version = prev
		return errdefs.Storage("save checkpoint", err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (workflow_id, version, data, created_at) VALUES ($1, $2, $3, $4)`, s.table),
		cp.WorkflowID, cp.Version, string(data), time.Now().UTC()); err != nil {
		cp.Version = prev
		return errdefs.Storage("save checkpoint", err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE workflow_id = $1 AND version <= $2`, s.table),
		cp.WorkflowID, cp.Version-s.retain); err != nil {
		cp.Version = prev
		return errdefs.Storage("prune checkpoints", err)
	}
	if err := tx.Commit(); err != nil {
		cp.Version = prev
		return errdefs.Storage("save checkpoint", err)
	}
	return nil
}

// Load returns the newest row that parses.
func (s *PostgresStore) Load(ctx context.Context, workflowID string) (*state.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT version, data FROM %s WHERE workflow_id = $1 ORDER BY version DESC`, s.table), workflowID)
	if err != nil {
		return nil, errdefs.Storage("load checkpoint", err)
	}
	defer rows.Close()
	attempted := 0
	for rows.Next() {
		var version int
		var data []byte
		if err := rows.Scan(&version, &data); err != nil {
			return nil, errdefs.Storage("load checkpoint", err)
		}
		attempted++
		cp, err := state.Decode(data)
		if err == nil {
			return cp, nil
		}
		s.logger.Warn("skipping unreadable checkpoint version", "workflow_id", workflowID, "version", version, "error", err)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.Storage("load checkpoint", err)
	}
	if attempted == 0 {
		return nil, errdefs.Storage("load checkpoint", fmt.Errorf("%w: %s", ErrNotFound, workflowID))
	}
	return nil, errdefs.Storage("load checkpoint", fmt.Errorf("%w: %s", ErrNoValidCheckpoint, workflowID))
}

// List summarizes the latest row of every workflow.
func (s *PostgresStore) List(ctx context.Context) ([]Info, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(
		`SELECT DISTINCT ON (workflow_id) workflow_id, data FROM %s ORDER BY workflow_id, version DESC`, s.table))
	if err != nil {
		return nil, errdefs.Storage("list checkpoints", err)
	}
	defer rows.Close()
	infos := []Info{}
	for rows.Next() {
		var id string
		var data []byte
		if err := rows.Scan(&id, &data); err != nil {
			return nil, errdefs.Storage("list checkpoints", err)
		}
		cp, err := state.Decode(data)
		if err != nil {
			s.logger.Debug("skipping checkpoint in listing", "workflow_id", id, "error", err)
			continue
		}
		infos = append(infos, Summarize(cp, s.table))
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.Storage("list checkpoints", err)
	}
	sortInfos(infos)
	return infos, nil
}

func (s *PostgresStore) Delete(ctx context.Context, workflowID string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE workflow_id = $1`, s.table), workflowID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return errdefs.Storage("delete checkpoint", err)
	}
	return nil
}

// Close closes the database handle.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
