package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/internal/xjson"
	"github.com/deepnoodle-ai/forge/state"
)

const metadataFile = "metadata.json"

var versionFile = regexp.MustCompile(`^checkpoint-v(\d+)\.checkpoint\.json$`)

// FileStoreOptions configures a FileStore.
type FileStoreOptions struct {
	Strategy Strategy
	// Retain is how many versions to keep; zero means DefaultRetain.
	Retain int
	// LockTimeout bounds how long Save waits for another writer's lock.
	LockTimeout time.Duration
	// StaleLockAfter treats lock files older than this as abandoned.
	StaleLockAfter time.Duration
	Logger         *slog.Logger
}

// DefaultFileStoreOptions stores checkpoints under the project directory.
func DefaultFileStoreOptions(projectDir string) FileStoreOptions {
	return FileStoreOptions{
		Strategy:       LocalStrategy(projectDir),
		Retain:         DefaultRetain,
		LockTimeout:    5 * time.Second,
		StaleLockAfter: 10 * time.Minute,
	}
}

// Metadata points at the latest version of a workflow's checkpoint.
type Metadata struct {
	WorkflowID    string    `json:"workflow_id"`
	LatestVersion int       `json:"latest_version"`
	Versions      []int     `json:"versions"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// FileStore writes each checkpoint version atomically (temp file, fsync,
// rename) and keeps a metadata.json pointer to the latest version plus a
// canonical copy at the strategy's Path.
type FileStore struct {
	strategy Strategy
	retain   int
	lockWait time.Duration
	stale    time.Duration
	logger   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewFileStore creates a file store, ensuring its base directory exists.
func NewFileStore(opts FileStoreOptions) (*FileStore, error) {
	base, err := opts.Strategy.BaseDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, errdefs.Storage("create checkpoint directory", fmt.Errorf("failed to create %s: %w", base, err))
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = 5 * time.Second
	}
	if opts.StaleLockAfter <= 0 {
		opts.StaleLockAfter = 10 * time.Minute
	}
	return &FileStore{
		strategy: opts.Strategy,
		retain:   retainOrDefault(opts.Retain),
		lockWait: opts.LockTimeout,
		stale:    opts.StaleLockAfter,
		logger:   opts.Logger,
		locks:    map[string]*sync.Mutex{},
	}, nil
}

// Strategy returns the store's path strategy.
func (s *FileStore) Strategy() Strategy {
	return s.strategy
}

func (s *FileStore) keyLock(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[id]
	if !ok {
		l = &sync.Mutex{}
		s.locks[id] = l
	}
	return l
}

// Save writes the next version of cp and prunes versions beyond the
// retention limit. cp.Version is updated to the written version.
func (s *FileStore) Save(ctx context.Context, cp *state.Checkpoint) error {
	dir, err := s.strategy.VersionDir(cp.WorkflowID)
	if err != nil {
		return err
	}
	canonical, err := s.strategy.Path(cp.WorkflowID)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errdefs.Storage("save checkpoint", fmt.Errorf("failed to create checkpoint directory: %w", err))
	}

	l := s.keyLock(cp.WorkflowID)
	l.Lock()
	defer l.Unlock()
	release, err := s.acquireFileLock(ctx, dir)
	if err != nil {
		return err
	}
	defer release()

	versions, err := listVersions(dir)
	if err != nil {
		return errdefs.Storage("save checkpoint", err)
	}
	latest := 0
	if len(versions) > 0 {
		latest = versions[0]
	}
	if meta, err := readMetadata(dir); err == nil && meta.LatestVersion > latest {
		latest = meta.LatestVersion
	}

	prev := cp.Version
	cp.Version = nextVersion(latest, cp.Version)
	if cp.FormatVersion == 0 {
		cp.FormatVersion = state.FormatVersion
	}
	data, err := state.Encode(cp)
	if err != nil {
		cp.Version = prev
		return errdefs.Storage("save checkpoint", fmt.Errorf("failed to marshal checkpoint: %w", err))
	}
	versioned := filepath.Join(dir, versionName(cp.Version))
	if err := writeAtomic(versioned, data); err != nil {
		cp.Version = prev
		return errdefs.Storage("save checkpoint", err)
	}
	if err := writeAtomic(canonical, data); err != nil {
		// Roll back so a retried Save reuses the version number.
		if rmErr := os.Remove(versioned); rmErr != nil && !errors.Is(rmErr, fs.ErrNotExist) {
			s.logger.Warn("failed to remove orphaned checkpoint version", "workflow_id", cp.WorkflowID, "version", cp.Version, "error", rmErr)
		}
		cp.Version = prev
		return errdefs.Storage("save checkpoint", err)
	}

	versions = append([]int{cp.Version}, versions...)
	kept, pruned := versions, []int(nil)
	if len(versions) > s.retain {
		kept, pruned = versions[:s.retain], versions[s.retain:]
	}
	for _, v := range pruned {
		if err := os.Remove(filepath.Join(dir, versionName(v))); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("failed to prune checkpoint version", "workflow_id", cp.WorkflowID, "version", v, "error", err)
		}
	}
	meta := Metadata{WorkflowID: cp.WorkflowID, LatestVersion: cp.Version, Versions: kept, UpdatedAt: cp.Timestamp}
	metaData, err := xjson.MarshalIndent(meta, "", "  ")
	if err != nil {
		return errdefs.Storage("save checkpoint", err)
	}
	if err := writeAtomic(filepath.Join(dir, metadataFile), metaData); err != nil {
		return errdefs.Storage("save checkpoint", err)
	}
	s.logger.Debug("checkpoint saved", "workflow_id", cp.WorkflowID, "version", cp.Version)
	return nil
}

// Load returns the newest version that parses, falling back to older
// versions and finally to the canonical copy.
func (s *FileStore) Load(ctx context.Context, workflowID string) (*state.Checkpoint, error) {
	dir, err := s.strategy.VersionDir(workflowID)
	if err != nil {
		return nil, err
	}
	canonical, err := s.strategy.Path(workflowID)
	if err != nil {
		return nil, err
	}
	versions, err := listVersions(dir)
	if err != nil {
		return nil, errdefs.Storage("load checkpoint", err)
	}
	if meta, err := readMetadata(dir); err == nil && len(versions) > 0 && meta.LatestVersion != versions[0] {
		s.logger.Warn("checkpoint metadata is stale", "workflow_id", workflowID,
			"metadata_version", meta.LatestVersion, "latest_file", versions[0])
	}

	attempted := 0
	for _, v := range versions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempted++
		cp, err := readCheckpoint(filepath.Join(dir, versionName(v)))
		if err == nil {
			return cp, nil
		}
		s.logger.Warn("skipping unreadable checkpoint version", "workflow_id", workflowID, "version", v, "error", err)
	}
	if _, err := os.Stat(canonical); err == nil {
		attempted++
		cp, err := readCheckpoint(canonical)
		if err == nil {
			return cp, nil
		}
		s.logger.Warn("skipping unreadable checkpoint", "path", canonical, "error", err)
	}
	if attempted == 0 {
		return nil, errdefs.Storage("load checkpoint", fmt.Errorf("%w: %s", ErrNotFound, workflowID))
	}
	return nil, errdefs.Storage("load checkpoint", fmt.Errorf("%w: %s", ErrNoValidCheckpoint, workflowID))
}

// LoadVersion reads one specific version.
func (s *FileStore) LoadVersion(ctx context.Context, workflowID string, version int) (*state.Checkpoint, error) {
	dir, err := s.strategy.VersionDir(workflowID)
	if err != nil {
		return nil, err
	}
	cp, err := readCheckpoint(filepath.Join(dir, versionName(version)))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, errdefs.Storage("load checkpoint", fmt.Errorf("%w: %s v%d", ErrNotFound, workflowID, version))
	}
	if err != nil {
		return nil, errdefs.Storage("load checkpoint", err)
	}
	return cp, nil
}

// Versions lists the stored versions of a workflow, newest first.
func (s *FileStore) Versions(ctx context.Context, workflowID string) ([]int, error) {
	dir, err := s.strategy.VersionDir(workflowID)
	if err != nil {
		return nil, err
	}
	versions, err := listVersions(dir)
	if err != nil {
		return nil, errdefs.Storage("list checkpoint versions", err)
	}
	return versions, nil
}

// List returns the latest checkpoint of every workflow, newest first.
// Workflows whose checkpoints cannot be read are skipped.
func (s *FileStore) List(ctx context.Context) ([]Info, error) {
	ids, err := s.workflowIDs()
	if err != nil {
		return nil, errdefs.Storage("list checkpoints", err)
	}
	infos := []Info{}
	for _, id := range ids {
		cp, err := s.Load(ctx, id)
		if err != nil {
			s.logger.Debug("skipping checkpoint in listing", "workflow_id", id, "error", err)
			continue
		}
		location, _ := s.strategy.Path(id)
		infos = append(infos, Summarize(cp, location))
	}
	sortInfos(infos)
	return infos, nil
}

func (s *FileStore) workflowIDs() ([]string, error) {
	if s.strategy.Kind == StrategyUnifiedSession {
		return []string{s.strategy.SessionID}, nil
	}
	base, err := s.strategy.BaseDir()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(base)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// Delete removes every version, the metadata and the canonical copy.
func (s *FileStore) Delete(ctx context.Context, workflowID string) error {
	dir, err := s.strategy.VersionDir(workflowID)
	if err != nil {
		return err
	}
	canonical, err := s.strategy.Path(workflowID)
	if err != nil {
		return err
	}
	l := s.keyLock(workflowID)
	l.Lock()
	defer l.Unlock()
	if err := os.RemoveAll(dir); err != nil {
		return errdefs.Storage("delete checkpoint", fmt.Errorf("failed to delete checkpoint directory: %w", err))
	}
	if err := os.Remove(canonical); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errdefs.Storage("delete checkpoint", err)
	}
	return nil
}

// acquireFileLock creates an exclusive lock file in dir, waiting up to the
// lock timeout for another process to release it.
func (s *FileStore) acquireFileLock(ctx context.Context, dir string) (func(), error) {
	path := filepath.Join(dir, ".lock")
	deadline := time.Now().Add(s.lockWait)
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			f.Close()
			return func() { os.Remove(path) }, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, errdefs.Storage("lock checkpoint", err)
		}
		if info, statErr := os.Stat(path); statErr == nil && time.Since(info.ModTime()) > s.stale {
			s.logger.Warn("removing stale checkpoint lock", "path", path, "age", time.Since(info.ModTime()))
			os.Remove(path)
			continue
		}
		if time.Now().After(deadline) {
			return nil, errdefs.Storage("lock checkpoint", fmt.Errorf("%w: %s", ErrLocked, dir))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

func versionName(v int) string {
	return fmt.Sprintf("checkpoint-v%d.checkpoint.json", v)
}

// listVersions returns the version numbers present in dir, newest first.
func listVersions(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint versions: %w", err)
	}
	var versions []int
	for _, e := range entries {
		m := versionFile.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		v, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))
	return versions, nil
}

func readMetadata(dir string) (Metadata, error) {
	var meta Metadata
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return meta, err
	}
	err = xjson.Unmarshal(data, &meta)
	return meta, err
}

func readCheckpoint(path string) (*state.Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return state.Decode(data)
}

// writeAtomic writes data to path through a synced temp file and a rename,
// so readers see either the old or the new content.
func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	if d, err := os.Open(filepath.Dir(path)); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// WriteAtomic exposes the temp-file-and-rename protocol to other stores.
func WriteAtomic(path string, data []byte) error {
	return writeAtomic(path, data)
}
