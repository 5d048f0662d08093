package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/state"
	"github.com/dgraph-io/badger/v3"
)

// BadgerStore keeps checkpoints in an embedded badger database under
// checkpoints/<id>/v<N> keys. Versions are zero-padded so key order is
// version order.
type BadgerStore struct {
	db     *badger.DB
	retain int
	logger *slog.Logger
	owned  bool
}

// OpenBadger opens (or creates) a database directory. An empty dir opens
// an in-memory database.
func OpenBadger(dir string, retain int, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errdefs.Storage("open badger", err)
	}
	s := NewBadgerStore(db, retain, logger)
	s.owned = true
	return s, nil
}

func NewBadgerStore(db *badger.DB, retain int, logger *slog.Logger) *BadgerStore {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BadgerStore{db: db, retain: retainOrDefault(retain), logger: logger}
}

func badgerPrefix(id string) []byte {
	return []byte("checkpoints/" + id + "/")
}

func badgerKey(id string, v int) []byte {
	return []byte(fmt.Sprintf("checkpoints/%s/v%010d", id, v))
}

// versionsTxn lists stored versions, newest first.
func versionsTxn(txn *badger.Txn, id string) []int {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: badgerPrefix(id)})
	defer it.Close()
	var versions []int
	prefix := badgerPrefix(id)
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		suffix := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
		v, err := strconv.Atoi(strings.TrimPrefix(suffix, "v"))
		if err != nil {
			continue
		}
		versions = append([]int{v}, versions...)
	}
	return versions
}

func (s *BadgerStore) Save(ctx context.Context, cp *state.Checkpoint) error {
	prev := cp.Version
	err := s.db.Update(func(txn *badger.Txn) error {
		versions := versionsTxn(txn, cp.WorkflowID)
		latest := 0
		if len(versions) > 0 {
			latest = versions[0]
		}
		cp.Version = nextVersion(latest, cp.Version)
		if cp.FormatVersion == 0 {
			cp.FormatVersion = state.FormatVersion
		}
		data, err := state.Encode(cp)
		if err != nil {
			return err
		}
		if err := txn.Set(badgerKey(cp.WorkflowID, cp.Version), data); err != nil {
			return err
		}
		all := append([]int{cp.Version}, versions...)
		if len(all) > s.retain {
			for _, v := range all[s.retain:] {
				if err := txn.Delete(badgerKey(cp.WorkflowID, v)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		cp.Version = prev
		return errdefs.Storage("save checkpoint", err)
	}
	return nil
}

func (s *BadgerStore) Load(ctx context.Context, workflowID string) (*state.Checkpoint, error) {
	var found *state.Checkpoint
	attempted := 0
	err := s.db.View(func(txn *badger.Txn) error {
		for _, v := range versionsTxn(txn, workflowID) {
			item, err := txn.Get(badgerKey(workflowID, v))
			if errors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			attempted++
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			cp, err := state.Decode(data)
			if err != nil {
				s.logger.Warn("skipping unreadable checkpoint version", "workflow_id", workflowID, "version", v, "error", err)
				continue
			}
			found = cp
			return nil
		}
		return nil
	})
	if err != nil {
		return nil, errdefs.Storage("load checkpoint", err)
	}
	if found != nil {
		return found, nil
	}
	if attempted == 0 {
		return nil, errdefs.Storage("load checkpoint", fmt.Errorf("%w: %s", ErrNotFound, workflowID))
	}
	return nil, errdefs.Storage("load checkpoint", fmt.Errorf("%w: %s", ErrNoValidCheckpoint, workflowID))
}

func (s *BadgerStore) List(ctx context.Context) ([]Info, error) {
	ids := map[string]bool{}
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("checkpoints/")
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			if i := strings.LastIndex(rest, "/"); i > 0 {
				ids[rest[:i]] = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, errdefs.Storage("list checkpoints", err)
	}
	infos := []Info{}
	for id := range ids {
		cp, err := s.Load(ctx, id)
		if err != nil {
			continue
		}
		infos = append(infos, Summarize(cp, "badger"))
	}
	sortInfos(infos)
	return infos, nil
}

func (s *BadgerStore) Delete(ctx context.Context, workflowID string) error {
	err := s.db.DropPrefix(badgerPrefix(workflowID))
	if err != nil {
		return errdefs.Storage("delete checkpoint", err)
	}
	return nil
}

// Close closes the database when the store opened it.
func (s *BadgerStore) Close() error {
	if !s.owned {
		return nil
	}
	return s.db.Close()
}
