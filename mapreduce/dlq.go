package mapreduce

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/deepnoodle-ai/forge/checkpoint"
	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/internal/xjson"
	"github.com/deepnoodle-ai/forge/state"
)

// ErrNotInQueue is returned when a dead-lettered item does not exist.
var ErrNotInQueue = errors.New("item not in dead letter queue")

// FailureKind classifies why an agent failed.
type FailureKind string

const (
	FailureTimeout          FailureKind = "timeout"
	FailureCommand          FailureKind = "command_failed"
	FailureCommitValidation FailureKind = "commit_validation_failed"
	FailureWorktree         FailureKind = "worktree_error"
	FailureValidation       FailureKind = "validation_failed"
	FailureCancelled        FailureKind = "cancelled"
	FailureUnknown          FailureKind = "unknown"
)

// FailureDetail is one failed attempt of a dead-lettered item.
type FailureDetail struct {
	Attempt      int           `json:"attempt_number"`
	Timestamp    time.Time     `json:"timestamp"`
	Kind         FailureKind   `json:"error_type"`
	ExitCode     *int          `json:"exit_code,omitempty"`
	Message      string        `json:"error_message"`
	AgentID      string        `json:"agent_id"`
	StepFailed   string        `json:"step_failed,omitempty"`
	Duration     time.Duration `json:"duration"`
	LogLocation  string        `json:"json_log_location,omitempty"`
	WorktreePath string        `json:"worktree_path,omitempty"`
	Branch       string        `json:"branch_name,omitempty"`
}

// DeadLetteredItem is a work item whose retries ran out.
type DeadLetteredItem struct {
	ItemID               string          `json:"item_id"`
	ItemData             any             `json:"item_data"`
	FirstAttempt         time.Time       `json:"first_attempt"`
	LastAttempt          time.Time       `json:"last_attempt"`
	FailureCount         int             `json:"failure_count"`
	FailureHistory       []FailureDetail `json:"failure_history"`
	ErrorSignature       string          `json:"error_signature"`
	ReprocessEligible    bool            `json:"reprocess_eligible"`
	ManualReviewRequired bool            `json:"manual_review_required"`
}

// Filter selects dead-lettered items. Zero fields match everything.
type Filter struct {
	Kind              FailureKind
	ReprocessEligible *bool
	After             time.Time
	Before            time.Time
	Signature         string
}

func (f Filter) matches(it DeadLetteredItem) bool {
	if f.Kind != "" {
		if len(it.FailureHistory) == 0 || it.FailureHistory[len(it.FailureHistory)-1].Kind != f.Kind {
			return false
		}
	}
	if f.ReprocessEligible != nil && it.ReprocessEligible != *f.ReprocessEligible {
		return false
	}
	if !f.After.IsZero() && !it.LastAttempt.After(f.After) {
		return false
	}
	if !f.Before.IsZero() && !it.LastAttempt.Before(f.Before) {
		return false
	}
	if f.Signature != "" && it.ErrorSignature != f.Signature {
		return false
	}
	return true
}

// Stats summarizes a job's dead letter queue.
type Stats struct {
	TotalItems        int            `json:"total_items"`
	ReprocessEligible int            `json:"eligible_for_reprocess"`
	ManualReview      int            `json:"requiring_manual_review"`
	Oldest            time.Time      `json:"oldest_item,omitzero"`
	Newest            time.Time      `json:"newest_item,omitzero"`
	Signatures        map[string]int `json:"error_categories"`
}

type dlqIndex struct {
	JobID     string    `json:"job_id"`
	ItemIDs   []string  `json:"item_ids"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DLQ is the file-backed dead letter queue of one job, stored under
// <base>/dlq/<job_id>/items/<item_id>.json with an index.json listing the
// item IDs.
type DLQ struct {
	jobID  string
	dir    string
	now    func() time.Time
	logger *slog.Logger

	mu sync.Mutex
}

// DLQOptions configures a DLQ.
type DLQOptions struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// OpenDLQ opens, creating if needed, the dead letter queue of jobID under
// baseDir.
func OpenDLQ(baseDir, jobID string, opts DLQOptions) (*DLQ, error) {
	if jobID == "" {
		return nil, errdefs.Config("dead letter queue requires a job id")
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	dir := filepath.Join(baseDir, "dlq", jobID)
	if err := os.MkdirAll(filepath.Join(dir, "items"), 0755); err != nil {
		return nil, errdefs.Storage("open dead letter queue", err)
	}
	return &DLQ{jobID: jobID, dir: dir, now: opts.Now, logger: opts.Logger.With("job_id", jobID)}, nil
}

// JobID returns the job the queue belongs to.
func (q *DLQ) JobID() string {
	return q.jobID
}

func (q *DLQ) itemPath(id string) string {
	return filepath.Join(q.dir, "items", url.PathEscape(id)+".json")
}

// Enqueue adds an item, merging its failure history with an existing entry
// for the same ID.
func (q *DLQ) Enqueue(ctx context.Context, item DeadLetteredItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if existing, err := q.read(item.ItemID); err == nil {
		item.FirstAttempt = existing.FirstAttempt
		item.FailureHistory = append(existing.FailureHistory, item.FailureHistory...)
	}
	if item.FirstAttempt.IsZero() {
		item.FirstAttempt = q.now().UTC()
	}
	if item.LastAttempt.IsZero() {
		item.LastAttempt = q.now().UTC()
	}
	item.FailureCount = len(item.FailureHistory)
	if item.ErrorSignature == "" && len(item.FailureHistory) > 0 {
		last := item.FailureHistory[len(item.FailureHistory)-1]
		item.ErrorSignature = ErrorSignature(last.Kind, last.Message)
	}
	if err := q.write(item); err != nil {
		return err
	}
	q.logger.Info("item moved to dead letter queue", "item_id", item.ItemID, "failures", item.FailureCount)
	return q.updateIndex()
}

// List returns the items matching filter ordered by last attempt.
func (q *DLQ) List(ctx context.Context, filter Filter) ([]DeadLetteredItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	all, err := q.loadAll()
	if err != nil {
		return nil, err
	}
	out := make([]DeadLetteredItem, 0, len(all))
	for _, it := range all {
		if filter.matches(it) {
			out = append(out, it)
		}
	}
	return out, nil
}

// Get returns one item.
func (q *DLQ) Get(ctx context.Context, id string) (DeadLetteredItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.read(id)
}

// Remove deletes one item.
func (q *DLQ) Remove(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remove(id)
}

func (q *DLQ) remove(id string) error {
	if err := os.Remove(q.itemPath(id)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotInQueue, id)
		}
		return errdefs.Storage("remove dead letter item", err)
	}
	return q.updateIndex()
}

// Stats summarizes the queue.
func (q *DLQ) Stats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	all, err := q.loadAll()
	if err != nil {
		return Stats{}, err
	}
	st := Stats{TotalItems: len(all), Signatures: map[string]int{}}
	for _, it := range all {
		if it.ReprocessEligible {
			st.ReprocessEligible++
		}
		if it.ManualReviewRequired {
			st.ManualReview++
		}
		if st.Oldest.IsZero() || it.FirstAttempt.Before(st.Oldest) {
			st.Oldest = it.FirstAttempt
		}
		if it.LastAttempt.After(st.Newest) {
			st.Newest = it.LastAttempt
		}
		st.Signatures[it.ErrorSignature]++
	}
	return st, nil
}

// Reprocess removes the named items, or every eligible item when ids is
// empty, and returns them as work items for a new run. Items not eligible
// for reprocessing are skipped unless force is set.
func (q *DLQ) Reprocess(ctx context.Context, ids []string, force bool) ([]state.WorkItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	all, err := q.loadAll()
	if err != nil {
		return nil, err
	}
	var out []state.WorkItem
	for _, it := range all {
		if len(ids) > 0 && !slices.Contains(ids, it.ItemID) {
			continue
		}
		if !it.ReprocessEligible && !force {
			q.logger.Warn("skipping item not eligible for reprocessing", "item_id", it.ItemID)
			continue
		}
		out = append(out, state.WorkItem{ID: it.ItemID, Data: it.ItemData})
	}
	for _, it := range out {
		if err := q.remove(it.ID); err != nil {
			return nil, err
		}
	}
	q.logger.Info("items reprocessed from dead letter queue", "count", len(out))
	return out, nil
}

// Purge removes items whose last attempt is older than cutoff and returns
// how many were removed.
func (q *DLQ) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	all, err := q.loadAll()
	if err != nil {
		return 0, err
	}
	n := 0
	for _, it := range all {
		if it.LastAttempt.Before(cutoff) {
			if err := q.remove(it.ItemID); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, nil
}

// ErrorSignature groups similar failures by dropping paths and numbers from
// the message.
func ErrorSignature(kind FailureKind, message string) string {
	var words []string
	for _, w := range strings.Fields(message) {
		if strings.Contains(w, "/") || strings.Trim(w, "0123456789") == "" {
			continue
		}
		words = append(words, w)
		if len(words) == 10 {
			break
		}
	}
	return string(kind) + "::" + strings.Join(words, " ")
}

func (q *DLQ) read(id string) (DeadLetteredItem, error) {
	data, err := os.ReadFile(q.itemPath(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return DeadLetteredItem{}, fmt.Errorf("%w: %s", ErrNotInQueue, id)
		}
		return DeadLetteredItem{}, errdefs.Storage("read dead letter item", err)
	}
	var it DeadLetteredItem
	if err := xjson.Unmarshal(data, &it); err != nil {
		return DeadLetteredItem{}, errdefs.Storage("parse dead letter item", err)
	}
	return it, nil
}

func (q *DLQ) write(it DeadLetteredItem) error {
	data, err := xjson.MarshalIndent(it, "", "  ")
	if err != nil {
		return errdefs.Storage("encode dead letter item", err)
	}
	return wrapWrite(checkpoint.WriteAtomic(q.itemPath(it.ItemID), data))
}

func (q *DLQ) loadAll() ([]DeadLetteredItem, error) {
	entries, err := os.ReadDir(filepath.Join(q.dir, "items"))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, errdefs.Storage("list dead letter items", err)
	}
	var out []DeadLetteredItem
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			continue
		}
		it, err := q.read(id)
		if err != nil {
			q.logger.Warn("skipping unreadable dead letter item", "file", name, "error", err)
			continue
		}
		out = append(out, it)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].LastAttempt.Equal(out[j].LastAttempt) {
			return out[i].LastAttempt.Before(out[j].LastAttempt)
		}
		return out[i].ItemID < out[j].ItemID
	})
	return out, nil
}

func (q *DLQ) updateIndex() error {
	all, err := q.loadAll()
	if err != nil {
		return err
	}
	idx := dlqIndex{JobID: q.jobID, ItemIDs: make([]string, len(all)), UpdatedAt: q.now().UTC()}
	for i, it := range all {
		idx.ItemIDs[i] = it.ItemID
	}
	sort.Strings(idx.ItemIDs)
	data, err := xjson.MarshalIndent(idx, "", "  ")
	if err != nil {
		return errdefs.Storage("encode dead letter index", err)
	}
	return wrapWrite(checkpoint.WriteAtomic(filepath.Join(q.dir, "index.json"), data))
}


func wrapWrite(err error) error {
	if err != nil {
		return errdefs.Storage("write dead letter queue", err)
	}
	return nil
}
