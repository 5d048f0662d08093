package state

import (
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/deepnoodle-ai/forge/errdefs"
	"github.com/deepnoodle-ai/forge/internal/xjson"
	"github.com/deepnoodle-ai/forge/retry"
)

// WorkItem is one unit of MapReduce input.
type WorkItem struct {
	ID   string `json:"id"`
	Data any    `json:"data"`
}

// AgentStatusKind names the outcome of one agent run.
type AgentStatusKind string

const (
	AgentSuccess  AgentStatusKind = "success"
	AgentFailed   AgentStatusKind = "failed"
	AgentTimeout  AgentStatusKind = "timeout"
	AgentRetrying AgentStatusKind = "retrying"
)

// AgentStatus is a tagged agent outcome: Failed carries a reason and
// Retrying carries the attempt number.
type AgentStatus struct {
	Kind    AgentStatusKind `json:"kind"`
	Reason  string          `json:"reason,omitempty"`
	Attempt int             `json:"attempt,omitempty"`
}

func Succeeded() AgentStatus { return AgentStatus{Kind: AgentSuccess} }

func FailedWith(reason string) AgentStatus { return AgentStatus{Kind: AgentFailed, Reason: reason} }

func TimedOut() AgentStatus { return AgentStatus{Kind: AgentTimeout} }

func Retrying(attempt int) AgentStatus { return AgentStatus{Kind: AgentRetrying, Attempt: attempt} }

// IsSuccess reports whether the agent succeeded.
func (s AgentStatus) IsSuccess() bool { return s.Kind == AgentSuccess }

func (s AgentStatus) String() string {
	switch s.Kind {
	case AgentFailed:
		return fmt.Sprintf("failed(%s)", s.Reason)
	case AgentRetrying:
		return fmt.Sprintf("retrying(%d)", s.Attempt)
	default:
		return string(s.Kind)
	}
}

// AgentResult is what one agent reports back to the coordinator.
type AgentResult struct {
	ItemID            string        `json:"item_id"`
	AgentID           string        `json:"agent_id,omitempty"`
	Status            AgentStatus   `json:"status"`
	Output            string        `json:"output,omitempty"`
	Commits           []string      `json:"commits"`
	FilesModified     []string      `json:"files_modified"`
	Duration          time.Duration `json:"duration"`
	Error             string        `json:"error,omitempty"`
	WorktreePath      string        `json:"worktree_path,omitempty"`
	Branch            string        `json:"branch_name,omitempty"`
	SessionID         string        `json:"worktree_session_id,omitempty"`
	StructuredLogPath string        `json:"json_log_location,omitempty"`
	CleanupStatus     string        `json:"cleanup_status,omitempty"`
}

// AggregatedResults partitions agent results by outcome.
type AggregatedResults struct {
	Successful   []AgentResult `json:"successful"`
	Failed       []AgentResult `json:"failed"`
	SuccessCount int           `json:"success_count"`
	FailureCount int           `json:"failure_count"`
	Total        int           `json:"total"`
}

// Aggregate partitions results. The output is ordered by item ID so the
// result does not depend on completion order.
func Aggregate(results []AgentResult) AggregatedResults {
	sorted := slices.Clone(results)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ItemID < sorted[j].ItemID })
	agg := AggregatedResults{Successful: []AgentResult{}, Failed: []AgentResult{}}
	for _, r := range sorted {
		if r.Status.IsSuccess() {
			agg.Successful = append(agg.Successful, r)
		} else {
			agg.Failed = append(agg.Failed, r)
		}
	}
	agg.SuccessCount = len(agg.Successful)
	agg.FailureCount = len(agg.Failed)
	agg.Total = agg.SuccessCount + agg.FailureCount
	return agg
}

// MapConfig is the persisted configuration of a map phase.
type MapConfig struct {
	Input           string         `yaml:"input" json:"input"`
	JSONPath        string         `yaml:"json_path" json:"json_path,omitempty"`
	MaxParallel     int            `yaml:"max_parallel" json:"max_parallel"`
	TimeoutPerAgent retry.Duration `yaml:"timeout_per_agent" json:"timeout_per_agent,omitempty"`
	RetryOnFailure  int            `yaml:"retry_on_failure" json:"retry_on_failure"`
	MaxItems        int            `yaml:"max_items" json:"max_items,omitempty"`
	Offset          int            `yaml:"offset" json:"offset,omitempty"`
	Filter          string         `yaml:"filter" json:"filter,omitempty"`
	SortBy          string         `yaml:"sort_by" json:"sort_by,omitempty"`
}

// FailureRecord tracks the failed attempts of one work item.
type FailureRecord struct {
	Attempts     int       `json:"attempts"`
	LastError    string    `json:"last_error"`
	LastFailedAt time.Time `json:"last_failed_at"`
	Errors       []string  `json:"errors,omitempty"`
}

// ReduceState tracks the reduce phase.
type ReduceState struct {
	Started          bool      `json:"started"`
	Completed        bool      `json:"completed"`
	ExecutedCommands int       `json:"executed_commands"`
	Output           string    `json:"output,omitempty"`
	Error            string    `json:"error,omitempty"`
	StartedAt        time.Time `json:"started_at,omitzero"`
	CompletedAt      time.Time `json:"completed_at,omitzero"`
}

// MapReduceJobState is the resumable state of a MapReduce job. Pending holds
// every unfinished item in dispatch order, including items currently being
// processed, so Completed and Pending always partition the item set.
type MapReduceJobState struct {
	JobID             string                   `json:"job_id"`
	Config            MapConfig                `json:"config"`
	StartedAt         time.Time                `json:"started_at"`
	UpdatedAt         time.Time                `json:"updated_at"`
	WorkItems         []WorkItem               `json:"work_items"`
	Results           map[string]AgentResult   `json:"agent_results"`
	Completed         []string                 `json:"completed_agents"`
	Failed            map[string]FailureRecord `json:"failed_agents"`
	Pending           []string                 `json:"pending_items"`
	CheckpointVersion int                      `json:"checkpoint_version"`
	ParentWorktree    string                   `json:"parent_worktree,omitempty"`
	SetupCompleted    bool                     `json:"setup_completed"`
	SetupOutput       string                   `json:"setup_output,omitempty"`
	AgentTemplate     xjson.RawMessage         `json:"agent_template,omitempty"`
	ReduceCommands    xjson.RawMessage         `json:"reduce_commands,omitempty"`
	Variables         map[string]any           `json:"variables,omitempty"`
	ItemRetryCounts   map[string]int           `json:"item_retry_counts"`
	SuccessfulCount   int                      `json:"successful_count"`
	FailedCount       int                      `json:"failed_count"`
	TotalItems        int                      `json:"total_items"`
	IsComplete        bool                     `json:"is_complete"`
	Reduce            *ReduceState             `json:"reduce_phase_state,omitempty"`
}

// NewJobState starts a job with every item pending.
func NewJobState(jobID string, cfg MapConfig, items []WorkItem, now time.Time) *MapReduceJobState {
	pending := make([]string, len(items))
	for i, it := range items {
		pending[i] = it.ID
	}
	return &MapReduceJobState{
		JobID:           jobID,
		Config:          cfg,
		StartedAt:       now,
		UpdatedAt:       now,
		WorkItems:       slices.Clone(items),
		Results:         map[string]AgentResult{},
		Completed:       []string{},
		Failed:          map[string]FailureRecord{},
		Pending:         pending,
		ItemRetryCounts: map[string]int{},
		TotalItems:      len(items),
	}
}

// Item returns a work item by ID.
func (s *MapReduceJobState) Item(id string) (WorkItem, bool) {
	for _, it := range s.WorkItems {
		if it.ID == id {
			return it, true
		}
	}
	return WorkItem{}, false
}

// PendingItems returns the unfinished items in queue order.
func (s *MapReduceJobState) PendingItems() []WorkItem {
	out := make([]WorkItem, 0, len(s.Pending))
	for _, id := range s.Pending {
		if it, ok := s.Item(id); ok {
			out = append(out, it)
		}
	}
	return out
}

// IsCompleted reports whether an item has a final result.
func (s *MapReduceJobState) IsCompleted(id string) bool {
	return slices.Contains(s.Completed, id)
}

// RetryCount returns how many times an item was re-queued.
func (s *MapReduceJobState) RetryCount(id string) int {
	return s.ItemRetryCounts[id]
}

// RecordFailure notes a failed attempt without finishing the item.
func (s *MapReduceJobState) RecordFailure(id, errMsg string, now time.Time) FailureRecord {
	rec := s.Failed[id]
	rec.Attempts++
	rec.LastError = errMsg
	rec.LastFailedAt = now
	rec.Errors = append(rec.Errors, errMsg)
	s.Failed[id] = rec
	s.UpdatedAt = now
	return rec
}

// Requeue moves a pending item to the back of the queue for another attempt.
func (s *MapReduceJobState) Requeue(id string, now time.Time) (int, error) {
	idx := slices.Index(s.Pending, id)
	if idx < 0 {
		return 0, fmt.Errorf("item %q is not pending", id)
	}
	s.Pending = append(slices.Delete(s.Pending, idx, idx+1), id)
	s.ItemRetryCounts[id]++
	s.UpdatedAt = now
	return s.ItemRetryCounts[id], nil
}

// RecordResult stores the final result of an item and moves it from
// pending to completed.
func (s *MapReduceJobState) RecordResult(r AgentResult, now time.Time) error {
	idx := slices.Index(s.Pending, r.ItemID)
	if idx < 0 {
		if s.IsCompleted(r.ItemID) {
			return fmt.Errorf("item %q already has a result", r.ItemID)
		}
		return fmt.Errorf("unknown work item %q", r.ItemID)
	}
	s.Pending = slices.Delete(s.Pending, idx, idx+1)
	s.Completed = append(s.Completed, r.ItemID)
	s.Results[r.ItemID] = r
	if r.Status.IsSuccess() {
		s.SuccessfulCount++
	} else {
		s.FailedCount++
	}
	s.UpdatedAt = now
	s.IsComplete = len(s.Pending) == 0
	return nil
}

// Aggregate partitions the recorded results.
func (s *MapReduceJobState) Aggregate() AggregatedResults {
	results := make([]AgentResult, 0, len(s.Results))
	for _, r := range s.Results {
		results = append(results, r)
	}
	return Aggregate(results)
}

// ReadyForReduce reports whether the map phase has finished.
func (s *MapReduceJobState) ReadyForReduce() bool {
	return len(s.Pending) == 0
}

// ResetFailures re-queues every failed item with a fresh retry count.
func (s *MapReduceJobState) ResetFailures(now time.Time) []string {
	var reset []string
	kept := s.Completed[:0:0]
	for _, id := range s.Completed {
		if r, ok := s.Results[id]; ok && !r.Status.IsSuccess() {
			delete(s.Results, id)
			delete(s.Failed, id)
			delete(s.ItemRetryCounts, id)
			s.Pending = append(s.Pending, id)
			s.FailedCount--
			reset = append(reset, id)
			continue
		}
		kept = append(kept, id)
	}
	s.Completed = kept
	if len(reset) > 0 {
		s.IsComplete = false
		s.Reduce = nil
		s.UpdatedAt = now
	}
	return reset
}

// CheckInvariants verifies that completed and pending partition the item
// set and that the counters agree with the recorded results.
func (s *MapReduceJobState) CheckInvariants() error {
	seen := make(map[string]bool, len(s.WorkItems))
	for _, it := range s.WorkItems {
		seen[it.ID] = false
	}
	for _, id := range s.Completed {
		if _, ok := seen[id]; !ok {
			return errdefs.Validation("mapreduce_state.completed_agents", "unknown item %q", id)
		}
		if seen[id] {
			return errdefs.Validation("mapreduce_state.completed_agents", "item %q recorded twice", id)
		}
		seen[id] = true
	}
	for _, id := range s.Pending {
		done, ok := seen[id]
		if !ok {
			return errdefs.Validation("mapreduce_state.pending_items", "unknown item %q", id)
		}
		if done {
			return errdefs.Validation("mapreduce_state.pending_items", "item %q is both pending and completed", id)
		}
		seen[id] = true
	}
	for id, covered := range seen {
		if !covered {
			return errdefs.Validation("mapreduce_state", "item %q is neither pending nor completed", id)
		}
	}
	if s.SuccessfulCount+s.FailedCount > s.TotalItems {
		return errdefs.Validation("mapreduce_state", "%d results exceed %d items", s.SuccessfulCount+s.FailedCount, s.TotalItems)
	}
	if s.IsComplete && len(s.Pending) > 0 {
		return errdefs.Validation("mapreduce_state.is_complete", "job marked complete with %d items pending", len(s.Pending))
	}
	return nil
}
