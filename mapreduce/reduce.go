package mapreduce

import (
	"context"
	"fmt"

	"github.com/deepnoodle-ai/forge"
	"github.com/deepnoodle-ai/forge/events"
	"github.com/deepnoodle-ai/forge/internal/xjson"
	"github.com/deepnoodle-ai/forge/session"
	"github.com/deepnoodle-ai/forge/state"
	"github.com/deepnoodle-ai/forge/variables"
)

// PublishResults exposes aggregated map results to the reduce phase as
// map.successful, map.failed, map.total, map.results (the JSON text of every
// result) and map.results_array (the same results, navigable).
func PublishResults(store *variables.Store, agg state.AggregatedResults) error {
	store.SetCaptured("map.successful", variables.Number(float64(agg.SuccessCount)))
	store.SetCaptured("map.failed", variables.Number(float64(agg.FailureCount)))
	store.SetCaptured("map.total", variables.Number(float64(agg.Total)))

	all := make([]state.AgentResult, 0, agg.Total)
	all = append(all, agg.Successful...)
	all = append(all, agg.Failed...)
	raw, err := xjson.Marshal(all)
	if err != nil {
		return fmt.Errorf("failed to encode map results: %w", err)
	}
	var decoded []any
	if err := xjson.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("failed to decode map results: %w", err)
	}
	store.SetCaptured("map.results", variables.String(string(raw)))
	store.SetCaptured("map.results_array", variables.FromAny(decoded))
	return nil
}

// reduce runs the reduce commands in order, resuming after the last command
// a checkpoint recorded.
func (c *Coordinator) reduce(ctx context.Context, runner *forge.StepRunner, cp *state.Checkpoint, store *variables.Store, agg state.AggregatedResults) ([]forge.StepResult, error) {
	if err := PublishResults(store, agg); err != nil {
		return nil, err
	}
	c.mu.Lock()
	st := cp.MapReduce
	if st.Reduce == nil {
		st.Reduce = &state.ReduceState{Started: true, StartedAt: c.opts.Now().UTC()}
	}
	rs := st.Reduce
	first := rs.ExecutedCommands
	c.mu.Unlock()
	if rs.Completed {
		return nil, nil
	}

	c.emit(ctx, events.ReduceStarted, func(ev *events.Event) {
		ev.Data = map[string]any{"commands": len(c.cfg.Reduce), "successful": agg.SuccessCount, "failed": agg.FailureCount}
	})
	if err := c.save(ctx); err != nil {
		return nil, err
	}

	// Reduce steps are indexed after setup so their on_failure counters stay
	// distinct in the error recovery state.
	offset := len(c.cfg.Setup)
	var results []forge.StepResult
	for i := first; i < len(c.cfg.Reduce); i++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		res, err := runner.Run(ctx, c.cfg.Reduce[i], forge.Scope{
			Index:    offset + i,
			Store:    store,
			Recovery: cp.ErrorRecovery,
			Prefix:   "reduce",
		})
		results = append(results, res)
		if err != nil {
			c.mu.Lock()
			rs.Error = err.Error()
			c.mu.Unlock()
			return results, fmt.Errorf("reduce failed: %w", err)
		}
		c.mu.Lock()
		rs.ExecutedCommands = i + 1
		if res.Output != "" {
			rs.Output = res.Output
		}
		c.mu.Unlock()
		if err := c.save(ctx); err != nil {
			return results, err
		}
		c.updateSession(ctx, session.TimingRecord{Step: "reduce:" + res.Name, Duration: res.Duration})
	}

	c.mu.Lock()
	rs.Completed = true
	rs.CompletedAt = c.opts.Now().UTC()
	rs.Error = ""
	c.mu.Unlock()
	c.emit(ctx, events.ReduceCompleted, func(ev *events.Event) {
		ev.Data = map[string]any{"commands": len(c.cfg.Reduce)}
	})
	c.logger.Info("reduce phase completed", "commands", len(c.cfg.Reduce))
	return results, nil
}
