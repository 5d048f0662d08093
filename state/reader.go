package state

import (
	"maps"
	"slices"

	"github.com/deepnoodle-ai/forge/variables"
)

// Reader provides read-only access to execution state
type Reader interface {
	// GetVariables returns a copy of the plain variables
	GetVariables() map[string]string

	// GetCaptured returns a copy of the captured values
	GetCaptured() map[string]variables.Value

	// GetCompletedSteps returns the indices of finished steps in order
	GetCompletedSteps() []int
}

func (c *Checkpoint) GetVariables() map[string]string {
	out := make(map[string]string, len(c.Variables.Variables))
	for _, e := range c.Variables.Variables {
		out[e.Name] = e.Value
	}
	return out
}

func (c *Checkpoint) GetCaptured() map[string]variables.Value {
	out := make(map[string]variables.Value, len(c.Variables.Captured))
	for _, e := range c.Variables.Captured {
		out[e.Name] = e.Value
	}
	if c.VariableCheckpoint != nil {
		for k, v := range c.VariableCheckpoint.Captured {
			if _, ok := out[k]; !ok {
				out[k] = v
			}
		}
	}
	return out
}

func (c *Checkpoint) GetCompletedSteps() []int {
	out := make([]int, 0, len(c.CompletedSteps))
	for _, s := range c.CompletedSteps {
		out = append(out, s.StepIndex)
	}
	return out
}

// Restore rebuilds a variable store from a checkpoint: the variable snapshot
// plus any captured values recorded on completed steps.
func Restore(r Reader) *variables.Store {
	store := variables.NewStore()
	if c, ok := r.(*Checkpoint); ok {
		store = variables.FromSnapshot(c.Variables)
		for _, s := range c.CompletedSteps {
			for name, v := range s.CapturedVariables {
				if _, exists := store.Captured(name); !exists {
					store.SetCaptured(name, v)
				}
			}
		}
		return store
	}
	store.SetAll(r.GetVariables())
	captured := r.GetCaptured()
	for _, name := range sortedNames(captured) {
		store.SetCaptured(name, captured[name])
	}
	return store
}

func sortedNames(m map[string]variables.Value) []string {
	return slices.Sorted(maps.Keys(m))
}
