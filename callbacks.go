package forge

import (
	"context"
	"time"
)

// Callbacks receives workflow and step lifecycle notifications.
type Callbacks interface {
	// Workflow-level callbacks
	BeforeWorkflow(ctx context.Context, event *WorkflowEvent)
	AfterWorkflow(ctx context.Context, event *WorkflowEvent)

	// Step-level callbacks
	BeforeStep(ctx context.Context, event *StepEvent)
	AfterStep(ctx context.Context, event *StepEvent)
}

// WorkflowEvent describes a workflow run.
type WorkflowEvent struct {
	WorkflowID   string
	WorkflowName string
	SessionID    string
	Resumed      bool
	StartTime    time.Time
	EndTime      time.Time
	Duration     time.Duration
	StepCount    int
	Error        error
}

// StepEvent describes one step.
type StepEvent struct {
	WorkflowID string
	Index      int
	StepName   string
	Command    string
	Iteration  int
	StartTime  time.Time
	EndTime    time.Time
	Duration   time.Duration
	Result     *StepResult
	Error      error
}

// BaseCallbacks implements Callbacks with no-ops. Embed it to override
// only some callbacks.
type BaseCallbacks struct{}

func (BaseCallbacks) BeforeWorkflow(ctx context.Context, event *WorkflowEvent) {}

func (BaseCallbacks) AfterWorkflow(ctx context.Context, event *WorkflowEvent) {}

func (BaseCallbacks) BeforeStep(ctx context.Context, event *StepEvent) {}

func (BaseCallbacks) AfterStep(ctx context.Context, event *StepEvent) {}

// CallbackChain fans callbacks out to several implementations in order.
type CallbackChain struct {
	callbacks []Callbacks
}

func NewCallbackChain(callbacks ...Callbacks) *CallbackChain {
	return &CallbackChain{callbacks: callbacks}
}

// Add appends a callback to the chain.
func (c *CallbackChain) Add(callback Callbacks) {
	c.callbacks = append(c.callbacks, callback)
}

func (c *CallbackChain) BeforeWorkflow(ctx context.Context, event *WorkflowEvent) {
	for _, cb := range c.callbacks {
		cb.BeforeWorkflow(ctx, event)
	}
}

func (c *CallbackChain) AfterWorkflow(ctx context.Context, event *WorkflowEvent) {
	for _, cb := range c.callbacks {
		cb.AfterWorkflow(ctx, event)
	}
}

func (c *CallbackChain) BeforeStep(ctx context.Context, event *StepEvent) {
	for _, cb := range c.callbacks {
		cb.BeforeStep(ctx, event)
	}
}

func (c *CallbackChain) AfterStep(ctx context.Context, event *StepEvent) {
	for _, cb := range c.callbacks {
		cb.AfterStep(ctx, event)
	}
}
