// Package saga coordinates multi-service workflows over the engine's
// event primitives.
//
// Two styles share the package. Orchestration runs a declared list of
// steps with per-step timeout and retry, compensating completed steps in
// reverse order when a later step fails. Choreography (the Reactor)
// registers idempotent listeners on bus topics that react to events by
// submitting follow-up commands to their own domain engine.
package saga

import (
	stdcontext "context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/randalmurphal/eventrail/pkg/eventrail/errors"
)

// Status is the lifecycle state of a saga instance.
type Status string

// Saga instance statuses.
const (
	StatusRunning      Status = "RUNNING"
	StatusCompensating Status = "COMPENSATING"
	StatusCompleted    Status = "COMPLETED"
	StatusFailed       Status = "FAILED"
	StatusTimedOut     Status = "TIMED_OUT"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut:
		return true
	default:
		return false
	}
}

// StepStatus is the lifecycle state of one step inside an instance.
type StepStatus string

// Step statuses.
const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// Context carries state between the steps of one saga instance. Actions
// read what earlier steps wrote and record what later steps (and
// compensations) need. Safe for concurrent use.
type Context struct {
	sagaID string

	mu     sync.RWMutex
	values map[string]any
}

// NewContext creates a context seeded with the initial values.
func NewContext(sagaID string, initial map[string]any) *Context {
	values := make(map[string]any, len(initial))
	for k, v := range initial {
		values[k] = v
	}
	return &Context{sagaID: sagaID, values: values}
}

// SagaID returns the owning instance's ID.
func (c *Context) SagaID() string {
	return c.sagaID
}

// Get returns the value for a key, or nil.
func (c *Context) Get(key string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.values[key]
}

// GetString returns the string value for a key, or "".
func (c *Context) GetString(key string) string {
	if s, ok := c.Get(key).(string); ok {
		return s
	}
	return ""
}

// Set stores a value for later steps and compensations.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Snapshot returns a copy of the current values.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snap := make(map[string]any, len(c.values))
	for k, v := range c.values {
		snap[k] = v
	}
	return snap
}

// Action drives a single domain command for one step. It must respect
// ctx cancellation: the orchestrator cancels it on step timeout, saga
// timeout, and external cancellation.
type Action func(ctx stdcontext.Context, sc *Context) error

// Step declares one stage of an orchestrated saga.
type Step struct {
	// Name identifies the step; unique within the definition.
	Name string

	// Action is the forward operation.
	Action Action

	// Compensation undoes the action. Invoked only when this step had
	// completed and a later step failed. Nil means nothing to undo.
	Compensation Action

	// Timeout bounds each action attempt and the compensation.
	// Zero means the orchestrator default.
	Timeout time.Duration

	// MaxRetries is the total attempt budget for the action.
	// Zero or negative means a single attempt. Compensation never retries.
	MaxRetries int

	// RetryDelay is the wait between action attempts.
	RetryDelay time.Duration
}

// Definition declares an ordered saga.
type Definition struct {
	// Name identifies this saga type.
	Name string

	// Steps run in order.
	Steps []Step

	// Timeout bounds the whole saga. Zero means unbounded; the in-flight
	// action is cancelled when the budget is crossed, then compensation
	// runs and the instance terminates TIMED_OUT.
	Timeout time.Duration
}

// Validate checks the definition is executable.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return stderrors.New("saga name is required")
	}
	if len(d.Steps) == 0 {
		return stderrors.New("saga must have at least one step")
	}
	if d.Timeout < 0 {
		return fmt.Errorf("saga %s: timeout must not be negative", d.Name)
	}

	seen := make(map[string]bool, len(d.Steps))
	for i, step := range d.Steps {
		if step.Name == "" {
			return fmt.Errorf("step %d: name is required", i)
		}
		if seen[step.Name] {
			return fmt.Errorf("step %d: duplicate name %q", i, step.Name)
		}
		seen[step.Name] = true
		if step.Action == nil {
			return fmt.Errorf("step %q: action is required", step.Name)
		}
		if step.Timeout < 0 {
			return fmt.Errorf("step %q: timeout must not be negative", step.Name)
		}
		if step.RetryDelay < 0 {
			return fmt.Errorf("step %q: retry delay must not be negative", step.Name)
		}
	}
	return nil
}

// StepState is the runtime record of one step inside an instance.
type StepState struct {
	Name              string     `json:"name"`
	Status            StepStatus `json:"status"`
	Attempts          int        `json:"attempts"`
	StartedAt         time.Time  `json:"startedAt,omitempty"`
	EndedAt           time.Time  `json:"endedAt,omitempty"`
	Error             string     `json:"error,omitempty"`
	Compensated       bool       `json:"compensated"`
	CompensationError string     `json:"compensationError,omitempty"`
}

// Instance is the persisted record of one saga execution.
type Instance struct {
	SagaID      string      `json:"sagaId"`
	SagaType    string      `json:"sagaType"`
	CurrentStep int         `json:"currentStep"`
	TotalSteps  int         `json:"totalSteps"`
	Status      Status      `json:"status"`
	Steps       []StepState `json:"steps"`
	Error       string      `json:"error,omitempty"`
	StartedAt   time.Time   `json:"startedAt"`
	UpdatedAt   time.Time   `json:"updatedAt"`
}

// Clone returns a deep copy.
func (i *Instance) Clone() *Instance {
	clone := *i
	clone.Steps = make([]StepState, len(i.Steps))
	copy(clone.Steps, i.Steps)
	return &clone
}

// FailureFor builds the classified failure record for a failed step.
func (i *Instance) FailureFor(step *StepState) *errors.Failure {
	return &errors.Failure{
		Kind:     errors.KindHandler,
		Message:  step.Error,
		SagaID:   i.SagaID,
		StepName: step.Name,
		Attempts: step.Attempts,
	}
}
