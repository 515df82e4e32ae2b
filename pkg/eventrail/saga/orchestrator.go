package saga

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventrail/pkg/eventrail/config"
	"github.com/randalmurphal/eventrail/pkg/eventrail/errors"
	"github.com/randalmurphal/eventrail/pkg/eventrail/observability"
	"github.com/randalmurphal/eventrail/pkg/eventrail/store"
)

// errCancelled marks an external Cancel so it can be told apart from a
// saga timeout when the shared context dies.
var errCancelled = stderrors.New("saga cancelled")

// OrchestratorConfig configures an Orchestrator.
type OrchestratorConfig struct {
	// DefaultStepTimeout bounds steps that declare no timeout of their
	// own. Default: 30 seconds (SAGA_DEFAULT_STEP_TIMEOUT_MS).
	DefaultStepTimeout time.Duration

	// Logger receives step transitions. Nil disables logging.
	Logger *slog.Logger

	// Metrics records step outcomes. Nil means no-op.
	Metrics observability.MetricsRecorder

	// Spans traces step execution. Nil means no-op.
	Spans observability.SpanManager
}

// DefaultOrchestratorConfig provides reasonable defaults.
var DefaultOrchestratorConfig = OrchestratorConfig{
	DefaultStepTimeout: 30 * time.Second,
}

// FromConfig overlays the runtime keys of a loaded configuration, the
// saga counterpart of the engine's WithConfig option:
//
//	oc := saga.DefaultOrchestratorConfig.FromConfig(config.FromEnv())
func (c OrchestratorConfig) FromConfig(cfg config.Config) OrchestratorConfig {
	c.DefaultStepTimeout = cfg.Duration(config.KeySagaStepTimeout, c.DefaultStepTimeout)
	return c
}

// Orchestrator executes saga definitions: each step's action with its
// timeout and retry budget, and on failure the completed steps'
// compensations in strict reverse order. Definitions are validated once
// at registration and started by name; every Run is an independent
// instance. Safe for concurrent use.
type Orchestrator struct {
	instances Store
	cfg       OrchestratorConfig

	mu      sync.Mutex
	defs    map[string]*Definition
	cancels map[string]context.CancelCauseFunc
}

// NewOrchestrator creates an orchestrator persisting instances to the
// given store.
func NewOrchestrator(instances Store, cfg OrchestratorConfig) *Orchestrator {
	if cfg.DefaultStepTimeout <= 0 {
		cfg.DefaultStepTimeout = DefaultOrchestratorConfig.DefaultStepTimeout
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NoopMetrics{}
	}
	if cfg.Spans == nil {
		cfg.Spans = observability.NoopSpanManager{}
	}
	return &Orchestrator{
		instances: instances,
		cfg:       cfg,
		defs:      make(map[string]*Definition),
		cancels:   make(map[string]context.CancelCauseFunc),
	}
}

// Register validates a definition and files it under its name. Each
// saga type registers once; per-instance inputs travel in the initial
// context passed to Run or Start.
func (o *Orchestrator) Register(def *Definition) error {
	if def == nil {
		return &errors.ValidationError{Field: "definition", Message: "definition is required"}
	}
	if err := def.Validate(); err != nil {
		return &errors.ValidationError{Field: "definition", Message: err.Error()}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if _, exists := o.defs[def.Name]; exists {
		return &errors.ValidationError{Field: "definition", Message: fmt.Sprintf("saga %q already registered", def.Name)}
	}
	o.defs[def.Name] = def
	return nil
}

// definition looks up a registered saga type.
func (o *Orchestrator) definition(name string) (*Definition, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	def, ok := o.defs[name]
	if !ok {
		return nil, fmt.Errorf("saga definition %q not registered: %w", name, store.ErrNotFound)
	}
	return def, nil
}

// Run executes a registered saga to its terminal status and returns the
// final instance. The returned error covers lookup and persistence
// problems only; a step failure is reported through Instance.Status and
// the per-step states, not the error.
func (o *Orchestrator) Run(ctx context.Context, name string, initial map[string]any) (*Instance, error) {
	def, err := o.definition(name)
	if err != nil {
		return nil, err
	}
	inst, err := o.begin(ctx, def)
	if err != nil {
		return nil, err
	}
	if err := o.run(ctx, def, inst, NewContext(inst.SagaID, initial)); err != nil {
		return nil, err
	}
	return inst.Clone(), nil
}

// Start runs a registered saga in the background and returns its ID
// immediately. Progress is observable through Status.
func (o *Orchestrator) Start(ctx context.Context, name string, initial map[string]any) (string, error) {
	def, err := o.definition(name)
	if err != nil {
		return "", err
	}
	inst, err := o.begin(ctx, def)
	if err != nil {
		return "", err
	}

	go func() {
		sc := NewContext(inst.SagaID, initial)
		if err := o.run(context.WithoutCancel(ctx), def, inst, sc); err != nil && o.cfg.Logger != nil {
			o.cfg.Logger.Error("saga run failed",
				slog.String("saga_id", inst.SagaID),
				slog.String("saga_type", def.Name),
				slog.String("error", err.Error()),
			)
		}
	}()
	return inst.SagaID, nil
}

// begin persists the initial instance. The definition was validated at
// registration.
func (o *Orchestrator) begin(ctx context.Context, def *Definition) (*Instance, error) {
	now := time.Now()
	inst := &Instance{
		SagaID:     uuid.New().String(),
		SagaType:   def.Name,
		TotalSteps: len(def.Steps),
		Status:     StatusRunning,
		Steps:      make([]StepState, len(def.Steps)),
		StartedAt:  now,
		UpdatedAt:  now,
	}
	for i, step := range def.Steps {
		inst.Steps[i] = StepState{Name: step.Name, Status: StepPending}
	}
	if err := o.instances.Save(ctx, inst); err != nil {
		return nil, err
	}
	return inst, nil
}

// run drives one instance to a terminal status.
func (o *Orchestrator) run(ctx context.Context, def *Definition, inst *Instance, sc *Context) error {
	// One cancellable context covers every forward action. Cancel and
	// the saga timeout both kill it; context.Cause tells them apart.
	sagaCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if def.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		sagaCtx, cancelTimeout = context.WithTimeout(sagaCtx, def.Timeout)
		defer cancelTimeout()
	}

	o.mu.Lock()
	o.cancels[inst.SagaID] = cancel
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.cancels, inst.SagaID)
		o.mu.Unlock()
	}()

	return o.forward(ctx, sagaCtx, def, inst, sc)
}

// Status returns the persisted instance.
func (o *Orchestrator) Status(ctx context.Context, sagaID string) (*Instance, error) {
	return o.instances.Get(ctx, sagaID)
}

// List returns instances filtered by status, newest first.
func (o *Orchestrator) List(ctx context.Context, status Status, limit int) ([]*Instance, error) {
	return o.instances.List(ctx, status, limit)
}

// Cancel requests a running saga stop at its next safe point: the
// in-flight action's context is cancelled, completed steps are
// compensated, and the instance terminates FAILED. Cancelling an
// unknown or already-terminal saga returns store.ErrNotFound.
func (o *Orchestrator) Cancel(sagaID string) error {
	o.mu.Lock()
	cancel, ok := o.cancels[sagaID]
	o.mu.Unlock()

	if !ok {
		return fmt.Errorf("saga %s not running: %w", sagaID, store.ErrNotFound)
	}
	cancel(errCancelled)
	return nil
}

// forward runs the steps in order, handing off to compensate on the
// first failure.
func (o *Orchestrator) forward(ctx, sagaCtx context.Context, def *Definition, inst *Instance, sc *Context) error {
	for i := range def.Steps {
		// Safe point: between steps a pending Cancel or an expired saga
		// budget wins before the next action starts.
		if sagaCtx.Err() != nil {
			return o.abort(ctx, def, inst, sc, i-1, sagaCtx)
		}

		inst.CurrentStep = i
		state := &inst.Steps[i]
		state.Status = StepRunning
		state.StartedAt = time.Now()
		if err := o.save(ctx, inst); err != nil {
			return err
		}

		err := o.runAction(sagaCtx, def.Name, &def.Steps[i], state, sc)
		state.EndedAt = time.Now()
		if err != nil {
			state.Status = StepFailed
			state.Error = err.Error()
			return o.abort(ctx, def, inst, sc, i-1, sagaCtx)
		}
		state.Status = StepCompleted
		if err := o.save(ctx, inst); err != nil {
			return err
		}
	}

	inst.Status = StatusCompleted
	return o.save(ctx, inst)
}

// runAction executes one step's forward action with its timeout, up to
// its retry budget. A dead saga context stops the retry loop.
func (o *Orchestrator) runAction(sagaCtx context.Context, sagaType string, step *Step, state *StepState, sc *Context) error {
	attempts := step.MaxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		state.Attempts = attempt

		spanCtx, span := o.cfg.Spans.StartSagaStepSpan(sagaCtx, sagaType, step.Name, false)
		start := time.Now()
		lastErr = o.invoke(spanCtx, step, step.Action, sc)
		o.cfg.Metrics.RecordSagaStep(sagaCtx, sagaType, step.Name, time.Since(start), false, lastErr)
		o.cfg.Spans.EndSpanWithError(span, lastErr)

		if lastErr == nil {
			return nil
		}
		o.logStep(sagaType, step.Name, attempt, lastErr)

		if sagaCtx.Err() != nil {
			// The saga itself died; retrying would run against a dead
			// context.
			return lastErr
		}
		if attempt < attempts && step.RetryDelay > 0 {
			select {
			case <-time.After(step.RetryDelay):
			case <-sagaCtx.Done():
				return lastErr
			}
		}
	}
	return lastErr
}

// invoke runs an action or compensation under the step timeout.
func (o *Orchestrator) invoke(ctx context.Context, step *Step, fn Action, sc *Context) error {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultStepTimeout
	}
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(stepCtx, sc)
}

// abort compensates steps [0, lastCompleted] in reverse order and marks
// the instance terminal. Compensation failures are recorded and skipped
// over; rollback is best-effort.
func (o *Orchestrator) abort(ctx context.Context, def *Definition, inst *Instance, sc *Context, lastCompleted int, sagaCtx context.Context) error {
	inst.Status = StatusCompensating
	if failed := &inst.Steps[inst.CurrentStep]; failed.Error != "" {
		inst.Error = fmt.Sprintf("step %s: %s", failed.Name, failed.Error)
	}
	if err := o.save(ctx, inst); err != nil {
		return err
	}

	for i := lastCompleted; i >= 0; i-- {
		step := &def.Steps[i]
		state := &inst.Steps[i]
		if state.Status != StepCompleted || step.Compensation == nil {
			continue
		}

		// Compensations run on the parent context: the saga context is
		// already dead by the time rollback starts.
		spanCtx, span := o.cfg.Spans.StartSagaStepSpan(ctx, def.Name, step.Name, true)
		start := time.Now()
		err := o.invoke(spanCtx, step, step.Compensation, sc)
		o.cfg.Metrics.RecordSagaStep(ctx, def.Name, step.Name, time.Since(start), true, err)
		o.cfg.Spans.EndSpanWithError(span, err)

		state.Compensated = err == nil
		if err != nil {
			state.CompensationError = err.Error()
			o.logStep(def.Name, step.Name+" (compensation)", 1, err)
		}
		if err := o.save(ctx, inst); err != nil {
			return err
		}
	}

	// The cause is authoritative over the step's own error: an action
	// that returned ctx.Err() failed because the saga died, not the
	// other way around.
	inst.Status = o.terminalStatus(sagaCtx)
	if inst.Status == StatusTimedOut {
		inst.Error = "saga timed out"
	} else if stderrors.Is(context.Cause(sagaCtx), errCancelled) {
		inst.Error = errCancelled.Error()
	}
	return o.save(ctx, inst)
}

// terminalStatus distinguishes a saga-budget timeout from step failure
// and external cancellation.
func (o *Orchestrator) terminalStatus(sagaCtx context.Context) Status {
	cause := context.Cause(sagaCtx)
	if stderrors.Is(cause, context.DeadlineExceeded) {
		return StatusTimedOut
	}
	return StatusFailed
}

func (o *Orchestrator) save(ctx context.Context, inst *Instance) error {
	inst.UpdatedAt = time.Now()
	// Persist on a context that survives saga cancellation.
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	return o.instances.Save(ctx, inst)
}

func (o *Orchestrator) logStep(sagaType, step string, attempt int, err error) {
	if o.cfg.Logger == nil {
		return
	}
	o.cfg.Logger.Warn("saga step failed",
		slog.String("saga_type", sagaType),
		slog.String("step", step),
		slog.Int("attempt", attempt),
		slog.String("error", err.Error()),
	)
}
