package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helmsman/missionctl/internal/events"
	"github.com/helmsman/missionctl/internal/registry"
	"github.com/helmsman/missionctl/internal/runner"
)

// Catalog resolves agent names to descriptors. Satisfied by registry.Registry.
type Catalog interface {
	Resolve(name string) (*registry.Agent, error)
}

// Runner invokes a worker agent. Satisfied by runner.ProcessRunner.
type Runner interface {
	Run(ctx context.Context, a *registry.Agent, params map[string]any) *runner.Result
}

// Ledger records executions durably. Satisfied by ledger.Ledger.
type Ledger interface {
	RecordStart(ctx context.Context, workflowID string, stepOrder, attempt int, agentName string, params map[string]any) (string, error)
	RecordResult(ctx context.Context, executionID string, status string, exitCode int, reason string, cost float64, output string) error
}

// Trail records generated artifacts. Satisfied by codegen.Trail.
type Trail interface {
	RecordArtifact(ctx context.Context, executionID, ref, description string) (string, error)
}

// Gates requests approval for gated steps. Satisfied by approval.Manager.
type Gates interface {
	Request(ctx context.Context, workflowID string, stepOrder int, requestedBy string) (string, error)
}

// Persister mirrors workflow state to durable storage. Satisfied by store.Store.
type Persister interface {
	SaveWorkflow(ctx context.Context, wf *Workflow) error
	UpdateWorkflowStatus(ctx context.Context, id string, status Status, reason string, completed bool) error
	UpdateStepStatus(ctx context.Context, workflowID string, stepOrder int, status StepStatus) error
}

// Events publishes lifecycle notifications. Satisfied by events.Bus.
type Events interface {
	Publish(ctx context.Context, kind, workflowID string, fields map[string]string) error
}

// Config tunes execution behavior.
type Config struct {
	MaxAttempts int
	StepTimeout time.Duration
	BackoffBase time.Duration
	PoolSize    int
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 5 * time.Minute
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 2 * time.Second
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
}

// errCancelled aborts a step loop after a workflow cancellation.
var errCancelled = errors.New("workflow cancelled")

// errExhausted marks a step that failed every allowed attempt.
var errExhausted = errors.New("execution attempts exhausted")

// run tracks one workflow's active loop goroutine.
type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine owns workflow lifecycles. Each workflow advances on its own
// goroutine, strictly one step at a time; concurrency exists only across
// workflows, bounded by a semaphore pool.
type Engine struct {
	cfg       Config
	catalog   Catalog
	runner    Runner
	ledger    Ledger
	trail     Trail
	gates     Gates
	persister Persister
	bus       Events
	logger    *zap.Logger

	mu        sync.Mutex
	workflows map[string]*Workflow
	runs      map[string]*run
	pool      chan struct{}
}

// New creates an engine. trail, gates, persister and bus may be nil; the
// engine degrades gracefully (no audit, no gating side channel, no mirror).
func New(cfg Config, catalog Catalog, r Runner, l Ledger, logger *zap.Logger) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:       cfg,
		catalog:   catalog,
		runner:    r,
		ledger:    l,
		logger:    logger,
		workflows: make(map[string]*Workflow),
		runs:      make(map[string]*run),
		pool:      make(chan struct{}, cfg.PoolSize),
	}
}

// SetTrail attaches the code generation audit trail.
func (e *Engine) SetTrail(t Trail) { e.trail = t }

// SetGates attaches the approval gate manager.
func (e *Engine) SetGates(g Gates) { e.gates = g }

// SetPersister attaches durable workflow state storage.
func (e *Engine) SetPersister(p Persister) { e.persister = p }

// SetEvents attaches the event bus.
func (e *Engine) SetEvents(b Events) { e.bus = b }

// CreateWorkflow registers a new workflow in created state.
func (e *Engine) CreateWorkflow(ctx context.Context, projectID string, dryRun bool, steps []*Step) (*Workflow, error) {
	if err := ValidateSteps(steps); err != nil {
		return nil, err
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })
	for _, st := range steps {
		st.Status = StepPending
		if _, err := e.catalog.Resolve(st.AgentName); err != nil {
			return nil, err
		}
	}

	wf := &Workflow{
		ID:        uuid.New().String(),
		ProjectID: projectID,
		Status:    StatusCreated,
		DryRun:    dryRun,
		Steps:     steps,
		CreatedAt: time.Now(),
	}
	if err := e.persist(ctx, wf); err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.mu.Unlock()

	e.logger.Info("workflow created",
		zap.String("workflow", wf.ID),
		zap.Int("steps", len(steps)),
		zap.Bool("dry_run", dryRun))
	return wf, nil
}

// Adopt places an externally loaded workflow under engine management,
// used to resume awaiting workflows after a restart.
func (e *Engine) Adopt(wf *Workflow) {
	e.mu.Lock()
	e.workflows[wf.ID] = wf
	e.mu.Unlock()
}

// Start moves a created workflow to running and begins step 0.
func (e *Engine) Start(ctx context.Context, workflowID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	wf, ok := e.workflows[workflowID]
	if !ok {
		return fmt.Errorf("workflow %s not found", workflowID)
	}
	if wf.Status != StatusCreated {
		return &InvalidStateError{From: wf.Status, Op: "start"}
	}
	if err := e.transition(ctx, wf, StatusRunning, ""); err != nil {
		return err
	}
	e.publish(ctx, events.WorkflowStarted, wf.ID, nil)
	e.launch(wf, 0)
	return nil
}

// Resume is called by the approval gate manager when a gate resolves.
// On approval the gated step runs; on rejection or expiry the workflow fails.
func (e *Engine) Resume(ctx context.Context, workflowID string, stepOrder int, approved bool, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	wf, ok := e.workflows[workflowID]
	if !ok {
		return fmt.Errorf("workflow %s not found", workflowID)
	}
	if wf.Status != StatusAwaitingApproval {
		return &InvalidStateError{From: wf.Status, Op: "resume"}
	}
	idx := stepIndex(wf, stepOrder)
	if idx < 0 || wf.Steps[idx].Status != StepAwaitingApproval {
		return &InvalidStateError{From: wf.Status, Op: fmt.Sprintf("resume step %d", stepOrder)}
	}

	if !approved {
		e.setStepStatus(ctx, wf, wf.Steps[idx], StepFailed)
		return e.failLocked(ctx, wf, reason)
	}

	if err := e.transition(ctx, wf, StatusRunning, ""); err != nil {
		return err
	}
	e.setStepStatus(ctx, wf, wf.Steps[idx], StepApproved)
	e.launch(wf, idx)
	return nil
}

// Fail moves a workflow to failed. Terminal.
func (e *Engine) Fail(ctx context.Context, workflowID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	wf, ok := e.workflows[workflowID]
	if !ok {
		return fmt.Errorf("workflow %s not found", workflowID)
	}
	return e.failLocked(ctx, wf, reason)
}

// Cancel aborts a workflow from any non-terminal state. The in-flight
// agent process, if any, is terminated, and later resume calls are rejected.
func (e *Engine) Cancel(ctx context.Context, workflowID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	wf, ok := e.workflows[workflowID]
	if !ok {
		return fmt.Errorf("workflow %s not found", workflowID)
	}
	if wf.Status.Terminal() {
		return &InvalidStateError{From: wf.Status, Op: "cancel"}
	}
	if err := e.transition(ctx, wf, StatusCancelled, ""); err != nil {
		return err
	}
	if r, ok := e.runs[wf.ID]; ok {
		r.cancel()
	}
	for _, st := range wf.Steps {
		if st.Status == StepRunning || st.Status == StepAwaitingApproval {
			e.setStepStatus(ctx, wf, st, StepCancelled)
		}
	}
	e.publish(ctx, events.WorkflowCancelled, wf.ID, nil)
	e.logger.Info("workflow cancelled", zap.String("workflow", wf.ID))
	return nil
}

// Get returns a managed workflow.
func (e *Engine) Get(workflowID string) (*Workflow, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	wf, ok := e.workflows[workflowID]
	if !ok {
		return nil, fmt.Errorf("workflow %s not found", workflowID)
	}
	return wf, nil
}

// Wait blocks until the workflow's active loop finishes. Test helper and
// shutdown aid; returns immediately when no loop is running.
func (e *Engine) Wait(workflowID string) {
	e.mu.Lock()
	r, ok := e.runs[workflowID]
	e.mu.Unlock()
	if ok {
		<-r.done
	}
}

// launch starts the sequential step loop. Caller holds e.mu.
func (e *Engine) launch(wf *Workflow, fromIdx int) {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan struct{})}
	e.runs[wf.ID] = r

	go func() {
		defer close(r.done)
		defer cancel()

		select {
		case e.pool <- struct{}{}: // acquire slot
		case <-ctx.Done():
			return
		}
		defer func() { <-e.pool }() // release slot

		e.advance(ctx, wf, fromIdx)
	}()
}

// advance executes steps in ascending order starting at fromIdx, parking at
// approval gates and finalizing the workflow when steps run out.
func (e *Engine) advance(ctx context.Context, wf *Workflow, fromIdx int) {
	for i := fromIdx; i < len(wf.Steps); i++ {
		step := wf.Steps[i]

		if step.RequiresApproval && e.stepStatus(step) == StepPending {
			e.park(ctx, wf, step)
			return
		}

		err := e.runStep(ctx, wf, step)
		switch {
		case err == nil:
			// next step
		case errors.Is(err, errCancelled):
			return
		case errors.Is(err, errExhausted):
			e.failAsync(ctx, wf, ReasonExecutionExhausted)
			return
		default:
			var unknown *registry.UnknownAgentError
			if errors.As(err, &unknown) {
				e.failAsync(ctx, wf, ReasonUnknownAgent)
			} else {
				e.failAsync(ctx, wf, ReasonPersistence)
			}
			return
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if wf.Status != StatusRunning {
		return
	}
	if err := e.transition(ctx, wf, StatusCompleted, ""); err != nil {
		e.logger.Error("finalize workflow failed", zap.String("workflow", wf.ID), zap.Error(err))
		return
	}
	e.publish(ctx, events.WorkflowCompleted, wf.ID, nil)
	e.logger.Info("workflow completed", zap.String("workflow", wf.ID))
}

// park moves the workflow to awaiting_approval and requests the gate.
func (e *Engine) park(ctx context.Context, wf *Workflow, step *Step) {
	e.mu.Lock()
	if wf.Status != StatusRunning {
		e.mu.Unlock()
		return
	}
	if err := e.transition(ctx, wf, StatusAwaitingApproval, ""); err != nil {
		e.mu.Unlock()
		e.logger.Error("park workflow failed", zap.String("workflow", wf.ID), zap.Error(err))
		return
	}
	e.setStepStatus(ctx, wf, step, StepAwaitingApproval)
	delete(e.runs, wf.ID)
	e.mu.Unlock()

	e.publish(ctx, events.WorkflowGated, wf.ID, map[string]string{
		"step_order": fmt.Sprint(step.Order),
	})

	if e.gates == nil {
		e.logger.Warn("gated step with no approval manager", zap.String("workflow", wf.ID))
		return
	}
	if _, err := e.gates.Request(ctx, wf.ID, step.Order, "engine_policy"); err != nil {
		e.logger.Error("approval request failed", zap.String("workflow", wf.ID), zap.Error(err))
	}
}

// runStep resolves the agent and drives the retry loop for one step.
func (e *Engine) runStep(ctx context.Context, wf *Workflow, step *Step) error {
	agent, err := e.catalog.Resolve(step.AgentName)
	if err != nil {
		return err
	}

	maxAttempts := step.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = e.cfg.MaxAttempts
	}

	e.mu.Lock()
	e.setStepStatus(ctx, wf, step, StepRunning)
	e.mu.Unlock()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ok, err := e.attempt(ctx, wf, step, agent, attempt)
		if err != nil {
			return err
		}
		if ok {
			e.mu.Lock()
			e.setStepStatus(ctx, wf, step, StepSucceeded)
			e.mu.Unlock()
			return nil
		}
		if attempt < maxAttempts {
			if err := e.backoff(ctx, attempt); err != nil {
				return err
			}
		}
	}

	e.mu.Lock()
	e.setStepStatus(ctx, wf, step, StepFailed)
	e.mu.Unlock()
	return errExhausted
}

// attempt runs one execution and records it on the ledger before the
// workflow is allowed to move. The ledger write failing fails the operation.
func (e *Engine) attempt(ctx context.Context, wf *Workflow, step *Step, agent *registry.Agent, attempt int) (bool, error) {
	execID, err := e.ledger.RecordStart(ctx, wf.ID, step.Order, attempt, agent.Name, step.Params)
	if err != nil {
		return false, fmt.Errorf("record execution start: %w", err)
	}

	var res *runner.Result
	if wf.DryRun {
		// Simulated invocation: no process, no cost.
		res = &runner.Result{ExitCode: 0, Output: "dry-run: invocation skipped", CostKnown: true}
	} else {
		stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
		res = e.runner.Run(stepCtx, agent, step.Params)
		cancel()
	}

	if ctx.Err() == context.Canceled {
		// The loop context is gone; record the terminal row on a fresh one.
		if err := e.ledger.RecordResult(context.Background(), execID, "cancelled", -1, "", 0, res.Output); err != nil {
			e.logger.Error("record cancelled execution failed", zap.Error(err))
		}
		return false, errCancelled
	}

	status, reason, cost := grade(res, agent)
	if err := e.ledger.RecordResult(ctx, execID, status, res.ExitCode, reason, cost, res.Output); err != nil {
		return false, fmt.Errorf("record execution result: %w", err)
	}
	e.publish(ctx, events.ExecutionRecorded, wf.ID, map[string]string{
		"execution_id": execID,
		"step_order":   fmt.Sprint(step.Order),
		"attempt":      fmt.Sprint(attempt),
		"status":       status,
	})

	if e.trail != nil {
		for _, art := range res.Artifacts {
			if _, err := e.trail.RecordArtifact(ctx, execID, art.Ref, art.Description); err != nil {
				e.logger.Error("record artifact failed",
					zap.String("execution", execID), zap.Error(err))
			}
		}
	}

	if !res.Succeeded() {
		e.logger.Warn("execution failed",
			zap.String("workflow", wf.ID),
			zap.Int("step", step.Order),
			zap.Int("attempt", attempt),
			zap.String("reason", reason))
		return false, nil
	}
	return true, nil
}

// grade maps a runner result to ledger status, failure reason and cost.
// Every attempt that actually ran is billable; a spawn failure is not.
func grade(res *runner.Result, agent *registry.Agent) (status, reason string, cost float64) {
	cost = agent.EstimatedCost
	if res.CostKnown {
		cost = res.Cost
	}
	switch {
	case res.Succeeded():
		return "succeeded", "", cost
	case res.TimedOut:
		return "failed", "timeout", cost
	case res.Err != nil:
		return "failed", "spawn_error", 0
	default:
		return "failed", "nonzero_exit", cost
	}
}

// backoff sleeps exponentially between attempts, abandoning on cancel.
func (e *Engine) backoff(ctx context.Context, attempt int) error {
	delay := e.cfg.BackoffBase << (attempt - 1)
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return errCancelled
	}
}

// failAsync terminates a workflow from its loop goroutine.
func (e *Engine) failAsync(ctx context.Context, wf *Workflow, reason string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if wf.Status.Terminal() {
		return
	}
	if err := e.failLocked(ctx, wf, reason); err != nil {
		e.logger.Error("fail workflow", zap.String("workflow", wf.ID), zap.Error(err))
	}
}

// failLocked transitions to failed. Caller holds e.mu.
func (e *Engine) failLocked(ctx context.Context, wf *Workflow, reason string) error {
	if err := e.transition(ctx, wf, StatusFailed, reason); err != nil {
		return err
	}
	if r, ok := e.runs[wf.ID]; ok {
		r.cancel()
	}
	e.publish(ctx, events.WorkflowFailed, wf.ID, map[string]string{"reason": reason})
	e.logger.Info("workflow failed",
		zap.String("workflow", wf.ID),
		zap.String("reason", reason))
	return nil
}

// transition validates and applies a status change, writing durable state
// before mutating memory. Caller holds e.mu.
func (e *Engine) transition(ctx context.Context, wf *Workflow, to Status, reason string) error {
	if err := Transition(wf.Status, to); err != nil {
		return err
	}
	if e.persister != nil {
		if err := e.persister.UpdateWorkflowStatus(ctx, wf.ID, to, reason, to.Terminal()); err != nil {
			return fmt.Errorf("persist workflow %s status: %w", wf.ID, err)
		}
	}
	wf.Status = to
	wf.FailReason = reason
	if to.Terminal() {
		now := time.Now()
		wf.CompletedAt = &now
	}
	return nil
}

// persist mirrors a full workflow (used at creation).
func (e *Engine) persist(ctx context.Context, wf *Workflow) error {
	if e.persister == nil {
		return nil
	}
	if err := e.persister.SaveWorkflow(ctx, wf); err != nil {
		return fmt.Errorf("persist workflow %s: %w", wf.ID, err)
	}
	return nil
}

// setStepStatus writes then applies a step transition. Caller holds e.mu
// except during runStep's attempt loop, which owns the step exclusively.
func (e *Engine) setStepStatus(ctx context.Context, wf *Workflow, step *Step, status StepStatus) {
	if e.persister != nil {
		if err := e.persister.UpdateStepStatus(ctx, wf.ID, step.Order, status); err != nil {
			e.logger.Error("persist step status failed",
				zap.String("workflow", wf.ID),
				zap.Int("step", step.Order),
				zap.Error(err))
		}
	}
	step.Status = status
}

func (e *Engine) stepStatus(step *Step) StepStatus {
	e.mu.Lock()
	defer e.mu.Unlock()
	return step.Status
}

func (e *Engine) publish(ctx context.Context, kind, workflowID string, fields map[string]string) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, kind, workflowID, fields); err != nil {
		e.logger.Warn("publish event failed", zap.String("kind", kind), zap.Error(err))
	}
}

func stepIndex(wf *Workflow, order int) int {
	for i, st := range wf.Steps {
		if st.Order == order {
			return i
		}
	}
	return -1
}
