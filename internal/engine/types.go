package engine

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a workflow.
type Status string

const (
	StatusCreated          Status = "created"
	StatusRunning          Status = "running"
	StatusAwaitingApproval Status = "awaiting_approval"
	StatusCompleted        Status = "completed"
	StatusFailed           Status = "failed"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// validTransitions defines allowed workflow state transitions.
var validTransitions = map[Status][]Status{
	StatusCreated:          {StatusRunning, StatusCancelled},
	StatusRunning:          {StatusAwaitingApproval, StatusCompleted, StatusFailed, StatusCancelled},
	StatusAwaitingApproval: {StatusRunning, StatusFailed, StatusCancelled},
}

// Transition validates and returns nil if from→to is a legal transition.
func Transition(from, to Status) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return &InvalidStateError{From: from, To: to}
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return &InvalidStateError{From: from, To: to}
}

// StepStatus tracks a single step's progress.
type StepStatus string

const (
	StepPending          StepStatus = "pending"
	StepAwaitingApproval StepStatus = "awaiting_approval"
	StepApproved         StepStatus = "approved"
	StepRunning          StepStatus = "running"
	StepSucceeded        StepStatus = "succeeded"
	StepFailed           StepStatus = "failed"
	StepCancelled        StepStatus = "cancelled"
)

// Failure reason codes recorded on terminal workflows.
const (
	ReasonApprovalRejected   = "approval_rejected"
	ReasonApprovalExpired    = "approval_expired"
	ReasonExecutionExhausted = "execution_exhausted"
	ReasonUnknownAgent       = "unknown_agent"
	ReasonPersistence        = "persistence_error"
)

// Workflow is one orchestration run composed of ordered steps.
type Workflow struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Status      Status     `json:"status"`
	FailReason  string     `json:"fail_reason,omitempty"`
	DryRun      bool       `json:"dry_run"`
	Steps       []*Step    `json:"steps"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Step is one unit of work inside a workflow, bound to an agent.
type Step struct {
	Order            int            `json:"step_order"`
	AgentName        string         `json:"agent_name"`
	Params           map[string]any `json:"parameters,omitempty"`
	RequiresApproval bool           `json:"requires_approval"`
	MaxAttempts      int            `json:"max_attempts,omitempty"`
	Status           StepStatus     `json:"status"`
}

// ValidateSteps checks that step orders are unique and contiguous from 0.
func ValidateSteps(steps []*Step) error {
	if len(steps) == 0 {
		return fmt.Errorf("workflow has no steps")
	}
	seen := make(map[int]bool, len(steps))
	for _, st := range steps {
		if st.Order < 0 || st.Order >= len(steps) {
			return fmt.Errorf("step order %d out of range [0,%d)", st.Order, len(steps))
		}
		if seen[st.Order] {
			return fmt.Errorf("duplicate step order %d", st.Order)
		}
		seen[st.Order] = true
	}
	return nil
}

// InvalidStateError marks an operation attempted in an incompatible state.
type InvalidStateError struct {
	From Status
	To   Status
	Op   string
}

func (e *InvalidStateError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s not allowed in state %q", e.Op, e.From)
	}
	return fmt.Sprintf("invalid transition %q → %q", e.From, e.To)
}
