package approval

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/helmsman/missionctl/internal/events"
	"github.com/helmsman/missionctl/internal/gateway"
)

// Status of an approval gate.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Decision is a human resolution of a pending gate.
type Decision string

const (
	DecisionApproved Decision = "approved"
	DecisionRejected Decision = "rejected"
)

// Approval is a gate instance tied to a workflow step.
type Approval struct {
	ID          string     `json:"id"`
	WorkflowID  string     `json:"workflow_id"`
	StepOrder   int        `json:"step_order"`
	Status      Status     `json:"status"`
	RequestedBy string     `json:"requested_by"`
	RequestedAt time.Time  `json:"requested_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
	Resolver    string     `json:"resolver,omitempty"`
	Comment     string     `json:"comment,omitempty"`
}

// AlreadyResolvedError marks a resolve attempt on a non-pending approval.
type AlreadyResolvedError struct {
	ID     string
	Status Status
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("approval %s already %s", e.ID, e.Status)
}

// ResumeFunc unblocks or fails the workflow waiting on a gate. This callback
// is the only coupling between the approval manager and the workflow engine.
type ResumeFunc func(ctx context.Context, workflowID string, stepOrder int, approved bool, reason string) error

// Events publishes gate lifecycle notifications. Satisfied by events.Bus.
type Events interface {
	Publish(ctx context.Context, kind, workflowID string, fields map[string]string) error
}

// Manager tracks pending human decisions that gate workflow steps.
type Manager struct {
	pool    *pgxpool.Pool
	expiry  time.Duration
	resume  ResumeFunc
	gw      *gateway.Gateway
	bus     Events
	logger  *zap.Logger
}

// NewManager creates an approval gate manager. gw and bus may be nil.
func NewManager(pool *pgxpool.Pool, expiry time.Duration, logger *zap.Logger) *Manager {
	return &Manager{pool: pool, expiry: expiry, logger: logger}
}

// SetResumeFunc wires the workflow engine callback.
func (m *Manager) SetResumeFunc(fn ResumeFunc) { m.resume = fn }

// SetGateway attaches chat notifications for pending gates.
func (m *Manager) SetGateway(gw *gateway.Gateway) { m.gw = gw }

// SetEvents attaches the event bus.
func (m *Manager) SetEvents(bus Events) { m.bus = bus }

// Request creates a pending approval for a workflow step and returns its id.
// Idempotent per (workflow, step): a second request while one is pending
// returns the existing approval instead of duplicating it.
func (m *Manager) Request(ctx context.Context, workflowID string, stepOrder int, requestedBy string) (string, error) {
	var id string
	err := m.pool.QueryRow(ctx, `
		INSERT INTO workflow_approvals (workflow_id, step_order, status, requested_by)
		VALUES ($1, $2, 'pending', $3)
		ON CONFLICT (workflow_id, step_order) WHERE status = 'pending' DO NOTHING
		RETURNING id`,
		workflowID, stepOrder, requestedBy,
	).Scan(&id)
	if err == nil {
		m.logger.Info("approval requested",
			zap.String("approval", id),
			zap.String("workflow", workflowID),
			zap.Int("step", stepOrder))
		m.announce(ctx, &gateway.GateNotice{
			ApprovalID: id,
			WorkflowID: workflowID,
			StepOrder:  stepOrder,
			Status:     string(StatusPending),
		}, events.ApprovalRequested)
		return id, nil
	}

	// No row returned: a pending gate already exists for this step.
	selErr := m.pool.QueryRow(ctx, `
		SELECT id FROM workflow_approvals
		WHERE workflow_id=$1 AND step_order=$2 AND status='pending'`,
		workflowID, stepOrder,
	).Scan(&id)
	if selErr != nil {
		return "", fmt.Errorf("request approval for workflow %s step %d: %w", workflowID, stepOrder, err)
	}
	return id, nil
}

// Resolve transitions a pending approval and resumes the waiting workflow.
func (m *Manager) Resolve(ctx context.Context, approvalID string, decision Decision, resolver, comment string) error {
	if decision != DecisionApproved && decision != DecisionRejected {
		return fmt.Errorf("invalid decision %q", decision)
	}

	var workflowID string
	var stepOrder int
	err := m.pool.QueryRow(ctx, `
		UPDATE workflow_approvals
		SET status=$1, resolver=$2, comment=NULLIF($3,''), resolved_at=NOW()
		WHERE id=$4 AND status='pending'
		RETURNING workflow_id, step_order`,
		string(decision), resolver, comment, approvalID,
	).Scan(&workflowID, &stepOrder)
	if err != nil {
		return m.resolveConflict(ctx, approvalID, err)
	}

	m.logger.Info("approval resolved",
		zap.String("approval", approvalID),
		zap.String("decision", string(decision)),
		zap.String("resolver", resolver))

	m.announce(ctx, &gateway.GateNotice{
		ApprovalID: approvalID,
		WorkflowID: workflowID,
		StepOrder:  stepOrder,
		Status:     string(decision),
		Resolver:   resolver,
		Comment:    comment,
	}, events.ApprovalResolved)

	if m.resume == nil {
		return nil
	}
	approved := decision == DecisionApproved
	if err := m.resume(ctx, workflowID, stepOrder, approved, "approval_rejected"); err != nil {
		return fmt.Errorf("resume workflow %s: %w", workflowID, err)
	}
	return nil
}

// Expire transitions a pending approval past its timeout to expired. The
// workflow engine treats expiry like rejection.
func (m *Manager) Expire(ctx context.Context, approvalID string) error {
	var workflowID string
	var stepOrder int
	err := m.pool.QueryRow(ctx, `
		UPDATE workflow_approvals
		SET status='expired', resolved_at=NOW()
		WHERE id=$1 AND status='pending' AND requested_at <= NOW() - $2::interval
		RETURNING workflow_id, step_order`,
		approvalID, m.expiry,
	).Scan(&workflowID, &stepOrder)
	if err != nil {
		return m.expireConflict(ctx, approvalID, err)
	}

	m.logger.Info("approval expired", zap.String("approval", approvalID))
	m.announce(ctx, &gateway.GateNotice{
		ApprovalID: approvalID,
		WorkflowID: workflowID,
		StepOrder:  stepOrder,
		Status:     string(StatusExpired),
	}, events.ApprovalExpired)

	if m.resume == nil {
		return nil
	}
	if err := m.resume(ctx, workflowID, stepOrder, false, "approval_expired"); err != nil {
		return fmt.Errorf("resume workflow %s: %w", workflowID, err)
	}
	return nil
}

// ExpireOverdue sweeps every pending approval past the timeout.
func (m *Manager) ExpireOverdue(ctx context.Context) (int, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT id FROM workflow_approvals
		WHERE status='pending' AND requested_at <= NOW() - $1::interval`,
		m.expiry)
	if err != nil {
		return 0, fmt.Errorf("list overdue approvals: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan overdue approval: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		if err := m.Expire(ctx, id); err != nil {
			m.logger.Warn("expire sweep failed", zap.String("approval", id), zap.Error(err))
			continue
		}
		expired++
	}
	return expired, nil
}

// StartSweeper runs ExpireOverdue on an interval until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n, err := m.ExpireOverdue(ctx); err != nil {
					m.logger.Warn("approval sweep failed", zap.Error(err))
				} else if n > 0 {
					m.logger.Info("expired overdue approvals", zap.Int("count", n))
				}
			}
		}
	}()
}

// Get returns one approval by id.
func (m *Manager) Get(ctx context.Context, id string) (*Approval, error) {
	a := &Approval{}
	err := m.pool.QueryRow(ctx, `
		SELECT id, workflow_id, step_order, status, COALESCE(requested_by,''), requested_at,
		       resolved_at, COALESCE(resolver,''), COALESCE(comment,'')
		FROM workflow_approvals WHERE id=$1`, id,
	).Scan(&a.ID, &a.WorkflowID, &a.StepOrder, &a.Status, &a.RequestedBy, &a.RequestedAt,
		&a.ResolvedAt, &a.Resolver, &a.Comment)
	if err != nil {
		return nil, fmt.Errorf("get approval %s: %w", id, err)
	}
	return a, nil
}

// Pending lists all pending approvals, oldest first.
func (m *Manager) Pending(ctx context.Context) ([]*Approval, error) {
	rows, err := m.pool.Query(ctx, `
		SELECT id, workflow_id, step_order, status, COALESCE(requested_by,''), requested_at,
		       resolved_at, COALESCE(resolver,''), COALESCE(comment,'')
		FROM workflow_approvals WHERE status='pending' ORDER BY requested_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a := &Approval{}
		if err := rows.Scan(&a.ID, &a.WorkflowID, &a.StepOrder, &a.Status, &a.RequestedBy,
			&a.RequestedAt, &a.ResolvedAt, &a.Resolver, &a.Comment); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// resolveConflict explains why a resolve returned no row.
func (m *Manager) resolveConflict(ctx context.Context, approvalID string, cause error) error {
	a, err := m.Get(ctx, approvalID)
	if err != nil {
		return fmt.Errorf("resolve approval %s: %w", approvalID, cause)
	}
	return &AlreadyResolvedError{ID: approvalID, Status: a.Status}
}

// expireConflict explains why an expire returned no row.
func (m *Manager) expireConflict(ctx context.Context, approvalID string, cause error) error {
	a, err := m.Get(ctx, approvalID)
	if err != nil {
		return fmt.Errorf("expire approval %s: %w", approvalID, cause)
	}
	if a.Status != StatusPending {
		return &AlreadyResolvedError{ID: approvalID, Status: a.Status}
	}
	return fmt.Errorf("approval %s not past expiry yet", approvalID)
}

func (m *Manager) announce(ctx context.Context, notice *gateway.GateNotice, kind string) {
	if m.gw != nil {
		m.gw.NotifyGate(ctx, notice)
	}
	if m.bus != nil {
		fields := map[string]string{
			"approval_id": notice.ApprovalID,
			"step_order":  fmt.Sprint(notice.StepOrder),
			"status":      notice.Status,
		}
		if notice.Resolver != "" {
			fields["resolver"] = notice.Resolver
		}
		if err := m.bus.Publish(ctx, kind, notice.WorkflowID, fields); err != nil {
			m.logger.Warn("publish approval event failed", zap.Error(err))
		}
	}
}
