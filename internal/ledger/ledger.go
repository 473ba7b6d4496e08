package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Execution statuses. An execution begins in running and is finalized
// exactly once; rows are never updated afterward.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Failure reasons recorded alongside a failed execution.
const (
	ReasonTimeout  = "timeout"
	ReasonNonZero  = "nonzero_exit"
	ReasonBadSpawn = "spawn_error"
)

// Execution is one invocation attempt of an agent for a workflow step.
type Execution struct {
	ID         string         `json:"id"`
	WorkflowID string         `json:"workflow_id"`
	StepOrder  int            `json:"step_order"`
	Attempt    int            `json:"attempt_number"`
	AgentName  string         `json:"agent_name"`
	Params     map[string]any `json:"parameters,omitempty"`
	Status     string         `json:"status"`
	ExitCode   int            `json:"exit_code"`
	Reason     string         `json:"reason,omitempty"`
	Cost       float64        `json:"cost"`
	Output     string         `json:"output,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	EndedAt    *time.Time     `json:"ended_at,omitempty"`
}

// Ledger is the append-only record of agent executions.
type Ledger struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New creates a ledger over an existing pool.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Ledger {
	return &Ledger{pool: pool, logger: logger}
}

// RecordStart inserts a running execution row and returns its id.
func (l *Ledger) RecordStart(ctx context.Context, workflowID string, stepOrder, attempt int, agentName string, params map[string]any) (string, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("marshal execution params: %w", err)
	}
	var id string
	err = l.pool.QueryRow(ctx, `
		INSERT INTO agent_executions (workflow_id, step_order, attempt_number, agent_name, parameters, status, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		RETURNING id`,
		workflowID, stepOrder, attempt, agentName, data, StatusRunning,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("record execution start: %w", err)
	}
	l.logger.Debug("execution started",
		zap.String("execution", id),
		zap.String("workflow", workflowID),
		zap.Int("step", stepOrder),
		zap.Int("attempt", attempt))
	return id, nil
}

// RecordResult finalizes a running execution. A second call for the same
// execution fails: finalized rows are immutable.
func (l *Ledger) RecordResult(ctx context.Context, executionID string, status string, exitCode int, reason string, cost float64, output string) error {
	tag, err := l.pool.Exec(ctx, `
		UPDATE agent_executions
		SET status=$1, exit_status=$2, reason=NULLIF($3,''), cost=$4, output=$5, ended_at=NOW()
		WHERE id=$6 AND status=$7`,
		status, exitCode, reason, cost, output, executionID, StatusRunning)
	if err != nil {
		return fmt.Errorf("record execution result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("execution %s already finalized", executionID)
	}
	return nil
}

// CostForWorkflow sums cost over every execution of the workflow,
// including failed and retried attempts.
func (l *Ledger) CostForWorkflow(ctx context.Context, workflowID string) (float64, error) {
	var total float64
	err := l.pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(cost), 0) FROM agent_executions WHERE workflow_id=$1`,
		workflowID,
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("cost for workflow %s: %w", workflowID, err)
	}
	return total, nil
}

// ListForWorkflow returns executions ordered by step then attempt.
func (l *Ledger) ListForWorkflow(ctx context.Context, workflowID string) ([]*Execution, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, workflow_id, step_order, attempt_number, agent_name, parameters,
		       status, COALESCE(exit_status,0), COALESCE(reason,''), cost, COALESCE(output,''), started_at, ended_at
		FROM agent_executions WHERE workflow_id=$1
		ORDER BY step_order, attempt_number`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list executions for workflow %s: %w", workflowID, err)
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e := &Execution{}
		var params []byte
		if err := rows.Scan(&e.ID, &e.WorkflowID, &e.StepOrder, &e.Attempt, &e.AgentName, &params,
			&e.Status, &e.ExitCode, &e.Reason, &e.Cost, &e.Output, &e.StartedAt, &e.EndedAt); err != nil {
			return nil, fmt.Errorf("scan execution: %w", err)
		}
		if len(params) > 0 {
			_ = json.Unmarshal(params, &e.Params)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
