package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/helmsman/missionctl/internal/engine"
)

// SaveWorkflow inserts a workflow and its steps in one transaction.
func (s *Store) SaveWorkflow(ctx context.Context, wf *engine.Workflow) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin save workflow: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO agent_workflows (id, project_id, status, fail_reason, dry_run, created_at)
		VALUES ($1, NULLIF($2,''), $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			fail_reason = EXCLUDED.fail_reason`,
		wf.ID, wf.ProjectID, string(wf.Status), wf.FailReason, wf.DryRun, wf.CreatedAt)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", wf.ID, err)
	}

	for _, st := range wf.Steps {
		params, merr := json.Marshal(st.Params)
		if merr != nil {
			return fmt.Errorf("marshal step %d params: %w", st.Order, merr)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO workflow_steps (workflow_id, step_order, agent_name, parameters, requires_approval, max_attempts, status)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (workflow_id, step_order) DO UPDATE SET
				agent_name = EXCLUDED.agent_name,
				parameters = EXCLUDED.parameters,
				requires_approval = EXCLUDED.requires_approval,
				max_attempts = EXCLUDED.max_attempts,
				status = EXCLUDED.status`,
			wf.ID, st.Order, st.AgentName, params, st.RequiresApproval, st.MaxAttempts, string(st.Status))
		if err != nil {
			return fmt.Errorf("save workflow %s step %d: %w", wf.ID, st.Order, err)
		}
	}
	return tx.Commit(ctx)
}

// UpdateWorkflowStatus records a workflow transition. completed stamps completed_at.
func (s *Store) UpdateWorkflowStatus(ctx context.Context, id string, status engine.Status, reason string, completed bool) error {
	var err error
	if completed {
		_, err = s.db.Exec(ctx, `
			UPDATE agent_workflows SET status=$1, fail_reason=$2, completed_at=NOW() WHERE id=$3`,
			string(status), reason, id)
	} else {
		_, err = s.db.Exec(ctx, `
			UPDATE agent_workflows SET status=$1, fail_reason=$2 WHERE id=$3`,
			string(status), reason, id)
	}
	if err != nil {
		return fmt.Errorf("update workflow %s status: %w", id, err)
	}
	return nil
}

// UpdateStepStatus records a step transition.
func (s *Store) UpdateStepStatus(ctx context.Context, workflowID string, stepOrder int, status engine.StepStatus) error {
	_, err := s.db.Exec(ctx, `
		UPDATE workflow_steps SET status=$1 WHERE workflow_id=$2 AND step_order=$3`,
		string(status), workflowID, stepOrder)
	if err != nil {
		return fmt.Errorf("update workflow %s step %d status: %w", workflowID, stepOrder, err)
	}
	return nil
}

// GetWorkflow loads a workflow and its steps ordered by step_order.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*engine.Workflow, error) {
	wf := &engine.Workflow{}
	var projectID *string
	var failReason *string
	err := s.db.QueryRow(ctx, `
		SELECT id, project_id, status, fail_reason, dry_run, created_at, completed_at
		FROM agent_workflows WHERE id=$1`, id,
	).Scan(&wf.ID, &projectID, &wf.Status, &failReason, &wf.DryRun, &wf.CreatedAt, &wf.CompletedAt)
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	if projectID != nil {
		wf.ProjectID = *projectID
	}
	if failReason != nil {
		wf.FailReason = *failReason
	}

	rows, err := s.db.Query(ctx, `
		SELECT step_order, agent_name, parameters, requires_approval, max_attempts, status
		FROM workflow_steps WHERE workflow_id=$1 ORDER BY step_order`, id)
	if err != nil {
		return nil, fmt.Errorf("get workflow %s steps: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		st := &engine.Step{}
		var params []byte
		if err := rows.Scan(&st.Order, &st.AgentName, &params, &st.RequiresApproval, &st.MaxAttempts, &st.Status); err != nil {
			return nil, fmt.Errorf("scan workflow %s step: %w", id, err)
		}
		if len(params) > 0 {
			_ = json.Unmarshal(params, &st.Params)
		}
		wf.Steps = append(wf.Steps, st)
	}
	return wf, rows.Err()
}

// ListWorkflows returns workflows ordered newest first, optionally filtered by status.
func (s *Store) ListWorkflows(ctx context.Context, status string) ([]*engine.Workflow, error) {
	query := `
		SELECT id, COALESCE(project_id::text,''), status, COALESCE(fail_reason,''), dry_run, created_at, completed_at
		FROM agent_workflows`
	args := []any{}
	if status != "" {
		query += ` WHERE status=$1`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*engine.Workflow
	for rows.Next() {
		wf := &engine.Workflow{}
		if err := rows.Scan(&wf.ID, &wf.ProjectID, &wf.Status, &wf.FailReason, &wf.DryRun, &wf.CreatedAt, &wf.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}
