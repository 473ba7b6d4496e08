package codegen

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Artifact is a write-once audit record of code an agent produced on the
// system's behalf. Corrections are new rows that supersede older ones by
// timestamp; nothing is ever updated or deleted.
type Artifact struct {
	ID          string    `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Ref         string    `json:"artifact_ref"`
	Description string    `json:"description"`
	Applied     bool      `json:"applied"`
	CreatedAt   time.Time `json:"created_at"`
}

// Trail records generated artifacts for later review.
type Trail struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New creates a trail over an existing pool.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Trail {
	return &Trail{pool: pool, logger: logger}
}

// RecordArtifact inserts an audit row and returns its id.
func (t *Trail) RecordArtifact(ctx context.Context, executionID, ref, description string) (string, error) {
	var id string
	err := t.pool.QueryRow(ctx, `
		INSERT INTO agent_code_generations (execution_id, artifact_ref, description)
		VALUES ($1, $2, $3)
		RETURNING id`,
		executionID, ref, description,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("record artifact for execution %s: %w", executionID, err)
	}
	t.logger.Info("code generation recorded",
		zap.String("execution", executionID),
		zap.String("artifact", ref))
	return id, nil
}

// MarkApplied flags an artifact as applied. The row itself stays immutable
// apart from this single review flag.
func (t *Trail) MarkApplied(ctx context.Context, id string) error {
	tag, err := t.pool.Exec(ctx, `
		UPDATE agent_code_generations SET applied=TRUE WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("mark artifact %s applied: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("artifact %s not found", id)
	}
	return nil
}

// ListForExecution returns artifacts for one execution, oldest first.
func (t *Trail) ListForExecution(ctx context.Context, executionID string) ([]*Artifact, error) {
	return t.list(ctx, `
		SELECT id, execution_id, artifact_ref, description, applied, created_at
		FROM agent_code_generations WHERE execution_id=$1
		ORDER BY created_at`, executionID)
}

// ListForWorkflow returns artifacts across all of a workflow's executions.
func (t *Trail) ListForWorkflow(ctx context.Context, workflowID string) ([]*Artifact, error) {
	return t.list(ctx, `
		SELECT g.id, g.execution_id, g.artifact_ref, g.description, g.applied, g.created_at
		FROM agent_code_generations g
		JOIN agent_executions e ON e.id = g.execution_id
		WHERE e.workflow_id=$1
		ORDER BY g.created_at`, workflowID)
}

func (t *Trail) list(ctx context.Context, query string, arg any) ([]*Artifact, error) {
	rows, err := t.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*Artifact
	for rows.Next() {
		a := &Artifact{}
		if err := rows.Scan(&a.ID, &a.ExecutionID, &a.Ref, &a.Description, &a.Applied, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
