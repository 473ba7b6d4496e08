package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/helmsman/missionctl/internal/registry"
)

// SaveAgent upserts a registry entry by name. Managed fields are overwritten,
// anything outside the managed set is left alone.
func (s *Store) SaveAgent(ctx context.Context, a *registry.Agent) error {
	params, err := json.Marshal(a.Parameters)
	if err != nil {
		return fmt.Errorf("marshal agent %s parameters: %w", a.Name, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO agents (name, description, script_path, language, parameters, tags, capabilities, default_schedule, estimated_cost, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8,''), $9, NOW())
		ON CONFLICT (name) DO UPDATE SET
			description = EXCLUDED.description,
			script_path = EXCLUDED.script_path,
			language = EXCLUDED.language,
			parameters = EXCLUDED.parameters,
			tags = EXCLUDED.tags,
			capabilities = EXCLUDED.capabilities,
			default_schedule = EXCLUDED.default_schedule,
			estimated_cost = EXCLUDED.estimated_cost,
			updated_at = NOW()`,
		a.Name, a.Description, a.ScriptPath, a.Language, params,
		a.Tags, a.Capabilities, a.DefaultSchedule, a.EstimatedCost)
	if err != nil {
		return fmt.Errorf("save agent %s: %w", a.Name, err)
	}
	return nil
}

// ListAgents returns all registry entries ordered by name.
func (s *Store) ListAgents(ctx context.Context) ([]*registry.Agent, error) {
	rows, err := s.db.Query(ctx, `
		SELECT name, description, script_path, language, parameters, tags, capabilities,
		       COALESCE(default_schedule,''), estimated_cost
		FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*registry.Agent
	for rows.Next() {
		a := &registry.Agent{}
		var params []byte
		if err := rows.Scan(&a.Name, &a.Description, &a.ScriptPath, &a.Language,
			&params, &a.Tags, &a.Capabilities, &a.DefaultSchedule, &a.EstimatedCost); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		if len(params) > 0 {
			_ = json.Unmarshal(params, &a.Parameters)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}
