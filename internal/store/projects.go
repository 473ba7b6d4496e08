package store

import (
	"context"
	"fmt"
)

// UpsertProject creates or updates a project by name and returns its id.
func (s *Store) UpsertProject(ctx context.Context, name, description string) (string, error) {
	var id string
	err := s.db.QueryRow(ctx, `
		INSERT INTO projects (name, description)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET description = EXCLUDED.description
		RETURNING id`, name, description,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert project %s: %w", name, err)
	}
	return id, nil
}
