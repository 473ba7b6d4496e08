package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"
)

// DescriptorSet is a versioned agent catalog loaded from a metadata file.
// Registry contents come from this structured format, never from scanning
// agent source text.
type DescriptorSet struct {
	Version int      `json:"version"`
	Agents  []*Agent `json:"agents"`
}

// LoadDescriptors parses a descriptor file.
func LoadDescriptors(path string) (*DescriptorSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor file %s: %w", path, err)
	}
	var set DescriptorSet
	if err := json.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("parse descriptor file %s: %w", path, err)
	}
	if set.Version == 0 {
		return nil, fmt.Errorf("descriptor file %s: missing version", path)
	}
	for i, a := range set.Agents {
		if a.Name == "" {
			return nil, fmt.Errorf("descriptor file %s: agent %d has no name", path, i)
		}
		if a.ScriptPath == "" {
			return nil, fmt.Errorf("descriptor file %s: agent %q has no script_path", path, a.Name)
		}
	}
	return &set, nil
}

// Seed upserts every descriptor in the set into the registry.
func (r *Registry) Seed(ctx context.Context, set *DescriptorSet) error {
	for _, a := range set.Agents {
		if err := r.Register(ctx, a); err != nil {
			return err
		}
	}
	r.logger.Info("seeded agent registry",
		zap.Int("version", set.Version),
		zap.Int("agents", len(set.Agents)))
	return nil
}
