package registry

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// Agent is a registry entry describing an independently executable worker.
type Agent struct {
	Name            string         `json:"name"`
	Description     string         `json:"description"`
	ScriptPath      string         `json:"script_path"`
	Language        string         `json:"language"`
	Parameters      map[string]any `json:"parameters"`
	Tags            []string       `json:"tags"`
	Capabilities    []string       `json:"capabilities"`
	DefaultSchedule string         `json:"default_schedule,omitempty"`
	EstimatedCost   float64        `json:"estimated_cost"`
}

// UnknownAgentError is returned when a name has no registry entry.
type UnknownAgentError struct {
	Name string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("unknown agent %q", e.Name)
}

// Persister stores registry entries durably. Implemented by store.Store.
type Persister interface {
	SaveAgent(ctx context.Context, a *Agent) error
}

// Registry is the shared agent catalog. Reads are concurrent, writes serialized.
type Registry struct {
	mu        sync.RWMutex
	agents    map[string]*Agent
	persister Persister
	logger    *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		agents: make(map[string]*Agent),
		logger: logger,
	}
}

// SetPersister attaches durable storage for registered agents.
func (r *Registry) SetPersister(p Persister) {
	r.mu.Lock()
	r.persister = p
	r.mu.Unlock()
}

// Register upserts an agent by name. Last writer wins for all managed fields,
// so re-running a seed is idempotent.
func (r *Registry) Register(ctx context.Context, a *Agent) error {
	if a.Name == "" {
		return fmt.Errorf("register agent: empty name")
	}
	cp := *a
	cp.Parameters = cloneParams(a.Parameters)
	cp.Tags = slices.Clone(a.Tags)
	cp.Capabilities = slices.Clone(a.Capabilities)

	r.mu.Lock()
	r.agents[cp.Name] = &cp
	p := r.persister
	r.mu.Unlock()

	if p != nil {
		if err := p.SaveAgent(ctx, &cp); err != nil {
			return fmt.Errorf("persist agent %s: %w", cp.Name, err)
		}
	}
	r.logger.Debug("registered agent", zap.String("agent", cp.Name))
	return nil
}

// Resolve returns the agent descriptor for a name.
func (r *Registry) Resolve(name string) (*Agent, error) {
	r.mu.RLock()
	a, ok := r.agents[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownAgentError{Name: name}
	}
	cp := *a
	return &cp, nil
}

// FindByCapability yields agents whose capability set contains tag,
// ordered by name. The sequence is finite and restartable.
func (r *Registry) FindByCapability(tag string) iter.Seq[*Agent] {
	return func(yield func(*Agent) bool) {
		for _, a := range r.snapshot() {
			if slices.Contains(a.Capabilities, tag) {
				if !yield(a) {
					return
				}
			}
		}
	}
}

// List returns all registered agents ordered by name.
func (r *Registry) List() []*Agent {
	return r.snapshot()
}

// Len returns the number of registered agents.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

func (r *Registry) snapshot() []*Agent {
	r.mu.RLock()
	agents := make([]*Agent, 0, len(r.agents))
	for _, a := range r.agents {
		cp := *a
		agents = append(agents, &cp)
	}
	r.mu.RUnlock()
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents
}

func cloneParams(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
