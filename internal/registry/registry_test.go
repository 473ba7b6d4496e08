package registry

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return New(zap.NewNop())
}

func TestRegisterAndResolve(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	a := &Agent{
		Name:          "qa-tester",
		ScriptPath:    "agents/qa_tester.py",
		Language:      "python",
		Parameters:    map[string]any{"--test-type": "all"},
		Capabilities:  []string{"unit-testing"},
		EstimatedCost: 0.03,
	}
	if err := reg.Register(ctx, a); err != nil {
		t.Fatalf("register: %v", err)
	}

	got, err := reg.Resolve("qa-tester")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ScriptPath != "agents/qa_tester.py" || got.EstimatedCost != 0.03 {
		t.Fatalf("resolved = %+v", got)
	}

	// Mutating the returned copy must not leak into the registry.
	got.EstimatedCost = 99
	again, _ := reg.Resolve("qa-tester")
	if again.EstimatedCost != 0.03 {
		t.Fatal("Resolve returned a shared descriptor")
	}
}

func TestRegisterUpsert(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	if err := reg.Register(ctx, &Agent{Name: "coder", EstimatedCost: 0.08}); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(ctx, &Agent{Name: "coder", EstimatedCost: 0.10}); err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if reg.Len() != 1 {
		t.Fatalf("len = %d, want 1", reg.Len())
	}
	got, _ := reg.Resolve("coder")
	if got.EstimatedCost != 0.10 {
		t.Fatalf("cost = %v, want last write 0.10", got.EstimatedCost)
	}
}

func TestRegisterEmptyName(t *testing.T) {
	reg := newTestRegistry(t)
	if err := reg.Register(context.Background(), &Agent{}); err == nil {
		t.Fatal("register with empty name succeeded")
	}
}

func TestResolveUnknown(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Resolve("ghost")
	var unknown *UnknownAgentError
	if !errors.As(err, &unknown) {
		t.Fatalf("err = %v, want UnknownAgentError", err)
	}
	if unknown.Name != "ghost" {
		t.Fatalf("name = %q, want ghost", unknown.Name)
	}
}

func TestFindByCapability(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	for _, a := range []*Agent{
		{Name: "zeta", Capabilities: []string{"code-generation", "bug-fixing"}},
		{Name: "alpha", Capabilities: []string{"code-generation"}},
		{Name: "mid", Capabilities: []string{"documentation"}},
	} {
		if err := reg.Register(ctx, a); err != nil {
			t.Fatalf("register %s: %v", a.Name, err)
		}
	}

	var names []string
	for a := range reg.FindByCapability("code-generation") {
		names = append(names, a.Name)
	}
	if len(names) != 2 || names[0] != "alpha" || names[1] != "zeta" {
		t.Fatalf("matches = %v, want [alpha zeta]", names)
	}

	// The sequence is restartable and supports early break.
	seq := reg.FindByCapability("code-generation")
	for range seq {
		break
	}
	count := 0
	for range seq {
		count++
	}
	if count != 2 {
		t.Fatalf("second iteration yielded %d, want 2", count)
	}

	for range reg.FindByCapability("nonexistent") {
		t.Fatal("unexpected match for unknown capability")
	}
}

func TestListOrdered(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()
	for _, name := range []string{"charlie", "alpha", "bravo"} {
		if err := reg.Register(ctx, &Agent{Name: name}); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}
	list := reg.List()
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	want := []string{"alpha", "bravo", "charlie"}
	for i, a := range list {
		if a.Name != want[i] {
			t.Fatalf("list[%d] = %s, want %s", i, a.Name, want[i])
		}
	}
}

// failingPersister rejects every save.
type failingPersister struct{}

func (failingPersister) SaveAgent(context.Context, *Agent) error {
	return errors.New("connection refused")
}

func TestRegisterPersistError(t *testing.T) {
	reg := newTestRegistry(t)
	reg.SetPersister(failingPersister{})
	err := reg.Register(context.Background(), &Agent{Name: "coder"})
	if err == nil {
		t.Fatal("register with failing persister succeeded")
	}
}
