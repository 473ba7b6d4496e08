package registry

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func writeDescriptor(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agents.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write descriptor: %v", err)
	}
	return path
}

func TestLoadDescriptors(t *testing.T) {
	path := writeDescriptor(t, `{
		"version": 1,
		"agents": [
			{
				"name": "architect-planner",
				"script_path": "agents/architect_planner.py",
				"language": "python",
				"parameters": {"--complexity": "medium"},
				"capabilities": ["system-architecture"],
				"estimated_cost": 0.15
			},
			{
				"name": "qa-tester",
				"script_path": "agents/qa_tester.py",
				"language": "python",
				"estimated_cost": 0.03
			}
		]
	}`)

	set, err := LoadDescriptors(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if set.Version != 1 || len(set.Agents) != 2 {
		t.Fatalf("set = version %d with %d agents", set.Version, len(set.Agents))
	}
	if set.Agents[0].Parameters["--complexity"] != "medium" {
		t.Fatalf("parameters = %v", set.Agents[0].Parameters)
	}

	reg := New(zap.NewNop())
	if err := reg.Seed(context.Background(), set); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("len = %d, want 2", reg.Len())
	}
	if _, err := reg.Resolve("architect-planner"); err != nil {
		t.Fatalf("resolve after seed: %v", err)
	}
}

func TestLoadDescriptorsRejectsBadInput(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing version", `{"agents": [{"name": "a", "script_path": "a.py"}]}`},
		{"missing name", `{"version": 1, "agents": [{"script_path": "a.py"}]}`},
		{"missing script path", `{"version": 1, "agents": [{"name": "a"}]}`},
		{"malformed json", `{"version": `},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeDescriptor(t, tt.content)
			if _, err := LoadDescriptors(path); err == nil {
				t.Fatal("load succeeded, want error")
			}
		})
	}
}

func TestLoadDescriptorsMissingFile(t *testing.T) {
	if _, err := LoadDescriptors(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("load of missing file succeeded")
	}
}
