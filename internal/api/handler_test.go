package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/helmsman/missionctl/internal/engine"
	"github.com/helmsman/missionctl/internal/registry"
	"github.com/helmsman/missionctl/internal/runner"
)

// okRunner reports success for every invocation.
type okRunner struct{}

func (okRunner) Run(context.Context, *registry.Agent, map[string]any) *runner.Result {
	return &runner.Result{ExitCode: 0, Output: "ok"}
}

// memoLedger keeps executions in memory for handler tests.
type memoLedger struct {
	mu   sync.Mutex
	next int
}

func (l *memoLedger) RecordStart(context.Context, string, int, int, string, map[string]any) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.next++
	return fmt.Sprintf("exec-%d", l.next), nil
}

func (l *memoLedger) RecordResult(context.Context, string, string, int, string, float64, string) error {
	return nil
}

// newTestHandler creates a Handler wired with in-memory deps (no Postgres/Redis).
func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	logger := zap.NewNop()

	reg := registry.New(logger)
	for _, name := range []string{"planner", "coder"} {
		a := &registry.Agent{
			Name:          name,
			ScriptPath:    "agents/" + name + ".py",
			Language:      "python",
			Capabilities:  []string{"code-generation"},
			EstimatedCost: 0.05,
		}
		if err := reg.Register(context.Background(), a); err != nil {
			t.Fatalf("register %s: %v", name, err)
		}
	}

	cfg := engine.Config{MaxAttempts: 1, StepTimeout: time.Second, BackoffBase: time.Millisecond}
	eng := engine.New(cfg, reg, okRunner{}, &memoLedger{}, logger)

	return NewHandler(eng, reg, nil, nil, nil, logger)
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	h := newTestHandler(t)
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

func TestRegisterAndGetAgent(t *testing.T) {
	h := newTestHandler(t)
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	resp := postJSON(t, ts, "/api/agents", map[string]any{
		"name":           "security-auditor",
		"script_path":    "agents/security_auditor.py",
		"language":       "python",
		"capabilities":   []string{"vulnerability-scanning"},
		"estimated_cost": 0.06,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register status = %d, want 201", resp.StatusCode)
	}
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/agents/security-auditor")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get status = %d, want 200", resp.StatusCode)
	}
	var a registry.Agent
	decodeJSON(t, resp, &a)
	if a.ScriptPath != "agents/security_auditor.py" || a.EstimatedCost != 0.06 {
		t.Fatalf("agent = %+v", a)
	}

	resp = getJSON(t, ts, "/api/agents/ghost")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown agent status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestListAgentsByCapability(t *testing.T) {
	h := newTestHandler(t)
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	resp := getJSON(t, ts, "/api/agents?capability=code-generation")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var agents []*registry.Agent
	decodeJSON(t, resp, &agents)
	if len(agents) != 2 {
		t.Fatalf("matches = %d, want 2", len(agents))
	}
	if agents[0].Name != "coder" || agents[1].Name != "planner" {
		t.Fatalf("agents = %v, want name order", agents)
	}

	resp = getJSON(t, ts, "/api/agents?capability=nonexistent")
	var none []*registry.Agent
	decodeJSON(t, resp, &none)
	if len(none) != 0 {
		t.Fatalf("matches = %d, want 0", len(none))
	}
}

func TestWorkflowLifecycle(t *testing.T) {
	h := newTestHandler(t)
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	resp := postJSON(t, ts, "/api/workflows", map[string]any{
		"project_id": "proj-1",
		"steps": []map[string]any{
			{"step_order": 0, "agent_name": "planner"},
			{"step_order": 1, "agent_name": "coder"},
		},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want 201", resp.StatusCode)
	}
	var wf engine.Workflow
	decodeJSON(t, resp, &wf)
	if wf.ID == "" || wf.Status != engine.StatusCreated {
		t.Fatalf("workflow = %+v", wf)
	}

	resp = postJSON(t, ts, "/api/workflows/"+wf.ID+"/start", nil)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("start status = %d, want 202", resp.StatusCode)
	}
	resp.Body.Close()

	h.engine.Wait(wf.ID)

	resp = getJSON(t, ts, "/api/workflows/"+wf.ID)
	var done engine.Workflow
	decodeJSON(t, resp, &done)
	if done.Status != engine.StatusCompleted {
		t.Fatalf("status = %s, want completed", done.Status)
	}

	// Second start collides with the terminal state.
	resp = postJSON(t, ts, "/api/workflows/"+wf.ID+"/start", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("restart status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/workflows/"+wf.ID+"/cancel", nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("cancel completed status = %d, want 409", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestCreateWorkflowValidation(t *testing.T) {
	h := newTestHandler(t)
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	tests := []struct {
		name string
		body map[string]any
	}{
		{"no steps", map[string]any{"project_id": "proj-1"}},
		{"duplicate order", map[string]any{"steps": []map[string]any{
			{"step_order": 0, "agent_name": "planner"},
			{"step_order": 0, "agent_name": "coder"},
		}}},
		{"unknown agent", map[string]any{"steps": []map[string]any{
			{"step_order": 0, "agent_name": "ghost"},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts, "/api/workflows", tt.body)
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestGetWorkflowNotFound(t *testing.T) {
	h := newTestHandler(t)
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	resp := getJSON(t, ts, "/api/workflows/no-such-id")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestPersistenceRoutesUnavailable(t *testing.T) {
	h := newTestHandler(t)
	ts := httptest.NewServer(h.Router())
	defer ts.Close()

	for _, path := range []string{
		"/api/workflows/some-id/executions",
		"/api/workflows/some-id/cost",
		"/api/workflows/some-id/artifacts",
		"/api/approvals",
	} {
		resp := getJSON(t, ts, path)
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Fatalf("GET %s status = %d, want 503", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}
