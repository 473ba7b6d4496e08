package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/helmsman/missionctl/internal/approval"
	"github.com/helmsman/missionctl/internal/codegen"
	"github.com/helmsman/missionctl/internal/engine"
	"github.com/helmsman/missionctl/internal/ledger"
	"github.com/helmsman/missionctl/internal/registry"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine    *engine.Engine
	registry  *registry.Registry
	ledger    *ledger.Ledger
	trail     *codegen.Trail
	approvals *approval.Manager
	logger    *zap.Logger
}

// NewHandler creates a new API handler. ledger, trail and approvals may be
// nil when running without persistence; their routes answer 503.
func NewHandler(
	eng *engine.Engine,
	reg *registry.Registry,
	ledg *ledger.Ledger,
	trail *codegen.Trail,
	approvals *approval.Manager,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		engine:    eng,
		registry:  reg,
		ledger:    ledg,
		trail:     trail,
		approvals: approvals,
		logger:    logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Registry routes
		r.Get("/agents", h.listAgents)
		r.Post("/agents", h.registerAgent)
		r.Get("/agents/{name}", h.getAgent)

		// Workflow routes
		r.Post("/workflows", h.createWorkflow)
		r.Get("/workflows/{id}", h.getWorkflow)
		r.Post("/workflows/{id}/start", h.startWorkflow)
		r.Post("/workflows/{id}/cancel", h.cancelWorkflow)
		r.Get("/workflows/{id}/executions", h.listExecutions)
		r.Get("/workflows/{id}/cost", h.workflowCost)
		r.Get("/workflows/{id}/artifacts", h.listArtifacts)

		// Approval routes
		r.Get("/approvals", h.listPendingApprovals)
		r.Post("/approvals/{id}/resolve", h.resolveApproval)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "missionctl"})
}

func (h *Handler) listAgents(w http.ResponseWriter, r *http.Request) {
	if tag := r.URL.Query().Get("capability"); tag != "" {
		var agents []*registry.Agent
		for a := range h.registry.FindByCapability(tag) {
			agents = append(agents, a)
		}
		writeJSON(w, http.StatusOK, agents)
		return
	}
	writeJSON(w, http.StatusOK, h.registry.List())
}

func (h *Handler) registerAgent(w http.ResponseWriter, r *http.Request) {
	var a registry.Agent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if err := h.registry.Register(r.Context(), &a); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) getAgent(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	a, err := h.registry.Resolve(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type createWorkflowRequest struct {
	ProjectID string         `json:"project_id"`
	DryRun    bool           `json:"dry_run"`
	Steps     []*engine.Step `json:"steps"`
}

func (h *Handler) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	wf, err := h.engine.CreateWorkflow(r.Context(), req.ProjectID, req.DryRun, req.Steps)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (h *Handler) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf, err := h.engine.Get(id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (h *Handler) startWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.Start(r.Context(), id); err != nil {
		writeJSON(w, stateStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "running"})
}

func (h *Handler) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.Cancel(r.Context(), id); err != nil {
		writeJSON(w, stateStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": "cancelled"})
}

func (h *Handler) listExecutions(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ledger not initialized"})
		return
	}
	id := chi.URLParam(r, "id")
	execs, err := h.ledger.ListForWorkflow(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, execs)
}

func (h *Handler) workflowCost(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "ledger not initialized"})
		return
	}
	id := chi.URLParam(r, "id")
	cost, err := h.ledger.CostForWorkflow(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow_id": id, "cost": cost})
}

func (h *Handler) listArtifacts(w http.ResponseWriter, r *http.Request) {
	if h.trail == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "audit trail not initialized"})
		return
	}
	id := chi.URLParam(r, "id")
	artifacts, err := h.trail.ListForWorkflow(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, artifacts)
}

func (h *Handler) listPendingApprovals(w http.ResponseWriter, r *http.Request) {
	if h.approvals == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "approvals not initialized"})
		return
	}
	pending, err := h.approvals.Pending(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

type resolveRequest struct {
	Decision string `json:"decision"`
	Resolver string `json:"resolver"`
	Comment  string `json:"comment"`
}

func (h *Handler) resolveApproval(w http.ResponseWriter, r *http.Request) {
	if h.approvals == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "approvals not initialized"})
		return
	}
	id := chi.URLParam(r, "id")
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	err := h.approvals.Resolve(r.Context(), id, approval.Decision(req.Decision), req.Resolver, req.Comment)
	if err != nil {
		var resolved *approval.AlreadyResolvedError
		if errors.As(err, &resolved) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, stateStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "decision": req.Decision})
}

// stateStatus maps engine state errors to 409, everything else to 500.
func stateStatus(err error) int {
	var invalid *engine.InvalidStateError
	if errors.As(err, &invalid) {
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
