// Package api is the thin HTTP shim over the managers. Request and
// response schemas are deliberately small; all domain validation lives
// behind the manager boundary.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/devghori1264/aerophoenix/fleetd/internal/autoscale"
	"github.com/devghori1264/aerophoenix/fleetd/internal/errdefs"
	"github.com/devghori1264/aerophoenix/fleetd/internal/lifecycle"
	"github.com/devghori1264/aerophoenix/fleetd/internal/models"
	"github.com/devghori1264/aerophoenix/fleetd/internal/scheduler"
	"github.com/devghori1264/aerophoenix/fleetd/internal/storage"
)

type Handler struct {
	fleet  *lifecycle.Manager
	jobs   *scheduler.Engine
	scaler *autoscale.Controller
	store  storage.Store
	logger *zap.Logger
}

func NewHandler(fleet *lifecycle.Manager, jobs *scheduler.Engine, scaler *autoscale.Controller, store storage.Store, logger *zap.Logger) http.Handler {
	h := &Handler{fleet: fleet, jobs: jobs, scaler: scaler, store: store, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", h.handleHealth)

	mux.HandleFunc("POST /v1/vms", h.handleCreateVM)
	mux.HandleFunc("GET /v1/vms", h.handleListVMs)
	mux.HandleFunc("GET /v1/vms/{id}", h.handleGetVM)
	mux.HandleFunc("POST /v1/vms/{id}/stop", h.handleStopVM)
	mux.HandleFunc("POST /v1/vms/{id}/restart", h.handleRestartVM)
	mux.HandleFunc("POST /v1/vms/{id}/rotate", h.handleRotateIP)
	mux.HandleFunc("DELETE /v1/vms/{id}", h.handleDeleteVM)

	mux.HandleFunc("POST /v1/jobs", h.handleEnqueueJob)
	mux.HandleFunc("GET /v1/jobs", h.handleListJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", h.handleGetJob)

	mux.HandleFunc("POST /v1/autoscale/evaluate", h.handleAutoscale)

	mux.HandleFunc("GET /v1/operations/{id}", h.handleGetOperation)

	mux.HandleFunc("GET /v1/tunnels", h.handleListTunnels)
	mux.HandleFunc("POST /v1/tunnels/register", h.handleRegisterTunnel)
	mux.HandleFunc("GET /v1/security/snapshot", h.handleSecuritySnapshot)

	mux.HandleFunc("GET /v1/guardrails", h.handleGetGuardrails)
	mux.HandleFunc("PUT /v1/guardrails", h.handlePutGuardrails)
	mux.HandleFunc("GET /v1/templates", h.handleListTemplates)
	mux.HandleFunc("PUT /v1/templates/{id}", h.handlePutTemplate)

	return mux
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleCreateVM(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID         string `json:"id"`
		Region     string `json:"region"`
		RAM        string `json:"ram"`
		CPU        string `json:"cpu"`
		TemplateID string `json:"template_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.ID == "" || req.Region == "" {
		h.writeError(w, http.StatusBadRequest, "id and region required")
		return
	}

	vm, op, err := h.fleet.CreateVM(r.Context(), lifecycle.CreateSpec{
		ID:         req.ID,
		Region:     req.Region,
		RAM:        req.RAM,
		CPU:        req.CPU,
		TemplateID: req.TemplateID,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{"vm": vm, "operation": op})
}

func (h *Handler) handleListVMs(w http.ResponseWriter, r *http.Request) {
	vms, err := h.fleet.ListVMs(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"vms": vms})
}

func (h *Handler) handleGetVM(w http.ResponseWriter, r *http.Request) {
	vm, err := h.fleet.GetVM(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, vm)
}

func (h *Handler) handleStopVM(w http.ResponseWriter, r *http.Request) {
	h.writeVMAction(w, r, h.fleet.StopVM)
}

func (h *Handler) handleRestartVM(w http.ResponseWriter, r *http.Request) {
	h.writeVMAction(w, r, h.fleet.RestartVM)
}

func (h *Handler) handleRotateIP(w http.ResponseWriter, r *http.Request) {
	h.writeVMAction(w, r, h.fleet.RotateIP)
}

func (h *Handler) handleDeleteVM(w http.ResponseWriter, r *http.Request) {
	h.writeVMAction(w, r, h.fleet.DeleteVM)
}

func (h *Handler) writeVMAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, vmID string) (*models.Operation, error)) {
	op, err := action(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{"operation": op})
}

func (h *Handler) handleEnqueueJob(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID       string `json:"id"`
		TaskType string `json:"task_type"`
		VMID     string `json:"vm_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if req.ID == "" {
		h.writeError(w, http.StatusBadRequest, "id required")
		return
	}

	job, op, err := h.jobs.Enqueue(r.Context(), req.ID, req.TaskType, req.VMID)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]any{"job": job, "operation": op})
}

func (h *Handler) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.jobs.ListJobs(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (h *Handler) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

func (h *Handler) handleAutoscale(w http.ResponseWriter, r *http.Request) {
	var req autoscale.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	decision, err := h.scaler.Evaluate(r.Context(), req)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, decision)
}

func (h *Handler) handleGetOperation(w http.ResponseWriter, r *http.Request) {
	op, err := h.fleet.Ledger().Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, op)
}

func (h *Handler) handleListTunnels(w http.ResponseWriter, r *http.Request) {
	tunnels, err := h.fleet.ListTunnels(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"tunnels": tunnels})
}

func (h *Handler) handleRegisterTunnel(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Region   string `json:"region"`
		IP       string `json:"ip"`
		Provider string `json:"provider"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	tunnel, op, err := h.fleet.RegisterTunnel(r.Context(), req.Region, req.IP, req.Provider)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]any{"tunnel": tunnel, "operation": op})
}

func (h *Handler) handleSecuritySnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.fleet.SecuritySnapshot(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleGetGuardrails(w http.ResponseWriter, r *http.Request) {
	g, err := h.store.GetGuardrails(r.Context())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "guardrails not configured")
			return
		}
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, g)
}

func (h *Handler) handlePutGuardrails(w http.ResponseWriter, r *http.Request) {
	var g models.Guardrails
	if err := json.NewDecoder(r.Body).Decode(&g); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if g.MaxVMs < 1 || g.MaxCPUPerVM < 1 || g.MinHostRAMMB < 0 {
		h.writeError(w, http.StatusBadRequest, "max_vms and max_cpu_per_vm must be >= 1, min_host_ram_mb >= 0")
		return
	}
	g.UpdatedAt = time.Now().UTC()
	if err := h.store.PutGuardrails(r.Context(), &g); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, &g)
}

func (h *Handler) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := h.store.ListTemplates(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"templates": templates})
}

func (h *Handler) handlePutTemplate(w http.ResponseWriter, r *http.Request) {
	var t models.Template
	if err := json.NewDecoder(r.Body).Decode(&t); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	t.ID = r.PathValue("id")
	if t.Name == "" || t.BaseImage == "" {
		h.writeError(w, http.StatusBadRequest, "name and base_image required")
		return
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if err := h.store.PutTemplate(r.Context(), &t); err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, &t)
}

// writeDomainError maps the manager error taxonomy onto HTTP statuses.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errdefs.Code(err) {
	case codes.InvalidArgument:
		status = http.StatusBadRequest
	case codes.NotFound:
		status = http.StatusNotFound
	case codes.AlreadyExists:
		status = http.StatusConflict
	case codes.FailedPrecondition:
		status = http.StatusPreconditionFailed
	case codes.ResourceExhausted:
		status = http.StatusTooManyRequests
	case codes.Unavailable:
		status = http.StatusServiceUnavailable
	}
	h.writeError(w, status, err.Error())
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
	h.logger.Debug("http error", zap.Int("status", status), zap.String("message", msg))
}
