package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edgegate/edgegate/internal/middleware"
	"github.com/edgegate/edgegate/internal/models"
	apierrors "github.com/edgegate/edgegate/internal/pkg/errors"
	"github.com/edgegate/edgegate/internal/pkg/response"
	"github.com/edgegate/edgegate/internal/service"
)

// PipelineHandler handles pipeline configuration requests.
type PipelineHandler struct {
	pipelineService service.PipelineService
}

// NewPipelineHandler creates a new pipeline handler.
func NewPipelineHandler(pipelineService service.PipelineService) *PipelineHandler {
	return &PipelineHandler{pipelineService: pipelineService}
}

// Routes returns the workspace-scoped pipeline routes.
func (h *PipelineHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)
	return r
}

// PipelineHTTPRequest is the HTTP request body for creating or
// updating a pipeline.
type PipelineHTTPRequest struct {
	Name          string               `json:"name"`
	DeviceMatrix  []models.DeviceEntry `json:"device_matrix"`
	PromptPackRef models.PromptPackRef `json:"promptpack_ref"`
	Gates         []models.Gate        `json:"gates"`
	RunPolicy     models.RunPolicy     `json:"run_policy"`
}

func (h *PipelineHandler) decode(w http.ResponseWriter, r *http.Request) (*service.PipelineRequest, bool) {
	var req PipelineHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return nil, false
	}
	return &service.PipelineRequest{
		WorkspaceID:   middleware.GetWorkspaceID(r.Context()),
		Name:          req.Name,
		DeviceMatrix:  req.DeviceMatrix,
		PromptPackRef: req.PromptPackRef,
		Gates:         req.Gates,
		RunPolicy:     req.RunPolicy,
		ActorID:       middleware.GetUserID(r.Context()),
	}, true
}

// Create handles POST /v1/workspaces/{workspaceID}/pipelines
func (h *PipelineHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, models.RoleAdmin) {
		return
	}
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	pipeline, err := h.pipelineService.Create(r.Context(), *req)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, pipeline)
}

// List handles GET /v1/workspaces/{workspaceID}/pipelines
func (h *PipelineHandler) List(w http.ResponseWriter, r *http.Request) {
	pipelines, err := h.pipelineService.List(r.Context(), middleware.GetWorkspaceID(r.Context()))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, pipelines)
}

// Get handles GET /v1/workspaces/{workspaceID}/pipelines/{id}
func (h *PipelineHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	pipeline, err := h.pipelineService.Get(r.Context(), middleware.GetWorkspaceID(r.Context()), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, pipeline)
}

// Update handles PUT /v1/workspaces/{workspaceID}/pipelines/{id}
func (h *PipelineHandler) Update(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, models.RoleAdmin) {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	pipeline, err := h.pipelineService.Update(r.Context(), id, *req)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, pipeline)
}

// Delete handles DELETE /v1/workspaces/{workspaceID}/pipelines/{id}
func (h *PipelineHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, models.RoleAdmin) {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.pipelineService.Delete(r.Context(),
		middleware.GetWorkspaceID(r.Context()), id, middleware.GetUserID(r.Context())); err != nil {
		response.Error(w, err)
		return
	}
	response.NoContent(w)
}
