package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"

	"github.com/edgegate/edgegate/internal/middleware"
	"github.com/edgegate/edgegate/internal/models"
	apierrors "github.com/edgegate/edgegate/internal/pkg/errors"
	"github.com/edgegate/edgegate/internal/pkg/response"
	"github.com/edgegate/edgegate/internal/service"
)

// RunHandler handles run submission and inspection.
type RunHandler struct {
	runService      service.RunService
	artifactService service.ArtifactService
}

// NewRunHandler creates a new run handler.
func NewRunHandler(runService service.RunService, artifactService service.ArtifactService) *RunHandler {
	return &RunHandler{
		runService:      runService,
		artifactService: artifactService,
	}
}

// Routes returns the workspace-scoped run routes.
func (h *RunHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Method(http.MethodGet, "/{id}/bundle", gzhttp.GzipHandler(http.HandlerFunc(h.Bundle)))
	return r
}

// CreateRunHTTPRequest is the HTTP request body for starting a run.
type CreateRunHTTPRequest struct {
	PipelineID      string  `json:"pipeline_id"`
	ModelArtifactID *string `json:"model_artifact_id,omitempty"`
}

// Create handles POST /v1/workspaces/{workspaceID}/runs
func (h *RunHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, models.RoleAdmin) {
		return
	}

	var req CreateRunHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	pipelineID, err := uuid.Parse(req.PipelineID)
	if err != nil {
		response.Error(w, apierrors.NewValidationError("pipeline_id", "must be a valid UUID"))
		return
	}
	var modelArtifactID *uuid.UUID
	if req.ModelArtifactID != nil {
		id, err := uuid.Parse(*req.ModelArtifactID)
		if err != nil {
			response.Error(w, apierrors.NewValidationError("model_artifact_id", "must be a valid UUID"))
			return
		}
		modelArtifactID = &id
	}

	userID := middleware.GetUserID(r.Context())
	run, err := h.runService.Create(r.Context(), service.CreateRunRequest{
		WorkspaceID:     middleware.GetWorkspaceID(r.Context()),
		PipelineID:      pipelineID,
		ModelArtifactID: modelArtifactID,
		Trigger:         models.TriggerManual,
		ActorID:         &userID,
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Accepted(w, run)
}

// List handles GET /v1/workspaces/{workspaceID}/runs. Optional
// ?pipeline_id= and ?limit= filters apply.
func (h *RunHandler) List(w http.ResponseWriter, r *http.Request) {
	var pipelineID *uuid.UUID
	if raw := r.URL.Query().Get("pipeline_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			response.Error(w, apierrors.NewValidationError("pipeline_id", "must be a valid UUID"))
			return
		}
		pipelineID = &id
	}

	runs, err := h.runService.List(r.Context(),
		middleware.GetWorkspaceID(r.Context()), pipelineID, queryLimit(r, 50))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, runs)
}

// Get handles GET /v1/workspaces/{workspaceID}/runs/{id}
func (h *RunHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	run, err := h.runService.Get(r.Context(), middleware.GetWorkspaceID(r.Context()), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, run)
}

// Bundle handles GET /v1/workspaces/{workspaceID}/runs/{id}/bundle and
// streams the signed evidence bundle for a finished run.
func (h *RunHandler) Bundle(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	workspaceID := middleware.GetWorkspaceID(r.Context())

	run, err := h.runService.Get(r.Context(), workspaceID, id)
	if err != nil {
		response.Error(w, err)
		return
	}
	if run.BundleArtifactID == nil {
		response.Error(w, apierrors.NewNotFoundError("Evidence bundle"))
		return
	}

	data, artifact, err := h.artifactService.ReadBytes(r.Context(), workspaceID, *run.BundleArtifactID)
	if err != nil {
		response.Error(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("X-Artifact-SHA256", artifact.SHA256)
	w.Write(data)
}
