package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/edgegate/edgegate/internal/middleware"
	"github.com/edgegate/edgegate/internal/models"
	apierrors "github.com/edgegate/edgegate/internal/pkg/errors"
	"github.com/edgegate/edgegate/internal/pkg/response"
	"github.com/edgegate/edgegate/internal/service"
)

// CIHandler handles machine-to-machine run submission. The routes are
// mounted behind the HMAC authenticator, not the bearer-token stack.
type CIHandler struct {
	runService      service.RunService
	artifactService service.ArtifactService
}

// NewCIHandler creates a new CI handler.
func NewCIHandler(runService service.RunService, artifactService service.ArtifactService) *CIHandler {
	return &CIHandler{
		runService:      runService,
		artifactService: artifactService,
	}
}

// Routes returns the CI routes.
func (h *CIHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/runs", h.CreateRun)
	return r
}

// CIRunHTTPRequest is the HTTP request body for a CI-triggered run.
// The model can be referenced by artifact id or by content hash; the
// hash form lets a pipeline skip re-uploading a model it already
// pushed.
type CIRunHTTPRequest struct {
	PipelineID      string  `json:"pipeline_id"`
	ModelArtifactID *string `json:"model_artifact_id,omitempty"`
	ModelSHA256     *string `json:"model_sha256,omitempty"`
}

// CIRunHTTPResponse acknowledges an accepted run.
type CIRunHTTPResponse struct {
	RunID      uuid.UUID        `json:"run_id"`
	Status     models.RunStatus `json:"status"`
	PipelineID uuid.UUID        `json:"pipeline_id"`
	Message    string           `json:"message"`
}

// CreateRun handles POST /v1/ci/runs
func (h *CIHandler) CreateRun(w http.ResponseWriter, r *http.Request) {
	workspaceID := middleware.GetWorkspaceID(r.Context())
	if workspaceID == uuid.Nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	var req CIRunHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	pipelineID, err := uuid.Parse(req.PipelineID)
	if err != nil {
		response.Error(w, apierrors.NewValidationError("pipeline_id", "must be a valid UUID"))
		return
	}

	modelArtifactID, err := h.resolveModel(r, workspaceID, &req)
	if err != nil {
		response.Error(w, err)
		return
	}

	run, err := h.runService.Create(r.Context(), service.CreateRunRequest{
		WorkspaceID:     workspaceID,
		PipelineID:      pipelineID,
		ModelArtifactID: modelArtifactID,
		Trigger:         models.TriggerCI,
	})
	if err != nil {
		response.Error(w, err)
		return
	}

	response.Accepted(w, CIRunHTTPResponse{
		RunID:      run.ID,
		Status:     run.Status,
		PipelineID: run.PipelineID,
		Message:    "run accepted and queued",
	})
}

// resolveModel turns the request's model reference into an artifact
// id. An unknown hash is a validation error, not a 404: the caller
// controls the hash and should upload first.
func (h *CIHandler) resolveModel(r *http.Request, workspaceID uuid.UUID, req *CIRunHTTPRequest) (*uuid.UUID, error) {
	if req.ModelArtifactID != nil {
		id, err := uuid.Parse(*req.ModelArtifactID)
		if err != nil {
			return nil, apierrors.NewValidationError("model_artifact_id", "must be a valid UUID")
		}
		return &id, nil
	}
	if req.ModelSHA256 != nil {
		artifact, err := h.artifactService.GetByHash(r.Context(), workspaceID, *req.ModelSHA256)
		if err != nil {
			return nil, err
		}
		if artifact == nil || artifact.Kind != models.ArtifactKindModel {
			return nil, apierrors.NewValidationError("model_sha256", "no model artifact with this hash; upload it first")
		}
		return &artifact.ID, nil
	}
	return nil, nil
}
