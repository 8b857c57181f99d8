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

// PromptPackHandler handles prompt pack requests.
type PromptPackHandler struct {
	promptPackService service.PromptPackService
}

// NewPromptPackHandler creates a new prompt pack handler.
func NewPromptPackHandler(promptPackService service.PromptPackService) *PromptPackHandler {
	return &PromptPackHandler{promptPackService: promptPackService}
}

// Routes returns the workspace-scoped prompt pack routes.
func (h *PromptPackHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/publish", h.Publish)
	r.Delete("/{id}", h.Delete)
	return r
}

// CreatePromptPackHTTPRequest is the HTTP request body for creating a
// prompt pack version.
type CreatePromptPackHTTPRequest struct {
	LogicalID string          `json:"logical_id"`
	Version   string          `json:"version"`
	Content   json.RawMessage `json:"content"`
}

// Create handles POST /v1/workspaces/{workspaceID}/promptpacks
func (h *PromptPackHandler) Create(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, models.RoleAdmin) {
		return
	}

	var req CreatePromptPackHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}

	pack, err := h.promptPackService.Create(r.Context(), service.CreatePromptPackRequest{
		WorkspaceID: middleware.GetWorkspaceID(r.Context()),
		LogicalID:   req.LogicalID,
		Version:     req.Version,
		Content:     req.Content,
		ActorID:     middleware.GetUserID(r.Context()),
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, pack)
}

// List handles GET /v1/workspaces/{workspaceID}/promptpacks. An
// optional ?logical_id= filter narrows to one pack's versions.
func (h *PromptPackHandler) List(w http.ResponseWriter, r *http.Request) {
	packs, err := h.promptPackService.List(r.Context(),
		middleware.GetWorkspaceID(r.Context()), r.URL.Query().Get("logical_id"))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, packs)
}

// Get handles GET /v1/workspaces/{workspaceID}/promptpacks/{id}
func (h *PromptPackHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	pack, err := h.promptPackService.Get(r.Context(), middleware.GetWorkspaceID(r.Context()), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, pack)
}

// Publish handles POST /v1/workspaces/{workspaceID}/promptpacks/{id}/publish
func (h *PromptPackHandler) Publish(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, models.RoleAdmin) {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.promptPackService.Publish(r.Context(),
		middleware.GetWorkspaceID(r.Context()), id, middleware.GetUserID(r.Context())); err != nil {
		response.Error(w, err)
		return
	}
	response.NoContent(w)
}

// Delete handles DELETE /v1/workspaces/{workspaceID}/promptpacks/{id}.
// Published versions are immutable and refuse deletion.
func (h *PromptPackHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, models.RoleAdmin) {
		return
	}
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	if err := h.promptPackService.Delete(r.Context(),
		middleware.GetWorkspaceID(r.Context()), id, middleware.GetUserID(r.Context())); err != nil {
		response.Error(w, err)
		return
	}
	response.NoContent(w)
}
