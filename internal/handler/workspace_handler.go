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

// WorkspaceHandler handles workspace and membership requests.
type WorkspaceHandler struct {
	workspaceService service.WorkspaceService
}

// NewWorkspaceHandler creates a new workspace handler.
func NewWorkspaceHandler(workspaceService service.WorkspaceService) *WorkspaceHandler {
	return &WorkspaceHandler{workspaceService: workspaceService}
}

// Routes returns the workspace collection routes. Per-workspace routes
// live under the membership-checked subrouter the server mounts.
func (h *WorkspaceHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/", h.List)
	return r
}

// WorkspaceRoutes returns routes scoped to a single workspace. The
// caller mounts these behind the membership middleware.
func (h *WorkspaceHandler) WorkspaceRoutes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.Get)
	r.Patch("/", h.UpdateName)
	r.Delete("/", h.Delete)
	r.Post("/rotate-ci-secret", h.RotateCISecret)
	r.Get("/members", h.ListMembers)
	r.Post("/members", h.AddMember)
	r.Patch("/members/{userID}", h.UpdateMemberRole)
	r.Delete("/members/{userID}", h.RemoveMember)
	return r
}

// CreateWorkspaceHTTPRequest is the HTTP request body for creating a
// workspace.
type CreateWorkspaceHTTPRequest struct {
	Name string `json:"name"`
}

// Create handles POST /v1/workspaces
func (h *WorkspaceHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	var req CreateWorkspaceHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if req.Name == "" {
		response.Error(w, apierrors.NewValidationError("name", "name is required"))
		return
	}

	ws, err := h.workspaceService.Create(r.Context(), req.Name, userID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, ws)
}

// List handles GET /v1/workspaces
func (h *WorkspaceHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	workspaces, err := h.workspaceService.ListForUser(r.Context(), userID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, workspaces)
}

// Get handles GET /v1/workspaces/{workspaceID}
func (h *WorkspaceHandler) Get(w http.ResponseWriter, r *http.Request) {
	ws, err := h.workspaceService.Get(r.Context(), middleware.GetWorkspaceID(r.Context()))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, ws)
}

// UpdateName handles PATCH /v1/workspaces/{workspaceID}
func (h *WorkspaceHandler) UpdateName(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, models.RoleAdmin) {
		return
	}

	var req CreateWorkspaceHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if req.Name == "" {
		response.Error(w, apierrors.NewValidationError("name", "name is required"))
		return
	}

	ws, err := h.workspaceService.UpdateName(r.Context(),
		middleware.GetWorkspaceID(r.Context()), req.Name, middleware.GetUserID(r.Context()))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, ws)
}

// Delete handles DELETE /v1/workspaces/{workspaceID}
func (h *WorkspaceHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, models.RoleOwner) {
		return
	}
	if err := h.workspaceService.Delete(r.Context(), middleware.GetWorkspaceID(r.Context())); err != nil {
		response.Error(w, err)
		return
	}
	response.NoContent(w)
}

// RotateCISecretHTTPResponse returns the new CI secret. It is shown
// once and never stored in the clear.
type RotateCISecretHTTPResponse struct {
	CISecret string `json:"ci_secret"`
}

// RotateCISecret handles POST /v1/workspaces/{workspaceID}/rotate-ci-secret
func (h *WorkspaceHandler) RotateCISecret(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, models.RoleAdmin) {
		return
	}

	secret, err := h.workspaceService.RotateCISecret(r.Context(),
		middleware.GetWorkspaceID(r.Context()), middleware.GetUserID(r.Context()))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, RotateCISecretHTTPResponse{CISecret: secret})
}

// ListMembers handles GET /v1/workspaces/{workspaceID}/members
func (h *WorkspaceHandler) ListMembers(w http.ResponseWriter, r *http.Request) {
	members, err := h.workspaceService.ListMembers(r.Context(), middleware.GetWorkspaceID(r.Context()))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, members)
}

// MemberHTTPRequest is the HTTP request body for adding a member or
// changing a role.
type MemberHTTPRequest struct {
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role"`
}

// AddMember handles POST /v1/workspaces/{workspaceID}/members
func (h *WorkspaceHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, models.RoleAdmin) {
		return
	}

	var req MemberHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	userID, err := uuid.Parse(req.UserID)
	if err != nil {
		response.Error(w, apierrors.NewValidationError("user_id", "must be a valid UUID"))
		return
	}
	role := models.Role(req.Role)
	if !role.Valid() {
		response.Error(w, apierrors.NewValidationError("role", "must be one of owner, admin, viewer"))
		return
	}

	member, err := h.workspaceService.AddMember(r.Context(),
		middleware.GetWorkspaceID(r.Context()), userID, role, middleware.GetUserID(r.Context()))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, member)
}

// UpdateMemberRole handles PATCH /v1/workspaces/{workspaceID}/members/{userID}
func (h *WorkspaceHandler) UpdateMemberRole(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, models.RoleOwner) {
		return
	}
	userID, ok := uuidParam(w, r, "userID")
	if !ok {
		return
	}

	var req MemberHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	role := models.Role(req.Role)
	if !role.Valid() {
		response.Error(w, apierrors.NewValidationError("role", "must be one of owner, admin, viewer"))
		return
	}

	if err := h.workspaceService.UpdateMemberRole(r.Context(),
		middleware.GetWorkspaceID(r.Context()), userID, role, middleware.GetUserID(r.Context())); err != nil {
		response.Error(w, err)
		return
	}
	response.NoContent(w)
}

// RemoveMember handles DELETE /v1/workspaces/{workspaceID}/members/{userID}
func (h *WorkspaceHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, models.RoleAdmin) {
		return
	}
	userID, ok := uuidParam(w, r, "userID")
	if !ok {
		return
	}

	if err := h.workspaceService.RemoveMember(r.Context(),
		middleware.GetWorkspaceID(r.Context()), userID, middleware.GetUserID(r.Context())); err != nil {
		response.Error(w, err)
		return
	}
	response.NoContent(w)
}
