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

// IntegrationHandler handles device-cloud integration requests. Token
// values pass through to the service and are never echoed back.
type IntegrationHandler struct {
	integrationService service.IntegrationService
}

// NewIntegrationHandler creates a new integration handler.
func NewIntegrationHandler(integrationService service.IntegrationService) *IntegrationHandler {
	return &IntegrationHandler{integrationService: integrationService}
}

// Routes returns the workspace-scoped integration routes.
func (h *IntegrationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Connect)
	r.Get("/", h.List)
	r.Post("/{provider}/rotate", h.Rotate)
	r.Post("/{provider}/status", h.SetStatus)
	r.Delete("/{provider}", h.Delete)
	return r
}

func providerParam(w http.ResponseWriter, r *http.Request) (models.IntegrationProvider, bool) {
	p := models.IntegrationProvider(chi.URLParam(r, "provider"))
	if !p.Valid() {
		response.Error(w, apierrors.NewValidationError("provider", "unknown provider"))
		return "", false
	}
	return p, true
}

// ConnectIntegrationHTTPRequest is the HTTP request body for
// connecting or rotating an integration.
type ConnectIntegrationHTTPRequest struct {
	Provider string `json:"provider,omitempty"`
	Token    string `json:"token"`
}

// Connect handles POST /v1/workspaces/{workspaceID}/integrations
func (h *IntegrationHandler) Connect(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, models.RoleAdmin) {
		return
	}

	var req ConnectIntegrationHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	provider := models.IntegrationProvider(req.Provider)
	if !provider.Valid() {
		response.Error(w, apierrors.NewValidationError("provider", "unknown provider"))
		return
	}

	integration, err := h.integrationService.Connect(r.Context(), service.ConnectIntegrationRequest{
		WorkspaceID: middleware.GetWorkspaceID(r.Context()),
		Provider:    provider,
		Token:       req.Token,
		ActorID:     middleware.GetUserID(r.Context()),
	})
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, integration)
}

// List handles GET /v1/workspaces/{workspaceID}/integrations
func (h *IntegrationHandler) List(w http.ResponseWriter, r *http.Request) {
	integrations, err := h.integrationService.List(r.Context(), middleware.GetWorkspaceID(r.Context()))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, integrations)
}

// Rotate handles POST /v1/workspaces/{workspaceID}/integrations/{provider}/rotate
func (h *IntegrationHandler) Rotate(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, models.RoleAdmin) {
		return
	}
	provider, ok := providerParam(w, r)
	if !ok {
		return
	}

	var req ConnectIntegrationHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}

	integration, err := h.integrationService.Rotate(r.Context(),
		middleware.GetWorkspaceID(r.Context()), provider, req.Token, middleware.GetUserID(r.Context()))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, integration)
}

// SetStatusHTTPRequest is the HTTP request body for enabling or
// disabling an integration.
type SetStatusHTTPRequest struct {
	Status string `json:"status"`
}

// SetStatus handles POST /v1/workspaces/{workspaceID}/integrations/{provider}/status
func (h *IntegrationHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, models.RoleAdmin) {
		return
	}
	provider, ok := providerParam(w, r)
	if !ok {
		return
	}

	var req SetStatusHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	status := models.IntegrationStatus(req.Status)
	if status != models.IntegrationActive && status != models.IntegrationDisabled {
		response.Error(w, apierrors.NewValidationError("status", "must be active or disabled"))
		return
	}

	if err := h.integrationService.SetStatus(r.Context(),
		middleware.GetWorkspaceID(r.Context()), provider, status, middleware.GetUserID(r.Context())); err != nil {
		response.Error(w, err)
		return
	}
	response.NoContent(w)
}

// Delete handles DELETE /v1/workspaces/{workspaceID}/integrations/{provider}
func (h *IntegrationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, models.RoleAdmin) {
		return
	}
	provider, ok := providerParam(w, r)
	if !ok {
		return
	}

	if err := h.integrationService.Delete(r.Context(),
		middleware.GetWorkspaceID(r.Context()), provider, middleware.GetUserID(r.Context())); err != nil {
		response.Error(w, err)
		return
	}
	response.NoContent(w)
}
