package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edgegate/edgegate/internal/middleware"
	"github.com/edgegate/edgegate/internal/models"
	"github.com/edgegate/edgegate/internal/pkg/response"
	"github.com/edgegate/edgegate/internal/service"
)

// CapabilityHandler handles device capability probes.
type CapabilityHandler struct {
	capabilityService service.CapabilityService
}

// NewCapabilityHandler creates a new capability handler.
func NewCapabilityHandler(capabilityService service.CapabilityService) *CapabilityHandler {
	return &CapabilityHandler{capabilityService: capabilityService}
}

// Routes returns the workspace-scoped capability routes.
func (h *CapabilityHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/probe", h.Probe)
	r.Get("/", h.Get)
	return r
}

// Probe handles POST /v1/workspaces/{workspaceID}/capabilities/probe.
// It queries the device cloud with the workspace's integration token
// and snapshots the device catalog and metric mapping.
func (h *CapabilityHandler) Probe(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, models.RoleAdmin) {
		return
	}

	capability, err := h.capabilityService.Probe(r.Context(),
		middleware.GetWorkspaceID(r.Context()), middleware.GetUserID(r.Context()))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, capability)
}

// Get handles GET /v1/workspaces/{workspaceID}/capabilities
func (h *CapabilityHandler) Get(w http.ResponseWriter, r *http.Request) {
	capability, err := h.capabilityService.Get(r.Context(), middleware.GetWorkspaceID(r.Context()))
	if err != nil {
		response.Error(w, err)
		return
	}
	if capability == nil {
		response.NotFound(w, "Capability snapshot")
		return
	}
	response.OK(w, capability)
}
