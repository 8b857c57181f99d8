package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/edgegate/edgegate/internal/middleware"
	"github.com/edgegate/edgegate/internal/pkg/response"
	"github.com/edgegate/edgegate/internal/service"
)

// AuditHandler exposes the workspace audit trail.
type AuditHandler struct {
	auditService service.AuditService
}

// NewAuditHandler creates a new audit handler.
func NewAuditHandler(auditService service.AuditService) *AuditHandler {
	return &AuditHandler{auditService: auditService}
}

// Routes returns the workspace-scoped audit routes.
func (h *AuditHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	return r
}

// List handles GET /v1/workspaces/{workspaceID}/audit. Optional
// ?event= and ?limit= filters apply.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	entries, err := h.auditService.List(r.Context(),
		middleware.GetWorkspaceID(r.Context()), r.URL.Query().Get("event"), queryLimit(r, 50))
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, entries)
}
