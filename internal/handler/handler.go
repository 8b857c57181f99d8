package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/edgegate/edgegate/internal/middleware"
	"github.com/edgegate/edgegate/internal/models"
	apierrors "github.com/edgegate/edgegate/internal/pkg/errors"
	"github.com/edgegate/edgegate/internal/pkg/response"
)

// uuidParam parses a UUID URL parameter and writes a validation error
// on failure.
func uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, apierrors.NewValidationError(name, "must be a valid UUID"))
		return uuid.Nil, false
	}
	return id, true
}

// requireRole enforces a minimum workspace role on top of the
// membership check the router already performed.
func requireRole(w http.ResponseWriter, r *http.Request, min models.Role) bool {
	if !middleware.GetRole(r.Context()).AtLeast(min) {
		response.Error(w, apierrors.ErrForbidden)
		return false
	}
	return true
}

// queryLimit parses an optional ?limit= query parameter.
func queryLimit(r *http.Request, def int) int {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
