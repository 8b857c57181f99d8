package handler

import (
	"bytes"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzhttp"

	"github.com/edgegate/edgegate/internal/middleware"
	"github.com/edgegate/edgegate/internal/models"
	apierrors "github.com/edgegate/edgegate/internal/pkg/errors"
	"github.com/edgegate/edgegate/internal/pkg/response"
	"github.com/edgegate/edgegate/internal/service"
)

// ArtifactHandler handles artifact upload and retrieval.
type ArtifactHandler struct {
	artifactService service.ArtifactService
	maxUploadBytes  int64
}

// NewArtifactHandler creates a new artifact handler. maxUploadBytes
// caps the request body before the per-kind limits apply.
func NewArtifactHandler(artifactService service.ArtifactService, maxUploadBytes int64) *ArtifactHandler {
	return &ArtifactHandler{
		artifactService: artifactService,
		maxUploadBytes:  maxUploadBytes,
	}
}

// Routes returns the workspace-scoped artifact routes.
func (h *ArtifactHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Upload)
	r.Get("/", h.List)
	r.Get("/by-hash/{sha256}", h.GetByHash)
	r.Get("/{id}", h.Get)
	// Bundles and capability documents are JSON and compress well.
	r.Method(http.MethodGet, "/{id}/download", gzhttp.GzipHandler(http.HandlerFunc(h.Download)))
	return r
}

// Upload handles POST /v1/workspaces/{workspaceID}/artifacts. The body
// is multipart/form-data with a "file" part and a "kind" field.
func (h *ArtifactHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if !requireRole(w, r, models.RoleAdmin) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid multipart body"))
		return
	}

	kind := models.ArtifactKind(r.FormValue("kind"))
	if !kind.Valid() {
		response.Error(w, apierrors.NewValidationError("kind", "unknown artifact kind"))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		response.Error(w, apierrors.NewValidationError("file", "file part is required"))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Failed to read file"))
		return
	}

	userID := middleware.GetUserID(r.Context())
	artifact, err := h.artifactService.Put(r.Context(), service.PutArtifactRequest{
		WorkspaceID: middleware.GetWorkspaceID(r.Context()),
		Kind:        kind,
		Data:        data,
		Filename:    header.Filename,
		ActorID:     &userID,
	})
	if err != nil {
		response.Error(w, err)
		return
	}

	middleware.ObserveArtifactBytes(string(kind), int64(len(data)))
	response.Created(w, artifact)
}

// List handles GET /v1/workspaces/{workspaceID}/artifacts
func (h *ArtifactHandler) List(w http.ResponseWriter, r *http.Request) {
	var kind *models.ArtifactKind
	if raw := r.URL.Query().Get("kind"); raw != "" {
		k := models.ArtifactKind(raw)
		if !k.Valid() {
			response.Error(w, apierrors.NewValidationError("kind", "unknown artifact kind"))
			return
		}
		kind = &k
	}

	artifacts, err := h.artifactService.List(r.Context(), middleware.GetWorkspaceID(r.Context()), kind)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, artifacts)
}

// Get handles GET /v1/workspaces/{workspaceID}/artifacts/{id}
func (h *ArtifactHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}
	artifact, err := h.artifactService.Get(r.Context(), middleware.GetWorkspaceID(r.Context()), id)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, artifact)
}

// GetByHash handles GET /v1/workspaces/{workspaceID}/artifacts/by-hash/{sha256}
func (h *ArtifactHandler) GetByHash(w http.ResponseWriter, r *http.Request) {
	sha := chi.URLParam(r, "sha256")
	if len(sha) != 64 {
		response.Error(w, apierrors.NewValidationError("sha256", "must be a hex SHA-256 digest"))
		return
	}

	artifact, err := h.artifactService.GetByHash(r.Context(), middleware.GetWorkspaceID(r.Context()), sha)
	if err != nil {
		response.Error(w, err)
		return
	}
	if artifact == nil {
		response.NotFound(w, "Artifact")
		return
	}
	response.OK(w, artifact)
}

// Download handles GET /v1/workspaces/{workspaceID}/artifacts/{id}/download
func (h *ArtifactHandler) Download(w http.ResponseWriter, r *http.Request) {
	id, ok := uuidParam(w, r, "id")
	if !ok {
		return
	}

	data, artifact, err := h.artifactService.ReadBytes(r.Context(), middleware.GetWorkspaceID(r.Context()), id)
	if err != nil {
		response.Error(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	if artifact.OriginalFilename != nil {
		w.Header().Set("Content-Disposition", `attachment; filename="`+*artifact.OriginalFilename+`"`)
	}
	w.Header().Set("X-Artifact-SHA256", artifact.SHA256)
	io.Copy(w, bytes.NewReader(data))
}
