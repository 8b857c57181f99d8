// Package handler provides HTTP handlers for the control plane API.
package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/edgegate/edgegate/internal/middleware"
	"github.com/edgegate/edgegate/internal/models"
	apierrors "github.com/edgegate/edgegate/internal/pkg/errors"
	"github.com/edgegate/edgegate/internal/pkg/response"
	"github.com/edgegate/edgegate/internal/service"
)

// AuthHandler handles registration, login, and API token issuance.
type AuthHandler struct {
	authService service.AuthService
	validate    *validator.Validate
}

// NewAuthHandler creates a new auth handler.
func NewAuthHandler(authService service.AuthService) *AuthHandler {
	return &AuthHandler{
		authService: authService,
		validate:    validator.New(),
	}
}

// Routes returns the unauthenticated auth routes.
func (h *AuthHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/register", h.Register)
	r.Post("/login", h.Login)
	return r
}

// TokenRoutes returns the routes that require a bearer token.
func (h *AuthHandler) TokenRoutes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.CreateToken)
	return r
}

// Register handles POST /v1/auth/register
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req service.RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		response.Error(w, apierrors.NewValidationError("request", err.Error()))
		return
	}

	user, err := h.authService.Register(r.Context(), req)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, user)
}

// LoginHTTPRequest is the HTTP request body for logging in.
type LoginHTTPRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginHTTPResponse carries the issued token. The token value appears
// exactly once, here.
type LoginHTTPResponse struct {
	Token string           `json:"token"`
	User  *models.User     `json:"user"`
	Meta  *models.APIToken `json:"token_meta"`
}

// Login handles POST /v1/auth/login. A successful login issues a fresh
// API token.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginHTTPRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		response.Error(w, apierrors.ErrBadRequest.WithMessage("Invalid request body"))
		return
	}
	if req.Email == "" || req.Password == "" {
		response.Error(w, apierrors.NewValidationError("email", "email and password are required"))
		return
	}

	user, err := h.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		response.Error(w, err)
		return
	}
	token, meta, err := h.authService.CreateToken(r.Context(), user.ID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.OK(w, LoginHTTPResponse{Token: token, User: user, Meta: meta})
}

// CreateTokenHTTPResponse carries a newly minted API token.
type CreateTokenHTTPResponse struct {
	Token string           `json:"token"`
	Meta  *models.APIToken `json:"token_meta"`
}

// CreateToken handles POST /v1/tokens
func (h *AuthHandler) CreateToken(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	if userID == uuid.Nil {
		response.Error(w, apierrors.ErrUnauthorized)
		return
	}

	token, meta, err := h.authService.CreateToken(r.Context(), userID)
	if err != nil {
		response.Error(w, err)
		return
	}
	response.Created(w, CreateTokenHTTPResponse{Token: token, Meta: meta})
}
