package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/edgegate/edgegate/internal/models"
	apierrors "github.com/edgegate/edgegate/internal/pkg/errors"
	"github.com/edgegate/edgegate/internal/pkg/response"
	"github.com/edgegate/edgegate/internal/service"
)

// contextKey is a custom type for context keys to avoid collisions.
type contextKey string

const (
	// UserIDKey is the context key for the authenticated user id.
	UserIDKey contextKey = "user_id"
	// WorkspaceIDKey is the context key for the resolved workspace id.
	WorkspaceIDKey contextKey = "workspace_id"
	// RoleKey is the context key for the member's role in the workspace.
	RoleKey contextKey = "role"
)

// GetUserID retrieves the authenticated user id from context.
func GetUserID(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(UserIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// GetWorkspaceID retrieves the workspace id from context.
func GetWorkspaceID(ctx context.Context) uuid.UUID {
	if v, ok := ctx.Value(WorkspaceIDKey).(uuid.UUID); ok {
		return v
	}
	return uuid.Nil
}

// GetRole retrieves the caller's role in the current workspace.
func GetRole(ctx context.Context) models.Role {
	if v, ok := ctx.Value(RoleKey).(models.Role); ok {
		return v
	}
	return ""
}

// Auth returns a middleware that authenticates bearer API tokens.
func Auth(auth service.AuthService) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}
			user, err := auth.Authenticate(r.Context(), token)
			if err != nil {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}
			ctx := context.WithValue(r.Context(), UserIDKey, user.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// WorkspaceMember returns a middleware that resolves the {workspaceID}
// URL parameter, checks membership, and requires at least the given
// role. It must run inside an Auth-protected route.
func WorkspaceMember(workspaces service.WorkspaceService, min models.Role, param func(*http.Request) string) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			workspaceID, err := uuid.Parse(param(r))
			if err != nil {
				response.Error(w, apierrors.NewValidationError("workspace_id", "must be a valid UUID"))
				return
			}
			userID := GetUserID(r.Context())
			if userID == uuid.Nil {
				response.Error(w, apierrors.ErrUnauthorized)
				return
			}
			member, err := workspaces.Member(r.Context(), workspaceID, userID)
			if err != nil {
				response.Error(w, apierrors.ErrInternal)
				return
			}
			if member == nil {
				// Non-members see the same 404 as a missing workspace;
				// existence is tenant-private.
				response.Error(w, apierrors.NewNotFoundError("Workspace"))
				return
			}
			if !member.Role.AtLeast(min) {
				response.Error(w, apierrors.ErrForbidden)
				return
			}
			ctx := context.WithValue(r.Context(), WorkspaceIDKey, workspaceID)
			ctx = context.WithValue(ctx, RoleKey, member.Role)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
