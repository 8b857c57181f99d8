package middleware

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/edgegate/edgegate/internal/kms"
	"github.com/edgegate/edgegate/internal/models"
	apierrors "github.com/edgegate/edgegate/internal/pkg/errors"
	"github.com/edgegate/edgegate/internal/pkg/response"
	"github.com/edgegate/edgegate/internal/repository"
	"github.com/edgegate/edgegate/internal/service"
)

// CI authentication headers.
const (
	HeaderCIWorkspace = "X-EdgeGate-Workspace"
	HeaderCITimestamp = "X-EdgeGate-Timestamp"
	HeaderCINonce     = "X-EdgeGate-Nonce"
	HeaderCISignature = "X-EdgeGate-Signature"
)

// Timestamp acceptance window: now - ts must fall inside it. A
// timestamp may be up to 5 minutes old or 30 seconds in the future.
const (
	ciMaxAge  = 300 * time.Second
	ciMaxSkew = 30 * time.Second
)

// maxCIBodyBytes caps the body the authenticator will buffer.
const maxCIBodyBytes = 1 << 20

// CIAuthenticator verifies HMAC-signed CI requests. Every failure is
// answered with the same opaque unauthorized response; the failing rule
// goes to the logs and the audit trail only.
type CIAuthenticator struct {
	workspaces repository.WorkspaceRepository
	audit      repository.AuditRepository
	nonces     service.NonceService
	kms        *kms.KMS
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewCIAuthenticator creates a CI authenticator.
func NewCIAuthenticator(
	workspaces repository.WorkspaceRepository,
	audit repository.AuditRepository,
	nonces service.NonceService,
	k *kms.KMS,
	clock clockwork.Clock,
	logger *slog.Logger,
) *CIAuthenticator {
	return &CIAuthenticator{
		workspaces: workspaces,
		audit:      audit,
		nonces:     nonces,
		kms:        k,
		clock:      clock,
		logger:     logger,
	}
}

// Middleware authenticates the request and, on success, injects the
// workspace id into the context and restores the body for the handler.
func (a *CIAuthenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxCIBodyBytes+1))
		if err != nil || len(body) > maxCIBodyBytes {
			a.reject(w, r, uuid.Nil, false, "body unreadable or too large")
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		workspaceID, known, reason := a.authenticate(r, body)
		if reason != "" {
			a.reject(w, r, workspaceID, known, reason)
			return
		}
		ctx := context.WithValue(r.Context(), WorkspaceIDKey, workspaceID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate applies the acceptance rules in order. It returns the
// workspace id, whether the workspace row exists (audit rows need the
// foreign key), and an empty reason on success.
func (a *CIAuthenticator) authenticate(r *http.Request, body []byte) (uuid.UUID, bool, string) {
	rawWorkspace := r.Header.Get(HeaderCIWorkspace)
	rawTimestamp := r.Header.Get(HeaderCITimestamp)
	rawNonce := r.Header.Get(HeaderCINonce)
	rawSignature := r.Header.Get(HeaderCISignature)
	if rawWorkspace == "" || rawTimestamp == "" || rawNonce == "" || rawSignature == "" {
		return uuid.Nil, false, "missing authentication headers"
	}

	workspaceID, err := uuid.Parse(rawWorkspace)
	if err != nil {
		return uuid.Nil, false, "workspace header is not a UUID"
	}

	ws, err := a.workspaces.GetByID(r.Context(), workspaceID)
	if err != nil {
		return workspaceID, false, "workspace lookup failed: " + err.Error()
	}
	if ws == nil {
		return workspaceID, false, "workspace does not exist"
	}

	ts, err := time.Parse(time.RFC3339, rawTimestamp)
	if err != nil {
		return workspaceID, true, "timestamp does not parse"
	}
	age := a.clock.Now().Sub(ts)
	if age > ciMaxAge || age < -ciMaxSkew {
		return workspaceID, true, "timestamp outside acceptance window"
	}

	secret, err := a.resolveSecret(ws)
	if err != nil {
		return workspaceID, true, "ci secret unusable: " + err.Error()
	}

	// The signed message uses the header bytes exactly as delivered,
	// never reformatted.
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(rawTimestamp))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(rawNonce))
	mac.Write([]byte{'\n'})
	mac.Write(body)
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(rawSignature)
	if err != nil {
		return workspaceID, true, "signature is not hex"
	}
	if !hmac.Equal(expected, provided) {
		return workspaceID, true, "signature mismatch"
	}

	if err := a.nonces.Accept(r.Context(), workspaceID, rawNonce); err != nil {
		if errors.Is(err, service.ErrNonceReplay) {
			return workspaceID, true, "nonce replay"
		}
		return workspaceID, true, "nonce store failed: " + err.Error()
	}
	return workspaceID, true, ""
}

// resolveSecret unwraps the stored CI secret, or derives the
// compatibility fallback when none was ever set.
func (a *CIAuthenticator) resolveSecret(ws *models.Workspace) ([]byte, error) {
	if len(ws.CISecretEnc) > 0 {
		secret, err := a.kms.EnvelopeDecrypt(ws.CISecretEnc)
		if err != nil {
			return nil, err
		}
		return secret, nil
	}
	return []byte(a.kms.DeriveFallbackSecret(ws.ID.String())), nil
}

// reject answers with the one opaque message and records the detail
// out of band.
func (a *CIAuthenticator) reject(w http.ResponseWriter, r *http.Request, workspaceID uuid.UUID, known bool, reason string) {
	a.logger.Warn("ci authentication failed",
		slog.String("workspace_id", workspaceID.String()),
		slog.String("reason", reason),
		slog.String("remote_addr", r.RemoteAddr))
	if known {
		if err := a.audit.Insert(r.Context(), a.audit.Pool(), &models.AuditLog{
			WorkspaceID: workspaceID,
			Event:       models.AuditCIAuthenticationError,
		}); err != nil {
			a.logger.Error("failed to record ci auth failure", slog.Any("error", err))
		}
	}
	response.Error(w, apierrors.ErrUnauthorized)
}
