package middleware

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/kms"
	"github.com/edgegate/edgegate/internal/models"
	"github.com/edgegate/edgegate/internal/repository"
	"github.com/edgegate/edgegate/internal/service"
)

// fakeWorkspaceRepo serves GetByID from a map; everything else is
// unused by the authenticator.
type fakeWorkspaceRepo struct {
	repository.WorkspaceRepository
	workspaces map[uuid.UUID]*models.Workspace
}

func (f *fakeWorkspaceRepo) GetByID(_ context.Context, id uuid.UUID) (*models.Workspace, error) {
	return f.workspaces[id], nil
}

type fakeAuditRepo struct {
	repository.AuditRepository
	entries []*models.AuditLog
}

func (f *fakeAuditRepo) Insert(_ context.Context, _ repository.Querier, entry *models.AuditLog) error {
	f.entries = append(f.entries, entry)
	return nil
}

func (f *fakeAuditRepo) Pool() *pgxpool.Pool { return nil }

// fakeNonces accepts each (workspace, nonce) pair once.
type fakeNonces struct {
	seen map[string]bool
}

func (f *fakeNonces) Accept(_ context.Context, workspaceID uuid.UUID, nonce string) error {
	key := workspaceID.String() + "/" + nonce
	if f.seen[key] {
		return service.ErrNonceReplay
	}
	f.seen[key] = true
	return nil
}

func (f *fakeNonces) ReapExpired(context.Context) (int64, error) { return 0, nil }

type ciAuthFixture struct {
	auth        *CIAuthenticator
	kms         *kms.KMS
	clock       *clockwork.FakeClock
	workspaceID uuid.UUID
	secret      []byte
	audit       *fakeAuditRepo
	handler     http.Handler
	gotContext  uuid.UUID
}

func newCIAuthFixture(t *testing.T, withStoredSecret bool) *ciAuthFixture {
	t.Helper()

	clock := clockwork.NewFakeClock()
	k, err := kms.New(bytes.Repeat([]byte{0x42}, 32), t.TempDir(), clock)
	require.NoError(t, err)

	f := &ciAuthFixture{
		kms:         k,
		clock:       clock,
		workspaceID: uuid.New(),
		audit:       &fakeAuditRepo{},
	}

	ws := &models.Workspace{ID: f.workspaceID, Name: "acme"}
	if withStoredSecret {
		f.secret = []byte("ci-secret-material")
		enc, err := k.EnvelopeEncrypt(f.secret)
		require.NoError(t, err)
		ws.CISecretEnc = enc
	} else {
		f.secret = []byte(k.DeriveFallbackSecret(f.workspaceID.String()))
	}

	workspaces := &fakeWorkspaceRepo{workspaces: map[uuid.UUID]*models.Workspace{f.workspaceID: ws}}
	nonces := &fakeNonces{seen: make(map[string]bool)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f.auth = NewCIAuthenticator(workspaces, f.audit, nonces, k, clock, logger)
	f.handler = f.auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.gotContext = GetWorkspaceID(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))
	return f
}

// signedRequest builds a request signed over the exact header bytes.
func (f *ciAuthFixture) signedRequest(body []byte, timestamp, nonce string) *http.Request {
	mac := hmac.New(sha256.New, f.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(nonce))
	mac.Write([]byte{'\n'})
	mac.Write(body)

	r := httptest.NewRequest(http.MethodPost, "/v1/ci/runs", bytes.NewReader(body))
	r.Header.Set(HeaderCIWorkspace, f.workspaceID.String())
	r.Header.Set(HeaderCITimestamp, timestamp)
	r.Header.Set(HeaderCINonce, nonce)
	r.Header.Set(HeaderCISignature, hex.EncodeToString(mac.Sum(nil)))
	return r
}

func (f *ciAuthFixture) now() string {
	return f.clock.Now().UTC().Format(time.RFC3339)
}

func TestCIAuthAcceptsValidRequest(t *testing.T) {
	f := newCIAuthFixture(t, true)

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, f.signedRequest([]byte(`{"pipeline_id":"x"}`), f.now(), "nonce-1"))

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, f.workspaceID, f.gotContext)
	assert.Empty(t, f.audit.entries)
}

func TestCIAuthFallbackSecret(t *testing.T) {
	// A workspace that never rotated still authenticates with the
	// derived secret.
	f := newCIAuthFixture(t, false)

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, f.signedRequest([]byte(`{}`), f.now(), "nonce-1"))
	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestCIAuthTimestampWindow(t *testing.T) {
	tests := []struct {
		name   string
		offset time.Duration
		want   int
	}{
		{"exactly 300s old", -300 * time.Second, http.StatusAccepted},
		{"301s old", -301 * time.Second, http.StatusUnauthorized},
		{"30s in the future", 30 * time.Second, http.StatusAccepted},
		{"31s in the future", 31 * time.Second, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newCIAuthFixture(t, true)
			ts := f.clock.Now().UTC().Add(tt.offset).Format(time.RFC3339)

			w := httptest.NewRecorder()
			f.handler.ServeHTTP(w, f.signedRequest([]byte(`{}`), ts, "nonce-1"))
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestCIAuthSignatureCoversExactHeaderBytes(t *testing.T) {
	// Sign with a reformatted timestamp (same instant, different
	// textual form) and send the original: must fail, the signature
	// covers the delivered bytes.
	f := newCIAuthFixture(t, true)
	sent := f.clock.Now().UTC().Format(time.RFC3339)
	parsed, err := time.Parse(time.RFC3339, sent)
	require.NoError(t, err)
	reformatted := parsed.Format("2006-01-02T15:04:05.000Z07:00")
	require.NotEqual(t, sent, reformatted)

	r := f.signedRequest([]byte(`{}`), reformatted, "nonce-1")
	r.Header.Set(HeaderCITimestamp, sent)

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCIAuthRejectsTamperedBody(t *testing.T) {
	f := newCIAuthFixture(t, true)

	r := f.signedRequest([]byte(`{"pipeline_id":"x"}`), f.now(), "nonce-1")
	r.Body = io.NopCloser(bytes.NewReader([]byte(`{"pipeline_id":"y"}`)))

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCIAuthRejectsReplay(t *testing.T) {
	f := newCIAuthFixture(t, true)
	body := []byte(`{}`)
	ts := f.now()

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, f.signedRequest(body, ts, "nonce-1"))
	require.Equal(t, http.StatusAccepted, w.Code)

	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, f.signedRequest(body, ts, "nonce-1"))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Replay lands in the audit trail.
	require.NotEmpty(t, f.audit.entries)
	assert.Equal(t, models.AuditCIAuthenticationError, f.audit.entries[0].Event)
}

func TestCIAuthMissingHeaders(t *testing.T) {
	f := newCIAuthFixture(t, true)

	r := httptest.NewRequest(http.MethodPost, "/v1/ci/runs", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	// No workspace row, no audit entry.
	assert.Empty(t, f.audit.entries)
}

func TestCIAuthUnknownWorkspaceNotAudited(t *testing.T) {
	f := newCIAuthFixture(t, true)

	r := f.signedRequest([]byte(`{}`), f.now(), "nonce-1")
	r.Header.Set(HeaderCIWorkspace, uuid.NewString())

	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, r)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, f.audit.entries)
}

func TestCIAuthResponseIsOpaque(t *testing.T) {
	// Wrong signature and unknown workspace must be
	// indistinguishable to the caller.
	f := newCIAuthFixture(t, true)

	bad := f.signedRequest([]byte(`{}`), f.now(), "nonce-1")
	bad.Header.Set(HeaderCISignature, hex.EncodeToString(bytes.Repeat([]byte{1}, 32)))
	w1 := httptest.NewRecorder()
	f.handler.ServeHTTP(w1, bad)

	unknown := f.signedRequest([]byte(`{}`), f.now(), "nonce-2")
	unknown.Header.Set(HeaderCIWorkspace, uuid.NewString())
	w2 := httptest.NewRecorder()
	f.handler.ServeHTTP(w2, unknown)

	assert.Equal(t, w1.Code, w2.Code)
	assert.Equal(t, w1.Body.String(), w2.Body.String())
}

func TestCIAuthBodyRestoredForHandler(t *testing.T) {
	f := newCIAuthFixture(t, true)
	var got []byte
	handler := f.auth.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = io.ReadAll(r.Body)
	}))

	body := []byte(`{"pipeline_id":"abc"}`)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, f.signedRequest(body, f.now(), "nonce-1"))
	assert.Equal(t, body, got)
}
