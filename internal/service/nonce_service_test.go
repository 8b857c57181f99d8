package service

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNonceRepo is a map-backed NonceRepository good enough for the
// accept-once semantics.
type fakeNonceRepo struct {
	rows map[string]time.Time // key -> expires_at
}

func newFakeNonceRepo() *fakeNonceRepo {
	return &fakeNonceRepo{rows: make(map[string]time.Time)}
}

func (f *fakeNonceRepo) Insert(_ context.Context, workspaceID uuid.UUID, nonce string, _, expiresAt time.Time) (bool, error) {
	key := workspaceID.String() + "/" + nonce
	if _, ok := f.rows[key]; ok {
		return false, nil
	}
	f.rows[key] = expiresAt
	return true, nil
}

func (f *fakeNonceRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for key, exp := range f.rows {
		if !exp.After(now) {
			delete(f.rows, key)
			n++
		}
	}
	return n, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNonceAcceptOnce(t *testing.T) {
	repo := newFakeNonceRepo()
	svc := NewNonceService(repo, clockwork.NewFakeClock(), discardLogger())
	ctx := context.Background()
	ws := uuid.New()

	require.NoError(t, svc.Accept(ctx, ws, "nonce-1"))
	assert.ErrorIs(t, svc.Accept(ctx, ws, "nonce-1"), ErrNonceReplay)

	// A different nonce, or the same nonce in another workspace, is
	// fresh.
	assert.NoError(t, svc.Accept(ctx, ws, "nonce-2"))
	assert.NoError(t, svc.Accept(ctx, uuid.New(), "nonce-1"))
}

func TestNonceReplayEvenWhenExpired(t *testing.T) {
	// A row still present past its TTL must still refuse the nonce;
	// reaping is housekeeping, not the correctness mechanism.
	repo := newFakeNonceRepo()
	clock := clockwork.NewFakeClock()
	svc := NewNonceService(repo, clock, discardLogger())
	ctx := context.Background()
	ws := uuid.New()

	require.NoError(t, svc.Accept(ctx, ws, "nonce-1"))
	clock.Advance(NonceTTL + time.Minute)
	assert.ErrorIs(t, svc.Accept(ctx, ws, "nonce-1"), ErrNonceReplay)
}

func TestNonceReapExpired(t *testing.T) {
	repo := newFakeNonceRepo()
	clock := clockwork.NewFakeClock()
	svc := NewNonceService(repo, clock, discardLogger())
	ctx := context.Background()
	ws := uuid.New()

	require.NoError(t, svc.Accept(ctx, ws, "old"))
	clock.Advance(NonceTTL + time.Second)
	require.NoError(t, svc.Accept(ctx, ws, "fresh"))

	n, err := svc.ReapExpired(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	// The reaped nonce is acceptable again; the fresh one is not.
	assert.NoError(t, svc.Accept(ctx, ws, "old"))
	assert.ErrorIs(t, svc.Accept(ctx, ws, "fresh"), ErrNonceReplay)
}
