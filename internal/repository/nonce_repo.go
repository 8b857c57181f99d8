package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NonceRepository stores single-use CI nonces. Insert races are resolved
// by the primary key: the first writer wins and the loser sees a replay.
type NonceRepository interface {
	Insert(ctx context.Context, workspaceID uuid.UUID, nonce string, now, expiresAt time.Time) (bool, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

type nonceRepo struct {
	pool *pgxpool.Pool
}

var _ NonceRepository = (*nonceRepo)(nil)

// NewNonceRepository creates a new nonce repository.
func NewNonceRepository(pool *pgxpool.Pool) NonceRepository {
	return &nonceRepo{pool: pool}
}

// Insert records a nonce use. Returns false when the nonce was already
// recorded for the workspace, i.e. a replay.
func (r *nonceRepo) Insert(ctx context.Context, workspaceID uuid.UUID, nonce string, now, expiresAt time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		INSERT INTO ci_nonces (workspace_id, nonce, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (workspace_id, nonce) DO NOTHING`,
		workspaceID, nonce, now, expiresAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteExpired reaps nonces past their expiry and returns the count.
func (r *nonceRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM ci_nonces WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
