// Package service provides business logic implementations.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/edgegate/edgegate/internal/repository"
)

// NonceTTL is the replay window for CI nonces, fixed to the CI
// timestamp window.
const NonceTTL = 5 * time.Minute

// ErrNonceReplay is returned when a nonce was already accepted for the
// workspace within its TTL.
var ErrNonceReplay = errors.New("nonce already used")

// NonceService is the replay defence for CI requests: each nonce is
// accepted at most once per workspace.
type NonceService interface {
	Accept(ctx context.Context, workspaceID uuid.UUID, nonce string) error
	ReapExpired(ctx context.Context) (int64, error)
}

type nonceService struct {
	repo   repository.NonceRepository
	clock  clockwork.Clock
	logger *slog.Logger
}

var _ NonceService = (*nonceService)(nil)

// NewNonceService creates a new nonce service.
func NewNonceService(repo repository.NonceRepository, clock clockwork.Clock, logger *slog.Logger) NonceService {
	return &nonceService{repo: repo, clock: clock, logger: logger}
}

// Accept atomically records a nonce use. A row already present yields
// ErrNonceReplay regardless of expiry; reaping is lazy and periodic,
// not a precondition for correctness.
func (s *nonceService) Accept(ctx context.Context, workspaceID uuid.UUID, nonce string) error {
	now := s.clock.Now().UTC()
	inserted, err := s.repo.Insert(ctx, workspaceID, nonce, now, now.Add(NonceTTL))
	if err != nil {
		return err
	}
	if !inserted {
		return ErrNonceReplay
	}
	return nil
}

// ReapExpired deletes nonces whose TTL has elapsed.
func (s *nonceService) ReapExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, s.clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Debug("reaped expired nonces", slog.Int64("count", n))
	}
	return n, nil
}
