package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edgegate/edgegate/internal/models"
	"github.com/edgegate/edgegate/internal/repository"
)

// Sweeper errors out runs abandoned by a dead worker. In-flight stages
// are never resumed: the external device-cloud jobs have their own
// lifecycle, so a stale run is terminated rather than replayed.
type Sweeper struct {
	runs   repository.RunRepository
	clock  clockwork.Clock
	grace  time.Duration
	logger *slog.Logger
}

// NewSweeper creates a sweeper with the given grace window.
func NewSweeper(runs repository.RunRepository, clock clockwork.Clock, grace time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{runs: runs, clock: clock, grace: grace, logger: logger}
}

// Sweep moves every non-terminal run untouched for longer than the
// grace window to error(STALE). Returns the number of runs swept.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	cutoff := s.clock.Now().UTC().Add(-s.grace)
	stale, err := s.runs.ListStale(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, run := range stale {
		code := models.ErrCodeStale
		detail := "run abandoned: no progress within the grace window"
		_, err := s.runs.Transition(ctx, run.ID, models.RunError, &repository.RunUpdate{
			ErrorCode:   &code,
			ErrorDetail: &detail,
		})
		if err != nil {
			// A run that finished between the listing and this write is
			// fine to skip.
			if errors.Is(err, repository.ErrInvalidStateTransition) {
				continue
			}
			return swept, err
		}
		swept++
		runsTotal.WithLabelValues(string(models.RunError)).Inc()
		s.logger.Warn("swept stale run",
			slog.String("run_id", run.ID.String()),
			slog.String("previous_status", string(run.Status)))
	}
	return swept, nil
}
