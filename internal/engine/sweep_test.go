package engine

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/models"
)

func (f *fakeRunStore) ListStale(context.Context, time.Time) ([]*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stale, nil
}

func TestSweepErrorsOutStaleRuns(t *testing.T) {
	f := newOrchFixture(t)
	// The fixture run sits in running, abandoned by its worker.
	f.run.Status = models.RunRunning
	f.runs.stale = []*models.Run{f.run}

	s := NewSweeper(f.runs, clockwork.NewFakeClock(), 30*time.Minute, discardTestLogger())
	swept, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, swept)

	run := f.current(t)
	assert.Equal(t, models.RunError, run.Status)
	require.NotNil(t, run.ErrorCode)
	assert.Equal(t, models.ErrCodeStale, *run.ErrorCode)
}

func TestSweepSkipsRunsThatFinishedMeanwhile(t *testing.T) {
	// The stale listing can race a worker finishing the run; the
	// terminal row wins and the sweeper moves on.
	f := newOrchFixture(t)
	f.run.Status = models.RunPassed
	f.runs.stale = []*models.Run{f.run}

	s := NewSweeper(f.runs, clockwork.NewFakeClock(), 30*time.Minute, discardTestLogger())
	swept, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
	assert.Equal(t, models.RunPassed, f.current(t).Status)
}

func TestSweepNothingStale(t *testing.T) {
	f := newOrchFixture(t)

	s := NewSweeper(f.runs, clockwork.NewFakeClock(), 30*time.Minute, discardTestLogger())
	swept, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, swept)
}
