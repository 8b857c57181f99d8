package engine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/config"
	"github.com/edgegate/edgegate/internal/limits"
	"github.com/edgegate/edgegate/internal/models"
	"github.com/edgegate/edgegate/internal/queue"
	"github.com/edgegate/edgegate/internal/repository"
)

// Admit mirrors the repository semantics: claim only a queued run, and
// refuse when the workspace already has an in-flight (non-queued,
// non-terminal) run.
func (f *fakeRunStore) Admit(_ context.Context, id uuid.UUID, maxActive int) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok || run.Status != models.RunQueued {
		return nil, nil
	}
	active := 0
	for _, other := range f.runs {
		if other.WorkspaceID == run.WorkspaceID &&
			other.Status != models.RunQueued && !other.Status.Terminal() {
			active++
		}
	}
	if active >= maxActive {
		return nil, repository.ErrWorkspaceBusy
	}
	run.Status = models.RunPreparing
	f.history = append(f.history, models.RunPreparing)
	cp := *run
	return &cp, nil
}

func newTestRunQueue(t *testing.T) *queue.Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return queue.New(client, "edgegate:runs:test")
}

func newTestWorker(t *testing.T, f *orchFixture, q *queue.Queue) *Worker {
	t.Helper()
	enforcer := limits.NewEnforcer(config.LimitsConfig{WorkspaceConcurrent: 1})
	return NewWorker(f.orch, q, f.runs, enforcer, clockwork.NewFakeClock(), discardTestLogger(), 1, 0)
}

func TestWorkerExecutesAdmittedRun(t *testing.T) {
	f := newOrchFixture(t)
	q := newTestRunQueue(t)
	w := newTestWorker(t, f, q)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, f.run.ID, f.workspaceID)
	require.NoError(t, err)
	msg, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	w.handle(ctx, msg, discardTestLogger())

	assert.Equal(t, models.RunPassed, f.current(t).Status)
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth)
}

func TestWorkerDefersWhenWorkspaceBusy(t *testing.T) {
	f := newOrchFixture(t)
	// Another run of the same workspace is in flight.
	inflight := &models.Run{
		ID:          uuid.New(),
		WorkspaceID: f.workspaceID,
		PipelineID:  f.pipeline.ID,
		Trigger:     models.TriggerManual,
		Status:      models.RunRunning,
	}
	f.runs.runs[inflight.ID] = inflight

	q := newTestRunQueue(t)
	w := newTestWorker(t, f, q)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, f.run.ID, f.workspaceID)
	require.NoError(t, err)
	msg, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	w.handle(ctx, msg, discardTestLogger())

	// Untouched run, message back on the queue with the attempt bumped.
	assert.Equal(t, models.RunQueued, f.current(t).Status)
	again, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, again.ID)
	assert.Equal(t, msg.Attempt+1, again.Attempt)
}

func TestWorkerAdmissionSerializesWorkspace(t *testing.T) {
	// Two queued runs of one workspace: once the first claims the only
	// slot, the second is deferred even though it was queued when both
	// messages were produced.
	f := newOrchFixture(t)
	second := &models.Run{
		ID:          uuid.New(),
		WorkspaceID: f.workspaceID,
		PipelineID:  f.pipeline.ID,
		Trigger:     models.TriggerManual,
		Status:      models.RunQueued,
	}
	f.runs.runs[second.ID] = second
	ctx := context.Background()

	claimed, err := f.runs.Admit(ctx, f.run.ID, 1)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, models.RunPreparing, claimed.Status)

	_, err = f.runs.Admit(ctx, second.ID, 1)
	assert.ErrorIs(t, err, repository.ErrWorkspaceBusy)

	// Through the worker the refusal becomes a deferral.
	q := newTestRunQueue(t)
	w := newTestWorker(t, f, q)
	_, err = q.Enqueue(ctx, second.ID, f.workspaceID)
	require.NoError(t, err)
	msg, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	w.handle(ctx, msg, discardTestLogger())

	assert.Equal(t, models.RunQueued, f.runs.runs[second.ID].Status)
	again, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, msg.Attempt+1, again.Attempt)
}

func TestWorkerDropsAlreadyClaimedMessage(t *testing.T) {
	// A message for a run another worker already claimed is dropped,
	// not requeued.
	f := newOrchFixture(t)
	f.run.Status = models.RunPreparing
	q := newTestRunQueue(t)
	w := newTestWorker(t, f, q)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, f.run.ID, f.workspaceID)
	require.NoError(t, err)
	msg, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	w.handle(ctx, msg, discardTestLogger())

	assert.Equal(t, models.RunPreparing, f.current(t).Status)
	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth)
}

func TestWorkerRunStopsOnCancel(t *testing.T) {
	f := newOrchFixture(t)
	q := newTestRunQueue(t)
	w := NewWorker(f.orch, q, f.runs,
		limits.NewEnforcer(config.LimitsConfig{WorkspaceConcurrent: 1}),
		clockwork.NewRealClock(), discardTestLogger(), 2, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}
