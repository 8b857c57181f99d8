package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/edgegate/edgegate/internal/limits"
	"github.com/edgegate/edgegate/internal/queue"
	"github.com/edgegate/edgegate/internal/repository"
)

// Worker consumes the run queue with a pool of goroutines. Admission is
// serialized per workspace: a message whose workspace already has an
// active run is requeued after a delay instead of executed.
type Worker struct {
	orchestrator *Orchestrator
	queue        *queue.Queue
	runs         repository.RunRepository
	limits       *limits.Enforcer
	clock        clockwork.Clock
	logger       *slog.Logger

	concurrency  int
	pollTimeout  time.Duration
	requeueDelay time.Duration
}

// NewWorker creates a worker pool.
func NewWorker(
	orchestrator *Orchestrator,
	q *queue.Queue,
	runs repository.RunRepository,
	enforcer *limits.Enforcer,
	clock clockwork.Clock,
	logger *slog.Logger,
	concurrency int,
	requeueDelay time.Duration,
) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		orchestrator: orchestrator,
		queue:        q,
		runs:         runs,
		limits:       enforcer,
		clock:        clock,
		logger:       logger,
		concurrency:  concurrency,
		pollTimeout:  5 * time.Second,
		requeueDelay: requeueDelay,
	}
}

// Run blocks consuming the queue until the context is cancelled, then
// drains: in-flight runs finish their current stage chain before Run
// returns.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < w.concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			w.loop(ctx, id)
		}(i)
	}
	wg.Wait()
}

func (w *Worker) loop(ctx context.Context, id int) {
	logger := w.logger.With(slog.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := w.queue.Dequeue(ctx, w.pollTimeout)
		if errors.Is(err, queue.ErrEmpty) {
			w.observeDepth(ctx)
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", slog.Any("error", err))
			w.clock.Sleep(w.pollTimeout)
			continue
		}
		w.handle(ctx, msg, logger)
	}
}

// handle admits or defers one message. Admission is atomic in the
// repository: the budget check and the queued → preparing claim commit
// under a per-workspace lock, so only one worker can win a slot.
func (w *Worker) handle(ctx context.Context, msg *queue.Message, logger *slog.Logger) {
	run, err := w.runs.Admit(ctx, msg.RunID, w.limits.WorkspaceConcurrency())
	if errors.Is(err, repository.ErrWorkspaceBusy) {
		logger.Debug("workspace at concurrency budget, deferring",
			slog.String("run_id", msg.RunID.String()),
			slog.String("workspace_id", msg.WorkspaceID.String()))
		w.requeue(ctx, msg, logger)
		return
	}
	if err != nil {
		logger.Error("admit run", slog.Any("error", err))
		w.requeue(ctx, msg, logger)
		return
	}
	if run == nil {
		logger.Warn("run vanished or already claimed, dropping message",
			slog.String("run_id", msg.RunID.String()))
		return
	}
	w.orchestrator.Execute(ctx, msg.RunID)
	w.observeDepth(ctx)
}

func (w *Worker) requeue(ctx context.Context, msg *queue.Message, logger *slog.Logger) {
	w.clock.Sleep(w.requeueDelay)
	if err := w.queue.Requeue(ctx, msg); err != nil {
		logger.Error("requeue failed",
			slog.String("run_id", msg.RunID.String()), slog.Any("error", err))
	}
}

func (w *Worker) observeDepth(ctx context.Context) {
	if depth, err := w.queue.Depth(ctx); err == nil {
		queueDepth.Set(float64(depth))
	}
}
