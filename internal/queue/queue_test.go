package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, "edgegate:runs:test")
}

func TestEnqueueDequeue(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	runID := uuid.New()
	workspaceID := uuid.New()
	msgID, err := q.Enqueue(ctx, runID, workspaceID)
	require.NoError(t, err)
	assert.NotEmpty(t, msgID)

	msg, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, msgID, msg.ID)
	assert.Equal(t, runID, msg.RunID)
	assert.Equal(t, workspaceID, msg.WorkspaceID)
	assert.Equal(t, 0, msg.Attempt)
}

func TestDequeueOrderIsFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, uuid.New(), uuid.New())
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, uuid.New(), uuid.New())
	require.NoError(t, err)

	msg, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, first, msg.ID)

	msg, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, second, msg.ID)
}

func TestDequeueEmpty(t *testing.T) {
	q := newTestQueue(t)

	_, err := q.Dequeue(context.Background(), 10*time.Millisecond)
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestRequeueIncrementsAttempt(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, uuid.New(), uuid.New())
	require.NoError(t, err)
	msg, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)

	require.NoError(t, q.Requeue(ctx, msg))
	again, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	assert.Equal(t, msg.ID, again.ID)
	assert.Equal(t, 1, again.Attempt)
}

func TestDepth(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	depth, err := q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 0, depth)

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, uuid.New(), uuid.New())
		require.NoError(t, err)
	}
	depth, err = q.Depth(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, depth)
}
