// Package queue implements the durable run queue on Redis. Producers
// LPUSH JSON messages; workers BRPOP them. Requeueing with a delay is
// how the scheduler defers runs blocked on the workspace-concurrency
// budget.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/edgegate/edgegate/internal/pkg/ulid"
)

// ErrEmpty is returned by Dequeue when the blocking pop times out
// without a message.
var ErrEmpty = errors.New("queue: empty")

// Message is one unit of work: advance the named run.
type Message struct {
	ID          string    `json:"id"`
	RunID       uuid.UUID `json:"run_id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Attempt     int       `json:"attempt"`
}

// Queue is a durable FIFO list on Redis.
type Queue struct {
	client *redis.Client
	name   string
}

// New creates a queue over the given Redis client and list name.
func New(client *redis.Client, name string) *Queue {
	return &Queue{client: client, name: name}
}

// Enqueue pushes a run onto the queue and returns the message id.
func (q *Queue) Enqueue(ctx context.Context, runID, workspaceID uuid.UUID) (string, error) {
	msg := Message{
		ID:          ulid.New(),
		RunID:       runID,
		WorkspaceID: workspaceID,
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("marshal queue message: %w", err)
	}
	if err := q.client.LPush(ctx, q.name, data).Err(); err != nil {
		return "", fmt.Errorf("enqueue run: %w", err)
	}
	return msg.ID, nil
}

// Dequeue blocks up to the timeout for the next message. Returns
// ErrEmpty when nothing arrived.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Message, error) {
	res, err := q.client.BRPop(ctx, timeout, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue run: %w", err)
	}
	// BRPop returns [key, value].
	var msg Message
	if err := json.Unmarshal([]byte(res[1]), &msg); err != nil {
		return nil, fmt.Errorf("unmarshal queue message: %w", err)
	}
	return &msg, nil
}

// Requeue pushes a message back with its attempt counter bumped. The
// caller sleeps the delay before calling; the queue itself stores no
// timers.
func (q *Queue) Requeue(ctx context.Context, msg *Message) error {
	msg.Attempt++
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal queue message: %w", err)
	}
	if err := q.client.LPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("requeue run: %w", err)
	}
	return nil
}

// Depth returns the number of pending messages.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.name).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}
