// Package queue is the dispatch queue between the run engine and the
// worker fleet: a Redis list of run envelopes with FIFO semantics, a
// sorted set holding delayed (not-before) entries, and a per-worker
// control channel used to push kill orders. The queue is a hint: the
// store rows are the source of truth, and the claim gate inside the run
// engine makes dispatch at-most-once even when an envelope is delivered
// twice.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	readyKey   = "rpahub:runs:queue"
	delayedKey = "rpahub:runs:delayed"

	controlPrefix = "rpahub:workers:"
	controlSuffix = ":control"
)

// Envelope is one queued dispatch request. Deferrals counts consecutive
// ineligible claims so a run that keeps bouncing is held back instead of
// spinning at the head of the queue.
type Envelope struct {
	RunID     string `json:"run_id"`
	Deferrals int    `json:"deferrals,omitempty"`
}

// KillOrder tells a worker to terminate a run it owns.
type KillOrder struct {
	RunID string `json:"run_id"`
}

// Queue wraps the Redis connection.
type Queue struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New connects to Redis using a URL (redis://host:port/db).
func New(url string, logger *slog.Logger) (*Queue, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewWithClient(redis.NewClient(opts), logger), nil
}

// NewWithClient wraps an existing client (tests use miniredis).
func NewWithClient(rdb *redis.Client, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{rdb: rdb, logger: logger.With("component", "queue")}
}

// Close releases the Redis connection.
func (q *Queue) Close() error { return q.rdb.Close() }

// Ping verifies connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

// Enqueue pushes an envelope onto the ready queue (FIFO tail).
func (q *Queue) Enqueue(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := q.rdb.LPush(ctx, readyKey, data).Err(); err != nil {
		return fmt.Errorf("enqueue run %s: %w", env.RunID, err)
	}
	return nil
}

// EnqueueAt parks an envelope in the delayed set until notBefore.
func (q *Queue) EnqueueAt(ctx context.Context, env Envelope, notBefore time.Time) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	err = q.rdb.ZAdd(ctx, delayedKey, redis.Z{
		Score:  float64(notBefore.Unix()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("enqueue delayed run %s: %w", env.RunID, err)
	}
	return nil
}

// Dequeue blocks up to timeout for the next envelope. Returns nil when
// the queue stayed empty.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*Envelope, error) {
	res, err := q.rdb.BRPop(ctx, timeout, readyKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	// BRPop returns [key, value].
	var env Envelope
	if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
		q.logger.Error("dropping malformed queue payload", "payload", res[1])
		return nil, nil
	}
	return &env, nil
}

// PromoteDue moves every delayed envelope whose not-before has passed
// onto the ready queue. Returns how many were promoted.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	due := strconv.FormatInt(now.Unix(), 10)
	members, err := q.rdb.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: due,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("scan delayed queue: %w", err)
	}

	promoted := 0
	for _, m := range members {
		// ZRem first so two promoters cannot double-deliver.
		removed, err := q.rdb.ZRem(ctx, delayedKey, m).Result()
		if err != nil {
			return promoted, fmt.Errorf("remove delayed entry: %w", err)
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, readyKey, m).Err(); err != nil {
			return promoted, fmt.Errorf("promote delayed entry: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// Depth returns the visible backlog of the ready queue.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.rdb.LLen(ctx, readyKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

// DelayedDepth returns how many envelopes are parked with a not-before.
func (q *Queue) DelayedDepth(ctx context.Context) (int64, error) {
	n, err := q.rdb.ZCard(ctx, delayedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("delayed depth: %w", err)
	}
	return n, nil
}

// PublishKill pushes a kill order onto the worker's control channel.
func (q *Queue) PublishKill(ctx context.Context, workerID, runID string) error {
	data, err := json.Marshal(KillOrder{RunID: runID})
	if err != nil {
		return fmt.Errorf("marshal kill order: %w", err)
	}
	ch := controlPrefix + workerID + controlSuffix
	if err := q.rdb.Publish(ctx, ch, data).Err(); err != nil {
		return fmt.Errorf("publish kill order: %w", err)
	}
	return nil
}

// SubscribeControl listens for kill orders addressed to a worker. The
// returned channel closes when ctx ends.
func (q *Queue) SubscribeControl(ctx context.Context, workerID string) (<-chan KillOrder, error) {
	ch := controlPrefix + workerID + controlSuffix
	pubsub := q.rdb.Subscribe(ctx, ch)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe control channel: %w", err)
	}

	out := make(chan KillOrder, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()
		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var order KillOrder
				if err := json.Unmarshal([]byte(msg.Payload), &order); err != nil {
					q.logger.Warn("ignoring malformed kill order", "payload", msg.Payload)
					continue
				}
				select {
				case out <- order:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
