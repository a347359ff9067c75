// Package logbus fans out run log lines to live subscribers. Lines are
// persisted to the store before being published on a per-run Redis
// channel; a new subscriber first replays history from the store in
// sequence order and then joins the live stream, deduplicating across
// the handover by sequence number.
package logbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/rpahub/rpahub/pkg/rpahub/store"
)

const channelPrefix = "rpahub:runs:"
const channelSuffix = ":logs"

// historyReader is the slice of the store the bus needs for catch-up.
type historyReader interface {
	ListRunLogsSince(runID string, afterSeq int64, limit int) ([]*store.RunLog, error)
}

// Bus publishes and subscribes run log lines.
type Bus struct {
	rdb     *redis.Client
	history historyReader
	logger  *slog.Logger
}

// New connects the bus to Redis by URL.
func New(url string, history historyReader, logger *slog.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewWithClient(redis.NewClient(opts), history, logger), nil
}

// NewWithClient wraps an existing client (tests use miniredis).
func NewWithClient(rdb *redis.Client, history historyReader, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{rdb: rdb, history: history, logger: logger.With("component", "logbus")}
}

// Close releases the Redis connection.
func (b *Bus) Close() error { return b.rdb.Close() }

func channel(runID string) string {
	return channelPrefix + runID + channelSuffix
}

// Publish fans a persisted log line out to live subscribers. The caller
// must have stored the line already; Publish never writes to the store.
func (b *Bus) Publish(ctx context.Context, line *store.RunLog) error {
	data, err := json.Marshal(line)
	if err != nil {
		return fmt.Errorf("marshal log line: %w", err)
	}
	if err := b.rdb.Publish(ctx, channel(line.RunID), data).Err(); err != nil {
		return fmt.Errorf("publish log line: %w", err)
	}
	return nil
}

// Subscription is one live log stream. Lines delivers history first,
// then live lines, in strict sequence order with no duplicates.
type Subscription struct {
	Lines  <-chan *store.RunLog
	cancel context.CancelFunc
}

// Close terminates the subscription; Lines is closed afterwards.
func (s *Subscription) Close() { s.cancel() }

// Subscribe attaches to a run's log stream. The live Redis subscription
// is opened before history is read, so lines appended during catch-up
// arrive on the live leg and are filtered by sequence.
func (b *Bus) Subscribe(ctx context.Context, runID string) (*Subscription, error) {
	subCtx, cancel := context.WithCancel(ctx)

	pubsub := b.rdb.Subscribe(subCtx, channel(runID))
	if _, err := pubsub.Receive(subCtx); err != nil {
		cancel()
		pubsub.Close()
		return nil, fmt.Errorf("subscribe run logs: %w", err)
	}

	out := make(chan *store.RunLog, 256)
	go func() {
		defer close(out)
		defer pubsub.Close()

		// Catch-up phase: replay everything persisted so far.
		var cursor int64
		for {
			batch, err := b.history.ListRunLogsSince(runID, cursor, 500)
			if err != nil {
				b.logger.Error("log history read failed", "run_id", runID, "error", err)
				return
			}
			if len(batch) == 0 {
				break
			}
			for _, line := range batch {
				select {
				case out <- line:
					cursor = line.Seq
				case <-subCtx.Done():
					return
				}
			}
		}

		// Live phase: lines at or below the cursor crossed the handover
		// twice and are dropped.
		msgs := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var line store.RunLog
				if err := json.Unmarshal([]byte(msg.Payload), &line); err != nil {
					b.logger.Warn("ignoring malformed log payload", "run_id", runID)
					continue
				}
				if line.Seq <= cursor {
					continue
				}
				cursor = line.Seq
				select {
				case out <- &line:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription{Lines: out, cancel: cancel}, nil
}
