package queue

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	q := NewWithClient(rdb, slog.New(slog.NewTextHandler(io.Discard, nil)))
	t.Cleanup(func() { q.Close() })
	return q
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := q.Enqueue(ctx, Envelope{RunID: id}); err != nil {
			t.Fatalf("Enqueue(%s) failed: %v", id, err)
		}
	}
	if n, err := q.Depth(ctx); err != nil || n != 3 {
		t.Fatalf("Depth = %d (%v), want 3", n, err)
	}

	for _, want := range []string{"a", "b", "c"} {
		env, err := q.Dequeue(ctx, time.Second)
		if err != nil {
			t.Fatalf("Dequeue failed: %v", err)
		}
		if env == nil || env.RunID != want {
			t.Fatalf("dequeued %+v, want run %s", env, want)
		}
	}
}

func TestDequeueEmptyTimesOut(t *testing.T) {
	q := newTestQueue(t)
	env, err := q.Dequeue(context.Background(), 50*time.Millisecond)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if env != nil {
		t.Fatalf("dequeued %+v from an empty queue", env)
	}
}

func TestDelayedPromotion(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := q.EnqueueAt(ctx, Envelope{RunID: "later", Deferrals: 2}, now.Add(time.Minute)); err != nil {
		t.Fatalf("EnqueueAt failed: %v", err)
	}
	if n, err := q.DelayedDepth(ctx); err != nil || n != 1 {
		t.Fatalf("DelayedDepth = %d (%v), want 1", n, err)
	}

	// Not due yet.
	if n, err := q.PromoteDue(ctx, now); err != nil || n != 0 {
		t.Fatalf("early PromoteDue = %d (%v), want 0", n, err)
	}
	if env, _ := q.Dequeue(ctx, 50*time.Millisecond); env != nil {
		t.Fatalf("delayed envelope leaked early: %+v", env)
	}

	// Due.
	if n, err := q.PromoteDue(ctx, now.Add(2*time.Minute)); err != nil || n != 1 {
		t.Fatalf("PromoteDue = %d (%v), want 1", n, err)
	}
	if n, _ := q.DelayedDepth(ctx); n != 0 {
		t.Fatalf("DelayedDepth after promote = %d, want 0", n)
	}
	env, err := q.Dequeue(ctx, time.Second)
	if err != nil || env == nil {
		t.Fatalf("Dequeue after promote = %+v (%v)", env, err)
	}
	if env.RunID != "later" || env.Deferrals != 2 {
		t.Fatalf("promoted envelope = %+v, want deferrals preserved", env)
	}

	// A second promoter finds nothing.
	if n, err := q.PromoteDue(ctx, now.Add(2*time.Minute)); err != nil || n != 0 {
		t.Fatalf("second PromoteDue = %d (%v), want 0", n, err)
	}
}

func TestKillOrderDelivery(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	orders, err := q.SubscribeControl(ctx, "w1")
	if err != nil {
		t.Fatalf("SubscribeControl failed: %v", err)
	}

	if err := q.PublishKill(ctx, "w1", "run-42"); err != nil {
		t.Fatalf("PublishKill failed: %v", err)
	}
	select {
	case order := <-orders:
		if order.RunID != "run-42" {
			t.Fatalf("order = %+v, want run-42", order)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("kill order not delivered")
	}

	// Orders for other workers never cross channels.
	if err := q.PublishKill(ctx, "w2", "run-other"); err != nil {
		t.Fatalf("PublishKill failed: %v", err)
	}
	select {
	case order := <-orders:
		t.Fatalf("received another worker's order: %+v", order)
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	select {
	case _, ok := <-orders:
		if ok {
			t.Fatal("channel delivered after cancel")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
