package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return New(client, Options{VisibilityTimeout: 50 * time.Millisecond})
}

func TestEnqueueDequeueAck(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	if err := q.Enqueue(ctx, "task-1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, "task-2"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if depth, _ := q.ReadyDepth(ctx); depth != 2 {
		t.Fatalf("depth = %d, want 2", depth)
	}

	got, err := q.DequeueWithLease(ctx)
	if err != nil || got != "task-1" {
		t.Fatalf("dequeue = %q err=%v, want task-1", got, err)
	}
	if err := q.Ack(ctx, got); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// acked tasks never come back
	if n, _ := q.RequeueExpired(ctx, time.Now().Add(time.Hour), 10); n != 0 {
		t.Fatalf("requeued %d acked tasks", n)
	}
}

func TestDequeueEmpty(t *testing.T) {
	q := newTestQueue(t)
	got, err := q.DequeueWithLease(context.Background())
	if err != nil || got != "" {
		t.Fatalf("dequeue empty = %q err=%v", got, err)
	}
}

func TestExpiredLeaseRedelivery(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.Enqueue(ctx, "task-1")
	first, _ := q.DequeueWithLease(ctx)
	if first != "task-1" {
		t.Fatalf("dequeue = %q", first)
	}

	// lease not yet expired: nothing to reclaim
	if n, _ := q.RequeueExpired(ctx, time.Now(), 10); n != 0 {
		t.Fatalf("reclaimed %d before expiry", n)
	}

	// past the visibility deadline the task is redelivered
	n, err := q.RequeueExpired(ctx, time.Now().Add(time.Second), 10)
	if err != nil || n != 1 {
		t.Fatalf("reclaimed = %d err=%v, want 1", n, err)
	}
	second, _ := q.DequeueWithLease(ctx)
	if second != "task-1" {
		t.Fatalf("redelivery = %q, want task-1", second)
	}
}

func TestRetryPromotion(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.Enqueue(ctx, "task-1")
	id, _ := q.DequeueWithLease(ctx)
	if err := q.Retry(ctx, id, 100*time.Millisecond); err != nil {
		t.Fatalf("retry: %v", err)
	}

	if got, _ := q.DequeueWithLease(ctx); got != "" {
		t.Fatalf("task visible before retry delay: %q", got)
	}
	if n, _ := q.PromoteRetries(ctx, time.Now(), 10); n != 0 {
		t.Fatalf("promoted %d before due time", n)
	}

	n, err := q.PromoteRetries(ctx, time.Now().Add(time.Second), 10)
	if err != nil || n != 1 {
		t.Fatalf("promoted = %d err=%v, want 1", n, err)
	}
	if got, _ := q.DequeueWithLease(ctx); got != "task-1" {
		t.Fatalf("dequeue after promote = %q", got)
	}
}

func TestDLQ(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)

	_ = q.DLQPush(ctx, "task-9")
	items, err := q.DLQPeek(ctx, 10)
	if err != nil || len(items) != 1 || items[0] != "task-9" {
		t.Fatalf("dlq peek = %v err=%v", items, err)
	}
}
