package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/Dallinger/Dallinger-sub000/internal/config"
	"github.com/Dallinger/Dallinger-sub000/internal/models"
)

func testQueue(t *testing.T) (*RedisQueue, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := config.Config{
		PriorityQueues:    []string{"high", "default", "low"},
		VisibilityTimeout: 50 * time.Millisecond,
		DLQName:           "queue:dlq",
	}
	return NewRedisQueueWithClient(client, cfg), mr
}

func TestEnqueueDequeuePriorityOrder(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, models.Event{Type: models.EventRunBot, AssignmentID: "low-1"}, "low"); err != nil {
		t.Fatalf("enqueue low: %v", err)
	}
	if _, err := q.Enqueue(ctx, models.Event{Type: models.EventAssignmentSubmitted, AssignmentID: "high-1"}, "high"); err != nil {
		t.Fatalf("enqueue high: %v", err)
	}

	job, ok, err := q.DequeueWithLease(ctx)
	if err != nil || !ok {
		t.Fatalf("expected a job, got ok=%v err=%v", ok, err)
	}
	if job.Event.AssignmentID != "high-1" {
		t.Fatalf("high priority must drain first, got %s", job.Event.AssignmentID)
	}
	if job.Attempts != 1 {
		t.Fatalf("expected first delivery attempt, got %d", job.Attempts)
	}

	job, ok, err = q.DequeueWithLease(ctx)
	if err != nil || !ok {
		t.Fatalf("expected second job, got ok=%v err=%v", ok, err)
	}
	if job.Event.AssignmentID != "low-1" {
		t.Fatalf("expected low job second, got %s", job.Event.AssignmentID)
	}

	if _, ok, _ := q.DequeueWithLease(ctx); ok {
		t.Fatalf("queue should be empty")
	}
}

func TestAckRemovesJob(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, models.Event{Type: models.EventAssignmentAccepted, AssignmentID: "a1"}, ""); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, ok, err := q.DequeueWithLease(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}
	if err := q.Ack(ctx, job.ID); err != nil {
		t.Fatalf("ack: %v", err)
	}

	// An acked job must not be reclaimed after its lease would have expired.
	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("acked job must not be requeued, got %v", ids)
	}
}

func TestExpiredLeaseIsRedelivered(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, models.Event{Type: models.EventAssignmentReturned, AssignmentID: "a1"}, "default"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	first, ok, err := q.DequeueWithLease(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}

	// Simulate a worker crash: never ack, reclaim after the lease window.
	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != first.ID {
		t.Fatalf("expected job %s reclaimed, got %v", first.ID, ids)
	}

	second, ok, err := q.DequeueWithLease(ctx)
	if err != nil || !ok {
		t.Fatalf("redelivery dequeue: ok=%v err=%v", ok, err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected same job redelivered, got %s", second.ID)
	}
	if second.Attempts != 2 {
		t.Fatalf("expected second attempt, got %d", second.Attempts)
	}
}

func TestDLQPushAndPeek(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, models.Event{Type: models.EventAssignmentSubmitted, AssignmentID: "a1", ParticipantID: 7}, "default"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	job, ok, err := q.DequeueWithLease(ctx)
	if err != nil || !ok {
		t.Fatalf("dequeue: ok=%v err=%v", ok, err)
	}

	if err := q.DLQPush(ctx, job, "handler exploded"); err != nil {
		t.Fatalf("dlq push: %v", err)
	}
	entries, err := q.DLQPeek(ctx, 10)
	if err != nil {
		t.Fatalf("dlq peek: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one dlq entry, got %d", len(entries))
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(entries[0]), &entry); err != nil {
		t.Fatalf("unmarshal dlq entry: %v", err)
	}
	if entry["event_type"] != models.EventAssignmentSubmitted || entry["error"] != "handler exploded" {
		t.Fatalf("unexpected dlq entry: %v", entry)
	}

	// Dead-lettered jobs leave the in-flight set for good.
	ids, err := q.RequeueExpired(ctx, time.Now().Add(time.Minute), 10)
	if err != nil {
		t.Fatalf("requeue expired: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("dead-lettered job must not be reclaimed, got %v", ids)
	}
}

func TestReadyDepth(t *testing.T) {
	q, _ := testQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, models.Event{Type: models.EventTracking}, "default"); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	depth, err := q.ReadyDepth(ctx)
	if err != nil {
		t.Fatalf("ready depth: %v", err)
	}
	if depth != 3 {
		t.Fatalf("expected depth 3, got %d", depth)
	}
}
