package workqueue_test

import (
	"context"
	"testing"
	"time"

	"catsift/internal/ledger"
	"catsift/internal/testsupport"
	"catsift/internal/workqueue"
)

func newQueue(t *testing.T) (*workqueue.Queue, *ledger.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	return workqueue.New(db), ledger.NewStore(db, ledger.Options{})
}

func enqueueTask(t *testing.T, tasks *ledger.Store, externalID string) *ledger.Task {
	t.Helper()
	task, _, err := tasks.Enqueue(context.Background(), externalID, "poshmark", ledger.StageIngest)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return task
}

func TestLeaseDeliversOldestFirst(t *testing.T) {
	queue, tasks := newQueue(t)
	ctx := context.Background()

	first := enqueueTask(t, tasks, "item-1")
	enqueueTask(t, tasks, "item-2")

	msg, err := queue.Lease(ctx, string(ledger.StageIngest), time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if msg == nil {
		t.Fatal("expected a message")
	}
	if msg.TaskID != first.ID {
		t.Fatalf("expected oldest task %d first, got %d", first.ID, msg.TaskID)
	}
}

func TestLeasedMessageIsInvisible(t *testing.T) {
	queue, tasks := newQueue(t)
	ctx := context.Background()

	enqueueTask(t, tasks, "item-1")

	msg, err := queue.Lease(ctx, string(ledger.StageIngest), time.Minute)
	if err != nil || msg == nil {
		t.Fatalf("Lease: msg=%v err=%v", msg, err)
	}

	second, err := queue.Lease(ctx, string(ledger.StageIngest), time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if second != nil {
		t.Fatal("expected leased message to be invisible to a second consumer")
	}
}

func TestExpiredLeaseRedelivers(t *testing.T) {
	queue, tasks := newQueue(t)
	ctx := context.Background()

	enqueueTask(t, tasks, "item-1")

	msg, err := queue.Lease(ctx, string(ledger.StageIngest), 10*time.Millisecond)
	if err != nil || msg == nil {
		t.Fatalf("Lease: msg=%v err=%v", msg, err)
	}
	time.Sleep(30 * time.Millisecond)

	redelivered, err := queue.Lease(ctx, string(ledger.StageIngest), time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if redelivered == nil {
		t.Fatal("expected redelivery after lease expiry")
	}
	if redelivered.ID != msg.ID {
		t.Fatalf("expected the same message back, got %s and %s", msg.ID, redelivered.ID)
	}
}

func TestAckRemovesMessage(t *testing.T) {
	queue, tasks := newQueue(t)
	ctx := context.Background()

	enqueueTask(t, tasks, "item-1")

	msg, err := queue.Lease(ctx, string(ledger.StageIngest), time.Minute)
	if err != nil || msg == nil {
		t.Fatalf("Lease: msg=%v err=%v", msg, err)
	}
	if err := queue.Ack(ctx, msg.ID); err != nil {
		t.Fatalf("Ack: %v", err)
	}

	depth, err := queue.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth[string(ledger.StageIngest)] != 0 {
		t.Fatalf("expected empty queue, got %d", depth[string(ledger.StageIngest)])
	}
}

func TestReleaseDelaysRedelivery(t *testing.T) {
	queue, tasks := newQueue(t)
	ctx := context.Background()

	enqueueTask(t, tasks, "item-1")

	msg, err := queue.Lease(ctx, string(ledger.StageIngest), time.Minute)
	if err != nil || msg == nil {
		t.Fatalf("Lease: msg=%v err=%v", msg, err)
	}
	if err := queue.Release(ctx, msg.ID, time.Hour); err != nil {
		t.Fatalf("Release: %v", err)
	}

	delayed, err := queue.Lease(ctx, string(ledger.StageIngest), time.Minute)
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	if delayed != nil {
		t.Fatal("expected released message to stay delayed")
	}
}
