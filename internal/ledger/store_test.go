package ledger_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"catsift/internal/catalog"
	"catsift/internal/ledger"
	"catsift/internal/storage"
	"catsift/internal/testsupport"
	"catsift/internal/workqueue"
)

type fixture struct {
	db      *storage.DB
	tasks   *ledger.Store
	queue   *workqueue.Queue
	catalog *catalog.Store
}

func newFixture(t *testing.T, opts ledger.Options) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	db := testsupport.MustOpenDB(t, cfg)
	return &fixture{
		db:      db,
		tasks:   ledger.NewStore(db, opts),
		queue:   workqueue.New(db),
		catalog: catalog.NewStore(db),
	}
}

func TestEnqueueIsIdempotentPerOpenTask(t *testing.T) {
	fx := newFixture(t, ledger.Options{})
	ctx := context.Background()

	first, created, err := fx.tasks.Enqueue(ctx, "item-1", "poshmark", ledger.StageIngest)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if !created {
		t.Fatal("expected first enqueue to create a task")
	}

	second, created, err := fx.tasks.Enqueue(ctx, "item-1", "poshmark", ledger.StageIngest)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if created {
		t.Fatal("expected second enqueue to reuse the open task")
	}
	if second.ID != first.ID {
		t.Fatalf("expected same task, got %d and %d", first.ID, second.ID)
	}

	depth, err := fx.queue.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth[string(ledger.StageIngest)] != 1 {
		t.Fatalf("expected one queued message, got %d", depth[string(ledger.StageIngest)])
	}
}

func TestClaimHasExactlyOneWinner(t *testing.T) {
	fx := newFixture(t, ledger.Options{})
	ctx := context.Background()

	task, _, err := fx.tasks.Enqueue(ctx, "item-2", "poshmark", ledger.StageIngest)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	const claimers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := fx.tasks.Claim(ctx, task.ID)
			if err != nil {
				t.Errorf("Claim: %v", err)
				return
			}
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", wins)
	}
}

func TestCompleteAdvancesToNextStage(t *testing.T) {
	fx := newFixture(t, ledger.Options{})
	ctx := context.Background()

	task, _, err := fx.tasks.Enqueue(ctx, "item-3", "poshmark", ledger.StageIngest)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if ok, err := fx.tasks.Claim(ctx, task.ID); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}

	if err := fx.tasks.Complete(ctx, task.ID, true, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	updated, err := fx.tasks.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if updated.Status != ledger.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s", updated.Status)
	}

	stats, err := fx.tasks.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	key := ledger.StatKey{Stage: ledger.StageEnrich, Status: ledger.StatusPending}
	if stats[key] != 1 {
		t.Fatalf("expected one pending enrich task, got %d", stats[key])
	}

	depth, err := fx.queue.Depth(ctx)
	if err != nil {
		t.Fatalf("Depth: %v", err)
	}
	if depth[string(ledger.StageEnrich)] != 1 {
		t.Fatalf("expected one enrich message, got %d", depth[string(ledger.StageEnrich)])
	}

	if err := fx.tasks.Complete(ctx, task.ID, true, nil); !errors.Is(err, ledger.ErrNotClaimable) {
		t.Fatalf("expected ErrNotClaimable on double complete, got %v", err)
	}
}

func TestCompleteWithoutAdvanceEndsPipeline(t *testing.T) {
	fx := newFixture(t, ledger.Options{})
	ctx := context.Background()

	task, _, err := fx.tasks.Enqueue(ctx, "item-4", "poshmark", ledger.StageIngest)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if ok, err := fx.tasks.Claim(ctx, task.ID); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if err := fx.tasks.Complete(ctx, task.ID, false, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	stats, err := fx.tasks.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[ledger.StatKey{Stage: ledger.StageEnrich, Status: ledger.StatusPending}] != 0 {
		t.Fatal("expected no enrich task after terminal completion")
	}
}

func TestFailRetriesWithBackoffThenDeadLetters(t *testing.T) {
	fx := newFixture(t, ledger.Options{MaxAttempts: 2, RetryBackoff: time.Minute})
	ctx := context.Background()

	task, _, err := fx.tasks.Enqueue(ctx, "item-5", "poshmark", ledger.StageEnrich)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if ok, err := fx.tasks.Claim(ctx, task.ID); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}

	status, retried, err := fx.tasks.Fail(ctx, task.ID, errors.New("collaborator timeout"), true)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if status != ledger.StatusPending {
		t.Fatalf("expected pending after first failure, got %s", status)
	}
	if retried.Attempt != 1 {
		t.Fatalf("expected attempt 1, got %d", retried.Attempt)
	}
	if retried.NotBefore == nil || !retried.NotBefore.After(time.Now()) {
		t.Fatal("expected a future not-before on retry")
	}

	// The backoff gate keeps the retried task unclaimable for now.
	if ok, err := fx.tasks.Claim(ctx, task.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	} else if ok {
		t.Fatal("expected claim to be blocked by the backoff delay")
	}

	// Force the delay open to exercise the second, final attempt.
	if _, err := fx.db.Handle().ExecContext(
		ctx,
		`UPDATE stage_tasks SET not_before = ? WHERE id = ?`,
		storage.FormatTime(time.Now().Add(-time.Second).UTC()),
		task.ID,
	); err != nil {
		t.Fatalf("rewind not_before: %v", err)
	}
	if ok, err := fx.tasks.Claim(ctx, task.ID); err != nil || !ok {
		t.Fatalf("Claim after backoff: ok=%v err=%v", ok, err)
	}

	status, dead, err := fx.tasks.Fail(ctx, task.ID, errors.New("collaborator timeout"), true)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if status != ledger.StatusDead {
		t.Fatalf("expected dead-letter at attempt cap, got %s", status)
	}
	if dead.ErrorMessage == "" {
		t.Fatal("expected the failure cause to be recorded")
	}
}

func TestFailNonRetryableDeadLettersImmediately(t *testing.T) {
	fx := newFixture(t, ledger.Options{})
	ctx := context.Background()

	task, _, err := fx.tasks.Enqueue(ctx, "item-6", "poshmark", ledger.StageEnrich)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if ok, err := fx.tasks.Claim(ctx, task.ID); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}

	status, _, err := fx.tasks.Fail(ctx, task.ID, errors.New("listing is malformed"), false)
	if err != nil {
		t.Fatalf("Fail: %v", err)
	}
	if status != ledger.StatusDead {
		t.Fatalf("expected immediate dead-letter, got %s", status)
	}
}

func TestReclaimStaleReturnsTasksToPending(t *testing.T) {
	fx := newFixture(t, ledger.Options{})
	ctx := context.Background()

	task, _, err := fx.tasks.Enqueue(ctx, "item-7", "poshmark", ledger.StageIngest)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if ok, err := fx.tasks.Claim(ctx, task.ID); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}

	// A cutoff before the claim leaves the task alone.
	count, err := fx.tasks.ReclaimStale(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no reclaims for a fresh claim, got %d", count)
	}

	count, err = fx.tasks.ReclaimStale(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one reclaim, got %d", count)
	}

	reclaimed, err := fx.tasks.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if reclaimed.Status != ledger.StatusPending {
		t.Fatalf("expected pending after reclaim, got %s", reclaimed.Status)
	}
	if reclaimed.ClaimedAt != nil {
		t.Fatal("expected claim timestamp cleared")
	}
}

func TestReconcileRepairsMissingSuccessor(t *testing.T) {
	fx := newFixture(t, ledger.Options{})
	ctx := context.Background()

	testsupport.SeedProduct(t, fx.catalog, "item-8", "poshmark")

	task, _, err := fx.tasks.Enqueue(ctx, "item-8", "poshmark", ledger.StageIngest)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if ok, err := fx.tasks.Claim(ctx, task.ID); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if err := fx.tasks.Complete(ctx, task.ID, false, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}

	repaired, err := fx.tasks.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if repaired != 1 {
		t.Fatalf("expected one repaired gap, got %d", repaired)
	}

	stats, err := fx.tasks.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats[ledger.StatKey{Stage: ledger.StageEnrich, Status: ledger.StatusPending}] != 1 {
		t.Fatal("expected the reconciler to enqueue the enrich stage")
	}

	// A second pass sees the successor and repairs nothing.
	repaired, err = fx.tasks.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if repaired != 0 {
		t.Fatalf("expected idempotent reconcile, got %d repairs", repaired)
	}
}

func TestReconcileSkipsExcludedProducts(t *testing.T) {
	fx := newFixture(t, ledger.Options{})
	ctx := context.Background()

	testsupport.SeedProduct(t, fx.catalog, "item-9", "poshmark")

	task, _, err := fx.tasks.Enqueue(ctx, "item-9", "poshmark", ledger.StageIngest)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if ok, err := fx.tasks.Claim(ctx, task.ID); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if err := fx.tasks.Complete(ctx, task.ID, false, nil); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := fx.catalog.SetStatus(ctx, "item-9", "poshmark", catalog.StatusExcluded); err != nil {
		t.Fatalf("SetStatus: %v", err)
	}

	repaired, err := fx.tasks.Reconcile(ctx)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if repaired != 0 {
		t.Fatalf("expected excluded product to stay terminal, got %d repairs", repaired)
	}
}

func TestRetryDeadResetsAttemptBudget(t *testing.T) {
	fx := newFixture(t, ledger.Options{})
	ctx := context.Background()

	task, _, err := fx.tasks.Enqueue(ctx, "item-10", "poshmark", ledger.StageCluster)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if ok, err := fx.tasks.Claim(ctx, task.ID); err != nil || !ok {
		t.Fatalf("Claim: ok=%v err=%v", ok, err)
	}
	if _, _, err := fx.tasks.Fail(ctx, task.ID, errors.New("bad payload"), false); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	dead, err := fx.tasks.DeadLettered(ctx, 0)
	if err != nil {
		t.Fatalf("DeadLettered: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("expected one dead-lettered task, got %d", len(dead))
	}

	retried, err := fx.tasks.RetryDead(ctx, task.ID)
	if err != nil {
		t.Fatalf("RetryDead: %v", err)
	}
	if retried != 1 {
		t.Fatalf("expected one retried task, got %d", retried)
	}

	replayed, err := fx.tasks.GetByID(ctx, task.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if replayed.Status != ledger.StatusPending {
		t.Fatalf("expected pending after replay, got %s", replayed.Status)
	}
	if replayed.Attempt != 0 {
		t.Fatalf("expected attempt budget reset, got %d", replayed.Attempt)
	}
}
