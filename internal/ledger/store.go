package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"catsift/internal/storage"
	"catsift/internal/workqueue"
)

const (
	defaultMaxAttempts  = 3
	defaultRetryBackoff = 30 * time.Second
	maxRetryBackoff     = 30 * time.Minute
)

// ErrNotClaimable reports a Complete or Fail call against a task that is not
// in progress. It usually means another worker already resolved the task.
var ErrNotClaimable = errors.New("task is not in progress")

// Options tunes ledger retry behavior.
type Options struct {
	// MaxAttempts is the total attempt budget before dead-lettering.
	MaxAttempts int
	// RetryBackoff is the base delay before a failed task becomes claimable
	// again; it doubles per attempt.
	RetryBackoff time.Duration
}

// Store is the durable record of each product's progress through the
// pipeline stages: the single source of truth for "has this unit of work
// already been done".
type Store struct {
	db           *sql.DB
	maxAttempts  int
	retryBackoff time.Duration
}

// NewStore wires the ledger onto the shared database.
func NewStore(db *storage.DB, opts Options) *Store {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaultRetryBackoff
	}
	return &Store{
		db:           db.Handle(),
		maxAttempts:  opts.MaxAttempts,
		retryBackoff: opts.RetryBackoff,
	}
}

// Enqueue creates a pending task for (product, stage) and publishes its work
// item, unless an open task for the pair already exists; in that case the
// existing task is returned and nothing is written. Redundant upstream
// messages therefore never produce duplicate work.
func (s *Store) Enqueue(ctx context.Context, externalID, marketplace string, stage Stage) (*Task, bool, error) {
	if externalID == "" || marketplace == "" {
		return nil, false, errors.New("enqueue requires external id and marketplace")
	}

	existing, err := s.openTask(ctx, s.db, externalID, marketplace, stage)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	task, err := insertTask(ctx, tx, externalID, marketplace, stage)
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race against a concurrent enqueue; the winner's task
			// serves both callers.
			_ = tx.Rollback()
			winner, selErr := s.openTask(ctx, s.db, externalID, marketplace, stage)
			if selErr != nil {
				return nil, false, selErr
			}
			if winner != nil {
				return winner, false, nil
			}
			return nil, false, err
		}
		return nil, false, err
	}

	if err := publishTaskTx(ctx, tx, task, time.Now().UTC()); err != nil {
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit enqueue: %w", err)
	}
	return task, true, nil
}

// Claim atomically transitions a task from pending to in progress. Exactly
// one of any number of concurrent claims for the same task succeeds; the
// losers should drop their message without error.
func (s *Store) Claim(ctx context.Context, taskID int64) (bool, error) {
	now := time.Now().UTC()
	nowStr := storage.FormatTime(now)
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE stage_tasks
         SET status = ?, claimed_at = ?, updated_at = ?
         WHERE id = ? AND status = ? AND (not_before IS NULL OR not_before <= ?)`,
		StatusInProgress,
		nowStr,
		nowStr,
		taskID,
		StatusPending,
		nowStr,
	)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim rows affected: %w", err)
	}
	return affected == 1, nil
}

// Complete marks an in-progress task succeeded, runs the stage's output
// writes, and (when advance is set and a next stage exists) enqueues the
// next stage's task and work item — all in one transaction. A crash can
// therefore never land between "mark succeeded" and "emit next".
func (s *Store) Complete(ctx context.Context, taskID int64, advance bool, apply func(context.Context, *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin complete tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	task, err := getTask(ctx, tx, taskID)
	if err != nil {
		return err
	}
	if task == nil || task.Status != StatusInProgress {
		return ErrNotClaimable
	}

	now := storage.FormatTime(time.Now().UTC())
	res, err := tx.ExecContext(
		ctx,
		`UPDATE stage_tasks
         SET status = ?, error_message = NULL, claimed_at = NULL, updated_at = ?
         WHERE id = ? AND status = ?`,
		StatusSucceeded,
		now,
		taskID,
		StatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("mark succeeded: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("complete rows affected: %w", err)
	} else if affected == 0 {
		return ErrNotClaimable
	}

	if apply != nil {
		if err := apply(ctx, tx); err != nil {
			return fmt.Errorf("persist stage output: %w", err)
		}
	}

	if advance {
		if next, ok := task.Stage.Next(); ok {
			if err := s.enqueueNextTx(ctx, tx, task, next); err != nil {
				return err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit complete: %w", err)
	}
	return nil
}

// Fail resolves an in-progress task after a handler error. Retryable
// failures below the attempt cap go back to pending with a backoff delay and
// a fresh work item; everything else dead-letters. The resulting status and
// task snapshot are returned so the caller can raise the operator signal.
func (s *Store) Fail(ctx context.Context, taskID int64, cause error, retryable bool) (Status, *Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", nil, fmt.Errorf("begin fail tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	task, err := getTask(ctx, tx, taskID)
	if err != nil {
		return "", nil, err
	}
	if task == nil || task.Status != StatusInProgress {
		return "", task, ErrNotClaimable
	}

	message := ""
	if cause != nil {
		message = strings.TrimSpace(cause.Error())
	}
	now := time.Now().UTC()
	nowStr := storage.FormatTime(now)
	newAttempt := task.Attempt + 1

	if !retryable || newAttempt >= s.maxAttempts {
		_, err = tx.ExecContext(
			ctx,
			`UPDATE stage_tasks
             SET status = ?, attempt = ?, error_message = ?, claimed_at = NULL,
                 not_before = NULL, updated_at = ?
             WHERE id = ? AND status = ?`,
			StatusDead,
			newAttempt,
			storage.NullableString(message),
			nowStr,
			taskID,
			StatusInProgress,
		)
		if err != nil {
			return "", nil, fmt.Errorf("dead-letter task: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return "", nil, fmt.Errorf("commit fail: %w", err)
		}
		task.Status = StatusDead
		task.Attempt = newAttempt
		task.ErrorMessage = message
		return StatusDead, task, nil
	}

	notBefore := now.Add(s.backoffFor(newAttempt))
	_, err = tx.ExecContext(
		ctx,
		`UPDATE stage_tasks
         SET status = ?, attempt = ?, error_message = ?, claimed_at = NULL,
             not_before = ?, updated_at = ?
         WHERE id = ? AND status = ?`,
		StatusPending,
		newAttempt,
		storage.NullableString(message),
		storage.FormatTime(notBefore),
		nowStr,
		taskID,
		StatusInProgress,
	)
	if err != nil {
		return "", nil, fmt.Errorf("requeue task: %w", err)
	}

	retryTask := *task
	retryTask.Status = StatusPending
	retryTask.Attempt = newAttempt
	retryTask.ErrorMessage = message
	retryTask.NotBefore = &notBefore
	if err := publishTaskTx(ctx, tx, &retryTask, notBefore); err != nil {
		return "", nil, err
	}

	if err := tx.Commit(); err != nil {
		return "", nil, fmt.Errorf("commit fail: %w", err)
	}
	return StatusPending, &retryTask, nil
}

// GetByID fetches a task.
func (s *Store) GetByID(ctx context.Context, taskID int64) (*Task, error) {
	return getTask(ctx, s.db, taskID)
}

// ReclaimStale returns tasks stuck in progress past the cutoff to pending
// and republishes their work items. A claim without a completion past the
// stale timeout means the worker holding it crashed.
func (s *Store) ReclaimStale(ctx context.Context, cutoff time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin reclaim tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(
		ctx,
		`SELECT `+taskColumns+` FROM stage_tasks
         WHERE status = ? AND claimed_at IS NOT NULL AND claimed_at < ?`,
		StatusInProgress,
		storage.FormatTime(cutoff.UTC()),
	)
	if err != nil {
		return 0, fmt.Errorf("query stale tasks: %w", err)
	}
	stale, err := collectTasks(rows)
	if err != nil {
		return 0, err
	}
	if len(stale) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	nowStr := storage.FormatTime(now)
	for _, task := range stale {
		_, err := tx.ExecContext(
			ctx,
			`UPDATE stage_tasks
             SET status = ?, claimed_at = NULL, not_before = NULL, updated_at = ?
             WHERE id = ? AND status = ?`,
			StatusPending,
			nowStr,
			task.ID,
			StatusInProgress,
		)
		if err != nil {
			return 0, fmt.Errorf("reclaim task %d: %w", task.ID, err)
		}
		task.Status = StatusPending
		if err := publishTaskTx(ctx, tx, task, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reclaim: %w", err)
	}
	return int64(len(stale)), nil
}

// Reconcile finds succeeded tasks whose successor stage was never enqueued
// and repairs the gap. It closes the only window the Complete transaction
// cannot: a crash after commit on a database restored from backup, or tasks
// completed by older builds that did not advance.
func (s *Store) Reconcile(ctx context.Context) (int64, error) {
	var repaired int64
	for _, stage := range stageOrder {
		next, ok := stage.Next()
		if !ok {
			continue
		}
		count, err := s.reconcileStage(ctx, stage, next)
		if err != nil {
			return repaired, err
		}
		repaired += count
	}
	return repaired, nil
}

func (s *Store) reconcileStage(ctx context.Context, stage, next Stage) (int64, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+taskColumnsPrefixed+` FROM stage_tasks t
         JOIN products p
           ON p.external_id = t.product_external_id AND p.marketplace = t.marketplace
         WHERE t.stage = ? AND t.status = ? AND p.status = 'active'
           AND NOT EXISTS (
               SELECT 1 FROM stage_tasks n
               WHERE n.product_external_id = t.product_external_id
                 AND n.marketplace = t.marketplace
                 AND n.stage = ?
           )`,
		stage,
		StatusSucceeded,
		next,
	)
	if err != nil {
		return 0, fmt.Errorf("query reconcile gap: %w", err)
	}
	orphans, err := collectTasks(rows)
	if err != nil {
		return 0, err
	}

	var repaired int64
	for _, orphan := range orphans {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return repaired, fmt.Errorf("begin reconcile tx: %w", err)
		}
		task, err := insertTask(ctx, tx, orphan.ExternalID, orphan.Marketplace, next)
		if err != nil {
			_ = tx.Rollback()
			if isUniqueViolation(err) {
				continue
			}
			return repaired, err
		}
		if err := publishTaskTx(ctx, tx, task, time.Now().UTC()); err != nil {
			_ = tx.Rollback()
			return repaired, err
		}
		if err := tx.Commit(); err != nil {
			return repaired, fmt.Errorf("commit reconcile: %w", err)
		}
		repaired++
	}
	return repaired, nil
}

// RetryDead moves dead-lettered tasks back to pending with a fresh attempt
// budget and republishes their work items. With no ids, every dead-lettered
// task is replayed.
func (s *Store) RetryDead(ctx context.Context, ids ...int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin retry tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT ` + taskColumns + ` FROM stage_tasks WHERE status = ?`
	args := []any{StatusDead}
	if len(ids) > 0 {
		query += ` AND id IN (` + storage.MakePlaceholders(len(ids)) + `)`
		for _, id := range ids {
			args = append(args, id)
		}
	}
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("query dead-lettered tasks: %w", err)
	}
	dead, err := collectTasks(rows)
	if err != nil {
		return 0, err
	}
	if len(dead) == 0 {
		return 0, nil
	}

	now := time.Now().UTC()
	nowStr := storage.FormatTime(now)
	for _, task := range dead {
		_, err := tx.ExecContext(
			ctx,
			`UPDATE stage_tasks
             SET status = ?, attempt = 0, error_message = NULL, not_before = NULL,
                 claimed_at = NULL, updated_at = ?
             WHERE id = ? AND status = ?`,
			StatusPending,
			nowStr,
			task.ID,
			StatusDead,
		)
		if err != nil {
			return 0, fmt.Errorf("retry task %d: %w", task.ID, err)
		}
		task.Status = StatusPending
		task.Attempt = 0
		if err := publishTaskTx(ctx, tx, task, now); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit retry: %w", err)
	}
	return int64(len(dead)), nil
}

// ForProduct lists every task recorded for one product, in stage order.
func (s *Store) ForProduct(ctx context.Context, externalID, marketplace string) ([]*Task, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+taskColumns+` FROM stage_tasks
         WHERE product_external_id = ? AND marketplace = ?
         ORDER BY created_at, id`,
		externalID,
		marketplace,
	)
	if err != nil {
		return nil, fmt.Errorf("query product tasks: %w", err)
	}
	return collectTasks(rows)
}

// DeadLettered lists dead-lettered tasks, newest first.
func (s *Store) DeadLettered(ctx context.Context, limit int) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM stage_tasks WHERE status = ? ORDER BY updated_at DESC`
	args := []any{StatusDead}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query dead-lettered: %w", err)
	}
	return collectTasks(rows)
}

// Stats returns task counts grouped by stage and status.
func (s *Store) Stats(ctx context.Context) (map[StatKey]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT stage, status, COUNT(1) FROM stage_tasks GROUP BY stage, status`)
	if err != nil {
		return nil, fmt.Errorf("ledger stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[StatKey]int)
	for rows.Next() {
		var (
			stage  Stage
			status Status
			count  int
		)
		if err := rows.Scan(&stage, &status, &count); err != nil {
			return nil, err
		}
		stats[StatKey{Stage: stage, Status: status}] = count
	}
	return stats, rows.Err()
}

func (s *Store) enqueueNextTx(ctx context.Context, tx *sql.Tx, task *Task, next Stage) error {
	open, err := s.openTask(ctx, tx, task.ExternalID, task.Marketplace, next)
	if err != nil {
		return err
	}
	if open != nil {
		return nil
	}
	nextTask, err := insertTask(ctx, tx, task.ExternalID, task.Marketplace, next)
	if err != nil {
		return err
	}
	return publishTaskTx(ctx, tx, nextTask, time.Now().UTC())
}

func (s *Store) backoffFor(attempt int) time.Duration {
	delay := s.retryBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return delay
}

func (s *Store) openTask(ctx context.Context, tx dbtx, externalID, marketplace string, stage Stage) (*Task, error) {
	row := tx.QueryRowContext(
		ctx,
		`SELECT `+taskColumns+` FROM stage_tasks
         WHERE product_external_id = ? AND marketplace = ? AND stage = ?
           AND status IN (?, ?)
         LIMIT 1`,
		externalID,
		marketplace,
		stage,
		StatusPending,
		StatusInProgress,
	)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find open task: %w", err)
	}
	return task, nil
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func insertTask(ctx context.Context, tx dbtx, externalID, marketplace string, stage Stage) (*Task, error) {
	now := storage.FormatTime(time.Now().UTC())
	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO stage_tasks (
            product_external_id, marketplace, stage, status, attempt,
            created_at, updated_at
        ) VALUES (?, ?, ?, ?, 0, ?, ?)`,
		externalID,
		marketplace,
		stage,
		StatusPending,
		now,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("task insert id: %w", err)
	}
	return getTask(ctx, tx, id)
}

func publishTaskTx(ctx context.Context, tx dbtx, task *Task, availableAt time.Time) error {
	return workqueue.PublishTx(ctx, tx, workqueue.Message{
		TaskID:      task.ID,
		ExternalID:  task.ExternalID,
		Marketplace: task.Marketplace,
		Stage:       string(task.Stage),
		Attempt:     task.Attempt,
		EmittedAt:   time.Now().UTC(),
	}, availableAt)
}

func getTask(ctx context.Context, tx dbtx, taskID int64) (*Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM stage_tasks WHERE id = ?`, taskID)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return task, nil
}

const taskColumns = `id, product_external_id, marketplace, stage, status, attempt,
    error_message, not_before, claimed_at, created_at, updated_at`

const taskColumnsPrefixed = `t.id, t.product_external_id, t.marketplace, t.stage, t.status, t.attempt,
    t.error_message, t.not_before, t.claimed_at, t.created_at, t.updated_at`

func scanTask(scanner interface{ Scan(dest ...any) error }) (*Task, error) {
	var (
		task         Task
		stageStr     string
		statusStr    string
		errorMessage sql.NullString
		notBeforeRaw sql.NullString
		claimedRaw   sql.NullString
		createdRaw   string
		updatedRaw   string
	)
	if err := scanner.Scan(
		&task.ID,
		&task.ExternalID,
		&task.Marketplace,
		&stageStr,
		&statusStr,
		&task.Attempt,
		&errorMessage,
		&notBeforeRaw,
		&claimedRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}
	task.Stage = Stage(stageStr)
	task.Status = Status(statusStr)
	task.ErrorMessage = errorMessage.String
	if notBeforeRaw.Valid {
		if notBefore, err := storage.ParseTime(notBeforeRaw.String); err == nil {
			task.NotBefore = &notBefore
		}
	}
	if claimedRaw.Valid {
		if claimed, err := storage.ParseTime(claimedRaw.String); err == nil {
			task.ClaimedAt = &claimed
		}
	}
	if created, err := storage.ParseTime(createdRaw); err == nil {
		task.CreatedAt = created
	}
	if updated, err := storage.ParseTime(updatedRaw); err == nil {
		task.UpdatedAt = updated
	}
	return &task, nil
}

func collectTasks(rows *sql.Rows) ([]*Task, error) {
	defer rows.Close()
	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
