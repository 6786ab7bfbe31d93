package workqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"catsift/internal/storage"
)

// Message is the envelope carried between pipeline stages. Delivery is
// at-least-once: a leased message that is never acked becomes available
// again once its lease expires.
type Message struct {
	ID          string    `json:"id"`
	TaskID      int64     `json:"task_id"`
	ExternalID  string    `json:"product_external_id"`
	Marketplace string    `json:"marketplace"`
	Stage       string    `json:"stage"`
	Attempt     int       `json:"attempt"`
	EmittedAt   time.Time `json:"emitted_at"`

	availableAt time.Time
}

// Encode renders the wire form of the envelope.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Queue is an ordered at-least-once delivery channel backed by the shared
// database. Publishing inside a ledger transaction is what makes "mark stage
// succeeded" and "emit next stage's work item" one atomic unit.
type Queue struct {
	db *sql.DB
}

// New wires the queue onto the shared database.
func New(db *storage.DB) *Queue {
	return &Queue{db: db.Handle()}
}

// Publish enqueues a message for immediate delivery.
func (q *Queue) Publish(ctx context.Context, msg Message) error {
	return PublishTx(ctx, q.db, msg, time.Now().UTC())
}

// PublishTx enqueues a message on the supplied transaction, deliverable no
// earlier than availableAt.
func PublishTx(ctx context.Context, tx DBTX, msg Message, availableAt time.Time) error {
	if msg.TaskID == 0 {
		return errors.New("message requires a task id")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.EmittedAt.IsZero() {
		msg.EmittedAt = time.Now().UTC()
	}
	_, err := tx.ExecContext(
		ctx,
		`INSERT INTO queue_messages (
            id, task_id, product_external_id, marketplace, stage, attempt,
            emitted_at, available_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID,
		msg.TaskID,
		msg.ExternalID,
		msg.Marketplace,
		msg.Stage,
		msg.Attempt,
		storage.FormatTime(msg.EmittedAt),
		storage.FormatTime(availableAt),
	)
	if err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Lease claims the oldest deliverable message for a stage, making it
// invisible to other consumers until the lease expires. Returns nil when no
// message is ready.
func (q *Queue) Lease(ctx context.Context, stage string, leaseFor time.Duration) (*Message, error) {
	now := time.Now().UTC()
	nowStr := storage.FormatTime(now)

	row := q.db.QueryRowContext(
		ctx,
		`SELECT id, task_id, product_external_id, marketplace, stage, attempt, emitted_at
         FROM queue_messages
         WHERE stage = ? AND available_at <= ?
           AND (leased_until IS NULL OR leased_until < ?)
         ORDER BY available_at, emitted_at
         LIMIT 1`,
		stage,
		nowStr,
		nowStr,
	)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lease candidate: %w", err)
	}

	// Compare-and-set on the lease so only one of two racing consumers wins.
	res, err := q.db.ExecContext(
		ctx,
		`UPDATE queue_messages SET leased_until = ?
         WHERE id = ? AND (leased_until IS NULL OR leased_until < ?)`,
		storage.FormatTime(now.Add(leaseFor)),
		msg.ID,
		nowStr,
	)
	if err != nil {
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("lease rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}
	return msg, nil
}

// Ack removes a delivered message.
func (q *Queue) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	return nil
}

// Release gives a leased message back to the queue after a delay.
func (q *Queue) Release(ctx context.Context, id string, delay time.Duration) error {
	now := time.Now().UTC()
	_, err := q.db.ExecContext(
		ctx,
		`UPDATE queue_messages SET leased_until = NULL, available_at = ? WHERE id = ?`,
		storage.FormatTime(now.Add(delay)),
		id,
	)
	if err != nil {
		return fmt.Errorf("release message: %w", err)
	}
	return nil
}

// Depth returns the number of undelivered messages per stage.
func (q *Queue) Depth(ctx context.Context) (map[string]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT stage, COUNT(1) FROM queue_messages GROUP BY stage`)
	if err != nil {
		return nil, fmt.Errorf("queue depth: %w", err)
	}
	defer rows.Close()

	depth := make(map[string]int)
	for rows.Next() {
		var stage string
		var count int
		if err := rows.Scan(&stage, &count); err != nil {
			return nil, err
		}
		depth[stage] = count
	}
	return depth, rows.Err()
}

func scanMessage(scanner interface{ Scan(dest ...any) error }) (*Message, error) {
	var (
		msg        Message
		emittedRaw string
	)
	if err := scanner.Scan(
		&msg.ID,
		&msg.TaskID,
		&msg.ExternalID,
		&msg.Marketplace,
		&msg.Stage,
		&msg.Attempt,
		&emittedRaw,
	); err != nil {
		return nil, err
	}
	if emitted, err := storage.ParseTime(emittedRaw); err == nil {
		msg.EmittedAt = emitted
	}
	return &msg, nil
}
