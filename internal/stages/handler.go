package stages

import (
	"context"
	"database/sql"

	"catsift/internal/ledger"
)

// Outcome is what a stage handler produced for a successfully processed
// task. Apply runs inside the same transaction that marks the task
// succeeded, so stage output and ledger state commit or roll back together.
type Outcome struct {
	// Apply persists the stage's output. May be nil when the stage wrote
	// through its own transactional path already.
	Apply func(context.Context, *sql.Tx) error
	// Advance enqueues the next stage. False ends the product's pipeline at
	// this stage.
	Advance bool
}

// Handler processes claimed tasks for one pipeline stage.
type Handler interface {
	Stage() ledger.Stage
	Execute(ctx context.Context, task *ledger.Task) (*Outcome, error)
}
