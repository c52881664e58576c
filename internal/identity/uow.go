package identity

import (
	"context"
	"database/sql"
	"fmt"

	"identity-server/internal/observability"
)

// UnitOfWork is one all-or-nothing mutation scope. Mutations run against Tx;
// hooks registered with AfterCommit run only once the commit has succeeded,
// so subscribers never observe uncommitted state. A failed hook is logged and
// never unwinds the committed work.
type UnitOfWork struct {
	Tx     *sql.Tx
	hooks  []func()
	logger *observability.Logger
}

// AfterCommit schedules fn to run after a successful commit.
func (u *UnitOfWork) AfterCommit(fn func()) {
	u.hooks = append(u.hooks, fn)
}

// InTx runs fn inside a transaction. Any error from fn rolls everything back;
// the deferred rollback also covers panics unwinding through fn.
func InTx(ctx context.Context, db *sql.DB, logger *observability.Logger, fn func(*UnitOfWork) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	uow := &UnitOfWork{Tx: tx, logger: logger}
	if err := fn(uow); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	for _, hook := range uow.hooks {
		func() {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("post_commit_hook_panic", map[string]any{"panic": rec})
				}
			}()
			hook()
		}()
	}
	return nil
}
