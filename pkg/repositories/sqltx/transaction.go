// Package sqltx adapts database/sql transactions to repositories.Transaction.
package sqltx

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/repositories"
)

// Begin starts a transaction on db. The transaction is detached from ctx's
// cancellation so it can outlive the request that opened it.
func Begin(ctx context.Context, db *sql.DB, database string) (repositories.Transaction, error) {
	tx, err := db.BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeTransactionFailed, "failed to begin transaction")
	}
	return Wrap(tx, database), nil
}

// Wrap adapts an open *sql.Tx.
func Wrap(tx *sql.Tx, database string) repositories.Transaction {
	return &transaction{
		id:        uuid.New().String(),
		tx:        tx,
		database:  database,
		active:    true,
		startedAt: time.Now(),
	}
}

// transaction implements repositories.Transaction.
type transaction struct {
	id        string
	tx        *sql.Tx
	database  string
	startedAt time.Time

	mu     sync.RWMutex
	active bool
}

func (t *transaction) ID() string { return t.id }

func (t *transaction) Database() string { return t.database }

func (t *transaction) StartedAt() time.Time { return t.startedAt }

// Exec runs query and returns RowsAffected.
func (t *transaction) Exec(ctx context.Context, query string) (int64, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !t.active {
		return 0, errors.ErrTransactionInactive
	}

	res, err := t.tx.ExecContext(ctx, query)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, errors.CodeStatementFailed, "driver does not report affected rows")
	}
	return n, nil
}

// Commit commits the transaction.
func (t *transaction) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return errors.ErrTransactionInactive
	}

	t.active = false
	if err := t.tx.Commit(); err != nil {
		return errors.Wrap(err, errors.CodeTransactionFailed, "failed to commit transaction")
	}
	return nil
}

// Rollback rolls back the transaction.
func (t *transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.active {
		return errors.ErrTransactionInactive
	}

	t.active = false
	if err := t.tx.Rollback(); err != nil && err != sql.ErrTxDone {
		return errors.Wrap(err, errors.CodeTransactionFailed, "failed to rollback transaction")
	}
	return nil
}

// IsActive returns true if the transaction is still active.
func (t *transaction) IsActive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.active
}
