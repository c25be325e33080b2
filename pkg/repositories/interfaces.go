// Package repositories defines interfaces for data access operations.
package repositories

import (
	"context"
	"database/sql"
	"time"

	"github.com/TFMV/sqlgate/pkg/dialect"
	"github.com/TFMV/sqlgate/pkg/models"
)

// Transaction is a dedicated write transaction pinned to one connection.
type Transaction interface {
	// ID returns the unique transaction identifier.
	ID() string
	// Database returns the physical database the transaction runs against.
	Database() string
	// Exec runs a statement inside the transaction and returns the affected row count.
	Exec(ctx context.Context, query string) (int64, error)
	// Commit commits the transaction.
	Commit(ctx context.Context) error
	// Rollback rolls back the transaction.
	Rollback(ctx context.Context) error
	// IsActive returns true if the transaction is still active.
	IsActive() bool
	// StartedAt returns when the transaction began.
	StartedAt() time.Time
}

// ConnectionProvider resolves logical database names to live connections.
// An empty database argument selects the configured default database.
type ConnectionProvider interface {
	// Connect returns an auto-committing handle.
	Connect(ctx context.Context, logical, database string) (*sql.DB, error)
	// Begin opens a dedicated transaction with auto-commit disabled.
	Begin(ctx context.Context, logical, database string) (Transaction, error)
	// Dialect returns the dialect of a logical database.
	Dialect(logical string) (dialect.Dialect, error)
	// Resolve returns the canonical logical name and its configured database.
	Resolve(logical string) (name, database string, err error)
}

// AuditRepository is the append-only audit log.
type AuditRepository interface {
	// Log appends one record per statement and returns their ids in order.
	// On failure it returns an empty slice and the error.
	Log(ctx context.Context, entry models.LogEntry) ([]int64, error)
	// LogCombinedPending appends a single Pending record for deferred statements.
	LogCombinedPending(ctx context.Context, user string, statements []string, database, defectNumber string) (int64, error)
	// UpdateStatus moves a Pending record to a terminal status. It returns
	// false when the record does not exist or is not Pending.
	UpdateStatus(ctx context.Context, database string, auditID int64, status models.AuditStatus, rowsAffected int64, errorMessage string) (bool, error)
	// Get returns one record.
	Get(ctx context.Context, database string, auditID int64) (*models.AuditRecord, error)
	// List returns records newest first.
	List(ctx context.Context, database string, filter models.AuditFilter) ([]models.AuditRecord, error)
}

// PendingBatchRepository holds batches awaiting confirmation, one per session.
type PendingBatchRepository interface {
	// Put stores batch for sessionID, replacing any previous batch.
	Put(ctx context.Context, sessionID string, batch *models.PendingBatch) error
	// Get returns the batch of a session.
	Get(ctx context.Context, sessionID string) (*models.PendingBatch, error)
	// GetByAuditID returns the batch whose combined audit record is auditID.
	GetByAuditID(ctx context.Context, auditID int64) (*models.PendingBatch, error)
	// Take atomically removes and returns the batch of a session. A non-zero
	// auditID must match the stored batch, otherwise nothing is removed. Of
	// two concurrent callers only one receives the batch; the other gets a
	// not found error.
	Take(ctx context.Context, sessionID string, auditID int64) (*models.PendingBatch, error)
	// Remove discards the batch of a session.
	Remove(ctx context.Context, sessionID string) error
}
