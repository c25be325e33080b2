// Package services contains business logic implementations.
package services

import (
	"context"
	"time"

	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/repositories"
)

// ExecuteRequest is one batch submitted by a caller.
type ExecuteRequest struct {
	Query        string
	Database     string
	User         string
	DefectNumber string
	// SessionID scopes the pending batch; at most one per session.
	SessionID string
}

// ExecutionService runs batches and resolves deferred statements.
type ExecutionService interface {
	// Execute classifies and runs a batch. Validation, configuration and
	// connection failures are reported through the result, not the error.
	Execute(ctx context.Context, req ExecuteRequest) (*models.ExecutionResult, error)
	// Pending returns the unresolved batch of a session.
	Pending(ctx context.Context, sessionID string) (*models.PendingBatch, error)
	// Confirm commits every deferred statement of the session's batch.
	// A non-zero auditID must match the batch.
	Confirm(ctx context.Context, sessionID string, auditID int64, user string) (*models.ConfirmResult, error)
	// Reject discards the session's batch and marks it RejectedByUser.
	Reject(ctx context.Context, sessionID string, auditID int64) (*models.RejectResult, error)
}

// LeaseService holds preview transactions open until they are confirmed,
// rejected or expire.
type LeaseService interface {
	// Hold takes ownership of tx and returns its lease id.
	Hold(tx repositories.Transaction, batchID string) string
	// HoldAs takes ownership of tx under a lease id chosen by the caller, so
	// the id can be persisted before the transaction is opened.
	HoldAs(leaseID string, tx repositories.Transaction, batchID string)
	// Commit commits and releases a held transaction.
	Commit(ctx context.Context, leaseID string) error
	// Rollback rolls back and releases a held transaction.
	Rollback(ctx context.Context, leaseID string) error
	// Active returns the number of held transactions.
	Active() int
	// CleanupExpired rolls back every lease past its deadline.
	CleanupExpired(ctx context.Context) error
	// Stop rolls back all leases and stops the cleanup routine.
	Stop()
}

// Logger defines logging interface.
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// MetricsCollector defines metrics collection interface.
type MetricsCollector interface {
	IncrementCounter(name string, labels ...string)
	RecordHistogram(name string, value float64, labels ...string)
	RecordGauge(name string, value float64, labels ...string)
	StartTimer(name string) Timer
}

// Timer represents a timing measurement.
type Timer interface {
	Stop() time.Duration
}
