// Package app wires the sqlgate components together for the CLI.
package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/TFMV/sqlgate/cmd/sqlgate/config"
	"github.com/TFMV/sqlgate/pkg/infrastructure/metrics"
	"github.com/TFMV/sqlgate/pkg/infrastructure/pool"
	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/repositories"
	"github.com/TFMV/sqlgate/pkg/repositories/audit"
	"github.com/TFMV/sqlgate/pkg/repositories/pending"
	"github.com/TFMV/sqlgate/pkg/services"
)

// ProtectedTablesMessage is returned when a non-admin batch names a
// protected table.
const ProtectedTablesMessage = "Access to protected tables is restricted."

// App holds the wired components of one CLI invocation.
type App struct {
	cfg    *config.Config
	logger zerolog.Logger

	provider   *pool.Provider
	audit      repositories.AuditRepository
	pending    pending.Store
	leases     services.LeaseService
	classifier *services.StatementClassifier
	executor   services.ExecutionService
}

// New builds every component from cfg.
func New(cfg *config.Config, logger zerolog.Logger, collector metrics.Collector) (*App, error) {
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}

	provider, err := pool.New(cfg.PoolConfig(), logger.With().Str("component", "pool").Logger(), collector)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection provider: %w", err)
	}

	store, err := pending.New(pending.Config{
		Backend:    cfg.Pending.Backend,
		RedisURL:   cfg.Pending.RedisURL,
		TTL:        cfg.Pending.TTL,
		MaxEntries: cfg.Pending.MaxEntries,
		Database:   cfg.Pending.Database,
	}, provider, logger)
	if err != nil {
		_ = provider.Close()
		return nil, fmt.Errorf("failed to create pending store: %w", err)
	}

	auditRepo := audit.NewRepository(provider, audit.Config{
		Database:          cfg.Audit.Database,
		FallbackDatabase:  cfg.Audit.FallbackDatabase,
		ErrorMessageLimit: cfg.Audit.ErrorMessageLimit,
	}, logger.With().Str("component", "audit").Logger())

	svcMetrics := NewMetrics(collector)

	var leases services.LeaseService
	mode := services.ConfirmMode(cfg.Execution.ConfirmMode)
	if mode == services.ConfirmModeLease {
		leases = services.NewLeaseService(
			cfg.Execution.LeaseTimeout,
			cfg.Execution.LeaseCleanupInterval,
			NewLogger(logger.With().Str("component", "lease_service").Logger()),
			svcMetrics,
		)
	}

	classifier := services.NewStatementClassifier(services.ClassifierOptions{
		RowLimit:        cfg.Execution.RowLimit,
		ProtectedTables: cfg.ProtectedTables,
	})

	executor := services.NewExecutionService(
		classifier,
		provider,
		auditRepo,
		store,
		leases,
		services.ExecutionOptions{
			ConfirmationThreshold: cfg.Execution.ConfirmationThreshold,
			ConfirmMode:           mode,
			StatementTimeout:      cfg.Execution.StatementTimeout,
		},
		NewLogger(logger.With().Str("component", "execution_service").Logger()),
		svcMetrics,
	)

	return &App{
		cfg:        cfg,
		logger:     logger,
		provider:   provider,
		audit:      auditRepo,
		pending:    store,
		leases:     leases,
		classifier: classifier,
		executor:   executor,
	}, nil
}

// Close releases leases, the pending store and every pool.
func (a *App) Close() error {
	if a.leases != nil {
		a.leases.Stop()
	}
	if err := a.pending.Close(); err != nil {
		a.logger.Error().Err(err).Msg("Error closing pending store")
	}
	return a.provider.Close()
}

// PendingPersistent reports whether pending batches outlive the process, so
// a later command can confirm them.
func (a *App) PendingPersistent() bool {
	backend := strings.ToLower(a.cfg.Pending.Backend)
	return backend != "" && backend != pending.BackendMemory
}

// ExecRequest is a batch submitted from the command line.
type ExecRequest struct {
	services.ExecuteRequest
	// Admin bypasses the protected-table gate.
	Admin bool
}

// Exec applies the protected-table gate and runs the batch.
func (a *App) Exec(ctx context.Context, req ExecRequest) (*models.ExecutionResult, error) {
	if !req.Admin && a.classifier.ReferencesProtectedTables(req.Query) {
		a.logger.Warn().
			Str("user", req.User).
			Str("database", req.Database).
			Msg("Batch references protected tables")
		return &models.ExecutionResult{Success: false, ErrorMessage: ProtectedTablesMessage}, nil
	}
	return a.executor.Execute(ctx, req.ExecuteRequest)
}

// Confirm commits the pending batch of a session.
func (a *App) Confirm(ctx context.Context, sessionID string, auditID int64, user string) (*models.ConfirmResult, error) {
	return a.executor.Confirm(ctx, sessionID, auditID, user)
}

// Reject discards the pending batch of a session.
func (a *App) Reject(ctx context.Context, sessionID string, auditID int64) (*models.RejectResult, error) {
	return a.executor.Reject(ctx, sessionID, auditID)
}

// Pending returns the pending batch of a session.
func (a *App) Pending(ctx context.Context, sessionID string) (*models.PendingBatch, error) {
	return a.executor.Pending(ctx, sessionID)
}

// AuditList lists audit records of a logical database.
func (a *App) AuditList(ctx context.Context, database string, filter models.AuditFilter) ([]models.AuditRecord, error) {
	return a.audit.List(ctx, database, filter)
}

// AuditShow returns one audit record.
func (a *App) AuditShow(ctx context.Context, database string, auditID int64) (*models.AuditRecord, error) {
	return a.audit.Get(ctx, database, auditID)
}

// Databases returns the configured logical database names.
func (a *App) Databases() []string {
	return a.provider.Databases()
}

// DefaultDatabase is the first configured logical database, preferring
// BackOffice when present.
func (a *App) DefaultDatabase() string {
	names := a.provider.Databases()
	for _, n := range names {
		if strings.EqualFold(n, "BackOffice") {
			return n
		}
	}
	if len(names) > 0 {
		return names[0]
	}
	return ""
}
