package services

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/infrastructure/pool"
	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/repositories"
	"github.com/TFMV/sqlgate/pkg/repositories/audit"
	pendingstore "github.com/TFMV/sqlgate/pkg/repositories/pending"
)

const accountRows = 20

type harnessOptions struct {
	mode ConfirmMode
	// dedicatedAudit writes audit records to a separate database instead of
	// next to the accounts table.
	dedicatedAudit bool
	extra          []pool.DatabaseConfig
	// store replaces the in-memory pending store.
	store func(*pendingstore.MemoryStore) repositories.PendingBatchRepository
}

type harness struct {
	svc      ExecutionService
	db       *sql.DB
	audit    repositories.AuditRepository
	pending  repositories.PendingBatchRepository
	leases   LeaseService
	metrics  *mockMetricsCollector
	provider *pool.Provider
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	dbs := []pool.DatabaseConfig{
		{Name: "BackOffice", Dialect: "sqlite", Database: filepath.Join(dir, "backoffice.db")},
		{Name: "Audit", Dialect: "sqlite", Database: filepath.Join(dir, "audit.db")},
	}
	dbs = append(dbs, opts.extra...)

	zl := zerolog.New(zerolog.NewTestWriter(t))
	provider, err := pool.New(pool.Config{Databases: dbs}, zl, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Close() })

	db, err := provider.Connect(ctx, "BackOffice", "")
	require.NoError(t, err)
	seedAccounts(t, db)

	auditCfg := audit.Config{}
	if opts.dedicatedAudit {
		auditCfg.Database = "Audit"
	}
	auditRepo := audit.NewRepository(provider, auditCfg, zl)

	var store repositories.PendingBatchRepository = pendingstore.NewMemoryStore(time.Hour, 0, zl)
	if opts.store != nil {
		store = opts.store(store.(*pendingstore.MemoryStore))
	}
	metrics := newMockMetricsCollector()

	var leases LeaseService
	if opts.mode == ConfirmModeLease {
		leases = NewLeaseService(time.Minute, 0, &mockLogger{}, metrics)
		t.Cleanup(leases.Stop)
	}

	svc := NewExecutionService(
		NewStatementClassifier(ClassifierOptions{}),
		provider,
		auditRepo,
		store,
		leases,
		ExecutionOptions{ConfirmationThreshold: 10, ConfirmMode: opts.mode},
		&mockLogger{},
		metrics,
	)

	return &harness{
		svc:      svc,
		db:       db,
		audit:    auditRepo,
		pending:  store,
		leases:   leases,
		metrics:  metrics,
		provider: provider,
	}
}

func seedAccounts(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()

	_, err := db.ExecContext(ctx, `CREATE TABLE accounts (
		id INTEGER PRIMARY KEY,
		owner TEXT NOT NULL,
		status TEXT NOT NULL,
		balance INTEGER NOT NULL
	)`)
	require.NoError(t, err)

	for i := 1; i <= accountRows; i++ {
		_, err := db.ExecContext(ctx,
			"INSERT INTO accounts (id, owner, status, balance) VALUES (?, ?, 'active', ?)",
			i, gofakeit.Name(), gofakeit.Number(0, 1000))
		require.NoError(t, err)
	}
}

func (h *harness) execute(t *testing.T, query string) *models.ExecutionResult {
	t.Helper()
	res, err := h.svc.Execute(context.Background(), ExecuteRequest{
		Query:        query,
		Database:     "BackOffice",
		User:         "alice",
		DefectNumber: "DEF-100",
		SessionID:    "session-1",
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	return res
}

func (h *harness) countStatus(t *testing.T, status string) int {
	t.Helper()
	var n int
	require.NoError(t, h.db.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM accounts WHERE status = ?", status).Scan(&n))
	return n
}

func (h *harness) auditRecords(t *testing.T, filter models.AuditFilter) []models.AuditRecord {
	t.Helper()
	records, err := h.audit.List(context.Background(), "BackOffice", filter)
	require.NoError(t, err)
	return records
}

func TestExecutionService_ReadOnlyBatch(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	res := h.execute(t, "SELECT id FROM accounts WHERE id <= 3;")
	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, "SELECT", res.Data.QueryType)
	assert.Equal(t, []string{"id"}, res.Data.Columns)
	assert.Len(t, res.Data.Rows, 3)
	assert.Equal(t, int64(3), res.Data.RowsAffected)
	assert.NotZero(t, res.AuditID)

	rec, err := h.audit.Get(context.Background(), "BackOffice", res.AuditID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusSuccess, rec.Status)
	assert.Equal(t, int64(3), rec.RowsAffected)
	assert.Equal(t, "SELECT id FROM accounts WHERE id <= 3;", rec.QueryText)
	assert.Equal(t, "DEF-100", rec.DefectNumber)
}

func TestExecutionService_RowCap(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	t.Run("unbounded select is capped", func(t *testing.T) {
		res := h.execute(t, "SELECT * FROM accounts")
		require.True(t, res.Success, res.ErrorMessage)
		assert.Len(t, res.Data.Rows, DefaultRowLimit)
	})

	t.Run("explicit limit is kept", func(t *testing.T) {
		res := h.execute(t, "SELECT * FROM accounts LIMIT 5")
		require.True(t, res.Success, res.ErrorMessage)
		assert.Len(t, res.Data.Rows, 5)
	})
}

func TestExecutionService_ColumnUnion(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	res := h.execute(t, "SELECT id, owner FROM accounts WHERE id = 1; SELECT id, balance FROM accounts WHERE id = 2;")
	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, []string{"balance", "id", "owner"}, res.Data.Columns)
	require.Len(t, res.Data.Rows, 2)

	assert.Nil(t, res.Data.Rows[0][0])
	assert.Equal(t, int64(1), res.Data.Rows[0][1])
	assert.NotNil(t, res.Data.Rows[0][2])

	assert.NotNil(t, res.Data.Rows[1][0])
	assert.Equal(t, int64(2), res.Data.Rows[1][1])
	assert.Nil(t, res.Data.Rows[1][2])
}

func TestExecutionService_UpdateThenSelect(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	res := h.execute(t, "UPDATE accounts SET status='x' WHERE id=1; SELECT * FROM accounts;")
	require.True(t, res.Success, res.ErrorMessage)
	assert.Empty(t, res.ErrorMessage)

	assert.Equal(t, 1, res.Data.CommittedCount)
	assert.Equal(t, 0, res.Data.ThresholdExceededCount)
	assert.Empty(t, res.Data.ThresholdExceeded)
	assert.Len(t, res.Data.Rows, DefaultRowLimit)
	assert.Equal(t, []string{"Successfully committed 1 statement(s) affecting 1 row(s)."}, res.Data.Messages)

	require.Len(t, res.Data.Committed, 1)
	assert.Equal(t, res.Data.Committed[0].AuditID, res.AuditID)
	assert.Equal(t, 1, h.countStatus(t, "x"))

	rec, err := h.audit.Get(context.Background(), "BackOffice", res.AuditID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusSuccess, rec.Status)
	assert.Equal(t, int64(1), rec.RowsAffected)
	assert.Equal(t, "UPDATE accounts SET status='x' WHERE id=1;", rec.QueryText)
}

func TestExecutionService_PartialFailure(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	res := h.execute(t, strings.Join([]string{
		"INSERT INTO accounts (id, owner, status, balance) VALUES (100, 'a', 'new', 1)",
		"INSERT INTO ledger (id) VALUES (1)",
		"INSERT INTO accounts (id, owner, status, balance) VALUES (101, 'b', 'new', 2)",
	}, "; "))

	require.True(t, res.Success)
	assert.Equal(t, 2, res.Data.CommittedCount)
	assert.Equal(t, 1, res.Data.FailedCount)
	require.Len(t, res.Data.Failed, 1)
	assert.Equal(t, 2, res.Data.Failed[0].Index)
	assert.True(t, strings.HasPrefix(res.ErrorMessage, "Some statements failed: Query 2: "), res.ErrorMessage)
	assert.Equal(t, 2, h.countStatus(t, "new"))
	assert.Equal(t, res.Data.Committed[0].AuditID, res.AuditID)

	assert.Len(t, h.auditRecords(t, models.AuditFilter{Status: models.AuditStatusSuccess}), 2)
	errored := h.auditRecords(t, models.AuditFilter{Status: models.AuditStatusError})
	require.Len(t, errored, 1)
	assert.Equal(t, "INSERT INTO ledger (id) VALUES (1);", errored[0].QueryText)
	require.NotNil(t, errored[0].ErrorMessage)
	assert.Contains(t, *errored[0].ErrorMessage, "ledger")
}

func TestExecutionService_ThresholdDefers(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	res := h.execute(t, "UPDATE accounts SET status='x' WHERE id <= 15;")
	require.True(t, res.Success, res.ErrorMessage)
	assert.True(t, res.NeedsConfirmation())
	assert.Equal(t, 1, res.Data.ThresholdExceededCount)
	assert.Equal(t, "UPDATE", res.Data.QueryType)
	assert.Equal(t, int64(15), res.Data.RowsAffected)
	require.Len(t, res.Data.ThresholdExceeded, 1)
	assert.Equal(t, int64(15), res.Data.ThresholdExceeded[0].RowsAffected)
	assert.Equal(t, int64(10), res.Data.ThresholdExceeded[0].Threshold)
	assert.Empty(t, res.Data.ThresholdExceeded[0].LeaseID)

	assert.Equal(t, 0, h.countStatus(t, "x"))

	records := h.auditRecords(t, models.AuditFilter{})
	require.Len(t, records, 1)
	assert.Equal(t, models.AuditStatusPending, records[0].Status)
	assert.Equal(t, res.AuditID, records[0].AuditID)

	batch, err := h.svc.Pending(ctx, "session-1")
	require.NoError(t, err)
	assert.Equal(t, res.AuditID, batch.AuditID)
	assert.Equal(t, "BackOffice", batch.Database)

	t.Run("confirm re-executes and commits", func(t *testing.T) {
		confirmed, err := h.svc.Confirm(ctx, "session-1", res.AuditID, "alice")
		require.NoError(t, err)
		assert.Equal(t, 1, confirmed.CommittedCount)
		assert.Equal(t, 0, confirmed.FailedCount)
		assert.Equal(t, int64(15), confirmed.TotalRows)
		assert.Equal(t, []string{"Successfully committed 1 statement(s) affecting 15 row(s)."}, confirmed.Messages)
		require.Len(t, confirmed.Statements, 1)
		assert.False(t, confirmed.Statements[0].Leased)
		assert.Equal(t, int64(15), confirmed.Statements[0].PreviewedRows)

		assert.Equal(t, 15, h.countStatus(t, "x"))

		pending, err := h.audit.Get(ctx, "BackOffice", res.AuditID)
		require.NoError(t, err)
		assert.Equal(t, models.AuditStatusPending, pending.Status)

		success := h.auditRecords(t, models.AuditFilter{Status: models.AuditStatusSuccess})
		require.Len(t, success, 1)
		assert.Equal(t, int64(15), success[0].RowsAffected)
		assert.Equal(t, confirmed.Statements[0].AuditID, success[0].AuditID)
	})

	t.Run("batch is consumed", func(t *testing.T) {
		_, err := h.svc.Confirm(ctx, "session-1", res.AuditID, "alice")
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestExecutionService_Reject(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	res := h.execute(t, "DELETE FROM accounts WHERE balance >= 0;")
	require.True(t, res.NeedsConfirmation())

	rejected, err := h.svc.Reject(ctx, "session-1", 0)
	require.NoError(t, err)
	assert.True(t, rejected.Updated)
	assert.Equal(t, res.AuditID, rejected.AuditID)
	assert.Equal(t, int64(accountRows), rejected.RowsAffected)
	assert.Equal(t, "DML operation rejected. Changes have been rolled back.", rejected.Message)

	var n int
	require.NoError(t, h.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM accounts").Scan(&n))
	assert.Equal(t, accountRows, n)

	rec, err := h.audit.Get(ctx, "BackOffice", res.AuditID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusRejectedByUser, rec.Status)
	assert.Equal(t, int64(accountRows), rec.RowsAffected)

	_, err = h.svc.Reject(ctx, "session-1", 0)
	assert.True(t, errors.IsNotFound(err))
}

func TestExecutionService_MixedBatchWithDeferral(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	res := h.execute(t, strings.Join([]string{
		"UPDATE accounts SET status='a' WHERE id = 1",
		"UPDATE accounts SET status='b' WHERE id = 2",
		"UPDATE accounts SET status='c' WHERE id = 3",
		"UPDATE accounts SET status='big' WHERE id > 3",
		"UPDATE accounts SET status='e' WHERE id = 4",
	}, "; "))

	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, 4, res.Data.CommittedCount)
	assert.Equal(t, 1, res.Data.ThresholdExceededCount)
	assert.Equal(t, 4, res.Data.ThresholdExceeded[0].Index)
	assert.Equal(t, int64(accountRows-3), res.Data.ThresholdExceeded[0].RowsAffected)
	assert.Equal(t, 0, h.countStatus(t, "big"))
	assert.Equal(t, 1, h.countStatus(t, "e"))

	batch, err := h.pending.GetByAuditID(context.Background(), res.AuditID)
	require.NoError(t, err)
	assert.Len(t, batch.Committed, 4)
	assert.Len(t, batch.Deferred, 1)
}

func TestExecutionService_NewBatchOverwritesPending(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	first := h.execute(t, "UPDATE accounts SET status='x' WHERE id <= 12;")
	second := h.execute(t, "UPDATE accounts SET status='y' WHERE id <= 14;")
	require.True(t, first.NeedsConfirmation())
	require.True(t, second.NeedsConfirmation())

	_, err := h.svc.Confirm(ctx, "session-1", first.AuditID, "alice")
	assert.True(t, errors.IsNotFound(err))

	confirmed, err := h.svc.Confirm(ctx, "", second.AuditID, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(14), confirmed.TotalRows)
	assert.Equal(t, 0, h.countStatus(t, "x"))
}

func TestExecutionService_ValidationFailure(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	tests := []struct {
		name    string
		query   string
		message string
	}{
		{"ddl", "SELECT 1; DROP TABLE accounts;", "DDL operations (CREATE, DROP, ALTER, TRUNCATE, RENAME) are not allowed."},
		{"missing where", "DELETE FROM accounts;", "DELETE statements must include a WHERE clause for safety."},
		{"empty", "   ", "Query cannot be empty."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := h.execute(t, tt.query)
			assert.False(t, res.Success)
			assert.Equal(t, tt.message, res.ErrorMessage)
			assert.Zero(t, res.AuditID)
		})
	}

	var n int
	require.NoError(t, h.db.QueryRowContext(context.Background(), "SELECT COUNT(*) FROM accounts").Scan(&n))
	assert.Equal(t, accountRows, n)
	assert.Empty(t, h.auditRecords(t, models.AuditFilter{}))
}

func TestExecutionService_ReadFailureIsFatal(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	res := h.execute(t, "SELECT * FROM nowhere; UPDATE accounts SET status='x' WHERE id = 1;")
	assert.False(t, res.Success)
	assert.True(t, strings.HasPrefix(res.ErrorMessage, "Database error: "), res.ErrorMessage)
	assert.NotZero(t, res.AuditID)
	assert.Equal(t, 0, h.countStatus(t, "x"))

	rec, err := h.audit.Get(context.Background(), "BackOffice", res.AuditID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusError, rec.Status)
	require.NotNil(t, rec.ErrorMessage)
	assert.Contains(t, *rec.ErrorMessage, "nowhere")
	assert.Equal(t, "SELECT * FROM nowhere; UPDATE accounts SET status='x' WHERE id = 1;", rec.QueryText)
}

func TestExecutionService_ConfigurationFailures(t *testing.T) {
	h := newHarness(t, harnessOptions{
		dedicatedAudit: true,
		extra: []pool.DatabaseConfig{
			{Name: "Portal", Dialect: "postgresql", Host: "db.internal", User: "svc"},
		},
	})
	ctx := context.Background()

	res, err := h.svc.Execute(ctx, ExecuteRequest{
		Query:    "SELECT 1",
		Database: "Portal",
		User:     "alice",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t,
		"Portal database configuration is incomplete. Missing: PORTAL_DB_PASSWORD, PORTAL_DB_NAME. Please check your .env file.",
		res.ErrorMessage)
	require.NotZero(t, res.AuditID)

	rec, err := h.audit.Get(ctx, "Portal", res.AuditID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusError, rec.Status)
	assert.Equal(t, "Portal", rec.DatabaseName)

	t.Run("unknown logical database", func(t *testing.T) {
		res, err := h.svc.Execute(ctx, ExecuteRequest{Query: "SELECT 1", Database: "Legacy", User: "alice"})
		require.NoError(t, err)
		assert.False(t, res.Success)
		assert.Equal(t, "unknown logical database", res.ErrorMessage)
	})

	t.Run("database is required", func(t *testing.T) {
		_, err := h.svc.Execute(ctx, ExecuteRequest{Query: "SELECT 1"})
		assert.True(t, errors.IsInvalidRequest(err))
	})
}

func TestExecutionService_UseSwitchesDatabase(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	other := filepath.Join(t.TempDir(), "archive.db")
	archive, err := h.provider.Connect(ctx, "BackOffice", other)
	require.NoError(t, err)
	_, err = archive.ExecContext(ctx, "CREATE TABLE archived (id INTEGER PRIMARY KEY, note TEXT)")
	require.NoError(t, err)
	_, err = archive.ExecContext(ctx, "INSERT INTO archived (id, note) VALUES (1, 'old')")
	require.NoError(t, err)

	res := h.execute(t, fmt.Sprintf("USE %s; UPDATE archived SET note='older' WHERE id = 1; SELECT note FROM archived;", other))
	require.True(t, res.Success, res.ErrorMessage)
	assert.Equal(t, 1, res.Data.CommittedCount)
	require.Len(t, res.Data.Rows, 1)
	assert.Equal(t, "older", res.Data.Rows[0][0])
}

func TestExecutionService_LeaseMode(t *testing.T) {
	h := newHarness(t, harnessOptions{mode: ConfirmModeLease, dedicatedAudit: true})
	ctx := context.Background()

	t.Run("confirm commits the held transaction", func(t *testing.T) {
		res := h.execute(t, "UPDATE accounts SET status='held' WHERE id <= 12;")
		require.True(t, res.NeedsConfirmation(), res.ErrorMessage)
		require.NotEmpty(t, res.Data.ThresholdExceeded[0].LeaseID)
		assert.Equal(t, 1, h.leases.Active())
		assert.Equal(t, 0, h.countStatus(t, "held"))

		confirmed, err := h.svc.Confirm(ctx, "session-1", 0, "")
		require.NoError(t, err)
		require.Len(t, confirmed.Statements, 1)
		assert.True(t, confirmed.Statements[0].Leased)
		assert.Equal(t, int64(12), confirmed.TotalRows)
		assert.Equal(t, 12, h.countStatus(t, "held"))
		assert.Equal(t, 0, h.leases.Active())
	})

	t.Run("reject rolls the held transaction back", func(t *testing.T) {
		res := h.execute(t, "UPDATE accounts SET status='dropped' WHERE id > 5;")
		require.True(t, res.NeedsConfirmation(), res.ErrorMessage)
		assert.Equal(t, 1, h.leases.Active())

		rejected, err := h.svc.Reject(ctx, "session-1", res.AuditID)
		require.NoError(t, err)
		assert.True(t, rejected.Updated)
		assert.Equal(t, 0, h.leases.Active())
		assert.Equal(t, 0, h.countStatus(t, "dropped"))
	})

	t.Run("expired lease falls back to re-execution", func(t *testing.T) {
		res := h.execute(t, "UPDATE accounts SET status='late' WHERE id <= 11;")
		require.True(t, res.NeedsConfirmation(), res.ErrorMessage)

		leaseID := res.Data.ThresholdExceeded[0].LeaseID
		require.NoError(t, h.leases.Rollback(ctx, leaseID))

		confirmed, err := h.svc.Confirm(ctx, "session-1", res.AuditID, "alice")
		require.NoError(t, err)
		require.Len(t, confirmed.Statements, 1)
		assert.False(t, confirmed.Statements[0].Leased)
		assert.Equal(t, int64(11), confirmed.TotalRows)
		assert.Contains(t, confirmed.Messages[0], "no longer held")
		assert.Equal(t, 11, h.countStatus(t, "late"))
	})
}

func TestExecutionService_LeaseModeSharedAudit(t *testing.T) {
	h := newHarness(t, harnessOptions{mode: ConfirmModeLease})
	ctx := context.Background()

	t.Run("overlapping writes in one batch", func(t *testing.T) {
		res := h.execute(t, "UPDATE accounts SET status='x' WHERE id > 0; UPDATE accounts SET status='y' WHERE id = 1;")
		require.True(t, res.Success, res.ErrorMessage)
		assert.Equal(t, 1, res.Data.CommittedCount)
		assert.Equal(t, 1, res.Data.ThresholdExceededCount)
		assert.Equal(t, []string{"Successfully committed 1 statement(s) affecting 1 row(s)."}, res.Data.Messages)
		require.NotEmpty(t, res.Data.ThresholdExceeded[0].LeaseID)
		assert.Equal(t, 1, h.leases.Active())

		pending := h.auditRecords(t, models.AuditFilter{Status: models.AuditStatusPending})
		require.Len(t, pending, 1)
		assert.Equal(t, res.AuditID, pending[0].AuditID)

		confirmed, err := h.svc.Confirm(ctx, "session-1", res.AuditID, "alice")
		require.NoError(t, err)
		require.Len(t, confirmed.Statements, 1)
		assert.True(t, confirmed.Statements[0].Leased)
		assert.Equal(t, int64(accountRows), confirmed.TotalRows)
		assert.Equal(t, accountRows, h.countStatus(t, "x"))
		assert.Equal(t, 0, h.leases.Active())
		assert.Len(t, h.auditRecords(t, models.AuditFilter{Status: models.AuditStatusSuccess}), 2)
	})

	t.Run("deferred statements share one lease per database", func(t *testing.T) {
		res := h.execute(t, "UPDATE accounts SET status='z' WHERE id > 0; UPDATE accounts SET balance = 0 WHERE id > 5;")
		require.True(t, res.NeedsConfirmation(), res.ErrorMessage)
		require.Len(t, res.Data.ThresholdExceeded, 2)
		assert.NotEmpty(t, res.Data.ThresholdExceeded[0].LeaseID)
		assert.Equal(t, res.Data.ThresholdExceeded[0].LeaseID, res.Data.ThresholdExceeded[1].LeaseID)
		assert.Equal(t, 1, h.leases.Active())

		confirmed, err := h.svc.Confirm(ctx, "session-1", 0, "alice")
		require.NoError(t, err)
		assert.Equal(t, 2, confirmed.CommittedCount)
		assert.Equal(t, int64(accountRows+accountRows-5), confirmed.TotalRows)
		for _, cs := range confirmed.Statements {
			assert.True(t, cs.Leased)
		}
		assert.Equal(t, accountRows, h.countStatus(t, "z"))
	})

	t.Run("new batch releases the session's held leases", func(t *testing.T) {
		first := h.execute(t, "UPDATE accounts SET status='first' WHERE id <= 12;")
		require.True(t, first.NeedsConfirmation(), first.ErrorMessage)
		assert.Equal(t, 1, h.leases.Active())

		second := h.execute(t, "UPDATE accounts SET status='second' WHERE id = 1;")
		require.True(t, second.Success, second.ErrorMessage)
		assert.Equal(t, 1, second.Data.CommittedCount)
		assert.Equal(t, 0, h.leases.Active())

		confirmed, err := h.svc.Confirm(ctx, "session-1", first.AuditID, "alice")
		require.NoError(t, err)
		assert.False(t, confirmed.Statements[0].Leased)
		assert.Contains(t, confirmed.Messages[0], "no longer held")
		assert.Equal(t, 12, h.countStatus(t, "first"))
	})
}

func TestExecutionService_ConfirmFailure(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	res := h.execute(t, "UPDATE accounts SET status='x' WHERE id <= 15; DELETE FROM accounts WHERE id > 0;")
	require.True(t, res.NeedsConfirmation(), res.ErrorMessage)
	require.Equal(t, 2, res.Data.ThresholdExceededCount)

	_, err := h.db.ExecContext(ctx, "ALTER TABLE accounts RENAME TO accounts_old")
	require.NoError(t, err)

	confirmed, err := h.svc.Confirm(ctx, "session-1", res.AuditID, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0, confirmed.CommittedCount)
	assert.Equal(t, 2, confirmed.FailedCount)
	assert.Zero(t, confirmed.TotalRows)
	require.Len(t, confirmed.Errors, 2)
	assert.True(t, strings.HasPrefix(confirmed.Errors[0], "Query 1: "), confirmed.Errors[0])
	assert.True(t, strings.HasPrefix(confirmed.Errors[1], "Query 2: "), confirmed.Errors[1])
	require.Len(t, confirmed.Messages, 1)
	assert.True(t, strings.HasPrefix(confirmed.Messages[0], "Failed to commit 2 statement(s): Query 1: "), confirmed.Messages[0])
	assert.Contains(t, confirmed.Messages[0], "; Query 2: ")

	for _, cs := range confirmed.Statements {
		assert.Contains(t, cs.Error, "no such table")
		assert.Zero(t, cs.RowsAffected)
		assert.NotZero(t, cs.AuditID)
	}

	errored := h.auditRecords(t, models.AuditFilter{Status: models.AuditStatusError})
	require.Len(t, errored, 2)
	texts := []string{errored[0].QueryText, errored[1].QueryText}
	assert.ElementsMatch(t, []string{
		"UPDATE accounts SET status='x' WHERE id <= 15;",
		"DELETE FROM accounts WHERE id > 0;",
	}, texts)
	for _, rec := range errored {
		require.NotNil(t, rec.ErrorMessage)
		assert.Contains(t, *rec.ErrorMessage, "no such table")
	}

	combined, err := h.audit.Get(ctx, "BackOffice", res.AuditID)
	require.NoError(t, err)
	assert.Equal(t, models.AuditStatusPending, combined.Status)
	assert.Empty(t, h.auditRecords(t, models.AuditFilter{Status: models.AuditStatusSuccess}))
}

// slowStore widens the window between finding a batch and claiming it.
type slowStore struct {
	*pendingstore.MemoryStore
	delay time.Duration
}

func (s *slowStore) Get(ctx context.Context, sessionID string) (*models.PendingBatch, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.Get(ctx, sessionID)
}

func (s *slowStore) GetByAuditID(ctx context.Context, auditID int64) (*models.PendingBatch, error) {
	time.Sleep(s.delay)
	return s.MemoryStore.GetByAuditID(ctx, auditID)
}

func TestExecutionService_ConcurrentConfirm(t *testing.T) {
	h := newHarness(t, harnessOptions{
		store: func(m *pendingstore.MemoryStore) repositories.PendingBatchRepository {
			return &slowStore{MemoryStore: m, delay: 20 * time.Millisecond}
		},
	})
	ctx := context.Background()

	res := h.execute(t, "UPDATE accounts SET balance = balance + 1 WHERE id <= 15;")
	require.True(t, res.NeedsConfirmation(), res.ErrorMessage)

	var before int
	require.NoError(t, h.db.QueryRowContext(ctx, "SELECT SUM(balance) FROM accounts").Scan(&before))

	var (
		wg   sync.WaitGroup
		errs = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Confirm(ctx, "", res.AuditID, "alice")
		}(i)
	}
	wg.Wait()

	var succeeded, notFound int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.IsNotFound(err):
			notFound++
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, notFound)

	var after int
	require.NoError(t, h.db.QueryRowContext(ctx, "SELECT SUM(balance) FROM accounts").Scan(&after))
	assert.Equal(t, before+15, after)
	assert.Len(t, h.auditRecords(t, models.AuditFilter{Status: models.AuditStatusSuccess}), 1)
}

func TestExecutionService_ReadsShareOneConnection(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	side := filepath.Join(t.TempDir(), "side.db")
	sideDB, err := h.provider.Connect(ctx, "BackOffice", side)
	require.NoError(t, err)
	_, err = sideDB.ExecContext(ctx, "CREATE TABLE notes (id INTEGER PRIMARY KEY, body TEXT)")
	require.NoError(t, err)
	_, err = sideDB.ExecContext(ctx, "INSERT INTO notes (id, body) VALUES (1, 'attached')")
	require.NoError(t, err)

	res := h.execute(t, fmt.Sprintf("ATTACH DATABASE '%s' AS side; SELECT body FROM side.notes;", side))
	require.True(t, res.Success, res.ErrorMessage)
	require.Len(t, res.Data.Rows, 1)
	assert.Equal(t, "attached", res.Data.Rows[0][0])
}
