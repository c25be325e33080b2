// Package audit implements the self-provisioning audit log.
package audit

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/TFMV/sqlgate/pkg/dialect"
	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/repositories"
)

// DefaultErrorMessageLimit bounds stored error messages, in runes.
const DefaultErrorMessageLimit = 500

// Config controls where audit records are written.
type Config struct {
	// Database is a dedicated logical audit database. Empty writes each
	// record to the audit table of the database the statement ran against.
	Database string
	// FallbackDatabase is tried when the primary audit database is unreachable.
	FallbackDatabase  string
	ErrorMessageLimit int
	MaxRetries        int
	RetryBackoff      time.Duration
}

type repository struct {
	provider    repositories.ConnectionProvider
	cfg         Config
	logger      zerolog.Logger
	provisioned *provisioner
}

// NewRepository creates an audit repository on top of provider.
func NewRepository(provider repositories.ConnectionProvider, cfg Config, logger zerolog.Logger) repositories.AuditRepository {
	if cfg.ErrorMessageLimit <= 0 {
		cfg.ErrorMessageLimit = DefaultErrorMessageLimit
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 10 * time.Millisecond
	}
	return &repository{
		provider:    provider,
		cfg:         cfg,
		logger:      logger.With().Str("component", "audit").Logger(),
		provisioned: newProvisioner(),
	}
}

// target is a provisioned audit table.
type target struct {
	logical string
	db      *sql.DB
	dialect dialect.Dialect
}

func (r *repository) candidates(database string) []string {
	primary := database
	if r.cfg.Database != "" {
		primary = r.cfg.Database
	}

	names := []string{primary}
	if fb := r.cfg.FallbackDatabase; fb != "" && !strings.EqualFold(fb, primary) {
		names = append(names, fb)
	}
	return names
}

// resolve returns the first reachable, provisioned audit table for database.
func (r *repository) resolve(ctx context.Context, database string) (*target, error) {
	var lastErr error

	for _, logical := range r.candidates(database) {
		t, err := r.open(ctx, logical)
		if err == nil {
			return t, nil
		}
		r.logger.Warn().
			Err(err).
			Str("audit_database", logical).
			Msg("Audit database unavailable")
		lastErr = err
	}
	return nil, lastErr
}

func (r *repository) open(ctx context.Context, logical string) (*target, error) {
	d, err := r.provider.Dialect(logical)
	if err != nil {
		return nil, err
	}

	db, err := r.provider.Connect(ctx, logical, "")
	if err != nil {
		return nil, err
	}

	if err := r.provisioned.ensure(ctx, logical, db, d); err != nil {
		return nil, errors.Wrapf(err, errors.CodeInternal, "failed to provision audit table in %s", logical)
	}
	return &target{logical: logical, db: db, dialect: d}, nil
}

func (r *repository) truncate(msg string) string {
	runes := []rune(msg)
	if len(runes) <= r.cfg.ErrorMessageLimit {
		return msg
	}
	return string(runes[:r.cfg.ErrorMessageLimit])
}

func nullableMessage(msg string) interface{} {
	if msg == "" {
		return nil
	}
	return msg
}

func isLockError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

func isMissingTable(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "no such table") ||
		strings.Contains(msg, "doesn't exist") ||
		(strings.Contains(msg, "relation") && strings.Contains(msg, "does not exist"))
}

// withRetry runs fn, retrying lock errors with linear backoff.
func (r *repository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < r.cfg.MaxRetries; attempt++ {
		err = fn()
		if err == nil || !isLockError(err) {
			return err
		}

		backoff := time.Duration(attempt+1) * r.cfg.RetryBackoff
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return fmt.Errorf("after %d retries: %w", r.cfg.MaxRetries, err)
}

func insertQuery(d dialect.Dialect) string {
	q := fmt.Sprintf(`INSERT INTO audit_log
		(executed_by_user, query_text, database_name, status, defect_number, rows_affected, error_message)
		VALUES (%s, %s, %s, %s, %s, %s, %s)`,
		d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.StatusPlaceholder(4),
		d.Placeholder(5), d.Placeholder(6), d.Placeholder(7))
	if d.InsertReturning() {
		q += " RETURNING audit_id"
	}
	return q
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func insert(ctx context.Context, q execQuerier, d dialect.Dialect, query string, args ...interface{}) (int64, error) {
	if d.InsertReturning() {
		var id int64
		if err := q.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
			return 0, err
		}
		return id, nil
	}

	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// Log appends one record per statement inside a single transaction.
func (r *repository) Log(ctx context.Context, entry models.LogEntry) ([]int64, error) {
	if len(entry.Statements) == 0 {
		return []int64{}, errors.New(errors.CodeInvalidRequest, "no statements to audit")
	}
	if entry.Status == "" {
		entry.Status = models.AuditStatusPending
	}

	t, err := r.resolve(ctx, entry.Database)
	if err != nil {
		r.logger.Error().Err(err).Str("database", entry.Database).Msg("Failed to log audit entry")
		return []int64{}, err
	}

	query := insertQuery(t.dialect)
	message := nullableMessage(r.truncate(entry.ErrorMessage))

	var ids []int64
	err = r.withRetry(ctx, func() error {
		tx, err := t.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		ids = make([]int64, 0, len(entry.Statements))
		for _, stmt := range entry.Statements {
			id, err := insert(ctx, tx, t.dialect, query,
				entry.User, stmt, entry.Database, string(entry.Status),
				entry.DefectNumber, entry.RowsAffected, message)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return tx.Commit()
	})
	if err != nil {
		if isMissingTable(err) {
			r.provisioned.forget(t.logical)
		}
		r.logger.Error().
			Err(err).
			Str("database", entry.Database).
			Str("audit_database", t.logical).
			Int("statements", len(entry.Statements)).
			Msg("Failed to log audit entry")
		return []int64{}, errors.Wrap(err, errors.CodeInternal, "failed to write audit record")
	}

	r.logger.Debug().
		Str("database", entry.Database).
		Str("status", string(entry.Status)).
		Ints64("audit_ids", ids).
		Msg("Audit records written")
	return ids, nil
}

// LogCombinedPending writes one Pending record for a set of deferred statements.
func (r *repository) LogCombinedPending(ctx context.Context, user string, statements []string, database, defectNumber string) (int64, error) {
	if len(statements) == 0 {
		return 0, errors.New(errors.CodeInvalidRequest, "no deferred statements to audit")
	}

	ids, err := r.Log(ctx, models.LogEntry{
		User:         user,
		Statements:   []string{strings.Join(statements, "; ")},
		Database:     database,
		DefectNumber: defectNumber,
		Status:       models.AuditStatusPending,
	})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// UpdateStatus resolves a Pending record. Records that are missing or
// already terminal are left untouched and reported as false.
func (r *repository) UpdateStatus(ctx context.Context, database string, auditID int64, status models.AuditStatus, rowsAffected int64, errorMessage string) (bool, error) {
	if !status.IsTerminal() {
		return false, errors.Newf(errors.CodeInvalidRequest, "cannot transition audit record to %s", status)
	}

	t, err := r.resolve(ctx, database)
	if err != nil {
		return false, err
	}

	d := t.dialect
	query := fmt.Sprintf(`UPDATE audit_log
		SET status = %s, rows_affected = %s, error_message = %s
		WHERE audit_id = %s AND status = '%s'`,
		d.StatusPlaceholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4),
		models.AuditStatusPending)

	var affected int64
	err = r.withRetry(ctx, func() error {
		res, err := t.db.ExecContext(ctx, query,
			string(status), rowsAffected, nullableMessage(r.truncate(errorMessage)), auditID)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		r.logger.Error().Err(err).Int64("audit_id", auditID).Msg("Failed to update audit status")
		return false, errors.Wrap(err, errors.CodeInternal, "failed to update audit record")
	}

	if affected == 0 {
		r.logger.Warn().
			Int64("audit_id", auditID).
			Str("status", string(status)).
			Msg("Audit record not pending, status unchanged")
		return false, nil
	}

	r.logger.Debug().
		Int64("audit_id", auditID).
		Str("status", string(status)).
		Int64("rows_affected", rowsAffected).
		Msg("Audit status updated")
	return true, nil
}

// Get returns a single record.
func (r *repository) Get(ctx context.Context, database string, auditID int64) (*models.AuditRecord, error) {
	t, err := r.resolve(ctx, database)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`SELECT %s FROM audit_log WHERE audit_id = %s`, selectColumns, t.dialect.Placeholder(1))
	rec, err := scanRecord(t.db.QueryRowContext(ctx, query, auditID))
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, errors.ErrAuditRecordNotFound.Clone().WithDetail("audit_id", auditID)
		}
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to read audit record")
	}
	return &rec, nil
}

// List returns records matching filter, newest first.
func (r *repository) List(ctx context.Context, database string, filter models.AuditFilter) ([]models.AuditRecord, error) {
	t, err := r.resolve(ctx, database)
	if err != nil {
		return nil, err
	}

	d := t.dialect
	var (
		conds []string
		args  []interface{}
	)
	if filter.User != "" {
		args = append(args, filter.User)
		conds = append(conds, "executed_by_user = "+d.Placeholder(len(args)))
	}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		conds = append(conds, "status = "+d.StatusPlaceholder(len(args)))
	}
	if filter.DefectNumber != "" {
		args = append(args, filter.DefectNumber)
		conds = append(conds, "defect_number = "+d.Placeholder(len(args)))
	}

	query := "SELECT " + selectColumns + " FROM audit_log"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY audit_timestamp DESC, audit_id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to list audit records")
	}
	defer rows.Close()

	return scanRecords(rows)
}
