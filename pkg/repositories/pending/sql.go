package pending

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TFMV/sqlgate/pkg/dialect"
	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/repositories"
)

const pendingSchema = `CREATE TABLE IF NOT EXISTS pending_batch (
	session_id VARCHAR(200) NOT NULL PRIMARY KEY,
	audit_id BIGINT NOT NULL,
	payload TEXT NOT NULL,
	expires_at BIGINT NOT NULL
)`

// SQLStore keeps pending batches in a table of one logical database, next
// to its audit log, so a batch deferred by one sqlgate process can be
// confirmed or rejected by another.
type SQLStore struct {
	provider repositories.ConnectionProvider
	database string
	ttl      time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	mu          sync.Mutex
	provisioned bool
}

var _ repositories.PendingBatchRepository = (*SQLStore)(nil)

// NewSQLStore creates a store in the logical database. The table is created
// on first use. A zero ttl keeps batches until they are resolved.
func NewSQLStore(provider repositories.ConnectionProvider, database string, ttl time.Duration, logger zerolog.Logger) *SQLStore {
	return &SQLStore{
		provider: provider,
		database: database,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

func (s *SQLStore) open(ctx context.Context) (*sql.DB, dialect.Dialect, error) {
	d, err := s.provider.Dialect(s.database)
	if err != nil {
		return nil, nil, err
	}
	db, err := s.provider.Connect(ctx, s.database, "")
	if err != nil {
		return nil, nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.provisioned {
		if _, err := db.ExecContext(ctx, pendingSchema); err != nil {
			return nil, nil, errors.Wrapf(err, errors.CodeInternal, "failed to provision pending table in %s", s.database)
		}
		s.provisioned = true
	}
	return db, d, nil
}

// storedBatch is one row of the pending table.
type storedBatch struct {
	sessionID string
	auditID   int64
	expiresAt int64
	batch     *models.PendingBatch
}

func (s *SQLStore) expired(row *storedBatch) bool {
	return row.expiresAt > 0 && s.now().UnixNano() > row.expiresAt
}

func notFound(sessionID string, auditID int64) error {
	details := map[string]interface{}{}
	if sessionID != "" {
		details["session_id"] = sessionID
	}
	if auditID != 0 {
		details["audit_id"] = auditID
	}
	return errors.ErrPendingBatchNotFound.Clone().WithDetails(details)
}

// load returns the live row matching column = value. Expired rows are
// deleted and reported as not found.
func (s *SQLStore) load(ctx context.Context, db *sql.DB, d dialect.Dialect, column string, value interface{}) (*storedBatch, error) {
	query := fmt.Sprintf(`SELECT session_id, audit_id, payload, expires_at FROM pending_batch WHERE %s = %s`,
		column, d.Placeholder(1))

	var (
		row     storedBatch
		payload string
	)
	err := db.QueryRowContext(ctx, query, value).Scan(&row.sessionID, &row.auditID, &payload, &row.expiresAt)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, errors.CodeUnavailable, "failed to load pending batch")
	}

	if s.expired(&row) {
		s.logger.Debug().
			Str("session_id", row.sessionID).
			Int64("audit_id", row.auditID).
			Msg("Pending batch expired")
		if _, err := db.ExecContext(ctx,
			"DELETE FROM pending_batch WHERE session_id = "+d.Placeholder(1), row.sessionID); err != nil {
			s.logger.Warn().Err(err).Str("session_id", row.sessionID).Msg("Failed to delete expired pending batch")
		}
		return nil, nil
	}

	row.batch = &models.PendingBatch{}
	if err := json.Unmarshal([]byte(payload), row.batch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending batch: %w", err)
	}
	return &row, nil
}

// Put replaces the batch of a session and drops expired rows.
func (s *SQLStore) Put(ctx context.Context, sessionID string, batch *models.PendingBatch) error {
	if sessionID == "" || batch == nil {
		return errors.New(errors.CodeInvalidRequest, "session id and batch are required")
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal pending batch: %w", err)
	}

	db, d, err := s.open(ctx)
	if err != nil {
		return err
	}

	now := s.now()
	var expiresAt int64
	if s.ttl > 0 {
		expiresAt = now.Add(s.ttl).UnixNano()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "failed to store pending batch")
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM pending_batch WHERE session_id = "+d.Placeholder(1), sessionID); err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "failed to store pending batch")
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf("DELETE FROM pending_batch WHERE expires_at > 0 AND expires_at < %s", d.Placeholder(1)),
		now.UnixNano()); err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "failed to store pending batch")
	}

	insert := fmt.Sprintf(`INSERT INTO pending_batch (session_id, audit_id, payload, expires_at) VALUES (%s, %s, %s, %s)`,
		d.Placeholder(1), d.Placeholder(2), d.Placeholder(3), d.Placeholder(4))
	if _, err := tx.ExecContext(ctx, insert, sessionID, batch.AuditID, string(data), expiresAt); err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "failed to store pending batch")
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "failed to store pending batch")
	}

	s.logger.Debug().
		Str("session_id", sessionID).
		Int64("audit_id", batch.AuditID).
		Int("deferred", len(batch.Deferred)).
		Str("database", s.database).
		Msg("Pending batch stored")
	return nil
}

// Get returns the batch of a session.
func (s *SQLStore) Get(ctx context.Context, sessionID string) (*models.PendingBatch, error) {
	db, d, err := s.open(ctx)
	if err != nil {
		return nil, err
	}

	row, err := s.load(ctx, db, d, "session_id", sessionID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, notFound(sessionID, 0)
	}
	return row.batch, nil
}

// GetByAuditID returns the batch whose combined audit record is auditID.
func (s *SQLStore) GetByAuditID(ctx context.Context, auditID int64) (*models.PendingBatch, error) {
	db, d, err := s.open(ctx)
	if err != nil {
		return nil, err
	}

	row, err := s.load(ctx, db, d, "audit_id", auditID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, notFound("", auditID)
	}
	return row.batch, nil
}

// Take removes and returns the batch of a session. The delete is keyed on
// both the session and the audit id, so only the caller whose delete hits
// the row receives the batch.
func (s *SQLStore) Take(ctx context.Context, sessionID string, auditID int64) (*models.PendingBatch, error) {
	db, d, err := s.open(ctx)
	if err != nil {
		return nil, err
	}

	row, err := s.load(ctx, db, d, "session_id", sessionID)
	if err != nil {
		return nil, err
	}
	if row == nil || (auditID != 0 && row.auditID != auditID) {
		return nil, notFound(sessionID, auditID)
	}

	query := fmt.Sprintf("DELETE FROM pending_batch WHERE session_id = %s AND audit_id = %s",
		d.Placeholder(1), d.Placeholder(2))
	res, err := db.ExecContext(ctx, query, sessionID, row.auditID)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUnavailable, "failed to take pending batch")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeUnavailable, "failed to take pending batch")
	}
	if n == 0 {
		return nil, notFound(sessionID, auditID)
	}
	return row.batch, nil
}

// Remove discards the batch of a session.
func (s *SQLStore) Remove(ctx context.Context, sessionID string) error {
	db, d, err := s.open(ctx)
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx,
		"DELETE FROM pending_batch WHERE session_id = "+d.Placeholder(1), sessionID); err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "failed to remove pending batch")
	}
	return nil
}

// Close is a no-op; the connection provider owns the pools.
func (s *SQLStore) Close() error {
	return nil
}
