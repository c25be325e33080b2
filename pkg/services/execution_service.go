package services

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/repositories"
)

// ConfirmMode selects how deferred statements are applied on confirm.
type ConfirmMode string

const (
	// ConfirmModeReexecute rolls previews back and re-executes on confirm.
	ConfirmModeReexecute ConfirmMode = "reexecute"
	// ConfirmModeLease keeps preview transactions open until confirm or reject.
	ConfirmModeLease ConfirmMode = "lease"
)

// DefaultConfirmationThreshold is the affected-row count at which UPDATE and
// DELETE statements are deferred.
const DefaultConfirmationThreshold = 10

const rejectMessage = "DML operation rejected. Changes have been rolled back."

// ExecutionOptions tunes the execution service.
type ExecutionOptions struct {
	ConfirmationThreshold int64
	ConfirmMode           ConfirmMode
	// StatementTimeout bounds each statement; zero leaves it to the driver.
	StatementTimeout time.Duration
}

// executionService implements ExecutionService.
type executionService struct {
	classifier *StatementClassifier
	provider   repositories.ConnectionProvider
	audit      repositories.AuditRepository
	pending    repositories.PendingBatchRepository
	leases     LeaseService
	opts       ExecutionOptions
	logger     Logger
	metrics    MetricsCollector
	now        func() time.Time
}

// NewExecutionService creates an execution service. leases may be nil unless
// opts.ConfirmMode is ConfirmModeLease.
func NewExecutionService(
	classifier *StatementClassifier,
	provider repositories.ConnectionProvider,
	audit repositories.AuditRepository,
	pending repositories.PendingBatchRepository,
	leases LeaseService,
	opts ExecutionOptions,
	logger Logger,
	metrics MetricsCollector,
) ExecutionService {
	if opts.ConfirmationThreshold <= 0 {
		opts.ConfirmationThreshold = DefaultConfirmationThreshold
	}
	if opts.ConfirmMode == "" || (opts.ConfirmMode == ConfirmModeLease && leases == nil) {
		opts.ConfirmMode = ConfirmModeReexecute
	}

	return &executionService{
		classifier: classifier,
		provider:   provider,
		audit:      audit,
		pending:    pending,
		leases:     leases,
		opts:       opts,
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
	}
}

// batchRun is the mutable state of one Execute call.
type batchRun struct {
	req     ExecuteRequest
	batchID string
	logical string
	// database is the physical database selected by USE, empty for the
	// configured default.
	database string
	// conn is pinned for the whole batch so session state set by one read
	// statement is visible to the next.
	conn *sql.Conn

	results   *resultSet
	readRows  int64
	hasWrites bool

	committed     []models.CommittedStatement
	failed        []models.FailedStatement
	deferred      []models.DeferredStatement
	committedRows int64
}

// Execute classifies and runs a batch.
func (s *executionService) Execute(ctx context.Context, req ExecuteRequest) (*models.ExecutionResult, error) {
	timer := s.metrics.StartTimer("batch_duration")
	defer timer.Stop()

	if strings.TrimSpace(req.Database) == "" {
		return nil, errors.New(errors.CodeInvalidRequest, "database is required")
	}
	if req.SessionID == "" {
		req.SessionID = req.User
	}

	statements, err := s.classifier.ClassifyFor(req.Query, s.syntaxFor(req.Database))
	if err != nil {
		s.metrics.IncrementCounter("batches_total", "outcome", "invalid")
		s.logger.Warn("Batch rejected by validation",
			"user", req.User,
			"database", req.Database,
			"error", errors.GetMessage(err))
		return &models.ExecutionResult{Success: false, ErrorMessage: errors.GetMessage(err)}, nil
	}

	run := &batchRun{
		req:     req,
		batchID: uuid.New().String(),
		logical: req.Database,
		results: newResultSet(),
	}

	s.logger.Info("Executing batch",
		"batch_id", run.batchID,
		"user", req.User,
		"database", req.Database,
		"defect_number", req.DefectNumber,
		"statements", len(statements))

	if s.opts.ConfirmMode == ConfirmModeLease && hasWrites(statements) {
		s.releaseSessionLeases(ctx, req.SessionID)
	}

	if err := s.runBatch(ctx, run, statements); err != nil {
		return s.fatal(ctx, run, statements, err), nil
	}
	return s.aggregate(ctx, run, statements), nil
}

// syntaxFor returns the string syntax of a logical database. Unknown names
// get standard syntax and fail later on connect.
func (s *executionService) syntaxFor(logical string) Syntax {
	d, err := s.provider.Dialect(logical)
	if err != nil {
		return Syntax{}
	}
	return Syntax{BackslashEscapes: d.BackslashEscapes()}
}

func hasWrites(statements []models.Statement) bool {
	for _, stmt := range statements {
		switch stmt.Type {
		case models.StatementTypeInsert, models.StatementTypeUpdate, models.StatementTypeDelete:
			return true
		}
	}
	return false
}

// releaseSessionLeases rolls back the leases of the session's unresolved
// batch, whose held locks would otherwise block the new batch's writes. The
// batch stays pending and is re-executed if confirmed.
func (s *executionService) releaseSessionLeases(ctx context.Context, sessionID string) {
	old, err := s.pending.Get(ctx, sessionID)
	if err != nil {
		return
	}
	s.releaseLeases(ctx, old.Deferred)
}

func (s *executionService) runBatch(ctx context.Context, run *batchRun, statements []models.Statement) error {
	logical, _, err := s.provider.Resolve(run.req.Database)
	if err != nil {
		return err
	}
	run.logical = logical

	run.conn, err = s.pin(ctx, run.logical, "")
	if err != nil {
		return err
	}
	defer func() { _ = run.conn.Close() }()

	for _, stmt := range statements {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, errors.CodeDeadlineExceeded, "batch cancelled")
		}

		switch stmt.Type {
		case models.StatementTypeUse:
			if err := s.switchDatabase(ctx, run, stmt); err != nil {
				return err
			}
		case models.StatementTypeInsert, models.StatementTypeUpdate, models.StatementTypeDelete:
			s.runWrite(ctx, run, stmt)
		default:
			if err := s.runRead(ctx, run, stmt); err != nil {
				return err
			}
		}
	}
	return nil
}

// pin reserves one connection of the logical/database pool.
func (s *executionService) pin(ctx context.Context, logical, database string) (*sql.Conn, error) {
	db, err := s.provider.Connect(ctx, logical, database)
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeConnection, "failed to reserve a connection to %s", logical)
	}
	return conn, nil
}

// switchDatabase moves the pinned connection to the database named by a USE
// statement. Later writes open their transactions against it too.
func (s *executionService) switchDatabase(ctx context.Context, run *batchRun, stmt models.Statement) error {
	target, ok := s.classifier.UseTarget(stmt)
	if !ok {
		return nil
	}

	conn, err := s.pin(ctx, run.logical, target)
	if err != nil {
		return err
	}

	s.logger.Info("Switched database", "batch_id", run.batchID, "database", run.logical, "target", target)
	_ = run.conn.Close()
	run.conn = conn
	run.database = target
	return nil
}

func (s *executionService) statementContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.StatementTimeout > 0 {
		return context.WithTimeout(ctx, s.opts.StatementTimeout)
	}
	return context.WithCancel(ctx)
}

// runRead executes a SELECT-like or unrecognized statement on the pinned
// auto-commit connection. Any failure aborts the batch.
func (s *executionService) runRead(ctx context.Context, run *batchRun, stmt models.Statement) error {
	text := s.classifier.ExecutableText(stmt)

	stmtCtx, cancel := s.statementContext(ctx)
	defer cancel()

	rows, err := run.conn.QueryContext(stmtCtx, text)
	if err != nil {
		return s.statementFailure(stmt, err)
	}
	defer rows.Close()

	n, err := run.results.collect(stmtCtx, rows)
	if err != nil {
		return s.statementFailure(stmt, err)
	}
	run.readRows += n

	s.metrics.IncrementCounter("statements_executed_total", "type", stmt.Type.String())
	s.logger.Debug("Read statement executed",
		"batch_id", run.batchID,
		"statement_index", stmt.Index,
		"statement_type", stmt.Type.String(),
		"digest", stmt.Digest,
		"database", run.logical,
		"rows_affected", n)
	return nil
}

func (s *executionService) statementFailure(stmt models.Statement, err error) error {
	s.metrics.IncrementCounter("statements_failed_total", "type", stmt.Type.String())
	return errors.Wrapf(err, errors.CodeStatementFailed, "Query %d failed", stmt.Index).
		WithDetail("statement_index", stmt.Index)
}

// runWrite executes one write statement in its own transaction. Failures are
// recorded and do not stop the batch. A preview over the threshold is always
// rolled back here; lease mode re-runs it once the batch is stored.
func (s *executionService) runWrite(ctx context.Context, run *batchRun, stmt models.Statement) {
	run.hasWrites = true
	text := stmt.NormalizedText

	tx, err := s.provider.Begin(ctx, run.logical, run.database)
	if err != nil {
		s.recordFailure(ctx, run, stmt, errors.GetMessage(err))
		return
	}

	stmtCtx, cancel := s.statementContext(ctx)
	n, err := tx.Exec(stmtCtx, text)
	cancel()
	if err != nil {
		s.rollback(ctx, tx)
		s.recordFailure(ctx, run, stmt, err.Error())
		return
	}

	if stmt.Type.RequiresConfirmation() && n >= s.opts.ConfirmationThreshold {
		deferred := models.DeferredStatement{
			Index:        stmt.Index,
			Statement:    text,
			Type:         stmt.Type,
			RowsAffected: n,
			Threshold:    s.opts.ConfirmationThreshold,
			Database:     tx.Database(),
		}
		s.rollback(ctx, tx)
		run.deferred = append(run.deferred, deferred)

		s.metrics.IncrementCounter("statements_deferred_total")
		s.logger.Info("Statement deferred for confirmation",
			"batch_id", run.batchID,
			"statement_index", stmt.Index,
			"statement_type", stmt.Type.String(),
			"digest", stmt.Digest,
			"database", run.logical,
			"rows_affected", n,
			"threshold", s.opts.ConfirmationThreshold)
		return
	}

	if err := tx.Commit(ctx); err != nil {
		s.recordFailure(ctx, run, stmt, err.Error())
		return
	}

	auditID := s.logAudit(ctx, models.LogEntry{
		User:         run.req.User,
		Statements:   []string{text},
		Database:     run.logical,
		DefectNumber: run.req.DefectNumber,
		Status:       models.AuditStatusSuccess,
		RowsAffected: n,
	})

	run.committed = append(run.committed, models.CommittedStatement{
		Index:        stmt.Index,
		Statement:    text,
		Type:         stmt.Type,
		RowsAffected: n,
		AuditID:      auditID,
	})
	run.committedRows += n

	s.metrics.IncrementCounter("statements_executed_total", "type", stmt.Type.String())
	s.logger.Info("Statement committed",
		"batch_id", run.batchID,
		"statement_index", stmt.Index,
		"statement_type", stmt.Type.String(),
		"digest", stmt.Digest,
		"database", run.logical,
		"rows_affected", n,
		"audit_id", auditID)
}

func (s *executionService) recordFailure(ctx context.Context, run *batchRun, stmt models.Statement, message string) {
	s.metrics.IncrementCounter("statements_failed_total", "type", stmt.Type.String())
	s.logger.Error("Statement failed",
		"batch_id", run.batchID,
		"statement_index", stmt.Index,
		"statement_type", stmt.Type.String(),
		"digest", stmt.Digest,
		"database", run.logical,
		"error", message)

	auditID := s.logAudit(ctx, models.LogEntry{
		User:         run.req.User,
		Statements:   []string{stmt.NormalizedText},
		Database:     run.logical,
		DefectNumber: run.req.DefectNumber,
		Status:       models.AuditStatusError,
		ErrorMessage: message,
	})

	run.failed = append(run.failed, models.FailedStatement{
		Index:     stmt.Index,
		Statement: stmt.NormalizedText,
		Type:      stmt.Type,
		Error:     message,
		AuditID:   auditID,
	})
}

func (s *executionService) rollback(ctx context.Context, tx repositories.Transaction) {
	if err := tx.Rollback(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("Rollback failed", "transaction_id", tx.ID(), "error", err)
	}
}

// logAudit writes one audit record and returns its id, or zero when the
// audit log is unavailable.
func (s *executionService) logAudit(ctx context.Context, entry models.LogEntry) int64 {
	ids, err := s.audit.Log(ctx, entry)
	if err != nil || len(ids) == 0 {
		s.metrics.IncrementCounter("audit_write_errors_total")
		s.logger.Error("Failed to write audit record",
			"database", entry.Database,
			"status", string(entry.Status),
			"error", err)
		return 0
	}
	s.metrics.IncrementCounter("audit_writes_total", "status", string(entry.Status))
	return ids[0]
}

// fatal records a batch-level failure with one Error audit record for the
// whole batch text.
func (s *executionService) fatal(ctx context.Context, run *batchRun, statements []models.Statement, err error) *models.ExecutionResult {
	message := errors.GetMessage(err)
	auditMessage := message
	if errors.IsStatementFailure(err) {
		if cause := stderrors.Unwrap(err); cause != nil {
			message = "Database error: " + cause.Error()
			auditMessage = cause.Error()
		}
	}

	s.metrics.IncrementCounter("batches_total", "outcome", "failed")
	s.logger.Error("Batch failed",
		"batch_id", run.batchID,
		"database", run.logical,
		"code", errors.GetCode(err),
		"error", message)

	auditID := s.logAudit(ctx, models.LogEntry{
		User:         run.req.User,
		Statements:   []string{strings.TrimSpace(run.req.Query)},
		Database:     run.logical,
		DefectNumber: run.req.DefectNumber,
		Status:       models.AuditStatusError,
		ErrorMessage: auditMessage,
	})

	return &models.ExecutionResult{
		Success:      false,
		ErrorMessage: message,
		AuditID:      auditID,
		Data: models.ResultData{
			QueryType:          queryType(statements),
			StatementsExecuted: len(statements),
			CommittedCount:     len(run.committed),
			FailedCount:        len(run.failed),
			Committed:          run.committed,
			Failed:             run.failed,
		},
	}
}

// queryType is the type of the first statement that is not USE.
func queryType(statements []models.Statement) string {
	for _, stmt := range statements {
		if stmt.Type != models.StatementTypeUse {
			return stmt.Type.String()
		}
	}
	if len(statements) > 0 {
		return statements[0].Type.String()
	}
	return models.StatementTypeUnknown.String()
}

func failureDetails(failed []models.FailedStatement) string {
	parts := make([]string, len(failed))
	for i, f := range failed {
		parts[i] = fmt.Sprintf("Query %d: %s", f.Index, f.Error)
	}
	return strings.Join(parts, "; ")
}

func (s *executionService) aggregate(ctx context.Context, run *batchRun, statements []models.Statement) *models.ExecutionResult {
	columns, rows := run.results.table()
	data := models.ResultData{
		StatementsExecuted: len(statements),
		Columns:            columns,
		Rows:               rows,
	}

	if !run.hasWrites {
		data.QueryType = queryType(statements)
		data.RowsAffected = run.readRows

		auditID := s.logAudit(ctx, models.LogEntry{
			User:         run.req.User,
			Statements:   []string{strings.TrimSpace(run.req.Query)},
			Database:     run.logical,
			DefectNumber: run.req.DefectNumber,
			Status:       models.AuditStatusSuccess,
			RowsAffected: run.readRows,
		})

		s.metrics.IncrementCounter("batches_total", "outcome", "read")
		return &models.ExecutionResult{Success: true, Data: data, AuditID: auditID}
	}

	data.CommittedCount = len(run.committed)
	data.FailedCount = len(run.failed)
	data.Committed = run.committed
	data.Failed = run.failed

	if len(run.committed) > 0 {
		data.Messages = append(data.Messages, fmt.Sprintf(
			"Successfully committed %d statement(s) affecting %d row(s).", len(run.committed), run.committedRows))
	}
	if len(run.failed) > 0 {
		data.Messages = append(data.Messages, fmt.Sprintf(
			"Failed to execute %d statement(s): %s", len(run.failed), failureDetails(run.failed)))
	}

	if len(run.deferred) > 0 {
		return s.deferBatch(ctx, run, data)
	}

	data.QueryType = queryType(statements)
	data.RowsAffected = run.committedRows

	result := &models.ExecutionResult{Success: true, Data: data}
	if len(run.failed) > 0 {
		result.ErrorMessage = "Some statements failed: " + failureDetails(run.failed)
	}
	if len(run.committed) > 0 {
		result.AuditID = run.committed[0].AuditID
	}

	s.metrics.IncrementCounter("batches_total", "outcome", "committed")
	s.logger.Info("Batch completed",
		"batch_id", run.batchID,
		"committed", len(run.committed),
		"failed", len(run.failed),
		"rows_affected", run.committedRows)
	return result
}

// deferBatch records the combined Pending audit record and stores the batch
// for the session. In lease mode the deferred statements are re-run in held
// transactions only after both writes, since a held lock can block them.
func (s *executionService) deferBatch(ctx context.Context, run *batchRun, data models.ResultData) *models.ExecutionResult {
	texts := make([]string, len(run.deferred))
	var previewed int64
	for i, d := range run.deferred {
		texts[i] = d.Statement
		previewed += d.RowsAffected
	}

	data.QueryType = run.deferred[0].Type.String()
	data.RowsAffected = previewed
	data.ThresholdExceededCount = len(run.deferred)
	data.ThresholdExceeded = run.deferred

	auditID, err := s.audit.LogCombinedPending(ctx, run.req.User, texts, run.logical, run.req.DefectNumber)
	if err != nil {
		s.metrics.IncrementCounter("audit_write_errors_total")
		s.logger.Error("Failed to record pending statements", "batch_id", run.batchID, "error", err)
		return &models.ExecutionResult{
			Success:      false,
			Data:         data,
			ErrorMessage: "Failed to record pending statements: " + errors.GetMessage(err),
		}
	}
	s.metrics.IncrementCounter("audit_writes_total", "status", string(models.AuditStatusPending))

	if s.opts.ConfirmMode == ConfirmModeLease {
		assignLeaseIDs(run.deferred)
	}

	s.discardPrevious(ctx, run.req.SessionID)

	batch := &models.PendingBatch{
		ID:           run.batchID,
		SessionID:    run.req.SessionID,
		AuditID:      auditID,
		Database:     run.logical,
		DefectNumber: run.req.DefectNumber,
		User:         run.req.User,
		QueryType:    run.deferred[0].Type,
		RowsAffected: previewed,
		Deferred:     append([]models.DeferredStatement(nil), run.deferred...),
		Committed:    run.committed,
		Failed:       run.failed,
		CreatedAt:    s.now(),
	}

	if err := s.pending.Put(ctx, run.req.SessionID, batch); err != nil {
		_, _ = s.audit.UpdateStatus(ctx, run.logical, auditID, models.AuditStatusError, 0,
			"Failed to store pending batch: "+errors.GetMessage(err))
		s.logger.Error("Failed to store pending batch", "batch_id", run.batchID, "error", err)
		for i := range run.deferred {
			run.deferred[i].LeaseID = ""
		}
		return &models.ExecutionResult{
			Success:      false,
			Data:         data,
			ErrorMessage: "Failed to store pending batch: " + errors.GetMessage(err),
			AuditID:      auditID,
		}
	}

	if s.opts.ConfirmMode == ConfirmModeLease {
		data.Messages = append(data.Messages, s.holdLeases(ctx, run)...)
	}

	s.metrics.IncrementCounter("pending_batches_total", "op", "put")
	s.metrics.IncrementCounter("batches_total", "outcome", "deferred")
	s.logger.Info("Batch awaiting confirmation",
		"batch_id", run.batchID,
		"session_id", run.req.SessionID,
		"audit_id", auditID,
		"deferred", len(run.deferred),
		"rows_affected", previewed)

	return &models.ExecutionResult{Success: true, Data: data, AuditID: auditID}
}

// assignLeaseIDs gives every deferred statement of one physical database the
// same lease id, so each database holds at most one transaction.
func assignLeaseIDs(deferred []models.DeferredStatement) {
	ids := make(map[string]string)
	for i := range deferred {
		id, ok := ids[deferred[i].Database]
		if !ok {
			id = uuid.New().String()
			ids[deferred[i].Database] = id
		}
		deferred[i].LeaseID = id
	}
}

// holdLeases re-runs each lease group in one transaction and holds it. A
// group that fails or affects a different row count than its preview is
// rolled back and left to re-execution on confirm.
func (s *executionService) holdLeases(ctx context.Context, run *batchRun) []string {
	var (
		messages []string
		order    []string
		groups   = make(map[string][]int)
	)
	for i, d := range run.deferred {
		if _, ok := groups[d.LeaseID]; !ok {
			order = append(order, d.LeaseID)
		}
		groups[d.LeaseID] = append(groups[d.LeaseID], i)
	}

	for _, leaseID := range order {
		members := groups[leaseID]
		if err := s.holdGroup(ctx, run, leaseID, members); err != nil {
			for _, i := range members {
				run.deferred[i].LeaseID = ""
			}
			s.logger.Warn("Deferred statements not leased",
				"batch_id", run.batchID,
				"database", run.deferred[members[0]].Database,
				"error", err)
			messages = append(messages, fmt.Sprintf(
				"Transaction lease not held for %s: %s. Statements will be re-executed on confirm.",
				run.deferred[members[0]].Database, strings.TrimSuffix(errors.GetMessage(err), ".")))
		}
	}
	return messages
}

func (s *executionService) holdGroup(ctx context.Context, run *batchRun, leaseID string, members []int) error {
	tx, err := s.provider.Begin(ctx, run.logical, run.deferred[members[0]].Database)
	if err != nil {
		return err
	}

	for _, i := range members {
		d := run.deferred[i]
		stmtCtx, cancel := s.statementContext(ctx)
		n, err := tx.Exec(stmtCtx, d.Statement)
		cancel()
		if err == nil && n != d.RowsAffected {
			err = errors.Newf(errors.CodeFailedPrecondition,
				"Query %d affected %d row(s), previewed %d.", d.Index, n, d.RowsAffected)
		}
		if err != nil {
			s.rollback(ctx, tx)
			return err
		}
	}

	s.leases.HoldAs(leaseID, tx, run.batchID)
	return nil
}

// discardPrevious releases the leases of a session's unresolved batch before
// it is overwritten. Its combined record stays Pending.
func (s *executionService) discardPrevious(ctx context.Context, sessionID string) {
	old, err := s.pending.Get(ctx, sessionID)
	if err != nil {
		return
	}

	s.logger.Warn("Overwriting unresolved pending batch",
		"session_id", sessionID,
		"audit_id", old.AuditID)
	s.releaseLeases(ctx, old.Deferred)
	s.metrics.IncrementCounter("pending_batches_total", "op", "overwrite")
}

func (s *executionService) releaseLeases(ctx context.Context, deferred []models.DeferredStatement) {
	if s.leases == nil {
		return
	}
	for _, d := range deferred {
		if d.LeaseID == "" {
			continue
		}
		if err := s.leases.Rollback(context.WithoutCancel(ctx), d.LeaseID); err != nil && !errors.IsNotFound(err) {
			s.logger.Warn("Failed to release lease", "lease_id", d.LeaseID, "error", err)
		}
	}
}

// lookup finds a pending batch by session, by audit id, or both.
func (s *executionService) lookup(ctx context.Context, sessionID string, auditID int64) (*models.PendingBatch, error) {
	var (
		batch *models.PendingBatch
		err   error
	)

	switch {
	case sessionID != "":
		batch, err = s.pending.Get(ctx, sessionID)
	case auditID != 0:
		batch, err = s.pending.GetByAuditID(ctx, auditID)
	default:
		return nil, errors.New(errors.CodeInvalidRequest, "session id or audit id is required")
	}
	if err != nil {
		return nil, err
	}

	if auditID != 0 && batch.AuditID != auditID {
		return nil, errors.ErrPendingBatchNotFound.Clone().WithDetails(map[string]interface{}{
			"session_id": sessionID,
			"audit_id":   auditID,
		})
	}
	return batch, nil
}

// claim removes a pending batch from the store and returns it. Only one of
// several concurrent callers gets the batch.
func (s *executionService) claim(ctx context.Context, sessionID string, auditID int64) (*models.PendingBatch, error) {
	if sessionID == "" {
		batch, err := s.lookup(ctx, "", auditID)
		if err != nil {
			return nil, err
		}
		sessionID = batch.SessionID
	}
	return s.pending.Take(ctx, sessionID, auditID)
}

// Pending returns the unresolved batch of a session.
func (s *executionService) Pending(ctx context.Context, sessionID string) (*models.PendingBatch, error) {
	return s.lookup(ctx, sessionID, 0)
}

// Confirm applies every deferred statement of a pending batch, each in its
// own transaction against the logical database's configured database.
func (s *executionService) Confirm(ctx context.Context, sessionID string, auditID int64, user string) (*models.ConfirmResult, error) {
	timer := s.metrics.StartTimer("confirm_duration")
	defer timer.Stop()

	batch, err := s.claim(ctx, sessionID, auditID)
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementCounter("pending_batches_total", "op", "confirm")

	if user == "" {
		user = batch.User
	}

	result := &models.ConfirmResult{
		AuditID:    batch.AuditID,
		Statements: make([]models.ConfirmedStatement, 0, len(batch.Deferred)),
	}

	leased := s.commitLeases(ctx, batch.Deferred)

	for _, d := range batch.Deferred {
		cs := models.ConfirmedStatement{
			Index:         d.Index,
			Statement:     d.Statement,
			PreviewedRows: d.RowsAffected,
		}

		var execErr error
		leaseErr, held := leased[d.LeaseID]
		switch {
		case !held:
			cs.RowsAffected, execErr = s.reexecute(ctx, batch.Database, d)
		case leaseErr == nil:
			cs.Leased = true
			cs.RowsAffected = d.RowsAffected
		case errors.IsNotFound(leaseErr) || errors.GetCode(leaseErr) == errors.CodeDeadlineExceeded:
			result.Messages = append(result.Messages, fmt.Sprintf(
				"Transaction lease for query %d is no longer held; statement re-executed.", d.Index))
			cs.RowsAffected, execErr = s.reexecute(ctx, batch.Database, d)
		default:
			execErr = leaseErr
		}

		entry := models.LogEntry{
			User:         user,
			Statements:   []string{d.Statement},
			Database:     batch.Database,
			DefectNumber: batch.DefectNumber,
		}
		if execErr != nil {
			cs.Error = errors.GetMessage(execErr)
			cs.RowsAffected = 0
			entry.Status = models.AuditStatusError
			entry.ErrorMessage = cs.Error
			result.FailedCount++
			result.Errors = append(result.Errors, fmt.Sprintf("Query %d: %s", d.Index, cs.Error))
			s.metrics.IncrementCounter("statements_failed_total", "type", d.Type.String())
			s.logger.Error("Failed to commit deferred statement",
				"audit_id", batch.AuditID,
				"statement_index", d.Index,
				"error", cs.Error)
		} else {
			entry.Status = models.AuditStatusSuccess
			entry.RowsAffected = cs.RowsAffected
			result.CommittedCount++
			result.TotalRows += cs.RowsAffected
			s.metrics.IncrementCounter("statements_executed_total", "type", d.Type.String())
			s.logger.Info("Deferred statement committed",
				"audit_id", batch.AuditID,
				"statement_index", d.Index,
				"previewed_rows", d.RowsAffected,
				"rows_affected", cs.RowsAffected,
				"leased", cs.Leased)
		}

		cs.AuditID = s.logAudit(ctx, entry)
		result.Statements = append(result.Statements, cs)
	}

	if result.CommittedCount > 0 {
		result.Messages = append(result.Messages, fmt.Sprintf(
			"Successfully committed %d statement(s) affecting %d row(s).", result.CommittedCount, result.TotalRows))
	}
	if result.FailedCount > 0 {
		result.Messages = append(result.Messages, fmt.Sprintf(
			"Failed to commit %d statement(s): %s", result.FailedCount, strings.Join(result.Errors, "; ")))
	}
	return result, nil
}

// commitLeases commits every lease of a batch once, before any audit write
// or re-execution, and returns the outcome per lease id.
func (s *executionService) commitLeases(ctx context.Context, deferred []models.DeferredStatement) map[string]error {
	if s.leases == nil {
		return nil
	}
	outcomes := make(map[string]error)
	for _, d := range deferred {
		if d.LeaseID == "" {
			continue
		}
		if _, done := outcomes[d.LeaseID]; done {
			continue
		}
		outcomes[d.LeaseID] = s.leases.Commit(ctx, d.LeaseID)
	}
	return outcomes
}

// reexecute runs a deferred statement again and commits it.
func (s *executionService) reexecute(ctx context.Context, logical string, d models.DeferredStatement) (int64, error) {
	tx, err := s.provider.Begin(ctx, logical, "")
	if err != nil {
		return 0, err
	}

	stmtCtx, cancel := s.statementContext(ctx)
	n, err := tx.Exec(stmtCtx, d.Statement)
	cancel()
	if err != nil {
		s.rollback(ctx, tx)
		return 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

// Reject discards a pending batch and marks its combined record
// RejectedByUser with the previewed row count. Nothing is executed.
func (s *executionService) Reject(ctx context.Context, sessionID string, auditID int64) (*models.RejectResult, error) {
	batch, err := s.claim(ctx, sessionID, auditID)
	if err != nil {
		return nil, err
	}
	s.metrics.IncrementCounter("pending_batches_total", "op", "reject")

	s.releaseLeases(ctx, batch.Deferred)

	updated, err := s.audit.UpdateStatus(ctx, batch.Database, batch.AuditID,
		models.AuditStatusRejectedByUser, batch.RowsAffected, "")
	if err != nil {
		s.metrics.IncrementCounter("audit_write_errors_total")
		s.logger.Error("Failed to mark batch rejected", "audit_id", batch.AuditID, "error", err)
	} else if updated {
		s.metrics.IncrementCounter("audit_writes_total", "status", string(models.AuditStatusRejectedByUser))
	}

	s.logger.Info("Pending batch rejected",
		"audit_id", batch.AuditID,
		"session_id", batch.SessionID,
		"rows_affected", batch.RowsAffected,
		"updated", updated)

	return &models.RejectResult{
		AuditID:      batch.AuditID,
		RowsAffected: batch.RowsAffected,
		Updated:      updated,
		Message:      rejectMessage,
	}, nil
}
