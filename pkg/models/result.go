package models

// ResultData is the payload returned to the caller of an execution.
type ResultData struct {
	QueryType              string               `json:"query_type" yaml:"query_type"`
	RowsAffected           int64                `json:"rows_affected" yaml:"rows_affected"`
	StatementsExecuted     int                  `json:"statements_executed" yaml:"statements_executed"`
	CommittedCount         int                  `json:"committed_count" yaml:"committed_count"`
	FailedCount            int                  `json:"failed_count" yaml:"failed_count"`
	ThresholdExceededCount int                  `json:"threshold_exceeded_count" yaml:"threshold_exceeded_count"`
	Messages               []string             `json:"messages,omitempty" yaml:"messages,omitempty"`
	Committed              []CommittedStatement `json:"committed_statements,omitempty" yaml:"committed_statements,omitempty"`
	Failed                 []FailedStatement    `json:"failed_statements,omitempty" yaml:"failed_statements,omitempty"`
	ThresholdExceeded      []DeferredStatement  `json:"threshold_exceeded_statements,omitempty" yaml:"threshold_exceeded_statements,omitempty"`
	Columns                []string             `json:"columns,omitempty" yaml:"columns,omitempty"`
	Rows                   [][]interface{}      `json:"rows,omitempty" yaml:"rows,omitempty"`
}

// ExecutionResult is the outcome of one Execute call. AuditID is zero when
// no audit record identifies the call.
type ExecutionResult struct {
	Success      bool       `json:"success" yaml:"success"`
	Data         ResultData `json:"data" yaml:"data"`
	ErrorMessage string     `json:"error,omitempty" yaml:"error,omitempty"`
	AuditID      int64      `json:"audit_id,omitempty" yaml:"audit_id,omitempty"`
}

// NeedsConfirmation reports whether deferred statements await a decision.
func (r *ExecutionResult) NeedsConfirmation() bool {
	return r.Success && r.Data.ThresholdExceededCount > 0
}

// ConfirmedStatement is the outcome of one deferred statement on confirm.
type ConfirmedStatement struct {
	Index         int    `json:"index" yaml:"index"`
	Statement     string `json:"statement" yaml:"statement"`
	PreviewedRows int64  `json:"previewed_rows" yaml:"previewed_rows"`
	RowsAffected  int64  `json:"rows_affected" yaml:"rows_affected"`
	AuditID       int64  `json:"audit_id,omitempty" yaml:"audit_id,omitempty"`
	Error         string `json:"error,omitempty" yaml:"error,omitempty"`
	// Leased is true when the held-open preview transaction was committed.
	Leased bool `json:"leased" yaml:"leased"`
}

// ConfirmResult is the outcome of confirming a pending batch.
type ConfirmResult struct {
	AuditID        int64                `json:"audit_id" yaml:"audit_id"`
	CommittedCount int                  `json:"committed_count" yaml:"committed_count"`
	FailedCount    int                  `json:"failed_count" yaml:"failed_count"`
	TotalRows      int64                `json:"total_rows" yaml:"total_rows"`
	Errors         []string             `json:"errors,omitempty" yaml:"errors,omitempty"`
	Messages       []string             `json:"messages,omitempty" yaml:"messages,omitempty"`
	Statements     []ConfirmedStatement `json:"statements" yaml:"statements"`
}

// RejectResult is the outcome of rejecting a pending batch.
type RejectResult struct {
	AuditID      int64  `json:"audit_id" yaml:"audit_id"`
	RowsAffected int64  `json:"rows_affected" yaml:"rows_affected"`
	Updated      bool   `json:"updated" yaml:"updated"`
	Message      string `json:"message" yaml:"message"`
}
