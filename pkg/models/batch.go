package models

import "time"

// CommittedStatement is a write statement that committed immediately.
type CommittedStatement struct {
	Index        int           `json:"index" yaml:"index"`
	Statement    string        `json:"statement" yaml:"statement"`
	Type         StatementType `json:"type" yaml:"type"`
	RowsAffected int64         `json:"rows_affected" yaml:"rows_affected"`
	AuditID      int64         `json:"audit_id,omitempty" yaml:"audit_id,omitempty"`
}

// FailedStatement is a write statement whose execution raised an error.
type FailedStatement struct {
	Index        int           `json:"index" yaml:"index"`
	Statement    string        `json:"statement" yaml:"statement"`
	Type         StatementType `json:"type" yaml:"type"`
	Error        string        `json:"error" yaml:"error"`
	RowsAffected int64         `json:"rows_affected" yaml:"rows_affected"`
	AuditID      int64         `json:"audit_id,omitempty" yaml:"audit_id,omitempty"`
}

// DeferredStatement is a write statement whose previewed row count reached
// the confirmation threshold.
type DeferredStatement struct {
	Index        int           `json:"index" yaml:"index"`
	Statement    string        `json:"statement" yaml:"statement"`
	Type         StatementType `json:"type" yaml:"type"`
	RowsAffected int64         `json:"rows_affected" yaml:"rows_affected"`
	Threshold    int64         `json:"threshold" yaml:"threshold"`
	// Database is the physical database the preview ran against.
	Database string `json:"database,omitempty" yaml:"database,omitempty"`
	// LeaseID names a held-open transaction, empty when the preview was rolled back.
	LeaseID string `json:"lease_id,omitempty" yaml:"lease_id,omitempty"`
}

// PendingBatch is a batch waiting for a confirm or reject decision.
type PendingBatch struct {
	ID           string               `json:"id"`
	SessionID    string               `json:"session_id"`
	AuditID      int64                `json:"audit_id"`
	Database     string               `json:"database"`
	DefectNumber string               `json:"defect_number"`
	User         string               `json:"user"`
	QueryType    StatementType        `json:"query_type"`
	RowsAffected int64                `json:"rows_affected"`
	Deferred     []DeferredStatement  `json:"deferred_statements"`
	Committed    []CommittedStatement `json:"committed_statements"`
	Failed       []FailedStatement    `json:"failed_statements"`
	CreatedAt    time.Time            `json:"created_at"`
}

// HasLeases reports whether any deferred statement holds an open transaction.
func (b *PendingBatch) HasLeases() bool {
	for _, d := range b.Deferred {
		if d.LeaseID != "" {
			return true
		}
	}
	return false
}
