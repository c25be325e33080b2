package models

import (
	"fmt"
	"time"
)

// AuditStatus is the lifecycle state of an audit record.
type AuditStatus string

const (
	AuditStatusPending        AuditStatus = "Pending"
	AuditStatusSuccess        AuditStatus = "Success"
	AuditStatusError          AuditStatus = "Error"
	AuditStatusRejectedByUser AuditStatus = "RejectedByUser"
)

// AuditStatuses lists every status in declaration order.
var AuditStatuses = []AuditStatus{
	AuditStatusPending,
	AuditStatusSuccess,
	AuditStatusError,
	AuditStatusRejectedByUser,
}

// IsTerminal reports whether no further transition is allowed.
func (s AuditStatus) IsTerminal() bool {
	return s == AuditStatusSuccess || s == AuditStatusError || s == AuditStatusRejectedByUser
}

// CanTransitionTo reports whether s -> next is a legal transition.
func (s AuditStatus) CanTransitionTo(next AuditStatus) bool {
	return s == AuditStatusPending && next.IsTerminal()
}

// ParseAuditStatus accepts a stored status label.
func ParseAuditStatus(v string) (AuditStatus, error) {
	for _, s := range AuditStatuses {
		if string(s) == v {
			return s, nil
		}
	}
	return "", fmt.Errorf("unknown audit status %q", v)
}

// AuditRecord is one row of the audit table.
type AuditRecord struct {
	AuditID      int64       `json:"audit_id" yaml:"audit_id"`
	Timestamp    time.Time   `json:"audit_timestamp" yaml:"audit_timestamp"`
	User         string      `json:"executed_by_user" yaml:"executed_by_user"`
	QueryText    string      `json:"query_text" yaml:"query_text"`
	DatabaseName string      `json:"database_name" yaml:"database_name"`
	Status       AuditStatus `json:"status" yaml:"status"`
	DefectNumber string      `json:"defect_number" yaml:"defect_number"`
	RowsAffected int64       `json:"rows_affected" yaml:"rows_affected"`
	ErrorMessage *string     `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

// LogEntry describes records to append. One record is written per statement.
type LogEntry struct {
	User         string
	Statements   []string
	Database     string
	DefectNumber string
	Status       AuditStatus
	RowsAffected int64
	ErrorMessage string
}

// AuditFilter narrows an audit listing. Zero values match everything.
type AuditFilter struct {
	User         string
	Status       AuditStatus
	DefectNumber string
	Limit        int
}
