package audit

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/TFMV/sqlgate/pkg/models"
)

const selectColumns = `audit_id, audit_timestamp, executed_by_user, query_text, database_name,
	status, defect_number, rows_affected, error_message`

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
}

// flexibleTime accepts the timestamp representations of every supported
// driver: time.Time, or text in one of timestampLayouts.
type flexibleTime struct {
	time.Time
}

func (f *flexibleTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		f.Time = time.Time{}
		return nil
	case time.Time:
		f.Time = v
		return nil
	case []byte:
		return f.parse(string(v))
	case string:
		return f.parse(v)
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (f *flexibleTime) parse(s string) error {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			f.Time = t
			return nil
		}
	}
	return fmt.Errorf("parse timestamp %q", s)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (models.AuditRecord, error) {
	var (
		rec     models.AuditRecord
		ts      flexibleTime
		status  string
		defect  sql.NullString
		rows    sql.NullInt64
		message sql.NullString
	)

	if err := row.Scan(&rec.AuditID, &ts, &rec.User, &rec.QueryText, &rec.DatabaseName,
		&status, &defect, &rows, &message); err != nil {
		return models.AuditRecord{}, err
	}

	parsed, err := models.ParseAuditStatus(status)
	if err != nil {
		return models.AuditRecord{}, err
	}

	rec.Timestamp = ts.Time
	rec.Status = parsed
	rec.DefectNumber = defect.String
	rec.RowsAffected = rows.Int64
	if message.Valid {
		msg := message.String
		rec.ErrorMessage = &msg
	}
	return rec, nil
}

func scanRecords(rows *sql.Rows) ([]models.AuditRecord, error) {
	var records []models.AuditRecord

	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, rec)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return records, nil
}
