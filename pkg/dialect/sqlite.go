package dialect

import (
	"strings"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// SQLite dialect backed by the pure-Go modernc driver. The database name is
// a file path.
type SQLite struct{}

// NewSQLite returns a SQLite dialect.
func NewSQLite() *SQLite {
	return &SQLite{}
}

var sqliteDefaultParams = map[string]string{
	"_pragma": "busy_timeout(5000)",
}

func (s *SQLite) Name() string { return "sqlite" }

func (s *SQLite) DriverName() string { return "sqlite" }

func (s *SQLite) DefaultPort() int { return 0 }

func (s *SQLite) RequiredKeys() []string { return []string{KeyName} }

// DSN returns a file: URI carrying the busy timeout pragma. Foreign keys are
// enabled unless params override the pragma list.
func (s *SQLite) DSN(c ConnParams) string {
	path := c.Database
	if !strings.HasPrefix(path, "file:") {
		path = "file:" + path
	}

	query := encodeParams(withDefaults(c.Params, sqliteDefaultParams))
	if _, ok := c.Params["_pragma"]; !ok {
		query += "&_pragma=foreign_keys(1)"
	}

	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + query
}

func (s *SQLite) Placeholder(int) string { return "?" }

func (s *SQLite) StatusPlaceholder(n int) string { return s.Placeholder(n) }

func (s *SQLite) AuditSchema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
			audit_timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
			executed_by_user VARCHAR(100) NOT NULL,
			query_text TEXT NOT NULL,
			database_name VARCHAR(50) NOT NULL,
			status TEXT NOT NULL DEFAULT 'Pending' CHECK(status IN (` + statusList() + `)),
			defect_number VARCHAR(50),
			rows_affected INTEGER DEFAULT 0,
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user ON audit_log (executed_by_user)`,
		`CREATE INDEX IF NOT EXISTS idx_timestamp ON audit_log (audit_timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_status ON audit_log (status)`,
	}
}

func (s *SQLite) InsertReturning() bool { return true }

func (s *SQLite) BackslashEscapes() bool { return false }

func (s *SQLite) CategorizeError(err error) string {
	return categorizeByMessage(err)
}
