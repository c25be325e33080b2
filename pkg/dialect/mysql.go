package dialect

import (
	stderrors "errors"

	"github.com/go-sql-driver/mysql"

	"github.com/TFMV/sqlgate/pkg/errors"
)

// MySQL dialect, also used for MariaDB.
type MySQL struct{}

// NewMySQL returns a MySQL dialect.
func NewMySQL() *MySQL {
	return &MySQL{}
}

func (m *MySQL) Name() string { return "mysql" }

func (m *MySQL) DriverName() string { return "mysql" }

func (m *MySQL) DefaultPort() int { return 3306 }

func (m *MySQL) RequiredKeys() []string {
	return []string{KeyHost, KeyUser, KeyPassword, KeyName}
}

// DSN builds a user:pass@tcp(host:port)/db DSN with parseTime enabled so
// audit timestamps scan into time.Time.
func (m *MySQL) DSN(c ConnParams) string {
	cfg := mysql.NewConfig()
	cfg.User = c.User
	cfg.Passwd = c.Password
	cfg.Net = "tcp"
	cfg.Addr = c.Address()
	cfg.DBName = c.Database
	cfg.ParseTime = true
	cfg.Timeout = c.ConnectTimeout
	if len(c.Params) > 0 {
		cfg.Params = make(map[string]string, len(c.Params))
		for k, v := range c.Params {
			cfg.Params[k] = v
		}
	}
	return cfg.FormatDSN()
}

func (m *MySQL) Placeholder(int) string { return "?" }

func (m *MySQL) StatusPlaceholder(n int) string { return m.Placeholder(n) }

// AuditSchema declares indexes inline; MySQL has no CREATE INDEX IF NOT EXISTS.
func (m *MySQL) AuditSchema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id INT AUTO_INCREMENT PRIMARY KEY,
			audit_timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			executed_by_user VARCHAR(100) NOT NULL,
			query_text TEXT NOT NULL,
			database_name VARCHAR(50) NOT NULL,
			status ENUM(` + statusList() + `) NOT NULL DEFAULT 'Pending',
			defect_number VARCHAR(50),
			rows_affected INT DEFAULT 0,
			error_message TEXT,
			INDEX idx_user (executed_by_user),
			INDEX idx_timestamp (audit_timestamp),
			INDEX idx_status (status)
		)`,
	}
}

func (m *MySQL) InsertReturning() bool { return false }

// BackslashEscapes is true under the default sql_mode.
func (m *MySQL) BackslashEscapes() bool { return true }

func (m *MySQL) CategorizeError(err error) string {
	var myErr *mysql.MySQLError
	if stderrors.As(err, &myErr) {
		switch myErr.Number {
		case 1045, 1044:
			return errors.CategoryAuth
		case 1049:
			return errors.CategoryDatabase
		}
		return errors.CategoryUnknown
	}
	return categorizeByMessage(err)
}
