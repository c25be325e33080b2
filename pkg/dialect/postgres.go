package dialect

import (
	stderrors "errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/lib/pq"

	"github.com/TFMV/sqlgate/pkg/errors"
)

// Postgres driver names.
const (
	DriverPgx = "pgx"
	DriverPq  = "postgres"
)

// PostgreSQL dialect. The pgx stdlib driver is the default; lib/pq can be
// selected with driver "postgres" or "pq".
type PostgreSQL struct {
	driver string
}

// NewPostgreSQL returns a PostgreSQL dialect bound to the given driver.
func NewPostgreSQL(driver string) (*PostgreSQL, error) {
	switch driver {
	case "", DriverPgx:
		return &PostgreSQL{driver: DriverPgx}, nil
	case DriverPq, "pq", "lib/pq":
		return &PostgreSQL{driver: DriverPq}, nil
	default:
		return nil, fmt.Errorf("unsupported postgres driver: %s", driver)
	}
}

func (p *PostgreSQL) Name() string { return "postgresql" }

func (p *PostgreSQL) DriverName() string { return p.driver }

func (p *PostgreSQL) DefaultPort() int { return 5432 }

func (p *PostgreSQL) RequiredKeys() []string {
	return []string{KeyHost, KeyUser, KeyPassword, KeyName}
}

// DSN returns a postgres:// URL, understood by both pgx and lib/pq.
func (p *PostgreSQL) DSN(c ConnParams) string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   c.Address(),
		Path:   "/" + c.Database,
	}

	q := url.Values{}
	for k, v := range c.Params {
		q.Set(k, v)
	}
	if c.ConnectTimeout > 0 && q.Get("connect_timeout") == "" {
		secs := int(c.ConnectTimeout.Seconds())
		if secs < 1 {
			secs = 1
		}
		q.Set("connect_timeout", strconv.Itoa(secs))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (p *PostgreSQL) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (p *PostgreSQL) StatusPlaceholder(n int) string {
	return p.Placeholder(n) + "::audit_status"
}

func (p *PostgreSQL) AuditSchema() []string {
	return []string{
		`DO $$ BEGIN
			CREATE TYPE audit_status AS ENUM (` + statusList() + `);
		EXCEPTION
			WHEN duplicate_object THEN null;
		END $$`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id SERIAL PRIMARY KEY,
			audit_timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			executed_by_user VARCHAR(100) NOT NULL,
			query_text TEXT NOT NULL,
			database_name VARCHAR(50) NOT NULL,
			status audit_status NOT NULL DEFAULT 'Pending',
			defect_number VARCHAR(50),
			rows_affected INTEGER DEFAULT 0,
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_user ON audit_log (executed_by_user)`,
		`CREATE INDEX IF NOT EXISTS idx_timestamp ON audit_log (audit_timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_status ON audit_log (status)`,
	}
}

func (p *PostgreSQL) InsertReturning() bool { return true }

func (p *PostgreSQL) BackslashEscapes() bool { return false }

// CategorizeError inspects the SQLSTATE reported by either driver.
func (p *PostgreSQL) CategorizeError(err error) string {
	var code string

	var pgErr *pgconn.PgError
	var pqErr *pq.Error
	switch {
	case stderrors.As(err, &pgErr):
		code = pgErr.Code
	case stderrors.As(err, &pqErr):
		code = string(pqErr.Code)
	}

	switch code {
	case "28P01", "28000":
		return errors.CategoryAuth
	case "3D000":
		return errors.CategoryDatabase
	case "":
		return categorizeByMessage(err)
	}
	return errors.CategoryUnknown
}
