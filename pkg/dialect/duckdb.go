package dialect

import (
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2" // registers the "duckdb" driver
)

const motherDuckTokenParam = "motherduck_token"

// DuckDB dialect. The database name is a file path, ":memory:", or a
// MotherDuck database ("md:name" or "motherduck://name"), in which case the
// configured password is passed as the MotherDuck token.
type DuckDB struct{}

// NewDuckDB returns a DuckDB dialect.
func NewDuckDB() *DuckDB {
	return &DuckDB{}
}

func (d *DuckDB) Name() string { return "duckdb" }

func (d *DuckDB) DriverName() string { return "duckdb" }

func (d *DuckDB) DefaultPort() int { return 0 }

func (d *DuckDB) RequiredKeys() []string { return []string{KeyName} }

func (d *DuckDB) DSN(c ConnParams) string {
	name := NormalizeMotherDuck(c.Database)

	params := c.Params
	if IsMotherDuck(name) && c.Password != "" {
		if _, ok := params[motherDuckTokenParam]; !ok {
			params = withDefaults(params, map[string]string{motherDuckTokenParam: c.Password})
		}
	}

	query := encodeParams(params)
	if query == "" {
		return name
	}
	return name + "?" + query
}

func (d *DuckDB) Placeholder(int) string { return "?" }

func (d *DuckDB) StatusPlaceholder(n int) string { return d.Placeholder(n) }

// AuditSchema omits secondary indexes: DuckDB rewrites updates of indexed
// tables as delete plus insert, which conflicts with the primary key.
func (d *DuckDB) AuditSchema() []string {
	return []string{
		`CREATE SEQUENCE IF NOT EXISTS audit_log_seq START 1`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			audit_id BIGINT PRIMARY KEY DEFAULT nextval('audit_log_seq'),
			audit_timestamp TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			executed_by_user VARCHAR(100) NOT NULL,
			query_text TEXT NOT NULL,
			database_name VARCHAR(50) NOT NULL,
			status VARCHAR NOT NULL DEFAULT 'Pending' CHECK (status IN (` + statusList() + `)),
			defect_number VARCHAR(50),
			rows_affected INTEGER DEFAULT 0,
			error_message TEXT
		)`,
	}
}

func (d *DuckDB) InsertReturning() bool { return true }

func (d *DuckDB) BackslashEscapes() bool { return false }

func (d *DuckDB) CategorizeError(err error) string {
	return categorizeByMessage(err)
}

// IsMotherDuck reports whether name targets MotherDuck.
func IsMotherDuck(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasPrefix(lower, "md:") || strings.HasPrefix(lower, "motherduck:")
}

// NormalizeMotherDuck rewrites motherduck:// and motherduck: names to the
// md: form understood by DuckDB. Other names are returned unchanged.
func NormalizeMotherDuck(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasPrefix(lower, "motherduck://"):
		return "md:" + name[len("motherduck://"):]
	case strings.HasPrefix(lower, "motherduck:"):
		return "md:" + name[len("motherduck:"):]
	}
	return name
}
