// Package dialect isolates the engine-specific parts of sqlgate: driver
// names, DSN formats, audit table DDL and connection error categories.
package dialect

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/TFMV/sqlgate/pkg/models"
)

// ConnParams are the resolved connection settings of one logical database.
type ConnParams struct {
	Host           string
	Port           int
	User           string
	Password       string
	Database       string
	Params         map[string]string
	ConnectTimeout time.Duration
}

// Address returns host:port.
func (p ConnParams) Address() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// Connection setting keys, as suffixes of the <PREFIX>_DB_ environment keys.
const (
	KeyHost     = "HOST"
	KeyPort     = "PORT"
	KeyUser     = "USER"
	KeyPassword = "PASSWORD"
	KeyName     = "NAME"
)

// Dialect represents a SQL engine sqlgate can execute against.
type Dialect interface {
	// Name returns the canonical dialect name.
	Name() string

	// DriverName returns the database/sql driver name.
	DriverName() string

	// DefaultPort returns the port used when none is configured, or 0 for
	// file-based engines.
	DefaultPort() int

	// RequiredKeys lists the connection settings that must be present.
	RequiredKeys() []string

	// DSN builds the driver-native data source name.
	DSN(p ConnParams) string

	// Placeholder returns the bind parameter marker for the n-th (1-based) argument.
	Placeholder(n int) string

	// StatusPlaceholder is Placeholder for a value bound to the status column.
	StatusPlaceholder(n int) string

	// AuditSchema returns idempotent statements creating the audit table.
	AuditSchema() []string

	// InsertReturning reports whether INSERT ... RETURNING yields new ids.
	InsertReturning() bool

	// BackslashEscapes reports whether a backslash escapes the next character
	// inside quoted string literals.
	BackslashEscapes() bool

	// CategorizeError maps a connect or ping failure onto a category constant
	// from pkg/errors.
	CategorizeError(err error) string
}

// FromName returns the dialect by name. driver selects between alternative
// drivers of the same engine and may be empty.
func FromName(name, driver string) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgresql", "postgres", "pg", "":
		return NewPostgreSQL(driver)
	case "mysql", "mariadb":
		return NewMySQL(), nil
	case "sqlite", "sqlite3":
		return NewSQLite(), nil
	case "duckdb", "motherduck":
		return NewDuckDB(), nil
	default:
		return nil, fmt.Errorf("unknown dialect: %s", name)
	}
}

// statusList renders the status labels as a quoted SQL list.
func statusList() string {
	quoted := make([]string, len(models.AuditStatuses))
	for i, s := range models.AuditStatuses {
		quoted[i] = "'" + string(s) + "'"
	}
	return strings.Join(quoted, ", ")
}

// encodeParams renders params as a sorted query string. Values are used
// verbatim so pragma expressions such as busy_timeout(5000) survive.
func encodeParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+params[k])
	}
	return strings.Join(parts, "&")
}

func withDefaults(params map[string]string, defaults map[string]string) map[string]string {
	merged := make(map[string]string, len(params)+len(defaults))
	for k, v := range defaults {
		merged[k] = v
	}
	for k, v := range params {
		merged[k] = v
	}
	return merged
}
