// Package config provides configuration structures for the sqlgate CLI.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/TFMV/sqlgate/pkg/dialect"
	"github.com/TFMV/sqlgate/pkg/infrastructure/pool"
	"github.com/TFMV/sqlgate/pkg/repositories/pending"
	"github.com/TFMV/sqlgate/pkg/services"
)

// EnvPrefix is the prefix of every SQLGATE_* environment variable.
const EnvPrefix = "SQLGATE"

// Config represents the CLI configuration.
type Config struct {
	LogLevel        string                    `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Databases       map[string]DatabaseConfig `mapstructure:"databases" yaml:"databases" json:"databases"`
	Execution       ExecutionConfig           `mapstructure:"execution" yaml:"execution" json:"execution"`
	Audit           AuditConfig               `mapstructure:"audit" yaml:"audit" json:"audit"`
	Pending         PendingConfig             `mapstructure:"pending" yaml:"pending" json:"pending"`
	ProtectedTables []string                  `mapstructure:"protected_tables" yaml:"protected_tables" json:"protected_tables"`
	Metrics         MetricsConfig             `mapstructure:"metrics" yaml:"metrics" json:"metrics"`
	CircuitBreaker  CircuitBreakerConfig      `mapstructure:"circuit_breaker" yaml:"circuit_breaker" json:"circuit_breaker"`
}

// DatabaseConfig represents one logical database. Name keeps the display
// casing of the logical name, which map keys lose when read from YAML.
type DatabaseConfig struct {
	Name               string            `mapstructure:"logical_name" yaml:"logical_name,omitempty" json:"logical_name,omitempty"`
	Dialect            string            `mapstructure:"dialect" yaml:"dialect" json:"dialect"`
	Driver             string            `mapstructure:"driver" yaml:"driver,omitempty" json:"driver,omitempty"`
	Host               string            `mapstructure:"host" yaml:"host" json:"host"`
	Port               int               `mapstructure:"port" yaml:"port" json:"port"`
	User               string            `mapstructure:"user" yaml:"user" json:"user"`
	Password           string            `mapstructure:"password" yaml:"-" json:"-"`
	Database           string            `mapstructure:"name" yaml:"name" json:"name"`
	Params             map[string]string `mapstructure:"params" yaml:"params,omitempty" json:"params,omitempty"`
	MaxOpenConnections int               `mapstructure:"max_open_connections" yaml:"max_open_connections" json:"max_open_connections"`
	MaxIdleConnections int               `mapstructure:"max_idle_connections" yaml:"max_idle_connections" json:"max_idle_connections"`
	ConnMaxLifetime    time.Duration     `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnectTimeout     time.Duration     `mapstructure:"connect_timeout" yaml:"connect_timeout" json:"connect_timeout"`
}

// ExecutionConfig represents batch execution settings.
type ExecutionConfig struct {
	ConfirmationThreshold int64         `mapstructure:"confirmation_threshold" yaml:"confirmation_threshold" json:"confirmation_threshold"`
	RowLimit              int           `mapstructure:"row_limit" yaml:"row_limit" json:"row_limit"`
	ConfirmMode           string        `mapstructure:"confirm_mode" yaml:"confirm_mode" json:"confirm_mode"`
	LeaseTimeout          time.Duration `mapstructure:"lease_timeout" yaml:"lease_timeout" json:"lease_timeout"`
	LeaseCleanupInterval  time.Duration `mapstructure:"lease_cleanup_interval" yaml:"lease_cleanup_interval" json:"lease_cleanup_interval"`
	StatementTimeout      time.Duration `mapstructure:"statement_timeout" yaml:"statement_timeout" json:"statement_timeout"`
}

// AuditConfig represents audit log settings.
type AuditConfig struct {
	Database          string `mapstructure:"database" yaml:"database" json:"database"`
	FallbackDatabase  string `mapstructure:"fallback_database" yaml:"fallback_database" json:"fallback_database"`
	ErrorMessageLimit int    `mapstructure:"error_message_limit" yaml:"error_message_limit" json:"error_message_limit"`
}

// PendingConfig represents pending batch store settings.
type PendingConfig struct {
	Backend    string        `mapstructure:"backend" yaml:"backend" json:"backend"`
	RedisURL   string        `mapstructure:"redis_url" yaml:"redis_url" json:"redis_url"`
	TTL        time.Duration `mapstructure:"ttl" yaml:"ttl" json:"ttl"`
	MaxEntries int           `mapstructure:"max_entries" yaml:"max_entries" json:"max_entries"`
	// Database is the logical database whose pending_batch table the sql
	// backend uses. It defaults to the audit database.
	Database string `mapstructure:"database" yaml:"database" json:"database"`
}

// MetricsConfig represents metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Address string `mapstructure:"address" yaml:"address" json:"address"`
	Path    string `mapstructure:"path" yaml:"path" json:"path"`
}

// CircuitBreakerConfig represents the per-database connect circuit breaker.
type CircuitBreakerConfig struct {
	Enabled   bool          `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Threshold int           `mapstructure:"threshold" yaml:"threshold" json:"threshold"`
	Timeout   time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
}

// DefaultDatabases are the logical databases used when none are configured.
var DefaultDatabases = []string{"BackOffice", "Portal"}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Execution: ExecutionConfig{
			ConfirmationThreshold: services.DefaultConfirmationThreshold,
			RowLimit:              services.DefaultRowLimit,
			ConfirmMode:           string(services.ConfirmModeReexecute),
			LeaseTimeout:          2 * time.Minute,
			LeaseCleanupInterval:  15 * time.Second,
		},
		Audit: AuditConfig{
			ErrorMessageLimit: 500,
		},
		Pending: PendingConfig{
			Backend: pending.BackendSQL,
			TTL:     24 * time.Hour,
		},
		ProtectedTables: []string{"users", "audit_log", "pending_batch"},
		Metrics: MetricsConfig{
			Address: ":9090",
			Path:    "/metrics",
		},
		CircuitBreaker: CircuitBreakerConfig{
			Threshold: 5,
			Timeout:   30 * time.Second,
		},
	}
}

// Load reads configuration from v, then overlays the per-database
// <PREFIX>_DB_* keys found through lookup.
func Load(v *viper.Viper, lookup func(string) (string, bool)) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}

	if len(cfg.Databases) == 0 {
		cfg.Databases = make(map[string]DatabaseConfig, len(DefaultDatabases))
		for _, name := range DefaultDatabases {
			cfg.Databases[name] = DatabaseConfig{Name: name}
		}
	}

	if lookup != nil {
		cfg.ApplyEnv(lookup)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadEnvFile loads a dotenv file into the process environment. A missing
// file is not an error; existing variables are not overwritten.
func LoadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load env file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays <PREFIX>_DB_HOST, _PORT, _USER, _PASSWORD, _NAME and
// _DIALECT onto every configured database. Environment values win.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	for key, db := range c.Databases {
		name := db.Name
		if name == "" {
			name = displayName(key)
		}
		prefix := pool.EnvPrefix(name) + "_DB_"

		if v, ok := lookup(prefix + "HOST"); ok && v != "" {
			db.Host = v
		}
		if v, ok := lookup(prefix + "PORT"); ok && v != "" {
			if port, err := strconv.Atoi(v); err == nil {
				db.Port = port
			}
		}
		if v, ok := lookup(prefix + "USER"); ok && v != "" {
			db.User = v
		}
		if v, ok := lookup(prefix + "PASSWORD"); ok && v != "" {
			db.Password = v
		}
		if v, ok := lookup(prefix + "NAME"); ok && v != "" {
			db.Database = v
		}
		if v, ok := lookup(prefix + "DIALECT"); ok && v != "" {
			db.Dialect = v
		}
		c.Databases[key] = db
	}
}

// displayName restores the casing of a default logical name from a
// lower-cased map key.
func displayName(key string) string {
	for _, name := range DefaultDatabases {
		if strings.EqualFold(name, key) {
			return name
		}
	}
	return key
}

// Validate validates the configuration and fills defaults.
func (c *Config) Validate() error {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if len(c.Databases) == 0 {
		return fmt.Errorf("at least one database is required")
	}
	for key, db := range c.Databases {
		if db.Name == "" {
			db.Name = displayName(key)
		}
		d, err := dialect.FromName(db.Dialect, db.Driver)
		if err != nil {
			return fmt.Errorf("database %s: %w", db.Name, err)
		}
		db.Dialect = d.Name()
		if db.Host == "" && d.DefaultPort() != 0 {
			db.Host = "localhost"
		}
		c.Databases[key] = db
	}

	if c.Execution.ConfirmationThreshold < 1 {
		return fmt.Errorf("execution.confirmation_threshold must be at least 1")
	}
	if c.Execution.RowLimit <= 0 {
		c.Execution.RowLimit = services.DefaultRowLimit
	}
	switch services.ConfirmMode(c.Execution.ConfirmMode) {
	case services.ConfirmModeReexecute:
	case services.ConfirmModeLease:
		if c.Execution.LeaseTimeout <= 0 {
			return fmt.Errorf("execution.lease_timeout is required in lease mode")
		}
		if c.Execution.LeaseCleanupInterval <= 0 {
			c.Execution.LeaseCleanupInterval = 15 * time.Second
		}
	case "":
		c.Execution.ConfirmMode = string(services.ConfirmModeReexecute)
	default:
		return fmt.Errorf("unknown confirm mode: %s", c.Execution.ConfirmMode)
	}
	if c.Execution.StatementTimeout < 0 {
		return fmt.Errorf("execution.statement_timeout must not be negative")
	}

	if c.Audit.ErrorMessageLimit <= 0 {
		c.Audit.ErrorMessageLimit = 500
	}

	switch c.Pending.Backend {
	case "":
		c.Pending.Backend = pending.BackendSQL
		if err := c.defaultPendingDatabase(); err != nil {
			return err
		}
	case pending.BackendSQL:
		if err := c.defaultPendingDatabase(); err != nil {
			return err
		}
	case pending.BackendMemory:
	case pending.BackendRedis:
		if c.Pending.RedisURL == "" {
			return fmt.Errorf("pending.redis_url is required for the redis backend")
		}
	default:
		return fmt.Errorf("unknown pending backend: %s", c.Pending.Backend)
	}
	if c.Pending.TTL <= 0 {
		c.Pending.TTL = 24 * time.Hour
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.CircuitBreaker.Enabled {
		if c.CircuitBreaker.Threshold <= 0 {
			c.CircuitBreaker.Threshold = 5
		}
		if c.CircuitBreaker.Timeout <= 0 {
			c.CircuitBreaker.Timeout = 30 * time.Second
		}
	}

	return nil
}

// defaultPendingDatabase fills Pending.Database from the audit database, then
// BackOffice, then the first configured name.
func (c *Config) defaultPendingDatabase() error {
	names := c.DatabaseNames()
	if c.Pending.Database == "" {
		c.Pending.Database = c.Audit.Database
	}
	if c.Pending.Database == "" {
		c.Pending.Database = names[0]
		for _, n := range names {
			if strings.EqualFold(n, "BackOffice") {
				c.Pending.Database = n
			}
		}
	}
	for _, n := range names {
		if strings.EqualFold(n, c.Pending.Database) {
			return nil
		}
	}
	return fmt.Errorf("pending.database %q is not a configured database", c.Pending.Database)
}

// DatabaseNames returns the display names of the configured databases, sorted.
func (c *Config) DatabaseNames() []string {
	names := make([]string, 0, len(c.Databases))
	for _, db := range c.Databases {
		names = append(names, db.Name)
	}
	sort.Strings(names)
	return names
}

// PoolConfig converts the database settings to a connection provider config.
func (c *Config) PoolConfig() pool.Config {
	cfg := pool.Config{
		EnableCircuitBreaker:    c.CircuitBreaker.Enabled,
		CircuitBreakerThreshold: c.CircuitBreaker.Threshold,
		CircuitBreakerTimeout:   c.CircuitBreaker.Timeout,
	}
	dbs := make([]DatabaseConfig, 0, len(c.Databases))
	for _, db := range c.Databases {
		dbs = append(dbs, db)
	}
	sort.Slice(dbs, func(i, j int) bool { return dbs[i].Name < dbs[j].Name })

	for _, db := range dbs {
		cfg.Databases = append(cfg.Databases, pool.DatabaseConfig{
			Name:               db.Name,
			Dialect:            db.Dialect,
			Driver:             db.Driver,
			Host:               db.Host,
			Port:               db.Port,
			User:               db.User,
			Password:           db.Password,
			Database:           db.Database,
			Params:             db.Params,
			MaxOpenConnections: db.MaxOpenConnections,
			MaxIdleConnections: db.MaxIdleConnections,
			ConnMaxLifetime:    db.ConnMaxLifetime,
			ConnectTimeout:     db.ConnectTimeout,
		})
	}
	return cfg
}
