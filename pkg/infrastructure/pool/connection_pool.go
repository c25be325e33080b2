// Package pool resolves logical database names to pooled database/sql
// handles, one pool per (logical database, physical database) pair.
package pool

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/TFMV/sqlgate/pkg/dialect"
	pkgerrors "github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/infrastructure/metrics"
	"github.com/TFMV/sqlgate/pkg/repositories"
	"github.com/TFMV/sqlgate/pkg/repositories/sqltx"
)

// DatabaseConfig describes one logical database.
type DatabaseConfig struct {
	Name               string            `json:"name"`
	Dialect            string            `json:"dialect"`
	Driver             string            `json:"driver"`
	Host               string            `json:"host"`
	Port               int               `json:"port"`
	User               string            `json:"user"`
	Password           string            `json:"-"`
	Database           string            `json:"database"`
	Params             map[string]string `json:"params"`
	MaxOpenConnections int               `json:"max_open_connections"`
	MaxIdleConnections int               `json:"max_idle_connections"`
	ConnMaxLifetime    time.Duration     `json:"conn_max_lifetime"`
	ConnMaxIdleTime    time.Duration     `json:"conn_max_idle_time"`
	ConnectTimeout     time.Duration     `json:"connect_timeout"`
}

// Config represents provider configuration.
type Config struct {
	Databases []DatabaseConfig `json:"databases"`

	EnableCircuitBreaker    bool          `json:"enable_circuit_breaker"`
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold"`
	CircuitBreakerTimeout   time.Duration `json:"circuit_breaker_timeout"`
}

// EnvPrefix returns the environment key prefix of a logical database, e.g.
// "BACKOFFICE" for "BackOffice".
func EnvPrefix(logical string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(logical) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

type poolKey struct {
	logical  string
	database string
}

type logicalDB struct {
	cfg     DatabaseConfig
	dialect dialect.Dialect
	breaker *CircuitBreaker
}

// Provider implements repositories.ConnectionProvider.
type Provider struct {
	databases map[string]*logicalDB
	logger    zerolog.Logger
	metrics   metrics.Collector

	mu     sync.Mutex
	pools  map[poolKey]*sql.DB
	closed atomic.Bool
}

var _ repositories.ConnectionProvider = (*Provider)(nil)

// New creates a provider. Dialects are resolved eagerly; credentials are only
// checked when a database is first used.
func New(cfg Config, logger zerolog.Logger, collector metrics.Collector) (*Provider, error) {
	if collector == nil {
		collector = metrics.NewNoOpCollector()
	}
	if cfg.CircuitBreakerThreshold <= 0 {
		cfg.CircuitBreakerThreshold = 5
	}
	if cfg.CircuitBreakerTimeout <= 0 {
		cfg.CircuitBreakerTimeout = 60 * time.Second
	}

	p := &Provider{
		databases: make(map[string]*logicalDB, len(cfg.Databases)),
		logger:    logger,
		metrics:   collector,
		pools:     make(map[poolKey]*sql.DB),
	}

	for _, dbCfg := range cfg.Databases {
		if dbCfg.Name == "" {
			return nil, fmt.Errorf("database entry without a name")
		}
		d, err := dialect.FromName(dbCfg.Dialect, dbCfg.Driver)
		if err != nil {
			return nil, fmt.Errorf("database %s: %w", dbCfg.Name, err)
		}
		applyDefaults(&dbCfg, d)

		ldb := &logicalDB{cfg: dbCfg, dialect: d}
		if cfg.EnableCircuitBreaker {
			ldb.breaker = NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout)
		}
		p.databases[strings.ToLower(dbCfg.Name)] = ldb

		logger.Debug().
			Str("database", dbCfg.Name).
			Str("dialect", d.Name()).
			Str("driver", d.DriverName()).
			Bool("circuit_breaker", ldb.breaker != nil).
			Msg("Registered logical database")
	}

	return p, nil
}

func applyDefaults(cfg *DatabaseConfig, d dialect.Dialect) {
	if cfg.Port == 0 {
		cfg.Port = d.DefaultPort()
	}
	if cfg.MaxOpenConnections <= 0 {
		cfg.MaxOpenConnections = 10
	}
	if cfg.MaxIdleConnections <= 0 {
		cfg.MaxIdleConnections = 2
	}
	if cfg.ConnMaxLifetime <= 0 {
		cfg.ConnMaxLifetime = 30 * time.Minute
	}
	if cfg.ConnMaxIdleTime <= 0 {
		cfg.ConnMaxIdleTime = 5 * time.Minute
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
}

// Databases returns the configured logical names, sorted.
func (p *Provider) Databases() []string {
	names := make([]string, 0, len(p.databases))
	for _, ldb := range p.databases {
		names = append(names, ldb.cfg.Name)
	}
	sort.Strings(names)
	return names
}

func (p *Provider) lookup(logical string) (*logicalDB, error) {
	ldb, ok := p.databases[strings.ToLower(logical)]
	if !ok {
		return nil, pkgerrors.ErrUnknownDatabase.Clone().
			WithDetails(map[string]interface{}{"database": logical, "configured": p.Databases()})
	}
	return ldb, nil
}

// Resolve returns the canonical logical name and its configured database.
func (p *Provider) Resolve(logical string) (string, string, error) {
	ldb, err := p.lookup(logical)
	if err != nil {
		return "", "", err
	}
	return ldb.cfg.Name, ldb.cfg.Database, nil
}

// Dialect returns the dialect of a logical database.
func (p *Provider) Dialect(logical string) (dialect.Dialect, error) {
	ldb, err := p.lookup(logical)
	if err != nil {
		return nil, err
	}
	return ldb.dialect, nil
}

// missingKeys lists the environment keys of required settings that are empty.
func (l *logicalDB) missingKeys() []string {
	values := map[string]string{
		dialect.KeyHost:     l.cfg.Host,
		dialect.KeyUser:     l.cfg.User,
		dialect.KeyPassword: l.cfg.Password,
		dialect.KeyName:     l.cfg.Database,
	}

	prefix := EnvPrefix(l.cfg.Name)
	var missing []string
	for _, key := range l.dialect.RequiredKeys() {
		if strings.TrimSpace(values[key]) == "" {
			missing = append(missing, prefix+"_DB_"+key)
		}
	}
	return missing
}

func (l *logicalDB) params(database string) dialect.ConnParams {
	return dialect.ConnParams{
		Host:           l.cfg.Host,
		Port:           l.cfg.Port,
		User:           l.cfg.User,
		Password:       l.cfg.Password,
		Database:       database,
		Params:         l.cfg.Params,
		ConnectTimeout: l.cfg.ConnectTimeout,
	}
}

// Connect returns the pooled handle for logical/database, opening and
// pinging it on first use. Statements issued on the handle auto-commit.
func (p *Provider) Connect(ctx context.Context, logical, database string) (*sql.DB, error) {
	if p.closed.Load() {
		return nil, pkgerrors.New(pkgerrors.CodeUnavailable, "connection provider is closed")
	}

	ldb, err := p.lookup(logical)
	if err != nil {
		return nil, err
	}

	if missing := ldb.missingKeys(); len(missing) > 0 {
		return nil, pkgerrors.Config(fmt.Sprintf(
			"%s database configuration is incomplete. Missing: %s. Please check your .env file.",
			ldb.cfg.Name, strings.Join(missing, ", "),
		)).WithDetail("missing", missing)
	}

	if database == "" {
		database = ldb.cfg.Database
	}
	key := poolKey{logical: ldb.cfg.Name, database: database}

	p.mu.Lock()
	db, ok := p.pools[key]
	p.mu.Unlock()
	if ok {
		return db, nil
	}

	if ldb.breaker != nil && !ldb.breaker.CanExecute() {
		return nil, pkgerrors.Connection(nil, pkgerrors.CategoryUnreachable, fmt.Sprintf(
			"Connections to %s database are suspended after repeated failures. Retry later.", ldb.cfg.Name,
		)).WithDetail("circuit_breaker", ldb.breaker.GetState().String())
	}

	db, err = p.open(ctx, ldb, database)
	if err != nil {
		if ldb.breaker != nil {
			ldb.breaker.RecordFailure()
		}
		p.metrics.IncrementCounter("connection_errors_total",
			"database", ldb.cfg.Name, "category", pkgerrors.GetCategory(err))
		return nil, err
	}
	if ldb.breaker != nil {
		ldb.breaker.RecordSuccess()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.pools[key]; ok {
		_ = db.Close()
		return existing, nil
	}
	p.pools[key] = db
	p.metrics.IncrementCounter("connections_opened_total", "database", ldb.cfg.Name)
	return db, nil
}

func (p *Provider) open(ctx context.Context, ldb *logicalDB, database string) (*sql.DB, error) {
	params := ldb.params(database)
	dsn := ldb.dialect.DSN(params)

	p.logger.Info().
		Str("database", ldb.cfg.Name).
		Str("dsn", maskDSN(dsn, ldb.cfg.Password)).
		Int("max_open", ldb.cfg.MaxOpenConnections).
		Int("max_idle", ldb.cfg.MaxIdleConnections).
		Msg("Opening connection pool")

	db, err := sql.Open(ldb.dialect.DriverName(), dsn)
	if err != nil {
		return nil, p.connectionError(ldb, params, err)
	}

	db.SetMaxOpenConns(ldb.cfg.MaxOpenConnections)
	db.SetMaxIdleConns(ldb.cfg.MaxIdleConnections)
	db.SetConnMaxLifetime(ldb.cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(ldb.cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, ldb.cfg.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, p.connectionError(ldb, params, err)
	}
	return db, nil
}

// connectionError translates a driver failure into a categorized ConnectionError.
func (p *Provider) connectionError(ldb *logicalDB, params dialect.ConnParams, cause error) error {
	category := ldb.dialect.CategorizeError(cause)
	name := ldb.cfg.Name

	var msg string
	switch category {
	case pkgerrors.CategoryAuth:
		msg = fmt.Sprintf("Access denied for %s database. Please check the configured user and password.", name)
	case pkgerrors.CategoryDatabase:
		msg = fmt.Sprintf("Database '%s' does not exist for %s.", params.Database, name)
	case pkgerrors.CategoryUnreachable:
		msg = fmt.Sprintf("Cannot connect to %s database server at %s. Please check if the server is running and the host/port are correct.", name, params.Address())
	default:
		msg = fmt.Sprintf("Failed to connect to %s database '%s' at %s: %v", name, params.Database, params.Address(), cause)
	}

	p.logger.Error().
		Err(cause).
		Str("database", name).
		Str("category", category).
		Msg("Connection failed")

	return pkgerrors.Connection(cause, category, msg).WithDetail("database", name)
}

// Begin opens a dedicated transaction with auto-commit disabled.
func (p *Provider) Begin(ctx context.Context, logical, database string) (repositories.Transaction, error) {
	db, err := p.Connect(ctx, logical, database)
	if err != nil {
		return nil, err
	}
	if database == "" {
		_, database, _ = p.Resolve(logical)
	}
	return sqltx.Begin(ctx, db, database)
}

// HealthCheck pings a logical database and runs SELECT 1.
func (p *Provider) HealthCheck(ctx context.Context, logical string) error {
	db, err := p.Connect(ctx, logical, "")
	if err != nil {
		return err
	}

	if err := db.PingContext(ctx); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeConnection, "ping failed")
	}

	var result int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&result); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeConnection, "query test failed")
	}
	if result != 1 {
		return pkgerrors.Newf(pkgerrors.CodeConnection, "query test returned unexpected result: %d", result)
	}
	return nil
}

// Stats returns database/sql pool statistics per open pool, keyed by
// "logical/database".
func (p *Provider) Stats() map[string]sql.DBStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := make(map[string]sql.DBStats, len(p.pools))
	for key, db := range p.pools {
		stats[key.logical+"/"+key.database] = db.Stats()
	}
	return stats
}

// Close closes every pool.
func (p *Provider) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for key, db := range p.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.pools, key)
	}
	p.logger.Info().Msg("Connection provider closed")
	return firstErr
}
