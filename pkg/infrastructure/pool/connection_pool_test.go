package pool

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/TFMV/sqlgate/pkg/errors"
)

func sqliteConfig(t *testing.T, name string) DatabaseConfig {
	t.Helper()
	return DatabaseConfig{
		Name:     name,
		Dialect:  "sqlite",
		Database: filepath.Join(t.TempDir(), "app.db"),
	}
}

func newTestProvider(t *testing.T, cfg Config) *Provider {
	t.Helper()
	p, err := New(cfg, zerolog.New(zerolog.NewTestWriter(t)), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNew(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))

	tests := []struct {
		name        string
		config      Config
		wantErr     bool
		errContains string
	}{
		{
			name:   "empty config",
			config: Config{},
		},
		{
			name: "sqlite and postgres",
			config: Config{Databases: []DatabaseConfig{
				sqliteConfig(t, "Local"),
				{Name: "Portal", Dialect: "postgresql", Host: "localhost"},
			}},
		},
		{
			name: "unknown dialect",
			config: Config{Databases: []DatabaseConfig{
				{Name: "Legacy", Dialect: "oracle"},
			}},
			wantErr:     true,
			errContains: "Legacy",
		},
		{
			name: "missing name",
			config: Config{Databases: []DatabaseConfig{
				{Dialect: "sqlite"},
			}},
			wantErr:     true,
			errContains: "without a name",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := New(tt.config, logger, nil)
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errContains)
				return
			}
			require.NoError(t, err)
			require.NotNil(t, p)
			require.NoError(t, p.Close())
		})
	}
}

func TestProvider_Resolve(t *testing.T) {
	local := sqliteConfig(t, "BackOffice")
	p := newTestProvider(t, Config{Databases: []DatabaseConfig{local}})

	name, database, err := p.Resolve("backoffice")
	require.NoError(t, err)
	assert.Equal(t, "BackOffice", name)
	assert.Equal(t, local.Database, database)

	d, err := p.Dialect("BACKOFFICE")
	require.NoError(t, err)
	assert.Equal(t, "sqlite", d.Name())

	_, _, err = p.Resolve("Missing")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsConfig(err))

	assert.Equal(t, []string{"BackOffice"}, p.Databases())
}

func TestProvider_Connect(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t, Config{Databases: []DatabaseConfig{sqliteConfig(t, "Local")}})

	t.Run("opens and caches", func(t *testing.T) {
		db, err := p.Connect(ctx, "Local", "")
		require.NoError(t, err)

		var one int
		require.NoError(t, db.QueryRowContext(ctx, "SELECT 1").Scan(&one))
		assert.Equal(t, 1, one)

		again, err := p.Connect(ctx, "local", "")
		require.NoError(t, err)
		assert.Same(t, db, again)
		assert.Len(t, p.Stats(), 1)
	})

	t.Run("database override opens a second pool", func(t *testing.T) {
		other := filepath.Join(t.TempDir(), "other.db")
		db, err := p.Connect(ctx, "Local", other)
		require.NoError(t, err)
		require.NotNil(t, db)
		assert.Len(t, p.Stats(), 2)
	})

	t.Run("unknown database", func(t *testing.T) {
		_, err := p.Connect(ctx, "Nope", "")
		require.Error(t, err)
		assert.True(t, pkgerrors.IsConfig(err))
	})
}

func TestProvider_ConnectMissingConfiguration(t *testing.T) {
	p := newTestProvider(t, Config{Databases: []DatabaseConfig{
		{Name: "Portal", Dialect: "mysql", Host: "db.internal", User: "svc"},
	}})

	_, err := p.Connect(context.Background(), "Portal", "")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsConfig(err))
	assert.Equal(t,
		"Portal database configuration is incomplete. Missing: PORTAL_DB_PASSWORD, PORTAL_DB_NAME. Please check your .env file.",
		pkgerrors.GetMessage(err),
	)
}

func TestProvider_ConnectFailureCategory(t *testing.T) {
	cfg := DatabaseConfig{
		Name:     "Local",
		Dialect:  "sqlite",
		Database: filepath.Join(t.TempDir(), "missing", "dir", "app.db"),
	}
	p := newTestProvider(t, Config{Databases: []DatabaseConfig{cfg}})

	_, err := p.Connect(context.Background(), "Local", "")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsConnection(err))
	assert.Equal(t, pkgerrors.CategoryDatabase, pkgerrors.GetCategory(err))
	assert.Contains(t, pkgerrors.GetMessage(err), "does not exist for Local")
	assert.Empty(t, p.Stats())
}

func TestProvider_CircuitBreaker(t *testing.T) {
	cfg := DatabaseConfig{
		Name:     "Local",
		Dialect:  "sqlite",
		Database: filepath.Join(t.TempDir(), "missing", "app.db"),
	}
	p := newTestProvider(t, Config{
		Databases:               []DatabaseConfig{cfg},
		EnableCircuitBreaker:    true,
		CircuitBreakerThreshold: 2,
		CircuitBreakerTimeout:   time.Hour,
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := p.Connect(ctx, "Local", "")
		require.Error(t, err)
		assert.Equal(t, pkgerrors.CategoryDatabase, pkgerrors.GetCategory(err))
	}

	_, err := p.Connect(ctx, "Local", "")
	require.Error(t, err)
	assert.True(t, pkgerrors.IsConnection(err))
	assert.Contains(t, pkgerrors.GetMessage(err), "suspended")
}

func TestProvider_Begin(t *testing.T) {
	ctx := context.Background()
	p := newTestProvider(t, Config{Databases: []DatabaseConfig{sqliteConfig(t, "Local")}})

	db, err := p.Connect(ctx, "Local", "")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "CREATE TABLE items (id INTEGER PRIMARY KEY, qty INTEGER)")
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "INSERT INTO items (qty) VALUES (1), (2), (3)")
	require.NoError(t, err)

	tx, err := p.Begin(ctx, "Local", "")
	require.NoError(t, err)
	assert.True(t, tx.IsActive())

	n, err := tx.Exec(ctx, "UPDATE items SET qty = 0 WHERE qty > 1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	require.NoError(t, tx.Rollback(ctx))

	var sum int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT SUM(qty) FROM items").Scan(&sum))
	assert.Equal(t, 6, sum)
}

func TestProvider_HealthCheck(t *testing.T) {
	p := newTestProvider(t, Config{Databases: []DatabaseConfig{sqliteConfig(t, "Local")}})
	assert.NoError(t, p.HealthCheck(context.Background(), "Local"))
}

func TestProvider_Close(t *testing.T) {
	p, err := New(Config{Databases: []DatabaseConfig{sqliteConfig(t, "Local")}}, zerolog.Nop(), nil)
	require.NoError(t, err)

	_, err = p.Connect(context.Background(), "Local", "")
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.Connect(context.Background(), "Local", "")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.CodeUnavailable, pkgerrors.GetCode(err))
}

func TestEnvPrefix(t *testing.T) {
	assert.Equal(t, "BACKOFFICE", EnvPrefix("BackOffice"))
	assert.Equal(t, "CARD_OPS", EnvPrefix("card-ops"))
}

func TestCircuitBreaker(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	cb := NewCircuitBreaker(2, time.Minute)
	cb.now = func() time.Time { return now }

	assert.True(t, cb.CanExecute())
	cb.RecordFailure()
	assert.Equal(t, CircuitBreakerClosed, cb.GetState())
	cb.RecordFailure()
	assert.Equal(t, CircuitBreakerOpen, cb.GetState())
	assert.False(t, cb.CanExecute())

	now = now.Add(2 * time.Minute)
	assert.True(t, cb.CanExecute())
	assert.Equal(t, CircuitBreakerHalfOpen, cb.GetState())

	cb.RecordSuccess()
	assert.Equal(t, CircuitBreakerClosed, cb.GetState())
	assert.Equal(t, int64(0), cb.GetFailures())
}

func TestMaskDSN(t *testing.T) {
	tests := []struct {
		name   string
		dsn    string
		secret string
		hidden string
	}{
		{"postgres url", "postgres://svc:hunter2@db:5432/app?sslmode=disable", "hunter2", "hunter2"},
		{"query token", "md:analytics?motherduck_token=abc123", "abc123", "abc123"},
		{"mysql native", "svc:hunter2@tcp(db:3306)/app?parseTime=true", "hunter2", "hunter2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			masked := maskDSN(tt.dsn, tt.secret)
			assert.NotContains(t, masked, tt.hidden)
		})
	}
}
