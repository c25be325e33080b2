// Package pending stores batches awaiting a confirm or reject decision.
package pending

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/TFMV/sqlgate/pkg/repositories"
)

// Backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
)

// Config selects and tunes a store backend.
type Config struct {
	Backend    string
	RedisURL   string
	TTL        time.Duration
	MaxEntries int

	// Database is the logical database holding the table of the sql backend.
	Database string
}

// Store is a PendingBatchRepository that owns resources.
type Store interface {
	repositories.PendingBatchRepository
	Close() error
}

// New builds the configured backend. provider is only used by the sql
// backend.
func New(cfg Config, provider repositories.ConnectionProvider, logger zerolog.Logger) (Store, error) {
	logger = logger.With().Str("component", "pending").Logger()

	switch strings.ToLower(cfg.Backend) {
	case "", BackendMemory:
		return NewMemoryStore(cfg.TTL, cfg.MaxEntries, logger), nil
	case BackendRedis:
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("pending.redis_url is required for the redis backend")
		}
		return NewRedisStore(cfg.RedisURL, cfg.TTL, logger)
	case BackendSQL:
		if provider == nil || cfg.Database == "" {
			return nil, fmt.Errorf("pending.database is required for the sql backend")
		}
		return NewSQLStore(provider, cfg.Database, cfg.TTL, logger), nil
	default:
		return nil, fmt.Errorf("unknown pending store backend: %s", cfg.Backend)
	}
}
