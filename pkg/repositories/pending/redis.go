package pending

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/repositories"
)

const (
	keyPrefix      = "sqlgate:pending:"
	auditKeyPrefix = keyPrefix + "audit:"
)

// takeScript deletes a session's batch and its audit index in one step and
// returns the batch. ARGV[1] is the expected audit id, "0" for any.
var takeScript = redis.NewScript(`
local data = redis.call('GET', KEYS[1])
if not data then
	return false
end
local auditID = tostring(cjson.decode(data)['audit_id'])
if ARGV[1] ~= '0' and auditID ~= ARGV[1] then
	return false
end
redis.call('DEL', KEYS[1], ARGV[2] .. auditID)
return data
`)

func sessionKey(sessionID string) string {
	return keyPrefix + sessionID
}

func auditKey(auditID int64) string {
	return auditKeyPrefix + strconv.FormatInt(auditID, 10)
}

// RedisStore persists pending batches in Redis so that separate processes
// can resolve them.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

var _ repositories.PendingBatchRepository = (*RedisStore)(nil)

// NewRedisStore connects to the Redis server at url.
func NewRedisStore(url string, ttl time.Duration, logger zerolog.Logger) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("Pending batch store connected to redis")
	return newRedisStoreWithClient(client, ttl, logger), nil
}

func newRedisStoreWithClient(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisStore {
	return &RedisStore{client: client, ttl: ttl, logger: logger}
}

// Put stores batch under the session key and indexes it by audit id.
func (s *RedisStore) Put(ctx context.Context, sessionID string, batch *models.PendingBatch) error {
	if sessionID == "" || batch == nil {
		return errors.New(errors.CodeInvalidRequest, "session id and batch are required")
	}

	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal pending batch: %w", err)
	}

	if err := s.client.Set(ctx, sessionKey(sessionID), data, s.ttl).Err(); err != nil {
		return errors.Wrap(err, errors.CodeUnavailable, "failed to store pending batch")
	}
	if batch.AuditID != 0 {
		if err := s.client.Set(ctx, auditKey(batch.AuditID), sessionID, s.ttl).Err(); err != nil {
			return errors.Wrap(err, errors.CodeUnavailable, "failed to index pending batch")
		}
	}

	s.logger.Debug().
		Str("session_id", sessionID).
		Int64("audit_id", batch.AuditID).
		Int("deferred", len(batch.Deferred)).
		Msg("Pending batch stored")
	return nil
}

// Get returns the batch of a session.
func (s *RedisStore) Get(ctx context.Context, sessionID string) (*models.PendingBatch, error) {
	data, err := s.client.Get(ctx, sessionKey(sessionID)).Bytes()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, errors.ErrPendingBatchNotFound.Clone().WithDetail("session_id", sessionID)
		}
		return nil, errors.Wrap(err, errors.CodeUnavailable, "failed to load pending batch")
	}

	var batch models.PendingBatch
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending batch: %w", err)
	}
	return &batch, nil
}

// GetByAuditID resolves the audit index and returns the session's batch,
// provided it still belongs to auditID.
func (s *RedisStore) GetByAuditID(ctx context.Context, auditID int64) (*models.PendingBatch, error) {
	sessionID, err := s.client.Get(ctx, auditKey(auditID)).Result()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, errors.ErrPendingBatchNotFound.Clone().WithDetail("audit_id", auditID)
		}
		return nil, errors.Wrap(err, errors.CodeUnavailable, "failed to load pending batch index")
	}

	batch, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if batch.AuditID != auditID {
		return nil, errors.ErrPendingBatchNotFound.Clone().WithDetail("audit_id", auditID)
	}
	return batch, nil
}

// Take removes and returns the batch of a session with a server-side
// script, so concurrent callers cannot both receive it.
func (s *RedisStore) Take(ctx context.Context, sessionID string, auditID int64) (*models.PendingBatch, error) {
	data, err := takeScript.Run(ctx, s.client, []string{sessionKey(sessionID)},
		strconv.FormatInt(auditID, 10), auditKeyPrefix).Text()
	if err != nil {
		if stderrors.Is(err, redis.Nil) {
			return nil, errors.ErrPendingBatchNotFound.Clone().WithDetails(map[string]interface{}{
				"session_id": sessionID,
				"audit_id":   auditID,
			})
		}
		return nil, errors.Wrap(err, errors.CodeUnavailable, "failed to take pending batch")
	}

	var batch models.PendingBatch
	if err := json.Unmarshal([]byte(data), &batch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal pending batch: %w", err)
	}
	return &batch, nil
}

// Remove discards the batch of a session and its audit index.
func (s *RedisStore) Remove(ctx context.Context, sessionID string) error {
	if _, err := s.Take(ctx, sessionID, 0); err != nil && !errors.IsNotFound(err) {
		return err
	}
	return nil
}

// Close closes the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
