package pending

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/models"
	"github.com/TFMV/sqlgate/pkg/repositories"
)

type entry struct {
	batch     *models.PendingBatch
	createdAt time.Time
	lastUsed  time.Time
}

// MemoryStore keeps pending batches in process memory.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*entry
	byAuditID  map[int64]string
	ttl        time.Duration
	maxEntries int
	stats      *statsCollector
	logger     zerolog.Logger
	now        func() time.Time
}

var _ repositories.PendingBatchRepository = (*MemoryStore)(nil)

// NewMemoryStore creates a memory store. A zero ttl keeps entries until
// removed; a zero maxEntries disables eviction.
func NewMemoryStore(ttl time.Duration, maxEntries int, logger zerolog.Logger) *MemoryStore {
	return &MemoryStore{
		entries:    make(map[string]*entry),
		byAuditID:  make(map[int64]string),
		ttl:        ttl,
		maxEntries: maxEntries,
		stats:      newStatsCollector(),
		logger:     logger,
		now:        time.Now,
	}
}

// Put stores batch for sessionID, replacing the session's previous batch.
func (s *MemoryStore) Put(_ context.Context, sessionID string, batch *models.PendingBatch) error {
	if sessionID == "" || batch == nil {
		return errors.New(errors.CodeInvalidRequest, "session id and batch are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if old, ok := s.entries[sessionID]; ok {
		delete(s.byAuditID, old.batch.AuditID)
		s.logger.Debug().
			Str("session_id", sessionID).
			Int64("audit_id", old.batch.AuditID).
			Msg("Replacing unresolved pending batch")
	} else if s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		s.evictOldest()
	}

	s.entries[sessionID] = &entry{batch: batch, createdAt: now, lastUsed: now}
	if batch.AuditID != 0 {
		s.byAuditID[batch.AuditID] = sessionID
	}
	s.stats.updateSize(len(s.entries))
	return nil
}

// Get returns the batch of a session.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*models.PendingBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.lookup(sessionID)
}

// GetByAuditID returns the batch whose combined audit record is auditID.
func (s *MemoryStore) GetByAuditID(_ context.Context, auditID int64) (*models.PendingBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sessionID, ok := s.byAuditID[auditID]
	if !ok {
		s.stats.recordMiss()
		return nil, errors.ErrPendingBatchNotFound.Clone().WithDetail("audit_id", auditID)
	}
	return s.lookup(sessionID)
}

func (s *MemoryStore) lookup(sessionID string) (*models.PendingBatch, error) {
	e, ok := s.entries[sessionID]
	if !ok {
		s.stats.recordMiss()
		return nil, errors.ErrPendingBatchNotFound.Clone().WithDetail("session_id", sessionID)
	}

	now := s.now()
	if s.ttl > 0 && now.Sub(e.createdAt) > s.ttl {
		s.remove(sessionID)
		s.stats.recordExpiration()
		s.stats.recordMiss()
		return nil, errors.ErrPendingBatchNotFound.Clone().WithDetail("session_id", sessionID)
	}

	e.lastUsed = now
	s.stats.recordHit()
	return e.batch, nil
}

// Take removes and returns the batch of a session under a single lock.
func (s *MemoryStore) Take(_ context.Context, sessionID string, auditID int64) (*models.PendingBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch, err := s.lookup(sessionID)
	if err != nil {
		return nil, err
	}
	if auditID != 0 && batch.AuditID != auditID {
		return nil, errors.ErrPendingBatchNotFound.Clone().WithDetails(map[string]interface{}{
			"session_id": sessionID,
			"audit_id":   auditID,
		})
	}

	s.remove(sessionID)
	return batch, nil
}

// Remove discards the batch of a session. Removing an absent session is a no-op.
func (s *MemoryStore) Remove(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.remove(sessionID)
	return nil
}

func (s *MemoryStore) remove(sessionID string) {
	e, ok := s.entries[sessionID]
	if !ok {
		return
	}
	delete(s.byAuditID, e.batch.AuditID)
	delete(s.entries, sessionID)
	s.stats.updateSize(len(s.entries))
}

// evictOldest removes the least recently used entry.
func (s *MemoryStore) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, e := range s.entries {
		if oldestKey == "" || e.lastUsed.Before(oldestTime) {
			oldestKey = key
			oldestTime = e.lastUsed
		}
	}

	if oldestKey != "" {
		s.logger.Warn().
			Str("session_id", oldestKey).
			Int64("audit_id", s.entries[oldestKey].batch.AuditID).
			Msg("Evicting pending batch")
		s.remove(oldestKey)
		s.stats.recordEviction()
	}
}

// Stats returns a snapshot of store statistics.
func (s *MemoryStore) Stats() Stats {
	return s.stats.snapshot()
}

// Len returns the number of stored batches.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close drops every entry.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*entry)
	s.byAuditID = make(map[int64]string)
	s.stats.updateSize(0)
	return nil
}
