package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/TFMV/sqlgate/pkg/errors"
	"github.com/TFMV/sqlgate/pkg/repositories"
)

// leaseService implements LeaseService.
type leaseService struct {
	leases          *sync.Map // map[string]*leaseInfo
	timeout         time.Duration
	cleanupInterval time.Duration
	logger          Logger
	metrics         MetricsCollector
	now             func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// leaseInfo holds one held-open preview transaction.
type leaseInfo struct {
	transaction repositories.Transaction
	batchID     string
	heldAt      time.Time
	expiresAt   time.Time
}

// NewLeaseService creates a lease service. Leases older than timeout are
// rolled back by a routine running every cleanupInterval.
func NewLeaseService(
	timeout time.Duration,
	cleanupInterval time.Duration,
	logger Logger,
	metrics MetricsCollector,
) LeaseService {
	ctx, cancel := context.WithCancel(context.Background())

	ls := &leaseService{
		leases:          &sync.Map{},
		timeout:         timeout,
		cleanupInterval: cleanupInterval,
		logger:          logger,
		metrics:         metrics,
		now:             time.Now,
		ctx:             ctx,
		cancel:          cancel,
	}

	if cleanupInterval > 0 {
		ls.wg.Add(1)
		go ls.cleanupRoutine(ctx)
	}

	return ls
}

// Hold registers tx under a new lease id.
func (s *leaseService) Hold(tx repositories.Transaction, batchID string) string {
	id := uuid.New().String()
	s.HoldAs(id, tx, batchID)
	return id
}

// HoldAs registers tx under a lease id chosen by the caller.
func (s *leaseService) HoldAs(id string, tx repositories.Transaction, batchID string) {
	now := s.now()

	s.leases.Store(id, &leaseInfo{
		transaction: tx,
		batchID:     batchID,
		heldAt:      now,
		expiresAt:   now.Add(s.timeout),
	})

	s.metrics.IncrementCounter("leases_held_total")
	s.updateActiveLeaseGauge()

	s.logger.Info("Transaction lease held",
		"lease_id", id,
		"transaction_id", tx.ID(),
		"batch_id", batchID,
		"timeout", s.timeout)
}

// take removes a lease if it is still valid. An expired lease is rolled
// back and reported as ErrLeaseExpired.
func (s *leaseService) take(ctx context.Context, leaseID string) (*leaseInfo, error) {
	val, ok := s.leases.LoadAndDelete(leaseID)
	if !ok {
		return nil, errors.ErrLeaseNotFound.Clone().WithDetail("lease_id", leaseID)
	}
	info := val.(*leaseInfo)
	s.updateActiveLeaseGauge()

	if !info.transaction.IsActive() {
		return nil, errors.ErrLeaseNotFound.Clone().WithDetail("lease_id", leaseID)
	}

	if s.now().After(info.expiresAt) {
		s.expire(ctx, leaseID, info)
		return nil, errors.ErrLeaseExpired.Clone().WithDetail("lease_id", leaseID)
	}

	s.metrics.RecordHistogram("lease_duration_seconds", s.now().Sub(info.heldAt).Seconds())
	return info, nil
}

// Commit commits a held transaction.
func (s *leaseService) Commit(ctx context.Context, leaseID string) error {
	timer := s.metrics.StartTimer("lease_commit")
	defer timer.Stop()

	info, err := s.take(ctx, leaseID)
	if err != nil {
		return err
	}

	if err := info.transaction.Commit(ctx); err != nil {
		s.metrics.IncrementCounter("lease_commit_errors")
		s.logger.Error("Failed to commit leased transaction", "error", err, "lease_id", leaseID)
		return errors.Wrap(err, errors.CodeTransactionFailed, "failed to commit leased transaction")
	}

	s.metrics.IncrementCounter("leases_committed_total")
	s.logger.Info("Leased transaction committed", "lease_id", leaseID, "batch_id", info.batchID)
	return nil
}

// Rollback rolls back a held transaction.
func (s *leaseService) Rollback(ctx context.Context, leaseID string) error {
	timer := s.metrics.StartTimer("lease_rollback")
	defer timer.Stop()

	val, ok := s.leases.LoadAndDelete(leaseID)
	if !ok {
		return errors.ErrLeaseNotFound.Clone().WithDetail("lease_id", leaseID)
	}
	info := val.(*leaseInfo)
	s.updateActiveLeaseGauge()

	if !info.transaction.IsActive() {
		return nil
	}

	if err := info.transaction.Rollback(ctx); err != nil {
		s.metrics.IncrementCounter("lease_rollback_errors")
		s.logger.Error("Failed to rollback leased transaction", "error", err, "lease_id", leaseID)
		return errors.Wrap(err, errors.CodeTransactionFailed, "failed to rollback leased transaction")
	}

	s.metrics.IncrementCounter("leases_rolled_back_total")
	s.logger.Info("Leased transaction rolled back", "lease_id", leaseID, "batch_id", info.batchID)
	return nil
}

// Active returns the number of held leases.
func (s *leaseService) Active() int {
	count := 0
	s.leases.Range(func(_, _ interface{}) bool {
		count++
		return true
	})
	return count
}

// CleanupExpired rolls back leases past their deadline.
func (s *leaseService) CleanupExpired(ctx context.Context) error {
	timer := s.metrics.StartTimer("lease_cleanup")
	defer timer.Stop()

	now := s.now()
	cleaned := 0

	s.leases.Range(func(key, value interface{}) bool {
		if ctx.Err() != nil {
			return false
		}

		leaseID := key.(string)
		info := value.(*leaseInfo)

		if !info.transaction.IsActive() {
			s.leases.Delete(leaseID)
			cleaned++
			return true
		}

		if now.After(info.expiresAt) {
			s.leases.Delete(leaseID)
			s.expire(ctx, leaseID, info)
			cleaned++
		}
		return true
	})

	if cleaned > 0 {
		s.updateActiveLeaseGauge()
		s.logger.Info("Cleaned up transaction leases", "count", cleaned)
	}
	return ctx.Err()
}

func (s *leaseService) expire(ctx context.Context, leaseID string, info *leaseInfo) {
	s.logger.Warn("Transaction lease expired",
		"lease_id", leaseID,
		"batch_id", info.batchID,
		"held_for", s.now().Sub(info.heldAt))

	rollbackCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := info.transaction.Rollback(rollbackCtx); err != nil {
		s.logger.Error("Failed to rollback expired lease", "error", err, "lease_id", leaseID)
	}
	s.metrics.IncrementCounter("leases_expired_total")
}

// cleanupRoutine runs periodic cleanup of expired leases until ctx is cancelled.
func (s *leaseService) cleanupRoutine(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	s.logger.Info("Lease cleanup routine started", "interval", s.cleanupInterval)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Lease cleanup routine stopped")
			return
		case <-ticker.C:
			cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			if err := s.CleanupExpired(cleanupCtx); err != nil {
				s.logger.Error("Lease cleanup failed", "error", err)
			}
			cancel()
		}
	}
}

// Stop stops the cleanup routine and rolls back every remaining lease.
func (s *leaseService) Stop() {
	s.logger.Info("Stopping lease service")

	s.cancel()
	s.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s.leases.Range(func(key, _ interface{}) bool {
		_ = s.Rollback(ctx, key.(string))
		return true
	})

	s.logger.Info("Lease service stopped")
}

func (s *leaseService) updateActiveLeaseGauge() {
	s.metrics.RecordGauge("active_leases", float64(s.Active()))
}
