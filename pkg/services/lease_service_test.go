package services

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TFMV/sqlgate/pkg/errors"
)

func setupTestLeaseService(timeout time.Duration) (*leaseService, *mockMetricsCollector) {
	metrics := newMockMetricsCollector()
	svc := NewLeaseService(timeout, 0, &mockLogger{}, metrics).(*leaseService)
	return svc, metrics
}

func TestLeaseService_HoldAndCommit(t *testing.T) {
	svc, metrics := setupTestLeaseService(time.Minute)
	defer svc.Stop()

	tx := newMockTransaction("tx1")
	id := svc.Hold(tx, "batch1")
	require.NotEmpty(t, id)
	assert.Equal(t, 1, svc.Active())
	assert.Equal(t, float64(1), metrics.gauge("active_leases"))

	require.NoError(t, svc.Commit(context.Background(), id))
	assert.True(t, tx.committed)
	assert.Equal(t, 0, svc.Active())
	assert.Equal(t, 1, metrics.counter("leases_committed_total"))

	t.Run("lease is consumed", func(t *testing.T) {
		err := svc.Commit(context.Background(), id)
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestLeaseService_HoldAs(t *testing.T) {
	svc, _ := setupTestLeaseService(time.Minute)
	defer svc.Stop()

	tx := newMockTransaction("tx1")
	svc.HoldAs("lease-1", tx, "batch1")
	assert.Equal(t, 1, svc.Active())

	require.NoError(t, svc.Commit(context.Background(), "lease-1"))
	assert.True(t, tx.committed)
}

func TestLeaseService_Rollback(t *testing.T) {
	svc, _ := setupTestLeaseService(time.Minute)
	defer svc.Stop()

	tx := newMockTransaction("tx1")
	id := svc.Hold(tx, "batch1")

	require.NoError(t, svc.Rollback(context.Background(), id))
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)

	err := svc.Rollback(context.Background(), id)
	assert.True(t, errors.IsNotFound(err))
}

func TestLeaseService_CommitError(t *testing.T) {
	svc, metrics := setupTestLeaseService(time.Minute)
	defer svc.Stop()

	tx := newMockTransaction("tx1")
	tx.commit = func(ctx context.Context) error { return assert.AnError }
	id := svc.Hold(tx, "batch1")

	err := svc.Commit(context.Background(), id)
	require.Error(t, err)
	assert.Equal(t, errors.CodeTransactionFailed, errors.GetCode(err))
	assert.Equal(t, 1, metrics.counter("lease_commit_errors"))
}

func TestLeaseService_Expiry(t *testing.T) {
	svc, metrics := setupTestLeaseService(time.Minute)
	defer svc.Stop()

	now := time.Unix(1_700_000_000, 0)
	svc.now = func() time.Time { return now }

	expired := newMockTransaction("old")
	expiredID := svc.Hold(expired, "batch1")

	now = now.Add(45 * time.Second)
	fresh := newMockTransaction("new")
	svc.Hold(fresh, "batch2")

	now = now.Add(30 * time.Second)
	require.NoError(t, svc.CleanupExpired(context.Background()))

	assert.True(t, expired.rolledBack)
	assert.False(t, fresh.rolledBack)
	assert.Equal(t, 1, svc.Active())
	assert.Equal(t, 1, metrics.counter("leases_expired_total"))

	err := svc.Commit(context.Background(), expiredID)
	assert.True(t, errors.IsNotFound(err))
}

func TestLeaseService_CommitAfterDeadline(t *testing.T) {
	svc, _ := setupTestLeaseService(time.Minute)
	defer svc.Stop()

	now := time.Unix(1_700_000_000, 0)
	svc.now = func() time.Time { return now }

	tx := newMockTransaction("tx1")
	id := svc.Hold(tx, "batch1")

	now = now.Add(2 * time.Minute)
	err := svc.Commit(context.Background(), id)
	require.Error(t, err)
	assert.Equal(t, errors.CodeDeadlineExceeded, errors.GetCode(err))
	assert.True(t, tx.rolledBack)
	assert.False(t, tx.committed)
}

func TestLeaseService_CleanupRoutine(t *testing.T) {
	svc := NewLeaseService(10*time.Millisecond, 5*time.Millisecond, &mockLogger{}, newMockMetricsCollector())
	defer svc.Stop()

	tx := newMockTransaction("tx1")
	svc.Hold(tx, "batch1")

	assert.Eventually(t, func() bool {
		return !tx.IsActive()
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, svc.Active())
}

func TestLeaseService_StopRollsBackRemaining(t *testing.T) {
	svc, _ := setupTestLeaseService(time.Hour)

	tx1 := newMockTransaction("tx1")
	tx2 := newMockTransaction("tx2")
	svc.Hold(tx1, "batch1")
	svc.Hold(tx2, "batch1")

	svc.Stop()

	assert.True(t, tx1.rolledBack)
	assert.True(t, tx2.rolledBack)
	assert.Equal(t, 0, svc.Active())
}
