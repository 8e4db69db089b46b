package billing

import (
	"context"
	"time"

	"github.com/crosslogic/credit-engine/internal/ledger"
	"github.com/crosslogic/credit-engine/pkg/cache"
	"github.com/crosslogic/credit-engine/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const storageLockKey = "billing:storage:lock"

// Jobs runs the periodic billing work
type Jobs struct {
	storage           *StorageBiller
	ledger            *ledger.Store
	cache             *cache.Cache
	storageInterval   time.Duration
	reconcileInterval time.Duration
	logger            *zap.Logger
}

// NewJobs creates the background job runner
func NewJobs(
	storage *StorageBiller,
	store *ledger.Store,
	c *cache.Cache,
	storageInterval, reconcileInterval time.Duration,
	logger *zap.Logger,
) *Jobs {
	return &Jobs{
		storage:           storage,
		ledger:            store,
		cache:             c,
		storageInterval:   storageInterval,
		reconcileInterval: reconcileInterval,
		logger:            logger,
	}
}

// StartBackgroundJobs starts the storage billing and reconciliation tickers
func (j *Jobs) StartBackgroundJobs(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(j.storageInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, _, err := j.RunStorageBillingLocked(ctx); err != nil {
					j.logger.Error("storage billing run failed", zap.Error(err))
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(j.reconcileInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.Reconcile(ctx)
			}
		}
	}()
}

// RunStorageBillingLocked bills storage unless another replica already holds
// the lock for this period. ran is false when the lock was taken.
func (j *Jobs) RunStorageBillingLocked(ctx context.Context) (summary StorageSummary, ran bool, err error) {
	runID := uuid.NewString()

	acquired, err := j.cache.SetNX(ctx, storageLockKey, runID, j.lockTTL())
	if err != nil {
		return StorageSummary{}, false, err
	}
	if !acquired {
		j.logger.Info("storage billing already handled by another replica")
		return StorageSummary{}, false, nil
	}

	j.logger.Info("storage billing lock acquired", zap.String("run_id", runID))
	summary, err = j.storage.RunWeeklyStorageBilling(ctx)
	return summary, true, err
}

// the lock outlives the run so that replicas ticking later in the same period skip it
func (j *Jobs) lockTTL() time.Duration {
	ttl := j.storageInterval - time.Minute
	if ttl < time.Minute {
		ttl = time.Minute
	}
	return ttl
}

// Reconcile persists balances whose durable write previously failed
func (j *Jobs) Reconcile(ctx context.Context) {
	persisted, err := j.ledger.Reconcile(ctx)
	if err != nil {
		j.logger.Error("reconciliation failed", zap.Error(err))
		return
	}
	if persisted > 0 {
		metrics.ReconciledAccounts.Add(float64(persisted))
		j.logger.Info("reconciled lagging balances", zap.Int("accounts", persisted))
	}
}
