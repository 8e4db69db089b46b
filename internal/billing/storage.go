package billing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crosslogic/credit-engine/internal/ledger"
	"github.com/crosslogic/credit-engine/internal/usage"
	"github.com/crosslogic/credit-engine/pkg/database"
	"github.com/crosslogic/credit-engine/pkg/events"
	"github.com/crosslogic/credit-engine/pkg/metrics"
	"github.com/jackc/pgx/v5"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// FreeBytes is the storage every user gets without charge
	FreeBytes int64 = 1_073_741_824
	// CreditsPerGBPerWeek is charged for each started GiB above FreeBytes
	CreditsPerGBPerWeek int64 = 3
	// DefaultStorageBatchSize is how many users are charged concurrently
	DefaultStorageBatchSize = 50

	bytesPerGiB int64 = 1 << 30

	storageAppID   = "system"
	storageSkillID = "storage"
	storageUsage   = "storage"
)

// StorageCredits returns the billable GiB and credits for a storage total
func StorageCredits(totalBytes int64) (billableGB, credits int64) {
	if totalBytes <= FreeBytes {
		return 0, 0
	}
	over := totalBytes - FreeBytes
	billableGB = (over + bytesPerGiB - 1) / bytesPerGiB
	return billableGB, billableGB * CreditsPerGBPerWeek
}

// StorageAggregate is one user's total stored bytes
type StorageAggregate struct {
	UserID     string
	TotalBytes int64
}

// StorageAggregator sums stored bytes per user
type StorageAggregator interface {
	AggregateStorage(ctx context.Context) ([]StorageAggregate, error)
}

// StorageSummary reports one billing run
type StorageSummary struct {
	UsersChecked        int     `json:"users_checked"`
	UsersBilled         int     `json:"users_billed"`
	UsersFailed         int     `json:"users_failed"`
	TotalCreditsCharged int64   `json:"total_credits_charged"`
	DurationSeconds     float64 `json:"duration_seconds"`
}

// StorageBiller charges users weekly for storage above the free quota
type StorageBiller struct {
	aggregator StorageAggregator
	charger    Charger
	ledger     *ledger.Store
	events     events.Publisher
	batchSize  int
	logger     *zap.Logger
	now        func() time.Time
}

// NewStorageBiller creates the storage billing driver
func NewStorageBiller(
	aggregator StorageAggregator,
	charger Charger,
	store *ledger.Store,
	publisher events.Publisher,
	batchSize int,
	logger *zap.Logger,
) *StorageBiller {
	if batchSize < 1 {
		batchSize = DefaultStorageBatchSize
	}
	return &StorageBiller{
		aggregator: aggregator,
		charger:    charger,
		ledger:     store,
		events:     publisher,
		batchSize:  batchSize,
		logger:     logger,
		now:        time.Now,
	}
}

type storageCharge struct {
	StorageAggregate
	billableGB int64
	credits    int64
}

// RunWeeklyStorageBilling aggregates storage and charges every user above
// the free quota, one batch at a time. A failing user never affects the
// others in its batch.
func (b *StorageBiller) RunWeeklyStorageBilling(ctx context.Context) (StorageSummary, error) {
	start := time.Now()

	aggregates, err := b.aggregator.AggregateStorage(ctx)
	if err != nil {
		return StorageSummary{}, fmt.Errorf("aggregate storage: %w", err)
	}

	summary := StorageSummary{UsersChecked: len(aggregates)}

	billable := make([]storageCharge, 0, len(aggregates))
	for _, agg := range aggregates {
		gb, credits := StorageCredits(agg.TotalBytes)
		if credits == 0 {
			continue
		}
		billable = append(billable, storageCharge{StorageAggregate: agg, billableGB: gb, credits: credits})
	}

	b.logger.Info("storage billing started",
		zap.Int("users_checked", summary.UsersChecked),
		zap.Int("users_billable", len(billable)),
	)

	var mu sync.Mutex
	for i := 0; i < len(billable); i += b.batchSize {
		end := i + b.batchSize
		if end > len(billable) {
			end = len(billable)
		}

		var g errgroup.Group
		for _, item := range billable[i:end] {
			item := item
			g.Go(func() error {
				charged, ok := b.chargeUser(ctx, item)
				mu.Lock()
				defer mu.Unlock()
				if ok {
					summary.UsersBilled++
					summary.TotalCreditsCharged += charged
				} else {
					summary.UsersFailed++
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	summary.DurationSeconds = time.Since(start).Seconds()
	metrics.RecordStorageRun(summary.UsersBilled, summary.UsersFailed, summary.DurationSeconds)

	b.logger.Info("storage billing completed",
		zap.Int("users_checked", summary.UsersChecked),
		zap.Int("users_billed", summary.UsersBilled),
		zap.Int("users_failed", summary.UsersFailed),
		zap.Int64("total_credits_charged", summary.TotalCreditsCharged),
		zap.Float64("duration_seconds", summary.DurationSeconds),
	)

	if b.events != nil {
		_ = b.events.Publish(ctx, events.NewEvent(events.EventStorageBillingCompleted, "", map[string]interface{}{
			"users_checked":         summary.UsersChecked,
			"users_billed":          summary.UsersBilled,
			"users_failed":          summary.UsersFailed,
			"total_credits_charged": summary.TotalCreditsCharged,
			"duration_seconds":      summary.DurationSeconds,
		}))
	}

	return summary, nil
}

func (b *StorageBiller) chargeUser(ctx context.Context, item storageCharge) (charged int64, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("storage charge panicked",
				zap.String("user_id", item.UserID),
				zap.Any("panic", r),
			)
			charged, ok = 0, false
		}
	}()

	outcome := b.charger.ChargeCredits(ctx, item.UserID, item.credits, ChargeContext{
		AppID:      storageAppID,
		SkillID:    storageSkillID,
		UsageType:  storageUsage,
		UserIDHash: usage.HashUserID(item.UserID),
		Details: map[string]interface{}{
			"storage_bytes":  item.TotalBytes,
			"billable_gb":    item.billableGB,
			"free_gb":        1,
			"credits_per_gb": CreditsPerGBPerWeek,
		},
	})
	if outcome.Kind != OutcomeOK {
		b.logger.Warn("storage charge failed",
			zap.String("user_id", item.UserID),
			zap.String("outcome", outcome.Kind.String()),
			zap.Error(outcome.Reason),
		)
		return 0, false
	}

	b.reconcileCounter(ctx, item)
	return outcome.Result.CreditsCharged, true
}

// reconcileCounter resets the storage counter to the aggregated total. The
// next run corrects any failure here, so errors are only logged.
func (b *StorageBiller) reconcileCounter(ctx context.Context, item storageCharge) {
	now := b.now().UTC()

	err := b.ledger.PatchCache(ctx, item.UserID, map[string]interface{}{
		ledger.FieldStorageUsedBytes:    item.TotalBytes,
		ledger.FieldStorageLastBilledAt: now.Unix(),
	})
	if err != nil {
		b.logger.Warn("failed to update cached storage counter", zap.String("user_id", item.UserID), zap.Error(err))
	}

	err = b.ledger.UpdateDurable(ctx, item.UserID, map[string]interface{}{
		ledger.ColStorageUsedBytes:    item.TotalBytes,
		ledger.ColStorageLastBilledAt: now,
	})
	if err != nil {
		b.logger.Warn("failed to update stored storage counter", zap.String("user_id", item.UserID), zap.Error(err))
	}
}

type pgRowsQuerier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStorageAggregator sums the upload_files table
type PostgresStorageAggregator struct {
	db pgRowsQuerier
}

// NewPostgresStorageAggregator creates an aggregator over the file metadata table
func NewPostgresStorageAggregator(db *database.Database) *PostgresStorageAggregator {
	return &PostgresStorageAggregator{db: db.Pool}
}

// AggregateStorage implements StorageAggregator
func (a *PostgresStorageAggregator) AggregateStorage(ctx context.Context) ([]StorageAggregate, error) {
	rows, err := a.db.Query(ctx, `
		SELECT user_id, COALESCE(SUM(size_bytes), 0)::BIGINT AS total_bytes
		FROM upload_files
		GROUP BY user_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query storage usage: %w", err)
	}
	defer rows.Close()

	var out []StorageAggregate
	for rows.Next() {
		var agg StorageAggregate
		if err := rows.Scan(&agg.UserID, &agg.TotalBytes); err != nil {
			return nil, fmt.Errorf("failed to scan storage usage: %w", err)
		}
		out = append(out, agg)
	}
	return out, rows.Err()
}

// MongoStorageAggregator sums the upload_files collection
type MongoStorageAggregator struct {
	files *mongo.Collection
}

// NewMongoStorageAggregator creates an aggregator over the file metadata collection
func NewMongoStorageAggregator(m *database.Mongo) *MongoStorageAggregator {
	return &MongoStorageAggregator{files: m.DB.Collection("upload_files")}
}

// AggregateStorage implements StorageAggregator
func (a *MongoStorageAggregator) AggregateStorage(ctx context.Context) ([]StorageAggregate, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: "$user_id"},
			{Key: "total_bytes", Value: bson.D{{Key: "$sum", Value: "$size_bytes"}}},
		}}},
	}

	cursor, err := a.files.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate storage usage: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []struct {
		UserID     string `bson:"_id"`
		TotalBytes int64  `bson:"total_bytes"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("failed to decode storage usage: %w", err)
	}

	out := make([]StorageAggregate, 0, len(docs))
	for _, d := range docs {
		out = append(out, StorageAggregate{UserID: d.UserID, TotalBytes: d.TotalBytes})
	}
	return out, nil
}
