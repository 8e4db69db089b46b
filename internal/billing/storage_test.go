package billing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/crosslogic/credit-engine/internal/ledger/ledgertest"
	"github.com/crosslogic/credit-engine/pkg/events"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const gib int64 = 1 << 30

func TestStorageCredits(t *testing.T) {
	cases := []struct {
		name    string
		total   int64
		gb      int64
		credits int64
	}{
		{name: "empty", total: 0},
		{name: "under quota", total: 500 * 1024 * 1024},
		{name: "exactly quota", total: FreeBytes},
		{name: "one byte over", total: FreeBytes + 1, gb: 1, credits: 3},
		{name: "two and a half GiB", total: 5 * gib / 2, gb: 2, credits: 6},
		{name: "exactly three GiB", total: 3 * gib, gb: 2, credits: 6},
		{name: "ten GiB", total: 10 * gib, gb: 9, credits: 27},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			gb, credits := StorageCredits(tc.total)
			assert.Equal(t, tc.gb, gb)
			assert.Equal(t, tc.credits, credits)
		})
	}
}

type staticAggregator struct {
	aggregates []StorageAggregate
	err        error
}

func (s staticAggregator) AggregateStorage(context.Context) ([]StorageAggregate, error) {
	return s.aggregates, s.err
}

// scriptedCharger charges whatever is asked and tracks concurrency
type scriptedCharger struct {
	mu          sync.Mutex
	panicFor    map[string]bool
	rejectFor   map[string]bool
	inFlight    int
	maxInFlight int
	charged     map[string]int64
	contexts    map[string]ChargeContext
}

func newScriptedCharger() *scriptedCharger {
	return &scriptedCharger{
		panicFor:  map[string]bool{},
		rejectFor: map[string]bool{},
		charged:   map[string]int64{},
		contexts:  map[string]ChargeContext{},
	}
}

func (s *scriptedCharger) ChargeCredits(_ context.Context, userID string, credits int64, cc ChargeContext) Outcome {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	time.Sleep(5 * time.Millisecond)

	if s.panicFor[userID] {
		panic("boom")
	}
	if s.rejectFor[userID] {
		return rejected(errors.New("no account"))
	}

	s.mu.Lock()
	s.charged[userID] = credits
	s.contexts[userID] = cc
	s.mu.Unlock()
	return ok(ChargeResult{CreditsCharged: credits})
}

func TestStorageBillingIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	env := ledgertest.NewEnv(t, 1)

	var aggregates []StorageAggregate
	for i := 0; i < 50; i++ {
		aggregates = append(aggregates, StorageAggregate{UserID: fmt.Sprintf("user-%02d", i), TotalBytes: 2 * gib})
	}
	aggregates = append(aggregates,
		StorageAggregate{UserID: "small-1", TotalBytes: 100},
		StorageAggregate{UserID: "small-2", TotalBytes: FreeBytes},
	)

	charger := newScriptedCharger()
	charger.panicFor["user-13"] = true
	publisher := &memoryPublisher{}

	biller := NewStorageBiller(staticAggregator{aggregates: aggregates}, charger, env.Store, publisher, 50, zap.NewNop())
	summary, err := biller.RunWeeklyStorageBilling(ctx)
	require.NoError(t, err)

	assert.Equal(t, 52, summary.UsersChecked)
	assert.Equal(t, 49, summary.UsersBilled)
	assert.Equal(t, 1, summary.UsersFailed)
	assert.Equal(t, int64(49*3), summary.TotalCreditsCharged)
	assert.Len(t, charger.charged, 49)
	assert.NotContains(t, charger.charged, "small-1")
	assert.NotContains(t, charger.charged, "small-2")

	cc := charger.contexts["user-00"]
	assert.Equal(t, "system", cc.AppID)
	assert.Equal(t, "storage", cc.SkillID)
	assert.Equal(t, "storage", cc.UsageType)
	assert.Equal(t, int64(2*gib), cc.Details["storage_bytes"])
	assert.Equal(t, int64(1), cc.Details["billable_gb"])

	completed := publisher.ofType(events.EventStorageBillingCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, 49, completed[0].Payload["users_billed"])
}

func TestStorageBillingBatches(t *testing.T) {
	ctx := context.Background()
	env := ledgertest.NewEnv(t, 1)

	var aggregates []StorageAggregate
	for i := 0; i < 7; i++ {
		aggregates = append(aggregates, StorageAggregate{UserID: fmt.Sprintf("u%d", i), TotalBytes: 3 * gib})
	}

	charger := newScriptedCharger()
	charger.rejectFor["u4"] = true

	biller := NewStorageBiller(staticAggregator{aggregates: aggregates}, charger, env.Store, nil, 3, zap.NewNop())
	summary, err := biller.RunWeeklyStorageBilling(ctx)
	require.NoError(t, err)

	assert.LessOrEqual(t, charger.maxInFlight, 3)
	assert.Equal(t, 6, summary.UsersBilled)
	assert.Equal(t, 1, summary.UsersFailed)
	assert.Equal(t, int64(36), summary.TotalCreditsCharged)
}

func TestStorageBillingAggregationError(t *testing.T) {
	env := ledgertest.NewEnv(t, 1)
	biller := NewStorageBiller(staticAggregator{err: errStoreDown}, newScriptedCharger(), env.Store, nil, 0, zap.NewNop())

	_, err := biller.RunWeeklyStorageBilling(context.Background())
	assert.ErrorIs(t, err, errStoreDown)
}

func TestStorageBillingChargesThroughEngine(t *testing.T) {
	ctx := context.Background()
	h := newEngineHarness(t, true)
	h.env.SeedAccount(t, "big", 100)

	billedAt := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	biller := NewStorageBiller(staticAggregator{aggregates: []StorageAggregate{
		{UserID: "big", TotalBytes: 5 * gib / 2},
	}}, h.engine, h.env.Store, h.publisher, 50, zap.NewNop())
	biller.now = func() time.Time { return billedAt }

	summary, err := biller.RunWeeklyStorageBilling(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.UsersBilled)
	assert.Equal(t, int64(6), summary.TotalCreditsCharged)
	assert.Equal(t, int64(94), h.env.DurableCredits(t, "big"))

	rec, _ := h.env.Durable.Get("big")
	assert.Equal(t, 5*gib/2, rec.StorageUsedBytes)
	require.NotNil(t, rec.StorageLastBilledAt)
	assert.True(t, billedAt.Equal(*rec.StorageLastBilledAt))

	cached, err := h.env.Store.CachedAccount(ctx, "big")
	require.NoError(t, err)
	assert.Equal(t, 5*gib/2, cached.StorageUsedBytes)

	h.awaitTasks(t, 3)
	entries := h.usage.all()
	require.Len(t, entries, 1)
	assert.Equal(t, "storage", entries[0].UsageType)
	assert.Equal(t, int64(6), entries[0].CreditsCharged)
	assert.Equal(t, int64(2), entries[0].Details["billable_gb"])
}

var _ Charger = (*Engine)(nil)
var _ TopUpTrigger = (*TopUpOrchestrator)(nil)
