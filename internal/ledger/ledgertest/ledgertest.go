// Package ledgertest provides an in-memory durable store and helpers for
// wiring a ledger.Store against miniredis in tests.
package ledgertest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/crosslogic/credit-engine/internal/config"
	"github.com/crosslogic/credit-engine/internal/ledger"
	"github.com/crosslogic/credit-engine/internal/vault"
	"github.com/crosslogic/credit-engine/pkg/cache"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// ErrInjected is returned by MemoryDurable when a failure is injected
var ErrInjected = errors.New("ledgertest: injected failure")

// MemoryDurable is a ledger.Durable kept in a map
type MemoryDurable struct {
	mu          sync.Mutex
	records     map[string]ledger.Record
	failUpdates int
	updateCalls int
	fetchCalls  int
	beforeWrite func()
}

// NewMemoryDurable creates an empty store
func NewMemoryDurable() *MemoryDurable {
	return &MemoryDurable{records: make(map[string]ledger.Record)}
}

// Put stores a record as-is
func (m *MemoryDurable) Put(rec ledger.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.UserID] = rec
}

// Get returns a copy of a stored record
func (m *MemoryDurable) Get(userID string) (ledger.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[userID]
	return rec, ok
}

// FailUpdates makes the next n UpdateAccount calls fail; negative fails forever
func (m *MemoryDurable) FailUpdates(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failUpdates = n
}

// BeforeNextUpdate runs fn once, inside the next UpdateAccount call and
// before its write lands. fn may call back into the store.
func (m *MemoryDurable) BeforeNextUpdate(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.beforeWrite = fn
}

// UpdateCalls reports how many times UpdateAccount was invoked
func (m *MemoryDurable) UpdateCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateCalls
}

// FetchCalls reports how many times FetchAccount was invoked
func (m *MemoryDurable) FetchCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fetchCalls
}

// FetchAccount implements ledger.Durable
func (m *MemoryDurable) FetchAccount(_ context.Context, userID string) (*ledger.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchCalls++
	rec, ok := m.records[userID]
	if !ok {
		return nil, ledger.ErrAccountNotFound
	}
	return &rec, nil
}

// UpdateAccount implements ledger.Durable
func (m *MemoryDurable) UpdateAccount(_ context.Context, userID string, fields map[string]interface{}) error {
	m.mu.Lock()
	m.updateCalls++
	hook := m.beforeWrite
	m.beforeWrite = nil
	m.mu.Unlock()

	if hook != nil {
		hook()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failUpdates != 0 {
		if m.failUpdates > 0 {
			m.failUpdates--
		}
		return ErrInjected
	}

	rec, ok := m.records[userID]
	if !ok {
		return ledger.ErrAccountNotFound
	}

	for col, v := range fields {
		switch col {
		case ledger.ColEncryptedCredits:
			rec.EncryptedCredits = v.(string)
		case ledger.ColEncryptedLastTriggered:
			rec.EncryptedAutoTopUpLastTriggered = v.(string)
		case ledger.ColAutoTopUpThreshold:
			rec.AutoTopUpThreshold = toInt64(v)
		case ledger.ColStorageUsedBytes:
			rec.StorageUsedBytes = toInt64(v)
		case ledger.ColStorageLastBilledAt:
			t := v.(time.Time)
			rec.StorageLastBilledAt = &t
		default:
			return errors.New("ledgertest: unknown column " + col)
		}
	}
	m.records[userID] = rec
	return nil
}

// Health implements ledger.Durable
func (m *MemoryDurable) Health(context.Context) error {
	return nil
}

func toInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// Env bundles a store with its backing fakes
type Env struct {
	Redis   *miniredis.Miniredis
	Cache   *cache.Cache
	Durable *MemoryDurable
	Vault   *vault.Service
	Store   *ledger.Store
}

// NewEnv starts miniredis and builds a store with a zero-delay retry policy
func NewEnv(t testing.TB, attempts int) *Env {
	t.Helper()
	return NewEnvWithRetry(t, attempts, 0)
}

// NewEnvWithRetry is NewEnv with a delay between durable write attempts
func NewEnvWithRetry(t testing.TB, attempts int, delay time.Duration) *Env {
	t.Helper()

	mr := miniredis.RunT(t)
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	c, err := cache.NewCache(config.RedisConfig{
		Host:     mr.Host(),
		Port:     port,
		PoolSize: 4,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	v, err := vault.NewService("test-master-key")
	require.NoError(t, err)

	durable := NewMemoryDurable()
	logger := zap.NewNop()
	store := ledger.NewStore(c, durable, v, ledger.NewRetryPolicy(attempts, delay, logger), logger)

	return &Env{Redis: mr, Cache: c, Durable: durable, Vault: v, Store: store}
}

// SeedAccount stores a durable record with a sealed balance and returns it
func (e *Env) SeedAccount(t testing.TB, userID string, credits int64, mutate ...func(*ledger.Record)) ledger.Record {
	t.Helper()

	keyID := "key-" + userID
	sealed, err := e.Vault.Seal(context.Background(), keyID, strconv.FormatInt(credits, 10))
	require.NoError(t, err)

	rec := ledger.Record{
		UserID:             userID,
		VaultKeyID:         keyID,
		EncryptedCredits:   sealed,
		AutoTopUpThreshold: ledger.FixedTopUpThreshold,
	}
	for _, fn := range mutate {
		fn(&rec)
	}
	e.Durable.Put(rec)
	return rec
}

// DurableCredits opens the durable balance of a user
func (e *Env) DurableCredits(t testing.TB, userID string) int64 {
	t.Helper()

	rec, ok := e.Durable.Get(userID)
	require.True(t, ok, "no durable record for %s", userID)
	raw, err := e.Vault.Open(context.Background(), rec.VaultKeyID, rec.EncryptedCredits)
	require.NoError(t, err)
	n, err := strconv.ParseInt(raw, 10, 64)
	require.NoError(t, err)
	return n
}
