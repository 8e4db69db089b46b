package ledger

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/crosslogic/credit-engine/internal/vault"
	"github.com/crosslogic/credit-engine/pkg/cache"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	unpersistedKey    = "ledger:unpersisted"
	unpersistedGenKey = "ledger:unpersisted:gen"

	// persistPasses bounds how often PersistCredits chases a cached balance
	// that moved while it was being written. Later charges persist themselves.
	persistPasses = 3
)

var (
	// ErrAccountNotFound is returned when neither cache nor durable store know the user
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrCacheMiss is returned by cache-only operations when the account hash is absent
	ErrCacheMiss = errors.New("ledger: account not cached")
	// ErrDurableWrite is returned when a durable write exhausts its retries
	ErrDurableWrite = errors.New("ledger: durable write failed")
)

// Durable is the system of record for accounts
type Durable interface {
	FetchAccount(ctx context.Context, userID string) (*Record, error)
	UpdateAccount(ctx context.Context, userID string, fields map[string]interface{}) error
	Health(ctx context.Context) error
}

// Deduction is the outcome of an atomic cached decrement
type Deduction struct {
	Previous int64
	Balance  int64
	Charged  int64
	Clamped  bool
}

// deductScript clamps the charge to the cached balance and writes the new
// balance in one step. Reply: {found, previous, balance, clamped}.
var deductScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], 'credits')
if not current then
  return {0, 0, 0, 0}
end
current = tonumber(current)
if current < 0 then
  current = 0
end
local requested = tonumber(ARGV[1])
local charged = requested
local clamped = 0
if current < requested then
  charged = current
  clamped = 1
end
local balance = current - charged
redis.call('HSET', KEYS[1], 'credits', balance)
return {1, current, balance, clamped}
`)

// creditScript adds to the cached balance only when the hash exists.
// Reply: {found, balance}.
var creditScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return {0, 0}
end
local balance = redis.call('HINCRBY', KEYS[1], 'credits', ARGV[1])
return {1, balance}
`)

// patchScript writes hash fields only when the hash exists, so partial
// updates never create a half-populated account.
var patchScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// markScript queues a user for reconciliation and bumps its generation.
// Reply: the new generation.
var markScript = redis.NewScript(`
redis.call('SADD', KEYS[1], ARGV[1])
return redis.call('HINCRBY', KEYS[2], ARGV[1], 1)
`)

// clearScript dequeues a user only while its generation is still ARGV[2],
// so a marker added during reconciliation survives. Reply: 1 when cleared.
var clearScript = redis.NewScript(`
local gen = redis.call('HGET', KEYS[2], ARGV[1]) or '0'
if gen ~= ARGV[2] then
  return 0
end
redis.call('SREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

// Store fronts the durable account store with a Redis hash per user. The
// cached balance is authoritative for reads; the durable store mirrors it.
type Store struct {
	cache   *cache.Cache
	durable Durable
	vault   vault.Sealer
	retry   *RetryPolicy
	logger  *zap.Logger
	loads   singleflight.Group
}

// NewStore creates a ledger store
func NewStore(c *cache.Cache, durable Durable, sealer vault.Sealer, retry *RetryPolicy, logger *zap.Logger) *Store {
	return &Store{
		cache:   c,
		durable: durable,
		vault:   sealer,
		retry:   retry,
		logger:  logger,
	}
}

// AccountKey returns the cache key of a user's account hash
func AccountKey(userID string) string {
	return "user:" + userID
}

// Vault exposes the sealer accounts are sealed with
func (s *Store) Vault() vault.Sealer {
	return s.vault
}

// GetAccount returns the cached account, loading it from the durable store
// on a miss. Concurrent misses for the same user share one load.
func (s *Store) GetAccount(ctx context.Context, userID string) (*Account, error) {
	if acct, err := s.cachedAccount(ctx, userID); err == nil {
		return acct, nil
	} else if !errors.Is(err, ErrCacheMiss) {
		s.logger.Warn("cached account unreadable, reloading",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	v, err, _ := s.loads.Do(userID, func() (interface{}, error) {
		return s.load(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Account), nil
}

// CachedAccount reads the account from the cache only
func (s *Store) CachedAccount(ctx context.Context, userID string) (*Account, error) {
	return s.cachedAccount(ctx, userID)
}

func (s *Store) cachedAccount(ctx context.Context, userID string) (*Account, error) {
	fields, err := s.cache.HGetAll(ctx, AccountKey(userID))
	if err != nil {
		return nil, fmt.Errorf("read cached account: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrCacheMiss
	}
	return decodeAccount(userID, fields)
}

func (s *Store) load(ctx context.Context, userID string) (*Account, error) {
	rec, err := s.durable.FetchAccount(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("fetch account %s: %w", userID, err)
	}

	acct, err := s.unseal(ctx, rec)
	if err != nil {
		return nil, err
	}

	if err := s.cache.HSet(ctx, AccountKey(userID), encodeAccount(acct)); err != nil {
		return nil, fmt.Errorf("populate account cache: %w", err)
	}

	s.logger.Debug("account loaded into cache", zap.String("user_id", userID))
	return acct, nil
}

func (s *Store) unseal(ctx context.Context, rec *Record) (*Account, error) {
	acct := &Account{
		UserID:                   rec.UserID,
		VaultKeyID:               rec.VaultKeyID,
		AutoTopUpEnabled:         rec.AutoTopUpEnabled,
		AutoTopUpThreshold:       rec.AutoTopUpThreshold,
		AutoTopUpAmount:          rec.AutoTopUpAmount,
		AutoTopUpCurrency:        rec.AutoTopUpCurrency,
		StripeCustomerID:         rec.StripeCustomerID,
		EncryptedPaymentMethodID: rec.EncryptedPaymentMethodID,
		EncryptedAutoTopUpEmail:  rec.EncryptedAutoTopUpEmail,
		EncryptedEmail:           rec.EncryptedEmail,
		StorageUsedBytes:         rec.StorageUsedBytes,
		StorageLastBilledAt:      rec.StorageLastBilledAt,
	}

	if rec.EncryptedCredits != "" {
		raw, err := s.vault.Open(ctx, rec.VaultKeyID, rec.EncryptedCredits)
		if err != nil {
			return nil, fmt.Errorf("open credit balance for %s: %w", rec.UserID, err)
		}
		if acct.Credits, err = strconv.ParseInt(raw, 10, 64); err != nil {
			return nil, fmt.Errorf("invalid credit balance for %s: %w", rec.UserID, err)
		}
	}

	if rec.EncryptedAutoTopUpLastTriggered != "" {
		raw, err := s.vault.Open(ctx, rec.VaultKeyID, rec.EncryptedAutoTopUpLastTriggered)
		if err == nil {
			if ts, perr := strconv.ParseFloat(raw, 64); perr == nil {
				acct.AutoTopUpLastTriggered = &ts
			}
		} else {
			s.logger.Warn("unreadable auto top-up timestamp",
				zap.String("user_id", rec.UserID),
				zap.Error(err),
			)
		}
	}

	return acct, nil
}

// Deduct atomically subtracts credits from the cached balance, clamping the
// charge to what is available.
func (s *Store) Deduct(ctx context.Context, userID string, credits int64) (Deduction, error) {
	reply, err := s.cache.RunScript(ctx, deductScript, []string{AccountKey(userID)}, credits)
	if err != nil {
		return Deduction{}, fmt.Errorf("deduct credits: %w", err)
	}

	vals, err := int64Reply(reply, 4)
	if err != nil {
		return Deduction{}, err
	}
	if vals[0] == 0 {
		return Deduction{}, ErrCacheMiss
	}

	return Deduction{
		Previous: vals[1],
		Balance:  vals[2],
		Charged:  vals[1] - vals[2],
		Clamped:  vals[3] == 1,
	}, nil
}

// Credit atomically adds credits to the cached balance, loading the account
// first if it is not cached.
func (s *Store) Credit(ctx context.Context, userID string, credits int64) (int64, error) {
	for i := 0; i < 2; i++ {
		reply, err := s.cache.RunScript(ctx, creditScript, []string{AccountKey(userID)}, credits)
		if err != nil {
			return 0, fmt.Errorf("credit account: %w", err)
		}
		vals, err := int64Reply(reply, 2)
		if err != nil {
			return 0, err
		}
		if vals[0] == 1 {
			return vals[1], nil
		}
		if _, err := s.GetAccount(ctx, userID); err != nil {
			return 0, err
		}
	}
	return 0, ErrCacheMiss
}

// CachedCredits returns the current cached balance
func (s *Store) CachedCredits(ctx context.Context, userID string) (int64, error) {
	raw, err := s.cache.HGet(ctx, AccountKey(userID), FieldCredits)
	if err != nil {
		if cache.IsMiss(err) {
			return 0, ErrCacheMiss
		}
		return 0, fmt.Errorf("read cached credits: %w", err)
	}
	return strconv.ParseInt(raw, 10, 64)
}

// GetField returns one raw cached field, sealed fields stay sealed. The
// account is loaded first when it is not cached.
func (s *Store) GetField(ctx context.Context, userID, field string) (string, error) {
	raw, err := s.cache.HGet(ctx, AccountKey(userID), field)
	if err == nil {
		return raw, nil
	}
	if !cache.IsMiss(err) {
		return "", fmt.Errorf("read cached field %s: %w", field, err)
	}

	if _, err := s.GetAccount(ctx, userID); err != nil {
		return "", err
	}
	raw, err = s.cache.HGet(ctx, AccountKey(userID), field)
	if cache.IsMiss(err) {
		return "", nil
	}
	return raw, err
}

// PersistCredits writes the cached balance to the durable store, sealed
// under the account key, with retries. The balance is read when each write
// is attempted and checked again afterwards, so a write overtaken by a newer
// charge is repeated with the newer balance. fallback is written when the
// account is no longer cached.
func (s *Store) PersistCredits(ctx context.Context, acct *Account, fallback int64) error {
	for pass := 0; pass < persistPasses; pass++ {
		var written int64
		err := s.retry.Run(ctx, "update_account", func(ctx context.Context) error {
			balance, err := s.currentCredits(ctx, acct.UserID, fallback)
			if err != nil {
				return err
			}
			sealed, err := s.vault.Seal(ctx, acct.VaultKeyID, strconv.FormatInt(balance, 10))
			if err != nil {
				return fmt.Errorf("seal credit balance: %w", err)
			}
			if err := s.durable.UpdateAccount(ctx, acct.UserID, map[string]interface{}{ColEncryptedCredits: sealed}); err != nil {
				return err
			}
			written = balance
			return nil
		})
		if err != nil {
			return err
		}

		current, err := s.currentCredits(ctx, acct.UserID, written)
		if err != nil || current == written {
			return nil
		}
		s.logger.Debug("cached balance moved during durable write",
			zap.String("user_id", acct.UserID),
			zap.Int64("written", written),
			zap.Int64("current", current),
		)
	}
	return nil
}

// currentCredits reads the cached balance, or fallback when the account is not cached
func (s *Store) currentCredits(ctx context.Context, userID string, fallback int64) (int64, error) {
	credits, err := s.CachedCredits(ctx, userID)
	if errors.Is(err, ErrCacheMiss) {
		return fallback, nil
	}
	return credits, err
}

// UpdateDurable writes fields to the durable store with retries
func (s *Store) UpdateDurable(ctx context.Context, userID string, fields map[string]interface{}) error {
	return s.retry.Run(ctx, "update_account", func(ctx context.Context) error {
		return s.durable.UpdateAccount(ctx, userID, fields)
	})
}

// PatchCache writes fields to an existing cached account; absent accounts are left alone
func (s *Store) PatchCache(ctx context.Context, userID string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	if _, err := s.cache.RunScript(ctx, patchScript, []string{AccountKey(userID)}, args...); err != nil {
		return fmt.Errorf("patch cached account: %w", err)
	}
	return nil
}

// MarkUnpersisted queues a user whose cached balance did not reach the durable store
func (s *Store) MarkUnpersisted(ctx context.Context, userID string) error {
	if _, err := s.cache.RunScript(ctx, markScript, []string{unpersistedKey, unpersistedGenKey}, userID); err != nil {
		return fmt.Errorf("queue unpersisted account: %w", err)
	}
	return nil
}

// Unpersisted lists users awaiting reconciliation
func (s *Store) Unpersisted(ctx context.Context) ([]string, error) {
	return s.cache.SMembers(ctx, unpersistedKey)
}

// unpersistedGeneration returns how often a user has been queued, "0" for
// markers that predate generations
func (s *Store) unpersistedGeneration(ctx context.Context, userID string) (string, error) {
	gen, err := s.cache.HGet(ctx, unpersistedGenKey, userID)
	if cache.IsMiss(err) {
		return "0", nil
	}
	return gen, err
}

// clearUnpersisted dequeues a user unless it was queued again after gen was read
func (s *Store) clearUnpersisted(ctx context.Context, userID, gen string) (bool, error) {
	reply, err := s.cache.RunScript(ctx, clearScript, []string{unpersistedKey, unpersistedGenKey}, userID, gen)
	if err != nil {
		return false, fmt.Errorf("clear unpersisted account: %w", err)
	}
	cleared, _ := reply.(int64)
	return cleared == 1, nil
}

// Reconcile re-seals the cached balance of every queued user and writes it
// durably. It returns how many users were persisted. A user queued again
// while its balance was being written stays queued for the next pass.
func (s *Store) Reconcile(ctx context.Context) (int, error) {
	users, err := s.Unpersisted(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unpersisted accounts: %w", err)
	}

	persisted := 0
	for _, userID := range users {
		gen, err := s.unpersistedGeneration(ctx, userID)
		if err != nil {
			s.logger.Warn("reconcile: unreadable marker", zap.String("user_id", userID), zap.Error(err))
			continue
		}

		acct, err := s.cachedAccount(ctx, userID)
		if err != nil {
			// Nothing cached means nothing newer than the durable copy.
			if errors.Is(err, ErrCacheMiss) {
				_, _ = s.clearUnpersisted(ctx, userID, gen)
				continue
			}
			s.logger.Warn("reconcile: unreadable cached account", zap.String("user_id", userID), zap.Error(err))
			continue
		}

		if err := s.PersistCredits(ctx, acct, acct.Credits); err != nil {
			s.logger.Warn("reconcile: persist failed", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		persisted++

		cleared, err := s.clearUnpersisted(ctx, userID, gen)
		if err != nil {
			s.logger.Warn("reconcile: failed to clear marker", zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if !cleared {
			s.logger.Info("reconcile: account queued again during write", zap.String("user_id", userID))
		}
	}

	return persisted, nil
}

// Health checks the durable store
func (s *Store) Health(ctx context.Context) error {
	return s.durable.Health(ctx)
}

func int64Reply(reply interface{}, n int) ([]int64, error) {
	items, ok := reply.([]interface{})
	if !ok || len(items) != n {
		return nil, fmt.Errorf("unexpected script reply %v", reply)
	}
	out := make([]int64, n)
	for i, item := range items {
		v, ok := item.(int64)
		if !ok {
			return nil, fmt.Errorf("unexpected script reply element %v", item)
		}
		out[i] = v
	}
	return out, nil
}
