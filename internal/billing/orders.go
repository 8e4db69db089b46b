package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/crosslogic/credit-engine/pkg/cache"
	"github.com/go-redis/redis/v8"
)

// ErrOrderNotFound is returned when no order is cached for an intent
var ErrOrderNotFound = errors.New("billing: order not found")

// OrderStatus is the lifecycle state of a cached order
type OrderStatus string

const (
	OrderPending   OrderStatus = "auto_topup_pending"
	OrderConfirmed OrderStatus = "auto_topup_confirmed"
	OrderFailed    OrderStatus = "auto_topup_failed"
	OrderCompleted OrderStatus = "completed"
)

// Order is a pending payment attempt keyed by payment intent id
type Order struct {
	ID            string
	UserID        string
	CreditsAmount int64
	Currency      string
	Status        OrderStatus
	IsAutoTopUp   bool
	CreatedAt     time.Time
}

// setStatusScript moves an order to ARGV[1]. A completed order only moves
// when ARGV[3] is "force". Reply: 1 moved, 0 missing, -1 already completed.
var setStatusScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
if redis.call('HGET', KEYS[1], 'status') == 'completed' and ARGV[3] ~= 'force' then
  return -1
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'updated_at', ARGV[2])
return 1
`)

// OrderCache keeps orders in Redis hashes under order:<intent id>
type OrderCache struct {
	cache *cache.Cache
	ttl   time.Duration
}

// NewOrderCache creates an order cache whose entries expire after ttl
func NewOrderCache(c *cache.Cache, ttl time.Duration) *OrderCache {
	return &OrderCache{cache: c, ttl: ttl}
}

func orderKey(id string) string {
	return "order:" + id
}

// Put stores an order and starts its expiry
func (o *OrderCache) Put(ctx context.Context, order Order) error {
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	key := orderKey(order.ID)
	err := o.cache.HSet(ctx, key, map[string]interface{}{
		"order_id":       order.ID,
		"user_id":        order.UserID,
		"credits_amount": order.CreditsAmount,
		"currency":       order.Currency,
		"status":         string(order.Status),
		"is_auto_topup":  strconv.FormatBool(order.IsAutoTopUp),
		"created_at":     order.CreatedAt.Unix(),
	})
	if err != nil {
		return fmt.Errorf("cache order: %w", err)
	}
	if err := o.cache.Expire(ctx, key, o.ttl); err != nil {
		return fmt.Errorf("expire order: %w", err)
	}
	return nil
}

// Get loads an order
func (o *OrderCache) Get(ctx context.Context, id string) (*Order, error) {
	fields, err := o.cache.HGetAll(ctx, orderKey(id))
	if err != nil {
		return nil, fmt.Errorf("read order: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrOrderNotFound
	}

	credits, err := strconv.ParseInt(fields["credits_amount"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid order credits: %w", err)
	}
	created, _ := strconv.ParseInt(fields["created_at"], 10, 64)

	return &Order{
		ID:            fields["order_id"],
		UserID:        fields["user_id"],
		CreditsAmount: credits,
		Currency:      fields["currency"],
		Status:        OrderStatus(fields["status"]),
		IsAutoTopUp:   fields["is_auto_topup"] == "true",
		CreatedAt:     time.Unix(created, 0).UTC(),
	}, nil
}

// SetStatus moves an order to status unless it is already completed.
// It reports whether the status changed.
func (o *OrderCache) SetStatus(ctx context.Context, id string, status OrderStatus) (bool, error) {
	return o.setStatus(ctx, id, status, false)
}

// Complete claims an order for crediting. Only the first caller gets true.
func (o *OrderCache) Complete(ctx context.Context, id string) (bool, error) {
	return o.setStatus(ctx, id, OrderCompleted, false)
}

// Reopen reverts a claimed order so a later delivery can retry it
func (o *OrderCache) Reopen(ctx context.Context, id string, status OrderStatus) error {
	_, err := o.setStatus(ctx, id, status, true)
	return err
}

func (o *OrderCache) setStatus(ctx context.Context, id string, status OrderStatus, force bool) (bool, error) {
	mode := ""
	if force {
		mode = "force"
	}
	reply, err := o.cache.RunScript(ctx, setStatusScript, []string{orderKey(id)},
		string(status), time.Now().Unix(), mode)
	if err != nil {
		return false, fmt.Errorf("update order status: %w", err)
	}

	n, _ := reply.(int64)
	switch n {
	case 1:
		return true, nil
	case 0:
		return false, ErrOrderNotFound
	default:
		return false, nil
	}
}
