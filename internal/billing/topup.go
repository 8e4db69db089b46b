package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/crosslogic/credit-engine/internal/ledger"
	"github.com/crosslogic/credit-engine/internal/vault"
	"github.com/crosslogic/credit-engine/pkg/cache"
	"github.com/crosslogic/credit-engine/pkg/events"
	"github.com/crosslogic/credit-engine/pkg/metrics"
	"go.uber.org/zap"
)

const (
	// DefaultTopUpCooldown is the wait after a presumed-successful top-up
	DefaultTopUpCooldown = time.Hour
	// DefaultTopUpRetryCooldown is the wait when the last attempt left the balance low
	DefaultTopUpRetryCooldown = 5 * time.Minute

	// topUpClaimTTL holds off overlapping attempts for one user until the
	// winning attempt has stamped its trigger time.
	topUpClaimTTL = time.Minute
)

// Decision is the result of evaluating the top-up state machine
type Decision int

const (
	DecisionDisabled Decision = iota
	DecisionAboveThreshold
	DecisionCooldown
	DecisionRetryCooldown
	DecisionProceed
)

func (d Decision) String() string {
	switch d {
	case DecisionDisabled:
		return "disabled"
	case DecisionAboveThreshold:
		return "above_threshold"
	case DecisionCooldown:
		return "cooldown"
	case DecisionRetryCooldown:
		return "retry_cooldown"
	case DecisionProceed:
		return "proceed"
	default:
		return "unknown"
	}
}

// CooldownPolicy holds the two cooldown windows
type CooldownPolicy struct {
	Cooldown      time.Duration
	RetryCooldown time.Duration
}

// Evaluate decides whether to top up. newBalance is the balance the charge
// produced; currentCredits is the cached balance at the time of the check.
func (p CooldownPolicy) Evaluate(acct *ledger.Account, newBalance, currentCredits int64, now time.Time) Decision {
	if !acct.AutoTopUpEnabled {
		return DecisionDisabled
	}
	if newBalance > ledger.FixedTopUpThreshold {
		return DecisionAboveThreshold
	}

	last, ok := acct.LastTriggeredAt()
	if !ok {
		return DecisionProceed
	}

	elapsed := now.Sub(last)
	if elapsed >= p.Cooldown {
		return DecisionProceed
	}
	if currentCredits > ledger.FixedTopUpThreshold {
		return DecisionCooldown
	}
	if elapsed < p.RetryCooldown {
		return DecisionRetryCooldown
	}
	return DecisionProceed
}

// TopUpOrchestrator replenishes low balances with the saved payment method
type TopUpOrchestrator struct {
	ledger   *ledger.Store
	cache    *cache.Cache
	vault    vault.Sealer
	orders   *OrderCache
	provider PaymentProvider
	pricing  *PricingTable
	policy   CooldownPolicy
	events   events.Publisher
	logger   *zap.Logger
	now      func() time.Time
}

// NewTopUpOrchestrator wires the orchestrator
func NewTopUpOrchestrator(
	store *ledger.Store,
	c *cache.Cache,
	orders *OrderCache,
	provider PaymentProvider,
	pricing *PricingTable,
	policy CooldownPolicy,
	publisher events.Publisher,
	logger *zap.Logger,
) *TopUpOrchestrator {
	return &TopUpOrchestrator{
		ledger:   store,
		cache:    c,
		vault:    store.Vault(),
		orders:   orders,
		provider: provider,
		pricing:  pricing,
		policy:   policy,
		events:   publisher,
		logger:   logger,
		now:      time.Now,
	}
}

// MaybeTriggerTopUp evaluates the cooldown state machine and, when due,
// runs the top-up sequence. A non-nil return is an aborted attempt; it is
// already logged and never reaches the charge caller.
func (o *TopUpOrchestrator) MaybeTriggerTopUp(ctx context.Context, acct *ledger.Account, newBalance int64) error {
	if acct.AutoTopUpEnabled && acct.AutoTopUpThreshold != ledger.FixedTopUpThreshold {
		o.resetThreshold(ctx, acct)
	}

	current, err := o.ledger.CachedCredits(ctx, acct.UserID)
	if err != nil {
		current = newBalance
	}

	decision := o.policy.Evaluate(acct, newBalance, current, o.now())
	if decision != DecisionProceed {
		if decision != DecisionDisabled && decision != DecisionAboveThreshold {
			o.logger.Debug("auto top-up on cooldown",
				zap.String("user_id", acct.UserID),
				zap.String("decision", decision.String()),
			)
		}
		metrics.TopUpAttempts.WithLabelValues(decision.String()).Inc()
		return nil
	}

	claimed, err := o.cache.SetNX(ctx, topUpClaimKey(acct.UserID), o.now().Unix(), topUpClaimTTL)
	if err != nil {
		metrics.TopUpAttempts.WithLabelValues("aborted").Inc()
		o.logger.Warn("auto top-up failed", zap.String("user_id", acct.UserID), zap.Error(err))
		return abort("claim", err)
	}
	if !claimed {
		o.logger.Debug("auto top-up already in flight", zap.String("user_id", acct.UserID))
		metrics.TopUpAttempts.WithLabelValues("in_flight").Inc()
		return nil
	}

	if err := o.run(ctx, acct); err != nil {
		metrics.TopUpAttempts.WithLabelValues("aborted").Inc()
		o.logger.Warn("auto top-up failed",
			zap.String("user_id", acct.UserID),
			zap.Error(err),
		)
		return err
	}

	metrics.TopUpAttempts.WithLabelValues("confirmed").Inc()
	return nil
}

func topUpClaimKey(userID string) string {
	return "topup:" + userID
}

func (o *TopUpOrchestrator) run(ctx context.Context, acct *ledger.Account) error {
	if acct.StripeCustomerID == "" {
		return abort("customer", errors.New("no payment customer on account"))
	}

	paymentMethodID, err := o.vault.Open(ctx, acct.VaultKeyID, acct.EncryptedPaymentMethodID)
	if err != nil {
		return abort("payment_method", err)
	}
	if paymentMethodID == "" {
		return abort("payment_method", errors.New("empty payment method"))
	}

	if acct.AutoTopUpAmount <= 0 {
		return abort("amount", fmt.Errorf("invalid auto top-up amount %d", acct.AutoTopUpAmount))
	}

	price, ok := o.pricing.PriceFor(acct.AutoTopUpAmount, acct.AutoTopUpCurrency)
	if !ok {
		return abort("price", fmt.Errorf("no price for %d credits in %q", acct.AutoTopUpAmount, acct.AutoTopUpCurrency))
	}

	intent, err := o.provider.CreatePaymentIntent(ctx, IntentRequest{
		AmountCents: price,
		Currency:    acct.AutoTopUpCurrency,
		Email:       o.receiptEmail(ctx, acct),
		Credits:     acct.AutoTopUpAmount,
		CustomerID:  acct.StripeCustomerID,
		UserID:      acct.UserID,
	})
	if err != nil {
		return abort("create_intent", err)
	}

	// the webhook credits the account from this record
	err = o.orders.Put(ctx, Order{
		ID:            intent.ID,
		UserID:        acct.UserID,
		CreditsAmount: acct.AutoTopUpAmount,
		Currency:      acct.AutoTopUpCurrency,
		Status:        OrderPending,
		IsAutoTopUp:   true,
	})
	if err != nil {
		return abort("cache_order", err)
	}

	owner, err := o.provider.PaymentMethodCustomer(ctx, paymentMethodID)
	if err == nil && owner != acct.StripeCustomerID {
		err = errors.New("payment method does not belong to customer")
	}
	if err != nil {
		o.fail(ctx, acct, intent.ID)
		return abort("verify_payment_method", err)
	}

	if _, err := o.provider.ConfirmPaymentIntent(ctx, intent.ID, paymentMethodID); err != nil {
		o.fail(ctx, acct, intent.ID)
		return abort("confirm", err)
	}

	if _, err := o.orders.SetStatus(ctx, intent.ID, OrderConfirmed); err != nil {
		o.logger.Warn("failed to mark order confirmed", zap.String("user_id", acct.UserID), zap.Error(err))
	}
	o.stampTriggered(ctx, acct)

	o.logger.Info("auto top-up confirmed",
		zap.String("user_id", acct.UserID),
		zap.Int64("credits", acct.AutoTopUpAmount),
		zap.String("currency", acct.AutoTopUpCurrency),
	)
	o.publish(ctx, events.EventTopUpConfirmed, acct, intent.ID)

	return nil
}

func (o *TopUpOrchestrator) fail(ctx context.Context, acct *ledger.Account, intentID string) {
	if _, err := o.orders.SetStatus(ctx, intentID, OrderFailed); err != nil {
		o.logger.Warn("failed to mark order failed", zap.String("user_id", acct.UserID), zap.Error(err))
	}
	o.publish(ctx, events.EventTopUpFailed, acct, intentID)
}

// receiptEmail prefers the dedicated top-up email and falls back to the account email
func (o *TopUpOrchestrator) receiptEmail(ctx context.Context, acct *ledger.Account) string {
	for _, sealed := range []string{acct.EncryptedAutoTopUpEmail, acct.EncryptedEmail} {
		if sealed == "" {
			continue
		}
		email, err := o.vault.Open(ctx, acct.VaultKeyID, sealed)
		if err == nil && email != "" {
			return email
		}
	}
	return ""
}

func (o *TopUpOrchestrator) stampTriggered(ctx context.Context, acct *ledger.Account) {
	ts := ledger.FormatTimestamp(o.now())

	if err := o.ledger.PatchCache(ctx, acct.UserID, map[string]interface{}{ledger.FieldLastTriggered: ts}); err != nil {
		o.logger.Warn("failed to cache auto top-up timestamp", zap.String("user_id", acct.UserID), zap.Error(err))
	}

	sealed, err := o.vault.Seal(ctx, acct.VaultKeyID, ts)
	if err != nil {
		o.logger.Warn("failed to seal auto top-up timestamp", zap.String("user_id", acct.UserID), zap.Error(err))
		return
	}
	if err := o.ledger.UpdateDurable(ctx, acct.UserID, map[string]interface{}{ledger.ColEncryptedLastTriggered: sealed}); err != nil {
		o.logger.Warn("failed to persist auto top-up timestamp", zap.String("user_id", acct.UserID), zap.Error(err))
	}
}

func (o *TopUpOrchestrator) resetThreshold(ctx context.Context, acct *ledger.Account) {
	o.logger.Info("resetting auto top-up threshold",
		zap.String("user_id", acct.UserID),
		zap.Int64("stored", acct.AutoTopUpThreshold),
	)
	if err := o.ledger.PatchCache(ctx, acct.UserID, map[string]interface{}{ledger.FieldAutoTopUpThreshold: ledger.FixedTopUpThreshold}); err != nil {
		o.logger.Warn("failed to reset cached threshold", zap.String("user_id", acct.UserID), zap.Error(err))
	}
	if err := o.ledger.UpdateDurable(ctx, acct.UserID, map[string]interface{}{ledger.ColAutoTopUpThreshold: ledger.FixedTopUpThreshold}); err != nil {
		o.logger.Warn("failed to reset stored threshold", zap.String("user_id", acct.UserID), zap.Error(err))
	}
}

func (o *TopUpOrchestrator) publish(ctx context.Context, t events.EventType, acct *ledger.Account, intentID string) {
	if o.events == nil {
		return
	}
	_ = o.events.Publish(ctx, events.NewEvent(t, acct.UserID, map[string]interface{}{
		"intent_id": intentID,
		"credits":   acct.AutoTopUpAmount,
		"currency":  acct.AutoTopUpCurrency,
	}))
}
