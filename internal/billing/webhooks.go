package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/crosslogic/credit-engine/internal/ledger"
	"github.com/crosslogic/credit-engine/internal/realtime"
	"github.com/crosslogic/credit-engine/pkg/cache"
	"github.com/crosslogic/credit-engine/pkg/events"
	"github.com/crosslogic/credit-engine/pkg/metrics"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const (
	webhookProcessedTTL  = 24 * time.Hour
	webhookProcessingTTL = 5 * time.Minute
	maxWebhookBody       = 65536
)

// WebhookHandler completes auto top-up orders from Stripe payment events.
//
// Events are verified with the Stripe signing secret and deduplicated in
// Redis by event id. A succeeded intent that maps to a cached auto top-up
// order credits the account, persists the sealed balance and pushes the new
// balance to live clients.
type WebhookHandler struct {
	webhookSecret string
	cache         *cache.Cache
	orders        *OrderCache
	ledger        *ledger.Store
	broadcaster   realtime.Broadcaster
	eventBus      events.Publisher
	logger        *zap.Logger
}

// NewWebhookHandler creates a new Stripe webhook handler
func NewWebhookHandler(
	webhookSecret string,
	cacheClient *cache.Cache,
	orders *OrderCache,
	store *ledger.Store,
	broadcaster realtime.Broadcaster,
	eventBus events.Publisher,
	logger *zap.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		webhookSecret: webhookSecret,
		cache:         cacheClient,
		orders:        orders,
		ledger:        store,
		broadcaster:   broadcaster,
		eventBus:      eventBus,
		logger:        logger,
	}
}

// HandleWebhook processes incoming Stripe webhook events.
//
// HTTP Response Codes:
// - 200 OK: processed, duplicate, or ignored event type
// - 400 Bad Request: unreadable body or bad signature
// - 500 Internal Server Error: processing failed; Stripe retries
func (h *WebhookHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Error("failed to read webhook body", zap.Error(err))
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	signature := r.Header.Get("Stripe-Signature")
	event, err := webhook.ConstructEventWithOptions(body, signature, h.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		h.logger.Warn("webhook signature verification failed", zap.Error(err))
		metrics.WebhookEvents.WithLabelValues("unknown", "invalid_signature").Inc()
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	lockAcquired, err := h.reserveEvent(ctx, event.ID)
	if err != nil {
		h.logger.Error("failed to reserve webhook event",
			zap.Error(err),
			zap.String("event_id", event.ID),
		)
		http.Error(w, "Failed to reserve event", http.StatusInternalServerError)
		return
	}
	if !lockAcquired {
		h.logger.Info("webhook event already in progress or processed",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		metrics.WebhookEvents.WithLabelValues(string(event.Type), "duplicate").Inc()
		w.WriteHeader(http.StatusOK)
		return
	}

	var handlerErr error
	defer func() {
		h.finalizeEvent(context.WithoutCancel(ctx), event.ID, handlerErr == nil)
	}()

	h.logger.Info("processing webhook event",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
	)

	switch event.Type {
	case "payment_intent.succeeded":
		handlerErr = h.handlePaymentSucceeded(ctx, event)
	case "payment_intent.payment_failed":
		handlerErr = h.handlePaymentFailed(ctx, event)
	default:
		h.logger.Debug("ignoring webhook event type",
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
	}

	if handlerErr != nil {
		h.logger.Error("webhook event processing failed",
			zap.Error(handlerErr),
			zap.String("event_id", event.ID),
			zap.String("event_type", string(event.Type)),
		)
		metrics.WebhookEvents.WithLabelValues(string(event.Type), "error").Inc()
		http.Error(w, "Event processing failed", http.StatusInternalServerError)
		return
	}

	metrics.WebhookEvents.WithLabelValues(string(event.Type), "ok").Inc()
	w.WriteHeader(http.StatusOK)
}

// handlePaymentSucceeded credits the account behind an auto top-up order
func (h *WebhookHandler) handlePaymentSucceeded(ctx context.Context, event stripe.Event) error {
	var paymentIntent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &paymentIntent); err != nil {
		return fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	order, err := h.autoTopUpOrder(ctx, paymentIntent.ID)
	if err != nil || order == nil {
		return err
	}

	claimed, err := h.orders.Complete(ctx, order.ID)
	if err != nil {
		return err
	}
	if !claimed {
		h.logger.Info("order already completed", zap.String("intent_id", order.ID))
		return nil
	}

	balance, err := h.ledger.Credit(ctx, order.UserID, order.CreditsAmount)
	if err != nil {
		if rerr := h.orders.Reopen(context.WithoutCancel(ctx), order.ID, order.Status); rerr != nil {
			h.logger.Error("failed to reopen order", zap.String("intent_id", order.ID), zap.Error(rerr))
		}
		return fmt.Errorf("credit account %s: %w", order.UserID, err)
	}

	// the credit is in the cache; finish even if Stripe hangs up
	ctx = context.WithoutCancel(ctx)

	acct, err := h.ledger.GetAccount(ctx, order.UserID)
	if err == nil {
		err = h.ledger.PersistCredits(ctx, acct, balance)
	}
	if err != nil {
		// the cache already holds the credit; the reconciler persists it
		h.logger.Error("top-up credit not persisted",
			zap.String("user_id", order.UserID),
			zap.Error(err),
		)
		if merr := h.ledger.MarkUnpersisted(ctx, order.UserID); merr != nil {
			h.logger.Error("failed to queue account for reconciliation", zap.String("user_id", order.UserID), zap.Error(merr))
		}
	}

	if err := h.broadcaster.BroadcastToUser(ctx, order.UserID, realtime.CreditsUpdated(balance)); err != nil {
		h.logger.Warn("failed to broadcast top-up balance", zap.String("user_id", order.UserID), zap.Error(err))
	}

	h.logger.Info("auto top-up credited",
		zap.String("user_id", order.UserID),
		zap.String("intent_id", order.ID),
		zap.Int64("credits", order.CreditsAmount),
		zap.Int64("balance", balance),
	)

	if h.eventBus != nil {
		_ = h.eventBus.Publish(ctx, events.NewEvent(events.EventTopUpCredited, order.UserID, map[string]interface{}{
			"intent_id": order.ID,
			"credits":   order.CreditsAmount,
			"amount":    paymentIntent.Amount,
			"currency":  string(paymentIntent.Currency),
		}))
	}

	return nil
}

// handlePaymentFailed marks the auto top-up order failed
func (h *WebhookHandler) handlePaymentFailed(ctx context.Context, event stripe.Event) error {
	var paymentIntent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &paymentIntent); err != nil {
		return fmt.Errorf("failed to unmarshal payment intent: %w", err)
	}

	order, err := h.autoTopUpOrder(ctx, paymentIntent.ID)
	if err != nil || order == nil {
		return err
	}

	if _, err := h.orders.SetStatus(ctx, order.ID, OrderFailed); err != nil {
		return err
	}

	failureCode := ""
	if paymentIntent.LastPaymentError != nil {
		failureCode = string(paymentIntent.LastPaymentError.Code)
	}
	h.logger.Warn("auto top-up payment failed",
		zap.String("user_id", order.UserID),
		zap.String("intent_id", order.ID),
		zap.String("failure_code", failureCode),
	)

	if h.eventBus != nil {
		_ = h.eventBus.Publish(ctx, events.NewEvent(events.EventTopUpFailed, order.UserID, map[string]interface{}{
			"intent_id":    order.ID,
			"credits":      order.CreditsAmount,
			"failure_code": failureCode,
		}))
	}
	return nil
}

// autoTopUpOrder returns nil without error for intents this engine did not create
func (h *WebhookHandler) autoTopUpOrder(ctx context.Context, intentID string) (*Order, error) {
	if intentID == "" {
		return nil, errors.New("payment intent missing id")
	}

	order, err := h.orders.Get(ctx, intentID)
	if errors.Is(err, ErrOrderNotFound) {
		h.logger.Debug("no auto top-up order for intent", zap.String("intent_id", intentID))
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !order.IsAutoTopUp {
		return nil, nil
	}
	return order, nil
}

func (h *WebhookHandler) reserveEvent(ctx context.Context, eventID string) (bool, error) {
	return h.cache.SetNX(ctx, h.redisKeyForEvent(eventID), "processing", webhookProcessingTTL)
}

func (h *WebhookHandler) finalizeEvent(ctx context.Context, eventID string, success bool) {
	key := h.redisKeyForEvent(eventID)
	if success {
		if err := h.cache.Set(ctx, key, "processed", webhookProcessedTTL); err != nil {
			h.logger.Warn("failed to persist webhook completion in cache",
				zap.String("event_id", eventID),
				zap.Error(err),
			)
		}
		return
	}

	if err := h.cache.Delete(ctx, key); err != nil {
		h.logger.Warn("failed to release webhook lock",
			zap.String("event_id", eventID),
			zap.Error(err),
		)
	}
}

func (h *WebhookHandler) redisKeyForEvent(eventID string) string {
	return fmt.Sprintf("webhooks:stripe:%s", eventID)
}
