package billing

import (
	"context"
	"fmt"
	"strconv"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"github.com/stripe/stripe-go/v76/paymentmethod"
	"go.uber.org/zap"
)

// IntentRequest describes a payment intent for a credit package
type IntentRequest struct {
	AmountCents int64
	Currency    string
	Email       string
	Credits     int64
	CustomerID  string
	UserID      string
}

// Intent is the provider-side payment intent
type Intent struct {
	ID           string
	ClientSecret string
	Status       string
}

// PaymentProvider creates and confirms off-session payments
type PaymentProvider interface {
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error)
	// PaymentMethodCustomer returns the customer a payment method is attached to
	PaymentMethodCustomer(ctx context.Context, paymentMethodID string) (string, error)
	ConfirmPaymentIntent(ctx context.Context, intentID, paymentMethodID string) (*Intent, error)
}

// StripeProvider implements PaymentProvider with the Stripe API
type StripeProvider struct {
	logger *zap.Logger
}

// NewStripeProvider configures the Stripe client
func NewStripeProvider(secretKey string, logger *zap.Logger) *StripeProvider {
	stripe.Key = secretKey
	return &StripeProvider{logger: logger}
}

// CreatePaymentIntent creates an intent tagged as an auto top-up
func (p *StripeProvider) CreatePaymentIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Params:             stripe.Params{Context: ctx},
		Amount:             stripe.Int64(req.AmountCents),
		Currency:           stripe.String(req.Currency),
		Customer:           stripe.String(req.CustomerID),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
	}
	if req.Email != "" {
		params.ReceiptEmail = stripe.String(req.Email)
	}
	params.AddMetadata("credits_amount", strconv.FormatInt(req.Credits, 10))
	params.AddMetadata("user_id", req.UserID)
	params.AddMetadata("is_auto_topup", "true")

	pi, err := paymentintent.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment intent: %w", err)
	}

	p.logger.Info("payment intent created",
		zap.String("intent_id", pi.ID),
		zap.Int64("amount", pi.Amount),
		zap.String("currency", string(pi.Currency)),
	)

	return &Intent{ID: pi.ID, ClientSecret: pi.ClientSecret, Status: string(pi.Status)}, nil
}

// PaymentMethodCustomer retrieves a payment method and returns its customer id
func (p *StripeProvider) PaymentMethodCustomer(ctx context.Context, paymentMethodID string) (string, error) {
	pm, err := paymentmethod.Get(paymentMethodID, &stripe.PaymentMethodParams{
		Params: stripe.Params{Context: ctx},
	})
	if err != nil {
		return "", fmt.Errorf("retrieve payment method: %w", err)
	}
	if pm.Customer == nil {
		return "", nil
	}
	return pm.Customer.ID, nil
}

// ConfirmPaymentIntent confirms an intent off-session with the saved payment method
func (p *StripeProvider) ConfirmPaymentIntent(ctx context.Context, intentID, paymentMethodID string) (*Intent, error) {
	pi, err := paymentintent.Confirm(intentID, &stripe.PaymentIntentConfirmParams{
		Params:        stripe.Params{Context: ctx},
		PaymentMethod: stripe.String(paymentMethodID),
		OffSession:    stripe.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("confirm payment intent: %w", err)
	}
	return &Intent{ID: pi.ID, ClientSecret: pi.ClientSecret, Status: string(pi.Status)}, nil
}
