package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeRefundAPI interface {
	New(params *stripe.RefundParams) (*stripe.Refund, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
	refunds stripeRefundAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey    string
	AccountID string
	Backends  *stripe.Backends
	Logger    StripeLogger
	Clock     func() time.Time
	Clients   *stripeClients
}

// StripeProvider implements the Provider interface using Stripe Payment Intents.
type StripeProvider struct {
	api     stripeClients
	account string
	clock   func() time.Time
	logger  StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{
			intents: sc.PaymentIntents,
			refunds: sc.Refunds,
		}
	}

	if clients.intents == nil || clients.refunds == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateIntent opens a Stripe Payment Intent for the order amount. The order ID rides
// along in metadata so webhook events can be traced back without a database lookup.
func (p *StripeProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("stripe: provider is nil")
	}
	if req.Amount <= 0 {
		return Intent{}, errors.New("stripe: intent amount must be positive")
	}
	currency := strings.ToLower(strings.TrimSpace(req.Currency))
	if currency == "" {
		return Intent{}, errors.New("stripe: intent currency is required")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.CustomerID != "" {
		params.Customer = stripe.String(req.CustomerID)
	}

	params.Metadata = make(map[string]string, len(req.Metadata)+1)
	for k, v := range req.Metadata {
		params.Metadata[k] = v
	}
	if orderID := strings.TrimSpace(req.OrderID); orderID != "" {
		params.Metadata["orderId"] = orderID
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		return Intent{}, fmt.Errorf("stripe: create payment intent: %w", err)
	}

	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"orderId":       req.OrderID,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
	})

	raw := map[string]any{}
	if data, err := json.Marshal(intent); err == nil {
		_ = json.Unmarshal(data, &raw)
	} else {
		raw["payment_intent"] = intent
	}

	return Intent{
		ID:           intent.ID,
		Provider:     "stripe",
		ClientSecret: intent.ClientSecret,
		Status:       stripeIntentStatus(intent),
		Amount:       intent.Amount,
		Currency:     strings.ToUpper(string(intent.Currency)),
		CreatedAt:    time.Unix(intent.Created, 0).UTC(),
		Raw:          raw,
	}, nil
}

// Refund creates a refund for the provided Payment Intent and returns the refreshed
// payment details.
func (p *StripeProvider) Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.IntentID),
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.Amount != nil {
		params.Amount = stripe.Int64(*req.Amount)
	}
	if reason := mapStripeRefundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}
	refund, err := p.api.refunds.New(params)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: refund payment intent: %w", err)
	}
	p.logger(ctx, "payments.stripe.intent.refunded", map[string]any{
		"paymentIntent": req.IntentID,
		"refund":        refund.ID,
		"amount":        refund.Amount,
	})
	details, err := p.LookupPayment(ctx, LookupRequest{IntentID: req.IntentID})
	if err != nil {
		return PaymentDetails{}, err
	}
	details.RefundID = refund.ID
	return details, nil
}

// LookupPayment retrieves a Stripe Payment Intent.
func (p *StripeProvider) LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error) {
	if p == nil {
		return PaymentDetails{}, errors.New("stripe: provider is nil")
	}
	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Get(req.IntentID, params)
	if err != nil {
		return PaymentDetails{}, fmt.Errorf("stripe: lookup payment intent: %w", err)
	}
	return StripePaymentDetails(intent), nil
}

// StripePaymentDetails normalises a Payment Intent into the provider-agnostic shape.
// Webhook handling reuses this for intents carried inside event payloads.
func StripePaymentDetails(intent *stripe.PaymentIntent) PaymentDetails {
	if intent == nil {
		return PaymentDetails{}
	}

	status := stripeIntentStatus(intent)

	var capturedAt *time.Time
	var refundedAt *time.Time
	var amountRefunded int64
	failureReason := ""

	if intent.LastPaymentError != nil {
		failureReason = intent.LastPaymentError.Msg
	}

	if charge := intent.LatestCharge; charge != nil {
		if charge.Paid || charge.Captured {
			t := time.Unix(charge.Created, 0).UTC()
			capturedAt = &t
		}
		if charge.AmountRefunded > 0 {
			amountRefunded = charge.AmountRefunded
			t := time.Unix(charge.Created, 0).UTC()
			refundedAt = &t
			if charge.AmountRefunded >= charge.Amount && charge.Amount > 0 {
				status = StatusRefunded
			} else {
				status = StatusPartiallyRefunded
			}
		}
		if failureReason == "" && charge.FailureMessage != "" {
			failureReason = charge.FailureMessage
		}
	}

	currency := strings.ToUpper(string(intent.Currency))
	if currency == "" && intent.LatestCharge != nil {
		currency = strings.ToUpper(string(intent.LatestCharge.Currency))
	}

	raw := map[string]any{}
	if data, err := json.Marshal(intent); err == nil {
		_ = json.Unmarshal(data, &raw)
	} else {
		raw["payment_intent"] = intent
	}

	return PaymentDetails{
		Provider:       "stripe",
		IntentID:       intent.ID,
		Status:         status,
		Amount:         intent.Amount,
		AmountRefunded: amountRefunded,
		Currency:       currency,
		FailureReason:  failureReason,
		CapturedAt:     capturedAt,
		RefundedAt:     refundedAt,
		Raw:            raw,
	}
}

func stripeIntentStatus(intent *stripe.PaymentIntent) Status {
	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSucceeded
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	default:
		return StatusPending
	}
}

func mapStripeRefundReason(reason string) string {
	switch strings.ToLower(strings.TrimSpace(reason)) {
	case string(stripe.RefundReasonDuplicate):
		return string(stripe.RefundReasonDuplicate)
	case string(stripe.RefundReasonFraudulent):
		return string(stripe.RefundReasonFraudulent)
	case string(stripe.RefundReasonRequestedByCustomer):
		return string(stripe.RefundReasonRequestedByCustomer)
	default:
		return ""
	}
}
