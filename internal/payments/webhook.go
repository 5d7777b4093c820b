package payments

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/webhook"
)

// ErrInvalidSignature is returned when a webhook payload fails signature verification.
var ErrInvalidSignature = errors.New("payments: invalid webhook signature")

// ErrUnhandledEvent is returned for event types the pipeline does not consume.
var ErrUnhandledEvent = errors.New("payments: unhandled webhook event")

// GatewayEvent is a verified, normalised PSP webhook event.
type GatewayEvent struct {
	ID       string
	Type     string
	IntentID string
	OrderID  string
	Details  PaymentDetails
}

// StripeWebhookParser verifies Stripe webhook signatures and normalises the event
// payload into provider-agnostic payment details.
type StripeWebhookParser struct {
	secret string
}

// NewStripeWebhookParser constructs a parser bound to the endpoint signing secret.
func NewStripeWebhookParser(secret string) (*StripeWebhookParser, error) {
	trimmed := strings.TrimSpace(secret)
	if trimmed == "" {
		return nil, errors.New("payments: webhook signing secret is required")
	}
	return &StripeWebhookParser{secret: trimmed}, nil
}

// Parse verifies the signature over the raw payload and extracts the payment intent.
// Signature failures return ErrInvalidSignature; event types outside the payment
// lifecycle return ErrUnhandledEvent so callers can acknowledge without acting.
func (p *StripeWebhookParser) Parse(payload []byte, signatureHeader string) (GatewayEvent, error) {
	if p == nil {
		return GatewayEvent{}, errors.New("payments: webhook parser is nil")
	}

	event, err := webhook.ConstructEvent(payload, signatureHeader, p.secret)
	if err != nil {
		return GatewayEvent{}, fmt.Errorf("%w: %s", ErrInvalidSignature, err)
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.payment_failed", "payment_intent.canceled":
		var intent stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
			return GatewayEvent{}, fmt.Errorf("payments: decode payment intent from event %s: %w", event.ID, err)
		}
		details := StripePaymentDetails(&intent)
		if event.Type == "payment_intent.payment_failed" || event.Type == "payment_intent.canceled" {
			details.Status = StatusFailed
		}
		return GatewayEvent{
			ID:       event.ID,
			Type:     string(event.Type),
			IntentID: intent.ID,
			OrderID:  intent.Metadata["orderId"],
			Details:  details,
		}, nil
	case "charge.refunded":
		var charge stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return GatewayEvent{}, fmt.Errorf("payments: decode charge from event %s: %w", event.ID, err)
		}
		details := stripeChargeRefundDetails(&charge)
		return GatewayEvent{
			ID:       event.ID,
			Type:     string(event.Type),
			IntentID: details.IntentID,
			OrderID:  charge.Metadata["orderId"],
			Details:  details,
		}, nil
	default:
		return GatewayEvent{ID: event.ID, Type: string(event.Type)}, ErrUnhandledEvent
	}
}

func stripeChargeRefundDetails(charge *stripe.Charge) PaymentDetails {
	if charge == nil {
		return PaymentDetails{}
	}

	status := StatusPartiallyRefunded
	if charge.AmountRefunded >= charge.Amount && charge.Amount > 0 {
		status = StatusRefunded
	}

	intentID := ""
	if charge.PaymentIntent != nil {
		intentID = charge.PaymentIntent.ID
	}

	return PaymentDetails{
		Provider:       "stripe",
		IntentID:       intentID,
		Status:         status,
		Amount:         charge.Amount,
		AmountRefunded: charge.AmountRefunded,
		Currency:       strings.ToUpper(string(charge.Currency)),
	}
}
