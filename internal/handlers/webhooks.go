package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/oakline/market-api/internal/domain"
	"github.com/oakline/market-api/internal/payments"
	"github.com/oakline/market-api/internal/platform/auth"
	"github.com/oakline/market-api/internal/platform/httpx"
	"github.com/oakline/market-api/internal/services"
)

// Stripe sends the full event object; 1 MiB covers every payload we consume.
const maxWebhookBodySize = 1 << 20

// WebhookHandlers receives gateway and carrier callbacks. Stripe requests are verified
// by endpoint signature; carrier requests are verified by the shared-secret HMAC
// middleware before reaching the handler.
type WebhookHandlers struct {
	parser        *payments.StripeWebhookParser
	payments      services.PaymentService
	shipments     services.ShipmentService
	hmac          *auth.HMACValidator
	carrierSecret string
}

// WebhookOption customises the webhook handlers.
type WebhookOption func(*WebhookHandlers)

// WithStripeParser sets the verified-event parser for the Stripe endpoint.
func WithStripeParser(parser *payments.StripeWebhookParser) WebhookOption {
	return func(h *WebhookHandlers) {
		h.parser = parser
	}
}

// WithWebhookPaymentService injects the payment service consuming gateway events.
func WithWebhookPaymentService(svc services.PaymentService) WebhookOption {
	return func(h *WebhookHandlers) {
		h.payments = svc
	}
}

// WithWebhookShipmentService injects the shipment service consuming tracking events.
func WithWebhookShipmentService(svc services.ShipmentService) WebhookOption {
	return func(h *WebhookHandlers) {
		h.shipments = svc
	}
}

// WithCarrierHMAC guards the carrier endpoint with the HMAC validator and the named
// shared secret.
func WithCarrierHMAC(validator *auth.HMACValidator, secretName string) WebhookOption {
	return func(h *WebhookHandlers) {
		h.hmac = validator
		h.carrierSecret = strings.TrimSpace(secretName)
	}
}

// NewWebhookHandlers constructs the webhook endpoints.
func NewWebhookHandlers(opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the webhook endpoints. Callbacks are unauthenticated at the identity
// level; each endpoint carries its own verification scheme.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.stripeWebhook)
	if h.hmac != nil && h.carrierSecret != "" {
		r.With(h.hmac.RequireHMAC(h.carrierSecret)).Post("/carrier", h.carrierWebhook)
	} else {
		r.Post("/carrier", h.carrierWebhook)
	}
}

func (h *WebhookHandlers) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.parser == nil || h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing is unavailable", http.StatusServiceUnavailable))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to read request body", http.StatusBadRequest))
		return
	}

	event, err := h.parser.Parse(payload, r.Header.Get("Stripe-Signature"))
	switch {
	case err == nil:
	case errors.Is(err, payments.ErrInvalidSignature):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusUnauthorized))
		return
	case errors.Is(err, payments.ErrUnhandledEvent):
		// Acknowledge event types outside the payment lifecycle so the gateway stops retrying.
		writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true})
		return
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "unable to decode webhook event", http.StatusBadRequest))
		return
	}

	_, err = h.payments.RecordGatewayEvent(ctx, services.GatewayEventCommand{
		EventID:        event.ID,
		IntentID:       event.IntentID,
		Status:         domain.PaymentStatus(event.Details.Status),
		AmountRefunded: event.Details.AmountRefunded,
		RefundID:       event.Details.RefundID,
		FailureReason:  event.Details.FailureReason,
	})
	switch {
	case err == nil:
	case errors.Is(err, services.ErrPaymentNotFound):
		// Events for intents we never issued (other environments, deleted test data) are
		// acknowledged; retrying will not make them resolvable.
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	default:
		httpx.WriteError(ctx, w, httpx.NewError("webhook_processing_failed", "unable to apply webhook event", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true})
}

func (h *WebhookHandlers) carrierWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("webhook_unavailable", "webhook processing is unavailable", http.StatusServiceUnavailable))
		return
	}

	body, err := readLimitedBody(r, maxWebhookBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req carrierWebhookRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	occurredAt, err := parseCarrierTimestamp(req.OccurredAt)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "occurred_at must be an RFC 3339 timestamp", http.StatusBadRequest))
		return
	}

	_, err = h.shipments.RecordTrackingUpdate(ctx, services.TrackingUpdateCommand{
		TrackingNumber: strings.TrimSpace(req.TrackingNumber),
		CarrierStatus:  strings.TrimSpace(req.Status),
		Description:    strings.TrimSpace(req.Description),
		OccurredAt:     occurredAt,
	})
	switch {
	case err == nil:
	case errors.Is(err, services.ErrShipmentNotFound):
		// Unknown tracking numbers are acknowledged; the carrier feed can lag label creation.
	case errors.Is(err, services.ErrShipmentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	default:
		httpx.WriteError(ctx, w, httpx.NewError("webhook_processing_failed", "unable to apply tracking update", http.StatusInternalServerError))
		return
	}

	writeJSONResponse(w, http.StatusOK, webhookAckResponse{Received: true})
}

func parseCarrierTimestamp(value string) (time.Time, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return time.Time{}, errors.New("timestamp is required")
	}
	if ts, err := time.Parse(time.RFC3339Nano, trimmed); err == nil {
		return ts.UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

type carrierWebhookRequest struct {
	TrackingNumber string `json:"tracking_number"`
	Status         string `json:"status"`
	Description    string `json:"description,omitempty"`
	OccurredAt     string `json:"occurred_at"`
}

type webhookAckResponse struct {
	Received bool `json:"received"`
}
