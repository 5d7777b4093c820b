package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stripe/stripe-go/v78"

	domain "github.com/oakline/market-api/internal/domain"
	"github.com/oakline/market-api/internal/payments"
	"github.com/oakline/market-api/internal/platform/auth"
	"github.com/oakline/market-api/internal/services"
)

const stripeTestSecret = "whsec_test_secret"

func stripeSignedRequest(t *testing.T, payload string) *http.Request {
	t.Helper()
	ts := time.Now().Unix()
	mac := hmac.New(sha256.New, []byte(stripeTestSecret))
	fmt.Fprintf(mac, "%d.%s", ts, payload)
	signature := hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(payload))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", ts, signature))
	return req
}

func paymentIntentEventPayload(eventType string) string {
	return fmt.Sprintf(`{
		"id": "evt_1",
		"type": %q,
		"api_version": %q,
		"data": {
			"object": {
				"id": "pi_123",
				"object": "payment_intent",
				"amount": 6440,
				"currency": "usd",
				"status": "succeeded",
				"metadata": {"orderId": "ord_1"}
			}
		}
	}`, eventType, stripe.APIVersion)
}

func newWebhookTestRouter(t *testing.T, opts ...WebhookOption) chi.Router {
	t.Helper()
	parser, err := payments.NewStripeWebhookParser(stripeTestSecret)
	if err != nil {
		t.Fatalf("failed to build parser: %v", err)
	}
	h := NewWebhookHandlers(append([]WebhookOption{WithStripeParser(parser)}, opts...)...)
	r := chi.NewRouter()
	r.Route("/webhooks", h.Routes)
	return r
}

func TestWebhookHandlersStripeSucceededEvent(t *testing.T) {
	var captured services.GatewayEventCommand
	paymentsSvc := &stubPaymentService{
		gatewayEventFn: func(_ context.Context, cmd services.GatewayEventCommand) (services.Payment, error) {
			captured = cmd
			return services.Payment{IntentID: cmd.IntentID, Status: cmd.Status}, nil
		},
	}
	router := newWebhookTestRouter(t, WithWebhookPaymentService(paymentsSvc))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, stripeSignedRequest(t, paymentIntentEventPayload("payment_intent.succeeded")))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.EventID != "evt_1" || captured.IntentID != "pi_123" {
		t.Fatalf("unexpected command: %+v", captured)
	}
	if captured.Status != domain.PaymentStatusSucceeded {
		t.Fatalf("expected succeeded status, got %s", captured.Status)
	}
}

func TestWebhookHandlersStripeInvalidSignature(t *testing.T) {
	paymentsSvc := &stubPaymentService{
		gatewayEventFn: func(_ context.Context, cmd services.GatewayEventCommand) (services.Payment, error) {
			t.Fatalf("gateway event should not be applied on signature failure")
			return services.Payment{}, nil
		},
	}
	router := newWebhookTestRouter(t, WithWebhookPaymentService(paymentsSvc))

	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", strings.NewReader(paymentIntentEventPayload("payment_intent.succeeded")))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestWebhookHandlersStripeUnhandledEventAcknowledged(t *testing.T) {
	paymentsSvc := &stubPaymentService{
		gatewayEventFn: func(_ context.Context, cmd services.GatewayEventCommand) (services.Payment, error) {
			t.Fatalf("gateway event should not be applied for unhandled types")
			return services.Payment{}, nil
		},
	}
	router := newWebhookTestRouter(t, WithWebhookPaymentService(paymentsSvc))

	payload := fmt.Sprintf(`{"id":"evt_2","type":"customer.created","api_version":%q,"data":{"object":{}}}`, stripe.APIVersion)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, stripeSignedRequest(t, payload))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestWebhookHandlersStripeUnknownIntentAcknowledged(t *testing.T) {
	paymentsSvc := &stubPaymentService{
		gatewayEventFn: func(_ context.Context, cmd services.GatewayEventCommand) (services.Payment, error) {
			return services.Payment{}, fmt.Errorf("%w: intent %s", services.ErrPaymentNotFound, cmd.IntentID)
		},
	}
	router := newWebhookTestRouter(t, WithWebhookPaymentService(paymentsSvc))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, stripeSignedRequest(t, paymentIntentEventPayload("payment_intent.succeeded")))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
}

func TestWebhookHandlersCarrierTrackingUpdate(t *testing.T) {
	var captured services.TrackingUpdateCommand
	shipmentsSvc := &stubShipmentService{
		trackingFn: func(_ context.Context, cmd services.TrackingUpdateCommand) (services.Shipment, error) {
			captured = cmd
			return services.Shipment{TrackingNumber: cmd.TrackingNumber}, nil
		},
	}
	router := newWebhookTestRouter(t, WithWebhookShipmentService(shipmentsSvc))

	body := `{"tracking_number":"9400100000000000000001","status":"in_transit","description":"Departed facility","occurred_at":"2025-04-04T15:00:00Z"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/carrier", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.TrackingNumber != "9400100000000000000001" || captured.CarrierStatus != "in_transit" {
		t.Fatalf("unexpected command: %+v", captured)
	}
	want := time.Date(2025, 4, 4, 15, 0, 0, 0, time.UTC)
	if !captured.OccurredAt.Equal(want) {
		t.Fatalf("expected occurred_at %v, got %v", want, captured.OccurredAt)
	}
}

func TestWebhookHandlersCarrierInvalidTimestamp(t *testing.T) {
	router := newWebhookTestRouter(t, WithWebhookShipmentService(&stubShipmentService{}))

	body := `{"tracking_number":"9400100000000000000001","status":"in_transit","occurred_at":"yesterday"}`
	req := httptest.NewRequest(http.MethodPost, "/webhooks/carrier", strings.NewReader(body))
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestWebhookHandlersCarrierHMAC(t *testing.T) {
	const secretName = "carrier-webhook"
	const secretValue = "carrier-shared-secret"

	validator := auth.NewHMACValidator(
		auth.SecretProviderFunc(func(_ context.Context, name string) (string, error) {
			if name != secretName {
				return "", fmt.Errorf("unknown secret %s", name)
			}
			return secretValue, nil
		}),
		auth.NewInMemoryNonceStore(),
	)

	var captured services.TrackingUpdateCommand
	shipmentsSvc := &stubShipmentService{
		trackingFn: func(_ context.Context, cmd services.TrackingUpdateCommand) (services.Shipment, error) {
			captured = cmd
			return services.Shipment{TrackingNumber: cmd.TrackingNumber}, nil
		},
	}
	router := newWebhookTestRouter(t,
		WithWebhookShipmentService(shipmentsSvc),
		WithCarrierHMAC(validator, secretName),
	)

	body := `{"tracking_number":"9400100000000000000001","status":"delivered","occurred_at":"2025-04-05T10:00:00Z"}`

	t.Run("missing signature rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/webhooks/carrier", strings.NewReader(body))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusUnauthorized {
			t.Fatalf("expected status 401, got %d", rr.Code)
		}
	})

	t.Run("signed request accepted", func(t *testing.T) {
		timestamp := time.Now().UTC().Format(time.RFC3339)
		nonce := "nonce-1"
		bodyHash := sha256.Sum256([]byte(body))
		canonical := strings.Join([]string{
			http.MethodPost,
			"/webhooks/carrier",
			timestamp,
			nonce,
			hex.EncodeToString(bodyHash[:]),
		}, "\n")
		mac := hmac.New(sha256.New, []byte(secretValue))
		mac.Write([]byte(canonical))
		signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

		req := httptest.NewRequest(http.MethodPost, "/webhooks/carrier", strings.NewReader(body))
		req.Header.Set("X-Signature", signature)
		req.Header.Set("X-Signature-Timestamp", timestamp)
		req.Header.Set("X-Signature-Nonce", nonce)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
		}
		if captured.CarrierStatus != "delivered" {
			t.Fatalf("unexpected command: %+v", captured)
		}
	})
}
