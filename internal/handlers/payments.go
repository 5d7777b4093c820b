package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/oakline/market-api/internal/platform/auth"
	"github.com/oakline/market-api/internal/platform/httpx"
	"github.com/oakline/market-api/internal/services"
)

const maxPaymentBodySize = 32 * 1024

// PaymentHandlers exposes the payment lifecycle for an order. The order service is
// consulted on reads so users can only see payments for their own orders.
type PaymentHandlers struct {
	payments services.PaymentService
	orders   services.OrderService
}

// NewPaymentHandlers constructs the payment endpoints.
func NewPaymentHandlers(payments services.PaymentService, orders services.OrderService) *PaymentHandlers {
	return &PaymentHandlers{payments: payments, orders: orders}
}

// Routes wires the authenticated per-order payment endpoints. Registered alongside the
// order routes on the same /orders group.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/{orderID}/payment/intent", h.createIntent)
	r.Get("/{orderID}/payment", h.getPayment)
	r.Post("/{orderID}/payment/confirm", h.confirmPayment)
}

// AdminRoutes wires the admin-only refund endpoint onto the admin order group.
func (h *PaymentHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{orderID}/payment", h.adminGetPayment)
	r.Post("/{orderID}/payment/refund", h.refund)
}

func (h *PaymentHandlers) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}

	payment, err := h.payments.CreateIntent(ctx, services.CreatePaymentIntentCommand{
		OrderID: chi.URLParam(r, "orderID"),
		UserID:  userID,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, paymentResponse{Payment: buildPaymentPayload(payment, true)})
}

func (h *PaymentHandlers) getPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}

	orderID := chi.URLParam(r, "orderID")
	// Ownership check goes through the order; a foreign order reads as not found.
	if h.orders != nil {
		if _, err := h.orders.GetOrder(ctx, services.GetOrderCommand{OrderID: orderID, UserID: userID}); err != nil {
			writeOrderError(ctx, w, err)
			return
		}
	}

	payment, err := h.payments.GetPayment(ctx, orderID)
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, paymentResponse{Payment: buildPaymentPayload(payment, true)})
}

// confirmPayment reconciles the payment against the gateway's current state. It exists
// for clients that finished the gateway flow but may have raced the webhook.
func (h *PaymentHandlers) confirmPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}

	payment, err := h.payments.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
		OrderID: chi.URLParam(r, "orderID"),
		UserID:  userID,
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, paymentResponse{Payment: buildPaymentPayload(payment, true)})
}

func (h *PaymentHandlers) adminGetPayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.requireService(ctx, w) {
		return
	}

	payment, err := h.payments.GetPayment(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, paymentResponse{Payment: buildPaymentPayload(payment, false)})
}

func (h *PaymentHandlers) refund(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.requireService(ctx, w) {
		return
	}

	var req refundRequest
	body, err := readLimitedBody(r, maxPaymentBodySize)
	switch {
	case err == nil:
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
			return
		}
	case errors.Is(err, errEmptyBody):
		// empty body refunds the full charge
	default:
		writeBodyError(ctx, w, err)
		return
	}

	payment, err := h.payments.Refund(ctx, services.RefundPaymentCommand{
		OrderID: chi.URLParam(r, "orderID"),
		ActorID: auth.UserIDFromContext(ctx),
		Amount:  req.Amount,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		writePaymentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, paymentResponse{Payment: buildPaymentPayload(payment, false)})
}

func (h *PaymentHandlers) requireUser(ctx context.Context, w http.ResponseWriter) (string, bool) {
	if !h.requireService(ctx, w) {
		return "", false
	}
	userID := auth.UserIDFromContext(ctx)
	if userID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return userID, true
}

func (h *PaymentHandlers) requireService(ctx context.Context, w http.ResponseWriter) bool {
	if h.payments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func writePaymentError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrPaymentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPaymentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("payment_not_found", "payment not found", http.StatusNotFound))
	case errors.Is(err, services.ErrPaymentInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("payment_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentConflict):
		httpx.WriteError(ctx, w, httpx.NewError("payment_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrPaymentGateway):
		httpx.WriteError(ctx, w, httpx.NewError("payment_gateway_error", "payment gateway request failed", http.StatusBadGateway))
	case errors.Is(err, services.ErrPaymentUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("payment_service_unavailable", "payment service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("payment_error", "payment operation failed", http.StatusInternalServerError))
	}
}

type refundRequest struct {
	Amount *int64 `json:"amount,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type paymentResponse struct {
	Payment paymentPayload `json:"payment"`
}

type paymentPayload struct {
	OrderID        string `json:"order_id"`
	Provider       string `json:"provider"`
	IntentID       string `json:"intent_id"`
	ClientSecret   string `json:"client_secret,omitempty"`
	Amount         int64  `json:"amount"`
	Currency       string `json:"currency"`
	Status         string `json:"status"`
	RefundedAmount int64  `json:"refunded_amount"`
	RefundID       string `json:"refund_id,omitempty"`
	FailureReason  string `json:"failure_reason,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at,omitempty"`
	CapturedAt     string `json:"captured_at,omitempty"`
	RefundedAt     string `json:"refunded_at,omitempty"`
}

// buildPaymentPayload renders a payment. The client secret is only exposed to the order
// owner; admin reads omit it.
func buildPaymentPayload(payment services.Payment, includeSecret bool) paymentPayload {
	p := paymentPayload{
		OrderID:        payment.OrderID,
		Provider:       payment.Provider,
		IntentID:       payment.IntentID,
		Amount:         payment.Amount,
		Currency:       payment.Currency,
		Status:         string(payment.Status),
		RefundedAmount: payment.RefundedAmount,
		RefundID:       payment.RefundID,
		FailureReason:  payment.FailureReason,
		CreatedAt:      formatTime(payment.CreatedAt),
		UpdatedAt:      formatTime(payment.UpdatedAt),
		CapturedAt:     formatTimePtr(payment.CapturedAt),
		RefundedAt:     formatTimePtr(payment.RefundedAt),
	}
	if includeSecret {
		p.ClientSecret = payment.ClientSecret
	}
	return p
}
