package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/oakline/market-api/internal/domain"
	"github.com/oakline/market-api/internal/platform/auth"
	"github.com/oakline/market-api/internal/platform/httpx"
	"github.com/oakline/market-api/internal/platform/pagination"
	"github.com/oakline/market-api/internal/services"
)

const (
	maxOrderBodySize = 32 * 1024

	defaultOrderPageSize = 20
	maxOrderPageSize     = 100
)

// OrderHandlers exposes checkout and order lifecycle endpoints. User routes are scoped
// to the caller's own orders; admin routes operate on any order.
type OrderHandlers struct {
	orders  services.OrderService
	limiter rateLimiter
}

// OrderOption customises the order handlers.
type OrderOption func(*OrderHandlers)

// WithOrderRateLimit throttles order creation per user to the given number of requests
// per window.
func WithOrderRateLimit(limit int, window time.Duration, clock func() time.Time) OrderOption {
	return func(h *OrderHandlers) {
		h.limiter = newSimpleRateLimiter(limit, window, clock)
	}
}

// NewOrderHandlers constructs the order endpoints.
func NewOrderHandlers(orders services.OrderService, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{orders: orders}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the authenticated /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.createOrder)
	r.Get("/", h.listOrders)
	r.Get("/{orderID}", h.getOrder)
	r.Post("/{orderID}/cancel", h.cancelOrder)
}

// AdminRoutes wires the admin-only order management endpoints.
func (h *OrderHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.adminListOrders)
	r.Get("/{orderID}", h.adminGetOrder)
	r.Post("/{orderID}/status", h.adminTransitionStatus)
	r.Post("/{orderID}/cancel", h.adminCancelOrder)
}

func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}

	if h.limiter != nil && !h.limiter.Allow(userID) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many checkout attempts; try again shortly", http.StatusTooManyRequests))
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req createOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	order, err := h.orders.CreateFromCart(ctx, services.CreateOrderCommand{
		UserID:            userID,
		ShippingAddressID: strings.TrimSpace(req.ShippingAddressID),
		BillingAddressID:  strings.TrimSpace(req.BillingAddressID),
		ShippingAmount:    req.ShippingAmount,
		TaxAmount:         req.TaxAmount,
		DiscountAmount:    req.DiscountAmount,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}

	filter, err := orderListFilterFromQuery(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	filter.UserID = userID

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderListPayload(page))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}

	order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		UserID:  userID,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}

	req, err := decodeCancelRequest(r)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		UserID:  userID,
		ActorID: userID,
		Reason:  req.Reason,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) adminListOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.requireService(ctx, w) {
		return
	}

	filter, err := orderListFilterFromQuery(r)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	if userID := strings.TrimSpace(r.URL.Query().Get("userId")); userID != "" {
		filter.UserID = userID
	}

	page, err := h.orders.ListOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildOrderListPayload(page))
}

func (h *OrderHandlers) adminGetOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.requireService(ctx, w) {
		return
	}

	order, err := h.orders.GetOrder(ctx, services.GetOrderCommand{OrderID: chi.URLParam(r, "orderID")})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) adminTransitionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.requireService(ctx, w) {
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req transitionStatusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	order, err := h.orders.TransitionStatus(ctx, services.OrderStatusTransitionCommand{
		OrderID:      chi.URLParam(r, "orderID"),
		TargetStatus: domain.OrderStatus(strings.TrimSpace(req.Status)),
		ActorID:      auth.UserIDFromContext(ctx),
		Reason:       req.Reason,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) adminCancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.requireService(ctx, w) {
		return
	}

	req, err := decodeCancelRequest(r)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	order, err := h.orders.Cancel(ctx, services.CancelOrderCommand{
		OrderID: chi.URLParam(r, "orderID"),
		ActorID: auth.UserIDFromContext(ctx),
		Reason:  req.Reason,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, orderResponse{Order: buildOrderPayload(order)})
}

func (h *OrderHandlers) requireUser(ctx context.Context, w http.ResponseWriter) (string, bool) {
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

func (h *OrderHandlers) requireService(ctx context.Context, w http.ResponseWriter) bool {
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

// decodeCancelRequest tolerates an absent body; cancellation reasons are optional.
func decodeCancelRequest(r *http.Request) (cancelOrderRequest, error) {
	var req cancelOrderRequest
	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		if errors.Is(err, errEmptyBody) {
			return req, nil
		}
		return req, err
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, errors.New("invalid JSON payload")
	}
	req.Reason = strings.TrimSpace(req.Reason)
	return req, nil
}

func orderListFilterFromQuery(r *http.Request) (services.OrderListFilter, error) {
	filter := services.OrderListFilter{}
	query := r.URL.Query()

	for _, raw := range query["status"] {
		status := domain.OrderStatus(strings.TrimSpace(raw))
		switch status {
		case domain.OrderStatusPending, domain.OrderStatusProcessing, domain.OrderStatusShipped,
			domain.OrderStatusDelivered, domain.OrderStatusCanceled:
			filter.Status = append(filter.Status, status)
		case "":
		default:
			return filter, errors.New("unknown status filter: " + raw)
		}
	}

	params, err := pagination.FromRequest(r, pagination.Options{
		DefaultPageSize: defaultOrderPageSize,
		MaxPageSize:     maxOrderPageSize,
	})
	if err != nil {
		return filter, err
	}
	filter.Pagination.PageSize = params.PageSize
	filter.Pagination.PageToken = params.PageToken
	return filter, nil
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError("order_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderProductUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("product_unavailable", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "order operation failed", http.StatusInternalServerError))
	}
}

type createOrderRequest struct {
	ShippingAddressID string `json:"shipping_address_id"`
	BillingAddressID  string `json:"billing_address_id,omitempty"`
	ShippingAmount    int64  `json:"shipping_amount"`
	TaxAmount         int64  `json:"tax_amount"`
	DiscountAmount    int64  `json:"discount_amount"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type transitionStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

type orderListResponse struct {
	Orders        []orderPayload `json:"orders"`
	NextPageToken string         `json:"next_page_token,omitempty"`
}

type orderPayload struct {
	ID              string             `json:"id"`
	UserID          string             `json:"user_id"`
	OrderNumber     string             `json:"order_number"`
	Status          string             `json:"status"`
	PaymentStatus   string             `json:"payment_status"`
	Currency        string             `json:"currency"`
	Items           []orderItemPayload `json:"items"`
	Totals          totalsPayload      `json:"totals"`
	ShippingAddress addressPayload     `json:"shipping_address"`
	BillingAddress  addressPayload     `json:"billing_address"`
	CancelReason    string             `json:"cancel_reason,omitempty"`
	CreatedAt       string             `json:"created_at"`
	UpdatedAt       string             `json:"updated_at,omitempty"`
	PaidAt          string             `json:"paid_at,omitempty"`
	ShippedAt       string             `json:"shipped_at,omitempty"`
	DeliveredAt     string             `json:"delivered_at,omitempty"`
	CanceledAt      string             `json:"cancelled_at,omitempty"`
}

type orderItemPayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Total     int64  `json:"total"`
}

func buildOrderPayload(order services.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		})
	}
	return orderPayload{
		ID:              order.ID,
		UserID:          order.UserID,
		OrderNumber:     order.OrderNumber,
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		Currency:        order.Currency,
		Items:           items,
		Totals:          totalsPayload(order.Totals),
		ShippingAddress: buildAddressPayload(order.ShippingAddress),
		BillingAddress:  buildAddressPayload(order.BillingAddress),
		CancelReason:    order.CancelReason,
		CreatedAt:       formatTime(order.CreatedAt),
		UpdatedAt:       formatTime(order.UpdatedAt),
		PaidAt:          formatTimePtr(order.PaidAt),
		ShippedAt:       formatTimePtr(order.ShippedAt),
		DeliveredAt:     formatTimePtr(order.DeliveredAt),
		CanceledAt:      formatTimePtr(order.CanceledAt),
	}
}

func buildOrderListPayload(page domain.CursorPage[services.Order]) orderListResponse {
	orders := make([]orderPayload, 0, len(page.Items))
	for _, order := range page.Items {
		orders = append(orders, buildOrderPayload(order))
	}
	return orderListResponse{Orders: orders, NextPageToken: page.NextPageToken}
}
