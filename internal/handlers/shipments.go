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

const maxShipmentBodySize = 32 * 1024

// ShipmentHandlers exposes shipment reads for order owners and shipment creation for
// admins. Tracking history is append-only and rendered in recorded order.
type ShipmentHandlers struct {
	shipments services.ShipmentService
	orders    services.OrderService
}

// NewShipmentHandlers constructs the shipment endpoints.
func NewShipmentHandlers(shipments services.ShipmentService, orders services.OrderService) *ShipmentHandlers {
	return &ShipmentHandlers{shipments: shipments, orders: orders}
}

// Routes wires the authenticated per-order shipment endpoints onto the /orders group.
func (h *ShipmentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{orderID}/shipment", h.getShipment)
	r.Post("/{orderID}/shipment/refresh", h.refreshTracking)
}

// AdminRoutes wires shipment creation and refresh onto the admin order group.
func (h *ShipmentHandlers) AdminRoutes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/{orderID}/shipment/rates", h.quoteRates)
	r.Post("/{orderID}/shipment", h.createShipment)
	r.Get("/{orderID}/shipment", h.adminGetShipment)
	r.Post("/{orderID}/shipment/refresh", h.adminRefreshTracking)
}

func (h *ShipmentHandlers) getShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}

	orderID := chi.URLParam(r, "orderID")
	if !h.authorizeOrder(ctx, w, orderID, userID) {
		return
	}

	shipment, err := h.shipments.GetShipment(ctx, orderID)
	if err != nil {
		writeShipmentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, shipmentResponse{Shipment: buildShipmentPayload(shipment)})
}

// refreshTracking polls the carrier for scans missed by the webhook feed.
func (h *ShipmentHandlers) refreshTracking(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}

	orderID := chi.URLParam(r, "orderID")
	if !h.authorizeOrder(ctx, w, orderID, userID) {
		return
	}

	shipment, err := h.shipments.RefreshTracking(ctx, orderID)
	if err != nil {
		writeShipmentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, shipmentResponse{Shipment: buildShipmentPayload(shipment)})
}

// quoteRates lists the carrier's service options for an order awaiting a label.
func (h *ShipmentHandlers) quoteRates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.requireService(ctx, w) {
		return
	}

	rates, err := h.shipments.QuoteRates(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeShipmentError(ctx, w, err)
		return
	}

	payload := make([]ratePayload, 0, len(rates))
	for _, rate := range rates {
		payload = append(payload, ratePayload{
			ID:           rate.ID,
			Carrier:      rate.Carrier,
			Service:      rate.Service,
			Amount:       rate.Amount,
			Currency:     rate.Currency,
			DeliveryDays: rate.DeliveryDays,
		})
	}
	writeJSONResponse(w, http.StatusOK, rateListResponse{Rates: payload})
}

func (h *ShipmentHandlers) createShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.requireService(ctx, w) {
		return
	}

	body, err := readLimitedBody(r, maxShipmentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req createShipmentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	shipment, err := h.shipments.CreateShipment(ctx, services.CreateShipmentCommand{
		OrderID: chi.URLParam(r, "orderID"),
		RateID:  strings.TrimSpace(req.RateID),
		ActorID: auth.UserIDFromContext(ctx),
		Carrier: strings.TrimSpace(req.Carrier),
		Service: strings.TrimSpace(req.Service),
	})
	if err != nil {
		writeShipmentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusCreated, shipmentResponse{Shipment: buildShipmentPayload(shipment)})
}

func (h *ShipmentHandlers) adminGetShipment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.requireService(ctx, w) {
		return
	}

	shipment, err := h.shipments.GetShipment(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeShipmentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, shipmentResponse{Shipment: buildShipmentPayload(shipment)})
}

func (h *ShipmentHandlers) adminRefreshTracking(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.requireService(ctx, w) {
		return
	}

	shipment, err := h.shipments.RefreshTracking(ctx, chi.URLParam(r, "orderID"))
	if err != nil {
		writeShipmentError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, shipmentResponse{Shipment: buildShipmentPayload(shipment)})
}

// authorizeOrder confirms the caller owns the order; foreign orders read as not found.
func (h *ShipmentHandlers) authorizeOrder(ctx context.Context, w http.ResponseWriter, orderID, userID string) bool {
	if h.orders == nil {
		return true
	}
	if _, err := h.orders.GetOrder(ctx, services.GetOrderCommand{OrderID: orderID, UserID: userID}); err != nil {
		writeOrderError(ctx, w, err)
		return false
	}
	return true
}

func (h *ShipmentHandlers) requireUser(ctx context.Context, w http.ResponseWriter) (string, bool) {
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

func (h *ShipmentHandlers) requireService(ctx context.Context, w http.ResponseWriter) bool {
	if h.shipments == nil {
		httpx.WriteError(ctx, w, httpx.NewError("shipment_service_unavailable", "shipment service is unavailable", http.StatusServiceUnavailable))
		return false
	}
	return true
}

func writeShipmentError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrShipmentInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrShipmentNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("shipment_not_found", "shipment not found", http.StatusNotFound))
	case errors.Is(err, services.ErrShipmentInvalidState):
		httpx.WriteError(ctx, w, httpx.NewError("shipment_invalid_state", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrShipmentConflict):
		httpx.WriteError(ctx, w, httpx.NewError("shipment_conflict", err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrShipmentCarrier):
		httpx.WriteError(ctx, w, httpx.NewError("carrier_error", "carrier request failed", http.StatusBadGateway))
	case errors.Is(err, services.ErrShipmentUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("shipment_service_unavailable", "shipment service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("shipment_error", "shipment operation failed", http.StatusInternalServerError))
	}
}

type createShipmentRequest struct {
	RateID  string `json:"rate_id"`
	Carrier string `json:"carrier,omitempty"`
	Service string `json:"service,omitempty"`
}

type rateListResponse struct {
	Rates []ratePayload `json:"rates"`
}

type ratePayload struct {
	ID           string `json:"id"`
	Carrier      string `json:"carrier"`
	Service      string `json:"service"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	DeliveryDays int    `json:"delivery_days,omitempty"`
}

type shipmentResponse struct {
	Shipment shipmentPayload `json:"shipment"`
}

type shipmentPayload struct {
	OrderID           string                 `json:"order_id"`
	Carrier           string                 `json:"carrier"`
	Service           string                 `json:"service,omitempty"`
	TrackingNumber    string                 `json:"tracking_number"`
	LabelURL          string                 `json:"label_url,omitempty"`
	Status            string                 `json:"status"`
	EstimatedDelivery string                 `json:"estimated_delivery,omitempty"`
	ActualDelivery    string                 `json:"actual_delivery,omitempty"`
	History           []shipmentEventPayload `json:"history"`
	CreatedAt         string                 `json:"created_at"`
	UpdatedAt         string                 `json:"updated_at,omitempty"`
}

type shipmentEventPayload struct {
	Status        string `json:"status"`
	CarrierStatus string `json:"carrier_status"`
	Description   string `json:"description,omitempty"`
	OccurredAt    string `json:"occurred_at"`
}

func buildShipmentPayload(shipment services.Shipment) shipmentPayload {
	history := make([]shipmentEventPayload, 0, len(shipment.History))
	for _, event := range shipment.History {
		history = append(history, shipmentEventPayload{
			Status:        string(event.Status),
			CarrierStatus: event.CarrierStatus,
			Description:   event.Description,
			OccurredAt:    formatTime(event.OccurredAt),
		})
	}
	return shipmentPayload{
		OrderID:           shipment.OrderID,
		Carrier:           shipment.Carrier,
		Service:           shipment.Service,
		TrackingNumber:    shipment.TrackingNumber,
		LabelURL:          shipment.LabelURL,
		Status:            string(shipment.Status),
		EstimatedDelivery: formatTimePtr(shipment.EstimatedDelivery),
		ActualDelivery:    formatTimePtr(shipment.ActualDelivery),
		History:           history,
		CreatedAt:         formatTime(shipment.CreatedAt),
		UpdatedAt:         formatTime(shipment.UpdatedAt),
	}
}
