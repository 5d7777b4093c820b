package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/oakline/market-api/internal/domain"
	"github.com/oakline/market-api/internal/services"
)

type stubShipmentService struct {
	quoteFn    func(ctx context.Context, orderID string) ([]services.RateQuote, error)
	createFn   func(ctx context.Context, cmd services.CreateShipmentCommand) (services.Shipment, error)
	getFn      func(ctx context.Context, orderID string) (services.Shipment, error)
	trackingFn func(ctx context.Context, cmd services.TrackingUpdateCommand) (services.Shipment, error)
	refreshFn  func(ctx context.Context, orderID string) (services.Shipment, error)
}

func (s *stubShipmentService) QuoteRates(ctx context.Context, orderID string) ([]services.RateQuote, error) {
	if s.quoteFn != nil {
		return s.quoteFn(ctx, orderID)
	}
	return nil, nil
}

func (s *stubShipmentService) CreateShipment(ctx context.Context, cmd services.CreateShipmentCommand) (services.Shipment, error) {
	if s.createFn != nil {
		return s.createFn(ctx, cmd)
	}
	return services.Shipment{OrderID: cmd.OrderID, Status: domain.ShipmentStatusPreTransit}, nil
}

func (s *stubShipmentService) GetShipment(ctx context.Context, orderID string) (services.Shipment, error) {
	if s.getFn != nil {
		return s.getFn(ctx, orderID)
	}
	return services.Shipment{OrderID: orderID}, nil
}

func (s *stubShipmentService) RecordTrackingUpdate(ctx context.Context, cmd services.TrackingUpdateCommand) (services.Shipment, error) {
	if s.trackingFn != nil {
		return s.trackingFn(ctx, cmd)
	}
	return services.Shipment{TrackingNumber: cmd.TrackingNumber}, nil
}

func (s *stubShipmentService) RefreshTracking(ctx context.Context, orderID string) (services.Shipment, error) {
	if s.refreshFn != nil {
		return s.refreshFn(ctx, orderID)
	}
	return services.Shipment{OrderID: orderID}, nil
}

var _ services.ShipmentService = (*stubShipmentService)(nil)

func newShipmentTestRouter(shipments services.ShipmentService, orders services.OrderService) chi.Router {
	h := NewShipmentHandlers(shipments, orders)
	r := chi.NewRouter()
	r.Route("/orders", h.Routes)
	r.Route("/admin/orders", h.AdminRoutes)
	return r
}

func TestShipmentHandlersGetShipment(t *testing.T) {
	occurred := time.Date(2025, 4, 4, 9, 0, 0, 0, time.UTC)
	svc := &stubShipmentService{
		getFn: func(_ context.Context, orderID string) (services.Shipment, error) {
			return services.Shipment{
				OrderID:        orderID,
				Carrier:        "usps",
				TrackingNumber: "9400100000000000000001",
				Status:         domain.ShipmentStatusInTransit,
				History: []services.ShipmentEvent{
					{Status: domain.ShipmentStatusPreTransit, CarrierStatus: "pre_transit", OccurredAt: occurred},
					{Status: domain.ShipmentStatusInTransit, CarrierStatus: "in_transit", OccurredAt: occurred.Add(6 * time.Hour)},
				},
			}, nil
		},
	}
	router := newShipmentTestRouter(svc, &stubOrderService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/orders/ord_1/shipment", "", "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Shipment struct {
			TrackingNumber string `json:"tracking_number"`
			Status         string `json:"status"`
			History        []struct {
				CarrierStatus string `json:"carrier_status"`
			} `json:"history"`
		} `json:"shipment"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Shipment.TrackingNumber != "9400100000000000000001" || body.Shipment.Status != "in_transit" {
		t.Fatalf("unexpected shipment payload: %+v", body.Shipment)
	}
	if len(body.Shipment.History) != 2 || body.Shipment.History[1].CarrierStatus != "in_transit" {
		t.Fatalf("unexpected history: %+v", body.Shipment.History)
	}
}

func TestShipmentHandlersGetShipmentForeignOrder(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(_ context.Context, cmd services.GetOrderCommand) (services.Order, error) {
			return services.Order{}, fmt.Errorf("%w: order %s", services.ErrOrderNotFound, cmd.OrderID)
		},
	}
	shipments := &stubShipmentService{
		getFn: func(_ context.Context, orderID string) (services.Shipment, error) {
			t.Fatalf("shipment lookup should not run for a foreign order")
			return services.Shipment{}, nil
		},
	}
	router := newShipmentTestRouter(shipments, orders)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/orders/ord_other/shipment", "", "user-1"))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestShipmentHandlersRefreshTracking(t *testing.T) {
	refreshed := ""
	svc := &stubShipmentService{
		refreshFn: func(_ context.Context, orderID string) (services.Shipment, error) {
			refreshed = orderID
			return services.Shipment{OrderID: orderID, Status: domain.ShipmentStatusOutForDelivery}, nil
		},
	}
	router := newShipmentTestRouter(svc, &stubOrderService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/orders/ord_1/shipment/refresh", "", "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if refreshed != "ord_1" {
		t.Fatalf("expected refresh for ord_1, got %q", refreshed)
	}
}

func TestShipmentHandlersAdminQuoteRates(t *testing.T) {
	svc := &stubShipmentService{
		quoteFn: func(_ context.Context, orderID string) ([]services.RateQuote, error) {
			if orderID != "ord_1" {
				t.Fatalf("expected quote for ord_1, got %q", orderID)
			}
			return []services.RateQuote{
				{ID: "rate_1", Carrier: "usps", Service: "priority", Amount: 895, Currency: "USD", DeliveryDays: 2},
				{ID: "rate_2", Carrier: "usps", Service: "ground", Amount: 520, Currency: "USD", DeliveryDays: 5},
			}, nil
		},
	}
	router := newShipmentTestRouter(svc, &stubOrderService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/admin/orders/ord_1/shipment/rates", "", "admin-1", "admin"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Rates []struct {
			ID           string `json:"id"`
			Service      string `json:"service"`
			Amount       int64  `json:"amount"`
			DeliveryDays int    `json:"delivery_days"`
		} `json:"rates"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(body.Rates) != 2 || body.Rates[0].ID != "rate_1" || body.Rates[1].Amount != 520 {
		t.Fatalf("unexpected rates payload: %+v", body.Rates)
	}
}

func TestShipmentHandlersAdminQuoteRatesInvalidState(t *testing.T) {
	svc := &stubShipmentService{
		quoteFn: func(_ context.Context, orderID string) ([]services.RateQuote, error) {
			return nil, fmt.Errorf("%w: order %s is pending", services.ErrShipmentInvalidState, orderID)
		},
	}
	router := newShipmentTestRouter(svc, &stubOrderService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/admin/orders/ord_1/shipment/rates", "", "admin-1", "admin"))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestShipmentHandlersAdminCreateShipment(t *testing.T) {
	var captured services.CreateShipmentCommand
	svc := &stubShipmentService{
		createFn: func(_ context.Context, cmd services.CreateShipmentCommand) (services.Shipment, error) {
			captured = cmd
			return services.Shipment{
				OrderID:        cmd.OrderID,
				Carrier:        "usps",
				Service:        "priority",
				TrackingNumber: "9400100000000000000001",
				Status:         domain.ShipmentStatusPreTransit,
			}, nil
		},
	}
	router := newShipmentTestRouter(svc, &stubOrderService{})

	body := `{"rate_id":"rate_1","carrier":"usps","service":"priority"}`
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/admin/orders/ord_1/shipment", body, "admin-1", "admin"))

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_1" || captured.RateID != "rate_1" || captured.ActorID != "admin-1" {
		t.Fatalf("unexpected command: %+v", captured)
	}
	if captured.Carrier != "usps" || captured.Service != "priority" {
		t.Fatalf("unexpected carrier selection: %+v", captured)
	}
}

func TestShipmentHandlersAdminCreateShipmentInvalidState(t *testing.T) {
	svc := &stubShipmentService{
		createFn: func(_ context.Context, cmd services.CreateShipmentCommand) (services.Shipment, error) {
			return services.Shipment{}, fmt.Errorf("%w: order is pending", services.ErrShipmentInvalidState)
		},
	}
	router := newShipmentTestRouter(svc, &stubOrderService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/admin/orders/ord_1/shipment", `{"rate_id":"rate_1"}`, "admin-1", "admin"))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected status 409, got %d", rr.Code)
	}
}

func TestShipmentHandlersCarrierError(t *testing.T) {
	svc := &stubShipmentService{
		refreshFn: func(_ context.Context, orderID string) (services.Shipment, error) {
			return services.Shipment{}, fmt.Errorf("%w: track request failed", services.ErrShipmentCarrier)
		},
	}
	router := newShipmentTestRouter(svc, &stubOrderService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPost, "/orders/ord_1/shipment/refresh", "", "user-1"))

	if rr.Code != http.StatusBadGateway {
		t.Fatalf("expected status 502, got %d", rr.Code)
	}
}
