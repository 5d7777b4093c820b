package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/oakline/market-api/internal/domain"
	"github.com/oakline/market-api/internal/repositories"
	"github.com/oakline/market-api/internal/shipping"
)

var (
	// ErrShipmentInvalidInput signals the caller provided invalid data.
	ErrShipmentInvalidInput = errors.New("shipment: invalid input")
	// ErrShipmentNotFound indicates no shipment record matches the request.
	ErrShipmentNotFound = errors.New("shipment: not found")
	// ErrShipmentInvalidState indicates the order or shipment status forbids the operation.
	ErrShipmentInvalidState = errors.New("shipment: invalid state")
	// ErrShipmentConflict indicates a duplicate shipment or concurrent mutation.
	ErrShipmentConflict = errors.New("shipment: conflict")
	// ErrShipmentCarrier indicates the carrier rejected or failed the request.
	ErrShipmentCarrier = errors.New("shipment: carrier error")
	// ErrShipmentUnavailable indicates the backing store rejected the request transiently.
	ErrShipmentUnavailable = errors.New("shipment: unavailable")
)

// carrierStatusMapping translates carrier scan codes into the internal lifecycle.
// Unmapped codes are recorded in history without moving the status.
var carrierStatusMapping = map[string]domain.ShipmentStatus{
	"pre_transit":      domain.ShipmentStatusPreTransit,
	"accepted":         domain.ShipmentStatusInTransit,
	"in_transit":       domain.ShipmentStatusInTransit,
	"out_for_delivery": domain.ShipmentStatusOutForDelivery,
	"delivered":        domain.ShipmentStatusDelivered,
	"exception":        domain.ShipmentStatusException,
	"failure":          domain.ShipmentStatusException,
	"returned":         domain.ShipmentStatusReturned,
	"return_to_sender": domain.ShipmentStatusReturned,
}

// ShipmentServiceDeps bundles collaborators required to construct the shipment service.
type ShipmentServiceDeps struct {
	Shipments repositories.ShipmentRepository
	Orders    repositories.OrderRepository
	Carrier   shipping.Provider
	// Origin is the warehouse address rates are quoted from. Optional; carriers fall
	// back to the account default when empty.
	Origin shipping.RateAddress
	Clock  func() time.Time
	Events EventPublisher
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type shipmentService struct {
	shipments repositories.ShipmentRepository
	orders    repositories.OrderRepository
	carrier   shipping.Provider
	origin    shipping.RateAddress
	clock     func() time.Time
	events    EventPublisher
	logger    func(context.Context, string, map[string]any)
}

// NewShipmentService wires dependencies into a concrete ShipmentService implementation.
func NewShipmentService(deps ShipmentServiceDeps) (ShipmentService, error) {
	if deps.Shipments == nil {
		return nil, errors.New("shipment service: shipment repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("shipment service: order repository is required")
	}
	if deps.Carrier == nil {
		return nil, errors.New("shipment service: carrier provider is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &shipmentService{
		shipments: deps.Shipments,
		orders:    deps.Orders,
		carrier:   deps.Carrier,
		origin:    deps.Origin,
		clock: func() time.Time {
			return clock().UTC()
		},
		events: deps.Events,
		logger: logger,
	}, nil
}

// QuoteRates asks the carrier for service options to the order's shipping address.
// Rates are quoted only while the order is processing, matching CreateShipment.
func (s *shipmentService) QuoteRates(ctx context.Context, orderID string) ([]RateQuote, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return nil, fmt.Errorf("%w: order id is required", ErrShipmentInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, id)
	if err != nil {
		return nil, translateShipmentRepoError(err)
	}
	if order.Status != domain.OrderStatusProcessing {
		return nil, fmt.Errorf("%w: order %s is %s, rates require processing", ErrShipmentInvalidState, id, order.Status)
	}

	rates, err := s.carrier.QuoteRates(ctx, shipping.RateRequest{
		From:   s.origin,
		To:     rateAddress(order.ShippingAddress),
		Parcel: estimateParcel(order),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrShipmentCarrier, err)
	}

	s.logger(ctx, "shipment.rates_quoted", map[string]any{
		"orderId": id,
		"count":   len(rates),
	})
	return rates, nil
}

// CreateShipment purchases a label for a processing order and records the shipment.
// The shipment document is keyed by the order ID, so a second creation attempt fails
// with a conflict. The order moves to shipped once the label exists.
func (s *shipmentService) CreateShipment(ctx context.Context, cmd CreateShipmentCommand) (Shipment, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Shipment{}, fmt.Errorf("%w: order id is required", ErrShipmentInvalidInput)
	}
	rateID := strings.TrimSpace(cmd.RateID)
	if rateID == "" {
		return Shipment{}, fmt.Errorf("%w: rate id is required", ErrShipmentInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Shipment{}, translateShipmentRepoError(err)
	}
	if order.Status != domain.OrderStatusProcessing {
		return Shipment{}, fmt.Errorf("%w: order %s is %s, shipments require processing", ErrShipmentInvalidState, orderID, order.Status)
	}

	label, err := s.carrier.PurchaseLabel(ctx, shipping.LabelRequest{
		RateID:         rateID,
		OrderID:        orderID,
		IdempotencyKey: "ship-" + orderID,
	})
	if err != nil {
		if errors.Is(err, shipping.ErrRateNotFound) {
			return Shipment{}, fmt.Errorf("%w: rate %s not found", ErrShipmentInvalidInput, rateID)
		}
		return Shipment{}, fmt.Errorf("%w: %s", ErrShipmentCarrier, err)
	}

	now := s.clock()
	shipment := domain.Shipment{
		OrderID:        orderID,
		Carrier:        firstNonEmpty(label.Carrier, cmd.Carrier),
		Service:        firstNonEmpty(label.Service, cmd.Service),
		TrackingNumber: label.TrackingNumber,
		LabelURL:       label.LabelURL,
		RateID:         rateID,
		Status:         domain.ShipmentStatusPreTransit,
		History: []domain.ShipmentEvent{{
			Status:      domain.ShipmentStatusPreTransit,
			Description: "label purchased",
			OccurredAt:  now,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	// Shipment creation and the order's move to shipped commit in one transaction. The
	// status is re-checked inside so an order cancelled since the pre-check aborts both.
	updatedOrder, err := s.shipments.CreateWithOrder(ctx, shipment, func(order domain.Order) (domain.Order, error) {
		if order.Status != domain.OrderStatusProcessing {
			return order, fmt.Errorf("%w: order %s is %s, shipments require processing", ErrShipmentInvalidState, orderID, order.Status)
		}
		order.Status = domain.OrderStatusShipped
		order.ShippedAt = &now
		order.UpdatedAt = now
		return order, nil
	})
	if err != nil {
		if errors.Is(err, ErrShipmentInvalidState) {
			return Shipment{}, err
		}
		if isRepoConflict(err) {
			return Shipment{}, fmt.Errorf("%w: order %s already has a shipment", ErrShipmentConflict, orderID)
		}
		return Shipment{}, translateShipmentRepoError(err)
	}

	s.logger(ctx, "shipment.created", map[string]any{
		"orderId":        orderID,
		"trackingNumber": shipment.TrackingNumber,
		"carrier":        shipment.Carrier,
		"actorId":        cmd.ActorID,
	})
	s.publish(ctx, EventShipmentCreated, shipment, updatedOrder.UserID, map[string]any{
		"trackingNumber": shipment.TrackingNumber,
		"carrier":        shipment.Carrier,
	})
	return shipment, nil
}

// GetShipment loads the shipment record for an order.
func (s *shipmentService) GetShipment(ctx context.Context, orderID string) (Shipment, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return Shipment{}, fmt.Errorf("%w: order id is required", ErrShipmentInvalidInput)
	}
	shipment, err := s.shipments.Get(ctx, id)
	if err != nil {
		return Shipment{}, translateShipmentRepoError(err)
	}
	return shipment, nil
}

// RecordTrackingUpdate appends a carrier scan to the shipment history and advances the
// status when the scan maps to a forward transition. Replayed scans are no-ops.
func (s *shipmentService) RecordTrackingUpdate(ctx context.Context, cmd TrackingUpdateCommand) (Shipment, error) {
	tracking := strings.TrimSpace(cmd.TrackingNumber)
	if tracking == "" {
		return Shipment{}, fmt.Errorf("%w: tracking number is required", ErrShipmentInvalidInput)
	}

	shipment, found, err := s.shipments.FindByTrackingNumber(ctx, tracking)
	if err != nil {
		return Shipment{}, translateShipmentRepoError(err)
	}
	if !found {
		return Shipment{}, fmt.Errorf("%w: no shipment for tracking number %s", ErrShipmentNotFound, tracking)
	}

	occurredAt := cmd.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = s.clock()
	}
	return s.applyCarrierEvents(ctx, shipment.OrderID, []domain.ShipmentEvent{{
		Status:        mapCarrierStatus(cmd.CarrierStatus),
		CarrierStatus: strings.TrimSpace(cmd.CarrierStatus),
		Description:   strings.TrimSpace(cmd.Description),
		OccurredAt:    occurredAt.UTC(),
	}})
}

// RefreshTracking polls the carrier and applies any scans missing from the history.
// This is the recovery path when carrier webhooks are lost.
func (s *shipmentService) RefreshTracking(ctx context.Context, orderID string) (Shipment, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return Shipment{}, fmt.Errorf("%w: order id is required", ErrShipmentInvalidInput)
	}

	shipment, err := s.shipments.Get(ctx, id)
	if err != nil {
		return Shipment{}, translateShipmentRepoError(err)
	}

	info, err := s.carrier.Track(ctx, shipment.TrackingNumber)
	if err != nil {
		if errors.Is(err, shipping.ErrTrackingNotFound) {
			return Shipment{}, fmt.Errorf("%w: tracking number %s", ErrShipmentNotFound, shipment.TrackingNumber)
		}
		return Shipment{}, fmt.Errorf("%w: %s", ErrShipmentCarrier, err)
	}

	incoming := make([]domain.ShipmentEvent, 0, len(info.Events))
	for _, event := range info.Events {
		incoming = append(incoming, domain.ShipmentEvent{
			Status:        mapCarrierStatus(event.Status),
			CarrierStatus: strings.TrimSpace(event.Status),
			Description:   strings.TrimSpace(event.Description),
			OccurredAt:    event.OccurredAt.UTC(),
		})
	}
	if len(incoming) == 0 {
		return shipment, nil
	}
	return s.applyCarrierEvents(ctx, id, incoming)
}

// applyCarrierEvents is the single write path for tracking mutations. History only
// grows; already-recorded scans are skipped, and the order synchronizer runs in the
// same transaction so a delivered scan also delivers the order.
func (s *shipmentService) applyCarrierEvents(ctx context.Context, orderID string, incoming []domain.ShipmentEvent) (Shipment, error) {
	now := s.clock()
	var appended int

	shipment, order, err := s.shipments.MutateWithOrder(ctx, orderID, func(shipment domain.Shipment, order domain.Order) (domain.Shipment, domain.Order, error) {
		appended = 0
		for _, event := range incoming {
			if hasShipmentEvent(shipment.History, event) {
				continue
			}
			shipment.History = append(shipment.History, event)
			appended++

			if event.Status != "" && domain.CanTransitionShipment(shipment.Status, event.Status) {
				shipment.Status = event.Status
				if event.Status == domain.ShipmentStatusDelivered {
					delivered := event.OccurredAt
					shipment.ActualDelivery = &delivered
				}
			}
		}
		if appended == 0 {
			return shipment, order, nil
		}

		shipment.UpdatedAt = now
		if next, ok := domain.NextOrderStatusForShipment(order.Status, shipment.Status); ok {
			order.Status = next
			if next == domain.OrderStatusDelivered {
				order.DeliveredAt = &now
			}
		}
		order.UpdatedAt = now
		return shipment, order, nil
	})
	if err != nil {
		return Shipment{}, translateShipmentRepoError(err)
	}

	if appended > 0 {
		s.logger(ctx, "shipment.tracking_updated", map[string]any{
			"orderId":  orderID,
			"status":   string(shipment.Status),
			"appended": appended,
		})
		s.publish(ctx, EventShipmentUpdated, shipment, order.UserID, map[string]any{
			"status":   string(shipment.Status),
			"appended": appended,
		})
	}
	return shipment, nil
}

func (s *shipmentService) publish(ctx context.Context, eventType string, shipment domain.Shipment, userID string, data map[string]any) {
	if s.events == nil {
		return
	}
	event := DomainEvent{
		EventID:    eventIDPrefix + ulid.Make().String(),
		Type:       eventType,
		OrderID:    shipment.OrderID,
		UserID:     userID,
		OccurredAt: s.clock(),
		Data:       data,
	}
	if err := s.events.PublishEvent(ctx, event); err != nil {
		s.logger(ctx, "shipment.event_publish_failed", map[string]any{
			"orderId":   shipment.OrderID,
			"eventType": eventType,
			"error":     err.Error(),
		})
	}
}

// mapCarrierStatus resolves a carrier scan code; unknown codes return an empty status
// so the scan is recorded without moving the lifecycle.
func mapCarrierStatus(raw string) domain.ShipmentStatus {
	normalized := strings.ToLower(strings.TrimSpace(raw))
	if status, ok := carrierStatusMapping[normalized]; ok {
		return status
	}
	return ""
}

func hasShipmentEvent(history []domain.ShipmentEvent, event domain.ShipmentEvent) bool {
	for _, existing := range history {
		if existing.CarrierStatus == event.CarrierStatus && existing.OccurredAt.Equal(event.OccurredAt) {
			return true
		}
	}
	return false
}

func rateAddress(addr domain.Address) shipping.RateAddress {
	return shipping.RateAddress{
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
	}
}

// estimateParcel approximates the package from line quantities until products carry
// physical dimensions.
func estimateParcel(order domain.Order) shipping.Parcel {
	quantity := 0
	for _, item := range order.Items {
		quantity += item.Quantity
	}
	if quantity < 1 {
		quantity = 1
	}
	return shipping.Parcel{
		WeightGrams: int64(quantity) * 500,
		LengthCm:    30,
		WidthCm:     20,
		HeightCm:    10,
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func translateShipmentRepoError(err error) error {
	if err == nil {
		return nil
	}

	var orderErr *repositories.OrderError
	if errors.As(err, &orderErr) {
		switch orderErr.Code {
		case repositories.OrderErrorInvalidState:
			return fmt.Errorf("%w: %s", ErrShipmentInvalidState, orderErr.Message)
		default:
			return fmt.Errorf("%w: %s", ErrShipmentConflict, orderErr.Message)
		}
	}

	switch {
	case isRepoNotFound(err):
		return fmt.Errorf("%w: %s", ErrShipmentNotFound, err)
	case isRepoConflict(err):
		return fmt.Errorf("%w: %s", ErrShipmentConflict, err)
	case isRepoUnavailable(err):
		return fmt.Errorf("%w: %s", ErrShipmentUnavailable, err)
	default:
		return err
	}
}
