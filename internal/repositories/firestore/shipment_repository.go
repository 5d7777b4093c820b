package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/oakline/market-api/internal/domain"
	pfirestore "github.com/oakline/market-api/internal/platform/firestore"
	"github.com/oakline/market-api/internal/repositories"
)

const shipmentsCollection = "shipments"

// ShipmentRepository stores one shipment per order, mirroring the payment layout. The
// shipment document ID equals the order ID and the event history is append-only.
type ShipmentRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[shipmentDocument]
	orders   *pfirestore.BaseRepository[orderDocument]
}

// NewShipmentRepository constructs a Firestore-backed shipment repository.
func NewShipmentRepository(provider *pfirestore.Provider) (*ShipmentRepository, error) {
	if provider == nil {
		return nil, errors.New("shipment repository requires firestore provider")
	}
	return &ShipmentRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[shipmentDocument](provider, shipmentsCollection),
		orders:   pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection),
	}, nil
}

// CreateWithOrder stores a new shipment record and applies fn to its order in the same
// transaction. The shipment document ID equals the order ID, so a second creation fails
// with a conflict and leaves the order untouched; an fn error aborts both writes.
func (r *ShipmentRepository) CreateWithOrder(ctx context.Context, shipment domain.Shipment, fn func(domain.Order) (domain.Order, error)) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("shipment repository not initialised")
	}
	id := strings.TrimSpace(shipment.OrderID)
	if id == "" {
		return domain.Order{}, errors.New("shipment create: order id is required")
	}
	if fn == nil {
		return domain.Order{}, errors.New("shipment create: order mutation function is required")
	}

	var savedOrder domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		shipmentRef, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		orderRef, err := r.orders.DocumentRef(ctx, id)
		if err != nil {
			return err
		}

		orderSnap, err := tx.Get(orderRef)
		if err != nil {
			return err
		}
		var orderDoc orderDocument
		if err := orderSnap.DataTo(&orderDoc); err != nil {
			return fmt.Errorf("decode order %s: %w", id, err)
		}

		order, err := fn(orderDoc.toDomain(id))
		if err != nil {
			return err
		}
		order.ID = id

		if err := tx.Create(shipmentRef, newShipmentDocument(shipment)); err != nil {
			return err
		}
		nextOrder := newOrderDocument(order)
		if err := tx.Set(orderRef, nextOrder); err != nil {
			return err
		}
		savedOrder = nextOrder.toDomain(id)
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("shipments.create", err)
	}
	return savedOrder, nil
}

// Get loads the shipment for an order.
func (r *ShipmentRepository) Get(ctx context.Context, orderID string) (domain.Shipment, error) {
	if r == nil || r.base == nil {
		return domain.Shipment{}, errors.New("shipment repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Shipment{}, errors.New("shipment get: order id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Shipment{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByTrackingNumber resolves a shipment from carrier webhook payloads.
func (r *ShipmentRepository) FindByTrackingNumber(ctx context.Context, trackingNumber string) (domain.Shipment, bool, error) {
	if r == nil || r.provider == nil {
		return domain.Shipment{}, false, errors.New("shipment repository not initialised")
	}
	tracking := strings.TrimSpace(trackingNumber)
	if tracking == "" {
		return domain.Shipment{}, false, errors.New("shipment find: tracking number is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Shipment{}, false, pfirestore.WrapError("shipments.findByTracking", err)
	}

	iter := client.Collection(shipmentsCollection).
		Where("trackingNumber", "==", tracking).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Shipment{}, false, nil
	}
	if err != nil {
		return domain.Shipment{}, false, pfirestore.WrapError("shipments.findByTracking", err)
	}

	var doc shipmentDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Shipment{}, false, fmt.Errorf("decode shipment %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), true, nil
}

// MutateWithOrder applies fn to the shipment and its order inside one transaction so
// tracking updates and the order-status synchronizer commit atomically.
func (r *ShipmentRepository) MutateWithOrder(ctx context.Context, orderID string, fn func(domain.Shipment, domain.Order) (domain.Shipment, domain.Order, error)) (domain.Shipment, domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Shipment{}, domain.Order{}, errors.New("shipment repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Shipment{}, domain.Order{}, errors.New("shipment mutate: order id is required")
	}
	if fn == nil {
		return domain.Shipment{}, domain.Order{}, errors.New("shipment mutate: mutation function is required")
	}

	var (
		savedShipment domain.Shipment
		savedOrder    domain.Order
	)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		shipmentRef, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		orderRef, err := r.orders.DocumentRef(ctx, id)
		if err != nil {
			return err
		}

		shipmentSnap, err := tx.Get(shipmentRef)
		if err != nil {
			return err
		}
		orderSnap, err := tx.Get(orderRef)
		if err != nil {
			return err
		}

		var shipmentDoc shipmentDocument
		if err := shipmentSnap.DataTo(&shipmentDoc); err != nil {
			return fmt.Errorf("decode shipment %s: %w", id, err)
		}
		var orderDoc orderDocument
		if err := orderSnap.DataTo(&orderDoc); err != nil {
			return fmt.Errorf("decode order %s: %w", id, err)
		}

		shipment, order, err := fn(shipmentDoc.toDomain(id), orderDoc.toDomain(id))
		if err != nil {
			return err
		}
		shipment.OrderID = id
		order.ID = id

		// History only grows. Silently dropping entries here would break the audit trail.
		if len(shipment.History) < len(shipmentDoc.History) {
			return repositories.NewOrderError(repositories.OrderErrorInvalidState, fmt.Sprintf("shipment %s history cannot shrink", id), nil)
		}

		nextShipment := newShipmentDocument(shipment)
		if err := tx.Set(shipmentRef, nextShipment); err != nil {
			return err
		}
		nextOrder := newOrderDocument(order)
		if err := tx.Set(orderRef, nextOrder); err != nil {
			return err
		}

		savedShipment = nextShipment.toDomain(id)
		savedOrder = nextOrder.toDomain(id)
		return nil
	})
	if err != nil {
		return domain.Shipment{}, domain.Order{}, wrapOrderError("shipments.mutate", err)
	}
	return savedShipment, savedOrder, nil
}

type shipmentDocument struct {
	Carrier           string                  `firestore:"carrier"`
	Service           string                  `firestore:"service,omitempty"`
	TrackingNumber    string                  `firestore:"trackingNumber"`
	LabelURL          string                  `firestore:"labelUrl,omitempty"`
	RateID            string                  `firestore:"rateId,omitempty"`
	Status            string                  `firestore:"status"`
	EstimatedDelivery *time.Time              `firestore:"estimatedDelivery,omitempty"`
	ActualDelivery    *time.Time              `firestore:"actualDelivery,omitempty"`
	History           []shipmentEventDocument `firestore:"history"`
	CreatedAt         time.Time               `firestore:"createdAt"`
	UpdatedAt         time.Time               `firestore:"updatedAt"`
}

type shipmentEventDocument struct {
	Status        string    `firestore:"status"`
	CarrierStatus string    `firestore:"carrierStatus,omitempty"`
	Description   string    `firestore:"description,omitempty"`
	OccurredAt    time.Time `firestore:"occurredAt"`
}

func newShipmentDocument(shipment domain.Shipment) shipmentDocument {
	history := make([]shipmentEventDocument, len(shipment.History))
	for i, event := range shipment.History {
		history[i] = shipmentEventDocument{
			Status:        string(event.Status),
			CarrierStatus: strings.TrimSpace(event.CarrierStatus),
			Description:   strings.TrimSpace(event.Description),
			OccurredAt:    event.OccurredAt.UTC(),
		}
	}
	return shipmentDocument{
		Carrier:           strings.TrimSpace(shipment.Carrier),
		Service:           strings.TrimSpace(shipment.Service),
		TrackingNumber:    strings.TrimSpace(shipment.TrackingNumber),
		LabelURL:          strings.TrimSpace(shipment.LabelURL),
		RateID:            strings.TrimSpace(shipment.RateID),
		Status:            string(shipment.Status),
		EstimatedDelivery: shipment.EstimatedDelivery,
		ActualDelivery:    shipment.ActualDelivery,
		History:           history,
		CreatedAt:         shipment.CreatedAt.UTC(),
		UpdatedAt:         shipment.UpdatedAt.UTC(),
	}
}

func (d shipmentDocument) toDomain(orderID string) domain.Shipment {
	history := make([]domain.ShipmentEvent, len(d.History))
	for i, event := range d.History {
		history[i] = domain.ShipmentEvent{
			Status:        domain.ShipmentStatus(event.Status),
			CarrierStatus: event.CarrierStatus,
			Description:   event.Description,
			OccurredAt:    event.OccurredAt,
		}
	}
	return domain.Shipment{
		OrderID:           orderID,
		Carrier:           d.Carrier,
		Service:           d.Service,
		TrackingNumber:    d.TrackingNumber,
		LabelURL:          d.LabelURL,
		RateID:            d.RateID,
		Status:            domain.ShipmentStatus(d.Status),
		EstimatedDelivery: d.EstimatedDelivery,
		ActualDelivery:    d.ActualDelivery,
		History:           history,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

var _ repositories.ShipmentRepository = (*ShipmentRepository)(nil)
