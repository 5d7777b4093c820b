package services

import (
	"context"
	"time"

	domain "github.com/oakline/market-api/internal/domain"
	"github.com/oakline/market-api/internal/repositories"
	"github.com/oakline/market-api/internal/shipping"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	Product            = domain.Product
	Cart               = domain.Cart
	CartLine           = domain.CartLine
	Address            = domain.Address
	Order              = domain.Order
	OrderItem          = domain.OrderItem
	OrderTotals        = domain.OrderTotals
	OrderStatus        = domain.OrderStatus
	Payment            = domain.Payment
	PaymentStatus      = domain.PaymentStatus
	Shipment           = domain.Shipment
	ShipmentEvent      = domain.ShipmentEvent
	ShipmentStatus     = domain.ShipmentStatus
	SystemHealthReport = domain.SystemHealthReport
)

// RateQuote is a carrier service option offered for an order prior to label purchase.
type RateQuote = shipping.Rate

// CartService manages mutable cart state and produces the priced snapshot checkout
// consumes.
type CartService interface {
	GetOrCreateCart(ctx context.Context, userID string) (Cart, error)
	UpsertLine(ctx context.Context, cmd UpsertCartLineCommand) (Cart, error)
	RemoveLine(ctx context.Context, cmd RemoveCartLineCommand) (Cart, error)
	// Snapshot prices the cart against the live catalog and separates lines that can be
	// purchased from lines that cannot.
	Snapshot(ctx context.Context, userID string) (CartSnapshot, error)
	ClearCart(ctx context.Context, userID string) error
}

// OrderService encapsulates the order transaction flows: atomic creation from a cart
// snapshot, guarded status transitions, and cancellation with stock restoration.
type OrderService interface {
	CreateFromCart(ctx context.Context, cmd CreateOrderCommand) (Order, error)
	GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error)
	ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error)
	TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error)
	Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error)
}

// PaymentService manages the gateway charge lifecycle for orders. All gateway state,
// whether from webhooks or reconciliation, funnels through one guarded transition path.
type PaymentService interface {
	CreateIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (Payment, error)
	GetPayment(ctx context.Context, orderID string) (Payment, error)
	// RecordGatewayEvent applies a verified webhook event to the payment record.
	RecordGatewayEvent(ctx context.Context, cmd GatewayEventCommand) (Payment, error)
	// ConfirmPayment reconciles the payment against the gateway's current view, covering
	// webhook loss.
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Payment, error)
	Refund(ctx context.Context, cmd RefundPaymentCommand) (Payment, error)
}

// ShipmentService orchestrates shipment creation and the append-only tracking history.
type ShipmentService interface {
	// QuoteRates asks the carrier for service options to the order's shipping address.
	QuoteRates(ctx context.Context, orderID string) ([]RateQuote, error)
	CreateShipment(ctx context.Context, cmd CreateShipmentCommand) (Shipment, error)
	GetShipment(ctx context.Context, orderID string) (Shipment, error)
	// RecordTrackingUpdate appends a carrier event and advances the shipment status.
	RecordTrackingUpdate(ctx context.Context, cmd TrackingUpdateCommand) (Shipment, error)
	// RefreshTracking polls the carrier and applies any scans not yet recorded.
	RefreshTracking(ctx context.Context, orderID string) (Shipment, error)
}

// CounterService provides transaction-safe formatted sequence numbers.
type CounterService interface {
	Next(ctx context.Context, scope, name string, opts CounterGenerationOptions) (CounterValue, error)
	NextOrderNumber(ctx context.Context) (string, error)
}

// SystemService aggregates utility endpoints (health checks, counters).
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
	NextCounterValue(ctx context.Context, cmd CounterCommand) (int64, error)
}

// EventPublisher accepts order lifecycle notifications for downstream processing.
// Publishing is best effort; delivery failures never roll back the transaction that
// produced the event.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event DomainEvent) error
}

// DomainEvent is an order lifecycle notification emitted after a committed mutation.
type DomainEvent struct {
	EventID    string
	Type       string
	OrderID    string
	UserID     string
	OccurredAt time.Time
	Data       map[string]any
}

// Domain event types emitted by the pipeline.
const (
	EventOrderCreated     = "order.created"
	EventOrderCanceled    = "order.cancelled"
	EventOrderStatus      = "order.status_changed"
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentFailed    = "payment.failed"
	EventPaymentRefunded  = "payment.refunded"
	EventShipmentCreated  = "shipment.created"
	EventShipmentUpdated  = "shipment.updated"
)

// Command and DTO definitions ------------------------------------------------

// CartSnapshot is the priced, validated view of a cart at a point in time. Only valid
// lines participate in totals; invalid lines carry the reason they were excluded.
type CartSnapshot struct {
	UserID       string
	Currency     string
	Lines        []SnapshotLine
	InvalidLines []InvalidLine
	Totals       OrderTotals
	TakenAt      time.Time
}

// SnapshotLine is a cart line resolved against the live catalog.
type SnapshotLine struct {
	ProductID string
	Name      string
	SKU       string
	Quantity  int
	UnitPrice int64
	Total     int64
}

// InvalidLine names a cart line that cannot be purchased and why.
type InvalidLine struct {
	ProductID string
	Quantity  int
	Reason    InvalidLineReason
}

// InvalidLineReason enumerates why a cart line was excluded from a snapshot.
type InvalidLineReason string

const (
	InvalidLineProductMissing    InvalidLineReason = "product_missing"
	InvalidLineProductInactive   InvalidLineReason = "product_inactive"
	InvalidLineInsufficientStock InvalidLineReason = "insufficient_stock"
)

type UpsertCartLineCommand struct {
	UserID    string
	ProductID string
	Quantity  int
}

type RemoveCartLineCommand struct {
	UserID    string
	ProductID string
}

type OrderListFilter = repositories.OrderListFilter

type CreateOrderCommand struct {
	UserID            string
	ShippingAddressID string
	BillingAddressID  string
	ShippingAmount    int64
	TaxAmount         int64
	DiscountAmount    int64
}

type GetOrderCommand struct {
	OrderID string
	// UserID scopes the read to the owner; empty means an admin read.
	UserID string
}

type OrderStatusTransitionCommand struct {
	OrderID      string
	TargetStatus OrderStatus
	ActorID      string
	Reason       string
}

type CancelOrderCommand struct {
	OrderID string
	// UserID scopes cancellation to the owner; empty means an admin cancellation.
	UserID  string
	ActorID string
	Reason  string
}

type CreatePaymentIntentCommand struct {
	OrderID string
	// UserID scopes the operation to the order owner; empty means an admin call.
	UserID string
}

// GatewayEventCommand carries a verified, normalised webhook event into the payment
// transition funnel.
type GatewayEventCommand struct {
	EventID        string
	IntentID       string
	Status         PaymentStatus
	AmountRefunded int64
	RefundID       string
	FailureReason  string
}

type ConfirmPaymentCommand struct {
	OrderID string
	UserID  string
}

type RefundPaymentCommand struct {
	OrderID string
	ActorID string
	// Amount refunds a partial amount in minor units; nil refunds the full charge.
	Amount *int64
	Reason string
}

type CreateShipmentCommand struct {
	OrderID string
	RateID  string
	ActorID string
	// Carrier and Service identify the selected rate when the rate ID alone is ambiguous.
	Carrier string
	Service string
}

type TrackingUpdateCommand struct {
	TrackingNumber string
	CarrierStatus  string
	Description    string
	OccurredAt     time.Time
}

// CounterGenerationOptions controls how counter values are incremented and formatted.
type CounterGenerationOptions struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
	Prefix       string
	Suffix       string
	PadLength    int
	Formatter    func(now time.Time, value int64) string
}

// CounterValue couples the raw sequence value with its formatted representation.
type CounterValue struct {
	Value     int64
	Formatted string
}

type CounterCommand struct {
	CounterID string
	Step      int64
}
