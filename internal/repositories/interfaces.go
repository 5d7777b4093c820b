package repositories

import (
	"context"
	"time"

	domain "github.com/oakline/market-api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// ProductRepository reads catalog records used for cart validation and order creation.
type ProductRepository interface {
	FindByID(ctx context.Context, productID string) (domain.Product, error)
	// FindByIDs returns the products that exist; missing IDs are simply absent from the map.
	FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error)
}

// CartRepository owns cart persistence. One cart per user; the document ID is the user ID.
type CartRepository interface {
	GetCart(ctx context.Context, userID string) (domain.Cart, error)
	UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error)
	ReplaceLines(ctx context.Context, userID string, lines []domain.CartLine, now time.Time) (domain.Cart, error)
	RemoveLine(ctx context.Context, userID string, productID string, now time.Time) (domain.Cart, error)
}

// AddressRepository reads saved addresses for order snapshots.
type AddressRepository interface {
	Get(ctx context.Context, userID string, addressID string) (domain.Address, error)
}

// CreateOrderRequest carries the prebuilt order into the creation transaction. The
// repository re-validates stock against live product documents inside the transaction
// before decrementing; the order is rejected when any line can no longer be satisfied.
type CreateOrderRequest struct {
	Order         domain.Order
	ClearCartUser string
}

// OrderRepository persists orders with the transactional guarantees order creation and
// cancellation demand.
type OrderRepository interface {
	// CreateOrder atomically re-checks stock, decrements product quantities, creates the
	// order document, and clears the user's cart.
	CreateOrder(ctx context.Context, req CreateOrderRequest) (domain.Order, error)
	// CancelOrder atomically flips the order to cancelled and restores the decremented
	// product quantities. Orders past processing are rejected with a conflict.
	CancelOrder(ctx context.Context, orderID string, reason string, now time.Time) (domain.Order, error)
	// Mutate applies fn to the current order inside a transaction and persists the
	// result, giving callers compare-and-swap semantics for status transitions.
	Mutate(ctx context.Context, orderID string, fn func(domain.Order) (domain.Order, error)) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) (domain.CursorPage[domain.Order], error)
}

// PaymentRepository stores the one-to-one payment record per order. The payment document
// ID equals the order ID, which is what enforces uniqueness.
type PaymentRepository interface {
	// Create fails with a conflict when a payment record already exists for the order.
	Create(ctx context.Context, payment domain.Payment) error
	Get(ctx context.Context, orderID string) (domain.Payment, error)
	// FindByIntentID locates the payment owning a gateway intent. The boolean is false
	// when no payment references the intent.
	FindByIntentID(ctx context.Context, intentID string) (domain.Payment, bool, error)
	// MutateWithOrder applies fn to the payment and its order inside one transaction so
	// payment transitions and the order-status synchronizer commit atomically.
	MutateWithOrder(ctx context.Context, orderID string, fn func(domain.Payment, domain.Order) (domain.Payment, domain.Order, error)) (domain.Payment, domain.Order, error)
}

// ShipmentRepository stores the one-to-one shipment record per order, mirroring the
// payment layout. Shipment history is append-only.
type ShipmentRepository interface {
	// CreateWithOrder creates the shipment and applies fn to its order inside one
	// transaction, so the new shipment and the order's move to shipped commit or fail
	// together. Fails with a conflict when the order already has a shipment.
	CreateWithOrder(ctx context.Context, shipment domain.Shipment, fn func(domain.Order) (domain.Order, error)) (domain.Order, error)
	Get(ctx context.Context, orderID string) (domain.Shipment, error)
	FindByTrackingNumber(ctx context.Context, trackingNumber string) (domain.Shipment, bool, error)
	// MutateWithOrder applies fn to the shipment and its order inside one transaction.
	MutateWithOrder(ctx context.Context, orderID string, fn func(domain.Shipment, domain.Order) (domain.Shipment, domain.Order, error)) (domain.Shipment, domain.Order, error)
}

// CounterRepository provides transaction-safe sequence numbers.
type CounterRepository interface {
	Next(ctx context.Context, counterID string, step int64) (int64, error)
	Configure(ctx context.Context, counterID string, cfg CounterConfig) error
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}

// OrderListFilter narrows order listings per user with optional status filtering.
type OrderListFilter struct {
	UserID     string
	Status     []domain.OrderStatus
	Pagination domain.Pagination
}

// CounterConfig customises increment behaviour and bounds for a counter.
type CounterConfig struct {
	Step         int64
	MaxValue     *int64
	InitialValue *int64
}
