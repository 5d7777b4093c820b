package domain

import "time"

// CursorPage wraps a page of results together with the opaque token for the next page.
type CursorPage[T any] struct {
	Items         []T
	NextPageToken string
}

// Pagination carries cursor paging inputs through repository filters.
type Pagination struct {
	PageSize  int
	PageToken string
}

// Product is the catalog record as far as fulfillment is concerned. Quantity is the
// contended resource: it must never go negative, and every decrement happens inside
// the order-creation transaction.
type Product struct {
	ID        string
	Name      string
	SKU       string
	Status    ProductStatus
	Price     int64
	SalePrice *int64
	Quantity  int
	Currency  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// ProductStatus enumerates catalog availability states.
type ProductStatus string

const (
	ProductStatusActive   ProductStatus = "active"
	ProductStatusInactive ProductStatus = "inactive"
)

// Cart holds a user's pending lines. One cart per user; the document ID is the user ID.
type Cart struct {
	UserID            string
	Currency          string
	Lines             []CartLine
	ShippingAddressID string
	BillingAddressID  string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// CartLine references a product and a quantity. Pricing is resolved at snapshot time,
// never stored on the line.
type CartLine struct {
	ProductID string
	Quantity  int
}

// Address is the delivery/billing address snapshot attached to orders.
type Address struct {
	ID         string
	UserID     string
	Name       string
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
	Phone      string
}

// Order is the durable record produced by checkout. Status and PaymentStatus are only
// mutated through the transition tables in status.go.
type Order struct {
	ID              string
	UserID          string
	OrderNumber     string
	Status          OrderStatus
	PaymentStatus   OrderPaymentStatus
	Currency        string
	Items           []OrderItem
	Totals          OrderTotals
	ShippingAddress Address
	BillingAddress  Address
	CancelReason    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	PaidAt          *time.Time
	ShippedAt       *time.Time
	DeliveredAt     *time.Time
	CanceledAt      *time.Time
}

// OrderItem is a point-in-time snapshot of a purchased line. Immutable after creation.
type OrderItem struct {
	ProductID string
	Name      string
	SKU       string
	Quantity  int
	UnitPrice int64
	Total     int64
}

// OrderTotals breaks the charged amount into its components. Amounts are minor units.
type OrderTotals struct {
	Subtotal int64
	Shipping int64
	Tax      int64
	Discount int64
	Total    int64
}

// Payment is the one-to-one gateway charge record for an order. The document ID equals
// the order ID, which is what enforces the one-payment-per-order invariant.
type Payment struct {
	OrderID        string
	Provider       string
	IntentID       string
	ClientSecret   string
	Amount         int64
	Currency       string
	Status         PaymentStatus
	RefundedAmount int64
	RefundID       string
	FailureReason  string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CapturedAt     *time.Time
	RefundedAt     *time.Time
}

// Shipment is the one-to-one carrier record for an order. History is append-only.
type Shipment struct {
	OrderID           string
	Carrier           string
	Service           string
	TrackingNumber    string
	LabelURL          string
	RateID            string
	Status            ShipmentStatus
	EstimatedDelivery *time.Time
	ActualDelivery    *time.Time
	History           []ShipmentEvent
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// ShipmentEvent is a single entry of the shipment status audit log.
type ShipmentEvent struct {
	Status        ShipmentStatus
	CarrierStatus string
	Description   string
	OccurredAt    time.Time
}
