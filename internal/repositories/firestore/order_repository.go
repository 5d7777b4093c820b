package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/oakline/market-api/internal/domain"
	pfirestore "github.com/oakline/market-api/internal/platform/firestore"
	"github.com/oakline/market-api/internal/platform/pagination"
	"github.com/oakline/market-api/internal/repositories"
)

const ordersCollection = "orders"

// OrderRepository persists orders in Firestore. All multi-document mutations run inside
// a single transaction so stock, order, and cart commit or abort together.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[orderDocument]
	products *pfirestore.BaseRepository[productDocument]
	carts    *pfirestore.BaseRepository[cartDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection),
		products: pfirestore.NewBaseRepository[productDocument](provider, productsCollection),
		carts:    pfirestore.NewBaseRepository[cartDocument](provider, cartsCollection),
	}, nil
}

// CreateOrder atomically re-validates stock against the live product documents,
// decrements the purchased quantities, creates the order, and clears the cart. Firestore
// aborts and retries the transaction when a concurrent write touches any product read
// here, which is what keeps quantities from going negative under contention.
func (r *OrderRepository) CreateOrder(ctx context.Context, req repositories.CreateOrderRequest) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	order := req.Order
	if strings.TrimSpace(order.ID) == "" {
		return domain.Order{}, errors.New("order create: order id is required")
	}
	if strings.TrimSpace(order.UserID) == "" {
		return domain.Order{}, errors.New("order create: user id is required")
	}
	if len(order.Items) == 0 {
		return domain.Order{}, errors.New("order create: at least one item is required")
	}

	now := order.CreatedAt.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	var saved domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.base.DocumentRef(ctx, order.ID)
		if err != nil {
			return err
		}

		// All reads happen before any write.
		type productUpdate struct {
			ref *firestore.DocumentRef
			doc productDocument
		}
		updates := make([]productUpdate, 0, len(order.Items))
		for _, item := range order.Items {
			pid := strings.TrimSpace(item.ProductID)
			if pid == "" || item.Quantity <= 0 {
				return repositories.NewOrderError(repositories.OrderErrorUnknown, fmt.Sprintf("order create: invalid line for product %q", item.ProductID), nil)
			}

			productRef, err := r.products.DocumentRef(ctx, pid)
			if err != nil {
				return err
			}
			snap, err := tx.Get(productRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return orderProductUnavailable(pid, fmt.Sprintf("product %s not found", pid), err)
				}
				return err
			}
			var doc productDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode product %s: %w", pid, err)
			}
			if domain.ProductStatus(doc.Status) != domain.ProductStatusActive {
				return orderProductUnavailable(pid, fmt.Sprintf("product %s is not active", pid), nil)
			}
			if doc.Quantity < item.Quantity {
				return orderInsufficientStock(pid, fmt.Sprintf("insufficient stock for product %s", pid))
			}

			doc.Quantity -= item.Quantity
			doc.UpdatedAt = now
			updates = append(updates, productUpdate{ref: productRef, doc: doc})
		}

		for _, update := range updates {
			if err := tx.Set(update.ref, update.doc); err != nil {
				return err
			}
		}

		doc := newOrderDocument(order)
		doc.CreatedAt = now
		doc.UpdatedAt = now
		if err := tx.Create(orderRef, doc); err != nil {
			return err
		}

		if uid := strings.TrimSpace(req.ClearCartUser); uid != "" {
			cartRef, err := r.carts.DocumentRef(ctx, uid)
			if err != nil {
				return err
			}
			if err := tx.Delete(cartRef); err != nil {
				return err
			}
		}

		saved = doc.toDomain(order.ID)
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.create", err)
	}
	return saved, nil
}

// CancelOrder flips the order to cancelled and restores the decremented quantities in
// the same transaction. Orders past processing are rejected with an invalid-state error.
func (r *OrderRepository) CancelOrder(ctx context.Context, orderID string, reason string, now time.Time) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order cancel: order id is required")
	}

	ts := now.UTC()
	var saved domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(orderRef)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", id, err)
		}

		current := domain.OrderStatus(doc.Status)
		if !domain.CanCancelOrder(current) {
			return repositories.NewOrderError(repositories.OrderErrorInvalidState, fmt.Sprintf("order %s cannot be cancelled from status %s", id, current), nil)
		}

		// Read the products before writing anything. A product removed from the catalog
		// after the sale simply skips restoration.
		type productUpdate struct {
			ref *firestore.DocumentRef
			doc productDocument
		}
		updates := make([]productUpdate, 0, len(doc.Items))
		for _, item := range doc.Items {
			productRef, err := r.products.DocumentRef(ctx, item.ProductID)
			if err != nil {
				return err
			}
			psnap, err := tx.Get(productRef)
			if err != nil {
				if status.Code(err) == codes.NotFound {
					continue
				}
				return err
			}
			var pdoc productDocument
			if err := psnap.DataTo(&pdoc); err != nil {
				return fmt.Errorf("decode product %s: %w", item.ProductID, err)
			}
			pdoc.Quantity += item.Quantity
			pdoc.UpdatedAt = ts
			updates = append(updates, productUpdate{ref: productRef, doc: pdoc})
		}

		for _, update := range updates {
			if err := tx.Set(update.ref, update.doc); err != nil {
				return err
			}
		}

		doc.Status = string(domain.OrderStatusCanceled)
		doc.CancelReason = strings.TrimSpace(reason)
		doc.CanceledAt = &ts
		doc.UpdatedAt = ts
		if err := tx.Set(orderRef, doc); err != nil {
			return err
		}

		saved = doc.toDomain(id)
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.cancel", err)
	}
	return saved, nil
}

// Mutate applies fn to the current order inside a transaction and persists the result,
// giving callers compare-and-swap semantics over the whole order document.
func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn func(domain.Order) (domain.Order, error)) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order mutate: order id is required")
	}
	if fn == nil {
		return domain.Order{}, errors.New("order mutate: mutation function is required")
	}

	var saved domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		orderRef, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(orderRef)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", id, err)
		}

		updated, err := fn(doc.toDomain(id))
		if err != nil {
			return err
		}
		updated.ID = id

		next := newOrderDocument(updated)
		if err := tx.Set(orderRef, next); err != nil {
			return err
		}
		saved = next.toDomain(id)
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.mutate", err)
	}
	return saved, nil
}

// FindByID loads a single order document.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.base == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order find: order id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// List returns the user's orders newest first with cursor pagination.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}
	uid := strings.TrimSpace(filter.UserID)
	if uid == "" {
		return domain.CursorPage[domain.Order]{}, errors.New("order list: user id is required")
	}

	pageSize := filter.Pagination.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
	}

	query := client.Collection(ordersCollection).Query.
		Where("userId", "==", uid)
	if len(filter.Status) > 0 {
		statuses := make([]string, 0, len(filter.Status))
		for _, s := range filter.Status {
			statuses = append(statuses, string(s))
		}
		query = query.Where("status", "in", statuses)
	}
	query = query.
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(filter.Pagination.PageToken); token != "" {
		cursor, err := pagination.DecodeToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		createdAt, id, err := orderCursorValues(cursor)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		query = query.StartAfter(createdAt, id)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := pagination.EncodeToken(pagination.Cursor{
			StartAfter: []any{last.CreatedAt.UTC().Format(time.RFC3339Nano), last.ID},
		})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: nextToken}, nil
}

// Document model -------------------------------------------------------------

type orderDocument struct {
	UserID          string              `firestore:"userId"`
	OrderNumber     string              `firestore:"orderNumber"`
	Status          string              `firestore:"status"`
	PaymentStatus   string              `firestore:"paymentStatus"`
	Currency        string              `firestore:"currency"`
	Items           []orderItemDocument `firestore:"items"`
	Totals          orderTotalsDocument `firestore:"totals"`
	ShippingAddress addressDocument     `firestore:"shippingAddress"`
	BillingAddress  addressDocument     `firestore:"billingAddress"`
	CancelReason    string              `firestore:"cancelReason,omitempty"`
	CreatedAt       time.Time           `firestore:"createdAt"`
	UpdatedAt       time.Time           `firestore:"updatedAt"`
	PaidAt          *time.Time          `firestore:"paidAt,omitempty"`
	ShippedAt       *time.Time          `firestore:"shippedAt,omitempty"`
	DeliveredAt     *time.Time          `firestore:"deliveredAt,omitempty"`
	CanceledAt      *time.Time          `firestore:"canceledAt,omitempty"`
}

type orderItemDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	SKU       string `firestore:"sku"`
	Quantity  int    `firestore:"qty"`
	UnitPrice int64  `firestore:"unitPrice"`
	Total     int64  `firestore:"total"`
}

type orderTotalsDocument struct {
	Subtotal int64 `firestore:"subtotal"`
	Shipping int64 `firestore:"shipping"`
	Tax      int64 `firestore:"tax"`
	Discount int64 `firestore:"discount"`
	Total    int64 `firestore:"total"`
}

type addressDocument struct {
	ID         string `firestore:"id,omitempty"`
	Name       string `firestore:"name,omitempty"`
	Line1      string `firestore:"line1"`
	Line2      string `firestore:"line2,omitempty"`
	City       string `firestore:"city"`
	State      string `firestore:"state,omitempty"`
	PostalCode string `firestore:"postalCode"`
	Country    string `firestore:"country"`
	Phone      string `firestore:"phone,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]orderItemDocument, len(order.Items))
	for i, item := range order.Items {
		items[i] = orderItemDocument{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      item.Name,
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		}
	}
	return orderDocument{
		UserID:          strings.TrimSpace(order.UserID),
		OrderNumber:     strings.TrimSpace(order.OrderNumber),
		Status:          string(order.Status),
		PaymentStatus:   string(order.PaymentStatus),
		Currency:        strings.ToUpper(strings.TrimSpace(order.Currency)),
		Items:           items,
		Totals:          orderTotalsDocument(order.Totals),
		ShippingAddress: newAddressDocument(order.ShippingAddress),
		BillingAddress:  newAddressDocument(order.BillingAddress),
		CancelReason:    strings.TrimSpace(order.CancelReason),
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
		PaidAt:          order.PaidAt,
		ShippedAt:       order.ShippedAt,
		DeliveredAt:     order.DeliveredAt,
		CanceledAt:      order.CanceledAt,
	}
}

func newAddressDocument(addr domain.Address) addressDocument {
	return addressDocument{
		ID:         strings.TrimSpace(addr.ID),
		Name:       strings.TrimSpace(addr.Name),
		Line1:      strings.TrimSpace(addr.Line1),
		Line2:      strings.TrimSpace(addr.Line2),
		City:       strings.TrimSpace(addr.City),
		State:      strings.TrimSpace(addr.State),
		PostalCode: strings.TrimSpace(addr.PostalCode),
		Country:    strings.ToUpper(strings.TrimSpace(addr.Country)),
		Phone:      strings.TrimSpace(addr.Phone),
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderItem, len(d.Items))
	for i, item := range d.Items {
		items[i] = domain.OrderItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		}
	}
	return domain.Order{
		ID:              id,
		UserID:          d.UserID,
		OrderNumber:     d.OrderNumber,
		Status:          domain.OrderStatus(d.Status),
		PaymentStatus:   domain.OrderPaymentStatus(d.PaymentStatus),
		Currency:        d.Currency,
		Items:           items,
		Totals:          domain.OrderTotals(d.Totals),
		ShippingAddress: d.ShippingAddress.toDomain(),
		BillingAddress:  d.BillingAddress.toDomain(),
		CancelReason:    d.CancelReason,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		PaidAt:          d.PaidAt,
		ShippedAt:       d.ShippedAt,
		DeliveredAt:     d.DeliveredAt,
		CanceledAt:      d.CanceledAt,
	}
}

func (d addressDocument) toDomain() domain.Address {
	return domain.Address{
		ID:         d.ID,
		Name:       d.Name,
		Line1:      d.Line1,
		Line2:      d.Line2,
		City:       d.City,
		State:      d.State,
		PostalCode: d.PostalCode,
		Country:    d.Country,
		Phone:      d.Phone,
	}
}

// orderCursorValues unpacks the (createdAt, id) pair an order listing resumes after.
// The pair mirrors the listing's order-by clause.
func orderCursorValues(cursor pagination.Cursor) (time.Time, string, error) {
	if len(cursor.StartAfter) != 2 {
		return time.Time{}, "", fmt.Errorf("%w: malformed order cursor", pagination.ErrInvalidPageToken)
	}
	rawCreated, ok := cursor.StartAfter[0].(string)
	if !ok {
		return time.Time{}, "", fmt.Errorf("%w: malformed order cursor", pagination.ErrInvalidPageToken)
	}
	id, ok := cursor.StartAfter[1].(string)
	if !ok || strings.TrimSpace(id) == "" {
		return time.Time{}, "", fmt.Errorf("%w: malformed order cursor", pagination.ErrInvalidPageToken)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, rawCreated)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("%w: malformed order cursor", pagination.ErrInvalidPageToken)
	}
	return createdAt, id, nil
}

func orderInsufficientStock(productID, message string) *repositories.OrderError {
	err := repositories.NewOrderError(repositories.OrderErrorInsufficientStock, message, nil)
	err.ProductID = productID
	return err
}

func orderProductUnavailable(productID, message string, cause error) *repositories.OrderError {
	err := repositories.NewOrderError(repositories.OrderErrorProductUnavailable, message, cause)
	err.ProductID = productID
	return err
}

func wrapOrderError(op string, err error) error {
	if err == nil {
		return nil
	}
	var orderErr *repositories.OrderError
	if errors.As(err, &orderErr) {
		if orderErr.Op == "" {
			orderErr.Op = op
		}
		return orderErr
	}
	return pfirestore.WrapError(op, err)
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
