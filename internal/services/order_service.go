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
)

const (
	orderIDPrefix = "ord_"
	eventIDPrefix = "evt_"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderInvalidState indicates an invalid status transition was attempted.
	ErrOrderInvalidState = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates concurrent modification or duplicate creation.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderInsufficientStock indicates a line could not be satisfied at commit time.
	ErrOrderInsufficientStock = errors.New("order: insufficient stock")
	// ErrOrderProductUnavailable indicates a line references a missing or inactive product.
	ErrOrderProductUnavailable = errors.New("order: product unavailable")
	// ErrOrderUnavailable indicates the backing store rejected the request transiently.
	ErrOrderUnavailable = errors.New("order: unavailable")
)

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders      repositories.OrderRepository
	Addresses   repositories.AddressRepository
	Carts       CartService
	Counters    CounterService
	Clock       func() time.Time
	IDGenerator func() string
	Events      EventPublisher
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders    repositories.OrderRepository
	addresses repositories.AddressRepository
	carts     CartService
	counters  CounterService
	clock     func() time.Time
	newID     func() string
	events    EventPublisher
	logger    func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	if deps.Addresses == nil {
		return nil, errors.New("order service: address repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("order service: cart service is required")
	}
	if deps.Counters == nil {
		return nil, errors.New("order service: counter service is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return orderIDPrefix + ulid.Make().String()
		}
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderService{
		orders:    deps.Orders,
		addresses: deps.Addresses,
		carts:     deps.Carts,
		counters:  deps.Counters,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		events: deps.Events,
		logger: logger,
	}, nil
}

// CreateFromCart snapshots the user's cart, resolves address snapshots, and commits the
// order in one repository transaction that re-checks stock, decrements it, and clears
// the cart. A snapshot with any unpurchasable line rejects the whole order; partial
// fulfilment is never attempted.
func (s *orderService) CreateFromCart(ctx context.Context, cmd CreateOrderCommand) (Order, error) {
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return Order{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	shippingID := strings.TrimSpace(cmd.ShippingAddressID)
	if shippingID == "" {
		return Order{}, fmt.Errorf("%w: shipping address is required", ErrOrderInvalidInput)
	}
	if cmd.ShippingAmount < 0 || cmd.TaxAmount < 0 || cmd.DiscountAmount < 0 {
		return Order{}, fmt.Errorf("%w: amounts must not be negative", ErrOrderInvalidInput)
	}

	snapshot, err := s.carts.Snapshot(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrCartNotFound) {
			return Order{}, fmt.Errorf("%w: cart is empty", ErrOrderInvalidInput)
		}
		return Order{}, err
	}
	if len(snapshot.InvalidLines) > 0 {
		reasons := make([]string, 0, len(snapshot.InvalidLines))
		for _, line := range snapshot.InvalidLines {
			reasons = append(reasons, fmt.Sprintf("%s(%s)", line.ProductID, line.Reason))
		}
		return Order{}, fmt.Errorf("%w: cart contains unpurchasable lines: %s", ErrOrderConflict, strings.Join(reasons, ", "))
	}
	if len(snapshot.Lines) == 0 {
		return Order{}, fmt.Errorf("%w: cart is empty", ErrOrderInvalidInput)
	}

	shippingAddr, err := s.addresses.Get(ctx, userID, shippingID)
	if err != nil {
		if isRepoNotFound(err) {
			return Order{}, fmt.Errorf("%w: shipping address %s not found", ErrOrderInvalidInput, shippingID)
		}
		return Order{}, translateOrderRepoError(err)
	}
	billingAddr := shippingAddr
	if billingID := strings.TrimSpace(cmd.BillingAddressID); billingID != "" && billingID != shippingID {
		billingAddr, err = s.addresses.Get(ctx, userID, billingID)
		if err != nil {
			if isRepoNotFound(err) {
				return Order{}, fmt.Errorf("%w: billing address %s not found", ErrOrderInvalidInput, billingID)
			}
			return Order{}, translateOrderRepoError(err)
		}
	}

	orderNumber, err := s.counters.NextOrderNumber(ctx)
	if err != nil {
		return Order{}, err
	}

	now := s.clock()
	items := make([]domain.OrderItem, len(snapshot.Lines))
	for i, line := range snapshot.Lines {
		items[i] = domain.OrderItem{
			ProductID: line.ProductID,
			Name:      line.Name,
			SKU:       line.SKU,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Total:     line.Total,
		}
	}

	order := domain.Order{
		ID:              s.newID(),
		UserID:          userID,
		OrderNumber:     orderNumber,
		Status:          domain.OrderStatusPending,
		PaymentStatus:   domain.OrderPaymentPending,
		Currency:        snapshot.Currency,
		Items:           items,
		Totals:          domain.ComputeTotals(domain.SumOrderItems(items), cmd.ShippingAmount, cmd.TaxAmount, cmd.DiscountAmount),
		ShippingAddress: shippingAddr,
		BillingAddress:  billingAddr,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	saved, err := s.orders.CreateOrder(ctx, repositories.CreateOrderRequest{
		Order:         order,
		ClearCartUser: userID,
	})
	if err != nil {
		return Order{}, translateOrderRepoError(err)
	}

	s.logger(ctx, "order.created", map[string]any{
		"orderId":     saved.ID,
		"orderNumber": saved.OrderNumber,
		"userId":      saved.UserID,
		"total":       saved.Totals.Total,
	})
	s.publish(ctx, EventOrderCreated, saved, map[string]any{
		"orderNumber": saved.OrderNumber,
		"total":       saved.Totals.Total,
		"currency":    saved.Currency,
	})
	return saved, nil
}

// GetOrder loads a single order. A non-empty UserID scopes the read to the owner; an
// order belonging to someone else reads as not found rather than forbidden.
func (s *orderService) GetOrder(ctx context.Context, cmd GetOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Order{}, translateOrderRepoError(err)
	}
	if uid := strings.TrimSpace(cmd.UserID); uid != "" && order.UserID != uid {
		return Order{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, orderID)
	}
	return order, nil
}

// ListOrders returns the user's orders newest first.
func (s *orderService) ListOrders(ctx context.Context, filter OrderListFilter) (domain.CursorPage[Order], error) {
	if strings.TrimSpace(filter.UserID) == "" {
		return domain.CursorPage[Order]{}, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}
	page, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.CursorPage[Order]{}, translateOrderRepoError(err)
	}
	return page, nil
}

// TransitionStatus moves an order along the lifecycle. The transition table is checked
// inside the repository transaction, so concurrent transitions serialise and the loser
// is rejected against the committed state.
func (s *orderService) TransitionStatus(ctx context.Context, cmd OrderStatusTransitionCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := cmd.TargetStatus
	if target == "" {
		return Order{}, fmt.Errorf("%w: target status is required", ErrOrderInvalidInput)
	}
	if target == domain.OrderStatusCanceled {
		return Order{}, fmt.Errorf("%w: use cancellation for cancelled status", ErrOrderInvalidInput)
	}

	var previous domain.OrderStatus
	now := s.clock()
	saved, err := s.orders.Mutate(ctx, orderID, func(order domain.Order) (domain.Order, error) {
		previous = order.Status
		if !domain.CanTransitionOrder(order.Status, target) {
			return domain.Order{}, fmt.Errorf("%w: %s to %s", ErrOrderInvalidState, order.Status, target)
		}
		order.Status = target
		order.UpdatedAt = now
		switch target {
		case domain.OrderStatusShipped:
			order.ShippedAt = &now
		case domain.OrderStatusDelivered:
			order.DeliveredAt = &now
		}
		return order, nil
	})
	if err != nil {
		if errors.Is(err, ErrOrderInvalidState) {
			return Order{}, err
		}
		return Order{}, translateOrderRepoError(err)
	}

	s.logger(ctx, "order.status_changed", map[string]any{
		"orderId": saved.ID,
		"from":    string(previous),
		"to":      string(saved.Status),
		"actorId": cmd.ActorID,
	})
	s.publish(ctx, EventOrderStatus, saved, map[string]any{
		"from": string(previous),
		"to":   string(saved.Status),
	})
	return saved, nil
}

// Cancel flips a pending or processing order to cancelled and restores the decremented
// stock in the same transaction. Shipped and later orders are rejected.
func (s *orderService) Cancel(ctx context.Context, cmd CancelOrderCommand) (Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	if uid := strings.TrimSpace(cmd.UserID); uid != "" {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return Order{}, translateOrderRepoError(err)
		}
		if order.UserID != uid {
			return Order{}, fmt.Errorf("%w: order %s", ErrOrderNotFound, orderID)
		}
	}

	saved, err := s.orders.CancelOrder(ctx, orderID, strings.TrimSpace(cmd.Reason), s.clock())
	if err != nil {
		return Order{}, translateOrderRepoError(err)
	}

	s.logger(ctx, "order.cancelled", map[string]any{
		"orderId": saved.ID,
		"actorId": cmd.ActorID,
		"reason":  saved.CancelReason,
	})
	s.publish(ctx, EventOrderCanceled, saved, map[string]any{
		"reason": saved.CancelReason,
	})
	return saved, nil
}

// publish emits a domain event without letting delivery failures surface to callers.
func (s *orderService) publish(ctx context.Context, eventType string, order domain.Order, data map[string]any) {
	if s.events == nil {
		return
	}
	event := DomainEvent{
		EventID:    eventIDPrefix + ulid.Make().String(),
		Type:       eventType,
		OrderID:    order.ID,
		UserID:     order.UserID,
		OccurredAt: s.clock(),
		Data:       data,
	}
	if err := s.events.PublishEvent(ctx, event); err != nil {
		s.logger(ctx, "order.event_publish_failed", map[string]any{
			"orderId":   order.ID,
			"eventType": eventType,
			"error":     err.Error(),
		})
	}
}

func translateOrderRepoError(err error) error {
	if err == nil {
		return nil
	}

	var orderErr *repositories.OrderError
	if errors.As(err, &orderErr) {
		switch orderErr.Code {
		case repositories.OrderErrorInsufficientStock:
			return fmt.Errorf("%w: %s", ErrOrderInsufficientStock, orderErr.Message)
		case repositories.OrderErrorProductUnavailable:
			return fmt.Errorf("%w: %s", ErrOrderProductUnavailable, orderErr.Message)
		case repositories.OrderErrorInvalidState:
			return fmt.Errorf("%w: %s", ErrOrderInvalidState, orderErr.Message)
		default:
			return fmt.Errorf("%w: %s", ErrOrderConflict, orderErr.Message)
		}
	}

	switch {
	case isRepoNotFound(err):
		return fmt.Errorf("%w: %s", ErrOrderNotFound, err)
	case isRepoConflict(err):
		return fmt.Errorf("%w: %s", ErrOrderConflict, err)
	case isRepoUnavailable(err):
		return fmt.Errorf("%w: %s", ErrOrderUnavailable, err)
	default:
		return err
	}
}
