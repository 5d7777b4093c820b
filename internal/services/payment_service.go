package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/oakline/market-api/internal/domain"
	"github.com/oakline/market-api/internal/payments"
	"github.com/oakline/market-api/internal/repositories"
)

var (
	// ErrPaymentInvalidInput signals the caller provided invalid data.
	ErrPaymentInvalidInput = errors.New("payment: invalid input")
	// ErrPaymentNotFound indicates no payment record matches the request.
	ErrPaymentNotFound = errors.New("payment: not found")
	// ErrPaymentInvalidState indicates the payment status forbids the operation.
	ErrPaymentInvalidState = errors.New("payment: invalid state")
	// ErrPaymentConflict indicates a duplicate or concurrent payment mutation.
	ErrPaymentConflict = errors.New("payment: conflict")
	// ErrPaymentGateway indicates the PSP rejected or failed the request.
	ErrPaymentGateway = errors.New("payment: gateway error")
	// ErrPaymentUnavailable indicates the backing store rejected the request transiently.
	ErrPaymentUnavailable = errors.New("payment: unavailable")
)

// PaymentGateway is the slice of the payments manager the service depends on.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, paymentCtx payments.PaymentContext, req payments.IntentRequest) (payments.Intent, error)
	Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error)
	LookupPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error)
}

// PaymentServiceDeps bundles collaborators required to construct the payment service.
type PaymentServiceDeps struct {
	Payments repositories.PaymentRepository
	Orders   repositories.OrderRepository
	Gateway  PaymentGateway
	Clock    func() time.Time
	Events   EventPublisher
	Logger   func(ctx context.Context, event string, fields map[string]any)
}

type paymentService struct {
	payments repositories.PaymentRepository
	orders   repositories.OrderRepository
	gateway  PaymentGateway
	clock    func() time.Time
	events   EventPublisher
	logger   func(context.Context, string, map[string]any)
}

// NewPaymentService wires dependencies into a concrete PaymentService implementation.
func NewPaymentService(deps PaymentServiceDeps) (PaymentService, error) {
	if deps.Payments == nil {
		return nil, errors.New("payment service: payment repository is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("payment service: order repository is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("payment service: gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &paymentService{
		payments: deps.Payments,
		orders:   deps.Orders,
		gateway:  deps.Gateway,
		clock: func() time.Time {
			return clock().UTC()
		},
		events: deps.Events,
		logger: logger,
	}, nil
}

// CreateIntent opens a gateway intent for the order total. Calling it again while the
// existing intent is still pending returns that intent instead of opening a second one;
// the payment document keyed by order ID is what makes the one-payment-per-order
// invariant hold under concurrent requests.
func (s *paymentService) CreateIntent(ctx context.Context, cmd CreatePaymentIntentCommand) (Payment, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Payment{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return Payment{}, translatePaymentRepoError(err)
	}
	if uid := strings.TrimSpace(cmd.UserID); uid != "" && order.UserID != uid {
		return Payment{}, fmt.Errorf("%w: order %s", ErrPaymentNotFound, orderID)
	}
	if order.Status == domain.OrderStatusCanceled {
		return Payment{}, fmt.Errorf("%w: order %s is cancelled", ErrPaymentInvalidState, orderID)
	}

	existing, err := s.payments.Get(ctx, orderID)
	switch {
	case err == nil:
		if existing.Status == domain.PaymentStatusPending {
			return existing, nil
		}
		return Payment{}, fmt.Errorf("%w: payment for order %s is %s", ErrPaymentInvalidState, orderID, existing.Status)
	case isRepoNotFound(err):
		// fall through to intent creation
	default:
		return Payment{}, translatePaymentRepoError(err)
	}

	intent, err := s.gateway.CreateIntent(ctx, payments.PaymentContext{Currency: order.Currency}, payments.IntentRequest{
		OrderID:        orderID,
		Amount:         order.Totals.Total,
		Currency:       order.Currency,
		IdempotencyKey: "intent-" + orderID,
	})
	if err != nil {
		return Payment{}, fmt.Errorf("%w: %s", ErrPaymentGateway, err)
	}

	now := s.clock()
	payment := domain.Payment{
		OrderID:      orderID,
		Provider:     intent.Provider,
		IntentID:     intent.ID,
		ClientSecret: intent.ClientSecret,
		Amount:       order.Totals.Total,
		Currency:     order.Currency,
		Status:       domain.PaymentStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.payments.Create(ctx, payment); err != nil {
		// A concurrent request won the race; its record is the payment of record.
		if isRepoConflict(err) {
			winner, getErr := s.payments.Get(ctx, orderID)
			if getErr == nil {
				return winner, nil
			}
		}
		return Payment{}, translatePaymentRepoError(err)
	}

	s.logger(ctx, "payment.intent_created", map[string]any{
		"orderId":  orderID,
		"intentId": intent.ID,
		"amount":   payment.Amount,
	})
	return payment, nil
}

// GetPayment loads the payment record for an order.
func (s *paymentService) GetPayment(ctx context.Context, orderID string) (Payment, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return Payment{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}
	payment, err := s.payments.Get(ctx, id)
	if err != nil {
		return Payment{}, translatePaymentRepoError(err)
	}
	return payment, nil
}

// RecordGatewayEvent applies a verified webhook event to the payment owning the intent.
// Events are idempotent: replaying a state the payment already reached is a no-op, and
// stale events arriving after a terminal state are dropped.
func (s *paymentService) RecordGatewayEvent(ctx context.Context, cmd GatewayEventCommand) (Payment, error) {
	intentID := strings.TrimSpace(cmd.IntentID)
	if intentID == "" {
		return Payment{}, fmt.Errorf("%w: intent id is required", ErrPaymentInvalidInput)
	}

	payment, found, err := s.payments.FindByIntentID(ctx, intentID)
	if err != nil {
		return Payment{}, translatePaymentRepoError(err)
	}
	if !found {
		return Payment{}, fmt.Errorf("%w: no payment for intent %s", ErrPaymentNotFound, intentID)
	}

	return s.applyGatewayState(ctx, payment.OrderID, gatewayState{
		Status:         cmd.Status,
		AmountRefunded: cmd.AmountRefunded,
		RefundID:       cmd.RefundID,
		FailureReason:  cmd.FailureReason,
	})
}

// ConfirmPayment reconciles the payment against the gateway's current view. This is the
// recovery path for lost webhooks; it funnels through the same transition rules.
func (s *paymentService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (Payment, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Payment{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}

	payment, err := s.payments.Get(ctx, orderID)
	if err != nil {
		return Payment{}, translatePaymentRepoError(err)
	}
	if uid := strings.TrimSpace(cmd.UserID); uid != "" {
		order, err := s.orders.FindByID(ctx, orderID)
		if err != nil {
			return Payment{}, translatePaymentRepoError(err)
		}
		if order.UserID != uid {
			return Payment{}, fmt.Errorf("%w: order %s", ErrPaymentNotFound, orderID)
		}
	}

	details, err := s.gateway.LookupPayment(ctx, payments.PaymentContext{PreferredProvider: payment.Provider}, payments.LookupRequest{IntentID: payment.IntentID})
	if err != nil {
		return Payment{}, fmt.Errorf("%w: %s", ErrPaymentGateway, err)
	}

	return s.applyGatewayState(ctx, orderID, gatewayState{
		Status:         domain.PaymentStatus(details.Status),
		AmountRefunded: details.AmountRefunded,
		RefundID:       details.RefundID,
		FailureReason:  details.FailureReason,
	})
}

// Refund returns part or all of a captured payment. The gateway call happens first;
// the local transition is then driven by the gateway's reported state.
func (s *paymentService) Refund(ctx context.Context, cmd RefundPaymentCommand) (Payment, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return Payment{}, fmt.Errorf("%w: order id is required", ErrPaymentInvalidInput)
	}

	payment, err := s.payments.Get(ctx, orderID)
	if err != nil {
		return Payment{}, translatePaymentRepoError(err)
	}
	if payment.Status != domain.PaymentStatusSucceeded && payment.Status != domain.PaymentStatusPartiallyRefunded {
		return Payment{}, fmt.Errorf("%w: payment for order %s is %s", ErrPaymentInvalidState, orderID, payment.Status)
	}

	refundable := payment.Amount - payment.RefundedAmount
	if cmd.Amount != nil {
		if *cmd.Amount <= 0 {
			return Payment{}, fmt.Errorf("%w: refund amount must be positive", ErrPaymentInvalidInput)
		}
		if *cmd.Amount > refundable {
			return Payment{}, fmt.Errorf("%w: refund amount exceeds refundable balance", ErrPaymentInvalidInput)
		}
	}

	idempotencyKey := "refund-" + orderID
	if cmd.Amount != nil {
		idempotencyKey = fmt.Sprintf("refund-%s-%d-%d", orderID, payment.RefundedAmount, *cmd.Amount)
	}

	details, err := s.gateway.Refund(ctx, payments.PaymentContext{PreferredProvider: payment.Provider}, payments.RefundRequest{
		IntentID:       payment.IntentID,
		Amount:         cmd.Amount,
		Reason:         cmd.Reason,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		return Payment{}, fmt.Errorf("%w: %s", ErrPaymentGateway, err)
	}

	s.logger(ctx, "payment.refund_requested", map[string]any{
		"orderId":  orderID,
		"actorId":  cmd.ActorID,
		"refundId": details.RefundID,
	})

	return s.applyGatewayState(ctx, orderID, gatewayState{
		Status:         domain.PaymentStatus(details.Status),
		AmountRefunded: details.AmountRefunded,
		RefundID:       details.RefundID,
		FailureReason:  details.FailureReason,
	})
}

// gatewayState is the normalised gateway-reported state fed into the transition funnel.
type gatewayState struct {
	Status         domain.PaymentStatus
	AmountRefunded int64
	RefundID       string
	FailureReason  string
}

// applyGatewayState is the single write path for gateway-driven payment mutations. It
// runs inside one transaction with the order so the payment transition and the order
// status synchronizer commit atomically. Out-of-order and duplicate events degrade to
// no-ops instead of corrupting terminal states.
func (s *paymentService) applyGatewayState(ctx context.Context, orderID string, state gatewayState) (Payment, error) {
	now := s.clock()
	var (
		changed       bool
		resultStatus  domain.PaymentStatus
		orderAdvanced bool
	)

	payment, order, err := s.payments.MutateWithOrder(ctx, orderID, func(payment domain.Payment, order domain.Order) (domain.Payment, domain.Order, error) {
		changed = false
		orderAdvanced = false

		switch state.Status {
		case domain.PaymentStatusSucceeded:
			if payment.Status != domain.PaymentStatusPending {
				return payment, order, nil
			}
			payment.Status = domain.PaymentStatusSucceeded
			payment.CapturedAt = &now
			order.PaymentStatus = domain.OrderPaymentPaid
			order.PaidAt = &now
			changed = true

		case domain.PaymentStatusFailed:
			if payment.Status != domain.PaymentStatusPending {
				return payment, order, nil
			}
			payment.Status = domain.PaymentStatusFailed
			payment.FailureReason = state.FailureReason
			order.PaymentStatus = domain.OrderPaymentFailed
			changed = true

		case domain.PaymentStatusRefunded, domain.PaymentStatusPartiallyRefunded:
			if payment.Status != domain.PaymentStatusSucceeded && payment.Status != domain.PaymentStatusPartiallyRefunded {
				return payment, order, nil
			}
			if state.AmountRefunded <= payment.RefundedAmount && payment.Status != domain.PaymentStatusSucceeded {
				// Replayed refund event.
				return payment, order, nil
			}
			payment.RefundedAmount = state.AmountRefunded
			payment.RefundedAt = &now
			if state.RefundID != "" {
				payment.RefundID = state.RefundID
			}
			if payment.RefundedAmount >= payment.Amount {
				payment.Status = domain.PaymentStatusRefunded
				order.PaymentStatus = domain.OrderPaymentRefunded
			} else {
				payment.Status = domain.PaymentStatusPartiallyRefunded
			}
			changed = true

		case domain.PaymentStatusPending:
			// The gateway still sees the intent as open; nothing to apply.
			return payment, order, nil

		default:
			return domain.Payment{}, domain.Order{}, fmt.Errorf("%w: unknown gateway status %q", ErrPaymentInvalidInput, state.Status)
		}

		if changed {
			payment.UpdatedAt = now
			if next, ok := domain.NextOrderStatusForPayment(order.Status, payment.Status); ok {
				order.Status = next
				orderAdvanced = true
			}
			order.UpdatedAt = now
		}
		return payment, order, nil
	})
	if err != nil {
		return Payment{}, translatePaymentRepoError(err)
	}
	resultStatus = payment.Status

	if changed {
		s.logger(ctx, "payment.state_applied", map[string]any{
			"orderId":       orderID,
			"status":        string(resultStatus),
			"orderStatus":   string(order.Status),
			"orderAdvanced": orderAdvanced,
		})
		s.publishPaymentEvent(ctx, payment, order)
	}
	return payment, nil
}

func (s *paymentService) publishPaymentEvent(ctx context.Context, payment domain.Payment, order domain.Order) {
	if s.events == nil {
		return
	}

	var eventType string
	switch payment.Status {
	case domain.PaymentStatusSucceeded:
		eventType = EventPaymentSucceeded
	case domain.PaymentStatusFailed:
		eventType = EventPaymentFailed
	case domain.PaymentStatusRefunded, domain.PaymentStatusPartiallyRefunded:
		eventType = EventPaymentRefunded
	default:
		return
	}

	event := DomainEvent{
		EventID:    eventIDPrefix + ulid.Make().String(),
		Type:       eventType,
		OrderID:    payment.OrderID,
		UserID:     order.UserID,
		OccurredAt: s.clock(),
		Data: map[string]any{
			"intentId": payment.IntentID,
			"amount":   payment.Amount,
			"status":   string(payment.Status),
		},
	}
	if err := s.events.PublishEvent(ctx, event); err != nil {
		s.logger(ctx, "payment.event_publish_failed", map[string]any{
			"orderId":   payment.OrderID,
			"eventType": eventType,
			"error":     err.Error(),
		})
	}
}

func translatePaymentRepoError(err error) error {
	if err == nil {
		return nil
	}

	var orderErr *repositories.OrderError
	if errors.As(err, &orderErr) {
		switch orderErr.Code {
		case repositories.OrderErrorInvalidState:
			return fmt.Errorf("%w: %s", ErrPaymentInvalidState, orderErr.Message)
		default:
			return fmt.Errorf("%w: %s", ErrPaymentConflict, orderErr.Message)
		}
	}

	switch {
	case isRepoNotFound(err):
		return fmt.Errorf("%w: %s", ErrPaymentNotFound, err)
	case isRepoConflict(err):
		return fmt.Errorf("%w: %s", ErrPaymentConflict, err)
	case isRepoUnavailable(err):
		return fmt.Errorf("%w: %s", ErrPaymentUnavailable, err)
	default:
		return err
	}
}
