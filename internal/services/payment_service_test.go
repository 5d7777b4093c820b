package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/oakline/market-api/internal/domain"
	"github.com/oakline/market-api/internal/payments"
)

type stubPaymentRepository struct {
	mu       sync.Mutex
	payments map[string]domain.Payment
	orders   *stubOrderRepository

	createFn func(context.Context, domain.Payment) error
}

func newStubPaymentRepository(orders *stubOrderRepository, records ...domain.Payment) *stubPaymentRepository {
	repo := &stubPaymentRepository{payments: map[string]domain.Payment{}, orders: orders}
	for _, payment := range records {
		repo.payments[payment.OrderID] = payment
	}
	return repo
}

func (s *stubPaymentRepository) Create(ctx context.Context, payment domain.Payment) error {
	if s.createFn != nil {
		return s.createFn(ctx, payment)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.payments[payment.OrderID]; exists {
		return repoErrStub{conflict: true}
	}
	s.payments[payment.OrderID] = payment
	return nil
}

func (s *stubPaymentRepository) Get(ctx context.Context, orderID string) (domain.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payment, ok := s.payments[orderID]
	if !ok {
		return domain.Payment{}, repoErrStub{notFound: true}
	}
	return payment, nil
}

func (s *stubPaymentRepository) FindByIntentID(ctx context.Context, intentID string) (domain.Payment, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, payment := range s.payments {
		if payment.IntentID == intentID {
			return payment, true, nil
		}
	}
	return domain.Payment{}, false, nil
}

func (s *stubPaymentRepository) MutateWithOrder(ctx context.Context, orderID string, fn func(domain.Payment, domain.Order) (domain.Payment, domain.Order, error)) (domain.Payment, domain.Order, error) {
	s.mu.Lock()
	payment, ok := s.payments[orderID]
	s.mu.Unlock()
	if !ok {
		return domain.Payment{}, domain.Order{}, repoErrStub{notFound: true}
	}

	s.orders.mu.Lock()
	order, ok := s.orders.orders[orderID]
	s.orders.mu.Unlock()
	if !ok {
		return domain.Payment{}, domain.Order{}, repoErrStub{notFound: true}
	}

	updatedPayment, updatedOrder, err := fn(payment, order)
	if err != nil {
		return domain.Payment{}, domain.Order{}, err
	}

	s.mu.Lock()
	s.payments[orderID] = updatedPayment
	s.mu.Unlock()
	s.orders.mu.Lock()
	s.orders.orders[orderID] = updatedOrder
	s.orders.mu.Unlock()
	return updatedPayment, updatedOrder, nil
}

type stubPaymentGateway struct {
	createIntentFn func(context.Context, payments.PaymentContext, payments.IntentRequest) (payments.Intent, error)
	refundFn       func(context.Context, payments.PaymentContext, payments.RefundRequest) (payments.PaymentDetails, error)
	lookupFn       func(context.Context, payments.PaymentContext, payments.LookupRequest) (payments.PaymentDetails, error)
}

func (s *stubPaymentGateway) CreateIntent(ctx context.Context, paymentCtx payments.PaymentContext, req payments.IntentRequest) (payments.Intent, error) {
	if s.createIntentFn != nil {
		return s.createIntentFn(ctx, paymentCtx, req)
	}
	return payments.Intent{ID: "pi_test", Provider: "stripe", ClientSecret: "secret", Status: payments.StatusPending}, nil
}

func (s *stubPaymentGateway) Refund(ctx context.Context, paymentCtx payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error) {
	if s.refundFn != nil {
		return s.refundFn(ctx, paymentCtx, req)
	}
	return payments.PaymentDetails{}, errors.New("refund not stubbed")
}

func (s *stubPaymentGateway) LookupPayment(ctx context.Context, paymentCtx payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error) {
	if s.lookupFn != nil {
		return s.lookupFn(ctx, paymentCtx, req)
	}
	return payments.PaymentDetails{}, errors.New("lookup not stubbed")
}

func pendingPayment(orderID string, amount int64) domain.Payment {
	return domain.Payment{
		OrderID:  orderID,
		Provider: "stripe",
		IntentID: "pi_" + orderID,
		Amount:   amount,
		Currency: "USD",
		Status:   domain.PaymentStatusPending,
	}
}

func newTestPaymentService(t *testing.T, deps PaymentServiceDeps) PaymentService {
	t.Helper()
	if deps.Clock == nil {
		deps.Clock = func() time.Time { return time.Date(2025, 4, 3, 8, 0, 0, 0, time.UTC) }
	}
	if deps.Gateway == nil {
		deps.Gateway = &stubPaymentGateway{}
	}
	svc, err := NewPaymentService(deps)
	if err != nil {
		t.Fatalf("new payment service: %v", err)
	}
	return svc
}

func TestPaymentServiceCreateIntent(t *testing.T) {
	orders := newStubOrderRepository(domain.Order{
		ID:     "ord_1",
		UserID: "user-1",
		Status: domain.OrderStatusPending,
		Totals: domain.OrderTotals{Total: 5000},
	})
	repo := newStubPaymentRepository(orders)
	var capturedReq payments.IntentRequest
	gateway := &stubPaymentGateway{
		createIntentFn: func(_ context.Context, _ payments.PaymentContext, req payments.IntentRequest) (payments.Intent, error) {
			capturedReq = req
			return payments.Intent{ID: "pi_ord_1", Provider: "stripe", ClientSecret: "cs_123", Status: payments.StatusPending}, nil
		},
	}

	svc := newTestPaymentService(t, PaymentServiceDeps{Payments: repo, Orders: orders, Gateway: gateway})

	payment, err := svc.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: "ord_1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if payment.IntentID != "pi_ord_1" {
		t.Fatalf("expected intent id pi_ord_1, got %q", payment.IntentID)
	}
	if payment.Amount != 5000 {
		t.Fatalf("expected amount from order total, got %d", payment.Amount)
	}
	if payment.Status != domain.PaymentStatusPending {
		t.Fatalf("expected pending, got %s", payment.Status)
	}
	if capturedReq.IdempotencyKey != "intent-ord_1" {
		t.Fatalf("expected idempotency key intent-ord_1, got %q", capturedReq.IdempotencyKey)
	}
}

func TestPaymentServiceCreateIntentReturnsExistingPending(t *testing.T) {
	orders := newStubOrderRepository(domain.Order{ID: "ord_1", Status: domain.OrderStatusPending})
	existing := pendingPayment("ord_1", 5000)
	repo := newStubPaymentRepository(orders, existing)
	gateway := &stubPaymentGateway{
		createIntentFn: func(context.Context, payments.PaymentContext, payments.IntentRequest) (payments.Intent, error) {
			t.Fatalf("gateway must not be called when a pending intent exists")
			return payments.Intent{}, nil
		},
	}

	svc := newTestPaymentService(t, PaymentServiceDeps{Payments: repo, Orders: orders, Gateway: gateway})

	payment, err := svc.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if payment.IntentID != existing.IntentID {
		t.Fatalf("expected existing intent returned, got %q", payment.IntentID)
	}
}

func TestPaymentServiceCreateIntentCancelledOrder(t *testing.T) {
	orders := newStubOrderRepository(domain.Order{ID: "ord_1", Status: domain.OrderStatusCanceled})
	repo := newStubPaymentRepository(orders)

	svc := newTestPaymentService(t, PaymentServiceDeps{Payments: repo, Orders: orders})

	_, err := svc.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: "ord_1"})
	if !errors.Is(err, ErrPaymentInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestPaymentServiceCreateIntentConflictAdoptsWinner(t *testing.T) {
	orders := newStubOrderRepository(domain.Order{ID: "ord_1", Status: domain.OrderStatusPending, Totals: domain.OrderTotals{Total: 5000}})
	winner := pendingPayment("ord_1", 5000)
	repo := newStubPaymentRepository(orders)
	repo.createFn = func(context.Context, domain.Payment) error {
		// Simulate losing the creation race: the winner's record appears between the
		// existence check and the create.
		repo.mu.Lock()
		repo.payments["ord_1"] = winner
		repo.mu.Unlock()
		return repoErrStub{conflict: true}
	}

	svc := newTestPaymentService(t, PaymentServiceDeps{Payments: repo, Orders: orders})

	payment, err := svc.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("create intent: %v", err)
	}
	if payment.IntentID != winner.IntentID {
		t.Fatalf("expected winner's record, got %q", payment.IntentID)
	}
}

func TestPaymentServiceRecordGatewayEventSucceeded(t *testing.T) {
	now := time.Date(2025, 4, 3, 8, 0, 0, 0, time.UTC)
	orders := newStubOrderRepository(domain.Order{ID: "ord_1", UserID: "user-1", Status: domain.OrderStatusPending, PaymentStatus: domain.OrderPaymentPending})
	repo := newStubPaymentRepository(orders, pendingPayment("ord_1", 5000))
	events := &captureEventPublisher{}

	svc := newTestPaymentService(t, PaymentServiceDeps{
		Payments: repo,
		Orders:   orders,
		Clock:    func() time.Time { return now },
		Events:   events,
	})

	payment, err := svc.RecordGatewayEvent(context.Background(), GatewayEventCommand{
		EventID:  "evt_1",
		IntentID: "pi_ord_1",
		Status:   domain.PaymentStatusSucceeded,
	})
	if err != nil {
		t.Fatalf("record event: %v", err)
	}
	if payment.Status != domain.PaymentStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", payment.Status)
	}
	if payment.CapturedAt == nil || !payment.CapturedAt.Equal(now) {
		t.Fatalf("expected capturedAt %v, got %v", now, payment.CapturedAt)
	}

	order := orders.orders["ord_1"]
	if order.Status != domain.OrderStatusProcessing {
		t.Fatalf("expected order advanced to processing, got %s", order.Status)
	}
	if order.PaymentStatus != domain.OrderPaymentPaid {
		t.Fatalf("expected order payment paid, got %s", order.PaymentStatus)
	}
	if order.PaidAt == nil {
		t.Fatalf("expected paidAt set")
	}

	published := events.published()
	if len(published) != 1 || published[0].Type != EventPaymentSucceeded {
		t.Fatalf("expected payment.succeeded event, got %+v", published)
	}
}

func TestPaymentServiceRecordGatewayEventReplayIsNoop(t *testing.T) {
	captured := time.Date(2025, 4, 1, 0, 0, 0, 0, time.UTC)
	succeeded := pendingPayment("ord_1", 5000)
	succeeded.Status = domain.PaymentStatusSucceeded
	succeeded.CapturedAt = &captured

	orders := newStubOrderRepository(domain.Order{ID: "ord_1", Status: domain.OrderStatusProcessing, PaymentStatus: domain.OrderPaymentPaid})
	repo := newStubPaymentRepository(orders, succeeded)
	events := &captureEventPublisher{}

	svc := newTestPaymentService(t, PaymentServiceDeps{Payments: repo, Orders: orders, Events: events})

	payment, err := svc.RecordGatewayEvent(context.Background(), GatewayEventCommand{
		IntentID: "pi_ord_1",
		Status:   domain.PaymentStatusSucceeded,
	})
	if err != nil {
		t.Fatalf("record event: %v", err)
	}
	if payment.CapturedAt == nil || !payment.CapturedAt.Equal(captured) {
		t.Fatalf("expected original capture time preserved, got %v", payment.CapturedAt)
	}
	if len(events.published()) != 0 {
		t.Fatalf("expected no event for replay")
	}
}

func TestPaymentServiceRecordGatewayEventStaleFailureDropped(t *testing.T) {
	succeeded := pendingPayment("ord_1", 5000)
	succeeded.Status = domain.PaymentStatusSucceeded

	orders := newStubOrderRepository(domain.Order{ID: "ord_1", Status: domain.OrderStatusProcessing, PaymentStatus: domain.OrderPaymentPaid})
	repo := newStubPaymentRepository(orders, succeeded)

	svc := newTestPaymentService(t, PaymentServiceDeps{Payments: repo, Orders: orders})

	payment, err := svc.RecordGatewayEvent(context.Background(), GatewayEventCommand{
		IntentID:      "pi_ord_1",
		Status:        domain.PaymentStatusFailed,
		FailureReason: "card_declined",
	})
	if err != nil {
		t.Fatalf("record event: %v", err)
	}
	if payment.Status != domain.PaymentStatusSucceeded {
		t.Fatalf("expected succeeded preserved, got %s", payment.Status)
	}
	if orders.orders["ord_1"].PaymentStatus != domain.OrderPaymentPaid {
		t.Fatalf("expected order payment status untouched")
	}
}

func TestPaymentServiceRecordGatewayEventUnknownIntent(t *testing.T) {
	orders := newStubOrderRepository()
	repo := newStubPaymentRepository(orders)

	svc := newTestPaymentService(t, PaymentServiceDeps{Payments: repo, Orders: orders})

	_, err := svc.RecordGatewayEvent(context.Background(), GatewayEventCommand{
		IntentID: "pi_unknown",
		Status:   domain.PaymentStatusSucceeded,
	})
	if !errors.Is(err, ErrPaymentNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestPaymentServiceConfirmPaymentReconciles(t *testing.T) {
	orders := newStubOrderRepository(domain.Order{ID: "ord_1", UserID: "user-1", Status: domain.OrderStatusPending, PaymentStatus: domain.OrderPaymentPending})
	repo := newStubPaymentRepository(orders, pendingPayment("ord_1", 5000))
	gateway := &stubPaymentGateway{
		lookupFn: func(_ context.Context, _ payments.PaymentContext, req payments.LookupRequest) (payments.PaymentDetails, error) {
			if req.IntentID != "pi_ord_1" {
				t.Fatalf("expected lookup for pi_ord_1, got %q", req.IntentID)
			}
			return payments.PaymentDetails{Status: payments.StatusSucceeded}, nil
		},
	}

	svc := newTestPaymentService(t, PaymentServiceDeps{Payments: repo, Orders: orders, Gateway: gateway})

	payment, err := svc.ConfirmPayment(context.Background(), ConfirmPaymentCommand{OrderID: "ord_1", UserID: "user-1"})
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if payment.Status != domain.PaymentStatusSucceeded {
		t.Fatalf("expected succeeded, got %s", payment.Status)
	}
	if orders.orders["ord_1"].Status != domain.OrderStatusProcessing {
		t.Fatalf("expected order advanced to processing")
	}
}

func TestPaymentServiceRefundPartialThenFull(t *testing.T) {
	succeeded := pendingPayment("ord_1", 5000)
	succeeded.Status = domain.PaymentStatusSucceeded

	orders := newStubOrderRepository(domain.Order{ID: "ord_1", Status: domain.OrderStatusProcessing, PaymentStatus: domain.OrderPaymentPaid})
	repo := newStubPaymentRepository(orders, succeeded)
	var refunded int64
	gateway := &stubPaymentGateway{
		refundFn: func(_ context.Context, _ payments.PaymentContext, req payments.RefundRequest) (payments.PaymentDetails, error) {
			if req.Amount != nil {
				refunded += *req.Amount
			} else {
				refunded = 5000
			}
			status := payments.StatusPartiallyRefunded
			if refunded >= 5000 {
				status = payments.StatusRefunded
			}
			return payments.PaymentDetails{Status: status, AmountRefunded: refunded, RefundID: "re_1"}, nil
		},
	}

	svc := newTestPaymentService(t, PaymentServiceDeps{Payments: repo, Orders: orders, Gateway: gateway})

	partial := int64(2000)
	payment, err := svc.Refund(context.Background(), RefundPaymentCommand{OrderID: "ord_1", Amount: &partial})
	if err != nil {
		t.Fatalf("partial refund: %v", err)
	}
	if payment.Status != domain.PaymentStatusPartiallyRefunded {
		t.Fatalf("expected partially refunded, got %s", payment.Status)
	}
	if payment.RefundedAmount != 2000 {
		t.Fatalf("expected refunded amount 2000, got %d", payment.RefundedAmount)
	}

	payment, err = svc.Refund(context.Background(), RefundPaymentCommand{OrderID: "ord_1"})
	if err != nil {
		t.Fatalf("full refund: %v", err)
	}
	if payment.Status != domain.PaymentStatusRefunded {
		t.Fatalf("expected refunded, got %s", payment.Status)
	}
	if orders.orders["ord_1"].PaymentStatus != domain.OrderPaymentRefunded {
		t.Fatalf("expected order payment refunded")
	}
}

func TestPaymentServiceRefundValidation(t *testing.T) {
	succeeded := pendingPayment("ord_1", 5000)
	succeeded.Status = domain.PaymentStatusSucceeded
	succeeded.RefundedAmount = 4000

	orders := newStubOrderRepository(domain.Order{ID: "ord_1", Status: domain.OrderStatusProcessing})
	repo := newStubPaymentRepository(orders, succeeded)

	svc := newTestPaymentService(t, PaymentServiceDeps{Payments: repo, Orders: orders})

	over := int64(2000)
	_, err := svc.Refund(context.Background(), RefundPaymentCommand{OrderID: "ord_1", Amount: &over})
	if !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected invalid input for over-refund, got %v", err)
	}

	negative := int64(-1)
	_, err = svc.Refund(context.Background(), RefundPaymentCommand{OrderID: "ord_1", Amount: &negative})
	if !errors.Is(err, ErrPaymentInvalidInput) {
		t.Fatalf("expected invalid input for negative amount, got %v", err)
	}
}

func TestPaymentServiceRefundRequiresCapturedPayment(t *testing.T) {
	orders := newStubOrderRepository(domain.Order{ID: "ord_1", Status: domain.OrderStatusPending})
	repo := newStubPaymentRepository(orders, pendingPayment("ord_1", 5000))

	svc := newTestPaymentService(t, PaymentServiceDeps{Payments: repo, Orders: orders})

	_, err := svc.Refund(context.Background(), RefundPaymentCommand{OrderID: "ord_1"})
	if !errors.Is(err, ErrPaymentInvalidState) {
		t.Fatalf("expected invalid state, got %v", err)
	}
}

func TestPaymentServiceGatewayFailureSurfaces(t *testing.T) {
	orders := newStubOrderRepository(domain.Order{ID: "ord_1", Status: domain.OrderStatusPending, Totals: domain.OrderTotals{Total: 5000}})
	repo := newStubPaymentRepository(orders)
	gateway := &stubPaymentGateway{
		createIntentFn: func(context.Context, payments.PaymentContext, payments.IntentRequest) (payments.Intent, error) {
			return payments.Intent{}, errors.New("psp timeout")
		},
	}

	svc := newTestPaymentService(t, PaymentServiceDeps{Payments: repo, Orders: orders, Gateway: gateway})

	_, err := svc.CreateIntent(context.Background(), CreatePaymentIntentCommand{OrderID: "ord_1"})
	if !errors.Is(err, ErrPaymentGateway) {
		t.Fatalf("expected gateway error, got %v", err)
	}
}
