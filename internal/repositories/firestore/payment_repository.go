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

const paymentsCollection = "payments"

// PaymentRepository stores one payment per order. The payment document ID equals the
// order ID, so tx.Create is the uniqueness guard for concurrent intent creation.
type PaymentRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[paymentDocument]
	orders   *pfirestore.BaseRepository[orderDocument]
}

// NewPaymentRepository constructs a Firestore-backed payment repository.
func NewPaymentRepository(provider *pfirestore.Provider) (*PaymentRepository, error) {
	if provider == nil {
		return nil, errors.New("payment repository requires firestore provider")
	}
	return &PaymentRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[paymentDocument](provider, paymentsCollection),
		orders:   pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection),
	}, nil
}

// Create stores a new payment record. A conflict error is returned when the order
// already has one.
func (r *PaymentRepository) Create(ctx context.Context, payment domain.Payment) error {
	if r == nil || r.provider == nil {
		return errors.New("payment repository not initialised")
	}
	id := strings.TrimSpace(payment.OrderID)
	if id == "" {
		return errors.New("payment create: order id is required")
	}

	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		return tx.Create(ref, newPaymentDocument(payment))
	})
	if err != nil {
		return pfirestore.WrapError("payments.create", err)
	}
	return nil
}

// Get loads the payment for an order.
func (r *PaymentRepository) Get(ctx context.Context, orderID string) (domain.Payment, error) {
	if r == nil || r.base == nil {
		return domain.Payment{}, errors.New("payment repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Payment{}, errors.New("payment get: order id is required")
	}
	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Payment{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByIntentID resolves the payment holding a gateway intent reference. Webhook
// handlers use this to map gateway events back onto orders.
func (r *PaymentRepository) FindByIntentID(ctx context.Context, intentID string) (domain.Payment, bool, error) {
	if r == nil || r.provider == nil {
		return domain.Payment{}, false, errors.New("payment repository not initialised")
	}
	intent := strings.TrimSpace(intentID)
	if intent == "" {
		return domain.Payment{}, false, errors.New("payment find: intent id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Payment{}, false, pfirestore.WrapError("payments.findByIntent", err)
	}

	iter := client.Collection(paymentsCollection).
		Where("intentId", "==", intent).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	snap, err := iter.Next()
	if errors.Is(err, iterator.Done) {
		return domain.Payment{}, false, nil
	}
	if err != nil {
		return domain.Payment{}, false, pfirestore.WrapError("payments.findByIntent", err)
	}

	var doc paymentDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Payment{}, false, fmt.Errorf("decode payment %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(snap.Ref.ID), true, nil
}

// MutateWithOrder applies fn to the payment and its order inside one transaction. The
// synchronizer rule runs in fn, so the payment transition and any resulting order
// status change commit atomically or not at all.
func (r *PaymentRepository) MutateWithOrder(ctx context.Context, orderID string, fn func(domain.Payment, domain.Order) (domain.Payment, domain.Order, error)) (domain.Payment, domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Payment{}, domain.Order{}, errors.New("payment repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Payment{}, domain.Order{}, errors.New("payment mutate: order id is required")
	}
	if fn == nil {
		return domain.Payment{}, domain.Order{}, errors.New("payment mutate: mutation function is required")
	}

	var (
		savedPayment domain.Payment
		savedOrder   domain.Order
	)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		paymentRef, err := r.base.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		orderRef, err := r.orders.DocumentRef(ctx, id)
		if err != nil {
			return err
		}

		paymentSnap, err := tx.Get(paymentRef)
		if err != nil {
			return err
		}
		orderSnap, err := tx.Get(orderRef)
		if err != nil {
			return err
		}

		var paymentDoc paymentDocument
		if err := paymentSnap.DataTo(&paymentDoc); err != nil {
			return fmt.Errorf("decode payment %s: %w", id, err)
		}
		var orderDoc orderDocument
		if err := orderSnap.DataTo(&orderDoc); err != nil {
			return fmt.Errorf("decode order %s: %w", id, err)
		}

		payment, order, err := fn(paymentDoc.toDomain(id), orderDoc.toDomain(id))
		if err != nil {
			return err
		}
		payment.OrderID = id
		order.ID = id

		nextPayment := newPaymentDocument(payment)
		if err := tx.Set(paymentRef, nextPayment); err != nil {
			return err
		}
		nextOrder := newOrderDocument(order)
		if err := tx.Set(orderRef, nextOrder); err != nil {
			return err
		}

		savedPayment = nextPayment.toDomain(id)
		savedOrder = nextOrder.toDomain(id)
		return nil
	})
	if err != nil {
		return domain.Payment{}, domain.Order{}, wrapOrderError("payments.mutate", err)
	}
	return savedPayment, savedOrder, nil
}

type paymentDocument struct {
	Provider       string     `firestore:"provider"`
	IntentID       string     `firestore:"intentId"`
	ClientSecret   string     `firestore:"clientSecret,omitempty"`
	Amount         int64      `firestore:"amount"`
	Currency       string     `firestore:"currency"`
	Status         string     `firestore:"status"`
	RefundedAmount int64      `firestore:"refundedAmount"`
	RefundID       string     `firestore:"refundId,omitempty"`
	FailureReason  string     `firestore:"failureReason,omitempty"`
	CreatedAt      time.Time  `firestore:"createdAt"`
	UpdatedAt      time.Time  `firestore:"updatedAt"`
	CapturedAt     *time.Time `firestore:"capturedAt,omitempty"`
	RefundedAt     *time.Time `firestore:"refundedAt,omitempty"`
}

func newPaymentDocument(payment domain.Payment) paymentDocument {
	return paymentDocument{
		Provider:       strings.TrimSpace(payment.Provider),
		IntentID:       strings.TrimSpace(payment.IntentID),
		ClientSecret:   payment.ClientSecret,
		Amount:         payment.Amount,
		Currency:       strings.ToUpper(strings.TrimSpace(payment.Currency)),
		Status:         string(payment.Status),
		RefundedAmount: payment.RefundedAmount,
		RefundID:       strings.TrimSpace(payment.RefundID),
		FailureReason:  strings.TrimSpace(payment.FailureReason),
		CreatedAt:      payment.CreatedAt.UTC(),
		UpdatedAt:      payment.UpdatedAt.UTC(),
		CapturedAt:     payment.CapturedAt,
		RefundedAt:     payment.RefundedAt,
	}
}

func (d paymentDocument) toDomain(orderID string) domain.Payment {
	return domain.Payment{
		OrderID:        orderID,
		Provider:       d.Provider,
		IntentID:       d.IntentID,
		ClientSecret:   d.ClientSecret,
		Amount:         d.Amount,
		Currency:       d.Currency,
		Status:         domain.PaymentStatus(d.Status),
		RefundedAmount: d.RefundedAmount,
		RefundID:       d.RefundID,
		FailureReason:  d.FailureReason,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
		CapturedAt:     d.CapturedAt,
		RefundedAt:     d.RefundedAt,
	}
}

var _ repositories.PaymentRepository = (*PaymentRepository)(nil)
