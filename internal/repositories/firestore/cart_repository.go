package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/oakline/market-api/internal/domain"
	pfirestore "github.com/oakline/market-api/internal/platform/firestore"
	"github.com/oakline/market-api/internal/repositories"
)

const cartsCollection = "carts"

// CartRepository persists carts within Firestore. The document ID is the user ID, so
// each user owns exactly one cart.
type CartRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[cartDocument]
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[cartDocument](provider, cartsCollection)
	return &CartRepository{provider: provider, base: base}, nil
}

// GetCart loads the cart for the given user ID.
func (r *CartRepository) GetCart(ctx context.Context, userID string) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	doc, err := r.base.Get(ctx, uid)
	if err != nil {
		return domain.Cart{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// UpsertCart persists the full cart document using the user ID as document identifier.
func (r *CartRepository) UpsertCart(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	if r == nil || r.base == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(cart.UserID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	now := cart.UpdatedAt.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}
	createdAt := cart.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = now
	}

	doc := newCartDocument(cart)
	doc.CreatedAt = createdAt
	doc.UpdatedAt = now

	if _, err := r.base.Set(ctx, uid, doc); err != nil {
		return domain.Cart{}, err
	}
	return doc.toDomain(uid), nil
}

// ReplaceLines swaps the cart lines inside a transaction, creating the cart document
// when the user has none yet.
func (r *CartRepository) ReplaceLines(ctx context.Context, userID string, lines []domain.CartLine, now time.Time) (domain.Cart, error) {
	if r == nil || r.provider == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}

	ts := now.UTC()
	var saved domain.Cart
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, uid)
		if err != nil {
			return err
		}

		var doc cartDocument
		snap, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.NotFound:
			doc = cartDocument{CreatedAt: ts}
		case codes.OK:
			if err := snap.DataTo(&doc); err != nil {
				return pfirestore.WrapError("carts.replaceLines", err)
			}
		default:
			return err
		}

		doc.Lines = newCartLineDocuments(lines)
		doc.UpdatedAt = ts
		if doc.CreatedAt.IsZero() {
			doc.CreatedAt = ts
		}

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		saved = doc.toDomain(uid)
		return nil
	})
	if err != nil {
		return domain.Cart{}, wrapCartError("carts.replaceLines", err)
	}
	return saved, nil
}

// RemoveLine drops a single product line from the cart. Removing a line that is not in
// the cart is a no-op.
func (r *CartRepository) RemoveLine(ctx context.Context, userID string, productID string, now time.Time) (domain.Cart, error) {
	if r == nil || r.provider == nil {
		return domain.Cart{}, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.Cart{}, errors.New("cart repository: user id is required")
	}
	pid := strings.TrimSpace(productID)
	if pid == "" {
		return domain.Cart{}, errors.New("cart repository: product id is required")
	}

	ts := now.UTC()
	var saved domain.Cart
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.base.DocumentRef(ctx, uid)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc cartDocument
		if err := snap.DataTo(&doc); err != nil {
			return pfirestore.WrapError("carts.removeLine", err)
		}

		filtered := doc.Lines[:0]
		for _, line := range doc.Lines {
			if line.ProductID != pid {
				filtered = append(filtered, line)
			}
		}
		doc.Lines = filtered
		doc.UpdatedAt = ts

		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		saved = doc.toDomain(uid)
		return nil
	})
	if err != nil {
		return domain.Cart{}, wrapCartError("carts.removeLine", err)
	}
	return saved, nil
}

type cartDocument struct {
	Currency          string             `firestore:"currency,omitempty"`
	Lines             []cartLineDocument `firestore:"lines"`
	ShippingAddressID string             `firestore:"shippingAddressId,omitempty"`
	BillingAddressID  string             `firestore:"billingAddressId,omitempty"`
	CreatedAt         time.Time          `firestore:"createdAt"`
	UpdatedAt         time.Time          `firestore:"updatedAt"`
}

type cartLineDocument struct {
	ProductID string `firestore:"productId"`
	Quantity  int    `firestore:"qty"`
}

func newCartDocument(cart domain.Cart) cartDocument {
	return cartDocument{
		Currency:          strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Lines:             newCartLineDocuments(cart.Lines),
		ShippingAddressID: strings.TrimSpace(cart.ShippingAddressID),
		BillingAddressID:  strings.TrimSpace(cart.BillingAddressID),
		CreatedAt:         cart.CreatedAt.UTC(),
		UpdatedAt:         cart.UpdatedAt.UTC(),
	}
}

func newCartLineDocuments(lines []domain.CartLine) []cartLineDocument {
	out := make([]cartLineDocument, 0, len(lines))
	for _, line := range lines {
		pid := strings.TrimSpace(line.ProductID)
		if pid == "" || line.Quantity <= 0 {
			continue
		}
		out = append(out, cartLineDocument{ProductID: pid, Quantity: line.Quantity})
	}
	return out
}

func (d cartDocument) toDomain(userID string) domain.Cart {
	lines := make([]domain.CartLine, 0, len(d.Lines))
	for _, line := range d.Lines {
		lines = append(lines, domain.CartLine{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return domain.Cart{
		UserID:            userID,
		Currency:          strings.ToUpper(strings.TrimSpace(d.Currency)),
		Lines:             lines,
		ShippingAddressID: strings.TrimSpace(d.ShippingAddressID),
		BillingAddressID:  strings.TrimSpace(d.BillingAddressID),
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}
}

func wrapCartError(op string, err error) error {
	if err == nil {
		return nil
	}
	var repoErr *pfirestore.Error
	if errors.As(err, &repoErr) {
		return err
	}
	return pfirestore.WrapError(op, err)
}

var _ repositories.CartRepository = (*CartRepository)(nil)
