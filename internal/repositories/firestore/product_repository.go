package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/oakline/market-api/internal/domain"
	pfirestore "github.com/oakline/market-api/internal/platform/firestore"
	"github.com/oakline/market-api/internal/repositories"
)

const productsCollection = "products"

// ProductRepository reads catalog documents from Firestore.
type ProductRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[productDocument]
}

// NewProductRepository constructs a Firestore-backed product repository.
func NewProductRepository(provider *pfirestore.Provider) (*ProductRepository, error) {
	if provider == nil {
		return nil, errors.New("product repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productsCollection)
	return &ProductRepository{provider: provider, base: base}, nil
}

// FindByID loads a single product document.
func (r *ProductRepository) FindByID(ctx context.Context, productID string) (domain.Product, error) {
	if r == nil || r.base == nil {
		return domain.Product{}, errors.New("product repository not initialised")
	}
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.Product{}, errors.New("product repository: product id is required")
	}

	doc, err := r.base.Get(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	return doc.Data.toDomain(doc.ID), nil
}

// FindByIDs fetches the given products in one round trip. Missing IDs are absent from
// the returned map rather than reported as errors.
func (r *ProductRepository) FindByIDs(ctx context.Context, productIDs []string) (map[string]domain.Product, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("product repository not initialised")
	}

	ids := make([]string, 0, len(productIDs))
	seen := make(map[string]struct{}, len(productIDs))
	for _, id := range productIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return map[string]domain.Product{}, nil
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}

	coll := client.Collection(productsCollection)
	refs := make([]*firestore.DocumentRef, 0, len(ids))
	for _, id := range ids {
		refs = append(refs, coll.Doc(id))
	}

	snaps, err := client.GetAll(ctx, refs)
	if err != nil {
		return nil, pfirestore.WrapError("products.findByIds", err)
	}

	out := make(map[string]domain.Product, len(ids))
	for _, snap := range snaps {
		if snap == nil || !snap.Exists() {
			continue
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, pfirestore.WrapError("products.findByIds", err)
		}
		out[snap.Ref.ID] = doc.toDomain(snap.Ref.ID)
	}
	return out, nil
}

type productDocument struct {
	Name      string    `firestore:"name"`
	SKU       string    `firestore:"sku"`
	Status    string    `firestore:"status"`
	Price     int64     `firestore:"price"`
	SalePrice *int64    `firestore:"salePrice,omitempty"`
	Quantity  int       `firestore:"quantity"`
	Currency  string    `firestore:"currency"`
	CreatedAt time.Time `firestore:"createdAt"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (d productDocument) toDomain(id string) domain.Product {
	return domain.Product{
		ID:        id,
		Name:      strings.TrimSpace(d.Name),
		SKU:       strings.TrimSpace(d.SKU),
		Status:    domain.ProductStatus(strings.TrimSpace(d.Status)),
		Price:     d.Price,
		SalePrice: d.SalePrice,
		Quantity:  d.Quantity,
		Currency:  strings.ToUpper(strings.TrimSpace(d.Currency)),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

var _ repositories.ProductRepository = (*ProductRepository)(nil)
