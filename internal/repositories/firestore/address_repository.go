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

const addressCollectionPattern = "users/%s/addresses"

// AddressRepository reads saved user addresses. Addresses live in a per-user
// subcollection; order creation copies them into immutable snapshots.
type AddressRepository struct {
	provider *pfirestore.Provider
}

// NewAddressRepository constructs a Firestore-backed address repository.
func NewAddressRepository(provider *pfirestore.Provider) (*AddressRepository, error) {
	if provider == nil {
		return nil, errors.New("address repository requires firestore provider")
	}
	return &AddressRepository{provider: provider}, nil
}

// Get loads a single address owned by the user.
func (r *AddressRepository) Get(ctx context.Context, userID string, addressID string) (domain.Address, error) {
	coll, err := r.collection(ctx, userID)
	if err != nil {
		return domain.Address{}, err
	}
	id := strings.TrimSpace(addressID)
	if id == "" {
		return domain.Address{}, errors.New("address repository: address id is required")
	}
	snap, err := coll.Doc(id).Get(ctx)
	if err != nil {
		return domain.Address{}, pfirestore.WrapError("addresses.get", err)
	}
	var doc userAddressDocument
	if err := snap.DataTo(&doc); err != nil {
		return domain.Address{}, fmt.Errorf("decode address %s: %w", snap.Ref.ID, err)
	}
	return doc.toDomain(strings.TrimSpace(userID), snap.Ref.ID), nil
}

// List returns the user's addresses ordered by most recent update.
func (r *AddressRepository) List(ctx context.Context, userID string) ([]domain.Address, error) {
	coll, err := r.collection(ctx, userID)
	if err != nil {
		return nil, err
	}

	iter := coll.OrderBy("updatedAt", firestore.Desc).Documents(ctx)
	defer iter.Stop()

	var results []domain.Address
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, pfirestore.WrapError("addresses.list", err)
		}
		var doc userAddressDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode address %s: %w", snap.Ref.ID, err)
		}
		results = append(results, doc.toDomain(strings.TrimSpace(userID), snap.Ref.ID))
	}
	return results, nil
}

func (r *AddressRepository) collection(ctx context.Context, userID string) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("address repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("address repository: user id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(fmt.Sprintf(addressCollectionPattern, uid)), nil
}

type userAddressDocument struct {
	Name       string    `firestore:"name"`
	Line1      string    `firestore:"line1"`
	Line2      string    `firestore:"line2,omitempty"`
	City       string    `firestore:"city"`
	State      string    `firestore:"state,omitempty"`
	PostalCode string    `firestore:"postalCode"`
	Country    string    `firestore:"country"`
	Phone      string    `firestore:"phone,omitempty"`
	CreatedAt  time.Time `firestore:"createdAt"`
	UpdatedAt  time.Time `firestore:"updatedAt"`
}

func (d userAddressDocument) toDomain(userID, id string) domain.Address {
	return domain.Address{
		ID:         id,
		UserID:     userID,
		Name:       strings.TrimSpace(d.Name),
		Line1:      d.Line1,
		Line2:      d.Line2,
		City:       d.City,
		State:      d.State,
		PostalCode: d.PostalCode,
		Country:    strings.ToUpper(strings.TrimSpace(d.Country)),
		Phone:      d.Phone,
	}
}

var _ repositories.AddressRepository = (*AddressRepository)(nil)
