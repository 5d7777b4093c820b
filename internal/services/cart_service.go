package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/oakline/market-api/internal/domain"
	"github.com/oakline/market-api/internal/repositories"
)

var (
	errCartRepositoryRequired = errors.New("cart service: cart repository is required")
	errCartProductsRequired   = errors.New("cart service: product repository is required")
	errCartClockRequired      = errors.New("cart service: clock is required")
)

const maxCartLineQuantity = 999

// ErrCartInvalidInput indicates the caller supplied invalid input.
var ErrCartInvalidInput = errors.New("cart service: invalid input")

// ErrCartUnavailable indicates the cart service cannot fulfil the request due to missing dependencies or backend issues.
var ErrCartUnavailable = errors.New("cart service: unavailable")

// ErrCartNotFound indicates the requested cart does not exist.
var ErrCartNotFound = errors.New("cart service: not found")

// ErrCartConflict indicates the cart could not be updated due to concurrent modifications.
var ErrCartConflict = errors.New("cart service: conflict")

// CartServiceDeps wires the repository dependencies for cart operations.
type CartServiceDeps struct {
	Repository      repositories.CartRepository
	Products        repositories.ProductRepository
	Clock           func() time.Time
	DefaultCurrency string
	Logger          func(context.Context, string, map[string]any)
}

type cartService struct {
	repo     repositories.CartRepository
	products repositories.ProductRepository
	now      func() time.Time
	currency string
	logger   func(context.Context, string, map[string]any)
}

// NewCartService constructs a CartService enforcing dependency validation.
func NewCartService(deps CartServiceDeps) (CartService, error) {
	if deps.Repository == nil {
		return nil, errCartRepositoryRequired
	}
	if deps.Products == nil {
		return nil, errCartProductsRequired
	}
	if deps.Clock == nil {
		return nil, errCartClockRequired
	}

	defaultCurrency := strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency))
	if defaultCurrency == "" {
		defaultCurrency = "USD"
	}

	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &cartService{
		repo:     deps.Repository,
		products: deps.Products,
		now:      func() time.Time { return deps.Clock().UTC() },
		currency: defaultCurrency,
		logger:   logger,
	}, nil
}

// GetOrCreateCart loads the active cart for the user, creating an empty cart when absent.
func (s *cartService) GetOrCreateCart(ctx context.Context, userID string) (Cart, error) {
	if s == nil || s.repo == nil {
		return Cart{}, ErrCartUnavailable
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return Cart{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}

	cart, err := s.repo.GetCart(ctx, uid)
	if err != nil {
		if isRepoNotFound(err) {
			saved, err := s.repo.UpsertCart(ctx, s.newCart(uid))
			if err != nil {
				return Cart{}, translateCartRepoError(err)
			}
			return saved, nil
		}
		return Cart{}, translateCartRepoError(err)
	}
	return cart, nil
}

// UpsertLine sets the quantity for a product line, adding the line when absent. The
// product must exist and be active; stock is only advisory here and re-checked at order
// creation.
func (s *cartService) UpsertLine(ctx context.Context, cmd UpsertCartLineCommand) (Cart, error) {
	if s == nil || s.repo == nil {
		return Cart{}, ErrCartUnavailable
	}
	uid := strings.TrimSpace(cmd.UserID)
	pid := strings.TrimSpace(cmd.ProductID)
	if uid == "" || pid == "" {
		return Cart{}, fmt.Errorf("%w: user id and product id are required", ErrCartInvalidInput)
	}
	if cmd.Quantity <= 0 || cmd.Quantity > maxCartLineQuantity {
		return Cart{}, fmt.Errorf("%w: quantity must be between 1 and %d", ErrCartInvalidInput, maxCartLineQuantity)
	}

	product, err := s.products.FindByID(ctx, pid)
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{}, fmt.Errorf("%w: product %s not found", ErrCartInvalidInput, pid)
		}
		return Cart{}, translateCartRepoError(err)
	}
	if product.Status != domain.ProductStatusActive {
		return Cart{}, fmt.Errorf("%w: product %s is not available", ErrCartInvalidInput, pid)
	}

	cart, err := s.GetOrCreateCart(ctx, uid)
	if err != nil {
		return Cart{}, err
	}

	lines := make([]domain.CartLine, 0, len(cart.Lines)+1)
	replaced := false
	for _, line := range cart.Lines {
		if line.ProductID == pid {
			lines = append(lines, domain.CartLine{ProductID: pid, Quantity: cmd.Quantity})
			replaced = true
			continue
		}
		lines = append(lines, line)
	}
	if !replaced {
		lines = append(lines, domain.CartLine{ProductID: pid, Quantity: cmd.Quantity})
	}

	saved, err := s.repo.ReplaceLines(ctx, uid, lines, s.now())
	if err != nil {
		return Cart{}, translateCartRepoError(err)
	}

	s.logger(ctx, "cart.line_upserted", map[string]any{
		"userId":    uid,
		"productId": pid,
		"qty":       cmd.Quantity,
	})
	return saved, nil
}

// RemoveLine drops a product line from the cart. Removing an absent line is a no-op.
func (s *cartService) RemoveLine(ctx context.Context, cmd RemoveCartLineCommand) (Cart, error) {
	if s == nil || s.repo == nil {
		return Cart{}, ErrCartUnavailable
	}
	uid := strings.TrimSpace(cmd.UserID)
	pid := strings.TrimSpace(cmd.ProductID)
	if uid == "" || pid == "" {
		return Cart{}, fmt.Errorf("%w: user id and product id are required", ErrCartInvalidInput)
	}

	cart, err := s.repo.RemoveLine(ctx, uid, pid, s.now())
	if err != nil {
		if isRepoNotFound(err) {
			return Cart{}, fmt.Errorf("%w: cart for user %s", ErrCartNotFound, uid)
		}
		return Cart{}, translateCartRepoError(err)
	}
	return cart, nil
}

// Snapshot prices the cart against the live catalog. Lines referencing missing or
// inactive products, or quantities beyond current stock, are reported as invalid rather
// than failing the whole snapshot.
func (s *cartService) Snapshot(ctx context.Context, userID string) (CartSnapshot, error) {
	if s == nil || s.repo == nil {
		return CartSnapshot{}, ErrCartUnavailable
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return CartSnapshot{}, fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}

	cart, err := s.repo.GetCart(ctx, uid)
	if err != nil {
		if isRepoNotFound(err) {
			return CartSnapshot{}, fmt.Errorf("%w: cart for user %s", ErrCartNotFound, uid)
		}
		return CartSnapshot{}, translateCartRepoError(err)
	}

	snapshot := CartSnapshot{
		UserID:   uid,
		Currency: s.cartCurrency(cart),
		TakenAt:  s.now(),
	}
	if len(cart.Lines) == 0 {
		return snapshot, nil
	}

	ids := make([]string, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		ids = append(ids, line.ProductID)
	}
	products, err := s.products.FindByIDs(ctx, ids)
	if err != nil {
		return CartSnapshot{}, translateCartRepoError(err)
	}

	var items []domain.OrderItem
	for _, line := range cart.Lines {
		product, ok := products[line.ProductID]
		if !ok {
			snapshot.InvalidLines = append(snapshot.InvalidLines, InvalidLine{
				ProductID: line.ProductID,
				Quantity:  line.Quantity,
				Reason:    InvalidLineProductMissing,
			})
			continue
		}
		if product.Status != domain.ProductStatusActive {
			snapshot.InvalidLines = append(snapshot.InvalidLines, InvalidLine{
				ProductID: line.ProductID,
				Quantity:  line.Quantity,
				Reason:    InvalidLineProductInactive,
			})
			continue
		}
		if product.Quantity < line.Quantity {
			snapshot.InvalidLines = append(snapshot.InvalidLines, InvalidLine{
				ProductID: line.ProductID,
				Quantity:  line.Quantity,
				Reason:    InvalidLineInsufficientStock,
			})
			continue
		}

		unit := domain.EffectiveUnitPrice(product)
		item := domain.OrderItem{
			ProductID: product.ID,
			Name:      product.Name,
			SKU:       product.SKU,
			Quantity:  line.Quantity,
			UnitPrice: unit,
			Total:     domain.LineTotal(product, line.Quantity),
		}
		items = append(items, item)
		snapshot.Lines = append(snapshot.Lines, SnapshotLine{
			ProductID: item.ProductID,
			Name:      item.Name,
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Total:     item.Total,
		})
	}

	snapshot.Totals = domain.ComputeTotals(domain.SumOrderItems(items), 0, 0, 0)
	return snapshot, nil
}

// ClearCart empties the user's cart.
func (s *cartService) ClearCart(ctx context.Context, userID string) error {
	if s == nil || s.repo == nil {
		return ErrCartUnavailable
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return fmt.Errorf("%w: user id is required", ErrCartInvalidInput)
	}
	if _, err := s.repo.ReplaceLines(ctx, uid, nil, s.now()); err != nil {
		return translateCartRepoError(err)
	}
	return nil
}

func (s *cartService) newCart(userID string) Cart {
	now := s.now()
	return Cart{
		UserID:    userID,
		Currency:  s.currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (s *cartService) cartCurrency(cart Cart) string {
	if currency := strings.ToUpper(strings.TrimSpace(cart.Currency)); currency != "" {
		return currency
	}
	return s.currency
}

func translateCartRepoError(err error) error {
	switch {
	case err == nil:
		return nil
	case isRepoNotFound(err):
		return fmt.Errorf("%w: %s", ErrCartNotFound, err)
	case isRepoConflict(err):
		return fmt.Errorf("%w: %s", ErrCartConflict, err)
	case isRepoUnavailable(err):
		return fmt.Errorf("%w: %s", ErrCartUnavailable, err)
	default:
		return err
	}
}
