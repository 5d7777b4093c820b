package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/oakline/market-api/internal/platform/auth"
	"github.com/oakline/market-api/internal/services"
)

type stubCartService struct {
	getOrCreateFn func(ctx context.Context, userID string) (services.Cart, error)
	upsertFn      func(ctx context.Context, cmd services.UpsertCartLineCommand) (services.Cart, error)
	removeFn      func(ctx context.Context, cmd services.RemoveCartLineCommand) (services.Cart, error)
	snapshotFn    func(ctx context.Context, userID string) (services.CartSnapshot, error)
	clearFn       func(ctx context.Context, userID string) error
}

func (s *stubCartService) GetOrCreateCart(ctx context.Context, userID string) (services.Cart, error) {
	if s.getOrCreateFn != nil {
		return s.getOrCreateFn(ctx, userID)
	}
	return services.Cart{UserID: userID, Currency: "USD"}, nil
}

func (s *stubCartService) UpsertLine(ctx context.Context, cmd services.UpsertCartLineCommand) (services.Cart, error) {
	if s.upsertFn != nil {
		return s.upsertFn(ctx, cmd)
	}
	return services.Cart{UserID: cmd.UserID}, nil
}

func (s *stubCartService) RemoveLine(ctx context.Context, cmd services.RemoveCartLineCommand) (services.Cart, error) {
	if s.removeFn != nil {
		return s.removeFn(ctx, cmd)
	}
	return services.Cart{UserID: cmd.UserID}, nil
}

func (s *stubCartService) Snapshot(ctx context.Context, userID string) (services.CartSnapshot, error) {
	if s.snapshotFn != nil {
		return s.snapshotFn(ctx, userID)
	}
	return services.CartSnapshot{UserID: userID}, nil
}

func (s *stubCartService) ClearCart(ctx context.Context, userID string) error {
	if s.clearFn != nil {
		return s.clearFn(ctx, userID)
	}
	return nil
}

var _ services.CartService = (*stubCartService)(nil)

func newCartTestRouter(svc services.CartService) chi.Router {
	h := NewCartHandlers(svc)
	r := chi.NewRouter()
	r.Route("/cart", h.Routes)
	return r
}

func authedRequest(method, target string, body string, userID string, roles ...string) *http.Request {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	if userID != "" {
		identity := &auth.Identity{UserID: userID, Roles: roles}
		if len(roles) == 0 {
			identity.Roles = []string{auth.RoleUser}
		}
		req = req.WithContext(auth.WithIdentity(req.Context(), identity))
	}
	return req
}

func TestCartHandlersGetCart(t *testing.T) {
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	svc := &stubCartService{
		getOrCreateFn: func(_ context.Context, userID string) (services.Cart, error) {
			return services.Cart{
				UserID:    userID,
				Currency:  "usd",
				Lines:     []services.CartLine{{ProductID: "prod-1", Quantity: 2}},
				UpdatedAt: now,
			}, nil
		},
	}
	router := newCartTestRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/cart", "", "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Cart struct {
			UserID   string `json:"user_id"`
			Currency string `json:"currency"`
			Lines    []struct {
				ProductID string `json:"product_id"`
				Quantity  int    `json:"quantity"`
			} `json:"lines"`
		} `json:"cart"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Cart.UserID != "user-1" {
		t.Fatalf("expected user-1, got %s", body.Cart.UserID)
	}
	if body.Cart.Currency != "USD" {
		t.Fatalf("expected normalised currency USD, got %s", body.Cart.Currency)
	}
	if len(body.Cart.Lines) != 1 || body.Cart.Lines[0].ProductID != "prod-1" || body.Cart.Lines[0].Quantity != 2 {
		t.Fatalf("unexpected lines: %+v", body.Cart.Lines)
	}
}

func TestCartHandlersRequireIdentity(t *testing.T) {
	router := newCartTestRouter(&stubCartService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/cart", "", ""))

	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected status 401, got %d", rr.Code)
	}
}

func TestCartHandlersUpsertLine(t *testing.T) {
	var captured services.UpsertCartLineCommand
	svc := &stubCartService{
		upsertFn: func(_ context.Context, cmd services.UpsertCartLineCommand) (services.Cart, error) {
			captured = cmd
			return services.Cart{UserID: cmd.UserID, Lines: []services.CartLine{{ProductID: cmd.ProductID, Quantity: cmd.Quantity}}}, nil
		},
	}
	router := newCartTestRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPut, "/cart/items/prod-9", `{"quantity":3}`, "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.UserID != "user-1" || captured.ProductID != "prod-9" || captured.Quantity != 3 {
		t.Fatalf("unexpected command: %+v", captured)
	}
}

func TestCartHandlersUpsertLineInvalidJSON(t *testing.T) {
	router := newCartTestRouter(&stubCartService{})

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPut, "/cart/items/prod-9", `{"quantity":`, "user-1"))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestCartHandlersUpsertLineServiceError(t *testing.T) {
	svc := &stubCartService{
		upsertFn: func(_ context.Context, cmd services.UpsertCartLineCommand) (services.Cart, error) {
			return services.Cart{}, fmt.Errorf("%w: quantity out of range", services.ErrCartInvalidInput)
		},
	}
	router := newCartTestRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodPut, "/cart/items/prod-9", `{"quantity":0}`, "user-1"))

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestCartHandlersSnapshot(t *testing.T) {
	now := time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)
	svc := &stubCartService{
		snapshotFn: func(_ context.Context, userID string) (services.CartSnapshot, error) {
			return services.CartSnapshot{
				UserID:   userID,
				Currency: "USD",
				Lines: []services.SnapshotLine{
					{ProductID: "prod-1", Name: "Walnut Tray", SKU: "TRAY-01", Quantity: 2, UnitPrice: 1500, Total: 3000},
				},
				InvalidLines: []services.InvalidLine{
					{ProductID: "prod-2", Quantity: 1, Reason: services.InvalidLineProductInactive},
				},
				Totals:  services.OrderTotals{Subtotal: 3000, Total: 3000},
				TakenAt: now,
			}, nil
		},
	}
	router := newCartTestRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/cart/snapshot", "", "user-1"))

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", rr.Code, rr.Body.String())
	}

	var body struct {
		Snapshot struct {
			Lines        []map[string]any `json:"lines"`
			InvalidLines []struct {
				ProductID string `json:"product_id"`
				Reason    string `json:"reason"`
			} `json:"invalid_lines"`
			Totals struct {
				Subtotal int64 `json:"subtotal"`
				Total    int64 `json:"total"`
			} `json:"totals"`
		} `json:"snapshot"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if len(body.Snapshot.Lines) != 1 {
		t.Fatalf("expected 1 valid line, got %d", len(body.Snapshot.Lines))
	}
	if len(body.Snapshot.InvalidLines) != 1 || body.Snapshot.InvalidLines[0].Reason != "product_inactive" {
		t.Fatalf("unexpected invalid lines: %+v", body.Snapshot.InvalidLines)
	}
	if body.Snapshot.Totals.Total != 3000 {
		t.Fatalf("expected total 3000, got %d", body.Snapshot.Totals.Total)
	}
}

func TestCartHandlersClearCart(t *testing.T) {
	cleared := ""
	svc := &stubCartService{
		clearFn: func(_ context.Context, userID string) error {
			cleared = userID
			return nil
		},
	}
	router := newCartTestRouter(svc)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodDelete, "/cart", "", "user-1"))

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if cleared != "user-1" {
		t.Fatalf("expected clear for user-1, got %q", cleared)
	}
}

func TestCartHandlersServiceUnavailable(t *testing.T) {
	router := newCartTestRouter(nil)

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, authedRequest(http.MethodGet, "/cart", "", "user-1"))

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rr.Code)
	}
}
