package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/oakline/market-api/internal/platform/auth"
	"github.com/oakline/market-api/internal/platform/httpx"
	"github.com/oakline/market-api/internal/services"
)

const maxCartBodySize = 16 * 1024

// CartHandlers exposes authenticated cart endpoints for the current user.
type CartHandlers struct {
	carts services.CartService
}

// NewCartHandlers constructs handlers invoking the cart service for the caller identity.
func NewCartHandlers(carts services.CartService) *CartHandlers {
	return &CartHandlers{carts: carts}
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Get("/", h.getCart)
	r.Delete("/", h.clearCart)
	r.Get("/snapshot", h.snapshot)
	r.Put("/items/{productID}", h.upsertLine)
	r.Delete("/items/{productID}", h.removeLine)
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}

	cart, err := h.carts.GetOrCreateCart(ctx, userID)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) upsertLine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}

	productID := strings.TrimSpace(chi.URLParam(r, "productID"))
	body, err := readLimitedBody(r, maxCartBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}

	var req upsertCartLineRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "invalid JSON payload", http.StatusBadRequest))
		return
	}

	cart, err := h.carts.UpsertLine(ctx, services.UpsertCartLineCommand{
		UserID:    userID,
		ProductID: productID,
		Quantity:  req.Quantity,
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

func (h *CartHandlers) removeLine(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}

	cart, err := h.carts.RemoveLine(ctx, services.RemoveCartLineCommand{
		UserID:    userID,
		ProductID: strings.TrimSpace(chi.URLParam(r, "productID")),
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(cart)})
}

// snapshot prices the cart against the live catalog without mutating it. Clients use
// it to show checkout totals and surface lines that can no longer be purchased.
func (h *CartHandlers) snapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}

	snapshot, err := h.carts.Snapshot(ctx, userID)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, snapshotResponse{Snapshot: buildSnapshotPayload(snapshot)})
}

func (h *CartHandlers) clearCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.requireUser(ctx, w)
	if !ok {
		return
	}

	if err := h.carts.ClearCart(ctx, userID); err != nil {
		writeCartError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *CartHandlers) requireUser(ctx context.Context, w http.ResponseWriter) (string, bool) {
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return "", false
	}
	userID := auth.UserIDFromContext(ctx)
	if userID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return userID, true
}

func writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("cart_not_found", "cart not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartConflict):
		httpx.WriteError(ctx, w, httpx.NewError("cart_conflict", "cart has been modified; refresh and retry", http.StatusConflict))
	case errors.Is(err, services.ErrCartUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_error", "cart operation failed", http.StatusInternalServerError))
	}
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("payload_too_large", "request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	}
}

type upsertCartLineRequest struct {
	Quantity int `json:"quantity"`
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

type cartPayload struct {
	UserID    string            `json:"user_id"`
	Currency  string            `json:"currency"`
	Lines     []cartLinePayload `json:"lines"`
	UpdatedAt string            `json:"updated_at,omitempty"`
}

type cartLinePayload struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

func buildCartPayload(cart services.Cart) cartPayload {
	lines := make([]cartLinePayload, 0, len(cart.Lines))
	for _, line := range cart.Lines {
		lines = append(lines, cartLinePayload{ProductID: line.ProductID, Quantity: line.Quantity})
	}
	return cartPayload{
		UserID:    cart.UserID,
		Currency:  strings.ToUpper(strings.TrimSpace(cart.Currency)),
		Lines:     lines,
		UpdatedAt: formatTime(cart.UpdatedAt),
	}
}

type snapshotResponse struct {
	Snapshot snapshotPayload `json:"snapshot"`
}

type snapshotPayload struct {
	UserID       string                `json:"user_id"`
	Currency     string                `json:"currency"`
	Lines        []snapshotLinePayload `json:"lines"`
	InvalidLines []invalidLinePayload  `json:"invalid_lines"`
	Totals       totalsPayload         `json:"totals"`
	TakenAt      string                `json:"taken_at"`
}

type snapshotLinePayload struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Total     int64  `json:"total"`
}

type invalidLinePayload struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason"`
}

type totalsPayload struct {
	Subtotal int64 `json:"subtotal"`
	Shipping int64 `json:"shipping"`
	Tax      int64 `json:"tax"`
	Discount int64 `json:"discount"`
	Total    int64 `json:"total"`
}

func buildSnapshotPayload(snapshot services.CartSnapshot) snapshotPayload {
	lines := make([]snapshotLinePayload, 0, len(snapshot.Lines))
	for _, line := range snapshot.Lines {
		lines = append(lines, snapshotLinePayload{
			ProductID: line.ProductID,
			Name:      line.Name,
			SKU:       line.SKU,
			Quantity:  line.Quantity,
			UnitPrice: line.UnitPrice,
			Total:     line.Total,
		})
	}
	invalid := make([]invalidLinePayload, 0, len(snapshot.InvalidLines))
	for _, line := range snapshot.InvalidLines {
		invalid = append(invalid, invalidLinePayload{
			ProductID: line.ProductID,
			Quantity:  line.Quantity,
			Reason:    string(line.Reason),
		})
	}
	return snapshotPayload{
		UserID:       snapshot.UserID,
		Currency:     snapshot.Currency,
		Lines:        lines,
		InvalidLines: invalid,
		Totals:       totalsPayload(snapshot.Totals),
		TakenAt:      formatTime(snapshot.TakenAt),
	}
}
