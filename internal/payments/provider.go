package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusPending indicates the payment is awaiting customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusSucceeded indicates the PSP reports the payment as successfully captured.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the PSP reports a failure and no further action is possible.
	StatusFailed Status = "failed"
	// StatusRefunded indicates the full amount has been returned.
	StatusRefunded Status = "refunded"
	// StatusPartiallyRefunded indicates part of the amount has been returned.
	StatusPartiallyRefunded Status = "partially_refunded"
)

// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
var ErrUnsupportedProvider = errors.New("payments: unsupported provider")

// IntentRequest captures the payload required to open a payment intent for an order.
type IntentRequest struct {
	OrderID        string
	Amount         int64
	Currency       string
	CustomerID     string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is the PSP-side charge attempt returned to the client for confirmation.
type Intent struct {
	ID           string
	Provider     string
	ClientSecret string
	Status       Status
	Amount       int64
	Currency     string
	CreatedAt    time.Time
	Raw          map[string]any
}

// RefundRequest defines a PSP refund attempt. A nil Amount refunds the full charge.
type RefundRequest struct {
	IntentID       string
	Amount         *int64
	Reason         string
	IdempotencyKey string
	Metadata       map[string]string
}

// LookupRequest returns provider specific payment details for reconciliation.
type LookupRequest struct {
	IntentID string
}

// PaymentDetails normalises PSP specific fields for storage.
type PaymentDetails struct {
	Provider       string
	IntentID       string
	Status         Status
	Amount         int64
	AmountRefunded int64
	Currency       string
	RefundID       string
	FailureReason  string
	CapturedAt     *time.Time
	RefundedAt     *time.Time
	Raw            map[string]any
}

// Provider defines the contract for PSP adapters to implement.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	Refund(ctx context.Context, req RefundRequest) (PaymentDetails, error)
	LookupPayment(ctx context.Context, req LookupRequest) (PaymentDetails, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["stripe"]; ok {
		m.defaultProvider = "stripe"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
	Metadata          map[string]string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// CreateIntent delegates to the resolved provider.
func (m *Manager) CreateIntent(ctx context.Context, paymentCtx PaymentContext, req IntentRequest) (Intent, error) {
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Intent{}, err
	}
	intent, err := provider.CreateIntent(ctx, req)
	if err != nil {
		return Intent{}, err
	}
	intent.Provider = key
	return intent, nil
}

// Refund delegates to the resolved provider.
func (m *Manager) Refund(ctx context.Context, paymentCtx PaymentContext, req RefundRequest) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.Refund(ctx, req)
}

// LookupPayment delegates to the resolved provider.
func (m *Manager) LookupPayment(ctx context.Context, paymentCtx PaymentContext, req LookupRequest) (PaymentDetails, error) {
	_, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return PaymentDetails{}, err
	}
	return provider.LookupPayment(ctx, req)
}
