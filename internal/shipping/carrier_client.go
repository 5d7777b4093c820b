package shipping

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Default HTTP timeouts for carrier interactions.
const (
	defaultTimeout    = 8 * time.Second
	idempotencyHeader = "Idempotency-Key"
	maxErrorBodyBytes = 4 << 10
)

// CarrierLogger defines the logging contract for carrier client operations.
type CarrierLogger func(ctx context.Context, event string, fields map[string]any)

// CarrierClientConfig configures the HTTP carrier client.
type CarrierClientConfig struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
	Logger     CarrierLogger
}

// CarrierClient implements Provider over a carrier aggregator's REST API.
type CarrierClient struct {
	baseURL string
	apiKey  string
	http    *http.Client
	logger  CarrierLogger
}

// NewCarrierClient constructs a carrier client bound to the aggregator endpoint.
func NewCarrierClient(cfg CarrierClientConfig) (*CarrierClient, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("shipping: carrier base url is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &CarrierClient{
		baseURL: baseURL,
		apiKey:  strings.TrimSpace(cfg.APIKey),
		http:    httpClient,
		logger:  logger,
	}, nil
}

// QuoteRates asks the carrier for service options between the two addresses.
func (c *CarrierClient) QuoteRates(ctx context.Context, req RateRequest) ([]Rate, error) {
	if c == nil {
		return nil, errors.New("shipping: carrier client is nil")
	}

	var payload struct {
		Rates []ratePayload `json:"rates"`
	}
	if err := c.do(ctx, http.MethodPost, "", []string{"rates"}, rateRequestPayload(req), &payload); err != nil {
		return nil, err
	}

	rates := make([]Rate, 0, len(payload.Rates))
	for _, r := range payload.Rates {
		rates = append(rates, Rate{
			ID:           r.ID,
			Carrier:      r.Carrier,
			Service:      r.Service,
			Amount:       r.Amount,
			Currency:     strings.ToUpper(r.Currency),
			DeliveryDays: r.DeliveryDays,
		})
	}

	c.logger(ctx, "shipping.rates.quoted", map[string]any{
		"count": len(rates),
	})
	return rates, nil
}

// PurchaseLabel buys a label for a quoted rate. The idempotency key keeps retries from
// buying duplicate labels.
func (c *CarrierClient) PurchaseLabel(ctx context.Context, req LabelRequest) (Label, error) {
	if c == nil {
		return Label{}, errors.New("shipping: carrier client is nil")
	}
	rateID := strings.TrimSpace(req.RateID)
	if rateID == "" {
		return Label{}, errors.New("shipping: rate id is required")
	}

	body := map[string]string{
		"rateId": rateID,
	}
	if orderID := strings.TrimSpace(req.OrderID); orderID != "" {
		body["reference"] = orderID
	}

	var payload labelPayload
	err := c.do(ctx, http.MethodPost, strings.TrimSpace(req.IdempotencyKey), []string{"labels"}, body, &payload)
	if err != nil {
		var apiErr *carrierAPIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return Label{}, fmt.Errorf("%w: %s", ErrRateNotFound, rateID)
		}
		return Label{}, err
	}

	c.logger(ctx, "shipping.label.purchased", map[string]any{
		"labelId":        payload.ID,
		"trackingNumber": payload.TrackingNumber,
		"carrier":        payload.Carrier,
	})

	return Label{
		ID:             payload.ID,
		RateID:         rateID,
		Carrier:        payload.Carrier,
		Service:        payload.Service,
		TrackingNumber: payload.TrackingNumber,
		LabelURL:       payload.LabelURL,
		CreatedAt:      payload.CreatedAt,
	}, nil
}

// Track fetches the carrier's scan history for a tracking number.
func (c *CarrierClient) Track(ctx context.Context, trackingNumber string) (TrackingInfo, error) {
	if c == nil {
		return TrackingInfo{}, errors.New("shipping: carrier client is nil")
	}
	tracking := strings.TrimSpace(trackingNumber)
	if tracking == "" {
		return TrackingInfo{}, errors.New("shipping: tracking number is required")
	}

	var payload trackingPayload
	err := c.do(ctx, http.MethodGet, "", []string{"tracking", tracking}, nil, &payload)
	if err != nil {
		var apiErr *carrierAPIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return TrackingInfo{}, fmt.Errorf("%w: %s", ErrTrackingNotFound, tracking)
		}
		return TrackingInfo{}, err
	}

	events := make([]TrackingEvent, 0, len(payload.Events))
	for _, e := range payload.Events {
		events = append(events, TrackingEvent{
			Status:      e.Status,
			Description: e.Description,
			Location:    e.Location,
			OccurredAt:  e.OccurredAt,
		})
	}

	return TrackingInfo{
		TrackingNumber:    payload.TrackingNumber,
		Status:            payload.Status,
		EstimatedDelivery: payload.EstimatedDelivery,
		Events:            events,
	}, nil
}

func (c *CarrierClient) do(ctx context.Context, method, idempotencyKey string, pathSegments []string, body any, out any) error {
	endpoint, err := url.JoinPath(c.baseURL, pathSegments...)
	if err != nil {
		return fmt.Errorf("shipping: build url: %w", err)
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("shipping: encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("shipping: build request: %w", err)
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if idempotencyKey != "" {
		httpReq.Header.Set(idempotencyHeader, idempotencyKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("shipping: carrier request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return &carrierAPIError{
			StatusCode: resp.StatusCode,
			Body:       drainError(resp.Body),
		}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("shipping: decode response: %w", err)
	}
	return nil
}

// carrierAPIError preserves the carrier's HTTP status for upstream classification.
type carrierAPIError struct {
	StatusCode int
	Body       string
}

func (e *carrierAPIError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("shipping: carrier status %d: %s", e.StatusCode, e.Body)
}

func drainError(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorBodyBytes))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

type ratePayload struct {
	ID           string `json:"id"`
	Carrier      string `json:"carrier"`
	Service      string `json:"service"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	DeliveryDays int    `json:"deliveryDays"`
}

type labelPayload struct {
	ID             string    `json:"id"`
	Carrier        string    `json:"carrier"`
	Service        string    `json:"service"`
	TrackingNumber string    `json:"trackingNumber"`
	LabelURL       string    `json:"labelUrl"`
	CreatedAt      time.Time `json:"createdAt"`
}

type trackingPayload struct {
	TrackingNumber    string                 `json:"trackingNumber"`
	Status            string                 `json:"status"`
	EstimatedDelivery *time.Time             `json:"estimatedDelivery,omitempty"`
	Events            []trackingEventPayload `json:"events"`
}

type trackingEventPayload struct {
	Status      string    `json:"status"`
	Description string    `json:"description"`
	Location    string    `json:"location"`
	OccurredAt  time.Time `json:"occurredAt"`
}

func rateRequestPayload(req RateRequest) map[string]any {
	return map[string]any{
		"from":   addressPayload(req.From),
		"to":     addressPayload(req.To),
		"parcel": parcelPayload(req.Parcel),
	}
}

func addressPayload(addr RateAddress) map[string]string {
	return map[string]string{
		"line1":      addr.Line1,
		"line2":      addr.Line2,
		"city":       addr.City,
		"state":      addr.State,
		"postalCode": addr.PostalCode,
		"country":    strings.ToUpper(strings.TrimSpace(addr.Country)),
	}
}

func parcelPayload(parcel Parcel) map[string]int64 {
	return map[string]int64{
		"weightGrams": parcel.WeightGrams,
		"lengthCm":    parcel.LengthCm,
		"widthCm":     parcel.WidthCm,
		"heightCm":    parcel.HeightCm,
	}
}

var _ Provider = (*CarrierClient)(nil)
