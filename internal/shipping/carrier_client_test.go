package shipping

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCarrierClientQuoteRates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rates" {
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer key-123" {
			t.Fatalf("unexpected authorization header %q", got)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if _, ok := body["parcel"]; !ok {
			t.Fatalf("expected parcel in request body")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"rates":[{"id":"rate_1","carrier":"usps","service":"priority","amount":950,"currency":"usd","deliveryDays":2}]}`))
	}))
	defer srv.Close()

	client, err := NewCarrierClient(CarrierClientConfig{BaseURL: srv.URL, APIKey: "key-123"})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	rates, err := client.QuoteRates(context.Background(), RateRequest{
		From:   RateAddress{Line1: "1 Warehouse Way", City: "Reno", PostalCode: "89501", Country: "us"},
		To:     RateAddress{Line1: "9 Elm St", City: "Portland", PostalCode: "97201", Country: "us"},
		Parcel: Parcel{WeightGrams: 500},
	})
	if err != nil {
		t.Fatalf("quote rates: %v", err)
	}
	if len(rates) != 1 {
		t.Fatalf("expected 1 rate, got %d", len(rates))
	}
	if rates[0].ID != "rate_1" || rates[0].Currency != "USD" {
		t.Fatalf("unexpected rate %+v", rates[0])
	}
}

func TestCarrierClientPurchaseLabelSendsIdempotencyKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/labels" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.Header.Get("Idempotency-Key"); got != "ship-ord_1" {
			t.Fatalf("unexpected idempotency key %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"lbl_1","carrier":"usps","service":"priority","trackingNumber":"9400100000000000000000","labelUrl":"https://labels.example/lbl_1.pdf"}`))
	}))
	defer srv.Close()

	client, err := NewCarrierClient(CarrierClientConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	label, err := client.PurchaseLabel(context.Background(), LabelRequest{
		RateID:         "rate_1",
		OrderID:        "ord_1",
		IdempotencyKey: "ship-ord_1",
	})
	if err != nil {
		t.Fatalf("purchase label: %v", err)
	}
	if label.TrackingNumber != "9400100000000000000000" {
		t.Fatalf("unexpected tracking number %q", label.TrackingNumber)
	}
	if label.RateID != "rate_1" {
		t.Fatalf("unexpected rate id %q", label.RateID)
	}
}

func TestCarrierClientPurchaseLabelUnknownRate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"rate not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := NewCarrierClient(CarrierClientConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.PurchaseLabel(context.Background(), LabelRequest{RateID: "rate_missing"})
	if !errors.Is(err, ErrRateNotFound) {
		t.Fatalf("expected ErrRateNotFound, got %v", err)
	}
}

func TestCarrierClientTrack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tracking/9400100000000000000000" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"trackingNumber":"9400100000000000000000","status":"in_transit","events":[{"status":"in_transit","description":"Departed facility","location":"Reno NV","occurredAt":"2026-02-10T08:00:00Z"}]}`))
	}))
	defer srv.Close()

	client, err := NewCarrierClient(CarrierClientConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	info, err := client.Track(context.Background(), "9400100000000000000000")
	if err != nil {
		t.Fatalf("track: %v", err)
	}
	if info.Status != "in_transit" {
		t.Fatalf("unexpected status %q", info.Status)
	}
	if len(info.Events) != 1 || info.Events[0].Location != "Reno NV" {
		t.Fatalf("unexpected events %+v", info.Events)
	}
}

func TestCarrierClientTrackUnknownNumber(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no record"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	client, err := NewCarrierClient(CarrierClientConfig{BaseURL: srv.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	_, err = client.Track(context.Background(), "unknown")
	if !errors.Is(err, ErrTrackingNotFound) {
		t.Fatalf("expected ErrTrackingNotFound, got %v", err)
	}
}

func TestNewCarrierClientRequiresBaseURL(t *testing.T) {
	if _, err := NewCarrierClient(CarrierClientConfig{}); err == nil {
		t.Fatalf("expected error for missing base url")
	}
}
