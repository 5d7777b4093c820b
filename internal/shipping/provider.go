package shipping

import (
	"context"
	"errors"
	"time"
)

// ErrRateNotFound is returned when a label purchase references an unknown rate.
var ErrRateNotFound = errors.New("shipping: rate not found")

// ErrTrackingNotFound is returned when the carrier has no record for a tracking number.
var ErrTrackingNotFound = errors.New("shipping: tracking not found")

// Parcel describes the physical package being quoted. Dimensions are centimetres,
// weight is grams.
type Parcel struct {
	WeightGrams int64
	LengthCm    int64
	WidthCm     int64
	HeightCm    int64
}

// RateAddress is the subset of an address the carrier needs for quoting.
type RateAddress struct {
	Line1      string
	Line2      string
	City       string
	State      string
	PostalCode string
	Country    string
}

// RateRequest asks the carrier for available services between two addresses.
type RateRequest struct {
	From   RateAddress
	To     RateAddress
	Parcel Parcel
}

// Rate is one carrier service option with its quoted price in minor units.
type Rate struct {
	ID           string
	Carrier      string
	Service      string
	Amount       int64
	Currency     string
	DeliveryDays int
}

// LabelRequest purchases a label for a previously quoted rate.
type LabelRequest struct {
	RateID         string
	OrderID        string
	IdempotencyKey string
}

// Label is the purchased shipping label with its tracking number.
type Label struct {
	ID             string
	RateID         string
	Carrier        string
	Service        string
	TrackingNumber string
	LabelURL       string
	CreatedAt      time.Time
}

// TrackingEvent is a single scan reported by the carrier.
type TrackingEvent struct {
	Status      string
	Description string
	Location    string
	OccurredAt  time.Time
}

// TrackingInfo is the carrier's current view of a shipment.
type TrackingInfo struct {
	TrackingNumber    string
	Status            string
	EstimatedDelivery *time.Time
	Events            []TrackingEvent
}

// Provider is the carrier adapter contract.
type Provider interface {
	QuoteRates(ctx context.Context, req RateRequest) ([]Rate, error)
	PurchaseLabel(ctx context.Context, req LabelRequest) (Label, error)
	Track(ctx context.Context, trackingNumber string) (TrackingInfo, error)
}
