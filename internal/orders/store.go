package orders

import (
	"context"
	"fmt"
	"time"
)

// Transition is a request to move an order from From to To. Non-empty fields
// are written alongside the status change; PaymentIntentID is only written
// when the order has none yet.
type Transition struct {
	From Status
	To   Status

	PaymentStatus     PaymentStatus
	FulfillmentStatus FulfillmentStatus
	FailureReason     string
	PaymentIntentID   string
	PSPUsed           string
	StorefrontOrderID string
	TrackingNumber    string

	At time.Time
}

// SubStatus updates the payment or fulfillment sub-state without moving the
// business status.
type SubStatus struct {
	PaymentStatus     PaymentStatus
	FulfillmentStatus FulfillmentStatus
	FailureReason     string
	At                time.Time
}

// Store is the single authority over order state. Every mutation is guarded
// by the caller's expectation of the current status.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByIdempotencyKey(ctx context.Context, merchantID, key string) (*Order, error)
	GetByPaymentRef(ctx context.Context, provider, ref string) (*Order, error)
	GetByStorefrontOrder(ctx context.Context, storefrontOrderID string) (*Order, error)

	Transition(ctx context.Context, id string, t Transition) (*Order, error)
	UpdateSubStatus(ctx context.Context, id string, expected Status, s SubStatus) (*Order, error)
	// ClaimFulfillment marks a paid order as being submitted to the storefront.
	// Only one caller wins; a submitting claim older than staleBefore may be
	// taken over.
	ClaimFulfillment(ctx context.Context, id string, staleBefore time.Time) (*Order, error)

	AttemptLog
}

// AttemptLog is the append-only payment attempt record and the read-only
// analytics queries derived from it.
type AttemptLog interface {
	AppendAttempt(ctx context.Context, a *PaymentAttempt) error
	ListAttempts(ctx context.Context, orderID string) ([]PaymentAttempt, error)
	ProviderStats(ctx context.Context, since time.Time) ([]ProviderStat, error)
}

func checkTransition(t Transition) error {
	if !CanTransition(t.From, t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, t.From, t.To)
	}
	return nil
}

func applyTransition(o *Order, t Transition) {
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	o.Status = t.To
	if t.PaymentStatus != "" {
		o.PaymentStatus = t.PaymentStatus
	}
	if t.FulfillmentStatus != "" {
		o.FulfillmentStatus = t.FulfillmentStatus
	}
	if t.FailureReason != "" {
		o.FailureReason = t.FailureReason
	}
	if t.PaymentIntentID != "" && o.PaymentIntentID == "" {
		o.PaymentIntentID = t.PaymentIntentID
	}
	if t.PSPUsed != "" {
		o.PSPUsed = t.PSPUsed
	}
	if t.StorefrontOrderID != "" {
		o.StorefrontOrderID = t.StorefrontOrderID
	}
	if t.TrackingNumber != "" {
		o.TrackingNumber = t.TrackingNumber
	}
	if t.To == StatusPaid && o.PaidAt == nil {
		o.PaidAt = &at
	}
	if t.To == StatusShipped && o.ShippedAt == nil {
		o.ShippedAt = &at
	}
	if at.After(o.UpdatedAt) {
		o.UpdatedAt = at
	}
}

func applySubStatus(o *Order, s SubStatus) {
	if s.PaymentStatus != "" {
		o.PaymentStatus = s.PaymentStatus
	}
	if s.FulfillmentStatus != "" {
		o.FulfillmentStatus = s.FulfillmentStatus
	}
	if s.FailureReason != "" {
		o.FailureReason = s.FailureReason
	}
	at := s.At
	if at.IsZero() {
		at = time.Now()
	}
	if at.UTC().After(o.UpdatedAt) {
		o.UpdatedAt = at.UTC()
	}
}

// claimable reports whether a fulfillment claim may be taken on o.
func claimable(o *Order, staleBefore time.Time) bool {
	if o.Status != StatusPaid {
		return false
	}
	switch o.FulfillmentStatus {
	case FulfillmentNone, FulfillmentPending, FulfillmentRejected:
		return true
	case FulfillmentSubmitting:
		return o.UpdatedAt.Before(staleBefore)
	}
	return false
}
