package orders

import "time"

type Address struct {
	Name       string `json:"name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"` // ISO 3166-1 alpha-2
	Phone      string `json:"phone,omitempty"`
}

type OrderItem struct {
	ProductID      string `json:"product_id"`
	SKU            string `json:"sku"`
	Title          string `json:"title"`
	Quantity       int    `json:"quantity"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
	SubtotalMinor  int64  `json:"subtotal_minor"`
}

type Order struct {
	ID             string `json:"id"`
	MerchantID     string `json:"merchant_id"`
	AgentID        string `json:"agent_id,omitempty"`
	IdempotencyKey string `json:"-"`

	Items           []OrderItem `json:"items"`
	Currency        string      `json:"currency"`
	SubtotalMinor   int64       `json:"subtotal_minor"`
	TaxMinor        int64       `json:"tax_minor"`
	ShippingMinor   int64       `json:"shipping_minor"`
	TotalMinor      int64       `json:"total_minor"`
	CustomerEmail   string      `json:"customer_email"`
	ShippingAddress Address     `json:"shipping_address"`

	Status            Status            `json:"status"`
	PaymentStatus     PaymentStatus     `json:"payment_status"`
	FulfillmentStatus FulfillmentStatus `json:"fulfillment_status,omitempty"`
	FailureReason     string            `json:"failure_reason,omitempty"`
	PaymentIntentID   string            `json:"payment_intent_id,omitempty"`
	PSPUsed           string            `json:"psp_used,omitempty"`
	StorefrontOrderID string            `json:"storefront_order_id,omitempty"`
	TrackingNumber    string            `json:"tracking_number,omitempty"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	PaidAt    *time.Time `json:"paid_at,omitempty"`
	ShippedAt *time.Time `json:"shipped_at,omitempty"`
}

// Clone returns a deep copy so callers never share the store's instance.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	c.Items = append([]OrderItem(nil), o.Items...)
	if o.PaidAt != nil {
		t := *o.PaidAt
		c.PaidAt = &t
	}
	if o.ShippedAt != nil {
		t := *o.ShippedAt
		c.ShippedAt = &t
	}
	return &c
}

type AttemptOutcome string

const (
	OutcomeSucceeded AttemptOutcome = "succeeded"
	OutcomeDeclined  AttemptOutcome = "declined"
	OutcomeError     AttemptOutcome = "error"
)

// PaymentAttempt is one provider tried for an order. Rows are append-only.
type PaymentAttempt struct {
	ID          int64          `json:"id"`
	OrderID     string         `json:"order_id"`
	Provider    string         `json:"provider"`
	Priority    int            `json:"priority"`
	Success     bool           `json:"success"`
	Outcome     AttemptOutcome `json:"outcome"`
	DeclineCode string         `json:"decline_code,omitempty"`
	Error       string         `json:"error,omitempty"`
	LatencyMS   int64          `json:"latency_ms"`
	AmountMinor int64          `json:"amount_minor"`
	Currency    string         `json:"currency"`
	ProviderRef string         `json:"provider_ref,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// ProviderStat is the rolling performance of one provider over a window.
type ProviderStat struct {
	Provider     string  `json:"provider"`
	Attempts     int     `json:"attempts"`
	Successes    int     `json:"successes"`
	SuccessRate  float64 `json:"success_rate"`
	AvgLatencyMS float64 `json:"avg_latency_ms"`
}
