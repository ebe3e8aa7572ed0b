package orders

import (
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const maxItems = 100

type ItemInput struct {
	ProductID string          `json:"product_id"`
	SKU       string          `json:"sku"`
	Title     string          `json:"title"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

type NewOrderInput struct {
	MerchantID      string      `json:"merchant_id"`
	AgentID         string      `json:"agent_id,omitempty"`
	IdempotencyKey  string      `json:"-"`
	CustomerEmail   string      `json:"customer_email"`
	Currency        string      `json:"currency"`
	Items           []ItemInput `json:"items"`
	ShippingAddress Address     `json:"shipping_address"`
}

// Build validates in and returns a pending order with all amounts derived.
// Nothing is persisted; validation failures are *ValidationError.
func Build(in NewOrderInput, p Pricing, now time.Time) (*Order, error) {
	if strings.TrimSpace(in.MerchantID) == "" {
		return nil, invalid("merchant_id", "is required")
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if _, ok := Exponent(currency); !ok {
		return nil, invalid("currency", "unsupported currency %q", in.Currency)
	}
	if _, err := mail.ParseAddress(in.CustomerEmail); err != nil {
		return nil, invalid("customer_email", "not a valid address")
	}
	if err := validateAddress(in.ShippingAddress); err != nil {
		return nil, err
	}
	if len(in.Items) == 0 {
		return nil, invalid("items", "at least one item is required")
	}
	if len(in.Items) > maxItems {
		return nil, invalid("items", "at most %d items are allowed", maxItems)
	}

	items := make([]OrderItem, 0, len(in.Items))
	seen := make(map[string]bool, len(in.Items))
	for i, it := range in.Items {
		sku := strings.TrimSpace(it.SKU)
		if sku == "" {
			return nil, invalid("items", "item %d: sku is required", i)
		}
		if seen[sku] {
			return nil, invalid("items", "item %d: duplicate sku %s", i, sku)
		}
		seen[sku] = true
		if it.Quantity < 1 {
			return nil, invalid("items", "item %d: quantity must be at least 1", i)
		}
		if it.UnitPrice.IsNegative() {
			return nil, invalid("items", "item %d: unit_price must not be negative", i)
		}
		unit, err := ToMinor(it.UnitPrice, currency)
		if err != nil {
			return nil, invalidCause("items", err, "item %d: %v", i, err)
		}
		line, err := LineSubtotal(unit, it.Quantity)
		if err != nil {
			return nil, invalidCause("items", err, "item %d: %v", i, err)
		}
		productID := it.ProductID
		if productID == "" {
			productID = sku
		}
		items = append(items, OrderItem{
			ProductID:      productID,
			SKU:            sku,
			Title:          it.Title,
			Quantity:       it.Quantity,
			UnitPriceMinor: unit,
			SubtotalMinor:  line,
		})
	}

	t, err := ComputeTotals(items, p)
	if err != nil {
		return nil, invalidCause("items", err, "%v", err)
	}
	if t.Total <= 0 {
		return nil, invalid("items", "order total must be positive")
	}

	now = now.UTC()
	return &Order{
		ID:              uuid.NewString(),
		MerchantID:      in.MerchantID,
		AgentID:         in.AgentID,
		IdempotencyKey:  in.IdempotencyKey,
		Items:           items,
		Currency:        currency,
		SubtotalMinor:   t.Subtotal,
		TaxMinor:        t.Tax,
		ShippingMinor:   t.Shipping,
		TotalMinor:      t.Total,
		CustomerEmail:   in.CustomerEmail,
		ShippingAddress: in.ShippingAddress,
		Status:          StatusPending,
		PaymentStatus:   PaymentUnpaid,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func validateAddress(a Address) error {
	switch {
	case strings.TrimSpace(a.Name) == "":
		return invalid("shipping_address.name", "is required")
	case strings.TrimSpace(a.Line1) == "":
		return invalid("shipping_address.line1", "is required")
	case strings.TrimSpace(a.City) == "":
		return invalid("shipping_address.city", "is required")
	case strings.TrimSpace(a.PostalCode) == "":
		return invalid("shipping_address.postal_code", "is required")
	case len(strings.TrimSpace(a.Country)) != 2:
		return invalid("shipping_address.country", "must be a 2-letter country code")
	}
	return nil
}
