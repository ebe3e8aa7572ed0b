package fulfillment

import (
	"fmt"
	"strings"

	"github.com/ariefcatur/go-psp-orders/internal/orders"
	"github.com/ariefcatur/go-psp-orders/internal/storefront"
)

type Policy string

const (
	PolicyDeny     Policy = "deny"
	PolicyContinue Policy = "continue"
)

const (
	ReasonUnknownSKU   = "unknown_sku"
	ReasonInsufficient = "insufficient_inventory"
)

type InventoryCheckResult struct {
	SKU       string `json:"sku"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	Tracked   bool   `json:"tracked"`
	Policy    Policy `json:"policy"`
	Allowed   bool   `json:"allowed"`
	Reason    string `json:"reason,omitempty"`
}

// CheckInventory decides per line whether the shop can fill it. A line is
// refused when the variant is missing, or when stock is tracked, the policy is
// deny and fewer units are available than requested. Untracked variants and
// every other policy (continue, empty, shop-specific) allow backorder.
func CheckInventory(items []orders.OrderItem, variants map[string]storefront.Variant) []InventoryCheckResult {
	out := make([]InventoryCheckResult, 0, len(items))
	for _, it := range items {
		r := InventoryCheckResult{SKU: it.SKU, Requested: it.Quantity, Allowed: true}
		v, ok := variants[it.SKU]
		if !ok {
			r.Allowed = false
			r.Reason = ReasonUnknownSKU
			out = append(out, r)
			continue
		}
		r.Available = v.InventoryQuantity
		r.Tracked = v.Tracked()
		r.Policy = Policy(v.InventoryPolicy)
		if r.Tracked && r.Policy == PolicyDeny && r.Available < r.Requested {
			r.Allowed = false
			r.Reason = ReasonInsufficient
		}
		out = append(out, r)
	}
	return out
}

func rejected(results []InventoryCheckResult) []InventoryCheckResult {
	var out []InventoryCheckResult
	for _, r := range results {
		if !r.Allowed {
			out = append(out, r)
		}
	}
	return out
}

// RejectedError refuses a whole fulfillment; Lines holds the refused lines.
type RejectedError struct {
	OrderID string
	Lines   []InventoryCheckResult
}

func (e *RejectedError) Error() string {
	return "fulfillment rejected for order " + e.OrderID + ": " + e.Reason()
}

func (e *RejectedError) Reason() string {
	parts := make([]string, 0, len(e.Lines))
	for _, l := range e.Lines {
		if l.Reason == ReasonUnknownSKU {
			parts = append(parts, fmt.Sprintf("%s: unknown sku", l.SKU))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: requested %d, available %d", l.SKU, l.Requested, l.Available))
	}
	return strings.Join(parts, "; ")
}
