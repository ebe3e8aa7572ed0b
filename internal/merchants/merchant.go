// Package merchants is the read side of merchant onboarding: pricing policy,
// PSP routing rows and the storefront a merchant sells through.
package merchants

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-psp-orders/internal/orders"
	"github.com/ariefcatur/go-psp-orders/internal/psp"
)

var ErrNotFound = errors.New("merchant not found")

type Storefront struct {
	ShopDomain string `json:"shop_domain,omitempty"`
}

type Merchant struct {
	ID               string       `json:"id"`
	Name             string       `json:"name"`
	TaxRateBps       int64        `json:"tax_rate_bps"`
	ShippingFeeMinor int64        `json:"shipping_fee_minor"`
	PSPConfigs       []psp.Config `json:"psp_configs"`
	Storefront       Storefront   `json:"storefront"`
}

func (m *Merchant) Pricing() orders.Pricing {
	return orders.Pricing{TaxRateBps: m.TaxRateBps, ShippingFeeMinor: m.ShippingFeeMinor}
}

type Directory interface {
	Get(ctx context.Context, id string) (*Merchant, error)
}

// StaticDirectory serves a fixed set of merchants. Used by tests and local runs
// without Postgres.
type StaticDirectory map[string]*Merchant

func (d StaticDirectory) Get(_ context.Context, id string) (*Merchant, error) {
	m, ok := d[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *m
	c.PSPConfigs = append([]psp.Config(nil), m.PSPConfigs...)
	return &c, nil
}
