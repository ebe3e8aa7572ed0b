// Package fulfillment hands paid orders to the merchant's storefront. Stock is
// checked first and a single short line refuses the whole order; nothing is
// ever submitted partially.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-psp-orders/internal/merchants"
	"github.com/ariefcatur/go-psp-orders/internal/orders"
	"github.com/ariefcatur/go-psp-orders/internal/storefront"
)

var ErrNotPaid = errors.New("order is not awaiting fulfillment")

// claimLease is how long a submitting claim blocks other triggers before it
// is considered abandoned.
const claimLease = 5 * time.Minute

type Storefront interface {
	VariantsBySKU(ctx context.Context, shop storefront.Shop, skus []string) (map[string]storefront.Variant, error)
	CreateOrder(ctx context.Context, shop storefront.Shop, req storefront.OrderRequest) (string, error)
}

type Service struct {
	Store      orders.Store
	Merchants  merchants.Directory
	Storefront Storefront
	Events     orders.Events
	Log        *slog.Logger
}

func (s *Service) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

// Fulfill moves a paid order to processing once the storefront accepted it.
// The order is claimed first, so concurrent triggers submit it at most once;
// a loser gets orders.ErrFulfillmentBusy. On an inventory refusal the order
// stays paid with fulfillment_status rejected and a *RejectedError is returned.
func (s *Service) Fulfill(ctx context.Context, orderID, traceID string) (*orders.Order, error) {
	o, err := s.Store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.Status != orders.StatusPaid {
		return o, fmt.Errorf("%w: order %s is %s", ErrNotPaid, o.ID, o.Status)
	}

	m, err := s.Merchants.Get(ctx, o.MerchantID)
	if err != nil {
		return o, fmt.Errorf("merchant %s: %w", o.MerchantID, err)
	}
	shop := storefront.Shop{Domain: m.Storefront.ShopDomain}

	o, err = s.claim(ctx, o)
	if err != nil {
		return o, err
	}

	skus := make([]string, 0, len(o.Items))
	for _, it := range o.Items {
		skus = append(skus, it.SKU)
	}
	variants, err := s.Storefront.VariantsBySKU(ctx, shop, skus)
	if err != nil {
		s.release(ctx, o)
		return o, fmt.Errorf("inventory lookup: %w", err)
	}

	if bad := rejected(CheckInventory(o.Items, variants)); len(bad) > 0 {
		return s.reject(ctx, o, bad, traceID)
	}

	sfID, err := s.Storefront.CreateOrder(ctx, shop, storefrontOrder(o, variants))
	if err != nil {
		s.release(ctx, o)
		return o, fmt.Errorf("submit storefront order: %w", err)
	}

	moved, err := s.Store.Transition(context.WithoutCancel(ctx), o.ID, orders.Transition{
		From:              orders.StatusPaid,
		To:                orders.StatusProcessing,
		FulfillmentStatus: orders.FulfillmentSubmitted,
		StorefrontOrderID: sfID,
	})
	if err != nil {
		s.logger().Error("storefront order created but transition failed",
			"order_id", o.ID, "storefront_order_id", sfID, "err", err)
		return o, err
	}
	s.logger().Info("order submitted to storefront", "order_id", o.ID, "storefront_order_id", sfID)
	s.Events.StatusChanged(moved, orders.StatusPaid, traceID)
	return moved, nil
}

func (s *Service) claim(ctx context.Context, o *orders.Order) (*orders.Order, error) {
	claimed, err := s.Store.ClaimFulfillment(ctx, o.ID, time.Now().Add(-claimLease))
	switch {
	case err == nil:
		return claimed, nil
	case errors.Is(err, orders.ErrFulfillmentBusy):
		return o, err
	case errors.Is(err, orders.ErrConflict):
		return o, fmt.Errorf("%w: %w", ErrNotPaid, err)
	default:
		return o, fmt.Errorf("claim fulfillment: %w", err)
	}
}

// release hands a claimed order back so the next trigger can retry it.
func (s *Service) release(ctx context.Context, o *orders.Order) {
	_, err := s.Store.UpdateSubStatus(context.WithoutCancel(ctx), o.ID, orders.StatusPaid, orders.SubStatus{
		FulfillmentStatus: orders.FulfillmentPending,
	})
	if err != nil {
		s.logger().Error("fulfillment claim not released", "order_id", o.ID, "err", err)
	}
}

func (s *Service) reject(ctx context.Context, o *orders.Order, bad []InventoryCheckResult, traceID string) (*orders.Order, error) {
	rerr := &RejectedError{OrderID: o.ID, Lines: bad}
	updated, err := s.Store.UpdateSubStatus(context.WithoutCancel(ctx), o.ID, orders.StatusPaid, orders.SubStatus{
		FulfillmentStatus: orders.FulfillmentRejected,
		FailureReason:     rerr.Reason(),
	})
	if err != nil {
		return o, fmt.Errorf("record fulfillment rejection: %w", err)
	}

	details := make([]orders.FulfillmentRejectedDetail, 0, len(bad))
	for _, l := range bad {
		details = append(details, orders.FulfillmentRejectedDetail{
			SKU: l.SKU, Requested: l.Requested, Available: l.Available, Reason: l.Reason,
		})
	}
	s.Events.Emit(orders.TopicFulfillmentRejected, orders.EventFulfillmentRejected, o.ID, traceID,
		orders.FulfillmentRejectedPayload{OrderID: o.ID, Reason: rerr.Reason(), Details: details})
	s.logger().Warn("fulfillment rejected", "order_id", o.ID, "reason", rerr.Reason())
	return updated, rerr
}

func storefrontOrder(o *orders.Order, variants map[string]storefront.Variant) storefront.OrderRequest {
	lines := make([]storefront.LineItem, 0, len(o.Items))
	for _, it := range o.Items {
		lines = append(lines, storefront.LineItem{
			VariantID: variants[it.SKU].ID,
			SKU:       it.SKU,
			Title:     it.Title,
			Quantity:  it.Quantity,
			Price:     orders.FormatMinor(it.UnitPriceMinor, o.Currency),
		})
	}
	a := o.ShippingAddress
	return storefront.OrderRequest{
		ExternalID: o.ID,
		Email:      o.CustomerEmail,
		Currency:   o.Currency,
		LineItems:  lines,
		ShippingAddress: storefront.Address{
			Name:        a.Name,
			Address1:    a.Line1,
			Address2:    a.Line2,
			City:        a.City,
			Province:    a.Region,
			Zip:         a.PostalCode,
			CountryCode: a.Country,
			Phone:       a.Phone,
		},
	}
}
