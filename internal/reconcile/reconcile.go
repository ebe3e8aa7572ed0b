// Package reconcile applies verified provider and storefront callbacks to
// orders. Every callback is deduplicated by its event id and a callback that
// no longer fits the order's state is acknowledged without effect.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ariefcatur/go-psp-orders/internal/orders"
	"github.com/ariefcatur/go-psp-orders/internal/psp"
	"github.com/ariefcatur/go-psp-orders/internal/redisx"
	"github.com/ariefcatur/go-psp-orders/internal/storefront"
	"github.com/redis/go-redis/v9"
)

var ErrUnverified = errors.New("webhook could not be verified")

type Outcome string

const (
	OutcomeApplied      Outcome = "applied"
	OutcomeDuplicate    Outcome = "duplicate"
	OutcomeIgnored      Outcome = "ignored"
	OutcomeStale        Outcome = "stale"
	OutcomeUnknownOrder Outcome = "unknown_order"
)

type StorefrontVerifier interface {
	VerifyWebhook(header http.Header, body []byte) (storefront.WebhookEvent, error)
}

type Reconciler struct {
	Store      orders.Store
	Registry   *psp.Registry
	Storefront StorefrontVerifier
	Redis      *redis.Client
	Events     orders.Events
	Log        *slog.Logger
}

func (r *Reconciler) logger() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}

// HandlePayment verifies a callback from provider and applies it. Unverified
// callbacks change nothing and return ErrUnverified.
func (r *Reconciler) HandlePayment(ctx context.Context, provider string, header http.Header, body []byte) (Outcome, error) {
	p, err := r.Registry.Get(provider)
	if err != nil {
		return "", err
	}
	ev, err := p.VerifyWebhook(header, body)
	if err != nil {
		r.logger().Warn("webhook rejected", "provider", provider, "err", err)
		return "", fmt.Errorf("%w: %w", ErrUnverified, err)
	}

	scope := "webhook:" + provider
	if r.seen(ctx, scope, ev.ID) {
		r.logger().Info("duplicate webhook", "provider", provider, "event_id", ev.ID)
		return OutcomeDuplicate, nil
	}

	t, ok := paymentTransition(ev)
	if !ok {
		r.logger().Info("webhook ignored", "provider", provider, "event_id", ev.ID, "type", ev.RawType)
		r.markSeen(ctx, scope, ev.ID)
		return OutcomeIgnored, nil
	}

	o, err := r.Store.GetByPaymentRef(ctx, provider, ev.Reference)
	if errors.Is(err, orders.ErrNotFound) {
		r.logger().Warn("webhook for unknown payment", "provider", provider, "event_id", ev.ID, "reference", ev.Reference)
		return OutcomeUnknownOrder, nil
	}
	if err != nil {
		return "", err
	}

	out, err := r.apply(ctx, o, t, ev.ID, provider)
	if err != nil {
		return "", err
	}
	r.markSeen(ctx, scope, ev.ID)
	return out, nil
}

func paymentTransition(ev psp.WebhookEvent) (orders.Transition, bool) {
	switch ev.Kind {
	case psp.EventPaymentSucceeded:
		return orders.Transition{
			From:              orders.StatusPaymentProcessing,
			To:                orders.StatusPaid,
			PaymentStatus:     orders.PaymentSucceeded,
			FulfillmentStatus: orders.FulfillmentPending,
		}, true
	case psp.EventPaymentFailed:
		reason := ev.Message
		if reason == "" {
			reason = "payment failed"
		}
		return orders.Transition{
			From:          orders.StatusPaymentProcessing,
			To:            orders.StatusPaymentFailed,
			PaymentStatus: orders.PaymentFailed,
			FailureReason: reason,
		}, true
	case psp.EventPaymentRefunded:
		return orders.Transition{
			From:          orders.StatusPaid,
			To:            orders.StatusRefunded,
			PaymentStatus: orders.PaymentRefunded,
		}, true
	}
	return orders.Transition{}, false
}

// HandleStorefront applies shipment and delivery callbacks from the shop.
func (r *Reconciler) HandleStorefront(ctx context.Context, header http.Header, body []byte) (Outcome, error) {
	ev, err := r.Storefront.VerifyWebhook(header, body)
	if err != nil {
		r.logger().Warn("storefront webhook rejected", "err", err)
		return "", fmt.Errorf("%w: %w", ErrUnverified, err)
	}

	const scope = "webhook:storefront"
	if r.seen(ctx, scope, ev.ID) {
		return OutcomeDuplicate, nil
	}

	var t orders.Transition
	switch {
	case ev.Topic == storefront.TopicFulfillmentCreate:
		t = orders.Transition{
			From:              orders.StatusProcessing,
			To:                orders.StatusShipped,
			FulfillmentStatus: orders.FulfillmentShipped,
			TrackingNumber:    ev.Fulfillment.TrackingNumber,
		}
	case ev.Topic == storefront.TopicFulfillmentUpdate && ev.Fulfillment.ShipmentStatus == storefront.ShipmentDelivered:
		t = orders.Transition{
			From:              orders.StatusShipped,
			To:                orders.StatusDelivered,
			FulfillmentStatus: orders.FulfillmentDelivered,
		}
	default:
		r.logger().Info("storefront webhook ignored", "topic", ev.Topic, "event_id", ev.ID)
		r.markSeen(ctx, scope, ev.ID)
		return OutcomeIgnored, nil
	}

	o, err := r.Store.GetByStorefrontOrder(ctx, ev.StorefrontOrderID())
	if errors.Is(err, orders.ErrNotFound) {
		r.logger().Warn("storefront webhook for unknown order", "storefront_order_id", ev.StorefrontOrderID())
		return OutcomeUnknownOrder, nil
	}
	if err != nil {
		return "", err
	}

	out, err := r.apply(ctx, o, t, ev.ID, "storefront")
	if err != nil {
		return "", err
	}
	r.markSeen(ctx, scope, ev.ID)
	return out, nil
}

func (r *Reconciler) apply(ctx context.Context, o *orders.Order, t orders.Transition, eventID, source string) (Outcome, error) {
	moved, err := r.Store.Transition(ctx, o.ID, t)
	if errors.Is(err, orders.ErrConflict) {
		// already applied, or the order moved somewhere this event no longer fits
		r.logger().Info("webhook does not fit order state", "source", source, "event_id", eventID,
			"order_id", o.ID, "to", string(t.To), "err", err)
		return OutcomeStale, nil
	}
	if errors.Is(err, orders.ErrIllegalTransition) {
		return OutcomeStale, nil
	}
	if err != nil {
		return "", err
	}

	r.logger().Info("order status changed", "source", source, "event_id", eventID, "order_id", o.ID,
		"from", string(t.From), "to", string(t.To))
	r.Events.StatusChanged(moved, t.From, eventID)
	if t.To == orders.StatusPaid {
		r.Events.Paid(moved, eventID)
	}
	return OutcomeApplied, nil
}

// Dedup is a fast path only. When redis is unavailable the event is processed
// and the store precondition turns a replay into a no-op.
func (r *Reconciler) seen(ctx context.Context, scope, id string) bool {
	seen, err := redisx.Seen(ctx, r.Redis, scope, id)
	if err != nil {
		r.logger().Warn("dedup check failed", "scope", scope, "event_id", id, "err", err)
		return false
	}
	return seen
}

func (r *Reconciler) markSeen(ctx context.Context, scope, id string) {
	if err := redisx.MarkSeen(ctx, r.Redis, scope, id); err != nil {
		r.logger().Warn("dedup mark failed", "scope", scope, "event_id", id, "err", err)
	}
}
