package checkout

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-psp-orders/internal/orders"
	"github.com/ariefcatur/go-psp-orders/internal/psp"
)

// ConfirmPayment confirms the stored intent with the provider that issued it.
// When the confirm call itself fails in transport, the intent status is read
// back (with retries) so the order is not left guessing.
func (s *Service) ConfirmPayment(ctx context.Context, orderID, paymentMethod, traceID string) (*orders.Order, error) {
	o, err := s.Store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	switch o.Status {
	case orders.StatusPaymentProcessing:
	case orders.StatusPaid, orders.StatusProcessing, orders.StatusShipped, orders.StatusDelivered:
		return o, fmt.Errorf("%w: order %s is %s (%w)", orders.ErrAlreadyInState, o.ID, o.Status, orders.ErrConflict)
	default:
		return o, fmt.Errorf("%w: order %s is %s, expected %s", orders.ErrConflict, o.ID, o.Status, orders.StatusPaymentProcessing)
	}

	p, err := s.Registry.Get(o.PSPUsed)
	if err != nil {
		return o, err
	}
	sub := s.subAccount(ctx, o)

	timeout := s.ConfirmTimeout
	if timeout <= 0 {
		timeout = defaultConfirmTimeout
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	cr, err := p.Confirm(cctx, psp.ConfirmRequest{Reference: o.PaymentIntentID, PaymentMethod: paymentMethod, SubAccount: sub})
	if err != nil && psp.IsTransport(err) {
		s.logger().Warn("confirm failed in transport, reading status", "order_id", o.ID, "provider", o.PSPUsed, "err", err)
		cr, err = psp.RetryRead(cctx, statusReadTries, statusReadWait, func(ctx context.Context) (psp.ConfirmResult, error) {
			return p.Status(ctx, o.PaymentIntentID, sub)
		})
	}
	if err != nil {
		return o, fmt.Errorf("confirm payment: %w", err)
	}
	return s.applyConfirm(context.WithoutCancel(ctx), o, cr, traceID)
}

func (s *Service) applyConfirm(ctx context.Context, o *orders.Order, cr psp.ConfirmResult, traceID string) (*orders.Order, error) {
	switch cr.Status {
	case psp.ConfirmSucceeded:
		moved, err := s.Store.Transition(ctx, o.ID, orders.Transition{
			From:              orders.StatusPaymentProcessing,
			To:                orders.StatusPaid,
			PaymentStatus:     orders.PaymentSucceeded,
			FulfillmentStatus: orders.FulfillmentPending,
		})
		if errors.Is(err, orders.ErrAlreadyInState) {
			// a webhook got there first
			return s.Store.Get(ctx, o.ID)
		}
		if err != nil {
			return o, err
		}
		s.logger().Info("order paid", "order_id", o.ID, "psp_used", moved.PSPUsed)
		s.Events.StatusChanged(moved, orders.StatusPaymentProcessing, traceID)
		s.Events.Paid(moved, traceID)
		return moved, nil

	case psp.ConfirmFailed:
		reason := cr.Message
		if cr.DeclineCode != "" {
			reason = cr.DeclineCode + ": " + cr.Message
		}
		moved, err := s.Store.Transition(ctx, o.ID, orders.Transition{
			From:          orders.StatusPaymentProcessing,
			To:            orders.StatusPaymentFailed,
			PaymentStatus: orders.PaymentFailed,
			FailureReason: reason,
		})
		if err != nil {
			return o, err
		}
		s.logger().Info("payment confirmation declined", "order_id", o.ID, "reason", reason)
		s.Events.StatusChanged(moved, orders.StatusPaymentProcessing, traceID)
		return moved, nil

	default:
		return s.Store.UpdateSubStatus(ctx, o.ID, orders.StatusPaymentProcessing, orders.SubStatus{
			PaymentStatus: orders.PaymentRequiresAction,
		})
	}
}

func (s *Service) subAccount(ctx context.Context, o *orders.Order) string {
	m, err := s.Merchants.Get(ctx, o.MerchantID)
	if err != nil {
		s.logger().Warn("merchant lookup for confirm failed", "merchant_id", o.MerchantID, "err", err)
		return ""
	}
	for _, c := range m.PSPConfigs {
		if c.Provider == o.PSPUsed {
			return c.SubAccount
		}
	}
	return ""
}

// Cancel is the admin cancel of a paid or in-fulfillment order.
func (s *Service) Cancel(ctx context.Context, orderID, reason, traceID string) (*orders.Order, error) {
	o, err := s.Store.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "cancelled by operator"
	}
	moved, err := s.Store.Transition(ctx, o.ID, orders.Transition{
		From:              o.Status,
		To:                orders.StatusCancelled,
		FulfillmentStatus: orders.FulfillmentCancelled,
		FailureReason:     reason,
	})
	if err != nil {
		return o, err
	}
	s.logger().Info("order cancelled", "order_id", o.ID, "from", string(o.Status), "reason", reason)
	s.Events.StatusChanged(moved, o.Status, traceID)
	return moved, nil
}
