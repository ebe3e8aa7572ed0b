package fulfillment

import (
	"context"
	"encoding/json"
	"errors"

	kafkax "github.com/ariefcatur/go-psp-orders/internal/kafka"
	"github.com/ariefcatur/go-psp-orders/internal/orders"
	"github.com/ariefcatur/go-psp-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
)

const dedupScope = "fulfillment"

// Consumer drives Fulfill from order.paid events.
type Consumer struct {
	Service *Service
	Redis   *redis.Client
}

// HandleOrderPaid is installed as the kafka consumer handler. Only transient
// failures are returned, so the message is redelivered. A fulfillment another
// trigger is still submitting counts as transient. Rejections and orders that
// already moved on are final.
func (c *Consumer) HandleOrderPaid(ctx context.Context, m kafkago.Message) error {
	var env orders.Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		c.Service.logger().Error("undecodable envelope dropped", "offset", m.Offset, "err", err)
		return nil
	}
	if env.EventType != orders.EventOrderPaid {
		return nil
	}

	seen, err := redisx.Seen(ctx, c.Redis, dedupScope, env.EventID)
	if err != nil {
		return err
	}
	if seen {
		return nil
	}

	p, err := kafkax.UnwrapPayload[orders.OrderPaidPayload](env.Payload)
	if err != nil {
		c.Service.logger().Error("undecodable order.paid payload dropped", "event_id", env.EventID, "err", err)
		return nil
	}

	_, err = c.Service.Fulfill(ctx, p.OrderID, env.TraceID)
	var rejected *RejectedError
	switch {
	case err == nil, errors.As(err, &rejected), errors.Is(err, ErrNotPaid), errors.Is(err, orders.ErrNotFound):
		if err != nil {
			c.Service.logger().Info("order.paid settled without submission", "order_id", p.OrderID, "err", err)
		}
		return redisx.MarkSeen(ctx, c.Redis, dedupScope, env.EventID)
	default:
		return err
	}
}
