package orders

import (
	"encoding/json"
	"strconv"
	"time"

	kafkax "github.com/ariefcatur/go-psp-orders/internal/kafka"
	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
)

const (
	EventOrderCreated        = "OrderCreated"
	EventPaymentAttempted    = "PaymentAttempted"
	EventOrderPaid           = "OrderPaid"
	EventFulfillmentRejected = "FulfillmentRejected"
	EventStatusChanged       = "OrderStatusChanged"
)

const eventVersion = 1

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"` // order_id
	Payload       json.RawMessage `json:"payload"`
}

type OrderCreatedPayload struct {
	OrderID    string `json:"order_id"`
	MerchantID string `json:"merchant_id"`
	AgentID    string `json:"agent_id,omitempty"`
	Currency   string `json:"currency"`
	TotalMinor int64  `json:"total_minor"`
	ItemCount  int    `json:"item_count"`
}

type PaymentAttemptedPayload struct {
	Attempt PaymentAttempt `json:"attempt"`
}

type OrderPaidPayload struct {
	OrderID     string `json:"order_id"`
	MerchantID  string `json:"merchant_id"`
	PSPUsed     string `json:"psp_used"`
	PaymentRef  string `json:"payment_ref"`
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
}

type FulfillmentRejectedDetail struct {
	SKU       string `json:"sku"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
	Reason    string `json:"reason"`
}

type FulfillmentRejectedPayload struct {
	OrderID string                      `json:"order_id"`
	Reason  string                      `json:"reason"`
	Details []FulfillmentRejectedDetail `json:"details,omitempty"`
}

type StatusChangedPayload struct {
	OrderID string `json:"order_id"`
	From    Status `json:"from"`
	To      Status `json:"to"`
}

// Publisher is satisfied by the buffered Kafka producer.
type Publisher interface {
	Publish(topic string, key, value []byte, headers ...kafkago.Header)
}

// Events wraps a Publisher with the v1 envelope. A nil Publisher drops events.
type Events struct {
	Publisher Publisher
	Producer  string
}

// Emit publishes payload under the v1 envelope. Payloads are plain structs, so
// a marshal failure is a programming error and panics.
func (e Events) Emit(topic, eventType, orderID, traceID string, payload any) {
	if e.Publisher == nil {
		return
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  eventVersion,
		OccurredAt:    time.Now().UTC(),
		Producer:      e.Producer,
		TraceID:       traceID,
		CorrelationID: orderID,
		Payload:       kafkax.MustMarshal(payload),
	}
	e.Publisher.Publish(topic, PartitionKey(orderID), kafkax.MustMarshal(env),
		kafkago.Header{Key: "x-event-type", Value: []byte(eventType)},
		kafkago.Header{Key: "x-event-version", Value: []byte(strconv.Itoa(eventVersion))},
	)
}

func (e Events) StatusChanged(o *Order, from Status, traceID string) {
	e.Emit(TopicStatusChanged, EventStatusChanged, o.ID, traceID,
		StatusChangedPayload{OrderID: o.ID, From: from, To: o.Status})
}

func (e Events) Paid(o *Order, traceID string) {
	e.Emit(TopicOrderPaid, EventOrderPaid, o.ID, traceID, OrderPaidPayload{
		OrderID:     o.ID,
		MerchantID:  o.MerchantID,
		PSPUsed:     o.PSPUsed,
		PaymentRef:  o.PaymentIntentID,
		AmountMinor: o.TotalMinor,
		Currency:    o.Currency,
	})
}

// Attempted is installed as the orchestrator's attempt hook.
func (e Events) Attempted(a PaymentAttempt) {
	e.Emit(TopicPaymentAttempted, EventPaymentAttempted, a.OrderID, "", PaymentAttemptedPayload{Attempt: a})
}
