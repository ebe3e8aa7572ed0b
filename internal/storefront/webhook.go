package storefront

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/ariefcatur/go-psp-orders/internal/psp"
)

var ErrInvalidSignature = errors.New("storefront webhook signature verification failed")

const (
	TopicFulfillmentCreate = "fulfillments/create"
	TopicFulfillmentUpdate = "fulfillments/update"

	ShipmentDelivered = "delivered"
)

type Fulfillment struct {
	ID             int64  `json:"id"`
	OrderID        int64  `json:"order_id"`
	Status         string `json:"status"`
	ShipmentStatus string `json:"shipment_status"`
	TrackingNumber string `json:"tracking_number"`
}

type WebhookEvent struct {
	ID          string
	Topic       string
	Fulfillment Fulfillment
}

// StorefrontOrderID is the shop order the fulfillment belongs to, in the form
// CreateOrder returned it.
func (e WebhookEvent) StorefrontOrderID() string {
	return strconv.FormatInt(e.Fulfillment.OrderID, 10)
}

// VerifyWebhook checks X-Shopify-Hmac-Sha256, the base64 HMAC-SHA256 of the
// raw body under the app's webhook secret.
func (c *Client) VerifyWebhook(header http.Header, body []byte) (WebhookEvent, error) {
	got := header.Get("X-Shopify-Hmac-Sha256")
	want := psp.SignBase64(c.cfg.WebhookSecret, body)
	if !psp.EqualSignature(c.cfg.WebhookSecret, got, want) {
		return WebhookEvent{}, ErrInvalidSignature
	}

	ev := WebhookEvent{ID: header.Get("X-Shopify-Webhook-Id"), Topic: header.Get("X-Shopify-Topic")}
	if err := json.Unmarshal(body, &ev.Fulfillment); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: undecodable body", ErrInvalidSignature)
	}
	if ev.ID == "" {
		ev.ID = ev.Topic + ":" + strconv.FormatInt(ev.Fulfillment.ID, 10) + ":" + ev.Fulfillment.ShipmentStatus
	}
	return ev, nil
}
