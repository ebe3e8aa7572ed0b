// Package paypal is the wallet PSP adapter. Orders are created with the
// CAPTURE intent, the buyer approves through the returned link and Confirm
// captures the approved order.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/ariefcatur/go-psp-orders/internal/orders"
	"github.com/ariefcatur/go-psp-orders/internal/psp"
)

type Config struct {
	BaseURL       string
	AccessToken   string
	WebhookSecret string
	ReturnURL     string
	CancelURL     string
	Breaker       psp.BreakerSettings
}

type Adapter struct {
	cfg    Config
	caller *psp.Caller
}

var _ psp.Provider = (*Adapter)(nil)

func New(cfg Config, client *http.Client, logger *slog.Logger) *Adapter {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Adapter{cfg: cfg, caller: psp.NewCaller(psp.ProviderPayPal, client, cfg.Breaker, logger)}
}

func (a *Adapter) Name() string { return psp.ProviderPayPal }

type amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type payee struct {
	MerchantID string `json:"merchant_id"`
}

type purchaseUnit struct {
	ReferenceID string `json:"reference_id"`
	CustomID    string `json:"custom_id,omitempty"`
	Amount      amount `json:"amount"`
	Payee       *payee `json:"payee,omitempty"`
}

type createOrderRequest struct {
	Intent             string             `json:"intent"`
	PurchaseUnits      []purchaseUnit     `json:"purchase_units"`
	ApplicationContext applicationContext `json:"application_context"`
}

type applicationContext struct {
	ReturnURL string `json:"return_url,omitempty"`
	CancelURL string `json:"cancel_url,omitempty"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type order struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []link `json:"links"`
}

type apiError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (e apiError) code() string {
	if len(e.Details) > 0 && e.Details[0].Issue != "" {
		return e.Details[0].Issue
	}
	return e.Name
}

func (a *Adapter) CreatePaymentIntent(ctx context.Context, req psp.IntentRequest) (psp.IntentResult, error) {
	unit := purchaseUnit{
		ReferenceID: req.OrderID,
		CustomID:    req.OrderID,
		Amount: amount{
			CurrencyCode: strings.ToUpper(req.Currency),
			Value:        orders.FormatMinor(req.AmountMinor, strings.ToUpper(req.Currency)),
		},
	}
	if req.SubAccount != "" {
		unit.Payee = &payee{MerchantID: req.SubAccount}
	}
	body, err := json.Marshal(createOrderRequest{
		Intent:             "CAPTURE",
		PurchaseUnits:      []purchaseUnit{unit},
		ApplicationContext: applicationContext{ReturnURL: a.cfg.ReturnURL, CancelURL: a.cfg.CancelURL},
	})
	if err != nil {
		return psp.IntentResult{}, err
	}

	resp, err := a.send(ctx, "create_order", http.MethodPost, "/v2/checkout/orders", body, req.IdempotencyKey)
	if err != nil {
		return psp.IntentResult{}, err
	}
	if resp.StatusCode >= 400 {
		e, err := a.decodeError("create_order", resp)
		if err != nil {
			return psp.IntentResult{}, err
		}
		return psp.IntentResult{Success: false, DeclineCode: e.code(), Message: e.Message}, nil
	}

	var o order
	if err := json.Unmarshal(resp.Body, &o); err != nil {
		return psp.IntentResult{}, a.caller.Malformed("create_order", resp.StatusCode, err)
	}
	if o.ID == "" {
		return psp.IntentResult{}, a.caller.Malformed("create_order", resp.StatusCode, fmt.Errorf("missing id"))
	}
	return psp.IntentResult{Success: true, Reference: o.ID, RedirectURL: approveLink(o.Links)}, nil
}

// Confirm captures an order the buyer approved. PaymentMethod is unused: the
// funding source was chosen on the approval page.
func (a *Adapter) Confirm(ctx context.Context, req psp.ConfirmRequest) (psp.ConfirmResult, error) {
	path := "/v2/checkout/orders/" + url.PathEscape(req.Reference) + "/capture"
	resp, err := a.send(ctx, "capture", http.MethodPost, path, []byte("{}"), "capture-"+req.Reference)
	if err != nil {
		return psp.ConfirmResult{}, err
	}
	return a.orderResult("capture", resp)
}

func (a *Adapter) Status(ctx context.Context, ref, _ string) (psp.ConfirmResult, error) {
	resp, err := a.send(ctx, "status", http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(ref), nil, "")
	if err != nil {
		return psp.ConfirmResult{}, err
	}
	return a.orderResult("status", resp)
}

func (a *Adapter) orderResult(op string, resp psp.Response) (psp.ConfirmResult, error) {
	if resp.StatusCode >= 400 {
		e, err := a.decodeError(op, resp)
		if err != nil {
			return psp.ConfirmResult{}, err
		}
		return psp.ConfirmResult{Status: psp.ConfirmFailed, DeclineCode: e.code(), Message: e.Message}, nil
	}
	var o order
	if err := json.Unmarshal(resp.Body, &o); err != nil || o.Status == "" {
		if err == nil {
			err = fmt.Errorf("missing status")
		}
		return psp.ConfirmResult{}, a.caller.Malformed(op, resp.StatusCode, err)
	}
	switch o.Status {
	case "COMPLETED":
		return psp.ConfirmResult{Status: psp.ConfirmSucceeded}, nil
	case "VOIDED":
		return psp.ConfirmResult{Status: psp.ConfirmFailed, DeclineCode: "voided", Message: "order voided"}, nil
	default:
		// CREATED, SAVED, APPROVED, PAYER_ACTION_REQUIRED
		return psp.ConfirmResult{Status: psp.ConfirmPending, Message: o.Status}, nil
	}
}

func (a *Adapter) send(ctx context.Context, op, method, path string, body []byte, requestID string) (psp.Response, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, a.cfg.BaseURL+path, rdr)
	if err != nil {
		return psp.Response{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Prefer", "return=representation")
	if requestID != "" {
		httpReq.Header.Set("PayPal-Request-Id", requestID)
	}
	return a.caller.Do(httpReq, op)
}

func (a *Adapter) decodeError(op string, resp psp.Response) (apiError, error) {
	var e apiError
	if err := json.Unmarshal(resp.Body, &e); err != nil {
		return e, a.caller.Malformed(op, resp.StatusCode, err)
	}
	if e.code() == "" {
		e.Name = fmt.Sprintf("HTTP_%d", resp.StatusCode)
	}
	return e, nil
}

func approveLink(links []link) string {
	for _, l := range links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			return l.Href
		}
	}
	return ""
}

type event struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	Resource  struct {
		ID                string `json:"id"`
		Status            string `json:"status"`
		SupplementaryData struct {
			RelatedIDs struct {
				OrderID string `json:"order_id"`
			} `json:"related_ids"`
		} `json:"supplementary_data"`
	} `json:"resource"`
}

// VerifyWebhook checks Paypal-Transmission-Sig, a hex HMAC-SHA256 of the raw
// body under the shared webhook secret.
func (a *Adapter) VerifyWebhook(header http.Header, body []byte) (psp.WebhookEvent, error) {
	want := psp.SignHex(a.cfg.WebhookSecret, body)
	if !psp.EqualSignature(a.cfg.WebhookSecret, strings.ToLower(header.Get("Paypal-Transmission-Sig")), want) {
		return psp.WebhookEvent{}, psp.ErrInvalidSignature
	}

	var ev event
	if err := json.Unmarshal(body, &ev); err != nil {
		return psp.WebhookEvent{}, fmt.Errorf("%w: undecodable event", psp.ErrInvalidSignature)
	}
	id := ev.ID
	if id == "" {
		id = header.Get("Paypal-Transmission-Id")
	}
	if id == "" {
		return psp.WebhookEvent{}, fmt.Errorf("%w: missing event id", psp.ErrInvalidSignature)
	}

	// Capture events carry the capture as resource; the checkout order id we
	// stored as reference sits in supplementary_data.
	ref := ev.Resource.SupplementaryData.RelatedIDs.OrderID
	if ref == "" {
		ref = ev.Resource.ID
	}
	out := psp.WebhookEvent{ID: id, RawType: ev.EventType, Kind: psp.EventIgnored, Reference: ref}
	switch ev.EventType {
	case "PAYMENT.CAPTURE.COMPLETED", "CHECKOUT.ORDER.COMPLETED":
		out.Kind = psp.EventPaymentSucceeded
	case "PAYMENT.CAPTURE.DENIED", "PAYMENT.CAPTURE.DECLINED", "CHECKOUT.ORDER.VOIDED":
		out.Kind = psp.EventPaymentFailed
		out.Message = strings.ToLower(ev.Resource.Status)
	case "PAYMENT.CAPTURE.REFUNDED":
		out.Kind = psp.EventPaymentRefunded
	}
	return out, nil
}

func (a *Adapter) Ack() (string, []byte) {
	return "text/plain; charset=utf-8", []byte("accepted")
}
