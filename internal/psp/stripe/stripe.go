// Package stripe is the card-network PSP adapter. It speaks the
// form-encoded payment_intents API and verifies Stripe-Signature webhooks.
package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-psp-orders/internal/psp"
)

const defaultTolerance = 5 * time.Minute

type Config struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	// Tolerance bounds the age of a signed webhook timestamp.
	Tolerance time.Duration
	Breaker   psp.BreakerSettings
}

type Adapter struct {
	cfg    Config
	caller *psp.Caller
	now    func() time.Time
}

var _ psp.Provider = (*Adapter)(nil)

func New(cfg Config, client *http.Client, logger *slog.Logger) *Adapter {
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = defaultTolerance
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Adapter{
		cfg:    cfg,
		caller: psp.NewCaller(psp.ProviderStripe, client, cfg.Breaker, logger),
		now:    time.Now,
	}
}

func (a *Adapter) Name() string { return psp.ProviderStripe }

type intent struct {
	ID               string       `json:"id"`
	Status           string       `json:"status"`
	ClientSecret     string       `json:"client_secret"`
	LastPaymentError *stripeError `json:"last_payment_error"`
	NextAction       *nextAction  `json:"next_action"`
}

type nextAction struct {
	RedirectToURL struct {
		URL string `json:"url"`
	} `json:"redirect_to_url"`
}

type stripeError struct {
	Type        string `json:"type"`
	Code        string `json:"code"`
	DeclineCode string `json:"decline_code"`
	Message     string `json:"message"`
}

func (e *stripeError) code() string {
	if e.DeclineCode != "" {
		return e.DeclineCode
	}
	if e.Code != "" {
		return e.Code
	}
	return e.Type
}

type errorBody struct {
	Error stripeError `json:"error"`
}

func (a *Adapter) CreatePaymentIntent(ctx context.Context, req psp.IntentRequest) (psp.IntentResult, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.AmountMinor, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("automatic_payment_methods[enabled]", "true")
	form.Set("metadata[order_id]", req.OrderID)
	if req.CustomerEmail != "" {
		form.Set("receipt_email", req.CustomerEmail)
	}
	for k, v := range req.Metadata {
		form.Set("metadata["+k+"]", v)
	}

	resp, err := a.post(ctx, "create_intent", "/v1/payment_intents", form, req.SubAccount, req.IdempotencyKey)
	if err != nil {
		return psp.IntentResult{}, err
	}
	if resp.StatusCode >= 400 {
		e, err := a.decodeError("create_intent", resp)
		if err != nil {
			return psp.IntentResult{}, err
		}
		return psp.IntentResult{Success: false, DeclineCode: e.code(), Message: e.Message}, nil
	}

	var pi intent
	if err := json.Unmarshal(resp.Body, &pi); err != nil || pi.ID == "" {
		return psp.IntentResult{}, a.caller.Malformed("create_intent", resp.StatusCode, orMissing(err, "id"))
	}
	res := psp.IntentResult{Success: true, Reference: pi.ID, ClientSecret: pi.ClientSecret}
	if pi.NextAction != nil {
		res.RedirectURL = pi.NextAction.RedirectToURL.URL
	}
	return res, nil
}

func (a *Adapter) Confirm(ctx context.Context, req psp.ConfirmRequest) (psp.ConfirmResult, error) {
	form := url.Values{}
	if req.PaymentMethod != "" {
		form.Set("payment_method", req.PaymentMethod)
	}
	path := "/v1/payment_intents/" + url.PathEscape(req.Reference) + "/confirm"
	resp, err := a.post(ctx, "confirm", path, form, req.SubAccount, "confirm-"+req.Reference+"-"+req.PaymentMethod)
	if err != nil {
		return psp.ConfirmResult{}, err
	}
	return a.intentResult("confirm", resp)
}

func (a *Adapter) Status(ctx context.Context, ref, subAccount string) (psp.ConfirmResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.BaseURL+"/v1/payment_intents/"+url.PathEscape(ref), nil)
	if err != nil {
		return psp.ConfirmResult{}, err
	}
	a.authorize(httpReq, subAccount)
	resp, err := a.caller.Do(httpReq, "status")
	if err != nil {
		return psp.ConfirmResult{}, err
	}
	return a.intentResult("status", resp)
}

func (a *Adapter) intentResult(op string, resp psp.Response) (psp.ConfirmResult, error) {
	if resp.StatusCode >= 400 {
		e, err := a.decodeError(op, resp)
		if err != nil {
			return psp.ConfirmResult{}, err
		}
		return psp.ConfirmResult{Status: psp.ConfirmFailed, DeclineCode: e.code(), Message: e.Message}, nil
	}
	var pi intent
	if err := json.Unmarshal(resp.Body, &pi); err != nil || pi.Status == "" {
		return psp.ConfirmResult{}, a.caller.Malformed(op, resp.StatusCode, orMissing(err, "status"))
	}
	return mapIntentStatus(pi), nil
}

func mapIntentStatus(pi intent) psp.ConfirmResult {
	switch pi.Status {
	case "succeeded":
		return psp.ConfirmResult{Status: psp.ConfirmSucceeded}
	case "canceled", "requires_payment_method":
		res := psp.ConfirmResult{Status: psp.ConfirmFailed, Message: "payment intent " + pi.Status}
		if pi.LastPaymentError != nil {
			res.DeclineCode = pi.LastPaymentError.code()
			res.Message = pi.LastPaymentError.Message
		}
		return res
	default:
		// processing, requires_action, requires_confirmation, requires_capture
		return psp.ConfirmResult{Status: psp.ConfirmPending, Message: pi.Status}
	}
}

func (a *Adapter) post(ctx context.Context, op, path string, form url.Values, subAccount, idemKey string) (psp.Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return psp.Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if idemKey != "" {
		httpReq.Header.Set("Idempotency-Key", idemKey)
	}
	a.authorize(httpReq, subAccount)
	return a.caller.Do(httpReq, op)
}

func (a *Adapter) authorize(r *http.Request, subAccount string) {
	r.Header.Set("Authorization", "Bearer "+a.cfg.SecretKey)
	if subAccount != "" {
		r.Header.Set("Stripe-Account", subAccount)
	}
}

func (a *Adapter) decodeError(op string, resp psp.Response) (*stripeError, error) {
	var body errorBody
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, a.caller.Malformed(op, resp.StatusCode, err)
	}
	if body.Error.code() == "" && body.Error.Message == "" {
		body.Error.Code = "http_" + strconv.Itoa(resp.StatusCode)
	}
	return &body.Error, nil
}

type event struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID               string       `json:"id"`
			Object           string       `json:"object"`
			PaymentIntent    string       `json:"payment_intent"`
			LastPaymentError *stripeError `json:"last_payment_error"`
		} `json:"object"`
	} `json:"data"`
}

// VerifyWebhook checks the Stripe-Signature header (t=<unix>,v1=<hex hmac of
// "t.body">) and translates the event.
func (a *Adapter) VerifyWebhook(header http.Header, body []byte) (psp.WebhookEvent, error) {
	ts, sigs := parseSignatureHeader(header.Get("Stripe-Signature"))
	if ts == "" || len(sigs) == 0 {
		return psp.WebhookEvent{}, fmt.Errorf("%w: malformed Stripe-Signature", psp.ErrInvalidSignature)
	}
	sec, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return psp.WebhookEvent{}, fmt.Errorf("%w: bad timestamp", psp.ErrInvalidSignature)
	}
	age := a.now().Sub(time.Unix(sec, 0))
	if age > a.cfg.Tolerance || age < -a.cfg.Tolerance {
		return psp.WebhookEvent{}, fmt.Errorf("%w: timestamp outside tolerance", psp.ErrInvalidSignature)
	}

	want := psp.SignHex(a.cfg.WebhookSecret, append([]byte(ts+"."), body...))
	ok := false
	for _, s := range sigs {
		if psp.EqualSignature(a.cfg.WebhookSecret, s, want) {
			ok = true
			break
		}
	}
	if !ok {
		return psp.WebhookEvent{}, psp.ErrInvalidSignature
	}

	var ev event
	if err := json.Unmarshal(body, &ev); err != nil || ev.ID == "" {
		return psp.WebhookEvent{}, fmt.Errorf("%w: undecodable event", psp.ErrInvalidSignature)
	}
	out := psp.WebhookEvent{ID: ev.ID, RawType: ev.Type, Kind: psp.EventIgnored, Reference: ev.Data.Object.ID}
	switch ev.Type {
	case "payment_intent.succeeded":
		out.Kind = psp.EventPaymentSucceeded
	case "payment_intent.payment_failed", "payment_intent.canceled":
		out.Kind = psp.EventPaymentFailed
		if e := ev.Data.Object.LastPaymentError; e != nil {
			out.Message = e.Message
		}
	case "charge.refunded":
		out.Kind = psp.EventPaymentRefunded
		out.Reference = ev.Data.Object.PaymentIntent
	}
	return out, nil
}

func (a *Adapter) Ack() (string, []byte) {
	return "application/json", []byte(`{"received": true}`)
}

func parseSignatureHeader(h string) (ts string, sigs []string) {
	for _, part := range strings.Split(h, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch k {
		case "t":
			ts = v
		case "v1":
			sigs = append(sigs, v)
		}
	}
	return ts, sigs
}

func orMissing(err error, field string) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("missing %s", field)
}
