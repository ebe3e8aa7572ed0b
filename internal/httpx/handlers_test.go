package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-psp-orders/internal/checkout"
	"github.com/ariefcatur/go-psp-orders/internal/fulfillment"
	"github.com/ariefcatur/go-psp-orders/internal/merchants"
	"github.com/ariefcatur/go-psp-orders/internal/orchestrator"
	"github.com/ariefcatur/go-psp-orders/internal/orders"
	"github.com/ariefcatur/go-psp-orders/internal/psp"
	"github.com/ariefcatur/go-psp-orders/internal/reconcile"
	"github.com/ariefcatur/go-psp-orders/internal/storefront"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name    string
	create  psp.IntentResult
	err     error
	confirm psp.ConfirmResult
	event   psp.WebhookEvent
	ackType string
	ack     []byte
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) CreatePaymentIntent(context.Context, psp.IntentRequest) (psp.IntentResult, error) {
	return p.create, p.err
}

func (p *stubProvider) Confirm(context.Context, psp.ConfirmRequest) (psp.ConfirmResult, error) {
	return p.confirm, nil
}

func (p *stubProvider) Status(context.Context, string, string) (psp.ConfirmResult, error) {
	return p.confirm, nil
}

func (p *stubProvider) VerifyWebhook(h http.Header, _ []byte) (psp.WebhookEvent, error) {
	if h.Get("X-Test-Signature") != "ok" {
		return psp.WebhookEvent{}, errors.New("bad signature")
	}
	return p.event, nil
}

func (p *stubProvider) Ack() (string, []byte) { return p.ackType, p.ack }

type stubShop struct {
	variants map[string]storefront.Variant
}

func (s *stubShop) VariantsBySKU(context.Context, storefront.Shop, []string) (map[string]storefront.Variant, error) {
	return s.variants, nil
}

func (s *stubShop) CreateOrder(context.Context, storefront.Shop, storefront.OrderRequest) (string, error) {
	return "sf-1", nil
}

type stubVerifier struct{}

func (stubVerifier) VerifyWebhook(h http.Header, _ []byte) (storefront.WebhookEvent, error) {
	if h.Get("X-Test-Signature") != "ok" {
		return storefront.WebhookEvent{}, storefront.ErrInvalidSignature
	}
	return storefront.WebhookEvent{ID: "sf-evt", Topic: "orders/updated"}, nil
}

type server struct {
	http   *httptest.Server
	store  *orders.MemStore
	stripe *stubProvider
	paypal *stubProvider
	shop   *stubShop
}

func newServer(t *testing.T) *server {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	s := &server{
		store: orders.NewMemStore(),
		stripe: &stubProvider{
			name:    psp.ProviderStripe,
			create:  psp.IntentResult{Success: true, Reference: "pi_1", ClientSecret: "pi_1_secret"},
			ackType: "application/json",
			ack:     []byte(`{"received": true}`),
		},
		paypal: &stubProvider{
			name:    psp.ProviderPayPal,
			create:  psp.IntentResult{DeclineCode: "INSTRUMENT_DECLINED"},
			ackType: "text/plain; charset=utf-8",
			ack:     []byte("accepted"),
		},
		shop: &stubShop{},
	}
	reg := psp.NewRegistry(s.stripe, s.paypal)
	dir := merchants.StaticDirectory{
		"m-1": {
			ID: "m-1", Name: "Acme", TaxRateBps: 800, ShippingFeeMinor: 500,
			PSPConfigs: []psp.Config{
				{MerchantID: "m-1", Provider: psp.ProviderStripe, Priority: 1, Active: true},
				{MerchantID: "m-1", Provider: psp.ProviderPayPal, Priority: 2, Active: true},
			},
		},
	}
	co := &checkout.Service{
		Store:        s.store,
		Merchants:    dir,
		Orchestrator: orchestrator.New(reg, s.store),
		Registry:     reg,
		Redis:        rdb,
	}
	ff := &fulfillment.Service{Store: s.store, Merchants: dir, Storefront: s.shop}
	rec := &reconcile.Reconciler{Store: s.store, Registry: reg, Storefront: stubVerifier{}, Redis: rdb}

	router := NewRouter(5*time.Second,
		&OrdersHandler{Checkout: co, Fulfillment: ff},
		&WebhooksHandler{Reconciler: rec, Registry: reg},
	)
	s.http = httptest.NewServer(router)
	t.Cleanup(s.http.Close)
	return s
}

func (s *server) do(t *testing.T, method, path, body string, header map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, s.http.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := s.http.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

const createBody = `{
	"merchant_id": "m-1",
	"customer_email": "buyer@example.com",
	"currency": "USD",
	"items": [
		{"sku": "SKU-A", "title": "Mug", "quantity": 2, "unit_price": "10.00"},
		{"sku": "SKU-B", "title": "Coaster", "quantity": 1, "unit_price": "5.00"}
	],
	"shipping_address": {"name": "Ada", "line1": "1 Main St", "city": "Springfield", "postal_code": "12345", "country": "US"}
}`

func TestCreateOrder_CreatedThenReplayed(t *testing.T) {
	s := newServer(t)
	hdr := map[string]string{"Idempotency-Key": "key-1"}

	resp, body := s.do(t, http.MethodPost, "/orders/create", createBody, hdr)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, float64(3200), body["total_minor"])
	assert.Equal(t, "payment_processing", body["status"])
	assert.Equal(t, "pi_1_secret", body["client_secret"])
	assert.Equal(t, false, body["idempotent"])
	id := body["id"]

	resp, body = s.do(t, http.MethodPost, "/orders/create", createBody, hdr)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, true, body["idempotent"])
}

func TestCreateOrder_AllProvidersDecline(t *testing.T) {
	s := newServer(t)
	s.stripe.create = psp.IntentResult{DeclineCode: "card_declined"}

	resp, body := s.do(t, http.MethodPost, "/orders/create", createBody, nil)
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, "payment_failed", body["status"])
	assert.Contains(t, body["error"], "INSTRUMENT_DECLINED")
}

func TestCreateOrder_BadRequests(t *testing.T) {
	s := newServer(t)

	resp, _ := s.do(t, http.MethodPost, "/orders/create", `{"merchant_id":`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := s.do(t, http.MethodPost, "/orders/create", strings.Replace(createBody, `"USD"`, `"usd!"`, 1), nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "currency", body["field"])

	resp, _ = s.do(t, http.MethodPost, "/orders/create", strings.Replace(createBody, `"m-1"`, `"m-404"`, 1), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetOrderAndAttempts(t *testing.T) {
	s := newServer(t)
	_, created := s.do(t, http.MethodPost, "/orders/create", createBody, nil)
	id := created["id"].(string)

	resp, body := s.do(t, http.MethodGet, "/orders/"+id, "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, psp.ProviderStripe, body["psp_used"])

	resp, body = s.do(t, http.MethodGet, "/orders/"+id+"/attempts", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["attempts"], 1)

	resp, _ = s.do(t, http.MethodGet, "/orders/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConfirmPayment(t *testing.T) {
	s := newServer(t)
	s.stripe.confirm = psp.ConfirmResult{Status: psp.ConfirmSucceeded}
	_, created := s.do(t, http.MethodPost, "/orders/create", createBody, nil)
	id := created["id"].(string)

	payload := `{"order_id":"` + id + `","payment_method":"pm_card_visa"}`
	resp, body := s.do(t, http.MethodPost, "/orders/payment/confirm", payload, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paid", body["status"])

	// confirming again reports the current state instead of failing
	resp, body = s.do(t, http.MethodPost, "/orders/payment/confirm", payload, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "paid", body["status"])

	resp, _ = s.do(t, http.MethodPost, "/orders/payment/confirm", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCancelAndFulfillConflicts(t *testing.T) {
	s := newServer(t)
	_, created := s.do(t, http.MethodPost, "/orders/create", createBody, nil)
	id := created["id"].(string)

	resp, _ := s.do(t, http.MethodPost, "/orders/"+id+"/fulfill", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/orders/"+id+"/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	s.stripe.confirm = psp.ConfirmResult{Status: psp.ConfirmSucceeded}
	s.do(t, http.MethodPost, "/orders/payment/confirm", `{"order_id":"`+id+`"}`, nil)

	resp, body := s.do(t, http.MethodPost, "/orders/"+id+"/cancel", `{"reason":"customer asked"}`, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "cancelled", body["status"])

	resp, _ = s.do(t, http.MethodPost, "/orders/"+id+"/cancel", "", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestFulfill_InventoryRejected(t *testing.T) {
	s := newServer(t)
	s.stripe.confirm = psp.ConfirmResult{Status: psp.ConfirmSucceeded}
	s.shop.variants = map[string]storefront.Variant{
		"SKU-A": {SKU: "SKU-A", InventoryQuantity: 0, InventoryManagement: "shopify", InventoryPolicy: "deny"},
		"SKU-B": {SKU: "SKU-B", InventoryQuantity: 5, InventoryManagement: "shopify", InventoryPolicy: "deny"},
	}
	_, created := s.do(t, http.MethodPost, "/orders/create", createBody, nil)
	id := created["id"].(string)
	s.do(t, http.MethodPost, "/orders/payment/confirm", `{"order_id":"`+id+`"}`, nil)

	resp, body := s.do(t, http.MethodPost, "/orders/"+id+"/fulfill", "", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, body["error"], "SKU-A: requested 2, available 0")
	assert.Len(t, body["lines"], 1)

	o, err := s.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, o.Status)
	assert.Equal(t, orders.FulfillmentRejected, o.FulfillmentStatus)
}

func TestProviderStats(t *testing.T) {
	s := newServer(t)
	s.do(t, http.MethodPost, "/orders/create", createBody, nil)

	resp, body := s.do(t, http.MethodGet, "/psp/stats?window=1h", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1h0m0s", body["window"])
	assert.Len(t, body["providers"], 1)

	resp, _ = s.do(t, http.MethodGet, "/psp/stats?window=forever", "", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPaymentWebhook(t *testing.T) {
	s := newServer(t)
	_, created := s.do(t, http.MethodPost, "/orders/create", createBody, nil)
	id := created["id"].(string)
	s.stripe.event = psp.WebhookEvent{ID: "evt_1", Kind: psp.EventPaymentSucceeded, RawType: "payment_intent.succeeded", Reference: "pi_1"}

	resp, _ := s.do(t, http.MethodPost, "/webhooks/stripe", `{}`, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := s.do(t, http.MethodPost, "/webhooks/stripe", `{}`, map[string]string{"X-Test-Signature": "ok"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["received"])

	o, err := s.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, o.Status)
}

func TestPaymentWebhook_ProviderSpecificAnswers(t *testing.T) {
	s := newServer(t)
	s.paypal.event = psp.WebhookEvent{ID: "WH-1", Kind: psp.EventIgnored, RawType: "CHECKOUT.ORDER.APPROVED"}

	resp, _ := s.do(t, http.MethodPost, "/webhooks/paypal", `{}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodPost, s.http.URL+"/webhooks/paypal", strings.NewReader(`{}`))
	require.NoError(t, err)
	req.Header.Set("X-Test-Signature", "ok")
	res, err := s.http.Client().Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", res.Header.Get("Content-Type"))

	resp, _ = s.do(t, http.MethodPost, "/webhooks/adyen", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStorefrontWebhook(t *testing.T) {
	s := newServer(t)

	resp, _ := s.do(t, http.MethodPost, "/webhooks/storefront", `{}`, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = s.do(t, http.MethodPost, "/webhooks/storefront", `{}`, map[string]string{"X-Test-Signature": "ok"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	s := newServer(t)
	resp, _ := s.do(t, http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
