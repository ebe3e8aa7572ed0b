package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ariefcatur/go-psp-orders/internal/merchants"
	"github.com/ariefcatur/go-psp-orders/internal/orders"
	"github.com/ariefcatur/go-psp-orders/internal/storefront"
	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeShop struct {
	variants  map[string]storefront.Variant
	lookupErr error
	createErr error
	delay     time.Duration

	mu      sync.Mutex
	created []storefront.OrderRequest
}

func (f *fakeShop) VariantsBySKU(_ context.Context, _ storefront.Shop, skus []string) (map[string]storefront.Variant, error) {
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	out := map[string]storefront.Variant{}
	for _, s := range skus {
		if v, ok := f.variants[s]; ok {
			out[s] = v
		}
	}
	return out, nil
}

func (f *fakeShop) CreateOrder(_ context.Context, _ storefront.Shop, req storefront.OrderRequest) (string, error) {
	if f.createErr != nil {
		return "", f.createErr
	}
	time.Sleep(f.delay)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, req)
	return "450789469", nil
}

type capturePublisher struct {
	mu     sync.Mutex
	topics []string
}

func (p *capturePublisher) Publish(topic string, _, _ []byte, _ ...kafkago.Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
}

// --- helpers ---

func tracked(id int64, sku string, qty int, policy string) storefront.Variant {
	return storefront.Variant{ID: id, SKU: sku, InventoryQuantity: qty, InventoryManagement: "shopify", InventoryPolicy: policy}
}

func paidOrder(t *testing.T, store orders.Store, qtyA int) *orders.Order {
	t.Helper()
	ctx := context.Background()
	o, err := orders.Build(orders.NewOrderInput{
		MerchantID:    "m-1",
		CustomerEmail: "ada@example.com",
		Currency:      "USD",
		Items: []orders.ItemInput{
			{SKU: "SKU-A", Title: "Widget", Quantity: qtyA, UnitPrice: decimal.RequireFromString("10.00")},
			{SKU: "SKU-B", Title: "Gadget", Quantity: 1, UnitPrice: decimal.RequireFromString("5.00")},
		},
		ShippingAddress: orders.Address{Name: "Ada", Line1: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US"},
	}, orders.Pricing{TaxRateBps: 800, ShippingFeeMinor: 500}, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, o))
	_, err = store.Transition(ctx, o.ID, orders.Transition{
		From: orders.StatusPending, To: orders.StatusPaymentProcessing, PaymentIntentID: "pi_1", PSPUsed: "stripe",
	})
	require.NoError(t, err)
	paid, err := store.Transition(ctx, o.ID, orders.Transition{
		From: orders.StatusPaymentProcessing, To: orders.StatusPaid,
		PaymentStatus: orders.PaymentSucceeded, FulfillmentStatus: orders.FulfillmentPending,
	})
	require.NoError(t, err)
	return paid
}

func newService(store orders.Store, shop Storefront, pub orders.Publisher) *Service {
	return &Service{
		Store:      store,
		Merchants:  merchants.StaticDirectory{"m-1": {ID: "m-1", Name: "Acme"}},
		Storefront: shop,
		Events:     orders.Events{Publisher: pub, Producer: "test"},
	}
}

// --- CheckInventory ---

func TestCheckInventory_ZeroAvailableDenyRejects(t *testing.T) {
	items := []orders.OrderItem{{SKU: "SKU-A", Quantity: 1}}
	res := CheckInventory(items, map[string]storefront.Variant{"SKU-A": tracked(1, "SKU-A", 0, "deny")})

	require.Len(t, res, 1)
	assert.False(t, res[0].Allowed)
	assert.Equal(t, ReasonInsufficient, res[0].Reason)
	assert.Equal(t, 0, res[0].Available)
}

func TestCheckInventory_ExactStockAllowed(t *testing.T) {
	items := []orders.OrderItem{{SKU: "SKU-A", Quantity: 3}}
	res := CheckInventory(items, map[string]storefront.Variant{"SKU-A": tracked(1, "SKU-A", 3, "deny")})

	require.Len(t, res, 1)
	assert.True(t, res[0].Allowed)
}

func TestCheckInventory_PolicyAndTracking(t *testing.T) {
	items := []orders.OrderItem{
		{SKU: "CONT", Quantity: 5},
		{SKU: "UNTRACKED", Quantity: 5},
		{SKU: "MISSING", Quantity: 1},
	}
	res := CheckInventory(items, map[string]storefront.Variant{
		"CONT":      tracked(1, "CONT", 0, "continue"),
		"UNTRACKED": {ID: 2, SKU: "UNTRACKED", InventoryQuantity: 0, InventoryPolicy: "deny"},
	})

	require.Len(t, res, 3)
	assert.True(t, res[0].Allowed)
	assert.Equal(t, PolicyContinue, res[0].Policy)
	assert.True(t, res[1].Allowed)
	assert.False(t, res[1].Tracked)
	assert.False(t, res[2].Allowed)
	assert.Equal(t, ReasonUnknownSKU, res[2].Reason)
}

func TestCheckInventory_OnlyDenyRefusesBackorder(t *testing.T) {
	items := []orders.OrderItem{
		{SKU: "EMPTY", Quantity: 2},
		{SKU: "CUSTOM", Quantity: 2},
		{SKU: "DENY", Quantity: 2},
	}
	res := CheckInventory(items, map[string]storefront.Variant{
		"EMPTY":  tracked(1, "EMPTY", 0, ""),
		"CUSTOM": tracked(2, "CUSTOM", 0, "backorder"),
		"DENY":   tracked(3, "DENY", 0, "deny"),
	})

	require.Len(t, res, 3)
	assert.True(t, res[0].Allowed)
	assert.Equal(t, Policy(""), res[0].Policy)
	assert.True(t, res[1].Allowed)
	assert.Equal(t, Policy("backorder"), res[1].Policy)
	assert.False(t, res[2].Allowed)
	assert.Equal(t, PolicyDeny, res[2].Policy)
}

// --- Fulfill ---

func TestFulfill_SubmitsAndMovesToProcessing(t *testing.T) {
	store := orders.NewMemStore()
	o := paidOrder(t, store, 3)
	shop := &fakeShop{variants: map[string]storefront.Variant{
		"SKU-A": tracked(11, "SKU-A", 3, "deny"),
		"SKU-B": tracked(12, "SKU-B", 10, "deny"),
	}}
	pub := &capturePublisher{}

	got, err := newService(store, shop, pub).Fulfill(context.Background(), o.ID, "trace-1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusProcessing, got.Status)
	assert.Equal(t, orders.FulfillmentSubmitted, got.FulfillmentStatus)
	assert.Equal(t, "450789469", got.StorefrontOrderID)

	require.Len(t, shop.created, 1)
	req := shop.created[0]
	assert.Equal(t, o.ID, req.ExternalID)
	assert.Equal(t, 3, req.LineItems[0].Quantity)
	assert.Equal(t, "10.00", req.LineItems[0].Price)
	assert.Equal(t, int64(11), req.LineItems[0].VariantID)
	assert.Equal(t, []string{orders.TopicStatusChanged}, pub.topics)
}

func TestFulfill_InventoryRejectKeepsOrderPaid(t *testing.T) {
	store := orders.NewMemStore()
	o := paidOrder(t, store, 1)
	shop := &fakeShop{variants: map[string]storefront.Variant{
		"SKU-A": tracked(11, "SKU-A", 0, "deny"),
		"SKU-B": tracked(12, "SKU-B", 10, "deny"),
	}}
	pub := &capturePublisher{}

	_, err := newService(store, shop, pub).Fulfill(context.Background(), o.ID, "")
	var rej *RejectedError
	require.True(t, errors.As(err, &rej))
	require.Len(t, rej.Lines, 1)
	assert.Equal(t, "SKU-A", rej.Lines[0].SKU)

	stored, err := store.Get(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusPaid, stored.Status)
	assert.Equal(t, orders.FulfillmentRejected, stored.FulfillmentStatus)
	assert.Contains(t, stored.FailureReason, "SKU-A: requested 1, available 0")
	assert.Empty(t, shop.created)
	assert.Equal(t, []string{orders.TopicFulfillmentRejected}, pub.topics)
}

func TestFulfill_NotPaid(t *testing.T) {
	store := orders.NewMemStore()
	o := paidOrder(t, store, 1)
	_, err := store.Transition(context.Background(), o.ID, orders.Transition{From: orders.StatusPaid, To: orders.StatusCancelled})
	require.NoError(t, err)

	_, err = newService(store, &fakeShop{}, nil).Fulfill(context.Background(), o.ID, "")
	assert.ErrorIs(t, err, ErrNotPaid)
}

func TestFulfill_StorefrontFailureLeavesOrderPaid(t *testing.T) {
	store := orders.NewMemStore()
	o := paidOrder(t, store, 1)
	shop := &fakeShop{
		variants: map[string]storefront.Variant{
			"SKU-A": tracked(11, "SKU-A", 5, "deny"),
			"SKU-B": tracked(12, "SKU-B", 5, "deny"),
		},
		createErr: &storefront.APIError{Op: "create_order", StatusCode: 503},
	}

	_, err := newService(store, shop, nil).Fulfill(context.Background(), o.ID, "")
	require.Error(t, err)

	stored, _ := store.Get(context.Background(), o.ID)
	assert.Equal(t, orders.StatusPaid, stored.Status)
	assert.Equal(t, orders.FulfillmentPending, stored.FulfillmentStatus)
}

func TestFulfill_ConcurrentTriggersSubmitOnce(t *testing.T) {
	store := orders.NewMemStore()
	o := paidOrder(t, store, 1)
	shop := &fakeShop{
		variants: map[string]storefront.Variant{
			"SKU-A": tracked(11, "SKU-A", 5, "deny"),
			"SKU-B": tracked(12, "SKU-B", 5, "deny"),
		},
		delay: 50 * time.Millisecond,
	}
	svc := newService(store, shop, nil)

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Fulfill(context.Background(), o.ID, "")
		}(i)
	}
	wg.Wait()

	var ok, busy int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, orders.ErrFulfillmentBusy):
			busy++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, busy)
	assert.Len(t, shop.created, 1)

	stored, _ := store.Get(context.Background(), o.ID)
	assert.Equal(t, orders.StatusProcessing, stored.Status)
}

func TestFulfill_InFlightClaimBlocksSecondTrigger(t *testing.T) {
	store := orders.NewMemStore()
	o := paidOrder(t, store, 1)
	_, err := store.ClaimFulfillment(context.Background(), o.ID, time.Now().Add(-time.Minute))
	require.NoError(t, err)

	shop := &fakeShop{variants: map[string]storefront.Variant{
		"SKU-A": tracked(11, "SKU-A", 5, "deny"),
		"SKU-B": tracked(12, "SKU-B", 5, "deny"),
	}}
	_, err = newService(store, shop, nil).Fulfill(context.Background(), o.ID, "")
	assert.ErrorIs(t, err, orders.ErrFulfillmentBusy)
	assert.NotErrorIs(t, err, ErrNotPaid)
	assert.Empty(t, shop.created)
}

// --- consumer ---

func paidMessage(t *testing.T, eventID, orderID string) kafkago.Message {
	t.Helper()
	payload, err := json.Marshal(orders.OrderPaidPayload{OrderID: orderID})
	require.NoError(t, err)
	value, err := json.Marshal(orders.Envelope{EventID: eventID, EventType: orders.EventOrderPaid, EventVersion: 1, Payload: payload})
	require.NoError(t, err)
	return kafkago.Message{Topic: orders.TopicOrderPaid, Value: value}
}

func TestHandleOrderPaid_DedupsByEventID(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := orders.NewMemStore()
	o := paidOrder(t, store, 1)
	shop := &fakeShop{variants: map[string]storefront.Variant{
		"SKU-A": tracked(11, "SKU-A", 5, "deny"),
		"SKU-B": tracked(12, "SKU-B", 5, "deny"),
	}}
	c := &Consumer{Service: newService(store, shop, nil), Redis: rdb}

	require.NoError(t, c.HandleOrderPaid(context.Background(), paidMessage(t, "evt-1", o.ID)))
	require.NoError(t, c.HandleOrderPaid(context.Background(), paidMessage(t, "evt-1", o.ID)))
	assert.Len(t, shop.created, 1)
	assert.True(t, mr.Exists("dedup:fulfillment:evt-1"))
}

func TestHandleOrderPaid_TransientErrorIsRetried(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := orders.NewMemStore()
	o := paidOrder(t, store, 1)
	c := &Consumer{Service: newService(store, &fakeShop{lookupErr: errors.New("shop down")}, nil), Redis: rdb}

	assert.Error(t, c.HandleOrderPaid(context.Background(), paidMessage(t, "evt-2", o.ID)))
	assert.False(t, mr.Exists("dedup:fulfillment:evt-2"))
}

func TestHandleOrderPaid_BusyFulfillmentIsRetried(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	store := orders.NewMemStore()
	o := paidOrder(t, store, 1)
	_, err := store.ClaimFulfillment(context.Background(), o.ID, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	c := &Consumer{Service: newService(store, &fakeShop{}, nil), Redis: rdb}

	assert.ErrorIs(t, c.HandleOrderPaid(context.Background(), paidMessage(t, "evt-4", o.ID)), orders.ErrFulfillmentBusy)
	assert.False(t, mr.Exists("dedup:fulfillment:evt-4"))
}

func TestHandleOrderPaid_RejectionIsFinal(t *testing.T) {
	store := orders.NewMemStore()
	o := paidOrder(t, store, 1)
	c := &Consumer{Service: newService(store, &fakeShop{}, nil)}

	assert.NoError(t, c.HandleOrderPaid(context.Background(), paidMessage(t, "evt-3", o.ID)))
	stored, _ := store.Get(context.Background(), o.ID)
	assert.Equal(t, orders.FulfillmentRejected, stored.FulfillmentStatus)
}
