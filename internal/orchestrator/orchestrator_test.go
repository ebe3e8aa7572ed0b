package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-psp-orders/internal/orders"
	"github.com/ariefcatur/go-psp-orders/internal/psp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeProvider struct {
	name   string
	result psp.IntentResult
	err    error
	panics bool
	delay  time.Duration
	onCall func()

	mu    sync.Mutex
	calls []psp.IntentRequest
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) CreatePaymentIntent(ctx context.Context, req psp.IntentRequest) (psp.IntentResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall()
	}
	if f.panics {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return psp.IntentResult{}, &psp.TransportError{Provider: f.name, Op: "create_intent", Err: ctx.Err()}
		}
	}
	return f.result, f.err
}

func (f *fakeProvider) Confirm(context.Context, psp.ConfirmRequest) (psp.ConfirmResult, error) {
	return psp.ConfirmResult{}, nil
}

func (f *fakeProvider) Status(context.Context, string, string) (psp.ConfirmResult, error) {
	return psp.ConfirmResult{}, nil
}

func (f *fakeProvider) VerifyWebhook(http.Header, []byte) (psp.WebhookEvent, error) {
	return psp.WebhookEvent{}, nil
}

func (f *fakeProvider) Ack() (string, []byte) { return "text/plain", nil }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type memRecorder struct {
	mu       sync.Mutex
	attempts []orders.PaymentAttempt
	err      error
}

func (m *memRecorder) AppendAttempt(_ context.Context, a *orders.PaymentAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, *a)
	return m.err
}

func ok(ref string) psp.IntentResult { return psp.IntentResult{Success: true, Reference: ref} }

func transportErr(name string) error {
	return &psp.TransportError{Provider: name, Op: "create_intent", StatusCode: 503, Err: errors.New("unavailable")}
}

func configs(names ...string) []psp.Config {
	out := make([]psp.Config, 0, len(names))
	for i, n := range names {
		out = append(out, psp.Config{MerchantID: "m-1", Provider: n, Priority: i + 1, Active: true})
	}
	return out
}

func request(cfgs []psp.Config) Request {
	return Request{OrderID: "ord-1", AmountMinor: 3200, Currency: "USD", Configs: cfgs}
}

// --- tests ---

func TestRun_ExactlyKAttemptsWhenProviderKSucceeds(t *testing.T) {
	a := &fakeProvider{name: "a", err: transportErr("a")}
	b := &fakeProvider{name: "b", result: psp.IntentResult{Success: false, DeclineCode: "do_not_honor"}}
	c := &fakeProvider{name: "c", result: ok("ref-c")}
	d := &fakeProvider{name: "d", result: ok("ref-d")}
	rec := &memRecorder{}
	o := New(psp.NewRegistry(a, b, c, d), rec)

	res := o.Run(context.Background(), request(configs("a", "b", "c", "d")))

	require.True(t, res.Success)
	assert.Equal(t, StateSucceeded, res.State)
	assert.Equal(t, "c", res.Provider)
	assert.Equal(t, "ref-c", res.Reference)
	assert.Len(t, res.Attempts, 3)
	assert.Len(t, rec.attempts, 3)
	assert.Equal(t, 0, d.callCount())

	assert.Equal(t, orders.OutcomeError, rec.attempts[0].Outcome)
	assert.Equal(t, orders.OutcomeDeclined, rec.attempts[1].Outcome)
	assert.Equal(t, "do_not_honor", rec.attempts[1].DeclineCode)
	assert.Equal(t, orders.OutcomeSucceeded, rec.attempts[2].Outcome)
	assert.Equal(t, "ref-c", rec.attempts[2].ProviderRef)
}

func TestRun_NoProvidersMeansNoAttempts(t *testing.T) {
	rec := &memRecorder{}
	o := New(psp.NewRegistry(), rec)

	res := o.Run(context.Background(), request(nil))

	assert.False(t, res.Success)
	assert.Equal(t, StateExhausted, res.State)
	assert.Equal(t, psp.ProviderNone, res.Provider)
	assert.Equal(t, ErrNoProvider.Error(), res.Message)
	assert.Empty(t, res.Attempts)
	assert.Empty(t, rec.attempts)
}

func TestRun_FirstFailsSecondSucceeds(t *testing.T) {
	a := &fakeProvider{name: psp.ProviderStripe, err: transportErr(psp.ProviderStripe)}
	b := &fakeProvider{name: psp.ProviderPayPal, result: ok("PP-1")}
	o := New(psp.NewRegistry(a, b), &memRecorder{})

	res := o.Run(context.Background(), request(configs(psp.ProviderStripe, psp.ProviderPayPal)))

	require.True(t, res.Success)
	assert.Equal(t, psp.ProviderPayPal, res.Provider)
	require.Len(t, res.Attempts, 2)
	assert.False(t, res.Attempts[0].Success)
	assert.True(t, res.Attempts[1].Success)
	assert.Equal(t, "ord-1:paypal", b.calls[0].IdempotencyKey)
}

func TestRun_AllFailReportsLastError(t *testing.T) {
	a := &fakeProvider{name: "a", err: transportErr("a")}
	b := &fakeProvider{name: "b", result: psp.IntentResult{DeclineCode: "insufficient_funds", Message: "no money"}}
	o := New(psp.NewRegistry(a, b), &memRecorder{})

	res := o.Run(context.Background(), request(configs("a", "b")))

	assert.False(t, res.Success)
	assert.Equal(t, psp.ProviderNone, res.Provider)
	assert.Len(t, res.Attempts, 2)
	assert.Contains(t, res.Message, "insufficient_funds")
}

func TestRun_RecoversProviderPanic(t *testing.T) {
	a := &fakeProvider{name: "a", panics: true}
	b := &fakeProvider{name: "b", result: ok("ref-b")}
	rec := &memRecorder{}
	o := New(psp.NewRegistry(a, b), rec)

	res := o.Run(context.Background(), request(configs("a", "b")))

	require.True(t, res.Success)
	assert.Equal(t, "b", res.Provider)
	require.Len(t, rec.attempts, 2)
	assert.Equal(t, orders.OutcomeError, rec.attempts[0].Outcome)
	assert.Contains(t, rec.attempts[0].Error, "panic")
}

func TestRun_AttemptTimeoutIsAFailure(t *testing.T) {
	a := &fakeProvider{name: "a", delay: time.Second}
	b := &fakeProvider{name: "b", result: ok("ref-b")}
	o := New(psp.NewRegistry(a, b), &memRecorder{}, WithAttemptTimeout(20*time.Millisecond))

	res := o.Run(context.Background(), request(configs("a", "b")))

	require.True(t, res.Success)
	assert.Equal(t, "b", res.Provider)
	assert.Equal(t, orders.OutcomeError, res.Attempts[0].Outcome)
}

func TestRun_CancellationOnlyBetweenAttempts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &fakeProvider{name: "a", err: transportErr("a"), delay: 30 * time.Millisecond, onCall: cancel}
	b := &fakeProvider{name: "b", result: ok("ref-b")}
	rec := &memRecorder{}
	o := New(psp.NewRegistry(a, b), rec)

	res := o.Run(ctx, request(configs("a", "b")))

	assert.False(t, res.Success)
	require.Len(t, rec.attempts, 1)
	// the in-flight attempt ran its full course instead of seeing the cancel
	assert.Contains(t, rec.attempts[0].Error, "unavailable")
	assert.Equal(t, 0, b.callCount())
}

func TestRun_TransportOnlyPolicyStopsOnHardDecline(t *testing.T) {
	a := &fakeProvider{name: "a", result: psp.IntentResult{DeclineCode: "stolen_card"}}
	b := &fakeProvider{name: "b", result: ok("ref-b")}
	o := New(psp.NewRegistry(a, b), &memRecorder{}, WithCascadePolicy(CascadeTransportOnly))

	res := o.Run(context.Background(), request(configs("a", "b")))

	assert.False(t, res.Success)
	assert.Len(t, res.Attempts, 1)
	assert.Equal(t, 0, b.callCount())

	o = New(psp.NewRegistry(a, b), &memRecorder{})
	res = o.Run(context.Background(), request(configs("a", "b")))
	assert.True(t, res.Success)
}

func TestRun_RecorderFailureDoesNotAbort(t *testing.T) {
	b := &fakeProvider{name: "b", result: ok("ref-b")}
	var hooked []orders.PaymentAttempt
	o := New(psp.NewRegistry(b), &memRecorder{err: errors.New("db down")},
		WithAttemptHook(func(a orders.PaymentAttempt) { hooked = append(hooked, a) }))

	res := o.Run(context.Background(), request(configs("b")))

	assert.True(t, res.Success)
	assert.Len(t, hooked, 1)
}

func TestParseCascadePolicy(t *testing.T) {
	assert.Equal(t, CascadeTransportOnly, ParseCascadePolicy("transport_only"))
	assert.Equal(t, CascadeAll, ParseCascadePolicy(""))
	assert.Equal(t, CascadeAll, ParseCascadePolicy("bogus"))
}
