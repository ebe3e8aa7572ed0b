// Package orchestrator runs one payment pass for an order: it walks the
// selected providers in priority order, records every attempt and stops at
// the first provider that accepts the intent.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-psp-orders/internal/orders"
	"github.com/ariefcatur/go-psp-orders/internal/psp"
)

const defaultAttemptTimeout = 10 * time.Second

var ErrNoProvider = errors.New("no PSP configured")

type CascadePolicy string

const (
	// CascadeAll tries the next provider after any failure.
	CascadeAll CascadePolicy = "all"
	// CascadeTransportOnly stops the pass on a hard decline.
	CascadeTransportOnly CascadePolicy = "transport_only"
)

func ParseCascadePolicy(s string) CascadePolicy {
	if CascadePolicy(s) == CascadeTransportOnly {
		return CascadeTransportOnly
	}
	return CascadeAll
}

// AttemptRecorder persists attempts. orders.Store satisfies it.
type AttemptRecorder interface {
	AppendAttempt(ctx context.Context, a *orders.PaymentAttempt) error
}

// AttemptHook is told about every recorded attempt, e.g. to publish it.
type AttemptHook func(a orders.PaymentAttempt)

type State string

const (
	StateNotStarted State = "not_started"
	StateSucceeded  State = "succeeded"
	StateExhausted  State = "exhausted"
)

type Request struct {
	OrderID       string
	AmountMinor   int64
	Currency      string
	CustomerEmail string
	Configs       []psp.Config
}

// Result is what the caller applies to the order. Provider is psp.ProviderNone
// when the pass did not succeed.
type Result struct {
	State        State
	Success      bool
	Provider     string
	Reference    string
	ClientSecret string
	RedirectURL  string
	Message      string
	Attempts     []orders.PaymentAttempt
}

type Orchestrator struct {
	registry *psp.Registry
	recorder AttemptRecorder
	log      *slog.Logger
	timeout  time.Duration
	policy   CascadePolicy
	hook     AttemptHook
	now      func() time.Time
}

type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option          { return func(o *Orchestrator) { o.log = l } }
func WithAttemptTimeout(d time.Duration) Option { return func(o *Orchestrator) { o.timeout = d } }
func WithCascadePolicy(p CascadePolicy) Option  { return func(o *Orchestrator) { o.policy = p } }
func WithAttemptHook(h AttemptHook) Option      { return func(o *Orchestrator) { o.hook = h } }

func New(registry *psp.Registry, recorder AttemptRecorder, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry: registry,
		recorder: recorder,
		log:      slog.Default(),
		timeout:  defaultAttemptTimeout,
		policy:   CascadeAll,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run never returns an error: every outcome, including "no provider", is a
// Result. Providers are tried strictly one at a time. Once an attempt started
// it runs to completion or its own timeout even if ctx is cancelled; ctx is
// only checked before starting the next provider.
func (o *Orchestrator) Run(ctx context.Context, req Request) Result {
	res := Result{State: StateNotStarted, Provider: psp.ProviderNone}

	choices := psp.Select(req.Configs, req.Currency, req.AmountMinor, o.registry.Has)
	if len(choices) == 0 {
		res.State = StateExhausted
		res.Message = ErrNoProvider.Error()
		o.log.Warn("no psp available", "order_id", req.OrderID, "currency", req.Currency)
		return res
	}

	lastMsg := ""
	for i, c := range choices {
		if i > 0 && ctx.Err() != nil {
			lastMsg = fmt.Sprintf("cancelled before %s: %v", c.Provider, ctx.Err())
			break
		}

		start := o.now()
		ir, err := o.attempt(ctx, c, req)
		a := o.record(ctx, req, c, start, ir, err)
		res.Attempts = append(res.Attempts, a)

		if err == nil && ir.Success {
			res.State = StateSucceeded
			res.Success = true
			res.Provider = c.Provider
			res.Reference = ir.Reference
			res.ClientSecret = ir.ClientSecret
			res.RedirectURL = ir.RedirectURL
			return res
		}

		lastMsg = attemptMessage(a)
		if o.policy == CascadeTransportOnly && err == nil && psp.IsHardDecline(ir.DeclineCode) {
			o.log.Info("hard decline stops payment pass", "order_id", req.OrderID, "provider", c.Provider, "decline_code", ir.DeclineCode)
			break
		}
	}

	res.State = StateExhausted
	res.Message = "all payment providers failed: " + lastMsg
	return res
}

func (o *Orchestrator) attempt(ctx context.Context, c psp.Choice, req Request) (ir psp.IntentResult, err error) {
	p, err := o.registry.Get(c.Provider)
	if err != nil {
		return psp.IntentResult{}, err
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			o.log.Error("psp adapter panicked", "order_id", req.OrderID, "provider", c.Provider, "panic", r)
			ir = psp.IntentResult{}
			err = fmt.Errorf("%s adapter panic: %v", c.Provider, r)
		}
	}()

	return p.CreatePaymentIntent(actx, psp.IntentRequest{
		OrderID:        req.OrderID,
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		CustomerEmail:  req.CustomerEmail,
		SubAccount:     c.SubAccount,
		CredentialRef:  c.CredentialRef,
		IdempotencyKey: req.OrderID + ":" + c.Provider,
		Metadata:       map[string]string{"priority": fmt.Sprint(c.Priority)},
	})
}

func (o *Orchestrator) record(ctx context.Context, req Request, c psp.Choice, start time.Time, ir psp.IntentResult, callErr error) orders.PaymentAttempt {
	a := orders.PaymentAttempt{
		OrderID:     req.OrderID,
		Provider:    c.Provider,
		Priority:    c.Priority,
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		LatencyMS:   o.now().Sub(start).Milliseconds(),
		CreatedAt:   start.UTC(),
	}
	switch {
	case callErr != nil:
		a.Outcome = orders.OutcomeError
		a.Error = callErr.Error()
	case ir.Success:
		a.Success = true
		a.Outcome = orders.OutcomeSucceeded
		a.ProviderRef = ir.Reference
	default:
		a.Outcome = orders.OutcomeDeclined
		a.DeclineCode = ir.DeclineCode
		a.Error = ir.Message
	}

	if o.recorder != nil {
		if err := o.recorder.AppendAttempt(context.WithoutCancel(ctx), &a); err != nil {
			o.log.Error("record payment attempt failed", "order_id", req.OrderID, "provider", c.Provider, "err", err)
		}
	}
	o.log.Info("payment attempt",
		"order_id", req.OrderID,
		"provider", c.Provider,
		"priority", c.Priority,
		"outcome", string(a.Outcome),
		"decline_code", a.DeclineCode,
		"latency_ms", a.LatencyMS,
	)
	if o.hook != nil {
		o.hook(a)
	}
	return a
}

func attemptMessage(a orders.PaymentAttempt) string {
	msg := a.Provider + ": "
	switch {
	case a.DeclineCode != "" && a.Error != "":
		return msg + a.DeclineCode + " (" + a.Error + ")"
	case a.DeclineCode != "":
		return msg + a.DeclineCode
	case a.Error != "":
		return msg + a.Error
	}
	return msg + string(a.Outcome)
}
