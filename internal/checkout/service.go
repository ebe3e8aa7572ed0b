// Package checkout is the agent-facing order flow: create an order, run the
// payment pass, confirm the payment and the admin cancel.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-psp-orders/internal/merchants"
	"github.com/ariefcatur/go-psp-orders/internal/orchestrator"
	"github.com/ariefcatur/go-psp-orders/internal/orders"
	"github.com/ariefcatur/go-psp-orders/internal/psp"
	"github.com/ariefcatur/go-psp-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
)

const (
	defaultConfirmTimeout = 10 * time.Second
	statusReadTries       = 3
	statusReadWait        = 200 * time.Millisecond
)

// Snapshotter serves display reads, typically from a cache.
type Snapshotter interface {
	Snapshot(ctx context.Context, id string) (*orders.Order, error)
}

type Service struct {
	Store        orders.Store
	Snapshots    Snapshotter
	Merchants    merchants.Directory
	Orchestrator *orchestrator.Orchestrator
	Registry     *psp.Registry
	Redis        *redis.Client
	Events       orders.Events
	Log          *slog.Logger

	ConfirmTimeout time.Duration
	Now            func() time.Time
}

type CreateResult struct {
	Order        *orders.Order
	ClientSecret string
	RedirectURL  string
	Replayed     bool
}

// PaymentFailed reports an order that was persisted but no provider accepted.
func (r *CreateResult) PaymentFailed() bool {
	return r.Order != nil && r.Order.Status == orders.StatusPaymentFailed
}

func (s *Service) logger() *slog.Logger {
	if s.Log == nil {
		return slog.Default()
	}
	return s.Log
}

func (s *Service) now() time.Time {
	if s.Now == nil {
		return time.Now()
	}
	return s.Now()
}

// CreateOrder validates and persists the order, runs one payment pass and
// applies its result. A repeated IdempotencyKey returns the original order
// without paying again.
func (s *Service) CreateOrder(ctx context.Context, in orders.NewOrderInput, traceID string) (*CreateResult, error) {
	if in.IdempotencyKey != "" {
		if o, err := s.replay(ctx, in.MerchantID, in.IdempotencyKey); err == nil {
			return &CreateResult{Order: o, Replayed: true}, nil
		} else if !errors.Is(err, orders.ErrNotFound) {
			return nil, err
		}
	}

	m, err := s.Merchants.Get(ctx, in.MerchantID)
	if err != nil {
		return nil, err
	}
	o, err := orders.Build(in, m.Pricing(), s.now())
	if err != nil {
		return nil, err
	}
	if err := s.Store.Create(ctx, o); err != nil {
		if errors.Is(err, orders.ErrDuplicate) && in.IdempotencyKey != "" {
			prev, gerr := s.Store.GetByIdempotencyKey(ctx, in.MerchantID, in.IdempotencyKey)
			if gerr == nil {
				return &CreateResult{Order: prev, Replayed: true}, nil
			}
		}
		return nil, fmt.Errorf("persist order: %w", err)
	}
	s.rememberKey(ctx, o)

	s.logger().Info("order created", "order_id", o.ID, "merchant_id", o.MerchantID,
		"total_minor", o.TotalMinor, "currency", o.Currency)
	s.Events.Emit(orders.TopicOrderCreated, orders.EventOrderCreated, o.ID, traceID, orders.OrderCreatedPayload{
		OrderID:    o.ID,
		MerchantID: o.MerchantID,
		AgentID:    o.AgentID,
		Currency:   o.Currency,
		TotalMinor: o.TotalMinor,
		ItemCount:  len(o.Items),
	})

	res := s.Orchestrator.Run(ctx, orchestrator.Request{
		OrderID:       o.ID,
		AmountMinor:   o.TotalMinor,
		Currency:      o.Currency,
		CustomerEmail: o.CustomerEmail,
		Configs:       m.PSPConfigs,
	})

	// The payment pass already happened; its outcome must land even if the
	// caller went away.
	applied, err := s.ApplyPayment(context.WithoutCancel(ctx), o, res, traceID)
	if err != nil {
		return nil, err
	}
	return &CreateResult{Order: applied, ClientSecret: res.ClientSecret, RedirectURL: res.RedirectURL}, nil
}

// ApplyPayment records an orchestration result on a pending order as a
// single transition.
func (s *Service) ApplyPayment(ctx context.Context, o *orders.Order, res orchestrator.Result, traceID string) (*orders.Order, error) {
	t := orders.Transition{From: orders.StatusPending}
	if res.Success {
		t.To = orders.StatusPaymentProcessing
		t.PaymentStatus = orders.PaymentRequiresConfirmation
		if res.RedirectURL != "" {
			t.PaymentStatus = orders.PaymentRequiresAction
		}
		t.PaymentIntentID = res.Reference
		t.PSPUsed = res.Provider
	} else {
		t.To = orders.StatusPaymentFailed
		t.PaymentStatus = orders.PaymentFailed
		t.FailureReason = res.Message
		t.PSPUsed = psp.ProviderNone
	}

	moved, err := s.Store.Transition(ctx, o.ID, t)
	if err != nil {
		return nil, fmt.Errorf("apply payment result: %w", err)
	}
	s.logger().Info("order status changed", "order_id", o.ID, "from", string(t.From), "to", string(t.To),
		"psp_used", t.PSPUsed, "attempts", len(res.Attempts))
	s.Events.StatusChanged(moved, t.From, traceID)
	return moved, nil
}

func (s *Service) replay(ctx context.Context, merchantID, key string) (*orders.Order, error) {
	if s.Redis != nil {
		id, err := s.Redis.Get(ctx, fmt.Sprintf(redisx.KeyIdemOrderCreate, merchantID, key)).Result()
		if err == nil && id != "" {
			if o, err := s.Store.Get(ctx, id); err == nil {
				return o, nil
			}
		}
	}
	return s.Store.GetByIdempotencyKey(ctx, merchantID, key)
}

func (s *Service) rememberKey(ctx context.Context, o *orders.Order) {
	if s.Redis == nil || o.IdempotencyKey == "" {
		return
	}
	key := fmt.Sprintf(redisx.KeyIdemOrderCreate, o.MerchantID, o.IdempotencyKey)
	if err := s.Redis.Set(ctx, key, o.ID, redisx.TTLIdempotency).Err(); err != nil {
		s.logger().Warn("idempotency key cache write failed", "order_id", o.ID, "err", err)
	}
}

func (s *Service) Get(ctx context.Context, id string) (*orders.Order, error) {
	if s.Snapshots != nil {
		return s.Snapshots.Snapshot(ctx, id)
	}
	return s.Store.Get(ctx, id)
}

func (s *Service) Attempts(ctx context.Context, id string) ([]orders.PaymentAttempt, error) {
	if _, err := s.Store.Get(ctx, id); err != nil {
		return nil, err
	}
	return s.Store.ListAttempts(ctx, id)
}

func (s *Service) ProviderStats(ctx context.Context, window time.Duration) ([]orders.ProviderStat, error) {
	return s.Store.ProviderStats(ctx, s.now().Add(-window))
}
