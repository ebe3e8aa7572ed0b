package orders

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-process Store with the same precondition semantics as
// Repo. It backs unit tests and single-node local runs.
type MemStore struct {
	mu       sync.RWMutex
	orders   map[string]*Order
	attempts []PaymentAttempt
	nextID   int64
}

func NewMemStore() *MemStore {
	return &MemStore{orders: map[string]*Order{}}
}

func (m *MemStore) Create(_ context.Context, o *Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, o.ID)
	}
	if o.IdempotencyKey != "" {
		for _, x := range m.orders {
			if x.MerchantID == o.MerchantID && x.IdempotencyKey == o.IdempotencyKey {
				return fmt.Errorf("%w: idempotency key %s", ErrDuplicate, o.IdempotencyKey)
			}
		}
	}
	m.orders[o.ID] = o.Clone()
	return nil
}

func (m *MemStore) Get(_ context.Context, id string) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (m *MemStore) find(match func(*Order) bool) (*Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, o := range m.orders {
		if match(o) {
			return o.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) GetByIdempotencyKey(_ context.Context, merchantID, key string) (*Order, error) {
	return m.find(func(o *Order) bool {
		return key != "" && o.MerchantID == merchantID && o.IdempotencyKey == key
	})
}

func (m *MemStore) GetByPaymentRef(_ context.Context, provider, ref string) (*Order, error) {
	return m.find(func(o *Order) bool {
		return ref != "" && o.PSPUsed == provider && o.PaymentIntentID == ref
	})
}

func (m *MemStore) GetByStorefrontOrder(_ context.Context, storefrontOrderID string) (*Order, error) {
	return m.find(func(o *Order) bool {
		return storefrontOrderID != "" && o.StorefrontOrderID == storefrontOrderID
	})
}

func (m *MemStore) Transition(_ context.Context, id string, t Transition) (*Order, error) {
	if err := checkTransition(t); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if o.Status != t.From {
		return nil, stateError(id, o.Status, t.From, t.To)
	}
	applyTransition(o, t)
	return o.Clone(), nil
}

func (m *MemStore) UpdateSubStatus(_ context.Context, id string, expected Status, s SubStatus) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if o.Status != expected {
		return nil, fmt.Errorf("%w: order %s is %s, expected %s", ErrConflict, id, o.Status, expected)
	}
	applySubStatus(o, s)
	return o.Clone(), nil
}

func (m *MemStore) ClaimFulfillment(_ context.Context, id string, staleBefore time.Time) (*Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !claimable(o, staleBefore) {
		return nil, claimError(o)
	}
	applySubStatus(o, SubStatus{FulfillmentStatus: FulfillmentSubmitting})
	return o.Clone(), nil
}

func (m *MemStore) AppendAttempt(_ context.Context, a *PaymentAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[a.OrderID]; !ok {
		return fmt.Errorf("append attempt: %w", ErrNotFound)
	}
	m.nextID++
	a.ID = m.nextID
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	m.attempts = append(m.attempts, *a)
	return nil
}

func (m *MemStore) ListAttempts(_ context.Context, orderID string) ([]PaymentAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []PaymentAttempt
	for _, a := range m.attempts {
		if a.OrderID == orderID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *MemStore) ProviderStats(_ context.Context, since time.Time) ([]ProviderStat, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	type acc struct {
		attempts, successes int
		latency             int64
	}
	byProvider := map[string]*acc{}
	for _, a := range m.attempts {
		if a.CreatedAt.Before(since) {
			continue
		}
		x := byProvider[a.Provider]
		if x == nil {
			x = &acc{}
			byProvider[a.Provider] = x
		}
		x.attempts++
		x.latency += a.LatencyMS
		if a.Success {
			x.successes++
		}
	}
	out := make([]ProviderStat, 0, len(byProvider))
	for p, x := range byProvider {
		out = append(out, ProviderStat{
			Provider:     p,
			Attempts:     x.attempts,
			Successes:    x.successes,
			SuccessRate:  float64(x.successes) / float64(x.attempts),
			AvgLatencyMS: float64(x.latency) / float64(x.attempts),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}
