package orders

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ariefcatur/go-psp-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
)

// CachedStore fronts a Store with a Redis snapshot cache for read-heavy status
// polling. Reads used for state decisions still go to the Store. Every
// mutation overwrites the snapshot with its result, while read-through fills
// only write an absent key, so a slow reader never puts an older state back.
type CachedStore struct {
	Store
	Redis *redis.Client
	Log   *slog.Logger
}

func NewCachedStore(s Store, rdb *redis.Client, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{Store: s, Redis: rdb, Log: logger}
}

// Snapshot returns the order for display, from cache when possible.
func (c *CachedStore) Snapshot(ctx context.Context, id string) (*Order, error) {
	key := fmt.Sprintf(redisx.KeyOrderSnapshot, id)
	if b, err := c.Redis.Get(ctx, key).Bytes(); err == nil {
		var o Order
		if err := json.Unmarshal(b, &o); err == nil {
			return &o, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		c.Log.Warn("snapshot cache read failed", "order_id", id, "err", err)
	}

	o, err := c.Store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	c.fill(ctx, o)
	return o, nil
}

func (c *CachedStore) fill(ctx context.Context, o *Order) {
	b, err := json.Marshal(o)
	if err != nil {
		return
	}
	if err := c.Redis.SetNX(ctx, fmt.Sprintf(redisx.KeyOrderSnapshot, o.ID), b, redisx.TTLSnapshot).Err(); err != nil {
		c.Log.Warn("snapshot cache fill failed", "order_id", o.ID, "err", err)
	}
}

func (c *CachedStore) Transition(ctx context.Context, id string, t Transition) (*Order, error) {
	o, err := c.Store.Transition(ctx, id, t)
	if err == nil {
		c.refresh(ctx, o)
	}
	return o, err
}

func (c *CachedStore) UpdateSubStatus(ctx context.Context, id string, expected Status, s SubStatus) (*Order, error) {
	o, err := c.Store.UpdateSubStatus(ctx, id, expected, s)
	if err == nil {
		c.refresh(ctx, o)
	}
	return o, err
}

func (c *CachedStore) ClaimFulfillment(ctx context.Context, id string, staleBefore time.Time) (*Order, error) {
	o, err := c.Store.ClaimFulfillment(ctx, id, staleBefore)
	if err == nil {
		c.refresh(ctx, o)
	}
	return o, err
}

// refresh stores the post-mutation order, dropping the key when that fails.
func (c *CachedStore) refresh(ctx context.Context, o *Order) {
	key := fmt.Sprintf(redisx.KeyOrderSnapshot, o.ID)
	b, err := json.Marshal(o)
	if err == nil {
		err = c.Redis.Set(ctx, key, b, redisx.TTLSnapshot).Err()
	}
	if err == nil {
		return
	}
	if err := c.Redis.Del(ctx, key).Err(); err != nil {
		c.Log.Warn("snapshot cache invalidate failed", "order_id", o.ID, "err", err)
	}
}
