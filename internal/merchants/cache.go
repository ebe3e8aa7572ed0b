package merchants

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ariefcatur/go-psp-orders/internal/redisx"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// CachedDirectory caches merchant lookups in Redis for a short TTL and
// collapses concurrent misses for the same merchant into one backend read.
type CachedDirectory struct {
	next  Directory
	redis *redis.Client
	log   *slog.Logger
	group singleflight.Group
}

func NewCachedDirectory(next Directory, rdb *redis.Client, logger *slog.Logger) *CachedDirectory {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedDirectory{next: next, redis: rdb, log: logger}
}

func (c *CachedDirectory) Get(ctx context.Context, id string) (*Merchant, error) {
	key := fmt.Sprintf(redisx.KeyMerchant, id)
	if m, ok := c.cached(ctx, key); ok {
		return m, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		m, err := c.next.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if b, err := json.Marshal(m); err == nil {
			if err := c.redis.Set(ctx, key, b, redisx.TTLMerchant).Err(); err != nil {
				c.log.Warn("merchant cache write failed", "merchant_id", id, "err", err)
			}
		}
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	// shared result: hand every caller its own copy
	m := *v.(*Merchant)
	m.PSPConfigs = append(m.PSPConfigs[:0:0], m.PSPConfigs...)
	return &m, nil
}

func (c *CachedDirectory) cached(ctx context.Context, key string) (*Merchant, bool) {
	b, err := c.redis.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("merchant cache read failed", "key", key, "err", err)
		}
		return nil, false
	}
	var m Merchant
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, false
	}
	return &m, true
}
