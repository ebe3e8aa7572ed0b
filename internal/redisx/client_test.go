package redisx

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSeenAndMarkSeen(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	ctx := context.Background()

	seen, err := Seen(ctx, rdb, "webhook:stripe", "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, MarkSeen(ctx, rdb, "webhook:stripe", "evt_1"))

	seen, err = Seen(ctx, rdb, "webhook:stripe", "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.True(t, mr.Exists("dedup:webhook:stripe:evt_1"))
	assert.Equal(t, TTLDedup, mr.TTL("dedup:webhook:stripe:evt_1"))
}

func TestSeen_NilClient(t *testing.T) {
	seen, err := Seen(context.Background(), nil, "scope", "id")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.NoError(t, MarkSeen(context.Background(), nil, "scope", "id"))
}
