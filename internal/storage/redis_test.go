package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisDedupStore(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	s := NewRedisDedupStore(rdb)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "dedup:r1:abc")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.SetWithTTL(ctx, "dedup:r1:abc", "42", time.Hour))
	ok, err = s.Exists(ctx, "dedup:r1:abc")
	require.NoError(t, err)
	assert.True(t, ok)

	mr.FastForward(time.Hour)
	ok, err = s.Exists(ctx, "dedup:r1:abc")
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.Ping(ctx))
}

func TestRedisDedupStoreUnavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	mr.Close()

	_, err := NewRedisDedupStore(rdb).Exists(context.Background(), "k")
	assert.Error(t, err)
}
