package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(2)

	_, ok, err := m.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.Set(ctx, "a", []byte("1")))
	require.NoError(t, m.Set(ctx, "b", []byte("2")))
	v, ok, err := m.Get(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, m.Set(ctx, "c", []byte("3")))
	assert.Equal(t, 2, m.Len())
	_, ok, _ = m.Get(ctx, "b")
	assert.False(t, ok, "least recently used entry evicted")
}

func TestKey(t *testing.T) {
	assert.Equal(t, "g1/tile/3/42", Key("g1", "tile", "3/42"))
	assert.NotEqual(t, Key("g1", "tile", "x"), Key("g2", "tile", "x"))
}

func TestRedisOptionsFromEnv(t *testing.T) {
	t.Setenv("REDIS_HOST", "")
	_, ok := RedisOptionsFromEnv()
	assert.False(t, ok)

	t.Setenv("REDIS_HOST", "cache.local")
	t.Setenv("REDIS_DB", "3")
	opts, ok := RedisOptionsFromEnv()
	require.True(t, ok)
	assert.Equal(t, "cache.local:6379", opts.Addr)
	assert.Equal(t, 3, opts.DB)

	t.Setenv("REDIS_DB", "x")
	opts, _ = RedisOptionsFromEnv()
	assert.Equal(t, 0, opts.DB)
}

func TestRedis(t *testing.T) {
	r, err := OpenRedisFromEnv(context.Background(), "smt-test:")
	if r == nil || err != nil {
		t.Skip("no redis configured")
	}
	defer r.Close()
	ctx := context.Background()

	require.NoError(t, r.Set(ctx, "k", []byte("v")))
	v, ok, err := r.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	_, ok, err = r.Get(ctx, "missing-key")
	require.NoError(t, err)
	assert.False(t, ok)
}
