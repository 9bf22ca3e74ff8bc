package redisclient

import (
	"context"
	"os"
	"testing"
	"time"

	"checkout-core/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisKV(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("Integration test - set REDIS_TEST_ADDR")
	}

	c, err := NewClient(addr, "", 0, "test-"+time.Now().Format("150405.000"))
	require.NoError(t, err)
	defer c.Close()

	ctx := context.Background()

	_, err = c.Get(ctx, store.KeyCart)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, c.Put(ctx, store.KeyCart, []byte(`{"id":"c1"}`), time.Minute))
	got, err := c.Get(ctx, store.KeyCart)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"c1"}`, string(got))

	ttl, err := c.GetClient().TTL(ctx, c.key(store.KeyCart)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, c.Delete(ctx, store.KeyCart))
	_, err = c.Get(ctx, store.KeyCart)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestKeyNamespacing(t *testing.T) {
	assert.Equal(t, "checkout:cart", (&Client{}).key("cart"))
	assert.Equal(t, "checkout:user-7:cart", (&Client{namespace: "user-7"}).key("cart"))
}
