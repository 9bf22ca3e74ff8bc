package service

import (
	"context"
	"encoding/json"
	"testing"

	"checkout-core/internal/apperr"
	"checkout-core/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustJSON(t *testing.T, v interface{}) string {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return string(raw)
}

func TestUnauthorizedExpiresSessionOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.placeDirectOrder(t)

	h.fb.SetUnauthorized(true)
	_, err := h.co.Orders.GetOrder(ctx, order.OrderID)
	assert.ErrorIs(t, err, apperr.ErrAuth)

	assert.Len(t, h.eventsOf(models.EventTypeSessionExpired), 1)
	assert.False(t, h.tokens.SignedIn())
	_, known := h.co.Orders.Order(order.OrderID)
	assert.False(t, known, "session-bound orders are dropped")
}

func TestSessionExpiryKeepsTicketsForOfflineUse(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order, _ := h.settle(t, "G1")

	h.co.SessionExpired(ctx)
	assert.Len(t, h.co.Tickets.TicketsForOrder(order.OrderID), 1)
	assert.Empty(t, h.co.Orders.Orders())

	h.co.SignOut(ctx)
	assert.Empty(t, h.co.Tickets.Tickets())
	assert.Nil(t, h.co.Cart.Cart())
}

func TestRestoreAfterRestart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.co.Cart.AddItem(ctx, foodItem("popcorn", 2))
	require.NoError(t, err)
	order, _ := h.settle(t, "H1")

	next := NewCheckout(h.client, h.kv, nil, Settings{})
	next.Restore(ctx)

	cart := next.Cart.Cart()
	require.NotNil(t, cart)
	assert.Len(t, cart.Items, 1)
	assert.Len(t, next.Tickets.TicketsForOrder(order.OrderID), 1)
}
