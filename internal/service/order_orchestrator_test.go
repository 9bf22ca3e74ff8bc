package service

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"checkout-core/internal/apperr"
	"checkout-core/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateOrderFromCartSnapshotsAndClears(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hold, err := h.co.Availability.Reserve(ctx, ReserveRequest{EventID: "evt_1", CategoryID: "cat_vip", SeatIDs: []string{"A1", "A2"}})
	require.NoError(t, err)
	item := ticketItem("cat_vip", "A1", "A2")
	td := item.Details.(models.TicketDetails)
	td.HoldID = hold.HoldID
	item.Details = td
	_, err = h.co.Cart.AddItem(ctx, item)
	require.NoError(t, err)

	order, err := h.co.Orders.CreateOrderFromCart(ctx, OrderOptions{EventID: "evt_1"})
	require.NoError(t, err)

	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.True(t, decimal.NewFromInt(30000).Equal(order.Subtotal))
	assert.True(t, decimal.NewFromInt(5400).Equal(order.Tax))
	assert.True(t, decimal.NewFromInt(35400).Equal(order.Total))
	assert.True(t, h.co.Cart.Cart().IsEmpty())
	assert.Equal(t, "sold", h.fb.SeatOwner("A1"))
	_, held := h.co.Availability.Hold(hold.HoldID)
	assert.False(t, held, "the order consumed the hold")

	// Editing the cart afterwards does not reach the placed order.
	_, err = h.co.Cart.AddItem(ctx, foodItem("popcorn", 4))
	require.NoError(t, err)
	stored, ok := h.co.Orders.Order(order.OrderID)
	require.True(t, ok)
	assert.Len(t, stored.Items, 1)
	assert.True(t, decimal.NewFromInt(35400).Equal(stored.Total))

	created := h.eventsOf(models.EventTypeOrderCreated)
	require.Len(t, created, 1)
	assert.Equal(t, order.OrderID, created[0].EntityID)
}

func TestCreateOrderSeatsUnavailableKeepsCart(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	hold, err := h.co.Availability.Reserve(ctx, ReserveRequest{CategoryID: "cat_vip", SeatIDs: []string{"B1"}})
	require.NoError(t, err)
	item := ticketItem("cat_vip", "B1")
	td := item.Details.(models.TicketDetails)
	td.HoldID = hold.HoldID
	item.Details = td
	_, err = h.co.Cart.AddItem(ctx, item)
	require.NoError(t, err)

	// Server-side early expiry while the local countdown is still running.
	h.fb.ExpireHold(hold.HoldID)

	_, err = h.co.Orders.CreateOrderFromCart(ctx, OrderOptions{})
	assert.ErrorIs(t, err, apperr.ErrSeatsUnavailable)
	assert.Len(t, h.co.Cart.Cart().Items, 1)
	assert.Zero(t, h.fb.Hits("DELETE", "/api/cart/clear"))
	assert.Zero(t, h.fb.OrderCount())
}

func TestCreateOrderValidatesLocally(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.co.Orders.CreateOrder(ctx, CreateOrderRequest{Currency: models.CurrencyRWF})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	bad := foodItem("fries", 0)
	_, err = h.co.Orders.CreateOrder(ctx, CreateOrderRequest{Items: []models.CartItem{bad}, Currency: models.CurrencyRWF})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = h.co.Orders.CreateOrder(ctx, CreateOrderRequest{Items: []models.CartItem{foodItem("fries", 1)}, Currency: "EUR"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = h.co.Orders.CreateOrderFromCart(ctx, OrderOptions{})
	assert.ErrorIs(t, err, apperr.ErrValidation, "empty cart")

	assert.Zero(t, h.fb.Hits("POST", "/api/orders"))
}

func TestCreateOrderRefusesConcurrentDuplicate(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	stub := &stubBackend{fn: func(call stubCall, out interface{}) error {
		entered <- struct{}{}
		<-release
		return fill(out, `{"orderId":"o1","status":"pending","total":"100","currency":"RWF"}`)
	}}
	o := NewOrderOrchestrator(stub, nil, nil, nil, 0)
	req := CreateOrderRequest{Items: []models.CartItem{foodItem("fries", 1)}, Currency: models.CurrencyRWF}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := o.CreateOrder(context.Background(), req)
		assert.NoError(t, err)
	}()
	<-entered

	_, err := o.CreateOrder(context.Background(), req)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	close(release)
	wg.Wait()

	// Still pending: a repeat submit is refused instead of creating a second order.
	_, err = o.CreateOrder(context.Background(), req)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Len(t, stub.Calls(), 1)
}

func TestCartCheckoutGuardedPerCartID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.co.Cart.AddItem(ctx, foodItem("fries", 1))
	require.NoError(t, err)
	first, err := h.co.Orders.CreateOrderFromCart(ctx, OrderOptions{})
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPending, first.Status)

	// Different contents, same cart: still refused while the first order
	// awaits payment.
	_, err = h.co.Cart.AddItem(ctx, foodItem("popcorn", 2))
	require.NoError(t, err)
	_, err = h.co.Orders.CreateOrderFromCart(ctx, OrderOptions{})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, 1, h.fb.OrderCount())
	assert.False(t, h.co.Cart.Cart().IsEmpty(), "a refused checkout keeps the cart")

	_, err = h.co.Orders.CancelOrder(ctx, first.OrderID, "")
	require.NoError(t, err)
	second, err := h.co.Orders.CreateOrderFromCart(ctx, OrderOptions{})
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderID, second.OrderID)
	assert.Equal(t, 2, h.fb.OrderCount())
}

func TestCartCheckoutRefusedWhileCreateInFlight(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{}, 1)
	stub := &stubBackend{fn: func(call stubCall, out interface{}) error {
		switch call.Path {
		case "/api/cart/items":
			if call.Body.(models.CartItem).ReferenceID == "fries" {
				return fill(out, `{"id":"cart-1","items":[{"id":"i1","itemType":"food","itemId":"fries","unitPrice":"2500","quantity":1}],"subtotal":"2500","tax":"450","total":"2950","currency":"RWF"}`)
			}
			return fill(out, `{"id":"cart-1","items":[{"id":"i1","itemType":"food","itemId":"fries","unitPrice":"2500","quantity":1},{"id":"i2","itemType":"food","itemId":"popcorn","unitPrice":"2500","quantity":1}],"subtotal":"5000","tax":"900","total":"5900","currency":"RWF"}`)
		case "/api/orders":
			entered <- struct{}{}
			<-release
			return fill(out, `{"orderId":"o1","status":"pending","total":"2950","currency":"RWF"}`)
		}
		return fill(out, `{"id":"cart-1","items":[],"subtotal":"0","tax":"0","total":"0","currency":"RWF"}`)
	}}
	cart := NewCartManager(stub, nil, nil, 0)
	o := NewOrderOrchestrator(stub, cart, nil, nil, 0)
	ctx := context.Background()

	_, err := cart.AddItem(ctx, foodItem("fries", 1))
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, err := o.CreateOrderFromCart(ctx, OrderOptions{})
		assert.NoError(t, err)
	}()
	<-entered

	// Guard is per cart id, not per content.
	_, err = cart.AddItem(ctx, foodItem("popcorn", 1))
	require.NoError(t, err)
	_, err = o.CreateOrderFromCart(ctx, OrderOptions{})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	close(release)
	wg.Wait()

	orders := 0
	for _, c := range stub.Calls() {
		if c.Path == "/api/orders" {
			orders++
		}
	}
	assert.Equal(t, 1, orders)
}

func TestIdempotencyKeyReusedAfterUnknownOutcome(t *testing.T) {
	attempt := 0
	stub := &stubBackend{fn: func(call stubCall, out interface{}) error {
		attempt++
		switch attempt {
		case 1:
			return apperr.New(apperr.KindTimeout, "timeout")
		case 2:
			return &apperr.Error{Kind: apperr.KindRequest, Status: 422, Message: "quantity too large"}
		}
		return fill(out, `{"orderId":"o1","status":"pending"}`)
	}}
	o := NewOrderOrchestrator(stub, nil, nil, nil, 0)
	req := CreateOrderRequest{Items: []models.CartItem{foodItem("fries", 1)}, Currency: models.CurrencyRWF}
	ctx := context.Background()

	_, err := o.CreateOrder(ctx, req)
	assert.ErrorIs(t, err, apperr.ErrTimeout)
	_, err = o.CreateOrder(ctx, req)
	assert.ErrorIs(t, err, apperr.ErrValidation)
	_, err = o.CreateOrder(ctx, req)
	require.NoError(t, err)

	calls := stub.Calls()
	require.Len(t, calls, 3)
	assert.NotEmpty(t, calls[0].Key)
	assert.Equal(t, calls[0].Key, calls[1].Key, "unknown outcome keeps the key")
	assert.NotEqual(t, calls[1].Key, calls[2].Key, "a definitive rejection drops it")
}

func TestCancelOrderRejectedLocallyOutsideLegalStates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.placeDirectOrder(t)

	for _, status := range []models.OrderStatus{
		models.OrderStatusProcessing,
		models.OrderStatusCompleted,
		models.OrderStatusCancelled,
		models.OrderStatusRefunded,
	} {
		h.fb.SetOrderStatus(order.OrderID, status)
		_, err := h.co.Orders.Refresh(ctx, order.OrderID)
		require.NoError(t, err)

		_, err = h.co.Orders.CancelOrder(ctx, order.OrderID, "changed my mind")
		assert.ErrorIs(t, err, apperr.ErrValidation, "status %s", status)
	}
	assert.Zero(t, h.fb.Hits("PUT", "/api/orders/:id/cancel"))
}

func TestCancelPendingOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.placeDirectOrder(t)

	cancelled, err := h.co.Orders.CancelOrder(ctx, order.OrderID, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, cancelled.Status)

	changes := h.eventsOf(models.EventTypeOrderStatusChanged)
	require.Len(t, changes, 1)
	assert.Equal(t, "pending", changes[0].From)
	assert.Equal(t, "cancelled", changes[0].To)
}

func TestRefundOrderValidation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.placeDirectOrder(t)

	full := order.Total
	_, err := h.co.Orders.RefundOrder(ctx, order.OrderID, &full, "")
	assert.ErrorIs(t, err, apperr.ErrValidation, "pending orders are not refundable")

	h.fb.SetOrderStatus(order.OrderID, models.OrderStatusCompleted)
	_, err = h.co.Orders.Refresh(ctx, order.OrderID)
	require.NoError(t, err)

	tooMuch := order.Total.Add(decimal.NewFromInt(1))
	_, err = h.co.Orders.RefundOrder(ctx, order.OrderID, &tooMuch, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	zero := decimal.Zero
	_, err = h.co.Orders.RefundOrder(ctx, order.OrderID, &zero, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Zero(t, h.fb.Hits("POST", "/api/orders/:id/refund"))

	partial := decimal.NewFromInt(10000)
	refunded, err := h.co.Orders.RefundOrder(ctx, order.OrderID, &partial, "event moved")
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRefunded, refunded.Status)
}

func TestGetOrderIsIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.placeDirectOrder(t)

	first, err := h.co.Orders.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)
	second, err := h.co.Orders.GetOrder(ctx, order.OrderID)
	require.NoError(t, err)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	b, err := json.Marshal(second)
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
	assert.Empty(t, h.eventsOf(models.EventTypeOrderStatusChanged))
}

func TestGetOrderNotFound(t *testing.T) {
	h := newHarness(t)
	_, err := h.co.Orders.GetOrder(context.Background(), "ord_missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestListOrdersCachesCurrentPageOnly(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, seat := range []string{"A1", "A2", "A3"} {
		h.placeDirectOrder(t, seat)
	}

	page, err := h.co.Orders.ListOrders(ctx, OrderFilter{}, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Orders, 2)

	page2, err := h.co.Orders.ListOrders(ctx, OrderFilter{}, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page2.Orders, 1)
	assert.Equal(t, page2, h.co.Orders.CurrentPage())

	_, err = h.co.Orders.ListOrders(ctx, OrderFilter{Status: "shipped"}, 1, 2)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	filtered, err := h.co.Orders.ListOrders(ctx, OrderFilter{Status: models.OrderStatusCompleted}, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, filtered.Orders)
}

func TestUpdateStatusFollowsStateMachine(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.placeDirectOrder(t)

	_, err := h.co.Orders.UpdateStatus(ctx, order.OrderID, models.OrderStatusCompleted)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	updated, err := h.co.Orders.UpdateStatus(ctx, order.OrderID, models.OrderStatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusConfirmed, updated.Status)
}
