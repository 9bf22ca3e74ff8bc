package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"checkout-core/internal/apperr"
	"checkout-core/internal/models"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingIssuer counts materializations on top of the real ledger.
type countingIssuer struct {
	next  TicketIssuer
	calls int32
}

func (c *countingIssuer) MaterializeFromOrder(ctx context.Context, order *models.Order, payment *models.Payment) ([]models.Ticket, error) {
	atomic.AddInt32(&c.calls, 1)
	return c.next.MaterializeFromOrder(ctx, order, payment)
}

func mobileMoney(orderID string) InitiatePaymentRequest {
	return InitiatePaymentRequest{
		OrderID:     orderID,
		Method:      models.PaymentMethodMobileMoney,
		PhoneNumber: "+250788123456",
	}
}

func TestPollUntilCompletedMaterializesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fb.ScriptPayments(models.PaymentStatusPending, models.PaymentStatusPending, models.PaymentStatusCompleted)

	issuer := &countingIssuer{next: h.co.Tickets}
	payments := NewPaymentOrchestrator(h.client, h.co.Orders, issuer, nil, h.co.Bus,
		PollOptions{Interval: 5 * time.Millisecond, MaxAttempts: 10, Timeout: 5 * time.Second})

	order := h.placeDirectOrder(t)
	started, err := payments.Initiate(ctx, mobileMoney(order.OrderID))
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, started.Payment.Status)
	assert.Equal(t, ActionConfirmOnPhone, started.Action.Kind)

	res, err := payments.Poll(ctx, started.Payment.PaymentID)
	require.NoError(t, err)
	assert.False(t, res.StillPending)
	assert.Equal(t, models.PaymentStatusCompleted, res.Payment.Status)
	assert.Equal(t, 3, h.fb.Hits("GET", "/api/payments/:id/verify"))

	completed := 0
	for _, ev := range h.eventsOf(models.EventTypePaymentStatusChanged) {
		if ev.To == string(models.PaymentStatusCompleted) {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
	assert.Equal(t, int32(1), atomic.LoadInt32(&issuer.calls))
	assert.Len(t, h.co.Tickets.TicketsForOrder(order.OrderID), 2)

	cur, ok := h.co.Orders.Order(order.OrderID)
	require.True(t, ok)
	assert.Equal(t, models.OrderStatusCompleted, cur.Status)

	// A late callback re-verifies but settles nothing twice.
	_, err = payments.HandleCallback(ctx, started.Payment.PaymentID)
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&issuer.calls))
	assert.Len(t, h.co.Tickets.Tickets(), 2)
	assert.Len(t, h.eventsOf(models.EventTypeTicketsMaterialized), 1)
}

func TestPollReportsFailedPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fb.ScriptPayments(models.PaymentStatusProcessing, models.PaymentStatusFailed)

	order := h.placeDirectOrder(t)
	started, err := h.co.Payments.Initiate(ctx, mobileMoney(order.OrderID))
	require.NoError(t, err)

	res, err := h.co.Payments.Poll(ctx, started.Payment.PaymentID)
	assert.ErrorIs(t, err, apperr.ErrPaymentFailed)
	require.NotNil(t, res)
	assert.Equal(t, models.PaymentStatusFailed, res.Payment.Status)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, "Insufficient funds", e.UserMessage())
	assert.Empty(t, h.co.Tickets.Tickets())

	// The order stays payable with a fresh attempt.
	h.fb.ScriptPayments(models.PaymentStatusCompleted)
	_, err = h.co.Payments.Initiate(ctx, mobileMoney(order.OrderID))
	assert.NoError(t, err)
}

func TestPollGivesUpWithStillPending(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fb.ScriptPayments(models.PaymentStatusPending)

	payments := NewPaymentOrchestrator(h.client, h.co.Orders, h.co.Tickets, nil, h.co.Bus,
		PollOptions{Interval: time.Millisecond, MaxAttempts: 3, Timeout: 5 * time.Second})
	order := h.placeDirectOrder(t)
	started, err := payments.Initiate(ctx, mobileMoney(order.OrderID))
	require.NoError(t, err)

	res, err := payments.Poll(ctx, started.Payment.PaymentID)
	require.NoError(t, err, "running out of attempts is not a failure")
	assert.True(t, res.StillPending)
	assert.Equal(t, models.PaymentStatusPending, res.Payment.Status)
	assert.Equal(t, 3, h.fb.Hits("GET", "/api/payments/:id/verify"))
}

func TestCancelPollingLeavesPaymentOpen(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fb.ScriptPayments(models.PaymentStatusPending)

	payments := NewPaymentOrchestrator(h.client, h.co.Orders, h.co.Tickets, nil, h.co.Bus,
		PollOptions{Interval: 20 * time.Millisecond, MaxAttempts: 1000, Timeout: time.Minute})
	order := h.placeDirectOrder(t)
	started, err := payments.Initiate(ctx, mobileMoney(order.OrderID))
	require.NoError(t, err)
	id := started.Payment.PaymentID

	done := make(chan *PollResult, 1)
	go func() {
		res, _ := payments.Poll(ctx, id)
		done <- res
	}()

	require.Eventually(t, func() bool { return payments.CancelPolling(id) }, time.Second, 5*time.Millisecond)

	select {
	case res := <-done:
		assert.True(t, res.StillPending)
	case <-time.After(2 * time.Second):
		t.Fatal("poll did not stop")
	}
	assert.Zero(t, h.fb.Hits("PUT", "/api/payments/:id/cancel"))
	remote, ok := h.fb.Payment(id)
	require.True(t, ok)
	assert.Equal(t, models.PaymentStatusPending, remote.Status)
}

func TestSettledPaymentRejectsCancelLocally(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	order := h.placeDirectOrder(t)
	started, err := h.co.Payments.Initiate(ctx, mobileMoney(order.OrderID))
	require.NoError(t, err)
	_, err = h.co.Payments.Verify(ctx, started.Payment.PaymentID)
	require.NoError(t, err)

	_, err = h.co.Payments.CancelPayment(ctx, started.Payment.PaymentID, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Zero(t, h.fb.Hits("PUT", "/api/payments/:id/cancel"))

	tooMuch := order.Total.Add(decimal.NewFromInt(1))
	_, err = h.co.Payments.RefundPayment(ctx, started.Payment.PaymentID, &tooMuch, "")
	assert.ErrorIs(t, err, apperr.ErrValidation)

	refunded, err := h.co.Payments.RefundPayment(ctx, started.Payment.PaymentID, nil, "event cancelled")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusRefunded, refunded.Status)
}

func TestCancelOpenPayment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fb.ScriptPayments(models.PaymentStatusPending)

	order := h.placeDirectOrder(t)
	started, err := h.co.Payments.Initiate(ctx, mobileMoney(order.OrderID))
	require.NoError(t, err)

	cancelled, err := h.co.Payments.CancelPayment(ctx, started.Payment.PaymentID, "wrong phone")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCancelled, cancelled.Status)
}

func TestInitiateRejectsRawCardNumber(t *testing.T) {
	h := newHarness(t)
	order := h.placeDirectOrder(t)

	_, err := h.co.Payments.Initiate(context.Background(), InitiatePaymentRequest{
		OrderID:   order.OrderID,
		Method:    models.PaymentMethodCard,
		CardToken: "4111 1111 1111 1111",
	})
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Zero(t, h.fb.PaymentCount())
}

func TestInitiateDeclinedCard(t *testing.T) {
	h := newHarness(t)
	order := h.placeDirectOrder(t)

	_, err := h.co.Payments.Initiate(context.Background(), InitiatePaymentRequest{
		OrderID:   order.OrderID,
		Method:    models.PaymentMethodCard,
		CardToken: "declined",
	})
	assert.ErrorIs(t, err, apperr.ErrPaymentFailed)
}

func TestInitiateUsesPreferredMethod(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fb.ScriptPayments(models.PaymentStatusPending)

	require.NoError(t, h.co.PaymentMethods.SetDefault(ctx, models.PaymentMethodMobileMoney, "+250788000111"))
	order := h.placeDirectOrder(t)

	started, err := h.co.Payments.Initiate(ctx, InitiatePaymentRequest{OrderID: order.OrderID})
	require.NoError(t, err)
	assert.Equal(t, models.PaymentMethodMobileMoney, started.Payment.Method)
	assert.Equal(t, 1, h.fb.Hits("POST", "/api/payments/mobile-money"))
}

func TestOneOpenPaymentPerOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.fb.ScriptPayments(models.PaymentStatusPending)

	order := h.placeDirectOrder(t)
	_, err := h.co.Payments.Initiate(ctx, mobileMoney(order.OrderID))
	require.NoError(t, err)

	_, err = h.co.Payments.Initiate(ctx, mobileMoney(order.OrderID))
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Equal(t, 1, h.fb.PaymentCount())
}

func TestInitiateRequiresPayableOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.placeDirectOrder(t)
	_, err := h.co.Orders.CancelOrder(ctx, order.OrderID, "")
	require.NoError(t, err)

	_, err = h.co.Payments.Initiate(ctx, mobileMoney(order.OrderID))
	assert.ErrorIs(t, err, apperr.ErrValidation)
	assert.Zero(t, h.fb.PaymentCount())
}

func TestInitiateReusesKeyAfterUnknownOutcome(t *testing.T) {
	attempt := 0
	stub := &stubBackend{fn: func(call stubCall, out interface{}) error {
		attempt++
		if attempt == 1 {
			return apperr.New(apperr.KindNetwork, "connection reset")
		}
		return fill(out, `{"paymentId":"p1","status":"pending"}`)
	}}
	orders := &staticOrders{order: &models.Order{
		OrderID: "o1", Status: models.OrderStatusPending, Total: decimal.NewFromInt(100), Currency: models.CurrencyRWF,
	}}
	payments := NewPaymentOrchestrator(stub, orders, nil, nil, nil, PollOptions{})
	ctx := context.Background()

	_, err := payments.Initiate(ctx, mobileMoney("o1"))
	assert.ErrorIs(t, err, apperr.ErrNetwork)
	_, err = payments.Initiate(ctx, mobileMoney("o1"))
	require.NoError(t, err)

	calls := stub.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].Key, calls[1].Key)
}

// staticOrders serves one fixed order.
type staticOrders struct {
	order *models.Order
}

func (s *staticOrders) Order(id string) (*models.Order, bool) {
	if id != s.order.OrderID {
		return nil, false
	}
	return s.order.Clone(), true
}

func (s *staticOrders) GetOrder(ctx context.Context, id string) (*models.Order, error) {
	if o, ok := s.Order(id); ok {
		return o, nil
	}
	return nil, apperr.ErrNotFound
}

func (s *staticOrders) Refresh(ctx context.Context, id string) (*models.Order, error) {
	return s.GetOrder(ctx, id)
}

func TestReplacingPollKeepsItCancellable(t *testing.T) {
	stub := &stubBackend{fn: func(call stubCall, out interface{}) error {
		return fill(out, `{"paymentId":"p1","status":"pending","orderReference":"o1"}`)
	}}
	payments := NewPaymentOrchestrator(stub, nil, nil, nil, nil,
		PollOptions{Interval: 5 * time.Millisecond, MaxAttempts: 100000, Timeout: time.Minute})
	ctx := context.Background()

	first := make(chan *PollResult, 1)
	go func() {
		res, _ := payments.Poll(ctx, "p1")
		first <- res
	}()
	require.Eventually(t, func() bool { return len(stub.Calls()) > 0 }, time.Second, time.Millisecond)

	second := make(chan *PollResult, 1)
	go func() {
		res, _ := payments.Poll(ctx, "p1")
		second <- res
	}()

	// The second poll replaces the first.
	select {
	case res := <-first:
		assert.True(t, res.StillPending)
	case <-time.After(2 * time.Second):
		t.Fatal("replaced poll did not stop")
	}

	assert.True(t, payments.CancelPolling("p1"), "the replacing poll is still registered")
	select {
	case res := <-second:
		assert.True(t, res.StillPending)
	case <-time.After(2 * time.Second):
		t.Fatal("replacing poll kept running after CancelPolling")
	}
	assert.False(t, payments.CancelPolling("p1"))
}

// gatedOrders holds the first Refresh until released.
type gatedOrders struct {
	staticOrders
	entered chan struct{}
	release chan struct{}
	calls   int32
}

func (g *gatedOrders) Refresh(ctx context.Context, id string) (*models.Order, error) {
	if atomic.AddInt32(&g.calls, 1) == 1 {
		g.entered <- struct{}{}
		<-g.release
	}
	return g.staticOrders.Refresh(ctx, id)
}

func TestResetForgetsInFlightReconcile(t *testing.T) {
	stub := &stubBackend{fn: func(call stubCall, out interface{}) error {
		return fill(out, `{"paymentId":"p1","status":"completed","orderReference":"o1"}`)
	}}
	orders := &gatedOrders{
		staticOrders: staticOrders{order: &models.Order{OrderID: "o1", Status: models.OrderStatusCompleted}},
		entered:      make(chan struct{}, 1),
		release:      make(chan struct{}),
	}
	issuer := &countingIssuer{next: issuerFunc(func(context.Context, *models.Order, *models.Payment) ([]models.Ticket, error) {
		return nil, nil
	})}
	payments := NewPaymentOrchestrator(stub, orders, issuer, nil, nil, PollOptions{})
	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := payments.Verify(ctx, "p1")
		assert.NoError(t, err)
	}()
	<-orders.entered

	// Session expiry while the first reconcile is stuck on the order refresh.
	payments.Reset()
	_, err := payments.Verify(ctx, "p1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, atomic.LoadInt32(&issuer.calls), "the new session reconciles on its own")

	close(orders.release)
	<-done
	assert.EqualValues(t, 2, atomic.LoadInt32(&issuer.calls))

	_, err = payments.Verify(ctx, "p1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, atomic.LoadInt32(&issuer.calls), "settled once per session")
}

type issuerFunc func(ctx context.Context, order *models.Order, payment *models.Payment) ([]models.Ticket, error)

func (f issuerFunc) MaterializeFromOrder(ctx context.Context, order *models.Order, payment *models.Payment) ([]models.Ticket, error) {
	return f(ctx, order, payment)
}
