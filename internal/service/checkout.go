package service

import (
	"context"
	"time"

	"checkout-core/internal/broker"
	"checkout-core/internal/models"
	"checkout-core/internal/store"
	"checkout-core/internal/util"

	"go.uber.org/zap"
)

// Settings are the tunables of a Checkout.
type Settings struct {
	HoldDuration        time.Duration
	AvailabilityRetries int
	CartTTL             time.Duration
	OrderPageSize       int
	Poll                PollOptions
}

// Checkout is one user's service graph. Every component shares the same
// backend, store and bus.
type Checkout struct {
	Bus            *broker.Bus
	Availability   *AvailabilityService
	Cart           *CartManager
	Orders         *OrderOrchestrator
	Payments       *PaymentOrchestrator
	PaymentMethods *PaymentMethodStore
	Tickets        *TicketLedger

	logger *zap.Logger
}

// NewCheckout creates the service graph. kv may be nil for an in-memory only
// session.
func NewCheckout(backend Backend, kv store.KV, bus *broker.Bus, s Settings) *Checkout {
	if bus == nil {
		bus = broker.NewBus()
	}
	availability := NewAvailabilityService(backend, bus, AvailabilityOptions{
		HoldDuration: s.HoldDuration,
		Retries:      s.AvailabilityRetries,
	})
	cart := NewCartManager(backend, kv, bus, s.CartTTL)
	orders := NewOrderOrchestrator(backend, cart, availability, bus, s.OrderPageSize)
	tickets := NewTicketLedger(backend, kv, bus)
	methods := NewPaymentMethodStore(kv)
	payments := NewPaymentOrchestrator(backend, orders, tickets, methods, bus, s.Poll)

	return &Checkout{
		Bus:            bus,
		Availability:   availability,
		Cart:           cart,
		Orders:         orders,
		Payments:       payments,
		PaymentMethods: methods,
		Tickets:        tickets,
		logger:         util.GetLogger(),
	}
}

// Restore reloads persisted state. Failures are logged and the affected
// component starts empty.
func (c *Checkout) Restore(ctx context.Context) {
	if _, err := c.Cart.Restore(ctx); err != nil {
		util.Warn(ctx, c.logger, "Could not restore cart", zap.Error(err))
	}
	if err := c.PaymentMethods.Restore(ctx); err != nil {
		util.Warn(ctx, c.logger, "Could not restore payment preferences", zap.Error(err))
	}
	if err := c.Tickets.Restore(ctx); err != nil {
		util.Warn(ctx, c.logger, "Could not restore ticket cache", zap.Error(err))
	}
}

// SessionExpired drops session-bound state after the backend rejected the
// token and announces it. Tickets and payment preferences are kept for
// offline use.
func (c *Checkout) SessionExpired(ctx context.Context) {
	c.Payments.Reset()
	c.Orders.Reset()
	c.Availability.Reset()
	c.Bus.Publish(ctx, models.NewStateEvent(models.EventTypeSessionExpired, "", nil))
}

// SignOut forgets everything held for the user, persisted state included.
func (c *Checkout) SignOut(ctx context.Context) {
	c.SessionExpired(ctx)
	c.Cart.Forget(ctx)
	c.Tickets.Reset(ctx)
	if err := c.PaymentMethods.Clear(ctx); err != nil {
		util.Warn(ctx, c.logger, "Could not clear payment preferences", zap.Error(err))
	}
}
