package service

import (
	"context"
	"net/url"
	"sync"
	"time"

	"checkout-core/internal/apperr"
	"checkout-core/internal/broker"
	"checkout-core/internal/models"
	"checkout-core/internal/store"
	"checkout-core/internal/util"

	"go.uber.org/zap"
)

const cartSchemaVersion = 1

// CartManager keeps the local mirror of the server cart. The server computes
// every total; each successful call replaces local state with the returned
// cart, and a failed call leaves it untouched.
//
// Mutations are applied one at a time. Reads do not wait for them, but a read
// that overlaps a mutation never overwrites the mutation's result.
type CartManager struct {
	backend Backend
	persist *store.Entity[models.Cart]
	bus     *broker.Bus
	ttl     time.Duration
	logger  *zap.Logger
	now     func() time.Time

	// mutations serialises writes; one manager serves one user's cart.
	mutations sync.Mutex

	mu         sync.RWMutex
	cart       *models.Cart
	generation uint64
}

// NewCartManager creates a new cart manager. kv may be nil to disable
// persistence.
func NewCartManager(backend Backend, kv store.KV, bus *broker.Bus, ttl time.Duration) *CartManager {
	if ttl <= 0 {
		ttl = models.DefaultCartTTL
	}
	var persist *store.Entity[models.Cart]
	if kv != nil {
		persist = store.NewEntity[models.Cart](kv, store.KeyCart, cartSchemaVersion)
	}
	return &CartManager{
		backend: backend,
		persist: persist,
		bus:     bus,
		ttl:     ttl,
		logger:  util.GetLogger(),
		now:     time.Now,
	}
}

// Restore loads the persisted cart. An expired cart is discarded.
func (m *CartManager) Restore(ctx context.Context) (*models.Cart, error) {
	if m.persist == nil {
		return nil, nil
	}
	cart, ok, err := m.persist.Load(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	if cart.Expired(m.now(), m.ttl) {
		util.Info(ctx, m.logger, "Discarding expired persisted cart", zap.String("cart_id", cart.ID))
		if err := m.persist.Clear(ctx); err != nil {
			util.Warn(ctx, m.logger, "Failed to clear expired cart", zap.Error(err))
		}
		return nil, nil
	}

	m.mu.Lock()
	if m.cart == nil {
		m.cart = cart.Clone()
	}
	out := m.cart.Clone()
	m.mu.Unlock()
	return out, nil
}

// Cart returns the local snapshot, or nil when no cart has been loaded or the
// cart has expired.
func (m *CartManager) Cart() *models.Cart {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.cart == nil || m.cart.Expired(m.now(), m.ttl) {
		return nil
	}
	return m.cart.Clone()
}

// Get fetches the server cart and replaces local state with it.
func (m *CartManager) Get(ctx context.Context) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CartManager.Get")
	defer span.End()

	m.mu.Lock()
	if m.cart != nil && m.cart.Expired(m.now(), m.ttl) {
		m.cart = nil
		m.generation++
	}
	gen := m.generation
	m.mu.Unlock()

	var cart models.Cart
	if err := m.backend.Get(ctx, "/api/cart", &cart); err != nil {
		return nil, util.RecordError(span, apperr.Translate(err))
	}
	out, err := m.accept(ctx, &cart, gen)
	return out, util.RecordError(span, err)
}

// AddItem adds a line. The server decides pricing and totals.
func (m *CartManager) AddItem(ctx context.Context, item models.CartItem) (*models.Cart, error) {
	if err := validateStruct(item); err != nil {
		util.CartMutationsTotal.WithLabelValues("add", "rejected").Inc()
		return nil, err
	}
	if err := item.CheckDetails(); err != nil {
		util.CartMutationsTotal.WithLabelValues("add", "rejected").Inc()
		return nil, apperr.Wrap(apperr.KindValidation, "item details do not match item type", err)
	}
	if item.UnitPrice.IsNegative() {
		util.CartMutationsTotal.WithLabelValues("add", "rejected").Inc()
		return nil, apperr.Validation("unitPrice must not be negative")
	}
	item.ID = ""

	return m.mutate(ctx, "add", func(ctx context.Context, out *models.Cart) error {
		return m.backend.Post(ctx, "/api/cart/items", item, out)
	})
}

// UpdateItem sets a line's quantity. Zero or less removes the line.
func (m *CartManager) UpdateItem(ctx context.Context, itemID string, quantity int) (*models.Cart, error) {
	if itemID == "" {
		return nil, apperr.Validation("item id is required")
	}
	if quantity <= 0 {
		return m.RemoveItem(ctx, itemID)
	}
	body := map[string]int{"quantity": quantity}
	return m.mutate(ctx, "update", func(ctx context.Context, out *models.Cart) error {
		return m.backend.Put(ctx, "/api/cart/items/"+url.PathEscape(itemID), body, out)
	})
}

func (m *CartManager) RemoveItem(ctx context.Context, itemID string) (*models.Cart, error) {
	if itemID == "" {
		return nil, apperr.Validation("item id is required")
	}
	return m.mutate(ctx, "remove", func(ctx context.Context, out *models.Cart) error {
		return m.backend.Delete(ctx, "/api/cart/items/"+url.PathEscape(itemID), out)
	})
}

// Clear empties the cart on the server.
func (m *CartManager) Clear(ctx context.Context) (*models.Cart, error) {
	return m.mutate(ctx, "clear", func(ctx context.Context, out *models.Cart) error {
		return m.backend.Delete(ctx, "/api/cart/clear", out)
	})
}

// Forget drops local and persisted cart state without touching the server,
// e.g. on sign-out.
func (m *CartManager) Forget(ctx context.Context) {
	m.mu.Lock()
	m.cart = nil
	m.generation++
	m.mu.Unlock()
	if m.persist != nil {
		if err := m.persist.Clear(ctx); err != nil {
			util.Warn(ctx, m.logger, "Failed to clear persisted cart", zap.Error(err))
		}
	}
}

func (m *CartManager) mutate(ctx context.Context, op string, call func(context.Context, *models.Cart) error) (*models.Cart, error) {
	ctx, span := util.StartSpan(ctx, "CartManager."+op)
	defer span.End()

	m.mutations.Lock()
	defer m.mutations.Unlock()

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	var cart models.Cart
	if err := call(ctx, &cart); err != nil {
		util.CartMutationsTotal.WithLabelValues(op, "failed").Inc()
		return nil, util.RecordError(span, apperr.Translate(err))
	}

	// Some deployments answer a write with an empty body; read the cart back.
	if cart.ID == "" && cart.Items == nil {
		if err := m.backend.Get(ctx, "/api/cart", &cart); err != nil {
			util.CartMutationsTotal.WithLabelValues(op, "failed").Inc()
			return nil, util.RecordError(span, apperr.Translate(err))
		}
	}

	out, err := m.accept(ctx, &cart, gen)
	if err != nil {
		util.CartMutationsTotal.WithLabelValues(op, "failed").Inc()
		return nil, util.RecordError(span, err)
	}
	util.CartMutationsTotal.WithLabelValues(op, "ok").Inc()
	return out, nil
}

// accept validates a server cart and, if no newer write has started since
// gen was taken, makes it the local state.
func (m *CartManager) accept(ctx context.Context, cart *models.Cart, gen uint64) (*models.Cart, error) {
	if err := cart.CheckTotals(); err != nil {
		util.Error(ctx, m.logger, "Server cart failed totals check",
			zap.String("cart_id", cart.ID),
			zap.Error(err))
		return nil, apperr.Wrap(apperr.KindServer, "cart totals are inconsistent", err)
	}
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = m.now()
	}

	m.mu.Lock()
	if gen != m.generation {
		// A mutation started after this read; its response wins.
		out := cart.Clone()
		m.mu.Unlock()
		return out, nil
	}
	m.cart = cart.Clone()
	snapshot := cart.Clone()
	m.mu.Unlock()

	m.save(ctx, snapshot)
	m.bus.Publish(ctx, models.NewStateEvent(models.EventTypeCartUpdated, snapshot.ID, snapshot.Clone()))
	return snapshot, nil
}

func (m *CartManager) save(ctx context.Context, cart *models.Cart) {
	if m.persist == nil {
		return
	}
	ttl := m.ttl
	if !cart.ExpiresAt.IsZero() {
		ttl = cart.ExpiresAt.Sub(m.now())
	} else if !cart.CreatedAt.IsZero() {
		ttl = cart.CreatedAt.Add(m.ttl).Sub(m.now())
	}
	if ttl <= 0 {
		return
	}
	if err := m.persist.Save(ctx, *cart, ttl); err != nil {
		util.Warn(ctx, m.logger, "Failed to persist cart", zap.String("cart_id", cart.ID), zap.Error(err))
	}
}
