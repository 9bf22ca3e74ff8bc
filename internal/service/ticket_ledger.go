package service

import (
	"context"
	"net/url"
	"sort"
	"sync"
	"time"

	"checkout-core/internal/apperr"
	"checkout-core/internal/broker"
	"checkout-core/internal/models"
	"checkout-core/internal/store"
	"checkout-core/internal/transport"
	"checkout-core/internal/util"

	"go.uber.org/zap"
)

const ticketCacheSchemaVersion = 1

// TicketLedger is the local cache of issued tickets. Tickets only enter it
// from the backend, after both the order and its payment have completed.
type TicketLedger struct {
	backend Backend
	persist *store.Entity[models.TicketCache]
	bus     *broker.Bus
	logger  *zap.Logger
	now     func() time.Time

	mu       sync.RWMutex
	tickets  map[string]*models.Ticket
	syncedAt time.Time
}

// NewTicketLedger creates a new ticket ledger. kv may be nil.
func NewTicketLedger(backend Backend, kv store.KV, bus *broker.Bus) *TicketLedger {
	var persist *store.Entity[models.TicketCache]
	if kv != nil {
		persist = store.NewEntity[models.TicketCache](kv, store.KeyTicketCache, ticketCacheSchemaVersion)
	}
	return &TicketLedger{
		backend: backend,
		persist: persist,
		bus:     bus,
		logger:  util.GetLogger(),
		now:     time.Now,
		tickets: make(map[string]*models.Ticket),
	}
}

// Restore loads the persisted cache so tickets are visible offline.
func (l *TicketLedger) Restore(ctx context.Context) error {
	if l.persist == nil {
		return nil
	}
	cache, ok, err := l.persist.Load(ctx)
	if err != nil || !ok {
		return err
	}
	l.mu.Lock()
	for i := range cache.Tickets {
		t := cache.Tickets[i]
		l.tickets[t.TicketID] = &t
	}
	l.syncedAt = cache.SyncedAt
	l.mu.Unlock()
	return nil
}

// MaterializeFromOrder fetches the tickets of a completed, paid order and
// merges them into the ledger by ticket id.
func (l *TicketLedger) MaterializeFromOrder(ctx context.Context, order *models.Order, payment *models.Payment) ([]models.Ticket, error) {
	if order == nil || payment == nil {
		return nil, apperr.Validation("order and payment are required")
	}
	ctx, span := util.StartSpan(ctx, "TicketLedger.MaterializeFromOrder", "order_id", order.OrderID)
	defer span.End()

	if order.Status != models.OrderStatusCompleted {
		return nil, util.RecordError(span, apperr.Validation("order %s is %s, not completed", order.OrderID, order.Status))
	}
	if payment.Status != models.PaymentStatusCompleted {
		return nil, util.RecordError(span, apperr.Validation("payment %s is %s, not completed", payment.PaymentID, payment.Status))
	}
	if payment.OrderReference != "" && payment.OrderReference != order.OrderID {
		return nil, util.RecordError(span, apperr.Validation("payment %s belongs to order %s", payment.PaymentID, payment.OrderReference))
	}

	q := url.Values{}
	q.Set("orderId", order.OrderID)
	var fetched []models.Ticket
	if err := l.backend.Get(ctx, "/api/tickets/my-tickets", &fetched, transport.WithQuery(q)); err != nil {
		return nil, util.RecordError(span, apperr.Translate(err))
	}

	issued := make([]models.Ticket, 0, len(fetched))
	for _, t := range fetched {
		if t.TicketID == "" || (t.OrderID != "" && t.OrderID != order.OrderID) {
			continue
		}
		if t.OrderID == "" {
			t.OrderID = order.OrderID
		}
		issued = append(issued, t)
	}

	l.mu.Lock()
	for i := range issued {
		t := issued[i]
		l.tickets[t.TicketID] = &t
	}
	l.syncedAt = l.now()
	l.mu.Unlock()
	l.save(ctx)

	util.TicketsMaterializedTotal.Add(float64(len(issued)))
	util.Info(ctx, l.logger, "Tickets materialized",
		zap.String("order_id", order.OrderID),
		zap.Int("count", len(issued)))
	l.bus.Publish(ctx, models.NewStateEvent(models.EventTypeTicketsMaterialized, order.OrderID, issued))
	return issued, nil
}

// Refresh replaces the ledger with the backend's full list.
func (l *TicketLedger) Refresh(ctx context.Context) ([]models.Ticket, error) {
	ctx, span := util.StartSpan(ctx, "TicketLedger.Refresh")
	defer span.End()

	var fetched []models.Ticket
	if err := l.backend.Get(ctx, "/api/tickets/my-tickets", &fetched); err != nil {
		return nil, util.RecordError(span, apperr.Translate(err))
	}

	next := make(map[string]*models.Ticket, len(fetched))
	for i := range fetched {
		t := fetched[i]
		if t.TicketID == "" {
			continue
		}
		next[t.TicketID] = &t
	}

	l.mu.Lock()
	l.tickets = next
	l.syncedAt = l.now()
	l.mu.Unlock()
	l.save(ctx)
	return l.Tickets(), nil
}

// Tickets lists every ticket, most recent purchase first.
func (l *TicketLedger) Tickets() []models.Ticket {
	return l.filter(func(*models.Ticket) bool { return true })
}

func (l *TicketLedger) TicketsForEvent(eventID string) []models.Ticket {
	return l.filter(func(t *models.Ticket) bool { return t.EventID == eventID })
}

func (l *TicketLedger) TicketsForOrder(orderID string) []models.Ticket {
	return l.filter(func(t *models.Ticket) bool { return t.OrderID == orderID })
}

func (l *TicketLedger) Ticket(ticketID string) (*models.Ticket, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.tickets[ticketID]
	if !ok {
		return nil, false
	}
	out := *t
	return &out, true
}

// Status derives a ticket's current status.
func (l *TicketLedger) Status(ticketID string) (models.TicketStatus, bool) {
	t, ok := l.Ticket(ticketID)
	if !ok {
		return "", false
	}
	return t.Status(l.now()), true
}

// SyncedAt is when the ledger last heard from the backend.
func (l *TicketLedger) SyncedAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.syncedAt
}

// UseTicket marks an active ticket as used. Local state changes only after
// the backend accepts.
func (l *TicketLedger) UseTicket(ctx context.Context, ticketID string) (*models.Ticket, error) {
	ctx, span := util.StartSpan(ctx, "TicketLedger.UseTicket", "ticket_id", ticketID)
	defer span.End()

	status, ok := l.Status(ticketID)
	if !ok {
		return nil, util.RecordError(span, apperr.New(apperr.KindNotFound, "Ticket not found."))
	}
	if status != models.TicketStatusActive {
		return nil, util.RecordError(span, apperr.Validation("ticket is %s and cannot be used", status))
	}
	out, err := l.update(ctx, "/api/tickets/"+url.PathEscape(ticketID)+"/use", nil, ticketID, func(t *models.Ticket) {
		now := l.now()
		t.Used = true
		t.UsedAt = &now
	})
	return out, util.RecordError(span, err)
}

// RefundTicket requests a refund of an active or used ticket.
func (l *TicketLedger) RefundTicket(ctx context.Context, ticketID, reason string) (*models.Ticket, error) {
	ctx, span := util.StartSpan(ctx, "TicketLedger.RefundTicket", "ticket_id", ticketID)
	defer span.End()

	status, ok := l.Status(ticketID)
	if !ok {
		return nil, util.RecordError(span, apperr.New(apperr.KindNotFound, "Ticket not found."))
	}
	if status != models.TicketStatusActive && status != models.TicketStatusUsed {
		return nil, util.RecordError(span, apperr.Validation("ticket is %s and cannot be refunded", status))
	}
	body := map[string]string{"reason": reason}
	out, err := l.update(ctx, "/api/tickets/"+url.PathEscape(ticketID)+"/refund", body, ticketID, func(t *models.Ticket) {
		now := l.now()
		t.Refunded = true
		t.RefundedAt = &now
	})
	return out, util.RecordError(span, err)
}

// Reset drops the ledger and its persisted copy.
func (l *TicketLedger) Reset(ctx context.Context) {
	l.mu.Lock()
	l.tickets = make(map[string]*models.Ticket)
	l.syncedAt = time.Time{}
	l.mu.Unlock()
	if l.persist != nil {
		if err := l.persist.Clear(ctx); err != nil {
			util.Warn(ctx, l.logger, "Failed to clear ticket cache", zap.Error(err))
		}
	}
}

// update sends a ticket command and applies the backend's ticket, or fallback
// when the backend answers without one.
func (l *TicketLedger) update(ctx context.Context, path string, body interface{}, ticketID string, fallback func(*models.Ticket)) (*models.Ticket, error) {
	var remote models.Ticket
	if err := l.backend.Put(ctx, path, body, &remote); err != nil {
		return nil, apperr.Translate(err)
	}

	l.mu.Lock()
	cur, ok := l.tickets[ticketID]
	if !ok {
		l.mu.Unlock()
		return nil, apperr.New(apperr.KindNotFound, "Ticket not found.")
	}
	var next models.Ticket
	if remote.TicketID == ticketID {
		next = remote
	} else {
		next = *cur
		fallback(&next)
	}
	l.tickets[ticketID] = &next
	l.mu.Unlock()

	l.save(ctx)
	l.bus.Publish(ctx, models.NewStateEvent(models.EventTypeTicketUpdated, ticketID, next))
	out := next
	return &out, nil
}

func (l *TicketLedger) filter(keep func(*models.Ticket) bool) []models.Ticket {
	l.mu.RLock()
	out := make([]models.Ticket, 0, len(l.tickets))
	for _, t := range l.tickets {
		if keep(t) {
			out = append(out, *t)
		}
	}
	l.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].PurchaseDate.Equal(out[j].PurchaseDate) {
			return out[i].TicketID < out[j].TicketID
		}
		return out[i].PurchaseDate.After(out[j].PurchaseDate)
	})
	return out
}

func (l *TicketLedger) save(ctx context.Context) {
	if l.persist == nil {
		return
	}
	l.mu.RLock()
	cache := models.TicketCache{Tickets: make([]models.Ticket, 0, len(l.tickets)), SyncedAt: l.syncedAt}
	for _, t := range l.tickets {
		cache.Tickets = append(cache.Tickets, *t)
	}
	l.mu.RUnlock()
	if err := l.persist.Save(ctx, cache, 0); err != nil {
		util.Warn(ctx, l.logger, "Failed to persist ticket cache", zap.Error(err))
	}
}
