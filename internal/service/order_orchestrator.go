package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/url"
	"sort"
	"strconv"
	"sync"
	"time"

	"checkout-core/internal/apperr"
	"checkout-core/internal/broker"
	"checkout-core/internal/models"
	"checkout-core/internal/transport"
	"checkout-core/internal/util"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const DefaultOrderPageSize = 20

// OrderOrchestrator turns carts or direct item lists into orders and follows
// each order through its lifecycle.
type OrderOrchestrator struct {
	backend  Backend
	cart     *CartManager
	holds    *AvailabilityService
	bus      *broker.Bus
	pageSize int
	logger   *zap.Logger
	now      func() time.Time

	mu sync.Mutex
	// known holds every order this session has seen, keyed by id.
	known map[string]*models.Order
	// page is the most recently listed page of history.
	page *models.OrderPage
	// attempts tracks order creation per source (cart id or direct items,
	// each with a content fingerprint).
	attempts map[string]*createAttempt
}

type createAttempt struct {
	inFlight bool
	// key is reused for retries of the same content while the previous
	// outcome is unknown.
	key         string
	fingerprint string
	// orderID is set once the backend has created an order for the source.
	orderID string
}

// NewOrderOrchestrator creates a new order orchestrator
func NewOrderOrchestrator(backend Backend, cart *CartManager, holds *AvailabilityService, bus *broker.Bus, pageSize int) *OrderOrchestrator {
	if pageSize <= 0 {
		pageSize = DefaultOrderPageSize
	}
	return &OrderOrchestrator{
		backend:  backend,
		cart:     cart,
		holds:    holds,
		bus:      bus,
		pageSize: pageSize,
		logger:   util.GetLogger(),
		now:      time.Now,
		known:    make(map[string]*models.Order),
		attempts: make(map[string]*createAttempt),
	}
}

// CreateOrderRequest is a direct purchase that bypasses the cart.
type CreateOrderRequest struct {
	EventID        string            `json:"eventId,omitempty"`
	Items          []models.CartItem `json:"items" validate:"required,min=1,dive"`
	Currency       models.Currency   `json:"currency" validate:"required,oneof=RWF USD"`
	DeliveryMethod string            `json:"deliveryMethod,omitempty"`
	Notes          string            `json:"notes,omitempty"`
}

// OrderOptions are the extra fields of a cart checkout.
type OrderOptions struct {
	EventID        string `json:"eventId,omitempty"`
	DeliveryMethod string `json:"deliveryMethod,omitempty"`
	Notes          string `json:"notes,omitempty"`
}

type createOrderBody struct {
	CartID         string            `json:"cartId,omitempty"`
	EventID        string            `json:"eventId,omitempty"`
	Items          []models.CartItem `json:"items"`
	Currency       models.Currency   `json:"currency"`
	HoldIDs        []string          `json:"holdIds,omitempty"`
	DeliveryMethod string            `json:"deliveryMethod,omitempty"`
	Notes          string            `json:"notes,omitempty"`
}

// CreateOrderFromCart checks out the current cart. The items sent are a
// snapshot; later cart edits do not affect the order. The cart is cleared only
// after the order exists.
func (o *OrderOrchestrator) CreateOrderFromCart(ctx context.Context, opts OrderOptions) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderOrchestrator.CreateOrderFromCart")
	defer span.End()

	if o.cart == nil {
		return nil, util.RecordError(span, apperr.Validation("no cart is configured"))
	}
	cart := o.cart.Cart()
	if cart == nil {
		var err error
		if cart, err = o.cart.Get(ctx); err != nil {
			return nil, util.RecordError(span, err)
		}
	}
	if cart.IsEmpty() {
		util.OrdersFailedTotal.WithLabelValues("empty_cart").Inc()
		return nil, util.RecordError(span, apperr.Validation("cart is empty"))
	}

	body := createOrderBody{
		CartID:         cart.ID,
		EventID:        opts.EventID,
		Items:          cart.Items,
		Currency:       cart.Currency,
		HoldIDs:        cart.HoldIDs(),
		DeliveryMethod: opts.DeliveryMethod,
		Notes:          opts.Notes,
	}
	if err := checkItems(body.Items); err != nil {
		util.OrdersFailedTotal.WithLabelValues("validation").Inc()
		return nil, util.RecordError(span, err)
	}

	order, err := o.create(ctx, "cart:"+cart.ID, fingerprint(body), body)
	if err != nil {
		return nil, util.RecordError(span, err)
	}

	if _, err := o.cart.Clear(ctx); err != nil {
		// The order exists; a stale cart is recoverable on the next fetch.
		util.Warn(ctx, o.logger, "Order created but cart could not be cleared",
			zap.String("order_id", order.OrderID),
			zap.Error(err))
	}
	return order, nil
}

// CreateOrder places a direct order for the given items. The cart is not
// touched.
func (o *OrderOrchestrator) CreateOrder(ctx context.Context, req CreateOrderRequest) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderOrchestrator.CreateOrder")
	defer span.End()

	if err := validateStruct(req); err != nil {
		util.OrdersFailedTotal.WithLabelValues("validation").Inc()
		return nil, util.RecordError(span, err)
	}
	if err := checkItems(req.Items); err != nil {
		util.OrdersFailedTotal.WithLabelValues("validation").Inc()
		return nil, util.RecordError(span, err)
	}

	body := createOrderBody{
		EventID:        req.EventID,
		Items:          models.CloneItems(req.Items),
		Currency:       req.Currency,
		DeliveryMethod: req.DeliveryMethod,
		Notes:          req.Notes,
	}
	for _, it := range body.Items {
		if td, ok := it.Details.(models.TicketDetails); ok && td.HoldID != "" {
			body.HoldIDs = append(body.HoldIDs, td.HoldID)
		}
	}

	fp := fingerprint(body)
	order, err := o.create(ctx, "direct:"+fp, fp, body)
	return order, util.RecordError(span, err)
}

// create places the order under the guard of source: one per cart id, or
// one per content for direct orders.
func (o *OrderOrchestrator) create(ctx context.Context, source, fp string, body createOrderBody) (*models.Order, error) {
	key, err := o.begin(source, fp)
	if err != nil {
		util.OrdersFailedTotal.WithLabelValues("in_flight").Inc()
		return nil, err
	}

	if o.holds != nil {
		for _, id := range body.HoldIDs {
			if _, ok := o.holds.Hold(id); !ok {
				// The backend decides; it may still honour the hold.
				util.Info(ctx, o.logger, "Ordering with a hold that is not active locally",
					zap.String("hold_id", id))
			}
		}
	}

	var order models.Order
	err = o.backend.Post(ctx, "/api/orders", body, &order, transport.WithIdempotencyKey(key))
	if err == nil && order.OrderID == "" {
		err = apperr.New(apperr.KindServer, "order response has no order id")
	}
	if err != nil {
		err = apperr.Translate(err)
		o.finish(source, "", !apperr.OutcomeUnknown(err))
		util.OrdersFailedTotal.WithLabelValues(string(apperr.KindOf(err))).Inc()
		util.Warn(ctx, o.logger, "Order creation failed",
			zap.String("source", source),
			zap.String("kind", string(apperr.KindOf(err))),
			zap.Error(err))
		return nil, err
	}
	if order.Status == "" {
		order.Status = models.OrderStatusPending
	}

	o.remember(&order)
	o.finish(source, order.OrderID, true)
	if o.holds != nil {
		o.holds.Consume(body.HoldIDs...)
	}

	util.OrdersCreatedTotal.Inc()
	util.Info(ctx, o.logger, "Order created",
		zap.String("order_id", order.OrderID),
		zap.String("total", order.Total.String()),
		zap.String("currency", string(order.Currency)))
	o.bus.Publish(ctx, models.NewStateEvent(models.EventTypeOrderCreated, order.OrderID, order.Clone()))
	return order.Clone(), nil
}

// begin claims the source for one creation attempt. A second attempt is
// refused while one is in flight, or while an order for the same source is
// still waiting for payment. The idempotency key survives only for a retry of
// the same content.
func (o *OrderOrchestrator) begin(source, fp string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	a := o.attempts[source]
	if a == nil {
		a = &createAttempt{}
		o.attempts[source] = a
	}
	if a.inFlight {
		return "", apperr.Validation("an order for this checkout is already being placed")
	}
	if a.orderID != "" {
		if prev, ok := o.known[a.orderID]; ok && prev.Status.InFlight() {
			return "", apperr.Validation("order %s is still awaiting payment", a.orderID)
		}
		a.orderID = ""
		a.key = ""
	}
	if a.key == "" || a.fingerprint != fp {
		a.key = uuid.New().String()
		a.fingerprint = fp
	}
	a.inFlight = true
	return a.key, nil
}

// finish ends an attempt. settled drops the idempotency key so the next
// attempt is a new logical order.
func (o *OrderOrchestrator) finish(source, orderID string, settled bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	a := o.attempts[source]
	if a == nil {
		return
	}
	a.inFlight = false
	a.orderID = orderID
	if settled {
		a.key = ""
	}
	if orderID == "" && a.key == "" {
		delete(o.attempts, source)
	}
}

// Order returns a locally known order.
func (o *OrderOrchestrator) Order(orderID string) (*models.Order, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ord, ok := o.known[orderID]
	if !ok {
		return nil, false
	}
	return ord.Clone(), true
}

// Orders returns the locally known orders, newest first.
func (o *OrderOrchestrator) Orders() []models.Order {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]models.Order, 0, len(o.known))
	for _, ord := range o.known {
		out = append(out, *ord.Clone())
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// GetOrder fetches one order from the backend. It has no side effects other
// than refreshing the local copy.
func (o *OrderOrchestrator) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderOrchestrator.GetOrder", "order_id", orderID)
	defer span.End()

	if orderID == "" {
		return nil, util.RecordError(span, apperr.Validation("order id is required"))
	}
	var order models.Order
	if err := o.backend.Get(ctx, "/api/orders/"+url.PathEscape(orderID), &order); err != nil {
		return nil, util.RecordError(span, apperr.Translate(err))
	}
	if order.OrderID == "" {
		order.OrderID = orderID
	}
	o.apply(ctx, &order)
	return order.Clone(), nil
}

// Refresh re-reads an order so the local copy reflects the backend, which is
// the only source of truth for status.
func (o *OrderOrchestrator) Refresh(ctx context.Context, orderID string) (*models.Order, error) {
	return o.GetOrder(ctx, orderID)
}

// OrderFilter narrows history listing.
type OrderFilter struct {
	Status    models.OrderStatus
	EventID   string
	StartDate time.Time
	EndDate   time.Time
}

// ListOrders fetches one page of history. Only the latest page is cached.
func (o *OrderOrchestrator) ListOrders(ctx context.Context, filter OrderFilter, page, limit int) (*models.OrderPage, error) {
	ctx, span := util.StartSpan(ctx, "OrderOrchestrator.ListOrders")
	defer span.End()

	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = o.pageSize
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	if filter.Status != "" {
		if !filter.Status.Valid() {
			return nil, util.RecordError(span, apperr.Validation("unknown order status %q", filter.Status))
		}
		q.Set("status", string(filter.Status))
	}
	if filter.EventID != "" {
		q.Set("eventId", filter.EventID)
	}
	if !filter.StartDate.IsZero() {
		q.Set("startDate", filter.StartDate.UTC().Format(time.RFC3339))
	}
	if !filter.EndDate.IsZero() {
		q.Set("endDate", filter.EndDate.UTC().Format(time.RFC3339))
	}

	var res models.OrderPage
	if err := o.backend.Get(ctx, "/api/orders/user", &res, transport.WithQuery(q)); err != nil {
		return nil, util.RecordError(span, apperr.Translate(err))
	}
	if res.Page == 0 {
		res.Page = page
	}
	if res.Limit == 0 {
		res.Limit = limit
	}

	for i := range res.Orders {
		o.apply(ctx, &res.Orders[i])
	}

	o.mu.Lock()
	o.page = clonePage(&res)
	o.pruneLocked()
	o.mu.Unlock()

	return clonePage(&res), nil
}

// CurrentPage returns the cached page from the last ListOrders call.
func (o *OrderOrchestrator) CurrentPage() *models.OrderPage {
	o.mu.Lock()
	defer o.mu.Unlock()
	return clonePage(o.page)
}

// CancelOrder asks the backend to cancel. Orders that cannot be cancelled are
// rejected locally without a request.
func (o *OrderOrchestrator) CancelOrder(ctx context.Context, orderID, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderOrchestrator.CancelOrder", "order_id", orderID)
	defer span.End()

	cur, err := o.lookup(ctx, orderID)
	if err != nil {
		return nil, util.RecordError(span, err)
	}
	if !cur.Status.Cancellable() {
		return nil, util.RecordError(span, apperr.Validation("order in status %s cannot be cancelled", cur.Status))
	}

	var order models.Order
	body := map[string]string{"reason": reason}
	if err := o.backend.Put(ctx, "/api/orders/"+url.PathEscape(orderID)+"/cancel", body, &order); err != nil {
		return nil, util.RecordError(span, apperr.Translate(err))
	}
	if order.OrderID == "" {
		// Bare acknowledgement; read the order back.
		return o.GetOrder(ctx, orderID)
	}
	o.apply(ctx, &order)
	util.OrdersCancelledTotal.Inc()
	return order.Clone(), nil
}

// RefundOrder requests a refund of a completed order. amount nil means the
// full total.
func (o *OrderOrchestrator) RefundOrder(ctx context.Context, orderID string, amount *decimal.Decimal, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderOrchestrator.RefundOrder", "order_id", orderID)
	defer span.End()

	cur, err := o.lookup(ctx, orderID)
	if err != nil {
		return nil, util.RecordError(span, err)
	}
	if !cur.Status.Refundable() {
		return nil, util.RecordError(span, apperr.Validation("order in status %s cannot be refunded", cur.Status))
	}
	refund := cur.Total
	if amount != nil {
		refund = *amount
	}
	if !refund.IsPositive() {
		return nil, util.RecordError(span, apperr.Validation("refund amount must be positive"))
	}
	if refund.GreaterThan(cur.Total) {
		return nil, util.RecordError(span, apperr.Validation("refund amount %s exceeds order total %s", refund, cur.Total))
	}

	body := struct {
		Amount decimal.Decimal `json:"amount"`
		Reason string          `json:"reason,omitempty"`
	}{refund, reason}

	var order models.Order
	if err := o.backend.Post(ctx, "/api/orders/"+url.PathEscape(orderID)+"/refund", body, &order); err != nil {
		return nil, util.RecordError(span, apperr.Translate(err))
	}
	util.OrdersRefundedTotal.Inc()
	if order.OrderID == "" {
		return o.GetOrder(ctx, orderID)
	}
	o.apply(ctx, &order)
	return order.Clone(), nil
}

// UpdateStatus asks the backend to move an order to status. Locally illegal
// transitions are rejected without a request.
func (o *OrderOrchestrator) UpdateStatus(ctx context.Context, orderID string, status models.OrderStatus) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderOrchestrator.UpdateStatus", "order_id", orderID, "status", string(status))
	defer span.End()

	cur, err := o.lookup(ctx, orderID)
	if err != nil {
		return nil, util.RecordError(span, err)
	}
	if !cur.Status.CanTransitionTo(status) {
		return nil, util.RecordError(span, apperr.Validation("order cannot move from %s to %s", cur.Status, status))
	}

	var order models.Order
	body := map[string]models.OrderStatus{"status": status}
	if err := o.backend.Put(ctx, "/api/orders/"+url.PathEscape(orderID)+"/status", body, &order); err != nil {
		return nil, util.RecordError(span, apperr.Translate(err))
	}
	if order.OrderID == "" {
		return o.GetOrder(ctx, orderID)
	}
	o.apply(ctx, &order)
	return order.Clone(), nil
}

// Reset drops all local order state, e.g. when the session ends.
func (o *OrderOrchestrator) Reset() {
	o.mu.Lock()
	o.known = make(map[string]*models.Order)
	o.attempts = make(map[string]*createAttempt)
	o.page = nil
	o.mu.Unlock()
}

func (o *OrderOrchestrator) lookup(ctx context.Context, orderID string) (*models.Order, error) {
	if orderID == "" {
		return nil, apperr.Validation("order id is required")
	}
	if ord, ok := o.Order(orderID); ok {
		return ord, nil
	}
	return o.GetOrder(ctx, orderID)
}

// apply adopts the backend's view of an order and announces status changes.
func (o *OrderOrchestrator) apply(ctx context.Context, order *models.Order) {
	o.mu.Lock()
	prev, seen := o.known[order.OrderID]
	var from models.OrderStatus
	if seen {
		from = prev.Status
	}
	o.known[order.OrderID] = order.Clone()
	if o.page != nil {
		for i := range o.page.Orders {
			if o.page.Orders[i].OrderID == order.OrderID {
				o.page.Orders[i] = *order.Clone()
			}
		}
	}
	o.mu.Unlock()

	if !seen || from == order.Status {
		return
	}
	if !from.Reaches(order.Status) {
		util.Warn(ctx, o.logger, "Backend reported an unexpected order transition",
			zap.String("order_id", order.OrderID),
			zap.String("from", string(from)),
			zap.String("to", string(order.Status)))
	}
	o.bus.Publish(ctx, models.NewTransitionEvent(models.EventTypeOrderStatusChanged,
		order.OrderID, string(from), string(order.Status), order.Clone()))
}

func (o *OrderOrchestrator) remember(order *models.Order) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.known[order.OrderID] = order.Clone()
	if o.page != nil && o.page.Page == 1 {
		o.page.Orders = append([]models.Order{*order.Clone()}, o.page.Orders...)
		if len(o.page.Orders) > o.page.Limit && o.page.Limit > 0 {
			o.page.Orders = o.page.Orders[:o.page.Limit]
		}
		o.page.Total++
	}
}

// pruneLocked bounds the known set to the cached page plus orders that are
// still awaiting payment or tied to a creation attempt.
func (o *OrderOrchestrator) pruneLocked() {
	keep := make(map[string]bool)
	if o.page != nil {
		for _, ord := range o.page.Orders {
			keep[ord.OrderID] = true
		}
	}
	for _, a := range o.attempts {
		if a.orderID != "" {
			keep[a.orderID] = true
		}
	}
	for id, ord := range o.known {
		if !keep[id] && !ord.Status.InFlight() {
			delete(o.known, id)
		}
	}
}

func clonePage(p *models.OrderPage) *models.OrderPage {
	if p == nil {
		return nil
	}
	out := *p
	out.Orders = make([]models.Order, len(p.Orders))
	for i := range p.Orders {
		out.Orders[i] = *p.Orders[i].Clone()
	}
	return &out
}

func checkItems(items []models.CartItem) error {
	if len(items) == 0 {
		return apperr.Validation("at least one item is required")
	}
	for _, it := range items {
		if err := validateStruct(it); err != nil {
			return err
		}
		if err := it.CheckDetails(); err != nil {
			return apperr.Wrap(apperr.KindValidation, "item details do not match item type", err)
		}
		if it.UnitPrice.IsNegative() {
			return apperr.Validation("item %s has a negative price", it.ReferenceID)
		}
	}
	return nil
}

// fingerprint identifies an order request by its content so a retried submit of
// the same items reuses the same idempotency key.
func fingerprint(body createOrderBody) string {
	raw, _ := json.Marshal(body)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:8])
}
