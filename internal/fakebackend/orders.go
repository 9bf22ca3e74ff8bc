package fakebackend

import (
	"net/http"
	"sort"
	"strconv"

	"checkout-core/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

const idempotencyHeader = "Idempotency-Key"

// Order returns a copy of a stored order.
func (b *Backend) Order(orderID string) (*models.Order, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, found := b.orders[orderID]
	if !found {
		return nil, false
	}
	return o.Clone(), true
}

// OrderCount is the number of orders created.
func (b *Backend) OrderCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.orders)
}

func (b *Backend) createOrder(c *gin.Context) {
	var req struct {
		CartID         string            `json:"cartId"`
		EventID        string            `json:"eventId"`
		Items          []models.CartItem `json:"items"`
		Currency       models.Currency   `json:"currency"`
		HoldIDs        []string          `json:"holdIds"`
		DeliveryMethod string            `json:"deliveryMethod"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid order: %v", err)
		return
	}
	if len(req.Items) == 0 {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Order must contain at least one item")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := c.GetHeader(idempotencyHeader)
	if id, seen := b.idem["order:"+key]; seen && key != "" {
		ok(c, http.StatusOK, b.orders[id].Clone())
		return
	}

	for _, id := range req.HoldIDs {
		h, found := b.holds[id]
		if !found || h.consumed || !b.now().Before(h.ExpiresAt) {
			fail(c, http.StatusConflict, "SEATS_UNAVAILABLE", "Your seat reservation has expired")
			return
		}
	}
	for _, id := range req.HoldIDs {
		h := b.holds[id]
		h.consumed = true
		for _, seat := range h.SeatIDs {
			b.seatOwner[seat] = "sold"
		}
	}

	now := b.now()
	currency := req.Currency
	if currency == "" {
		currency = b.Currency
	}
	order := &models.Order{
		OrderID:        newID("ord"),
		UserID:         "user_1",
		EventID:        req.EventID,
		Items:          models.CloneItems(req.Items),
		Currency:       currency,
		Status:         models.OrderStatusPending,
		PaymentStatus:  models.PaymentStatusPending,
		DeliveryMethod: req.DeliveryMethod,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	order.Subtotal, order.Tax, order.Total = b.totals(order.Items)
	b.orders[order.OrderID] = order
	b.orderSeq = append(b.orderSeq, order.OrderID)
	if key != "" {
		b.idem["order:"+key] = order.OrderID
	}
	ok(c, http.StatusCreated, order.Clone())
}

func (b *Backend) getOrder(c *gin.Context) {
	if c.Param("id") == "user" {
		b.listOrders(c)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o, found := b.orders[c.Param("id")]
	if !found {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Order not found")
		return
	}
	ok(c, http.StatusOK, o.Clone())
}

func (b *Backend) listOrders(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	status := models.OrderStatus(c.Query("status"))
	eventID := c.Query("eventId")

	b.mu.Lock()
	defer b.mu.Unlock()
	var matched []models.Order
	for _, id := range b.orderSeq {
		o := b.orders[id]
		if status != "" && o.Status != status {
			continue
		}
		if eventID != "" && o.EventID != eventID {
			continue
		}
		matched = append(matched, *o.Clone())
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	res := models.OrderPage{Orders: []models.Order{}, Page: page, Limit: limit, Total: len(matched)}
	start := (page - 1) * limit
	if start < len(matched) {
		end := start + limit
		if end > len(matched) {
			end = len(matched)
		}
		res.Orders = matched[start:end]
	}
	ok(c, http.StatusOK, res)
}

func (b *Backend) updateOrderStatus(c *gin.Context) {
	var body struct {
		Status models.OrderStatus `json:"status"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || !body.Status.Valid() {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid status")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o, found := b.orders[c.Param("id")]
	if !found {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Order not found")
		return
	}
	if !o.Status.CanTransitionTo(body.Status) {
		fail(c, http.StatusUnprocessableEntity, "INVALID_TRANSITION", "Cannot move order from %s to %s", o.Status, body.Status)
		return
	}
	b.setOrderStatusLocked(o, body.Status)
	ok(c, http.StatusOK, o.Clone())
}

func (b *Backend) cancelOrder(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	o, found := b.orders[c.Param("id")]
	if !found {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Order not found")
		return
	}
	if !o.Status.Cancellable() {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Order cannot be cancelled")
		return
	}
	b.setOrderStatusLocked(o, models.OrderStatusCancelled)
	ok(c, http.StatusOK, o.Clone())
}

func (b *Backend) refundOrder(c *gin.Context) {
	var body struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid refund")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	o, found := b.orders[c.Param("id")]
	if !found {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Order not found")
		return
	}
	if o.Status != models.OrderStatusCompleted || body.Amount.GreaterThan(o.Total) {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Order cannot be refunded")
		return
	}
	b.setOrderStatusLocked(o, models.OrderStatusRefunded)
	ok(c, http.StatusOK, o.Clone())
}

func (b *Backend) setOrderStatusLocked(o *models.Order, status models.OrderStatus) {
	now := b.now()
	o.Status = status
	o.UpdatedAt = now
	switch status {
	case models.OrderStatusCompleted:
		o.CompletedAt = &now
	case models.OrderStatusCancelled:
		o.CancelledAt = &now
	}
}
