// Package fakebackend is an in-memory ticketing backend for tests and local
// demos. It honours seat exclusivity, computes cart totals server-side and
// plays scripted payment status sequences.
package fakebackend

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"checkout-core/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DefaultTaxRate is applied to every cart and order subtotal.
var DefaultTaxRate = decimal.NewFromFloat(0.18)

type hold struct {
	models.SeatHold
	consumed bool
}

// Backend is the fake. All exported knobs may be changed between requests.
type Backend struct {
	TaxRate          decimal.Decimal
	Currency         models.Currency
	SeatPrice        decimal.Decimal
	SeatsPerCategory int
	EventDate        time.Time
	// ReserveDelay stretches seat reservation so concurrent requests overlap.
	ReserveDelay time.Duration

	mu           sync.Mutex
	now          func() time.Time
	engine       *gin.Engine
	unauthorized bool
	hits         map[string]int

	cart      *models.Cart
	holds     map[string]*hold
	seatOwner map[string]string // seat id -> hold id, or "sold"
	orders    map[string]*models.Order
	orderSeq  []string
	payments  map[string]*models.Payment
	scripts   map[string][]models.PaymentStatus
	script    []models.PaymentStatus
	tickets   map[string]*models.Ticket
	idem      map[string]string
}

// New creates an empty backend.
func New() *Backend {
	gin.SetMode(gin.TestMode)
	b := &Backend{
		TaxRate:          DefaultTaxRate,
		Currency:         models.CurrencyRWF,
		SeatPrice:        decimal.NewFromInt(15000),
		SeatsPerCategory: 100,
		EventDate:        time.Now().Add(30 * 24 * time.Hour),
		now:              time.Now,
		hits:             make(map[string]int),
		holds:            make(map[string]*hold),
		seatOwner:        make(map[string]string),
		orders:           make(map[string]*models.Order),
		payments:         make(map[string]*models.Payment),
		scripts:          make(map[string][]models.PaymentStatus),
		script:           []models.PaymentStatus{models.PaymentStatusCompleted},
		tickets:          make(map[string]*models.Ticket),
		idem:             make(map[string]string),
	}
	b.engine = b.routes()
	return b
}

func (b *Backend) Handler() http.Handler { return b.engine }

// Start serves the backend on a loopback port. The caller closes the server.
func (b *Backend) Start() *httptest.Server {
	return httptest.NewServer(b.engine)
}

// SetUnauthorized makes every request fail with 401 until reset.
func (b *Backend) SetUnauthorized(v bool) {
	b.mu.Lock()
	b.unauthorized = v
	b.mu.Unlock()
}

// ScriptPayments sets the statuses that successive verify calls report for
// payments created from now on. The last status repeats.
func (b *Backend) ScriptPayments(statuses ...models.PaymentStatus) {
	b.mu.Lock()
	b.script = append([]models.PaymentStatus(nil), statuses...)
	b.mu.Unlock()
}

// Hits counts requests by "METHOD /route/:pattern".
func (b *Backend) Hits(method, route string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[method+" "+route]
}

// TotalHits counts every request received.
func (b *Backend) TotalHits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, v := range b.hits {
		n += v
	}
	return n
}

// SetOrderStatus forces an order's status, e.g. to simulate an admin action.
func (b *Backend) SetOrderStatus(orderID string, status models.OrderStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if o, ok := b.orders[orderID]; ok {
		o.Status = status
		o.UpdatedAt = b.now()
	}
}

// ExpireHold ends a hold early, as a server-side expiry would.
func (b *Backend) ExpireHold(holdID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h, ok := b.holds[holdID]; ok {
		h.ExpiresAt = b.now().Add(-time.Second)
	}
}

// SeatOwner reports which hold (or "sold") owns a seat.
func (b *Backend) SeatOwner(seatID string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ownerLocked(seatID)
}

func (b *Backend) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), b.count(), b.auth())

	api := r.Group("/api")

	cart := api.Group("/cart")
	cart.GET("", b.getCart)
	cart.POST("/items", b.addCartItem)
	cart.PUT("/items/:id", b.updateCartItem)
	cart.DELETE("/items/:id", b.removeCartItem)
	cart.DELETE("/clear", b.clearCart)

	seats := api.Group("/seats")
	seats.POST("/check-availability", b.checkAvailability)
	seats.POST("/reserve", b.reserve)
	seats.DELETE("/reservations/:id", b.releaseHold)
	seats.POST("/reservations/:id/renew", b.renewHold)

	orders := api.Group("/orders")
	orders.POST("", b.createOrder)
	orders.GET("/:id", b.getOrder)
	orders.PUT("/:id/status", b.updateOrderStatus)
	orders.PUT("/:id/cancel", b.cancelOrder)
	orders.POST("/:id/refund", b.refundOrder)

	payments := api.Group("/payments")
	for path, method := range methodPaths {
		payments.POST("/"+path, b.initiatePayment(method))
	}
	payments.GET("/:id/verify", b.verifyPayment)
	payments.GET("/:id/status", b.paymentStatus)
	payments.PUT("/:id/cancel", b.cancelPayment)
	payments.POST("/:id/refund", b.refundPayment)

	tickets := api.Group("/tickets")
	tickets.GET("/my-tickets", b.myTickets)
	tickets.PUT("/:id/use", b.useTicket)
	tickets.PUT("/:id/refund", b.refundTicket)

	return r
}

func (b *Backend) count() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		b.mu.Lock()
		b.hits[c.Request.Method+" "+route]++
		b.mu.Unlock()
		c.Next()
	}
}

func (b *Backend) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		b.mu.Lock()
		denied := b.unauthorized
		b.mu.Unlock()
		if denied || !strings.HasPrefix(c.GetHeader("Authorization"), "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"success": false, "message": "Invalid or expired token"})
			return
		}
		c.Next()
	}
}

func ok(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, status int, code, format string, args ...interface{}) {
	body := gin.H{"success": false, "message": fmt.Sprintf(format, args...)}
	if code != "" {
		body["code"] = code
	}
	c.AbortWithStatusJSON(status, body)
}

func (b *Backend) ownerLocked(seatID string) string {
	owner := b.seatOwner[seatID]
	if owner == "" || owner == "sold" {
		return owner
	}
	h, found := b.holds[owner]
	if !found || (!h.consumed && !b.now().Before(h.ExpiresAt)) {
		delete(b.seatOwner, seatID)
		return ""
	}
	return owner
}

func (b *Backend) totals(items []models.CartItem) (subtotal, tax, total decimal.Decimal) {
	subtotal = decimal.Zero
	for _, it := range items {
		subtotal = subtotal.Add(it.LineTotal())
	}
	tax = subtotal.Mul(b.TaxRate).Round(2)
	return subtotal, tax, subtotal.Add(tax)
}

func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}
