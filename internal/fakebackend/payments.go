package fakebackend

import (
	"net/http"

	"checkout-core/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

var methodPaths = map[string]models.PaymentMethod{
	"mobile-money":  models.PaymentMethodMobileMoney,
	"card":          models.PaymentMethodCard,
	"paypal":        models.PaymentMethodPayPal,
	"bank-transfer": models.PaymentMethodBankTransfer,
}

// Payment returns a copy of a stored payment.
func (b *Backend) Payment(paymentID string) (*models.Payment, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, found := b.payments[paymentID]
	if !found {
		return nil, false
	}
	return p.Clone(), true
}

// PaymentCount is the number of payments created.
func (b *Backend) PaymentCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.payments)
}

// initiatePayment serves the static initiation route of one method.
func (b *Backend) initiatePayment(method models.PaymentMethod) gin.HandlerFunc {
	return func(c *gin.Context) {
		b.createPayment(c, method)
	}
}

func (b *Backend) createPayment(c *gin.Context, method models.PaymentMethod) {
	var req struct {
		OrderID     string          `json:"orderId"`
		Amount      decimal.Decimal `json:"amount"`
		Currency    models.Currency `json:"currency"`
		PhoneNumber string          `json:"phoneNumber"`
		CardToken   string          `json:"cardToken"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.OrderID == "" {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "orderId is required")
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	key := c.GetHeader(idempotencyHeader)
	if id, seen := b.idem["payment:"+key]; seen && key != "" {
		ok(c, http.StatusOK, b.payments[id].Clone())
		return
	}

	o, found := b.orders[req.OrderID]
	if !found {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Order not found")
		return
	}
	if !o.Status.InFlight() {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Order is not awaiting payment")
		return
	}
	if !req.Amount.Equal(o.Total) {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Amount does not match order total")
		return
	}
	if req.CardToken == "declined" {
		fail(c, http.StatusPaymentRequired, "PAYMENT_FAILED", "Card was declined")
		return
	}

	now := b.now()
	p := &models.Payment{
		PaymentID:      newID("pay"),
		OrderReference: o.OrderID,
		Method:         method,
		Amount:         o.Total,
		Currency:       o.Currency,
		Status:         models.PaymentStatusPending,
		Metadata:       map[string]string{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	switch method {
	case models.PaymentMethodCard:
		p.RedirectURL = "https://pay.example.test/3ds/" + p.PaymentID
	case models.PaymentMethodPayPal:
		p.RedirectURL = "https://pay.example.test/paypal/" + p.PaymentID
	case models.PaymentMethodBankTransfer:
		p.Metadata["reference"] = "BT-" + p.PaymentID
	}
	b.payments[p.PaymentID] = p
	b.scripts[p.PaymentID] = append([]models.PaymentStatus(nil), b.script...)
	o.PaymentID = p.PaymentID
	o.PaymentStatus = p.Status
	if key != "" {
		b.idem["payment:"+key] = p.PaymentID
	}
	ok(c, http.StatusCreated, p.Clone())
}

// verifyPayment advances the payment along its script.
func (b *Backend) verifyPayment(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, found := b.payments[c.Param("id")]
	if !found {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Payment not found")
		return
	}
	if p.Status.Open() {
		script := b.scripts[p.PaymentID]
		if len(script) > 0 {
			next := script[0]
			if len(script) > 1 {
				b.scripts[p.PaymentID] = script[1:]
			}
			b.settleLocked(p, next)
		}
	}
	ok(c, http.StatusOK, p.Clone())
}

func (b *Backend) paymentStatus(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, found := b.payments[c.Param("id")]
	if !found {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Payment not found")
		return
	}
	ok(c, http.StatusOK, p.Clone())
}

func (b *Backend) cancelPayment(c *gin.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, found := b.payments[c.Param("id")]
	if !found {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Payment not found")
		return
	}
	if !p.Status.Cancellable() {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Payment cannot be cancelled")
		return
	}
	b.settleLocked(p, models.PaymentStatusCancelled)
	ok(c, http.StatusOK, p.Clone())
}

func (b *Backend) refundPayment(c *gin.Context) {
	var body struct {
		Amount decimal.Decimal `json:"amount"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid refund")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, found := b.payments[c.Param("id")]
	if !found {
		fail(c, http.StatusNotFound, "NOT_FOUND", "Payment not found")
		return
	}
	if p.Status != models.PaymentStatusCompleted || body.Amount.GreaterThan(p.Amount) {
		fail(c, http.StatusBadRequest, "VALIDATION_ERROR", "Payment cannot be refunded")
		return
	}
	b.settleLocked(p, models.PaymentStatusRefunded)
	ok(c, http.StatusOK, p.Clone())
}

// settleLocked moves a payment and mirrors the result onto its order. A
// completed payment fulfils the order and issues its tickets.
func (b *Backend) settleLocked(p *models.Payment, status models.PaymentStatus) {
	if p.Status == status {
		return
	}
	p.Status = status
	p.UpdatedAt = b.now()
	if status == models.PaymentStatusCompleted && p.TransactionID == "" {
		p.TransactionID = newID("txn")
	}
	if status == models.PaymentStatusFailed {
		p.Metadata["failureReason"] = "Insufficient funds"
	}

	o, found := b.orders[p.OrderReference]
	if !found {
		return
	}
	o.PaymentStatus = status
	switch status {
	case models.PaymentStatusProcessing:
		if o.Status == models.OrderStatusPending {
			b.setOrderStatusLocked(o, models.OrderStatusProcessing)
		}
	case models.PaymentStatusCompleted:
		if o.Status.InFlight() {
			b.setOrderStatusLocked(o, models.OrderStatusConfirmed)
			b.setOrderStatusLocked(o, models.OrderStatusCompleted)
			b.issueTicketsLocked(o)
		}
	case models.PaymentStatusRefunded:
		if o.Status == models.OrderStatusCompleted {
			b.setOrderStatusLocked(o, models.OrderStatusRefunded)
		}
	}
}
