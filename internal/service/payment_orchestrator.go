package service

import (
	"context"
	"net/url"
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

const (
	DefaultPollInterval    = 3 * time.Second
	DefaultPollMaxAttempts = 40
	DefaultPollTimeout     = 2 * time.Minute
)

// OrderSource is what payments need to know about orders.
type OrderSource interface {
	Order(orderID string) (*models.Order, bool)
	GetOrder(ctx context.Context, orderID string) (*models.Order, error)
	Refresh(ctx context.Context, orderID string) (*models.Order, error)
}

// TicketIssuer turns a settled order into tickets.
type TicketIssuer interface {
	MaterializeFromOrder(ctx context.Context, order *models.Order, payment *models.Payment) ([]models.Ticket, error)
}

// PollOptions bounds verification polling.
type PollOptions struct {
	Interval    time.Duration
	MaxAttempts int
	Timeout     time.Duration
}

// PaymentOrchestrator initiates payments and follows them to a terminal
// status. The backend's verify endpoint is the only authority on status;
// callbacks and redirects only trigger a verification.
type PaymentOrchestrator struct {
	backend  Backend
	orders   OrderSource
	tickets  TicketIssuer
	prefs    *PaymentMethodStore
	bus      *broker.Bus
	handlers map[models.PaymentMethod]PaymentMethodHandler
	poll     PollOptions
	logger   *zap.Logger

	mu       sync.Mutex
	payments map[string]*models.Payment
	// keys holds the idempotency key per order while an initiation's outcome
	// is unknown.
	keys map[string]string
	// initiating marks orders with an initiation on the wire.
	initiating map[string]bool
	// settled marks completed payments whose order has been reconciled.
	settled     map[string]bool
	reconciling map[string]bool
	pollers     map[string]*poller
}

// poller is one running Poll. Its address identifies it, so a replaced Poll
// never removes its successor's entry.
type poller struct {
	cancel context.CancelFunc
}

// NewPaymentOrchestrator creates a new payment orchestrator. prefs may be nil.
func NewPaymentOrchestrator(backend Backend, orders OrderSource, tickets TicketIssuer, prefs *PaymentMethodStore, bus *broker.Bus, poll PollOptions, handlers ...PaymentMethodHandler) *PaymentOrchestrator {
	if poll.Interval <= 0 {
		poll.Interval = DefaultPollInterval
	}
	if poll.MaxAttempts <= 0 {
		poll.MaxAttempts = DefaultPollMaxAttempts
	}
	if poll.Timeout <= 0 {
		poll.Timeout = DefaultPollTimeout
	}
	if len(handlers) == 0 {
		handlers = DefaultPaymentHandlers()
	}
	hm := make(map[models.PaymentMethod]PaymentMethodHandler, len(handlers))
	for _, h := range handlers {
		hm[h.Method()] = h
	}
	return &PaymentOrchestrator{
		backend:     backend,
		orders:      orders,
		tickets:     tickets,
		prefs:       prefs,
		bus:         bus,
		handlers:    hm,
		poll:        poll,
		logger:      util.GetLogger(),
		payments:    make(map[string]*models.Payment),
		keys:        make(map[string]string),
		initiating:  make(map[string]bool),
		settled:     make(map[string]bool),
		reconciling: make(map[string]bool),
		pollers:     make(map[string]*poller),
	}
}

// InitiateResult is a started payment plus what the user must do next.
type InitiateResult struct {
	Payment *models.Payment `json:"payment"`
	Action  UserAction      `json:"action"`
}

// Initiate starts a payment for an order awaiting payment. At most one open
// payment per order is allowed.
func (p *PaymentOrchestrator) Initiate(ctx context.Context, req InitiatePaymentRequest) (*InitiateResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.Initiate", "order_id", req.OrderID)
	defer span.End()

	if err := validateStruct(req); err != nil {
		return nil, util.RecordError(span, err)
	}
	req = p.withDefaults(req)
	handler, ok := p.handlers[req.Method]
	if !ok {
		return nil, util.RecordError(span, apperr.Validation("unsupported payment method %q", req.Method))
	}

	order, ok := p.orders.Order(req.OrderID)
	if !ok {
		var err error
		if order, err = p.orders.GetOrder(ctx, req.OrderID); err != nil {
			return nil, util.RecordError(span, err)
		}
	}
	if !order.Status.InFlight() {
		return nil, util.RecordError(span, apperr.Validation("order in status %s cannot be paid", order.Status))
	}
	if !order.Total.IsPositive() {
		return nil, util.RecordError(span, apperr.Validation("order total must be positive"))
	}

	body, err := handler.BuildRequest(req, order)
	if err != nil {
		return nil, util.RecordError(span, err)
	}

	key, err := p.beginInitiate(order.OrderID)
	if err != nil {
		return nil, util.RecordError(span, err)
	}

	util.PaymentAttemptsTotal.WithLabelValues(string(req.Method)).Inc()
	var payment models.Payment
	err = p.backend.Post(ctx, handler.Endpoint(), body, &payment, transport.WithIdempotencyKey(key))
	if err == nil && payment.PaymentID == "" {
		err = apperr.New(apperr.KindServer, "payment response has no payment id")
	}
	if err != nil {
		err = apperr.Translate(err)
		p.endInitiate(order.OrderID, !apperr.OutcomeUnknown(err))
		util.Warn(ctx, p.logger, "Payment initiation failed",
			zap.String("order_id", order.OrderID),
			zap.String("method", string(req.Method)),
			zap.String("kind", string(apperr.KindOf(err))))
		return nil, util.RecordError(span, err)
	}
	p.endInitiate(order.OrderID, true)

	if payment.OrderReference == "" {
		payment.OrderReference = order.OrderID
	}
	if payment.Method == "" {
		payment.Method = req.Method
	}
	if payment.Status == "" {
		payment.Status = models.PaymentStatusPending
	}

	p.mu.Lock()
	p.payments[payment.PaymentID] = payment.Clone()
	p.mu.Unlock()

	util.Info(ctx, p.logger, "Payment initiated",
		zap.String("payment_id", payment.PaymentID),
		zap.String("order_id", order.OrderID),
		zap.String("method", string(payment.Method)),
		zap.String("status", string(payment.Status)))
	p.bus.Publish(ctx, models.NewTransitionEvent(models.EventTypePaymentStatusChanged,
		payment.PaymentID, "", string(payment.Status), payment.Clone()))

	// Some methods settle synchronously.
	cur := p.observe(ctx, nil, &payment)
	if cur.Status == models.PaymentStatusFailed {
		return &InitiateResult{Payment: cur, Action: handler.DescribeUserAction(cur)},
			util.RecordError(span, apperr.New(apperr.KindPaymentFailed, "The payment was declined."))
	}
	return &InitiateResult{Payment: cur, Action: handler.DescribeUserAction(cur)}, nil
}

func (p *PaymentOrchestrator) withDefaults(req InitiatePaymentRequest) InitiatePaymentRequest {
	if p.prefs == nil {
		return req
	}
	prefs := p.prefs.Preferences()
	if req.Method == "" {
		req.Method = prefs.DefaultMethod
	}
	if req.Method != prefs.DefaultMethod || prefs.DefaultRef == "" {
		return req
	}
	switch req.Method {
	case models.PaymentMethodMobileMoney:
		if req.PhoneNumber == "" {
			req.PhoneNumber = prefs.DefaultRef
		}
	case models.PaymentMethodCard:
		if req.CardToken == "" {
			req.CardToken = prefs.DefaultRef
		}
	}
	return req
}

func (p *PaymentOrchestrator) beginInitiate(orderID string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.initiating[orderID] {
		return "", apperr.Validation("a payment for order %s is already being started", orderID)
	}
	for _, pay := range p.payments {
		if pay.OrderReference == orderID && pay.Status.Open() {
			return "", apperr.Validation("payment %s for this order is still in progress", pay.PaymentID)
		}
	}
	key, ok := p.keys[orderID]
	if !ok {
		key = uuid.New().String()
		p.keys[orderID] = key
	}
	p.initiating[orderID] = true
	return key, nil
}

func (p *PaymentOrchestrator) endInitiate(orderID string, settled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.initiating, orderID)
	if settled {
		delete(p.keys, orderID)
	}
}

// Payment returns a locally known payment.
func (p *PaymentOrchestrator) Payment(paymentID string) (*models.Payment, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pay, ok := p.payments[paymentID]
	if !ok {
		return nil, false
	}
	return pay.Clone(), true
}

// Handler returns the handler for method.
func (p *PaymentOrchestrator) Handler(method models.PaymentMethod) (PaymentMethodHandler, bool) {
	h, ok := p.handlers[method]
	return h, ok
}

// Verify asks the backend for the authoritative status and applies it.
func (p *PaymentOrchestrator) Verify(ctx context.Context, paymentID string) (*models.Payment, error) {
	return p.fetch(ctx, paymentID, "verify")
}

// Status reads the payment without asking the backend to re-check with the
// provider.
func (p *PaymentOrchestrator) Status(ctx context.Context, paymentID string) (*models.Payment, error) {
	return p.fetch(ctx, paymentID, "status")
}

func (p *PaymentOrchestrator) fetch(ctx context.Context, paymentID, op string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator."+op, "payment_id", paymentID)
	defer span.End()

	if paymentID == "" {
		return nil, util.RecordError(span, apperr.Validation("payment id is required"))
	}
	var remote models.Payment
	if err := p.backend.Get(ctx, "/api/payments/"+url.PathEscape(paymentID)+"/"+op, &remote); err != nil {
		return nil, util.RecordError(span, apperr.Translate(err))
	}
	if remote.PaymentID == "" {
		remote.PaymentID = paymentID
	}
	return p.apply(ctx, &remote), nil
}

// apply merges a backend payment into local state.
func (p *PaymentOrchestrator) apply(ctx context.Context, remote *models.Payment) *models.Payment {
	p.mu.Lock()
	local := p.payments[remote.PaymentID]
	var prev *models.Payment
	if local != nil {
		prev = local.Clone()
	}
	p.mu.Unlock()
	return p.observe(ctx, prev, remote)
}

// observe records remote as the current payment, honouring frozen statuses,
// emits one event per status change and reconciles completed payments.
func (p *PaymentOrchestrator) observe(ctx context.Context, prev, remote *models.Payment) *models.Payment {
	cur := remote.Clone()
	if cur.Status == "" && prev != nil {
		cur.Status = prev.Status
	}
	if prev != nil {
		if cur.OrderReference == "" {
			cur.OrderReference = prev.OrderReference
		}
		if cur.Method == "" {
			cur.Method = prev.Method
		}
		if prev.Status != cur.Status && !prev.Status.CanTransitionTo(cur.Status) {
			if prev.Status.Frozen() {
				util.Warn(ctx, p.logger, "Ignoring status change of a settled payment",
					zap.String("payment_id", cur.PaymentID),
					zap.String("from", string(prev.Status)),
					zap.String("to", string(cur.Status)))
				cur.Status = prev.Status
			} else {
				util.Warn(ctx, p.logger, "Backend reported an unexpected payment transition",
					zap.String("payment_id", cur.PaymentID),
					zap.String("from", string(prev.Status)),
					zap.String("to", string(cur.Status)))
			}
		}
	}

	p.mu.Lock()
	p.payments[cur.PaymentID] = cur.Clone()
	needsReconcile := cur.Status == models.PaymentStatusCompleted && !p.settled[cur.PaymentID]
	p.mu.Unlock()

	if prev != nil && prev.Status != cur.Status {
		switch cur.Status {
		case models.PaymentStatusCompleted:
			util.PaymentSuccessTotal.Inc()
		case models.PaymentStatusFailed:
			util.PaymentFailedTotal.Inc()
		}
		util.Info(ctx, p.logger, "Payment status changed",
			zap.String("payment_id", cur.PaymentID),
			zap.String("from", string(prev.Status)),
			zap.String("to", string(cur.Status)))
		p.bus.Publish(ctx, models.NewTransitionEvent(models.EventTypePaymentStatusChanged,
			cur.PaymentID, string(prev.Status), string(cur.Status), cur.Clone()))
	}

	if needsReconcile {
		p.reconcile(ctx, cur)
	}
	return cur
}

// reconcile refreshes the order of a completed payment and, once the order is
// completed, issues its tickets exactly once.
func (p *PaymentOrchestrator) reconcile(ctx context.Context, payment *models.Payment) {
	id := payment.PaymentID
	p.mu.Lock()
	if p.settled[id] || p.reconciling[id] {
		p.mu.Unlock()
		return
	}
	// A Reset while this runs swaps the maps; the outcome is recorded in the
	// ones this reconcile started with.
	reconciling, settled := p.reconciling, p.settled
	reconciling[id] = true
	p.mu.Unlock()

	done := false
	defer func() {
		p.mu.Lock()
		delete(reconciling, id)
		if done {
			settled[id] = true
		}
		p.mu.Unlock()
	}()

	if payment.OrderReference == "" || p.orders == nil {
		util.Warn(ctx, p.logger, "Completed payment has no order to reconcile", zap.String("payment_id", id))
		done = true
		return
	}

	order, err := p.orders.Refresh(ctx, payment.OrderReference)
	if err != nil {
		util.Warn(ctx, p.logger, "Order refresh after payment failed; will retry on next verification",
			zap.String("payment_id", id),
			zap.String("order_id", payment.OrderReference),
			zap.Error(err))
		return
	}

	switch order.Status {
	case models.OrderStatusCompleted:
		if p.tickets == nil {
			done = true
			return
		}
		tickets, err := p.tickets.MaterializeFromOrder(ctx, order, payment)
		if err != nil {
			util.Warn(ctx, p.logger, "Ticket materialization failed; will retry on next verification",
				zap.String("order_id", order.OrderID),
				zap.Error(err))
			return
		}
		done = true
		util.Info(ctx, p.logger, "Order settled",
			zap.String("order_id", order.OrderID),
			zap.Int("tickets", len(tickets)))
	case models.OrderStatusCancelled, models.OrderStatusRefunded:
		// Money moved for an order that will not be fulfilled. The backend
		// owns the refund; surface it for support.
		util.Error(ctx, p.logger, "Payment completed for an order that is no longer live",
			zap.String("payment_id", id),
			zap.String("order_id", order.OrderID),
			zap.String("order_status", string(order.Status)))
		done = true
	default:
		util.Info(ctx, p.logger, "Payment completed, order not yet fulfilled",
			zap.String("order_id", order.OrderID),
			zap.String("order_status", string(order.Status)))
	}
}

// Reconcile retries settlement of a completed payment, e.g. after tickets
// could not be fetched.
func (p *PaymentOrchestrator) Reconcile(ctx context.Context, paymentID string) error {
	pay, ok := p.Payment(paymentID)
	if !ok {
		// Verification reconciles a completed payment on its own.
		_, err := p.Verify(ctx, paymentID)
		return err
	}
	if pay.Status != models.PaymentStatusCompleted {
		return apperr.Validation("payment %s is %s, not completed", paymentID, pay.Status)
	}
	p.reconcile(ctx, pay)
	return nil
}

// PollResult is the outcome of polling. StillPending means polling stopped
// before the backend settled the payment; the caller should offer a manual
// check instead of reporting failure.
type PollResult struct {
	Payment      *models.Payment `json:"payment"`
	StillPending bool            `json:"stillPending"`
}

// Poll verifies the payment until it settles, the attempt or time budget runs
// out, or ctx is cancelled. A failed payment is returned together with a
// PaymentFailed error.
func (p *PaymentOrchestrator) Poll(ctx context.Context, paymentID string) (*PollResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.Poll", "payment_id", paymentID)
	defer span.End()

	pollCtx, cancel := context.WithTimeout(ctx, p.poll.Timeout)
	defer cancel()

	self := &poller{cancel: cancel}
	p.mu.Lock()
	if prev, ok := p.pollers[paymentID]; ok {
		prev.cancel()
	}
	p.pollers[paymentID] = self
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		if p.pollers[paymentID] == self {
			delete(p.pollers, paymentID)
		}
		p.mu.Unlock()
	}()

	for attempt := 1; attempt <= p.poll.MaxAttempts; attempt++ {
		util.PaymentPollAttemptsTotal.Inc()
		pay, err := p.Verify(pollCtx, paymentID)
		switch {
		case err == nil && !pay.Status.Open():
			return &PollResult{Payment: pay}, util.RecordError(span, settleError(pay))
		case err != nil && pollCtx.Err() != nil:
			// Stopped while a request was on the wire.
		case err != nil:
			switch apperr.KindOf(err) {
			case apperr.KindAuth, apperr.KindNotFound, apperr.KindValidation:
				return nil, util.RecordError(span, err)
			}
			util.Debug(ctx, p.logger, "Payment verification failed, will retry",
				zap.String("payment_id", paymentID),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}

		if attempt == p.poll.MaxAttempts {
			break
		}
		timer := time.NewTimer(p.poll.Interval)
		select {
		case <-pollCtx.Done():
			timer.Stop()
			return p.stopped(ctx, paymentID)
		case <-timer.C:
		}
	}
	return p.stopped(ctx, paymentID)
}

func (p *PaymentOrchestrator) stopped(ctx context.Context, paymentID string) (*PollResult, error) {
	last, _ := p.Payment(paymentID)
	if err := ctx.Err(); err != nil {
		return &PollResult{Payment: last, StillPending: true}, apperr.Classify(err)
	}
	util.PaymentPollTimeoutsTotal.Inc()
	util.Info(ctx, p.logger, "Stopped polling a payment that is still pending",
		zap.String("payment_id", paymentID))
	return &PollResult{Payment: last, StillPending: true}, nil
}

// CancelPolling stops an active Poll for the payment. It reports whether one
// was running.
func (p *PaymentOrchestrator) CancelPolling(paymentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	running, ok := p.pollers[paymentID]
	if ok {
		running.cancel()
		delete(p.pollers, paymentID)
	}
	return ok
}

func settleError(pay *models.Payment) error {
	if pay.Status == models.PaymentStatusFailed {
		msg := pay.Metadata["failureReason"]
		if msg == "" {
			msg = "The payment was declined."
		}
		return apperr.New(apperr.KindPaymentFailed, msg)
	}
	return nil
}

// CancelPayment cancels an open payment. Settled payments are rejected
// locally.
func (p *PaymentOrchestrator) CancelPayment(ctx context.Context, paymentID, reason string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.CancelPayment", "payment_id", paymentID)
	defer span.End()

	cur, err := p.lookup(ctx, paymentID)
	if err != nil {
		return nil, util.RecordError(span, err)
	}
	if !cur.Status.Cancellable() {
		return nil, util.RecordError(span, apperr.Validation("payment in status %s cannot be cancelled", cur.Status))
	}

	var remote models.Payment
	body := map[string]string{"reason": reason}
	if err := p.backend.Put(ctx, "/api/payments/"+url.PathEscape(paymentID)+"/cancel", body, &remote); err != nil {
		return nil, util.RecordError(span, apperr.Translate(err))
	}
	p.CancelPolling(paymentID)
	if remote.PaymentID == "" {
		return p.Verify(ctx, paymentID)
	}
	return p.apply(ctx, &remote), nil
}

// RefundPayment refunds a completed payment. amount nil means in full.
func (p *PaymentOrchestrator) RefundPayment(ctx context.Context, paymentID string, amount *decimal.Decimal, reason string) (*models.Payment, error) {
	ctx, span := util.StartSpan(ctx, "PaymentOrchestrator.RefundPayment", "payment_id", paymentID)
	defer span.End()

	cur, err := p.lookup(ctx, paymentID)
	if err != nil {
		return nil, util.RecordError(span, err)
	}
	if !cur.Status.Refundable() {
		return nil, util.RecordError(span, apperr.Validation("payment in status %s cannot be refunded", cur.Status))
	}
	refund := cur.Amount
	if amount != nil {
		refund = *amount
	}
	if !refund.IsPositive() || refund.GreaterThan(cur.Amount) {
		return nil, util.RecordError(span, apperr.Validation("refund amount must be between 0 and %s", cur.Amount))
	}

	body := struct {
		Amount decimal.Decimal `json:"amount"`
		Reason string          `json:"reason,omitempty"`
	}{refund, reason}

	var remote models.Payment
	if err := p.backend.Post(ctx, "/api/payments/"+url.PathEscape(paymentID)+"/refund", body, &remote); err != nil {
		return nil, util.RecordError(span, apperr.Translate(err))
	}
	if remote.PaymentID == "" {
		return p.Verify(ctx, paymentID)
	}
	return p.apply(ctx, &remote), nil
}

// HandleCallback treats an external notification (deep link, webhook relay)
// as a hint only and re-verifies the payment with the backend.
func (p *PaymentOrchestrator) HandleCallback(ctx context.Context, paymentID string) (*models.Payment, error) {
	util.Info(ctx, p.logger, "Payment callback received", zap.String("payment_id", paymentID))
	return p.Verify(ctx, paymentID)
}

// Reset drops local payment state and stops all polling.
func (p *PaymentOrchestrator) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, running := range p.pollers {
		running.cancel()
	}
	p.payments = make(map[string]*models.Payment)
	p.keys = make(map[string]string)
	p.initiating = make(map[string]bool)
	p.settled = make(map[string]bool)
	p.reconciling = make(map[string]bool)
	p.pollers = make(map[string]*poller)
}

func (p *PaymentOrchestrator) lookup(ctx context.Context, paymentID string) (*models.Payment, error) {
	if paymentID == "" {
		return nil, apperr.Validation("payment id is required")
	}
	if pay, ok := p.Payment(paymentID); ok {
		return pay, nil
	}
	return p.Status(ctx, paymentID)
}
