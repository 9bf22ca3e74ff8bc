package api

import (
	"net/http"
	"strconv"
	"time"

	"checkout-core/internal/apperr"
	"checkout-core/internal/models"
	"checkout-core/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

type reasonRequest struct {
	Reason string `json:"reason"`
}

type refundRequest struct {
	Amount *decimal.Decimal `json:"amount"`
	Reason string           `json:"reason"`
}

// listOrders handles GET /orders?status=&eventId=&from=&to=&page=&limit=
func (h *Handler) listOrders(c *gin.Context) {
	filter := service.OrderFilter{
		Status:  models.OrderStatus(c.Query("status")),
		EventID: c.Query("eventId"),
	}
	for param, dst := range map[string]*time.Time{"from": &filter.StartDate, "to": &filter.EndDate} {
		raw := c.Query(param)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.fail(c, apperr.Validation("%s must be an RFC 3339 timestamp", param))
			return
		}
		*dst = t
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit"))

	res, err := h.checkout.Orders.ListOrders(c.Request.Context(), filter, page, limit)
	h.respond(c, http.StatusOK, res, err)
}

// createOrder places a direct order without the cart.
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest
	if !h.bind(c, &req) {
		return
	}
	order, err := h.checkout.Orders.CreateOrder(c.Request.Context(), req)
	h.respond(c, http.StatusCreated, order, err)
}

func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.checkout.Orders.GetOrder(c.Request.Context(), c.Param("id"))
	h.respond(c, http.StatusOK, order, err)
}

func (h *Handler) cancelOrder(c *gin.Context) {
	var req reasonRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}
	order, err := h.checkout.Orders.CancelOrder(c.Request.Context(), c.Param("id"), req.Reason)
	h.respond(c, http.StatusOK, order, err)
}

func (h *Handler) refundOrder(c *gin.Context) {
	var req refundRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}
	order, err := h.checkout.Orders.RefundOrder(c.Request.Context(), c.Param("id"), req.Amount, req.Reason)
	h.respond(c, http.StatusOK, order, err)
}

func (h *Handler) updateOrderStatus(c *gin.Context) {
	var req struct {
		Status models.OrderStatus `json:"status"`
	}
	if !h.bind(c, &req) {
		return
	}
	order, err := h.checkout.Orders.UpdateStatus(c.Request.Context(), c.Param("id"), req.Status)
	h.respond(c, http.StatusOK, order, err)
}

// initiatePayment starts a payment and tells the UI what the user must do.
func (h *Handler) initiatePayment(c *gin.Context) {
	var req service.InitiatePaymentRequest
	if !h.bind(c, &req) {
		return
	}
	res, err := h.checkout.Payments.Initiate(c.Request.Context(), req)
	if err != nil && res != nil {
		// Declined synchronously; the payment exists and is shown as failed.
		e := apperr.Classify(err)
		c.JSON(statusFor(e), gin.H{"error": e.Kind, "message": e.UserMessage(), "payment": res.Payment})
		return
	}
	h.respond(c, http.StatusCreated, res, err)
}

func (h *Handler) getPayment(c *gin.Context) {
	pay, err := h.checkout.Payments.Status(c.Request.Context(), c.Param("id"))
	h.respond(c, http.StatusOK, pay, err)
}

func (h *Handler) verifyPayment(c *gin.Context) {
	pay, err := h.checkout.Payments.Verify(c.Request.Context(), c.Param("id"))
	h.respond(c, http.StatusOK, pay, err)
}

// pollPayment blocks until the payment settles or polling gives up. A payment
// that is still pending is a 202, not an error.
func (h *Handler) pollPayment(c *gin.Context) {
	res, err := h.checkout.Payments.Poll(c.Request.Context(), c.Param("id"))
	if err != nil {
		if res != nil && res.Payment != nil && apperr.KindOf(err) == apperr.KindPaymentFailed {
			e := apperr.Classify(err)
			c.JSON(statusFor(e), gin.H{"error": e.Kind, "message": e.UserMessage(), "payment": res.Payment})
			return
		}
		h.fail(c, err)
		return
	}
	status := http.StatusOK
	if res.StillPending {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

func (h *Handler) stopPolling(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"stopped": h.checkout.Payments.CancelPolling(c.Param("id"))})
}

func (h *Handler) cancelPayment(c *gin.Context) {
	var req reasonRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}
	pay, err := h.checkout.Payments.CancelPayment(c.Request.Context(), c.Param("id"), req.Reason)
	h.respond(c, http.StatusOK, pay, err)
}

func (h *Handler) refundPayment(c *gin.Context) {
	var req refundRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}
	pay, err := h.checkout.Payments.RefundPayment(c.Request.Context(), c.Param("id"), req.Amount, req.Reason)
	h.respond(c, http.StatusOK, pay, err)
}

// paymentCallback is the deep-link target providers redirect to. The query
// is only a hint; the payment is re-verified with the backend.
func (h *Handler) paymentCallback(c *gin.Context) {
	paymentID := c.Query("paymentId")
	if paymentID == "" {
		paymentID = c.Query("payment_id")
	}
	if paymentID == "" {
		h.fail(c, apperr.Validation("paymentId is required"))
		return
	}
	pay, err := h.checkout.Payments.HandleCallback(c.Request.Context(), paymentID)
	h.respond(c, http.StatusOK, pay, err)
}

func (h *Handler) getPaymentMethods(c *gin.Context) {
	c.JSON(http.StatusOK, h.checkout.PaymentMethods.Preferences())
}

func (h *Handler) setDefaultPaymentMethod(c *gin.Context) {
	var req struct {
		Method models.PaymentMethod `json:"method"`
		Ref    string               `json:"ref"`
	}
	if !h.bind(c, &req) {
		return
	}
	if err := h.checkout.PaymentMethods.SetDefault(c.Request.Context(), req.Method, req.Ref); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.checkout.PaymentMethods.Preferences())
}

func (h *Handler) saveCard(c *gin.Context) {
	var card models.SavedCard
	if !h.bind(c, &card) {
		return
	}
	if err := h.checkout.PaymentMethods.SaveCard(c.Request.Context(), card); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, h.checkout.PaymentMethods.Preferences())
}

func (h *Handler) removeCard(c *gin.Context) {
	if err := h.checkout.PaymentMethods.RemoveCard(c.Request.Context(), c.Param("token")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type ticketView struct {
	models.Ticket
	Status models.TicketStatus `json:"status"`
}

func (h *Handler) views(tickets []models.Ticket) []ticketView {
	out := make([]ticketView, 0, len(tickets))
	now := time.Now()
	for _, t := range tickets {
		out = append(out, ticketView{Ticket: t, Status: t.Status(now)})
	}
	return out
}

// listTickets serves the local ledger, so it works offline.
func (h *Handler) listTickets(c *gin.Context) {
	var tickets []models.Ticket
	switch {
	case c.Query("orderId") != "":
		tickets = h.checkout.Tickets.TicketsForOrder(c.Query("orderId"))
	case c.Query("eventId") != "":
		tickets = h.checkout.Tickets.TicketsForEvent(c.Query("eventId"))
	default:
		tickets = h.checkout.Tickets.Tickets()
	}
	c.JSON(http.StatusOK, gin.H{
		"tickets":  h.views(tickets),
		"syncedAt": h.checkout.Tickets.SyncedAt(),
	})
}

func (h *Handler) refreshTickets(c *gin.Context) {
	tickets, err := h.checkout.Tickets.Refresh(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tickets":  h.views(tickets),
		"syncedAt": h.checkout.Tickets.SyncedAt(),
	})
}

func (h *Handler) getTicket(c *gin.Context) {
	t, ok := h.checkout.Tickets.Ticket(c.Param("id"))
	if !ok {
		h.fail(c, apperr.New(apperr.KindNotFound, "Ticket not found."))
		return
	}
	c.JSON(http.StatusOK, h.views([]models.Ticket{*t})[0])
}

func (h *Handler) useTicket(c *gin.Context) {
	t, err := h.checkout.Tickets.UseTicket(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.views([]models.Ticket{*t})[0])
}

func (h *Handler) refundTicket(c *gin.Context) {
	var req reasonRequest
	if c.Request.ContentLength > 0 && !h.bind(c, &req) {
		return
	}
	t, err := h.checkout.Tickets.RefundTicket(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, h.views([]models.Ticket{*t})[0])
}
