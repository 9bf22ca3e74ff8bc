package api

import (
	"net/http"
	"strconv"
	"time"

	"checkout-core/internal/apperr"
	"checkout-core/internal/models"
	"checkout-core/internal/service"
	"checkout-core/internal/session"
	"checkout-core/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Handler exposes one user's checkout to a UI shell over HTTP.
type Handler struct {
	checkout *service.Checkout
	tokens   *session.TokenStore
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(checkout *service.Checkout, tokens *session.TokenStore) *Handler {
	return &Handler{
		checkout: checkout,
		tokens:   tokens,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		v1.GET("/session", h.getSession)
		v1.PUT("/session", h.signIn)
		v1.DELETE("/session", h.signOut)

		v1.GET("/cart", h.getCart)
		v1.POST("/cart/items", h.addCartItem)
		v1.PUT("/cart/items/:id", h.updateCartItem)
		v1.DELETE("/cart/items/:id", h.removeCartItem)
		v1.DELETE("/cart", h.clearCart)
		v1.POST("/cart/checkout", h.checkoutCart)

		v1.POST("/availability", h.getAvailability)
		v1.GET("/holds", h.listHolds)
		v1.POST("/holds", h.reserve)
		v1.POST("/holds/:id/renew", h.renewHold)
		v1.DELETE("/holds/:id", h.releaseHold)

		v1.GET("/orders", h.listOrders)
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.PUT("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/refund", h.refundOrder)
		v1.PUT("/orders/:id/status", h.updateOrderStatus)

		v1.POST("/payments", h.initiatePayment)
		v1.GET("/payments/:id", h.getPayment)
		v1.POST("/payments/:id/verify", h.verifyPayment)
		v1.POST("/payments/:id/poll", h.pollPayment)
		v1.DELETE("/payments/:id/poll", h.stopPolling)
		v1.PUT("/payments/:id/cancel", h.cancelPayment)
		v1.POST("/payments/:id/refund", h.refundPayment)
		v1.GET("/callbacks/payment", h.paymentCallback)

		v1.GET("/payment-methods", h.getPaymentMethods)
		v1.PUT("/payment-methods/default", h.setDefaultPaymentMethod)
		v1.POST("/payment-methods/cards", h.saveCard)
		v1.DELETE("/payment-methods/cards/:token", h.removeCard)

		v1.GET("/tickets", h.listTickets)
		v1.POST("/tickets/refresh", h.refreshTickets)
		v1.GET("/tickets/:id", h.getTicket)
		v1.PUT("/tickets/:id/use", h.useTicket)
		v1.PUT("/tickets/:id/refund", h.refundTicket)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck reports ready once a session token is present.
func (h *Handler) readinessCheck(c *gin.Context) {
	if !h.tokens.SignedIn() {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status": "signed_out",
			"time":   time.Now().Unix(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) getSession(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"signedIn": h.tokens.SignedIn()})
}

// signIn stores the bearer token issued by the identity provider.
func (h *Handler) signIn(c *gin.Context) {
	var req struct {
		Token string `json:"token"`
	}
	if !h.bind(c, &req) {
		return
	}
	if req.Token == "" {
		h.fail(c, apperr.Validation("token is required"))
		return
	}
	h.tokens.Set(c.Request.Context(), req.Token)
	h.checkout.Restore(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"signedIn": true})
}

func (h *Handler) signOut(c *gin.Context) {
	h.checkout.SignOut(c.Request.Context())
	h.tokens.Clear(c.Request.Context())
	c.Status(http.StatusNoContent)
}

func (h *Handler) getCart(c *gin.Context) {
	cart, err := h.checkout.Cart.Get(c.Request.Context())
	h.respond(c, http.StatusOK, cart, err)
}

func (h *Handler) addCartItem(c *gin.Context) {
	var item models.CartItem
	if !h.bind(c, &item) {
		return
	}
	cart, err := h.checkout.Cart.AddItem(c.Request.Context(), item)
	h.respond(c, http.StatusOK, cart, err)
}

func (h *Handler) updateCartItem(c *gin.Context) {
	var req struct {
		Quantity int `json:"quantity"`
	}
	if !h.bind(c, &req) {
		return
	}
	cart, err := h.checkout.Cart.UpdateItem(c.Request.Context(), c.Param("id"), req.Quantity)
	h.respond(c, http.StatusOK, cart, err)
}

func (h *Handler) removeCartItem(c *gin.Context) {
	cart, err := h.checkout.Cart.RemoveItem(c.Request.Context(), c.Param("id"))
	h.respond(c, http.StatusOK, cart, err)
}

func (h *Handler) clearCart(c *gin.Context) {
	cart, err := h.checkout.Cart.Clear(c.Request.Context())
	h.respond(c, http.StatusOK, cart, err)
}

// checkoutCart turns the current cart into an order.
func (h *Handler) checkoutCart(c *gin.Context) {
	var opts service.OrderOptions
	if c.Request.ContentLength > 0 && !h.bind(c, &opts) {
		return
	}
	order, err := h.checkout.Orders.CreateOrderFromCart(c.Request.Context(), opts)
	h.respond(c, http.StatusCreated, order, err)
}

func (h *Handler) getAvailability(c *gin.Context) {
	var q service.AvailabilityQuery
	if !h.bind(c, &q) {
		return
	}
	availability, err := h.checkout.Availability.GetAvailability(c.Request.Context(), q)
	h.respond(c, http.StatusOK, availability, err)
}

func (h *Handler) listHolds(c *gin.Context) {
	c.JSON(http.StatusOK, h.checkout.Availability.ActiveHolds())
}

func (h *Handler) reserve(c *gin.Context) {
	var req struct {
		service.ReserveRequest
		DurationSeconds int `json:"durationSeconds"`
	}
	if !h.bind(c, &req) {
		return
	}
	req.Duration = time.Duration(req.DurationSeconds) * time.Second
	hold, err := h.checkout.Availability.Reserve(c.Request.Context(), req.ReserveRequest)
	h.respond(c, http.StatusCreated, hold, err)
}

func (h *Handler) renewHold(c *gin.Context) {
	hold, err := h.checkout.Availability.Renew(c.Request.Context(), c.Param("id"))
	h.respond(c, http.StatusOK, hold, err)
}

// releaseHold always succeeds; release failures are logged by the service.
func (h *Handler) releaseHold(c *gin.Context) {
	h.checkout.Availability.Release(c.Request.Context(), c.Param("id"))
	c.Status(http.StatusNoContent)
}

// bind decodes the JSON body and renders a validation error when it cannot.
func (h *Handler) bind(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		h.fail(c, apperr.Wrap(apperr.KindValidation, "Invalid request body", err))
		return false
	}
	return true
}

func (h *Handler) respond(c *gin.Context, status int, body interface{}, err error) {
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(status, body)
}

// fail renders err as {error: kind, message: user-safe text}.
func (h *Handler) fail(c *gin.Context, err error) {
	e := apperr.Classify(err)
	status := statusFor(e)
	if status >= http.StatusInternalServerError {
		util.Warn(c.Request.Context(), h.logger, "Checkout request failed",
			zap.String("path", c.FullPath()),
			zap.String("kind", string(e.Kind)),
			zap.Error(err))
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":   e.Kind,
		"message": e.UserMessage(),
	})
}

func statusFor(e *apperr.Error) int {
	switch e.Kind {
	case apperr.KindValidation:
		return http.StatusBadRequest
	case apperr.KindRequest:
		if e.Status >= 400 && e.Status < 500 {
			return e.Status
		}
		return http.StatusBadRequest
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindSeatsUnavailable:
		return http.StatusConflict
	case apperr.KindPaymentFailed:
		return http.StatusPaymentRequired
	case apperr.KindAuth:
		return http.StatusUnauthorized
	case apperr.KindTimeout:
		return http.StatusGatewayTimeout
	case apperr.KindNetwork, apperr.KindServer:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
