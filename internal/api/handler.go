package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"checkout-engine/internal/fsm"
	"checkout-engine/internal/models"
	"checkout-engine/internal/service"
	"checkout-engine/internal/store"
	"checkout-engine/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// EventSink is the webhook republish surface; verified gateway deliveries
// go onto the event topic for asynchronous processing.
type EventSink interface {
	PublishPaymentSucceeded(ctx context.Context, event *models.PaymentSucceededEvent) error
	PublishPaymentFailed(ctx context.Context, event *models.PaymentFailedEvent) error
}

// Handler contains HTTP handlers
type Handler struct {
	carts         *service.CartService
	orchestrator  *service.Orchestrator
	payments      *service.PaymentService
	sessions      service.SessionStore
	events        EventSink
	webhookSecret string
	logger        *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(
	carts *service.CartService,
	orchestrator *service.Orchestrator,
	payments *service.PaymentService,
	sessions service.SessionStore,
	events EventSink,
	webhookSecret string,
) *Handler {
	return &Handler{
		carts:         carts,
		orchestrator:  orchestrator,
		payments:      payments,
		sessions:      sessions,
		events:        events,
		webhookSecret: webhookSecret,
		logger:        util.GetLogger(),
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
		v1.GET("/cart", h.getCart)
		v1.POST("/cart/items", h.addCartItem)
		v1.PATCH("/cart/items/:id", h.updateCartItem)
		v1.DELETE("/cart/items/:id", h.removeCartItem)

		v1.POST("/orders/validate", h.validateCheckout)
		v1.POST("/orders", h.placeOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)

		v1.POST("/payment/initiate", h.initiatePayment)
		v1.POST("/webhooks/payment", h.paymentWebhook)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// getCart returns the caller's open cart, creating one when none exists.
func (h *Handler) getCart(c *gin.Context) {
	userID := h.userID(c)
	if userID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-ID header required"})
		return
	}

	cart, err := h.carts.GetOrCreate(c.Request.Context(), userID, c.GetHeader("X-Cart-Session"), c.DefaultQuery("currency", "USD"))
	if err != nil {
		h.fail(c, err)
		return
	}
	items, err := h.carts.Items(c.Request.Context(), cart.ID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"cart":  cart,
		"items": items,
	})
}

type addItemRequest struct {
	VariantID int64 `json:"variant_id" binding:"required"`
	Quantity  int   `json:"quantity" binding:"required,gt=0"`
}

// addCartItem adds a variant to the open cart, merging quantities on repeat.
func (h *Handler) addCartItem(c *gin.Context) {
	userID := h.userID(c)
	if userID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-ID header required"})
		return
	}

	var req addItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	cart, err := h.carts.GetOrCreate(c.Request.Context(), userID, c.GetHeader("X-Cart-Session"), c.DefaultQuery("currency", "USD"))
	if err != nil {
		h.fail(c, err)
		return
	}

	item, err := h.carts.AddItem(c.Request.Context(), cart, req.VariantID, req.Quantity)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"cart": cart,
		"item": item,
	})
}

type updateItemRequest struct {
	Quantity int `json:"quantity" binding:"required,gt=0"`
}

// updateCartItem changes a line's quantity.
func (h *Handler) updateCartItem(c *gin.Context) {
	itemID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid item ID"})
		return
	}

	var req updateItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	cart, err := h.resolveCart(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	if err := h.carts.UpdateItem(c.Request.Context(), cart, itemID, req.Quantity); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cart": cart})
}

// removeCartItem deletes a line from the cart.
func (h *Handler) removeCartItem(c *gin.Context) {
	itemID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid item ID"})
		return
	}

	cart, err := h.resolveCart(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	if err := h.carts.RemoveItem(c.Request.Context(), cart, itemID); err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cart": cart})
}

// validateCheckout locks the cart into a checkout session and reports
// server-recalculated totals plus any stock deficits.
func (h *Handler) validateCheckout(c *gin.Context) {
	cart, err := h.resolveCart(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	res, err := h.orchestrator.ValidateCheckout(c.Request.Context(), cart)
	if err != nil {
		h.fail(c, err)
		return
	}

	status := "valid"
	if len(res.Deficits) > 0 {
		status = "invalid"
	}

	c.JSON(http.StatusOK, gin.H{
		"validation_status":   status,
		"checkout_id":         res.Session.Token,
		"recalculated_totals": res.Session.Totals(),
		"locked_currency":     models.CurrencyFor(res.Session.Currency),
		"expires_at":          res.Session.ExpiresAt,
		"reasons":             deficitReasons(res.Deficits),
		"deficits":            res.Deficits,
	})
}

// deficitReasons renders stock deficits as human-readable strings for the
// reasons list; the structured records ride alongside under deficits.
func deficitReasons(deficits []models.Deficit) []string {
	reasons := make([]string, 0, len(deficits))
	for _, d := range deficits {
		reasons = append(reasons, fmt.Sprintf(
			"insufficient stock for %s: requested %d, available %d", d.SKU, d.Requested, d.Available))
	}
	return reasons
}

type placeOrderRequest struct {
	PaymentMethod   string `json:"payment_method" binding:"required,oneof=card cod"`
	ShippingAddress string `json:"shipping_address"`
	BillingAddress  string `json:"billing_address"`
	Notes           string `json:"notes"`
}

// placeOrder submits a checkout. Replayed idempotent submissions return 200
// with the original order; fresh orders return 201.
func (h *Handler) placeOrder(c *gin.Context) {
	userID := h.userID(c)
	if userID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-ID header required"})
		return
	}

	var req placeOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	cart, err := h.resolveCart(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	result, err := h.orchestrator.PlaceOrder(c.Request.Context(), &service.PlaceOrderRequest{
		UserID:          userID,
		Cart:            cart,
		IdempotencyKey:  c.GetHeader("Idempotency-Key"),
		PaymentMethod:   req.PaymentMethod,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		Notes:           req.Notes,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	body := gin.H{
		"order": result.Order,
		"items": result.Items,
	}
	if result.ClientSecret != "" {
		body["client_secret"] = result.ClientSecret
	}
	if result.Replayed {
		c.JSON(http.StatusOK, body)
		return
	}
	c.JSON(http.StatusCreated, body)
}

// listOrders returns the caller's orders.
func (h *Handler) listOrders(c *gin.Context) {
	userID := h.userID(c)
	if userID == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-ID header required"})
		return
	}

	orders, err := h.orchestrator.ListOrders(c.Request.Context(), userID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	order, items, err := h.orchestrator.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

// cancelOrder cancels an unpaid order.
func (h *Handler) cancelOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid order ID"})
		return
	}

	var req cancelOrderRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "cancelled by user"
	}

	order, err := h.orchestrator.CancelOrder(c.Request.Context(), orderID, "user", req.Reason)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"order": order})
}

type initiatePaymentRequest struct {
	CheckoutID string `json:"checkout_id"`
	OrderID    int64  `json:"order_id"`
	Source     string `json:"source"`
	Method     string `json:"method"`
}

// initiatePayment opens a gateway intent against a live checkout session or
// an existing order so a client can collect payment details.
func (h *Handler) initiatePayment(c *gin.Context) {
	var req initiatePaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	var intent *models.PaymentIntent
	var err error
	switch {
	case req.CheckoutID != "":
		var sess *models.CheckoutSession
		sess, err = h.sessions.GetSessionByToken(ctx, req.CheckoutID)
		if err == nil {
			intent, err = h.payments.CreateCheckoutIntent(ctx, sess)
		}
	case req.OrderID != 0:
		var order *models.Order
		order, _, err = h.orchestrator.GetOrder(ctx, req.OrderID)
		if err == nil {
			intent, err = h.payments.CreateOrderIntent(ctx, order)
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "checkout_id or order_id required"})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"transaction_id": intent.ProviderID,
		"client_secret":  intent.ClientSecret,
	})
}

// webhookPayload is the gateway's delivery shape.
type webhookPayload struct {
	EventID       string `json:"event_id"`
	Type          string `json:"type"`
	TransactionID string `json:"transaction_id"`
	OrderID       int64  `json:"order_id"`
	Amount        int64  `json:"amount"`
	Reason        string `json:"reason"`
}

// paymentWebhook verifies a gateway delivery's signature and republishes it
// onto the event topic. Processing is asynchronous; the gateway only needs
// an acknowledgement that the delivery is safely queued.
func (h *Handler) paymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	if !h.verifySignature(body, c.GetHeader("X-Gateway-Signature")) {
		h.logger.Warn("webhook signature verification failed",
			zap.String("remote_addr", c.ClientIP()))
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid signature"})
		return
	}

	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload"})
		return
	}

	base := models.BaseEvent{
		EventID:   payload.EventID,
		Timestamp: time.Now().UTC(),
	}
	if base.EventID == "" {
		base.EventID = uuid.New().String()
	}

	ctx := c.Request.Context()
	switch payload.Type {
	case "payment_intent.succeeded":
		base.EventType = models.EventTypePaymentSucceeded
		err = h.events.PublishPaymentSucceeded(ctx, &models.PaymentSucceededEvent{
			BaseEvent: base,
			OrderID:   payload.OrderID,
			Amount:    payload.Amount,
			TxID:      payload.TransactionID,
		})
	case "payment_intent.payment_failed":
		base.EventType = models.EventTypePaymentFailed
		err = h.events.PublishPaymentFailed(ctx, &models.PaymentFailedEvent{
			BaseEvent: base,
			OrderID:   payload.OrderID,
			TxID:      payload.TransactionID,
			Reason:    payload.Reason,
		})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "Unknown event type"})
		return
	}
	if err != nil {
		h.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true})
}

func (h *Handler) verifySignature(body []byte, signature string) bool {
	if signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(h.webhookSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

func (h *Handler) userID(c *gin.Context) int64 {
	id, _ := strconv.ParseInt(c.GetHeader("X-User-ID"), 10, 64)
	return id
}

func (h *Handler) resolveCart(c *gin.Context) (*models.Cart, error) {
	cartID, _ := strconv.ParseInt(c.Query("cart_id"), 10, 64)
	return h.carts.Resolve(c.Request.Context(), h.userID(c), cartID, c.GetHeader("X-Cart-Session"))
}

// fail maps domain errors onto HTTP statuses.
func (h *Handler) fail(c *gin.Context, err error) {
	var deficits *service.DeficitError
	var integrity *service.IntegrityError
	var transition *fsm.TransitionError

	switch {
	case errors.As(err, &deficits):
		c.JSON(http.StatusConflict, gin.H{
			"error":    "Insufficient stock",
			"deficits": deficits.Deficits,
		})
	case errors.As(err, &integrity):
		c.JSON(http.StatusConflict, gin.H{
			"error":    "Order failed verification and is under review",
			"order_id": integrity.OrderID,
		})
	case errors.As(err, &transition):
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
		})
	case errors.Is(err, service.ErrCartEmpty):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Cart is empty"})
	case errors.Is(err, service.ErrCartUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "Cart is not open for changes"})
	case errors.Is(err, service.ErrSessionExpired):
		c.JSON(http.StatusGone, gin.H{"error": "Checkout session expired"})
	case errors.Is(err, service.ErrRequestInFlight):
		c.JSON(http.StatusConflict, gin.H{"error": "An identical request is already in flight"})
	case errors.Is(err, service.ErrDuplicateCharge):
		c.JSON(http.StatusConflict, gin.H{"error": "Order already has a settled payment"})
	case errors.Is(err, store.ErrSessionConsumed):
		c.JSON(http.StatusConflict, gin.H{"error": "Checkout already placed an order for this cart"})
	case errors.Is(err, service.ErrPaymentFailed):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "Payment failed", "details": err.Error()})
	case errors.Is(err, store.ErrStaleTransition):
		c.JSON(http.StatusConflict, gin.H{"error": "Resource changed concurrently, retry"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	default:
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Internal error",
			"details": err.Error(),
		})
	}
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
