package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"checkout-engine/internal/fsm"
	"checkout-engine/internal/models"
	"checkout-engine/internal/store"
	"checkout-engine/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Orchestrator drives the full checkout flow: session lock, idempotent order
// creation, inventory reservation, payment, and the compensations that keep
// the system consistent when any step fails.
type Orchestrator struct {
	carts     CartStore
	orders    OrderStore
	sessions  *SessionManager
	pricing   *PricingService
	inventory *InventoryService
	payments  *PaymentService
	registry  *Registry
	events    Publisher
	orderFSM  *fsm.Machine[models.OrderStatus]

	reservationTTL time.Duration
	logger         *zap.Logger
}

func NewOrchestrator(
	carts CartStore,
	orders OrderStore,
	sessions *SessionManager,
	pricing *PricingService,
	inventory *InventoryService,
	payments *PaymentService,
	registry *Registry,
	events Publisher,
	reservationTTL time.Duration,
) *Orchestrator {
	return &Orchestrator{
		carts:          carts,
		orders:         orders,
		sessions:       sessions,
		pricing:        pricing,
		inventory:      inventory,
		payments:       payments,
		registry:       registry,
		events:         events,
		orderFSM:       fsm.OrderMachine(),
		reservationTTL: reservationTTL,
		logger:         util.GetLogger(),
	}
}

// PlaceOrderRequest is one checkout submission.
type PlaceOrderRequest struct {
	UserID          int64
	Cart            *models.Cart
	IdempotencyKey  string
	PaymentMethod   string
	ShippingAddress string
	BillingAddress  string
	Notes           string
}

// PlaceOrderResult reports what happened to a checkout submission. Replayed
// is true when the idempotency key matched an earlier order and no new work
// was done.
type PlaceOrderResult struct {
	Order        *models.Order
	Items        []models.OrderItem
	Replayed     bool
	ClientSecret string
}

// ValidationResult is the outcome of a pre-payment checkout validation.
type ValidationResult struct {
	Session  *models.CheckoutSession
	Deficits []models.Deficit
}

// ValidateCheckout locks the cart into a checkout session (or refreshes the
// existing one), recalculates totals server-side, and reports per-item stock
// deficits without holding anything.
func (o *Orchestrator) ValidateCheckout(ctx context.Context, cart *models.Cart) (*ValidationResult, error) {
	sess, err := o.sessions.Start(ctx, cart, "checkout")
	if err != nil {
		return nil, err
	}
	deficits, err := o.sessions.Validate(ctx, sess)
	if err != nil {
		return nil, err
	}
	return &ValidationResult{Session: sess, Deficits: deficits}, nil
}

// PlaceOrder converts a cart into an order. The same (user, idempotency key)
// always yields the same order: retries and double submits replay the first
// outcome instead of charging or reserving twice.
func (o *Orchestrator) PlaceOrder(ctx context.Context, req *PlaceOrderRequest) (*PlaceOrderResult, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.PlaceOrder")
	defer span.End()

	cart := req.Cart

	if req.IdempotencyKey != "" {
		if existing, err := o.registry.Lookup(ctx, req.UserID, req.IdempotencyKey); err != nil {
			return nil, err
		} else if existing != nil {
			return o.replay(ctx, existing)
		}
	} else {
		// No client key: a key derived from the cart's existing session
		// stands in, so an identical retry of the same locked cart still
		// collapses onto one order. Checked before Start because the first
		// attempt may already have consumed the cart.
		if prev, err := o.sessions.ForCart(ctx, cart.ID); err != nil {
			return nil, err
		} else if prev != nil {
			if existing, err := o.registry.Lookup(ctx, req.UserID, derivedKey(prev)); err != nil {
				return nil, err
			} else if existing != nil {
				return o.replay(ctx, existing)
			}
		}
	}

	// Lock the cart and recompute authoritative totals before anything
	// financial happens.
	sess, err := o.sessions.Start(ctx, cart, "checkout")
	if err != nil {
		return nil, err
	}

	key := req.IdempotencyKey
	if key == "" {
		key = derivedKey(sess)
	}

	acquired, err := o.registry.Begin(ctx, req.UserID, key)
	if err != nil {
		return nil, err
	}
	if !acquired {
		return nil, ErrRequestInFlight
	}
	defer o.registry.End(ctx, req.UserID, key)

	items, err := sess.Items()
	if err != nil {
		return nil, fmt.Errorf("failed to decode session items: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrCartEmpty
	}
	lines := reserveLines(items)

	// Cheap redis gate before the row-locking transaction. Refusals here
	// save a database round trip; admissions are re-checked under locks.
	if err := o.inventory.Precheck(ctx, lines); err != nil {
		return nil, err
	}

	order := &models.Order{
		OrderNumber:     newOrderNumber(),
		UserID:          req.UserID,
		CartID:          cart.ID,
		SessionID:       sess.ID,
		Status:          models.OrderStatusPending,
		PaymentMethod:   req.PaymentMethod,
		Currency:        sess.Currency,
		TotalAmount:     sess.Total,
		IdempotencyKey:  key,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		Notes:           req.Notes,
	}

	reserveStart := time.Now()
	deficits, err := o.orders.PlaceOrder(ctx, store.PlaceOrderParams{
		Order:             order,
		Items:             orderItems(items),
		Snapshot:          o.pricing.SnapshotFromSession(sess, time.Now().UTC()),
		ReserveLines:      lines,
		ReservationExpiry: time.Now().Add(o.reservationTTL),
		Actor:             "orchestrator",
	})
	util.InventoryReserveLatency.Observe(time.Since(reserveStart).Seconds())
	if err != nil {
		o.inventory.gateRelease(ctx, lines)
		switch {
		case errors.Is(err, store.ErrDuplicateKey):
			existing, lerr := o.orders.GetOrderByIdempotencyKey(ctx, req.UserID, key)
			if lerr != nil || existing == nil {
				return nil, fmt.Errorf("idempotency key collision for user %d: %w", req.UserID, err)
			}
			return o.replay(ctx, existing)
		case errors.Is(err, store.ErrInsufficientStock):
			util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
			return nil, &DeficitError{Deficits: deficits}
		case errors.Is(err, store.ErrSessionConsumed):
			existing, lerr := o.orders.GetOrderByIdempotencyKey(ctx, req.UserID, key)
			if lerr == nil && existing != nil {
				return o.replay(ctx, existing)
			}
			return nil, err
		default:
			return nil, err
		}
	}

	util.OrdersCreatedTotal.Inc()
	util.ReservationsReservedTotal.Inc()
	o.registry.Remember(ctx, req.UserID, key, order.ID)
	o.publishOrderCreated(ctx, order, items)

	o.logger.Info("order created",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.Int64("user_id", order.UserID),
		zap.String("payment_method", order.PaymentMethod),
		zap.Int64("total_amount", order.TotalAmount))

	if req.PaymentMethod == models.PaymentMethodCOD {
		return o.settleCOD(ctx, order, lines)
	}
	return o.chargeCard(ctx, order, sess, lines)
}

// settleCOD finishes a cash-on-delivery order: no gateway, reservations are
// committed immediately and the order waits in payment_pending for delivery.
func (o *Orchestrator) settleCOD(ctx context.Context, order *models.Order, lines []models.ReserveLine) (*PlaceOrderResult, error) {
	err := o.transitionOrder(ctx, order, models.OrderStatusPaymentPending, func(from, to models.OrderStatus) error {
		return o.orders.FinalizeOrder(ctx, store.FinalizeParams{
			OrderID: order.ID,
			CartID:  order.CartID,
			From:    from,
			To:      to,
			Actor:   "orchestrator",
			Reason:  "cod order accepted",
		})
	})
	if err != nil {
		return nil, err
	}
	order.Status = models.OrderStatusPaymentPending
	o.inventory.Commit(ctx, order.ID, lines)
	return o.result(ctx, order, false, "")
}

// chargeCard runs the synchronous card flow: intent, charge, then either
// finalize or compensate. The gateway call happens outside any transaction.
func (o *Orchestrator) chargeCard(ctx context.Context, order *models.Order, sess *models.CheckoutSession, lines []models.ReserveLine) (*PlaceOrderResult, error) {
	if err := o.transitionOrder(ctx, order, models.OrderStatusPaymentPending, func(from, to models.OrderStatus) error {
		return o.orders.UpdateOrderStatus(ctx, order.ID, from, to, "orchestrator", "awaiting payment")
	}); err != nil {
		return nil, err
	}
	order.Status = models.OrderStatusPaymentPending

	intent, err := o.payments.CreateOrderIntent(ctx, order)
	if err != nil {
		o.failOrder(ctx, order, sess.ID, lines, "intent creation failed: "+err.Error())
		return nil, err
	}

	charge, err := o.payments.Process(ctx, intent)
	if err != nil {
		o.failOrder(ctx, order, sess.ID, lines, "payment failed")
		return nil, err
	}

	snap, err := o.orders.GetSnapshotByOrderID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if verr := o.pricing.VerifyOrderIntegrity(order, snap, intent); verr != nil {
		util.IntegrityViolationsTotal.Inc()
		if ferr := o.orders.MarkOrderFraud(ctx, order.ID, verr.Error()); ferr != nil {
			o.logger.Error("failed to quarantine order", zap.Int64("order_id", order.ID), zap.Error(ferr))
		}
		return nil, verr
	}

	if err := o.finalizePaid(ctx, order, lines, charge.TransactionID); err != nil {
		return nil, err
	}
	return o.result(ctx, order, false, intent.ClientSecret)
}

// finalizePaid settles a successfully charged order: paid status, invoice,
// committed stock and an emptied cart, all in one transaction.
func (o *Orchestrator) finalizePaid(ctx context.Context, order *models.Order, lines []models.ReserveLine, txID string) error {
	err := o.transitionOrder(ctx, order, models.OrderStatusPaid, func(from, to models.OrderStatus) error {
		return o.orders.FinalizeOrder(ctx, store.FinalizeParams{
			OrderID:       order.ID,
			CartID:        order.CartID,
			From:          from,
			To:            to,
			SetPaidAt:     true,
			InvoiceNumber: "INV-" + order.OrderNumber,
			Actor:         "orchestrator",
			Reason:        "payment settled",
		})
	})
	if err != nil {
		return err
	}
	order.Status = models.OrderStatusPaid
	order.InvoiceNumber = "INV-" + order.OrderNumber

	o.inventory.Commit(ctx, order.ID, lines)
	util.OrdersPaidTotal.Inc()
	o.publish(ctx, models.EventTypeOrderPaid, func(base models.BaseEvent) error {
		return o.events.PublishOrderPaid(ctx, &models.OrderPaidEvent{
			BaseEvent:     base,
			OrderID:       order.ID,
			OrderNumber:   order.OrderNumber,
			UserID:        order.UserID,
			Amount:        order.TotalAmount,
			InvoiceNumber: order.InvoiceNumber,
			TxID:          txID,
		})
	})
	o.logger.Info("order paid",
		zap.Int64("order_id", order.ID),
		zap.String("invoice_number", order.InvoiceNumber),
		zap.String("tx_id", txID))
	return nil
}

// failOrder compensates a checkout whose payment did not settle: order to
// failed, holds released, session reopened and the cart handed back to the
// shopper.
func (o *Orchestrator) failOrder(ctx context.Context, order *models.Order, sessionID int64, lines []models.ReserveLine, reason string) {
	err := o.transitionOrder(ctx, order, models.OrderStatusFailed, func(from, to models.OrderStatus) error {
		return o.orders.CompensateOrder(ctx, order.ID, order.CartID, sessionID, from, to, "orchestrator", reason)
	})
	if err != nil {
		o.logger.Error("compensation failed",
			zap.Int64("order_id", order.ID),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	order.Status = models.OrderStatusFailed
	o.inventory.Release(ctx, order.ID, lines, "payment_failed")
	util.OrdersFailedTotal.WithLabelValues("payment_failed").Inc()
	o.publish(ctx, models.EventTypeOrderFailed, func(base models.BaseEvent) error {
		return o.events.PublishOrderFailed(ctx, &models.OrderFailedEvent{
			BaseEvent: base,
			OrderID:   order.ID,
			UserID:    order.UserID,
			Reason:    reason,
		})
	})
}

// CancelOrder cancels an unpaid order on user or operator request. Paid
// orders are immovable; the attempt is recorded as a security-relevant
// illegal transition.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID int64, actor, reason string) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "Orchestrator.CancelOrder")
	defer span.End()

	order, err := o.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}

	err = o.transitionOrder(ctx, order, models.OrderStatusCancelled, func(from, to models.OrderStatus) error {
		return o.orders.CompensateOrder(ctx, order.ID, order.CartID, order.SessionID, from, to, actor, reason)
	})
	if err != nil {
		return nil, err
	}
	order.Status = models.OrderStatusCancelled

	lines, _ := o.reservationLines(ctx, order.ID)
	o.inventory.Release(ctx, order.ID, lines, "cancelled")
	o.publish(ctx, models.EventTypeOrderCancelled, func(base models.BaseEvent) error {
		return o.events.PublishOrderCancelled(ctx, &models.OrderCancelledEvent{
			BaseEvent: base,
			OrderID:   order.ID,
			Reason:    reason,
		})
	})
	o.logger.Info("order cancelled",
		zap.Int64("order_id", order.ID),
		zap.String("actor", actor),
		zap.String("reason", reason))
	return order, nil
}

// HandlePaymentSucceeded applies an asynchronous gateway success delivery.
// Redelivered events and orders the synchronous path already settled are
// acknowledged without side effects.
func (o *Orchestrator) HandlePaymentSucceeded(ctx context.Context, evt *models.PaymentSucceededEvent) error {
	ctx, span := util.StartSpan(ctx, "Orchestrator.HandlePaymentSucceeded")
	defer span.End()

	dedupID := "paytx:" + evt.TxID
	done, err := o.orders.IsEventProcessed(ctx, dedupID)
	if err != nil {
		return err
	}
	if done {
		util.WebhookDuplicatesTotal.Inc()
		o.logger.Info("duplicate payment delivery ignored", zap.String("tx_id", evt.TxID))
		return nil
	}

	intent, order, err := o.resolveDelivery(ctx, evt.TxID, evt.OrderID)
	if err != nil {
		return err
	}

	if order.Status == models.OrderStatusPaid || order.Status == models.OrderStatusFulfilled {
		util.WebhookDuplicatesTotal.Inc()
		return o.orders.MarkEventProcessed(ctx, dedupID, models.EventTypePaymentSucceeded)
	}

	if err := o.payments.Settle(ctx, intent, evt.TxID, ""); err != nil {
		return err
	}

	snap, err := o.orders.GetSnapshotByOrderID(ctx, order.ID)
	if err != nil {
		return err
	}
	if verr := o.pricing.VerifyOrderIntegrity(order, snap, intent); verr != nil {
		util.IntegrityViolationsTotal.Inc()
		if ferr := o.orders.MarkOrderFraud(ctx, order.ID, verr.Error()); ferr != nil {
			return ferr
		}
		return o.orders.MarkEventProcessed(ctx, dedupID, models.EventTypePaymentSucceeded)
	}

	lines, err := o.reservationLines(ctx, order.ID)
	if err != nil {
		return err
	}
	if err := o.finalizePaid(ctx, order, lines, evt.TxID); err != nil {
		return err
	}
	return o.orders.MarkEventProcessed(ctx, dedupID, models.EventTypePaymentSucceeded)
}

// HandlePaymentFailed applies an asynchronous gateway failure delivery.
// Orders that already settled are left alone; a late failure for a paid
// order is a gateway inconsistency worth logging, never a state change.
func (o *Orchestrator) HandlePaymentFailed(ctx context.Context, evt *models.PaymentFailedEvent) error {
	ctx, span := util.StartSpan(ctx, "Orchestrator.HandlePaymentFailed")
	defer span.End()

	dedupID := "paytx:" + evt.TxID
	done, err := o.orders.IsEventProcessed(ctx, dedupID)
	if err != nil {
		return err
	}
	if done {
		util.WebhookDuplicatesTotal.Inc()
		return nil
	}

	intent, order, err := o.resolveDelivery(ctx, evt.TxID, evt.OrderID)
	if err != nil {
		return err
	}

	switch order.Status {
	case models.OrderStatusPaid, models.OrderStatusFulfilled:
		o.logger.Warn("failure delivery for settled order",
			zap.Int64("order_id", order.ID),
			zap.String("tx_id", evt.TxID))
		util.WebhookDuplicatesTotal.Inc()
	case models.OrderStatusFailed, models.OrderStatusCancelled:
		// Already compensated.
	default:
		if err := o.payments.MarkFailed(ctx, intent, evt.Reason); err != nil {
			return err
		}
		lines, _ := o.reservationLines(ctx, order.ID)
		o.failOrder(ctx, order, order.SessionID, lines, evt.Reason)
	}
	return o.orders.MarkEventProcessed(ctx, dedupID, models.EventTypePaymentFailed)
}

// GetOrder returns one order with its immutable lines.
func (o *Orchestrator) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error) {
	order, err := o.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	items, err := o.orders.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, err
	}
	return order, items, nil
}

// ListOrders returns a user's orders, newest first.
func (o *Orchestrator) ListOrders(ctx context.Context, userID int64) ([]models.Order, error) {
	return o.orders.GetOrdersByUserID(ctx, userID)
}

// transitionOrder checks legality against the order machine before running
// the guarded database update. Illegal requests are counted and logged as
// security-relevant; stale guards surface as store.ErrStaleTransition.
func (o *Orchestrator) transitionOrder(ctx context.Context, order *models.Order, to models.OrderStatus, apply func(from, to models.OrderStatus) error) error {
	err := o.orderFSM.Transition(order.Status, to, func(from, to models.OrderStatus) error {
		return apply(from, to)
	})
	var terr *fsm.TransitionError
	if errors.As(err, &terr) {
		util.IllegalTransitionsTotal.WithLabelValues("order").Inc()
		o.logger.Warn("illegal order transition attempted",
			zap.Int64("order_id", order.ID),
			zap.String("from", string(terr.From)),
			zap.String("to", string(terr.To)))
	}
	return err
}

// resolveDelivery maps a gateway delivery onto its intent and order. The
// transaction id is authoritative; the order id in the payload is only a
// fallback for deliveries that raced intent persistence.
func (o *Orchestrator) resolveDelivery(ctx context.Context, txID string, orderID int64) (*models.PaymentIntent, *models.Order, error) {
	intent, err := o.payments.intents.GetIntentByProviderTxID(ctx, txID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, nil, err
	}
	if intent == nil && orderID != 0 {
		intents, err := o.payments.intents.GetIntentsByOrderID(ctx, orderID)
		if err != nil {
			return nil, nil, err
		}
		if len(intents) > 0 {
			intent = &intents[0]
		}
	}
	if intent == nil {
		return nil, nil, fmt.Errorf("no payment intent for gateway tx %s: %w", txID, store.ErrNotFound)
	}
	if !intent.OrderID.Valid {
		return nil, nil, fmt.Errorf("intent %d is not bound to an order", intent.ID)
	}
	order, err := o.orders.GetOrderByID(ctx, intent.OrderID.Int64)
	if err != nil {
		return nil, nil, err
	}
	return intent, order, nil
}

func (o *Orchestrator) replay(ctx context.Context, order *models.Order) (*PlaceOrderResult, error) {
	util.OrdersReplayedTotal.Inc()
	o.logger.Info("idempotent replay",
		zap.Int64("order_id", order.ID),
		zap.String("order_number", order.OrderNumber))
	return o.result(ctx, order, true, "")
}

func (o *Orchestrator) result(ctx context.Context, order *models.Order, replayed bool, clientSecret string) (*PlaceOrderResult, error) {
	items, err := o.orders.GetOrderItemsByOrderID(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &PlaceOrderResult{Order: order, Items: items, Replayed: replayed, ClientSecret: clientSecret}, nil
}

func (o *Orchestrator) reservationLines(ctx context.Context, orderID int64) ([]models.ReserveLine, error) {
	holds, err := o.inventory.stock.GetReservationsByOrderID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	lines := make([]models.ReserveLine, 0, len(holds))
	for _, h := range holds {
		lines = append(lines, models.ReserveLine{VariantID: h.VariantID, Quantity: h.Quantity})
	}
	return lines, nil
}

func (o *Orchestrator) publishOrderCreated(ctx context.Context, order *models.Order, items []models.SessionItem) {
	data := make([]models.OrderItemData, 0, len(items))
	for _, it := range items {
		data = append(data, models.OrderItemData{
			VariantID: it.VariantID,
			SKU:       it.SKU,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
		})
	}
	o.publish(ctx, models.EventTypeOrderCreated, func(base models.BaseEvent) error {
		return o.events.PublishOrderCreated(ctx, &models.OrderCreatedEvent{
			BaseEvent:   base,
			OrderID:     order.ID,
			OrderNumber: order.OrderNumber,
			UserID:      order.UserID,
			TotalAmount: order.TotalAmount,
			Currency:    order.Currency,
			Items:       data,
		})
	})
}

// publish emits one domain event; delivery failures are logged, never
// propagated into the checkout path.
func (o *Orchestrator) publish(ctx context.Context, eventType string, emit func(models.BaseEvent) error) {
	base := models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
	if err := emit(base); err != nil {
		o.logger.Error("failed to publish event",
			zap.String("event_type", eventType),
			zap.Error(err))
	}
}

func newOrderNumber() string {
	frag := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
	return fmt.Sprintf("ORD-%s-%s", time.Now().UTC().Format("20060102"), frag)
}

// derivedKey is stable across refreshes of the same session as long as the
// totals do not change, so a keyless retry of an unchanged cart replays.
func derivedKey(sess *models.CheckoutSession) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%d:%d:%d", sess.CartID, sess.ID, sess.Total)))
	return "auto-" + hex.EncodeToString(h[:12])
}

func reserveLines(items []models.SessionItem) []models.ReserveLine {
	lines := make([]models.ReserveLine, 0, len(items))
	for _, it := range items {
		lines = append(lines, models.ReserveLine{VariantID: it.VariantID, Quantity: it.Quantity})
	}
	return lines
}

func orderItems(items []models.SessionItem) []models.OrderItem {
	out := make([]models.OrderItem, 0, len(items))
	for _, it := range items {
		out = append(out, models.OrderItem{
			ProductID: it.ProductID,
			VariantID: it.VariantID,
			Name:      it.Name,
			SKU:       it.SKU,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			LineTotal: it.LineTotal,
		})
	}
	return out
}
