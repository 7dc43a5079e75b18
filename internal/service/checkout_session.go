package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"checkout-engine/internal/fsm"
	"checkout-engine/internal/models"
	"checkout-engine/internal/store"
	"checkout-engine/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SessionManager owns the checkout lock lifecycle: it freezes a cart's
// contents and authoritative totals into a time-boxed session, and validates
// that frozen view before payment.
type SessionManager struct {
	carts    CartStore
	sessions SessionStore
	stock    InventoryStore
	pricing  *PricingService
	cartFSM  *fsm.Machine[models.CartStatus]
	ttl      time.Duration
	logger   *zap.Logger
}

// NewSessionManager creates a new checkout session manager
func NewSessionManager(carts CartStore, sessions SessionStore, stock InventoryStore, pricing *PricingService, ttl time.Duration) *SessionManager {
	return &SessionManager{
		carts:    carts,
		sessions: sessions,
		stock:    stock,
		pricing:  pricing,
		cartFSM:  fsm.CartMachine(),
		ttl:      ttl,
		logger:   util.GetLogger(),
	}
}

// Start freezes the cart into a checkout session. Totals are recomputed from
// the cart lines; the cart's cached totals are never trusted here. Calling
// Start again for the same cart refreshes the existing session in place, so
// the operation is idempotent per cart.
func (sm *SessionManager) Start(ctx context.Context, cart *models.Cart, actor string) (*models.CheckoutSession, error) {
	if cart.Status != models.CartStatusActive && cart.Status != models.CartStatusCheckout {
		return nil, ErrCartUnavailable
	}

	items, err := sm.carts.GetCartItems(ctx, cart.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load cart items: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrCartEmpty
	}

	lines := sessionLines(items)
	totals, err := sm.pricing.Compute(ctx, lines, cart.CouponCode, cart.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to compute totals: %w", err)
	}

	// Keep the cart's denormalized cache in step with the recomputation.
	if err := sm.carts.UpdateCartTotals(ctx, cart.ID, totals); err != nil {
		return nil, err
	}

	if cart.Status == models.CartStatusActive {
		err := sm.cartFSM.Transition(models.CartStatusActive, models.CartStatusCheckout, func(from, to models.CartStatus) error {
			return sm.carts.UpdateCartStatus(ctx, cart.ID, from, to, actor, "checkout started")
		})
		if err != nil {
			return nil, err
		}
		cart.Status = models.CartStatusCheckout
	}

	encoded, err := models.EncodeSessionItems(lines)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	sess := &models.CheckoutSession{
		Token:      uuid.New().String(),
		CartID:     cart.ID,
		UserID:     cart.UserID,
		Status:     models.SessionStatusPending,
		Currency:   cart.Currency,
		CouponCode: cart.CouponCode,
		Subtotal:   totals.Subtotal,
		Discount:   totals.Discount,
		Tax:        totals.Tax,
		Shipping:   totals.Shipping,
		Total:      totals.Total,
		ItemsJSON:  encoded,
		StartedAt:  now,
		ExpiresAt:  now.Add(sm.ttl),
	}
	if err := sm.sessions.UpsertSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("failed to persist checkout session: %w", err)
	}

	util.CheckoutSessionsStarted.Inc()
	sm.logger.Info("Checkout session started",
		zap.Int64("cart_id", cart.ID),
		zap.Int64("session_id", sess.ID),
		zap.Int64("total", totals.Total),
		zap.Time("expires_at", sess.ExpiresAt))
	return sess, nil
}

// ForCart returns the cart's existing checkout session, or nil when the
// cart was never locked.
func (sm *SessionManager) ForCart(ctx context.Context, cartID int64) (*models.CheckoutSession, error) {
	sess, err := sm.sessions.GetSessionByCartID(ctx, cartID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// SweepExpired moves lapsed pending sessions to expired and frees their
// carts, then retires active carts whose own TTL lapsed. Validate catches
// session expiry lazily too; this keeps idle rows from lingering forever.
func (sm *SessionManager) SweepExpired(ctx context.Context) (int64, error) {
	n, err := sm.sessions.ExpireStaleSessions(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		util.CheckoutSessionsExpired.Add(float64(n))
		sm.logger.Info("Expired stale checkout sessions", zap.Int64("count", n))
	}

	carts, err := sm.carts.ExpireIdleCarts(ctx)
	if err != nil {
		return n, err
	}
	if carts > 0 {
		sm.logger.Info("Expired idle carts", zap.Int64("count", carts))
	}
	return n + carts, nil
}

// Validate confirms the session is unexpired and every frozen line is still
// coverable by available stock. Shortfalls come back as a structured deficit
// list, not a bare boolean.
func (sm *SessionManager) Validate(ctx context.Context, sess *models.CheckoutSession) ([]models.Deficit, error) {
	if time.Now().After(sess.ExpiresAt) {
		util.CheckoutSessionsExpired.Inc()
		return nil, ErrSessionExpired
	}

	items, err := sess.Items()
	if err != nil {
		return nil, fmt.Errorf("failed to decode session items: %w", err)
	}

	ids := make([]int64, len(items))
	for i, item := range items {
		ids[i] = item.VariantID
	}
	available, err := sm.stock.AvailableForVariants(ctx, ids)
	if err != nil {
		return nil, err
	}

	var deficits []models.Deficit
	for _, item := range items {
		got := available[item.VariantID]
		if got < item.Quantity {
			deficits = append(deficits, models.Deficit{
				VariantID: item.VariantID,
				SKU:       item.SKU,
				Requested: item.Quantity,
				Available: got,
			})
		}
	}
	return deficits, nil
}
