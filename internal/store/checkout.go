package store

import (
	"context"
	"database/sql"
	"fmt"

	"checkout-engine/internal/models"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// UpsertSession creates the checkout session for a cart, or refreshes it in
// place when one already exists: re-entering checkout while a session is live
// updates the frozen view instead of stacking sessions. A completed session
// stays completed; it only reopens through compensation, never through a new
// checkout attempt, so a double submit cannot mint a second order from the
// same cart.
func (s *Store) UpsertSession(ctx context.Context, sess *models.CheckoutSession) error {
	query := `
		INSERT INTO checkout_sessions
			(token, cart_id, user_id, status, currency, coupon_code,
			 subtotal, discount, tax, shipping, total, items, started_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (cart_id) DO UPDATE SET
			status = EXCLUDED.status,
			currency = EXCLUDED.currency,
			coupon_code = EXCLUDED.coupon_code,
			subtotal = EXCLUDED.subtotal,
			discount = EXCLUDED.discount,
			tax = EXCLUDED.tax,
			shipping = EXCLUDED.shipping,
			total = EXCLUDED.total,
			items = EXCLUDED.items,
			started_at = EXCLUDED.started_at,
			expires_at = EXCLUDED.expires_at,
			completed_at = NULL
		WHERE checkout_sessions.status <> 'completed'
		RETURNING id, token, started_at`

	err := s.db.GetContext(ctx, sess, query,
		sess.Token, sess.CartID, sess.UserID, sess.Status, sess.Currency, sess.CouponCode,
		sess.Subtotal, sess.Discount, sess.Tax, sess.Shipping, sess.Total,
		sess.ItemsJSON, sess.StartedAt, sess.ExpiresAt)
	if err == sql.ErrNoRows {
		return fmt.Errorf("session for cart %d already completed: %w", sess.CartID, ErrSessionConsumed)
	}
	return err
}

// ExpireStaleSessions marks pending sessions past their TTL as expired and
// returns their carts to active so the user can re-enter checkout. Callers
// also check TTL on read, so this sweep is housekeeping, not a correctness
// requirement.
func (s *Store) ExpireStaleSessions(ctx context.Context) (int64, error) {
	var n int64
	err := s.runTx(ctx, func(tx *sqlx.Tx) error {
		var cartIDs []int64
		err := tx.SelectContext(ctx, &cartIDs, `
			UPDATE checkout_sessions SET status = 'expired'
			WHERE status = 'pending' AND expires_at <= NOW()
			RETURNING cart_id`)
		if err != nil {
			return err
		}
		n = int64(len(cartIDs))
		if n == 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE carts SET status = 'active', updated_at = NOW()
			WHERE id = ANY($1) AND status = 'checkout'`, pq.Array(cartIDs))
		return err
	})
	return n, err
}

// GetSessionByCartID retrieves the checkout session for a cart
func (s *Store) GetSessionByCartID(ctx context.Context, cartID int64) (*models.CheckoutSession, error) {
	var sess models.CheckoutSession
	err := s.db.GetContext(ctx, &sess, "SELECT * FROM checkout_sessions WHERE cart_id = $1", cartID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session for cart %d: %w", cartID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSessionByID retrieves a checkout session by ID
func (s *Store) GetSessionByID(ctx context.Context, id int64) (*models.CheckoutSession, error) {
	var sess models.CheckoutSession
	err := s.db.GetContext(ctx, &sess, "SELECT * FROM checkout_sessions WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetSessionByToken retrieves a checkout session by its public token
func (s *Store) GetSessionByToken(ctx context.Context, token string) (*models.CheckoutSession, error) {
	var sess models.CheckoutSession
	err := s.db.GetContext(ctx, &sess, "SELECT * FROM checkout_sessions WHERE token = $1", token)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session token %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}
