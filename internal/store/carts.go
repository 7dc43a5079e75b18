package store

import (
	"context"
	"database/sql"
	"fmt"

	"checkout-engine/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateCart creates a new cart
func (s *Store) CreateCart(ctx context.Context, cart *models.Cart) error {
	query := `
		INSERT INTO carts (user_id, session_token, status, currency, locale, coupon_code, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at, updated_at`

	return s.db.GetContext(ctx, cart, query,
		cart.UserID, cart.SessionToken, cart.Status, cart.Currency, cart.Locale, cart.CouponCode, cart.ExpiresAt)
}

// GetCartByID retrieves a cart by ID
func (s *Store) GetCartByID(ctx context.Context, id int64) (*models.Cart, error) {
	var cart models.Cart
	err := s.db.GetContext(ctx, &cart, "SELECT * FROM carts WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cart %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

// GetCartByToken retrieves a guest cart by its session token
func (s *Store) GetCartByToken(ctx context.Context, token string) (*models.Cart, error) {
	var cart models.Cart
	err := s.db.GetContext(ctx, &cart, "SELECT * FROM carts WHERE session_token = $1", token)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("cart token %s: %w", token, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

// GetOpenCartForUser retrieves the user's cart still usable for checkout
func (s *Store) GetOpenCartForUser(ctx context.Context, userID int64) (*models.Cart, error) {
	var cart models.Cart
	err := s.db.GetContext(ctx, &cart, `
		SELECT * FROM carts
		WHERE user_id = $1 AND status IN ('active', 'checkout')
		ORDER BY updated_at DESC LIMIT 1`, userID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("open cart for user %d: %w", userID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &cart, nil
}

// GetCartItems retrieves all items for a cart
func (s *Store) GetCartItems(ctx context.Context, cartID int64) ([]models.CartItem, error) {
	var items []models.CartItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM cart_items WHERE cart_id = $1 ORDER BY id", cartID)
	return items, err
}

// UpsertCartItem adds quantity to the (cart, variant) line, creating it on
// first add with the unit price captured at add time.
func (s *Store) UpsertCartItem(ctx context.Context, item *models.CartItem) error {
	query := `
		INSERT INTO cart_items (cart_id, variant_id, product_id, name, sku, quantity, unit_price)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (cart_id, variant_id)
		DO UPDATE SET quantity = cart_items.quantity + EXCLUDED.quantity
		RETURNING id, quantity, created_at`

	return s.db.GetContext(ctx, item, query,
		item.CartID, item.VariantID, item.ProductID, item.Name, item.SKU, item.Quantity, item.UnitPrice)
}

// UpdateCartItemQuantity sets the quantity of one cart line
func (s *Store) UpdateCartItemQuantity(ctx context.Context, cartID, itemID int64, quantity int) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE cart_items SET quantity = $1 WHERE id = $2 AND cart_id = $3",
		quantity, itemID, cartID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("cart item %d: %w", itemID, ErrNotFound)
	}
	return nil
}

// DeleteCartItem removes one line from a cart
func (s *Store) DeleteCartItem(ctx context.Context, cartID, itemID int64) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM cart_items WHERE id = $1 AND cart_id = $2", itemID, cartID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("cart item %d: %w", itemID, ErrNotFound)
	}
	return nil
}

// UpdateCartTotals refreshes the denormalized totals cache on the cart row.
// These values are display hints only, never the pricing authority.
func (s *Store) UpdateCartTotals(ctx context.Context, cartID int64, t models.Totals) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE carts
		SET subtotal = $1, discount = $2, tax = $3, shipping = $4, total = $5, updated_at = NOW()
		WHERE id = $6`,
		t.Subtotal, t.Discount, t.Tax, t.Shipping, t.Total, cartID)
	return err
}

// ExpireIdleCarts moves active carts past their TTL to expired, with an
// audit row per cart. A NULL expires_at means the cart never lapses.
func (s *Store) ExpireIdleCarts(ctx context.Context) (int64, error) {
	var n int64
	err := s.runTx(ctx, func(tx *sqlx.Tx) error {
		var ids []int64
		err := tx.SelectContext(ctx, &ids, `
			UPDATE carts SET status = 'expired', updated_at = NOW()
			WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= NOW()
			RETURNING id`)
		if err != nil {
			return err
		}
		n = int64(len(ids))
		for _, id := range ids {
			err := insertTransition(ctx, tx, "cart", id,
				string(models.CartStatusActive), string(models.CartStatusExpired), "sweeper", "cart ttl lapsed")
			if err != nil {
				return err
			}
		}
		return nil
	})
	return n, err
}

// UpdateCartStatus moves a cart between lifecycle states, guarded on the
// expected current state, with its audit row in the same transaction.
func (s *Store) UpdateCartStatus(ctx context.Context, cartID int64, from, to models.CartStatus, actor, reason string) error {
	return s.runTx(ctx, func(tx *sqlx.Tx) error {
		return updateCartStatusTx(ctx, tx, cartID, from, to, actor, reason)
	})
}

func updateCartStatusTx(ctx context.Context, tx *sqlx.Tx, cartID int64, from, to models.CartStatus, actor, reason string) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE carts SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, cartID, from)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("cart %d %s -> %s: %w", cartID, from, to, ErrStaleTransition)
	}
	return insertTransition(ctx, tx, "cart", cartID, string(from), string(to), actor, reason)
}

// moveCartIfTx is the tolerant variant: it advances the cart only when it is
// still in the expected state and silently no-ops otherwise. Settlement and
// compensation use it because the order outcome must not hinge on where the
// cart happens to be (a COD acceptance has already closed it, a webhook may
// land after the shopper moved on).
func moveCartIfTx(ctx context.Context, tx *sqlx.Tx, cartID int64, from, to models.CartStatus, actor, reason string) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE carts SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, cartID, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil
	}
	return insertTransition(ctx, tx, "cart", cartID, string(from), string(to), actor, reason)
}
