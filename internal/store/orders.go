package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkout-engine/internal/models"

	"github.com/jmoiron/sqlx"
)

// PlaceOrderParams carries everything the order-creation transaction writes.
type PlaceOrderParams struct {
	Order             *models.Order
	Items             []models.OrderItem
	Snapshot          *models.PriceSnapshot
	ReserveLines      []models.ReserveLine
	ReservationExpiry time.Time
	Actor             string
}

// PlaceOrder atomically consumes the checkout session, creates the order with
// its items and locked price snapshot, and reserves inventory. Partial writes
// never survive: any shortfall or conflict rolls the whole unit back.
//
// Returns ErrSessionConsumed when the session already spawned an order
// (double submit), ErrDuplicateKey when the (user, idempotency key) pair
// already exists, and ErrInsufficientStock with a deficit list on shortfall.
func (s *Store) PlaceOrder(ctx context.Context, p PlaceOrderParams) ([]models.Deficit, error) {
	var deficits []models.Deficit
	err := s.runTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE checkout_sessions SET status = 'completed', completed_at = NOW()
			WHERE id = $1 AND status = 'pending'`, p.Order.SessionID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrSessionConsumed
		}

		err = tx.GetContext(ctx, p.Order, `
			INSERT INTO orders
				(order_number, user_id, cart_id, session_id, status, payment_method,
				 currency, total_amount, idempotency_key, shipping_address, billing_address, notes)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			RETURNING id, created_at, updated_at`,
			p.Order.OrderNumber, p.Order.UserID, p.Order.CartID, p.Order.SessionID,
			p.Order.Status, p.Order.PaymentMethod, p.Order.Currency, p.Order.TotalAmount,
			p.Order.IdempotencyKey, p.Order.ShippingAddress, p.Order.BillingAddress, p.Order.Notes)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrDuplicateKey
			}
			return fmt.Errorf("failed to insert order: %w", err)
		}

		if err := insertTransition(ctx, tx, "order", p.Order.ID, "", string(p.Order.Status), p.Actor, "order created"); err != nil {
			return err
		}

		p.Snapshot.OrderID = p.Order.ID
		err = tx.GetContext(ctx, &p.Snapshot.ID, `
			INSERT INTO price_snapshots
				(order_id, subtotal, discount, tax, shipping, final_amount, currency, coupon_code, engine_version, locked_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id`,
			p.Snapshot.OrderID, p.Snapshot.Subtotal, p.Snapshot.Discount, p.Snapshot.Tax,
			p.Snapshot.Shipping, p.Snapshot.FinalAmount, p.Snapshot.Currency,
			p.Snapshot.CouponCode, p.Snapshot.EngineVersion, p.Snapshot.LockedAt)
		if err != nil {
			return fmt.Errorf("failed to insert price snapshot: %w", err)
		}

		for i := range p.Items {
			item := &p.Items[i]
			item.OrderID = p.Order.ID
			err := tx.GetContext(ctx, &item.ID, `
				INSERT INTO order_items
					(order_id, product_id, variant_id, name, sku, quantity, unit_price, line_total, price_capture)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				RETURNING id`,
				item.OrderID, item.ProductID, item.VariantID, item.Name, item.SKU,
				item.Quantity, item.UnitPrice, item.LineTotal, item.PriceCapture)
			if err != nil {
				return fmt.Errorf("failed to insert order item: %w", err)
			}
		}

		d, err := reserveForOrderTx(ctx, tx, p.Order.ID, p.ReserveLines, p.ReservationExpiry)
		if err != nil {
			return err
		}
		deficits = d
		if len(d) > 0 {
			return ErrInsufficientStock
		}
		return nil
	})
	if errors.Is(err, ErrInsufficientStock) {
		return deficits, err
	}
	if err != nil {
		return nil, err
	}
	return nil, nil
}

// GetOrderByID retrieves an order by ID
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByNumber retrieves an order by its human-referenceable number
func (s *Store) GetOrderByNumber(ctx context.Context, number string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE order_number = $1", number)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("order %s: %w", number, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderByIdempotencyKey looks up a previously created order for the
// (user, key) pair. Returns nil, nil when no order exists.
func (s *Store) GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT * FROM orders WHERE user_id = $1 AND idempotency_key = $2", userID, key)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrdersByUserID retrieves orders for a user
func (s *Store) GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error) {
	var orders []models.Order
	err := s.db.SelectContext(ctx, &orders,
		"SELECT * FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	return orders, err
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// GetSnapshotByOrderID retrieves the locked price snapshot for an order
func (s *Store) GetSnapshotByOrderID(ctx context.Context, orderID int64) (*models.PriceSnapshot, error) {
	var snap models.PriceSnapshot
	err := s.db.GetContext(ctx, &snap, "SELECT * FROM price_snapshots WHERE order_id = $1", orderID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("snapshot for order %d: %w", orderID, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// UpdateOrderStatus moves an order between lifecycle states, guarded on the
// expected current state, with its audit row in the same transaction.
func (s *Store) UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus, actor, reason string) error {
	return s.runTx(ctx, func(tx *sqlx.Tx) error {
		return updateOrderStatusTx(ctx, tx, orderID, from, to, actor, reason)
	})
}

func updateOrderStatusTx(ctx context.Context, tx *sqlx.Tx, orderID int64, from, to models.OrderStatus, actor, reason string) error {
	res, err := tx.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3",
		to, orderID, from)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("order %d %s -> %s: %w", orderID, from, to, ErrStaleTransition)
	}
	return insertTransition(ctx, tx, "order", orderID, string(from), string(to), actor, reason)
}

// FinalizeParams drives the post-payment success transaction.
type FinalizeParams struct {
	OrderID       int64
	CartID        int64
	From          models.OrderStatus
	To            models.OrderStatus
	SetPaidAt     bool
	InvoiceNumber string
	Actor         string
	Reason        string
}

// FinalizeOrder completes a successful checkout in one transaction: order to
// its settled state, reserved holds committed to physical stock, cart emptied
// and closed.
func (s *Store) FinalizeOrder(ctx context.Context, p FinalizeParams) error {
	return s.runTx(ctx, func(tx *sqlx.Tx) error {
		if err := updateOrderStatusTx(ctx, tx, p.OrderID, p.From, p.To, p.Actor, p.Reason); err != nil {
			return err
		}
		if p.SetPaidAt || p.InvoiceNumber != "" {
			_, err := tx.ExecContext(ctx, `
				UPDATE orders SET
					paid_at = CASE WHEN $1 THEN NOW() ELSE paid_at END,
					invoice_number = CASE WHEN $2 <> '' THEN $2 ELSE invoice_number END,
					updated_at = NOW()
				WHERE id = $3`, p.SetPaidAt, p.InvoiceNumber, p.OrderID)
			if err != nil {
				return err
			}
		}

		if err := commitReservationsTx(ctx, tx, p.OrderID); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, "DELETE FROM cart_items WHERE cart_id = $1", p.CartID); err != nil {
			return err
		}
		return moveCartIfTx(ctx, tx, p.CartID,
			models.CartStatusCheckout, models.CartStatusCompleted, p.Actor, "checkout completed")
	})
}

// CompensateOrder unwinds an unpaid checkout in one transaction: order to
// failed or cancelled, reserved holds released, committed holds put back into
// physical stock, cart reopened for retry if it is still locked, session
// reopened so the same cart can be re-validated. The cart step is tolerant: a
// COD acceptance already closed the cart and its cancellation must still land.
func (s *Store) CompensateOrder(ctx context.Context, orderID, cartID, sessionID int64, from, to models.OrderStatus, actor, reason string) error {
	return s.runTx(ctx, func(tx *sqlx.Tx) error {
		if err := updateOrderStatusTx(ctx, tx, orderID, from, to, actor, reason); err != nil {
			return err
		}
		if err := releaseReservationsTx(ctx, tx, orderID); err != nil {
			return err
		}
		if err := restoreCommittedReservationsTx(ctx, tx, orderID); err != nil {
			return err
		}
		if sessionID != 0 {
			_, err := tx.ExecContext(ctx, `
				UPDATE checkout_sessions SET status = 'pending', completed_at = NULL
				WHERE id = $1`, sessionID)
			if err != nil {
				return err
			}
		}
		return moveCartIfTx(ctx, tx, cartID,
			models.CartStatusCheckout, models.CartStatusActive, actor, reason)
	})
}

// MarkOrderFraud forces the fraud sink state. This write bypasses the order
// machine on purpose: the sink must be unreachable through ordinary flow.
// Holds are left in place; a frozen order is an incident, not a rollback.
func (s *Store) MarkOrderFraud(ctx context.Context, orderID int64, reason string) error {
	return s.runTx(ctx, func(tx *sqlx.Tx) error {
		var current string
		if err := tx.GetContext(ctx, &current, "SELECT status FROM orders WHERE id = $1 FOR UPDATE", orderID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx,
			"UPDATE orders SET status = 'fraud_detected', updated_at = NOW() WHERE id = $1", orderID)
		if err != nil {
			return err
		}
		return insertTransition(ctx, tx, "order", orderID, current, string(models.OrderStatusFraudDetected), "integrity-verifier", reason)
	})
}
