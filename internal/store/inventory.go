package store

import (
	"context"
	"errors"
	"time"

	"checkout-engine/internal/models"

	"github.com/jmoiron/sqlx"
)

// ErrInsufficientStock is returned when any line of a reservation cannot be
// covered; the accompanying deficit list carries the per-item shortfalls.
var ErrInsufficientStock = errors.New("insufficient stock")

type lockedVariant struct {
	ID            int64  `db:"id"`
	SKU           string `db:"sku"`
	StockQuantity int    `db:"stock_quantity"`
	Reserved      int    `db:"reserved"`
}

// ReserveForOrder places all holds for one order in a single transaction.
// Either every line is reserved or none is; on shortfall the returned deficit
// list names each lacking variant.
func (s *Store) ReserveForOrder(ctx context.Context, orderID int64, lines []models.ReserveLine, expiresAt time.Time) ([]models.Deficit, error) {
	var deficits []models.Deficit
	err := s.runTx(ctx, func(tx *sqlx.Tx) error {
		d, err := reserveForOrderTx(ctx, tx, orderID, lines, expiresAt)
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

// reserveForOrderTx acquires row locks on every variant in ascending id order
// so concurrent reservations for overlapping variants serialize
// deterministically, then validates sufficiency against stock minus active
// holds before inserting. The unique (order_id, variant_id) constraint makes
// re-reserving for the same order a no-op.
func reserveForOrderTx(ctx context.Context, tx *sqlx.Tx, orderID int64, lines []models.ReserveLine, expiresAt time.Time) ([]models.Deficit, error) {
	ids := make([]int64, len(lines))
	requested := make(map[int64]int, len(lines))
	for i, line := range lines {
		ids[i] = line.VariantID
		requested[line.VariantID] = line.Quantity
	}

	query, args, err := sqlx.In(`
		SELECT v.id, v.sku, v.stock_quantity,
		       COALESCE((SELECT SUM(r.quantity) FROM inventory_reservations r
		                 WHERE r.variant_id = v.id AND r.status = 'reserved'
		                   AND r.expires_at > NOW() AND r.order_id <> ?), 0) AS reserved
		FROM product_variants v
		WHERE v.id IN (?)
		ORDER BY v.id
		FOR UPDATE OF v`, orderID, ids)
	if err != nil {
		return nil, err
	}
	query = tx.Rebind(query)

	var locked []lockedVariant
	if err := tx.SelectContext(ctx, &locked, query, args...); err != nil {
		return nil, err
	}

	var deficits []models.Deficit
	seen := make(map[int64]bool, len(locked))
	for _, v := range locked {
		seen[v.ID] = true
		available := v.StockQuantity - v.Reserved
		if available < 0 {
			available = 0
		}
		if want := requested[v.ID]; available < want {
			deficits = append(deficits, models.Deficit{
				VariantID: v.ID,
				SKU:       v.SKU,
				Requested: want,
				Available: available,
			})
		}
	}
	for _, line := range lines {
		if !seen[line.VariantID] {
			deficits = append(deficits, models.Deficit{
				VariantID: line.VariantID,
				Requested: line.Quantity,
				Available: 0,
			})
		}
	}
	if len(deficits) > 0 {
		return deficits, nil
	}

	for _, line := range lines {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO inventory_reservations (order_id, variant_id, quantity, status, expires_at)
			VALUES ($1, $2, $3, 'reserved', $4)
			ON CONFLICT (order_id, variant_id) DO NOTHING`,
			orderID, line.VariantID, line.Quantity, expiresAt)
		if err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// CommitReservations turns every reserved hold for the order into a physical
// stock deduction. Called only after payment success.
func (s *Store) CommitReservations(ctx context.Context, orderID int64) error {
	return s.runTx(ctx, func(tx *sqlx.Tx) error {
		return commitReservationsTx(ctx, tx, orderID)
	})
}

func commitReservationsTx(ctx context.Context, tx *sqlx.Tx, orderID int64) error {
	var holds []models.InventoryReservation
	err := tx.SelectContext(ctx, &holds, `
		SELECT * FROM inventory_reservations
		WHERE order_id = $1 AND status = 'reserved'
		ORDER BY variant_id
		FOR UPDATE`, orderID)
	if err != nil {
		return err
	}

	for _, hold := range holds {
		_, err := tx.ExecContext(ctx,
			"UPDATE product_variants SET stock_quantity = stock_quantity - $1 WHERE id = $2",
			hold.Quantity, hold.VariantID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE inventory_reservations SET status = 'committed', updated_at = NOW() WHERE id = $1",
			hold.ID)
		if err != nil {
			return err
		}
	}
	return nil
}

// ReleaseReservations frees every reserved hold for the order without
// touching physical stock.
func (s *Store) ReleaseReservations(ctx context.Context, orderID int64) error {
	return s.runTx(ctx, func(tx *sqlx.Tx) error {
		return releaseReservationsTx(ctx, tx, orderID)
	})
}

func releaseReservationsTx(ctx context.Context, tx *sqlx.Tx, orderID int64) error {
	_, err := tx.ExecContext(ctx,
		"UPDATE inventory_reservations SET status = 'released', updated_at = NOW() WHERE order_id = $1 AND status = 'reserved'",
		orderID)
	return err
}

// restoreCommittedReservationsTx puts physical stock back for holds that were
// already committed, then releases them. Needed when an order whose stock was
// deducted (COD acceptance) is cancelled.
func restoreCommittedReservationsTx(ctx context.Context, tx *sqlx.Tx, orderID int64) error {
	var holds []models.InventoryReservation
	err := tx.SelectContext(ctx, &holds, `
		SELECT * FROM inventory_reservations
		WHERE order_id = $1 AND status = 'committed'
		ORDER BY variant_id
		FOR UPDATE`, orderID)
	if err != nil {
		return err
	}

	for _, hold := range holds {
		_, err := tx.ExecContext(ctx,
			"UPDATE product_variants SET stock_quantity = stock_quantity + $1 WHERE id = $2",
			hold.Quantity, hold.VariantID)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			"UPDATE inventory_reservations SET status = 'released', updated_at = NOW() WHERE id = $1",
			hold.ID)
		if err != nil {
			return err
		}
	}
	return nil
}

// ReleaseExpiredReservations frees holds whose TTL lapsed (abandoned
// checkouts); correctness does not depend on this sweep, availability
// calculations already ignore expired holds.
func (s *Store) ReleaseExpiredReservations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE inventory_reservations SET status = 'released', updated_at = NOW() WHERE status = 'reserved' AND expires_at <= NOW()")
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// GetReservationsByOrderID retrieves all holds for an order
func (s *Store) GetReservationsByOrderID(ctx context.Context, orderID int64) ([]models.InventoryReservation, error) {
	var holds []models.InventoryReservation
	err := s.db.SelectContext(ctx, &holds,
		"SELECT * FROM inventory_reservations WHERE order_id = $1 ORDER BY variant_id", orderID)
	return holds, err
}

// AvailableForVariants returns sellable quantity per variant: physical stock
// minus active holds. Read-only; the authoritative check re-runs under row
// locks inside ReserveForOrder.
func (s *Store) AvailableForVariants(ctx context.Context, ids []int64) (map[int64]int, error) {
	if len(ids) == 0 {
		return map[int64]int{}, nil
	}

	query, args, err := sqlx.In(`
		SELECT v.id, v.sku, v.stock_quantity,
		       COALESCE((SELECT SUM(r.quantity) FROM inventory_reservations r
		                 WHERE r.variant_id = v.id AND r.status = 'reserved'
		                   AND r.expires_at > NOW()), 0) AS reserved
		FROM product_variants v
		WHERE v.id IN (?)`, ids)
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var rows []lockedVariant
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}

	out := make(map[int64]int, len(rows))
	for _, v := range rows {
		available := v.StockQuantity - v.Reserved
		if available < 0 {
			available = 0
		}
		out[v.ID] = available
	}
	return out, nil
}
