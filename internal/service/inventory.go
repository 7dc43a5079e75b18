package service

import (
	"context"
	"fmt"

	"checkout-engine/internal/models"
	"checkout-engine/internal/util"

	"go.uber.org/zap"
)

// InventoryService fronts the reservation protocol. The database row locks
// are the authority; the redis gate is an advisory mirror that answers
// "clearly out of stock" before a transaction is opened, and is kept in step
// as holds are placed, committed and released.
type InventoryService struct {
	stock  InventoryStore
	gate   StockGate
	logger *zap.Logger
}

// NewInventoryService creates a new inventory reservation service
func NewInventoryService(stock InventoryStore, gate StockGate) *InventoryService {
	return &InventoryService{
		stock:  stock,
		gate:   gate,
		logger: util.GetLogger(),
	}
}

// Commit turns the order's holds into physical stock deductions. Only called
// after payment success; the database write happens inside the finalize
// transaction, this method settles the mirror and the metrics.
func (is *InventoryService) Commit(ctx context.Context, orderID int64, lines []models.ReserveLine) {
	ctx, span := util.StartSpan(ctx, "InventoryService.Commit")
	defer span.End()

	util.ReservationsCommittedTotal.Inc()
	for _, line := range lines {
		if err := is.gate.GateCommit(ctx, line.VariantID, line.Quantity); err != nil {
			is.logger.Warn("Failed to commit stock mirror",
				zap.Int64("order_id", orderID),
				zap.Int64("variant_id", line.VariantID),
				zap.Error(err))
		}
	}
}

// Release frees the order's holds without touching physical stock. As with
// Commit, the database write rides the compensation transaction.
func (is *InventoryService) Release(ctx context.Context, orderID int64, lines []models.ReserveLine, reason string) {
	ctx, span := util.StartSpan(ctx, "InventoryService.Release")
	defer span.End()

	util.ReservationsReleasedTotal.WithLabelValues(reason).Inc()
	is.gateRelease(ctx, lines)
}

// Precheck consults the advisory gate for every line. A gate refusal is
// turned into the same deficit shape the authoritative path produces, using
// a database read for the accurate availability numbers. Admitted quantities
// are held in the mirror; callers must Release on any later failure.
func (is *InventoryService) Precheck(ctx context.Context, lines []models.ReserveLine) error {
	ctx, span := util.StartSpan(ctx, "InventoryService.Precheck")
	defer span.End()

	var admitted []models.ReserveLine
	for _, line := range lines {
		ok, err := is.gate.GateReserve(ctx, line.VariantID, line.Quantity)
		if err != nil {
			// Mirror unavailable; the database remains the authority.
			is.logger.Warn("Stock gate unavailable, skipping precheck",
				zap.Int64("variant_id", line.VariantID),
				zap.Error(err))
			is.gateRelease(ctx, admitted)
			return nil
		}
		if !ok {
			is.gateRelease(ctx, admitted)
			return is.deficitsFromDB(ctx, lines)
		}
		admitted = append(admitted, line)
	}
	return nil
}

func (is *InventoryService) deficitsFromDB(ctx context.Context, lines []models.ReserveLine) error {
	ids := make([]int64, len(lines))
	for i, line := range lines {
		ids[i] = line.VariantID
	}
	available, err := is.stock.AvailableForVariants(ctx, ids)
	if err != nil {
		return fmt.Errorf("failed to read availability: %w", err)
	}

	var deficits []models.Deficit
	for _, line := range lines {
		if got := available[line.VariantID]; got < line.Quantity {
			deficits = append(deficits, models.Deficit{
				VariantID: line.VariantID,
				Requested: line.Quantity,
				Available: got,
			})
		}
	}
	if len(deficits) == 0 {
		// The mirror was stale; let the authoritative path decide.
		return nil
	}
	util.InventoryReservationsFailed.WithLabelValues("insufficient_stock").Inc()
	return &DeficitError{Deficits: deficits}
}

func (is *InventoryService) gateReserve(ctx context.Context, lines []models.ReserveLine) {
	for _, line := range lines {
		if _, err := is.gate.GateReserve(ctx, line.VariantID, line.Quantity); err != nil {
			is.logger.Warn("Failed to update stock mirror",
				zap.Int64("variant_id", line.VariantID),
				zap.Error(err))
		}
	}
}

func (is *InventoryService) gateRelease(ctx context.Context, lines []models.ReserveLine) {
	for _, line := range lines {
		if err := is.gate.GateRelease(ctx, line.VariantID, line.Quantity); err != nil {
			is.logger.Warn("Failed to release stock mirror",
				zap.Int64("variant_id", line.VariantID),
				zap.Error(err))
		}
	}
}

// SyncMirror seeds the redis availability mirror from the database.
func (is *InventoryService) SyncMirror(ctx context.Context) error {
	variants, err := is.stock.ListVariants(ctx)
	if err != nil {
		return fmt.Errorf("failed to list variants: %w", err)
	}

	ids := make([]int64, len(variants))
	for i, v := range variants {
		ids[i] = v.ID
	}
	available, err := is.stock.AvailableForVariants(ctx, ids)
	if err != nil {
		return err
	}

	for _, v := range variants {
		free := available[v.ID]
		if err := is.gate.InitStock(ctx, v.ID, free, v.StockQuantity-free); err != nil {
			is.logger.Error("Failed to seed stock mirror",
				zap.Int64("variant_id", v.ID),
				zap.Error(err))
		}
	}

	is.logger.Info("Stock mirror synced", zap.Int("count", len(variants)))
	return nil
}

// SweepExpired releases holds whose TTL lapsed. Run periodically; lazy
// validation keeps correctness even when the sweep is behind.
func (is *InventoryService) SweepExpired(ctx context.Context) (int64, error) {
	n, err := is.stock.ReleaseExpiredReservations(ctx)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		util.ReservationsReleasedTotal.WithLabelValues("expired").Add(float64(n))
		is.logger.Info("Released expired reservations", zap.Int64("count", n))
	}
	return n, nil
}
