package service

import (
	"context"
	"testing"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newInventoryFixture() (*fakeStore, *fakeGate, *InventoryService) {
	fs := newFakeStore()
	gate := newFakeGate()
	fs.variants[1] = &models.Variant{ID: 1, SKU: "SKU-1", Price: 1000, StockQuantity: 5}
	fs.variants[2] = &models.Variant{ID: 2, SKU: "SKU-2", Price: 2000, StockQuantity: 3}
	return fs, gate, NewInventoryService(fs, gate)
}

func TestReserveAllOrNothing(t *testing.T) {
	fs, _, _ := newInventoryFixture()
	ctx := context.Background()
	expiry := time.Now().Add(30 * time.Minute)

	// One coverable line, one not: neither may be held.
	deficits, err := fs.ReserveForOrder(ctx, 10, []models.ReserveLine{
		{VariantID: 1, Quantity: 2},
		{VariantID: 2, Quantity: 4},
	}, expiry)
	require.ErrorIs(t, err, store.ErrInsufficientStock)

	require.Len(t, deficits, 1)
	assert.Equal(t, int64(2), deficits[0].VariantID)
	assert.Equal(t, 4, deficits[0].Requested)
	assert.Equal(t, 3, deficits[0].Available)
	assert.Empty(t, fs.reservations[10])
}

func TestReserveIsIdempotentPerOrder(t *testing.T) {
	fs, _, _ := newInventoryFixture()
	ctx := context.Background()
	expiry := time.Now().Add(30 * time.Minute)
	lines := []models.ReserveLine{{VariantID: 1, Quantity: 2}}

	_, err := fs.ReserveForOrder(ctx, 10, lines, expiry)
	require.NoError(t, err)
	_, err = fs.ReserveForOrder(ctx, 10, lines, expiry)
	require.NoError(t, err)

	assert.Len(t, fs.reservations[10], 1)
}

func TestHoldsReduceAvailability(t *testing.T) {
	fs, _, _ := newInventoryFixture()
	ctx := context.Background()
	expiry := time.Now().Add(30 * time.Minute)

	_, err := fs.ReserveForOrder(ctx, 10, []models.ReserveLine{{VariantID: 1, Quantity: 4}}, expiry)
	require.NoError(t, err)

	// Another order sees only the free remainder even though physical stock
	// has not moved.
	deficits, err := fs.ReserveForOrder(ctx, 11, []models.ReserveLine{{VariantID: 1, Quantity: 2}}, expiry)
	require.ErrorIs(t, err, store.ErrInsufficientStock)
	require.Len(t, deficits, 1)
	assert.Equal(t, 1, deficits[0].Available)
	assert.Equal(t, 5, fs.variants[1].StockQuantity)
}

func TestPrecheckReportsDeficitsFromGate(t *testing.T) {
	fs, gate, inv := newInventoryFixture()
	ctx := context.Background()

	require.NoError(t, gate.InitStock(ctx, 1, 1, 0))
	fs.variants[1].StockQuantity = 1

	err := inv.Precheck(ctx, []models.ReserveLine{{VariantID: 1, Quantity: 3}})
	var deficits *DeficitError
	require.ErrorAs(t, err, &deficits)
	assert.Equal(t, 3, deficits.Deficits[0].Requested)
	assert.Equal(t, 1, deficits.Deficits[0].Available)

	// The refused request left no quantity held in the mirror.
	ok, err := gate.GateReserve(ctx, 1, 1)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPrecheckStaleMirrorFallsThrough(t *testing.T) {
	_, gate, inv := newInventoryFixture()
	ctx := context.Background()

	// Mirror says empty while the database has plenty: the precheck defers
	// to the authority instead of refusing.
	require.NoError(t, gate.InitStock(ctx, 1, 0, 0))
	err := inv.Precheck(ctx, []models.ReserveLine{{VariantID: 1, Quantity: 1}})
	assert.NoError(t, err)
}

func TestSweepExpiredReleasesLapsedHolds(t *testing.T) {
	fs, _, inv := newInventoryFixture()
	ctx := context.Background()

	_, err := fs.ReserveForOrder(ctx, 10, []models.ReserveLine{{VariantID: 1, Quantity: 2}}, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	_, err = fs.ReserveForOrder(ctx, 11, []models.ReserveLine{{VariantID: 2, Quantity: 1}}, time.Now().Add(time.Hour))
	require.NoError(t, err)

	released, err := inv.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), released)

	assert.Equal(t, models.ReservationStatusReleased, fs.reservations[10][0].Status)
	assert.Equal(t, models.ReservationStatusReserved, fs.reservations[11][0].Status)
}
