package service

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"checkout-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCartFixture() (*fakeStore, *CartService) {
	fs := newFakeStore()
	fs.variants[1] = &models.Variant{ID: 1, ProductID: 1, SKU: "SKU-1", Name: "Widget", Price: 1000, StockQuantity: 10}
	pricing := NewPricingService(FlatRateTax{Bps: 1000}, FlatShipping{Amount: 500}, NoCoupons{})
	return fs, NewCartService(fs, pricing, 7*24*time.Hour)
}

func TestAddItemCapturesPriceAtAddTime(t *testing.T) {
	fs, cs := newCartFixture()
	ctx := context.Background()

	cart, err := cs.GetOrCreate(ctx, 7, "", "USD")
	require.NoError(t, err)

	item, err := cs.AddItem(ctx, cart, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), item.UnitPrice)
	assert.Equal(t, "SKU-1", item.SKU)

	// A later catalog price change must not touch the captured line.
	fs.variants[1].Price = 9999
	items, err := cs.Items(ctx, cart.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, int64(1000), items[0].UnitPrice)
}

func TestAddItemMergesQuantity(t *testing.T) {
	_, cs := newCartFixture()
	ctx := context.Background()

	cart, err := cs.GetOrCreate(ctx, 7, "", "USD")
	require.NoError(t, err)

	_, err = cs.AddItem(ctx, cart, 1, 2)
	require.NoError(t, err)
	_, err = cs.AddItem(ctx, cart, 1, 3)
	require.NoError(t, err)

	items, err := cs.Items(ctx, cart.ID)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, 5, items[0].Quantity)
}

func TestAddItemRefreshesCachedTotals(t *testing.T) {
	fs, cs := newCartFixture()
	ctx := context.Background()

	cart, err := cs.GetOrCreate(ctx, 7, "", "USD")
	require.NoError(t, err)

	_, err = cs.AddItem(ctx, cart, 1, 2)
	require.NoError(t, err)

	stored := fs.carts[cart.ID]
	assert.Equal(t, int64(2000), stored.Subtotal)
	assert.Equal(t, int64(2700), stored.Total) // +10% tax +500 shipping
}

func TestMutationRejectedOutsideActiveState(t *testing.T) {
	_, cs := newCartFixture()
	ctx := context.Background()

	cart, err := cs.GetOrCreate(ctx, 7, "", "USD")
	require.NoError(t, err)
	cart.Status = models.CartStatusCheckout

	_, err = cs.AddItem(ctx, cart, 1, 1)
	assert.ErrorIs(t, err, ErrCartUnavailable)
	assert.ErrorIs(t, cs.UpdateItem(ctx, cart, 1, 2), ErrCartUnavailable)
	assert.ErrorIs(t, cs.RemoveItem(ctx, cart, 1), ErrCartUnavailable)
}

func TestGetOrCreateReturnsExistingOpenCart(t *testing.T) {
	_, cs := newCartFixture()
	ctx := context.Background()

	first, err := cs.GetOrCreate(ctx, 7, "", "USD")
	require.NoError(t, err)

	second, err := cs.GetOrCreate(ctx, 7, "", "USD")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestAuthenticatedCartsGetDistinctTokens(t *testing.T) {
	_, cs := newCartFixture()
	ctx := context.Background()

	// session_token is unique; two signed-in users creating carts must not
	// collide on an empty token.
	first, err := cs.GetOrCreate(ctx, 7, "", "USD")
	require.NoError(t, err)
	second, err := cs.GetOrCreate(ctx, 8, "", "USD")
	require.NoError(t, err)

	assert.NotEmpty(t, first.SessionToken)
	assert.NotEmpty(t, second.SessionToken)
	assert.NotEqual(t, first.SessionToken, second.SessionToken)
}

func TestSweepExpiresIdleCarts(t *testing.T) {
	fs, cs := newCartFixture()
	ctx := context.Background()

	stale, err := cs.GetOrCreate(ctx, 7, "", "USD")
	require.NoError(t, err)
	fs.carts[stale.ID].ExpiresAt = sql.NullTime{Time: time.Now().Add(-time.Minute), Valid: true}

	fresh, err := cs.GetOrCreate(ctx, 8, "", "USD")
	require.NoError(t, err)
	require.True(t, fs.carts[fresh.ID].ExpiresAt.Valid)

	n, err := fs.ExpireIdleCarts(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, models.CartStatusExpired, fs.carts[stale.ID].Status)
	assert.Equal(t, models.CartStatusActive, fs.carts[fresh.ID].Status)
}
