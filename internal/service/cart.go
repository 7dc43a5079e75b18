package service

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CartService owns cart mutation. Every mutation recomputes the denormalized
// totals cache; those values are display hints, never the pricing authority.
type CartService struct {
	carts   CartStore
	pricing *PricingService
	ttl     time.Duration
	logger  *zap.Logger
}

// NewCartService creates a new cart service. ttl bounds how long an untouched
// active cart lives before the sweeper expires it; zero disables expiry.
func NewCartService(carts CartStore, pricing *PricingService, ttl time.Duration) *CartService {
	return &CartService{
		carts:   carts,
		pricing: pricing,
		ttl:     ttl,
		logger:  util.GetLogger(),
	}
}

// Resolve finds the caller's cart by id, guest token, or user, in that order.
func (cs *CartService) Resolve(ctx context.Context, userID, cartID int64, token string) (*models.Cart, error) {
	if cartID != 0 {
		return cs.carts.GetCartByID(ctx, cartID)
	}
	if token != "" {
		return cs.carts.GetCartByToken(ctx, token)
	}
	return cs.carts.GetOpenCartForUser(ctx, userID)
}

// GetOrCreate returns the caller's open cart, creating one when none exists.
func (cs *CartService) GetOrCreate(ctx context.Context, userID int64, token, currency string) (*models.Cart, error) {
	cart, err := cs.Resolve(ctx, userID, 0, token)
	if err == nil {
		return cart, nil
	}

	cart = &models.Cart{
		UserID:       userID,
		SessionToken: token,
		Status:       models.CartStatusActive,
		Currency:     currency,
	}
	// Every cart carries its own token, authenticated or not, because the
	// column is unique and a second empty token would collide.
	if cart.SessionToken == "" {
		cart.SessionToken = uuid.New().String()
	}
	if cs.ttl > 0 {
		cart.ExpiresAt = sql.NullTime{Time: time.Now().Add(cs.ttl), Valid: true}
	}
	if err := cs.carts.CreateCart(ctx, cart); err != nil {
		return nil, fmt.Errorf("failed to create cart: %w", err)
	}
	cs.logger.Info("Cart created", zap.Int64("cart_id", cart.ID), zap.Int64("user_id", userID))
	return cart, nil
}

// AddItem adds quantity of a variant to the cart, capturing the unit price
// at add time. One line per (cart, variant).
func (cs *CartService) AddItem(ctx context.Context, cart *models.Cart, variantID int64, quantity int) (*models.CartItem, error) {
	if cart.Status != models.CartStatusActive {
		return nil, ErrCartUnavailable
	}
	if quantity < 1 {
		return nil, fmt.Errorf("quantity must be at least 1")
	}

	variant, err := cs.carts.GetVariantByID(ctx, variantID)
	if err != nil {
		return nil, err
	}

	item := &models.CartItem{
		CartID:    cart.ID,
		VariantID: variant.ID,
		ProductID: variant.ProductID,
		Name:      variant.Name,
		SKU:       variant.SKU,
		Quantity:  quantity,
		UnitPrice: variant.Price,
	}
	if err := cs.carts.UpsertCartItem(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to add cart item: %w", err)
	}

	if err := cs.refreshTotals(ctx, cart); err != nil {
		return nil, err
	}
	return item, nil
}

// UpdateItem sets the quantity of one cart line.
func (cs *CartService) UpdateItem(ctx context.Context, cart *models.Cart, itemID int64, quantity int) error {
	if cart.Status != models.CartStatusActive {
		return ErrCartUnavailable
	}
	if quantity < 1 {
		return fmt.Errorf("quantity must be at least 1")
	}
	if err := cs.carts.UpdateCartItemQuantity(ctx, cart.ID, itemID, quantity); err != nil {
		return err
	}
	return cs.refreshTotals(ctx, cart)
}

// RemoveItem deletes one line from the cart.
func (cs *CartService) RemoveItem(ctx context.Context, cart *models.Cart, itemID int64) error {
	if cart.Status != models.CartStatusActive {
		return ErrCartUnavailable
	}
	if err := cs.carts.DeleteCartItem(ctx, cart.ID, itemID); err != nil {
		return err
	}
	return cs.refreshTotals(ctx, cart)
}

// Items returns the cart's lines.
func (cs *CartService) Items(ctx context.Context, cartID int64) ([]models.CartItem, error) {
	return cs.carts.GetCartItems(ctx, cartID)
}

func (cs *CartService) refreshTotals(ctx context.Context, cart *models.Cart) error {
	items, err := cs.carts.GetCartItems(ctx, cart.ID)
	if err != nil {
		return err
	}
	totals, err := cs.pricing.Compute(ctx, sessionLines(items), cart.CouponCode, cart.Currency)
	if err != nil {
		return err
	}
	return cs.carts.UpdateCartTotals(ctx, cart.ID, totals)
}

// sessionLines converts cart lines to the frozen line shape used by pricing
// and checkout sessions.
func sessionLines(items []models.CartItem) []models.SessionItem {
	out := make([]models.SessionItem, 0, len(items))
	for _, item := range items {
		out = append(out, models.SessionItem{
			VariantID: item.VariantID,
			ProductID: item.ProductID,
			Name:      item.Name,
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			LineTotal: item.UnitPrice * int64(item.Quantity),
		})
	}
	return out
}
