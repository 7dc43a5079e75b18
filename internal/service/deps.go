package service

import (
	"context"
	"time"

	"checkout-engine/internal/models"
	"checkout-engine/internal/store"
)

// The interfaces below name exactly the persistence surface each component
// uses. *store.Store satisfies all of them; tests substitute fakes.

// CartStore is the cart persistence surface.
type CartStore interface {
	CreateCart(ctx context.Context, cart *models.Cart) error
	GetCartByID(ctx context.Context, id int64) (*models.Cart, error)
	GetCartByToken(ctx context.Context, token string) (*models.Cart, error)
	GetOpenCartForUser(ctx context.Context, userID int64) (*models.Cart, error)
	GetCartItems(ctx context.Context, cartID int64) ([]models.CartItem, error)
	UpsertCartItem(ctx context.Context, item *models.CartItem) error
	UpdateCartItemQuantity(ctx context.Context, cartID, itemID int64, quantity int) error
	DeleteCartItem(ctx context.Context, cartID, itemID int64) error
	UpdateCartTotals(ctx context.Context, cartID int64, t models.Totals) error
	UpdateCartStatus(ctx context.Context, cartID int64, from, to models.CartStatus, actor, reason string) error
	ExpireIdleCarts(ctx context.Context) (int64, error)
	GetVariantByID(ctx context.Context, id int64) (*models.Variant, error)
}

// SessionStore is the checkout session persistence surface.
type SessionStore interface {
	UpsertSession(ctx context.Context, sess *models.CheckoutSession) error
	GetSessionByCartID(ctx context.Context, cartID int64) (*models.CheckoutSession, error)
	GetSessionByID(ctx context.Context, id int64) (*models.CheckoutSession, error)
	GetSessionByToken(ctx context.Context, token string) (*models.CheckoutSession, error)
	ExpireStaleSessions(ctx context.Context) (int64, error)
}

// InventoryStore is the stock and reservation persistence surface.
type InventoryStore interface {
	AvailableForVariants(ctx context.Context, ids []int64) (map[int64]int, error)
	ReserveForOrder(ctx context.Context, orderID int64, lines []models.ReserveLine, expiresAt time.Time) ([]models.Deficit, error)
	CommitReservations(ctx context.Context, orderID int64) error
	ReleaseReservations(ctx context.Context, orderID int64) error
	ReleaseExpiredReservations(ctx context.Context) (int64, error)
	GetReservationsByOrderID(ctx context.Context, orderID int64) ([]models.InventoryReservation, error)
	ListVariants(ctx context.Context) ([]models.Variant, error)
}

// OrderStore is the order persistence surface.
type OrderStore interface {
	PlaceOrder(ctx context.Context, p store.PlaceOrderParams) ([]models.Deficit, error)
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, userID int64, key string) (*models.Order, error)
	GetOrdersByUserID(ctx context.Context, userID int64) ([]models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	GetSnapshotByOrderID(ctx context.Context, orderID int64) (*models.PriceSnapshot, error)
	UpdateOrderStatus(ctx context.Context, orderID int64, from, to models.OrderStatus, actor, reason string) error
	FinalizeOrder(ctx context.Context, p store.FinalizeParams) error
	CompensateOrder(ctx context.Context, orderID, cartID, sessionID int64, from, to models.OrderStatus, actor, reason string) error
	MarkOrderFraud(ctx context.Context, orderID int64, reason string) error
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// IntentStore is the payment intent persistence surface.
type IntentStore interface {
	CreateIntent(ctx context.Context, intent *models.PaymentIntent) error
	GetIntentByID(ctx context.Context, id int64) (*models.PaymentIntent, error)
	GetIntentsByOrderID(ctx context.Context, orderID int64) ([]models.PaymentIntent, error)
	GetIntentByProviderTxID(ctx context.Context, txID string) (*models.PaymentIntent, error)
	HasSucceededIntent(ctx context.Context, orderID int64) (bool, error)
	UpdateIntentStatus(ctx context.Context, intentID int64, from, to models.IntentStatus, upd store.IntentUpdate) error
}

// IdempotencyCache is the redis surface used by the idempotency registry.
type IdempotencyCache interface {
	AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, lockKey string) error
	CacheOrderForKey(ctx context.Context, userID int64, key string, orderID int64, ttl time.Duration) error
	CachedOrderForKey(ctx context.Context, userID int64, key string) (int64, error)
}

// StockGate is the redis surface of the advisory availability mirror.
type StockGate interface {
	GateReserve(ctx context.Context, variantID int64, quantity int) (bool, error)
	GateRelease(ctx context.Context, variantID int64, quantity int) error
	GateCommit(ctx context.Context, variantID int64, quantity int) error
	InitStock(ctx context.Context, variantID int64, available, reserved int) error
}

// Publisher is the outbound domain event surface.
type Publisher interface {
	PublishOrderCreated(ctx context.Context, event *models.OrderCreatedEvent) error
	PublishOrderPaid(ctx context.Context, event *models.OrderPaidEvent) error
	PublishOrderFailed(ctx context.Context, event *models.OrderFailedEvent) error
	PublishOrderCancelled(ctx context.Context, event *models.OrderCancelledEvent) error
}
