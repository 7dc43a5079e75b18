package service

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"checkout-engine/internal/gateway"
	"checkout-engine/internal/models"
	"checkout-engine/internal/store"
)

// fakeStore is an in-memory stand-in for *store.Store. It mirrors the real
// store's guarantees closely enough for orchestration tests: guarded status
// updates, single-use sessions, the unique idempotency constraint and
// all-or-nothing reservations.
type fakeStore struct {
	mu sync.Mutex

	carts        map[int64]*models.Cart
	cartItems    map[int64][]models.CartItem
	variants     map[int64]*models.Variant
	sessions     map[int64]*models.CheckoutSession
	orders       map[int64]*models.Order
	orderItems   map[int64][]models.OrderItem
	snapshots    map[int64]*models.PriceSnapshot
	reservations map[int64][]models.InventoryReservation
	intents      map[int64]*models.PaymentIntent
	processed    map[string]bool
	transitions  []models.StateTransition

	nextID int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		carts:        make(map[int64]*models.Cart),
		cartItems:    make(map[int64][]models.CartItem),
		variants:     make(map[int64]*models.Variant),
		sessions:     make(map[int64]*models.CheckoutSession),
		orders:       make(map[int64]*models.Order),
		orderItems:   make(map[int64][]models.OrderItem),
		snapshots:    make(map[int64]*models.PriceSnapshot),
		reservations: make(map[int64][]models.InventoryReservation),
		intents:      make(map[int64]*models.PaymentIntent),
		processed:    make(map[string]bool),
	}
}

func (f *fakeStore) id() int64 {
	f.nextID++
	return f.nextID
}

func (f *fakeStore) audit(kind string, entityID int64, from, to, actor, reason string) {
	f.transitions = append(f.transitions, models.StateTransition{
		EntityKind: kind, EntityID: entityID,
		FromState: from, ToState: to,
		Actor: actor, Reason: reason,
		CreatedAt: time.Now(),
	})
}

// --- CartStore ---

func (f *fakeStore) CreateCart(_ context.Context, cart *models.Cart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	// session_token is unique in the schema.
	for _, existing := range f.carts {
		if existing.SessionToken == cart.SessionToken {
			return store.ErrDuplicateKey
		}
	}
	cart.ID = f.id()
	cart.Status = models.CartStatusActive
	f.carts[cart.ID] = cart
	return nil
}

func (f *fakeStore) GetCartByID(_ context.Context, id int64) (*models.Cart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cart, ok := f.carts[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *cart
	return &cp, nil
}

func (f *fakeStore) GetCartByToken(_ context.Context, token string) (*models.Cart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cart := range f.carts {
		if cart.SessionToken == token {
			cp := *cart
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetOpenCartForUser(_ context.Context, userID int64) (*models.Cart, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, cart := range f.carts {
		if cart.UserID == userID &&
			(cart.Status == models.CartStatusActive || cart.Status == models.CartStatusCheckout) {
			cp := *cart
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetCartItems(_ context.Context, cartID int64) ([]models.CartItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.CartItem(nil), f.cartItems[cartID]...), nil
}

func (f *fakeStore) UpsertCartItem(_ context.Context, item *models.CartItem) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.cartItems[item.CartID] {
		if existing.VariantID == item.VariantID {
			f.cartItems[item.CartID][i].Quantity += item.Quantity
			return nil
		}
	}
	item.ID = f.id()
	f.cartItems[item.CartID] = append(f.cartItems[item.CartID], *item)
	return nil
}

func (f *fakeStore) UpdateCartItemQuantity(_ context.Context, cartID, itemID int64, quantity int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, item := range f.cartItems[cartID] {
		if item.ID == itemID {
			f.cartItems[cartID][i].Quantity = quantity
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) DeleteCartItem(_ context.Context, cartID, itemID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	items := f.cartItems[cartID]
	for i, item := range items {
		if item.ID == itemID {
			f.cartItems[cartID] = append(items[:i], items[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeStore) UpdateCartTotals(_ context.Context, cartID int64, t models.Totals) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cart, ok := f.carts[cartID]
	if !ok {
		return store.ErrNotFound
	}
	cart.Subtotal, cart.Discount, cart.Tax = t.Subtotal, t.Discount, t.Tax
	cart.Shipping, cart.Total = t.Shipping, t.Total
	return nil
}

func (f *fakeStore) UpdateCartStatus(_ context.Context, cartID int64, from, to models.CartStatus, actor, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateCartStatusLocked(cartID, from, to, actor, reason)
}

func (f *fakeStore) updateCartStatusLocked(cartID int64, from, to models.CartStatus, actor, reason string) error {
	cart, ok := f.carts[cartID]
	if !ok || cart.Status != from {
		return store.ErrStaleTransition
	}
	cart.Status = to
	f.audit("cart", cartID, string(from), string(to), actor, reason)
	return nil
}

func (f *fakeStore) ExpireIdleCarts(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	now := time.Now()
	for _, cart := range f.carts {
		if cart.Status == models.CartStatusActive && cart.ExpiresAt.Valid && !cart.ExpiresAt.Time.After(now) {
			cart.Status = models.CartStatusExpired
			f.audit("cart", cart.ID, string(models.CartStatusActive), string(models.CartStatusExpired), "sweeper", "cart ttl lapsed")
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) GetVariantByID(_ context.Context, id int64) (*models.Variant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.variants[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *v
	return &cp, nil
}

// --- SessionStore ---

func (f *fakeStore) UpsertSession(_ context.Context, sess *models.CheckoutSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.sessions {
		if existing.CartID == sess.CartID {
			if existing.Status == models.SessionStatusCompleted {
				return store.ErrSessionConsumed
			}
			sess.ID = existing.ID
			sess.Token = existing.Token
			cp := *sess
			f.sessions[sess.ID] = &cp
			return nil
		}
	}
	sess.ID = f.id()
	cp := *sess
	f.sessions[sess.ID] = &cp
	return nil
}

func (f *fakeStore) GetSessionByCartID(_ context.Context, cartID int64) (*models.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sess := range f.sessions {
		if sess.CartID == cartID {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GetSessionByID(_ context.Context, id int64) (*models.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sess, ok := f.sessions[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (f *fakeStore) GetSessionByToken(_ context.Context, token string) (*models.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, sess := range f.sessions {
		if sess.Token == token {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) ExpireStaleSessions(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	now := time.Now()
	for _, sess := range f.sessions {
		if sess.Status == models.SessionStatusPending && !sess.ExpiresAt.After(now) {
			sess.Status = models.SessionStatusExpired
			if cart, ok := f.carts[sess.CartID]; ok && cart.Status == models.CartStatusCheckout {
				cart.Status = models.CartStatusActive
			}
			n++
		}
	}
	return n, nil
}

// --- InventoryStore ---

func (f *fakeStore) AvailableForVariants(_ context.Context, ids []int64) (map[int64]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]int, len(ids))
	for _, id := range ids {
		if v, ok := f.variants[id]; ok {
			out[id] = v.StockQuantity - f.activeHoldsLocked(id, 0)
		}
	}
	return out, nil
}

// activeHoldsLocked sums reserved unexpired quantity on a variant, excluding
// one order's own holds.
func (f *fakeStore) activeHoldsLocked(variantID, excludeOrder int64) int {
	total := 0
	now := time.Now()
	for orderID, holds := range f.reservations {
		if orderID == excludeOrder {
			continue
		}
		for _, r := range holds {
			if r.VariantID == variantID && r.Status == models.ReservationStatusReserved && r.ExpiresAt.After(now) {
				total += r.Quantity
			}
		}
	}
	return total
}

func (f *fakeStore) ReserveForOrder(_ context.Context, orderID int64, lines []models.ReserveLine, expiresAt time.Time) ([]models.Deficit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reserveLocked(orderID, lines, expiresAt)
}

func (f *fakeStore) reserveLocked(orderID int64, lines []models.ReserveLine, expiresAt time.Time) ([]models.Deficit, error) {
	var deficits []models.Deficit
	for _, line := range lines {
		v, ok := f.variants[line.VariantID]
		if !ok {
			deficits = append(deficits, models.Deficit{VariantID: line.VariantID, Requested: line.Quantity})
			continue
		}
		free := v.StockQuantity - f.activeHoldsLocked(line.VariantID, orderID)
		if free < line.Quantity {
			deficits = append(deficits, models.Deficit{
				VariantID: line.VariantID, SKU: v.SKU,
				Requested: line.Quantity, Available: free,
			})
		}
	}
	if len(deficits) > 0 {
		return deficits, store.ErrInsufficientStock
	}

	for _, line := range lines {
		exists := false
		for _, r := range f.reservations[orderID] {
			if r.VariantID == line.VariantID {
				exists = true
				break
			}
		}
		if exists {
			continue
		}
		f.reservations[orderID] = append(f.reservations[orderID], models.InventoryReservation{
			ID: f.id(), OrderID: orderID, VariantID: line.VariantID,
			Quantity: line.Quantity, Status: models.ReservationStatusReserved,
			ExpiresAt: expiresAt,
		})
	}
	return nil, nil
}

func (f *fakeStore) CommitReservations(_ context.Context, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commitReservationsLocked(orderID)
	return nil
}

func (f *fakeStore) commitReservationsLocked(orderID int64) {
	for i, r := range f.reservations[orderID] {
		if r.Status != models.ReservationStatusReserved {
			continue
		}
		f.reservations[orderID][i].Status = models.ReservationStatusCommitted
		if v, ok := f.variants[r.VariantID]; ok {
			v.StockQuantity -= r.Quantity
		}
	}
}

func (f *fakeStore) ReleaseReservations(_ context.Context, orderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releaseReservationsLocked(orderID)
	return nil
}

func (f *fakeStore) releaseReservationsLocked(orderID int64) {
	for i, r := range f.reservations[orderID] {
		if r.Status == models.ReservationStatusReserved {
			f.reservations[orderID][i].Status = models.ReservationStatusReleased
		}
	}
}

func (f *fakeStore) ReleaseExpiredReservations(_ context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	now := time.Now()
	for orderID := range f.reservations {
		for i, r := range f.reservations[orderID] {
			if r.Status == models.ReservationStatusReserved && r.ExpiresAt.Before(now) {
				f.reservations[orderID][i].Status = models.ReservationStatusReleased
				n++
			}
		}
	}
	return n, nil
}

func (f *fakeStore) GetReservationsByOrderID(_ context.Context, orderID int64) ([]models.InventoryReservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.InventoryReservation(nil), f.reservations[orderID]...), nil
}

func (f *fakeStore) ListVariants(_ context.Context) ([]models.Variant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.Variant, 0, len(f.variants))
	for _, v := range f.variants {
		out = append(out, *v)
	}
	return out, nil
}

// --- OrderStore ---

func (f *fakeStore) PlaceOrder(_ context.Context, p store.PlaceOrderParams) ([]models.Deficit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	sess, ok := f.sessions[p.Order.SessionID]
	if !ok || sess.Status != models.SessionStatusPending {
		return nil, store.ErrSessionConsumed
	}

	for _, existing := range f.orders {
		if existing.UserID == p.Order.UserID && existing.IdempotencyKey == p.Order.IdempotencyKey {
			return nil, store.ErrDuplicateKey
		}
	}

	p.Order.ID = f.id()
	deficits, err := f.reserveLocked(p.Order.ID, p.ReserveLines, p.ReservationExpiry)
	if err != nil {
		// Whole unit rolls back, nothing was written.
		delete(f.reservations, p.Order.ID)
		return deficits, err
	}

	sess.Status = models.SessionStatusCompleted
	sess.CompletedAt = sql.NullTime{Time: time.Now(), Valid: true}

	p.Order.CreatedAt = time.Now()
	f.orders[p.Order.ID] = p.Order
	f.audit("order", p.Order.ID, "", string(p.Order.Status), p.Actor, "order created")

	snap := *p.Snapshot
	snap.ID = f.id()
	snap.OrderID = p.Order.ID
	f.snapshots[p.Order.ID] = &snap

	for _, item := range p.Items {
		item.ID = f.id()
		item.OrderID = p.Order.ID
		f.orderItems[p.Order.ID] = append(f.orderItems[p.Order.ID], item)
	}
	return nil, nil
}

func (f *fakeStore) GetOrderByID(_ context.Context, id int64) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *order
	return &cp, nil
}

func (f *fakeStore) GetOrderByIdempotencyKey(_ context.Context, userID int64, key string) (*models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, order := range f.orders {
		if order.UserID == userID && order.IdempotencyKey == key {
			cp := *order
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) GetOrdersByUserID(_ context.Context, userID int64) ([]models.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Order
	for _, order := range f.orders {
		if order.UserID == userID {
			out = append(out, *order)
		}
	}
	return out, nil
}

func (f *fakeStore) GetOrderItemsByOrderID(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.OrderItem(nil), f.orderItems[orderID]...), nil
}

func (f *fakeStore) GetSnapshotByOrderID(_ context.Context, orderID int64) (*models.PriceSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.snapshots[orderID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *snap
	return &cp, nil
}

func (f *fakeStore) UpdateOrderStatus(_ context.Context, orderID int64, from, to models.OrderStatus, actor, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateOrderStatusLocked(orderID, from, to, actor, reason)
}

func (f *fakeStore) updateOrderStatusLocked(orderID int64, from, to models.OrderStatus, actor, reason string) error {
	order, ok := f.orders[orderID]
	if !ok || order.Status != from {
		return store.ErrStaleTransition
	}
	order.Status = to
	f.audit("order", orderID, string(from), string(to), actor, reason)
	return nil
}

func (f *fakeStore) FinalizeOrder(_ context.Context, p store.FinalizeParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.updateOrderStatusLocked(p.OrderID, p.From, p.To, p.Actor, p.Reason); err != nil {
		return err
	}
	order := f.orders[p.OrderID]
	if p.SetPaidAt {
		order.PaidAt = sql.NullTime{Time: time.Now(), Valid: true}
	}
	if p.InvoiceNumber != "" {
		order.InvoiceNumber = p.InvoiceNumber
	}
	f.commitReservationsLocked(p.OrderID)
	delete(f.cartItems, p.CartID)
	f.moveCartIfLocked(p.CartID, models.CartStatusCheckout, models.CartStatusCompleted, p.Actor, p.Reason)
	return nil
}

// moveCartIfLocked mirrors the store's tolerant cart move: advance only when
// the cart is still in the expected state, no error otherwise.
func (f *fakeStore) moveCartIfLocked(cartID int64, from, to models.CartStatus, actor, reason string) {
	cart, ok := f.carts[cartID]
	if !ok || cart.Status != from {
		return
	}
	cart.Status = to
	f.audit("cart", cartID, string(from), string(to), actor, reason)
}

func (f *fakeStore) CompensateOrder(_ context.Context, orderID, cartID, sessionID int64, from, to models.OrderStatus, actor, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.updateOrderStatusLocked(orderID, from, to, actor, reason); err != nil {
		return err
	}
	f.releaseReservationsLocked(orderID)
	f.restoreCommittedReservationsLocked(orderID)
	if sessionID != 0 {
		if sess, ok := f.sessions[sessionID]; ok {
			sess.Status = models.SessionStatusPending
			sess.CompletedAt = sql.NullTime{}
		}
	}
	f.moveCartIfLocked(cartID, models.CartStatusCheckout, models.CartStatusActive, actor, reason)
	return nil
}

func (f *fakeStore) restoreCommittedReservationsLocked(orderID int64) {
	for i, r := range f.reservations[orderID] {
		if r.Status != models.ReservationStatusCommitted {
			continue
		}
		f.reservations[orderID][i].Status = models.ReservationStatusReleased
		if v, ok := f.variants[r.VariantID]; ok {
			v.StockQuantity += r.Quantity
		}
	}
}

func (f *fakeStore) MarkOrderFraud(_ context.Context, orderID int64, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return store.ErrNotFound
	}
	prev := order.Status
	order.Status = models.OrderStatusFraudDetected
	f.audit("order", orderID, string(prev), string(models.OrderStatusFraudDetected), "integrity-verifier", reason)
	return nil
}

func (f *fakeStore) IsEventProcessed(_ context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.processed[eventID], nil
}

func (f *fakeStore) MarkEventProcessed(_ context.Context, eventID, eventType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed[eventID] = true
	return nil
}

// --- IntentStore ---

func (f *fakeStore) CreateIntent(_ context.Context, intent *models.PaymentIntent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	intent.ID = f.id()
	cp := *intent
	f.intents[intent.ID] = &cp
	return nil
}

func (f *fakeStore) GetIntentByID(_ context.Context, id int64) (*models.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	intent, ok := f.intents[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *intent
	return &cp, nil
}

func (f *fakeStore) GetIntentsByOrderID(_ context.Context, orderID int64) ([]models.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PaymentIntent
	for _, intent := range f.intents {
		if intent.OrderID.Valid && intent.OrderID.Int64 == orderID {
			out = append(out, *intent)
		}
	}
	return out, nil
}

func (f *fakeStore) GetIntentByProviderTxID(_ context.Context, txID string) (*models.PaymentIntent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, intent := range f.intents {
		if intent.ProviderTxID == txID {
			cp := *intent
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) HasSucceededIntent(_ context.Context, orderID int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, intent := range f.intents {
		if intent.OrderID.Valid && intent.OrderID.Int64 == orderID && intent.Status == models.IntentStatusSucceeded {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) UpdateIntentStatus(_ context.Context, intentID int64, from, to models.IntentStatus, upd store.IntentUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	intent, ok := f.intents[intentID]
	if !ok || intent.Status != from {
		return store.ErrStaleTransition
	}
	intent.Status = to
	if upd.ProviderTxID != "" {
		intent.ProviderTxID = upd.ProviderTxID
	}
	if upd.RawResponse != "" {
		intent.RawResponse = upd.RawResponse
	}
	if upd.ErrorMessage != "" {
		intent.ErrorMessage = upd.ErrorMessage
	}
	f.audit("payment_intent", intentID, string(from), string(to), upd.Actor, upd.Reason)
	return nil
}

// --- fakes for the redis surfaces ---

type fakeCache struct {
	mu     sync.Mutex
	locks  map[string]bool
	lookup map[string]int64
}

func newFakeCache() *fakeCache {
	return &fakeCache{locks: make(map[string]bool), lookup: make(map[string]int64)}
}

func (f *fakeCache) AcquireLock(_ context.Context, lockKey string, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locks[lockKey] {
		return false, nil
	}
	f.locks[lockKey] = true
	return true, nil
}

func (f *fakeCache) ReleaseLock(_ context.Context, lockKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.locks, lockKey)
	return nil
}

func (f *fakeCache) CacheOrderForKey(_ context.Context, userID int64, key string, orderID int64, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookup[fmt.Sprintf("%d:%s", userID, key)] = orderID
	return nil
}

func (f *fakeCache) CachedOrderForKey(_ context.Context, userID int64, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lookup[fmt.Sprintf("%d:%s", userID, key)], nil
}

// fakeGate admits everything unless a variant is explicitly capped, matching
// the advisory mirror's unknown-key behavior.
type fakeGate struct {
	mu        sync.Mutex
	available map[int64]int
}

func newFakeGate() *fakeGate {
	return &fakeGate{available: make(map[int64]int)}
}

func (f *fakeGate) GateReserve(_ context.Context, variantID int64, quantity int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	free, tracked := f.available[variantID]
	if !tracked {
		return true, nil
	}
	if free < quantity {
		return false, nil
	}
	f.available[variantID] = free - quantity
	return true, nil
}

func (f *fakeGate) GateRelease(_ context.Context, variantID int64, quantity int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, tracked := f.available[variantID]; tracked {
		f.available[variantID] += quantity
	}
	return nil
}

func (f *fakeGate) GateCommit(_ context.Context, variantID int64, quantity int) error {
	return nil
}

func (f *fakeGate) InitStock(_ context.Context, variantID int64, available, _ int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.available[variantID] = available
	return nil
}

// fakePublisher records the event types it saw.
type fakePublisher struct {
	mu     sync.Mutex
	events []string
}

func (f *fakePublisher) record(t string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, t)
}

func (f *fakePublisher) published() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakePublisher) PublishOrderCreated(_ context.Context, e *models.OrderCreatedEvent) error {
	f.record(e.EventType)
	return nil
}

func (f *fakePublisher) PublishOrderPaid(_ context.Context, e *models.OrderPaidEvent) error {
	f.record(e.EventType)
	return nil
}

func (f *fakePublisher) PublishOrderFailed(_ context.Context, e *models.OrderFailedEvent) error {
	f.record(e.EventType)
	return nil
}

func (f *fakePublisher) PublishOrderCancelled(_ context.Context, e *models.OrderCancelledEvent) error {
	f.record(e.EventType)
	return nil
}

// fakeGateway scripts charge outcomes. onCharge, when set, runs once before
// the charge resolves, letting tests interleave work mid-payment.
type fakeGateway struct {
	mu         sync.Mutex
	declineAll bool
	chargeErr  error
	nextTx     int
	onCharge   func()
}

func (f *fakeGateway) CreateIntent(_ context.Context, amount int64, currency string, _ map[string]string) (*gateway.Intent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextTx++
	return &gateway.Intent{
		ProviderID:   fmt.Sprintf("pi_test_%d", f.nextTx),
		ClientSecret: fmt.Sprintf("secret_%d", f.nextTx),
	}, nil
}

func (f *fakeGateway) Charge(_ context.Context, providerID string, amount int64) (*gateway.ChargeResult, error) {
	f.mu.Lock()
	hook := f.onCharge
	f.onCharge = nil
	f.mu.Unlock()
	if hook != nil {
		hook()
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.chargeErr != nil {
		return nil, f.chargeErr
	}
	if f.declineAll {
		return nil, gateway.ErrDeclined
	}
	f.nextTx++
	return &gateway.ChargeResult{
		TransactionID: fmt.Sprintf("TXN-test-%d", f.nextTx),
		RawResponse:   `{"status":"succeeded"}`,
	}, nil
}

func (f *fakeGateway) Verify(_ context.Context, _ string) (bool, error) {
	return true, nil
}

func (f *fakeGateway) Refund(_ context.Context, _ string, _ int64) error {
	return nil
}
