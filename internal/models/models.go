package models

import (
	"database/sql"
	"time"
)

// CartStatus is the lifecycle state of a shopping cart.
type CartStatus string

const (
	CartStatusActive    CartStatus = "active"
	CartStatusCheckout  CartStatus = "checkout"
	CartStatusCompleted CartStatus = "completed"
	CartStatusExpired   CartStatus = "expired"
)

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending        OrderStatus = "pending"
	OrderStatusPaymentPending OrderStatus = "payment_pending"
	OrderStatusPaid           OrderStatus = "paid"
	OrderStatusFailed         OrderStatus = "failed"
	OrderStatusCancelled      OrderStatus = "cancelled"
	OrderStatusFulfilled      OrderStatus = "fulfilled"

	// OrderStatusFraudDetected is a sink reachable only through the
	// integrity-verification path, never through the order machine.
	OrderStatusFraudDetected OrderStatus = "fraud_detected"
)

// IntentStatus is the lifecycle state of a payment intent.
type IntentStatus string

const (
	IntentStatusCreated    IntentStatus = "created"
	IntentStatusProcessing IntentStatus = "processing"
	IntentStatusSucceeded  IntentStatus = "succeeded"
	IntentStatusFailed     IntentStatus = "failed"
	IntentStatusCancelled  IntentStatus = "cancelled"
)

// ReservationStatus is the state of a stock hold.
type ReservationStatus string

const (
	ReservationStatusReserved  ReservationStatus = "reserved"
	ReservationStatusCommitted ReservationStatus = "committed"
	ReservationStatusReleased  ReservationStatus = "released"
)

// SessionStatus is the state of a checkout session.
type SessionStatus string

const (
	SessionStatusPending   SessionStatus = "pending"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusExpired   SessionStatus = "expired"
)

// Payment methods accepted on order placement.
const (
	PaymentMethodCard = "card"
	PaymentMethodCOD  = "cod"
)

// Totals is the money breakdown shared by carts, sessions and snapshots.
// All amounts are in the currency's minor unit.
type Totals struct {
	Subtotal int64 `db:"subtotal" json:"subtotal"`
	Discount int64 `db:"discount" json:"discount"`
	Tax      int64 `db:"tax" json:"tax"`
	Shipping int64 `db:"shipping" json:"shipping"`
	Total    int64 `db:"total" json:"total"`
}

// Cart is the mutable pre-checkout container. Its totals are denormalized
// caches; they are never trusted at payment time.
type Cart struct {
	ID           int64        `db:"id" json:"id"`
	UserID       int64        `db:"user_id" json:"user_id"`
	SessionToken string       `db:"session_token" json:"session_token,omitempty"`
	Status       CartStatus   `db:"status" json:"status"`
	Currency     string       `db:"currency" json:"currency"`
	Locale       string       `db:"locale" json:"locale"`
	CouponCode   string       `db:"coupon_code" json:"coupon_code,omitempty"`
	Subtotal     int64        `db:"subtotal" json:"subtotal"`
	Discount     int64        `db:"discount" json:"discount"`
	Tax          int64        `db:"tax" json:"tax"`
	Shipping     int64        `db:"shipping" json:"shipping"`
	Total        int64        `db:"total" json:"total"`
	ExpiresAt    sql.NullTime `db:"expires_at" json:"expires_at,omitempty"`
	CreatedAt    time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time    `db:"updated_at" json:"updated_at"`
}

// CartItem is one (cart, variant) line; unit price is captured at add time.
type CartItem struct {
	ID        int64     `db:"id" json:"id"`
	CartID    int64     `db:"cart_id" json:"cart_id"`
	VariantID int64     `db:"variant_id" json:"variant_id"`
	ProductID int64     `db:"product_id" json:"product_id"`
	Name      string    `db:"name" json:"name"`
	SKU       string    `db:"sku" json:"sku"`
	Quantity  int       `db:"quantity" json:"quantity"`
	UnitPrice int64     `db:"unit_price" json:"unit_price"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Variant is the sellable unit; its stock counter is the contended resource.
type Variant struct {
	ID            int64     `db:"id" json:"id"`
	ProductID     int64     `db:"product_id" json:"product_id"`
	SKU           string    `db:"sku" json:"sku"`
	Name          string    `db:"name" json:"name"`
	Price         int64     `db:"price" json:"price"`
	StockQuantity int       `db:"stock_quantity" json:"stock_quantity"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
}

// CheckoutSession is a time-boxed lock over a cart: a frozen item list and
// authoritative totals. Read-only after creation except for status.
type CheckoutSession struct {
	ID          int64         `db:"id" json:"id"`
	Token       string        `db:"token" json:"token"`
	CartID      int64         `db:"cart_id" json:"cart_id"`
	UserID      int64         `db:"user_id" json:"user_id"`
	Status      SessionStatus `db:"status" json:"status"`
	Currency    string        `db:"currency" json:"currency"`
	CouponCode  string        `db:"coupon_code" json:"coupon_code,omitempty"`
	Subtotal    int64         `db:"subtotal" json:"subtotal"`
	Discount    int64         `db:"discount" json:"discount"`
	Tax         int64         `db:"tax" json:"tax"`
	Shipping    int64         `db:"shipping" json:"shipping"`
	Total       int64         `db:"total" json:"total"`
	ItemsJSON   []byte        `db:"items" json:"-"`
	StartedAt   time.Time     `db:"started_at" json:"started_at"`
	ExpiresAt   time.Time     `db:"expires_at" json:"expires_at"`
	CompletedAt sql.NullTime  `db:"completed_at" json:"completed_at,omitempty"`
}

// Totals returns the session's money breakdown as one value.
func (s *CheckoutSession) Totals() Totals {
	return Totals{
		Subtotal: s.Subtotal,
		Discount: s.Discount,
		Tax:      s.Tax,
		Shipping: s.Shipping,
		Total:    s.Total,
	}
}

// SessionItem is one frozen line inside a checkout session.
type SessionItem struct {
	VariantID int64  `json:"variant_id"`
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	LineTotal int64  `json:"line_total"`
}

// PriceSnapshot is the immutable financial record attached 1:1 to an order.
// After LockedAt is set no field may change; it is the only value ever
// compared against a payment amount.
type PriceSnapshot struct {
	ID            int64     `db:"id" json:"id"`
	OrderID       int64     `db:"order_id" json:"order_id"`
	Subtotal      int64     `db:"subtotal" json:"subtotal"`
	Discount      int64     `db:"discount" json:"discount"`
	Tax           int64     `db:"tax" json:"tax"`
	Shipping      int64     `db:"shipping" json:"shipping"`
	FinalAmount   int64     `db:"final_amount" json:"final_amount"`
	Currency      string    `db:"currency" json:"currency"`
	CouponCode    string    `db:"coupon_code" json:"coupon_code,omitempty"`
	EngineVersion string    `db:"engine_version" json:"engine_version"`
	LockedAt      time.Time `db:"locked_at" json:"locked_at"`
}

// Order is one checkout attempt.
type Order struct {
	ID              int64        `db:"id" json:"id"`
	OrderNumber     string       `db:"order_number" json:"order_number"`
	UserID          int64        `db:"user_id" json:"user_id"`
	CartID          int64        `db:"cart_id" json:"cart_id"`
	SessionID       int64        `db:"session_id" json:"session_id"`
	Status          OrderStatus  `db:"status" json:"status"`
	PaymentMethod   string       `db:"payment_method" json:"payment_method"`
	Currency        string       `db:"currency" json:"currency"`
	TotalAmount     int64        `db:"total_amount" json:"total_amount"`
	IdempotencyKey  string       `db:"idempotency_key" json:"idempotency_key,omitempty"`
	ShippingAddress string       `db:"shipping_address" json:"shipping_address,omitempty"`
	BillingAddress  string       `db:"billing_address" json:"billing_address,omitempty"`
	Notes           string       `db:"notes" json:"notes,omitempty"`
	InvoiceNumber   string       `db:"invoice_number" json:"invoice_number,omitempty"`
	PaidAt          sql.NullTime `db:"paid_at" json:"paid_at,omitempty"`
	CreatedAt       time.Time    `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updated_at"`
}

// OrderItem is an immutable line copied from the checkout session at
// order-creation time; never recalculated from live catalog data.
type OrderItem struct {
	ID           int64  `db:"id" json:"id"`
	OrderID      int64  `db:"order_id" json:"order_id"`
	ProductID    int64  `db:"product_id" json:"product_id"`
	VariantID    int64  `db:"variant_id" json:"variant_id"`
	Name         string `db:"name" json:"name"`
	SKU          string `db:"sku" json:"sku"`
	Quantity     int    `db:"quantity" json:"quantity"`
	UnitPrice    int64  `db:"unit_price" json:"unit_price"`
	LineTotal    int64  `db:"line_total" json:"line_total"`
	PriceCapture []byte `db:"price_capture" json:"-"`
}

// InventoryReservation is a soft hold on stock for one (order, variant).
type InventoryReservation struct {
	ID        int64             `db:"id" json:"id"`
	OrderID   int64             `db:"order_id" json:"order_id"`
	VariantID int64             `db:"variant_id" json:"variant_id"`
	Quantity  int               `db:"quantity" json:"quantity"`
	Status    ReservationStatus `db:"status" json:"status"`
	ExpiresAt time.Time         `db:"expires_at" json:"expires_at"`
	CreatedAt time.Time         `db:"created_at" json:"created_at"`
	UpdatedAt time.Time         `db:"updated_at" json:"updated_at"`
}

// PaymentIntent is one payment attempt. At most one intent per order may
// ever reach succeeded.
type PaymentIntent struct {
	ID           int64         `db:"id" json:"id"`
	OrderID      sql.NullInt64 `db:"order_id" json:"order_id,omitempty"`
	SessionID    sql.NullInt64 `db:"session_id" json:"session_id,omitempty"`
	Amount       int64         `db:"amount" json:"amount"`
	Currency     string        `db:"currency" json:"currency"`
	Status       IntentStatus  `db:"status" json:"status"`
	ProviderID   string        `db:"provider_id" json:"provider_id,omitempty"`
	ProviderTxID string        `db:"provider_tx_id" json:"provider_tx_id,omitempty"`
	ClientSecret string        `db:"client_secret" json:"client_secret,omitempty"`
	RawResponse  string        `db:"raw_response" json:"-"`
	ErrorMessage string        `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time     `db:"updated_at" json:"updated_at"`
}

// StateTransition is one audit row written alongside every lifecycle change.
type StateTransition struct {
	ID         int64     `db:"id"`
	EntityKind string    `db:"entity_kind"`
	EntityID   int64     `db:"entity_id"`
	FromState  string    `db:"from_state"`
	ToState    string    `db:"to_state"`
	Actor      string    `db:"actor"`
	Reason     string    `db:"reason"`
	CreatedAt  time.Time `db:"created_at"`
}

// Deficit reports a per-item stock shortfall from validation or reservation.
type Deficit struct {
	VariantID int64  `json:"variant_id"`
	SKU       string `json:"sku,omitempty"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

// ReserveLine is one requested hold inside a reservation call.
type ReserveLine struct {
	VariantID int64
	Quantity  int
}

// ProcessedEvent records externally-delivered events for dedup.
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

// Currency describes the locked currency returned by order validation.
type Currency struct {
	Code      string `json:"code"`
	Symbol    string `json:"symbol"`
	Precision int    `json:"precision"`
}

var currencySymbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
	"JPY": "¥",
	"IDR": "Rp",
	"INR": "₹",
}

var currencyPrecision = map[string]int{
	"JPY": 0,
	"IDR": 0,
}

// CurrencyFor resolves display attributes for an ISO 4217 code.
func CurrencyFor(code string) Currency {
	symbol, ok := currencySymbols[code]
	if !ok {
		symbol = code
	}
	precision := 2
	if p, ok := currencyPrecision[code]; ok {
		precision = p
	}
	return Currency{Code: code, Symbol: symbol, Precision: precision}
}
