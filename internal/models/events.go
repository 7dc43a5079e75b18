package models

import "time"

// Event types
const (
	EventTypeOrderCreated     = "ORDER_CREATED"
	EventTypeOrderPaid        = "ORDER_PAID"
	EventTypeOrderFailed      = "ORDER_FAILED"
	EventTypeOrderCancelled   = "ORDER_CANCELLED"
	EventTypePaymentSucceeded = "PAYMENT_SUCCEEDED"
	EventTypePaymentFailed    = "PAYMENT_FAILED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderCreatedEvent published when an order and its reservations exist
type OrderCreatedEvent struct {
	BaseEvent
	OrderID     int64           `json:"order_id"`
	OrderNumber string          `json:"order_number"`
	UserID      int64           `json:"user_id"`
	TotalAmount int64           `json:"total_amount"`
	Currency    string          `json:"currency"`
	Items       []OrderItemData `json:"items"`
}

// OrderPaidEvent published when an order is finalized
type OrderPaidEvent struct {
	BaseEvent
	OrderID       int64  `json:"order_id"`
	OrderNumber   string `json:"order_number"`
	UserID        int64  `json:"user_id"`
	Amount        int64  `json:"amount"`
	InvoiceNumber string `json:"invoice_number"`
	TxID          string `json:"tx_id"`
}

// OrderFailedEvent published when checkout fails and is compensated
type OrderFailedEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	UserID  int64  `json:"user_id"`
	Reason  string `json:"reason"`
}

// OrderCancelledEvent published when an unpaid order is cancelled
type OrderCancelledEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Reason  string `json:"reason"`
}

// PaymentSucceededEvent mirrors a gateway success delivery
type PaymentSucceededEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	Amount  int64  `json:"amount"`
	TxID    string `json:"tx_id"`
}

// PaymentFailedEvent mirrors a gateway failure delivery
type PaymentFailedEvent struct {
	BaseEvent
	OrderID int64  `json:"order_id"`
	TxID    string `json:"tx_id"`
	Reason  string `json:"reason"`
}

// OrderItemData represents item data in events
type OrderItemData struct {
	VariantID int64  `json:"variant_id"`
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}
