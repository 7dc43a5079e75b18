package fsm

import "checkout-engine/internal/models"

// Entity kinds recorded in the audit trail.
const (
	KindCart   = "cart"
	KindOrder  = "order"
	KindIntent = "payment_intent"
)

// CartMachine governs cart lifecycles. completed and expired are terminal.
func CartMachine() *Machine[models.CartStatus] {
	return New(KindCart, map[models.CartStatus][]models.CartStatus{
		models.CartStatusActive:   {models.CartStatusCheckout, models.CartStatusExpired},
		models.CartStatusCheckout: {models.CartStatusActive, models.CartStatusCompleted, models.CartStatusExpired},
	})
}

// OrderMachine governs order lifecycles. failed, cancelled and fulfilled are
// terminal. fraud_detected is deliberately absent: it is a sink reachable
// only through the integrity-verification path, never by ordinary flow.
func OrderMachine() *Machine[models.OrderStatus] {
	return New(KindOrder, map[models.OrderStatus][]models.OrderStatus{
		models.OrderStatusPending:        {models.OrderStatusPaymentPending, models.OrderStatusPaid, models.OrderStatusFailed, models.OrderStatusCancelled},
		models.OrderStatusPaymentPending: {models.OrderStatusPaid, models.OrderStatusFailed, models.OrderStatusCancelled},
		models.OrderStatusPaid:           {models.OrderStatusFulfilled},
	})
}

// IntentMachine governs payment intent lifecycles. Retrying a failed payment
// always creates a new intent, so failed is terminal alongside succeeded and
// cancelled.
func IntentMachine() *Machine[models.IntentStatus] {
	return New(KindIntent, map[models.IntentStatus][]models.IntentStatus{
		models.IntentStatusCreated:    {models.IntentStatusProcessing, models.IntentStatusFailed, models.IntentStatusCancelled},
		models.IntentStatusProcessing: {models.IntentStatusSucceeded, models.IntentStatusFailed},
	})
}
