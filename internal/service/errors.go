package service

import (
	"errors"
	"fmt"

	"checkout-engine/internal/models"
)

var (
	// ErrCartEmpty rejects checkout of a cart with no items.
	ErrCartEmpty = errors.New("cart is empty")

	// ErrCartUnavailable rejects checkout of a completed or expired cart.
	ErrCartUnavailable = errors.New("cart is not available for checkout")

	// ErrSessionExpired rejects payment against a lapsed checkout session.
	ErrSessionExpired = errors.New("checkout session expired")

	// ErrRequestInFlight signals that another request with the same
	// idempotency key is currently executing; the client should retry.
	ErrRequestInFlight = errors.New("request with this idempotency key is in flight")

	// ErrDuplicateCharge refuses a payment attempt against an order that
	// already has a succeeded intent.
	ErrDuplicateCharge = errors.New("order already has a successful payment")

	// ErrPaymentFailed wraps a gateway failure after compensation ran; the
	// cart has been reopened for retry.
	ErrPaymentFailed = errors.New("payment failed")
)

// DeficitError reports per-item stock shortfalls. Recoverable: the client can
// adjust quantities and retry.
type DeficitError struct {
	Deficits []models.Deficit
}

func (e *DeficitError) Error() string {
	return fmt.Sprintf("insufficient stock for %d item(s)", len(e.Deficits))
}

// IntegrityError reports a price or amount mismatch detected at payment time.
// Never auto-corrected; the order is frozen in the fraud sink.
type IntegrityError struct {
	OrderID  int64
	Detail   string
	Expected int64
	Actual   int64
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("order %d integrity violation: %s (expected %d, got %d)",
		e.OrderID, e.Detail, e.Expected, e.Actual)
}
