package fsm

import (
	"errors"
	"testing"

	"checkout-engine/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCartMachineTransitions(t *testing.T) {
	m := CartMachine()

	assert.True(t, m.CanTransition(models.CartStatusActive, models.CartStatusCheckout))
	assert.True(t, m.CanTransition(models.CartStatusCheckout, models.CartStatusActive))
	assert.True(t, m.CanTransition(models.CartStatusCheckout, models.CartStatusCompleted))
	assert.False(t, m.CanTransition(models.CartStatusActive, models.CartStatusCompleted))

	assert.True(t, m.IsTerminal(models.CartStatusCompleted))
	assert.True(t, m.IsTerminal(models.CartStatusExpired))
}

func TestOrderMachineClosure(t *testing.T) {
	m := OrderMachine()

	all := []models.OrderStatus{
		models.OrderStatusPending,
		models.OrderStatusPaymentPending,
		models.OrderStatusPaid,
		models.OrderStatusFailed,
		models.OrderStatusCancelled,
		models.OrderStatusFulfilled,
		models.OrderStatusFraudDetected,
	}

	allowed := map[[2]models.OrderStatus]bool{}
	for _, from := range all {
		for _, to := range m.AllowedFrom(from) {
			allowed[[2]models.OrderStatus{from, to}] = true
		}
	}

	for _, from := range all {
		for _, to := range all {
			err := m.Transition(from, to, func(models.OrderStatus, models.OrderStatus) error {
				return nil
			})
			if allowed[[2]models.OrderStatus{from, to}] {
				assert.NoError(t, err, "%s -> %s", from, to)
			} else {
				var terr *TransitionError
				require.Error(t, err, "%s -> %s must be rejected", from, to)
				assert.True(t, errors.As(err, &terr))
			}
		}
	}
}

func TestPaidOrderCannotBeCancelled(t *testing.T) {
	m := OrderMachine()

	applied := false
	err := m.Transition(models.OrderStatusPaid, models.OrderStatusCancelled, func(models.OrderStatus, models.OrderStatus) error {
		applied = true
		return nil
	})

	var terr *TransitionError
	require.Error(t, err)
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "paid", terr.From)
	assert.Equal(t, "cancelled", terr.To)
	assert.False(t, applied, "apply must not run for an illegal transition")
}

func TestFraudSinkUnreachableThroughMachine(t *testing.T) {
	m := OrderMachine()

	for _, from := range []models.OrderStatus{
		models.OrderStatusPending,
		models.OrderStatusPaymentPending,
		models.OrderStatusPaid,
	} {
		assert.False(t, m.CanTransition(from, models.OrderStatusFraudDetected))
	}
	assert.True(t, m.IsTerminal(models.OrderStatusFraudDetected))
}

func TestIntentMachineTerminalStates(t *testing.T) {
	m := IntentMachine()

	assert.True(t, m.CanTransition(models.IntentStatusCreated, models.IntentStatusProcessing))
	assert.True(t, m.CanTransition(models.IntentStatusProcessing, models.IntentStatusSucceeded))
	assert.True(t, m.CanTransition(models.IntentStatusProcessing, models.IntentStatusFailed))

	// Failed intents are never reused; a retry gets a fresh intent.
	assert.False(t, m.CanTransition(models.IntentStatusFailed, models.IntentStatusCreated))
	assert.True(t, m.IsTerminal(models.IntentStatusSucceeded))
	assert.True(t, m.IsTerminal(models.IntentStatusCancelled))
	assert.True(t, m.IsTerminal(models.IntentStatusFailed))
}

func TestTransitionPropagatesApplyError(t *testing.T) {
	m := IntentMachine()

	sentinel := errors.New("row moved concurrently")
	err := m.Transition(models.IntentStatusCreated, models.IntentStatusProcessing, func(models.IntentStatus, models.IntentStatus) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}
