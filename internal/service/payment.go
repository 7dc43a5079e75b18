package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"checkout-engine/internal/fsm"
	"checkout-engine/internal/gateway"
	"checkout-engine/internal/models"
	"checkout-engine/internal/store"
	"checkout-engine/internal/util"

	"go.uber.org/zap"
)

// PaymentService drives payment intents through their lifecycle against the
// gateway collaborator. Every attempt is a fresh intent; a failed intent is
// terminal and never reused.
type PaymentService struct {
	intents   IntentStore
	gw        gateway.Gateway
	intentFSM *fsm.Machine[models.IntentStatus]
	logger    *zap.Logger
}

// NewPaymentService creates a new payment service
func NewPaymentService(intents IntentStore, gw gateway.Gateway) *PaymentService {
	return &PaymentService{
		intents:   intents,
		gw:        gw,
		intentFSM: fsm.IntentMachine(),
		logger:    util.GetLogger(),
	}
}

// CreateOrderIntent obtains a client secret from the gateway and persists a
// created intent for the order. Refuses when the order already settled.
func (ps *PaymentService) CreateOrderIntent(ctx context.Context, order *models.Order) (*models.PaymentIntent, error) {
	settled, err := ps.intents.HasSucceededIntent(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	if settled {
		return nil, ErrDuplicateCharge
	}

	provider, err := ps.gw.CreateIntent(ctx, order.TotalAmount, order.Currency, map[string]string{
		"order_number": order.OrderNumber,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway intent creation failed: %w", err)
	}

	intent := &models.PaymentIntent{
		OrderID:      sql.NullInt64{Int64: order.ID, Valid: true},
		Amount:       order.TotalAmount,
		Currency:     order.Currency,
		Status:       models.IntentStatusCreated,
		ProviderID:   provider.ProviderID,
		ClientSecret: provider.ClientSecret,
	}
	if err := ps.intents.CreateIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("failed to persist payment intent: %w", err)
	}

	ps.logger.Info("Payment intent created",
		zap.Int64("order_id", order.ID),
		zap.Int64("intent_id", intent.ID),
		zap.String("provider_id", intent.ProviderID))
	return intent, nil
}

// CreateCheckoutIntent creates an intent bound to a checkout session instead
// of an order, for pay-before-order flows.
func (ps *PaymentService) CreateCheckoutIntent(ctx context.Context, sess *models.CheckoutSession) (*models.PaymentIntent, error) {
	provider, err := ps.gw.CreateIntent(ctx, sess.Total, sess.Currency, map[string]string{
		"checkout_token": sess.Token,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway intent creation failed: %w", err)
	}

	intent := &models.PaymentIntent{
		SessionID:    sql.NullInt64{Int64: sess.ID, Valid: true},
		Amount:       sess.Total,
		Currency:     sess.Currency,
		Status:       models.IntentStatusCreated,
		ProviderID:   provider.ProviderID,
		ClientSecret: provider.ClientSecret,
	}
	if err := ps.intents.CreateIntent(ctx, intent); err != nil {
		return nil, fmt.Errorf("failed to persist payment intent: %w", err)
	}
	return intent, nil
}

// Process charges the intent, driving created -> processing -> succeeded or
// failed. Gateway errors always land the intent in failed; an intent is
// never left stuck in processing.
func (ps *PaymentService) Process(ctx context.Context, intent *models.PaymentIntent) (*gateway.ChargeResult, error) {
	ctx, span := util.StartSpan(ctx, "PaymentService.Process")
	defer span.End()

	util.PaymentAttemptsTotal.Inc()
	start := time.Now()
	defer func() {
		util.PaymentProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	if intent.OrderID.Valid {
		settled, err := ps.intents.HasSucceededIntent(ctx, intent.OrderID.Int64)
		if err != nil {
			return nil, err
		}
		if settled {
			return nil, ErrDuplicateCharge
		}
	}

	err := ps.intentFSM.Transition(models.IntentStatusCreated, models.IntentStatusProcessing, func(from, to models.IntentStatus) error {
		return ps.intents.UpdateIntentStatus(ctx, intent.ID, from, to, store.IntentUpdate{
			Actor:  "payment-service",
			Reason: "charge initiated",
		})
	})
	if err != nil {
		return nil, err
	}
	intent.Status = models.IntentStatusProcessing

	result, chargeErr := ps.gw.Charge(ctx, intent.ProviderID, intent.Amount)
	if chargeErr != nil {
		ps.logger.Warn("Payment charge failed",
			zap.Int64("intent_id", intent.ID),
			zap.Error(chargeErr))

		if err := ps.MarkFailed(ctx, intent, chargeErr.Error()); err != nil {
			ps.logger.Error("Failed to record payment failure", zap.Error(err))
		}
		util.PaymentFailedTotal.Inc()
		if errors.Is(chargeErr, gateway.ErrDeclined) {
			return nil, fmt.Errorf("%w: %s", ErrPaymentFailed, chargeErr)
		}
		return nil, fmt.Errorf("%w: gateway error: %s", ErrPaymentFailed, chargeErr)
	}

	err = ps.intentFSM.Transition(models.IntentStatusProcessing, models.IntentStatusSucceeded, func(from, to models.IntentStatus) error {
		return ps.intents.UpdateIntentStatus(ctx, intent.ID, from, to, store.IntentUpdate{
			ProviderTxID: result.TransactionID,
			RawResponse:  result.RawResponse,
			Actor:        "payment-service",
			Reason:       "gateway settled",
		})
	})
	if err != nil {
		return nil, err
	}
	intent.Status = models.IntentStatusSucceeded
	intent.ProviderTxID = result.TransactionID

	util.PaymentSuccessTotal.Inc()
	ps.logger.Info("Payment succeeded",
		zap.Int64("intent_id", intent.ID),
		zap.String("tx_id", result.TransactionID))
	return result, nil
}

// MarkFailed forces the intent into failed from whichever non-terminal state
// it is in.
func (ps *PaymentService) MarkFailed(ctx context.Context, intent *models.PaymentIntent, reason string) error {
	from := intent.Status
	if ps.intentFSM.IsTerminal(from) {
		return nil
	}
	err := ps.intentFSM.Transition(from, models.IntentStatusFailed, func(from, to models.IntentStatus) error {
		return ps.intents.UpdateIntentStatus(ctx, intent.ID, from, to, store.IntentUpdate{
			ErrorMessage: reason,
			Actor:        "payment-service",
			Reason:       "gateway failure",
		})
	})
	if err != nil {
		return err
	}
	intent.Status = models.IntentStatusFailed
	intent.ErrorMessage = reason
	return nil
}

// Settle records a gateway-confirmed success on an intent that has not yet
// reached succeeded, e.g. from a webhook delivery that outran the synchronous
// path. Idempotent when the intent already settled with the same transaction.
func (ps *PaymentService) Settle(ctx context.Context, intent *models.PaymentIntent, txID, raw string) error {
	if intent.Status == models.IntentStatusSucceeded {
		return nil
	}

	if intent.Status == models.IntentStatusCreated {
		err := ps.intentFSM.Transition(models.IntentStatusCreated, models.IntentStatusProcessing, func(from, to models.IntentStatus) error {
			return ps.intents.UpdateIntentStatus(ctx, intent.ID, from, to, store.IntentUpdate{
				Actor:  "payment-service",
				Reason: "gateway webhook",
			})
		})
		if err != nil {
			return err
		}
		intent.Status = models.IntentStatusProcessing
	}

	err := ps.intentFSM.Transition(intent.Status, models.IntentStatusSucceeded, func(from, to models.IntentStatus) error {
		return ps.intents.UpdateIntentStatus(ctx, intent.ID, from, to, store.IntentUpdate{
			ProviderTxID: txID,
			RawResponse:  raw,
			Actor:        "payment-service",
			Reason:       "gateway webhook settled",
		})
	})
	if err != nil {
		return err
	}
	intent.Status = models.IntentStatusSucceeded
	intent.ProviderTxID = txID
	util.PaymentSuccessTotal.Inc()
	return nil
}

// Cancel voids an unprocessed intent, e.g. when its order is cancelled.
func (ps *PaymentService) Cancel(ctx context.Context, intent *models.PaymentIntent, reason string) error {
	err := ps.intentFSM.Transition(intent.Status, models.IntentStatusCancelled, func(from, to models.IntentStatus) error {
		return ps.intents.UpdateIntentStatus(ctx, intent.ID, from, to, store.IntentUpdate{
			Actor:  "payment-service",
			Reason: reason,
		})
	})
	if err != nil {
		return err
	}
	intent.Status = models.IntentStatusCancelled
	return nil
}
